package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCmdRoundTrip(t *testing.T) {
	cases := []Cmd{
		Tags{},
		AddClient{Node: "abc123"},
		RemoveClient{Node: "abc123"},
		CreateBlob{},
		DescribeBlob{Name: "blob-1"},
		AppendBlob{Name: "blob-1", Data: []byte("hello world")},
		CommitBlob{Blob: "blob-1", FileName: "test-file", Tags: []string{"t1", "t2"}, Replace: false},
		List{Tag: "t1", Prefix: "dir1/", HasPrefix: true},
		List{Tag: "t1", HasPrefix: false},
		Search{Tag: "t1", Term: "f3"},
		Describe{Name: "test-file"},
		Delete{Name: "test-file"},
		Download{Hash: "deadbeef", Start: 0, Len: 11},
		GcBlobs{},
	}

	for _, c := range cases {
		encoded, err := EncodeCmd(c)
		require.NoError(t, err)
		require.NotEmpty(t, encoded)

		decoded, err := DecodeCmd(bytes.NewReader(encoded))
		require.NoError(t, err)
		require.Equal(t, c, decoded)
	}
}

func TestDecodeCmdTruncatedPayload(t *testing.T) {
	encoded, err := EncodeCmd(Tags{})
	require.NoError(t, err)

	// A truncated payload should fail decode rather than silently dispatch.
	_, err = DecodeCmd(bytes.NewReader(encoded[:len(encoded)-1]))
	require.Error(t, err)
}

func TestResponseRoundTripOK(t *testing.T) {
	blobNode, err := EncodeBlobNode(Blob{Name: "blob-1", Size: 42})
	require.NoError(t, err)

	encoded, err := EncodeOK(blobNode)
	require.NoError(t, err)

	resp, err := DecodeResponse(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.False(t, resp.IsErr)

	blob, err := DecodeBlobNode(resp.Value)
	require.NoError(t, err)
	require.Equal(t, Blob{Name: "blob-1", Size: 42}, blob)
}

func TestResponseRoundTripErr(t *testing.T) {
	encoded, err := EncodeErr("No such blob")
	require.NoError(t, err)

	resp, err := DecodeResponse(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.True(t, resp.IsErr)
	require.Equal(t, "No such blob", resp.Err)
}

func TestFileListRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	files := []File{
		{Name: "dir1/f1", Size: 3, Hash: "h1", Created: now},
		{Name: "dir2/f3", Size: 7, Hash: "h2", Created: now},
	}

	node, err := EncodeFileListNode(files)
	require.NoError(t, err)

	encoded, err := EncodeOK(node)
	require.NoError(t, err)

	resp, err := DecodeResponse(bytes.NewReader(encoded))
	require.NoError(t, err)

	got, err := DecodeFileListNode(resp.Value)
	require.NoError(t, err)
	require.Equal(t, files, got)
}

func TestFileDescriptionRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	desc := FileDescription{
		Name:    "test-file",
		Size:    11,
		Hash:    "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
		Created: now,
		Tags:    []string{"t1", "t2"},
	}

	node, err := EncodeFileDescriptionNode(desc)
	require.NoError(t, err)

	got, err := DecodeFileDescriptionNode(node)
	require.NoError(t, err)
	require.Equal(t, desc, got)
}

func TestStringAndBytesResults(t *testing.T) {
	encoded, err := EncodeOK(EncodeStringNode("OK"))
	require.NoError(t, err)
	resp, err := DecodeResponse(bytes.NewReader(encoded))
	require.NoError(t, err)
	s, err := DecodeStringNode(resp.Value)
	require.NoError(t, err)
	require.Equal(t, "OK", s)

	encoded, err = EncodeOK(EncodeBytesNode([]byte("hello world")))
	require.NoError(t, err)
	resp, err = DecodeResponse(bytes.NewReader(encoded))
	require.NoError(t, err)
	b, err := DecodeBytesNode(resp.Value)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), b)
}

func TestStringListResult(t *testing.T) {
	node, err := EncodeStringListNode([]string{"t1", "t2", "t3"})
	require.NoError(t, err)

	encoded, err := EncodeOK(node)
	require.NoError(t, err)

	resp, err := DecodeResponse(bytes.NewReader(encoded))
	require.NoError(t, err)

	got, err := DecodeStringListNode(resp.Value)
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t2", "t3"}, got)
}
