package stashserver

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"stash/internal/auth"
	"stash/internal/cache"
	"stash/internal/content"
	"stash/internal/identity"
	"stash/internal/metastore"
	"stash/internal/session"
	"stash/internal/stasherr"
	"stash/internal/wire"
)

func newTestServer(t *testing.T) (*Server, identity.NodeID, identity.NodeID) {
	t.Helper()
	ctx := context.Background()

	db, err := metastore.Open("file::memory:?cache=shared", metastore.Options{MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, metastore.Migrate(ctx, db))
	meta := metastore.New(db)

	root := t.TempDir()
	store, err := content.Open(root)
	require.NoError(t, err)

	sess, err := session.Open(filepath.Join(root, "session"))
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })

	c, err := cache.New(64)
	require.NoError(t, err)

	admin, err := identity.GenerateSecretKey()
	require.NoError(t, err)
	other, err := identity.GenerateSecretKey()
	require.NoError(t, err)

	a, err := auth.New(ctx, db, admin.Public)
	require.NoError(t, err)

	srv := New(a, store, meta, c, sess, time.Hour, zerolog.Nop())
	return srv, admin.Public, other.Public
}

func commitTestBlob(t *testing.T, s *Server, ctx context.Context, peer identity.NodeID, data []byte) wire.Blob {
	t.Helper()
	node, err := s.dispatch(ctx, peer, wire.CreateBlob{})
	require.NoError(t, err)
	blob, err := wire.DecodeBlobNode(node)
	require.NoError(t, err)

	node, err = s.dispatch(ctx, peer, wire.AppendBlob{Name: blob.Name, Data: data})
	require.NoError(t, err)
	blob, err = wire.DecodeBlobNode(node)
	require.NoError(t, err)
	return blob
}

func TestCommitDescribeDownloadRoundTrip(t *testing.T) {
	s, admin, _ := newTestServer(t)
	ctx := context.Background()

	blob := commitTestBlob(t, s, ctx, admin, []byte("hello world!"))

	node, err := s.dispatch(ctx, admin, wire.CommitBlob{
		Blob:     blob.Name,
		FileName: "greeting.txt",
		Tags:     []string{"greeting"},
	})
	require.NoError(t, err)
	file, err := wire.DecodeFileNode(node)
	require.NoError(t, err)
	require.Equal(t, "greeting.txt", file.Name)
	require.EqualValues(t, 12, file.Size)

	node, err = s.dispatch(ctx, admin, wire.Describe{Name: "greeting.txt"})
	require.NoError(t, err)
	desc, err := wire.DecodeFileDescriptionNode(node)
	require.NoError(t, err)
	require.Equal(t, []string{"greeting"}, desc.Tags)
	require.Equal(t, file.Hash, desc.Hash)

	node, err = s.dispatch(ctx, admin, wire.Download{Hash: file.Hash, Start: 0, Len: file.Size})
	require.NoError(t, err)
	data, err := wire.DecodeBytesNode(node)
	require.NoError(t, err)
	require.Equal(t, "hello world!", string(data))
}

func TestDescribeBlobAfterCommitIsGone(t *testing.T) {
	s, admin, _ := newTestServer(t)
	ctx := context.Background()

	blob := commitTestBlob(t, s, ctx, admin, []byte("ephemeral"))
	_, err := s.dispatch(ctx, admin, wire.CommitBlob{Blob: blob.Name, FileName: "e.txt", Tags: []string{"x"}})
	require.NoError(t, err)

	_, err = s.dispatch(ctx, admin, wire.DescribeBlob{Name: blob.Name})
	require.Error(t, err)
	var stashErr *stasherr.Error
	require.True(t, errors.As(err, &stashErr))
}

func TestListAndSearch(t *testing.T) {
	s, admin, _ := newTestServer(t)
	ctx := context.Background()

	b1 := commitTestBlob(t, s, ctx, admin, []byte("one"))
	_, err := s.dispatch(ctx, admin, wire.CommitBlob{Blob: b1.Name, FileName: "alpha.txt", Tags: []string{"docs"}})
	require.NoError(t, err)

	b2 := commitTestBlob(t, s, ctx, admin, []byte("two"))
	_, err = s.dispatch(ctx, admin, wire.CommitBlob{Blob: b2.Name, FileName: "alphabet.txt", Tags: []string{"docs"}})
	require.NoError(t, err)

	node, err := s.dispatch(ctx, admin, wire.List{Tag: "docs", Prefix: "alpha", HasPrefix: true})
	require.NoError(t, err)
	files, err := wire.DecodeFileListNode(node)
	require.NoError(t, err)
	require.Len(t, files, 2)

	node, err = s.dispatch(ctx, admin, wire.Search{Tag: "docs", Term: "bet"})
	require.NoError(t, err)
	files, err = wire.DecodeFileListNode(node)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "alphabet.txt", files[0].Name)
}

func TestDeleteDoesNotReclaimContentUntilGc(t *testing.T) {
	s, admin, _ := newTestServer(t)
	ctx := context.Background()

	blob := commitTestBlob(t, s, ctx, admin, []byte("disposable"))
	node, err := s.dispatch(ctx, admin, wire.CommitBlob{Blob: blob.Name, FileName: "d.txt", Tags: []string{"t"}})
	require.NoError(t, err)
	file, err := wire.DecodeFileNode(node)
	require.NoError(t, err)

	_, err = s.dispatch(ctx, admin, wire.Delete{Name: "d.txt"})
	require.NoError(t, err)

	_, err = s.dispatch(ctx, admin, wire.Describe{Name: "d.txt"})
	require.Error(t, err)

	// Content still downloadable: Delete never touches file_contents or disk.
	node, err = s.dispatch(ctx, admin, wire.Download{Hash: file.Hash, Start: 0, Len: file.Size})
	require.NoError(t, err)
	data, err := wire.DecodeBytesNode(node)
	require.NoError(t, err)
	require.Equal(t, "disposable", string(data))

	node, err = s.dispatch(ctx, admin, wire.GcBlobs{})
	require.NoError(t, err)
	summary, err := wire.DecodeStringNode(node)
	require.NoError(t, err)
	require.Contains(t, summary, "1 content file")

	_, err = s.dispatch(ctx, admin, wire.Download{Hash: file.Hash, Start: 0, Len: file.Size})
	require.Error(t, err)
}

func TestAddRemoveClientRequiresAdmin(t *testing.T) {
	s, admin, other := newTestServer(t)
	ctx := context.Background()

	_, err := s.dispatch(ctx, other, wire.AddClient{Node: string(other)})
	require.Error(t, err)
	var stashErr *stasherr.Error
	require.True(t, errors.As(err, &stashErr))

	node, err := s.dispatch(ctx, admin, wire.AddClient{Node: string(other)})
	require.NoError(t, err)
	ok, err := wire.DecodeStringNode(node)
	require.NoError(t, err)
	require.Equal(t, "OK", ok)
	require.True(t, s.auth.Allow(other))

	_, err = s.dispatch(ctx, admin, wire.RemoveClient{Node: string(other)})
	require.NoError(t, err)
	require.False(t, s.auth.Allow(other))
}

func TestTagsListsCommittedTags(t *testing.T) {
	s, admin, _ := newTestServer(t)
	ctx := context.Background()

	blob := commitTestBlob(t, s, ctx, admin, []byte("tagged"))
	_, err := s.dispatch(ctx, admin, wire.CommitBlob{Blob: blob.Name, FileName: "tagged.txt", Tags: []string{"zeta", "alpha"}})
	require.NoError(t, err)

	node, err := s.dispatch(ctx, admin, wire.Tags{})
	require.NoError(t, err)
	tags, err := wire.DecodeStringListNode(node)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "zeta"}, tags)
}

func TestHandleUnauthorizedPropagatesAsUserError(t *testing.T) {
	s, _, other := newTestServer(t)
	ctx := context.Background()

	payload, err := s.Handle(ctx, other, wire.AddClient{Node: "whatever"})
	require.NoError(t, err) // user errors never surface as system errors

	resp, err := wire.DecodeResponse(bytes.NewReader(payload))
	require.NoError(t, err)
	require.True(t, resp.IsErr)
}
