// Package wire implements the binary command/response codec: the closed
// Cmd sum type and the generic Response envelope are both encoded as
// dag-cbor maps, built and read with go-ipld-prime's basicnode builder the
// same way the teacher's repository and blob-store packages build their
// commit and metadata nodes. There is no schema layer on top — each
// variant assembles and reads its own fixed set of map entries by hand.
package wire

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/node/basicnode"
)

// Cmd is the closed sum type of requests a connection may carry. Only the
// variants in this package implement it.
type Cmd interface {
	wireTag() string
}

const (
	tagTags         = "tags"
	tagAddClient    = "add_client"
	tagRemoveClient = "remove_client"
	tagCreateBlob   = "create_blob"
	tagDescribeBlob = "describe_blob"
	tagAppendBlob   = "append_blob"
	tagCommitBlob   = "commit_blob"
	tagList         = "list"
	tagSearch       = "search"
	tagDescribe     = "describe"
	tagDelete       = "delete"
	tagDownload     = "download"
	tagGcBlobs      = "gc_blobs"
)

// Tags requests the sorted list of all tag names.
type Tags struct{}

// AddClient requests that node be added to the allow-list. Admin-only.
type AddClient struct{ Node string }

// RemoveClient requests that node be removed from the allow-list. Admin-only.
type RemoveClient struct{ Node string }

// CreateBlob opens a new staging blob.
type CreateBlob struct{}

// DescribeBlob reports the current size of a staging blob.
type DescribeBlob struct{ Name string }

// AppendBlob appends Data to the named staging blob.
type AppendBlob struct {
	Name string
	Data []byte
}

// CommitBlob hashes a staging blob and links it into the metadata store as
// a named, tagged File.
type CommitBlob struct {
	Blob     string
	FileName string
	Tags     []string
	Replace  bool
}

// List returns files carrying Tag whose name starts with Prefix. HasPrefix
// distinguishes an explicit empty prefix from "no prefix given" (both
// behave identically per spec, but the wire carries the distinction).
type List struct {
	Tag       string
	Prefix    string
	HasPrefix bool
}

// Search returns files carrying Tag whose name contains Term.
type Search struct {
	Tag  string
	Term string
}

// Describe returns full metadata, including tags, for a named file.
type Describe struct{ Name string }

// Delete removes a named file's metadata row (not its content).
type Delete struct{ Name string }

// Download reads Len bytes starting at Start from the content file
// identified by Hash.
type Download struct {
	Hash  string
	Start int64
	Len   int64
}

// GcBlobs sweeps stale staging blobs and unreferenced content.
type GcBlobs struct{}

func (Tags) wireTag() string         { return tagTags }
func (AddClient) wireTag() string    { return tagAddClient }
func (RemoveClient) wireTag() string { return tagRemoveClient }
func (CreateBlob) wireTag() string   { return tagCreateBlob }
func (DescribeBlob) wireTag() string { return tagDescribeBlob }
func (AppendBlob) wireTag() string   { return tagAppendBlob }
func (CommitBlob) wireTag() string   { return tagCommitBlob }
func (List) wireTag() string         { return tagList }
func (Search) wireTag() string       { return tagSearch }
func (Describe) wireTag() string     { return tagDescribe }
func (Delete) wireTag() string       { return tagDelete }
func (Download) wireTag() string     { return tagDownload }
func (GcBlobs) wireTag() string      { return tagGcBlobs }

// Value types carried in results.

// Blob is a staging file's wire-visible state.
type Blob struct {
	Name string
	Size uint64
}

// File is a committed, named reference to content.
type File struct {
	Name    string
	Size    int64
	Hash    string
	Created time.Time
}

// FileDescription is a File plus its tags.
type FileDescription struct {
	Name    string
	Size    int64
	Hash    string
	Created time.Time
	Tags    []string
}

// --- node assembly helpers, in the teacher's buildCommitNode idiom ---

func assembleMap(n int64, fn func(ma datamodel.MapAssembler) error) (datamodel.Node, error) {
	builder := basicnode.Prototype.Map.NewBuilder()
	ma, err := builder.BeginMap(n)
	if err != nil {
		return nil, err
	}
	if err := fn(ma); err != nil {
		return nil, err
	}
	if err := ma.Finish(); err != nil {
		return nil, err
	}
	return builder.Build(), nil
}

func assembleList(n int64, fn func(la datamodel.ListAssembler) error) (datamodel.Node, error) {
	builder := basicnode.Prototype.List.NewBuilder()
	la, err := builder.BeginList(n)
	if err != nil {
		return nil, err
	}
	if err := fn(la); err != nil {
		return nil, err
	}
	if err := la.Finish(); err != nil {
		return nil, err
	}
	return builder.Build(), nil
}

func putNode(ma datamodel.MapAssembler, key string, val datamodel.Node) error {
	entry, err := ma.AssembleEntry(key)
	if err != nil {
		return err
	}
	return entry.AssignNode(val)
}

func putString(ma datamodel.MapAssembler, key, val string) error {
	entry, err := ma.AssembleEntry(key)
	if err != nil {
		return err
	}
	return entry.AssignString(val)
}

func putInt(ma datamodel.MapAssembler, key string, val int64) error {
	entry, err := ma.AssembleEntry(key)
	if err != nil {
		return err
	}
	return entry.AssignInt(val)
}

func putBool(ma datamodel.MapAssembler, key string, val bool) error {
	entry, err := ma.AssembleEntry(key)
	if err != nil {
		return err
	}
	return entry.AssignBool(val)
}

func putBytes(ma datamodel.MapAssembler, key string, val []byte) error {
	entry, err := ma.AssembleEntry(key)
	if err != nil {
		return err
	}
	return entry.AssignBytes(val)
}

func putStringOrNull(ma datamodel.MapAssembler, key string, val string, present bool) error {
	entry, err := ma.AssembleEntry(key)
	if err != nil {
		return err
	}
	if !present {
		return entry.AssignNull()
	}
	return entry.AssignString(val)
}

func putStringList(ma datamodel.MapAssembler, key string, vals []string) error {
	node, err := assembleList(int64(len(vals)), func(la datamodel.ListAssembler) error {
		for _, v := range vals {
			va, err := la.AssembleEntry()
			if err != nil {
				return err
			}
			if err := va.AssignString(v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return putNode(ma, key, node)
}

func getField(n datamodel.Node, key string) (datamodel.Node, error) {
	v, err := n.LookupByString(key)
	if err != nil {
		return nil, fmt.Errorf("wire: missing field %q: %w", key, err)
	}
	return v, nil
}

func getString(n datamodel.Node, key string) (string, error) {
	v, err := getField(n, key)
	if err != nil {
		return "", err
	}
	return v.AsString()
}

func getStringOrEmpty(n datamodel.Node, key string) (string, bool, error) {
	v, err := getField(n, key)
	if err != nil {
		return "", false, err
	}
	if v.IsNull() {
		return "", false, nil
	}
	s, err := v.AsString()
	if err != nil {
		return "", false, err
	}
	return s, true, nil
}

func getInt(n datamodel.Node, key string) (int64, error) {
	v, err := getField(n, key)
	if err != nil {
		return 0, err
	}
	return v.AsInt()
}

func getBool(n datamodel.Node, key string) (bool, error) {
	v, err := getField(n, key)
	if err != nil {
		return false, err
	}
	return v.AsBool()
}

func getBytes(n datamodel.Node, key string) ([]byte, error) {
	v, err := getField(n, key)
	if err != nil {
		return nil, err
	}
	return v.AsBytes()
}

func getStringList(n datamodel.Node, key string) ([]string, error) {
	v, err := getField(n, key)
	if err != nil {
		return nil, err
	}
	it := v.ListIterator()
	if it == nil {
		return nil, fmt.Errorf("wire: field %q is not a list", key)
	}
	out := make([]string, 0, v.Length())
	for !it.Done() {
		_, val, err := it.Next()
		if err != nil {
			return nil, err
		}
		s, err := val.AsString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// --- Cmd encode/decode ---

// EncodeCmd serializes a command to its dag-cbor wire form.
func EncodeCmd(cmd Cmd) ([]byte, error) {
	var args datamodel.Node
	var err error

	switch c := cmd.(type) {
	case Tags:
		args, err = assembleMap(0, func(datamodel.MapAssembler) error { return nil })
	case AddClient:
		args, err = assembleMap(1, func(ma datamodel.MapAssembler) error {
			return putString(ma, "node", c.Node)
		})
	case RemoveClient:
		args, err = assembleMap(1, func(ma datamodel.MapAssembler) error {
			return putString(ma, "node", c.Node)
		})
	case CreateBlob:
		args, err = assembleMap(0, func(datamodel.MapAssembler) error { return nil })
	case DescribeBlob:
		args, err = assembleMap(1, func(ma datamodel.MapAssembler) error {
			return putString(ma, "name", c.Name)
		})
	case AppendBlob:
		args, err = assembleMap(2, func(ma datamodel.MapAssembler) error {
			if err := putString(ma, "name", c.Name); err != nil {
				return err
			}
			return putBytes(ma, "data", c.Data)
		})
	case CommitBlob:
		args, err = assembleMap(4, func(ma datamodel.MapAssembler) error {
			if err := putString(ma, "blob", c.Blob); err != nil {
				return err
			}
			if err := putString(ma, "file_name", c.FileName); err != nil {
				return err
			}
			if err := putStringList(ma, "tags", c.Tags); err != nil {
				return err
			}
			return putBool(ma, "replace", c.Replace)
		})
	case List:
		args, err = assembleMap(2, func(ma datamodel.MapAssembler) error {
			if err := putString(ma, "tag", c.Tag); err != nil {
				return err
			}
			return putStringOrNull(ma, "prefix", c.Prefix, c.HasPrefix)
		})
	case Search:
		args, err = assembleMap(2, func(ma datamodel.MapAssembler) error {
			if err := putString(ma, "tag", c.Tag); err != nil {
				return err
			}
			return putString(ma, "term", c.Term)
		})
	case Describe:
		args, err = assembleMap(1, func(ma datamodel.MapAssembler) error {
			return putString(ma, "name", c.Name)
		})
	case Delete:
		args, err = assembleMap(1, func(ma datamodel.MapAssembler) error {
			return putString(ma, "name", c.Name)
		})
	case Download:
		args, err = assembleMap(3, func(ma datamodel.MapAssembler) error {
			if err := putString(ma, "hash", c.Hash); err != nil {
				return err
			}
			if err := putInt(ma, "start", c.Start); err != nil {
				return err
			}
			return putInt(ma, "len", c.Len)
		})
	case GcBlobs:
		args, err = assembleMap(0, func(datamodel.MapAssembler) error { return nil })
	default:
		return nil, fmt.Errorf("wire: unknown command type %T", cmd)
	}
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s args: %w", cmd.wireTag(), err)
	}

	root, err := assembleMap(2, func(ma datamodel.MapAssembler) error {
		if err := putString(ma, "cmd", cmd.wireTag()); err != nil {
			return err
		}
		return putNode(ma, "args", args)
	})
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := dagcbor.Encode(root, &buf); err != nil {
		return nil, fmt.Errorf("wire: encode command: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeCmd reads one dag-cbor command value from r. A malformed or
// unrecognized payload is a connection-level error (spec.md §4.1) — it is
// the caller's job to abort the connection rather than answer it.
func DecodeCmd(r io.Reader) (Cmd, error) {
	builder := basicnode.Prototype.Any.NewBuilder()
	if err := dagcbor.Decode(builder, r); err != nil {
		return nil, fmt.Errorf("wire: decode command: %w", err)
	}
	root := builder.Build()

	tag, err := getString(root, "cmd")
	if err != nil {
		return nil, err
	}
	args, err := getField(root, "args")
	if err != nil {
		return nil, err
	}

	switch tag {
	case tagTags:
		return Tags{}, nil
	case tagAddClient:
		node, err := getString(args, "node")
		if err != nil {
			return nil, err
		}
		return AddClient{Node: node}, nil
	case tagRemoveClient:
		node, err := getString(args, "node")
		if err != nil {
			return nil, err
		}
		return RemoveClient{Node: node}, nil
	case tagCreateBlob:
		return CreateBlob{}, nil
	case tagDescribeBlob:
		name, err := getString(args, "name")
		if err != nil {
			return nil, err
		}
		return DescribeBlob{Name: name}, nil
	case tagAppendBlob:
		name, err := getString(args, "name")
		if err != nil {
			return nil, err
		}
		data, err := getBytes(args, "data")
		if err != nil {
			return nil, err
		}
		return AppendBlob{Name: name, Data: data}, nil
	case tagCommitBlob:
		blob, err := getString(args, "blob")
		if err != nil {
			return nil, err
		}
		fileName, err := getString(args, "file_name")
		if err != nil {
			return nil, err
		}
		tags, err := getStringList(args, "tags")
		if err != nil {
			return nil, err
		}
		replace, err := getBool(args, "replace")
		if err != nil {
			return nil, err
		}
		return CommitBlob{Blob: blob, FileName: fileName, Tags: tags, Replace: replace}, nil
	case tagList:
		tagName, err := getString(args, "tag")
		if err != nil {
			return nil, err
		}
		prefix, has, err := getStringOrEmpty(args, "prefix")
		if err != nil {
			return nil, err
		}
		return List{Tag: tagName, Prefix: prefix, HasPrefix: has}, nil
	case tagSearch:
		tagName, err := getString(args, "tag")
		if err != nil {
			return nil, err
		}
		term, err := getString(args, "term")
		if err != nil {
			return nil, err
		}
		return Search{Tag: tagName, Term: term}, nil
	case tagDescribe:
		name, err := getString(args, "name")
		if err != nil {
			return nil, err
		}
		return Describe{Name: name}, nil
	case tagDelete:
		name, err := getString(args, "name")
		if err != nil {
			return nil, err
		}
		return Delete{Name: name}, nil
	case tagDownload:
		hash, err := getString(args, "hash")
		if err != nil {
			return nil, err
		}
		start, err := getInt(args, "start")
		if err != nil {
			return nil, err
		}
		length, err := getInt(args, "len")
		if err != nil {
			return nil, err
		}
		return Download{Hash: hash, Start: start, Len: length}, nil
	case tagGcBlobs:
		return GcBlobs{}, nil
	default:
		return nil, fmt.Errorf("wire: unknown command tag %q", tag)
	}
}

// --- Response envelope ---

// Response is a decoded Response<R>: either Value is set, or IsErr is true
// and Err carries the user-visible message.
type Response struct {
	Value datamodel.Node
	IsErr bool
	Err   string
}

// EncodeOK serializes a successful response wrapping value.
func EncodeOK(value datamodel.Node) ([]byte, error) {
	root, err := assembleMap(1, func(ma datamodel.MapAssembler) error {
		return putNode(ma, "ok", value)
	})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := dagcbor.Encode(root, &buf); err != nil {
		return nil, fmt.Errorf("wire: encode response: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeErr serializes a user-facing error response.
func EncodeErr(message string) ([]byte, error) {
	root, err := assembleMap(1, func(ma datamodel.MapAssembler) error {
		return putString(ma, "err", message)
	})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := dagcbor.Encode(root, &buf); err != nil {
		return nil, fmt.Errorf("wire: encode response: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeResponse reads one Response value from r.
func DecodeResponse(r io.Reader) (Response, error) {
	builder := basicnode.Prototype.Any.NewBuilder()
	if err := dagcbor.Decode(builder, r); err != nil {
		return Response{}, fmt.Errorf("wire: decode response: %w", err)
	}
	root := builder.Build()

	if errNode, err := root.LookupByString("err"); err == nil {
		msg, err := errNode.AsString()
		if err != nil {
			return Response{}, err
		}
		return Response{IsErr: true, Err: msg}, nil
	}
	value, err := getField(root, "ok")
	if err != nil {
		return Response{}, fmt.Errorf("wire: response has neither ok nor err: %w", err)
	}
	return Response{Value: value}, nil
}

// --- result value node helpers ---

// EncodeStringNode wraps a plain string result (e.g. "OK", a GcBlobs summary).
func EncodeStringNode(s string) datamodel.Node {
	return basicnode.NewString(s)
}

// EncodeBytesNode wraps a Download result.
func EncodeBytesNode(b []byte) datamodel.Node {
	return basicnode.NewBytes(b)
}

// EncodeStringListNode wraps a Tags result.
func EncodeStringListNode(vals []string) (datamodel.Node, error) {
	return assembleList(int64(len(vals)), func(la datamodel.ListAssembler) error {
		for _, v := range vals {
			va, err := la.AssembleEntry()
			if err != nil {
				return err
			}
			if err := va.AssignString(v); err != nil {
				return err
			}
		}
		return nil
	})
}

// EncodeBlobNode wraps a Blob result.
func EncodeBlobNode(b Blob) (datamodel.Node, error) {
	return assembleMap(2, func(ma datamodel.MapAssembler) error {
		if err := putString(ma, "name", b.Name); err != nil {
			return err
		}
		return putInt(ma, "size", int64(b.Size))
	})
}

// EncodeFileNode wraps a File result.
func EncodeFileNode(f File) (datamodel.Node, error) {
	return assembleMap(4, func(ma datamodel.MapAssembler) error {
		if err := putString(ma, "name", f.Name); err != nil {
			return err
		}
		if err := putInt(ma, "size", f.Size); err != nil {
			return err
		}
		if err := putString(ma, "hash", f.Hash); err != nil {
			return err
		}
		return putInt(ma, "created", f.Created.Unix())
	})
}

// EncodeFileListNode wraps a List/Search result.
func EncodeFileListNode(files []File) (datamodel.Node, error) {
	return assembleList(int64(len(files)), func(la datamodel.ListAssembler) error {
		for _, f := range files {
			node, err := EncodeFileNode(f)
			if err != nil {
				return err
			}
			va, err := la.AssembleEntry()
			if err != nil {
				return err
			}
			if err := va.AssignNode(node); err != nil {
				return err
			}
		}
		return nil
	})
}

// EncodeFileDescriptionNode wraps a Describe result.
func EncodeFileDescriptionNode(d FileDescription) (datamodel.Node, error) {
	return assembleMap(5, func(ma datamodel.MapAssembler) error {
		if err := putString(ma, "name", d.Name); err != nil {
			return err
		}
		if err := putInt(ma, "size", d.Size); err != nil {
			return err
		}
		if err := putString(ma, "hash", d.Hash); err != nil {
			return err
		}
		if err := putInt(ma, "created", d.Created.Unix()); err != nil {
			return err
		}
		return putStringList(ma, "tags", d.Tags)
	})
}

// DecodeStringNode unwraps a plain string result.
func DecodeStringNode(n datamodel.Node) (string, error) { return n.AsString() }

// DecodeBytesNode unwraps a Download result.
func DecodeBytesNode(n datamodel.Node) ([]byte, error) { return n.AsBytes() }

// DecodeStringListNode unwraps a Tags result.
func DecodeStringListNode(n datamodel.Node) ([]string, error) {
	it := n.ListIterator()
	if it == nil {
		return nil, fmt.Errorf("wire: expected list node")
	}
	out := make([]string, 0, n.Length())
	for !it.Done() {
		_, v, err := it.Next()
		if err != nil {
			return nil, err
		}
		s, err := v.AsString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// DecodeBlobNode unwraps a Blob result.
func DecodeBlobNode(n datamodel.Node) (Blob, error) {
	name, err := getString(n, "name")
	if err != nil {
		return Blob{}, err
	}
	size, err := getInt(n, "size")
	if err != nil {
		return Blob{}, err
	}
	return Blob{Name: name, Size: uint64(size)}, nil
}

// DecodeFileNode unwraps a File result.
func DecodeFileNode(n datamodel.Node) (File, error) {
	name, err := getString(n, "name")
	if err != nil {
		return File{}, err
	}
	size, err := getInt(n, "size")
	if err != nil {
		return File{}, err
	}
	hash, err := getString(n, "hash")
	if err != nil {
		return File{}, err
	}
	created, err := getInt(n, "created")
	if err != nil {
		return File{}, err
	}
	return File{Name: name, Size: size, Hash: hash, Created: time.Unix(created, 0).UTC()}, nil
}

// DecodeFileListNode unwraps a List/Search result.
func DecodeFileListNode(n datamodel.Node) ([]File, error) {
	it := n.ListIterator()
	if it == nil {
		return nil, fmt.Errorf("wire: expected list node")
	}
	out := make([]File, 0, n.Length())
	for !it.Done() {
		_, v, err := it.Next()
		if err != nil {
			return nil, err
		}
		f, err := DecodeFileNode(v)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// DecodeFileDescriptionNode unwraps a Describe result.
func DecodeFileDescriptionNode(n datamodel.Node) (FileDescription, error) {
	name, err := getString(n, "name")
	if err != nil {
		return FileDescription{}, err
	}
	size, err := getInt(n, "size")
	if err != nil {
		return FileDescription{}, err
	}
	hash, err := getString(n, "hash")
	if err != nil {
		return FileDescription{}, err
	}
	created, err := getInt(n, "created")
	if err != nil {
		return FileDescription{}, err
	}
	tags, err := getStringList(n, "tags")
	if err != nil {
		return FileDescription{}, err
	}
	return FileDescription{
		Name:    name,
		Size:    size,
		Hash:    hash,
		Created: time.Unix(created, 0).UTC(),
		Tags:    tags,
	}, nil
}
