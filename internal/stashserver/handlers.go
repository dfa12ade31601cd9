package stashserver

import (
	"context"
	"fmt"
	"time"

	"github.com/ipld/go-ipld-prime/datamodel"

	"stash/internal/content"
	"stash/internal/identity"
	"stash/internal/metastore"
	"stash/internal/stasherr"
	"stash/internal/wire"
)

func (s *Server) handleTags(ctx context.Context) (datamodel.Node, error) {
	tags, err := s.meta.TagsAll(ctx)
	if err != nil {
		return nil, err
	}
	return wire.EncodeStringListNode(tags)
}

func (s *Server) handleAddClient(ctx context.Context, caller identity.NodeID, node string) (datamodel.Node, error) {
	ok, err := s.auth.Add(ctx, caller, identity.NodeID(node))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, stasherr.ErrUnauthorized
	}
	return wire.EncodeStringNode("OK"), nil
}

func (s *Server) handleRemoveClient(ctx context.Context, caller identity.NodeID, node string) (datamodel.Node, error) {
	ok, err := s.auth.Remove(ctx, caller, identity.NodeID(node))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, stasherr.ErrUnauthorized
	}
	return wire.EncodeStringNode("OK"), nil
}

func (s *Server) handleCreateBlob(ctx context.Context) (datamodel.Node, error) {
	blob, err := s.content.CreateBlob()
	if err != nil {
		return nil, err
	}
	if err := s.session.Touch(ctx, blob.Name); err != nil {
		return nil, err
	}
	return wire.EncodeBlobNode(blob)
}

func (s *Server) handleDescribeBlob(name string) (datamodel.Node, error) {
	blob, err := s.content.DescribeBlob(name)
	if err != nil {
		return nil, err
	}
	return wire.EncodeBlobNode(blob)
}

func (s *Server) handleAppendBlob(ctx context.Context, name string, data []byte) (datamodel.Node, error) {
	blob, err := s.content.AppendBlob(name, data)
	if err != nil {
		return nil, err
	}
	if err := s.session.Touch(ctx, name); err != nil {
		return nil, err
	}
	return wire.EncodeBlobNode(blob)
}

func (s *Server) handleCommitBlob(ctx context.Context, cmd wire.CommitBlob) (datamodel.Node, error) {
	size, hash, err := s.content.HashBlob(cmd.Blob)
	if err != nil {
		return nil, err
	}

	file, fc, err := s.meta.Commit(ctx, cmd.FileName, cmd.Tags, cmd.Replace, size, hash, s.content.FinalizeCommit(cmd.Blob, hash))
	if err != nil {
		return nil, err
	}

	s.cache.Put(fc)
	if err := s.session.Release(ctx, cmd.Blob); err != nil {
		return nil, err
	}

	if c, cidErr := content.ID(hash); cidErr == nil {
		s.log.Debug().Str("file", file.Name).Str("cid", c.String()).Msg("committed")
	}

	return wire.EncodeFileNode(wire.File{
		Name:    file.Name,
		Size:    fc.Size,
		Hash:    fc.Hash,
		Created: file.Created,
	})
}

func (s *Server) handleList(ctx context.Context, cmd wire.List) (datamodel.Node, error) {
	pattern := cmd.Prefix + "%"
	results, err := s.meta.Search(ctx, cmd.Tag, pattern)
	if err != nil {
		return nil, err
	}
	return wire.EncodeFileListNode(toWireFiles(results))
}

func (s *Server) handleSearch(ctx context.Context, cmd wire.Search) (datamodel.Node, error) {
	pattern := "%" + cmd.Term + "%"
	results, err := s.meta.Search(ctx, cmd.Tag, pattern)
	if err != nil {
		return nil, err
	}
	return wire.EncodeFileListNode(toWireFiles(results))
}

func (s *Server) handleDescribe(ctx context.Context, name string) (datamodel.Node, error) {
	file, err := s.meta.FileByName(ctx, name)
	if err != nil {
		return nil, err
	}
	tags, err := s.meta.TagsForFile(ctx, file.ID)
	if err != nil {
		return nil, err
	}

	content, err := s.contentByID(ctx, file.ContentID)
	if err != nil {
		return nil, err
	}

	return wire.EncodeFileDescriptionNode(wire.FileDescription{
		Name:    file.Name,
		Size:    content.Size,
		Hash:    content.Hash,
		Created: file.Created,
		Tags:    tags,
	})
}

func (s *Server) handleDelete(ctx context.Context, name string) (datamodel.Node, error) {
	if err := s.meta.Delete(ctx, name); err != nil {
		return nil, err
	}
	return wire.EncodeStringNode("OK"), nil
}

func (s *Server) handleDownload(cmd wire.Download) (datamodel.Node, error) {
	data, err := s.content.Download(cmd.Hash, cmd.Start, cmd.Len)
	if err != nil {
		return nil, err
	}
	if c, cidErr := content.ID(cmd.Hash); cidErr == nil {
		s.log.Debug().Str("cid", c.String()).Int64("start", cmd.Start).Int64("len", cmd.Len).Msg("download")
	}
	return wire.EncodeBytesNode(data), nil
}

func (s *Server) handleGcBlobs(ctx context.Context) (datamodel.Node, error) {
	threshold := time.Now().Add(-s.gcBlobTTL)
	stale, err := s.content.StaleBlobs(threshold)
	if err != nil {
		return nil, err
	}

	var blobsRemoved int
	for _, name := range stale {
		touched, tracked, err := s.session.LastTouched(ctx, name)
		if err != nil {
			return nil, err
		}
		if tracked && touched.After(threshold) {
			continue
		}
		if err := s.content.RemoveBlob(name); err != nil {
			return nil, err
		}
		if err := s.session.Release(ctx, name); err != nil {
			return nil, err
		}
		blobsRemoved++
	}

	contentRemoved, err := s.meta.ReclaimContent(ctx, func(hash string) error {
		s.cache.Invalidate(hash)
		return s.content.RemoveContent(hash)
	})
	if err != nil {
		return nil, err
	}

	summary := fmt.Sprintf("reclaimed %d staging blob(s), %d content file(s)", blobsRemoved, contentRemoved)
	return wire.EncodeStringNode(summary), nil
}

// contentByID resolves a FileContent by primary key from the metadata store
// and refreshes the cache entry for its hash. The cache is not consulted
// here: it is keyed by hash, not by id.
func (s *Server) contentByID(ctx context.Context, id int64) (metastore.FileContent, error) {
	fc, err := s.meta.ContentByID(ctx, id)
	if err != nil {
		return metastore.FileContent{}, err
	}
	s.cache.Put(fc)
	return fc, nil
}

func toWireFiles(results []metastore.SearchResult) []wire.File {
	out := make([]wire.File, len(results))
	for i, r := range results {
		out[i] = wire.File{Name: r.Name, Size: r.Size, Hash: r.Hash, Created: r.Created}
	}
	return out
}
