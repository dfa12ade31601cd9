// Package stashserver implements the request handler (component E) and
// the connection acceptor (component F): it dispatches each decoded
// command to the store it belongs to and drives the per-connection state
// machine of spec.md §4.6.
package stashserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/rs/zerolog"

	"stash/internal/auth"
	"stash/internal/cache"
	"stash/internal/content"
	"stash/internal/identity"
	"stash/internal/metastore"
	"stash/internal/session"
	"stash/internal/stasherr"
	"stash/internal/transport"
	"stash/internal/wire"
)

// Server holds the daemon's core dependencies and dispatches commands.
type Server struct {
	auth    *auth.Auth
	content *content.Store
	meta    *metastore.Store
	cache   *cache.ContentCache
	session *session.Tracker

	gcBlobTTL time.Duration
	log       zerolog.Logger
}

// New assembles a Server from its already-opened components.
func New(a *auth.Auth, c *content.Store, m *metastore.Store, ch *cache.ContentCache, sess *session.Tracker, gcBlobTTL time.Duration, log zerolog.Logger) *Server {
	return &Server{
		auth:      a,
		content:   c,
		meta:      m,
		cache:     ch,
		session:   sess,
		gcBlobTTL: gcBlobTTL,
		log:       log,
	}
}

// Serve accepts connections from ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln *transport.Listener) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stashserver: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn drives one connection through S0-S5. Any failure before a
// response is produced aborts the connection with an error code; a
// business error produced by Handle still completes S3->S4->S5 normally as
// a Response::Err.
func (s *Server) handleConn(ctx context.Context, conn *transport.Conn) {
	defer conn.Close()

	peer, err := conn.PeerNodeID() // S0 -> S1
	if err != nil {
		s.log.Warn().Err(err).Msg("connection rejected: no peer identity")
		conn.CloseWithError(1, "identity required")
		return
	}
	connLog := s.log.With().Str("peer", peer.Short()).Logger()

	if !s.auth.Allow(peer) {
		connLog.Warn().Msg("connection rejected: not allow-listed")
		conn.CloseWithError(2, "unauthorized")
		return
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		connLog.Warn().Err(err).Msg("accept stream failed")
		return
	}

	reqBytes, err := transport.ReadRequest(stream) // S1 -> S2
	if err != nil {
		connLog.Warn().Err(err).Msg("read request failed")
		conn.CloseWithError(3, "read failed")
		return
	}

	cmd, err := wire.DecodeCmd(bytes.NewReader(reqBytes)) // S2 -> S3
	if err != nil {
		connLog.Warn().Err(err).Msg("decode command failed")
		conn.CloseWithError(4, "malformed command")
		return
	}

	respBytes, err := s.Handle(ctx, peer, cmd) // S3 -> S4
	if err != nil {
		connLog.Error().Err(err).Msg("system error handling request")
		conn.CloseWithError(5, "internal error")
		return
	}

	if err := transport.WriteResponse(stream, respBytes); err != nil { // S4 -> S5
		connLog.Warn().Err(err).Msg("write response failed")
		return
	}

	if err := conn.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		connLog.Debug().Err(err).Msg("connection wait ended")
	}
}

// Handle dispatches cmd and encodes its outcome. A *stasherr.Error becomes
// an encoded Response::Err; any other error is a system error the caller
// must treat as connection-fatal.
func (s *Server) Handle(ctx context.Context, peer identity.NodeID, cmd wire.Cmd) ([]byte, error) {
	node, err := s.dispatch(ctx, peer, cmd)
	if err != nil {
		var userErr *stasherr.Error
		if errors.As(err, &userErr) {
			s.log.Warn().Str("peer", peer.Short()).Err(err).Msg("request failed")
			return wire.EncodeErr(userErr.Message)
		}
		return nil, err
	}
	return wire.EncodeOK(node)
}

func (s *Server) dispatch(ctx context.Context, peer identity.NodeID, cmd wire.Cmd) (datamodel.Node, error) {
	switch c := cmd.(type) {
	case wire.Tags:
		return s.handleTags(ctx)
	case wire.AddClient:
		return s.handleAddClient(ctx, peer, c.Node)
	case wire.RemoveClient:
		return s.handleRemoveClient(ctx, peer, c.Node)
	case wire.CreateBlob:
		return s.handleCreateBlob(ctx)
	case wire.DescribeBlob:
		return s.handleDescribeBlob(c.Name)
	case wire.AppendBlob:
		return s.handleAppendBlob(ctx, c.Name, c.Data)
	case wire.CommitBlob:
		return s.handleCommitBlob(ctx, c)
	case wire.List:
		return s.handleList(ctx, c)
	case wire.Search:
		return s.handleSearch(ctx, c)
	case wire.Describe:
		return s.handleDescribe(ctx, c.Name)
	case wire.Delete:
		return s.handleDelete(ctx, c.Name)
	case wire.Download:
		return s.handleDownload(c)
	case wire.GcBlobs:
		return s.handleGcBlobs(ctx)
	default:
		return nil, fmt.Errorf("stashserver: unknown command type %T", cmd)
	}
}

// RunGC runs one GcBlobs sweep directly, for the daemon's background GC
// loop — the same path a peer's GcBlobs command takes, without the wire
// round-trip.
func (s *Server) RunGC(ctx context.Context) (string, error) {
	node, err := s.handleGcBlobs(ctx)
	if err != nil {
		return "", err
	}
	return wire.DecodeStringNode(node)
}
