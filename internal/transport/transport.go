// Package transport is the authenticated QUIC peer transport spec.md §1
// treats as an external black box with the interface in §6: ALPN token
// "stash", one bidirectional stream per request, ordered
// read-to-EOF/decode/write/half-close on both sides (§4.1, §4.6). Built
// directly on quic-go, which the teacher's go.mod pulls in transitively
// (via libp2p) but never imports — here it is promoted to the actual wire
// transport.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"

	"github.com/quic-go/quic-go"

	"stash/internal/identity"
)

// ALPN is the protocol token negotiated during the TLS handshake.
const ALPN = "stash"

// Listener accepts authenticated peer connections.
type Listener struct {
	ql *quic.Listener
}

// Listen binds addr and begins accepting QUIC connections authenticated
// with the daemon's own node identity.
func Listen(addr string, key identity.SecretKey) (*Listener, error) {
	tlsConf, err := key.TLSConfig(ALPN)
	if err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	ql, err := quic.Listen(conn, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: quic listen: %w", err)
	}
	return &Listener{ql: ql}, nil
}

// Addr reports the bound local address.
func (l *Listener) Addr() net.Addr { return l.ql.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ql.Close() }

// Accept blocks for the next incoming connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	qc, err := l.ql.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{qc: qc}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  0, // zero selects quic-go's default idle timeout
		KeepAlivePeriod: 0,
	}
}

// Conn is one accepted peer connection.
type Conn struct {
	qc *quic.Conn
}

// PeerNodeID authenticates the peer from its self-signed TLS certificate.
// The handshake has already completed on any Conn returned by
// Listener.Accept or Dial, so it may be called before any stream is opened.
func (c *Conn) PeerNodeID() (identity.NodeID, error) {
	state := c.qc.ConnectionState().TLS
	if len(state.PeerCertificates) == 0 {
		return "", fmt.Errorf("transport: peer presented no certificate")
	}
	return identity.PeerNodeID(state.PeerCertificates[0])
}

// AcceptStream waits for the peer to open the connection's one
// request/response stream.
func (c *Conn) AcceptStream(ctx context.Context) (*quic.Stream, error) {
	return c.qc.AcceptStream(ctx)
}

// CloseWithError aborts the connection (spec.md §4.6: any step failure
// between S0 and S5 aborts with an error code and no response).
func (c *Conn) CloseWithError(code quic.ApplicationErrorCode, reason string) error {
	return c.qc.CloseWithError(code, reason)
}

// Close closes the connection cleanly after a normal S5 completion.
func (c *Conn) Close() error {
	return c.qc.CloseWithError(0, "")
}

// Wait blocks until the peer closes the connection (the terminal S5 step:
// "wait for peer close, release connection").
func (c *Conn) Wait(ctx context.Context) error {
	select {
	case <-c.qc.Context().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadRequest reads the peer's half of the stream to EOF — the peer writes
// the encoded command, then half-closes (S1->S2).
func ReadRequest(stream io.Reader) ([]byte, error) {
	return io.ReadAll(stream)
}

// WriteResponse writes the encoded response and half-closes the local
// write side (S4->S5); the caller still awaits the peer's final close.
func WriteResponse(stream *quic.Stream, payload []byte) error {
	if _, err := stream.Write(payload); err != nil {
		return fmt.Errorf("transport: write response: %w", err)
	}
	return stream.Close()
}

// Dial opens a connection to a peer and authenticates it against
// expectPeer, for use by test harnesses and the admin operations client.
func Dial(ctx context.Context, addr string, key identity.SecretKey, expectPeer identity.NodeID) (*Conn, error) {
	tlsConf, err := key.TLSConfig(ALPN)
	if err != nil {
		return nil, err
	}
	qc, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	conn := &Conn{qc: qc}
	if expectPeer != "" {
		peer, err := conn.PeerNodeID()
		if err != nil {
			conn.CloseWithError(1, "identity")
			return nil, err
		}
		if peer != expectPeer {
			conn.CloseWithError(1, "unexpected peer identity")
			return nil, fmt.Errorf("transport: unexpected peer identity %s", peer.Short())
		}
	}
	return conn, nil
}

// OpenRequestStream opens the connection's one bidirectional stream,
// writes the request, and half-closes the write side.
func OpenRequestStream(ctx context.Context, c *Conn, request []byte) (*quic.Stream, error) {
	stream, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}
	if _, err := stream.Write(request); err != nil {
		return nil, fmt.Errorf("transport: write request: %w", err)
	}
	if err := stream.Close(); err != nil {
		return nil, fmt.Errorf("transport: half-close request: %w", err)
	}
	return stream, nil
}
