package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stash/internal/identity"
)

func TestConnectAuthenticateExchange(t *testing.T) {
	serverKey, err := identity.GenerateSecretKey()
	require.NoError(t, err)
	clientKey, err := identity.GenerateSecretKey()
	require.NoError(t, err)

	ln, err := Listen("127.0.0.1:0", serverKey)
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conn, err := ln.Accept(ctx)
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()

		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			serverDone <- err
			return
		}

		peer, err := conn.PeerNodeID()
		if err != nil {
			serverDone <- err
			return
		}
		if peer != clientKey.Public {
			serverDone <- io.ErrUnexpectedEOF
			return
		}

		req, err := ReadRequest(stream)
		if err != nil {
			serverDone <- err
			return
		}
		if string(req) != "ping" {
			serverDone <- io.ErrUnexpectedEOF
			return
		}

		if err := WriteResponse(stream, []byte("pong")); err != nil {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, ln.Addr().String(), clientKey, "")
	require.NoError(t, err)
	defer conn.Close()

	stream, err := OpenRequestStream(ctx, conn, []byte("ping"))
	require.NoError(t, err)

	resp, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.Equal(t, "pong", string(resp))

	require.NoError(t, <-serverDone)
}
