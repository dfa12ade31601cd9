package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTouchReleaseLifecycle(t *testing.T) {
	tr, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	ctx := context.Background()
	require.False(t, tr.IsLive(ctx, "blob-1"))

	require.NoError(t, tr.Touch(ctx, "blob-1"))
	require.True(t, tr.IsLive(ctx, "blob-1"))

	_, live, err := tr.LastTouched(ctx, "blob-1")
	require.NoError(t, err)
	require.True(t, live)

	require.NoError(t, tr.Release(ctx, "blob-1"))
	require.False(t, tr.IsLive(ctx, "blob-1"))

	// releasing an already-released blob is a no-op
	require.NoError(t, tr.Release(ctx, "blob-1"))
}
