package metastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"stash/internal/stasherr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open("file::memory:?cache=shared", Options{MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(context.Background(), db))
	return New(db)
}

func TestIsValidTag(t *testing.T) {
	require.True(t, isValidTag("test-1"))
	require.True(t, isValidTag("1-test"))
	require.False(t, isValidTag(";notvalid"))
	require.False(t, isValidTag(""))
}

func TestCommitNewFile(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var renamed bool
	file, content, err := s.Commit(ctx, "test-file", []string{"t1", "t2"}, false, 11, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", func(newContent bool) error {
		renamed = newContent
		return nil
	})
	require.NoError(t, err)
	require.True(t, renamed)
	require.Equal(t, "test-file", file.Name)
	require.Equal(t, content.ID, file.ContentID)
	require.Equal(t, int64(11), content.Size)

	tags, err := s.TagsForFile(ctx, file.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t2"}, tags)
}

func TestCommitDedup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	step := func(newContent bool) error { return nil }

	_, c1, err := s.Commit(ctx, "f1", []string{"t1"}, false, 5, "samehash", step)
	require.NoError(t, err)

	_, c2, err := s.Commit(ctx, "f3", []string{"t1"}, false, 5, "samehash", step)
	require.NoError(t, err)

	require.Equal(t, c1.ID, c2.ID)
}

func TestCommitExistingNameNoReplace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	step := func(bool) error { return nil }

	_, _, err := s.Commit(ctx, "f3", []string{"t1"}, false, 3, "hash-a", step)
	require.NoError(t, err)

	_, _, err = s.Commit(ctx, "f3", []string{"t1"}, false, 3, "hash-b", step)
	require.ErrorIs(t, err, stasherr.ErrFileAlreadyExists)
}

func TestCommitReplace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	step := func(bool) error { return nil }

	_, _, err := s.Commit(ctx, "f3", []string{"t1"}, false, 3, "hash-a", step)
	require.NoError(t, err)

	file, _, err := s.Commit(ctx, "f3", []string{"t1"}, true, 3, "hash-b", step)
	require.NoError(t, err)
	require.Equal(t, "f3", file.Name)

	results, err := s.Search(ctx, "t1", "f3")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "hash-b", results[0].Hash)
}

func TestCommitNoTags(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.Commit(ctx, "f1", nil, false, 3, "hash", func(bool) error { return nil })
	require.ErrorIs(t, err, stasherr.ErrNoTags)
}

func TestCommitInvalidTag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.Commit(ctx, "f1", []string{";notvalid"}, false, 3, "hash", func(bool) error { return nil })
	require.True(t, stasherr.Is(err, stasherr.KindInvalidTag))
}

func TestListAndSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	step := func(bool) error { return nil }

	must := func(name string, tags []string, hash string) {
		_, _, err := s.Commit(ctx, name, tags, false, 1, hash, step)
		require.NoError(t, err)
	}
	must("dir1/f1", []string{"t1"}, "h1")
	must("dir1/f2", []string{"t2"}, "h2")
	must("dir2/f3", []string{"t1", "t3"}, "h3")

	prefixed, err := s.Search(ctx, "t1", "dir1/%")
	require.NoError(t, err)
	require.Len(t, prefixed, 1)
	require.Equal(t, "dir1/f1", prefixed[0].Name)

	all, err := s.Search(ctx, "t1", "%")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "dir1/f1", all[0].Name)
	require.Equal(t, "dir2/f3", all[1].Name)

	searched, err := s.Search(ctx, "t1", "%f3%")
	require.NoError(t, err)
	require.Len(t, searched, 1)
	require.Equal(t, "dir2/f3", searched[0].Name)
}

func TestDeleteDoesNotTouchContent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, content, err := s.Commit(ctx, "f1", []string{"t1"}, false, 3, "hash-x", func(bool) error { return nil })
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "f1"))

	_, err = s.FileByName(ctx, "f1")
	require.ErrorIs(t, err, stasherr.ErrNoSuchFile)

	still, err := s.ContentByHash(ctx, content.Hash)
	require.NoError(t, err)
	require.Equal(t, content.ID, still.ID)
}

func TestDeleteMissing(t *testing.T) {
	s := openTestStore(t)
	err := s.Delete(context.Background(), "nope")
	require.ErrorIs(t, err, stasherr.ErrNoSuchFile)
}
