// Package session tracks which staging blobs are part of an in-flight
// upload session. It is a purely ephemeral side table — never part of the
// metadata transaction — consulted by the GcBlobs sweep so it never
// reclaims a blob some connection is still appending to.
//
// Grounded in the teacher's datastore package: an embedded badger store
// reached through go-ds-badger4, the same driver, used here for its
// simplest feature (put/get/delete with a key prefix) rather than the
// teacher's full batching/txn/query surface, since liveness tracking needs
// none of that.
package session

import (
	"context"
	"errors"
	"time"

	ds "github.com/ipfs/go-datastore"
	badger4 "github.com/ipfs/go-ds-badger4"
)

// Tracker records the last-touched time of every live staging blob.
type Tracker struct {
	ds *badger4.Datastore
}

// Open opens (creating if absent) the embedded badger store at path.
func Open(path string) (*Tracker, error) {
	opts := badger4.DefaultOptions
	store, err := badger4.NewDatastore(path, &opts)
	if err != nil {
		return nil, err
	}
	return &Tracker{ds: store}, nil
}

// Close releases the underlying badger store.
func (t *Tracker) Close() error { return t.ds.Close() }

func blobKey(name string) ds.Key { return ds.NewKey("/blob/" + name) }

// Touch marks blobName as live as of now: called on CreateBlob and every
// AppendBlob so a slow but active upload is never swept mid-transfer.
func (t *Tracker) Touch(ctx context.Context, blobName string) error {
	now, err := time.Now().UTC().MarshalBinary()
	if err != nil {
		return err
	}
	return t.ds.Put(ctx, blobKey(blobName), now)
}

// Release forgets blobName, called once CommitBlob has disposed of it
// (either renamed into the content store or unlinked as a duplicate).
func (t *Tracker) Release(ctx context.Context, blobName string) error {
	if err := t.ds.Delete(ctx, blobKey(blobName)); err != nil && !errors.Is(err, ds.ErrNotFound) {
		return err
	}
	return nil
}

// LastTouched reports when blobName was last touched, if it is tracked at all.
func (t *Tracker) LastTouched(ctx context.Context, blobName string) (time.Time, bool, error) {
	raw, err := t.ds.Get(ctx, blobKey(blobName))
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	var ts time.Time
	if err := ts.UnmarshalBinary(raw); err != nil {
		return time.Time{}, false, err
	}
	return ts, true, nil
}

// IsLive reports whether blobName is currently tracked as part of an
// in-flight session.
func (t *Tracker) IsLive(ctx context.Context, blobName string) bool {
	_, live, err := t.LastTouched(ctx, blobName)
	return err == nil && live
}
