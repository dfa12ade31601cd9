// Package auth is the allow-list capability (component D): given a peer
// node identity, decide whether it may connect at all, and whether
// admin-gated operations (AddClient/RemoveClient) may proceed.
//
// The shape is taken directly from the original daemon's Auth type: the
// allow-list is loaded into memory once, served from that snapshot under a
// read lock on every connection, and any mutation re-reads the whole table
// under the write lock rather than patching the in-memory slice in place.
// Writes are rare (admin-only); reads happen on every accepted connection,
// so the reader-writer discipline spec.md §4.2/§5 calls for is exactly
// sync.RWMutex.
package auth

import (
	"context"
	"sync"

	"stash/internal/identity"
	"stash/internal/metastore"
)

// Auth serves allow(peer) and the two admin-gated mutations.
type Auth struct {
	db    *metastore.Database
	admin identity.NodeID

	mu    sync.RWMutex
	allow []identity.NodeID
}

// New loads the allow-list snapshot from the allowed_nodes table.
func New(ctx context.Context, db *metastore.Database, admin identity.NodeID) (*Auth, error) {
	a := &Auth{db: db, admin: admin}
	if err := a.reload(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Auth) reload(ctx context.Context) error {
	rows, err := a.db.Query(ctx, `SELECT node FROM allowed_nodes`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var list []identity.NodeID
	for rows.Next() {
		var node string
		if err := rows.Scan(&node); err != nil {
			return err
		}
		list = append(list, identity.NodeID(node))
	}
	if err := rows.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	a.allow = list
	a.mu.Unlock()
	return nil
}

// Allow reports whether n may open a connection: true unconditionally for
// the admin, otherwise true iff n is on the persisted list.
func (a *Auth) Allow(n identity.NodeID) bool {
	if n == a.admin {
		return true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, x := range a.allow {
		if x == n {
			return true
		}
	}
	return false
}

// Add adds n to the allow-list on behalf of caller. Returns false without
// error when caller is not the admin (an Unauthorized response, not a
// system error). Idempotent on duplicates.
func (a *Auth) Add(ctx context.Context, caller, n identity.NodeID) (bool, error) {
	if caller != a.admin {
		return false, nil
	}
	if _, err := a.db.Exec(ctx, `INSERT OR IGNORE INTO allowed_nodes(node) VALUES (?)`, string(n)); err != nil {
		return false, err
	}
	if err := a.reload(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Remove removes n from the allow-list on behalf of caller. Returns false
// without error when caller is not the admin. Idempotent on a missing node.
func (a *Auth) Remove(ctx context.Context, caller, n identity.NodeID) (bool, error) {
	if caller != a.admin {
		return false, nil
	}
	if _, err := a.db.Exec(ctx, `DELETE FROM allowed_nodes WHERE node = ?`, string(n)); err != nil {
		return false, err
	}
	if err := a.reload(ctx); err != nil {
		return false, err
	}
	return true, nil
}
