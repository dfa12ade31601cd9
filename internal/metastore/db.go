// Package metastore is the transactional relational store for stash's
// metadata: tags, files, file-tag edges, and content descriptors
// (component C). The connection wrapper below is adapted directly from the
// teacher's sqlite package — same PRAGMA set, same thin Database/Tx shape —
// with its default driver name corrected to match the actual registered
// mattn/go-sqlite3 driver ("sqlite3", not "sqlite").
package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Options configures the underlying connection and its PRAGMAs.
type Options struct {
	// DriverName is the registered database/sql driver to use. Defaults to "sqlite3".
	DriverName string
	// JournalMode defaults to WAL.
	JournalMode string
	// Synchronous defaults to NORMAL.
	Synchronous string
	// BusyTimeout defaults to 5s.
	BusyTimeout time.Duration
	// ForeignKeys defaults to on.
	ForeignKeys *bool
	// CacheSize in pages (negative = KiB); 0 leaves the driver default.
	CacheSize int
	// MaxOpenConns; 0 leaves the driver default. SQLite serializes writers
	// regardless, so this mainly bounds concurrent readers.
	MaxOpenConns int
	// MaxIdleConns; 0 leaves the driver default.
	MaxIdleConns int
	// ConnMaxLifetime; 0 means unbounded.
	ConnMaxLifetime time.Duration
}

// Database is a thin wrapper over *sql.DB; it knows nothing about tags,
// files, or the commit algorithm — that lives in store.go.
type Database struct {
	db *sql.DB
}

// Open connects to a sqlite database file at path and applies the PRAGMA set.
func Open(path string, opts Options) (*Database, error) {
	if path == "" {
		return nil, errors.New("metastore: empty path")
	}

	driver := opts.DriverName
	if driver == "" {
		driver = "sqlite3"
	}

	journal := opts.JournalMode
	if journal == "" {
		journal = "WAL"
	}
	syncMode := opts.Synchronous
	if syncMode == "" {
		syncMode = "NORMAL"
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode=%s", journal),
		fmt.Sprintf("PRAGMA synchronous=%s", syncMode),
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()),
	}

	if opts.ForeignKeys != nil && !*opts.ForeignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys=OFF")
	} else {
		pragmas = append(pragmas, "PRAGMA foreign_keys=ON")
	}

	if opts.CacheSize != 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA cache_size=%d", opts.CacheSize))
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("metastore: apply %s: %w", pragma, err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

// Close closes the underlying connection pool.
func (d *Database) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Exec runs a statement with no result rows.
func (d *Database) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, query, args...)
}

// Query runs a statement and returns its rows.
func (d *Database) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a statement expected to return at most one row.
func (d *Database) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// BeginTx opens a transaction.
func (d *Database) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := d.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// Underlying exposes the raw *sql.DB for migrations or tooling.
func (d *Database) Underlying() *sql.DB { return d.db }

// Tx is a thin wrapper over *sql.Tx.
type Tx struct {
	tx *sql.Tx
}

// Exec runs a statement in the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// Query runs a query in the transaction.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

// QueryRow runs a single-row query in the transaction.
func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Commit commits the transaction.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback aborts the transaction. Calling it after a successful Commit is
// a documented no-op in database/sql.
func (t *Tx) Rollback() error { return t.tx.Rollback() }
