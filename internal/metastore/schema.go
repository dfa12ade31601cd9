package metastore

import "context"

// schema is applied in order on every Migrate; CREATE TABLE/INDEX IF NOT
// EXISTS makes it idempotent so a restart never fails on an existing file.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tags (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		name    TEXT NOT NULL UNIQUE,
		created INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS file_contents (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		size    INTEGER NOT NULL,
		hash    TEXT NOT NULL UNIQUE,
		created INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS files (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT NOT NULL UNIQUE,
		content_id INTEGER NOT NULL REFERENCES file_contents(id),
		created    INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS file_tags (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
		tag_id  INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_file_tags_file_id ON file_tags(file_id)`,
	`CREATE INDEX IF NOT EXISTS idx_file_tags_tag_id ON file_tags(tag_id)`,
	// allowed_nodes backs the auth allow-list (spec §4.2, §6); the admin
	// identity itself is never stored here, it comes from daemon config.
	`CREATE TABLE IF NOT EXISTS allowed_nodes (
		node TEXT PRIMARY KEY
	)`,
}

// Migrate creates every table and index the store needs, if absent.
func Migrate(ctx context.Context, db *Database) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
