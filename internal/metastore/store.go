package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"stash/internal/stasherr"
)

// Store is the relational metadata store (component C): tags, files,
// file-tag edges, and content descriptors, plus the transactional commit
// algorithm spec.md §4.4 describes.
type Store struct {
	db *Database
}

// New wraps an already-open, already-migrated Database.
func New(db *Database) *Store { return &Store{db: db} }

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// FileByName looks up a File row by its unique name, returning
// stasherr.ErrNoSuchFile if it does not exist.
func (s *Store) FileByName(ctx context.Context, name string) (File, error) {
	f, err := fileByNameRow(s.db.QueryRow(ctx, `SELECT id, name, content_id, created FROM files WHERE name = ?`, name))
	if err != nil {
		return File{}, wrapNoSuchFile(err)
	}
	return f, nil
}

// ContentByHash looks up a FileContent row by its unique hash, returning
// stasherr.ErrNoSuchFile if it does not exist (a bare hash lookup has no
// separate "no such content" kind on the wire — callers treat it the same).
func (s *Store) ContentByHash(ctx context.Context, hash string) (FileContent, error) {
	c, err := contentByHashRow(s.db.QueryRow(ctx, `SELECT id, size, hash, created FROM file_contents WHERE hash = ?`, hash))
	if err != nil {
		return FileContent{}, wrapNoSuchFile(err)
	}
	return c, nil
}

// ContentByID looks up a FileContent row by primary key.
func (s *Store) ContentByID(ctx context.Context, id int64) (FileContent, error) {
	return contentByHashRow(s.db.QueryRow(ctx, `SELECT id, size, hash, created FROM file_contents WHERE id = ?`, id))
}

// TagsAll returns every tag name, sorted ascending.
func (s *Store) TagsAll(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT name FROM tags ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// TagsForFile returns the tag names attached to a file, sorted ascending.
func (s *Store) TagsForFile(ctx context.Context, fileID int64) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT t.name FROM tags t
		JOIN file_tags ft ON ft.tag_id = t.id
		WHERE ft.file_id = ?
		ORDER BY t.name ASC`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, rows.Err()
}

// Search returns files carrying tagName whose name matches the SQL LIKE
// pattern, ordered by name ascending. List(tag, prefix) calls this with
// pattern = prefix+"%"; Search(tag, term) calls this with "%"+term+"%".
func (s *Store) Search(ctx context.Context, tagName, pattern string) ([]SearchResult, error) {
	rows, err := s.db.Query(ctx, `
		SELECT f.name, c.size, c.hash, f.created
		FROM file_tags ft
		JOIN tags t ON t.id = ft.tag_id
		JOIN files f ON f.id = ft.file_id
		JOIN file_contents c ON c.id = f.content_id
		WHERE t.name = ? AND f.name LIKE ?
		ORDER BY f.name ASC`, tagName, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		var created int64
		if err := rows.Scan(&r.Name, &r.Size, &r.Hash, &created); err != nil {
			return nil, err
		}
		r.Created = time.Unix(created, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes a File row (cascading its file_tags edges); it never
// touches the FileContent row or the on-disk content file (P4).
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.Exec(ctx, `DELETE FROM files WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return stasherr.ErrNoSuchFile
	}
	return nil
}

// ContentStep runs the filesystem half of a commit — renaming the staging
// blob into files/<hash> when newContent is true, or unlinking it when the
// content already existed — from inside the metadata transaction, per the
// ordering spec.md §4.4 mandates (rename/unlink happens before COMMIT).
type ContentStep func(newContent bool) error

// Commit runs the commit algorithm of spec.md §4.4: validates tags, opens a
// transaction, resolves or inserts the File/FileContent/Tag rows (deleting
// a replaced File first when requested), invokes step with whether the
// content row was freshly inserted, and commits. size and hash must already
// be computed by the caller (hashing happens outside the transaction —
// it's expensive and doesn't mutate state).
func (s *Store) Commit(ctx context.Context, fileName string, tags []string, replace bool, size int64, hash string, step ContentStep) (File, FileContent, error) {
	if len(tags) == 0 {
		return File{}, FileContent{}, stasherr.ErrNoTags
	}
	for _, t := range tags {
		if !isValidTag(t) {
			return File{}, FileContent{}, stasherr.InvalidTag(t)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return File{}, FileContent{}, err
	}
	defer tx.Rollback()

	existing, err := fileByNameRow(tx.QueryRow(ctx, `SELECT id, name, content_id, created FROM files WHERE name = ?`, fileName))
	switch {
	case err == nil:
		if !replace {
			return File{}, FileContent{}, stasherr.ErrFileAlreadyExists
		}
		if _, err := tx.Exec(ctx, `DELETE FROM files WHERE id = ?`, existing.ID); err != nil {
			return File{}, FileContent{}, err
		}
	case errors.Is(err, sql.ErrNoRows):
		// no conflicting file, nothing to do
	default:
		return File{}, FileContent{}, err
	}

	content, newContent, err := s.contentByHashOrInsertTx(ctx, tx, size, hash)
	if err != nil {
		return File{}, FileContent{}, err
	}

	file, err := insertFileTx(ctx, tx, fileName, content.ID)
	if err != nil {
		return File{}, FileContent{}, err
	}

	for _, tagName := range tags {
		tagRow, err := s.tagByNameOrInsertTx(ctx, tx, tagName)
		if err != nil {
			return File{}, FileContent{}, err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO file_tags(file_id, tag_id) VALUES (?, ?)`, file.ID, tagRow.ID); err != nil {
			return File{}, FileContent{}, err
		}
	}

	if err := step(newContent); err != nil {
		return File{}, FileContent{}, err
	}

	if err := tx.Commit(); err != nil {
		return File{}, FileContent{}, err
	}

	return file, content, nil
}

// contentByHashOrInsertTx looks up content by hash, inserting it if absent.
// A unique-violation on insert means a racing commit won first (the design
// note's "insert-if-absent" race rule) — the loser just re-reads the row.
func (s *Store) contentByHashOrInsertTx(ctx context.Context, tx *Tx, size int64, hash string) (FileContent, bool, error) {
	existing, err := contentByHashRow(tx.QueryRow(ctx, `SELECT id, size, hash, created FROM file_contents WHERE hash = ?`, hash))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return FileContent{}, false, err
	}

	created := time.Now().UTC()
	res, err := tx.Exec(ctx, `INSERT INTO file_contents(size, hash, created) VALUES (?, ?, ?)`, size, hash, created.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			existing, err := contentByHashRow(tx.QueryRow(ctx, `SELECT id, size, hash, created FROM file_contents WHERE hash = ?`, hash))
			if err != nil {
				return FileContent{}, false, err
			}
			return existing, false, nil
		}
		return FileContent{}, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return FileContent{}, false, err
	}
	return FileContent{ID: id, Size: size, Hash: hash, Created: created}, true, nil
}

func (s *Store) tagByNameOrInsertTx(ctx context.Context, tx *Tx, name string) (Tag, error) {
	existing, err := tagByNameRow(tx.QueryRow(ctx, `SELECT id, name, created FROM tags WHERE name = ?`, name))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Tag{}, err
	}

	created := time.Now().UTC()
	res, err := tx.Exec(ctx, `INSERT INTO tags(name, created) VALUES (?, ?)`, name, created.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return tagByNameRow(tx.QueryRow(ctx, `SELECT id, name, created FROM tags WHERE name = ?`, name))
		}
		return Tag{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Tag{}, err
	}
	return Tag{ID: id, Name: name, Created: created}, nil
}

func insertFileTx(ctx context.Context, tx *Tx, name string, contentID int64) (File, error) {
	created := time.Now().UTC()
	res, err := tx.Exec(ctx, `INSERT INTO files(name, content_id, created) VALUES (?, ?, ?)`, name, contentID, created.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return File{}, stasherr.ErrFileAlreadyExists
		}
		return File{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return File{}, err
	}
	return File{ID: id, Name: name, ContentID: contentID, Created: created}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func fileByNameRow(row scanner) (File, error) {
	var f File
	var created int64
	if err := row.Scan(&f.ID, &f.Name, &f.ContentID, &created); err != nil {
		return File{}, err
	}
	f.Created = time.Unix(created, 0).UTC()
	return f, nil
}

func contentByHashRow(row scanner) (FileContent, error) {
	var c FileContent
	var created int64
	if err := row.Scan(&c.ID, &c.Size, &c.Hash, &created); err != nil {
		return FileContent{}, err
	}
	c.Created = time.Unix(created, 0).UTC()
	return c, nil
}

func tagByNameRow(row scanner) (Tag, error) {
	var t Tag
	var created int64
	if err := row.Scan(&t.ID, &t.Name, &created); err != nil {
		return Tag{}, err
	}
	t.Created = time.Unix(created, 0).UTC()
	return t, nil
}

// UnreferencedContent returns FileContent rows with no surviving File.
func (s *Store) UnreferencedContent(ctx context.Context) ([]FileContent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, size, hash, created FROM file_contents
		WHERE id NOT IN (SELECT DISTINCT content_id FROM files)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileContent
	for rows.Next() {
		var c FileContent
		var created int64
		if err := rows.Scan(&c.ID, &c.Size, &c.Hash, &created); err != nil {
			return nil, err
		}
		c.Created = time.Unix(created, 0).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReclaimContent deletes every currently-unreferenced FileContent row, one
// short transaction per row (re-checking the reference condition in the
// same statement to close the window against a commit that just claimed
// it), and only then invokes after(hash) to unlink the on-disk content
// file — the ordering spec.md §4.4's GcBlobs note requires: the disk file
// is removed only once its row is gone in a committed transaction.
func (s *Store) ReclaimContent(ctx context.Context, after func(hash string) error) (int, error) {
	candidates, err := s.UnreferencedContent(ctx)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, fc := range candidates {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return reclaimed, err
		}

		res, err := tx.Exec(ctx, `
			DELETE FROM file_contents
			WHERE id = ? AND id NOT IN (SELECT DISTINCT content_id FROM files)`, fc.ID)
		if err != nil {
			tx.Rollback()
			return reclaimed, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			tx.Rollback()
			return reclaimed, err
		}
		if err := tx.Commit(); err != nil {
			return reclaimed, err
		}
		if n == 0 {
			// a commit claimed this content between the scan and the delete
			continue
		}
		if err := after(fc.Hash); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

// wrapNoSuchFile surfaces a not-found lookup as stasherr.ErrNoSuchFile and
// wraps any other error.
func wrapNoSuchFile(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return stasherr.ErrNoSuchFile
	}
	return fmt.Errorf("metastore: %w", err)
}
