package metastore

import "time"

// Tag is a named label; Name is globally unique and validated against
// [a-z0-9-]+ before it is ever written.
type Tag struct {
	ID      int64
	Name    string
	Created time.Time
}

// FileContent describes a stored byte sequence, one row per distinct hash.
type FileContent struct {
	ID      int64
	Size    int64
	Hash    string
	Created time.Time
}

// File is a human-visible named reference to a FileContent.
type File struct {
	ID        int64
	Name      string
	ContentID int64
	Created   time.Time
}

// FileTag is a many-to-many edge between a File and a Tag.
type FileTag struct {
	ID     int64
	FileID int64
	TagID  int64
}

// SearchResult is the row shape search/list return: a File joined with its
// FileContent.
type SearchResult struct {
	Name    string
	Size    int64
	Hash    string
	Created time.Time
}

// isValidTag matches the source's own byte-class validator rather than a
// regexp: non-empty, lowercase letters, digits, and '-' only.
func isValidTag(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}
	return true
}
