// Package content manages the two on-disk directories of the content store
// (component B): blobs/ for staging uploads and files/ for final,
// content-addressed storage. Hashing follows the original daemon's
// sha256.rs exactly — SHA-256 streamed in fixed 10,000-byte reads,
// lowercase-hex digest used as the files/ filename.
package content

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"stash/internal/stasherr"
	"stash/internal/wire"
)

// hashChunkSize matches the original daemon's streamed read size.
const hashChunkSize = 10_000

// Store manages blobs/ and files/ under a server root.
type Store struct {
	root     string
	blobsDir string
	filesDir string
}

// Open creates blobs/ and files/ under root if absent.
func Open(root string) (*Store, error) {
	blobsDir := filepath.Join(root, "blobs")
	filesDir := filepath.Join(root, "files")
	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		return nil, fmt.Errorf("content: create blobs dir: %w", err)
	}
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		return nil, fmt.Errorf("content: create files dir: %w", err)
	}
	return &Store{root: root, blobsDir: blobsDir, filesDir: filesDir}, nil
}

// validBlobName rejects names that could escape blobs/ or collide with
// reserved entries: path separators and null bytes, per spec.md §4.3's
// conservative rule. File names never touch the filesystem at all — they
// live only in the metadata store — so they need no equivalent check.
func validBlobName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

// validContentHash rejects anything but a well-formed SHA-256 hex digest
// before it is ever joined into a files/ path — a wire-supplied Download
// hash is otherwise attacker-controlled input to filepath.Join, and
// filepath.Join's Clean pass would happily resolve something like
// "../../../../etc/passwd" outside filesRoot (spec.md §4.3).
func validContentHash(hash string) bool {
	if len(hash) != hex.EncodedLen(sha256.Size) {
		return false
	}
	for _, r := range hash {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

func (s *Store) blobPath(name string) string { return filepath.Join(s.blobsDir, name) }
func (s *Store) filePath(hash string) string { return filepath.Join(s.filesDir, hash) }

// CreateBlob opens a new, empty staging file under a fresh UUID name.
func (s *Store) CreateBlob() (wire.Blob, error) {
	name := uuid.NewString()
	f, err := os.OpenFile(s.blobPath(name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return wire.Blob{}, fmt.Errorf("content: create blob: %w", err)
	}
	if err := f.Close(); err != nil {
		return wire.Blob{}, fmt.Errorf("content: create blob: %w", err)
	}
	return wire.Blob{Name: name, Size: 0}, nil
}

// DescribeBlob reports the current size of a staging blob.
func (s *Store) DescribeBlob(name string) (wire.Blob, error) {
	if !validBlobName(name) {
		return wire.Blob{}, stasherr.ErrNoSuchBlob
	}
	info, err := os.Stat(s.blobPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return wire.Blob{}, stasherr.ErrNoSuchBlob
		}
		return wire.Blob{}, fmt.Errorf("content: describe blob: %w", err)
	}
	return wire.Blob{Name: name, Size: uint64(info.Size())}, nil
}

// AppendBlob appends data to a staging blob and returns its new size. The
// server writes exactly what it receives — no internal framing.
func (s *Store) AppendBlob(name string, data []byte) (wire.Blob, error) {
	if !validBlobName(name) {
		return wire.Blob{}, stasherr.ErrNoSuchBlob
	}
	f, err := os.OpenFile(s.blobPath(name), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return wire.Blob{}, stasherr.ErrNoSuchBlob
		}
		return wire.Blob{}, fmt.Errorf("content: append blob: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return wire.Blob{}, fmt.Errorf("content: append blob: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return wire.Blob{}, fmt.Errorf("content: append blob: %w", err)
	}
	return wire.Blob{Name: name, Size: uint64(info.Size())}, nil
}

// HashBlob streams the staging blob's current contents through SHA-256 and
// returns its size and lowercase-hex digest. Hashing happens outside any
// metadata transaction — it's read-only and the most expensive step.
func (s *Store) HashBlob(name string) (size int64, hash string, err error) {
	if !validBlobName(name) {
		return 0, "", stasherr.ErrNoSuchBlob
	}
	f, err := os.Open(s.blobPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, "", stasherr.ErrNoSuchBlob
		}
		return 0, "", fmt.Errorf("content: hash blob: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	buf := make([]byte, hashChunkSize)
	var total int64
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			total += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return 0, "", fmt.Errorf("content: hash blob: %w", readErr)
		}
	}
	return total, hex.EncodeToString(hasher.Sum(nil)), nil
}

// FinalizeCommit is called from inside the metadata transaction (see
// metastore.ContentStep): when newContent is true it renames the staging
// blob into files/<hash>; otherwise the content already exists, so the
// staging blob is simply unlinked. Either way the blob name is no longer
// valid afterward (invariant 6).
func (s *Store) FinalizeCommit(blobName, hash string) func(newContent bool) error {
	return func(newContent bool) error {
		if newContent {
			if err := os.Rename(s.blobPath(blobName), s.filePath(hash)); err != nil {
				return fmt.Errorf("content: rename blob into content store: %w", err)
			}
			return nil
		}
		if err := os.Remove(s.blobPath(blobName)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("content: unlink deduplicated blob: %w", err)
		}
		return nil
	}
}

// Download reads exactly length bytes starting at start from files/<hash>.
func (s *Store) Download(hash string, start, length int64) ([]byte, error) {
	if !validContentHash(hash) {
		return nil, stasherr.ErrNoSuchFile
	}
	f, err := os.Open(s.filePath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, stasherr.ErrNoSuchFile
		}
		return nil, fmt.Errorf("content: download: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("content: download: %w", err)
	}
	if start < 0 || length < 0 || start+length > info.Size() {
		return nil, stasherr.ErrOutOfBounds
	}

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("content: download: %w", err)
	}
	return buf, nil
}

// RemoveContent unlinks files/<hash>, for GcBlobs reclaiming unreferenced
// content after its FileContent row has already been deleted. hash is
// DB-sourced, not wire-sourced, but it's validated anyway rather than
// trusting that every caller and every past row is well-formed.
func (s *Store) RemoveContent(hash string) error {
	if !validContentHash(hash) {
		return fmt.Errorf("content: remove content: invalid hash %q", hash)
	}
	if err := os.Remove(s.filePath(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("content: remove content: %w", err)
	}
	return nil
}

// StaleBlobs returns the names of staging blobs whose last modification
// time is older than olderThan, for the GcBlobs sweep. It does not
// distinguish abandoned blobs from ones an active upload session still
// owns — the caller cross-checks against internal/session before deleting.
func (s *Store) StaleBlobs(olderThan time.Time) ([]string, error) {
	entries, err := os.ReadDir(s.blobsDir)
	if err != nil {
		return nil, fmt.Errorf("content: list blobs: %w", err)
	}
	var stale []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		if info.ModTime().Before(olderThan) {
			stale = append(stale, e.Name())
		}
	}
	return stale, nil
}

// RemoveBlob unlinks a staging blob by name, for the GcBlobs sweep.
func (s *Store) RemoveBlob(name string) error {
	if err := os.Remove(s.blobPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("content: remove blob: %w", err)
	}
	return nil
}

// ID wraps a content digest as a raw-codec, sha2-256 multihash CID. The
// on-disk and wire-visible identity of content stays the plain hex hash
// (spec.md §3); this gives the content-addressing idiom borrowed from the
// teacher's blockstore a home for internal logging and diagnostics without
// requiring IPFS network interop.
func ID(hashHex string) (cid.Cid, error) {
	raw, err := hex.DecodeString(hashHex)
	if err != nil {
		return cid.Undef, fmt.Errorf("content: decode hash: %w", err)
	}
	mh, err := multihash.Encode(raw, multihash.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("content: encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}
