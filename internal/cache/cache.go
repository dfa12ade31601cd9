// Package cache is an LRU of recently resolved content descriptors. The
// server fills it on commit and describe and invalidates entries when
// GcBlobs reclaims content; no request handler reads from it, so it does not
// save any metadata-store lookups. The shape is
// the teacher's blockstore block cache (cache *lru.Cache[string,
// blocks.Block], guarded the same way) adapted to cache FileContent rows
// keyed by hash instead of IPLD blocks keyed by CID.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"stash/internal/metastore"
)

// ContentCache caches metastore.FileContent rows by hash.
type ContentCache struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, metastore.FileContent]
}

// New builds a content cache holding up to size entries.
func New(size int) (*ContentCache, error) {
	c, err := lru.New[string, metastore.FileContent](size)
	if err != nil {
		return nil, err
	}
	return &ContentCache{cache: c}, nil
}

// Get returns the cached FileContent for hash, if present.
func (c *ContentCache) Get(hash string) (metastore.FileContent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache.Get(hash)
}

// Put caches or refreshes the FileContent for its hash.
func (c *ContentCache) Put(fc metastore.FileContent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(fc.Hash, fc)
}

// Invalidate drops any cached entry for hash, called when content is
// reclaimed by GcBlobs.
func (c *ContentCache) Invalidate(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(hash)
}
