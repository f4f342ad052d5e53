// cache.go implements the read-through document cache in front of a BlobStore.
//
// Policy:
//
//   - A found document is served from memory while younger than TTL (5s by
//     default), then refetched.
//   - A NotFound result is remembered only for NotFoundTTL (1s by default) so a
//     document created by another process becomes visible promptly.
//   - Invalidate drops the entry and bumps a per-path generation. Fetches that
//     started under an older generation neither populate the cache nor get
//     shared with readers arriving after the invalidation, so a read issued
//     after a successful write never observes pre-write content.
//
// Concurrent misses for the same path and generation share one backend fetch.

package docstore

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/golang/groupcache/singleflight"
)

const (
	DefaultCacheTTL         = 5 * time.Second
	DefaultCacheNotFoundTTL = 1 * time.Second
)

type cacheEntry struct {
	doc       *Document // nil records a NotFound
	fetchedAt time.Time
}

// CacheStats counts cache outcomes since creation.
type CacheStats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Invalidations uint64 `json:"invalidations"`
	Entries       int    `json:"entries"`
}

// DocumentCache is a short-TTL read-through cache keyed by path. It is safe
// for concurrent use.
type DocumentCache struct {
	store       BlobStore
	ttl         time.Duration
	notFoundTTL time.Duration
	now         func() time.Time

	mu          sync.Mutex
	entries     map[string]cacheEntry
	generations map[string]uint64
	stats       CacheStats

	group singleflight.Group
}

// NewDocumentCache wraps store. Non-positive durations select the defaults.
func NewDocumentCache(store BlobStore, ttl, notFoundTTL time.Duration) *DocumentCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if notFoundTTL <= 0 {
		notFoundTTL = DefaultCacheNotFoundTTL
	}
	return &DocumentCache{
		store:       store,
		ttl:         ttl,
		notFoundTTL: notFoundTTL,
		now:         time.Now,
		entries:     make(map[string]cacheEntry),
		generations: make(map[string]uint64),
	}
}

// Read returns the document at path, from memory when fresh. The returned
// document is a private copy. The bool reports a cache hit.
func (c *DocumentCache) Read(ctx context.Context, path string) (*Document, bool, error) {
	path = normalizeKey(path)

	c.mu.Lock()
	entry, ok := c.entries[path]
	gen := c.generations[path]
	if ok && c.fresh(entry) {
		c.stats.Hits++
		c.mu.Unlock()
		if entry.doc == nil {
			return nil, true, ErrNotFound
		}
		return cloneDocument(entry.doc), true, nil
	}
	c.stats.Misses++
	c.mu.Unlock()

	key := path + "#" + strconv.FormatUint(gen, 10)
	v, err := c.group.Do(key, func() (interface{}, error) {
		doc, err := c.store.Get(ctx, path)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		c.storeIfCurrent(path, gen, doc)
		if doc == nil {
			return nil, err
		}
		return doc, nil
	})
	if err != nil {
		return nil, false, err
	}
	doc, _ := v.(*Document)
	if doc == nil {
		return nil, false, ErrNotFound
	}
	return cloneDocument(doc), false, nil
}

// Invalidate removes path so the next Read goes to the backend.
func (c *DocumentCache) Invalidate(path string) {
	path = normalizeKey(path)
	c.mu.Lock()
	delete(c.entries, path)
	c.generations[path]++
	c.stats.Invalidations++
	c.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (c *DocumentCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.stats
	out.Entries = len(c.entries)
	return out
}

func (c *DocumentCache) storeIfCurrent(path string, gen uint64, doc *Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[path] != gen {
		return
	}
	c.entries[path] = cacheEntry{doc: doc, fetchedAt: c.now()}
}

// fresh must be called with c.mu held.
func (c *DocumentCache) fresh(entry cacheEntry) bool {
	ttl := c.ttl
	if entry.doc == nil {
		ttl = c.notFoundTTL
	}
	return c.now().Sub(entry.fetchedAt) < ttl
}

func cloneDocument(doc *Document) *Document {
	if doc == nil {
		return nil
	}
	return &Document{Path: doc.Path, Content: bytes.Clone(doc.Content), Version: doc.Version}
}
