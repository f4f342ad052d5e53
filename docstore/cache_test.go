package docstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(store BlobStore) (*DocumentCache, *fakeClock) {
	clock := newFakeClock()
	c := NewDocumentCache(store, 0, 0)
	c.now = clock.Now
	return c, clock
}

func TestDocumentCache(t *testing.T) {
	t.Run("serves_hits_within_ttl", testCacheServesHitsWithinTTL)
	t.Run("refetches_after_ttl", testCacheRefetchesAfterTTL)
	t.Run("not_found_grace_period", testCacheNotFoundGracePeriod)
	t.Run("invalidate_forces_refetch", testCacheInvalidateForcesRefetch)
	t.Run("returns_private_copies", testCacheReturnsPrivateCopies)
	t.Run("stale_fetch_does_not_populate", testCacheStaleFetchDoesNotPopulate)
	t.Run("concurrent_readers", testCacheConcurrentReaders)
}

func testCacheServesHitsWithinTTL(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{BlobStore: NewMemoryBlobStore()}
	version := mustPut(t, store, "data/shops.json", `[]`)
	c, clock := newTestCache(store)

	doc, hit, err := c.Read(ctx, "data/shops.json")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, version, doc.Version)

	clock.advance(4 * time.Second)
	doc, hit, err = c.Read(ctx, "/data/shops.json")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, `[]`, string(doc.Content))
	assert.EqualValues(t, 1, store.gets.Load())

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func testCacheRefetchesAfterTTL(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{BlobStore: NewMemoryBlobStore()}
	mustPut(t, store, "data/shops.json", `["a"]`)
	c, clock := newTestCache(store)

	_, _, err := c.Read(ctx, "data/shops.json")
	require.NoError(t, err)

	mustPut(t, store, "data/shops.json", `["b"]`)
	clock.advance(DefaultCacheTTL)

	doc, hit, err := c.Read(ctx, "data/shops.json")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, `["b"]`, string(doc.Content))
	assert.EqualValues(t, 2, store.gets.Load())
}

func testCacheNotFoundGracePeriod(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{BlobStore: NewMemoryBlobStore()}
	c, clock := newTestCache(store)

	_, _, err := c.Read(ctx, "data/templates/s1.json")
	require.ErrorIs(t, err, ErrNotFound)

	mustPut(t, store, "data/templates/s1.json", `{}`)

	clock.advance(500 * time.Millisecond)
	_, hit, err := c.Read(ctx, "data/templates/s1.json")
	require.ErrorIs(t, err, ErrNotFound)
	assert.True(t, hit)

	clock.advance(DefaultCacheNotFoundTTL)
	doc, hit, err := c.Read(ctx, "data/templates/s1.json")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, `{}`, string(doc.Content))
}

func testCacheInvalidateForcesRefetch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBlobStore()
	mustPut(t, store, "data/shops.json", `["a"]`)
	c, _ := newTestCache(store)

	_, _, err := c.Read(ctx, "data/shops.json")
	require.NoError(t, err)

	v2 := mustPut(t, store, "data/shops.json", `["b"]`)
	c.Invalidate("data/shops.json")

	doc, hit, err := c.Read(ctx, "data/shops.json")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, v2, doc.Version)
	assert.EqualValues(t, 1, c.Stats().Invalidations)
}

func testCacheReturnsPrivateCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBlobStore()
	mustPut(t, store, "data/shops.json", `abc`)
	c, _ := newTestCache(store)

	doc, _, err := c.Read(ctx, "data/shops.json")
	require.NoError(t, err)
	doc.Content[0] = 'X'

	again, hit, err := c.Read(ctx, "data/shops.json")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "abc", string(again.Content))
}

// A fetch that read old content before an invalidation must not repopulate
// the cache with it.
func testCacheStaleFetchDoesNotPopulate(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryBlobStore()
	mustPut(t, inner, "data/shops.json", `["old"]`)
	gated := newGatedStore(inner)
	c, _ := newTestCache(gated)

	done := make(chan *Document, 1)
	go func() {
		doc, _, err := c.Read(ctx, "data/shops.json")
		assert.NoError(t, err)
		done <- doc
	}()

	<-gated.entered
	mustPut(t, inner, "data/shops.json", `["new"]`)
	c.Invalidate("data/shops.json")

	// A reader arriving after the invalidation gets its own fetch.
	doc, hit, err := c.Read(ctx, "data/shops.json")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, `["new"]`, string(doc.Content))

	close(gated.release)
	stale := <-done
	require.NotNil(t, stale)
	assert.Equal(t, `["old"]`, string(stale.Content))

	doc, _, err = c.Read(ctx, "data/shops.json")
	require.NoError(t, err)
	assert.Equal(t, `["new"]`, string(doc.Content))
}

func testCacheConcurrentReaders(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{BlobStore: NewMemoryBlobStore()}
	mustPut(t, store, "data/shops.json", `["a"]`)
	c := NewDocumentCache(store, time.Minute, time.Second)

	const readers = 32
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%8 == 0 {
				c.Invalidate("data/shops.json")
			}
			doc, _, err := c.Read(ctx, "data/shops.json")
			assert.NoError(t, err)
			if doc != nil {
				assert.Equal(t, `["a"]`, string(doc.Content))
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, store.gets.Load(), int64(readers))
}
