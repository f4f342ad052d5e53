package docstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingStore counts backend calls made through it.
type countingStore struct {
	BlobStore
	gets  atomic.Int64
	puts  atomic.Int64
	lists atomic.Int64
}

func (s *countingStore) Get(ctx context.Context, path string) (*Document, error) {
	s.gets.Add(1)
	return s.BlobStore.Get(ctx, path)
}

func (s *countingStore) Put(ctx context.Context, path string, content []byte, expectedVersion string) (string, error) {
	s.puts.Add(1)
	return s.BlobStore.Put(ctx, path, content, expectedVersion)
}

func (s *countingStore) List(ctx context.Context, prefix string) ([]BlobEntry, error) {
	s.lists.Add(1)
	return s.BlobStore.List(ctx, prefix)
}

// racingStore commits a competing write right before the first conditional
// Put it sees, so that Put fails with ErrConflict.
type racingStore struct {
	BlobStore
	competing []byte
	once      sync.Once
}

func (s *racingStore) Put(ctx context.Context, path string, content []byte, expectedVersion string) (string, error) {
	if expectedVersion != "" {
		var err error
		s.once.Do(func() {
			_, err = s.BlobStore.Put(ctx, path, s.competing, "")
		})
		if err != nil {
			return "", err
		}
	}
	return s.BlobStore.Put(ctx, path, content, expectedVersion)
}

// lostReplyStore commits the first Put to the backend but reports
// ErrConflict, as when a request landed, its reply was lost and the resend
// was then rejected as stale.
type lostReplyStore struct {
	BlobStore
	once sync.Once
	puts atomic.Int64
}

func (s *lostReplyStore) Put(ctx context.Context, path string, content []byte, expectedVersion string) (string, error) {
	s.puts.Add(1)
	lost := false
	s.once.Do(func() { lost = true })
	version, err := s.BlobStore.Put(ctx, path, content, expectedVersion)
	if lost && err == nil {
		return "", ErrConflict
	}
	return version, err
}

// blockingPutStore holds every Put until release is closed or ctx ends.
type blockingPutStore struct {
	BlobStore
	entered chan struct{}
	release chan struct{}
}

func newBlockingPutStore(inner BlobStore) *blockingPutStore {
	return &blockingPutStore{BlobStore: inner, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (s *blockingPutStore) Put(ctx context.Context, path string, content []byte, expectedVersion string) (string, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	select {
	case <-s.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return s.BlobStore.Put(ctx, path, content, expectedVersion)
}

// renewFailLeases grants leases but refuses every renewal.
type renewFailLeases struct {
	WriteLeaseManager
}

func (renewFailLeases) Renew(_ context.Context, lease *WriteLease, _ time.Duration) (*WriteLease, error) {
	return nil, fmt.Errorf("%w: %s", ErrWriteLeaseConflict, lease.Path)
}

// putErrStore fails every Put with err.
type putErrStore struct {
	BlobStore
	err  error
	puts atomic.Int64
}

func (s *putErrStore) Put(context.Context, string, []byte, string) (string, error) {
	s.puts.Add(1)
	return "", s.err
}

// gatedStore reads the backend, then blocks until release is closed before
// returning, which holds a fetch in flight with already-read content.
type gatedStore struct {
	BlobStore
	entered chan struct{}
	release chan struct{}
	gated   atomic.Bool
}

func newGatedStore(inner BlobStore) *gatedStore {
	s := &gatedStore{BlobStore: inner, entered: make(chan struct{}, 1), release: make(chan struct{})}
	s.gated.Store(true)
	return s
}

func (s *gatedStore) Get(ctx context.Context, path string) (*Document, error) {
	doc, err := s.BlobStore.Get(ctx, path)
	if s.gated.CompareAndSwap(true, false) {
		s.entered <- struct{}{}
		<-s.release
	}
	return doc, err
}

func mustPut(t *testing.T, store BlobStore, path, content string) string {
	t.Helper()
	version, err := store.Put(context.Background(), path, []byte(content), "")
	require.NoError(t, err)
	return version
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
