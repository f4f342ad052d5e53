package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// pathLease is the lease state of one document path: the current holder, if
// any, and the writers queued behind it in arrival order.
type pathLease struct {
	token     string
	expiresAt time.Time
	queue     []chan struct{}
}

// InMemoryWriteLeaseManager hands out document write leases inside one
// process. Writers that wait through AcquireWait are served first come first
// served, so a busy day entry cannot starve an early saver.
type InMemoryWriteLeaseManager struct {
	mu    sync.Mutex
	paths map[string]*pathLease
	now   func() time.Time
}

// NewInMemoryWriteLeaseManager creates an empty manager.
func NewInMemoryWriteLeaseManager() *InMemoryWriteLeaseManager {
	return &InMemoryWriteLeaseManager{
		paths: make(map[string]*pathLease),
		now:   time.Now,
	}
}

// Acquire grants the lease only when nobody holds it and nobody is queued.
func (m *InMemoryWriteLeaseManager) Acquire(ctx context.Context, path string, ttl time.Duration) (*WriteLease, error) {
	path, ttl, err := leaseArgs(ctx, path, ttl)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pl := m.entry(path)
	if m.held(pl) || len(pl.queue) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrWriteLeaseConflict, path)
	}
	return m.grant(path, pl, ttl), nil
}

// AcquireWait queues behind the current holder and returns once the lease is
// handed over, either on Release or when the holder's lease runs out. It
// returns ctx.Err() if ctx ends first.
func (m *InMemoryWriteLeaseManager) AcquireWait(ctx context.Context, path string, ttl time.Duration) (*WriteLease, error) {
	path, ttl, err := leaseArgs(ctx, path, ttl)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	pl := m.entry(path)
	if !m.held(pl) && len(pl.queue) == 0 {
		lease := m.grant(path, pl, ttl)
		m.mu.Unlock()
		return lease, nil
	}
	turn := make(chan struct{}, 1)
	pl.queue = append(pl.queue, turn)

	for {
		// wake at the holder's expiry in case it never releases
		wake := writeLeasePollMax
		if m.held(pl) {
			wake = max(pl.expiresAt.Sub(m.now()), time.Millisecond)
		}
		timer := time.NewTimer(wake)
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			timer.Stop()
			m.mu.Lock()
			m.leave(path, pl, turn)
			m.mu.Unlock()
			return nil, ctx.Err()
		case <-turn:
		case <-timer.C:
		}
		timer.Stop()

		m.mu.Lock()
		if pl.queue[0] == turn && !m.held(pl) {
			pl.queue = pl.queue[1:]
			lease := m.grant(path, pl, ttl)
			m.mu.Unlock()
			return lease, nil
		}
	}
}

// Renew extends a lease its holder still owns.
func (m *InMemoryWriteLeaseManager) Renew(ctx context.Context, lease *WriteLease, ttl time.Duration) (*WriteLease, error) {
	if lease == nil || lease.Token == "" {
		return nil, invalidArgf("lease is required")
	}
	path, ttl, err := leaseArgs(ctx, lease.Path, ttl)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pl, ok := m.paths[path]
	if !ok || pl.token != lease.Token || !m.held(pl) {
		return nil, fmt.Errorf("%w: %s", ErrWriteLeaseConflict, path)
	}
	pl.expiresAt = m.now().Add(ttl)
	return &WriteLease{Path: path, Token: lease.Token, ExpiresAt: pl.expiresAt}, nil
}

// Release frees the lease and hands it to the first queued writer.
func (m *InMemoryWriteLeaseManager) Release(_ context.Context, lease *WriteLease) error {
	if lease == nil || lease.Token == "" {
		return nil
	}
	path := normalizeKey(lease.Path)

	m.mu.Lock()
	defer m.mu.Unlock()

	pl, ok := m.paths[path]
	if !ok || pl.token != lease.Token {
		return nil
	}
	pl.token = ""
	pl.expiresAt = time.Time{}
	m.handOver(path, pl)
	return nil
}

// Waiting reports how many writers are queued for path.
func (m *InMemoryWriteLeaseManager) Waiting(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pl, ok := m.paths[normalizeKey(path)]; ok {
		return len(pl.queue)
	}
	return 0
}

func (m *InMemoryWriteLeaseManager) entry(path string) *pathLease {
	pl, ok := m.paths[path]
	if !ok {
		pl = &pathLease{}
		m.paths[path] = pl
	}
	return pl
}

func (m *InMemoryWriteLeaseManager) held(pl *pathLease) bool {
	return pl.token != "" && m.now().Before(pl.expiresAt)
}

func (m *InMemoryWriteLeaseManager) grant(path string, pl *pathLease, ttl time.Duration) *WriteLease {
	pl.token = uuid.NewString()
	pl.expiresAt = m.now().Add(ttl)
	return &WriteLease{Path: path, Token: pl.token, ExpiresAt: pl.expiresAt}
}

// leave drops a waiter that gave up. If it was first in line and the lease is
// free, the next waiter gets the turn it would have taken.
func (m *InMemoryWriteLeaseManager) leave(path string, pl *pathLease, turn chan struct{}) {
	for i, ch := range pl.queue {
		if ch == turn {
			pl.queue = append(pl.queue[:i], pl.queue[i+1:]...)
			break
		}
	}
	if !m.held(pl) {
		m.handOver(path, pl)
	}
}

// handOver signals the head of the queue, or forgets the path when nobody
// holds or wants it.
func (m *InMemoryWriteLeaseManager) handOver(path string, pl *pathLease) {
	if len(pl.queue) == 0 {
		if !m.held(pl) {
			delete(m.paths, path)
		}
		return
	}
	select {
	case pl.queue[0] <- struct{}{}:
	default:
	}
}

// leaseArgs validates a lease request and applies the default TTL.
func leaseArgs(ctx context.Context, path string, ttl time.Duration) (string, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	path = normalizeKey(path)
	if path == "" {
		return "", 0, invalidArgf("lease path is required")
	}
	if ttl <= 0 {
		ttl = defaultWriteLeaseTTL
	}
	return path, ttl, nil
}
