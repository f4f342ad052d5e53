// store_lease.go defines the WriteLeaseManager interface and the helper the
// OptimisticWriter uses to hold a lease for the duration of one write.
//
// System fit:
//
//   - When configured, every document write acquires a lease keyed by the
//     document path before reading. Concurrent writers to the same path queue
//     behind the lease instead of burning conflict round trips on the backend.
//   - The holder renews the lease every third of its TTL while the write runs.
//     If a renewal fails the write's context is cancelled with
//     ErrWriteLeaseConflict as the cause.
//   - The lease does not replace the version check: Put still carries the
//     expected version and a stale token still fails with ErrConflict.
//
// Implementations:
//
//   - InMemoryWriteLeaseManager: in-process FIFO queue per path.
//   - RedisWriteLeaseManager: SET NX PX plus token-checked scripts, for
//     several instances sharing one backing store.

package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultWriteLeaseTTL  = 30 * time.Second
	defaultWriteLeaseWait = 5 * time.Second
	writeLeasePollMin     = 10 * time.Millisecond
	writeLeasePollMax     = 200 * time.Millisecond
)

// WriteLease is a held write lock for a single document path. Token proves
// ownership on Renew and Release.
type WriteLease struct {
	Path      string
	Token     string
	ExpiresAt time.Time
}

// WriteLeaseManager coordinates writers per document path.
// Acquire returns ErrWriteLeaseConflict when the lease is already held.
// Renew returns ErrWriteLeaseConflict if the lease expired or changed hands.
// Release is best-effort and must not be skipped on error paths.
type WriteLeaseManager interface {
	Acquire(ctx context.Context, path string, ttl time.Duration) (*WriteLease, error)
	Renew(ctx context.Context, lease *WriteLease, ttl time.Duration) (*WriteLease, error)
	Release(ctx context.Context, lease *WriteLease) error
}

// leaseWaiter is implemented by managers that queue waiters themselves.
type leaseWaiter interface {
	AcquireWait(ctx context.Context, path string, ttl time.Duration) (*WriteLease, error)
}

// acquireWriteLease obtains the lease for path, giving up after wait. Queueing
// managers are waited on directly; others are polled with backoff. Conflicts
// are logged at WARN level; other errors at ERROR level.
func acquireWriteLease(ctx context.Context, mgr WriteLeaseManager, path string, ttl, wait time.Duration, logger *slog.Logger) (*WriteLease, error) {
	if ttl <= 0 {
		ttl = defaultWriteLeaseTTL
	}
	if wait <= 0 {
		wait = defaultWriteLeaseWait
	}

	var (
		lease *WriteLease
		err   error
	)
	if q, ok := mgr.(leaseWaiter); ok {
		lease, err = waitForLease(ctx, q, path, ttl, wait)
	} else {
		lease, err = pollForLease(ctx, mgr, path, ttl, wait)
	}
	if err != nil {
		if errors.Is(err, ErrWriteLeaseConflict) {
			logger.WarnContext(ctx, "write lease acquisition conflict", "path", path, "reason", "lease_conflict", "wait", wait.String())
		} else {
			logger.ErrorContext(ctx, "write lease acquisition failed", "path", path, "reason", "lease_acquire_failed", "error", err)
		}
		return nil, fmt.Errorf("acquire write lease: %w", err)
	}
	return lease, nil
}

func waitForLease(ctx context.Context, q leaseWaiter, path string, ttl, wait time.Duration) (*WriteLease, error) {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	lease, err := q.AcquireWait(waitCtx, path, ttl)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s still held after %s", ErrWriteLeaseConflict, path, wait)
	}
	return lease, err
}

func pollForLease(ctx context.Context, mgr WriteLeaseManager, path string, ttl, wait time.Duration) (*WriteLease, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = writeLeasePollMin
	b.MaxInterval = writeLeasePollMax
	b.MaxElapsedTime = wait

	var lease *WriteLease
	err := backoff.Retry(func() error {
		l, err := mgr.Acquire(ctx, path, ttl)
		if err == nil {
			lease = l
			return nil
		}
		if errors.Is(err, ErrWriteLeaseConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
	return lease, err
}

// holdWriteLease acquires the lease for path and keeps renewing it until the
// returned release func runs. The returned context is cancelled with an
// ErrWriteLeaseConflict cause if a renewal fails, so a write that outlives its
// lease stops instead of racing the next holder.
func holdWriteLease(ctx context.Context, mgr WriteLeaseManager, path string, ttl, wait time.Duration, logger *slog.Logger) (context.Context, func(), error) {
	if ttl <= 0 {
		ttl = defaultWriteLeaseTTL
	}
	lease, err := acquireWriteLease(ctx, mgr, path, ttl, wait, logger)
	if err != nil {
		return nil, nil, err
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(max(ttl/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
			}
			renewed, err := mgr.Renew(leaseCtx, lease, ttl)
			if err != nil {
				if leaseCtx.Err() != nil {
					return
				}
				logger.WarnContext(ctx, "write lease lost", "path", path, "error", err)
				cancel(fmt.Errorf("%w: lease on %s lost: %w", ErrWriteLeaseConflict, path, err))
				return
			}
			lease = renewed
		}
	}()

	release := func() {
		close(done)
		<-stopped
		cancel(nil)
		if err := mgr.Release(context.Background(), lease); err != nil {
			logger.WarnContext(ctx, "write lease release failed", "path", path, "error", err)
		}
	}
	return leaseCtx, release, nil
}
