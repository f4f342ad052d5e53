package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultMaxWriteAttempts bounds the read-modify-write loop of one write.
const DefaultMaxWriteAttempts = 3

// Mutation derives the next content of a document from its current content.
// It may run more than once per write, each time against fresher content, so
// it must be a pure function of its input.
type Mutation func(current []byte) ([]byte, error)

// MutationRetryStats tracks retry behavior for one document write.
type MutationRetryStats struct {
	Path            string
	Kind            DocumentKind
	Attempts        int
	ConflictCount   int
	TotalRetryDelay time.Duration
	Success         bool
	Exhausted       bool
}

// MutationRetryObserver is notified once per completed write.
type MutationRetryObserver interface {
	ObserveMutationRetry(stats MutationRetryStats)
}

// MutationRetryObserverFunc is an adapter to allow ordinary functions
// to be used as MutationRetryObserver.
type MutationRetryObserverFunc func(stats MutationRetryStats)

// ObserveMutationRetry calls f(stats).
func (f MutationRetryObserverFunc) ObserveMutationRetry(stats MutationRetryStats) {
	if f != nil {
		f(stats)
	}
}

// OptimisticWriter performs conflict-safe read-modify-write on single
// documents. The first attempt reads through the cache; after a conflict the
// document is refetched from the backend directly and the mutation reapplied
// to that content. A write never retries more than MaxAttempts times.
//
// A document that looked absent is written with CreateOnly, so a create that
// raced another instance's create conflicts instead of overwriting it. If the
// refetched content already equals what the failed attempt sent, that attempt
// committed before its reply was lost and the write succeeds without
// reapplying the mutation.
type OptimisticWriter struct {
	Store       BlobStore
	Cache       *DocumentCache
	Paths       PathScheme
	MaxAttempts int
	Observer    MutationRetryObserver
	Logger      *slog.Logger

	// Leases, when set, admits one writer per path at a time. The version
	// check on Put remains the correctness guard.
	Leases    WriteLeaseManager
	LeaseTTL  time.Duration
	LeaseWait time.Duration
}

// Write applies mutate to the current content of path, or to def when the
// document does not exist yet, and commits the result. It returns the
// committed version, or ErrConcurrentModification once attempts run out.
func (w *OptimisticWriter) Write(ctx context.Context, path string, mutate Mutation, def []byte) (string, error) {
	if mutate == nil {
		return "", invalidArgf("mutation is required")
	}
	path = normalizeKey(path)
	if path == "" {
		return "", invalidArgf("path is required")
	}

	if w.Leases != nil {
		leaseCtx, release, err := holdWriteLease(ctx, w.Leases, path, w.LeaseTTL, w.LeaseWait, w.logger())
		if err != nil {
			return "", err
		}
		defer release()

		version, err := w.write(leaseCtx, path, mutate, def)
		if err != nil && ctx.Err() == nil {
			if cause := context.Cause(leaseCtx); errors.Is(cause, ErrWriteLeaseConflict) {
				return "", cause
			}
		}
		return version, err
	}
	return w.write(ctx, path, mutate, def)
}

func (w *OptimisticWriter) write(ctx context.Context, path string, mutate Mutation, def []byte) (string, error) {
	maxAttempts := w.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxWriteAttempts
	}

	stats := MutationRetryStats{Path: path, Kind: w.Paths.Kind(path)}
	defer func() {
		if w.Observer != nil {
			w.Observer.ObserveMutationRetry(stats)
		}
	}()

	current, err := w.load(ctx, path, true)
	if err != nil {
		return "", err
	}

	for {
		stats.Attempts++

		content := def
		if current != nil {
			content = current.Content
		}
		next, err := mutate(bytes.Clone(content))
		if err != nil {
			return "", fmt.Errorf("mutate %s: %w", path, err)
		}

		expected := CreateOnly
		if current != nil {
			expected = current.Version
		}
		version, err := w.Store.Put(ctx, path, next, expected)
		if err == nil {
			stats.Success = true
			if w.Cache != nil {
				w.Cache.Invalidate(path)
			}
			return version, nil
		}
		if !errors.Is(err, ErrConflict) {
			return "", fmt.Errorf("write %s: %w", path, err)
		}

		stats.ConflictCount++
		w.logger().WarnContext(ctx, "document write conflict",
			"path", path,
			"attempt", stats.Attempts,
			"expected_version", expected,
		)
		if stats.Attempts >= maxAttempts {
			stats.Exhausted = true
			if w.Cache != nil {
				w.Cache.Invalidate(path)
			}
			return "", fmt.Errorf("%w: %s after %d attempts", ErrConcurrentModification, path, stats.Attempts)
		}

		backoff := time.Duration(stats.ConflictCount*stats.ConflictCount) * 10 * time.Millisecond
		stats.TotalRetryDelay += backoff
		if err := sleepWithContext(ctx, backoff); err != nil {
			return "", err
		}

		current, err = w.load(ctx, path, false)
		if err != nil {
			return "", err
		}
		if current != nil && bytes.Equal(current.Content, next) {
			w.logger().InfoContext(ctx, "document write already committed",
				"path", path,
				"attempt", stats.Attempts,
			)
			stats.Success = true
			if w.Cache != nil {
				w.Cache.Invalidate(path)
			}
			return current.Version, nil
		}
	}
}

// load returns the current document or nil when it does not exist.
func (w *OptimisticWriter) load(ctx context.Context, path string, viaCache bool) (*Document, error) {
	var (
		doc *Document
		err error
	)
	if viaCache && w.Cache != nil {
		doc, _, err = w.Cache.Read(ctx, path)
	} else {
		doc, err = w.Store.Get(ctx, path)
	}
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return doc, nil
}

func (w *OptimisticWriter) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
