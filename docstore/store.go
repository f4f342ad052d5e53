package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Store is the document store consumed by route handlers: cached reads,
// optimistic writes and collection listings over one BlobStore.
type Store struct {
	Blobs  BlobStore
	Paths  PathScheme
	Cache  *DocumentCache
	Writer *OptimisticWriter
	Index  *DirectoryIndex
	Logger *slog.Logger

	metrics StoreMetrics
}

// StoreMetrics receives per-operation outcomes. See InMemAppMetrics.
type StoreMetrics interface {
	RecordRead(kind DocumentKind, latencyMS int64, cacheHit bool, err error)
	RecordList(kind DocumentKind, latencyMS int64, keyCount int, err error)
	MutationRetryObserver
}

type storeConfig struct {
	paths       PathScheme
	cacheTTL    time.Duration
	notFoundTTL time.Duration
	maxAttempts int
	leases      WriteLeaseManager
	leaseTTL    time.Duration
	leaseWait   time.Duration
	metrics     StoreMetrics
	logger      *slog.Logger
}

// StoreOption configures NewStore.
type StoreOption func(*storeConfig)

// WithPaths sets the document layout.
func WithPaths(paths PathScheme) StoreOption {
	return func(c *storeConfig) {
		c.paths = paths
	}
}

// WithCacheTTL sets how long found and missing documents stay cached.
func WithCacheTTL(ttl, notFoundTTL time.Duration) StoreOption {
	return func(c *storeConfig) {
		c.cacheTTL = ttl
		c.notFoundTTL = notFoundTTL
	}
}

// WithMaxWriteAttempts bounds the conflict-retry loop.
func WithMaxWriteAttempts(n int) StoreOption {
	return func(c *storeConfig) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithWriteLeases serialises writers per path through mgr.
func WithWriteLeases(mgr WriteLeaseManager, ttl, wait time.Duration) StoreOption {
	return func(c *storeConfig) {
		c.leases = mgr
		c.leaseTTL = ttl
		c.leaseWait = wait
	}
}

// WithStoreMetrics records read, write and list outcomes.
func WithStoreMetrics(m StoreMetrics) StoreOption {
	return func(c *storeConfig) {
		c.metrics = m
	}
}

// WithStoreLogger sets the logger shared by the store components.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(c *storeConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewStore wires cache, writer and index around blobs.
func NewStore(blobs BlobStore, opts ...StoreOption) *Store {
	cfg := storeConfig{
		paths:       DefaultPaths,
		cacheTTL:    DefaultCacheTTL,
		notFoundTTL: DefaultCacheNotFoundTTL,
		maxAttempts: DefaultMaxWriteAttempts,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	cache := NewDocumentCache(blobs, cfg.cacheTTL, cfg.notFoundTTL)
	writer := &OptimisticWriter{
		Store:       blobs,
		Cache:       cache,
		Paths:       cfg.paths,
		MaxAttempts: cfg.maxAttempts,
		Logger:      cfg.logger,
		Leases:      cfg.leases,
		LeaseTTL:    cfg.leaseTTL,
		LeaseWait:   cfg.leaseWait,
	}
	if cfg.metrics != nil {
		writer.Observer = cfg.metrics
	}

	return &Store{
		Blobs:   blobs,
		Paths:   cfg.paths,
		Cache:   cache,
		Writer:  writer,
		Index:   &DirectoryIndex{Store: blobs, Paths: cfg.paths},
		Logger:  cfg.logger,
		metrics: cfg.metrics,
	}
}

// ReadDocument returns the content at path or ErrNotFound.
func (s *Store) ReadDocument(ctx context.Context, path string) ([]byte, error) {
	doc, err := s.read(ctx, path)
	if err != nil {
		return nil, err
	}
	return doc.Content, nil
}

func (s *Store) read(ctx context.Context, path string) (*Document, error) {
	start := time.Now()
	doc, hit, err := s.Cache.Read(ctx, path)
	if s.metrics != nil {
		var recErr error
		if err != nil && !errors.Is(err, ErrNotFound) {
			recErr = err
		}
		s.metrics.RecordRead(s.Paths.Kind(path), time.Since(start).Milliseconds(), hit, recErr)
	}
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.Logger.ErrorContext(ctx, "document read failed", "path", path, "error", err)
		}
		return nil, err
	}
	return doc, nil
}

// WriteDocument commits mutate applied to the current content of path, or to
// def when absent, and returns the new version.
func (s *Store) WriteDocument(ctx context.Context, path string, mutate Mutation, def []byte) (string, error) {
	version, err := s.Writer.Write(ctx, path, mutate, def)
	if err != nil {
		s.Logger.ErrorContext(ctx, "document write failed", "path", path, "error", err)
		return "", err
	}
	s.Logger.DebugContext(ctx, "document written", "path", path, "version", version)
	return version, nil
}

// ListKeys returns the document keys under prefix, newest first.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := s.Index.ListKeys(ctx, prefix)
	if s.metrics != nil {
		s.metrics.RecordList(s.Paths.Kind(s.Paths.Resolve(prefix)+"/"), time.Since(start).Milliseconds(), len(keys), err)
	}
	if err != nil {
		s.Logger.ErrorContext(ctx, "list keys failed", "prefix", prefix, "error", err)
		return nil, err
	}
	return keys, nil
}

// normalizer is implemented by document types that fill defaults after decode.
type normalizer interface {
	normalize()
}

// ReadJSON reads path and decodes it into T, applying T's defaults.
func ReadJSON[T any](ctx context.Context, s *Store, path string) (T, error) {
	var out T
	content, err := s.ReadDocument(ctx, path)
	if err != nil {
		return out, err
	}
	return decodeJSON[T](path, content)
}

// UpdateJSON decodes the current document at path (or def when absent) into
// T, applies mutate, and commits the re-encoded result. mutate may run more
// than once and always receives freshly decoded state. The committed value
// and its version are returned.
func UpdateJSON[T any](ctx context.Context, s *Store, path string, def T, mutate func(*T) error) (T, string, error) {
	var committed T
	defaultContent, err := json.Marshal(def)
	if err != nil {
		return committed, "", fmt.Errorf("encode default for %s: %w", path, err)
	}

	version, err := s.WriteDocument(ctx, path, func(current []byte) ([]byte, error) {
		value, err := decodeJSON[T](path, current)
		if err != nil {
			return nil, err
		}
		if err := mutate(&value); err != nil {
			return nil, err
		}
		next, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			return nil, err
		}
		committed = value
		return next, nil
	}, defaultContent)
	if err != nil {
		var zero T
		return zero, "", err
	}
	return committed, version, nil
}

func decodeJSON[T any](path string, content []byte) (T, error) {
	var out T
	if err := json.Unmarshal(content, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", path, err)
	}
	if n, ok := any(&out).(normalizer); ok {
		n.normalize()
	}
	return out, nil
}
