package cmd

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/mikills/shoplog/docstore"
	"github.com/mikills/shoplog/docstore/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBlobStore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name   string
		mutate func(t *testing.T, cfg *Config)
		check  func(t *testing.T, store docstore.BlobStore)
	}{
		{
			name:   "memory",
			mutate: func(t *testing.T, cfg *Config) { cfg.Backend = BackendMemory },
			check: func(t *testing.T, store docstore.BlobStore) {
				assert.IsType(t, &docstore.MemoryBlobStore{}, store)
			},
		},
		{
			name: "local",
			mutate: func(t *testing.T, cfg *Config) {
				cfg.Backend = BackendLocal
				cfg.Local.Root = t.TempDir()
			},
			check: func(t *testing.T, store docstore.BlobStore) {
				assert.IsType(t, &docstore.LocalBlobStore{}, store)
			},
		},
		{
			name: "sqlite",
			mutate: func(t *testing.T, cfg *Config) {
				cfg.Backend = BackendSQLite
				cfg.SQLite.Path = filepath.Join(t.TempDir(), "docs.db")
			},
			check: func(t *testing.T, store docstore.BlobStore) {
				assert.IsType(t, &docstore.SQLiteBlobStore{}, store)
			},
		},
		{
			name: "contents",
			mutate: func(t *testing.T, cfg *Config) {
				cfg.Backend = BackendContents
				cfg.Contents.BaseURL = "http://127.0.0.1:1/repos/x"
			},
			check: func(t *testing.T, store docstore.BlobStore) {
				assert.IsType(t, &docstore.ContentsClient{}, store)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(t, &cfg)
			store, closeFn, err := OpenBlobStore(context.Background(), cfg, logger)
			require.NoError(t, err)
			t.Cleanup(func() { _ = closeFn() })
			tc.check(t, store)
		})
	}

	t.Run("unknown", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Backend = "tape"
		_, _, err := OpenBlobStore(context.Background(), cfg, logger)
		require.Error(t, err)
	})
}

func TestOpenStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mr, _ := testutil.StartRedisT(t)

	tests := []struct {
		name  string
		lease func(cfg *Config)
	}{
		{name: "no_leases", lease: func(cfg *Config) { cfg.Lease.Kind = LeaseNone }},
		{name: "memory_leases", lease: func(cfg *Config) { cfg.Lease.Kind = LeaseMemory }},
		{name: "redis_leases", lease: func(cfg *Config) {
			cfg.Lease.Kind = LeaseRedis
			cfg.Lease.RedisAddr = mr.Addr()
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Backend = BackendSQLite
			cfg.SQLite.Path = filepath.Join(t.TempDir(), "docs.db")
			tc.lease(&cfg)

			store, closeFn, err := OpenStore(ctx, cfg, docstore.NewInMemAppMetrics(), logger)
			require.NoError(t, err)
			t.Cleanup(func() { assert.NoError(t, closeFn()) })

			book := docstore.NewLogbook(store)
			_, err = book.UpdateEntry(ctx, "s1", "2025-03-04", "dan", func(d *docstore.EntryDocument) error {
				d.Values["fridge1"] = 2
				return nil
			})
			require.NoError(t, err)

			dates, err := book.EntryDates(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, []string{"2025-03-04"}, dates)
		})
	}

	t.Run("redis_unreachable", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Backend = BackendMemory
		cfg.Lease.Kind = LeaseRedis
		cfg.Lease.RedisAddr = "127.0.0.1:1"
		_, _, err := OpenStore(ctx, cfg, nil, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis ping")
	})
}
