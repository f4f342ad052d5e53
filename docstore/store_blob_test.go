package docstore

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mikills/shoplog/docstore/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type blobStoreCaps struct {
	// conditional is false for fakes that ignore version preconditions.
	conditional bool
}

func runBlobStoreTests(t *testing.T, caps blobStoreCaps, newStore func(t *testing.T) BlobStore) {
	t.Run("get_missing", func(t *testing.T) {
		_, err := newStore(t).Get(context.Background(), "data/shops.json")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put_get_roundtrip", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		version, err := s.Put(ctx, "data/templates/s1.json", []byte(`{"items":[]}`), "")
		require.NoError(t, err)
		require.NotEmpty(t, version)

		doc, err := s.Get(ctx, "/data/templates/s1.json")
		require.NoError(t, err)
		assert.Equal(t, `{"items":[]}`, string(doc.Content))
		assert.Equal(t, version, doc.Version)
	})

	t.Run("unconditional_overwrite", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		v1, err := s.Put(ctx, "data/shops.json", []byte(`["a"]`), "")
		require.NoError(t, err)
		v2, err := s.Put(ctx, "data/shops.json", []byte(`["b"]`), "")
		require.NoError(t, err)
		assert.NotEqual(t, v1, v2)

		doc, err := s.Get(ctx, "data/shops.json")
		require.NoError(t, err)
		assert.Equal(t, `["b"]`, string(doc.Content))
	})

	t.Run("conditional_put", func(t *testing.T) {
		if !caps.conditional {
			t.Skip("backend fake does not enforce preconditions")
		}
		ctx := context.Background()
		s := newStore(t)

		v1, err := s.Put(ctx, "data/shops.json", []byte(`["a"]`), "")
		require.NoError(t, err)
		v2, err := s.Put(ctx, "data/shops.json", []byte(`["b"]`), v1)
		require.NoError(t, err)

		_, err = s.Put(ctx, "data/shops.json", []byte(`["stale"]`), v1)
		require.ErrorIs(t, err, ErrConflict)

		_, err = s.Put(ctx, "data/missing.json", []byte(`{}`), "not-a-version")
		require.ErrorIs(t, err, ErrConflict)

		doc, err := s.Get(ctx, "data/shops.json")
		require.NoError(t, err)
		assert.Equal(t, `["b"]`, string(doc.Content))
		assert.Equal(t, v2, doc.Version)
	})

	t.Run("create_only", func(t *testing.T) {
		if !caps.conditional {
			t.Skip("backend fake does not enforce preconditions")
		}
		ctx := context.Background()
		s := newStore(t)

		v1, err := s.Put(ctx, "data/entries/s1/2025-01-10.json", []byte(`{"values":{"fridge1":5}}`), CreateOnly)
		require.NoError(t, err)
		require.NotEmpty(t, v1)
		assert.NotEqual(t, CreateOnly, v1)

		_, err = s.Put(ctx, "data/entries/s1/2025-01-10.json", []byte(`{"values":{"fridge2":3}}`), CreateOnly)
		require.ErrorIs(t, err, ErrConflict)

		doc, err := s.Get(ctx, "data/entries/s1/2025-01-10.json")
		require.NoError(t, err)
		assert.Equal(t, `{"values":{"fridge1":5}}`, string(doc.Content))
		assert.Equal(t, v1, doc.Version)
	})

	t.Run("list_immediate_children", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		for _, p := range []string{
			"data/entries/s1/2025-01-11.json",
			"data/entries/s1/2025-01-10.json",
			"data/entries/s1/archive/2024-12-31.json",
			"data/entries/s10/2025-01-10.json",
		} {
			_, err := s.Put(ctx, p, []byte(`{}`), "")
			require.NoError(t, err)
		}

		entries, err := s.List(ctx, "data/entries/s1")
		require.NoError(t, err)
		assert.Equal(t, []BlobEntry{
			{Name: "2025-01-10.json", Kind: EntryFile},
			{Name: "2025-01-11.json", Kind: EntryFile},
			{Name: "archive", Kind: EntryDir},
		}, entries)
	})

	t.Run("list_missing_prefix", func(t *testing.T) {
		entries, err := newStore(t).List(context.Background(), "data/cleaning/nobody")
		require.NoError(t, err)
		require.NotNil(t, entries)
		assert.Empty(t, entries)
	})
}

func TestMemoryBlobStore(t *testing.T) {
	runBlobStoreTests(t, blobStoreCaps{conditional: true}, func(t *testing.T) BlobStore {
		return NewMemoryBlobStore()
	})
}

func TestLocalBlobStore(t *testing.T) {
	runBlobStoreTests(t, blobStoreCaps{conditional: true}, func(t *testing.T) BlobStore {
		return &LocalBlobStore{Root: t.TempDir()}
	})
}

func TestLocalBlobStoreSkipsTempFiles(t *testing.T) {
	root := t.TempDir()
	s := &LocalBlobStore{Root: root}
	mustPut(t, s, "data/entries/s1/2025-01-10.json", `{}`)
	require.NoError(t, os.WriteFile(filepath.Join(root, "data", "entries", "s1", ".2025-01-11.json.123.tmp"), []byte("partial"), 0o644))

	entries, err := s.List(context.Background(), "data/entries/s1")
	require.NoError(t, err)
	assert.Equal(t, []BlobEntry{{Name: "2025-01-10.json", Kind: EntryFile}}, entries)
}

func TestSQLiteBlobStore(t *testing.T) {
	runBlobStoreTests(t, blobStoreCaps{conditional: true}, func(t *testing.T) BlobStore {
		s, err := NewSQLiteBlobStore(filepath.Join(t.TempDir(), "blobs.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteBlobStoreEscapesLikePatterns(t *testing.T) {
	s, err := NewSQLiteBlobStore(filepath.Join(t.TempDir(), "blobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	mustPut(t, s, "data/entries/shop_1/2025-01-10.json", `{}`)
	mustPut(t, s, "data/entries/shopX1/2025-01-11.json", `{}`)

	entries, err := s.List(context.Background(), "data/entries/shop_1")
	require.NoError(t, err)
	assert.Equal(t, []BlobEntry{{Name: "2025-01-10.json", Kind: EntryFile}}, entries)
}

func TestS3BlobStore(t *testing.T) {
	// gofakes3 does not evaluate If-Match.
	runBlobStoreTests(t, blobStoreCaps{conditional: false}, func(t *testing.T) BlobStore {
		mock := testutil.StartMockS3T(t, "shoplog-test")
		return NewS3BlobStore(mock.Client, mock.Bucket, "tenant/")
	})
}

func TestMongoBlobStore(t *testing.T) {
	runBlobStoreTests(t, blobStoreCaps{conditional: true}, func(t *testing.T) BlobStore {
		return newTestMongoBlobStore(t)
	})
}

func newTestMongoBlobStore(t *testing.T) *MongoBlobStore {
	t.Helper()

	uri := os.Getenv("SHOPLOG_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("SHOPLOG_TEST_MONGO_URI not set; skipping Mongo integration test")
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo connect: %v", err)
	}

	ctx := context.Background()
	if err := client.Ping(ctx, nil); err != nil {
		t.Fatalf("mongo ping: %v", err)
	}

	collName := "blobs_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	coll := client.Database("shoplog_test").Collection(collName)

	_ = coll.Drop(ctx)
	t.Cleanup(func() {
		_ = coll.Drop(ctx)
		_ = client.Disconnect(ctx)
	})

	return NewMongoBlobStore(coll)
}

func TestContentsClientAgainstServer(t *testing.T) {
	runBlobStoreTests(t, blobStoreCaps{conditional: true}, func(t *testing.T) BlobStore {
		server := NewContentsServer(NewMemoryBlobStore(), "main", "secret", discardLogger())
		ts := httptest.NewServer(server.Handler())
		t.Cleanup(ts.Close)
		return NewContentsClient(ts.URL,
			WithContentsBranch("main"),
			WithContentsToken("secret"),
			WithContentsRetry(1, time.Millisecond, 5*time.Millisecond),
			WithContentsLogger(discardLogger()),
		)
	})
}
