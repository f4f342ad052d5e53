package docstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContentsClient(t *testing.T, handler http.HandlerFunc, opts ...ContentsOption) (*ContentsClient, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(ts.Close)

	base := []ContentsOption{
		WithContentsRetry(3, time.Millisecond, 5*time.Millisecond),
		WithContentsLogger(discardLogger()),
	}
	return NewContentsClient(ts.URL, append(base, opts...)...), &calls
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestContentsClientErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		header    map[string]string
		wantErr   error
		wantCalls int64
	}{
		{name: "not_found", status: http.StatusNotFound, wantErr: ErrNotFound, wantCalls: 1},
		{name: "unauthorized", status: http.StatusUnauthorized, wantErr: ErrAuth, wantCalls: 1},
		{name: "forbidden", status: http.StatusForbidden, wantErr: ErrAuth, wantCalls: 1},
		{name: "conflict", status: http.StatusConflict, wantErr: ErrConflict, wantCalls: 1},
		{name: "precondition_failed", status: http.StatusPreconditionFailed, wantErr: ErrConflict, wantCalls: 1},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, wantErr: ErrConflict, wantCalls: 1},
		{name: "rate_limited", status: http.StatusTooManyRequests, wantErr: ErrTemporaryUnavailable, wantCalls: 4},
		{
			name:      "forbidden_rate_limit_exhausted",
			status:    http.StatusForbidden,
			header:    map[string]string{"X-RateLimit-Remaining": "0"},
			wantErr:   ErrTemporaryUnavailable,
			wantCalls: 4,
		},
		{name: "server_error", status: http.StatusBadGateway, wantErr: ErrTemporaryUnavailable, wantCalls: 4},
		{name: "request_timeout", status: http.StatusRequestTimeout, wantErr: ErrTemporaryUnavailable, wantCalls: 4},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client, calls := newTestContentsClient(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				writeJSON(w, tc.status, map[string]string{"message": "nope"})
			})

			_, err := client.Put(context.Background(), "data/shops.json", []byte(`[]`), "v1")
			require.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, tc.wantCalls, calls.Load())

			var statusErr *HTTPStatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, tc.status, statusErr.StatusCode)
			assert.Equal(t, "nope", statusErr.Message)
		})
	}
}

func TestContentsClientRetriesTransientFailures(t *testing.T) {
	var attempts atomic.Int64
	client, _ := newTestContentsClient(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "try later"})
			return
		}
		writeJSON(w, http.StatusOK, contentsFile{
			Type:     "file",
			Encoding: "base64",
			Content:  base64.StdEncoding.EncodeToString([]byte(`["a"]`)),
			Version:  "abc123",
		})
	})

	doc, err := client.Get(context.Background(), "data/shops.json")
	require.NoError(t, err)
	assert.Equal(t, `["a"]`, string(doc.Content))
	assert.Equal(t, "abc123", doc.Version)
	assert.EqualValues(t, 3, attempts.Load())
}

func TestContentsClientRequestTimeout(t *testing.T) {
	client, calls := newTestContentsClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}, WithContentsRequestTimeout(20*time.Millisecond), WithContentsRetry(1, time.Millisecond, time.Millisecond))

	_, err := client.Get(context.Background(), "data/shops.json")
	require.ErrorIs(t, err, ErrTemporaryUnavailable)
	require.ErrorIs(t, err, ErrTransport)
	assert.EqualValues(t, 2, calls.Load())
}

func TestContentsClientStopsOnCancelledContext(t *testing.T) {
	client, _ := newTestContentsClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, nil)
	}, WithContentsRetry(10, 50*time.Millisecond, 50*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Get(ctx, "data/shops.json")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestContentsClientWireFormat(t *testing.T) {
	var gotPut contentsPutRequest
	var gotAuth, gotRef, gotPath string
	client, _ := newTestContentsClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.EscapedPath()
		switch r.Method {
		case http.MethodGet:
			gotRef = r.URL.Query().Get("ref")
			// wrapped base64 as some contents APIs return it
			enc := base64.StdEncoding.EncodeToString([]byte(`{"items":[],"cleaning":[]}`))
			writeJSON(w, http.StatusOK, map[string]string{"content": enc[:10] + "\n" + enc[10:], "sha": "sha-1"})
		case http.MethodPut:
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotPut))
			writeJSON(w, http.StatusCreated, map[string]any{"content": map[string]string{"sha": "sha-2"}})
		}
	},
		WithContentsBranch("main"),
		WithContentsToken("t0ken"),
	)
	client.CommitMessage = func(path string) string { return "save " + path }

	doc, err := client.Get(context.Background(), "data/templates/shop a.json")
	require.NoError(t, err)
	assert.Equal(t, "sha-1", doc.Version)
	assert.JSONEq(t, `{"items":[],"cleaning":[]}`, string(doc.Content))
	assert.Equal(t, "main", gotRef)
	assert.Equal(t, "Bearer t0ken", gotAuth)
	assert.Equal(t, "/contents/data/templates/shop%20a.json", gotPath)

	version, err := client.Put(context.Background(), "data/templates/shop a.json", []byte("{}"), "sha-1")
	require.NoError(t, err)
	assert.Equal(t, "sha-2", version)
	assert.Equal(t, "save data/templates/shop a.json", gotPut.Message)
	assert.Equal(t, "main", gotPut.Branch)
	assert.Equal(t, "sha-1", gotPut.Version)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("{}")), gotPut.Content)
}

func TestContentsClientListing(t *testing.T) {
	t.Run("missing_directory_is_empty", func(t *testing.T) {
		client, _ := newTestContentsClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		})
		entries, err := client.List(context.Background(), "data/entries/s1")
		require.NoError(t, err)
		require.NotNil(t, entries)
		assert.Empty(t, entries)
	})

	t.Run("unknown_types_are_files", func(t *testing.T) {
		client, _ := newTestContentsClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, []map[string]string{
				{"name": "2025-01-10.json", "type": "file"},
				{"name": "link.json", "type": "symlink"},
				{"name": "old", "type": "dir"},
			})
		})
		entries, err := client.List(context.Background(), "data/entries/s1")
		require.NoError(t, err)
		assert.Equal(t, []BlobEntry{
			{Name: "2025-01-10.json", Kind: EntryFile},
			{Name: "link.json", Kind: EntryFile},
			{Name: "old", Kind: EntryDir},
		}, entries)
	})

	t.Run("file_path_is_an_error", func(t *testing.T) {
		client, _ := newTestContentsClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"content": ""})
		})
		_, err := client.List(context.Background(), "data/shops.json")
		require.Error(t, err)
	})
}

// The first PUT lands but its reply is lost, so the client resends it and the
// server rejects the resend as stale. The save must still append its issue
// exactly once.
func TestContentsClientLostPutReplyAppendsOnce(t *testing.T) {
	ctx := context.Background()
	blobs := NewMemoryBlobStore()
	server := NewContentsServer(blobs, "main", "", discardLogger())
	h := server.Handler()

	var dropNextPut atomic.Bool
	var puts atomic.Int64
	client, _ := newTestContentsClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			puts.Add(1)
			if dropNextPut.CompareAndSwap(true, false) {
				h.ServeHTTP(httptest.NewRecorder(), r)
				if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
					_ = conn.Close()
				}
				return
			}
		}
		h.ServeHTTP(w, r)
	}, WithContentsBranch("main"))

	b := newTestLogbook(t, client)
	addIssue := func(issue string) func(*EntryDocument) error {
		return func(d *EntryDocument) error {
			d.Issues = append(d.Issues, issue)
			return nil
		}
	}

	_, err := b.UpdateEntry(ctx, DefaultShopID, "2025-01-10", "alice", addIssue("fridge warm"))
	require.NoError(t, err)

	dropNextPut.Store(true)
	puts.Store(0)
	entry, err := b.UpdateEntry(ctx, DefaultShopID, "2025-01-10", "alice", addIssue("door seal torn"))
	require.NoError(t, err)
	assert.Equal(t, []string{"fridge warm", "door seal torn"}, entry.Issues)
	assert.EqualValues(t, 2, puts.Load())

	got, err := b.Entry(ctx, DefaultShopID, "2025-01-10")
	require.NoError(t, err)
	assert.Equal(t, []string{"fridge warm", "door seal torn"}, got.Issues)
	assert.Len(t, server.Commits(), 2)
}
