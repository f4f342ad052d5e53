package docstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startContentsServer(t *testing.T, token string) (*ContentsServer, *httptest.Server) {
	t.Helper()
	server := NewContentsServer(NewMemoryBlobStore(), "main", token, discardLogger())
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return server, ts
}

func TestContentsServer(t *testing.T) {
	t.Run("records_commits", func(t *testing.T) {
		server, ts := startContentsServer(t, "")
		client := NewContentsClient(ts.URL, WithContentsBranch("main"), WithContentsLogger(discardLogger()))
		client.CommitMessage = func(path string) string { return "logbook: " + path }

		v1, err := client.Put(context.Background(), "data/shops.json", []byte(`[]`), "")
		require.NoError(t, err)
		v2, err := client.Put(context.Background(), "data/shops.json", []byte(`[{"id":"a"}]`), v1)
		require.NoError(t, err)

		commits := server.Commits()
		require.Len(t, commits, 2)
		assert.Equal(t, "data/shops.json", commits[0].Path)
		assert.Equal(t, v1, commits[0].Version)
		assert.Equal(t, v2, commits[1].Version)
		assert.Equal(t, "logbook: data/shops.json", commits[1].Message)
		assert.Equal(t, "main", commits[1].Branch)
	})

	t.Run("rejected_write_is_not_committed", func(t *testing.T) {
		server, ts := startContentsServer(t, "")
		client := NewContentsClient(ts.URL, WithContentsLogger(discardLogger()))

		_, err := client.Put(context.Background(), "data/shops.json", []byte(`[]`), "stale")
		require.ErrorIs(t, err, ErrConflict)
		assert.Empty(t, server.Commits())
	})

	t.Run("requires_token", func(t *testing.T) {
		_, ts := startContentsServer(t, "secret")
		client := NewContentsClient(ts.URL, WithContentsToken("wrong"), WithContentsLogger(discardLogger()))

		_, err := client.Get(context.Background(), "data/shops.json")
		require.ErrorIs(t, err, ErrAuth)
	})

	t.Run("unknown_branch", func(t *testing.T) {
		_, ts := startContentsServer(t, "")
		client := NewContentsClient(ts.URL, WithContentsBranch("feature"), WithContentsLogger(discardLogger()))

		_, err := client.Put(context.Background(), "data/shops.json", []byte(`[]`), "")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("bad_requests", func(t *testing.T) {
		_, ts := startContentsServer(t, "")

		tests := []struct {
			name   string
			method string
			path   string
			body   string
			status int
		}{
			{name: "invalid_base64", method: http.MethodPut, path: "/contents/data/shops.json", body: `{"message":"m","content":"***"}`, status: http.StatusBadRequest},
			{name: "invalid_json", method: http.MethodPut, path: "/contents/data/shops.json", body: `{`, status: http.StatusBadRequest},
			{name: "dot_dot_segment", method: http.MethodGet, path: "/contents/data/%2E%2E/secret.json", status: http.StatusBadRequest},
			{name: "put_root", method: http.MethodPut, path: "/contents/", body: `{"content":""}`, status: http.StatusBadRequest},
			{name: "missing_file", method: http.MethodGet, path: "/contents/data/nothing.json", status: http.StatusNotFound},
		}

		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				req, err := http.NewRequest(tc.method, ts.URL+tc.path, strings.NewReader(tc.body))
				require.NoError(t, err)
				req.Header.Set("Content-Type", "application/json")
				resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
				require.NoError(t, err)
				defer resp.Body.Close()
				assert.Equal(t, tc.status, resp.StatusCode)
			})
		}
	})
}
