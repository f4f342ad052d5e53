package docstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultContentsRequestTimeout  = 10 * time.Second
	defaultContentsMaxRetries      = 4
	defaultContentsInitialInterval = 250 * time.Millisecond
	defaultContentsMaxInterval     = 4 * time.Second

	// maxErrorBodyBytes bounds how much of an error response is kept for messages.
	maxErrorBodyBytes = 512
)

// ContentsClient is the BlobStore for a remote "contents" API:
//
//	GET /contents/{path}?ref={branch}   -> {content: base64, version} | [{name, type}] | 404
//	PUT /contents/{path}                -> {version} | 409/412/422 on a stale version
//
// Network failures, timeouts and 5xx responses map to ErrTransport; 429 (or a
// 403 with an exhausted rate-limit header) maps to ErrRateLimited. Both are
// retried with exponential backoff up to MaxRetries and then surface as
// ErrTemporaryUnavailable. Auth failures and conflicts are never retried here.
type ContentsClient struct {
	BaseURL         string
	Branch          string
	Token           string
	HTTPClient      *http.Client
	RequestTimeout  time.Duration
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	CommitMessage   func(path string) string
	Logger          *slog.Logger
}

// ContentsOption configures a ContentsClient.
type ContentsOption func(*ContentsClient)

// WithContentsBranch sets the branch sent as ref on reads and branch on writes.
func WithContentsBranch(branch string) ContentsOption {
	return func(c *ContentsClient) {
		c.Branch = branch
	}
}

// WithContentsToken sets the bearer token sent with every request.
func WithContentsToken(token string) ContentsOption {
	return func(c *ContentsClient) {
		c.Token = token
	}
}

// WithContentsHTTPClient replaces the default http.Client.
func WithContentsHTTPClient(client *http.Client) ContentsOption {
	return func(c *ContentsClient) {
		if client != nil {
			c.HTTPClient = client
		}
	}
}

// WithContentsRequestTimeout bounds each individual HTTP round trip.
func WithContentsRequestTimeout(d time.Duration) ContentsOption {
	return func(c *ContentsClient) {
		if d > 0 {
			c.RequestTimeout = d
		}
	}
}

// WithContentsRetry sets the retry budget for transient failures.
func WithContentsRetry(maxRetries int, initial, max time.Duration) ContentsOption {
	return func(c *ContentsClient) {
		if maxRetries >= 0 {
			c.MaxRetries = maxRetries
		}
		if initial > 0 {
			c.InitialInterval = initial
		}
		if max > 0 {
			c.MaxInterval = max
		}
	}
}

// WithContentsLogger sets the logger used for retry warnings.
func WithContentsLogger(logger *slog.Logger) ContentsOption {
	return func(c *ContentsClient) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// NewContentsClient creates a client for the contents API rooted at baseURL.
func NewContentsClient(baseURL string, opts ...ContentsOption) *ContentsClient {
	c := &ContentsClient{
		BaseURL:         strings.TrimRight(baseURL, "/"),
		HTTPClient:      &http.Client{},
		RequestTimeout:  defaultContentsRequestTimeout,
		MaxRetries:      defaultContentsMaxRetries,
		InitialInterval: defaultContentsInitialInterval,
		MaxInterval:     defaultContentsMaxInterval,
		Logger:          slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type contentsFile struct {
	Type     string `json:"type,omitempty"`
	Path     string `json:"path,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	Content  string `json:"content"`
	Version  string `json:"version,omitempty"`
	SHA      string `json:"sha,omitempty"`
}

type contentsPutRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	Branch  string `json:"branch,omitempty"`
	Version string `json:"version,omitempty"`
}

type contentsPutResponse struct {
	Version string `json:"version"`
	Content *struct {
		SHA string `json:"sha"`
	} `json:"content,omitempty"`
}

func (c *ContentsClient) Get(ctx context.Context, path string) (*Document, error) {
	path = normalizeKey(path)
	var doc *Document
	err := c.withRetry(ctx, http.MethodGet, path, func(ctx context.Context) error {
		body, err := c.roundTrip(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		if isJSONArray(body) {
			return fmt.Errorf("get %s: path is a directory", path)
		}

		var file contentsFile
		if err := json.Unmarshal(body, &file); err != nil {
			return fmt.Errorf("decode contents of %s: %w", path, err)
		}
		content, err := decodeContent(file.Content)
		if err != nil {
			return fmt.Errorf("decode contents of %s: %w", path, err)
		}
		version := file.Version
		if version == "" {
			version = file.SHA
		}
		doc = &Document{Path: path, Content: content, Version: version}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Put sends one PUT, resending it on transport failures. A resend whose first
// attempt already landed comes back as ErrConflict; OptimisticWriter spots
// that case by comparing the refetched content with what it sent.
func (c *ContentsClient) Put(ctx context.Context, path string, content []byte, expectedVersion string) (string, error) {
	path = normalizeKey(path)
	message := "update " + path
	if c.CommitMessage != nil {
		message = c.CommitMessage(path)
	}
	payload, err := json.Marshal(contentsPutRequest{
		Message: message,
		Content: base64.StdEncoding.EncodeToString(content),
		Branch:  c.Branch,
		Version: expectedVersion,
	})
	if err != nil {
		return "", err
	}

	var version string
	err = c.withRetry(ctx, http.MethodPut, path, func(ctx context.Context) error {
		body, err := c.roundTrip(ctx, http.MethodPut, path, payload)
		if err != nil {
			return err
		}
		var out contentsPutResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return fmt.Errorf("decode put response for %s: %w", path, err)
		}
		version = out.Version
		if version == "" && out.Content != nil {
			version = out.Content.SHA
		}
		if version == "" {
			return fmt.Errorf("put %s: response carried no version", path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return version, nil
}

func (c *ContentsClient) List(ctx context.Context, prefix string) ([]BlobEntry, error) {
	prefix = normalizeKey(prefix)
	var entries []BlobEntry
	err := c.withRetry(ctx, http.MethodGet, prefix, func(ctx context.Context) error {
		body, err := c.roundTrip(ctx, http.MethodGet, prefix, nil)
		if err != nil {
			return err
		}
		if !isJSONArray(body) {
			return fmt.Errorf("list %s: path is a file", prefix)
		}
		var raw []BlobEntry
		if err := json.Unmarshal(body, &raw); err != nil {
			return fmt.Errorf("decode listing of %s: %w", prefix, err)
		}
		entries = make([]BlobEntry, 0, len(raw))
		for _, e := range raw {
			if e.Kind != EntryDir {
				e.Kind = EntryFile
			}
			entries = append(entries, e)
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return []BlobEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// withRetry runs op until it succeeds, fails permanently, or exhausts the
// retry budget for transient errors.
func (c *ContentsClient) withRetry(ctx context.Context, method, path string, op func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(c.MaxRetries, 0))), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op(ctx)
		if err == nil || IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, wait time.Duration) {
		c.logger().WarnContext(ctx, "contents api retry",
			"method", method,
			"path", path,
			"attempt", attempts,
			"wait", wait.String(),
			"error", err,
		)
	})
	if err != nil && IsRetryable(err) {
		return fmt.Errorf("%w: %s %s failed after %d attempts: %w", ErrTemporaryUnavailable, method, path, attempts, err)
	}
	return err
}

// roundTrip performs one bounded HTTP exchange and returns the body of a 2xx
// response. Non-2xx statuses come back as *HTTPStatusError.
func (c *ContentsClient) roundTrip(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout())
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.contentsURL(path, method == http.MethodGet), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: read %s %s: %v", ErrTransport, method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, statusError(method, path, resp, data)
}

func statusError(method, path string, resp *http.Response, body []byte) error {
	e := &HTTPStatusError{
		Method:     method,
		Path:       path,
		StatusCode: resp.StatusCode,
		Message:    errorMessage(body),
	}
	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		e.kind = ErrRateLimited
	case code == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		e.kind = ErrRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e.kind = ErrAuth
	case code == http.StatusNotFound:
		e.kind = ErrNotFound
	case code == http.StatusConflict || code == http.StatusPreconditionFailed || code == http.StatusUnprocessableEntity:
		e.kind = ErrConflict
	case code == http.StatusRequestTimeout || code >= 500:
		e.kind = ErrTransport
	}
	return e
}

func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBodyBytes {
		msg = msg[:maxErrorBodyBytes]
	}
	return msg
}

func (c *ContentsClient) contentsURL(path string, withRef bool) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	u := c.BaseURL + "/contents/" + strings.Join(segments, "/")
	if withRef && c.Branch != "" {
		u += "?ref=" + url.QueryEscape(c.Branch)
	}
	return u
}

func (c *ContentsClient) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}

func (c *ContentsClient) requestTimeout() time.Duration {
	if c.RequestTimeout <= 0 {
		return defaultContentsRequestTimeout
	}
	return c.RequestTimeout
}

func (c *ContentsClient) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func isJSONArray(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// decodeContent accepts base64 with embedded line breaks, as some contents
// APIs wrap encoded payloads at 60 columns.
func decodeContent(s string) ([]byte, error) {
	s = strings.NewReplacer("\n", "", "\r", "").Replace(s)
	return base64.StdEncoding.DecodeString(s)
}
