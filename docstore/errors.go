package docstore

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrConflict = errors.New("document version conflict")

	ErrRateLimited = errors.New("backing api rate limited")
	ErrTransport   = errors.New("backing api transport error")
	ErrAuth        = errors.New("backing api rejected credentials")

	ErrConcurrentModification = errors.New("concurrent modification")
	ErrTemporaryUnavailable   = errors.New("backing api temporarily unavailable")

	ErrWriteLeaseConflict = errors.New("write lease conflict")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrStaleRevision      = errors.New("edit based on a stale revision")
)

// HTTPStatusError reports a non-success response from the contents API.
// It wraps the sentinel the status maps to, so errors.Is keeps working.
type HTTPStatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	kind       error
}

func (e *HTTPStatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
}

func (e *HTTPStatusError) Unwrap() error {
	return e.kind
}

// IsRetryable reports whether err is a transient backing-API failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrRateLimited)
}

func invalidArgf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
