package wasend

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrSessionNotFound is returned when the session row does not exist
	// or is not owned by the caller.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotActive is returned on a send attempt with no live
	// connection. The dispatcher records a failed log row before
	// returning it.
	ErrSessionNotActive = errors.New("session has no active connection")

	// ErrMaxRetries marks a session that exhausted its reconnect budget.
	ErrMaxRetries = errors.New("max reconnect attempts exceeded")
)

// RateLimitError is returned by the dispatcher before any network or log
// side effect when the per-session window is exhausted.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// TransportInitError wraps a connect attempt that failed before any
// transport event was observed. The session is marked failed before this
// is raised to the caller.
type TransportInitError struct {
	SessionID int64
	Err       error
}

func (e *TransportInitError) Error() string {
	return fmt.Sprintf("transport init failed for session %d: %v", e.SessionID, e.Err)
}

func (e *TransportInitError) Unwrap() error { return e.Err }

// MediaFetchError reports a failed remote media download.
type MediaFetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *MediaFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media fetch %s failed: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("media fetch %s failed: status %d", e.URL, e.StatusCode)
}

func (e *MediaFetchError) Unwrap() error { return e.Err }
