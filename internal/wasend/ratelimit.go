package wasend

import (
	"sync"
	"time"
)

const (
	defaultRateLimitMax    = 30
	defaultRateLimitWindow = time.Minute
)

type rateEntry struct {
	count   int
	resetAt time.Time
}

// RateLimiter is a per-session fixed-window outbound counter. Entries are
// reset lazily whenever the current time passes the window boundary.
type RateLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[int64]*rateEntry
	now     func() time.Time
}

func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = defaultRateLimitMax
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	return &RateLimiter{
		max:     max,
		window:  window,
		entries: make(map[int64]*rateEntry),
		now:     time.Now,
	}
}

// CheckAndConsume consumes one send slot for the session. When the window
// is exhausted it denies and reports how long until the window resets.
func (l *RateLimiter) CheckAndConsume(sessionID int64) (retryAfter time.Duration, allowed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[sessionID]
	if !ok || now.After(e.resetAt) {
		l.entries[sessionID] = &rateEntry{count: 1, resetAt: now.Add(l.window)}
		return 0, true
	}
	if e.count < l.max {
		e.count++
		return 0, true
	}
	return e.resetAt.Sub(now), false
}

// Forget drops the session's window state, used on session teardown.
func (l *RateLimiter) Forget(sessionID int64) {
	l.mu.Lock()
	delete(l.entries, sessionID)
	l.mu.Unlock()
}
