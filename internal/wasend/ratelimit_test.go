package wasend

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToMax(t *testing.T) {
	l := NewRateLimiter(30, time.Minute)
	for i := 0; i < 30; i++ {
		if _, allowed := l.CheckAndConsume(1); !allowed {
			t.Fatalf("send %d denied, want allowed", i+1)
		}
	}
	retryAfter, allowed := l.CheckAndConsume(1)
	if allowed {
		t.Fatal("31st send allowed, want denied")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Errorf("retryAfter = %v, want in (0, 1m]", retryAfter)
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewRateLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	l.CheckAndConsume(1)
	l.CheckAndConsume(1)
	if _, allowed := l.CheckAndConsume(1); allowed {
		t.Fatal("third send in window allowed, want denied")
	}

	now = now.Add(time.Minute + time.Second)
	if _, allowed := l.CheckAndConsume(1); !allowed {
		t.Error("send after window expiry denied, want allowed")
	}
}

func TestRateLimiterSessionsAreIndependent(t *testing.T) {
	l := NewRateLimiter(1, time.Minute)
	l.CheckAndConsume(1)
	if _, allowed := l.CheckAndConsume(1); allowed {
		t.Error("session 1 over budget, want denied")
	}
	if _, allowed := l.CheckAndConsume(2); !allowed {
		t.Error("session 2 fresh window denied, want allowed")
	}
}

func TestRateLimiterForget(t *testing.T) {
	l := NewRateLimiter(1, time.Minute)
	l.CheckAndConsume(1)
	l.Forget(1)
	if _, allowed := l.CheckAndConsume(1); !allowed {
		t.Error("send after Forget denied, want allowed")
	}
}
