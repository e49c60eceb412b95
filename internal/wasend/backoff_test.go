package wasend

import (
	"math/rand"
	"testing"
	"time"
)

func TestBackoffDelayWithinJitterBounds(t *testing.T) {
	p := NewBackoffPolicy(3*time.Second, 5*time.Minute, rand.New(rand.NewSource(42)))

	for retry := 0; retry < 6; retry++ {
		base := 3 * time.Second << uint(retry)
		if base > 5*time.Minute {
			base = 5 * time.Minute
		}
		lo := time.Duration(float64(base) * 0.8)
		hi := time.Duration(float64(base) * 1.2)
		for i := 0; i < 50; i++ {
			d := p.Delay(retry)
			if d < lo || d > hi {
				t.Fatalf("Delay(%d) = %v, want in [%v, %v]", retry, d, lo, hi)
			}
		}
	}
}

func TestBackoffDelayNeverExceedsCap(t *testing.T) {
	p := NewBackoffPolicy(3*time.Second, 5*time.Minute, rand.New(rand.NewSource(7)))
	for i := 0; i < 100; i++ {
		if d := p.Delay(30); d > 5*time.Minute {
			t.Fatalf("Delay(30) = %v, want <= 5m", d)
		}
	}
}

func TestBackoffNegativeRetryTreatedAsZero(t *testing.T) {
	p := NewBackoffPolicy(time.Second, time.Minute, rand.New(rand.NewSource(1)))
	d := p.Delay(-3)
	if d < 800*time.Millisecond || d > 1200*time.Millisecond {
		t.Errorf("Delay(-3) = %v, want around base", d)
	}
}
