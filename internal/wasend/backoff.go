package wasend

import (
	"math/rand"
	"time"
)

const (
	defaultBackoffBase = 3 * time.Second
	defaultBackoffCap  = 5 * time.Minute
	backoffJitterRatio = 0.2
)

// BackoffPolicy computes reconnect delays: min(base*2^retry, cap) with
// ±20% uniform jitter. The jitter source is injected so tests can pin it.
type BackoffPolicy struct {
	Base   time.Duration
	Cap    time.Duration
	jitter func() float64 // uniform in [0,1)
}

// NewBackoffPolicy builds a policy with the given jitter source; a nil rng
// falls back to a time-seeded one.
func NewBackoffPolicy(base, cap time.Duration, rng *rand.Rand) *BackoffPolicy {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if cap <= 0 {
		cap = defaultBackoffCap
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &BackoffPolicy{Base: base, Cap: cap, jitter: rng.Float64}
}

// Delay returns the jittered backoff for the given retry count.
func (p *BackoffPolicy) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := p.Base
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= p.Cap {
			d = p.Cap
			break
		}
	}
	// jitter in [-20%, +20%)
	f := 1 + backoffJitterRatio*(2*p.jitter()-1)
	j := time.Duration(float64(d) * f)
	if j > p.Cap {
		j = p.Cap
	}
	return j
}
