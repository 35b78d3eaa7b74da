package pipeline

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff computes exponential retry delays with jitter. Zero value is not
// usable; use NewBackoff. Safe for concurrent use: the pipeline workers share
// one instance.
type Backoff struct {
	base   time.Duration
	cap    time.Duration
	jitter float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBackoff builds the standard retry schedule: base doubling per attempt,
// capped, with +-jitter applied uniformly.
func NewBackoff(base, cap time.Duration, jitter float64) *Backoff {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if cap <= 0 {
		cap = 5 * time.Second
	}
	if jitter <= 0 {
		jitter = 0.2
	}
	return &Backoff{
		base:   base,
		cap:    cap,
		jitter: jitter,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the wait before retry attempt n (first retry is attempt 1).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.base << (attempt - 1)
	if d > b.cap || d <= 0 {
		d = b.cap
	}
	b.mu.Lock()
	f := b.rng.Float64()
	b.mu.Unlock()
	spread := 1 + b.jitter*(2*f-1)
	return time.Duration(float64(d) * spread)
}
