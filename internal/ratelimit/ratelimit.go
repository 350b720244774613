// Package ratelimit implements the per-process Rate Limiter: a
// mutex-serialized minimum-interval gate between dispatches, with wait or
// reject semantics depending on configuration.
package ratelimit

import (
	"sync"
	"time"

	"github.com/Laisky/codeassist-proxy/internal/metrics"
)

// ErrRateLimited is returned by Acquire in reject mode when the minimum
// interval has not yet elapsed.
type ErrRateLimited struct{}

func (ErrRateLimited) Error() string { return "rate limit: minimum interval not elapsed" }

// Limiter enforces a minimum interval between successive dispatches.
type Limiter struct {
	mu           sync.Mutex
	minInterval  time.Duration
	wait         bool
	lastDispatch time.Time
}

// New constructs a Limiter. wait selects the blocking-vs-rejecting
// behavior when the interval has not elapsed.
func New(minInterval time.Duration, wait bool) *Limiter {
	return &Limiter{minInterval: minInterval, wait: wait}
}

// Acquire blocks (if configured to wait) or returns ErrRateLimited (if
// not) until the minimum interval since the last dispatch has elapsed,
// then records the new dispatch time and returns nil.
//
// A minInterval of zero is always a no-op pass-through.
func (l *Limiter) Acquire() error {
	if l.minInterval <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if l.lastDispatch.IsZero() {
		l.lastDispatch = now
		return nil
	}

	elapsed := now.Sub(l.lastDispatch)
	if elapsed >= l.minInterval {
		l.lastDispatch = now
		return nil
	}

	shortfall := l.minInterval - elapsed
	if !l.wait {
		metrics.Global.RateLimitRejected()
		return ErrRateLimited{}
	}

	time.Sleep(shortfall)
	metrics.Global.RateLimitWaited(shortfall)
	l.lastDispatch = time.Now()
	return nil
}
