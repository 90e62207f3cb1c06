package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited is returned when a key has exhausted its quota.
var ErrRateLimited = errors.New("rate limit exceeded")

// LimitError reports a rejected request together with the earliest delay
// after which a retry can succeed. It matches ErrRateLimited under errors.Is.
type LimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry in %s", e.Key, e.RetryAfter)
}

func (e *LimitError) Is(target error) bool { return target == ErrRateLimited }

// Config configures the rate limiter.
type Config struct {
	RequestsPerMinute int // Sustained rate. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Requests that may arrive back to back. 0 = defaults to RequestsPerMinute.
}

// Keys idle long enough to admit a full burst carry no state worth keeping;
// every sweepEvery calls the limiter drops them so the map stays bounded.
const sweepEvery = 256

// Limiter enforces a sustained per-key request rate with bounded bursts.
// The dispatch path keys it by model; the HTTP gateway keys it by operator.
//
// Rather than counting tokens, each key carries a single virtual arrival
// time that advances by one interval per admitted request. A request is
// admitted while that time has not run more than the burst slack ahead of
// the clock. No background goroutines.
type Limiter struct {
	mu       sync.Mutex
	arrivals map[string]time.Time
	interval time.Duration // spacing between sustained requests
	slack    time.Duration // how far ahead of now an arrival may run
	calls    int
	now      func() time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		return &Limiter{now: time.Now}
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	interval := time.Minute / time.Duration(cfg.RequestsPerMinute)
	return &Limiter{
		arrivals: make(map[string]time.Time),
		interval: interval,
		slack:    time.Duration(burst-1) * interval,
		now:      time.Now,
	}
}

// Allow admits one request for key, or returns a *LimitError wrapping
// ErrRateLimited when the key must wait.
func (l *Limiter) Allow(key string) error {
	// Unlimited mode.
	if l.interval == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.calls++
	if l.calls%sweepEvery == 0 {
		l.sweep(now)
	}

	next := l.arrivals[key]
	if next.Before(now) {
		next = now
	}
	if ahead := next.Sub(now); ahead > l.slack {
		return &LimitError{Key: key, RetryAfter: ahead - l.slack}
	}
	l.arrivals[key] = next.Add(l.interval)
	return nil
}

// sweep drops keys whose arrival time has fallen behind the clock; a fresh
// entry would behave identically for them.
func (l *Limiter) sweep(now time.Time) {
	for key, next := range l.arrivals {
		if !next.After(now) {
			delete(l.arrivals, key)
		}
	}
}
