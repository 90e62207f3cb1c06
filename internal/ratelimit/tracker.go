// Package ratelimit tracks provider-reported rate-limit capacity and applies
// a client-side token bucket on the outbound request path.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Sample holds the most recent remaining-capacity counters reported by the
// provider for one model.
type Sample struct {
	Model             string
	RequestsLimit     int
	RequestsRemaining int
	TokensLimit       int
	TokensRemaining   int
	ObservedAt        time.Time
}

// Tracker records the latest provider-reported counters per model.
// Safe under concurrent updates from parallel response handlers: samples are
// applied whole under one lock, so a reader never sees a limit from one
// response paired with a remaining from another.
type Tracker struct {
	mu      sync.Mutex
	samples map[string]Sample
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{samples: make(map[string]Sample)}
}

// Update records the newest counters for a model. Last applied wins.
func (t *Tracker) Update(model string, s Sample) {
	s.Model = model
	if s.ObservedAt.IsZero() {
		s.ObservedAt = time.Now().UTC()
	}

	t.mu.Lock()
	t.samples[model] = s
	t.mu.Unlock()
}

// Snapshot returns the latest known sample for a model. The second return is
// false when no sample has been recorded. Never blocks on I/O.
func (t *Tracker) Snapshot(model string) (Sample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.samples[model]
	return s, ok
}

// All returns the latest sample for every model seen so far.
func (t *Tracker) All() []Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Sample, 0, len(t.samples))
	for _, s := range t.samples {
		out = append(out, s)
	}
	return out
}

// Anthropic rate-limit response headers.
const (
	headerRequestsLimit     = "Anthropic-Ratelimit-Requests-Limit"
	headerRequestsRemaining = "Anthropic-Ratelimit-Requests-Remaining"
	headerTokensLimit       = "Anthropic-Ratelimit-Tokens-Limit"
	headerTokensRemaining   = "Anthropic-Ratelimit-Tokens-Remaining"
)

// ParseHeaders extracts a rate-limit sample from provider response headers.
// Returns false when no rate-limit headers are present.
func ParseHeaders(h http.Header) (Sample, bool) {
	var s Sample
	found := false
	if v, ok := headerInt(h, headerRequestsLimit); ok {
		s.RequestsLimit = v
		found = true
	}
	if v, ok := headerInt(h, headerRequestsRemaining); ok {
		s.RequestsRemaining = v
		found = true
	}
	if v, ok := headerInt(h, headerTokensLimit); ok {
		s.TokensLimit = v
		found = true
	}
	if v, ok := headerInt(h, headerTokensRemaining); ok {
		s.TokensRemaining = v
		found = true
	}
	if !found {
		return Sample{}, false
	}
	s.ObservedAt = time.Now().UTC()
	return s, true
}

func headerInt(h http.Header, key string) (int, bool) {
	v := h.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
