package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry tracks pending and decided approval requests. It owns the request
// table and the per-request wait/notify primitives; all three resolution
// paths (explicit decision, timeout, cancellation) serialize on one mutex and
// check-then-set the state under it, so exactly one terminal transition wins.
type Registry struct {
	mu       sync.Mutex
	requests map[string]*pending
	notifier Notifier
	sink     AuditSink
	gauge    PendingGauge // optional
	logger   *slog.Logger
}

// pending pairs a request record with its wait primitive. resolved is closed
// exactly once, on the request's single terminal transition.
type pending struct {
	req      Request
	resolved chan struct{}
}

// NewRegistry creates a registry. Both collaborators are required at
// construction: a registry without an operator channel or an audit sink is a
// wiring error, not a silent no-op.
func NewRegistry(notifier Notifier, sink AuditSink, logger *slog.Logger) (*Registry, error) {
	if notifier == nil {
		return nil, fmt.Errorf("approval registry requires a notifier")
	}
	if sink == nil {
		return nil, fmt.Errorf("approval registry requires an audit sink (use NopSink to disable)")
	}
	return &Registry{
		requests: make(map[string]*pending),
		notifier: notifier,
		sink:     sink,
		logger:   logger,
	}, nil
}

// WithMetrics attaches a gauge tracking the pending-request count.
func (r *Registry) WithMetrics(g PendingGauge) *Registry {
	r.gauge = g
	return r
}

// Request creates a Pending record, notifies the operator channel, and
// returns the new request ID. It never blocks on waiters.
func (r *Registry) Request(toolName, argsSummary string, timeout time.Duration) (string, error) {
	if toolName == "" {
		return "", fmt.Errorf("tool name is required")
	}
	if timeout <= 0 {
		return "", fmt.Errorf("approval timeout must be positive, got %s", timeout)
	}

	p := &pending{
		req: Request{
			ID:          uuid.NewString(),
			ToolName:    toolName,
			ArgsSummary: argsSummary,
			Status:      StatusPending,
			Timeout:     timeout,
			RequestedAt: time.Now().UTC(),
		},
		resolved: make(chan struct{}),
	}

	r.mu.Lock()
	r.requests[p.req.ID] = p
	n := r.pendingLocked()
	r.mu.Unlock()

	if r.gauge != nil {
		r.gauge.SetPendingApprovals(n)
	}

	r.logger.Info("approval requested",
		slog.String("approval_id", p.req.ID),
		slog.String("tool", toolName),
		slog.String("args", argsSummary),
		slog.Duration("timeout", timeout),
	)

	r.notifier.ApprovalRequested(Notice{
		ID:          p.req.ID,
		ToolName:    toolName,
		ArgsSummary: argsSummary,
		Timeout:     timeout,
	})

	return p.req.ID, nil
}

// Decide transitions a Pending request to Approved or Rejected and wakes any
// blocked waiter. Returns ErrUnknownRequest if the ID is absent and
// ErrAlreadyDecided if the request already reached a terminal state.
func (r *Registry) Decide(id string, outcome Status, decider string) error {
	if outcome != StatusApproved && outcome != StatusRejected {
		return fmt.Errorf("invalid decision outcome %q", outcome)
	}
	return r.transition(id, outcome, decider)
}

// Cancel transitions a Pending request to Cancelled and wakes any blocked
// waiter promptly, independent of the configured timeout.
func (r *Registry) Cancel(id string) error {
	return r.transition(id, StatusCancelled, "")
}

// transition is the single writer of terminal state. All resolution paths
// funnel through it.
func (r *Registry) transition(id string, outcome Status, decider string) error {
	r.mu.Lock()
	p, ok := r.requests[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownRequest
	}
	if p.req.Status != StatusPending {
		r.mu.Unlock()
		return ErrAlreadyDecided
	}
	p.req.Status = outcome
	p.req.DecidedAt = time.Now().UTC()
	p.req.DecidedBy = decider
	close(p.resolved)
	rec := p.req
	n := r.pendingLocked()
	r.mu.Unlock()

	if r.gauge != nil {
		r.gauge.SetPendingApprovals(n)
	}

	r.logger.Info("approval resolved",
		slog.String("approval_id", id),
		slog.String("tool", rec.ToolName),
		slog.String("status", outcome.String()),
		slog.String("decided_by", decider),
	)

	// Audit I/O happens outside the lock.
	if err := r.sink.RecordDecision(context.Background(), rec); err != nil {
		r.logger.Error("recording approval decision",
			slog.String("approval_id", id),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// WaitForDecision blocks until the request reaches a terminal state, the
// timeout elapses, or ctx is cancelled. The timeout path transitions
// Pending -> TimedOut and the ctx path Pending -> Cancelled; if an explicit
// decision lands first, that decision wins. The returned status is the single
// terminal state every waiter observes.
func (r *Registry) WaitForDecision(ctx context.Context, id string, timeout time.Duration) (Status, error) {
	r.mu.Lock()
	p, ok := r.requests[id]
	if !ok {
		r.mu.Unlock()
		return StatusPending, ErrUnknownRequest
	}
	if p.req.Status.Terminal() {
		st := p.req.Status
		r.mu.Unlock()
		return st, nil
	}
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.resolved:
	case <-timer.C:
		// ErrAlreadyDecided means a decision beat the timer; either way the
		// request is terminal now.
		_ = r.transition(id, StatusTimedOut, "")
	case <-ctx.Done():
		_ = r.transition(id, StatusCancelled, "")
	}

	r.mu.Lock()
	st := p.req.Status
	r.mu.Unlock()
	return st, nil
}

// pendingLocked counts requests still awaiting a decision. Caller holds mu.
func (r *Registry) pendingLocked() int {
	n := 0
	for _, p := range r.requests {
		if p.req.Status == StatusPending {
			n++
		}
	}
	return n
}

// Get returns a copy of the request record.
func (r *Registry) Get(id string) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.requests[id]
	if !ok {
		return Request{}, ErrUnknownRequest
	}
	return p.req, nil
}

// ListPending returns all pending requests, oldest first.
func (r *Registry) ListPending() []Request {
	r.mu.Lock()
	out := make([]Request, 0, len(r.requests))
	for _, p := range r.requests {
		if p.req.Status == StatusPending {
			out = append(out, p.req)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

// sweep removes decided requests older than the retention window. Pending
// requests are never removed, so a blocked waiter always finds its record.
func (r *Registry) sweep(retention time.Duration) int {
	cutoff := time.Now().UTC().Add(-retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, p := range r.requests {
		if p.req.Status.Terminal() && p.req.DecidedAt.Before(cutoff) {
			delete(r.requests, id)
			removed++
		}
	}
	return removed
}
