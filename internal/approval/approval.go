// Package approval implements the in-memory registry for human-in-the-loop
// tool-execution approvals. A tool invocation that requires sign-off registers
// a request here and blocks on its resolution; an operator channel (console or
// HTTP API) resolves it. Exactly one terminal transition is observed per
// request, regardless of whether an explicit decision, the timeout, or a
// cancellation reaches it first.
package approval

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for registry operations.
var (
	// ErrUnknownRequest is returned when a request ID is absent. An absent
	// ID is never treated as an implicit approval.
	ErrUnknownRequest = errors.New("unknown approval request")
	// ErrAlreadyDecided is returned when the request has already reached a
	// terminal state.
	ErrAlreadyDecided = errors.New("approval request already decided")
)

// Status represents the state of an approval request.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusRejected
	StatusTimedOut
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusRejected:
		return "rejected"
	case StatusTimedOut:
		return "timed_out"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Request is the record for one pending authorization decision.
// ArgsSummary is a truncated rendering of the tool arguments; the full
// payload never enters the registry.
type Request struct {
	ID          string
	ToolName    string
	ArgsSummary string
	Status      Status
	Timeout     time.Duration
	RequestedAt time.Time
	DecidedAt   time.Time // Zero until a terminal transition.
	DecidedBy   string    // Operator identity; empty for timeout/cancel.
}

// Notice is the pending-approval notification pushed to the front-end so it
// can prompt a human and later call Decide.
type Notice struct {
	ID          string
	ToolName    string
	ArgsSummary string
	Timeout     time.Duration
}

// Notifier receives pending-approval notices. Implementations must return
// quickly: the registry calls this synchronously on the requesting path.
type Notifier interface {
	ApprovalRequested(Notice)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Notice)

func (f NotifierFunc) ApprovalRequested(n Notice) { f(n) }

// AuditSink consumes terminal approval records. The registry never calls it
// while holding its lock.
type AuditSink interface {
	RecordDecision(ctx context.Context, req Request) error
}

// PendingGauge receives the number of requests currently awaiting a decision.
// Satisfied by the observability metrics collector.
type PendingGauge interface {
	SetPendingApprovals(n int)
}

// NopSink discards audit records. Used when the audit trail is disabled.
type NopSink struct{}

func (NopSink) RecordDecision(context.Context, Request) error { return nil }
