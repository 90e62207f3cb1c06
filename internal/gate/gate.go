// Package gate mediates tool invocations behind the human-in-the-loop
// approval flow. The gate is the single call site that both registers an
// approval request and awaits its resolution; the underlying tool is never
// invoked before the gate observes an Approved terminal state.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/idhini/internal/approval"
	"github.com/jkaninda/idhini/internal/config"
	"github.com/jkaninda/idhini/internal/observability"
	"github.com/jkaninda/idhini/internal/tools"
)

// DenyReason distinguishes why an approval-gated invocation was denied.
// Callers can react differently to each (e.g. retry after a rejection,
// abandon after a timeout), so the gate never collapses them.
type DenyReason int

const (
	DenyNone DenyReason = iota
	DenyRejected
	DenyTimedOut
	DenyCancelled
)

func (d DenyReason) String() string {
	switch d {
	case DenyRejected:
		return "rejected"
	case DenyTimedOut:
		return "timed_out"
	case DenyCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// Outcome is the result of a gated invocation: exactly one of Executed,
// Denied, or Failed holds.
type Outcome struct {
	Result *tools.Result // Set only when the tool executed.
	Reason DenyReason    // Set only when the invocation was denied.
	Err    error         // Set only when execution failed.

	ApprovalID string // Set when an approval request was registered.
}

// Executed reports whether the tool ran and produced a result.
func (o Outcome) Executed() bool { return o.Result != nil && o.Err == nil }

// Denied reports whether an operator decision (or its absence) blocked the run.
func (o Outcome) Denied() bool { return o.Reason != DenyNone }

// Failed reports whether the invocation failed with an error.
func (o Outcome) Failed() bool { return o.Err != nil }

// ExecutionError wraps the underlying tool error with the tool name and the
// argument summary. It is propagated to the agent loop, never discarded.
type ExecutionError struct {
	Tool        string
	ArgsSummary string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed (args %s): %v", e.Tool, e.ArgsSummary, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Gate executes tools, consulting the approval registry for tools that
// require sign-off. Concurrent Execute calls are independent.
type Gate struct {
	registry *approval.Registry
	store    *config.Store
	obs      *observability.Observability
	metrics  *observability.MetricsCollector // nil-safe
	logger   *slog.Logger
}

// NewGate creates a gate. The registry and config store are required:
// a gate without them is a wiring error surfaced at construction, not a
// silent pass-through.
func NewGate(reg *approval.Registry, store *config.Store, obs *observability.Observability, logger *slog.Logger) (*Gate, error) {
	if reg == nil {
		return nil, fmt.Errorf("gate requires an approval registry")
	}
	if store == nil {
		return nil, fmt.Errorf("gate requires a config store")
	}
	return &Gate{
		registry: reg,
		store:    store,
		obs:      obs,
		metrics:  obs.MetricsOrNil(),
		logger:   logger,
	}, nil
}

// Execute runs a tool invocation. Tools that require approval block until an
// operator decides, the configured timeout elapses, or ctx is cancelled.
func (g *Gate) Execute(ctx context.Context, tool tools.Tool, params map[string]any) Outcome {
	summary := tools.SummarizeArgs(params)

	if err := tool.Validate(params); err != nil {
		return g.failed(tool.Name(), summary, fmt.Errorf("invalid parameters: %w", err))
	}

	if !tool.RequiresApproval() {
		return g.invoke(ctx, tool, params, summary, "")
	}

	snap, err := g.store.Get()
	if err != nil {
		return g.failed(tool.Name(), summary, fmt.Errorf("reading config: %w", err))
	}

	id, err := g.registry.Request(tool.Name(), summary, snap.ApprovalTimeout)
	if err != nil {
		return g.failed(tool.Name(), summary, fmt.Errorf("registering approval request: %w", err))
	}

	var span trace.Span
	if g.obs != nil && g.obs.Tracer != nil {
		ctx, span = g.obs.Tracer.Tracer().Start(ctx, "gate.approval_wait",
			trace.WithAttributes(
				attribute.String("tool", tool.Name()),
				attribute.String("approval_id", id),
			))
	}

	waitStart := time.Now()
	status, err := g.registry.WaitForDecision(ctx, id, snap.ApprovalTimeout)
	g.metrics.ObserveApprovalWait(time.Since(waitStart))
	if span != nil {
		span.SetAttributes(attribute.String("status", status.String()))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	if err != nil {
		return g.failed(tool.Name(), summary, fmt.Errorf("awaiting approval %s: %w", id, err))
	}

	g.metrics.RecordApproval(status.String())

	switch status {
	case approval.StatusApproved:
		return g.invoke(ctx, tool, params, summary, id)
	case approval.StatusRejected:
		return g.denied(tool.Name(), id, DenyRejected)
	case approval.StatusTimedOut:
		return g.denied(tool.Name(), id, DenyTimedOut)
	case approval.StatusCancelled:
		return g.denied(tool.Name(), id, DenyCancelled)
	default:
		return g.failed(tool.Name(), summary, fmt.Errorf("unexpected approval status %q for %s", status, id))
	}
}

func (g *Gate) invoke(ctx context.Context, tool tools.Tool, params map[string]any, summary, approvalID string) Outcome {
	start := time.Now()
	result, err := tool.Execute(ctx, params)
	if err != nil {
		g.metrics.RecordToolExecution(tool.Name(), "error", time.Since(start))
		return g.failed(tool.Name(), summary, err)
	}

	status := "success"
	if !result.Success {
		status = "failure"
	}
	g.metrics.RecordToolExecution(tool.Name(), status, time.Since(start))

	g.logger.Info("tool executed",
		slog.String("tool", tool.Name()),
		slog.Bool("success", result.Success),
		slog.String("approval_id", approvalID),
	)
	return Outcome{Result: result, ApprovalID: approvalID}
}

func (g *Gate) denied(toolName, approvalID string, reason DenyReason) Outcome {
	g.logger.Warn("tool execution denied",
		slog.String("tool", toolName),
		slog.String("approval_id", approvalID),
		slog.String("reason", reason.String()),
	)
	return Outcome{Reason: reason, ApprovalID: approvalID}
}

func (g *Gate) failed(toolName, summary string, err error) Outcome {
	execErr := &ExecutionError{Tool: toolName, ArgsSummary: summary, Err: err}
	g.logger.Error("tool execution failed",
		slog.String("tool", toolName),
		slog.String("error", err.Error()),
	)
	return Outcome{Err: execErr}
}
