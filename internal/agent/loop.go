package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/idhini/internal/budget"
	"github.com/jkaninda/idhini/internal/config"
	"github.com/jkaninda/idhini/internal/gate"
	"github.com/jkaninda/idhini/internal/llm"
	"github.com/jkaninda/idhini/internal/observability"
	"github.com/jkaninda/idhini/internal/ratelimit"
	"github.com/jkaninda/idhini/internal/tools"
)

const systemPrompt = `You are Idhini, a careful operations assistant.
Use the available tools when they help. Some tools require human approval
before they run; a denied tool call is not an error in your reasoning:
explain the denial to the user and continue.`

// Agent runs the conversation loop. All collaborators are injected at
// construction; a missing one fails there, never silently at dispatch time.
type Agent struct {
	provider llm.Provider
	registry *tools.Registry
	gate     *gate.Gate
	guard    *budget.Guard
	limiter  *ratelimit.Limiter
	tracker  *ratelimit.Tracker
	store    *config.Store
	obs      *observability.Observability
	metrics  *observability.MetricsCollector // nil-safe
	logger   *slog.Logger

	mu      sync.Mutex
	history []llm.Message
}

// New creates an agent. provider, registry, gate, guard, limiter, tracker
// and store are all required.
func New(provider llm.Provider, registry *tools.Registry, g *gate.Gate, guard *budget.Guard,
	limiter *ratelimit.Limiter, tracker *ratelimit.Tracker, store *config.Store,
	obs *observability.Observability, logger *slog.Logger) (*Agent, error) {
	switch {
	case provider == nil:
		return nil, fmt.Errorf("agent requires an llm provider")
	case registry == nil:
		return nil, fmt.Errorf("agent requires a tool registry")
	case g == nil:
		return nil, fmt.Errorf("agent requires an execution gate")
	case guard == nil:
		return nil, fmt.Errorf("agent requires a budget guard")
	case limiter == nil:
		return nil, fmt.Errorf("agent requires a rate limiter")
	case tracker == nil:
		return nil, fmt.Errorf("agent requires a rate-limit tracker")
	case store == nil:
		return nil, fmt.Errorf("agent requires a config store")
	}
	return &Agent{
		provider: provider,
		registry: registry,
		gate:     g,
		guard:    guard,
		limiter:  limiter,
		tracker:  tracker,
		store:    store,
		obs:      obs,
		metrics:  obs.MetricsOrNil(),
		logger:   logger,
	}, nil
}

// Process sends a user message through the conversation loop, dispatching any
// requested tool invocations through the gate, and returns the final answer.
func (a *Agent) Process(ctx context.Context, input *Input) (*Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.obs != nil && a.obs.Tracer != nil {
		var span trace.Span
		ctx, span = a.obs.Tracer.Tracer().Start(ctx, "agent.process",
			trace.WithAttributes(
				attribute.String("correlation_id", input.CorrelationID),
			))
		defer span.End()
	}

	snap, err := a.store.Get()
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a.history = append(a.history, llm.Message{Role: llm.RoleUser, Content: input.Message})

	resp := &Response{}
	for i := 0; i < DefaultMaxIterations; i++ {
		req := &llm.Request{
			Model:        snap.Model,
			SystemPrompt: systemPrompt,
			Messages:     a.history,
			Tools:        a.toolDefinitions(),
		}

		modelResp, err := a.dispatch(ctx, snap.Model, req, input.CorrelationID)
		if err != nil {
			return nil, err
		}

		resp.TokensUsed += modelResp.Usage.InputTokens + modelResp.Usage.OutputTokens

		if !modelResp.HasToolUse() {
			a.history = append(a.history, llm.Message{Role: llm.RoleAssistant, Content: modelResp.Content})
			resp.Message = modelResp.Content
			return resp, nil
		}

		a.history = append(a.history, llm.Message{Role: llm.RoleAssistant, ContentBlocks: modelResp.ContentBlocks})

		var results []llm.ContentBlock
		for _, call := range modelResp.ToolUseBlocks() {
			block, summary := a.runTool(ctx, call)
			results = append(results, block)
			resp.ToolResults = append(resp.ToolResults, summary)
		}
		a.history = append(a.history, llm.Message{Role: llm.RoleUser, ContentBlocks: results})
	}

	return nil, fmt.Errorf("%w (%d)", ErrMaxIterations, DefaultMaxIterations)
}

// dispatch performs the budget check, client-side rate limiting, the provider
// call, and the post-response rate-limit bookkeeping. The budget check is a
// hard stop raised before any network I/O.
func (a *Agent) dispatch(ctx context.Context, model string, req *llm.Request, correlationID string) (*llm.Response, error) {
	verdict, err := a.guard.Check(req.PromptText())
	a.metrics.RecordBudgetCheck(verdict.String())
	if err != nil {
		return nil, err
	}

	if err := a.limiter.Allow(model); err != nil {
		return nil, fmt.Errorf("client-side limit for model %s: %w", model, err)
	}

	modelResp, err := a.provider.SendMessage(ctx, req)
	if err != nil {
		a.metrics.RecordLLMRequest(a.provider.Name(), model, "error", 0, 0)
		return nil, fmt.Errorf("llm request: %w", err)
	}
	a.metrics.RecordLLMRequest(a.provider.Name(), model, "success",
		modelResp.Usage.InputTokens, modelResp.Usage.OutputTokens)

	if sample, ok := a.tracker.Snapshot(model); ok {
		a.metrics.RecordRateLimit(model, sample.RequestsRemaining, sample.TokensRemaining)
		a.logger.DebugContext(ctx, "rate-limit capacity",
			slog.String("model", model),
			slog.String("correlation_id", correlationID),
			slog.Int("requests_remaining", sample.RequestsRemaining),
			slog.Int("tokens_remaining", sample.TokensRemaining),
		)
	}

	return modelResp, nil
}

// runTool dispatches one tool_use block through the gate and renders the
// outcome as a tool_result content block. Denials keep their distinct
// reasons so the model (and the user) can tell a rejection from a timeout.
func (a *Agent) runTool(ctx context.Context, call llm.ContentBlock) (llm.ContentBlock, ToolCallResult) {
	summary := ToolCallResult{ToolName: call.Name}

	tool := a.registry.Get(call.Name)
	if tool == nil {
		return llm.ToolResultBlock(call.ID, fmt.Sprintf("unknown tool %q", call.Name), true), summary
	}

	outcome := a.gate.Execute(ctx, tool, call.Input)
	switch {
	case outcome.Executed():
		summary.Executed = true
		return llm.ToolResultBlock(call.ID, outcome.Result.Output, !outcome.Result.Success), summary
	case outcome.Denied():
		summary.DenyReason = outcome.Reason
		return llm.ToolResultBlock(call.ID, denialText(outcome.Reason), true), summary
	default:
		return llm.ToolResultBlock(call.ID, outcome.Err.Error(), true), summary
	}
}

func denialText(reason gate.DenyReason) string {
	switch reason {
	case gate.DenyRejected:
		return "tool execution rejected by the operator"
	case gate.DenyTimedOut:
		return "approval request timed out before a decision"
	case gate.DenyCancelled:
		return "approval request was cancelled"
	default:
		return "tool execution denied"
	}
}

func (a *Agent) toolDefinitions() []llm.ToolDefinition {
	all := a.registry.All()
	defs := make([]llm.ToolDefinition, len(all))
	for i, t := range all {
		defs[i] = llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		}
	}
	return defs
}

// Reset clears the conversation history.
func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = nil
}
