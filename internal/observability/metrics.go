package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Idhini.
// Uses a custom registry, no global state. All record methods are nil-safe
// so callers need no feature checks.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Approval metrics.
	ApprovalsTotal      *prometheus.CounterVec
	ApprovalWaitSeconds prometheus.Histogram
	ApprovalsPending    prometheus.Gauge

	// Tool execution metrics.
	ToolExecutionsTotal   *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	// Budget metrics.
	BudgetChecksTotal *prometheus.CounterVec

	// LLM metrics.
	LLMRequestsTotal *prometheus.CounterVec
	LLMTokensUsed    *prometheus.CounterVec

	// Rate-limit metrics.
	RateLimitRemaining *prometheus.GaugeVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idhini",
			Subsystem: "approval",
			Name:      "decisions_total",
			Help:      "Terminal approval outcomes.",
		}, []string{"outcome"}),

		ApprovalWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "idhini",
			Subsystem: "approval",
			Name:      "wait_seconds",
			Help:      "Time a gated invocation spent waiting for a decision.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),

		ApprovalsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "idhini",
			Subsystem: "approval",
			Name:      "pending",
			Help:      "Approval requests currently awaiting a decision.",
		}),

		ToolExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idhini",
			Subsystem: "tool",
			Name:      "executions_total",
			Help:      "Total tool executions.",
		}, []string{"tool", "status"}),

		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "idhini",
			Subsystem: "tool",
			Name:      "execution_duration_seconds",
			Help:      "Tool execution duration in seconds.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"tool"}),

		BudgetChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idhini",
			Subsystem: "budget",
			Name:      "checks_total",
			Help:      "Token budget check verdicts on the dispatch path.",
		}, []string{"verdict"}),

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idhini",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "model", "status"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idhini",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"model", "direction"}),

		RateLimitRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "idhini",
			Subsystem: "ratelimit",
			Name:      "remaining",
			Help:      "Latest provider-reported remaining capacity.",
		}, []string{"model", "kind"}),
	}

	reg.MustRegister(
		m.ApprovalsTotal,
		m.ApprovalWaitSeconds,
		m.ApprovalsPending,
		m.ToolExecutionsTotal,
		m.ToolExecutionDuration,
		m.BudgetChecksTotal,
		m.LLMRequestsTotal,
		m.LLMTokensUsed,
		m.RateLimitRemaining,
	)

	return m
}

// RecordApproval counts a terminal approval outcome.
func (m *MetricsCollector) RecordApproval(outcome string) {
	if m == nil {
		return
	}
	m.ApprovalsTotal.WithLabelValues(outcome).Inc()
}

// ObserveApprovalWait records how long a gated invocation blocked.
func (m *MetricsCollector) ObserveApprovalWait(d time.Duration) {
	if m == nil {
		return
	}
	m.ApprovalWaitSeconds.Observe(d.Seconds())
}

// SetPendingApprovals updates the pending-approvals gauge.
func (m *MetricsCollector) SetPendingApprovals(n int) {
	if m == nil {
		return
	}
	m.ApprovalsPending.Set(float64(n))
}

// RecordToolExecution counts one tool execution and its duration.
func (m *MetricsCollector) RecordToolExecution(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutionsTotal.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordBudgetCheck counts one budget verdict.
func (m *MetricsCollector) RecordBudgetCheck(verdict string) {
	if m == nil {
		return
	}
	m.BudgetChecksTotal.WithLabelValues(verdict).Inc()
}

// RecordLLMRequest counts one provider round trip and its token usage.
func (m *MetricsCollector) RecordLLMRequest(provider, model, status string, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestsTotal.WithLabelValues(provider, model, status).Inc()
	m.LLMTokensUsed.WithLabelValues(model, "input").Add(float64(inputTokens))
	m.LLMTokensUsed.WithLabelValues(model, "output").Add(float64(outputTokens))
}

// RecordRateLimit exports the latest provider-reported remaining counters.
func (m *MetricsCollector) RecordRateLimit(model string, requestsRemaining, tokensRemaining int) {
	if m == nil {
		return
	}
	m.RateLimitRemaining.WithLabelValues(model, "requests").Set(float64(requestsRemaining))
	m.RateLimitRemaining.WithLabelValues(model, "tokens").Set(float64(tokensRemaining))
}
