// Package httpapi implements the HTTP operator API for Idhini.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Per-operator rate limiting via token bucket
//   - All decisions logged with operator identity
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"crypto/subtle"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/idhini/internal/approval"
	"github.com/jkaninda/idhini/internal/ratelimit"
	"github.com/jkaninda/idhini/internal/storage"
	"github.com/jkaninda/okapi"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP operator API.
type Config struct {
	ListenAddr string // e.g., ":8080"
	EnableDocs bool
	APIKeys    map[string]string // API key -> operator ID mapping. Keys from env.

	// Observability
	MetricsRegistry *prometheus.Registry // Custom Prometheus registry for /metrics.
	MetricsPath     string               // Path for metrics endpoint. Default: "/metrics".
}

// Gateway exposes pending approvals, decisions, rate-limit readings, and the
// audit trail to remote operators.
type Gateway struct {
	config   Config
	registry *approval.Registry
	tracker  *ratelimit.Tracker
	audit    *storage.AuditStore // nil = audit endpoint disabled.
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP operator gateway.
func NewGateway(cfg Config, reg *approval.Registry, tracker *ratelimit.Tracker, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		registry: reg,
		tracker:  tracker,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(),
	}
}

// WithAuditStore attaches the decision audit trail to the gateway.
func (g *Gateway) WithAuditStore(store *storage.AuditStore) *Gateway {
	g.audit = store
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Idhini",
			Version: "v0.0.1",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Get("/approvals", g.handleApprovalList,
		okapi.DocSummary("List pending approval requests"),
		okapi.DocTags("Approvals"),
		okapi.DocResponse([]ApprovalResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/approvals/{id}", g.handleApprovalGet,
		okapi.DocSummary("Get an approval request by ID"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Approval request ID (UUID)"),
		okapi.DocResponse(ApprovalResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/approvals/decision", g.handleDecision,
		okapi.DocSummary("Approve or reject a pending tool execution"),
		okapi.DocTags("Approvals"),
		okapi.DocRequestBody(DecisionRequest{}),
		okapi.DocResponse(DecisionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/ratelimits", g.handleRateLimits,
		okapi.DocSummary("Latest provider-reported rate-limit capacity"),
		okapi.DocTags("RateLimits"),
		okapi.DocResponse([]RateLimitResponse{}),
	)
	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	// Audit trail (only if the audit store is configured).
	if g.audit != nil {
		g.group.Get("/audit", g.handleAudit,
			okapi.DocSummary("Recent terminal approval decisions"),
			okapi.DocTags("Audit"),
			okapi.DocResponse([]AuditResponse{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleHealth)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http operator gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http operator gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// ApprovalResponse is the JSON rendering of one approval request.
type ApprovalResponse struct {
	ID          string `json:"id"`
	Tool        string `json:"tool"`
	ArgsSummary string `json:"args_summary"`
	Status      string `json:"status"`
	TimeoutSecs int    `json:"timeout_seconds"`
	RequestedAt string `json:"requested_at"`
	DecidedAt   string `json:"decided_at,omitempty"`
	DecidedBy   string `json:"decided_by,omitempty"`
}

func toApprovalResponse(req approval.Request) ApprovalResponse {
	resp := ApprovalResponse{
		ID:          req.ID,
		Tool:        req.ToolName,
		ArgsSummary: req.ArgsSummary,
		Status:      req.Status.String(),
		TimeoutSecs: int(req.Timeout.Seconds()),
		RequestedAt: req.RequestedAt.Format(time.RFC3339),
		DecidedBy:   req.DecidedBy,
	}
	if !req.DecidedAt.IsZero() {
		resp.DecidedAt = req.DecidedAt.Format(time.RFC3339)
	}
	return resp
}

func (g *Gateway) handleApprovalList(c *okapi.Context) error {
	pending := g.registry.ListPending()
	out := make([]ApprovalResponse, 0, len(pending))
	for _, req := range pending {
		out = append(out, toApprovalResponse(req))
	}
	return c.OK(out)
}

func (g *Gateway) handleApprovalGet(c *okapi.Context) error {
	id := c.Param("id")
	req, err := g.registry.Get(id)
	if err != nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "approval not found"})
	}
	return c.OK(toApprovalResponse(req))
}

// DecisionRequest is the JSON body for POST /v1/approvals/decision.
type DecisionRequest struct {
	ApprovalID string `json:"approval_id"`
	Decision   string `json:"decision"` // "approve" or "reject"
}

// DecisionResponse is the JSON response after a decision.
type DecisionResponse struct {
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"`
	DecidedBy  string `json:"decided_by"`
}

func (g *Gateway) handleDecision(c *okapi.Context) error {
	operatorID := c.GetString("operatorID")
	if operatorID == "" {
		return c.AbortUnauthorized("Unauthorized")
	}

	if g.limiter != nil {
		if err := g.limiter.Allow(operatorID); err != nil {
			// The message carries the retry delay from the limiter.
			return c.AbortTooManyRequests(err.Error())
		}
	}

	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ApprovalID == "" {
		return c.AbortBadRequest("approval_id is required")
	}

	var outcome approval.Status
	switch req.Decision {
	case "approve":
		outcome = approval.StatusApproved
	case "reject", "deny":
		outcome = approval.StatusRejected
	default:
		return c.AbortBadRequest("decision must be \"approve\" or \"reject\"")
	}

	g.logger.Info("http approval decision",
		slog.String("operator_id", operatorID),
		slog.String("approval_id", req.ApprovalID),
		slog.String("decision", req.Decision),
	)

	if err := g.registry.Decide(req.ApprovalID, outcome, operatorID); err != nil {
		return approvalError(c, err)
	}

	return c.OK(DecisionResponse{
		ApprovalID: req.ApprovalID,
		Status:     outcome.String(),
		DecidedBy:  operatorID,
	})
}

// RateLimitResponse is the JSON rendering of one provider capacity sample.
type RateLimitResponse struct {
	Model             string `json:"model"`
	RequestsLimit     int    `json:"requests_limit"`
	RequestsRemaining int    `json:"requests_remaining"`
	TokensLimit       int    `json:"tokens_limit"`
	TokensRemaining   int    `json:"tokens_remaining"`
	ObservedAt        string `json:"observed_at"`
}

func (g *Gateway) handleRateLimits(c *okapi.Context) error {
	samples := g.tracker.All()
	out := make([]RateLimitResponse, 0, len(samples))
	for _, s := range samples {
		out = append(out, RateLimitResponse{
			Model:             s.Model,
			RequestsLimit:     s.RequestsLimit,
			RequestsRemaining: s.RequestsRemaining,
			TokensLimit:       s.TokensLimit,
			TokensRemaining:   s.TokensRemaining,
			ObservedAt:        s.ObservedAt.Format(time.RFC3339),
		})
	}
	return c.OK(out)
}

// AuditResponse is the JSON rendering of one audit trail row.
type AuditResponse struct {
	ApprovalID  string `json:"approval_id"`
	Tool        string `json:"tool"`
	ArgsSummary string `json:"args_summary"`
	Status      string `json:"status"`
	DecidedBy   string `json:"decided_by,omitempty"`
	RequestedAt string `json:"requested_at"`
	DecidedAt   string `json:"decided_at"`
}

const auditPageSize = 50

func (g *Gateway) handleAudit(c *okapi.Context) error {
	records, err := g.audit.Recent(c.Context(), auditPageSize)
	if err != nil {
		g.logger.Error("audit query failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("audit query failed")
	}

	out := make([]AuditResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, AuditResponse{
			ApprovalID:  rec.ApprovalID,
			Tool:        rec.ToolName,
			ArgsSummary: rec.ArgsSummary,
			Status:      rec.Status,
			DecidedBy:   rec.DecidedBy,
			RequestedAt: rec.RequestedAt.Format(time.RFC3339),
			DecidedAt:   rec.DecidedAt.Format(time.RFC3339),
		})
	}
	return c.OK(out)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// --- Middleware ---

func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		operatorID := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				operatorID = id
			}
		}
		if operatorID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("operatorID", operatorID)
		return next(c)
	}
}

// --- Helpers ---

// approvalError maps registry errors to appropriate HTTP responses.
func approvalError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, approval.ErrUnknownRequest):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "approval not found"})
	case errors.Is(err, approval.ErrAlreadyDecided):
		return c.JSON(http.StatusConflict, okapi.M{"error": "approval already decided"})
	default:
		return c.AbortInternalServerError("approval error")
	}
}
