// Package httpapi implements the HTTP API gateway for Guardian.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-principal rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/guardian/internal/approval"
	"github.com/jkaninda/guardian/internal/gateway"
	"github.com/jkaninda/guardian/internal/observability"
	"github.com/jkaninda/guardian/internal/ratelimit"
	"github.com/jkaninda/okapi"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	defaultWriteTimeout   = 60 * time.Second
	principalKey          = "principal"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8484"
	EnableDocs     bool
	MaxRequestSize int64         // Maximum request body in bytes. 0 = 1 MB default.
	WriteTimeout   time.Duration // Must exceed the approval timeout, since /v1/evaluate waits on humans.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	service *Service
	auth    *Authorizer
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket approver endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway. rl may be nil for no rate limiting.
func NewGateway(cfg Config, svc *Service, auth *Authorizer, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if auth == nil {
		auth = NewAuthorizer(nil)
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		service: svc,
		auth:    auth,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithOpenAPIDocs enables the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Guardian",
			Version: "v1",
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Useful for adding the WebSocket approver endpoint alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return limitBody(g.config.MaxRequestSize, next)
	})
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/evaluate", g.handleEvaluate,
		okapi.DocSummary("Evaluate a tool call"),
		okapi.DocTags("Decisions"),
		okapi.DocRequestBody(EvaluateRequest{}),
		okapi.DocResponse(EvaluateResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/approvals", g.handleApprovalList,
		okapi.DocSummary("List pending approvals"),
		okapi.DocTags("Approvals"),
		okapi.DocResponse([]approval.Record{}),
	)
	g.group.Get("/approvals/{id}", g.handleApprovalGet,
		okapi.DocSummary("Get a pending approval"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Approval ID"),
		okapi.DocResponse(approval.Record{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/approvals/{id}/resolve", g.handleApprovalResolve,
		okapi.DocSummary("Allow or deny a pending approval"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Approval ID"),
		okapi.DocRequestBody(ResolveRequest{}),
		okapi.DocResponse(ResolveResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/budget", g.handleBudget,
		okapi.DocSummary("Global budget status"),
		okapi.DocTags("Budget"),
	)
	g.group.Get("/budget/{agent_id}", g.handleBudget,
		okapi.DocSummary("Budget status for one agent"),
		okapi.DocTags("Budget"),
		okapi.DocPathParam("agent_id", "string", "Agent ID"),
	)
	g.group.Post("/session/reset", g.handleSessionReset,
		okapi.DocSummary("Start a new session"),
		okapi.DocTags("Session"),
		okapi.DocResponse(okapi.M{}),
	)
	g.group.Get("/audit", g.handleAudit,
		okapi.DocSummary("Recent decisions"),
		okapi.DocTags("Audit"),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/audit/{agent_id}", g.handleAudit,
		okapi.DocSummary("Recent decisions for one agent"),
		okapi.DocTags("Audit"),
		okapi.DocPathParam("agent_id", "string", "Agent ID"),
	)

	// Extra handlers (e.g., WebSocket approver endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

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

	writeTimeout := g.config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting",
		slog.String("addr", g.config.ListenAddr),
		slog.Bool("auth", g.auth.Enabled()),
	)
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

func (g *Gateway) handleEvaluate(c *okapi.Context) error {
	var req EvaluateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	resp, err := g.service.Evaluate(c.Context(), c.GetString(principalKey), req)
	if err != nil {
		return serviceError(c, err)
	}
	return c.OK(resp)
}

func (g *Gateway) handleApprovalList(c *okapi.Context) error {
	return c.OK(g.service.ListApprovals())
}

func (g *Gateway) handleApprovalGet(c *okapi.Context) error {
	rec, err := g.service.GetApproval(c.Param("id"))
	if err != nil {
		return serviceError(c, err)
	}
	return c.OK(rec)
}

func (g *Gateway) handleApprovalResolve(c *okapi.Context) error {
	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	resp, err := g.service.ResolveApproval(c.Context(), c.Param("id"), c.GetString(principalKey), req)
	if err != nil {
		return serviceError(c, err)
	}
	return c.OK(resp)
}

func (g *Gateway) handleBudget(c *okapi.Context) error {
	return c.OK(g.service.Budget(c.Context(), c.Param("agent_id")))
}

func (g *Gateway) handleSessionReset(c *okapi.Context) error {
	g.service.ResetSession(c.Context(), c.GetString(principalKey))
	return c.OK(okapi.M{"status": "reset"})
}

func (g *Gateway) handleAudit(c *okapi.Context) error {
	events, err := g.service.Audit(c.Context(), c.Param("agent_id"), 0)
	if err != nil {
		return serviceError(c, err)
	}
	return c.OK(events)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key, stores the principal and applies the rate limit.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		principal, ok := g.auth.Check(c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		if g.limiter != nil {
			if err := g.limiter.Allow(rateKey(principal, c.Header("X-Forwarded-For"))); err != nil {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
		}
		c.Set(principalKey, principal)
		return next(c)
	}
}

// --- Helpers ---

// serviceError maps service errors to appropriate HTTP responses.
func serviceError(c *okapi.Context, err error) error {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		return c.AbortInternalServerError("internal error")
	}
	return c.JSON(code, okapi.M{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, approval.ErrInvalidDecision):
		return http.StatusBadRequest
	case errors.Is(err, approval.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAuditUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var _ gateway.Gateway = (*Gateway)(nil)
