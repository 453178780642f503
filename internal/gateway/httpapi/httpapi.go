// Package httpapi implements the HTTP API gateway for Kazi.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Per-client rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/engine"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/ratelimit"
	"github.com/jkaninda/kazi/internal/storage"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr string // e.g., ":8080"
	EnableDocs bool
	APIKeys    map[string]string // API key → client ID mapping. Empty = local mode, no auth.

	ReadTimeout  time.Duration // Default: 30s.
	WriteTimeout time.Duration // Default: 0 (unlimited; SSE and WebSocket streams stay open).

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /ready endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	engine  *engine.Engine
	store   storage.Store
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	// Streaming support.
	sseEnabled bool // Enable the SSE run-events endpoint.

	// Extra handlers mounted on the HTTP mux (e.g., WebSocket endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, eng *engine.Engine, store storage.Store, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		engine:  eng,
		store:   store,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithSSE enables the SSE run-events endpoint.
func (g *Gateway) WithSSE(enabled bool) *Gateway {
	g.sseEnabled = enabled
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Useful for adding the WebSocket endpoint alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Kazi",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Agent endpoints.
	g.group.Post("/agents", g.handleAgentCreate,
		okapi.DocSummary("Create a new agent"),
		okapi.DocTags("Agents"),
		okapi.DocRequestBody(AgentRequest{}),
		okapi.DocResponse(http.StatusCreated, AgentResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/agents", g.handleAgentList,
		okapi.DocSummary("List all agents"),
		okapi.DocTags("Agents"),
		okapi.DocResponse([]AgentResponse{}),
	)
	g.group.Get("/agents/{id}", g.handleAgentGet,
		okapi.DocSummary("Get an agent by ID"),
		okapi.DocTags("Agents"),
		okapi.DocPathParam("id", "string", "Agent ID (UUID)"),
		okapi.DocResponse(AgentResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/agents/{id}", g.handleAgentUpdate,
		okapi.DocSummary("Update an agent"),
		okapi.DocTags("Agents"),
		okapi.DocPathParam("id", "string", "Agent ID (UUID)"),
		okapi.DocRequestBody(AgentRequest{}),
		okapi.DocResponse(AgentResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/agents/{id}", g.handleAgentDelete,
		okapi.DocSummary("Delete an agent and its run history"),
		okapi.DocTags("Agents"),
		okapi.DocPathParam("id", "string", "Agent ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Run endpoints.
	g.group.Post("/runs", g.handleRunStart,
		okapi.DocSummary("Start a run now, or schedule it for later"),
		okapi.DocTags("Runs"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(http.StatusCreated, RunResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/runs", g.handleRunList,
		okapi.DocSummary("List runs, optionally filtered by agent_id, status, and limit query params"),
		okapi.DocTags("Runs"),
		okapi.DocResponse([]RunResponse{}),
	)
	g.group.Get("/runs/active", g.handleRunActive,
		okapi.DocSummary("List runs with a live process"),
		okapi.DocTags("Runs"),
		okapi.DocResponse([]ActiveRunResponse{}),
	)
	g.group.Get("/runs/{id}", g.handleRunGet,
		okapi.DocSummary("Get a run with computed metrics"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "integer", "Run ID"),
		okapi.DocResponse(RunDetailResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/runs/{id}/output", g.handleRunOutput,
		okapi.DocSummary("Get the run's output (live buffer while running)"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "integer", "Run ID"),
		okapi.DocResponse(OutputResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/runs/{id}/violations", g.handleRunViolations,
		okapi.DocSummary("List sandbox violations recorded for a run"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "integer", "Run ID"),
		okapi.DocResponse([]ViolationResponse{}),
	)
	g.group.Post("/runs/{id}/cancel", g.handleRunCancel,
		okapi.DocSummary("Cancel a scheduled, pending, or running run"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "integer", "Run ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/runs/{id}/resume", g.handleRunResume,
		okapi.DocSummary("Resume a usage-limit-paused run as a child run"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "integer", "Run ID"),
		okapi.DocResponse(http.StatusCreated, RunResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// SSE streaming endpoint.
	if g.sseEnabled {
		g.group.Get("/runs/{id}/events", g.handleRunEvents,
			okapi.DocSummary("Stream live run output via SSE"),
			okapi.DocTags("Runs"),
			okapi.DocPathParam("id", "integer", "Run ID"),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Recurring schedule endpoints.
	g.group.Post("/schedules", g.handleScheduleCreate,
		okapi.DocSummary("Create a recurring run schedule"),
		okapi.DocTags("Schedules"),
		okapi.DocRequestBody(ScheduleRequest{}),
		okapi.DocResponse(http.StatusCreated, ScheduleResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/schedules", g.handleScheduleList,
		okapi.DocSummary("List all recurring schedules"),
		okapi.DocTags("Schedules"),
		okapi.DocResponse([]ScheduleResponse{}),
	)
	g.group.Get("/schedules/{id}", g.handleScheduleGet,
		okapi.DocSummary("Get a schedule by ID"),
		okapi.DocTags("Schedules"),
		okapi.DocPathParam("id", "string", "Schedule ID (UUID)"),
		okapi.DocResponse(ScheduleResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/schedules/{id}", g.handleScheduleUpdate,
		okapi.DocSummary("Update a schedule"),
		okapi.DocTags("Schedules"),
		okapi.DocPathParam("id", "string", "Schedule ID (UUID)"),
		okapi.DocRequestBody(ScheduleRequest{}),
		okapi.DocResponse(ScheduleResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/schedules/{id}", g.handleScheduleDelete,
		okapi.DocSummary("Delete a schedule"),
		okapi.DocTags("Schedules"),
		okapi.DocPathParam("id", "string", "Schedule ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	// Extra handlers (e.g., WebSocket endpoint).
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

	readTimeout := g.config.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      g.config.WriteTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for GET /v1/healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
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

// authenticate validates the API key and stores the mapped client ID on
// the request context. An empty key map disables auth (local mode).
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("clientID", "local")
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		clientID := ""
		for key, client := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				clientID = client
			}
		}
		if clientID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

// rateLimit consumes a token for the client, if limiting is enabled.
func (g *Gateway) rateLimit(c *okapi.Context) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Allow(c.GetString("clientID"))
}

// --- Helpers ---

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
