// Package http provides the HTTP transport adapter for the decision API.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/llm-dev-ops/policy-engine/internal/port/inbound"
	"github.com/llm-dev-ops/policy-engine/internal/port/outbound"
)

// Server is the inbound adapter that exposes the decision agents to HTTP
// callers. One instance serves the decision API, the health and metrics
// endpoints, and optionally the mounted admin API.
type Server struct {
	enforcer  inbound.PolicyEnforcer
	resolver  inbound.ConstraintResolver
	router    inbound.ApprovalRouter
	approvals outbound.ApprovalStatusSource
	agents    inbound.AgentRegistry

	server        *http.Server
	addr          string
	adminHandler  http.Handler
	healthChecker *HealthChecker
	registry      *prometheus.Registry
	metrics       *Metrics
	statsOnce     sync.Once
	logger        *slog.Logger
}

// Option is a functional option for configuring Server.
type Option func(*Server)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:3000" (localhost only).
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithLogger sets the logger for the HTTP server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAdminHandler mounts the policy admin API under /v1/policies.
func WithAdminHandler(h http.Handler) Option {
	return func(s *Server) {
		s.adminHandler = h
	}
}

// WithHealthChecker sets the health checker for the /healthz endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) {
		s.healthChecker = hc
	}
}

// WithApprovalStatus attaches the source behind GET /v1/approvals/{id}.
// Without one the endpoint answers status null for every id.
func WithApprovalStatus(src outbound.ApprovalStatusSource) Option {
	return func(s *Server) {
		s.approvals = src
	}
}

// WithRegistry overrides the Prometheus registry. Tests use it to gather
// metrics without scraping /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithAgentRegistry exposes agent metadata under /v1/agents. Without one the
// endpoints are not mounted.
func WithAgentRegistry(reg inbound.AgentRegistry) Option {
	return func(s *Server) {
		s.agents = reg
	}
}

// NewServer creates the HTTP adapter over the three decision agents.
func NewServer(enforcer inbound.PolicyEnforcer, resolver inbound.ConstraintResolver, router inbound.ApprovalRouter, opts ...Option) *Server {
	s := &Server{
		enforcer: enforcer,
		resolver: resolver,
		router:   router,
		addr:     "127.0.0.1:3000",
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Handler builds the full route table with the middleware chain applied.
// Start serves it; tests mount it on httptest servers directly.
func (s *Server) Handler() http.Handler {
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(s.registry)
	}
	// The health checker holds the same components the core gauges read,
	// so attaching one also puts those gauges on the scrape.
	s.statsOnce.Do(func() {
		if s.healthChecker != nil {
			RegisterStatsCollectors(s.registry, s.healthChecker.engine, s.healthChecker.cache, s.healthChecker.dispatcher)
		}
	})

	// Middleware order (outermost first):
	// 1. MetricsMiddleware - record duration and status (MUST be outermost to capture full duration)
	// 2. CorrelationMiddleware - extract/generate correlation id and enrich logger
	// 3. Handler - decode request, call agent, write envelope
	chain := func(h http.Handler) http.Handler {
		h = CorrelationMiddleware(s.logger)(h)
		h = MetricsMiddleware(s.metrics)(h)
		return h
	}

	mux := http.NewServeMux()
	mux.Handle("POST /v1/evaluate", chain(http.HandlerFunc(s.handleEvaluate)))
	mux.Handle("POST /v1/resolve", chain(http.HandlerFunc(s.handleResolve)))
	mux.Handle("POST /v1/route", chain(http.HandlerFunc(s.handleRoute)))
	mux.Handle("GET /v1/approvals/{id}", chain(http.HandlerFunc(s.handleApprovalStatus)))
	if s.agents != nil {
		mux.Handle("GET /v1/agents", chain(http.HandlerFunc(s.handleAgents)))
		mux.Handle("POST /v1/agents/{id}/register", chain(http.HandlerFunc(s.handleRegisterAgent)))
	}
	if s.adminHandler != nil {
		mux.Handle("/v1/policies", chain(s.adminHandler))
		mux.Handle("/v1/policies/", chain(s.adminHandler))
	}
	if s.healthChecker != nil {
		mux.Handle("/healthz", s.healthChecker.Handler())
	} else {
		// Fallback to a liveness-only handler if no checker configured.
		mux.Handle("/healthz", healthHandler())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))

	return mux
}

// Start begins accepting HTTP connections and serving decision requests.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel for server errors
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr)
		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown performs graceful shutdown of the HTTP server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}

	s.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.shutdown()
}
