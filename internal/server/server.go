// Package server implements the HTTP/WebSocket transport layer described in
// §4.9/§6: a chi router exposing the request lifecycle, provider/cache/key
// admin, cost aggregates, and a WebSocket event fan-out, all behind the same
// middleware chain.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/auth"
	"github.com/eugener/gatewayd/internal/cache"
	"github.com/eugener/gatewayd/internal/eventbus"
	"github.com/eugener/gatewayd/internal/health"
	"github.com/eugener/gatewayd/internal/queue"
	"github.com/eugener/gatewayd/internal/ratelimit"
	"github.com/eugener/gatewayd/internal/store"
	"github.com/eugener/gatewayd/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds every dependency the HTTP server wires into its handlers.
type Deps struct {
	Auth        *auth.APIKeyAuth
	Store       store.Store
	Queue       *queue.Queue
	Dispatcher  *queue.Dispatcher
	Providers   map[string]gateway.ProviderDescriptor
	Health      *health.Monitor
	Cache       *cache.Manager
	RateLimiter *ratelimit.Manager
	Bus         *eventbus.Bus
	Metrics     *telemetry.Metrics // nil = no metrics recorded from handlers

	MetricsHandler http.Handler // nil = no /api/metrics endpoint
	Tracer         trace.Tracer // nil = no distributed tracing
	ReadyCheck     ReadyChecker // nil = always ready

	DefaultWaitTimeout time.Duration // default 30s, cap on ?wait=true blocking
	MaxWaitTimeout     time.Duration // default 120s
	DefaultDeadline    time.Duration // default 60s, per-request overall deadline
}

func (d Deps) withDefaults() Deps {
	if d.DefaultWaitTimeout <= 0 {
		d.DefaultWaitTimeout = 30 * time.Second
	}
	if d.MaxWaitTimeout <= 0 {
		d.MaxWaitTimeout = 120 * time.Second
	}
	if d.DefaultDeadline <= 0 {
		d.DefaultDeadline = 60 * time.Second
	}
	return d
}

type server struct {
	deps Deps

	// providersMu guards deps.Providers; handleProviderToggle is the only
	// writer, everything else takes a read lock before a map lookup.
	providersMu sync.RWMutex
}

func (s *server) provider(name string) (gateway.ProviderDescriptor, bool) {
	s.providersMu.RLock()
	defer s.providersMu.RUnlock()
	desc, ok := s.deps.Providers[name]
	return desc, ok
}

func (s *server) setProviderEnabled(name string, enabled bool) (gateway.ProviderDescriptor, bool) {
	s.providersMu.Lock()
	defer s.providersMu.Unlock()
	desc, ok := s.deps.Providers[name]
	if !ok {
		return desc, false
	}
	desc.Enabled = enabled
	s.deps.Providers[name] = desc
	return desc, true
}

// New builds the http.Handler exposing every route in §6.
func New(deps Deps) http.Handler {
	s := &server{deps: deps.withDefaults()}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	r.Get("/api/health", s.handleHealthz)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/api/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Post("/api/ask", s.handleAsk)
		r.Post("/api/submit", s.handleSubmit)
		r.Get("/api/query/{id}", s.handleQuery)
		r.Delete("/api/request/{id}", s.handleCancel)
		r.Get("/api/requests", s.handleListRequests)

		r.Get("/api/status", s.handleStatus)
		r.Get("/api/providers/{name}", s.handleGetProvider)
		r.Post("/api/provider/{name}/toggle", s.handleProviderToggle)

		r.Get("/api/cache/stats", s.handleCacheStats)
		r.Post("/api/cache/clear", s.handleCacheClear)
		r.Post("/api/cache/cleanup", s.handleCacheCleanup)

		r.Get("/api/keys", s.handleListKeys)
		r.Post("/api/keys", s.handleCreateKey)
		r.Get("/api/keys/{id}", s.handleGetKey)
		r.Delete("/api/keys/{id}", s.handleDeleteKey)

		r.Get("/api/costs/summary", s.handleCostSummary)
		r.Get("/api/costs/by-provider", s.handleCostByProvider)
		r.Get("/api/costs/by-day", s.handleCostByDay)

		r.Get("/api/ws", s.handleWebSocket)
	})

	return r
}
