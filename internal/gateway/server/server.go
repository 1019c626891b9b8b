// Package server is the gateway's HTTP surface: the proxy endpoint with its
// full pipeline, agent/token administration, the admin plane, health and
// metrics endpoints, and the SSE log stream.
package server

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/toolgate/toolgate/internal/gateway/audit"
	"github.com/toolgate/toolgate/internal/gateway/breaker"
	"github.com/toolgate/toolgate/internal/gateway/cache"
	"github.com/toolgate/toolgate/internal/gateway/chaos"
	"github.com/toolgate/toolgate/internal/gateway/degrade"
	"github.com/toolgate/toolgate/internal/gateway/health"
	"github.com/toolgate/toolgate/internal/gateway/metrics"
	"github.com/toolgate/toolgate/internal/gateway/policy"
	"github.com/toolgate/toolgate/internal/gateway/ratelimit"
	"github.com/toolgate/toolgate/internal/gateway/recovery"
	"github.com/toolgate/toolgate/internal/gateway/registry"
	"github.com/toolgate/toolgate/internal/gateway/token"
	"github.com/toolgate/toolgate/internal/gateway/tools"
)

// Config tunes the HTTP surface.
type Config struct {
	// HTTPTimeout bounds each proxy request end to end.
	HTTPTimeout time.Duration
	// RetryMaxAttempts is the per-call retry budget around the adapter.
	RetryMaxAttempts int
	// DemoMode unlocks the sandbox token endpoint.
	DemoMode func() bool
	// DefaultTokenTTL applies when generate-token omits expires_at.
	DefaultTokenTTL time.Duration
}

func (c *Config) defaults() {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 6 * time.Second
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 3
	}
	if c.DemoMode == nil {
		c.DemoMode = func() bool { return false }
	}
	if c.DefaultTokenTTL <= 0 {
		c.DefaultTokenTTL = time.Hour
	}
}

// Deps are the wired collaborators behind the HTTP surface.
type Deps struct {
	Log        *slog.Logger
	Registry   *registry.Registry
	Codec      *token.Codec
	Policy     *policy.Engine
	Limiter    *ratelimit.Limiter
	Dispatcher *tools.Dispatcher
	Chaos      *chaos.Injector
	Breakers   *breaker.Registry
	Cache      *cache.Cache
	Degrade    *degrade.Controller
	Health     *health.Registry
	Recovery   *recovery.Controller
	Hub        *audit.Hub
	Recorder   *audit.Recorder
	Metrics    *metrics.Metrics
	// KEK seals uploaded credentials at rest.
	KEK []byte
}

// Server serves the gateway API.
type Server struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	shuttingDown atomic.Bool
}

// New wires the server.
func New(cfg Config, deps Deps) *Server {
	cfg.defaults()
	return &Server{cfg: cfg, deps: deps, log: deps.Log}
}

// BeginShutdown flips the readiness gate: in-flight requests drain, new
// proxy requests are refused with shutting_down.
func (s *Server) BeginShutdown() {
	s.shuttingDown.Store(true)
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}))
	r.Use(s.correlationMiddleware)
	r.Use(s.accessLogMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/health/enhanced", s.handleHealthEnhanced)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/create-agent", s.handleCreateAgent)
		r.Get("/agents", s.handleListAgents)
		r.Get("/agents/{id}", s.handleGetAgent)
		r.Post("/generate-token", s.handleGenerateToken)
		r.Post("/proxy-request", s.handleProxy)
		r.Get("/runs/{id}/logs/stream", s.handleLogStream)
		r.Post("/sandbox/token", s.handleSandboxToken)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/policies", s.handleListPolicies)
			r.Post("/policies", s.handleCreatePolicy)
			r.Get("/policies/{id}", s.handleGetPolicy)
			r.Put("/policies/{id}", s.handleUpdatePolicy)
			r.Delete("/policies/{id}", s.handleDeletePolicy)
			r.Get("/chaos", s.handleGetChaos)
			r.Post("/chaos", s.handleSetChaos)
			r.Post("/credentials", s.handleUploadCredential)
			r.Post("/recovery/{component}", s.handleTriggerRecovery)
			r.Get("/degrade", s.handleGetDegrade)
			r.Post("/degrade", s.handleForceDegrade)
			r.Post("/degrade/recover", s.handleRecoverDegrade)
			r.Get("/inventory", s.handleInventory)
		})
	})

	return r
}
