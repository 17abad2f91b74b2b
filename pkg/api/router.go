// Package api serves the admin HTTP API of a graphkeep node: health checks, role
// status, lock table inspection and the metrics scrape.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/graphkeep/graphkeep/config"
	"github.com/graphkeep/graphkeep/pkg/api/handlers"
	"github.com/graphkeep/graphkeep/pkg/api/middleware"
	"github.com/graphkeep/graphkeep/pkg/logger"
)

// Handlers holds all HTTP handlers. Nil handlers leave their routes
// unregistered.
type Handlers struct {
	Health *handlers.HealthHandler
	Status *handlers.StatusHandler
	Locks  *handlers.LocksHandler

	// Metrics records request metrics.
	Metrics middleware.MetricsRecorder

	// MetricsHandler serves the scrape endpoint at cfg.Metrics.Path.
	MetricsHandler http.Handler
}

// NewRouter creates the chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	if cfg.Tracing.Enabled {
		opts := middleware.DefaultTracingOptions()
		opts.Node = cfg.Cluster.NodeID
		r.Use(middleware.Tracing(opts))
	}
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	if h.Metrics != nil {
		r.Use(middleware.Metrics(h.Metrics))
	}
	r.Use(middleware.Timeout(cfg.Server.HTTP.RequestTimeout))

	RegisterRoutes(r, cfg, h)
	return r
}

// RegisterRoutes registers all admin routes.
func RegisterRoutes(r chi.Router, cfg *config.Config, h *Handlers) {
	if h.Health != nil {
		r.Get("/health", h.Health.Health)
		r.Get("/ready", h.Health.Ready)
	}
	if h.Status != nil {
		r.Get("/status", h.Status.Status)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if h.Status != nil {
			r.Get("/status", h.Status.Status)
			r.Post("/roles/reconcile", h.Status.Reconcile)
		}
		if h.Locks != nil {
			r.Get("/locks/shadow", h.Locks.Shadow)
			r.Get("/locks/master", h.Locks.Master)
			r.Post("/locks/check", h.Locks.Check)
		}
	})

	if h.MetricsHandler != nil && cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, h.MetricsHandler)
	}
}
