package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/graphkeep/graphkeep/config"
	"github.com/graphkeep/graphkeep/pkg/logger"
)

// Server defines the interface for HTTP server lifecycle management.
type Server interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// HTTPServer is the admin HTTP server.
type HTTPServer struct {
	config *config.Config
	server *http.Server
	router chi.Router
	logger logger.Logger
}

var _ Server = (*HTTPServer)(nil)

// NewHTTPServer creates a new admin HTTP server.
func NewHTTPServer(cfg *config.Config, log logger.Logger, h *Handlers) *HTTPServer {
	router := NewRouter(cfg, log, h)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.HTTP.ReadTimeout,
		WriteTimeout: cfg.Server.HTTP.WriteTimeout,
		IdleTimeout:  cfg.Server.HTTP.IdleTimeout,
	}

	if ct, ok := h.Metrics.(connectionTracker); ok {
		srv.ConnState = trackConnections(ct)
	}

	return &HTTPServer{
		config: cfg,
		server: srv,
		router: router,
		logger: log,
	}
}

// connectionTracker counts open admin connections.
type connectionTracker interface {
	IncActiveConnections()
	DecActiveConnections()
}

func trackConnections(ct connectionTracker) func(net.Conn, http.ConnState) {
	return func(_ net.Conn, state http.ConnState) {
		switch state {
		case http.StateNew:
			ct.IncActiveConnections()
		case http.StateClosed, http.StateHijacked:
			ct.DecActiveConnections()
		}
	}
}

// Handler returns the router.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until Shutdown.
func (s *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *HTTPServer) Serve(ln net.Listener) error {
	s.logger.Info("starting admin HTTP server",
		"addr", ln.Addr().String(),
		"read_timeout", s.config.Server.HTTP.ReadTimeout,
		"write_timeout", s.config.Server.HTTP.WriteTimeout,
	)

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("admin HTTP server failed", "error", err)
		return fmt.Errorf("failed to serve admin HTTP: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down admin HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("admin HTTP server shutdown failed", "error", err)
		return fmt.Errorf("failed to shutdown admin HTTP server: %w", err)
	}

	s.logger.Info("admin HTTP server stopped")
	return nil
}
