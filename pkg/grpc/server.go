// Package grpc serves the master lock service to slaves over gRPC.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/graphkeep/graphkeep/pkg/grpc/interceptors"
	"github.com/graphkeep/graphkeep/pkg/logger"
)

// ErrServerStopped is returned by Serve after Stop.
var ErrServerStopped = errors.New("grpc: server stopped")

// Server is the RPC endpoint of one node. It is created once, serves for
// the life of the node and answers as master only while a master epoch is
// bound behind the registered MasterService.
type Server struct {
	cfg     *Config
	log     logger.Logger
	metrics *interceptors.Metrics
	srv     *grpc.Server
	health  *HealthServer

	mu      sync.Mutex
	ln      net.Listener
	stopped bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics enables the request metrics interceptor.
func WithMetrics(m *interceptors.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds the server. Services are registered before Serve.
func New(cfg *Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("grpc: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{cfg: cfg, log: logger.Global()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "grpc")

	serverOpts, err := s.serverOptions()
	if err != nil {
		return nil, err
	}
	s.srv = grpc.NewServer(serverOpts...)
	if cfg.EnableHealthCheck {
		s.health = NewHealthServer()
		grpc_health_v1.RegisterHealthServer(s.srv, s.health.GetServer())
	}
	return s, nil
}

// RegisterService adds a service. It must be called before Serve.
func (s *Server) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	s.srv.RegisterService(desc, impl)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	if err := s.Serve(ln); err != nil {
		_ = ln.Close()
		return err
	}
	return nil
}

// Serve serves on ln in the background. A server serves one listener.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopped:
		return ErrServerStopped
	case s.ln != nil:
		return errors.New("grpc: server already serving")
	}
	s.ln = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Error("grpc server stopped serving", "error", err)
		}
	}()
	s.log.Info("grpc server started", "address", ln.Addr().String())
	return nil
}

// Stop drains in-flight RPCs until ctx is done and then closes the
// remaining connections. Blocked lock waits never drain on their own, so
// callers unbind the master before stopping.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	if s.health != nil {
		s.health.Shutdown()
	}
	drained := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		s.srv.Stop()
		return fmt.Errorf("grpc: forced stop: %w", ctx.Err())
	}
}

// Health returns the health server, nil when health checks are disabled.
func (s *Server) Health() *HealthServer {
	return s.health
}

// Address returns the bound address once serving, else the configured one.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Address
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln != nil && !s.stopped
}

func (s *Server) serverOptions() ([]grpc.ServerOption, error) {
	var opts []grpc.ServerOption
	cfg := s.cfg

	if cfg.TLS != nil && cfg.TLS.Enabled {
		creds, err := cfg.TLS.ServerCredentials()
		if err != nil {
			return nil, fmt.Errorf("grpc: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}
	if cfg.MaxConcurrentStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(cfg.MaxConcurrentStreams))
	}
	if cfg.MaxMsgSize > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(cfg.MaxMsgSize), grpc.MaxSendMsgSize(cfg.MaxMsgSize))
	}
	if ka := cfg.Keepalive; ka != nil {
		opts = append(opts,
			grpc.KeepaliveParams(keepalive.ServerParameters{
				MaxConnectionIdle: ka.MaxIdle,
				Time:              ka.Time,
				Timeout:           ka.Timeout,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             ka.MinTime,
				PermitWithoutStream: ka.PermitWithoutStream,
			}),
		)
	}

	chain := interceptors.NewChainBuilder().WithRecovery(s.log).WithRequestID()
	if cfg.RateLimit > 0 {
		chain = chain.WithRateLimit(cfg.RateLimit, cfg.RateBurst)
	}
	chain = chain.WithLogging(s.log).WithMetrics(s.metrics)
	if cfg.EnableTracing {
		chain = chain.WithTracing()
	}
	return append(opts, chain.Build()...), nil
}
