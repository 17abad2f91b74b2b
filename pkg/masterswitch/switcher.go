// Package masterswitch binds the master delegate: an in-process lock server
// for a fresh epoch while this node is master, a gRPC client to the elected
// master while it is a slave.
package masterswitch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/graphkeep/graphkeep/pkg/cluster"
	"github.com/graphkeep/graphkeep/pkg/delegate"
	gkgrpc "github.com/graphkeep/graphkeep/pkg/grpc"
	"github.com/graphkeep/graphkeep/pkg/grpc/client"
	"github.com/graphkeep/graphkeep/pkg/ha"
	"github.com/graphkeep/graphkeep/pkg/locks"
	"github.com/graphkeep/graphkeep/pkg/logger"
	"github.com/graphkeep/graphkeep/pkg/master"
	"github.com/graphkeep/graphkeep/pkg/storage"
	"github.com/graphkeep/graphkeep/pkg/switcher"
)

// Name is the subsystem name of the master-client switcher.
const Name = "master"

var (
	// ErrNoMaster indicates that the cluster currently has no elected master.
	ErrNoMaster = errors.New("masterswitch: no master elected")
	// ErrSelfElected indicates that the coordinator reports this node as
	// master while a slave client was requested.
	ErrSelfElected = errors.New("masterswitch: this node is the elected master")
	// ErrNotServing indicates that this node has no bound master server.
	ErrNotServing = errors.New("masterswitch: not serving as master")
)

// DialFunc connects to the master at address.
type DialFunc func(ctx context.Context, address string) (master.Master, error)

// Config configures the master-client switcher.
type Config struct {
	NodeID string
	// Session identifies this node's lock session on remote masters.
	Session string
	// LockTimeout bounds lock waits in the master lock table.
	LockTimeout time.Duration
	// Client is the template for slave connections; Address is filled in per
	// dial.
	Client *client.Options
}

// Switcher switches the master delegate between roles.
type Switcher struct {
	*switcher.Switcher[master.Master]

	cfg      Config
	epochs   storage.EpochStore
	coord    cluster.Coordinator
	endpoint *master.Endpoint
	health   *gkgrpc.HealthServer
	dial     DialFunc
	logger   logger.Logger
	observer master.LockObserver

	// leader is the node id the bound slave client talks to.
	leader atomic.Pointer[string]
	// resolved is the leader of the slave client being built; guarded by
	// the switcher mutex.
	resolved string
}

// Option configures a Switcher.
type Option func(*Switcher)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Switcher) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLockObserver is passed to every master server built by the switcher.
func WithLockObserver(o master.LockObserver) Option {
	return func(s *Switcher) {
		s.observer = o
	}
}

// WithHealth reports the master role through the gRPC health service.
func WithHealth(h *gkgrpc.HealthServer) Option {
	return func(s *Switcher) {
		s.health = h
	}
}

// WithDialer replaces the gRPC dialer used in the slave role.
func WithDialer(d DialFunc) Option {
	return func(s *Switcher) {
		s.dial = d
	}
}

// New creates the master-client switcher over handler.
func New(
	handler *delegate.Handler[master.Master],
	epochs storage.EpochStore,
	coord cluster.Coordinator,
	endpoint *master.Endpoint,
	cfg Config,
	opts []Option,
	switchOpts ...switcher.Option,
) (*Switcher, error) {
	if epochs == nil {
		return nil, fmt.Errorf("masterswitch: epoch store cannot be nil")
	}
	if coord == nil {
		return nil, fmt.Errorf("masterswitch: coordinator cannot be nil")
	}
	if endpoint == nil {
		return nil, fmt.Errorf("masterswitch: endpoint cannot be nil")
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("masterswitch: node id cannot be empty")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 20 * time.Second
	}

	s := &Switcher{
		cfg:      cfg,
		epochs:   epochs,
		coord:    coord,
		endpoint: endpoint,
		logger:   logger.Global(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dial == nil {
		s.dial = s.dialGRPC
	}

	strategy := switcher.Strategy[master.Master]{
		Master:    s.buildMaster,
		Slave:     s.buildSlave,
		Shutdown:  s.shutdown,
		Published: s.published,
	}
	switchOpts = append([]switcher.Option{switcher.WithLogger(s.logger)}, switchOpts...)
	inner, err := switcher.New(Name, handler, strategy, switchOpts...)
	if err != nil {
		return nil, err
	}
	s.Switcher = inner
	return s, nil
}

// Leader returns the node id of the master the slave client is bound to.
func (s *Switcher) Leader() (string, bool) {
	p := s.leader.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

// MasterLocks returns the transaction view of the lock table served by this
// node. It fails unless the node currently serves as master.
func (s *Switcher) MasterLocks(context.Context) (locks.Locks, error) {
	srv, ok := s.endpoint.Current()
	if !ok {
		return nil, ErrNotServing
	}
	return srv.LocalLocks(), nil
}

func (s *Switcher) buildMaster(ctx context.Context) (master.Master, error) {
	epoch, err := s.epochs.Next(ctx, s.cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("issue epoch: %w", err)
	}

	var opts []master.ServerOption
	opts = append(opts, master.WithServerLogger(s.logger))
	if s.observer != nil {
		opts = append(opts, master.WithLockObserver(s.observer))
	}
	srv := master.NewServer(epoch.Number, locks.NewManager(s.cfg.LockTimeout), opts...)

	s.endpoint.Bind(srv)
	if s.health != nil {
		s.health.SetMaster(true)
	}
	s.logger.InfoContext(ctx, "serving as master", "epoch", epoch.Number)
	return srv, nil
}

func (s *Switcher) buildSlave(ctx context.Context) (master.Master, error) {
	leader, address, err := s.resolveMaster(ctx)
	if err != nil {
		return nil, err
	}
	m, err := s.dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("connect to master %s at %s: %w", leader, address, err)
	}
	s.resolved = leader
	s.logger.InfoContext(ctx, "connected to master", "master", leader, "address", address, "epoch", m.Epoch())
	return m, nil
}

func (s *Switcher) resolveMaster(ctx context.Context) (string, string, error) {
	lease, ok, err := s.coord.CurrentLeader(ctx)
	if err != nil {
		return "", "", fmt.Errorf("resolve master: %w", err)
	}
	if !ok {
		return "", "", ErrNoMaster
	}
	if lease.NodeID == s.cfg.NodeID {
		return "", "", ErrSelfElected
	}

	nodes, err := s.coord.ListNodes(ctx)
	if err != nil {
		return "", "", fmt.Errorf("resolve master: %w", err)
	}
	for _, node := range nodes {
		if node.NodeID != lease.NodeID {
			continue
		}
		if node.Address == "" {
			return "", "", fmt.Errorf("resolve master: node %s has no address", node.NodeID)
		}
		return node.NodeID, node.Address, nil
	}
	return "", "", fmt.Errorf("resolve master: %w: %s", cluster.ErrNodeNotFound, lease.NodeID)
}

func (s *Switcher) dialGRPC(ctx context.Context, address string) (master.Master, error) {
	var opts client.Options
	if s.cfg.Client != nil {
		opts = *s.cfg.Client
	} else {
		opts = *client.DefaultOptions(address)
	}
	opts.Address = address
	opts.Session = s.cfg.Session
	opts.NodeID = s.cfg.NodeID
	return client.Dial(ctx, &opts)
}

func (s *Switcher) published(_ master.Master, role ha.Role) {
	if role == ha.RoleSlave {
		leader := s.resolved
		s.leader.Store(&leader)
	}
}

func (s *Switcher) shutdown(_ context.Context, current master.Master, _ ha.Role) error {
	s.leader.Store(nil)
	if srv, ok := current.(*master.Server); ok {
		s.endpoint.Unbind(srv)
		if _, still := s.endpoint.Current(); !still && s.health != nil {
			s.health.SetMaster(false)
		}
	}
	return current.Close()
}
