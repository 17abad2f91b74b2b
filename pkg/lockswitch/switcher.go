// Package lockswitch binds the lock manager delegate to the implementation
// matching the node's role.
package lockswitch

import (
	"context"
	"sync/atomic"

	"github.com/graphkeep/graphkeep/pkg/availability"
	"github.com/graphkeep/graphkeep/pkg/delegate"
	"github.com/graphkeep/graphkeep/pkg/ha"
	"github.com/graphkeep/graphkeep/pkg/locks"
	"github.com/graphkeep/graphkeep/pkg/logger"
	"github.com/graphkeep/graphkeep/pkg/master"
	"github.com/graphkeep/graphkeep/pkg/reqctx"
	"github.com/graphkeep/graphkeep/pkg/slave"
	"github.com/graphkeep/graphkeep/pkg/switcher"
)

// Name is the subsystem name of the lock manager switcher.
const Name = "locks"

// Config configures the lock manager switcher.
type Config struct {
	Slave slave.Config
	// MasterLocks, when set, provides the lock manager used in the master
	// role instead of a fresh one from the factory. It lets transactions on
	// the master share the lock table that serves slave requests.
	MasterLocks func(ctx context.Context) (locks.Locks, error)
}

// Switcher switches the lock manager delegate between roles.
type Switcher struct {
	*switcher.Switcher[locks.Locks]

	masters  *delegate.Handler[master.Master]
	contexts *reqctx.Factory
	guard    *availability.Guard
	factory  locks.Factory
	cfg      Config
	logger   logger.Logger
	observer slave.Observer

	// tracked is the lock manager currently bound, nil when none is.
	tracked atomic.Pointer[trackedLocks]
}

type trackedLocks struct {
	locks locks.Locks
}

// Option configures a Switcher.
type Option func(*Switcher)

// WithLogger sets the logger passed to the switcher and slave managers.
func WithLogger(l logger.Logger) Option {
	return func(s *Switcher) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver sets the observer passed to slave lock managers.
func WithObserver(o slave.Observer) Option {
	return func(s *Switcher) {
		s.observer = o
	}
}

// New creates the lock manager switcher over handler.
func New(
	handler *delegate.Handler[locks.Locks],
	masters *delegate.Handler[master.Master],
	contexts *reqctx.Factory,
	guard *availability.Guard,
	factory locks.Factory,
	cfg Config,
	opts []Option,
	switchOpts ...switcher.Option,
) (*Switcher, error) {
	s := &Switcher{
		masters:  masters,
		contexts: contexts,
		guard:    guard,
		factory:  factory,
		cfg:      cfg,
		logger:   logger.Global(),
	}
	for _, opt := range opts {
		opt(s)
	}

	strategy := switcher.Strategy[locks.Locks]{
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

// Current returns the lock manager currently bound.
func (s *Switcher) Current() (locks.Locks, bool) {
	t := s.tracked.Load()
	if t == nil {
		return nil, false
	}
	return t.locks, true
}

// Shadow returns the shadow locks of the bound slave lock manager, if any.
func (s *Switcher) Shadow() []slave.ShadowLock {
	current, ok := s.Current()
	if !ok {
		return nil
	}
	if sl, ok := current.(*slave.LockManager); ok {
		return sl.Held()
	}
	return nil
}

func (s *Switcher) buildMaster(ctx context.Context) (locks.Locks, error) {
	if s.cfg.MasterLocks != nil {
		return s.cfg.MasterLocks(ctx)
	}
	return s.factory(), nil
}

func (s *Switcher) buildSlave(context.Context) (locks.Locks, error) {
	var opts []slave.Option
	opts = append(opts, slave.WithLogger(s.logger))
	if s.observer != nil {
		opts = append(opts, slave.WithObserver(s.observer))
	}
	return slave.NewLockManager(s.factory(), s.masters, s.contexts, s.guard, s.cfg.Slave, opts...), nil
}

func (s *Switcher) shutdown(_ context.Context, current locks.Locks, _ ha.Role) error {
	if t := s.tracked.Swap(nil); t != nil {
		return t.locks.Close()
	}
	// never published through this switcher
	return current.Close()
}

func (s *Switcher) published(next locks.Locks, _ ha.Role) {
	s.tracked.Store(&trackedLocks{locks: next})
}
