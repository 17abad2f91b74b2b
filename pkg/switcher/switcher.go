// Package switcher replaces the implementation of a role-bound subsystem
// underneath its callers when the node changes cluster role.
package switcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"

	"github.com/graphkeep/graphkeep/pkg/delegate"
	"github.com/graphkeep/graphkeep/pkg/ha"
	"github.com/graphkeep/graphkeep/pkg/logger"
)

const tracerName = "github.com/graphkeep/graphkeep/pkg/switcher"

// Switch results reported to observers.
const (
	ResultSwitched = "switched"
	ResultNoop     = "noop"
	ResultFailed   = "construction_failed"
)

// Builder constructs a fully initialized implementation for one role.
type Builder[T any] func(ctx context.Context) (T, error)

// Strategy holds the role-specific hooks of one switchable subsystem.
// Master and Slave are required. When Detached is nil, switching to detached
// shuts the current implementation down and leaves the delegate unbound.
type Strategy[T any] struct {
	Master   Builder[T]
	Slave    Builder[T]
	Detached Builder[T]

	// Shutdown releases the resources of an implementation that is being
	// replaced or torn down.
	Shutdown func(ctx context.Context, current T, role ha.Role) error

	// Published runs after next has been bound to the delegate.
	Published func(next T, role ha.Role)
}

// Observer is notified about every switch attempt.
type Observer interface {
	ObserveSwitch(subsystem string, role ha.Role, result string, duration time.Duration)
}

// Switcher owns the role transitions of one subsystem and publishes the
// implementation for the active role through a delegate.Handler.
type Switcher[T any] struct {
	name     string
	delegate *delegate.Handler[T]
	strategy Strategy[T]

	mu   sync.Mutex
	role atomic.Int32

	logger   logger.Logger
	observer Observer
}

// Option configures a Switcher.
type Option func(*options)

type options struct {
	logger   logger.Logger
	observer Observer
}

// WithLogger sets the switcher logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithObserver sets an observer for switch outcomes.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// New creates a switcher in role Unknown bound to handler.
func New[T any](name string, handler *delegate.Handler[T], strategy Strategy[T], opts ...Option) (*Switcher[T], error) {
	if name == "" {
		return nil, fmt.Errorf("switcher: name cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("switcher %s: delegate cannot be nil", name)
	}
	if strategy.Master == nil || strategy.Slave == nil {
		return nil, fmt.Errorf("switcher %s: master and slave builders are required", name)
	}

	o := options{logger: logger.Global()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Global()
	}

	return &Switcher[T]{
		name:     name,
		delegate: handler,
		strategy: strategy,
		logger:   o.logger.With("subsystem", name),
		observer: o.observer,
	}, nil
}

// Name returns the subsystem name.
func (s *Switcher[T]) Name() string {
	return s.name
}

// Role returns the currently active role.
func (s *Switcher[T]) Role() ha.Role {
	return ha.Role(s.role.Load())
}

// Delegate returns the handler the switcher publishes to.
func (s *Switcher[T]) Delegate() *delegate.Handler[T] {
	return s.delegate
}

// SwitchToMaster binds the master implementation.
func (s *Switcher[T]) SwitchToMaster(ctx context.Context) error {
	return s.switchTo(ctx, ha.RoleMaster, false)
}

// SwitchToSlave binds the slave implementation.
func (s *Switcher[T]) SwitchToSlave(ctx context.Context) error {
	return s.switchTo(ctx, ha.RoleSlave, false)
}

// SwitchToDetached binds the detached implementation, or unbinds when the
// strategy has none.
func (s *Switcher[T]) SwitchToDetached(ctx context.Context) error {
	return s.switchTo(ctx, ha.RoleDetached, false)
}

// Refresh rebuilds the implementation of the active role, e.g. after the
// cluster elected a different master while this node stayed a slave.
func (s *Switcher[T]) Refresh(ctx context.Context) error {
	role := s.Role()
	if role == ha.RoleUnknown || role == ha.RolePending {
		return nil
	}
	return s.switchTo(ctx, role, true)
}

// Shutdown tears down the bound implementation and leaves the switcher in
// role Unknown.
func (s *Switcher[T]) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.Role()
	err := s.delegate.Unbind(s.retire(ctx, from))
	s.role.Store(int32(ha.RoleUnknown))
	if err != nil {
		s.logger.Warn("shutdown of current implementation failed", "role", from.String(), "error", err)
		return err
	}
	s.logger.Info("subsystem shut down", "role", from.String())
	return nil
}

func (s *Switcher[T]) switchTo(ctx context.Context, target ha.Role, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.Role()
	if from == target && !force {
		s.logger.Debug("already in requested role", "role", target.String())
		s.observe(target, ResultNoop, 0)
		return nil
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "switcher.switch")
	defer span.End()
	span.SetAttributes(
		attribute.String("graphkeep.subsystem", s.name),
		attribute.String("graphkeep.role.from", from.String()),
		attribute.String("graphkeep.role.to", target.String()),
	)

	start := time.Now()
	build := s.builderFor(target)

	if build == nil {
		err := s.delegate.Unbind(s.retire(ctx, from))
		s.role.Store(int32(target))
		s.logShutdownFailure(err, from)
		s.logger.InfoContext(ctx, "switched role", "from", from.String(), "to", target.String(), "bound", false)
		s.observe(target, ResultSwitched, time.Since(start))
		return nil
	}

	next, err := build(ctx)
	if err != nil {
		cerr := &ha.ConstructionError{Subsystem: s.name, Role: target, Cause: err}
		span.RecordError(cerr)
		span.SetStatus(otelcodes.Error, "construction failed")
		s.logger.ErrorContext(ctx, "switch aborted, keeping current implementation",
			"from", from.String(), "to", target.String(), "error", err)
		s.observe(target, ResultFailed, time.Since(start))
		return cerr
	}

	err = s.delegate.Replace(next, s.retire(ctx, from))
	s.role.Store(int32(target))
	if s.strategy.Published != nil {
		s.strategy.Published(next, target)
	}
	s.logShutdownFailure(err, from)

	s.logger.InfoContext(ctx, "switched role",
		"from", from.String(),
		"to", target.String(),
		"duration", time.Since(start),
	)
	s.observe(target, ResultSwitched, time.Since(start))
	return nil
}

func (s *Switcher[T]) builderFor(role ha.Role) Builder[T] {
	switch role {
	case ha.RoleMaster:
		return s.strategy.Master
	case ha.RoleSlave:
		return s.strategy.Slave
	default:
		return s.strategy.Detached
	}
}

// retire returns the delegate callback that shuts the previous
// implementation down under the write fence.
func (s *Switcher[T]) retire(ctx context.Context, from ha.Role) func(prev T, bound bool) error {
	return func(prev T, bound bool) error {
		if !bound || s.strategy.Shutdown == nil {
			return nil
		}
		if err := s.strategy.Shutdown(ctx, prev, from); err != nil {
			return &ha.ShutdownError{Subsystem: s.name, Role: from, Cause: err}
		}
		return nil
	}
}

func (s *Switcher[T]) logShutdownFailure(err error, from ha.Role) {
	if err == nil {
		return
	}
	var serr *ha.ShutdownError
	if !errors.As(err, &serr) {
		serr = &ha.ShutdownError{Subsystem: s.name, Role: from, Cause: err}
	}
	s.logger.Warn("previous implementation did not shut down cleanly", "role", from.String(), "error", serr)
}

func (s *Switcher[T]) observe(role ha.Role, result string, d time.Duration) {
	if s.observer != nil {
		s.observer.ObserveSwitch(s.name, role, result, d)
	}
}
