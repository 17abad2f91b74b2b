package switcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/graphkeep/graphkeep/pkg/availability"
	"github.com/graphkeep/graphkeep/pkg/ha"
	"github.com/graphkeep/graphkeep/pkg/logger"
)

// Member is a switcher managed by a Group.
type Member interface {
	Name() string
	Role() ha.Role
	SwitchToMaster(ctx context.Context) error
	SwitchToSlave(ctx context.Context) error
	SwitchToDetached(ctx context.Context) error
	Refresh(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Group applies role changes to every switcher of a node in registration
// order, so all nodes switch their subsystems in the same order. While a
// group transition runs, the availability guard holds a "switching to
// <role>" requirement.
type Group struct {
	mu      sync.Mutex
	members []Member
	guard   *availability.Guard
	logger  logger.Logger
	role    ha.Role
}

// NewGroup creates an empty group.
func NewGroup(guard *availability.Guard, log logger.Logger) *Group {
	if log == nil {
		log = logger.Global()
	}
	return &Group{
		guard:  guard,
		logger: log,
	}
}

// Register appends a member. Members are switched in registration order and
// shut down in reverse order.
func (g *Group) Register(m Member) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.members {
		if existing.Name() == m.Name() {
			return fmt.Errorf("switcher group: %s already registered", m.Name())
		}
	}
	g.members = append(g.members, m)
	return nil
}

// Role returns the role of the last successful group transition.
func (g *Group) Role() ha.Role {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.role
}

// Roles returns the active role of every member keyed by name.
func (g *Group) Roles() map[string]ha.Role {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]ha.Role, len(g.members))
	for _, m := range g.members {
		out[m.Name()] = m.Role()
	}
	return out
}

// SwitchToMaster switches every member to master.
func (g *Group) SwitchToMaster(ctx context.Context) error {
	return g.apply(ctx, ha.RoleMaster, "switching to master", func(m Member) error {
		return m.SwitchToMaster(ctx)
	})
}

// SwitchToSlave switches every member to slave.
func (g *Group) SwitchToSlave(ctx context.Context) error {
	return g.apply(ctx, ha.RoleSlave, "switching to slave", func(m Member) error {
		return m.SwitchToSlave(ctx)
	})
}

// SwitchToDetached switches every member to detached.
func (g *Group) SwitchToDetached(ctx context.Context) error {
	return g.apply(ctx, ha.RoleDetached, "switching to detached", func(m Member) error {
		return m.SwitchToDetached(ctx)
	})
}

// Refresh rebuilds every member for its current role.
func (g *Group) Refresh(ctx context.Context) error {
	g.mu.Lock()
	role := g.role
	g.mu.Unlock()
	return g.apply(ctx, role, "refreshing "+role.String(), func(m Member) error {
		return m.Refresh(ctx)
	})
}

// Shutdown tears every member down in reverse registration order. All
// members are shut down even if some fail.
func (g *Group) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error
	for i := len(g.members) - 1; i >= 0; i-- {
		if err := g.members[i].Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	g.role = ha.RoleUnknown
	return errors.Join(errs...)
}

func (g *Group) apply(ctx context.Context, role ha.Role, reason string, fn func(Member) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.guard != nil {
		g.guard.Raise(reason)
		defer g.guard.Lower(reason)
	}

	for _, m := range g.members {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(m); err != nil {
			g.logger.Error("group transition stopped", "role", role.String(), "member", m.Name(), "error", err)
			return err
		}
	}
	g.role = role
	return nil
}
