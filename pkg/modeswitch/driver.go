// Package modeswitch drives the switcher group from cluster leadership. The
// node switches to master while it holds the leader lease and to slave of the
// elected leader otherwise; a change of leader refreshes the slave
// implementations. A master that loses the lease, and any node whose
// membership lease lapsed, detaches first.
package modeswitch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/graphkeep/graphkeep/pkg/availability"
	"github.com/graphkeep/graphkeep/pkg/cluster"
	"github.com/graphkeep/graphkeep/pkg/ha"
	"github.com/graphkeep/graphkeep/pkg/logger"
	"github.com/graphkeep/graphkeep/pkg/switcher"
)

// Elector publishes this node's leadership state.
type Elector interface {
	Subscribe(ctx context.Context) (<-chan cluster.LeadershipState, error)
}

// Group is the set of switchers the driver moves between roles.
type Group interface {
	Role() ha.Role
	SwitchToMaster(ctx context.Context) error
	SwitchToSlave(ctx context.Context) error
	SwitchToDetached(ctx context.Context) error
	Refresh(ctx context.Context) error
}

var _ Group = (*switcher.Group)(nil)

// Config configures the driver.
type Config struct {
	NodeID string
	// RetryInterval is the delay before a failed transition is retried.
	RetryInterval time.Duration
}

// Status is a snapshot of the driver.
type Status struct {
	Role      string `json:"role"`
	Leader    bool   `json:"leader"`
	Following string `json:"following,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Driver maps leadership updates and leader-change events to group
// transitions.
type Driver struct {
	cfg     Config
	group   Group
	elector Elector
	coord   cluster.Coordinator
	guard   *availability.Guard
	logger  logger.Logger

	nudge chan struct{}

	mu        sync.Mutex
	leader    bool
	isolated  bool
	following string
	lastErr   error
	raised    map[string]bool
}

// New creates a driver. The guard holds "not yet joined cluster" until the
// first transition into master or slave succeeds.
func New(cfg Config, group Group, elector Elector, coord cluster.Coordinator, guard *availability.Guard, log logger.Logger) (*Driver, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("modeswitch: node id cannot be empty")
	}
	if group == nil || elector == nil || coord == nil || guard == nil {
		return nil, fmt.Errorf("modeswitch: group, elector, coordinator and guard are required")
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if log == nil {
		log = logger.Global()
	}
	d := &Driver{
		cfg:     cfg,
		group:   group,
		elector: elector,
		coord:   coord,
		guard:   guard,
		logger:  log.With("component", "modeswitch"),
		nudge:   make(chan struct{}, 1),
		raised:  make(map[string]bool),
	}
	d.setRequirement(availability.ReasonNotJoined, true)
	return d, nil
}

// Run consumes leadership and membership updates until ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	states, err := d.elector.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("modeswitch: subscribe to leadership: %w", err)
	}
	events, err := d.coord.WatchMembership(ctx)
	if err != nil {
		return fmt.Errorf("modeswitch: watch membership: %w", err)
	}

	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			d.mu.Lock()
			d.leader = st.IsLeader
			d.mu.Unlock()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Type != cluster.MembershipEventLeader {
				continue
			}
		case <-d.nudge:
		case <-retry:
		}

		if err := d.Reconcile(ctx); err != nil {
			d.logger.WarnContext(ctx, "role transition failed, retrying", "retry_in", d.cfg.RetryInterval, "error", err)
			retry = time.After(d.cfg.RetryInterval)
			continue
		}
		retry = nil
	}
}

// Reconcile moves the group to the role implied by the last leadership state
// and the coordinator's current leader.
func (d *Driver) Reconcile(ctx context.Context) error {
	d.mu.Lock()
	leader, isolated := d.leader, d.isolated
	following := d.following
	d.mu.Unlock()

	var err error
	if isolated {
		err = d.detach(ctx)
	} else {
		err = d.reconcile(ctx, leader, following)
	}
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
	return err
}

func (d *Driver) reconcile(ctx context.Context, leader bool, following string) error {
	role := d.group.Role()

	if leader {
		d.setRequirement(availability.ReasonNoMaster, false)
		if role == ha.RoleMaster {
			return nil
		}
		if err := d.group.SwitchToMaster(ctx); err != nil {
			return err
		}
		d.follow("")
		d.setRequirement(availability.ReasonNotJoined, false)
		return nil
	}

	lease, ok, err := d.coord.CurrentLeader(ctx)
	if err != nil {
		return fmt.Errorf("current leader: %w", err)
	}
	if !ok || lease.NodeID == d.cfg.NodeID {
		// lease lost or not yet observed by the elector
		d.setRequirement(availability.ReasonNoMaster, true)
		if role == ha.RoleMaster {
			return d.group.SwitchToDetached(ctx)
		}
		return nil
	}
	d.setRequirement(availability.ReasonNoMaster, false)

	switch {
	case role == ha.RoleSlave && following == lease.NodeID:
		return nil
	case role == ha.RoleSlave:
		d.logger.InfoContext(ctx, "master changed", "from", following, "to", lease.NodeID)
		err = d.group.Refresh(ctx)
	case role == ha.RoleMaster:
		d.logger.InfoContext(ctx, "leadership moved to another node", "leader", lease.NodeID)
		if err = d.group.SwitchToDetached(ctx); err == nil {
			err = d.group.SwitchToSlave(ctx)
		}
	default:
		err = d.group.SwitchToSlave(ctx)
	}
	if err != nil {
		return err
	}
	d.follow(lease.NodeID)
	d.setRequirement(availability.ReasonNotJoined, false)
	return nil
}

// detach leaves master or slave mode while the node is cut off from the
// cluster.
func (d *Driver) detach(ctx context.Context) error {
	switch d.group.Role() {
	case ha.RoleMaster, ha.RoleSlave:
		if err := d.group.SwitchToDetached(ctx); err != nil {
			return err
		}
	}
	d.follow("")
	return nil
}

// ObserveHealth is a cluster.NodeLifecycleManager state-change hook. An
// unhealthy membership lease makes the node unavailable and detaches it; a
// healthy one lets Run reconcile the role again.
func (d *Driver) ObserveHealth(from, to cluster.HealthState) {
	d.logger.Info("membership health changed", "from", string(from), "to", string(to))
	isolated := to == cluster.HealthStateUnhealthy
	d.mu.Lock()
	changed := d.isolated != isolated
	d.isolated = isolated
	d.mu.Unlock()

	d.setRequirement(availability.ReasonIsolated, isolated)
	if !changed {
		return
	}
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the driver state.
func (d *Driver) Status() Status {
	role := d.group.Role()
	d.mu.Lock()
	defer d.mu.Unlock()
	st := Status{
		Role:      role.String(),
		Leader:    d.leader,
		Following: d.following,
	}
	if d.lastErr != nil {
		st.LastError = d.lastErr.Error()
	}
	return st
}

func (d *Driver) follow(nodeID string) {
	d.mu.Lock()
	d.following = nodeID
	d.mu.Unlock()
}

// setRequirement raises or lowers reason at most once per state change; the
// guard counts raises.
func (d *Driver) setRequirement(reason string, raise bool) {
	d.mu.Lock()
	if d.raised[reason] == raise {
		d.mu.Unlock()
		return
	}
	d.raised[reason] = raise
	d.mu.Unlock()

	if raise {
		d.guard.Raise(reason)
	} else {
		d.guard.Lower(reason)
	}
}
