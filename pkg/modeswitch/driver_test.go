package modeswitch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphkeep/graphkeep/pkg/availability"
	"github.com/graphkeep/graphkeep/pkg/cluster"
	"github.com/graphkeep/graphkeep/pkg/ha"
)

type fakeGroup struct {
	mu       sync.Mutex
	role     ha.Role
	calls    []string
	failures int
}

func (g *fakeGroup) Role() ha.Role {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.role
}

func (g *fakeGroup) do(name string, role ha.Role) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, name)
	if g.failures > 0 {
		g.failures--
		return errors.New("master unreachable")
	}
	g.role = role
	return nil
}

func (g *fakeGroup) SwitchToMaster(context.Context) error { return g.do("master", ha.RoleMaster) }
func (g *fakeGroup) SwitchToSlave(context.Context) error  { return g.do("slave", ha.RoleSlave) }
func (g *fakeGroup) SwitchToDetached(context.Context) error {
	return g.do("detached", ha.RoleDetached)
}
func (g *fakeGroup) Refresh(context.Context) error { return g.do("refresh", g.role) }

func (g *fakeGroup) history() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

type fakeElector struct {
	ch chan cluster.LeadershipState
}

func (e *fakeElector) Subscribe(context.Context) (<-chan cluster.LeadershipState, error) {
	return e.ch, nil
}

type driverFixture struct {
	coord   *cluster.MemoryCoordinator
	group   *fakeGroup
	elector *fakeElector
	guard   *availability.Guard
	driver  *Driver
}

func newDriverFixture(t *testing.T) *driverFixture {
	t.Helper()
	f := &driverFixture{
		coord:   cluster.NewMemoryCoordinator(),
		group:   &fakeGroup{},
		elector: &fakeElector{ch: make(chan cluster.LeadershipState, 8)},
		guard:   availability.NewGuard(),
	}
	ctx := context.Background()
	for _, id := range []string{"node-a", "node-b", "node-c"} {
		_, err := f.coord.Join(ctx, cluster.NodeRegistration{NodeID: id, Address: id + ":6362"}, time.Minute)
		require.NoError(t, err)
	}
	d, err := New(Config{NodeID: "node-a", RetryInterval: 10 * time.Millisecond}, f.group, f.elector, f.coord, f.guard, nil)
	require.NoError(t, err)
	f.driver = d
	return f
}

func (f *driverFixture) elect(t *testing.T, nodeID string) cluster.LeaderLease {
	t.Helper()
	lease, err := f.coord.AcquireLeaderLease(context.Background(), nodeID, time.Minute)
	require.NoError(t, err)
	return lease
}

func (f *driverFixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.driver.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestNew_RaisesNotJoined(t *testing.T) {
	f := newDriverFixture(t)
	assert.False(t, f.guard.IsAvailable())
	assert.Equal(t, []string{availability.ReasonNotJoined}, f.guard.Requirements())

	_, err := New(Config{}, f.group, f.elector, f.coord, f.guard, nil)
	assert.Error(t, err)
	_, err = New(Config{NodeID: "n"}, nil, f.elector, f.coord, f.guard, nil)
	assert.Error(t, err)
}

func TestReconcile_LeaderSwitchesToMaster(t *testing.T) {
	f := newDriverFixture(t)
	ctx := context.Background()
	f.elect(t, "node-a")
	f.driver.leader = true

	require.NoError(t, f.driver.Reconcile(ctx))
	require.NoError(t, f.driver.Reconcile(ctx))

	assert.Equal(t, []string{"master"}, f.group.history(), "renewals must not re-switch")
	assert.True(t, f.guard.IsAvailable())
	st := f.driver.Status()
	assert.Equal(t, "master", st.Role)
	assert.True(t, st.Leader)
}

func TestReconcile_FollowerSwitchesAndRefreshes(t *testing.T) {
	f := newDriverFixture(t)
	ctx := context.Background()

	lease := f.elect(t, "node-b")
	require.NoError(t, f.driver.Reconcile(ctx))
	require.NoError(t, f.driver.Reconcile(ctx))
	assert.Equal(t, []string{"slave"}, f.group.history())
	assert.Equal(t, "node-b", f.driver.Status().Following)
	assert.True(t, f.guard.IsAvailable())

	require.NoError(t, f.coord.ReleaseLeaderLease(ctx, lease.LeaseID))
	f.elect(t, "node-c")
	require.NoError(t, f.driver.Reconcile(ctx))
	assert.Equal(t, []string{"slave", "refresh"}, f.group.history())
	assert.Equal(t, "node-c", f.driver.Status().Following)
}

func TestReconcile_NoMasterKeepsGuardRaised(t *testing.T) {
	f := newDriverFixture(t)
	ctx := context.Background()

	require.NoError(t, f.driver.Reconcile(ctx))
	require.NoError(t, f.driver.Reconcile(ctx))

	assert.Empty(t, f.group.history())
	assert.ElementsMatch(t,
		[]string{availability.ReasonNotJoined, availability.ReasonNoMaster},
		f.guard.Requirements())

	f.elect(t, "node-b")
	require.NoError(t, f.driver.Reconcile(ctx))
	assert.True(t, f.guard.IsAvailable(), "each reason must be lowered exactly as often as it was raised")
}

func TestReconcile_LostLeadershipDetaches(t *testing.T) {
	f := newDriverFixture(t)
	ctx := context.Background()
	lease := f.elect(t, "node-a")
	f.driver.leader = true
	require.NoError(t, f.driver.Reconcile(ctx))

	require.NoError(t, f.coord.ReleaseLeaderLease(ctx, lease.LeaseID))
	f.driver.leader = false
	require.NoError(t, f.driver.Reconcile(ctx))

	assert.Equal(t, []string{"master", "detached"}, f.group.history())
	assert.False(t, f.guard.IsAvailable())
}

func TestReconcile_LeaseTakenByAnotherNodeDetachesFirst(t *testing.T) {
	f := newDriverFixture(t)
	ctx := context.Background()
	lease := f.elect(t, "node-a")
	f.driver.leader = true
	require.NoError(t, f.driver.Reconcile(ctx))

	require.NoError(t, f.coord.ReleaseLeaderLease(ctx, lease.LeaseID))
	f.elect(t, "node-b")
	f.driver.leader = false
	require.NoError(t, f.driver.Reconcile(ctx))

	assert.Equal(t, []string{"master", "detached", "slave"}, f.group.history())
	assert.Equal(t, "node-b", f.driver.Status().Following)
	assert.True(t, f.guard.IsAvailable())
}

func TestObserveHealth(t *testing.T) {
	f := newDriverFixture(t)
	f.elect(t, "node-b")
	require.NoError(t, f.driver.Reconcile(context.Background()))
	require.True(t, f.guard.IsAvailable())

	f.driver.ObserveHealth(cluster.HealthStateHealthy, cluster.HealthStateUnhealthy)
	f.driver.ObserveHealth(cluster.HealthStateUnhealthy, cluster.HealthStateUnhealthy)
	assert.Equal(t, []string{availability.ReasonIsolated}, f.guard.Requirements())

	f.driver.ObserveHealth(cluster.HealthStateUnhealthy, cluster.HealthStateHealthy)
	assert.True(t, f.guard.IsAvailable())
}

func TestRun_IsolationDetaches(t *testing.T) {
	tests := []struct {
		name   string
		leader string
		role   ha.Role
		first  string
	}{
		{name: "master", leader: "node-a", role: ha.RoleMaster, first: "master"},
		{name: "slave", leader: "node-b", role: ha.RoleSlave, first: "slave"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDriverFixture(t)
			lease := f.elect(t, tt.leader)
			f.run(t)

			f.elector.ch <- cluster.LeadershipState{IsLeader: tt.leader == "node-a", Lease: lease, Reason: "init"}
			require.Eventually(t, func() bool {
				return f.group.Role() == tt.role
			}, 2*time.Second, 5*time.Millisecond)

			f.driver.ObserveHealth(cluster.HealthStateHealthy, cluster.HealthStateUnhealthy)
			require.Eventually(t, func() bool {
				return f.group.Role() == ha.RoleDetached
			}, 2*time.Second, 5*time.Millisecond)
			assert.Equal(t, []string{tt.first, "detached"}, f.group.history())
			assert.Contains(t, f.guard.Requirements(), availability.ReasonIsolated)

			f.driver.ObserveHealth(cluster.HealthStateUnhealthy, cluster.HealthStateHealthy)
			require.Eventually(t, func() bool {
				return f.group.Role() == tt.role
			}, 2*time.Second, 5*time.Millisecond)
			assert.Equal(t, []string{tt.first, "detached", tt.first}, f.group.history())
			assert.True(t, f.guard.AwaitAvailable(time.Second))
		})
	}
}

func TestRun_RetriesFailedTransition(t *testing.T) {
	f := newDriverFixture(t)
	f.group.failures = 2
	f.elect(t, "node-b")
	f.run(t)

	f.elector.ch <- cluster.LeadershipState{IsLeader: false, Reason: "init"}

	require.Eventually(t, func() bool {
		return f.group.Role() == ha.RoleSlave
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"slave", "slave", "slave"}, f.group.history())
	assert.Empty(t, f.driver.Status().LastError)
	assert.True(t, f.guard.AwaitAvailable(time.Second))
}

func TestRun_FollowsLeadershipAndLeaderEvents(t *testing.T) {
	f := newDriverFixture(t)
	f.run(t)

	f.elector.ch <- cluster.LeadershipState{IsLeader: false, Reason: "init"}
	lease := f.elect(t, "node-b")
	require.Eventually(t, func() bool {
		return f.group.Role() == ha.RoleSlave
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.coord.ReleaseLeaderLease(context.Background(), lease.LeaseID))
	lease = f.elect(t, "node-a")
	f.elector.ch <- cluster.LeadershipState{IsLeader: true, Lease: lease, Reason: "acquired"}
	require.Eventually(t, func() bool {
		return f.group.Role() == ha.RoleMaster
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, f.driver.Status().Leader)
}
