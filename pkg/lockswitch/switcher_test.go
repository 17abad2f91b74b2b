package lockswitch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphkeep/graphkeep/pkg/availability"
	"github.com/graphkeep/graphkeep/pkg/delegate"
	"github.com/graphkeep/graphkeep/pkg/ha"
	"github.com/graphkeep/graphkeep/pkg/locks"
	"github.com/graphkeep/graphkeep/pkg/master"
	"github.com/graphkeep/graphkeep/pkg/reqctx"
	"github.com/graphkeep/graphkeep/pkg/slave"
)

var node1 = locks.Resource{Type: locks.ResourceNode, ID: 1}

type countingFactory struct {
	mu      sync.Mutex
	created []*locks.Manager
}

func (f *countingFactory) factory() locks.Factory {
	return func() locks.Locks {
		m := locks.NewManager(time.Second)
		f.mu.Lock()
		f.created = append(f.created, m)
		f.mu.Unlock()
		return m
	}
}

type fixture struct {
	handler *delegate.Handler[locks.Locks]
	masters *delegate.Handler[master.Master]
	guard   *availability.Guard
	created *countingFactory
	sw      *Switcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		handler: delegate.New[locks.Locks](Name),
		masters: delegate.New[master.Master]("master"),
		guard:   availability.NewGuard(),
		created: &countingFactory{},
	}
	if cfg.Slave.MaxRetries == 0 {
		cfg.Slave = slave.Config{MaxRetries: 2, AvailabilityTimeout: 50 * time.Millisecond, RetryInterval: time.Millisecond}
	}
	sw, err := New(f.handler, f.masters, reqctx.NewFactoryWithSession("node-2"), f.guard, f.created.factory(), cfg, nil)
	require.NoError(t, err)
	f.sw = sw
	return f
}

func bound(t *testing.T, h *delegate.Handler[locks.Locks]) locks.Locks {
	t.Helper()
	l, err := h.Cement()
	require.NoError(t, err)
	return l
}

func TestSwitcher_MasterUsesFreshTable(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.sw.SwitchToMaster(ctx))
	first := bound(t, f.handler)
	_, err := first.Acquire(ctx, "tx-1", node1, locks.ModeExclusive)
	require.NoError(t, err)

	require.NoError(t, f.sw.Refresh(ctx))
	second := bound(t, f.handler)
	assert.NotSame(t, first, second)

	// the new epoch inherits nothing
	_, err = second.Acquire(ctx, "tx-2", node1, locks.ModeExclusive)
	require.NoError(t, err)

	_, err = first.Acquire(ctx, "tx-3", node1, locks.ModeShared)
	assert.ErrorIs(t, err, locks.ErrClosed)
}

func TestSwitcher_SlaveWrapsLocalManager(t *testing.T) {
	f := newFixture(t, Config{})
	srv := master.NewServer(1, locks.NewManager(time.Second))
	t.Cleanup(func() { _ = srv.Close() })
	f.masters.SetTarget(srv)
	ctx := context.Background()

	require.NoError(t, f.sw.SwitchToSlave(ctx))
	assert.Equal(t, ha.RoleSlave, f.sw.Role())

	current, ok := f.sw.Current()
	require.True(t, ok)
	sl, ok := current.(*slave.LockManager)
	require.True(t, ok)
	assert.Same(t, current, bound(t, f.handler))

	h, err := sl.Acquire(ctx, "tx-1", node1, locks.ModeExclusive)
	require.NoError(t, err)
	assert.Len(t, f.sw.Shadow(), 1)
	assert.Len(t, srv.Table().Held(), 1)

	// switching away ends the session on the master
	require.NoError(t, f.sw.SwitchToMaster(ctx))
	assert.Empty(t, srv.Table().Held())
	assert.Nil(t, f.sw.Shadow())
	assert.ErrorIs(t, sl.Release(ctx, h), locks.ErrClosed)
}

func TestSwitcher_ShutdownClosesTracked(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.sw.SwitchToMaster(ctx))
	current, ok := f.sw.Current()
	require.True(t, ok)

	require.NoError(t, f.sw.Shutdown(ctx))
	_, ok = f.sw.Current()
	assert.False(t, ok)
	assert.False(t, f.handler.Bound())
	assert.Equal(t, ha.RoleUnknown, f.sw.Role())

	_, err := current.Acquire(ctx, "tx-1", node1, locks.ModeShared)
	assert.ErrorIs(t, err, locks.ErrClosed)

	require.NoError(t, f.sw.Shutdown(ctx))
}

func TestSwitcher_MasterLocksProvider(t *testing.T) {
	srv := master.NewServer(5, locks.NewManager(time.Second))
	t.Cleanup(func() { _ = srv.Close() })

	f := newFixture(t, Config{MasterLocks: func(context.Context) (locks.Locks, error) {
		return srv.LocalLocks(), nil
	}})
	ctx := context.Background()

	require.NoError(t, f.sw.SwitchToMaster(ctx))
	_, err := bound(t, f.handler).Acquire(ctx, "tx-1", node1, locks.ModeExclusive)
	require.NoError(t, err)
	assert.Len(t, srv.Table().Held(), 1)
	assert.Empty(t, f.created.created)

	require.NoError(t, f.sw.SwitchToDetached(ctx))
	assert.Empty(t, srv.Table().Held())
}

func TestSwitcher_MasterLocksProviderFailure(t *testing.T) {
	f := newFixture(t, Config{MasterLocks: func(context.Context) (locks.Locks, error) {
		return nil, errors.New("no master epoch bound")
	}})
	ctx := context.Background()

	require.NoError(t, f.sw.SwitchToSlave(ctx))
	before := bound(t, f.handler)

	err := f.sw.SwitchToMaster(ctx)
	require.Error(t, err)
	assert.True(t, ha.IsConstructionError(err))
	assert.Same(t, before, bound(t, f.handler))
	assert.Equal(t, ha.RoleSlave, f.sw.Role())
}
