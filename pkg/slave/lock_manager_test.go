package slave

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/graphkeep/graphkeep/pkg/switcher"
)

var node1 = locks.Resource{Type: locks.ResourceNode, ID: 1}

// scriptedMaster answers acquires from a script, then grants.
type scriptedMaster struct {
	epoch uint64

	mu         sync.Mutex
	acquires   []master.LockResponse
	acquireErr []error
	calls      int
	sent       []reqctx.RequestContext
	released   []reqctx.RequestContext
	ended      []string
	releaseErr error
	endErr     error
}

func (s *scriptedMaster) Epoch() uint64 { return s.epoch }

func (s *scriptedMaster) AcquireLock(_ context.Context, rc reqctx.RequestContext, _ locks.Resource, _ locks.Mode) (master.LockResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	s.sent = append(s.sent, rc)
	if i < len(s.acquireErr) && s.acquireErr[i] != nil {
		return master.LockResponse{}, s.acquireErr[i]
	}
	if i < len(s.acquires) {
		return s.acquires[i], nil
	}
	return master.LockResponse{Status: master.StatusGranted, Epoch: rc.Epoch}, nil
}

func (s *scriptedMaster) ReleaseLock(_ context.Context, rc reqctx.RequestContext, _ locks.Resource, _ locks.Mode) (master.LockResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.releaseErr != nil {
		return master.LockResponse{}, s.releaseErr
	}
	s.released = append(s.released, rc)
	return master.LockResponse{Status: master.StatusGranted, Epoch: s.epoch}, nil
}

func (s *scriptedMaster) EndLockSession(_ context.Context, rc reqctx.RequestContext) (master.LockResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endErr != nil {
		return master.LockResponse{}, s.endErr
	}
	s.ended = append(s.ended, rc.Tx)
	return master.LockResponse{Status: master.StatusGranted, Epoch: s.epoch}, nil
}

func (s *scriptedMaster) setEndErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endErr = err
}

func (s *scriptedMaster) sequences() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.sent))
	for i, rc := range s.sent {
		out[i] = rc.Sequence
	}
	return out
}

func (s *scriptedMaster) Close() error { return nil }

func (s *scriptedMaster) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	masters *delegate.Handler[master.Master]
	guard   *availability.Guard
	local   *locks.Manager
	manager *LockManager
}

func newFixture(t *testing.T, m master.Master, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		masters: delegate.New[master.Master]("master"),
		guard:   availability.NewGuard(),
		local:   locks.NewManager(time.Second),
	}
	if m != nil {
		f.masters.SetTarget(m)
	}
	f.manager = NewLockManager(f.local, f.masters, reqctx.NewFactoryWithSession("slave-a"), f.guard, cfg)
	t.Cleanup(func() { _ = f.manager.Close() })
	return f
}

func testConfig() Config {
	return Config{MaxRetries: 3, AvailabilityTimeout: 50 * time.Millisecond, RetryInterval: time.Millisecond}
}

func TestLockManager_AcquireRecordsShadowAndMirror(t *testing.T) {
	m := &scriptedMaster{epoch: 4}
	f := newFixture(t, m, testConfig())

	h, err := f.manager.Acquire(context.Background(), "tx-1", node1, locks.ModeExclusive)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", h.Tx)

	held := f.manager.Held()
	require.Len(t, held, 1)
	assert.Equal(t, uint64(4), held[0].Epoch)
	assert.Len(t, f.local.Held(), 1)
}

func TestLockManager_ReleaseClearsShadow(t *testing.T) {
	m := &scriptedMaster{epoch: 1}
	f := newFixture(t, m, testConfig())
	ctx := context.Background()

	h, err := f.manager.Acquire(ctx, "tx-1", node1, locks.ModeExclusive)
	require.NoError(t, err)
	require.NoError(t, f.manager.Release(ctx, h))

	assert.Empty(t, f.manager.Held())
	assert.Empty(t, f.local.Held())
	require.Len(t, m.released, 1)
	assert.Equal(t, uint64(1), m.released[0].Epoch)

	assert.ErrorIs(t, f.manager.Release(ctx, h), locks.ErrUnknownHandle)
}

func TestLockManager_ReleaseWithUnreachableMaster(t *testing.T) {
	m := &scriptedMaster{epoch: 1}
	f := newFixture(t, m, testConfig())
	ctx := context.Background()

	h, err := f.manager.Acquire(ctx, "tx-1", node1, locks.ModeExclusive)
	require.NoError(t, err)

	m.releaseErr = errors.New("connection refused")
	err = f.manager.Release(ctx, h)
	require.Error(t, err)
	assert.True(t, ha.IsUnavailableError(err))
	assert.Empty(t, f.manager.Held())
	assert.Empty(t, f.local.Held())
}

// switchingMaster publishes the next master before its first request lands,
// so that request reaches a retired epoch.
type switchingMaster struct {
	*master.Server
	once    sync.Once
	masters *delegate.Handler[master.Master]
	next    master.Master
}

func (m *switchingMaster) AcquireLock(ctx context.Context, rc reqctx.RequestContext, r locks.Resource, mode locks.Mode) (master.LockResponse, error) {
	m.once.Do(func() {
		_ = m.masters.Replace(m.next, func(prev master.Master, bound bool) error {
			return m.Server.Close()
		})
	})
	return m.Server.AcquireLock(ctx, rc, r, mode)
}

func TestLockManager_RetriesAfterMasterSwitch(t *testing.T) {
	ctx := context.Background()
	next := master.NewServer(2, locks.NewManager(time.Second))
	t.Cleanup(func() { _ = next.Close() })

	f := newFixture(t, nil, testConfig())
	old := &switchingMaster{
		Server:  master.NewServer(1, locks.NewManager(time.Second)),
		masters: f.masters,
		next:    next,
	}
	f.masters.SetTarget(old)

	h, err := f.manager.Acquire(ctx, "tx-1", node1, locks.ModeExclusive)
	require.NoError(t, err)

	held := f.manager.Held()
	require.Len(t, held, 1)
	assert.Equal(t, h.ID, held[0].Handle.ID)
	assert.Equal(t, uint64(2), held[0].Epoch)
	assert.Len(t, next.Table().Held(), 1)
	assert.Empty(t, old.Table().Held())
}

func TestLockManager_StaleGrantIsRetried(t *testing.T) {
	m := &scriptedMaster{
		epoch: 7,
		acquires: []master.LockResponse{
			{Status: master.StatusStaleEpoch, Epoch: 8},
			{Status: master.StatusGranted, Epoch: 6},
		},
	}
	f := newFixture(t, m, testConfig())

	_, err := f.manager.Acquire(context.Background(), "tx-1", node1, locks.ModeShared)
	require.NoError(t, err)
	assert.Equal(t, 3, m.callCount())
	// the grant from epoch 6 was handed back
	assert.Len(t, m.released, 1)
}

func TestLockManager_FencingExhaustion(t *testing.T) {
	stale := master.LockResponse{Status: master.StatusStaleEpoch, Epoch: 9}
	m := &scriptedMaster{
		epoch:    3,
		acquires: []master.LockResponse{stale, stale, stale, stale, stale},
	}
	f := newFixture(t, m, testConfig())

	_, err := f.manager.Acquire(context.Background(), "tx-1", node1, locks.ModeExclusive)
	require.Error(t, err)
	assert.True(t, ha.IsUnavailableError(err))
	assert.True(t, ha.IsFencingError(err))

	var fe *ha.FencingError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, uint64(3), fe.Presented)
	assert.Equal(t, uint64(9), fe.Current)
	assert.Equal(t, 4, m.callCount())
	assert.Empty(t, f.manager.Held())
}

func TestLockManager_OutOfOrderIsRetried(t *testing.T) {
	m := &scriptedMaster{
		epoch:    1,
		acquires: []master.LockResponse{{Status: master.StatusOutOfOrder, Epoch: 1}},
	}
	f := newFixture(t, m, testConfig())

	_, err := f.manager.Acquire(context.Background(), "tx-1", node1, locks.ModeExclusive)
	require.NoError(t, err)
	assert.Equal(t, 2, m.callCount())
}

func TestLockManager_GuardUnavailableFailsFast(t *testing.T) {
	m := &scriptedMaster{epoch: 1}
	f := newFixture(t, m, testConfig())
	f.guard.Raise("switching to slave")

	start := time.Now()
	_, err := f.manager.Acquire(context.Background(), "tx-1", node1, locks.ModeExclusive)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var ue *ha.UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, []string{"switching to slave"}, ue.Reasons)
	assert.Zero(t, m.callCount())
}

func TestLockManager_TransportErrors(t *testing.T) {
	t.Run("retried while available", func(t *testing.T) {
		m := &scriptedMaster{epoch: 1, acquireErr: []error{errors.New("broken pipe")}}
		f := newFixture(t, m, testConfig())

		_, err := f.manager.Acquire(context.Background(), "tx-1", node1, locks.ModeExclusive)
		require.NoError(t, err)
		assert.Equal(t, 2, m.callCount())
	})

	t.Run("fail fast when isolated", func(t *testing.T) {
		f := newFixture(t, nil, testConfig())
		m := &isolatingMaster{scriptedMaster: scriptedMaster{epoch: 1}, guard: f.guard}
		f.masters.SetTarget(m)

		_, err := f.manager.Acquire(context.Background(), "tx-1", node1, locks.ModeExclusive)
		require.Error(t, err)
		assert.True(t, ha.IsUnavailableError(err))
		// no retry; the unanswered request is resent once to settle it
		assert.Equal(t, 2, m.callCount())
		assert.Equal(t, []uint64{1, 1}, m.sequences())
	})
}

// lossyMaster serves acquires from a real server but loses the reply to the
// first one after the server granted it.
type lossyMaster struct {
	*master.Server

	mu      sync.Mutex
	dropped bool
	sent    []reqctx.RequestContext
	onLoss  func()
}

func (m *lossyMaster) AcquireLock(ctx context.Context, rc reqctx.RequestContext, r locks.Resource, mode locks.Mode) (master.LockResponse, error) {
	resp, err := m.Server.AcquireLock(ctx, rc, r, mode)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, rc)
	if err != nil || m.dropped {
		return resp, err
	}
	m.dropped = true
	if m.onLoss != nil {
		m.onLoss()
	}
	return master.LockResponse{}, errors.New("connection reset by peer")
}

func (m *lossyMaster) requests() []reqctx.RequestContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]reqctx.RequestContext(nil), m.sent...)
}

func TestLockManager_LostGrantReplyIsNotCountedTwice(t *testing.T) {
	ctx := context.Background()
	srv := master.NewServer(1, locks.NewManager(time.Second))
	t.Cleanup(func() { _ = srv.Close() })
	lossy := &lossyMaster{Server: srv}
	a := newFixture(t, lossy, testConfig())

	h, err := a.manager.Acquire(ctx, "tx-1", node1, locks.ModeExclusive)
	require.NoError(t, err)
	sent := lossy.requests()
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0], sent[1])
	assert.Len(t, srv.Table().Held(), 1)

	require.NoError(t, a.manager.Release(ctx, h))
	assert.Empty(t, srv.Table().Held())

	b := newFixture(t, srv, testConfig())
	b.manager.contexts = reqctx.NewFactoryWithSession("slave-b")
	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = b.manager.Acquire(waitCtx, "tx-1", node1, locks.ModeExclusive)
	assert.NoError(t, err)
}

func TestLockManager_CancelAfterLostReplyHandsGrantBack(t *testing.T) {
	srv := master.NewServer(1, locks.NewManager(time.Second))
	t.Cleanup(func() { _ = srv.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lossy := &lossyMaster{Server: srv, onLoss: cancel}
	f := newFixture(t, lossy, testConfig())

	_, err := f.manager.Acquire(ctx, "tx-1", node1, locks.ModeExclusive)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, lossy.requests(), 2)
	assert.Empty(t, f.manager.Held())
	assert.Empty(t, srv.Table().Held())
}

// closingLocks closes the slave manager as soon as a mirror lock is granted.
type closingLocks struct {
	*locks.Manager
	close func()
}

func (l *closingLocks) Acquire(ctx context.Context, tx string, r locks.Resource, mode locks.Mode) (locks.Handle, error) {
	h, err := l.Manager.Acquire(ctx, tx, r, mode)
	if err == nil && l.close != nil {
		l.close()
	}
	return h, err
}

func TestLockManager_CloseDuringAcquireHandsLockBack(t *testing.T) {
	srv := master.NewServer(1, locks.NewManager(time.Second))
	t.Cleanup(func() { _ = srv.Close() })
	masters := delegate.New[master.Master]("master")
	masters.SetTarget(srv)

	local := &closingLocks{Manager: locks.NewManager(time.Second)}
	mgr := NewLockManager(local, masters, reqctx.NewFactoryWithSession("slave-a"), availability.NewGuard(), testConfig())
	local.close = func() { _ = mgr.Close() }

	_, err := mgr.Acquire(context.Background(), "tx-1", node1, locks.ModeExclusive)
	assert.ErrorIs(t, err, locks.ErrClosed)
	assert.Empty(t, mgr.Held())
	assert.Empty(t, srv.Table().Held())
}

// isolatingMaster raises the isolation requirement and fails the request.
type isolatingMaster struct {
	scriptedMaster
	guard *availability.Guard
}

func (m *isolatingMaster) AcquireLock(ctx context.Context, rc reqctx.RequestContext, r locks.Resource, mode locks.Mode) (master.LockResponse, error) {
	m.guard.Raise(availability.ReasonIsolated)
	m.mu.Lock()
	m.calls++
	m.sent = append(m.sent, rc)
	m.mu.Unlock()
	return master.LockResponse{}, errors.New("no route to host")
}

func TestLockManager_DeniedAndTimeout(t *testing.T) {
	m := &scriptedMaster{
		epoch: 1,
		acquires: []master.LockResponse{
			{Status: master.StatusDenied, Epoch: 1, Reason: "deadlock"},
			{Status: master.StatusTimeout, Epoch: 1},
		},
	}
	f := newFixture(t, m, testConfig())
	ctx := context.Background()

	_, err := f.manager.Acquire(ctx, "tx-1", node1, locks.ModeExclusive)
	assert.True(t, locks.IsDeniedError(err))

	_, err = f.manager.Acquire(ctx, "tx-1", node1, locks.ModeExclusive)
	assert.True(t, locks.IsTimeoutError(err))
	assert.Empty(t, f.manager.Held())
}

func TestLockManager_UnboundMaster(t *testing.T) {
	f := newFixture(t, nil, testConfig())

	_, err := f.manager.Acquire(context.Background(), "tx-1", node1, locks.ModeExclusive)
	require.Error(t, err)
	assert.True(t, ha.IsUnavailableError(err))
	assert.ErrorIs(t, err, delegate.ErrUnbound)
}

func TestLockManager_ConcurrentAcquiresAgainstServer(t *testing.T) {
	srv := master.NewServer(1, locks.NewManager(2*time.Second))
	t.Cleanup(func() { _ = srv.Close() })
	a := newFixture(t, srv, testConfig())
	b := newFixture(t, srv, testConfig())
	b.manager.contexts = reqctx.NewFactoryWithSession("slave-b")

	const n = 20
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := 0; i < n; i++ {
		for _, f := range []*fixture{a, b} {
			wg.Add(1)
			go func(f *fixture, i int) {
				defer wg.Done()
				tx := fmt.Sprintf("tx-%d", i)
				h, err := f.manager.Acquire(ctx, tx, node1, locks.ModeExclusive)
				if err != nil {
					errs <- err
					return
				}
				errs <- f.manager.Release(ctx, h)
			}(f, i)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("concurrent acquires did not complete")
	}
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Empty(t, srv.Table().Held())
}

func TestLockManager_ConcurrentAcquiresDuringGroupSwitch(t *testing.T) {
	srv := master.NewServer(1, locks.NewManager(time.Second))
	t.Cleanup(func() { _ = srv.Close() })
	f := newFixture(t, srv, Config{MaxRetries: 3, AvailabilityTimeout: time.Second, RetryInterval: time.Millisecond})

	slow := func(context.Context) (string, error) {
		time.Sleep(5 * time.Millisecond)
		return "index", nil
	}
	indexes, err := switcher.New("indexes", delegate.New[string]("indexes"), switcher.Strategy[string]{Master: slow, Slave: slow})
	require.NoError(t, err)
	group := switcher.NewGroup(f.guard, nil)
	require.NoError(t, group.Register(indexes))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switched := make(chan error, 1)
	go func() {
		for range 5 {
			if err := group.SwitchToSlave(ctx); err != nil {
				switched <- err
				return
			}
			if err := group.SwitchToMaster(ctx); err != nil {
				switched <- err
				return
			}
		}
		switched <- nil
	}()

	const n = 20
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := f.manager.Acquire(ctx, fmt.Sprintf("tx-%d", i), node1, locks.ModeExclusive)
			if err != nil {
				results <- err
				return
			}
			results <- f.manager.Release(ctx, h)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("acquires did not finish while the group switched")
	}
	require.NoError(t, <-switched)

	close(results)
	for err := range results {
		if err != nil {
			assert.True(t, ha.IsUnavailableError(err) || locks.IsTimeoutError(err), "untyped error: %v", err)
		}
	}
	assert.Equal(t, ha.RoleMaster, group.Role())
	assert.Empty(t, f.manager.Held())
	assert.Empty(t, srv.Table().Held())
}

func TestLockManager_CloseEndsSessions(t *testing.T) {
	m := &scriptedMaster{epoch: 1}
	f := newFixture(t, m, testConfig())
	ctx := context.Background()

	for _, tx := range []string{"tx-2", "tx-1", "tx-2"} {
		_, err := f.manager.Acquire(ctx, tx, locks.Resource{Type: locks.ResourceNode, ID: int64(len(tx))}, locks.ModeShared)
		require.NoError(t, err)
	}
	require.NoError(t, f.manager.Close())
	require.NoError(t, f.manager.Close())

	assert.Equal(t, []string{"tx-1", "tx-2"}, m.ended)
	assert.Empty(t, f.manager.Held())

	_, err := f.manager.Acquire(ctx, "tx-3", node1, locks.ModeShared)
	assert.ErrorIs(t, err, locks.ErrClosed)
}

func TestLockManager_EndTx(t *testing.T) {
	m := &scriptedMaster{epoch: 1}
	f := newFixture(t, m, testConfig())
	ctx := context.Background()

	_, err := f.manager.Acquire(ctx, "tx-1", node1, locks.ModeShared)
	require.NoError(t, err)
	_, err = f.manager.Acquire(ctx, "tx-2", node1, locks.ModeShared)
	require.NoError(t, err)

	require.NoError(t, f.manager.EndTx(ctx, "tx-1"))
	held := f.manager.Held()
	require.Len(t, held, 1)
	assert.Equal(t, "tx-2", held[0].Handle.Tx)
	assert.Equal(t, []string{"tx-1"}, m.ended)
}

func TestLockManager_EndTxKeepsSequenceUntilSessionEnds(t *testing.T) {
	m := &scriptedMaster{epoch: 1}
	f := newFixture(t, m, testConfig())
	ctx := context.Background()
	acquire := func() {
		t.Helper()
		_, err := f.manager.Acquire(ctx, "tx-1", node1, locks.ModeShared)
		require.NoError(t, err)
	}

	acquire()
	m.setEndErr(errors.New("connection refused"))
	require.Error(t, f.manager.EndTx(ctx, "tx-1"))

	acquire()
	m.setEndErr(nil)
	require.NoError(t, f.manager.EndTx(ctx, "tx-1"))

	acquire()
	assert.Equal(t, []uint64{1, 2, 1}, m.sequences())
}
