// Package availability gates operations that must not run while the node is
// switching roles, recovering or isolated from the cluster.
package availability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/graphkeep/graphkeep/pkg/logger"
)

// Common requirement names raised by node components.
const (
	ReasonNotJoined = "not yet joined cluster"
	ReasonIsolated  = "isolated from cluster"
	ReasonNoMaster  = "no master elected"
)

// Observer receives the number of distinct raised requirements after each change.
type Observer interface {
	SetAvailabilityRequirements(count int)
}

// Guard tracks named unavailability requirements. Each name is reference
// counted so independent callers can raise the same reason. The guard is
// available iff no requirement is raised.
type Guard struct {
	mu           sync.Mutex
	requirements map[string]int
	// availableCh is closed when the guard becomes available and replaced on
	// the next raise.
	availableCh chan struct{}

	logger   logger.Logger
	observer Observer
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the guard logger.
func WithLogger(l logger.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithObserver sets an observer notified of requirement count changes.
func WithObserver(o Observer) Option {
	return func(g *Guard) {
		g.observer = o
	}
}

// NewGuard creates an available guard.
func NewGuard(opts ...Option) *Guard {
	ch := make(chan struct{})
	close(ch)
	g := &Guard{
		requirements: make(map[string]int),
		availableCh:  ch,
		logger:       logger.Global(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Raise registers one hold of the named requirement.
func (g *Guard) Raise(reason string) {
	g.mu.Lock()
	if len(g.requirements) == 0 {
		g.availableCh = make(chan struct{})
	}
	g.requirements[reason]++
	holds := g.requirements[reason]
	count := len(g.requirements)
	g.mu.Unlock()

	g.logger.Debug("availability requirement raised", "reason", reason, "holds", holds)
	g.notify(count)
}

// Lower releases one hold of the named requirement. Lowering a reason that is
// not raised is a no-op.
func (g *Guard) Lower(reason string) {
	g.mu.Lock()
	holds, ok := g.requirements[reason]
	if !ok {
		g.mu.Unlock()
		g.logger.Warn("lowering availability requirement that is not raised", "reason", reason)
		return
	}
	if holds > 1 {
		g.requirements[reason] = holds - 1
	} else {
		delete(g.requirements, reason)
	}
	count := len(g.requirements)
	if count == 0 {
		close(g.availableCh)
	}
	g.mu.Unlock()

	g.logger.Debug("availability requirement lowered", "reason", reason, "holds", holds-1)
	if count == 0 {
		g.logger.Info("node is available")
	}
	g.notify(count)
}

// IsAvailable reports whether no requirement is currently raised.
func (g *Guard) IsAvailable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requirements) == 0
}

// AwaitAvailable blocks until the guard is available or timeout elapses.
func (g *Guard) AwaitAvailable(timeout time.Duration) bool {
	if timeout <= 0 {
		return g.IsAvailable()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Await(ctx)
}

// Await blocks until the guard is available or ctx is done.
func (g *Guard) Await(ctx context.Context) bool {
	for {
		g.mu.Lock()
		if len(g.requirements) == 0 {
			g.mu.Unlock()
			return true
		}
		ch := g.availableCh
		g.mu.Unlock()

		select {
		case <-ch:
			// re-check: another requirement may have been raised meanwhile
		case <-ctx.Done():
			return g.IsAvailable()
		}
	}
}

// Requirements returns the currently raised requirement names, sorted.
func (g *Guard) Requirements() []string {
	g.mu.Lock()
	out := make([]string, 0, len(g.requirements))
	for reason := range g.requirements {
		out = append(out, reason)
	}
	g.mu.Unlock()
	sort.Strings(out)
	return out
}

func (g *Guard) notify(count int) {
	if g.observer != nil {
		g.observer.SetAvailabilityRequirements(count)
	}
}
