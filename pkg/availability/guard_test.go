package availability

import (
	"reflect"
	"sync"
	"testing"
	"time"
)

type countingObserver struct {
	mu   sync.Mutex
	last int
}

func (o *countingObserver) SetAvailabilityRequirements(count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last = count
}

func TestGuard_RaiseLowerReferenceCounted(t *testing.T) {
	g := NewGuard()
	if !g.IsAvailable() {
		t.Fatal("new guard should be available")
	}

	g.Raise("switching")
	g.Raise("switching")
	g.Raise("recovering")
	if g.IsAvailable() {
		t.Fatal("guard should be unavailable with raised requirements")
	}

	g.Lower("switching")
	if g.IsAvailable() {
		t.Fatal("one remaining hold of switching should keep the guard unavailable")
	}
	g.Lower("recovering")
	g.Lower("switching")
	if !g.IsAvailable() {
		t.Fatalf("guard should be available, still raised: %v", g.Requirements())
	}
}

func TestGuard_LowerUnknownIsNoop(t *testing.T) {
	g := NewGuard()
	g.Lower("never raised")
	if !g.IsAvailable() {
		t.Fatal("lowering an unknown reason must not make the guard unavailable")
	}
}

func TestGuard_AwaitAvailable(t *testing.T) {
	g := NewGuard()
	if !g.AwaitAvailable(0) {
		t.Fatal("available guard should not wait")
	}

	g.Raise("switching")
	start := time.Now()
	if g.AwaitAvailable(30 * time.Millisecond) {
		t.Fatal("expected timeout while requirement is raised")
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("AwaitAvailable returned before timeout")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		g.Lower("switching")
	}()
	if !g.AwaitAvailable(2 * time.Second) {
		t.Fatal("expected guard to become available")
	}
}

func TestGuard_AwaitSurvivesReRaise(t *testing.T) {
	g := NewGuard()
	g.Raise("a")

	done := make(chan bool, 1)
	go func() {
		done <- g.AwaitAvailable(500 * time.Millisecond)
	}()

	time.Sleep(10 * time.Millisecond)
	g.Raise("b")
	g.Lower("a")
	time.Sleep(10 * time.Millisecond)
	g.Lower("b")

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected waiter to observe availability")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter hung")
	}
}

func TestGuard_RequirementsAndObserver(t *testing.T) {
	obs := &countingObserver{}
	g := NewGuard(WithObserver(obs))

	g.Raise("z")
	g.Raise("a")
	if got := g.Requirements(); !reflect.DeepEqual(got, []string{"a", "z"}) {
		t.Fatalf("Requirements() = %v", got)
	}
	if obs.last != 2 {
		t.Fatalf("observer saw %d, want 2", obs.last)
	}
	g.Lower("a")
	g.Lower("z")
	if obs.last != 0 {
		t.Fatalf("observer saw %d, want 0", obs.last)
	}
}
