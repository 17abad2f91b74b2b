package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// EpochStoreTestSuite defines a test suite that can be run against any EpochStore implementation.
type EpochStoreTestSuite struct {
	NewStore func(t *testing.T) EpochStore
}

// RunAllTests runs all epoch store tests against the provided implementation.
func (s *EpochStoreTestSuite) RunAllTests(t *testing.T) {
	t.Run("CurrentBeforeFirstEpoch", s.TestCurrentBeforeFirstEpoch)
	t.Run("NextIsMonotonic", s.TestNextIsMonotonic)
	t.Run("CurrentReturnsLastIssued", s.TestCurrentReturnsLastIssued)
	t.Run("ConcurrentNext", s.TestConcurrentNext)
}

// TestCurrentBeforeFirstEpoch tests that an empty store reports no epoch.
func (s *EpochStoreTestSuite) TestCurrentBeforeFirstEpoch(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	_, err := store.Current(context.Background())
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Current() error = %v, want NotFoundError", err)
	}
}

// TestNextIsMonotonic tests that every issued epoch is greater than the previous one.
func (s *EpochStoreTestSuite) TestNextIsMonotonic(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	var last uint64
	for i := 0; i < 10; i++ {
		e, err := store.Next(ctx, "node-1")
		if err != nil {
			t.Fatalf("Next() failed: %v", err)
		}
		if e.Number <= last {
			t.Fatalf("Next() = %d after %d, want strictly increasing", e.Number, last)
		}
		last = e.Number
	}
}

// TestCurrentReturnsLastIssued tests that Current reflects the latest Next.
func (s *EpochStoreTestSuite) TestCurrentReturnsLastIssued(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	if _, err := store.Next(ctx, "node-1"); err != nil {
		t.Fatalf("Next() failed: %v", err)
	}
	issued, err := store.Next(ctx, "node-2")
	if err != nil {
		t.Fatalf("Next() failed: %v", err)
	}

	current, err := store.Current(ctx)
	if err != nil {
		t.Fatalf("Current() failed: %v", err)
	}
	if current.Number != issued.Number {
		t.Errorf("Current().Number = %d, want %d", current.Number, issued.Number)
	}
	if current.Master != "node-2" {
		t.Errorf("Current().Master = %q, want node-2", current.Master)
	}
	if current.IssuedAt.IsZero() {
		t.Error("Current().IssuedAt is zero")
	}
}

// TestConcurrentNext tests that concurrent callers never receive the same epoch.
func (s *EpochStoreTestSuite) TestConcurrentNext(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	const workers = 8
	const perWorker = 10

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				e, err := store.Next(ctx, fmt.Sprintf("node-%d", w))
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				if seen[e.Number] {
					mu.Unlock()
					errs <- fmt.Errorf("epoch %d issued twice", e.Number)
					return
				}
				seen[e.Number] = true
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if len(seen) != workers*perWorker {
		t.Errorf("issued %d distinct epochs, want %d", len(seen), workers*perWorker)
	}
}
