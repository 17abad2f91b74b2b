package badger

import (
	"context"
	"testing"

	"github.com/graphkeep/graphkeep/pkg/storage"
)

func newTestConfig(t *testing.T) *Config {
	return &Config{
		Path:              t.TempDir(),
		SyncWrites:        false,
		ValueLogFileSize:  1 << 20,
		NumVersionsToKeep: 1,
	}
}

// TestBadgerStorageSuite runs the full epoch store suite against BadgerStorage.
func TestBadgerStorageSuite(t *testing.T) {
	suite := &storage.EpochStoreTestSuite{
		NewStore: func(t *testing.T) storage.EpochStore {
			db, err := NewBadgerStorage(newTestConfig(t))
			if err != nil {
				t.Fatalf("Failed to create BadgerStorage: %v", err)
			}
			return db
		},
	}
	suite.RunAllTests(t)
}

func TestBadgerStorage_EpochSurvivesReopen(t *testing.T) {
	config := newTestConfig(t)
	ctx := context.Background()

	db, err := NewBadgerStorage(config)
	if err != nil {
		t.Fatalf("NewBadgerStorage() failed: %v", err)
	}
	var last storage.Epoch
	for i := 0; i < 3; i++ {
		if last, err = db.Next(ctx, "node-1"); err != nil {
			t.Fatalf("Next() failed: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	reopened, err := NewBadgerStorage(config)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	current, err := reopened.Current(ctx)
	if err != nil {
		t.Fatalf("Current() failed: %v", err)
	}
	if current.Number != last.Number {
		t.Fatalf("Current().Number = %d, want %d", current.Number, last.Number)
	}

	next, err := reopened.Next(ctx, "node-2")
	if err != nil {
		t.Fatalf("Next() failed: %v", err)
	}
	if next.Number != last.Number+1 {
		t.Fatalf("Next().Number = %d, want %d", next.Number, last.Number+1)
	}
}

func TestNewBadgerStorage_Unavailable(t *testing.T) {
	config := newTestConfig(t)
	db, err := NewBadgerStorage(config)
	if err != nil {
		t.Fatalf("NewBadgerStorage() failed: %v", err)
	}
	defer db.Close()

	// the directory is locked by the first instance
	_, err = NewBadgerStorage(config)
	if _, ok := err.(*storage.StorageUnavailableError); !ok {
		t.Fatalf("second open error = %v, want StorageUnavailableError", err)
	}
}
