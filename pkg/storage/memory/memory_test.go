package memory

import (
	"testing"

	"github.com/graphkeep/graphkeep/pkg/storage"
)

// TestMemoryStorageSuite runs the full epoch store suite against MemoryStorage.
func TestMemoryStorageSuite(t *testing.T) {
	suite := &storage.EpochStoreTestSuite{
		NewStore: func(t *testing.T) storage.EpochStore {
			return NewMemoryStorage()
		},
	}
	suite.RunAllTests(t)
}
