package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/graphkeep/graphkeep/pkg/storage"
)

func requireRedisClient(tb testing.TB) redis.UniversalClient {
	tb.Helper()

	addr := os.Getenv("GRAPHKEEP_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		tb.Skipf("redis is not available at %s: %v", addr, err)
	}

	tb.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

// TestRedisStorageSuite runs the full epoch store suite against RedisStorage.
func TestRedisStorageSuite(t *testing.T) {
	suite := &storage.EpochStoreTestSuite{
		NewStore: func(t *testing.T) storage.EpochStore {
			client := requireRedisClient(t)
			prefix := "graphkeep-test-" + uuid.NewString()
			t.Cleanup(func() {
				ctx := context.Background()
				_ = client.Del(ctx, prefix+":epoch:counter", prefix+":epoch:current").Err()
			})
			return NewRedisStorage(client, prefix)
		},
	}
	suite.RunAllTests(t)
}

func TestRedisStorage_UnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	store := NewRedisStorage(client, "")
	_, err := store.Next(context.Background(), "node-1")
	if _, ok := err.(*storage.StorageUnavailableError); !ok {
		t.Fatalf("Next() error = %v, want StorageUnavailableError", err)
	}
	if store.Healthy(context.Background()) {
		t.Fatal("Healthy() = true for unreachable server")
	}
}
