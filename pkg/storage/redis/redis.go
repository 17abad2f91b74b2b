// Package redis provides an epoch store shared by every node of a cluster
// through a Redis server.
package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/graphkeep/graphkeep/pkg/storage"
)

// nextEpochScript increments the counter and records the holder atomically.
var nextEpochScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
redis.call('HSET', KEYS[2], 'number', n, 'master', ARGV[1], 'issued_at', ARGV[2])
return n
`)

// RedisStorage implements storage.EpochStore on Redis.
type RedisStorage struct {
	client     redis.UniversalClient
	counterKey string
	recordKey  string
}

// NewRedisStorage creates a store keeping its keys under prefix.
func NewRedisStorage(client redis.UniversalClient, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = "graphkeep"
	}
	return &RedisStorage{
		client:     client,
		counterKey: prefix + ":epoch:counter",
		recordKey:  prefix + ":epoch:current",
	}
}

// Next implements storage.EpochStore.
func (r *RedisStorage) Next(ctx context.Context, master string) (storage.Epoch, error) {
	issuedAt := time.Now().UTC()
	n, err := nextEpochScript.Run(ctx, r.client,
		[]string{r.counterKey, r.recordKey},
		master, issuedAt.Format(time.RFC3339Nano),
	).Int64()
	if err != nil {
		return storage.Epoch{}, &storage.StorageUnavailableError{Cause: err}
	}
	return storage.Epoch{Number: uint64(n), Master: master, IssuedAt: issuedAt}, nil
}

// Current implements storage.EpochStore.
func (r *RedisStorage) Current(ctx context.Context) (storage.Epoch, error) {
	fields, err := r.client.HGetAll(ctx, r.recordKey).Result()
	if err != nil {
		return storage.Epoch{}, &storage.StorageUnavailableError{Cause: err}
	}
	if len(fields) == 0 {
		return storage.Epoch{}, &storage.NotFoundError{EntityType: "epoch", ID: r.recordKey}
	}

	n, err := strconv.ParseUint(fields["number"], 10, 64)
	if err != nil {
		return storage.Epoch{}, &storage.SerializationError{Operation: "parse number", Cause: err}
	}
	issuedAt, err := time.Parse(time.RFC3339Nano, fields["issued_at"])
	if err != nil {
		return storage.Epoch{}, &storage.SerializationError{Operation: "parse issued_at", Cause: err}
	}
	return storage.Epoch{Number: n, Master: fields["master"], IssuedAt: issuedAt}, nil
}

// Close implements storage.EpochStore. The client is owned by the caller.
func (r *RedisStorage) Close() error {
	return nil
}

// Healthy reports whether Redis answers a ping.
func (r *RedisStorage) Healthy(ctx context.Context) bool {
	return r.client.Ping(ctx).Err() == nil
}
