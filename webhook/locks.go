package webhook

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockStore is an advisory lock: correctness depends on every writer
// honoring it and releasing it on all exit paths.
type LockStore interface {
	// Acquire returns true when the lock was taken, false when held
	// elsewhere.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisLockStore implements LockStore on SET NX with a TTL, so an owner
// that dies without releasing cannot wedge the lock forever.
type RedisLockStore struct {
	client *redis.Client
}

func NewRedisLockStore(client *redis.Client) *RedisLockStore {
	return &RedisLockStore{client: client}
}

func (s *RedisLockStore) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, "1", ttl).Result()
}

func (s *RedisLockStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}
