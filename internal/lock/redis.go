package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// RedisLocker is a Locker backed by bsm/redislock.
type RedisLocker struct {
	rdb    *redis.Client
	client *redislock.Client
	retry  redislock.RetryStrategy
}

// NewRedisLocker connects to the Redis instance at url
// (e.g. "redis://localhost:6379/0") and verifies it with PING.
func NewRedisLocker(ctx context.Context, url string, wait time.Duration) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisLockerWithClient(rdb, wait), nil
}

// NewRedisLockerWithClient wraps an existing client. Obtain retries every
// 50ms for up to wait.
func NewRedisLockerWithClient(rdb *redis.Client, wait time.Duration) *RedisLocker {
	retry := redislock.NoRetry()
	if wait > 0 {
		const step = 50 * time.Millisecond
		retry = redislock.LimitRetry(redislock.LinearBackoff(step), int(wait/step)+1)
	}
	return &RedisLocker{rdb: rdb, client: redislock.New(rdb), retry: retry}
}

func (r *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l, err := r.client.Obtain(ctx, key, ttl, &redislock.Options{RetryStrategy: r.retry})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, fmt.Errorf("obtaining %s: %w", key, err)
	}
	return redisLock{l}, nil
}

// Close closes the underlying Redis client.
func (r *RedisLocker) Close() error {
	return r.rdb.Close()
}

type redisLock struct {
	l *redislock.Lock
}

// Release releases the lock. A lock that already expired is not an error.
func (k redisLock) Release(ctx context.Context) error {
	if err := k.l.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return err
	}
	return nil
}
