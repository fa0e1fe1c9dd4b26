package services

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLocker implements Locker with SET NX + TTL. The TTL bounds how long
// a crashed holder can block others; Release is best-effort.
type RedisLocker struct {
	rdb *redis.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, "lock:"+key, 1, ttl).Result()
}

func (l *RedisLocker) Release(ctx context.Context, key string) error {
	return l.rdb.Del(ctx, "lock:"+key).Err()
}
