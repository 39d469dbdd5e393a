package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry shares cooldowns between replicas. An entry is a key that
// lives exactly one cooldown: SET NX PX makes acquisition atomic across
// processes and redis expiry replaces explicit eviction.
type RedisRegistry struct {
	client redis.Cmdable
	prefix string
}

// NewRedisRegistry uses client with keys under prefix.
func NewRedisRegistry(client redis.Cmdable, prefix string) *RedisRegistry {
	return &RedisRegistry{client: client, prefix: prefix}
}

func (r *RedisRegistry) redisKey(key Key) string {
	return r.prefix + key.String()
}

func (r *RedisRegistry) Ready(ctx context.Context, key Key, _ time.Duration, _ time.Time) (bool, error) {
	n, err := r.client.Exists(ctx, r.redisKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown lookup %s: %w", key, err)
	}
	return n == 0, nil
}

func (r *RedisRegistry) TryAcquire(ctx context.Context, key Key, cooldown time.Duration, now time.Time) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.redisKey(key), strconv.FormatInt(now.UnixMilli(), 10), cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown acquire %s: %w", key, err)
	}
	return ok, nil
}

// Evict is a no-op: every key carries its own TTL.
func (r *RedisRegistry) Evict(context.Context, time.Time, time.Duration) (int, error) {
	return 0, nil
}

func (r *RedisRegistry) Len() int { return -1 }
