package middleware

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisLimiter counts requests per key in fixed windows stored in Redis so
// the limit holds across instances. Bursts are added to the window budget.
type RedisLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(client *redis.Client, config *RateLimitConfig, prefix string) *RedisLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{redis: client, config: config, prefix: prefix}
}

func (rl *RedisLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, key)
}

// Allow implements Limiter
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	redisKey := rl.key(key)

	pipe := rl.redis.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("redis error: %w", err)
	}

	// the first hit in a window starts its expiry
	resetAfter := ttl.Val()
	if resetAfter <= 0 {
		if err := rl.redis.PExpire(ctx, redisKey, rl.config.WindowDuration).Err(); err != nil {
			return Result{}, fmt.Errorf("redis error: %w", err)
		}
		resetAfter = rl.config.WindowDuration
	}

	budget := int64(rl.config.RequestsPerWindow + rl.config.BurstSize)
	count := incr.Val()
	return Result{
		Allowed:    count <= budget,
		Limit:      rl.config.RequestsPerWindow,
		Remaining:  int(max(budget-count, 0)),
		ResetAfter: resetAfter,
	}, nil
}

// Reset clears the window for a key
func (rl *RedisLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.key(key)).Err()
}
