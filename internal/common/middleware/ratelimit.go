package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window counter shared by every replica
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	prefix string
}

// NewRedisLimiter allows limit requests per key in each window
func NewRedisLimiter(client *redis.Client, limit int64, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &RedisLimiter{client: client, limit: limit, window: window, prefix: "ratelimit:"}
}

// Allow implements RateLimiter
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := time.Now().UnixNano() / int64(l.window)
	k := fmt.Sprintf("%s%s:%d", l.prefix, key, bucket)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return incr.Val() <= l.limit, nil
}
