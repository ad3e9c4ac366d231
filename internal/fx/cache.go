package fx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"cardauth/internal/common/money"
)

// CacheConfig holds rate cache settings
type CacheConfig struct {
	TTL    time.Duration `envconfig:"FX_RATE_CACHE_TTL" default:"5m"`
	Prefix string        `envconfig:"FX_RATE_CACHE_PREFIX" default:"fx:rate:"`
}

// RedisCache caches rates from another source in Redis. Cache failures fall
// through to the underlying source.
type RedisCache struct {
	client *redis.Client
	next   RateSource
	cfg    CacheConfig
	logger *slog.Logger
}

// NewRedisCache wraps next with a Redis-backed rate cache
func NewRedisCache(client *redis.Client, next RateSource, cfg CacheConfig, logger *slog.Logger) *RedisCache {
	return &RedisCache{client: client, next: next, cfg: cfg, logger: logger}
}

func (c *RedisCache) key(from, to money.Currency) string {
	return fmt.Sprintf("%s%s:%s", c.cfg.Prefix, from, to)
}

// GetRate implements RateSource
func (c *RedisCache) GetRate(ctx context.Context, from, to money.Currency) (decimal.Decimal, error) {
	key := c.key(from, to)

	cached, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if rate, perr := decimal.NewFromString(cached); perr == nil {
			return rate, nil
		}
		c.logger.Warn("discarding malformed cached rate", "key", key)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("rate cache read failed", "key", key, "error", err)
	}

	rate, err := c.next.GetRate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}

	if err := c.client.Set(ctx, key, rate.String(), c.cfg.TTL).Err(); err != nil {
		c.logger.Warn("rate cache write failed", "key", key, "error", err)
	}
	return rate, nil
}
