package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/memkern/memkern/internal/apperr"
)

// Cache is the ephemeral fast path: atomic counters with TTL plus plain
// get/set. It makes no promises across restarts; every caller must
// degrade to the store when a call fails.
type Cache struct {
	rdb *redis.Client
}

// Open connects to Redis and verifies connectivity.
func Open(ctx context.Context, url string) (*Cache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	log.Info().Str("addr", opt.Addr).Msg("redis connected")
	return &Cache{rdb: rdb}, nil
}

// New wraps an existing client (used by tests with miniredis).
func New(rdb *redis.Client) *Cache { return &Cache{rdb: rdb} }

// IncrWindow atomically increments key and returns the new count and the
// remaining TTL. The first increment within a window sets the TTL, so the
// window starts at first use.
func (c *Cache) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, apperr.Wrap(apperr.Transient, "cache incr failed", err)
	}
	remaining := ttl.Val()
	if remaining < 0 {
		remaining = window
	}
	return incr.Val(), remaining, nil
}

// Get returns the value at key, or NotFound.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", apperr.New(apperr.NotFound, "cache key not found")
	}
	if err != nil {
		return "", apperr.Wrap(apperr.Transient, "cache get failed", err)
	}
	return v, nil
}

// Set stores value at key with a TTL.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return apperr.Wrap(apperr.Transient, "cache set failed", err)
	}
	return nil
}

// Del removes a key. Missing keys are not an error.
func (c *Cache) Del(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return apperr.Wrap(apperr.Transient, "cache del failed", err)
	}
	return nil
}

// Ping reports cache health.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection.
func (c *Cache) Close() error { return c.rdb.Close() }
