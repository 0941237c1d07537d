// Package dual provides a two-tier cache with in-memory (L1) and Redis (L2).
// Reads check L1 first then L2 with backfill; writes and increments go to
// both tiers. When the shared tier is unreachable the local tier serves as
// fallback and no error escapes the cache boundary: unavailability is
// logged and callers see misses.
package dual

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/modelmux/modelmux/caches/memory"
	"github.com/modelmux/modelmux/caches/redis"
	"github.com/modelmux/modelmux/pkg/cache"
)

// Cache implements cache.Cache over a local and an optional shared tier.
type Cache struct {
	local  *memory.Cache
	remote *redis.Cache
	config Config
	logger *slog.Logger

	localHits atomic.Int64
	redisHits atomic.Int64
	misses    atomic.Int64
	errs      atomic.Int64
}

// Config holds configuration for the dual cache.
type Config struct {
	LocalTTL time.Duration // TTL for local backfill entries (default: 5 minutes)
	RedisTTL time.Duration // default TTL for shared entries (default: 1 hour)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LocalTTL: 5 * time.Minute,
		RedisTTL: time.Hour,
	}
}

// New creates a new dual-tier cache. remote may be nil, in which case the
// cache degrades to the local tier alone.
func New(local *memory.Cache, remote *redis.Cache, cfg Config, logger *slog.Logger) *Cache {
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = 5 * time.Minute
	}
	if cfg.RedisTTL <= 0 {
		cfg.RedisTTL = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{local: local, remote: remote, config: cfg, logger: logger}
}

// Get retrieves a value, checking local cache first, then Redis.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, err := c.local.Get(ctx, key); err == nil && val != nil {
		c.localHits.Add(1)
		return val, nil
	}

	if c.remote != nil {
		val, err := c.remote.Get(ctx, key)
		if err != nil {
			c.errs.Add(1)
			c.logger.Debug("shared cache tier unavailable, treating read as miss",
				"key", key, "error", err)
			c.misses.Add(1)
			return nil, nil
		}
		if val != nil {
			c.redisHits.Add(1)
			// Backfill is best-effort, failure doesn't affect main flow.
			_ = c.local.Set(ctx, key, val, c.config.LocalTTL)
			return val, nil
		}
	}

	c.misses.Add(1)
	return nil, nil
}

// Set writes through to both tiers.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	redisTTL := ttl
	if redisTTL <= 0 {
		redisTTL = c.config.RedisTTL
	}

	if err := c.local.Set(ctx, key, value, minTTL(ttl, c.config.LocalTTL)); err != nil {
		return err
	}

	if c.remote != nil {
		if err := c.remote.Set(ctx, key, value, redisTTL); err != nil {
			c.errs.Add(1)
			c.logger.Debug("shared cache tier write failed", "key", key, "error", err)
		}
	}
	return nil
}

// Incr increments both tiers. When the shared tier is reachable its value
// wins; otherwise the local counter carries the request. Exact-once across
// tiers is not guaranteed by contract.
func (c *Cache) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	localVal, err := c.local.Incr(ctx, key, delta, ttl)
	if err != nil {
		return 0, err
	}

	if c.remote != nil {
		sharedVal, err := c.remote.Incr(ctx, key, delta, ttl)
		if err != nil {
			c.errs.Add(1)
			c.logger.Debug("shared cache tier incr failed, using local counter",
				"key", key, "error", err)
			return localVal, nil
		}
		return sharedVal, nil
	}
	return localVal, nil
}

// Delete removes a key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) error {
	_ = c.local.Delete(ctx, key)
	if c.remote != nil {
		if err := c.remote.Delete(ctx, key); err != nil {
			c.errs.Add(1)
			c.logger.Debug("shared cache tier delete failed", "key", key, "error", err)
		}
	}
	return nil
}

// FlushLocal clears the in-process tier only.
func (c *Cache) FlushLocal() {
	c.local.FlushLocal()
}

// Ping checks the shared tier when present.
func (c *Cache) Ping(ctx context.Context) error {
	if c.remote != nil {
		return c.remote.Ping(ctx)
	}
	return c.local.Ping(ctx)
}

// Close releases both tiers.
func (c *Cache) Close() error {
	_ = c.local.Close()
	if c.remote != nil {
		return c.remote.Close()
	}
	return nil
}

// Stats merges statistics from both tiers.
func (c *Cache) Stats() cache.Stats {
	stats := c.local.Stats()
	if c.remote != nil {
		remote := c.remote.Stats()
		stats.Sets += remote.Sets
		stats.Incrs += remote.Incrs
		stats.Errors += remote.Errors
	}
	stats.Hits = c.localHits.Load() + c.redisHits.Load()
	stats.Misses = c.misses.Load()
	return stats
}

func minTTL(a, b time.Duration) time.Duration {
	if a > 0 && a < b {
		return a
	}
	return b
}
