// Package memory provides the in-process cache tier.
package memory

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/modelmux/modelmux/pkg/cache"
)

// Cache implements cache.Cache with an in-process store.
// It is the L1 tier of the dual cache and the only tier when no shared
// store is configured.
type Cache struct {
	store      *gocache.Cache
	defaultTTL time.Duration

	// incrMu serializes read-modify-write on counters. go-cache increments
	// are atomic per key but cannot create missing keys with a TTL.
	incrMu sync.Mutex

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	incrs   atomic.Int64
	deletes atomic.Int64
}

// Config holds configuration for the in-memory cache.
type Config struct {
	DefaultTTL      time.Duration // default: 5 minutes
	CleanupInterval time.Duration // default: 1 minute
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      5 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// New creates a new in-memory cache.
func New(cfg Config) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	return &Cache{
		store:      gocache.New(cfg.DefaultTTL, cfg.CleanupInterval),
		defaultTTL: cfg.DefaultTTL,
	}
}

// Get retrieves a value. Counter entries are rendered as decimal bytes so
// counter reads and blob reads share one signature.
func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := c.store.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, nil
	}
	c.hits.Add(1)

	switch val := v.(type) {
	case []byte:
		return val, nil
	case int64:
		return []byte(strconv.FormatInt(val, 10)), nil
	default:
		return nil, nil
	}
}

// Set stores a value with the given TTL.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.store.Set(key, value, ttl)
	c.sets.Add(1)
	return nil
}

// Incr atomically adds delta to a counter, creating it at delta with the
// given TTL when absent. An existing counter keeps its TTL.
func (c *Cache) Incr(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.incrMu.Lock()
	defer c.incrMu.Unlock()

	c.incrs.Add(1)
	if v, expiry, ok := c.store.GetWithExpiration(key); ok {
		if cur, isInt := v.(int64); isInt {
			next := cur + delta
			remaining := time.Until(expiry)
			if expiry.IsZero() {
				remaining = gocache.NoExpiration
			} else if remaining <= 0 {
				remaining = ttl
			}
			c.store.Set(key, next, remaining)
			return next, nil
		}
	}
	c.store.Set(key, delta, ttl)
	return delta, nil
}

// Delete removes a key.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.store.Delete(key)
	c.deletes.Add(1)
	return nil
}

// FlushLocal clears all entries.
func (c *Cache) FlushLocal() {
	c.store.Flush()
}

// Ping always succeeds for the in-process tier.
func (c *Cache) Ping(_ context.Context) error { return nil }

// Close releases resources. The underlying store's janitor stops when the
// cache is garbage collected.
func (c *Cache) Close() error {
	c.store.Flush()
	return nil
}

// Stats returns cache statistics.
func (c *Cache) Stats() cache.Stats {
	return cache.Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Incrs:   c.incrs.Load(),
		Deletes: c.deletes.Load(),
	}
}
