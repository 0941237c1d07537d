// Package cache provides the counter/value store interface used by
// cooldowns, usage counters, prompt-cache affinity, and rate-limit headroom
// checks. Implementations may be in-process, shared (Redis), or two-tier.
//
// All cache failures are non-fatal by contract: callers treat read errors
// as misses and write errors as no-ops.
package cache

import (
	"context"
	"time"
)

// Type represents the type of cache backend.
type Type string

const (
	TypeLocal Type = "local" // In-memory cache
	TypeRedis Type = "redis" // Redis cache
	TypeDual  Type = "dual"  // In-memory + Redis dual cache
)

// Cache defines the interface for all cache implementations.
type Cache interface {
	// Get retrieves a value from the cache.
	// Returns nil, nil if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in the cache with the given TTL.
	// If TTL is 0, the default TTL is used.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Incr atomically adds delta to an integer counter and returns the new
	// value. An absent key is created at delta with the given TTL; an
	// existing key keeps its TTL.
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Delete removes a key from the cache.
	Delete(ctx context.Context, key string) error

	// FlushLocal clears the in-process tier. Intended for tests.
	FlushLocal()

	// Ping checks if the cache is healthy.
	Ping(ctx context.Context) error

	// Close releases any resources held by the cache.
	Close() error

	// Stats returns cache statistics.
	Stats() Stats
}

// Stats holds cache statistics for monitoring.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Incrs   int64 `json:"incrs"`
	Deletes int64 `json:"deletes"`
	Errors  int64 `json:"errors"`
}

// GetInt64 reads an integer counter. A miss or unparseable value reads as
// (0, false).
func GetInt64(ctx context.Context, c Cache, key string) (int64, bool) {
	data, err := c.Get(ctx, key)
	if err != nil || data == nil {
		return 0, false
	}
	var n int64
	for _, b := range data {
		if b < '0' || b > '9' {
			return 0, false
		}
		n = n*10 + int64(b-'0')
	}
	return n, true
}
