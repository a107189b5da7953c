// Package cache keeps rendered detail views (instances and array element
// pages) in Redis. Concurrent requests for the same view share one re-read of
// the dump through singleflight, with or without Redis behind it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/resilience"
	pkgredis "github.com/Adithya-Monish-Kumar-K/hprof-index/pkg/redis"
)

const keyPrefix = "hprof:"

// After breakerThreshold consecutive backend failures the cache is bypassed
// for breakerCooldown.
const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// Backend is the subset of the Redis client the cache needs.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

type DetailCache struct {
	backend Backend
	breaker *resilience.Breaker
	dump    string
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// New creates a cache for one dump. backend may be nil, in which case only
// in-flight de-duplication is performed.
func New(backend Backend, dump string, ttl time.Duration, m *metrics.Metrics) *DetailCache {
	return &DetailCache{
		backend: backend,
		breaker: resilience.NewBreaker("detail-cache", breakerThreshold, breakerCooldown),
		dump:    dump,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "detail-cache", "dump", dump),
	}
}

func (c *DetailCache) InstanceKey(id uint64) string {
	return fmt.Sprintf("%s%s:instance:%x", keyPrefix, c.dump, id)
}

func (c *DetailCache) ElementsKey(arrayID uint64, offset, limit int) string {
	return fmt.Sprintf("%s%s:elements:%x:%d:%d", keyPrefix, c.dump, arrayID, offset, limit)
}

func (c *DetailCache) load(ctx context.Context, key string, dst any) bool {
	if c.backend == nil {
		return false
	}
	var data []byte
	err := c.breaker.Do(func() error {
		var err error
		data, err = c.backend.Get(ctx, key)
		if pkgredis.IsNilError(err) {
			return nil
		}
		return err
	})
	if err != nil {
		if !errors.Is(err, resilience.ErrOpen) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		return false
	}
	if data == nil {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		return false
	}
	return true
}

func (c *DetailCache) store(ctx context.Context, key string, v any) {
	if c.backend == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	err = c.breaker.Do(func() error { return c.backend.Set(ctx, key, data, c.ttl) })
	if err != nil && !errors.Is(err, resilience.ErrOpen) {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

func (c *DetailCache) hit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
}

func (c *DetailCache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

// GetOrCompute returns the view cached under key, or computes, caches and
// returns it. cached reports whether the value came from Redis.
func GetOrCompute[T any](ctx context.Context, c *DetailCache, key string, compute func() (T, error)) (v T, cached bool, err error) {
	if c.load(ctx, key, &v) {
		c.hit()
		return v, true, nil
	}
	c.miss()
	val, err, _ := c.group.Do(key, func() (any, error) {
		var v T
		if c.load(ctx, key, &v) {
			return v, nil
		}
		v, err := compute()
		if err != nil {
			return v, err
		}
		c.store(ctx, key, v)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	return val.(T), false, nil
}

// Invalidate drops every cached view of the dump.
func (c *DetailCache) Invalidate(ctx context.Context) error {
	if c.backend == nil {
		return nil
	}
	deleted, err := c.backend.FlushByPattern(ctx, keyPrefix+c.dump+":*")
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidated", "keys_deleted", deleted)
	return nil
}

func (c *DetailCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
