package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/rzpsarthak13/schemakeeper/internal/core"
)

const cacheNamespace = "schemakeeper:cache:"

// CachedBackend is a read-through Redis cache in front of another backend.
// Concurrent misses for the same key share one primary read.
type CachedBackend struct {
	primary core.SnapshotBackend
	cache   *redis.Client
	ttl     time.Duration
	owned   bool
	logger  hclog.Logger
	group   singleflight.Group
}

// NewCachedBackend wraps primary with a cache on client. A zero ttl keeps
// entries until evicted.
func NewCachedBackend(primary core.SnapshotBackend, client *redis.Client, ttl time.Duration, opt ...Option) *CachedBackend {
	opts := getOpts(opt...)
	return &CachedBackend{
		primary: primary,
		cache:   client,
		ttl:     ttl,
		owned:   opts.withOwnedCache,
		logger:  opts.withLogger,
	}
}

// Get checks the cache first and falls back to the primary backend.
func (c *CachedBackend) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.cache.Get(ctx, cacheNamespace+key).Bytes()
	if err == nil {
		c.logger.Trace("cache hit", "key", key)
		return val, nil
	}
	if !errors.Is(err, redis.Nil) {
		// A broken cache must not block reads.
		c.logger.Warn("cache read failed, using primary", "key", key, "error", err)
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		data, err := c.primary.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		c.fill(ctx, key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// SetIfAbsent writes through to the primary backend.
func (c *CachedBackend) SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	written, err := c.primary.SetIfAbsent(ctx, key, value)
	if err != nil {
		return false, err
	}
	if written {
		c.fill(ctx, key, value)
	}
	return written, nil
}

// Delete removes key from the primary backend and the cache.
func (c *CachedBackend) Delete(ctx context.Context, key string) error {
	if err := c.primary.Delete(ctx, key); err != nil {
		return err
	}
	if err := c.cache.Del(ctx, cacheNamespace+key).Err(); err != nil {
		return fmt.Errorf("failed to evict cached key %s: %w", key, err)
	}
	return nil
}

// Keys lists keys from the primary backend; the cache may be partial.
func (c *CachedBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	return c.primary.Keys(ctx, prefix)
}

// Close closes the primary backend, and the cache client when it is owned.
func (c *CachedBackend) Close() error {
	err := c.primary.Close()
	if c.owned {
		if cerr := c.cache.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (c *CachedBackend) fill(ctx context.Context, key string, data []byte) {
	if err := c.cache.Set(ctx, cacheNamespace+key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("failed to populate cache", "key", key, "error", err)
	}
}
