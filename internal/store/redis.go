package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"github.com/rzpsarthak13/schemakeeper/internal/config"
	"github.com/rzpsarthak13/schemakeeper/internal/core"
)

// DefaultRedisNamespace prefixes snapshot keys in Redis.
const DefaultRedisNamespace = "schemakeeper:snapshots:"

// NewRedisClient connects to the first configured endpoint and pings it.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one endpoint is required")
	}

	// Only single node Redis is supported.
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Endpoints[0],
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisBackend stores snapshots as Redis strings under a namespace.
type RedisBackend struct {
	client    redis.UniversalClient
	namespace string
	logger    hclog.Logger
}

// NewRedisBackend creates a backend over an existing client.
func NewRedisBackend(client redis.UniversalClient, namespace string, logger hclog.Logger) *RedisBackend {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &RedisBackend{client: client, namespace: namespace, logger: logger}
}

// Get implements core.SnapshotBackend.
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.namespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", core.ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	r.logger.Trace("GET", "key", key, "bytes", len(val))
	return val, nil
}

// SetIfAbsent implements core.SnapshotBackend with SETNX.
func (r *RedisBackend) SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.namespace+key, value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set key %s: %w", key, err)
	}
	r.logger.Trace("SETNX", "key", key, "written", ok)
	return ok, nil
}

// Delete implements core.SnapshotBackend.
func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.namespace+key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Keys implements core.SnapshotBackend with SCAN.
func (r *RedisBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.namespace+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.namespace))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return keys, nil
}

// Close implements core.SnapshotBackend.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

// RedisBackendFactory creates Redis backends.
type RedisBackendFactory struct{}

func (f *RedisBackendFactory) Type() string { return "redis" }

// Validate validates the Redis-specific configuration.
func (f *RedisBackendFactory) Validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	return ValidateRedisConfig(cfg.Snapshots.Redis)
}

func (f *RedisBackendFactory) Create(ctx context.Context, cfg config.SnapshotConfig, logger hclog.Logger) (core.SnapshotBackend, error) {
	client, err := NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis backend: %w", err)
	}
	return NewRedisBackend(client, DefaultRedisNamespace, logger), nil
}

// ValidateRedisConfig checks Redis connection settings.
func ValidateRedisConfig(cfg config.RedisConfig) error {
	if len(cfg.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required for Redis")
	}
	// Redis supports databases 0-15
	if cfg.DB < 0 || cfg.DB > 15 {
		return fmt.Errorf("Redis DB must be between 0 and 15, got: %d", cfg.DB)
	}
	if cfg.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be greater than 0, got: %d", cfg.PoolSize)
	}
	if cfg.MinIdleConns < 0 {
		return fmt.Errorf("min_idle_conns must be non-negative, got: %d", cfg.MinIdleConns)
	}
	if cfg.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be greater than 0, got: %v", cfg.DialTimeout)
	}
	if cfg.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be greater than 0, got: %v", cfg.ReadTimeout)
	}
	if cfg.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be greater than 0, got: %v", cfg.WriteTimeout)
	}
	return nil
}

func init() {
	RegisterFactory(&RedisBackendFactory{})
}
