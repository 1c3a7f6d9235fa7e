package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/rzpsarthak13/schemakeeper/internal/config"
	"github.com/rzpsarthak13/schemakeeper/internal/core"
)

// BackendFactory is the Strategy interface for creating snapshot backends.
// Every factory is also the config.ConfigValidator for its backend type.
type BackendFactory interface {
	// Create creates a backend from the snapshot configuration.
	Create(ctx context.Context, cfg config.SnapshotConfig, logger hclog.Logger) (core.SnapshotBackend, error)

	// Type returns the type identifier for this factory (e.g., "redis", "dynamodb").
	Type() string

	// Validate validates the configuration specific to this backend type.
	Validate(cfg *config.Config) error
}

var (
	// factoryRegistry stores all registered backend factories.
	factoryRegistry = make(map[string]BackendFactory)

	// registryMutex protects the registry from concurrent access.
	registryMutex sync.RWMutex
)

// RegisterFactory registers a backend factory and its config validator.
// This is called automatically by each backend's init() function.
func RegisterFactory(factory BackendFactory) {
	if factory == nil {
		panic("factory cannot be nil")
	}
	if factory.Type() == "" {
		panic("factory type cannot be empty")
	}

	registryMutex.Lock()
	if _, exists := factoryRegistry[factory.Type()]; exists {
		registryMutex.Unlock()
		panic(fmt.Sprintf("factory for type %q is already registered", factory.Type()))
	}
	factoryRegistry[factory.Type()] = factory
	registryMutex.Unlock()

	config.RegisterValidator(factory)
}

// CreateBackend creates the backend named by cfg.Snapshots.Type, wrapped in
// a read-through cache when the cache is enabled.
func CreateBackend(ctx context.Context, cfg *config.Config, logger hclog.Logger) (core.SnapshotBackend, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	backendType := cfg.Snapshots.Type
	if backendType == "" {
		return nil, fmt.Errorf("snapshot backend type is required")
	}

	registryMutex.RLock()
	factory, exists := factoryRegistry[backendType]
	registryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unsupported snapshot backend: %s", backendType)
	}
	if err := factory.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", backendType, err)
	}

	backend, err := factory.Create(ctx, cfg.Snapshots, logger.Named(backendType))
	if err != nil {
		return nil, err
	}
	if !cfg.Snapshots.Cache.Enabled {
		return backend, nil
	}

	client, err := NewRedisClient(ctx, cfg.Snapshots.Cache.Redis)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to create snapshot cache: %w", err)
	}
	return NewCachedBackend(backend, client, cfg.Snapshots.Cache.TTL,
		WithLogger(logger.Named("cache")), withOwnedCache()), nil
}

// Open creates the configured backend and a store over it.
func Open(ctx context.Context, cfg *config.Config, logger hclog.Logger) (*Store, error) {
	backend, err := CreateBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return New(backend, WithKeyPrefix(cfg.Snapshots.KeyPrefix), WithLogger(logger))
}

// RegisteredTypes returns a list of all registered backend types.
func RegisteredTypes() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	types := make([]string, 0, len(factoryRegistry))
	for t := range factoryRegistry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// IsTypeRegistered checks if a backend type is registered.
func IsTypeRegistered(backendType string) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	_, exists := factoryRegistry[backendType]
	return exists
}
