// Package config loads and validates the schema manager configuration
// from defaults, YAML or JSON files and SCHEMAKEEPER_* environment
// variables, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every configuration environment variable,
// e.g. SCHEMAKEEPER_DATABASE_HOST or SCHEMAKEEPER_MIGRATION_TRANSACTION_MODE.
const EnvPrefix = "SCHEMAKEEPER"

// ConfigValidator is the Strategy interface for validating configuration.
// Each snapshot backend provides its own validator for its settings.
type ConfigValidator interface {
	// Validate validates the backend specific part of the configuration.
	Validate(config *Config) error

	// Type returns the backend type this validator handles.
	Type() string
}

var (
	// validatorRegistry stores all registered config validators.
	validatorRegistry = make(map[string]ConfigValidator)

	// validatorRegistryMutex protects the validator registry from concurrent access.
	validatorRegistryMutex sync.RWMutex
)

// RegisterValidator registers a config validator.
// This is called automatically by each backend's init() function.
// Panics if validator is nil, type is empty, or type is already registered.
func RegisterValidator(validator ConfigValidator) {
	if validator == nil {
		panic("validator cannot be nil")
	}
	if validator.Type() == "" {
		panic("validator type cannot be empty")
	}

	validatorRegistryMutex.Lock()
	defer validatorRegistryMutex.Unlock()

	if _, exists := validatorRegistry[validator.Type()]; exists {
		panic(fmt.Sprintf("validator for type %q is already registered", validator.Type()))
	}
	validatorRegistry[validator.Type()] = validator
}

// GetValidator retrieves a validator by backend type.
func GetValidator(validatorType string) (ConfigValidator, bool) {
	validatorRegistryMutex.RLock()
	defer validatorRegistryMutex.RUnlock()

	validator, exists := validatorRegistry[validatorType]
	return validator, exists
}

func registeredValidators() []string {
	validatorRegistryMutex.RLock()
	defer validatorRegistryMutex.RUnlock()

	types := make([]string, 0, len(validatorRegistry))
	for t := range validatorRegistry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ConfigManager handles loading and managing configuration from various sources.
type ConfigManager struct {
	config *Config
}

// NewConfigManager creates a new configuration manager with default configuration.
func NewConfigManager() *ConfigManager {
	return &ConfigManager{
		config: Default(),
	}
}

// Default returns a configuration with sensible defaults: an in-memory
// SQLite database and an in-memory snapshot store.
func Default() *Config {
	return &Config{
		Name: "default",
		Database: DatabaseConfig{
			Type:              "sqlite",
			Path:              ":memory:",
			Host:              "localhost",
			Port:              3306,
			MaxOpenConns:      25,
			MaxIdleConns:      5,
			ConnMaxLifetime:   5 * time.Minute,
			ConnMaxIdleTime:   10 * time.Minute,
			ConnectionTimeout: 10 * time.Second,
		},
		Snapshots: SnapshotConfig{
			Type:      "memory",
			KeyPrefix: "schema_v",
			Dir:       "schemas",
			Redis:     defaultRedis(),
			Cache: CacheConfig{
				TTL:   24 * time.Hour,
				Redis: defaultRedis(),
			},
		},
		Migration: MigrationConfig{
			TransactionMode:    TransactionRun,
			DisableForeignKeys: true,
			LockTimeout:        30 * time.Second,
		},
		Events: EventsConfig{
			QueueType:       "memory",
			QueueBufferSize: 1000,
			DrainRate:       50,
			BatchSize:       100,
			MaxRetries:      5,
			QueueKey:        "schemakeeper:events",
			Redis:           defaultRedis(),
			Kafka: KafkaConfig{
				Brokers:      []string{"localhost:9092"},
				Topic:        "schemakeeper-events",
				GroupID:      "schemakeeper-events",
				BatchSize:    100,
				BatchTimeout: 10 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				ReadTimeout:  10 * time.Second,
				RequiredAcks: -1, // All replicas
				MinBytes:     1,
				MaxBytes:     10 * 1024 * 1024, // 10MB
				MaxWait:      100 * time.Millisecond,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultRedis() RedisConfig {
	return RedisConfig{
		Endpoints:    []string{"localhost:6379"},
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// LoadFromFile loads configuration from a YAML or JSON file.
// The file format is determined by the file extension (.yaml, .yml, or .json).
func (cm *ConfigManager) LoadFromFile(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".yaml", ".yml":
		return cm.LoadFromYAML(data)
	case ".json":
		return cm.LoadFromJSON(data)
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
}

// LoadFromYAML loads configuration from YAML data layered over the defaults.
func (cm *ConfigManager) LoadFromYAML(data []byte) error {
	config := Default()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	if err := validateConfig(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cm.config = config
	return nil
}

// LoadFromJSON loads configuration from JSON data layered over the defaults.
func (cm *ConfigManager) LoadFromJSON(data []byte) error {
	config := Default()
	if len(data) > 0 {
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	if err := validateConfig(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cm.config = config
	return nil
}

// LoadFromEnv overrides the current configuration with SCHEMAKEEPER_*
// environment variables. Unset variables leave values unchanged.
func (cm *ConfigManager) LoadFromEnv() error {
	config := cm.config.clone()
	if err := envconfig.Process(EnvPrefix, config); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cm.config = config
	return nil
}

// GetConfig returns a copy of the current configuration.
func (cm *ConfigManager) GetConfig() *Config {
	return cm.config.clone()
}

// SetConfig validates and installs a configuration.
func (cm *ConfigManager) SetConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := validateConfig(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cm.config = config.clone()
	return nil
}

// Validate checks a configuration without installing it.
func Validate(config *Config) error {
	return validateConfig(config)
}

// validateConfig validates the configuration. Backend specific checks are
// delegated to the validator registered for the snapshot backend type.
func validateConfig(config *Config) error {
	var merr *multierror.Error

	if config.Name == "" {
		merr = multierror.Append(merr, fmt.Errorf("name is required"))
	}

	switch config.Database.Type {
	case "sqlite":
		if config.Database.Path == "" {
			merr = multierror.Append(merr, fmt.Errorf("database.path is required for sqlite"))
		}
	case "mysql":
		if config.Database.Host == "" {
			merr = multierror.Append(merr, fmt.Errorf("database.host is required for mysql"))
		}
		if config.Database.Port <= 0 {
			merr = multierror.Append(merr, fmt.Errorf("database.port must be positive"))
		}
		if config.Database.Database == "" {
			merr = multierror.Append(merr, fmt.Errorf("database.database is required for mysql"))
		}
	default:
		merr = multierror.Append(merr, fmt.Errorf("unsupported database type: %q (supported: sqlite, mysql)", config.Database.Type))
	}
	if config.Database.MaxOpenConns < 0 || config.Database.MaxIdleConns < 0 {
		merr = multierror.Append(merr, fmt.Errorf("database connection limits must not be negative"))
	}

	if config.Snapshots.Type == "" {
		merr = multierror.Append(merr, fmt.Errorf("snapshots.type is required"))
	} else if validator, ok := GetValidator(config.Snapshots.Type); ok {
		if err := validator.Validate(config); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("snapshots (%s): %w", config.Snapshots.Type, err))
		}
	} else {
		merr = multierror.Append(merr, fmt.Errorf("unsupported snapshot backend: %q (registered: %s)",
			config.Snapshots.Type, strings.Join(registeredValidators(), ", ")))
	}
	if config.Snapshots.KeyPrefix == "" {
		merr = multierror.Append(merr, fmt.Errorf("snapshots.key_prefix is required"))
	}
	if config.Snapshots.Cache.Enabled && len(config.Snapshots.Cache.Redis.Endpoints) == 0 {
		merr = multierror.Append(merr, fmt.Errorf("snapshots.cache.redis.endpoints is required when the cache is enabled"))
	}

	switch config.Migration.TransactionMode {
	case TransactionRun, TransactionStep, TransactionNone:
	default:
		merr = multierror.Append(merr, fmt.Errorf("unsupported migration.transaction_mode: %q (supported: run, step, none)",
			config.Migration.TransactionMode))
	}
	if config.Migration.LockTimeout <= 0 {
		merr = multierror.Append(merr, fmt.Errorf("migration.lock_timeout must be positive"))
	}

	if config.Events.Enabled {
		switch config.Events.QueueType {
		case "memory":
			if config.Events.QueueBufferSize <= 0 {
				merr = multierror.Append(merr, fmt.Errorf("events.queue_buffer_size must be positive"))
			}
		case "redis":
			if len(config.Events.Redis.Endpoints) == 0 {
				merr = multierror.Append(merr, fmt.Errorf("events.redis.endpoints is required for the redis queue"))
			}
		case "kafka":
			if len(config.Events.Kafka.Brokers) == 0 || config.Events.Kafka.Topic == "" {
				merr = multierror.Append(merr, fmt.Errorf("events.kafka brokers and topic are required for the kafka queue"))
			}
		default:
			merr = multierror.Append(merr, fmt.Errorf("unsupported events.queue_type: %q (supported: memory, redis, kafka)",
				config.Events.QueueType))
		}
		if config.Events.DrainRate <= 0 {
			merr = multierror.Append(merr, fmt.Errorf("events.drain_rate must be positive"))
		}
		if config.Events.BatchSize <= 0 {
			merr = multierror.Append(merr, fmt.Errorf("events.batch_size must be positive"))
		}
	}

	return merr.ErrorOrNil()
}

func (c *Config) clone() *Config {
	out := *c
	out.Database.Params = make(map[string]string, len(c.Database.Params))
	for k, v := range c.Database.Params {
		out.Database.Params[k] = v
	}
	out.Snapshots.Redis.Endpoints = append([]string(nil), c.Snapshots.Redis.Endpoints...)
	out.Snapshots.Cache.Redis.Endpoints = append([]string(nil), c.Snapshots.Cache.Redis.Endpoints...)
	out.Events.Redis.Endpoints = append([]string(nil), c.Events.Redis.Endpoints...)
	out.Events.Kafka.Brokers = append([]string(nil), c.Events.Kafka.Brokers...)
	return &out
}
