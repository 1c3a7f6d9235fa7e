package schemakeeper

import (
	"fmt"

	"github.com/rzpsarthak13/schemakeeper/internal/config"
)

// Config is the schema manager configuration.
type Config = config.Config

// Configuration sections.
type (
	DatabaseConfig  = config.DatabaseConfig
	SnapshotConfig  = config.SnapshotConfig
	RedisConfig     = config.RedisConfig
	DynamoDBConfig  = config.DynamoDBConfig
	CacheConfig     = config.CacheConfig
	MigrationConfig = config.MigrationConfig
	EventsConfig    = config.EventsConfig
	KafkaConfig     = config.KafkaConfig
	LoggingConfig   = config.LoggingConfig
)

// Transaction modes.
const (
	TransactionRun  = config.TransactionRun
	TransactionStep = config.TransactionStep
	TransactionNone = config.TransactionNone
)

// DefaultConfig returns a configuration for an in-memory SQLite database
// with an in-memory snapshot store.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads a YAML or JSON configuration file and applies
// SCHEMAKEEPER_* environment overrides on top of it. An empty path loads
// the defaults.
func LoadConfig(path string) (*Config, error) {
	cm := config.NewConfigManager()
	if path != "" {
		if err := cm.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cm.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return cm.GetConfig(), nil
}
