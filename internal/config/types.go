package config

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// Transaction modes for a migration run.
const (
	// TransactionRun wraps the whole run, version write included, in one
	// transaction. A failure leaves the database at its starting version.
	TransactionRun = "run"

	// TransactionStep gives every step its own transaction and records the
	// step's target version inside it. A failure leaves the database at the
	// last completed step.
	TransactionStep = "step"

	// TransactionNone runs statements without a transaction.
	TransactionNone = "none"
)

// Config is the complete schema manager configuration.
type Config struct {
	// Name identifies the managed database in locks, logs and events.
	Name string `yaml:"name" json:"name" envconfig:"name"`

	Database  DatabaseConfig  `yaml:"database" json:"database" envconfig:"database"`
	Snapshots SnapshotConfig  `yaml:"snapshots" json:"snapshots" envconfig:"snapshots"`
	Migration MigrationConfig `yaml:"migration" json:"migration" envconfig:"migration"`
	Events    EventsConfig    `yaml:"events" json:"events" envconfig:"events"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging" envconfig:"logging"`
}

// DatabaseConfig contains connection settings for the managed database.
type DatabaseConfig struct {
	// Type is the SQL dialect: "sqlite" or "mysql".
	Type string `yaml:"type" json:"type" envconfig:"type"`

	// Path is the SQLite database file, or ":memory:".
	Path string `yaml:"path,omitempty" json:"path,omitempty" envconfig:"path"`

	Host     string            `yaml:"host,omitempty" json:"host,omitempty" envconfig:"host"`
	Port     int               `yaml:"port,omitempty" json:"port,omitempty" envconfig:"port"`
	Database string            `yaml:"database,omitempty" json:"database,omitempty" envconfig:"database"`
	Username string            `yaml:"username,omitempty" json:"username,omitempty" envconfig:"username"`
	Password string            `yaml:"password,omitempty" json:"password,omitempty" envconfig:"password"`
	Params   map[string]string `yaml:"params,omitempty" json:"params,omitempty" envconfig:"params"`

	MaxOpenConns      int           `yaml:"max_open_conns" json:"max_open_conns" envconfig:"max_open_conns"`
	MaxIdleConns      int           `yaml:"max_idle_conns" json:"max_idle_conns" envconfig:"max_idle_conns"`
	ConnMaxLifetime   time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" envconfig:"conn_max_lifetime"`
	ConnMaxIdleTime   time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time" envconfig:"conn_max_idle_time"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" json:"connection_timeout" envconfig:"connection_timeout"`
}

// SnapshotConfig selects and configures the snapshot store backend.
// Supports multiple backends through the validator and factory registries.
type SnapshotConfig struct {
	// Type is the backend: "memory", "file", "redis" or "dynamodb".
	Type string `yaml:"type" json:"type" envconfig:"type"`

	// KeyPrefix precedes the version number in snapshot keys.
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" envconfig:"key_prefix"`

	// Dir is the directory of the file backend.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty" envconfig:"dir"`

	Redis    RedisConfig    `yaml:"redis,omitempty" json:"redis,omitempty" envconfig:"redis"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb,omitempty" json:"dynamodb,omitempty" envconfig:"dynamodb"`
	Cache    CacheConfig    `yaml:"cache,omitempty" json:"cache,omitempty" envconfig:"cache"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Endpoints    []string      `yaml:"endpoints" json:"endpoints" envconfig:"endpoints"`
	Password     string        `yaml:"password,omitempty" json:"password,omitempty" envconfig:"password"`
	DB           int           `yaml:"db" json:"db" envconfig:"db"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size" envconfig:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns" envconfig:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout" envconfig:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" envconfig:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" envconfig:"write_timeout"`
}

// DynamoDBConfig contains DynamoDB-specific configuration.
type DynamoDBConfig struct {
	Region          string `yaml:"region" json:"region" envconfig:"region"`
	TableName       string `yaml:"table_name" json:"table_name" envconfig:"table_name"`
	Endpoint        string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" envconfig:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty" envconfig:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty" envconfig:"secret_access_key"`
}

// CacheConfig puts a Redis read-through cache in front of the snapshot
// backend. Snapshots are immutable, so cached entries never go stale.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled" envconfig:"enabled"`
	TTL     time.Duration `yaml:"ttl" json:"ttl" envconfig:"ttl"`
	Redis   RedisConfig   `yaml:"redis" json:"redis" envconfig:"redis"`
}

// MigrationConfig controls how migrations run on open.
type MigrationConfig struct {
	// TransactionMode is "run", "step" or "none".
	TransactionMode string `yaml:"transaction_mode" json:"transaction_mode" envconfig:"transaction_mode"`

	// DisableForeignKeys turns foreign key enforcement off before the
	// migration transaction and back on after it.
	DisableForeignKeys bool `yaml:"disable_foreign_keys" json:"disable_foreign_keys" envconfig:"disable_foreign_keys"`

	// VerifyOnOpen compares the migrated schema with the stored snapshot.
	VerifyOnOpen bool `yaml:"verify_on_open" json:"verify_on_open" envconfig:"verify_on_open"`

	// StrictColumnOrder makes column order differences fail verification.
	StrictColumnOrder bool `yaml:"strict_column_order" json:"strict_column_order" envconfig:"strict_column_order"`

	// LockTimeout bounds how long Open waits for the migration lock.
	LockTimeout time.Duration `yaml:"lock_timeout" json:"lock_timeout" envconfig:"lock_timeout"`
}

// EventsConfig configures the migration event journal.
type EventsConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled" envconfig:"enabled"`
	QueueType       string `yaml:"queue_type" json:"queue_type" envconfig:"queue_type"`
	QueueBufferSize int    `yaml:"queue_buffer_size" json:"queue_buffer_size" envconfig:"queue_buffer_size"`

	// DrainRate is the maximum number of events delivered per second.
	DrainRate  int `yaml:"drain_rate" json:"drain_rate" envconfig:"drain_rate"`
	BatchSize  int `yaml:"batch_size" json:"batch_size" envconfig:"batch_size"`
	MaxRetries int `yaml:"max_retries" json:"max_retries" envconfig:"max_retries"`

	// RecordHistory persists events in the database's history table.
	RecordHistory bool `yaml:"record_history" json:"record_history" envconfig:"record_history"`

	Redis    RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty" envconfig:"redis"`
	QueueKey string      `yaml:"queue_key,omitempty" json:"queue_key,omitempty" envconfig:"queue_key"`
	Kafka    KafkaConfig `yaml:"kafka,omitempty" json:"kafka,omitempty" envconfig:"kafka"`
}

// KafkaConfig contains Kafka producer and consumer settings.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers" json:"brokers" envconfig:"brokers"`
	Topic        string        `yaml:"topic" json:"topic" envconfig:"topic"`
	GroupID      string        `yaml:"group_id" json:"group_id" envconfig:"group_id"`
	BatchSize    int           `yaml:"batch_size" json:"batch_size" envconfig:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout" envconfig:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" envconfig:"write_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" envconfig:"read_timeout"`
	RequiredAcks int           `yaml:"required_acks" json:"required_acks" envconfig:"required_acks"`
	MinBytes     int           `yaml:"min_bytes" json:"min_bytes" envconfig:"min_bytes"`
	MaxBytes     int           `yaml:"max_bytes" json:"max_bytes" envconfig:"max_bytes"`
	MaxWait      time.Duration `yaml:"max_wait" json:"max_wait" envconfig:"max_wait"`
}

// LoggingConfig controls the hclog logger built for the manager.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level" envconfig:"level"`
	JSON  bool   `yaml:"json" json:"json" envconfig:"json"`
}

// NewLogger builds a named logger from the logging settings.
func (c LoggingConfig) NewLogger(name string) hclog.Logger {
	level := hclog.LevelFromString(c.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		JSONFormat: c.JSON,
	})
}
