package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/schemakeeper/internal/config"
	_ "github.com/rzpsarthak13/schemakeeper/internal/store" // registers backend validators
)

func TestDefault_IsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, config.Validate(cfg))
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, ":memory:", cfg.Database.Path)
	assert.Equal(t, "memory", cfg.Snapshots.Type)
	assert.Equal(t, config.TransactionRun, cfg.Migration.TransactionMode)
	assert.True(t, cfg.Migration.DisableForeignKeys)
	assert.False(t, cfg.Events.Enabled)
}

func TestConfigManager_LoadFromYAML(t *testing.T) {
	cm := config.NewConfigManager()
	err := cm.LoadFromYAML([]byte(`
name: orders
database:
  type: mysql
  host: db.internal
  port: 3307
  database: orders
  username: app
snapshots:
  type: file
  dir: /var/lib/orders/schemas
migration:
  transaction_mode: step
  verify_on_open: true
  lock_timeout: 5s
`))
	require.NoError(t, err)

	cfg := cm.GetConfig()
	assert.Equal(t, "orders", cfg.Name)
	assert.Equal(t, "mysql", cfg.Database.Type)
	assert.Equal(t, 3307, cfg.Database.Port)
	assert.Equal(t, "/var/lib/orders/schemas", cfg.Snapshots.Dir)
	assert.Equal(t, config.TransactionStep, cfg.Migration.TransactionMode)
	assert.True(t, cfg.Migration.VerifyOnOpen)
	assert.Equal(t, 5*time.Second, cfg.Migration.LockTimeout)

	// Unset values keep their defaults.
	assert.True(t, cfg.Migration.DisableForeignKeys)
	assert.Equal(t, "schema_v", cfg.Snapshots.KeyPrefix)
}

func TestConfigManager_LoadFromFile(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "schemakeeper.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"name": "billing", "migration": {"transaction_mode": "none"}}`), 0o600))
	cm := config.NewConfigManager()
	require.NoError(t, cm.LoadFromFile(jsonPath))
	assert.Equal(t, "billing", cm.GetConfig().Name)
	assert.Equal(t, config.TransactionNone, cm.GetConfig().Migration.TransactionMode)

	tomlPath := filepath.Join(dir, "schemakeeper.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(`name = "billing"`), 0o600))
	err := cm.LoadFromFile(tomlPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config file format")

	err = cm.LoadFromFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestConfigManager_LoadFromEnv(t *testing.T) {
	t.Setenv("SCHEMAKEEPER_NAME", "inventory")
	t.Setenv("SCHEMAKEEPER_MIGRATION_TRANSACTION_MODE", "step")
	t.Setenv("SCHEMAKEEPER_MIGRATION_LOCK_TIMEOUT", "2s")
	t.Setenv("SCHEMAKEEPER_SNAPSHOTS_TYPE", "file")
	t.Setenv("SCHEMAKEEPER_SNAPSHOTS_DIR", "/srv/schemas")

	cm := config.NewConfigManager()
	require.NoError(t, cm.LoadFromEnv())

	cfg := cm.GetConfig()
	assert.Equal(t, "inventory", cfg.Name)
	assert.Equal(t, config.TransactionStep, cfg.Migration.TransactionMode)
	assert.Equal(t, 2*time.Second, cfg.Migration.LockTimeout)
	assert.Equal(t, "file", cfg.Snapshots.Type)
	assert.Equal(t, "/srv/schemas", cfg.Snapshots.Dir)
}

func TestConfigManager_LoadFromEnvRejectsInvalid(t *testing.T) {
	t.Setenv("SCHEMAKEEPER_MIGRATION_TRANSACTION_MODE", "eventually")

	cm := config.NewConfigManager()
	err := cm.LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transaction_mode")

	// The installed configuration is unchanged.
	assert.Equal(t, config.TransactionRun, cm.GetConfig().Migration.TransactionMode)
}

func TestConfigManager_SetConfig(t *testing.T) {
	cm := config.NewConfigManager()
	require.Error(t, cm.SetConfig(nil))

	cfg := config.Default()
	cfg.Name = "ledger"
	require.NoError(t, cm.SetConfig(cfg))

	// GetConfig returns a copy.
	got := cm.GetConfig()
	got.Name = "changed"
	got.Database.Params = map[string]string{"mode": "ro"}
	assert.Equal(t, "ledger", cm.GetConfig().Name)
	assert.Empty(t, cm.GetConfig().Database.Params)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "missing name",
			mutate:  func(c *config.Config) { c.Name = "" },
			wantErr: "name is required",
		},
		{
			name:    "unsupported database",
			mutate:  func(c *config.Config) { c.Database.Type = "oracle" },
			wantErr: "unsupported database type",
		},
		{
			name: "mysql without database",
			mutate: func(c *config.Config) {
				c.Database.Type = "mysql"
				c.Database.Database = ""
			},
			wantErr: "database.database is required",
		},
		{
			name:    "unknown snapshot backend",
			mutate:  func(c *config.Config) { c.Snapshots.Type = "etcd" },
			wantErr: "unsupported snapshot backend",
		},
		{
			name: "file backend without dir",
			mutate: func(c *config.Config) {
				c.Snapshots.Type = "file"
				c.Snapshots.Dir = ""
			},
			wantErr: "dir is required",
		},
		{
			name: "dynamodb without table",
			mutate: func(c *config.Config) {
				c.Snapshots.Type = "dynamodb"
				c.Snapshots.DynamoDB.Region = "eu-west-1"
			},
			wantErr: "table_name is required",
		},
		{
			name:    "non positive lock timeout",
			mutate:  func(c *config.Config) { c.Migration.LockTimeout = 0 },
			wantErr: "lock_timeout must be positive",
		},
		{
			name: "kafka queue without topic",
			mutate: func(c *config.Config) {
				c.Events.Enabled = true
				c.Events.QueueType = "kafka"
				c.Events.Kafka.Topic = ""
			},
			wantErr: "brokers and topic are required",
		},
		{
			name: "unknown queue",
			mutate: func(c *config.Config) {
				c.Events.Enabled = true
				c.Events.QueueType = "sqs"
			},
			wantErr: "unsupported events.queue_type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := config.Default()
	cfg.Name = ""
	cfg.Migration.TransactionMode = "sometimes"
	err := config.Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "transaction_mode")
}

func TestLoggingConfig_NewLogger(t *testing.T) {
	logger := config.LoggingConfig{Level: "debug"}.NewLogger("test")
	assert.True(t, logger.IsDebug())
	assert.Equal(t, "test", logger.Name())

	logger = config.LoggingConfig{Level: "bogus"}.NewLogger("test")
	assert.True(t, logger.IsInfo())
	assert.False(t, logger.IsDebug())
}
