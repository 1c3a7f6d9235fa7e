package engine

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/rzpsarthak13/schemakeeper/internal/config"
	"github.com/rzpsarthak13/schemakeeper/internal/events"
)

// getOpts - iterate the inbound Options and return a struct.
func getOpts(opt ...Option) options {
	opts := getDefaultOptions()
	for _, o := range opt {
		o(&opts)
	}
	return opts
}

// Option - how Options are passed as arguments.
type Option func(*options)

type options struct {
	withLogger    hclog.Logger
	withJournal   *events.Journal
	withMigration config.MigrationConfig
	withName      string
}

func getDefaultOptions() options {
	return options{
		withLogger: hclog.NewNullLogger(),
		withMigration: config.MigrationConfig{
			TransactionMode:    config.TransactionRun,
			DisableForeignKeys: true,
			LockTimeout:        30 * time.Second,
		},
		withName: "default",
	}
}

// WithLogger sets the engine logger.
func WithLogger(l hclog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.withLogger = l
		}
	}
}

// WithJournal publishes run events to j.
func WithJournal(j *events.Journal) Option {
	return func(o *options) {
		o.withJournal = j
	}
}

// WithMigrationConfig sets transaction mode, foreign key handling,
// verification and lock timeout. A zero lock timeout keeps the default.
func WithMigrationConfig(cfg config.MigrationConfig) Option {
	return func(o *options) {
		if cfg.TransactionMode == "" {
			cfg.TransactionMode = config.TransactionRun
		}
		if cfg.LockTimeout <= 0 {
			cfg.LockTimeout = o.withMigration.LockTimeout
		}
		o.withMigration = cfg
	}
}

// WithName names the database in the migration lock key and events.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.withName = name
		}
	}
}
