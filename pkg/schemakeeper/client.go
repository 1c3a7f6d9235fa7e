// Package schemakeeper keeps a relational database's schema in step with
// the application that uses it.
//
// The application declares the schema version it is written against and
// keeps a snapshot of every version. Opening a database creates it at that
// version, migrates it forward with the registered steps, or rejects it
// when it is newer and no downgrade path exists.
//
// Typical usage:
//
//	client, _ := schemakeeper.NewClient(ctx, cfg, schemakeeper.Schema{CurrentSchemaVersion: 3}, strategy)
//	defer client.Close()
//
//	details, err := client.Open(ctx)
//	db := client.DB()
package schemakeeper

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/rzpsarthak13/schemakeeper/internal/config"
	"github.com/rzpsarthak13/schemakeeper/internal/core"
	"github.com/rzpsarthak13/schemakeeper/internal/database"
	"github.com/rzpsarthak13/schemakeeper/internal/engine"
	"github.com/rzpsarthak13/schemakeeper/internal/events"
	"github.com/rzpsarthak13/schemakeeper/internal/store"
	"github.com/rzpsarthak13/schemakeeper/internal/verifier"
)

// Event is one entry of the migration journal.
type Event = core.Event

// EventType identifies what happened during a migration run.
type EventType = core.EventType

// Event types.
const (
	EventRunStarted         = core.EventRunStarted
	EventSchemaCreated      = core.EventSchemaCreated
	EventStepApplied        = core.EventStepApplied
	EventRunCompleted       = core.EventRunCompleted
	EventRunFailed          = core.EventRunFailed
	EventVerificationFailed = core.EventVerificationFailed
)

// closeTimeout bounds delivery of queued events on Close.
const closeTimeout = 10 * time.Second

// SnapshotStore keeps one immutable snapshot per schema version.
type SnapshotStore interface {
	// Save records the snapshot of version. Saving an identical snapshot
	// again is a no-op; a different one fails with ErrDuplicateVersion.
	Save(ctx context.Context, version int, snap *Snapshot) error

	// Load returns the snapshot of version, or ErrNotFound.
	Load(ctx context.Context, version int) (*Snapshot, error)

	// SnapshotAt is Load; it makes the store a SnapshotSource.
	SnapshotAt(ctx context.Context, version int) (*Snapshot, error)

	// AllVersions lists the stored versions in ascending order.
	AllVersions(ctx context.Context) ([]int, error)

	// Latest returns the snapshot with the highest version.
	Latest(ctx context.Context) (*Snapshot, error)
}

// Client manages the schema of one database.
type Client interface {
	// CurrentSchemaVersion returns the version the application expects.
	CurrentSchemaVersion() int

	// Open brings the database to CurrentSchemaVersion: it creates a fresh
	// database, upgrades an older one step by step, or downgrades a newer
	// one when downgrade steps cover the range. BeforeOpen runs on every
	// successful open. Open may be called again; a database that is
	// already current only runs BeforeOpen.
	Open(ctx context.Context) (OpeningDetails, error)

	// DB returns the managed database. Use it after Open.
	DB() Executor

	// SQL returns the underlying connection pool.
	SQL() *sql.DB

	// Snapshots returns the configured snapshot store.
	Snapshots() SnapshotStore

	// Validate compares the live schema with the snapshot of
	// CurrentSchemaVersion.
	Validate(ctx context.Context, opt ...ValidateOption) (*ValidationResult, error)

	// History returns up to limit recorded migration events, newest
	// first. Events are recorded when events.record_history is set.
	History(ctx context.Context, limit int) ([]*Event, error)

	// Close flushes pending events and releases every connection.
	Close() error
}

// clientWrapper implements Client over the internal engine.
type clientWrapper struct {
	mu       sync.Mutex
	cfg      *Config
	schema   Schema
	logger   hclog.Logger
	db       *database.DB
	store    *store.Store
	pipeline *events.Pipeline
	engine   *engine.Engine
	closed   bool
}

// NewClient connects to the configured database and snapshot store and
// prepares the migration engine. The strategy's steps are validated here:
// overlapping or malformed steps fail NewClient, not Open.
func NewClient(ctx context.Context, cfg *Config, schema Schema, strategy MigrationStrategy) (_ Client, retErr error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if schema.CurrentSchemaVersion < 1 {
		return nil, fmt.Errorf("current schema version must be at least 1, got %d", schema.CurrentSchemaVersion)
	}
	registry, err := strategy.registry()
	if err != nil {
		return nil, fmt.Errorf("invalid migration strategy: %w", err)
	}

	logger := cfg.Logging.NewLogger("schemakeeper").With("database", cfg.Name)
	c := &clientWrapper{cfg: cfg, schema: schema, logger: logger}
	defer func() {
		if retErr != nil {
			if err := c.Close(); err != nil {
				retErr = multierror.Append(retErr, err)
			}
		}
	}()

	c.db, err = database.Open(ctx, cfg.Database, database.WithLogger(logger.Named("database")))
	if err != nil {
		return nil, err
	}

	c.store, err = store.Open(ctx, cfg, logger.Named("snapshots"))
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}
	if c.schema.Source == nil {
		c.schema.Source = c.store
	}

	opts := []engine.Option{
		engine.WithLogger(logger.Named("engine")),
		engine.WithMigrationConfig(cfg.Migration),
		engine.WithName(cfg.Name),
	}
	if cfg.Events.Enabled {
		c.pipeline, err = events.NewPipeline(context.WithoutCancel(ctx), cfg.Events, cfg.Name, c.db, logger.Named("events"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithJournal(c.pipeline.Journal))
	}

	c.engine, err = engine.New(c.db, c.schema.Source, schema.CurrentSchemaVersion, strategy.engineStrategy(registry), opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *clientWrapper) CurrentSchemaVersion() int {
	return c.schema.CurrentSchemaVersion
}

func (c *clientWrapper) Open(ctx context.Context) (OpeningDetails, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return OpeningDetails{}, fmt.Errorf("client is %w", core.ErrClosed)
	}
	return c.engine.Open(ctx)
}

func (c *clientWrapper) DB() Executor {
	return c.db
}

func (c *clientWrapper) SQL() *sql.DB {
	return c.db.SQL()
}

func (c *clientWrapper) Snapshots() SnapshotStore {
	return c.store
}

func (c *clientWrapper) Validate(ctx context.Context, opt ...ValidateOption) (*ValidationResult, error) {
	opts := []ValidateOption{
		verifier.WithStrictOrder(c.cfg.Migration.StrictColumnOrder),
		verifier.WithLogger(c.logger.Named("verifier")),
	}
	return ValidateDatabaseSchema(ctx, c.db, c.schema.Source, c.schema.CurrentSchemaVersion, append(opts, opt...)...)
}

func (c *clientWrapper) History(ctx context.Context, limit int) ([]*Event, error) {
	return events.History(ctx, c.db, limit)
}

func (c *clientWrapper) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var result error
	if c.pipeline != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := c.pipeline.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close event pipeline: %w", err))
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close snapshot store: %w", err))
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close database: %w", err))
		}
	}
	return result
}
