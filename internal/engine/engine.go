// Package engine brings a database to the application's schema version when
// it is opened.
//
// Open runs in fixed phases on one pinned connection:
//
//  1. take the migration lock and read the stored version
//  2. plan the path with the step registry
//  3. disable foreign keys, outside any transaction
//  4. run the plan in the configured transaction mode, recording the new
//     version in the same transaction as the work it describes
//  5. restore foreign keys, on every exit path
//  6. call BeforeOpen, then optionally verify the live schema
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/rzpsarthak13/schemakeeper/internal/config"
	"github.com/rzpsarthak13/schemakeeper/internal/core"
	"github.com/rzpsarthak13/schemakeeper/internal/dialect"
	"github.com/rzpsarthak13/schemakeeper/internal/events"
	"github.com/rzpsarthak13/schemakeeper/internal/migrator"
	"github.com/rzpsarthak13/schemakeeper/internal/resolver"
	"github.com/rzpsarthak13/schemakeeper/internal/snapshot"
	"github.com/rzpsarthak13/schemakeeper/internal/verifier"
)

// Connector is a pool that can pin a single connection.
type Connector interface {
	core.Executor
	Conn(ctx context.Context) (core.Conn, error)
}

// CreateFunc creates every entity of target on a fresh database.
type CreateFunc func(ctx context.Context, m *migrator.Migrator, target *snapshot.Snapshot) error

// BeforeOpenFunc runs after migrations, before the database is handed to
// the application. exec is the migration connection with foreign keys
// restored.
type BeforeOpenFunc func(ctx context.Context, exec core.Executor, details OpeningDetails) error

// Strategy is what the application supplies to migrate its database.
type Strategy struct {
	// OnCreate creates a fresh database. Defaults to creating every entity
	// of the target snapshot.
	OnCreate CreateFunc

	// Steps holds the upgrade and downgrade steps. It is frozen by New.
	Steps *resolver.Registry

	// BeforeOpen is optional.
	BeforeOpen BeforeOpenFunc
}

// OpeningDetails describes what Open did.
type OpeningDetails struct {
	// VersionBefore is the stored version when Open started, 0 for a fresh
	// database.
	VersionBefore int

	// VersionAfter is the version the database is at now.
	VersionAfter int

	// WasCreated is true when the database was created from scratch.
	WasCreated bool

	// HadUpgrade is true when steps moved an existing database to another
	// version, in either direction.
	HadUpgrade bool
}

// IsDowngrade reports whether the database moved to a lower version.
func (d OpeningDetails) IsDowngrade() bool {
	return d.VersionAfter < d.VersionBefore
}

// Engine migrates one database to a target version.
type Engine struct {
	db       Connector
	source   snapshot.Source
	target   int
	strategy Strategy
	cfg      config.MigrationConfig
	name     string
	journal  *events.Journal
	logger   hclog.Logger
}

// New creates an engine migrating db to target using the snapshots of
// source.
func New(db Connector, source snapshot.Source, target int, strategy Strategy, opt ...Option) (*Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if source == nil {
		return nil, fmt.Errorf("snapshot source cannot be nil")
	}
	if target < 1 {
		return nil, fmt.Errorf("schema version must be positive, got %d", target)
	}
	if strategy.Steps == nil {
		strategy.Steps = resolver.NewRegistry()
	}
	strategy.Steps.Freeze()

	opts := getOpts(opt...)
	switch opts.withMigration.TransactionMode {
	case config.TransactionRun, config.TransactionStep, config.TransactionNone:
	default:
		return nil, fmt.Errorf("unsupported transaction mode: %q", opts.withMigration.TransactionMode)
	}

	return &Engine{
		db:       db,
		source:   source,
		target:   target,
		strategy: strategy,
		cfg:      opts.withMigration,
		name:     opts.withName,
		journal:  opts.withJournal,
		logger:   opts.withLogger,
	}, nil
}

// Target returns the version the engine migrates to.
func (e *Engine) Target() int { return e.target }

// Open migrates the database to the target version. Any failure aborts
// Open; the database is left at the stored version (run mode) or at the
// last completed step (step mode).
func (e *Engine) Open(ctx context.Context) (details OpeningDetails, retErr error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return details, err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			retErr = multierror.Append(retErr, fmt.Errorf("failed to release migration connection: %w", err))
		}
	}()

	d, err := dialect.For(conn)
	if err != nil {
		return details, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, e.cfg.LockTimeout)
	unlock, err := d.Lock(lockCtx, conn, e.lockKey())
	cancel()
	if err != nil {
		return details, err
	}
	defer func() {
		if err := unlock(context.Background()); err != nil {
			retErr = multierror.Append(retErr, err)
		}
	}()

	before, err := d.ReadVersion(ctx, conn)
	if err != nil {
		return details, err
	}
	details = OpeningDetails{VersionBefore: before, VersionAfter: before}

	run := e.journal.Begin()
	logger := e.logger.With("run_id", run.ID)

	plan, err := e.strategy.Steps.Plan(before, e.target)
	if err != nil {
		run.Emit(ctx, core.Event{Type: core.EventRunFailed, FromVersion: before, ToVersion: e.target, Error: err.Error()})
		return details, err
	}

	if plan.Kind != resolver.PlanNone {
		logger.Info("migrating database", "plan", plan.Kind.String(), "from", before, "to", e.target,
			"steps", len(plan.Steps), "mode", e.cfg.TransactionMode)
		run.Emit(ctx, core.Event{Type: core.EventRunStarted, FromVersion: before, ToVersion: e.target})

		if err := e.migrate(ctx, conn, d, plan, run, logger); err != nil {
			logger.Error("migration failed", "error", err)
			run.Emit(ctx, core.Event{Type: core.EventRunFailed, FromVersion: before, ToVersion: e.target,
				Error: err.Error(), Duration: run.Elapsed()})
			return details, err
		}

		details.VersionAfter = e.target
		details.WasCreated = plan.Kind == resolver.PlanCreate
		details.HadUpgrade = plan.Kind == resolver.PlanUpgrade || plan.Kind == resolver.PlanDowngrade
		run.Emit(ctx, core.Event{Type: core.EventRunCompleted, FromVersion: before, ToVersion: e.target, Duration: run.Elapsed()})
		logger.Info("migration completed", "version", e.target, "duration", run.Elapsed())
	}

	if e.strategy.BeforeOpen != nil {
		if err := e.strategy.BeforeOpen(ctx, conn, details); err != nil {
			return details, fmt.Errorf("before open callback failed: %w", err)
		}
	}

	if e.cfg.VerifyOnOpen {
		_, err := verifier.Validate(ctx, conn, e.source, e.target,
			verifier.WithStrictOrder(e.cfg.StrictColumnOrder),
			verifier.WithLogger(e.logger.Named("verifier")))
		if err != nil {
			if errors.Is(err, core.ErrSchemaMismatch) {
				run.Emit(ctx, core.Event{Type: core.EventVerificationFailed, FromVersion: before, ToVersion: e.target, Error: err.Error()})
			}
			return details, err
		}
	}

	return details, nil
}

func (e *Engine) lockKey() string {
	return "schemakeeper:" + e.name
}

// migrate runs the foreign key and transaction phases.
func (e *Engine) migrate(ctx context.Context, conn core.Conn, d dialect.Dialect, plan *resolver.Plan, run *events.Run, logger hclog.Logger) error {
	if !d.TransactionalDDL() && e.cfg.TransactionMode != config.TransactionNone {
		logger.Warn("dialect commits DDL implicitly, a failed step may leave partial changes", "dialect", d.Name())
	}

	restore, err := e.disableForeignKeys(ctx, conn, d)
	if err != nil {
		return err
	}

	err = e.runPlan(ctx, conn, d, plan, run)

	if rerr := restore(ctx); rerr != nil {
		if err == nil {
			return rerr
		}
		err = multierror.Append(err, rerr)
	}
	return err
}

// disableForeignKeys turns enforcement off when configured and returns the
// function restoring the previous setting.
func (e *Engine) disableForeignKeys(ctx context.Context, conn core.Conn, d dialect.Dialect) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !e.cfg.DisableForeignKeys {
		return noop, nil
	}

	enabled, err := d.ForeignKeysEnabled(ctx, conn)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return noop, nil
	}
	if _, err := conn.Exec(ctx, d.ForeignKeys(false)); err != nil {
		return nil, fmt.Errorf("failed to disable foreign keys: %w", err)
	}
	return func(ctx context.Context) error {
		// The caller's context may already be cancelled.
		if _, err := conn.Exec(context.WithoutCancel(ctx), d.ForeignKeys(true)); err != nil {
			return fmt.Errorf("failed to restore foreign keys: %w", err)
		}
		return nil
	}, nil
}

// runPlan applies the plan in the configured transaction mode. Events are
// published only once the work they describe is committed.
func (e *Engine) runPlan(ctx context.Context, conn core.Conn, d dialect.Dialect, plan *resolver.Plan, run *events.Run) error {
	switch e.cfg.TransactionMode {
	case config.TransactionRun:
		var committed []core.Event
		err := conn.Transaction(ctx, func(ctx context.Context, tx core.Executor) error {
			var err error
			committed, err = e.apply(ctx, tx, d, plan)
			return err
		})
		if err != nil {
			return err
		}
		publish(ctx, run, committed)
		return nil

	case config.TransactionStep:
		if plan.Kind == resolver.PlanCreate {
			return e.inTransaction(ctx, conn, run, func(ctx context.Context, tx core.Executor) (core.Event, error) {
				return e.create(ctx, tx, d)
			})
		}
		for _, step := range plan.Steps {
			step := step
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("migration cancelled before step %s: %w", step.Label(), err)
			}
			err := e.inTransaction(ctx, conn, run, func(ctx context.Context, tx core.Executor) (core.Event, error) {
				return e.step(ctx, tx, d, step)
			})
			if err != nil {
				return err
			}
		}
		return nil

	default:
		applied, err := e.apply(ctx, conn, d, plan)
		publish(ctx, run, applied)
		return err
	}
}

func (e *Engine) inTransaction(ctx context.Context, conn core.Conn, run *events.Run, fn func(ctx context.Context, tx core.Executor) (core.Event, error)) error {
	var ev core.Event
	err := conn.Transaction(ctx, func(ctx context.Context, tx core.Executor) error {
		var err error
		ev, err = fn(ctx, tx)
		return err
	})
	if err != nil {
		return err
	}
	run.Emit(ctx, ev)
	return nil
}

// apply runs the whole plan on exec and returns the events of the work
// that succeeded.
func (e *Engine) apply(ctx context.Context, exec core.Executor, d dialect.Dialect, plan *resolver.Plan) ([]core.Event, error) {
	if plan.Kind == resolver.PlanCreate {
		ev, err := e.create(ctx, exec, d)
		if err != nil {
			return nil, err
		}
		return []core.Event{ev}, nil
	}

	var applied []core.Event
	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return applied, fmt.Errorf("migration cancelled before step %s: %w", step.Label(), err)
		}
		ev, err := e.step(ctx, exec, d, step)
		if err != nil {
			return applied, err
		}
		applied = append(applied, ev)
	}
	return applied, nil
}

// create runs the create-all path for the target version.
func (e *Engine) create(ctx context.Context, exec core.Executor, d dialect.Dialect) (core.Event, error) {
	start := time.Now()
	target, err := e.source.SnapshotAt(ctx, e.target)
	if err != nil {
		return core.Event{}, fmt.Errorf("failed to load snapshot for version %d: %w", e.target, err)
	}
	m, err := migrator.New(exec, migrator.WithLogger(e.logger.Named("migrator")))
	if err != nil {
		return core.Event{}, err
	}

	onCreate := e.strategy.OnCreate
	if onCreate == nil {
		onCreate = func(ctx context.Context, m *migrator.Migrator, target *snapshot.Snapshot) error {
			return m.CreateAll(ctx, target)
		}
	}
	if err := onCreate(ctx, m, target); err != nil {
		return core.Event{}, migrator.Failed(migrator.Operation{Kind: migrator.OpCreateAll, Target: fmt.Sprintf("v%d", e.target)}, err)
	}
	if err := e.writeVersion(ctx, exec, d, e.target); err != nil {
		return core.Event{}, err
	}

	e.logger.Debug("schema created", "version", e.target, "duration", time.Since(start))
	return core.Event{Type: core.EventSchemaCreated, ToVersion: e.target, Duration: time.Since(start)}, nil
}

// step runs one step and records its target version.
func (e *Engine) step(ctx context.Context, exec core.Executor, d dialect.Dialect, step resolver.Step) (core.Event, error) {
	start := time.Now()
	from, err := e.snapshotAt(ctx, step.From)
	if err != nil {
		return core.Event{}, err
	}
	to, err := e.snapshotAt(ctx, step.To)
	if err != nil {
		return core.Event{}, err
	}
	m, err := migrator.New(exec, migrator.WithLogger(e.logger.Named("migrator").With("step", step.Label())))
	if err != nil {
		return core.Event{}, err
	}

	if err := step.Up(ctx, resolver.NewStepContext(step, m, from, to)); err != nil {
		return core.Event{}, migrator.Failed(migrator.Operation{Kind: migrator.OpStep, Target: step.Label()}, err)
	}
	if err := e.writeVersion(ctx, exec, d, step.To); err != nil {
		return core.Event{}, err
	}

	e.logger.Debug("step applied", "step", step.Label(), "duration", time.Since(start))
	return core.Event{
		Type:        core.EventStepApplied,
		FromVersion: step.From,
		ToVersion:   step.To,
		Step:        step.Label(),
		Duration:    time.Since(start),
	}, nil
}

// snapshotAt returns the stored snapshot of version, or nil when none is
// stored.
func (e *Engine) snapshotAt(ctx context.Context, version int) (*snapshot.Snapshot, error) {
	snap, err := e.source.SnapshotAt(ctx, version)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for version %d: %w", version, err)
	}
	return snap, nil
}

func (e *Engine) writeVersion(ctx context.Context, exec core.Executor, d dialect.Dialect, version int) error {
	if err := d.WriteVersion(ctx, exec, version); err != nil {
		return migrator.Failed(migrator.Operation{Kind: migrator.OpWriteVersion, Target: fmt.Sprintf("v%d", version)}, err)
	}
	return nil
}

func publish(ctx context.Context, run *events.Run, evs []core.Event) {
	for _, ev := range evs {
		run.Emit(ctx, ev)
	}
}
