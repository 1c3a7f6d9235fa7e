package schemakeeper

import (
	"context"

	"github.com/rzpsarthak13/schemakeeper/internal/core"
	"github.com/rzpsarthak13/schemakeeper/internal/engine"
	"github.com/rzpsarthak13/schemakeeper/internal/migrator"
	"github.com/rzpsarthak13/schemakeeper/internal/resolver"
	"github.com/rzpsarthak13/schemakeeper/internal/snapshot"
)

// Schema model.
type (
	Snapshot   = snapshot.Snapshot
	Entity     = snapshot.Entity
	Table      = snapshot.Table
	Column     = snapshot.Column
	ColumnType = snapshot.ColumnType
	Reference  = snapshot.Reference
	ForeignKey = snapshot.ForeignKey
	Index      = snapshot.Index
	View       = snapshot.View
	Trigger    = snapshot.Trigger

	// SnapshotSource yields the snapshot recorded for a version.
	SnapshotSource = snapshot.Source
)

// Logical column types.
const (
	TypeInt      = snapshot.TypeInt
	TypeText     = snapshot.TypeText
	TypeReal     = snapshot.TypeReal
	TypeBlob     = snapshot.TypeBlob
	TypeDateTime = snapshot.TypeDateTime
	TypeBool     = snapshot.TypeBool
)

var (
	// NewSnapshot validates entities and builds the snapshot of version.
	NewSnapshot = snapshot.New

	// StaticSource serves snapshots held in memory.
	StaticSource = snapshot.NewStatic

	// DefaultValue returns a pointer to a default expression.
	DefaultValue = snapshot.DefaultValue
)

// Migration building blocks.
type (
	Executor       = core.Executor
	Migrator       = migrator.Migrator
	TableMigration = migrator.TableMigration
	Step           = resolver.Step
	StepContext    = resolver.StepContext
	OpeningDetails = engine.OpeningDetails
)

// Schema declares the version the application expects and where the
// snapshots of every version are kept.
type Schema struct {
	// CurrentSchemaVersion is the version the application's code is
	// written against. It starts at 1 and only grows.
	CurrentSchemaVersion int

	// Source provides snapshots by version. When nil the client's
	// configured snapshot store is used.
	Source SnapshotSource
}

// MigrationStrategy tells the client how to create and migrate the
// database.
type MigrationStrategy struct {
	// OnCreate creates a fresh database at CurrentSchemaVersion. When nil
	// every entity of the current snapshot is created.
	OnCreate func(ctx context.Context, m *Migrator, target *Snapshot) error

	// Steps are the upgrade steps, one per version range. They are run in
	// ascending order for a database older than the application.
	Steps []Step

	// DowngradeSteps take a newer database back to CurrentSchemaVersion.
	// Without them such a database fails with ErrUnsupportedDowngrade.
	DowngradeSteps []Step

	// BeforeOpen runs after migrations on every open, with foreign keys
	// enforced again. Seed data and sanity checks go here.
	BeforeOpen func(ctx context.Context, exec Executor, details OpeningDetails) error
}

// registry registers the strategy's steps. Overlapping or malformed steps
// are rejected here rather than when the database is opened.
func (s MigrationStrategy) registry() (*resolver.Registry, error) {
	r := resolver.NewRegistry()
	for _, step := range s.Steps {
		if err := r.Register(step); err != nil {
			return nil, err
		}
	}
	for _, step := range s.DowngradeSteps {
		if err := r.RegisterDowngrade(step); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (s MigrationStrategy) engineStrategy(r *resolver.Registry) engine.Strategy {
	strategy := engine.Strategy{Steps: r}
	if s.OnCreate != nil {
		strategy.OnCreate = s.OnCreate
	}
	if s.BeforeOpen != nil {
		strategy.BeforeOpen = s.BeforeOpen
	}
	return strategy
}
