package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/schemakeeper/internal/config"
	"github.com/rzpsarthak13/schemakeeper/internal/core"
	"github.com/rzpsarthak13/schemakeeper/internal/database"
	"github.com/rzpsarthak13/schemakeeper/internal/events"
	"github.com/rzpsarthak13/schemakeeper/internal/migrator"
	"github.com/rzpsarthak13/schemakeeper/internal/resolver"
	"github.com/rzpsarthak13/schemakeeper/internal/snapshot"
	"github.com/rzpsarthak13/schemakeeper/internal/verifier"
)

func todosAt(version int) snapshot.Table {
	t := snapshot.Table{
		Name: "todos",
		Columns: []snapshot.Column{
			{Name: "id", Type: snapshot.TypeInt, PrimaryKey: true},
			{Name: "title", Type: snapshot.TypeText},
		},
	}
	if version >= 2 {
		t.Columns = append(t.Columns, snapshot.Column{Name: "priority", Type: snapshot.TypeInt, Default: snapshot.DefaultValue("0")})
	}
	return t
}

func history() snapshot.Static {
	return snapshot.NewStatic(
		snapshot.MustNew(1, todosAt(1)),
		snapshot.MustNew(2, todosAt(2)),
		snapshot.MustNew(3,
			todosAt(2),
			snapshot.Table{Name: "categories", Columns: []snapshot.Column{
				{Name: "id", Type: snapshot.TypeInt, PrimaryKey: true},
				{Name: "name", Type: snapshot.TypeText, Unique: true},
			}},
			snapshot.Index{Name: "todos_by_priority", Table: "todos", Columns: []string{"priority"}},
		),
	)
}

// steps registers [1,2) and [2,3), appending each step label to calls.
func steps(t *testing.T, calls *[]string, failAt string) *resolver.Registry {
	t.Helper()
	r := resolver.NewRegistry()
	require.NoError(t, r.Register(resolver.Step{From: 1, To: 2, Up: func(ctx context.Context, sc *resolver.StepContext) error {
		*calls = append(*calls, "v1_to_v2")
		todos, err := sc.Table("todos")
		if err != nil {
			return err
		}
		priority, _ := todos.Column("priority")
		return sc.Migrator.AddColumn(ctx, "todos", priority)
	}}))
	require.NoError(t, r.Register(resolver.Step{From: 2, To: 3, Up: func(ctx context.Context, sc *resolver.StepContext) error {
		*calls = append(*calls, "v2_to_v3")
		categories, err := sc.Table("categories")
		if err != nil {
			return err
		}
		if err := sc.Migrator.CreateTable(ctx, categories); err != nil {
			return err
		}
		if failAt == "v2_to_v3" {
			return errors.New("step exploded")
		}
		idx, err := sc.Index("todos_by_priority")
		if err != nil {
			return err
		}
		return sc.Migrator.CreateIndex(ctx, idx)
	}}))
	return r
}

// seeded returns an in-memory database created at version.
func seeded(t *testing.T, version int) *database.DB {
	t.Helper()
	return seed(t, database.TestSQLite(t), version)
}

// seededFile is seeded on a database file, which survives connections
// being discarded.
func seededFile(t *testing.T, version int) *database.DB {
	t.Helper()
	db, err := database.Open(context.Background(), config.DatabaseConfig{
		Type: "sqlite",
		Path: filepath.Join(t.TempDir(), "todo.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return seed(t, db, version)
}

func seed(t *testing.T, db *database.DB, version int) *database.DB {
	t.Helper()
	ctx := context.Background()
	snap, err := history().SnapshotAt(ctx, version)
	require.NoError(t, err)
	m, err := migrator.New(db)
	require.NoError(t, err)
	require.NoError(t, m.CreateAll(ctx, snap))
	setVersion(t, db, version)
	return db
}

func setVersion(t *testing.T, db *database.DB, version int) {
	t.Helper()
	_, err := db.Exec(context.Background(), fmt.Sprintf("PRAGMA user_version = %d", version))
	require.NoError(t, err)
}

func queryInt(t *testing.T, exec core.Executor, query string) int {
	t.Helper()
	rows, err := exec.Query(context.Background(), query)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var n int
	require.NoError(t, rows.Scan(&n))
	return n
}

func assertSchemaAt(t *testing.T, db *database.DB, version int) {
	t.Helper()
	result, err := verifier.Validate(context.Background(), db, history(), version)
	require.NoError(t, err)
	assert.True(t, result.OK())
}

func TestOpen_FreshDatabaseRunsCreateOnce(t *testing.T) {
	ctx := context.Background()
	db := database.TestSQLite(t)

	var calls []string
	creates := 0
	e, err := New(db, history(), 3, Strategy{
		Steps: steps(t, &calls, ""),
		OnCreate: func(ctx context.Context, m *migrator.Migrator, target *snapshot.Snapshot) error {
			creates++
			assert.Equal(t, 3, target.Version())
			return m.CreateAll(ctx, target)
		},
	})
	require.NoError(t, err)

	details, err := e.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, OpeningDetails{VersionBefore: 0, VersionAfter: 3, WasCreated: true}, details)
	assert.Equal(t, 1, creates)
	assert.Empty(t, calls, "a fresh database never runs steps")
	assert.Equal(t, 3, queryInt(t, db, "PRAGMA user_version"))
	assertSchemaAt(t, db, 3)

	details, err = e.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, OpeningDetails{VersionBefore: 3, VersionAfter: 3}, details)
	assert.Equal(t, 1, creates)
}

func TestOpen_UpgradeRunsStepsInOrder(t *testing.T) {
	ctx := context.Background()
	db := seeded(t, 1)
	_, err := db.Exec(ctx, "INSERT INTO todos (id, title) VALUES (1, 'a')")
	require.NoError(t, err)

	var calls []string
	e, err := New(db, history(), 3, Strategy{Steps: steps(t, &calls, "")})
	require.NoError(t, err)

	details, err := e.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1_to_v2", "v2_to_v3"}, calls)
	assert.Equal(t, OpeningDetails{VersionBefore: 1, VersionAfter: 3, HadUpgrade: true}, details)
	assert.False(t, details.IsDowngrade())
	assert.Equal(t, 3, queryInt(t, db, "PRAGMA user_version"))
	assert.Equal(t, 0, queryInt(t, db, "SELECT priority FROM todos WHERE id = 1"))
	assertSchemaAt(t, db, 3)
}

func TestOpen_UpgradeFromIntermediateVersion(t *testing.T) {
	ctx := context.Background()
	db := seeded(t, 2)

	var calls []string
	e, err := New(db, history(), 3, Strategy{Steps: steps(t, &calls, "")})
	require.NoError(t, err)

	_, err = e.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2_to_v3"}, calls)
}

func TestOpen_FailedStepInRunTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	db := seeded(t, 1)
	queue := events.NewMemoryQueue(10)

	var calls []string
	e, err := New(db, history(), 3, Strategy{Steps: steps(t, &calls, "v2_to_v3")},
		WithJournal(events.NewJournal(queue, "todo", nil)))
	require.NoError(t, err)

	_, err = e.Open(ctx)
	require.ErrorIs(t, err, core.ErrMigrationFailed)
	var mf *migrator.MigrationFailedError
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, migrator.OpStep, mf.Op.Kind)
	assert.Equal(t, "v2_to_v3", mf.Op.Target)
	assert.Contains(t, err.Error(), "step exploded")

	assert.Equal(t, []string{"v1_to_v2", "v2_to_v3"}, calls)
	assert.Equal(t, 1, queryInt(t, db, "PRAGMA user_version"))
	assertSchemaAt(t, db, 1)

	got, err := queue.Dequeue(ctx, 10)
	require.NoError(t, err)
	var types []core.EventType
	for _, ev := range got {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []core.EventType{core.EventRunStarted, core.EventRunFailed}, types,
		"rolled back steps are not reported as applied")
}

func TestOpen_FailedStepInStepModeKeepsCompletedSteps(t *testing.T) {
	ctx := context.Background()
	db := seeded(t, 1)

	var calls []string
	e, err := New(db, history(), 3, Strategy{Steps: steps(t, &calls, "v2_to_v3")},
		WithMigrationConfig(config.MigrationConfig{TransactionMode: config.TransactionStep}))
	require.NoError(t, err)

	_, err = e.Open(ctx)
	require.ErrorIs(t, err, core.ErrMigrationFailed)
	assert.Equal(t, 2, queryInt(t, db, "PRAGMA user_version"))
	assertSchemaAt(t, db, 2)
}

func TestOpen_NoTransactionMode(t *testing.T) {
	ctx := context.Background()
	db := seeded(t, 1)

	var calls []string
	e, err := New(db, history(), 3, Strategy{Steps: steps(t, &calls, "")},
		WithMigrationConfig(config.MigrationConfig{TransactionMode: config.TransactionNone}))
	require.NoError(t, err)

	_, err = e.Open(ctx)
	require.NoError(t, err)
	assertSchemaAt(t, db, 3)
}

func TestOpen_UnsupportedDowngrade(t *testing.T) {
	ctx := context.Background()
	db := seeded(t, 3)
	setVersion(t, db, 5)

	var calls []string
	e, err := New(db, history(), 3, Strategy{Steps: steps(t, &calls, "")})
	require.NoError(t, err)

	_, err = e.Open(ctx)
	require.ErrorIs(t, err, core.ErrUnsupportedDowngrade)
	var ud *resolver.UnsupportedDowngradeError
	require.ErrorAs(t, err, &ud)
	assert.Equal(t, 5, ud.From)
	assert.Equal(t, 3, ud.To)
	assert.Equal(t, 5, queryInt(t, db, "PRAGMA user_version"))
	assert.Empty(t, calls)
}

func TestOpen_Downgrade(t *testing.T) {
	ctx := context.Background()
	db := seeded(t, 3)

	var calls []string
	r := steps(t, &calls, "")
	require.NoError(t, r.RegisterDowngrade(resolver.Step{From: 3, To: 2, Up: func(ctx context.Context, sc *resolver.StepContext) error {
		idx, err := sc.PreviousIndex("todos_by_priority")
		if err != nil {
			return err
		}
		if err := sc.Migrator.DropIndex(ctx, idx); err != nil {
			return err
		}
		return sc.Migrator.DropTable(ctx, "categories")
	}}))

	e, err := New(db, history(), 2, Strategy{Steps: r})
	require.NoError(t, err)

	details, err := e.Open(ctx)
	require.NoError(t, err)
	assert.True(t, details.HadUpgrade)
	assert.True(t, details.IsDowngrade())
	assert.Equal(t, 2, queryInt(t, db, "PRAGMA user_version"))
	assertSchemaAt(t, db, 2)
}

func TestOpen_CoverageGap(t *testing.T) {
	ctx := context.Background()
	db := seeded(t, 1)

	r := resolver.NewRegistry()
	require.NoError(t, r.Register(resolver.Step{From: 1, To: 2, Up: func(context.Context, *resolver.StepContext) error { return nil }}))
	e, err := New(db, history(), 3, Strategy{Steps: r})
	require.NoError(t, err)

	_, err = e.Open(ctx)
	assert.ErrorIs(t, err, core.ErrStepCoverageGap)
	assert.Equal(t, 1, queryInt(t, db, "PRAGMA user_version"))
}

func TestOpen_BeforeOpen(t *testing.T) {
	ctx := context.Background()
	db := seeded(t, 1)

	var calls []string
	var got OpeningDetails
	e, err := New(db, history(), 2, Strategy{
		Steps: steps(t, &calls, ""),
		BeforeOpen: func(ctx context.Context, exec core.Executor, details OpeningDetails) error {
			got = details
			_, err := exec.Exec(ctx, "INSERT INTO todos (id, title) VALUES (7, 'seeded')")
			return err
		},
	})
	require.NoError(t, err)

	_, err = e.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, OpeningDetails{VersionBefore: 1, VersionAfter: 2, HadUpgrade: true}, got)
	assert.Equal(t, 1, queryInt(t, db, "SELECT COUNT(*) FROM todos WHERE id = 7"))

	failing, err := New(db, history(), 2, Strategy{
		BeforeOpen: func(context.Context, core.Executor, OpeningDetails) error {
			return errors.New("seed failed")
		},
	})
	require.NoError(t, err)
	_, err = failing.Open(ctx)
	assert.ErrorContains(t, err, "before open callback failed: seed failed")
}

func TestOpen_ForeignKeysDisabledOutsideTransaction(t *testing.T) {
	ctx := context.Background()
	db := seeded(t, 1)
	_, err := db.Exec(ctx, "PRAGMA foreign_keys = ON")
	require.NoError(t, err)

	r := resolver.NewRegistry()
	var during int
	require.NoError(t, r.Register(resolver.Step{From: 1, To: 2, Up: func(ctx context.Context, sc *resolver.StepContext) error {
		during = queryInt(t, sc.Migrator.Executor(), "PRAGMA foreign_keys")
		todos, _ := sc.Table("todos")
		priority, _ := todos.Column("priority")
		return sc.Migrator.AddColumn(ctx, "todos", priority)
	}}))

	e, err := New(db, history(), 2, Strategy{Steps: r})
	require.NoError(t, err)
	_, err = e.Open(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, during)
	assert.Equal(t, 1, queryInt(t, db, "PRAGMA foreign_keys"), "enforcement is restored after the run")
}

func TestOpen_ForeignKeysLeftAloneWhenNotConfigured(t *testing.T) {
	ctx := context.Background()
	db := seeded(t, 1)
	_, err := db.Exec(ctx, "PRAGMA foreign_keys = ON")
	require.NoError(t, err)

	r := resolver.NewRegistry()
	var during int
	require.NoError(t, r.Register(resolver.Step{From: 1, To: 2, Up: func(ctx context.Context, sc *resolver.StepContext) error {
		during = queryInt(t, sc.Migrator.Executor(), "PRAGMA foreign_keys")
		return nil
	}}))

	e, err := New(db, history(), 2, Strategy{Steps: r},
		WithMigrationConfig(config.MigrationConfig{DisableForeignKeys: false}))
	require.NoError(t, err)
	_, err = e.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, during)
}

func TestOpen_VerifyOnOpen(t *testing.T) {
	ctx := context.Background()
	db := seeded(t, 2)
	queue := events.NewMemoryQueue(10)

	r := resolver.NewRegistry()
	require.NoError(t, r.Register(resolver.Step{From: 2, To: 3, Up: func(ctx context.Context, sc *resolver.StepContext) error {
		categories, _ := sc.Table("categories")
		return sc.Migrator.CreateTable(ctx, categories)
	}}))

	e, err := New(db, history(), 3, Strategy{Steps: r},
		WithMigrationConfig(config.MigrationConfig{TransactionMode: config.TransactionRun, VerifyOnOpen: true}),
		WithJournal(events.NewJournal(queue, "todo", nil)))
	require.NoError(t, err)

	_, err = e.Open(ctx)
	require.ErrorIs(t, err, core.ErrSchemaMismatch)
	assert.Contains(t, err.Error(), "index todos_by_priority: missing")

	got, err := queue.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, core.EventVerificationFailed, last.Type)
	for _, ev := range got {
		assert.Equal(t, got[0].RunID, ev.RunID)
	}
}

func TestOpen_PublishesRunEvents(t *testing.T) {
	ctx := context.Background()
	db := seeded(t, 1)
	queue := events.NewMemoryQueue(10)

	var calls []string
	e, err := New(db, history(), 3, Strategy{Steps: steps(t, &calls, "")},
		WithName("todo"), WithJournal(events.NewJournal(queue, "todo", nil)))
	require.NoError(t, err)
	_, err = e.Open(ctx)
	require.NoError(t, err)

	got, err := queue.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, core.EventRunStarted, got[0].Type)
	assert.Equal(t, core.EventStepApplied, got[1].Type)
	assert.Equal(t, "v1_to_v2", got[1].Step)
	assert.Equal(t, core.EventStepApplied, got[2].Type)
	assert.Equal(t, 3, got[2].ToVersion)
	assert.Equal(t, core.EventRunCompleted, got[3].Type)
	for _, ev := range got {
		assert.Equal(t, got[0].RunID, ev.RunID)
		assert.Equal(t, "todo", ev.Database)
	}
}

func TestOpen_CancelledBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db := seededFile(t, 1)

	r := resolver.NewRegistry()
	second := false
	require.NoError(t, r.Register(resolver.Step{From: 1, To: 2, Up: func(context.Context, *resolver.StepContext) error {
		cancel()
		return nil
	}}))
	require.NoError(t, r.Register(resolver.Step{From: 2, To: 3, Up: func(context.Context, *resolver.StepContext) error {
		second = true
		return nil
	}}))

	e, err := New(db, history(), 3, Strategy{Steps: r})
	require.NoError(t, err)
	_, err = e.Open(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, second)
	assert.Equal(t, 1, queryInt(t, db, "PRAGMA user_version"))
}

func TestOpen_MigrationLock(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})

	r := resolver.NewRegistry()
	require.NoError(t, r.Register(resolver.Step{From: 1, To: 2, Up: func(context.Context, *resolver.StepContext) error {
		close(started)
		<-release
		return nil
	}}))

	first, err := New(seeded(t, 1), history(), 2, Strategy{Steps: r}, WithName("locked"))
	require.NoError(t, err)
	second, err := New(seeded(t, 1), history(), 2, Strategy{}, WithName("locked"),
		WithMigrationConfig(config.MigrationConfig{LockTimeout: 50 * time.Millisecond}))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := first.Open(ctx)
		done <- err
	}()
	<-started

	_, err = second.Open(ctx)
	assert.ErrorContains(t, err, "failed to acquire migration lock")

	close(release)
	require.NoError(t, <-done)
}

func TestNew_Validation(t *testing.T) {
	db := database.TestSQLite(t)
	_, err := New(nil, history(), 1, Strategy{})
	assert.Error(t, err)
	_, err = New(db, nil, 1, Strategy{})
	assert.Error(t, err)
	_, err = New(db, history(), 0, Strategy{})
	assert.ErrorContains(t, err, "must be positive")
	_, err = New(db, history(), 1, Strategy{}, WithMigrationConfig(config.MigrationConfig{TransactionMode: "sometimes"}))
	assert.ErrorContains(t, err, "unsupported transaction mode")

	r := resolver.NewRegistry()
	_, err = New(db, history(), 1, Strategy{Steps: r})
	require.NoError(t, err)
	err = r.Register(resolver.Step{From: 1, To: 2, Up: func(context.Context, *resolver.StepContext) error { return nil }})
	assert.ErrorIs(t, err, core.ErrRegistryFrozen)
}
