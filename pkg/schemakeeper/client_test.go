package schemakeeper_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/schemakeeper/pkg/schemakeeper"
)

func todos(version int) schemakeeper.Table {
	t := schemakeeper.Table{
		Name: "todos",
		Columns: []schemakeeper.Column{
			{Name: "id", Type: schemakeeper.TypeInt, PrimaryKey: true},
			{Name: "title", Type: schemakeeper.TypeText},
		},
	}
	if version >= 2 {
		t.Columns = append(t.Columns, schemakeeper.Column{Name: "priority", Type: schemakeeper.TypeInt, Default: schemakeeper.DefaultValue("0")})
	}
	return t
}

func snapshots(t *testing.T) []*schemakeeper.Snapshot {
	t.Helper()
	v1, err := schemakeeper.NewSnapshot(1, todos(1))
	require.NoError(t, err)
	v2, err := schemakeeper.NewSnapshot(2, todos(2))
	require.NoError(t, err)
	return []*schemakeeper.Snapshot{v1, v2}
}

func addPriority(calls *int) schemakeeper.Step {
	return schemakeeper.Step{From: 1, To: 2, Up: func(ctx context.Context, sc *schemakeeper.StepContext) error {
		*calls++
		table, err := sc.Table("todos")
		if err != nil {
			return err
		}
		priority, _ := table.Column("priority")
		return sc.Migrator.AddColumn(ctx, "todos", priority)
	}}
}

func testConfig(t *testing.T) *schemakeeper.Config {
	t.Helper()
	cfg := schemakeeper.DefaultConfig()
	cfg.Name = "todo"
	cfg.Database.Path = filepath.Join(t.TempDir(), "todo.db")
	cfg.Database.Params = map[string]string{"_pragma": "busy_timeout(5000)"}
	cfg.Logging.Level = "error"
	cfg.Migration.VerifyOnOpen = true
	return cfg
}

func newClient(t *testing.T, cfg *schemakeeper.Config, version int, strategy schemakeeper.MigrationStrategy) schemakeeper.Client {
	t.Helper()
	client, err := schemakeeper.NewClient(context.Background(), cfg, schemakeeper.Schema{
		CurrentSchemaVersion: version,
		Source:               schemakeeper.StaticSource(snapshots(t)...),
	}, strategy)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClient_CreateThenUpgrade(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	first := newClient(t, cfg, 1, schemakeeper.MigrationStrategy{})
	details, err := first.Open(ctx)
	require.NoError(t, err)
	assert.True(t, details.WasCreated)
	assert.Equal(t, 1, details.VersionAfter)

	_, err = first.DB().Exec(ctx, "INSERT INTO todos (id, title) VALUES (1, 'write tests')")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	var calls int
	var seen schemakeeper.OpeningDetails
	second := newClient(t, cfg, 2, schemakeeper.MigrationStrategy{
		Steps: []schemakeeper.Step{addPriority(&calls)},
		BeforeOpen: func(ctx context.Context, exec schemakeeper.Executor, d schemakeeper.OpeningDetails) error {
			seen = d
			return nil
		},
	})
	details, err = second.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, schemakeeper.OpeningDetails{VersionBefore: 1, VersionAfter: 2, HadUpgrade: true}, details)
	assert.Equal(t, details, seen)

	var priority int
	require.NoError(t, second.SQL().QueryRowContext(ctx, "SELECT priority FROM todos WHERE id = 1").Scan(&priority))
	assert.Equal(t, 0, priority)

	result, err := second.Validate(ctx)
	require.NoError(t, err)
	assert.True(t, result.OK())

	// Reopening a current database runs no steps.
	details, err = second.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, details.HadUpgrade)
	assert.Equal(t, 2, details.VersionBefore)
}

func TestClient_SnapshotStore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	client, err := schemakeeper.NewClient(ctx, cfg, schemakeeper.Schema{CurrentSchemaVersion: 2}, schemakeeper.MigrationStrategy{})
	require.NoError(t, err)
	defer client.Close()

	for _, snap := range snapshots(t) {
		require.NoError(t, client.Snapshots().Save(ctx, snap.Version(), snap))
	}
	versions, err := client.Snapshots().AllVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)

	details, err := client.Open(ctx)
	require.NoError(t, err)
	assert.True(t, details.WasCreated)
	assert.Equal(t, 2, client.CurrentSchemaVersion())
}

func TestClient_UnsupportedDowngrade(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	var calls int
	newer := newClient(t, cfg, 2, schemakeeper.MigrationStrategy{Steps: []schemakeeper.Step{addPriority(&calls)}})
	_, err := newer.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, newer.Close())

	older := newClient(t, cfg, 1, schemakeeper.MigrationStrategy{})
	_, err = older.Open(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, schemakeeper.ErrUnsupportedDowngrade))

	var downgrade *schemakeeper.UnsupportedDowngradeError
	require.True(t, errors.As(err, &downgrade))
}

func TestNewClient_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	source := schemakeeper.StaticSource(snapshots(t)...)

	_, err := schemakeeper.NewClient(ctx, nil, schemakeeper.Schema{CurrentSchemaVersion: 1}, schemakeeper.MigrationStrategy{})
	assert.Error(t, err)

	_, err = schemakeeper.NewClient(ctx, testConfig(t), schemakeeper.Schema{Source: source}, schemakeeper.MigrationStrategy{})
	assert.Error(t, err)

	var calls int
	_, err = schemakeeper.NewClient(ctx, testConfig(t), schemakeeper.Schema{CurrentSchemaVersion: 2, Source: source},
		schemakeeper.MigrationStrategy{Steps: []schemakeeper.Step{addPriority(&calls), addPriority(&calls)}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, schemakeeper.ErrOverlappingSteps))

	bad := testConfig(t)
	bad.Migration.TransactionMode = "sometimes"
	_, err = schemakeeper.NewClient(ctx, bad, schemakeeper.Schema{CurrentSchemaVersion: 1, Source: source}, schemakeeper.MigrationStrategy{})
	assert.Error(t, err)
}

func TestClient_History(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Events.Enabled = true
	cfg.Events.RecordHistory = true

	client := newClient(t, cfg, 1, schemakeeper.MigrationStrategy{})
	_, err := client.Open(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		history, err := client.History(ctx, 10)
		return err == nil && len(history) == 3
	}, 5*time.Second, 20*time.Millisecond)

	history, err := client.History(ctx, 10)
	require.NoError(t, err)
	types := make(map[schemakeeper.EventType]bool)
	for _, e := range history {
		types[e.Type] = true
		assert.Equal(t, "todo", e.Database)
	}
	assert.True(t, types[schemakeeper.EventRunStarted])
	assert.True(t, types[schemakeeper.EventSchemaCreated])
	assert.True(t, types[schemakeeper.EventRunCompleted])
}

func TestValidateDatabaseSchema(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	client := newClient(t, cfg, 1, schemakeeper.MigrationStrategy{})
	_, err := client.Open(ctx)
	require.NoError(t, err)

	source := schemakeeper.StaticSource(snapshots(t)...)
	result, err := schemakeeper.ValidateDatabaseSchema(ctx, client.DB(), source, 1)
	require.NoError(t, err)
	assert.True(t, result.OK())

	result, err = schemakeeper.ValidateDatabaseSchema(ctx, client.DB(), source, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, schemakeeper.ErrSchemaMismatch))
	var mismatch *schemakeeper.SchemaMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Same(t, result, mismatch.Result)
	assert.False(t, result.OK())
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("SCHEMAKEEPER_NAME", "orders")
	cfg, err := schemakeeper.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "orders", cfg.Name)
	assert.Equal(t, schemakeeper.TransactionRun, cfg.Migration.TransactionMode)

	_, err = schemakeeper.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
