package migrator

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/schemakeeper/internal/core"
	"github.com/rzpsarthak13/schemakeeper/internal/database"
	"github.com/rzpsarthak13/schemakeeper/internal/snapshot"
)

type todo struct {
	ID       int
	Name     string
	Priority int
}

func todosV1() snapshot.Table {
	return snapshot.Table{
		Name: "todos",
		Columns: []snapshot.Column{
			{Name: "id", Type: snapshot.TypeInt, PrimaryKey: true},
			{Name: "name", Type: snapshot.TypeText},
		},
	}
}

func todosV2() snapshot.Table {
	t := todosV1()
	t.Columns = append(t.Columns, snapshot.Column{Name: "priority", Type: snapshot.TypeInt, Default: snapshot.DefaultValue("0")})
	return t
}

func newSQLite(t *testing.T) (*Migrator, *database.DB) {
	t.Helper()
	db := database.TestSQLite(t)
	m, err := New(db)
	require.NoError(t, err)
	return m, db
}

func queryStrings(t *testing.T, exec core.Executor, query string, args ...interface{}) []string {
	t.Helper()
	rows, err := exec.Query(context.Background(), query, args...)
	require.NoError(t, err)
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		require.NoError(t, rows.Scan(&s))
		out = append(out, s)
	}
	require.NoError(t, rows.Err())
	return out
}

func indexNames(t *testing.T, exec core.Executor, table string) []string {
	return queryStrings(t, exec,
		"SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ? AND sql IS NOT NULL ORDER BY name", table)
}

func tableNames(t *testing.T, exec core.Executor) []string {
	return queryStrings(t, exec, "SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name")
}

func TestNew(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	_, err = New(database.New(sqlDB, "oracle"))
	assert.ErrorContains(t, err, "unsupported SQL dialect")
}

func TestAlterTable_AddsNotNullColumnWithDefault(t *testing.T) {
	ctx := context.Background()
	m, db := newSQLite(t)

	require.NoError(t, m.CreateTable(ctx, todosV1()))
	require.NoError(t, m.CreateIndex(ctx, snapshot.Index{Name: "todos_by_name", Table: "todos", Columns: []string{"name"}}))
	_, err := db.Exec(ctx, `INSERT INTO todos (id, name) VALUES (1, 'a')`)
	require.NoError(t, err)

	target := todosV2()
	target.Columns[2].Nullable = false
	require.NoError(t, m.AlterTable(ctx, TableMigration{Target: target}))

	rows, err := db.Query(ctx, "SELECT id, name, priority FROM todos")
	require.NoError(t, err)
	var got []todo
	for rows.Next() {
		var r todo
		require.NoError(t, rows.Scan(&r.ID, &r.Name, &r.Priority))
		got = append(got, r)
	}
	require.NoError(t, rows.Close())
	assert.Equal(t, []todo{{ID: 1, Name: "a", Priority: 0}}, got)

	live, _, err := m.Dialect().DescribeTable(ctx, db, "todos")
	require.NoError(t, err)
	priority, ok := live.Column("priority")
	require.True(t, ok)
	assert.False(t, priority.Nullable)
	require.NotNil(t, priority.Default)
	assert.Equal(t, "0", *priority.Default)

	assert.Equal(t, []string{"todos_by_name"}, indexNames(t, db, "todos"), "indexes on the old table are recreated")
	assert.Equal(t, []string{"todos"}, tableNames(t, db), "no temporary table is left behind")
}

func TestAlterTable_ColumnTransformerAndIndexes(t *testing.T) {
	ctx := context.Background()
	m, db := newSQLite(t)

	require.NoError(t, m.CreateTable(ctx, todosV1()))
	require.NoError(t, m.CreateIndex(ctx, snapshot.Index{Name: "todos_by_name", Table: "todos", Columns: []string{"name"}}))
	_, err := db.Exec(ctx, `INSERT INTO todos (id, name) VALUES (1, 'write docs'), (2, 'ship')`)
	require.NoError(t, err)

	target := snapshot.Table{
		Name: "todos",
		Columns: []snapshot.Column{
			{Name: "id", Type: snapshot.TypeInt, PrimaryKey: true},
			{Name: "title", Type: snapshot.TypeText},
		},
	}
	err = m.AlterTable(ctx, TableMigration{
		Target:            target,
		ColumnTransformer: map[string]string{"title": "upper(name)"},
		Indexes:           []snapshot.Index{{Name: "todos_by_title", Columns: []string{"title"}, Unique: true}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"SHIP", "WRITE DOCS"}, queryStrings(t, db, "SELECT title FROM todos ORDER BY title"))
	assert.Equal(t, []string{"todos_by_title"}, indexNames(t, db, "todos"), "indexes on dropped columns are not recreated")
}

func TestAlterTable_FailureLeavesTableUntouched(t *testing.T) {
	ctx := context.Background()
	m, db := newSQLite(t)

	require.NoError(t, m.CreateTable(ctx, todosV1()))
	_, err := db.Exec(ctx, `INSERT INTO todos (id, name) VALUES (1, 'a')`)
	require.NoError(t, err)

	target := todosV1()
	target.Columns = append(target.Columns, snapshot.Column{Name: "owner", Type: snapshot.TypeInt})
	err = m.AlterTable(ctx, TableMigration{Target: target})
	require.ErrorIs(t, err, core.ErrMigrationFailed)

	var mf *MigrationFailedError
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, OpCopyRows, mf.Op.Kind)
	assert.Equal(t, "todos", mf.Op.Target)
	assert.Contains(t, mf.Op.Statement, "INSERT INTO")

	assert.Equal(t, []string{"todos"}, tableNames(t, db))
	live, _, err := m.Dialect().DescribeTable(ctx, db, "todos")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, live.ColumnNames())
	assert.Equal(t, []string{"a"}, queryStrings(t, db, "SELECT name FROM todos"))
}

func TestAlterTable_RejectsUnknownTransformerColumn(t *testing.T) {
	ctx := context.Background()
	m, _ := newSQLite(t)
	require.NoError(t, m.CreateTable(ctx, todosV1()))

	err := m.AlterTable(ctx, TableMigration{
		Target:            todosV1(),
		ColumnTransformer: map[string]string{"nope": "1"},
	})
	assert.ErrorIs(t, err, core.ErrMigrationFailed)
	assert.ErrorContains(t, err, "nope")
}

func TestAddColumn(t *testing.T) {
	ctx := context.Background()
	m, db := newSQLite(t)
	require.NoError(t, m.CreateTable(ctx, todosV1()))
	_, err := db.Exec(ctx, `INSERT INTO todos (id, name) VALUES (1, 'a')`)
	require.NoError(t, err)

	require.NoError(t, m.AddColumn(ctx, "todos", snapshot.Column{Name: "note", Type: snapshot.TypeText, Nullable: true}))
	require.NoError(t, m.AddColumn(ctx, "todos", snapshot.Column{Name: "slug", Type: snapshot.TypeText, Nullable: true, Unique: true}))

	live, _, err := m.Dialect().DescribeTable(ctx, db, "todos")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "note", "slug"}, live.ColumnNames())
	assert.Equal(t, [][]string{{"slug"}}, live.Unique)

	err = m.AddColumn(ctx, "todos", snapshot.Column{Name: "slug", Type: snapshot.TypeText, Nullable: true, Unique: true})
	assert.ErrorIs(t, err, core.ErrMigrationFailed)
}

func TestDropColumn(t *testing.T) {
	ctx := context.Background()
	m, db := newSQLite(t)

	require.NoError(t, m.CreateTable(ctx, todosV2()))
	require.NoError(t, m.CreateIndex(ctx, snapshot.Index{Name: "todos_by_priority", Table: "todos", Columns: []string{"priority"}}))
	require.NoError(t, m.CreateIndex(ctx, snapshot.Index{Name: "todos_by_name", Table: "todos", Columns: []string{"name"}}))
	_, err := db.Exec(ctx, `INSERT INTO todos (id, name, priority) VALUES (1, 'a', 3)`)
	require.NoError(t, err)

	require.NoError(t, m.DropColumn(ctx, "todos", "priority"))

	live, _, err := m.Dialect().DescribeTable(ctx, db, "todos")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, live.ColumnNames())
	assert.Equal(t, []string{"todos_by_name"}, indexNames(t, db, "todos"))
	assert.Equal(t, []string{"a"}, queryStrings(t, db, "SELECT name FROM todos"))

	assert.ErrorContains(t, m.DropColumn(ctx, "todos", "id"), "primary key")
	assert.ErrorContains(t, m.DropColumn(ctx, "todos", "missing"), "does not exist")
}

func TestCreateAll(t *testing.T) {
	ctx := context.Background()
	m, db := newSQLite(t)

	snap := snapshot.MustNew(2,
		snapshot.Table{
			Name: "users",
			Columns: []snapshot.Column{
				{Name: "id", Type: snapshot.TypeInt, PrimaryKey: true},
				{Name: "email", Type: snapshot.TypeText, Unique: true},
			},
		},
		snapshot.Table{
			Name: "todos",
			Columns: []snapshot.Column{
				{Name: "id", Type: snapshot.TypeInt, PrimaryKey: true},
				{Name: "owner", Type: snapshot.TypeInt, References: &snapshot.Reference{Table: "users", Column: "id"}},
				{Name: "title", Type: snapshot.TypeText},
			},
		},
		snapshot.Index{Name: "todos_by_owner", Table: "todos", Columns: []string{"owner"}},
		snapshot.View{Name: "todo_titles", Query: "SELECT title FROM todos"},
		snapshot.Trigger{Name: "todos_no_blank", Table: "todos",
			SQL: "CREATE TRIGGER todos_no_blank BEFORE INSERT ON todos WHEN NEW.title = '' BEGIN SELECT RAISE(ABORT, 'blank title'); END"},
	)
	require.NoError(t, m.CreateAll(ctx, snap))

	assert.Equal(t, []string{"todos", "users"}, tableNames(t, db))
	assert.Equal(t, []string{"todo_titles"}, queryStrings(t, db, "SELECT name FROM sqlite_master WHERE type = 'view'"))
	assert.Equal(t, []string{"todos_no_blank"}, queryStrings(t, db, "SELECT name FROM sqlite_master WHERE type = 'trigger'"))

	_, err := db.Exec(ctx, `INSERT INTO users (id, email) VALUES (1, 'a@example.com')`)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `INSERT INTO todos (id, owner, title) VALUES (1, 1, '')`)
	assert.ErrorContains(t, err, "blank title")
}

func TestOperations_ReportFailedOperation(t *testing.T) {
	ctx := context.Background()
	m, _ := newSQLite(t)

	require.NoError(t, m.CreateTable(ctx, todosV1()))
	err := m.CreateTable(ctx, todosV1())
	require.ErrorIs(t, err, core.ErrMigrationFailed)

	var mf *MigrationFailedError
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, OpCreateTable, mf.Op.Kind)
	assert.Equal(t, "todos", mf.Op.Target)
	assert.Contains(t, err.Error(), "create_table todos")

	require.NoError(t, m.RenameTable(ctx, "todos", "tasks"))
	require.NoError(t, m.DropTable(ctx, "tasks"))
	require.NoError(t, m.CreateView(ctx, snapshot.View{Name: "one", Query: "SELECT 1"}))
	require.NoError(t, m.DropView(ctx, "one"))
	assert.ErrorIs(t, m.DropView(ctx, "one"), core.ErrMigrationFailed)

	_, err = m.Exec(ctx, "INSERT INTO missing VALUES (1)")
	require.True(t, errors.As(err, &mf))
	assert.Equal(t, OpExec, mf.Op.Kind)
}

func TestTransactionalExecutorSharesRollback(t *testing.T) {
	ctx := context.Background()
	db := database.TestSQLite(t)

	boom := errors.New("step failed")
	err := db.Transaction(ctx, func(ctx context.Context, tx core.Executor) error {
		m, err := New(tx)
		require.NoError(t, err)
		require.NoError(t, m.CreateTable(ctx, todosV1()))
		require.NoError(t, m.AlterTable(ctx, TableMigration{Target: todosV2()}))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, tableNames(t, db))
}

func TestMySQL_InPlaceOperations(t *testing.T) {
	ctx := context.Background()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := database.New(sqlDB, "mysql")
	defer db.Close()

	m, err := New(db)
	require.NoError(t, err)

	mock.ExpectExec("ALTER TABLE `todos` ADD COLUMN `note` TEXT").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DROP INDEX `todos_by_name` ON `todos`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RENAME TABLE `todos` TO `tasks`").WillReturnError(errors.New("table is locked"))

	require.NoError(t, m.AddColumn(ctx, "todos", snapshot.Column{Name: "note", Type: snapshot.TypeText, Nullable: true}))
	require.NoError(t, m.DropIndex(ctx, snapshot.Index{Name: "todos_by_name", Table: "todos"}))

	err = m.RenameTable(ctx, "todos", "tasks")
	require.ErrorIs(t, err, core.ErrMigrationFailed)
	assert.ErrorContains(t, err, "table is locked")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAlterTable_KeepsViewsAndTriggers(t *testing.T) {
	ctx := context.Background()
	m, db := newSQLite(t)

	require.NoError(t, m.CreateAll(ctx, snapshot.MustNew(1,
		todosV1(),
		snapshot.Table{
			Name: "inbox",
			Columns: []snapshot.Column{
				{Name: "id", Type: snapshot.TypeInt, PrimaryKey: true},
				{Name: "name", Type: snapshot.TypeText},
			},
		},
		snapshot.Table{
			Name:    "audit",
			Columns: []snapshot.Column{{Name: "todo_id", Type: snapshot.TypeInt}},
		},
		snapshot.View{Name: "todo_names", Query: "SELECT name FROM todos"},
		snapshot.Trigger{Name: "inbox_to_todos", Table: "inbox",
			SQL: "CREATE TRIGGER inbox_to_todos AFTER INSERT ON inbox BEGIN INSERT INTO todos (id, name) VALUES (NEW.id, NEW.name); END"},
		snapshot.Trigger{Name: "todos_audit", Table: "todos",
			SQL: "CREATE TRIGGER todos_audit AFTER INSERT ON todos BEGIN INSERT INTO audit (todo_id) VALUES (NEW.id); END"},
	)))
	_, err := db.Exec(ctx, `INSERT INTO inbox (id, name) VALUES (1, 'a')`)
	require.NoError(t, err)

	require.NoError(t, m.AlterTable(ctx, TableMigration{Target: todosV2()}))

	assert.Equal(t, []string{"a"}, queryStrings(t, db, "SELECT name FROM todo_names"))
	assert.Equal(t, []string{"inbox_to_todos", "todos_audit"},
		queryStrings(t, db, "SELECT name FROM sqlite_master WHERE type = 'trigger' ORDER BY name"))
	assert.Equal(t, []string{"0"}, queryStrings(t, db, "PRAGMA legacy_alter_table"))

	// Both triggers still fire against the rebuilt table.
	_, err = db.Exec(ctx, `INSERT INTO inbox (id, name) VALUES (2, 'b')`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, queryStrings(t, db, "SELECT name FROM todo_names ORDER BY name"))
	assert.Equal(t, []string{"1", "2"}, queryStrings(t, db, "SELECT CAST(todo_id AS TEXT) FROM audit ORDER BY todo_id"))
	assert.Equal(t, []string{"0"}, queryStrings(t, db, "SELECT CAST(priority AS TEXT) FROM todos WHERE id = 2"))
}

func TestAddAndDropColumn_WithDependentView(t *testing.T) {
	ctx := context.Background()
	m, db := newSQLite(t)

	require.NoError(t, m.CreateTable(ctx, todosV2()))
	require.NoError(t, m.CreateView(ctx, snapshot.View{Name: "todo_names", Query: "SELECT id, name FROM todos"}))
	_, err := db.Exec(ctx, `INSERT INTO todos (id, name, priority) VALUES (1, 'a', 3)`)
	require.NoError(t, err)

	require.NoError(t, m.DropColumn(ctx, "todos", "priority"))
	require.NoError(t, m.AddColumn(ctx, "todos", snapshot.Column{Name: "slug", Type: snapshot.TypeText, Nullable: true, Unique: true}))

	live, _, err := m.Dialect().DescribeTable(ctx, db, "todos")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "slug"}, live.ColumnNames())
	assert.Equal(t, []string{"a"}, queryStrings(t, db, "SELECT name FROM todo_names"))
}

// expectDescribeTodos queues the catalog reads AlterTable makes for a MySQL
// todos table with one index and one trigger.
func expectDescribeTodos(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`FROM INFORMATION_SCHEMA.COLUMNS`).WithArgs("todos").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME", "COLUMN_TYPE", "IS_NULLABLE", "COLUMN_DEFAULT", "EXTRA"}).
			AddRow("id", "bigint", "NO", nil, "").
			AddRow("name", "varchar(255)", "NO", nil, ""))
	mock.ExpectQuery(`FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS`).WithArgs("todos").
		WillReturnRows(sqlmock.NewRows([]string{"CONSTRAINT_NAME", "CONSTRAINT_TYPE", "COLUMN_NAME",
			"REFERENCED_TABLE_NAME", "REFERENCED_COLUMN_NAME", "UPDATE_RULE", "DELETE_RULE"}).
			AddRow("PRIMARY", "PRIMARY KEY", "id", nil, nil, nil, nil))
	mock.ExpectQuery(`FROM INFORMATION_SCHEMA.STATISTICS`).WithArgs("todos").
		WillReturnRows(sqlmock.NewRows([]string{"INDEX_NAME", "NON_UNIQUE", "COLUMN_NAME"}).
			AddRow("PRIMARY", 0, "id").
			AddRow("todos_by_name", 1, "name"))
	mock.ExpectQuery(`FROM INFORMATION_SCHEMA.TRIGGERS`).WithArgs("todos").
		WillReturnRows(sqlmock.NewRows([]string{"TRIGGER_NAME", "EVENT_OBJECT_TABLE", "ACTION_TIMING", "EVENT_MANIPULATION", "ACTION_STATEMENT"}).
			AddRow("todos_audit", "todos", "AFTER", "INSERT", "INSERT INTO audit VALUES (NEW.id)"))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE `todos__migrating`")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `todos__migrating` (`id`, `name`) SELECT `id`, `name` FROM `todos`")).
		WillReturnResult(sqlmock.NewResult(0, 2))
}

func TestMySQL_AlterTableSwapsAtomically(t *testing.T) {
	ctx := context.Background()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := database.New(sqlDB, "mysql")
	defer db.Close()

	m, err := New(db)
	require.NoError(t, err)

	expectDescribeTodos(mock)
	mock.ExpectExec(regexp.QuoteMeta("RENAME TABLE `todos` TO `todos__replaced`, `todos__migrating` TO `todos`")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE `todos__replaced`")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX `todos_by_name` ON `todos` (`name`)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TRIGGER `todos_audit` AFTER INSERT ON `todos` FOR EACH ROW")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, m.AlterTable(ctx, TableMigration{Target: todosV2()}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQL_AlterTableFailedSwapKeepsTable(t *testing.T) {
	ctx := context.Background()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := database.New(sqlDB, "mysql")
	defer db.Close()

	m, err := New(db)
	require.NoError(t, err)

	expectDescribeTodos(mock)
	mock.ExpectExec(regexp.QuoteMeta("RENAME TABLE `todos` TO `todos__replaced`, `todos__migrating` TO `todos`")).
		WillReturnError(errors.New("lock wait timeout exceeded"))
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE `todos__migrating`")).WillReturnResult(sqlmock.NewResult(0, 0))

	err = m.AlterTable(ctx, TableMigration{Target: todosV2()})
	require.ErrorIs(t, err, core.ErrMigrationFailed)
	var mf *MigrationFailedError
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, OpReplaceTable, mf.Op.Kind)
	assert.ErrorContains(t, err, "lock wait timeout exceeded")
	require.NoError(t, mock.ExpectationsWereMet())
}
