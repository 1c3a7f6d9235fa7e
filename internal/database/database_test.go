package database

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/schemakeeper/internal/config"
	"github.com/rzpsarthak13/schemakeeper/internal/core"
)

func countRows(t *testing.T, exec core.Executor, table string) int {
	t.Helper()
	rows, err := exec.Query(context.Background(), "SELECT COUNT(*) FROM "+table)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var n int
	require.NoError(t, rows.Scan(&n))
	return n
}

func TestDB_TransactionCommit(t *testing.T) {
	ctx := context.Background()
	db := TestSQLite(t, WithLogger(hclog.NewNullLogger()))
	assert.Equal(t, "sqlite", db.Dialect())
	assert.False(t, db.InTransaction())

	_, err := db.Exec(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	err = db.Transaction(ctx, func(ctx context.Context, tx core.Executor) error {
		assert.True(t, tx.InTransaction())
		n, err := tx.Exec(ctx, "INSERT INTO items (id) VALUES (?), (?)", 1, 2)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, countRows(t, db, "items"))
}

func TestDB_TransactionRollback(t *testing.T) {
	ctx := context.Background()
	db := TestSQLite(t)

	_, err := db.Exec(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = db.Transaction(ctx, func(ctx context.Context, tx core.Executor) error {
		_, err := tx.Exec(ctx, "INSERT INTO items (id) VALUES (1)")
		require.NoError(t, err)
		_, err = tx.Exec(ctx, "CREATE TABLE more (id INTEGER)")
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, countRows(t, db, "items"))

	_, err = db.Query(ctx, "SELECT * FROM more")
	assert.Error(t, err, "DDL rolls back with the transaction")
}

func TestDB_NestedTransactionJoins(t *testing.T) {
	ctx := context.Background()
	db := TestSQLite(t)

	_, err := db.Exec(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	err = db.Transaction(ctx, func(ctx context.Context, tx core.Executor) error {
		return tx.Transaction(ctx, func(ctx context.Context, inner core.Executor) error {
			_, err := inner.Exec(ctx, "INSERT INTO items (id) VALUES (1)")
			require.NoError(t, err)
			return errors.New("abort")
		})
	})
	require.Error(t, err)
	assert.Equal(t, 0, countRows(t, db, "items"))
}

func TestDB_TransactionPanicRollsBack(t *testing.T) {
	ctx := context.Background()
	db := TestSQLite(t)

	_, err := db.Exec(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	assert.Panics(t, func() {
		_ = db.Transaction(ctx, func(ctx context.Context, tx core.Executor) error {
			_, _ = tx.Exec(ctx, "INSERT INTO items (id) VALUES (1)")
			panic("step exploded")
		})
	})
	assert.Equal(t, 0, countRows(t, db, "items"))
}

func TestConn_SessionState(t *testing.T) {
	ctx := context.Background()
	db := TestSQLite(t)

	conn, err := db.Conn(ctx)
	require.NoError(t, err)

	_, err = conn.Exec(ctx, "PRAGMA foreign_keys = ON")
	require.NoError(t, err)

	rows, err := conn.Query(ctx, "PRAGMA foreign_keys")
	require.NoError(t, err)
	require.True(t, rows.Next())
	var on int
	require.NoError(t, rows.Scan(&on))
	require.NoError(t, rows.Close())
	assert.Equal(t, 1, on)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	_, err = conn.Exec(ctx, "SELECT 1")
	assert.ErrorIs(t, err, core.ErrClosed)
}

func TestDB_Closed(t *testing.T) {
	db := TestSQLite(t)
	require.NoError(t, db.Close())

	_, err := db.Exec(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, core.ErrClosed)
	_, err = db.Conn(context.Background())
	assert.ErrorIs(t, err, core.ErrClosed)
}

func TestDB_WithSQLMock(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := New(sqlDB, "mysql")
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE `t`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err = db.Transaction(context.Background(), func(ctx context.Context, tx core.Executor) error {
		_, err := tx.Exec(ctx, "CREATE TABLE `t` (id BIGINT)")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "mysql", db.Dialect())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDSN(t *testing.T) {
	driver, dsn, err := DSN(config.DatabaseConfig{
		Type:              "mysql",
		Host:              "db.internal",
		Port:              3306,
		Database:          "app",
		Username:          "migrator",
		Password:          "secret",
		ConnectionTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "mysql", driver)
	assert.True(t, strings.HasPrefix(dsn, "migrator:secret@tcp(db.internal:3306)/app?"), dsn)
	assert.Contains(t, dsn, "parseTime=true")

	driver, dsn, err = DSN(config.DatabaseConfig{Type: "sqlite", Path: "app.db", Params: map[string]string{"_pragma": "busy_timeout(5000)"}})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", driver)
	assert.Equal(t, "app.db?_pragma=busy_timeout(5000)", dsn)

	_, _, err = DSN(config.DatabaseConfig{Type: "oracle"})
	assert.Error(t, err)
}

func TestOpen_SQLiteMemory(t *testing.T) {
	cfg := config.Default().Database
	db, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(context.Background(), "CREATE TABLE t (id INTEGER)")
	require.NoError(t, err)
	assert.Equal(t, 0, countRows(t, db, "t"))
}
