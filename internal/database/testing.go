package database

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// TestSQLite returns an executor over a private in-memory SQLite database
// that is closed when the test ends.
func TestSQLite(t testing.TB, opt ...Option) *DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	d := New(db, "sqlite", opt...)
	t.Cleanup(func() {
		_ = d.Close()
	})
	return d
}
