package core

import (
	"context"
)

// Executor runs SQL against a live database.
// Implementations exist for a connection pool, a dedicated connection and
// an open transaction; the migrator and verifier only see this interface.
type Executor interface {
	// Exec executes a statement and returns the number of affected rows.
	Exec(ctx context.Context, query string, args ...interface{}) (int64, error)

	// Query executes a statement that returns rows.
	// The caller must close the returned Rows.
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)

	// Transaction runs fn inside a transaction scoped to the call.
	// The transaction is committed when fn returns nil and rolled back on
	// every other exit path, including panics. Calling Transaction on an
	// executor that is already inside a transaction joins it.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Executor) error) error

	// InTransaction reports whether statements issued through this executor
	// run inside an open transaction.
	InTransaction() bool

	// Dialect returns the SQL dialect name ("sqlite", "mysql").
	Dialect() string
}

// Rows represents a result set from a database query.
type Rows interface {
	// Next advances to the next row. It returns false when no more rows
	// are available or an error occurred.
	Next() bool

	// Scan copies the columns of the current row into dest.
	Scan(dest ...interface{}) error

	// Columns returns the column names of the result set.
	Columns() ([]string, error)

	// Close releases the result set.
	Close() error

	// Err returns the error, if any, encountered during iteration.
	Err() error
}

// Conn is an executor pinned to a single physical connection. Session level
// settings such as foreign key enforcement stay in effect for every
// statement issued through it until it is closed.
type Conn interface {
	Executor

	// Close returns the connection to the pool.
	Close() error
}
