// Package database implements core.Executor on top of database/sql for the
// supported dialects.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/rzpsarthak13/schemakeeper/internal/core"
)

// querier is the statement surface shared by *sql.DB, *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// beginner starts transactions; implemented by *sql.DB and *sql.Conn.
type beginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// DB is a core.Executor backed by a connection pool.
type DB struct {
	executor
	db     *sql.DB
	closed atomic.Bool
}

// New wraps an open pool. dialect names the SQL dialect of the pool.
func New(db *sql.DB, dialect string, opt ...Option) *DB {
	opts := getOpts(opt...)
	d := &DB{db: db}
	d.executor = executor{
		q:       db,
		b:       db,
		dialect: dialect,
		logger:  opts.withLogger,
		closed:  &d.closed,
	}
	return d
}

// SQL returns the underlying pool.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// Conn pins a single connection from the pool. Session state such as
// PRAGMA or SET statements applies to every statement issued through it.
func (d *DB) Conn(ctx context.Context) (core.Conn, error) {
	if d.closed.Load() {
		return nil, fmt.Errorf("database is %w", core.ErrClosed)
	}
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	c := &Conn{conn: conn}
	c.executor = executor{
		q:       conn,
		b:       conn,
		dialect: d.dialect,
		logger:  d.logger,
		closed:  &c.closed,
	}
	return c, nil
}

// Close closes the pool.
func (d *DB) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.db.Close()
}

// Conn is a core.Conn backed by a pinned *sql.Conn.
type Conn struct {
	executor
	conn   *sql.Conn
	closed atomic.Bool
}

// Close returns the connection to the pool.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

// executor implements core.Executor for pools and pinned connections.
type executor struct {
	q       querier
	b       beginner
	dialect string
	logger  hclog.Logger
	closed  *atomic.Bool
}

// Exec implements core.Executor.
func (e *executor) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	if e.closed.Load() {
		return 0, fmt.Errorf("database is %w", core.ErrClosed)
	}
	return execWith(ctx, e.q, e.logger, query, args)
}

// Query implements core.Executor.
func (e *executor) Query(ctx context.Context, query string, args ...interface{}) (core.Rows, error) {
	if e.closed.Load() {
		return nil, fmt.Errorf("database is %w", core.ErrClosed)
	}
	return queryWith(ctx, e.q, e.logger, query, args)
}

// Transaction implements core.Executor.
func (e *executor) Transaction(ctx context.Context, fn func(ctx context.Context, tx core.Executor) error) (err error) {
	if e.closed.Load() {
		return fmt.Errorf("database is %w", core.ErrClosed)
	}
	sqlTx, err := e.b.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	e.logger.Trace("transaction started")

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := sqlTx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			err = multierror.Append(err, fmt.Errorf("failed to roll back transaction: %w", rbErr))
		}
		e.logger.Trace("transaction rolled back")
		if p := recover(); p != nil {
			panic(p)
		}
	}()

	if err := fn(ctx, &txExecutor{tx: sqlTx, dialect: e.dialect, logger: e.logger}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	e.logger.Trace("transaction committed")
	return nil
}

// InTransaction implements core.Executor.
func (e *executor) InTransaction() bool { return false }

// Dialect implements core.Executor.
func (e *executor) Dialect() string { return e.dialect }

// txExecutor is a core.Executor bound to an open transaction.
type txExecutor struct {
	tx      *sql.Tx
	dialect string
	logger  hclog.Logger
}

func (t *txExecutor) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	return execWith(ctx, t.tx, t.logger, query, args)
}

func (t *txExecutor) Query(ctx context.Context, query string, args ...interface{}) (core.Rows, error) {
	return queryWith(ctx, t.tx, t.logger, query, args)
}

// Transaction joins the open transaction.
func (t *txExecutor) Transaction(ctx context.Context, fn func(ctx context.Context, tx core.Executor) error) error {
	return fn(ctx, t)
}

func (t *txExecutor) InTransaction() bool { return true }

func (t *txExecutor) Dialect() string { return t.dialect }

func execWith(ctx context.Context, q querier, logger hclog.Logger, query string, args []interface{}) (int64, error) {
	logger.Trace("executing statement", "sql", query, "args", args)
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		logger.Debug("statement failed", "sql", query, "error", err)
		return 0, fmt.Errorf("failed to execute statement: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		// Drivers may not report affected rows for DDL.
		return 0, nil
	}
	return affected, nil
}

func queryWith(ctx context.Context, q querier, logger hclog.Logger, query string, args []interface{}) (core.Rows, error) {
	logger.Trace("executing query", "sql", query, "args", args)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		logger.Debug("query failed", "sql", query, "error", err)
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	return rows, nil
}
