// Package migrator applies primitive schema operations to a live database.
//
// Operations are issued strictly one after another on the executor the
// Migrator was built for. A Migrator built on a transaction executor runs
// every operation inside that transaction; the Migrator never retries.
package migrator

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/rzpsarthak13/schemakeeper/internal/core"
	"github.com/rzpsarthak13/schemakeeper/internal/dialect"
	"github.com/rzpsarthak13/schemakeeper/internal/snapshot"
)

// Migrator issues DDL through an executor in the executor's dialect.
type Migrator struct {
	exec    core.Executor
	dialect dialect.Dialect
	logger  hclog.Logger
}

// New creates a migrator for exec.
func New(exec core.Executor, opt ...Option) (*Migrator, error) {
	if exec == nil {
		return nil, fmt.Errorf("executor cannot be nil")
	}
	d, err := dialect.For(exec)
	if err != nil {
		return nil, err
	}
	opts := getOpts(opt...)
	return &Migrator{exec: exec, dialect: d, logger: opts.withLogger}, nil
}

// Executor returns the executor operations run on.
func (m *Migrator) Executor() core.Executor { return m.exec }

// Dialect returns the dialect statements are rendered in.
func (m *Migrator) Dialect() dialect.Dialect { return m.dialect }

// on returns a migrator sharing m's dialect and logger but running on exec.
func (m *Migrator) on(exec core.Executor) *Migrator {
	return &Migrator{exec: exec, dialect: m.dialect, logger: m.logger}
}

func (m *Migrator) run(ctx context.Context, op Operation) error {
	start := time.Now()
	if _, err := m.exec.Exec(ctx, op.Statement); err != nil {
		m.logger.Error("operation failed", "op", op.String(), "error", err)
		return Failed(op, err)
	}
	m.logger.Debug("operation applied", "op", op.String(), "duration", time.Since(start))
	return nil
}

// CreateTable creates t. Columns listed in indexed are rendered with a
// type that can be indexed on dialects that distinguish one.
func (m *Migrator) CreateTable(ctx context.Context, t snapshot.Table, indexed ...string) error {
	return m.run(ctx, Operation{Kind: OpCreateTable, Target: t.Name, Statement: m.dialect.CreateTable(t, indexed)})
}

// DropTable drops a table.
func (m *Migrator) DropTable(ctx context.Context, name string) error {
	return m.run(ctx, Operation{Kind: OpDropTable, Target: name, Statement: m.dialect.DropTable(name)})
}

// RenameTable renames a table.
func (m *Migrator) RenameTable(ctx context.Context, from, to string) error {
	return m.run(ctx, Operation{Kind: OpRenameTable, Target: from, Statement: m.dialect.RenameTable(from, to)})
}

// AddColumn adds c to table, in place when the dialect allows it and by
// recreating the table otherwise.
func (m *Migrator) AddColumn(ctx context.Context, table string, c snapshot.Column) error {
	op := Operation{Kind: OpAddColumn, Target: table + "." + c.Name}
	if m.dialect.CanAddColumn(c) && !c.PrimaryKey && !c.Unique && c.References == nil {
		op.Statement = m.dialect.AddColumn(table, c)
		return m.run(ctx, op)
	}

	current, _, err := m.dialect.DescribeTable(ctx, m.exec, table)
	if err != nil {
		return Failed(op, err)
	}
	if current.HasColumn(c.Name) {
		return Failed(op, fmt.Errorf("column already exists"))
	}
	target := current.Clone()
	target.Columns = append(target.Columns, c)
	m.logger.Debug("adding column by recreating table", "table", table, "column", c.Name)
	return m.AlterTable(ctx, TableMigration{Target: target})
}

// DropColumn removes a column from table. Constraints and indexes that
// include the column are removed with it; primary key columns cannot be
// dropped.
func (m *Migrator) DropColumn(ctx context.Context, table, column string) error {
	op := Operation{Kind: OpDropColumn, Target: table + "." + column}

	current, indexes, err := m.dialect.DescribeTable(ctx, m.exec, table)
	if err != nil {
		return Failed(op, err)
	}
	if !current.HasColumn(column) {
		return Failed(op, fmt.Errorf("column does not exist"))
	}
	for _, pk := range current.PrimaryKey {
		if pk == column {
			return Failed(op, fmt.Errorf("cannot drop primary key column"))
		}
	}

	if m.dialect.SupportsDropColumn() {
		for _, idx := range indexes {
			if containsColumn(idx.Columns, column) {
				if err := m.DropIndex(ctx, idx); err != nil {
					return err
				}
			}
		}
		op.Statement = m.dialect.DropColumn(table, column)
		return m.run(ctx, op)
	}

	target := current.Clone()
	target.Columns = target.Columns[:0]
	for _, c := range current.Columns {
		if c.Name != column {
			target.Columns = append(target.Columns, c)
		}
	}
	target.Unique = nil
	for _, u := range current.Unique {
		if !containsColumn(u, column) {
			target.Unique = append(target.Unique, u)
		}
	}
	target.ForeignKeys = nil
	for _, fk := range current.ForeignKeys {
		if !containsColumn(fk.Columns, column) {
			target.ForeignKeys = append(target.ForeignKeys, fk)
		}
	}
	m.logger.Debug("dropping column by recreating table", "table", table, "column", column)
	return m.AlterTable(ctx, TableMigration{Target: target})
}

// CreateIndex creates an index.
func (m *Migrator) CreateIndex(ctx context.Context, i snapshot.Index) error {
	return m.run(ctx, Operation{Kind: OpCreateIndex, Target: i.Name, Statement: m.dialect.CreateIndex(i)})
}

// DropIndex drops an index. Table is required by dialects that scope index
// names per table.
func (m *Migrator) DropIndex(ctx context.Context, i snapshot.Index) error {
	return m.run(ctx, Operation{Kind: OpDropIndex, Target: i.Name, Statement: m.dialect.DropIndex(i)})
}

// CreateView creates a view.
func (m *Migrator) CreateView(ctx context.Context, v snapshot.View) error {
	return m.run(ctx, Operation{Kind: OpCreateView, Target: v.Name, Statement: m.dialect.CreateView(v)})
}

// DropView drops a view.
func (m *Migrator) DropView(ctx context.Context, name string) error {
	return m.run(ctx, Operation{Kind: OpDropView, Target: name, Statement: m.dialect.DropView(name)})
}

// CreateTrigger creates a trigger from its full definition.
func (m *Migrator) CreateTrigger(ctx context.Context, t snapshot.Trigger) error {
	return m.run(ctx, Operation{Kind: OpCreateTrigger, Target: t.Name, Statement: m.dialect.CreateTrigger(t)})
}

// DropTrigger drops a trigger.
func (m *Migrator) DropTrigger(ctx context.Context, name string) error {
	return m.run(ctx, Operation{Kind: OpDropTrigger, Target: name, Statement: m.dialect.DropTrigger(name)})
}

// Exec runs a custom statement, typically a data fix inside a step.
func (m *Migrator) Exec(ctx context.Context, statement string, args ...interface{}) (int64, error) {
	n, err := m.exec.Exec(ctx, statement, args...)
	if err != nil {
		return 0, Failed(Operation{Kind: OpExec, Statement: statement}, err)
	}
	return n, nil
}

// Create creates a single entity.
func (m *Migrator) Create(ctx context.Context, e snapshot.Entity) error {
	switch v := e.(type) {
	case snapshot.Table:
		return m.CreateTable(ctx, v)
	case snapshot.Index:
		return m.CreateIndex(ctx, v)
	case snapshot.View:
		return m.CreateView(ctx, v)
	case snapshot.Trigger:
		return m.CreateTrigger(ctx, v)
	default:
		return fmt.Errorf("unknown entity kind %q", e.Kind())
	}
}

// CreateAll creates every entity of snap in canonical order: tables with
// referenced tables first, then indexes, views and triggers.
func (m *Migrator) CreateAll(ctx context.Context, snap *snapshot.Snapshot) error {
	for _, e := range snap.Entities() {
		var err error
		if t, ok := e.(snapshot.Table); ok {
			err = m.CreateTable(ctx, t, indexedColumns(snap.IndexesOn(t.Name))...)
		} else {
			err = m.Create(ctx, e)
		}
		if err != nil {
			return err
		}
	}
	m.logger.Debug("created all entities", "version", snap.Version(), "entities", len(snap.Entities()))
	return nil
}

func indexedColumns(indexes []snapshot.Index) []string {
	var cols []string
	for _, i := range indexes {
		cols = append(cols, i.Columns...)
	}
	return cols
}

func containsColumn(cols []string, name string) bool {
	for _, c := range cols {
		if c == name {
			return true
		}
	}
	return false
}
