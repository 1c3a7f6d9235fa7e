package migrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/rzpsarthak13/schemakeeper/internal/core"
	"github.com/rzpsarthak13/schemakeeper/internal/dialect"
	"github.com/rzpsarthak13/schemakeeper/internal/snapshot"
)

const tempSuffix = "__migrating"

// TableMigration rebuilds a table in a new shape.
type TableMigration struct {
	// Target is the table definition to migrate to. Its name is the table
	// being rebuilt.
	Target snapshot.Table

	// ColumnTransformer maps a target column to the SQL expression that
	// computes it from the old row. Columns without an entry are copied by
	// name when the old table has them and take their default otherwise.
	ColumnTransformer map[string]string

	// Indexes are created on the rebuilt table in addition to the old
	// indexes whose columns survive. An entry replaces an old index of the
	// same name.
	Indexes []snapshot.Index
}

// AlterTable rebuilds a table: the target shape is created under a
// temporary name, rows are copied, the new table replaces the old one and
// the indexes and triggers of the old table are recreated. Views and the
// triggers of other tables keep naming the table and are left in place.
//
// When the executor is outside a transaction and the dialect rolls DDL
// back, the rebuild runs in its own transaction. Otherwise a failure
// before the old table is replaced removes the temporary table.
func (m *Migrator) AlterTable(ctx context.Context, tm TableMigration) error {
	if !m.exec.InTransaction() && m.dialect.TransactionalDDL() {
		return m.exec.Transaction(ctx, func(ctx context.Context, tx core.Executor) error {
			return m.on(tx).alterTable(ctx, tm)
		})
	}
	return m.alterTable(ctx, tm)
}

func (m *Migrator) alterTable(ctx context.Context, tm TableMigration) error {
	name := tm.Target.Name
	op := Operation{Kind: OpAlterTable, Target: name}

	old, oldIndexes, err := m.dialect.DescribeTable(ctx, m.exec, name)
	if err != nil {
		return Failed(op, err)
	}
	target := snapshot.CanonicalTable(tm.Target)
	for col := range tm.ColumnTransformer {
		if !target.HasColumn(col) {
			return Failed(op, fmt.Errorf("column transformer names unknown target column %q", col))
		}
	}

	indexes := survivingIndexes(target, oldIndexes, tm.Indexes)
	for _, idx := range indexes {
		for _, c := range idx.Columns {
			if !target.HasColumn(c) {
				return Failed(op, fmt.Errorf("index %s references unknown column %q", idx.Name, c))
			}
		}
	}

	triggers, err := m.dialect.TableTriggers(ctx, m.exec, name)
	if err != nil {
		return Failed(op, err)
	}

	tmp := target.Clone()
	tmp.Name = name + tempSuffix
	if err := m.CreateTable(ctx, tmp, indexedColumns(indexes)...); err != nil {
		return err
	}

	if err := m.copyRows(ctx, old, target, tmp.Name, tm.ColumnTransformer); err != nil {
		return m.cleanup(ctx, tmp.Name, err)
	}
	if err := m.swapTable(ctx, name, tmp.Name); err != nil {
		return err
	}
	for _, idx := range indexes {
		if err := m.CreateIndex(ctx, idx); err != nil {
			return err
		}
	}
	for _, trig := range triggers {
		if err := m.CreateTrigger(ctx, trig); err != nil {
			return err
		}
	}

	m.logger.Debug("table rebuilt", "table", name, "columns", len(target.Columns),
		"indexes", len(indexes), "triggers", len(triggers))
	return nil
}

// swapTable puts replacement in place of table. The rename checks of the
// dialect are off while it runs and restored on every exit path.
func (m *Migrator) swapTable(ctx context.Context, table, replacement string) (retErr error) {
	if stmt := m.dialect.RenameChecks(false); stmt != "" {
		if err := m.run(ctx, Operation{Kind: OpReplaceTable, Target: table, Statement: stmt}); err != nil {
			return m.cleanup(ctx, replacement, err)
		}
		defer func() {
			restore := Operation{Kind: OpReplaceTable, Target: table, Statement: m.dialect.RenameChecks(true)}
			if err := m.run(context.WithoutCancel(ctx), restore); err != nil {
				if retErr == nil {
					retErr = err
				} else {
					retErr = multierror.Append(retErr, err)
				}
			}
		}()
	}

	for i, stmt := range m.dialect.SwapTable(table, replacement) {
		if err := m.run(ctx, Operation{Kind: OpReplaceTable, Target: table, Statement: stmt}); err != nil {
			if i == 0 {
				return m.cleanup(ctx, replacement, err)
			}
			return err
		}
	}
	return nil
}

func (m *Migrator) copyRows(ctx context.Context, old, target snapshot.Table, into string, transform map[string]string) error {
	var cols, exprs []string
	for _, c := range target.Columns {
		if expr, ok := transform[c.Name]; ok {
			cols = append(cols, m.dialect.Quote(c.Name))
			exprs = append(exprs, expr)
			continue
		}
		if old.HasColumn(c.Name) {
			cols = append(cols, m.dialect.Quote(c.Name))
			exprs = append(exprs, m.dialect.Quote(c.Name))
		}
	}
	if len(cols) == 0 {
		return nil
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		m.dialect.Quote(into), strings.Join(cols, ", "), strings.Join(exprs, ", "), m.dialect.Quote(old.Name))
	n, err := m.exec.Exec(ctx, stmt)
	if err != nil {
		return Failed(Operation{Kind: OpCopyRows, Target: old.Name, Statement: stmt}, err)
	}
	m.logger.Trace("rows copied", "table", old.Name, "rows", n)
	return nil
}

// cleanup drops the temporary table when no transaction will undo it.
func (m *Migrator) cleanup(ctx context.Context, tmp string, cause error) error {
	if m.exec.InTransaction() && m.dialect.TransactionalDDL() {
		return cause
	}
	if _, err := m.exec.Exec(ctx, m.dialect.DropTable(tmp)); err != nil {
		m.logger.Error("failed to remove temporary table", "table", tmp, "error", err)
		return multierror.Append(cause, fmt.Errorf("failed to remove temporary table %s: %w", tmp, err))
	}
	return cause
}

// survivingIndexes returns the old indexes whose columns all survive in
// target, replaced or extended by extra, ordered by name.
func survivingIndexes(target snapshot.Table, old, extra []snapshot.Index) []snapshot.Index {
	byName := make(map[string]snapshot.Index)
	for _, idx := range old {
		keep := true
		for _, c := range idx.Columns {
			if !target.HasColumn(c) {
				keep = false
				break
			}
		}
		if keep {
			byName[idx.Name] = idx.Clone()
		}
	}
	for _, idx := range extra {
		idx = idx.Clone()
		idx.Table = target.Name
		byName[idx.Name] = idx
	}

	out := make([]snapshot.Index, 0, len(byName))
	for _, idx := range byName {
		if strings.HasPrefix(idx.Name, dialect.ReservedPrefix) {
			continue
		}
		idx.Table = target.Name
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
