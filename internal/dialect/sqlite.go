package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rzpsarthak13/schemakeeper/internal/core"
	"github.com/rzpsarthak13/schemakeeper/internal/snapshot"
)

// SQLite implements Dialect for SQLite.
type SQLite struct {
	builder
}

// NewSQLite creates the SQLite dialect.
func NewSQLite() *SQLite {
	d := &SQLite{}
	d.builder = builder{quote: d.Quote, sqlType: d.SQLType}
	return d
}

func init() {
	Register(NewSQLite())
}

// Name implements Dialect.
func (d *SQLite) Name() string { return "sqlite" }

// Quote implements Dialect.
func (d *SQLite) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// SQLType implements Dialect.
func (d *SQLite) SQLType(c snapshot.Column, _ bool) string {
	switch c.Type {
	case snapshot.TypeInt:
		return "INTEGER"
	case snapshot.TypeText:
		return "TEXT"
	case snapshot.TypeReal:
		return "REAL"
	case snapshot.TypeBlob:
		return "BLOB"
	case snapshot.TypeDateTime:
		return "DATETIME"
	case snapshot.TypeBool:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// LogicalType implements Dialect using SQLite's affinity rules, with
// boolean and date types recognized before the integer rule.
func (d *SQLite) LogicalType(sqlType string) snapshot.ColumnType {
	t := strings.ToUpper(strings.TrimSpace(sqlType))
	switch {
	case strings.Contains(t, "BOOL"):
		return snapshot.TypeBool
	case strings.Contains(t, "DATE"), strings.Contains(t, "TIME"):
		return snapshot.TypeDateTime
	case strings.Contains(t, "INT"):
		return snapshot.TypeInt
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return snapshot.TypeText
	case t == "", strings.Contains(t, "BLOB"):
		return snapshot.TypeBlob
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"),
		strings.Contains(t, "NUMERIC"), strings.Contains(t, "DECIMAL"):
		return snapshot.TypeReal
	default:
		return snapshot.TypeText
	}
}

// CreateTable implements Dialect.
func (d *SQLite) CreateTable(t snapshot.Table, indexed []string) string {
	suffix := ""
	if t.WithoutRowID {
		suffix = " WITHOUT ROWID"
	}
	return d.createTable(t, indexed, suffix)
}

func (d *SQLite) DropTable(name string) string {
	return "DROP TABLE " + d.Quote(name)
}

func (d *SQLite) RenameTable(from, to string) string {
	return fmt.Sprintf("ALTER TABLE %s RENAME TO %s", d.Quote(from), d.Quote(to))
}

// SwapTable implements Dialect. The old table is dropped before the rename,
// so the statements must run in one transaction.
func (d *SQLite) SwapTable(table, replacement string) []string {
	return []string{d.DropTable(table), d.RenameTable(replacement, table)}
}

// RenameChecks implements Dialect. From SQLite 3.26 a rename re-parses every
// view and trigger in the schema and fails on any naming a missing table,
// which the swapped table is between its drop and the rename. The legacy
// mode leaves them alone. The pragma may be changed inside a transaction.
func (d *SQLite) RenameChecks(enabled bool) string {
	if enabled {
		return "PRAGMA legacy_alter_table = OFF"
	}
	return "PRAGMA legacy_alter_table = ON"
}

func (d *SQLite) AddColumn(table string, c snapshot.Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", d.Quote(table), d.columnDef(c, false))
}

func (d *SQLite) DropColumn(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", d.Quote(table), d.Quote(column))
}

func (d *SQLite) CreateIndex(i snapshot.Index) string { return d.createIndex(i) }

func (d *SQLite) DropIndex(i snapshot.Index) string {
	return "DROP INDEX " + d.Quote(i.Name)
}

func (d *SQLite) CreateView(v snapshot.View) string { return d.createView(v) }

func (d *SQLite) DropView(name string) string {
	return "DROP VIEW " + d.Quote(name)
}

func (d *SQLite) CreateTrigger(t snapshot.Trigger) string { return t.SQL }

func (d *SQLite) DropTrigger(name string) string {
	return "DROP TRIGGER " + d.Quote(name)
}

// CanAddColumn implements Dialect. ALTER TABLE ADD COLUMN cannot add key
// columns, and NOT NULL columns need a default to fill existing rows.
func (d *SQLite) CanAddColumn(c snapshot.Column) bool {
	if c.PrimaryKey || c.Unique {
		return false
	}
	if c.References != nil && c.Default != nil && strings.ToUpper(*c.Default) != "NULL" {
		return false
	}
	return c.Nullable || c.Default != nil
}

// SupportsDropColumn implements Dialect. DROP COLUMN is refused for
// indexed and constrained columns, so tables are always recreated.
func (d *SQLite) SupportsDropColumn() bool { return false }

func (d *SQLite) TransactionalDDL() bool { return true }

func (d *SQLite) ForeignKeys(enabled bool) string {
	if enabled {
		return "PRAGMA foreign_keys = ON"
	}
	return "PRAGMA foreign_keys = OFF"
}

func (d *SQLite) ForeignKeysEnabled(ctx context.Context, exec core.Executor) (bool, error) {
	enabled := 0
	err := collect(ctx, exec, "PRAGMA foreign_keys", nil, func(rows core.Rows) error {
		return rows.Scan(&enabled)
	})
	if err != nil {
		return false, fmt.Errorf("failed to read foreign_keys: %w", err)
	}
	return enabled == 1, nil
}

// ReadVersion implements Dialect using PRAGMA user_version.
func (d *SQLite) ReadVersion(ctx context.Context, exec core.Executor) (int, error) {
	version := 0
	err := collect(ctx, exec, "PRAGMA user_version", nil, func(rows core.Rows) error {
		return rows.Scan(&version)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read user_version: %w", err)
	}
	return version, nil
}

// WriteVersion implements Dialect. user_version lives in the database
// header and rolls back with the enclosing transaction.
func (d *SQLite) WriteVersion(ctx context.Context, exec core.Executor, version int) error {
	if _, err := exec.Exec(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("failed to write user_version: %w", err)
	}
	return nil
}

var (
	sqliteLocks   = make(map[string]chan struct{})
	sqliteLocksMu sync.Mutex
)

// Lock implements Dialect with a process local lock per key. SQLite has no
// session locks; concurrent writers in other processes are serialized by
// the database file lock once the migration transaction starts.
func (d *SQLite) Lock(ctx context.Context, _ core.Executor, key string) (func(context.Context) error, error) {
	sqliteLocksMu.Lock()
	ch, ok := sqliteLocks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		sqliteLocks[key] = ch
	}
	sqliteLocksMu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to acquire migration lock %q: %w", key, ctx.Err())
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() { <-ch })
		return nil
	}, nil
}

var (
	withoutRowIDPattern = regexp.MustCompile(`(?is)\)\s*WITHOUT\s+ROWID\s*;?\s*$`)
	viewBodyPattern     = regexp.MustCompile(`(?is)^\s*CREATE\s+(?:TEMP(?:ORARY)?\s+)?VIEW\s+(?:IF\s+NOT\s+EXISTS\s+)?(?:"[^"]+"|\S+)\s*(?:\([^)]*\)\s*)?AS\s+(.*)$`)
)

// DescribeTable implements Dialect.
func (d *SQLite) DescribeTable(ctx context.Context, exec core.Executor, name string) (snapshot.Table, []snapshot.Index, error) {
	var createSQL sql.NullString
	found := false
	err := collect(ctx, exec, "SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?", []interface{}{name},
		func(rows core.Rows) error {
			found = true
			return rows.Scan(&createSQL)
		})
	if err != nil {
		return snapshot.Table{}, nil, fmt.Errorf("failed to read table %s: %w", name, err)
	}
	if !found {
		return snapshot.Table{}, nil, fmt.Errorf("table %s does not exist", name)
	}

	t := snapshot.Table{
		Name:         name,
		WithoutRowID: withoutRowIDPattern.MatchString(createSQL.String),
	}

	type pkCol struct {
		name string
		pos  int
	}
	var pk []pkCol
	err = collect(ctx, exec, `SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`,
		[]interface{}{name}, func(rows core.Rows) error {
			var (
				colName, colType string
				notNull, pkPos   int
				dflt             sql.NullString
			)
			if err := rows.Scan(&colName, &colType, &notNull, &dflt, &pkPos); err != nil {
				return err
			}
			col := snapshot.Column{
				Name:     colName,
				Type:     d.LogicalType(colType),
				Nullable: notNull == 0,
			}
			if dflt.Valid {
				col.Default = snapshot.DefaultValue(dflt.String)
			}
			if pkPos > 0 {
				pk = append(pk, pkCol{name: colName, pos: pkPos})
			}
			t.Columns = append(t.Columns, col)
			return nil
		})
	if err != nil {
		return snapshot.Table{}, nil, fmt.Errorf("failed to read columns of %s: %w", name, err)
	}
	if len(pk) > 0 {
		t.PrimaryKey = make([]string, len(pk))
		for _, c := range pk {
			t.PrimaryKey[c.pos-1] = c.name
		}
	}

	fks := make(map[int]*snapshot.ForeignKey)
	var fkOrder []int
	err = collect(ctx, exec, `SELECT id, "table", "from", "to", on_update, on_delete FROM pragma_foreign_key_list(?) ORDER BY id, seq`,
		[]interface{}{name}, func(rows core.Rows) error {
			var (
				id                 int
				refTable, from     string
				to                 sql.NullString
				onUpdate, onDelete string
			)
			if err := rows.Scan(&id, &refTable, &from, &to, &onUpdate, &onDelete); err != nil {
				return err
			}
			fk, ok := fks[id]
			if !ok {
				fk = &snapshot.ForeignKey{RefTable: refTable, OnUpdate: onUpdate, OnDelete: onDelete}
				fks[id] = fk
				fkOrder = append(fkOrder, id)
			}
			fk.Columns = append(fk.Columns, from)
			if to.Valid {
				fk.RefColumns = append(fk.RefColumns, to.String)
			}
			return nil
		})
	if err != nil {
		return snapshot.Table{}, nil, fmt.Errorf("failed to read foreign keys of %s: %w", name, err)
	}
	for _, id := range fkOrder {
		t.ForeignKeys = append(t.ForeignKeys, *fks[id])
	}

	type indexHead struct {
		name   string
		unique bool
		origin string
	}
	var heads []indexHead
	err = collect(ctx, exec, `SELECT name, "unique", origin FROM pragma_index_list(?) ORDER BY name`,
		[]interface{}{name}, func(rows core.Rows) error {
			var h indexHead
			var unique int
			if err := rows.Scan(&h.name, &unique, &h.origin); err != nil {
				return err
			}
			h.unique = unique != 0
			heads = append(heads, h)
			return nil
		})
	if err != nil {
		return snapshot.Table{}, nil, fmt.Errorf("failed to read indexes of %s: %w", name, err)
	}

	var indexes []snapshot.Index
	for _, h := range heads {
		if h.origin == "pk" {
			continue
		}
		var cols []string
		err := collect(ctx, exec, "SELECT name FROM pragma_index_info(?) ORDER BY seqno", []interface{}{h.name},
			func(rows core.Rows) error {
				var c sql.NullString
				if err := rows.Scan(&c); err != nil {
					return err
				}
				cols = append(cols, c.String)
				return nil
			})
		if err != nil {
			return snapshot.Table{}, nil, fmt.Errorf("failed to read index %s: %w", h.name, err)
		}
		if h.origin == "u" {
			t.Unique = append(t.Unique, cols)
			continue
		}
		indexes = append(indexes, snapshot.Index{Name: h.name, Table: name, Columns: cols, Unique: h.unique})
	}

	return t, indexes, nil
}

// TableTriggers implements Dialect.
func (d *SQLite) TableTriggers(ctx context.Context, exec core.Executor, table string) ([]snapshot.Trigger, error) {
	var triggers []snapshot.Trigger
	err := collect(ctx, exec, "SELECT name, sql FROM sqlite_master WHERE type = 'trigger' AND tbl_name = ? ORDER BY name",
		[]interface{}{table}, func(rows core.Rows) error {
			t := snapshot.Trigger{Table: table}
			if err := rows.Scan(&t.Name, &t.SQL); err != nil {
				return err
			}
			triggers = append(triggers, t)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to read triggers of %s: %w", table, err)
	}
	return triggers, nil
}

// Introspect implements Dialect by reading sqlite_master and the table
// PRAGMAs.
func (d *SQLite) Introspect(ctx context.Context, exec core.Executor, version int) (*snapshot.Snapshot, error) {
	type object struct {
		kind, name, table string
		sql               sql.NullString
	}
	var objects []object
	err := collect(ctx, exec,
		"SELECT type, name, tbl_name, sql FROM sqlite_master WHERE type IN ('table', 'view', 'trigger') AND name NOT LIKE 'sqlite_%' ORDER BY name",
		nil, func(rows core.Rows) error {
			var o object
			if err := rows.Scan(&o.kind, &o.name, &o.table, &o.sql); err != nil {
				return err
			}
			objects = append(objects, o)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to read sqlite_master: %w", err)
	}

	var entities []snapshot.Entity
	for _, o := range objects {
		if strings.HasPrefix(o.name, ReservedPrefix) {
			continue
		}
		switch o.kind {
		case "table":
			t, indexes, err := d.DescribeTable(ctx, exec, o.name)
			if err != nil {
				return nil, err
			}
			entities = append(entities, t)
			for _, i := range indexes {
				entities = append(entities, i)
			}
		case "view":
			query := o.sql.String
			if m := viewBodyPattern.FindStringSubmatch(query); m != nil {
				query = m[1]
			}
			entities = append(entities, snapshot.View{Name: o.name, Query: query})
		case "trigger":
			entities = append(entities, snapshot.Trigger{Name: o.name, Table: o.table, SQL: o.sql.String})
		}
	}

	s, err := snapshot.FromCatalog(version, entities...)
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot from live schema: %w", err)
	}
	return s, nil
}
