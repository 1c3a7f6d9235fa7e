package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rzpsarthak13/schemakeeper/internal/core"
	"github.com/rzpsarthak13/schemakeeper/internal/snapshot"
)

// VersionTable holds the schema version on engines without a header slot
// for it.
const VersionTable = ReservedPrefix + "version"

// replacedSuffix names the old table while SwapTable replaces it.
const replacedSuffix = "__replaced"

// maxIdentifierLength is the longest identifier MySQL accepts.
const maxIdentifierLength = 64

// uniqueConstraintName names the table level unique constraint over cols.
// MySQL lists unique indexes and unique constraints alike in
// TABLE_CONSTRAINTS; the name tells DescribeTable which one it reads.
func uniqueConstraintName(cols []string) string {
	name := strings.Join(cols, "_") + "_key"
	if len(name) > maxIdentifierLength {
		return ""
	}
	return name
}

// isUniqueConstraint reports whether a UNIQUE entry of TABLE_CONSTRAINTS is
// a table level constraint rather than a unique index. Besides the names
// uniqueConstraintName gives, unnamed constraints take the name of their
// first column, suffixed with _2, _3 and so on when that is taken.
func isUniqueConstraint(name string, cols []string) bool {
	if len(cols) == 0 {
		return false
	}
	if name == uniqueConstraintName(cols) || name == cols[0] {
		return true
	}
	suffix := strings.TrimPrefix(name, cols[0]+"_")
	if suffix == name || suffix == "" {
		return false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// DefaultLockTimeout bounds GET_LOCK when the context has no deadline.
const DefaultLockTimeout = 30 * time.Second

// MySQL implements Dialect for MySQL 8.
type MySQL struct {
	builder
}

// NewMySQL creates the MySQL dialect.
func NewMySQL() *MySQL {
	d := &MySQL{}
	d.builder = builder{quote: d.Quote, sqlType: d.SQLType, uniqueName: uniqueConstraintName}
	return d
}

func init() {
	Register(NewMySQL())
}

// Name implements Dialect.
func (d *MySQL) Name() string { return "mysql" }

// Quote implements Dialect.
func (d *MySQL) Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

// SQLType implements Dialect. TEXT and BLOB columns cannot be keyed or
// carry literal defaults, so those use bounded variable length types.
func (d *MySQL) SQLType(c snapshot.Column, keyed bool) string {
	switch c.Type {
	case snapshot.TypeInt:
		return "BIGINT"
	case snapshot.TypeText:
		if keyed || c.Default != nil {
			return "VARCHAR(255)"
		}
		return "TEXT"
	case snapshot.TypeReal:
		return "DOUBLE"
	case snapshot.TypeBlob:
		if keyed || c.Default != nil {
			return "VARBINARY(255)"
		}
		return "LONGBLOB"
	case snapshot.TypeDateTime:
		return "DATETIME"
	case snapshot.TypeBool:
		return "TINYINT(1)"
	default:
		return "TEXT"
	}
}

// LogicalType implements Dialect. It expects COLUMN_TYPE values such as
// "tinyint(1)" or "varchar(255)".
func (d *MySQL) LogicalType(sqlType string) snapshot.ColumnType {
	t := strings.ToUpper(strings.TrimSpace(sqlType))
	baseType := t
	if idx := strings.Index(t, "("); idx > 0 {
		baseType = t[:idx]
	}

	switch {
	case t == "TINYINT(1)" || baseType == "BOOL" || baseType == "BOOLEAN" || baseType == "BIT":
		return snapshot.TypeBool
	case strings.HasSuffix(baseType, "INT"):
		return snapshot.TypeInt
	case baseType == "FLOAT", baseType == "DOUBLE", baseType == "DECIMAL", baseType == "NUMERIC", baseType == "REAL":
		return snapshot.TypeReal
	case baseType == "DATE", baseType == "DATETIME", baseType == "TIMESTAMP", baseType == "TIME", baseType == "YEAR":
		return snapshot.TypeDateTime
	case strings.HasSuffix(baseType, "BLOB"), strings.HasSuffix(baseType, "BINARY"):
		return snapshot.TypeBlob
	default:
		return snapshot.TypeText
	}
}

func (d *MySQL) CreateTable(t snapshot.Table, indexed []string) string {
	return d.createTable(t, indexed, "")
}

func (d *MySQL) DropTable(name string) string {
	return "DROP TABLE " + d.Quote(name)
}

func (d *MySQL) RenameTable(from, to string) string {
	return fmt.Sprintf("RENAME TABLE %s TO %s", d.Quote(from), d.Quote(to))
}

// SwapTable implements Dialect. One RENAME TABLE swaps both names
// atomically; the old table is dropped afterwards.
func (d *MySQL) SwapTable(table, replacement string) []string {
	old := table + replacedSuffix
	return []string{
		fmt.Sprintf("RENAME TABLE %s TO %s, %s TO %s", d.Quote(table), d.Quote(old), d.Quote(replacement), d.Quote(table)),
		d.DropTable(old),
	}
}

// RenameChecks implements Dialect. MySQL resolves view and trigger bodies
// when they run.
func (d *MySQL) RenameChecks(bool) string { return "" }

func (d *MySQL) AddColumn(table string, c snapshot.Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", d.Quote(table), d.columnDef(c, c.PrimaryKey || c.Unique))
}

func (d *MySQL) DropColumn(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", d.Quote(table), d.Quote(column))
}

func (d *MySQL) CreateIndex(i snapshot.Index) string { return d.createIndex(i) }

func (d *MySQL) DropIndex(i snapshot.Index) string {
	return fmt.Sprintf("DROP INDEX %s ON %s", d.Quote(i.Name), d.Quote(i.Table))
}

func (d *MySQL) CreateView(v snapshot.View) string { return d.createView(v) }

func (d *MySQL) DropView(name string) string {
	return "DROP VIEW " + d.Quote(name)
}

func (d *MySQL) CreateTrigger(t snapshot.Trigger) string { return t.SQL }

func (d *MySQL) DropTrigger(name string) string {
	return "DROP TRIGGER " + d.Quote(name)
}

// CanAddColumn implements Dialect. Column level keys need table recreation.
func (d *MySQL) CanAddColumn(c snapshot.Column) bool {
	return !c.PrimaryKey && c.References == nil
}

func (d *MySQL) SupportsDropColumn() bool { return true }

// TransactionalDDL implements Dialect. MySQL commits implicitly before and
// after every DDL statement.
func (d *MySQL) TransactionalDDL() bool { return false }

func (d *MySQL) ForeignKeys(enabled bool) string {
	if enabled {
		return "SET FOREIGN_KEY_CHECKS = 1"
	}
	return "SET FOREIGN_KEY_CHECKS = 0"
}

func (d *MySQL) ForeignKeysEnabled(ctx context.Context, exec core.Executor) (bool, error) {
	enabled := 0
	err := collect(ctx, exec, "SELECT @@FOREIGN_KEY_CHECKS", nil, func(rows core.Rows) error {
		return rows.Scan(&enabled)
	})
	if err != nil {
		return false, fmt.Errorf("failed to read foreign_key_checks: %w", err)
	}
	return enabled == 1, nil
}

// ReadVersion implements Dialect. A missing version table means a fresh
// database.
func (d *MySQL) ReadVersion(ctx context.Context, exec core.Executor) (int, error) {
	exists := 0
	err := collect(ctx, exec,
		"SELECT COUNT(*) FROM information_schema.TABLES WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?",
		[]interface{}{VersionTable}, func(rows core.Rows) error {
			return rows.Scan(&exists)
		})
	if err != nil {
		return 0, fmt.Errorf("failed to check version table: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	version := 0
	err = collect(ctx, exec, fmt.Sprintf("SELECT version FROM %s WHERE id = 1", d.Quote(VersionTable)), nil,
		func(rows core.Rows) error {
			return rows.Scan(&version)
		})
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// WriteVersion implements Dialect.
func (d *MySQL) WriteVersion(ctx context.Context, exec core.Executor, version int) error {
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id TINYINT NOT NULL PRIMARY KEY, version BIGINT NOT NULL)",
		d.Quote(VersionTable))
	if _, err := exec.Exec(ctx, create); err != nil {
		return fmt.Errorf("failed to create version table: %w", err)
	}
	upsert := fmt.Sprintf("INSERT INTO %s (id, version) VALUES (1, ?) ON DUPLICATE KEY UPDATE version = VALUES(version)",
		d.Quote(VersionTable))
	if _, err := exec.Exec(ctx, upsert, version); err != nil {
		return fmt.Errorf("failed to write schema version: %w", err)
	}
	return nil
}

// Lock implements Dialect with GET_LOCK. The lock belongs to the session,
// so exec must be a pinned connection and release must use the same one.
func (d *MySQL) Lock(ctx context.Context, exec core.Executor, key string) (func(context.Context) error, error) {
	timeout := DefaultLockTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	seconds := int(timeout.Seconds())
	if seconds < 0 {
		seconds = 0
	}

	var got sql.NullInt64
	err := collect(ctx, exec, "SELECT GET_LOCK(?, ?)", []interface{}{key, seconds}, func(rows core.Rows) error {
		return rows.Scan(&got)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire migration lock %q: %w", key, err)
	}
	if !got.Valid || got.Int64 != 1 {
		return nil, fmt.Errorf("failed to acquire migration lock %q: timed out after %ds", key, seconds)
	}

	return func(ctx context.Context) error {
		if _, err := exec.Exec(ctx, "DO RELEASE_LOCK(?)", key); err != nil {
			return fmt.Errorf("failed to release migration lock %q: %w", key, err)
		}
		return nil
	}, nil
}

// DescribeTable implements Dialect using INFORMATION_SCHEMA.
func (d *MySQL) DescribeTable(ctx context.Context, exec core.Executor, name string) (snapshot.Table, []snapshot.Index, error) {
	t := snapshot.Table{Name: name}

	query := `
		SELECT COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE, COLUMN_DEFAULT, EXTRA
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION
	`
	err := collect(ctx, exec, query, []interface{}{name}, func(rows core.Rows) error {
		var colName, colType, isNullable, extra string
		var colDefault sql.NullString
		if err := rows.Scan(&colName, &colType, &isNullable, &colDefault, &extra); err != nil {
			return err
		}
		col := snapshot.Column{
			Name:     colName,
			Type:     d.LogicalType(colType),
			Nullable: isNullable == "YES",
		}
		if colDefault.Valid {
			col.Default = snapshot.DefaultValue(d.defaultExpr(col.Type, colDefault.String, extra))
		}
		t.Columns = append(t.Columns, col)
		return nil
	})
	if err != nil {
		return snapshot.Table{}, nil, fmt.Errorf("failed to query columns: %w", err)
	}
	if len(t.Columns) == 0 {
		return snapshot.Table{}, nil, fmt.Errorf("table %s does not exist", name)
	}

	query = `
		SELECT tc.CONSTRAINT_NAME, tc.CONSTRAINT_TYPE, kcu.COLUMN_NAME,
			kcu.REFERENCED_TABLE_NAME, kcu.REFERENCED_COLUMN_NAME, rc.UPDATE_RULE, rc.DELETE_RULE
		FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
			ON kcu.CONSTRAINT_SCHEMA = tc.CONSTRAINT_SCHEMA
			AND kcu.CONSTRAINT_NAME = tc.CONSTRAINT_NAME
			AND kcu.TABLE_NAME = tc.TABLE_NAME
		LEFT JOIN INFORMATION_SCHEMA.REFERENTIAL_CONSTRAINTS rc
			ON rc.CONSTRAINT_SCHEMA = tc.CONSTRAINT_SCHEMA
			AND rc.CONSTRAINT_NAME = tc.CONSTRAINT_NAME
		WHERE tc.TABLE_SCHEMA = DATABASE() AND tc.TABLE_NAME = ?
		ORDER BY tc.CONSTRAINT_NAME, kcu.ORDINAL_POSITION
	`
	constraintNames := map[string]bool{"PRIMARY": true}
	unique := make(map[string][]string)
	var uniqueOrder []string
	fks := make(map[string]*snapshot.ForeignKey)
	var fkOrder []string
	err = collect(ctx, exec, query, []interface{}{name}, func(rows core.Rows) error {
		var cName, cType, colName string
		var refTable, refColumn, updateRule, deleteRule sql.NullString
		if err := rows.Scan(&cName, &cType, &colName, &refTable, &refColumn, &updateRule, &deleteRule); err != nil {
			return err
		}
		constraintNames[cName] = true
		switch cType {
		case "PRIMARY KEY":
			t.PrimaryKey = append(t.PrimaryKey, colName)
		case "UNIQUE":
			if _, ok := unique[cName]; !ok {
				uniqueOrder = append(uniqueOrder, cName)
			}
			unique[cName] = append(unique[cName], colName)
		case "FOREIGN KEY":
			fk, ok := fks[cName]
			if !ok {
				fk = &snapshot.ForeignKey{
					RefTable: refTable.String,
					OnUpdate: updateRule.String,
					OnDelete: deleteRule.String,
				}
				fks[cName] = fk
				fkOrder = append(fkOrder, cName)
			}
			fk.Columns = append(fk.Columns, colName)
			fk.RefColumns = append(fk.RefColumns, refColumn.String)
		}
		return nil
	})
	if err != nil {
		return snapshot.Table{}, nil, fmt.Errorf("failed to query constraints: %w", err)
	}
	for _, n := range uniqueOrder {
		if !isUniqueConstraint(n, unique[n]) {
			// A unique index; it is read from STATISTICS below.
			delete(constraintNames, n)
			continue
		}
		t.Unique = append(t.Unique, unique[n])
	}
	for _, n := range fkOrder {
		fk := *fks[n]
		if fk.OnUpdate == "RESTRICT" {
			fk.OnUpdate = ""
		}
		if fk.OnDelete == "RESTRICT" {
			fk.OnDelete = ""
		}
		t.ForeignKeys = append(t.ForeignKeys, fk)
	}

	query = `
		SELECT INDEX_NAME, NON_UNIQUE, COLUMN_NAME
		FROM INFORMATION_SCHEMA.STATISTICS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		ORDER BY INDEX_NAME, SEQ_IN_INDEX
	`
	byName := make(map[string]*snapshot.Index)
	var indexOrder []string
	err = collect(ctx, exec, query, []interface{}{name}, func(rows core.Rows) error {
		var indexName, colName string
		var nonUnique int
		if err := rows.Scan(&indexName, &nonUnique, &colName); err != nil {
			return err
		}
		if constraintNames[indexName] {
			return nil
		}
		idx, ok := byName[indexName]
		if !ok {
			idx = &snapshot.Index{Name: indexName, Table: name, Unique: nonUnique == 0}
			byName[indexName] = idx
			indexOrder = append(indexOrder, indexName)
		}
		idx.Columns = append(idx.Columns, colName)
		return nil
	})
	if err != nil {
		return snapshot.Table{}, nil, fmt.Errorf("failed to query indexes: %w", err)
	}
	indexes := make([]snapshot.Index, 0, len(indexOrder))
	for _, n := range indexOrder {
		indexes = append(indexes, *byName[n])
	}

	return t, indexes, nil
}

// defaultExpr turns a COLUMN_DEFAULT value back into the expression form
// used by snapshots. MySQL reports string literals unquoted.
func (d *MySQL) defaultExpr(t snapshot.ColumnType, value, extra string) string {
	if strings.Contains(strings.ToUpper(extra), "DEFAULT_GENERATED") {
		return value
	}
	switch t {
	case snapshot.TypeText, snapshot.TypeBlob:
		return "'" + strings.ReplaceAll(value, "'", "''") + "'"
	case snapshot.TypeDateTime:
		if strings.HasPrefix(strings.ToUpper(value), "CURRENT_TIMESTAMP") {
			return value
		}
		return "'" + value + "'"
	default:
		return value
	}
}

// TableTriggers implements Dialect.
func (d *MySQL) TableTriggers(ctx context.Context, exec core.Executor, table string) ([]snapshot.Trigger, error) {
	return d.triggers(ctx, exec, table)
}

// triggers reads the triggers of table, or of every table when table is
// empty, rendered back into CREATE TRIGGER statements.
func (d *MySQL) triggers(ctx context.Context, exec core.Executor, table string) ([]snapshot.Trigger, error) {
	query := `
		SELECT TRIGGER_NAME, EVENT_OBJECT_TABLE, ACTION_TIMING, EVENT_MANIPULATION, ACTION_STATEMENT
		FROM INFORMATION_SCHEMA.TRIGGERS
		WHERE TRIGGER_SCHEMA = DATABASE()
	`
	var args []interface{}
	if table != "" {
		query += " AND EVENT_OBJECT_TABLE = ?"
		args = append(args, table)
	}
	query += " ORDER BY TRIGGER_NAME"

	var triggers []snapshot.Trigger
	err := collect(ctx, exec, query, args, func(rows core.Rows) error {
		var name, on, timing, event, statement string
		if err := rows.Scan(&name, &on, &timing, &event, &statement); err != nil {
			return err
		}
		triggers = append(triggers, snapshot.Trigger{
			Name:  name,
			Table: on,
			SQL: fmt.Sprintf("CREATE TRIGGER %s %s %s ON %s FOR EACH ROW %s",
				d.Quote(name), timing, event, d.Quote(on), statement),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}
	return triggers, nil
}

// Introspect implements Dialect.
func (d *MySQL) Introspect(ctx context.Context, exec core.Executor, version int) (*snapshot.Snapshot, error) {
	type relation struct {
		name, kind string
	}
	var relations []relation
	err := collect(ctx, exec,
		"SELECT TABLE_NAME, TABLE_TYPE FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = DATABASE() ORDER BY TABLE_NAME",
		nil, func(rows core.Rows) error {
			var r relation
			if err := rows.Scan(&r.name, &r.kind); err != nil {
				return err
			}
			relations = append(relations, r)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}

	var entities []snapshot.Entity
	for _, r := range relations {
		if strings.HasPrefix(r.name, ReservedPrefix) || r.kind != "BASE TABLE" {
			continue
		}
		t, indexes, err := d.DescribeTable(ctx, exec, r.name)
		if err != nil {
			return nil, fmt.Errorf("failed to describe table %s: %w", r.name, err)
		}
		entities = append(entities, t)
		for _, i := range indexes {
			entities = append(entities, i)
		}
	}

	err = collect(ctx, exec,
		"SELECT TABLE_NAME, VIEW_DEFINITION FROM INFORMATION_SCHEMA.VIEWS WHERE TABLE_SCHEMA = DATABASE() ORDER BY TABLE_NAME",
		nil, func(rows core.Rows) error {
			var v snapshot.View
			if err := rows.Scan(&v.Name, &v.Query); err != nil {
				return err
			}
			entities = append(entities, v)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to query views: %w", err)
	}

	triggers, err := d.triggers(ctx, exec, "")
	if err != nil {
		return nil, err
	}
	for _, t := range triggers {
		entities = append(entities, t)
	}

	s, err := snapshot.FromCatalog(version, entities...)
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot from live schema: %w", err)
	}
	return s, nil
}
