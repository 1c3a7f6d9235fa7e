// Package dialect renders DDL and reads catalog metadata for the SQL
// engines the schema manager supports. Dialects register themselves from
// init and are looked up by the name an executor reports.
package dialect

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rzpsarthak13/schemakeeper/internal/core"
	"github.com/rzpsarthak13/schemakeeper/internal/snapshot"
)

// ReservedPrefix marks tables owned by the schema manager itself. They are
// never part of an introspected snapshot.
const ReservedPrefix = "schemakeeper_"

// Dialect is the Strategy interface for engine specific SQL.
type Dialect interface {
	// Name returns the identifier executors report, e.g. "sqlite".
	Name() string

	// Quote quotes an identifier.
	Quote(ident string) string

	// SQLType maps a logical column type to a storage type. keyed is true
	// when the column takes part in a key or index.
	SQLType(c snapshot.Column, keyed bool) string

	// LogicalType maps a declared storage type back to a logical type.
	LogicalType(sqlType string) snapshot.ColumnType

	// CreateTable renders CREATE TABLE. indexed lists columns covered by
	// secondary indexes created later.
	CreateTable(t snapshot.Table, indexed []string) string
	DropTable(name string) string
	RenameTable(from, to string) string
	AddColumn(table string, c snapshot.Column) string
	DropColumn(table, column string) string
	CreateIndex(i snapshot.Index) string
	DropIndex(i snapshot.Index) string
	CreateView(v snapshot.View) string
	DropView(name string) string
	CreateTrigger(t snapshot.Trigger) string
	DropTrigger(name string) string

	// SwapTable renders the statements that put replacement in place of
	// table and drop the old table. Dialects without transactional DDL
	// keep table readable after every statement.
	SwapTable(table, replacement string) []string

	// RenameChecks renders the session statement turning on or off the
	// checks a table rename makes on views and triggers that name other
	// tables. It is empty when the dialect makes none.
	RenameChecks(enabled bool) string

	// CanAddColumn reports whether c can be added in place with ALTER TABLE.
	CanAddColumn(c snapshot.Column) bool

	// SupportsDropColumn reports whether columns can be dropped in place.
	SupportsDropColumn() bool

	// TransactionalDDL reports whether DDL statements roll back with the
	// enclosing transaction.
	TransactionalDDL() bool

	// ForeignKeys renders the session statement enabling or disabling
	// foreign key enforcement. It must run outside any transaction.
	ForeignKeys(enabled bool) string

	// ForeignKeysEnabled reports whether the session enforces foreign keys.
	ForeignKeysEnabled(ctx context.Context, exec core.Executor) (bool, error)

	// ReadVersion returns the schema version recorded in the database,
	// 0 for a fresh database.
	ReadVersion(ctx context.Context, exec core.Executor) (int, error)

	// WriteVersion records the schema version.
	WriteVersion(ctx context.Context, exec core.Executor, version int) error

	// Lock takes the migration lock for key. exec must be a pinned
	// connection for dialects whose locks are session scoped.
	Lock(ctx context.Context, exec core.Executor, key string) (func(context.Context) error, error)

	// DescribeTable reads one table and its secondary indexes.
	DescribeTable(ctx context.Context, exec core.Executor, name string) (snapshot.Table, []snapshot.Index, error)

	// TableTriggers reads the triggers fired by table.
	TableTriggers(ctx context.Context, exec core.Executor, table string) ([]snapshot.Trigger, error)

	// Introspect reads the whole live schema into a snapshot tagged version.
	Introspect(ctx context.Context, exec core.Executor, version int) (*snapshot.Snapshot, error)
}

var (
	// dialectRegistry stores all registered dialects.
	dialectRegistry = make(map[string]Dialect)

	// registryMutex protects the registry from concurrent access.
	registryMutex sync.RWMutex
)

// Register registers a dialect.
// This is called automatically by each implementation's init() function.
func Register(d Dialect) {
	if d == nil {
		panic("dialect cannot be nil")
	}
	if d.Name() == "" {
		panic("dialect name cannot be empty")
	}

	registryMutex.Lock()
	defer registryMutex.Unlock()

	if _, exists := dialectRegistry[d.Name()]; exists {
		panic(fmt.Sprintf("dialect %q is already registered", d.Name()))
	}
	dialectRegistry[d.Name()] = d
}

// Get returns the dialect registered under name.
func Get(name string) (Dialect, error) {
	registryMutex.RLock()
	d, exists := dialectRegistry[name]
	registryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unsupported SQL dialect: %s", name)
	}
	return d, nil
}

// For returns the dialect of an executor.
func For(exec core.Executor) (Dialect, error) {
	return Get(exec.Dialect())
}

// Registered returns the names of all registered dialects.
func Registered() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	names := make([]string, 0, len(dialectRegistry))
	for n := range dialectRegistry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// builder renders the DDL shared by all dialects.
type builder struct {
	quote   func(string) string
	sqlType func(c snapshot.Column, keyed bool) string

	// uniqueName names table level unique constraints. An empty name
	// leaves the choice to the engine.
	uniqueName func(cols []string) string
}

func (b builder) createTable(t snapshot.Table, indexed []string, suffix string) string {
	t = snapshot.CanonicalTable(t)
	keyed := keyedColumns(t, indexed)

	defs := make([]string, 0, len(t.Columns)+len(t.Unique)+len(t.ForeignKeys)+1)
	for _, c := range t.Columns {
		defs = append(defs, b.columnDef(c, keyed[c.Name]))
	}
	if len(t.PrimaryKey) > 0 {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", b.list(t.PrimaryKey)))
	}
	for _, u := range t.Unique {
		if b.uniqueName != nil {
			if name := b.uniqueName(u); name != "" {
				defs = append(defs, fmt.Sprintf("CONSTRAINT %s UNIQUE (%s)", b.quote(name), b.list(u)))
				continue
			}
		}
		defs = append(defs, fmt.Sprintf("UNIQUE (%s)", b.list(u)))
	}
	for _, fk := range t.ForeignKeys {
		defs = append(defs, b.foreignKey(fk))
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)%s", b.quote(t.Name), strings.Join(defs, ", "), suffix)
}

func (b builder) columnDef(c snapshot.Column, keyed bool) string {
	var sb strings.Builder
	sb.WriteString(b.quote(c.Name))
	sb.WriteString(" ")
	sb.WriteString(b.sqlType(c, keyed))
	if !c.Nullable {
		sb.WriteString(" NOT NULL")
	}
	if c.Default != nil {
		sb.WriteString(" DEFAULT ")
		sb.WriteString(RenderDefault(*c.Default))
	}
	return sb.String()
}

func (b builder) foreignKey(fk snapshot.ForeignKey) string {
	s := fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s", b.list(fk.Columns), b.quote(fk.RefTable))
	if len(fk.RefColumns) > 0 {
		s += fmt.Sprintf(" (%s)", b.list(fk.RefColumns))
	}
	if fk.OnDelete != "" {
		s += " ON DELETE " + fk.OnDelete
	}
	if fk.OnUpdate != "" {
		s += " ON UPDATE " + fk.OnUpdate
	}
	return s
}

func (b builder) createIndex(i snapshot.Index) string {
	unique := ""
	if i.Unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)", unique, b.quote(i.Name), b.quote(i.Table), b.list(i.Columns))
}

func (b builder) createView(v snapshot.View) string {
	return fmt.Sprintf("CREATE VIEW %s AS %s", b.quote(v.Name), v.Query)
}

func (b builder) list(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = b.quote(n)
	}
	return strings.Join(quoted, ", ")
}

// RenderDefault renders a default expression for a DEFAULT clause.
// Literals are emitted bare; any other expression is parenthesized.
func RenderDefault(expr string) string {
	if isLiteral(expr) {
		return expr
	}
	return "(" + expr + ")"
}

func isLiteral(expr string) bool {
	upper := strings.ToUpper(expr)
	switch upper {
	case "NULL", "TRUE", "FALSE", "CURRENT_TIMESTAMP", "CURRENT_DATE", "CURRENT_TIME":
		return true
	}
	if len(expr) >= 2 && expr[0] == '\'' && expr[len(expr)-1] == '\'' && strings.Count(expr[1:len(expr)-1], "'")%2 == 0 {
		return true
	}
	s := strings.TrimPrefix(strings.TrimPrefix(expr, "-"), "+")
	if s == "" {
		return false
	}
	dot := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '.' && !dot:
			dot = true
		default:
			return false
		}
	}
	return true
}

func keyedColumns(t snapshot.Table, indexed []string) map[string]bool {
	keyed := make(map[string]bool)
	for _, c := range t.PrimaryKey {
		keyed[c] = true
	}
	for _, u := range t.Unique {
		for _, c := range u {
			keyed[c] = true
		}
	}
	for _, fk := range t.ForeignKeys {
		for _, c := range fk.Columns {
			keyed[c] = true
		}
	}
	for _, c := range indexed {
		keyed[c] = true
	}
	return keyed
}

// collect runs a query and hands every row to fn. All rows are consumed
// and closed before collect returns, so callers may issue further queries
// on single connection executors.
func collect(ctx context.Context, exec core.Executor, query string, args []interface{}, fn func(core.Rows) error) error {
	rows, err := exec.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
