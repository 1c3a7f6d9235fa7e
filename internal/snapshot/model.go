// Package snapshot models one version of a relational schema.
//
// A Snapshot is an immutable, validated set of entities (tables, indexes,
// triggers and views). Snapshots are canonicalized on construction so that
// structurally equal schemas compare equal and serialize identically.
//
// Order sensitivity:
//   - Table.Columns order drives CREATE TABLE and is ignored by Equal.
//   - Table.PrimaryKey, Index.Columns, every inner list of Table.Unique and
//     the column lists of a ForeignKey are order sensitive.
//   - The outer Table.Unique and Table.ForeignKeys lists are sets.
//
// Column level PrimaryKey, Unique and References flags are shorthand. They
// are folded into the table level PrimaryKey, Unique and ForeignKeys lists
// during canonicalization, so both spellings are equal. Primary key
// columns are never nullable.
package snapshot

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ColumnType is the logical type of a column. It is independent of the
// storage engine; dialects map it to concrete SQL types.
type ColumnType string

const (
	TypeInt      ColumnType = "int"
	TypeText     ColumnType = "text"
	TypeReal     ColumnType = "real"
	TypeBlob     ColumnType = "blob"
	TypeDateTime ColumnType = "datetime"
	TypeBool     ColumnType = "bool"
)

// ParseColumnType parses a logical column type name.
func ParseColumnType(s string) (ColumnType, error) {
	switch t := ColumnType(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeInt, TypeText, TypeReal, TypeBlob, TypeDateTime, TypeBool:
		return t, nil
	default:
		return "", fmt.Errorf("unknown column type %q", s)
	}
}

// UnmarshalJSON rejects unknown type names.
func (t *ColumnType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseColumnType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Reference is the column level foreign key shorthand.
type Reference struct {
	Table    string `json:"table"`
	Column   string `json:"column,omitempty"`
	OnDelete string `json:"on_delete,omitempty"`
	OnUpdate string `json:"on_update,omitempty"`
}

// Column describes a single table column.
type Column struct {
	// Name is unique within the owning table.
	Name string `json:"name"`

	// Type is the logical column type.
	Type ColumnType `json:"type"`

	// Nullable defaults to true when absent from a serialized snapshot.
	Nullable bool `json:"nullable"`

	// Default is a raw SQL default expression, e.g. "0" or "'new'".
	Default *string `json:"default,omitempty"`

	PrimaryKey bool       `json:"primary_key,omitempty"`
	Unique     bool       `json:"unique,omitempty"`
	References *Reference `json:"references,omitempty"`
}

// UnmarshalJSON applies the documented defaults for absent fields.
func (c *Column) UnmarshalJSON(data []byte) error {
	type plain Column
	p := plain{Nullable: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Column(p)
	return nil
}

// ForeignKey is a table level, possibly composite, foreign key.
// Empty RefColumns reference the primary key of RefTable.
type ForeignKey struct {
	Columns    []string `json:"columns"`
	RefTable   string   `json:"ref_table"`
	RefColumns []string `json:"ref_columns,omitempty"`
	OnDelete   string   `json:"on_delete,omitempty"`
	OnUpdate   string   `json:"on_update,omitempty"`
}

// Kind identifies the entity variant and its namespace.
type Kind string

const (
	KindTable   Kind = "table"
	KindIndex   Kind = "index"
	KindTrigger Kind = "trigger"
	KindView    Kind = "view"
)

// Entity is a schema object. The set of implementations is closed:
// Table, Index, Trigger and View.
type Entity interface {
	// EntityName is unique within the entity's Kind.
	EntityName() string
	Kind() Kind
	isEntity()
}

// Table describes a table.
type Table struct {
	Name         string       `json:"name"`
	Columns      []Column     `json:"columns"`
	PrimaryKey   []string     `json:"primary_key,omitempty"`
	Unique       [][]string   `json:"unique,omitempty"`
	ForeignKeys  []ForeignKey `json:"foreign_keys,omitempty"`
	WithoutRowID bool         `json:"without_rowid,omitempty"`
}

// Index describes a secondary index.
type Index struct {
	Name    string   `json:"name"`
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique,omitempty"`
}

// Trigger holds the full CREATE TRIGGER statement of a trigger.
type Trigger struct {
	Name  string `json:"name"`
	Table string `json:"table"`
	SQL   string `json:"sql"`
}

// View holds the SELECT statement of a view.
type View struct {
	Name  string `json:"name"`
	Query string `json:"query"`
}

func (t Table) EntityName() string   { return t.Name }
func (i Index) EntityName() string   { return i.Name }
func (t Trigger) EntityName() string { return t.Name }
func (v View) EntityName() string    { return v.Name }

func (Table) Kind() Kind   { return KindTable }
func (Index) Kind() Kind   { return KindIndex }
func (Trigger) Kind() Kind { return KindTrigger }
func (View) Kind() Kind    { return KindView }

func (Table) isEntity()   {}
func (Index) isEntity()   {}
func (Trigger) isEntity() {}
func (View) isEntity()    {}

// Column returns the named column.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// HasColumn reports whether the table declares the named column.
func (t Table) HasColumn(name string) bool {
	_, ok := t.Column(name)
	return ok
}

// ColumnNames returns the column names in declaration order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Clone returns a deep copy of the table.
func (t Table) Clone() Table {
	out := t
	out.Columns = make([]Column, len(t.Columns))
	for i, c := range t.Columns {
		out.Columns[i] = c.clone()
	}
	out.PrimaryKey = cloneStrings(t.PrimaryKey)
	if t.Unique != nil {
		out.Unique = make([][]string, len(t.Unique))
		for i, u := range t.Unique {
			out.Unique[i] = cloneStrings(u)
		}
	}
	if t.ForeignKeys != nil {
		out.ForeignKeys = make([]ForeignKey, len(t.ForeignKeys))
		for i, fk := range t.ForeignKeys {
			fk.Columns = cloneStrings(fk.Columns)
			fk.RefColumns = cloneStrings(fk.RefColumns)
			out.ForeignKeys[i] = fk
		}
	}
	return out
}

func (c Column) clone() Column {
	if c.Default != nil {
		d := *c.Default
		c.Default = &d
	}
	if c.References != nil {
		r := *c.References
		c.References = &r
	}
	return c
}

// Clone returns a deep copy of the index.
func (i Index) Clone() Index {
	i.Columns = cloneStrings(i.Columns)
	return i
}

// DefaultValue returns a pointer to expr, for use in Column literals.
func DefaultValue(expr string) *string {
	return &expr
}

func cloneEntity(e Entity) Entity {
	switch v := e.(type) {
	case Table:
		return v.Clone()
	case Index:
		return v.Clone()
	case Trigger:
		return v
	case View:
		return v
	default:
		panic(fmt.Sprintf("snapshot: unknown entity type %T", e))
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
