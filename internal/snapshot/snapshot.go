package snapshot

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/hashicorp/go-multierror"

	"github.com/rzpsarthak13/schemakeeper/internal/core"
)

// Snapshot is the immutable shape of a schema at one version.
// Accessors return copies; a Snapshot never changes after New returns it.
type Snapshot struct {
	version  int
	entities []Entity
}

// New canonicalizes and validates entities and returns the snapshot for
// version. Every validation problem is reported, combined into one error.
func New(version int, entities ...Entity) (*Snapshot, error) {
	return build(version, true, entities)
}

// FromCatalog builds a snapshot of a live database. Entities are checked on
// their own, but references between them are not: foreign keys, indexes and
// triggers naming a missing table are kept as read, so a comparison can
// report them. Foreign keys without referenced columns stay unresolved when
// the referenced table is missing.
func FromCatalog(version int, entities ...Entity) (*Snapshot, error) {
	return build(version, false, entities)
}

func build(version int, strict bool, entities []Entity) (*Snapshot, error) {
	if version < 0 {
		return nil, fmt.Errorf("snapshot version must not be negative, got %d", version)
	}

	canon := make([]Entity, 0, len(entities))
	for _, e := range entities {
		if e == nil {
			return nil, fmt.Errorf("snapshot v%d: nil entity", version)
		}
		canon = append(canon, canonicalize(cloneEntity(e)))
	}

	var merr *multierror.Error
	canon, err := resolveImplicitReferences(canon)
	if strict {
		merr = multierror.Append(merr, err)
	}
	merr = multierror.Append(merr, validate(canon, strict))
	if err := merr.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("invalid snapshot v%d: %w", version, err)
	}

	return &Snapshot{version: version, entities: order(canon)}, nil
}

// Validate runs the checks of New against the snapshot. It reports the
// dangling references a snapshot built by FromCatalog may carry.
func (s *Snapshot) Validate() error {
	if err := validate(s.entities, true); err != nil {
		return fmt.Errorf("invalid snapshot v%d: %w", s.version, err)
	}
	return nil
}

// MustNew is like New but panics on error. It is intended for snapshots
// declared as package level literals.
func MustNew(version int, entities ...Entity) *Snapshot {
	s, err := New(version, entities...)
	if err != nil {
		panic(err)
	}
	return s
}

// Version returns the schema version of the snapshot.
func (s *Snapshot) Version() int {
	return s.version
}

// WithVersion returns a copy of the snapshot recorded under another version.
func (s *Snapshot) WithVersion(version int) *Snapshot {
	return &Snapshot{version: version, entities: s.Entities()}
}

// Entities returns all entities in canonical order: tables in foreign key
// dependency order, then indexes, views and triggers by name.
func (s *Snapshot) Entities() []Entity {
	out := make([]Entity, len(s.entities))
	for i, e := range s.entities {
		out[i] = cloneEntity(e)
	}
	return out
}

// Tables returns the tables in creation order.
func (s *Snapshot) Tables() []Table {
	var out []Table
	for _, e := range s.entities {
		if t, ok := e.(Table); ok {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Indexes returns all indexes ordered by name.
func (s *Snapshot) Indexes() []Index {
	var out []Index
	for _, e := range s.entities {
		if i, ok := e.(Index); ok {
			out = append(out, i.Clone())
		}
	}
	return out
}

// Views returns all views ordered by name.
func (s *Snapshot) Views() []View {
	var out []View
	for _, e := range s.entities {
		if v, ok := e.(View); ok {
			out = append(out, v)
		}
	}
	return out
}

// Triggers returns all triggers ordered by name.
func (s *Snapshot) Triggers() []Trigger {
	var out []Trigger
	for _, e := range s.entities {
		if t, ok := e.(Trigger); ok {
			out = append(out, t)
		}
	}
	return out
}

// Table returns the named table.
func (s *Snapshot) Table(name string) (Table, bool) {
	for _, e := range s.entities {
		if t, ok := e.(Table); ok && t.Name == name {
			return t.Clone(), true
		}
	}
	return Table{}, false
}

// IndexesOn returns the indexes declared on table.
func (s *Snapshot) IndexesOn(table string) []Index {
	var out []Index
	for _, e := range s.entities {
		if i, ok := e.(Index); ok && i.Table == table {
			out = append(out, i.Clone())
		}
	}
	return out
}

// TriggersOn returns the triggers declared on table.
func (s *Snapshot) TriggersOn(table string) []Trigger {
	var out []Trigger
	for _, e := range s.entities {
		if t, ok := e.(Trigger); ok && t.Table == table {
			out = append(out, t)
		}
	}
	return out
}

// Equal reports whether two snapshots have the same version and are
// structurally equal.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.version == other.version && s.SameShape(other)
}

// SameShape reports structural equality of the entities, ignoring the
// version number.
func (s *Snapshot) SameShape(other *Snapshot) bool {
	return cmp.Equal(s.entities, other.entities, equalityOptions...)
}

// Diff returns a human readable diff of the entities, empty when the
// snapshots have the same shape.
func (s *Snapshot) Diff(other *Snapshot) string {
	return cmp.Diff(s.entities, other.entities, equalityOptions...)
}

var equalityOptions = []cmp.Option{
	cmpopts.SortSlices(func(a, b Column) bool { return a.Name < b.Name }),
	cmpopts.EquateEmpty(),
}

// canonicalize folds shorthand into table level constraints and
// normalizes expressions.
func canonicalize(e Entity) Entity {
	switch v := e.(type) {
	case Table:
		return canonicalTable(v)
	case Index:
		return v
	case Trigger:
		v.SQL = NormalizeSQL(v.SQL)
		return v
	case View:
		v.Query = NormalizeSQL(v.Query)
		return v
	default:
		return e
	}
}

// CanonicalTable returns a copy of t with column shorthand folded into
// table level constraints and defaults normalized.
func CanonicalTable(t Table) Table {
	return canonicalTable(t.Clone())
}

func canonicalTable(t Table) Table {
	var colPK []string
	for i := range t.Columns {
		c := &t.Columns[i]
		c.Default = NormalizeDefault(c.Default)
		if ct, err := ParseColumnType(string(c.Type)); err == nil {
			c.Type = ct
		}
		if c.PrimaryKey {
			colPK = append(colPK, c.Name)
			c.PrimaryKey = false
		}
		if c.Unique {
			t.Unique = append(t.Unique, []string{c.Name})
			c.Unique = false
		}
		if c.References != nil {
			fk := ForeignKey{
				Columns:  []string{c.Name},
				RefTable: c.References.Table,
				OnDelete: c.References.OnDelete,
				OnUpdate: c.References.OnUpdate,
			}
			if c.References.Column != "" {
				fk.RefColumns = []string{c.References.Column}
			}
			t.ForeignKeys = append(t.ForeignKeys, fk)
			c.References = nil
		}
	}
	if len(t.PrimaryKey) == 0 {
		t.PrimaryKey = colPK
	}
	for i := range t.Columns {
		if contains(t.PrimaryKey, t.Columns[i].Name) {
			t.Columns[i].Nullable = false
		}
	}

	t.Unique = dedupeUnique(t.Unique, t.PrimaryKey)
	for i := range t.ForeignKeys {
		t.ForeignKeys[i].OnDelete = normalizeAction(t.ForeignKeys[i].OnDelete)
		t.ForeignKeys[i].OnUpdate = normalizeAction(t.ForeignKeys[i].OnUpdate)
	}
	sort.SliceStable(t.ForeignKeys, func(i, j int) bool {
		return fkKey(t.ForeignKeys[i]) < fkKey(t.ForeignKeys[j])
	})
	if len(t.ForeignKeys) == 0 {
		t.ForeignKeys = nil
	}
	return t
}

// resolveImplicitReferences fills empty foreign key RefColumns with the
// referenced table's primary key.
func resolveImplicitReferences(entities []Entity) ([]Entity, error) {
	tables := make(map[string]Table)
	for _, e := range entities {
		if t, ok := e.(Table); ok {
			tables[t.Name] = t
		}
	}

	var merr *multierror.Error
	for i, e := range entities {
		t, ok := e.(Table)
		if !ok {
			continue
		}
		for j, fk := range t.ForeignKeys {
			if len(fk.RefColumns) > 0 {
				continue
			}
			ref, ok := tables[fk.RefTable]
			if !ok || len(ref.PrimaryKey) == 0 {
				merr = multierror.Append(merr, fmt.Errorf("table %q: foreign key %v references %q which has no primary key",
					t.Name, fk.Columns, fk.RefTable))
				continue
			}
			t.ForeignKeys[j].RefColumns = cloneStrings(ref.PrimaryKey)
		}
		sort.SliceStable(t.ForeignKeys, func(a, b int) bool {
			return fkKey(t.ForeignKeys[a]) < fkKey(t.ForeignKeys[b])
		})
		entities[i] = t
	}
	return entities, merr.ErrorOrNil()
}

func validate(entities []Entity, references bool) error {
	var merr *multierror.Error
	seen := make(map[Kind]map[string]bool)
	tables := make(map[string]Table)
	views := make(map[string]bool)

	for _, e := range entities {
		name := e.EntityName()
		if name == "" {
			merr = multierror.Append(merr, fmt.Errorf("%s with empty name", e.Kind()))
			continue
		}
		if seen[e.Kind()] == nil {
			seen[e.Kind()] = make(map[string]bool)
		}
		if seen[e.Kind()][name] {
			merr = multierror.Append(merr, fmt.Errorf("duplicate %s name %q", e.Kind(), name))
		}
		seen[e.Kind()][name] = true
		switch v := e.(type) {
		case Table:
			tables[v.Name] = v
		case View:
			views[v.Name] = true
		}
	}
	for name := range views {
		if _, ok := tables[name]; ok {
			merr = multierror.Append(merr, fmt.Errorf("view %q has the same name as a table", name))
		}
	}

	for _, e := range entities {
		switch v := e.(type) {
		case Table:
			merr = multierror.Append(merr, validateTable(v, tables, references))
		case Index:
			if len(v.Columns) == 0 {
				merr = multierror.Append(merr, fmt.Errorf("index %q has no columns", v.Name))
			}
			t, ok := tables[v.Table]
			if !ok {
				if references {
					merr = multierror.Append(merr, fmt.Errorf("index %q: table %q does not exist", v.Name, v.Table))
				}
				continue
			}
			for _, c := range v.Columns {
				if !t.HasColumn(c) {
					merr = multierror.Append(merr, fmt.Errorf("index %q: column %q does not exist in table %q", v.Name, c, v.Table))
				}
			}
		case Trigger:
			if _, ok := tables[v.Table]; references && !ok && !views[v.Table] {
				merr = multierror.Append(merr, fmt.Errorf("trigger %q: table %q does not exist", v.Name, v.Table))
			}
			if v.SQL == "" {
				merr = multierror.Append(merr, fmt.Errorf("trigger %q has no statement", v.Name))
			}
		case View:
			if v.Query == "" {
				merr = multierror.Append(merr, fmt.Errorf("view %q has no query", v.Name))
			}
		}
	}
	return merr.ErrorOrNil()
}

func validateTable(t Table, tables map[string]Table, references bool) error {
	var merr *multierror.Error
	if len(t.Columns) == 0 {
		merr = multierror.Append(merr, fmt.Errorf("table %q has no columns", t.Name))
	}
	cols := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if c.Name == "" {
			merr = multierror.Append(merr, fmt.Errorf("table %q: column with empty name", t.Name))
			continue
		}
		if cols[c.Name] {
			merr = multierror.Append(merr, fmt.Errorf("table %q: duplicate column %q", t.Name, c.Name))
		}
		cols[c.Name] = true
		if _, err := ParseColumnType(string(c.Type)); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("table %q column %q: %w", t.Name, c.Name, err))
		}
	}
	for _, c := range t.PrimaryKey {
		if !cols[c] {
			merr = multierror.Append(merr, fmt.Errorf("table %q: primary key column %q does not exist", t.Name, c))
		}
	}
	for _, u := range t.Unique {
		for _, c := range u {
			if !cols[c] {
				merr = multierror.Append(merr, fmt.Errorf("table %q: unique column %q does not exist", t.Name, c))
			}
		}
	}
	if t.WithoutRowID && len(t.PrimaryKey) == 0 {
		merr = multierror.Append(merr, fmt.Errorf("table %q: WITHOUT ROWID requires a primary key", t.Name))
	}
	for _, fk := range t.ForeignKeys {
		for _, c := range fk.Columns {
			if !cols[c] {
				merr = multierror.Append(merr, fmt.Errorf("table %q: foreign key column %q does not exist", t.Name, c))
			}
		}
		if !references {
			continue
		}
		ref, ok := tables[fk.RefTable]
		if !ok {
			merr = multierror.Append(merr, fmt.Errorf("table %q: foreign key references missing table %q", t.Name, fk.RefTable))
			continue
		}
		if len(fk.RefColumns) != len(fk.Columns) {
			merr = multierror.Append(merr, fmt.Errorf("table %q: foreign key %v has %d referenced columns",
				t.Name, fk.Columns, len(fk.RefColumns)))
		}
		for _, c := range fk.RefColumns {
			if !ref.HasColumn(c) {
				merr = multierror.Append(merr, fmt.Errorf("table %q: foreign key references missing column %s.%s",
					t.Name, fk.RefTable, c))
			}
		}
	}
	return merr.ErrorOrNil()
}

// order sorts entities canonically. Tables come first, ordered so that
// referenced tables precede their referrers with ties broken by name.
func order(entities []Entity) []Entity {
	var tables []Table
	var rest []Entity
	for _, e := range entities {
		if t, ok := e.(Table); ok {
			tables = append(tables, t)
		} else {
			rest = append(rest, e)
		}
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })

	out := make([]Entity, 0, len(entities))
	placed := make(map[string]bool, len(tables))
	for len(placed) < len(tables) {
		progress := false
		for _, t := range tables {
			if placed[t.Name] || !dependenciesPlaced(t, placed) {
				continue
			}
			out = append(out, t)
			placed[t.Name] = true
			progress = true
			break
		}
		if !progress {
			// Reference cycle: place the remaining tables by name.
			for _, t := range tables {
				if !placed[t.Name] {
					out = append(out, t)
					placed[t.Name] = true
				}
			}
		}
	}

	rank := map[Kind]int{KindIndex: 0, KindView: 1, KindTrigger: 2}
	sort.SliceStable(rest, func(i, j int) bool {
		if rest[i].Kind() != rest[j].Kind() {
			return rank[rest[i].Kind()] < rank[rest[j].Kind()]
		}
		return rest[i].EntityName() < rest[j].EntityName()
	})
	return append(out, rest...)
}

func dependenciesPlaced(t Table, placed map[string]bool) bool {
	for _, fk := range t.ForeignKeys {
		if fk.RefTable != t.Name && !placed[fk.RefTable] {
			return false
		}
	}
	return true
}

// NormalizeDefault trims a default expression and strips redundant outer
// parentheses. SQL engines report "(0)" and "0" interchangeably.
func NormalizeDefault(expr *string) *string {
	if expr == nil {
		return nil
	}
	s := strings.TrimSpace(*expr)
	for len(s) >= 2 && s[0] == '(' && s[len(s)-1] == ')' && balanced(s[1:len(s)-1]) {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return &s
}

var whitespace = regexp.MustCompile(`\s+`)

// NormalizeSQL collapses whitespace and drops a trailing semicolon.
func NormalizeSQL(s string) string {
	s = strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
	return strings.TrimSpace(strings.TrimSuffix(s, ";"))
}

func balanced(s string) bool {
	depth := 0
	inQuote := false
	for _, r := range s {
		switch {
		case r == '\'':
			inQuote = !inQuote
		case inQuote:
		case r == '(':
			depth++
		case r == ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0 && !inQuote
}

func normalizeAction(a string) string {
	a = strings.ToUpper(strings.Join(strings.Fields(a), " "))
	if a == "NO ACTION" {
		return ""
	}
	return a
}

func dedupeUnique(in [][]string, pk []string) [][]string {
	seen := make(map[string]bool)
	var out [][]string
	for _, u := range in {
		k := strings.Join(u, "\x00")
		if len(u) == 0 || seen[k] || (len(pk) > 0 && k == strings.Join(pk, "\x00")) {
			continue
		}
		seen[k] = true
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Join(out[i], "\x00") < strings.Join(out[j], "\x00")
	})
	return out
}

func fkKey(fk ForeignKey) string {
	return strings.Join(fk.Columns, "\x00") + "\x01" + fk.RefTable + "\x01" + strings.Join(fk.RefColumns, "\x00")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// corrupt wraps err as a corrupt snapshot error.
func corrupt(err error) error {
	return fmt.Errorf("%w: %v", core.ErrCorruptSnapshot, err)
}
