package verifier

import (
	"sort"
	"strconv"
	"strings"

	"github.com/rzpsarthak13/schemakeeper/internal/snapshot"
)

var namespaces = []snapshot.Kind{snapshot.KindTable, snapshot.KindIndex, snapshot.KindView, snapshot.KindTrigger}

// Compare reports every structural difference between actual and
// expected. It never fails; an empty result means the schemas match.
func Compare(actual, expected *snapshot.Snapshot, opt ...Option) *Result {
	opts := getOpts(opt...)
	c := &comparison{
		result: &Result{ExpectedVersion: expected.Version(), ActualVersion: actual.Version()},
		opts:   opts,
	}

	for _, ns := range namespaces {
		got, want := byName(actual, ns), byName(expected, ns)
		for _, name := range sortedNames(want) {
			a, ok := got[name]
			if !ok {
				c.add(Discrepancy{Namespace: ns, Entity: name, Kind: KindMissing, Expected: "present"})
				continue
			}
			c.entity(a, want[name])
		}
		for _, name := range sortedNames(got) {
			if _, ok := want[name]; !ok {
				c.add(Discrepancy{Namespace: ns, Entity: name, Kind: KindExtra, Actual: "present"})
			}
		}
	}
	return c.result
}

type comparison struct {
	result *Result
	opts   options
}

func (c *comparison) add(d Discrepancy) {
	c.result.Discrepancies = append(c.result.Discrepancies, d)
}

func (c *comparison) note(d Discrepancy) {
	if c.opts.withStrictOrder {
		c.add(d)
		return
	}
	c.result.Notes = append(c.result.Notes, d)
}

func (c *comparison) entity(actual, expected snapshot.Entity) {
	switch want := expected.(type) {
	case snapshot.Table:
		c.table(actual.(snapshot.Table), want)
	case snapshot.Index:
		c.index(actual.(snapshot.Index), want)
	case snapshot.View:
		c.view(actual.(snapshot.View), want)
	case snapshot.Trigger:
		c.trigger(actual.(snapshot.Trigger), want)
	}
}

func (c *comparison) table(actual, expected snapshot.Table) {
	diff := func(field string, kind MismatchKind, want, got string) {
		if want != got {
			c.add(Discrepancy{Namespace: snapshot.KindTable, Entity: expected.Name, Field: field, Kind: kind, Expected: want, Actual: got})
		}
	}

	wantCols := columnsByName(expected)
	gotCols := columnsByName(actual)
	for _, name := range sortedKeys(wantCols) {
		want := wantCols[name]
		got, ok := gotCols[name]
		if !ok {
			c.add(Discrepancy{Namespace: snapshot.KindTable, Entity: expected.Name, Column: name, Kind: KindMissing, Expected: "present"})
			continue
		}
		c.column(expected.Name, got, want)
	}
	for _, name := range sortedKeys(gotCols) {
		if _, ok := wantCols[name]; !ok {
			c.add(Discrepancy{Namespace: snapshot.KindTable, Entity: expected.Name, Column: name, Kind: KindExtra, Actual: "present"})
		}
	}

	wantOrder, gotOrder := sharedOrder(expected, gotCols), sharedOrder(actual, wantCols)
	if strings.Join(wantOrder, ",") != strings.Join(gotOrder, ",") {
		c.note(Discrepancy{Namespace: snapshot.KindTable, Entity: expected.Name, Field: "column_order",
			Kind: KindOrderDiffers, Expected: strings.Join(wantOrder, ", "), Actual: strings.Join(gotOrder, ", ")})
	}

	diff("primary_key", KindConstraintDiffers, strings.Join(expected.PrimaryKey, ", "), strings.Join(actual.PrimaryKey, ", "))
	diff("without_rowid", KindConstraintDiffers, strconv.FormatBool(expected.WithoutRowID), strconv.FormatBool(actual.WithoutRowID))
	c.constraintSet(expected.Name, "unique", uniqueKeys(expected), uniqueKeys(actual))
	c.constraintSet(expected.Name, "foreign_key", foreignKeys(expected), foreignKeys(actual))
}

func (c *comparison) column(table string, actual, expected snapshot.Column) {
	diff := func(field string, kind MismatchKind, want, got string) {
		if want != got {
			c.add(Discrepancy{Namespace: snapshot.KindTable, Entity: table, Column: expected.Name, Field: field, Kind: kind, Expected: want, Actual: got})
		}
	}
	diff("type", KindTypeDiffers, string(expected.Type), string(actual.Type))
	diff("nullable", KindNullabilityDiffers, nullability(expected.Nullable), nullability(actual.Nullable))
	diff("default", KindDefaultDiffers, defaultValue(expected.Default), defaultValue(actual.Default))
}

// constraintSet compares two unordered sets of rendered constraints.
func (c *comparison) constraintSet(table, field string, want, got []string) {
	inGot := make(map[string]bool, len(got))
	for _, g := range got {
		inGot[g] = true
	}
	inWant := make(map[string]bool, len(want))
	for _, w := range want {
		inWant[w] = true
		if !inGot[w] {
			c.add(Discrepancy{Namespace: snapshot.KindTable, Entity: table, Field: field, Kind: KindConstraintDiffers, Expected: w})
		}
	}
	for _, g := range got {
		if !inWant[g] {
			c.add(Discrepancy{Namespace: snapshot.KindTable, Entity: table, Field: field, Kind: KindConstraintDiffers, Actual: g})
		}
	}
}

func (c *comparison) index(actual, expected snapshot.Index) {
	diff := func(field string, kind MismatchKind, want, got string) {
		if want != got {
			c.add(Discrepancy{Namespace: snapshot.KindIndex, Entity: expected.Name, Field: field, Kind: kind, Expected: want, Actual: got})
		}
	}
	diff("table", KindDefinitionDiffers, expected.Table, actual.Table)
	diff("columns", KindDefinitionDiffers, strings.Join(expected.Columns, ", "), strings.Join(actual.Columns, ", "))
	diff("unique", KindConstraintDiffers, strconv.FormatBool(expected.Unique), strconv.FormatBool(actual.Unique))
}

func (c *comparison) view(actual, expected snapshot.View) {
	if c.opts.withIgnoreDefinitions {
		return
	}
	if want, got := snapshot.NormalizeSQL(expected.Query), snapshot.NormalizeSQL(actual.Query); want != got {
		c.add(Discrepancy{Namespace: snapshot.KindView, Entity: expected.Name, Field: "query", Kind: KindDefinitionDiffers, Expected: want, Actual: got})
	}
}

func (c *comparison) trigger(actual, expected snapshot.Trigger) {
	if expected.Table != actual.Table {
		c.add(Discrepancy{Namespace: snapshot.KindTrigger, Entity: expected.Name, Field: "table", Kind: KindDefinitionDiffers, Expected: expected.Table, Actual: actual.Table})
	}
	if c.opts.withIgnoreDefinitions {
		return
	}
	if want, got := snapshot.NormalizeSQL(expected.SQL), snapshot.NormalizeSQL(actual.SQL); want != got {
		c.add(Discrepancy{Namespace: snapshot.KindTrigger, Entity: expected.Name, Field: "sql", Kind: KindDefinitionDiffers, Expected: want, Actual: got})
	}
}

func byName(s *snapshot.Snapshot, kind snapshot.Kind) map[string]snapshot.Entity {
	out := make(map[string]snapshot.Entity)
	for _, e := range s.Entities() {
		if e.Kind() == kind {
			out[e.EntityName()] = e
		}
	}
	return out
}

func sortedNames(m map[string]snapshot.Entity) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func columnsByName(t snapshot.Table) map[string]snapshot.Column {
	out := make(map[string]snapshot.Column, len(t.Columns))
	for _, c := range t.Columns {
		out[c.Name] = c
	}
	return out
}

func sortedKeys(m map[string]snapshot.Column) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sharedOrder lists the columns of t that also appear in other, in t's
// declaration order, so that missing and extra columns do not also show up
// as order differences.
func sharedOrder(t snapshot.Table, other map[string]snapshot.Column) []string {
	var names []string
	for _, c := range t.Columns {
		if _, ok := other[c.Name]; ok {
			names = append(names, c.Name)
		}
	}
	return names
}

func nullability(nullable bool) string {
	if nullable {
		return "NULL"
	}
	return "NOT NULL"
}

func defaultValue(expr *string) string {
	if n := snapshot.NormalizeDefault(expr); n != nil {
		return *n
	}
	return ""
}

func uniqueKeys(t snapshot.Table) []string {
	out := make([]string, len(t.Unique))
	for i, u := range t.Unique {
		out[i] = "UNIQUE (" + strings.Join(u, ", ") + ")"
	}
	return out
}

func foreignKeys(t snapshot.Table) []string {
	out := make([]string, len(t.ForeignKeys))
	for i, fk := range t.ForeignKeys {
		s := "(" + strings.Join(fk.Columns, ", ") + ") REFERENCES " + fk.RefTable
		if len(fk.RefColumns) > 0 {
			s += " (" + strings.Join(fk.RefColumns, ", ") + ")"
		}
		if fk.OnDelete != "" {
			s += " ON DELETE " + fk.OnDelete
		}
		if fk.OnUpdate != "" {
			s += " ON UPDATE " + fk.OnUpdate
		}
		out[i] = s
	}
	return out
}
