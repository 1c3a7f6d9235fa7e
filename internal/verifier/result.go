package verifier

import (
	"fmt"
	"strings"

	"github.com/rzpsarthak13/schemakeeper/internal/core"
	"github.com/rzpsarthak13/schemakeeper/internal/snapshot"
)

// MismatchKind classifies a discrepancy.
type MismatchKind string

const (
	KindMissing            MismatchKind = "missing"
	KindExtra              MismatchKind = "extra"
	KindTypeDiffers        MismatchKind = "type_differs"
	KindNullabilityDiffers MismatchKind = "nullability_differs"
	KindConstraintDiffers  MismatchKind = "constraint_differs"
	KindDefaultDiffers     MismatchKind = "default_differs"
	KindDefinitionDiffers  MismatchKind = "definition_differs"
	KindOrderDiffers       MismatchKind = "order_differs"
)

// Discrepancy is one difference between the live and the expected schema.
type Discrepancy struct {
	// Namespace is the kind of the entity concerned.
	Namespace snapshot.Kind
	Entity    string

	// Column is set for column level discrepancies.
	Column string

	// Field names the compared attribute, e.g. "nullable" or "primary_key".
	Field string

	Kind     MismatchKind
	Expected string
	Actual   string
}

func (d Discrepancy) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s", d.Namespace, d.Entity)
	if d.Column != "" {
		fmt.Fprintf(&sb, " column %s", d.Column)
	}
	switch d.Kind {
	case KindMissing:
		sb.WriteString(": missing")
	case KindExtra:
		sb.WriteString(": unexpected")
	default:
		fmt.Fprintf(&sb, ": %s differs (expected %s, actual %s)", d.Field, orNone(d.Expected), orNone(d.Actual))
	}
	return sb.String()
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}

// Result is the outcome of one comparison. It is owned by the caller.
type Result struct {
	ExpectedVersion int
	ActualVersion   int

	// Discrepancies make the live schema differ from the expected one.
	Discrepancies []Discrepancy

	// Notes are informational differences, such as column order when
	// strict ordering is off.
	Notes []Discrepancy
}

// OK reports whether no discrepancies were found.
func (r *Result) OK() bool {
	return len(r.Discrepancies) == 0
}

// String renders the discrepancies one per line.
func (r *Result) String() string {
	if r.OK() {
		return "schema matches"
	}
	lines := make([]string, len(r.Discrepancies))
	for i, d := range r.Discrepancies {
		lines[i] = "  - " + d.String()
	}
	return strings.Join(lines, "\n")
}

// SchemaMismatchError carries a result with at least one discrepancy.
type SchemaMismatchError struct {
	Result *Result
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("live schema does not match version %d (%d discrepancies):\n%s",
		e.Result.ExpectedVersion, len(e.Result.Discrepancies), e.Result.String())
}

// Is matches core.ErrSchemaMismatch.
func (e *SchemaMismatchError) Is(target error) bool {
	return target == core.ErrSchemaMismatch
}
