package resolver

import (
	"context"
	"fmt"

	"github.com/rzpsarthak13/schemakeeper/internal/migrator"
	"github.com/rzpsarthak13/schemakeeper/internal/snapshot"
)

// Step migrates the schema across the half-open range [From, To). A
// downgrade step has From greater than To.
type Step struct {
	From int
	To   int

	// Name labels the step in logs and events. Defaults to "v<From>_to_v<To>".
	Name string

	// Up performs the migration.
	Up func(ctx context.Context, sc *StepContext) error
}

// Label returns Name, or a label derived from the range.
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("v%d_to_v%d", s.From, s.To)
}

func (s Step) lo() int {
	if s.From < s.To {
		return s.From
	}
	return s.To
}

func (s Step) hi() int {
	if s.From < s.To {
		return s.To
	}
	return s.From
}

func (s Step) overlaps(o Step) bool {
	return s.lo() < o.hi() && o.lo() < s.hi()
}

// StepContext is handed to a step body. From and To are the stored
// snapshots of the step's own boundary versions, nil when a version has no
// stored snapshot. Steps must read historical definitions from them and
// never from the application's current definitions.
type StepContext struct {
	Migrator *migrator.Migrator
	From     *snapshot.Snapshot
	To       *snapshot.Snapshot

	fromVersion int
	toVersion   int
}

// NewStepContext creates the context for running step with m.
func NewStepContext(step Step, m *migrator.Migrator, from, to *snapshot.Snapshot) *StepContext {
	return &StepContext{
		Migrator:    m,
		From:        from,
		To:          to,
		fromVersion: step.From,
		toVersion:   step.To,
	}
}

// Table returns a table as defined at the step's target version.
func (sc *StepContext) Table(name string) (snapshot.Table, error) {
	return lookupTable(sc.To, sc.toVersion, name)
}

// PreviousTable returns a table as defined at the step's starting version.
func (sc *StepContext) PreviousTable(name string) (snapshot.Table, error) {
	return lookupTable(sc.From, sc.fromVersion, name)
}

// Index returns an index as defined at the step's target version.
func (sc *StepContext) Index(name string) (snapshot.Index, error) {
	return lookupIndex(sc.To, sc.toVersion, name)
}

// PreviousIndex returns an index as defined at the step's starting version.
func (sc *StepContext) PreviousIndex(name string) (snapshot.Index, error) {
	return lookupIndex(sc.From, sc.fromVersion, name)
}

func lookupIndex(s *snapshot.Snapshot, version int, name string) (snapshot.Index, error) {
	if s == nil {
		return snapshot.Index{}, fmt.Errorf("no snapshot stored for version %d", version)
	}
	for _, i := range s.Indexes() {
		if i.Name == name {
			return i, nil
		}
	}
	return snapshot.Index{}, fmt.Errorf("index %s does not exist at version %d", name, version)
}

func lookupTable(s *snapshot.Snapshot, version int, name string) (snapshot.Table, error) {
	if s == nil {
		return snapshot.Table{}, fmt.Errorf("no snapshot stored for version %d", version)
	}
	t, ok := s.Table(name)
	if !ok {
		return snapshot.Table{}, fmt.Errorf("table %s does not exist at version %d", name, version)
	}
	return t, nil
}
