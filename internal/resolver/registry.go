// Package resolver registers migration steps and plans the ordered path
// between a database's stored version and the application's target
// version.
package resolver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rzpsarthak13/schemakeeper/internal/core"
)

// PlanKind says how a database is brought to its target version.
type PlanKind int

const (
	// PlanNone means the database is already at the target version.
	PlanNone PlanKind = iota
	// PlanCreate means the database is fresh and every entity of the target
	// version is created directly, without running steps.
	PlanCreate
	// PlanUpgrade runs upgrade steps in ascending order.
	PlanUpgrade
	// PlanDowngrade runs downgrade steps in descending order.
	PlanDowngrade
)

func (k PlanKind) String() string {
	switch k {
	case PlanNone:
		return "none"
	case PlanCreate:
		return "create"
	case PlanUpgrade:
		return "upgrade"
	case PlanDowngrade:
		return "downgrade"
	default:
		return fmt.Sprintf("PlanKind(%d)", int(k))
	}
}

// Plan is the resolved path from one version to another.
type Plan struct {
	Kind  PlanKind
	From  int
	To    int
	Steps []Step
}

// Registry holds the registered steps. It is safe for concurrent use and
// immutable once frozen.
type Registry struct {
	mu     sync.RWMutex
	up     []Step
	down   []Step
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an upgrade step. Ranges of upgrade steps may not overlap.
func (r *Registry) Register(step Step) error {
	if step.From < 1 || step.To <= step.From {
		return fmt.Errorf("invalid upgrade step range [%d, %d)", step.From, step.To)
	}
	return r.add(&r.up, step)
}

// RegisterDowngrade adds a downgrade step taking the schema from From down
// to To. Ranges of downgrade steps may not overlap.
func (r *Registry) RegisterDowngrade(step Step) error {
	if step.To < 1 || step.From <= step.To {
		return fmt.Errorf("invalid downgrade step range %d -> %d", step.From, step.To)
	}
	return r.add(&r.down, step)
}

func (r *Registry) add(list *[]Step, step Step) error {
	if step.Up == nil {
		return fmt.Errorf("step %s has no body", step.Label())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("%w: cannot register step %s", core.ErrRegistryFrozen, step.Label())
	}
	for _, existing := range *list {
		if existing.overlaps(step) {
			return fmt.Errorf("%w: %s overlaps %s", core.ErrOverlappingSteps, step.Label(), existing.Label())
		}
	}
	*list = append(*list, step)
	sort.Slice(*list, func(i, j int) bool { return (*list)[i].lo() < (*list)[j].lo() })
	return nil
}

// Freeze prevents further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Steps returns the upgrade steps in ascending order.
func (r *Registry) Steps() []Step {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Step(nil), r.up...)
}

// DowngradeSteps returns the downgrade steps in ascending order of range.
func (r *Registry) DowngradeSteps() []Step {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Step(nil), r.down...)
}

// Plan resolves the path from current to target.
//
// An upgrade runs every step whose range intersects [current, target), in
// ascending order of From. The steps must chain exactly: a step starting
// below current (the database stopped inside its range) or ending past
// target cannot run in part, and Plan fails with a *StepCoverageGapError
// for it just as it does for a version no step covers.
func (r *Registry) Plan(current, target int) (*Plan, error) {
	if target < 1 {
		return nil, fmt.Errorf("target schema version must be positive, got %d", target)
	}
	if current < 0 {
		return nil, fmt.Errorf("current schema version cannot be negative, got %d", current)
	}

	plan := &Plan{From: current, To: target}
	switch {
	case current == target:
		plan.Kind = PlanNone
	case current == 0:
		plan.Kind = PlanCreate
	case current < target:
		steps, err := r.upgradePath(current, target)
		if err != nil {
			return nil, err
		}
		plan.Kind = PlanUpgrade
		plan.Steps = steps
	default:
		steps, err := r.downgradePath(current, target)
		if err != nil {
			return nil, err
		}
		plan.Kind = PlanDowngrade
		plan.Steps = steps
	}
	return plan, nil
}

// upgradePath returns every step intersecting [current, target) in
// ascending order and checks that they chain exactly from current to
// target.
func (r *Registry) upgradePath(current, target int) ([]Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var steps []Step
	cursor := current
	for _, s := range r.up {
		if s.To <= current || s.From >= target {
			continue
		}
		switch {
		case s.From > cursor:
			return nil, &StepCoverageGapError{From: current, To: target,
				Reason: fmt.Sprintf("no step covers [%d, %d)", cursor, s.From)}
		case s.From < cursor:
			return nil, &StepCoverageGapError{From: current, To: target,
				Reason: fmt.Sprintf("version %d lies inside step %s", cursor, s.Label())}
		}
		steps = append(steps, s)
		cursor = s.To
	}

	switch {
	case cursor < target:
		return nil, &StepCoverageGapError{From: current, To: target,
			Reason: fmt.Sprintf("no step covers [%d, %d)", cursor, target)}
	case cursor > target:
		return nil, &StepCoverageGapError{From: current, To: target,
			Reason: fmt.Sprintf("step %s overshoots the target", steps[len(steps)-1].Label())}
	}
	return steps, nil
}

// downgradePath chains downgrade steps from current down to target.
func (r *Registry) downgradePath(current, target int) ([]Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.down) == 0 {
		return nil, &UnsupportedDowngradeError{From: current, To: target}
	}

	byFrom := make(map[int]Step, len(r.down))
	for _, s := range r.down {
		byFrom[s.From] = s
	}

	var steps []Step
	for cursor := current; cursor > target; {
		s, ok := byFrom[cursor]
		if !ok {
			return nil, &StepCoverageGapError{From: current, To: target,
				Reason: fmt.Sprintf("no downgrade step starts at version %d", cursor)}
		}
		if s.To < target {
			return nil, &StepCoverageGapError{From: current, To: target,
				Reason: fmt.Sprintf("downgrade step %s overshoots the target", s.Label())}
		}
		steps = append(steps, s)
		cursor = s.To
	}
	return steps, nil
}
