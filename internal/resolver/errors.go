package resolver

import (
	"fmt"

	"github.com/rzpsarthak13/schemakeeper/internal/core"
)

// UnsupportedDowngradeError is returned when the database is newer than
// the target version and no downgrade path is registered.
type UnsupportedDowngradeError struct {
	From int
	To   int
}

func (e *UnsupportedDowngradeError) Error() string {
	return fmt.Sprintf("database is at schema version %d, downgrading to %d is not supported", e.From, e.To)
}

// Is matches core.ErrUnsupportedDowngrade.
func (e *UnsupportedDowngradeError) Is(target error) bool {
	return target == core.ErrUnsupportedDowngrade
}

// StepCoverageGapError is returned when the registered steps do not cover
// the requested range exactly.
type StepCoverageGapError struct {
	From   int
	To     int
	Reason string
}

func (e *StepCoverageGapError) Error() string {
	return fmt.Sprintf("no migration path from version %d to %d: %s", e.From, e.To, e.Reason)
}

// Is matches core.ErrStepCoverageGap.
func (e *StepCoverageGapError) Is(target error) bool {
	return target == core.ErrStepCoverageGap
}
