package core

import "errors"

// Sentinel errors for the schema manager. Typed errors in other packages
// match these through errors.Is.
var (
	// ErrDuplicateVersion is returned when a different snapshot is already
	// stored for a version.
	ErrDuplicateVersion = errors.New("duplicate schema version")

	// ErrNotFound is returned when no snapshot is stored for a version.
	ErrNotFound = errors.New("schema snapshot not found")

	// ErrCorruptSnapshot is returned when a stored snapshot cannot be decoded
	// or fails structural validation.
	ErrCorruptSnapshot = errors.New("corrupt schema snapshot")

	// ErrMigrationFailed is returned when a migration operation fails.
	ErrMigrationFailed = errors.New("migration failed")

	// ErrUnsupportedDowngrade is returned when the database is newer than the
	// application and no downgrade steps are registered.
	ErrUnsupportedDowngrade = errors.New("unsupported downgrade")

	// ErrSchemaMismatch is returned when a live schema differs from the
	// expected snapshot.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrStepCoverageGap is returned when registered steps do not cover a
	// requested version range.
	ErrStepCoverageGap = errors.New("migration steps do not cover version range")

	// ErrOverlappingSteps is returned when a step is registered over a range
	// already claimed by another step.
	ErrOverlappingSteps = errors.New("overlapping migration steps")

	// ErrRegistryFrozen is returned when steps are registered after the
	// registry was handed to the migration engine.
	ErrRegistryFrozen = errors.New("step registry is frozen")

	// ErrKeyNotFound is returned by snapshot backends for missing keys.
	ErrKeyNotFound = errors.New("key not found")

	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")
)
