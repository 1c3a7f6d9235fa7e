package schemakeeper

import (
	"github.com/rzpsarthak13/schemakeeper/internal/core"
	"github.com/rzpsarthak13/schemakeeper/internal/migrator"
	"github.com/rzpsarthak13/schemakeeper/internal/resolver"
	"github.com/rzpsarthak13/schemakeeper/internal/store"
	"github.com/rzpsarthak13/schemakeeper/internal/verifier"
)

// Errors returned by the schema manager. Match them with errors.Is; the
// typed errors below carry the details.
var (
	ErrDuplicateVersion     = core.ErrDuplicateVersion
	ErrNotFound             = core.ErrNotFound
	ErrCorruptSnapshot      = core.ErrCorruptSnapshot
	ErrMigrationFailed      = core.ErrMigrationFailed
	ErrUnsupportedDowngrade = core.ErrUnsupportedDowngrade
	ErrSchemaMismatch       = core.ErrSchemaMismatch
	ErrStepCoverageGap      = core.ErrStepCoverageGap
	ErrOverlappingSteps     = core.ErrOverlappingSteps
	ErrRegistryFrozen       = core.ErrRegistryFrozen
	ErrClosed               = core.ErrClosed
)

type (
	// DuplicateVersionError is returned by Save when a different snapshot
	// is stored for the version.
	DuplicateVersionError = store.DuplicateVersionError

	// NotFoundError is returned by Load for versions without a snapshot.
	NotFoundError = store.NotFoundError

	// CorruptSnapshotError is returned by Load for undecodable or invalid
	// snapshots.
	CorruptSnapshotError = store.CorruptSnapshotError

	// MigrationFailedError names the operation a migration failed at.
	MigrationFailedError = migrator.MigrationFailedError

	// UnsupportedDowngradeError is returned when the database is newer
	// than the application and no downgrade path exists.
	UnsupportedDowngradeError = resolver.UnsupportedDowngradeError

	// StepCoverageGapError is returned when registered steps do not cover
	// the version range.
	StepCoverageGapError = resolver.StepCoverageGapError

	// SchemaMismatchError carries the verification result.
	SchemaMismatchError = verifier.SchemaMismatchError
)
