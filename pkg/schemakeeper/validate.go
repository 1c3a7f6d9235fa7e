package schemakeeper

import (
	"context"

	"github.com/rzpsarthak13/schemakeeper/internal/verifier"
)

type (
	// ValidationResult is the outcome of a schema validation.
	ValidationResult = verifier.Result

	// Discrepancy is one difference between the live and expected schema.
	Discrepancy = verifier.Discrepancy

	// ValidateOption configures ValidateDatabaseSchema.
	ValidateOption = verifier.Option
)

var (
	// WithStrictColumnOrder makes column order differences discrepancies.
	WithStrictColumnOrder = verifier.WithStrictOrder

	// WithReferenceDatabase builds the expected schema in the given empty
	// database instead of a private in-memory SQLite one.
	WithReferenceDatabase = verifier.WithReferenceDatabase

	// WithValidationLogger sets the logger used during validation.
	WithValidationLogger = verifier.WithLogger
)

// ValidateDatabaseSchema checks that the live schema of exec is the schema
// recorded for version in source. Use it in migration tests after running
// the steps against a database created at an older version.
//
// The result lists every discrepancy. When there is at least one, the
// error is a *SchemaMismatchError carrying the same result.
func ValidateDatabaseSchema(ctx context.Context, exec Executor, source SnapshotSource, version int, opt ...ValidateOption) (*ValidationResult, error) {
	return verifier.Validate(ctx, exec, source, version, opt...)
}
