// Package verifier checks a live database against the schema expected for
// its version.
//
// The expected schema is never written by hand: BuildReference creates the
// stored snapshot in a scratch database and introspects it, so both sides of
// a comparison are read back through the same catalog queries.
package verifier

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/rzpsarthak13/schemakeeper/internal/config"
	"github.com/rzpsarthak13/schemakeeper/internal/core"
	"github.com/rzpsarthak13/schemakeeper/internal/database"
	"github.com/rzpsarthak13/schemakeeper/internal/dialect"
	"github.com/rzpsarthak13/schemakeeper/internal/migrator"
	"github.com/rzpsarthak13/schemakeeper/internal/snapshot"
)

// IntrospectLive reads the live schema of exec into a snapshot tagged with
// the version recorded in the database.
func IntrospectLive(ctx context.Context, exec core.Executor) (*snapshot.Snapshot, error) {
	d, err := dialect.For(exec)
	if err != nil {
		return nil, err
	}
	version, err := d.ReadVersion(ctx, exec)
	if err != nil {
		return nil, err
	}
	return d.Introspect(ctx, exec, version)
}

// BuildReference creates the snapshot stored for version in a fresh
// database and introspects it. The scratch database is private to the call
// unless WithReferenceDatabase supplies one.
func BuildReference(ctx context.Context, version int, source snapshot.Source, opt ...Option) (_ *snapshot.Snapshot, retErr error) {
	opts := getOpts(opt...)

	snap, err := source.SnapshotAt(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for version %d: %w", version, err)
	}

	exec := opts.withReference
	if exec == nil {
		db, err := database.Open(ctx, config.DatabaseConfig{Type: "sqlite", Path: ":memory:"},
			database.WithLogger(opts.withLogger.Named("reference")))
		if err != nil {
			return nil, fmt.Errorf("failed to open reference database: %w", err)
		}
		defer func() {
			if err := db.Close(); err != nil {
				retErr = multierror.Append(retErr, fmt.Errorf("failed to close reference database: %w", err))
			}
		}()
		exec = db
	}

	m, err := migrator.New(exec, migrator.WithLogger(opts.withLogger.Named("reference")))
	if err != nil {
		return nil, err
	}
	if err := m.CreateAll(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to build reference schema for version %d: %w", version, err)
	}
	return m.Dialect().Introspect(ctx, exec, version)
}

// Validate compares the live schema of exec with the reference schema of
// version. The result is always returned; the error is a
// *SchemaMismatchError when the result has discrepancies.
func Validate(ctx context.Context, live core.Executor, source snapshot.Source, version int, opt ...Option) (*Result, error) {
	opts := getOpts(opt...)

	actual, err := IntrospectLive(ctx, live)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect live schema: %w", err)
	}
	expected, err := BuildReference(ctx, version, source, opt...)
	if err != nil {
		return nil, err
	}

	refDialect := "sqlite"
	if opts.withReference != nil {
		refDialect = opts.withReference.Dialect()
	}
	if refDialect != live.Dialect() {
		opt = append(opt[:len(opt):len(opt)], WithIgnoreDefinitions())
	}

	result := Compare(actual, expected, opt...)
	for _, n := range result.Notes {
		opts.withLogger.Debug("schema note", "note", n.String())
	}
	if !result.OK() {
		opts.withLogger.Warn("live schema does not match", "version", version, "discrepancies", len(result.Discrepancies))
		return result, &SchemaMismatchError{Result: result}
	}
	return result, nil
}
