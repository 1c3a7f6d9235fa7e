package verifier

import (
	"github.com/hashicorp/go-hclog"

	"github.com/rzpsarthak13/schemakeeper/internal/core"
)

// getOpts - iterate the inbound Options and return a struct.
func getOpts(opt ...Option) options {
	opts := getDefaultOptions()
	for _, o := range opt {
		o(&opts)
	}
	return opts
}

// Option - how Options are passed as arguments.
type Option func(*options)

type options struct {
	withStrictOrder       bool
	withIgnoreDefinitions bool
	withReference         core.Executor
	withLogger            hclog.Logger
}

func getDefaultOptions() options {
	return options{
		withLogger: hclog.NewNullLogger(),
	}
}

// WithStrictOrder makes column order differences discrepancies instead of
// notes.
func WithStrictOrder(strict bool) Option {
	return func(o *options) {
		o.withStrictOrder = strict
	}
}

// WithIgnoreDefinitions compares views and triggers by presence and owning
// table only. Used when the two schemas come from different engines, which
// render definitions differently.
func WithIgnoreDefinitions() Option {
	return func(o *options) {
		o.withIgnoreDefinitions = true
	}
}

// WithReferenceDatabase builds the reference schema in exec, which must be
// empty, instead of a private in-memory SQLite database.
func WithReferenceDatabase(exec core.Executor) Option {
	return func(o *options) {
		o.withReference = exec
	}
}

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.withLogger = l
		}
	}
}
