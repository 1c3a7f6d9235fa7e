package store

import (
	"github.com/hashicorp/go-hclog"
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
	withKeyPrefix  string
	withLogger     hclog.Logger
	withOwnedCache bool
}

func getDefaultOptions() options {
	return options{
		withKeyPrefix: DefaultKeyPrefix,
		withLogger:    hclog.NewNullLogger(),
	}
}

// WithKeyPrefix sets the prefix that precedes the version in keys.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.withKeyPrefix = prefix
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

// withOwnedCache makes a cached backend close its cache client on Close.
func withOwnedCache() Option {
	return func(o *options) {
		o.withOwnedCache = true
	}
}
