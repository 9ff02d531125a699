package bringup

import (
	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/mt7902-bringup/pkg/config"
)

type options struct {
	cfg    *config.Config
	logger log.FieldLogger
}

// Option configures Acquire and Attach.
type Option func(*options)

// WithConfig replaces the default register layout and timing.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.cfg = cfg
		}
	}
}

// WithLogger sets the logger diagnostics are written to. Entries get a
// "device" field added.
func WithLogger(logger log.FieldLogger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		cfg:    config.Default(),
		logger: log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
