package registry

import (
	"github.com/vinayprograms/regsync/backup"
	"github.com/vinayprograms/regsync/logging"
	"github.com/vinayprograms/regsync/telemetry"
)

// Option customises a Registry.
type Option func(*Registry)

// WithLogger sets the logger. Registry lines carry the "registry" component.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithBackupStore enables backup of full snapshots and restore of the
// bootstrap view.
func WithBackupStore(s backup.Store) Option {
	return func(r *Registry) {
		r.store = s
	}
}

// WithMetrics records engine metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithTracer sets the tracer used for backend call spans. Default: the
// global tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(r *Registry) {
		if t != nil {
			r.tracer = t
		}
	}
}
