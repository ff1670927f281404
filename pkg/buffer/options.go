package buffer

import (
	"github.com/c360/reactor/metric"
)

// Option configures a ring.
type Option[T any] func(*ringOptions[T])

type ringOptions[T any] struct {
	policy   OverflowPolicy
	onDrop   DropCallback[T]
	registry *metric.MetricsRegistry
	name     string
}

// WithOverflowPolicy sets the overflow behavior. The default is DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(o *ringOptions[T]) {
		o.policy = policy
	}
}

// WithMetrics exports the ring counters under the given component name.
// A nil registry or empty name leaves metrics disabled.
func WithMetrics[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(o *ringOptions[T]) {
		if registry != nil && name != "" {
			o.registry = registry
			o.name = name
		}
	}
}

// WithDropCallback installs a callback for dropped items. It runs after the
// ring lock is released.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(o *ringOptions[T]) {
		o.onDrop = callback
	}
}

func applyOptions[T any](options ...Option[T]) *ringOptions[T] {
	opts := &ringOptions[T]{policy: DropOldest}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
