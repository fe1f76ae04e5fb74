package insitu

import "reflect"

// Option configures dataset binding.
type Option func(*bindOptions)

type bindOptions struct {
	field    string
	shape    []uint64
	goType   reflect.Type
	registry *Registry
}

func defaultBindOptions() *bindOptions {
	return &bindOptions{
		registry: defaultRegistry,
	}
}

// WithField selects one member of a compound (structured) dataset. The
// materialized value is a slice of that member's type.
func WithField(name string) Option {
	return func(o *bindOptions) {
		o.field = name
	}
}

// WithShape supplies the dataset shape up front. When combined with
// WithGoType the bind skips the eager metadata read entirely, so binding
// against a file that does not exist yet succeeds and any error is deferred
// to materialization.
func WithShape(dims ...uint64) Option {
	return func(o *bindOptions) {
		o.shape = dims
	}
}

// WithGoType supplies the element type up front. See WithShape.
func WithGoType(t reflect.Type) Option {
	return func(o *bindOptions) {
		o.goType = t
	}
}

// WithRegistry directs files opened by materializations of the bound array
// to reg instead of the default registry.
func WithRegistry(reg *Registry) Option {
	return func(o *bindOptions) {
		if reg != nil {
			o.registry = reg
		}
	}
}
