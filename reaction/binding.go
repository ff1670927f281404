package reaction

import (
	"fmt"

	"github.com/c360/reactor/errors"
)

// Kind names one kind of data a generator may need at task creation time,
// for example the payload of a network frame or its source.
type Kind string

// Binding carries the data available while tasks are being created. It is
// passed explicitly to every generator and never outlives the creation pass
// that built it.
type Binding struct {
	values map[Kind]any
}

// NewBinding returns an empty binding.
func NewBinding() *Binding {
	return &Binding{values: make(map[Kind]any)}
}

// With stores v under kind and returns b for chaining.
func (b *Binding) With(kind Kind, v any) *Binding {
	b.values[kind] = v
	return b
}

// Lookup returns the value stored under kind. A nil binding holds nothing.
func (b *Binding) Lookup(kind Kind) (any, bool) {
	if b == nil {
		return nil, false
	}
	v, ok := b.values[kind]
	return v, ok
}

// Require resolves kind to a T, failing with ErrNoBinding when the kind is
// absent or holds another type.
func Require[T any](b *Binding, kind Kind) (T, error) {
	var zero T
	v, ok := b.Lookup(kind)
	if !ok {
		return zero, fmt.Errorf("%w: %s unavailable", errors.ErrNoBinding, kind)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s holds %T", errors.ErrNoBinding, kind, v)
	}
	return typed, nil
}
