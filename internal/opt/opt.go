// Package opt holds Value, an explicit presence wrapper for collaborators
// that may be missing at runtime (a Docker daemon that did not answer its
// ping, a registry path that was never configured). Consumers must branch on
// Get's second return instead of comparing an interface against nil.
package opt

// Value is either Some(v) or None.
type Value[T any] struct {
	v  T
	ok bool
}

// Some wraps a present value.
func Some[T any](v T) Value[T] {
	return Value[T]{v: v, ok: true}
}

// None returns an absent value.
func None[T any]() Value[T] {
	return Value[T]{}
}

// Get returns the wrapped value and whether it is present.
func (o Value[T]) Get() (T, bool) {
	return o.v, o.ok
}

// Present reports whether a value is wrapped.
func (o Value[T]) Present() bool {
	return o.ok
}
