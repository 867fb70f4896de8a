// Package arc provides an atomically reference counted handle with a
// strong/weak split. Strong references keep the value alive; when the last
// one is released the value's drop function runs. Weak references only keep
// the control block around and must be upgraded before the value can be
// used.
package arc

import "sync/atomic"

type control[T any] struct {
	strong atomic.Int64

	// weak counts the weak handles plus one on behalf of all strong
	// handles.
	weak atomic.Int64

	value T
	drop  func(T)
}

// Arc is a strong reference. The zero value holds nothing.
type Arc[T any] struct {
	c *control[T]
}

// Weak is a non-owning reference.
type Weak[T any] struct {
	c *control[T]
}

// New wraps value in a control block holding a single strong reference.
// drop, if not nil, is invoked once when the last strong reference is
// released.
func New[T any](value T, drop func(T)) Arc[T] {
	c := &control[T]{value: value, drop: drop}
	c.strong.Store(1)
	c.weak.Store(1)
	return Arc[T]{c: c}
}

// Valid returns false for the zero Arc or one that has been released.
func (a Arc[T]) Valid() bool {
	return a.c != nil
}

// Get returns the referenced value.
func (a Arc[T]) Get() T {
	return a.c.value
}

// Clone returns a new strong reference to the same value.
func (a Arc[T]) Clone() Arc[T] {
	a.c.strong.Add(1)
	return Arc[T]{c: a.c}
}

// Same returns true if both handles refer to the same control block.
func (a Arc[T]) Same(other Arc[T]) bool {
	return a.c == other.c
}

// StrongCount returns the number of strong references.
func (a Arc[T]) StrongCount() int64 {
	return a.c.strong.Load()
}

// WeakCount returns the number of weak references.
func (a Arc[T]) WeakCount() int64 {
	return a.c.weak.Load() - 1
}

// Downgrade returns a weak reference to the value.
func (a Arc[T]) Downgrade() Weak[T] {
	a.c.weak.Add(1)
	return Weak[T]{c: a.c}
}

// Release drops the reference and resets the handle. It returns true if
// this was the last strong reference and the value was dropped.
func (a *Arc[T]) Release() bool {
	c := a.c
	if c == nil {
		return false
	}
	a.c = nil

	if c.strong.Add(-1) != 0 {
		return false
	}

	if c.drop != nil {
		c.drop(c.value)
	}
	c.releaseWeak()
	return true
}

func (c *control[T]) releaseWeak() {
	if c.weak.Add(-1) == 0 {
		var zero T
		c.value = zero
	}
}

// Valid returns false for the zero Weak or one that has been released.
func (w Weak[T]) Valid() bool {
	return w.c != nil
}

// Clone returns another weak reference to the same value.
func (w Weak[T]) Clone() Weak[T] {
	if w.c == nil {
		return Weak[T]{}
	}
	w.c.weak.Add(1)
	return Weak[T]{c: w.c}
}

// Upgrade returns a strong reference if the value is still alive.
func (w Weak[T]) Upgrade() (Arc[T], bool) {
	if w.c == nil {
		return Arc[T]{}, false
	}

	for {
		n := w.c.strong.Load()
		if n == 0 {
			return Arc[T]{}, false
		}
		if w.c.strong.CompareAndSwap(n, n+1) {
			return Arc[T]{c: w.c}, true
		}
	}
}

// Release drops the weak reference and resets the handle.
func (w *Weak[T]) Release() {
	if w.c == nil {
		return
	}
	c := w.c
	w.c = nil
	c.releaseWeak()
}
