package cycleptr

import "github.com/katalvlaran/cycle/internal/cyclecore"

// Weak is a non-owning reference to a T managed by the cycle collector: it
// keeps the control block's header alive (control_refs) without keeping the
// managed object itself reachable, so it never blocks collection of a cycle
// the object is part of.
type Weak[T any] struct {
	cb *cyclecore.ControlBlock
}

// Lock attempts to promote the weak reference to a Strong one. It fails
// once the control block has been blackened.
func (w Weak[T]) Lock() (Strong[T], bool) {
	if w.cb == nil {
		return Strong[T]{}, false
	}
	if !w.cb.WeakAcquire() {
		return Strong[T]{}, false
	}
	return Strong[T]{cb: w.cb}, true
}

// Close releases the control-refcount this Weak holds. Unlike Strong.Close,
// this never triggers a GC request: a released control-refcount only
// affects header lifetime bookkeeping, not reachability.
func (w Weak[T]) Close() {
	if w.cb == nil {
		return
	}
	w.cb.ReleaseControl()
}

// Expired reports whether the target has already been collected, without
// attempting a promotion.
func (w Weak[T]) Expired() bool {
	return w.cb == nil || w.cb.Colour() == cyclecore.Black
}
