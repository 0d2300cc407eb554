package cycleptr

import (
	"fmt"
	"unsafe"

	"github.com/katalvlaran/cycle/internal/cyclecore"
)

// Strong is a strong reference to a T managed by the cycle collector. The
// zero value is a valid "no pointer" Strong, analogous to a nil pointer:
// Clone, Close, and Value are all safe to call on it.
type Strong[T any] struct {
	cb *cyclecore.ControlBlock

	// aliased, when non-nil, overrides Object() lookup for a Strong built
	// via NewAliased: the façade's exposed value is member storage living
	// inside some other owner's object, not cb's own managed value.
	aliased *T
}

// closer is implemented by a managed value that needs to run cleanup beyond
// what Go's GC already reclaims (file handles, the like) once the control
// block is blackened.
type closer interface{ Close() }

// NewStrong allocates a control block and runs ctor to build the managed
// value: ctor
// receives the partially-built façade (with its control block already
// present and marked under construction) so that, e.g., SharedFromThis
// correctly fails until ctor returns, and Publish can register the
// object's address for Member fields' auto-discovery. A ctor error aborts
// the control block and returns ErrConstructorFailure.
func NewStrong[T any](ctor func(*Strong[T]) (T, error)) (Strong[T], error) {
	return newStrongIn(nil, ctor)
}

// NewStrongUnowned allocates a T into the package-wide arena's single
// unowned generation (seq == 0) instead of a fresh participating one: the
// object is never a merge/slide participant, exempt from the generation
// order invariant entirely, which suits many small unrelated objects that
// share the bucket generation instead of each paying for one of their own.
// A mark-sweep pass still runs on the unowned generation like any other —
// Member edges between two unowned objects are internal to that one shared
// generation and collect as a same-generation cycle exactly as they would
// if both objects happened to share a normal generation; what never
// happens is a merge or slide touching the unowned generation itself (see
// internal/cyclecore's fixOrdering). Everything else about the returned
// Strong, including Close's ordinary release path, is unchanged.
func NewStrongUnowned[T any](ctor func(*Strong[T]) (T, error)) (Strong[T], error) {
	return newStrongIn(arena().Unowned(), ctor)
}

func newStrongIn[T any](gen *cyclecore.Generation, ctor func(*Strong[T]) (T, error)) (Strong[T], error) {
	cb := cyclecore.NewControlBlock(arena(), gen)
	s := Strong[T]{cb: cb}

	val, err := ctor(&s)
	if err != nil {
		cb.Abort()
		return Strong[T]{}, fmt.Errorf("%w: %w", ErrConstructorFailure, err)
	}

	cb.SetObject(val, func(obj any) {
		if c, ok := obj.(closer); ok {
			c.Close()
		}
	})
	return s, nil
}

// Publish registers addr (the address of the struct ctor is building,
// typically unsafe.Pointer(self) where self is the *T just allocated) as
// this Strong's owned storage for the duration of construction, so a nested
// Member field can find its owner via NewMemberFromThis. (SharedFromThis
// does not use it; see SelfRef.)
// The returned function must be called exactly once, normally via defer,
// when ctor returns.
func (s *Strong[T]) Publish(addr unsafe.Pointer, size uintptr) func() {
	return arena().Publisher().Install(uintptr(addr), size, s.cb)
}

// Clone returns a new Strong sharing the same control block, with one more
// strong reference (acquire_no_red: the caller already knows the object is
// reachable through this existing Strong).
func (s Strong[T]) Clone() Strong[T] {
	if s.cb == nil {
		return Strong[T]{}
	}
	s.cb.AcquireNoRed()
	return s
}

// Close releases this Strong's reference. Calling it more than once on
// copies derived from the same Clone chain is the caller's responsibility
// to avoid, exactly as for a conventional reference-counted pointer: each
// Clone must be balanced by exactly one Close.
func (s Strong[T]) Close() {
	if s.cb == nil {
		return
	}
	s.cb.Release(false)
}

// Value returns the managed value, or the zero value and false if the
// object has already been collected.
func (s Strong[T]) Value() (T, bool) {
	var zero T
	if s.cb == nil {
		return zero, false
	}
	if s.aliased != nil {
		if s.cb.Colour() == cyclecore.Black {
			return zero, false
		}
		return *s.aliased, true
	}
	obj, ok := s.cb.Object()
	if !ok {
		return zero, false
	}
	v, ok := obj.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// IsValid reports whether this Strong holds a control block at all (it stays
// true after the object has been collected, when Value already reports
// false).
func (s Strong[T]) IsValid() bool { return s.cb != nil }

// Refs reports the current strong refcount, diagnostic use.
func (s Strong[T]) Refs() uint64 {
	if s.cb == nil {
		return 0
	}
	return s.cb.Refs()
}

// Downgrade returns a Weak reference to the same control block.
func (s Strong[T]) Downgrade() Weak[T] {
	if s.cb == nil {
		return Weak[T]{}
	}
	s.cb.AcquireControl()
	return Weak[T]{cb: s.cb}
}
