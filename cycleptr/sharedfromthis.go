package cycleptr

import "github.com/katalvlaran/cycle/internal/cyclecore"

// SelfRef is a permanent handle a managed struct stores on itself (set once
// during construction via Strong.BindSelf) so any later method running on
// the object can recover a fresh Strong reference to itself. This is
// deliberately not a Publisher address lookup: the publisher map entry for
// an object's storage is scoped to the duration of its own constructor,
// inserted when construction begins and erased on scope exit, so a lookup
// by address would already miss by the time any post-construction method
// runs. SelfRef instead mirrors std::enable_shared_from_this: the control
// block is captured once and kept alongside the object for its whole life.
type SelfRef[T any] struct {
	cb *cyclecore.ControlBlock
}

// BindSelf captures s's control block into a SelfRef the caller stores on
// the managed struct, typically as its first action inside a NewStrong
// constructor callback.
func (s *Strong[T]) BindSelf() *SelfRef[T] {
	return &SelfRef[T]{cb: s.cb}
}

// SharedFromThis recovers a Strong[T] to the object this SelfRef was bound
// to. It fails with ErrUnderConstruction if the object's constructor has
// not yet finished, or ErrExpiredWeak if the object is already being
// collected: it must fail while under construction, and otherwise attempt
// a weak-to-strong promotion on the owner's control block.
func (r *SelfRef[T]) SharedFromThis() (Strong[T], error) {
	if r == nil || r.cb == nil {
		return Strong[T]{}, ErrNoPublishedOwner
	}
	if r.cb.UnderConstruction() {
		return Strong[T]{}, ErrUnderConstruction
	}
	if !r.cb.WeakAcquire() {
		return Strong[T]{}, ErrExpiredWeak
	}
	return Strong[T]{cb: r.cb}, nil
}
