package cycleptr

import (
	"unsafe"

	"github.com/katalvlaran/cycle/internal/cyclecore"
)

// Member is a managed edge field: a struct managed by Strong[Owner] uses a
// Member[Target] field to point at another cyclecore-managed object. Unlike
// a plain Strong field, a Member's reference is visible to the cycle
// collector's mark-sweep walk, so a cycle of Member edges is reclaimed even
// when nothing outside the cycle holds a Strong reference into it.
//
// The zero value is not usable; construct with NewMember or
// NewMemberFromThis.
type Member[T any] struct {
	v *cyclecore.Vertex
}

// NewMember constructs a Member[Target] edge owned by owner. Two type
// parameters are required because Go methods cannot introduce their own
// type parameter beyond the receiver's, so this is a free function rather
// than a method on Strong[Owner].
func NewMember[Owner, Target any](owner *Strong[Owner]) *Member[Target] {
	return &Member[Target]{v: cyclecore.NewVertex(owner.cb)}
}

// NewMemberFromThis constructs a Member[Target] edge by looking up the
// owner currently publishing ownerAddr (see Strong.Publish), for use inside
// a constructor that only has access to its own storage address, not an
// enclosing *Strong[Owner]. It returns ErrNoPublishedOwner if nothing
// currently publishes that address.
func NewMemberFromThis[Target any](ownerAddr unsafe.Pointer) (*Member[Target], error) {
	v, err := cyclecore.NewVertexFromThis(arena(), uintptr(ownerAddr))
	if err != nil {
		return nil, ErrNoPublishedOwner
	}
	return &Member[Target]{v: v}, nil
}

// Set assigns the edge's target to target, acquiring a fresh strong
// reference and handing it to the edge (the Strong value the caller passed
// in keeps its own reference — the same copy semantics a conventional
// shared_ptr assignment has). The edge keeps that reference only when it
// crosses a generation boundary; for an edge within one generation Reset
// releases it again, so target's refcount is then unchanged.
func (m *Member[T]) Set(target Strong[T]) {
	if target.cb != nil {
		target.cb.AcquireNoRed()
	}
	m.v.Reset(target.cb, true, true)
}

// Get reads the edge's current target, returning (zero, false) if the edge
// is unset, the owner has expired, or the target itself has already been
// collected.
func (m *Member[T]) Get() (Strong[T], bool) {
	cb, ok := m.v.Dst()
	if !ok || cb == nil {
		return Strong[T]{}, false
	}
	return Strong[T]{cb: cb}, true
}

// Clear removes the edge's target, as if Set(Strong[T]{}) had been called.
func (m *Member[T]) Clear() {
	m.v.Reset(nil, false, false)
}
