package cycleptr

// NewAliased returns a Strong[U] that shares owner's control block (so it
// keeps owner's object, and everything reachable from it, alive) but whose
// exposed value is member, a piece of storage that need not be owner's own
// value — typically a field inside it. This mirrors std::shared_ptr's
// aliasing constructor: refcounting tracks owner, Value() returns member.
func NewAliased[T, U any](owner Strong[T], member U) Strong[U] {
	if owner.cb == nil {
		return Strong[U]{}
	}
	owner.cb.AcquireNoRed()
	m := member
	return Strong[U]{cb: owner.cb, aliased: &m}
}
