package cyclecore

import "sync/atomic"

// Vertex represents one directed edge from an owning ControlBlock to a
// target ControlBlock. It is a member of exactly one owner.edges list.
//
// dst is hazard-guarded for readers: Dst, the read that hands the edge's
// current target out with a reference, goes through the owning Arena's
// control hazard table rather than a bare Load, so a concurrent Reset on
// another goroutine can never be observed mid-transition. Reset itself, the
// collector and the merge protocol load or swap dst directly.
type Vertex struct {
	arena *Arena
	owner *ControlBlock
	dst   atomic.Pointer[ControlBlock]
}

// NewVertex constructs an edge owned by owner, with no initial target.
// owner must be non-nil; it is a programming error to build a dangling
// edge, so NewVertex panics rather than returning an error for a nil
// owner (mirrors ControlBlock.Acquire's treatment of invariant violations).
func NewVertex(owner *ControlBlock) *Vertex {
	if owner == nil {
		panic("cyclecore: NewVertex with nil owner")
	}
	v := &Vertex{arena: owner.arena, owner: owner}
	owner.pushEdge(v)
	return v
}

// NewVertexFromThis constructs an edge by looking up the control block that
// publishes ownerAddr (the enclosing managed object's identity) in the
// arena's publisher map — the mechanism a Member edge field uses to
// discover its owner automatically while the enclosing object's
// constructor is still running. It returns ErrNoPublishedOwner if no
// Publisher entry currently covers ownerAddr.
func NewVertexFromThis(a *Arena, ownerAddr uintptr) (*Vertex, error) {
	cb, ok := a.Publisher().Lookup(ownerAddr, 1)
	if !ok {
		return nil, ErrNoPublishedOwner
	}
	return NewVertex(cb), nil
}

// Owner returns the ControlBlock this edge belongs to.
func (v *Vertex) Owner() *ControlBlock { return v.owner }

// Dst performs a hazard-protected read of the edge's current target,
// returning it with one strong reference acquired via the red-safe Acquire
// path. Returns (nil, false) if the edge has no target, the owner has
// expired (is Black), or the target itself is already Black: an expired
// owner's writes become no-ops and its reads return null.
func (v *Vertex) Dst() (*ControlBlock, bool) {
	if v.owner.Colour() == Black {
		return nil, false
	}
	rec := v.arena.controlHaz.Acquire()
	cb, ok := rec.Read(&v.dst, func(c *ControlBlock) bool {
		if c.Colour() == Black {
			return false
		}
		c.Acquire()
		return true
	}, func(c *ControlBlock) {
		c.Release(false)
	})
	if cb == nil || !ok {
		return nil, false
	}
	return cb, true
}

// Reset is the central mutator: assign(V, newDst). hasReference signals the
// caller is donating an already-held strong reference on newDst (so Reset
// must not acquire a second one on the cross-generation path); noRedPromotion
// requests the red-unsafe Acquire path (AcquireNoRed) when the edge must
// hold a strong reference of its own, for callers that already know newDst
// is reachable through another strong pointer.
//
// Reset runs a fixed sequence of steps in order: owner-expired no-op,
// same-target fast path, generation-ordering fix-up via fix_ordering,
// crossing-vs-internal refcount accounting, the hazard-donated pointer
// swap, and the old target's boundary-crossing release / GC-request.
func (v *Vertex) Reset(newDst *ControlBlock, hasReference, noRedPromotion bool) {
	// Step 1: expired owner.
	if v.owner.Colour() == Black {
		if hasReference && newDst != nil {
			newDst.Release(false)
		}
		return
	}

	// Step 2: fast path.
	oldDst := v.dst.Load()
	if oldDst == newDst {
		if hasReference && newDst != nil {
			newDst.Release(false)
		}
		return
	}

	// Step 3: determine G_src under a shared lock, re-reading if the
	// owner's generation changes concurrently (e.g. due to a merge landing
	// between our read and our lock acquisition). The shared hold is
	// released before fix_ordering runs: fix_ordering may need to merge
	// G_src itself (as the lower-sequence side) into the target's
	// generation, which takes that generation's merge_mutex exclusively —
	// on the rare seq-tie/address-tiebreak path that generation can be
	// G_src itself, and Go's RWMutex, unlike some recursive-lock designs,
	// deadlocks a writer against a reader held by the same goroutine.
	var gSrc *Generation
	for {
		gSrc = v.owner.loadGeneration()
		gSrc.mergeMu.RLock()
		stable := v.owner.generationUnsafe() == gSrc
		gSrc.mergeMu.RUnlock()
		if stable {
			break
		}
		gSrc.release()
	}
	defer gSrc.release()

	// Step 4: fix the order invariant if we are pointing at something.
	if newDst != nil {
		v.arena.fixOrdering(gSrc, newDst)
	}

	// Re-resolve the (possibly merged) generation identities for the
	// crossing test below: a merge inside fixOrdering may have folded
	// gSrc or newDst's generation into the other.
	newGSrc := v.owner.loadGeneration()
	defer newGSrc.release()

	var newDstGen *Generation
	if newDst != nil {
		newDstGen = newDst.loadGeneration()
		defer newDstGen.release()
	}

	// Step 5: crossing vs. internal refcount accounting for the new target.
	if newDst != nil {
		crosses := newGSrc != newDstGen
		if crosses {
			if !hasReference {
				if noRedPromotion {
					newDst.AcquireNoRed()
				} else {
					newDst.Acquire()
				}
			}
		} else if hasReference {
			newDst.Release(false)
		}
	}

	// Step 6: swap the pointer atomically, taking ownership of whatever the
	// cell held at that instant.
	old := v.dst.Swap(newDst)

	// Step 7: account for the old target's boundary crossing. A crossing
	// edge owned one strong reference on its target: offer it first to any
	// hazard reader still protecting the old value, and release it here only
	// if no reader takes it — donating and releasing the same reference
	// would decrement the count twice. An internal edge owned nothing, so
	// there is nothing to donate or release, only a possible GC request if
	// the old target's count already sits at zero.
	if old != nil {
		oldGen := old.generationUnsafe()
		if oldGen != newGSrc {
			if !v.arena.controlHaz.Donate(old) {
				old.Release(false)
			}
		} else if old.Refs() == 0 && old.Colour() != Black {
			if g := old.loadGeneration(); g != nil {
				g.requestGC()
				g.release()
			}
		}
	}
}

// Clear removes this edge's target (equivalent to Reset(nil, false,
// false)) and unlinks the edge from its owner's list. Used when the edge
// itself is being destroyed: dst must be cleared before an edge goes away.
func (v *Vertex) Clear() {
	v.Reset(nil, false, false)
	v.owner.eraseEdge(v)
}
