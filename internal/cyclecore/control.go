package cyclecore

import (
	"sync"
	"sync/atomic"
)

// ControlBlock is the per-managed-object header: the packed
// refcount+colour word, the control-refcount that keeps the header itself
// allocated for weak pointers even after the object body is gone, the
// owning generation, and this object's outgoing edges.
//
// Exactly one Generation owns a ControlBlock at a time; a ControlBlock only
// changes owners while both generations' structureMu are held during a
// merge (see Arena.mergeInto).
type ControlBlock struct {
	arena *Arena

	// state packs the strong refcount (high bits) and Colour (low 2 bits)
	// so that red-promotion and refcount changes are a single CAS.
	state atomic.Uint64

	// controlRefs keeps this header allocated independent of the managed
	// object's lifetime. NewControlBlock places one unit representing the
	// aggregate strong-pointer family (mirroring a conventional shared_ptr
	// control block's weak_count, which starts at 1 and is decremented
	// exactly once, at destruction, regardless of how many strong clones
	// existed); destroy releases that unit once the object is confirmed
	// unreachable. Each façade Weak reference additionally holds its own
	// unit, acquired on Downgrade and released on Close.
	controlRefs atomic.Uint64

	generation atomic.Pointer[Generation]

	edgesMu sync.Mutex
	edges   []*Vertex

	underConstruction atomic.Bool

	obj     atomic.Pointer[any]
	destroy func(any)

	// listPrev/listNext link this block into its owning generation's
	// intrusive control list; both are guarded by that generation's
	// structureMu.
	listPrev, listNext *ControlBlock
}

// NewControlBlock allocates a control block with strong refcount 1,
// control-refcount 1, colour White, and under_construction set, then
// inserts it into gen (or a freshly created generation if gen is nil).
// This is the allocation helper referenced throughout the core design:
// callers still owe it a publisher registration and, on constructor
// failure, a call to Abort instead of SetObject.
func NewControlBlock(a *Arena, gen *Generation) *ControlBlock {
	if gen == nil {
		gen = newGeneration(a)
	}
	cb := &ControlBlock{arena: a}
	cb.state.Store(packWord(1, White))
	cb.controlRefs.Store(1)
	cb.underConstruction.Store(true)
	gen.insertControl(cb)

	return cb
}

// SetObject stores the fully-constructed managed object, clearing the
// under_construction flag. It must be called at most once, after the
// caller's constructor succeeds.
func (c *ControlBlock) SetObject(obj any, destroy func(any)) {
	c.obj.Store(&obj)
	c.destroy = destroy
	c.underConstruction.Store(false)
}

// Abort tears down a control block whose constructor failed: it unlinks the
// block from its generation and drops the allocation reference. It must be
// called instead of SetObject, never alongside it.
func (c *ControlBlock) Abort() {
	g := c.generation.Load()
	g.removeControl(c)
	c.ReleaseControl()
}

// UnderConstruction reports whether the managed object has not yet
// finished constructing.
func (c *ControlBlock) UnderConstruction() bool {
	return c.underConstruction.Load()
}

// Object returns the managed object, or (nil, false) once the control
// block has been blackened and the object destroyed.
func (c *ControlBlock) Object() (any, bool) {
	p := c.obj.Load()
	if p == nil {
		return nil, false
	}
	return *p, true
}

// Colour reads the current marking colour.
func (c *ControlBlock) Colour() Colour {
	_, col := unpackWord(c.state.Load())
	return col
}

// Refs reads the current strong refcount.
func (c *ControlBlock) Refs() uint64 {
	refs, _ := unpackWord(c.state.Load())
	return refs
}

// AcquireNoRed adds one strong reference. The caller must already know the
// object is reachable through an existing strong pointer, so the pre-colour
// must not be black or red; violating that is a misuse of the API, not a
// recoverable runtime condition, so it panics (mirrors builder's rule that
// validation panics are confined to misuse, never a hot-path runtime
// error).
func (c *ControlBlock) AcquireNoRed() {
	for {
		old := c.state.Load()
		refs, col := unpackWord(old)
		if col == Black || col == Red {
			panic("cyclecore: acquire_no_red on a " + col.String() + " control block")
		}
		if c.state.CompareAndSwap(old, packWord(refs+1, col)) {
			return
		}
	}
}

// Acquire adds one strong reference, promoting a Red pre-colour to Grey in
// the same CAS (the object could be red-tagged by a concurrent GC mark
// phase, but is otherwise known reachable, e.g. via a hazard-protected
// edge read).
func (c *ControlBlock) Acquire() {
	for {
		old := c.state.Load()
		refs, col := unpackWord(old)
		if col == Black {
			panic("cyclecore: acquire on a black control block")
		}
		newCol := col
		if col == Red {
			newCol = Grey
		}
		if c.state.CompareAndSwap(old, packWord(refs+1, newCol)) {
			return
		}
	}
}

// WeakAcquire attempts to add a strong reference, failing if the block is
// already Black. This performs red-promotion under a shared lock on the
// owning generation's weak_promotion_mutex, which phase 2 of GC takes
// exclusively to exclude racing promotions while it decides the final fate
// of the generation's red set.
func (c *ControlBlock) WeakAcquire() bool {
	g := c.loadGeneration()
	if g == nil {
		return false
	}
	defer g.release()

	g.weakPromotionMu.RLock()
	defer g.weakPromotionMu.RUnlock()

	for {
		old := c.state.Load()
		refs, col := unpackWord(old)
		if col == Black {
			return false
		}
		newCol := col
		if col == Red {
			newCol = Grey
		}
		if c.state.CompareAndSwap(old, packWord(refs+1, newCol)) {
			return true
		}
	}
}

// Release decrements the strong refcount. If it reaches zero and skipGC is
// false, a GC is requested on the owning generation. skipGC exists for the
// merge protocol's stage 1, which must not trigger a nested collection
// while it already holds generation locks.
func (c *ControlBlock) Release(skipGC bool) {
	for {
		old := c.state.Load()
		refs, col := unpackWord(old)
		if refs == 0 {
			panic("cyclecore: release on a zero-refcount control block")
		}
		if c.state.CompareAndSwap(old, packWord(refs-1, col)) {
			if refs-1 == 0 && !skipGC && col != Black {
				if g := c.loadGeneration(); g != nil {
					g.requestGC()
					g.release()
				}
			}
			return
		}
	}
}

// AcquireControl increments control_refs: the header stays allocated even
// if the managed object is later destroyed, for as long as any Weak or
// pending GC bookkeeping references the block.
func (c *ControlBlock) AcquireControl() { c.controlRefs.Add(1) }

// ReleaseControl decrements control_refs. In the C++ original this frees
// the header at zero; in Go the header is reclaimed by the runtime once
// nothing references it, so ReleaseControl's only observable effect is the
// bookkeeping itself (useful for tests asserting the testable property "a
// black control block's control_refs reaches zero").
func (c *ControlBlock) ReleaseControl() {
	if c.controlRefs.Add(^uint64(0))+1 == 0 {
		panic("cyclecore: control_refs underflow")
	}
}

// ControlRefs reads the current control-refcount (diagnostic / test use).
func (c *ControlBlock) ControlRefs() uint64 { return c.controlRefs.Load() }

// pushEdge appends v to this block's outgoing edge list.
func (c *ControlBlock) pushEdge(v *Vertex) {
	c.edgesMu.Lock()
	c.edges = append(c.edges, v)
	c.edgesMu.Unlock()
}

// eraseEdge removes v from this block's outgoing edge list. It is a no-op
// if v is not present (already removed).
func (c *ControlBlock) eraseEdge(v *Vertex) {
	c.edgesMu.Lock()
	defer c.edgesMu.Unlock()
	for i, e := range c.edges {
		if e == v {
			c.edges = append(c.edges[:i], c.edges[i+1:]...)
			return
		}
	}
}

// snapshotEdges returns a copy of the current outgoing edge list, safe to
// range over without holding edgesMu.
func (c *ControlBlock) snapshotEdges() []*Vertex {
	c.edgesMu.Lock()
	defer c.edgesMu.Unlock()
	out := make([]*Vertex, len(c.edges))
	copy(out, c.edges)
	return out
}

// loadGeneration performs a hazard-protected read of c.generation,
// returning an extra-referenced Generation the caller must g.release()
// when done. Returns nil only if the cell itself is nil, which does not
// happen for a live control block (every block belongs to exactly one
// generation for its whole life).
func (c *ControlBlock) loadGeneration() *Generation {
	rec := c.arena.genHaz.Acquire()
	g, ok := rec.Read(&c.generation, func(g *Generation) bool {
		g.acquireRef()
		return true
	}, func(g *Generation) {
		g.release()
	})
	if !ok {
		return nil
	}
	return g
}

// generationUnsafe reads c.generation without a hazard guard or acquired
// reference. Its callers only compare the result for identity and never
// keep it: the GC sweep and destruction phases, the merge pre-pass and
// stage 1, and Vertex.Reset's generation checks. On the sweep path the
// caller already holds exclusive structureMu on the generation being
// collected and only needs to know whether an edge's target happens to
// still be a member of it; a stale read there costs at most one missed
// edge this GC pass, which the target's own generation will re-discover on
// its next run.
func (c *ControlBlock) generationUnsafe() *Generation {
	return c.generation.Load()
}
