package cyclecore

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Generation is the unit of cycle collection: a group of control blocks
// collected together by one mark-sweep run, plus the sequence number and
// locks that make the generation merge protocol safe under concurrent
// mutation.
type Generation struct {
	arena *Arena

	// seq is strictly positive for participating generations; its low bit
	// is the "moveable" flag. The unowned singleton is the sole exception,
	// fixed at seq == 0.
	seq atomic.Uint64

	structureMu     sync.RWMutex
	mergeMu         sync.RWMutex
	weakPromotionMu sync.RWMutex

	gcFlag atomic.Bool
	refs   atomic.Uint64

	// crossTarget is set once this generation has ever been the target of a
	// confirmed cross-generation edge from another generation. The
	// slide-instead-of-merge heuristic (see fixOrdering) needs a safety
	// precondition beyond just comparing sequence numbers: sliding a
	// generation's sequence number down is only sound when nothing else's
	// ordering already depends on it staying above its current value — i.e.
	// when it has never been a target. The flag is sticky: a later merge
	// can only add obligations, never remove them, so it is never cleared
	// back to false.
	crossTarget atomic.Bool

	head, tail *ControlBlock
	count      int

	debugID     uuid.UUID
	debugIDOnce sync.Once
}

func newGeneration(a *Arena) *Generation {
	g := &Generation{arena: a}
	g.seq.Store(a.nextSeq())
	a.registerGeneration(g)
	return g
}

func newUnownedGeneration(a *Arena) *Generation {
	g := &Generation{arena: a}
	g.seq.Store(0)
	a.registerGeneration(g)
	return g
}

// DebugID lazily assigns and returns a stable identifier for log lines; it
// is never used for ordering or equality decisions, which remain keyed on
// the sequence number and pointer identity.
func (g *Generation) DebugID() uuid.UUID {
	g.debugIDOnce.Do(func() { g.debugID = uuid.New() })
	return g.debugID
}

// Seq returns the raw (moveable-bit-included) sequence number.
func (g *Generation) Seq() uint64 { return g.seq.Load() }

// clearedSeq returns the sequence number with the moveable bit masked off,
// the value the cross-generation ordering check actually compares.
func (g *Generation) clearedSeq() uint64 { return g.seq.Load() &^ 1 }

func (g *Generation) moveable() bool { return g.seq.Load()&1 == 1 }

// nextSeq reserves the next sequence number for a newly-created generation.
func (a *Arena) nextSeq() uint64 {
	n := a.seqCounter.Add(a.seqStep)
	if n < a.seqStep { // the add wrapped past the top of uint64
		panic("cyclecore: generation sequence counter overflow")
	}
	return n | 1
}

func (g *Generation) acquireRef() { g.refs.Add(1) }

func (g *Generation) release() {
	if g.refs.Add(^uint64(0))+1 == 0 {
		panic("cyclecore: generation refs underflow")
	}
}

// Refs reports the current generation reference count: control-block
// membership plus outstanding hazard reads.
func (g *Generation) Refs() uint64 { return g.refs.Load() }

// ControlCount reports the number of control blocks currently owned by g.
func (g *Generation) ControlCount() int {
	g.structureMu.RLock()
	defer g.structureMu.RUnlock()
	return g.count
}

// insertControl appends cb to g's control list under an exclusive
// structureMu and sets cb's generation pointer and membership contribution
// to g.refs.
func (g *Generation) insertControl(cb *ControlBlock) {
	g.structureMu.Lock()
	defer g.structureMu.Unlock()

	cb.generation.Store(g)
	g.refs.Add(1)
	if g.tail == nil {
		g.head, g.tail = cb, cb
	} else {
		g.tail.listNext = cb
		cb.listPrev = g.tail
		g.tail = cb
	}
	g.count++
}

// removeControl unlinks cb from g's control list (used by Abort on
// constructor failure, and by the GC destruction phase).
func (g *Generation) removeControl(cb *ControlBlock) {
	g.structureMu.Lock()
	g.unlinkLocked(cb)
	g.structureMu.Unlock()
	g.release()
}

// unlinkLocked removes cb from the intrusive list; structureMu must
// already be held exclusively.
func (g *Generation) unlinkLocked(cb *ControlBlock) {
	if cb.listPrev != nil {
		cb.listPrev.listNext = cb.listNext
	} else if g.head == cb {
		g.head = cb.listNext
	}
	if cb.listNext != nil {
		cb.listNext.listPrev = cb.listPrev
	} else if g.tail == cb {
		g.tail = cb.listPrev
	}
	cb.listPrev, cb.listNext = nil, nil
	g.count--
}

// orderForMerge picks (src, dst) out of two distinct generations per the
// merge precondition: src.seq < dst.seq, ties broken by address, so the
// result is deterministic regardless of call order.
func orderForMerge(g1, g2 *Generation) (src, dst *Generation) {
	s1, s2 := g1.clearedSeq(), g2.clearedSeq()
	if s1 < s2 {
		return g1, g2
	}
	if s2 < s1 {
		return g2, g1
	}
	if uintptr(unsafe.Pointer(g1)) < uintptr(unsafe.Pointer(g2)) {
		return g1, g2
	}
	return g2, g1
}

// fixOrdering enforces the cross-generation ordering requirement for a
// prospective edge owner -> target: either confirms owner's generation
// already precedes target's, slides owner's sequence number down if it is
// moveable and there is room, or merges the two generations.
//
// Sliding owner's sequence number down is only safe when owner has never
// itself been the target of some other generation's cross-generation edge:
// otherwise the slide could retroactively violate that other edge's
// ordering guarantee (owner.seq no longer sits above where it relied on).
// owner's crossTarget flag tracks exactly that; when set, a merge is the
// only sound fix. On the confirming paths (already ordered, or ordered via
// slide), dstGen gains crossTarget, since owner now depends on staying
// below it.
//
// Neither slide nor merge ever touches the arena's unowned singleton (seq
// == 0, shared by every object explicitly opted out of cycle
// participation): it is permanently exempt from the order invariant
// rather than a generation a merge could ever fold away, so an edge
// crossing its boundary in either direction is left as a plain
// cross-generation reference with no ordering fix-up attempted.
func (a *Arena) fixOrdering(owner *Generation, target *ControlBlock) {
	for {
		dstGen := target.loadGeneration()
		srcSeq := owner.clearedSeq()
		dstSeq := dstGen.clearedSeq()

		if owner == dstGen {
			dstGen.release()
			return
		}

		if owner == a.unowned || dstGen == a.unowned {
			dstGen.release()
			return
		}

		if srcSeq < dstSeq {
			dstGen.crossTarget.Store(true)
			dstGen.release()
			return
		}

		if owner.moveable() && !owner.crossTarget.Load() && dstSeq >= a.minSeqGap+1 {
			newSeq := (dstSeq - 1) | 1
			old := owner.seq.Load()
			if owner.seq.CompareAndSwap(old, newSeq) {
				dstGen.crossTarget.Store(true)
				dstGen.release()
				return
			}
			dstGen.release()
			continue // lost the CAS race; re-evaluate from scratch
		}

		a.merge(owner, dstGen)
		dstGen.release()
		return
	}
}

// merge splices src's control blocks into dst, releasing the strong
// references that become internal-to-the-merged-generation edges along
// the way. It recurses first into any third generation an src-owned edge
// points at that would itself violate ordering against dst, so that by the
// time src's own controls are re-pointed, every edge leaving the merged
// generation already satisfies the order requirement.
//
// Independent recursive merges discovered in that pre-pass are unrelated
// generation pairs, so they run concurrently under an errgroup — the
// merge proper (stages 1-2 below) only starts once all of them have
// completed, which is exactly the happens-before edge the merge needs.
func (a *Arena) merge(g1, g2 *Generation) {
	src, dst := orderForMerge(g1, g2)
	if src == dst {
		return
	}
	a.mergeInto(src, dst)
}

// mergeInto absorbs src into dst, with dst as the fixed survivor regardless
// of which generation orderForMerge would otherwise have picked: callers that
// already know which side must survive (the recursive pre-merge below) call
// this directly instead of the generic merge, which is free to flip src/dst
// by seq and would otherwise splice away the generation the caller is
// relying on remaining live.
func (a *Arena) mergeInto(src, dst *Generation) {
	if src == dst {
		return
	}
	a.Logger().V(1).Info("merging generations", "src", src.DebugID(), "dst", dst.DebugID())

	src.mergeMu.Lock()
	src.structureMu.Lock()

	var eg errgroup.Group
	for c := src.head; c != nil; c = c.listNext {
		c := c
		for _, e := range c.snapshotEdges() {
			e := e
			t := e.dst.Load()
			if t == nil {
				continue
			}
			tg := t.generationUnsafe()
			if tg == nil || tg == src || tg == dst {
				continue
			}
			if tg.clearedSeq() > dst.clearedSeq() {
				continue // already orders correctly against dst
			}
			// tg.seq <= dst.seq: after src merges into dst, this edge would
			// cross from dst into tg with tg no longer strictly ahead of the
			// merged generation. Fold tg into dst first, with dst pinned as the
			// survivor so the outer merge's dst reference stays valid.
			eg.Go(func() error {
				a.mergeInto(tg, dst)
				return nil
			})
		}
	}
	_ = eg.Wait() // merge never returns an error; Wait only sequences completion

	dst.structureMu.Lock()

	if src.crossTarget.Load() {
		dst.crossTarget.Store(true)
	}

	// Stage 1: edges from src into dst are about to become internal to the
	// merged generation and must stop counting as strong references.
	for c := src.head; c != nil; c = c.listNext {
		for _, e := range c.snapshotEdges() {
			t := e.dst.Load()
			if t == nil || t.generationUnsafe() != dst {
				continue
			}
			t.Release(true) // skip_gc: we still hold both structure locks
		}
	}

	// Stage 2: re-point every control's generation pointer from src to
	// dst, donating the old generation reference through the hazard table.
	for c := src.head; c != nil; c = c.listNext {
		old := c.generation.Swap(dst)
		if !a.genHaz.Donate(old) {
			old.release()
		}
		dst.refs.Add(1)
	}

	// Splice src's list onto dst's and empty src.
	if src.head != nil {
		if dst.head == nil {
			dst.head, dst.tail = src.head, src.tail
		} else {
			dst.tail.listNext = src.head
			src.head.listPrev = dst.tail
			dst.tail = src.tail
		}
		dst.count += src.count
		src.head, src.tail, src.count = nil, nil, 0
	}

	a.deregisterGeneration(src)

	// A pending GC request on the now-empty src is trivially satisfied; the
	// promise propagates to dst. Snapshot it here, but run it only after
	// every lock is dropped: with no delay hook installed the request runs
	// a collection inline, which re-takes dst's structureMu.
	pending := src.gcFlag.CompareAndSwap(true, false)

	dst.structureMu.Unlock()
	src.structureMu.Unlock()
	src.mergeMu.Unlock()

	if pending {
		dst.requestGC()
	}
}

// cpuBackpressureThreshold is the host-load percentage above which a GC
// request with no installed delay hook is handed to a background goroutine
// instead of running inline on the releasing caller's stack.
const cpuBackpressureThreshold = 85.0

// requestGC is the GC-request flag protocol: the first
// caller to set gcFlag becomes responsible for running (or scheduling) the
// collection; later callers observe the flag already set and do nothing,
// relying on the in-flight run to also account for whatever made them
// ask. Concurrent requesters that land in the same scheduling window
// coalesce onto one singleflight call keyed by generation identity so only
// one goroutine actually walks the control list.
//
// With no delay hook installed, a short host-load probe decides whether the
// collection runs inline (the caller's own release() pays for it) or is
// handed to a background goroutine — a busy host shouldn't stall a hot
// release path behind a mark-sweep pass it didn't ask to block on.
func (g *Generation) requestGC() {
	if !g.gcFlag.CompareAndSwap(false, true) {
		return
	}
	op := &Op{gen: g}
	log := g.arena.Logger()
	if hook := g.arena.loadDelayGC(); hook != nil {
		log.V(1).Info("gc scheduled via delay hook", "generation", g.DebugID())
		hook(op)
		return
	}
	if pct, err := g.arena.cpuProbe(); err == nil && pct >= cpuBackpressureThreshold {
		log.V(1).Info("gc deferred to background goroutine", "generation", g.DebugID(), "cpuPercent", pct)
		go op.Run()
		return
	}
	op.Run()
}

// Op is a handle to one pending or in-flight generation collection. Run is
// idempotent: once one call has executed the collection, later calls
// observe that and return immediately.
type Op struct {
	gen  *Generation
	done atomic.Bool
}

// Run executes the collection this handle represents, or does nothing if
// it (or a racing duplicate) already has.
func (o *Op) Run() {
	if !o.done.CompareAndSwap(false, true) {
		return
	}
	key := fmt.Sprintf("%p", o.gen)
	_, _, _ = o.gen.arena.gcGroup.Do(key, func() (any, error) {
		o.gen.gcFlag.Store(false)
		o.gen.gc()
		return nil, nil
	})
}

// gc runs one complete mark-sweep pass over g: phases 1-3 hold structureMu
// exclusively throughout, with weakPromotionMu also held exclusively during
// phase 2; both are released before the unlocked destruction phase.
func (g *Generation) gc() {
	log := g.arena.Logger().WithValues("generation", g.DebugID())
	log.V(1).Info("gc pass starting")

	g.structureMu.Lock()

	total := g.count
	if total == 0 {
		g.structureMu.Unlock()
		log.V(1).Info("gc pass skipped: empty generation")
		return
	}

	wavefront, sawRed := g.initialMark()
	if !sawRed {
		g.structureMu.Unlock()
		log.V(1).Info("gc pass found nothing collectable", "controlBlocks", total)
		return
	}

	wavefront = g.sweep(wavefront)
	if len(wavefront) == total {
		g.structureMu.Unlock()
		return
	}

	g.weakPromotionMu.Lock()
	for {
		extra := g.collectNewlyGrey()
		if len(extra) == 0 {
			break
		}
		g.sweep(extra)
	}
	g.weakPromotionMu.Unlock()

	unreachable := g.blacken()

	g.structureMu.Unlock()

	log.V(1).Info("gc pass collected", "unreachable", len(unreachable), "controlBlocks", total)
	g.destroy(unreachable)
}

// initialMark is phase 1's mark step: every White control becomes Red (if
// its strong refcount is currently zero) or Grey (otherwise, a root of the
// wavefront). It reports the initial wavefront and whether any Red block
// was found at all (if none, nothing is collectable and the caller returns
// immediately).
func (g *Generation) initialMark() (wavefront []*ControlBlock, sawRed bool) {
	for c := g.head; c != nil; c = c.listNext {
		for {
			old := c.state.Load()
			refs, col := unpackWord(old)
			if col != White {
				break
			}
			newCol := Grey
			if refs == 0 {
				newCol = Red
			}
			if c.state.CompareAndSwap(old, packWord(refs, newCol)) {
				if newCol == Grey {
					wavefront = append(wavefront, c)
				} else {
					sawRed = true
				}
				break
			}
		}
		if _, col := unpackWord(c.state.Load()); col == Red {
			sawRed = true
		}
	}
	return wavefront, sawRed
}

// sweep processes a wavefront of Grey control blocks: each is promoted to
// White (its edges have now been examined) and its outgoing edges, for
// in-generation Red targets, are promoted to Grey and appended — growing
// the wavefront in place as a two-pointer scan, one index tracking the
// examined prefix while appends extend the slice ahead of it.
func (g *Generation) sweep(wavefront []*ControlBlock) []*ControlBlock {
	for i := 0; i < len(wavefront); i++ {
		w := wavefront[i]
		for {
			old := w.state.Load()
			refs, col := unpackWord(old)
			if col != Grey {
				break
			}
			if w.state.CompareAndSwap(old, packWord(refs, White)) {
				break
			}
		}

		for _, e := range w.snapshotEdges() {
			dst := e.dst.Load()
			if dst == nil || dst.generationUnsafe() != g {
				continue
			}
			for {
				old := dst.state.Load()
				refs, col := unpackWord(old)
				if col == Black {
					panic("cyclecore: black control block reachable during sweep")
				}
				if col != Red {
					break
				}
				if dst.state.CompareAndSwap(old, packWord(refs, Grey)) {
					wavefront = append(wavefront, dst)
					break
				}
			}
		}
	}
	return wavefront
}

// collectNewlyGrey scans the whole list for blocks a concurrent
// WeakAcquire/Acquire red-promoted to Grey after phase 1's sweep already
// passed them by: nodes whose colour flipped to grey mid-pass need a second
// look before any red survivor can be declared unreachable.
func (g *Generation) collectNewlyGrey() []*ControlBlock {
	var extra []*ControlBlock
	for c := g.head; c != nil; c = c.listNext {
		if _, col := unpackWord(c.state.Load()); col == Grey {
			extra = append(extra, c)
		}
	}
	return extra
}

// blacken is phase 3: every remaining Red block is confirmed unreachable and
// flipped to Black, unlinked from the generation's list. It returns the
// unreachable set for the (unlocked) destruction phase, which balances the
// control-refcount unit NewControlBlock placed at allocation (see
// ControlBlock.controlRefs doc): nothing else touches that unit in between,
// so no transient acquire is needed here to protect it.
func (g *Generation) blacken() []*ControlBlock {
	var unreachable []*ControlBlock
	c := g.head
	for c != nil {
		next := c.listNext
		if _, col := unpackWord(c.state.Load()); col == Red {
			old := c.state.Load()
			refs, col2 := unpackWord(old)
			if col2 == Red && refs == 0 && c.state.CompareAndSwap(old, packWord(0, Black)) {
				g.unlinkLocked(c)
				g.refs.Add(^uint64(0))
				unreachable = append(unreachable, c)
			}
			// else: raced with a concurrent Acquire/WeakAcquire promoting it
			// back to Grey/White; it survives this pass and is picked up by
			// collectNewlyGrey or a later gc() run.
		}
		c = next
	}
	return unreachable
}

// destroy runs the unlocked destruction phase over a blackened set: clear
// every outgoing edge (releasing cross-generation targets, which may
// itself trigger another generation's GC — hence unlocked), run the
// managed object's destructor, and release the allocation-time control
// reference (balancing NewControlBlock's initial controlRefs == 1; a
// surviving Weak reference keeps the header's controlRefs above zero until
// it too is closed).
func (g *Generation) destroy(unreachable []*ControlBlock) {
	for _, c := range unreachable {
		for _, e := range c.snapshotEdges() {
			t := e.dst.Swap(nil)
			if t == nil {
				continue
			}
			if t.generationUnsafe() != g {
				// A cross-generation edge owned one strong reference on its
				// target: hand it to a hazard reader still protecting the
				// value, or release it here. The release may trigger GC on
				// the target's generation, which is why this phase runs with
				// every generation lock already dropped.
				if !g.arena.controlHaz.Donate(t) {
					t.Release(false)
				}
			}
		}
		if obj, ok := c.Object(); ok && c.destroy != nil {
			c.destroy(obj)
		}
		c.obj.Store(nil)
		c.ReleaseControl()
	}
}
