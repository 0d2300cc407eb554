package hazard

import (
	"runtime"
	"sync/atomic"
)

// cacheLinePad is sized to push consecutive slots onto separate cache
// lines, so that one goroutine publishing into its slot never bounces a
// neighbor's line.
const cacheLinePad = 64

// slot holds one hazard publication plus a side channel a donor can use to
// hand a reader the reference it would otherwise have had to reacquire.
//
// ptr is the published "I am reading this" pointer: a reader stores its
// candidate here before re-validating the source cell. donation is set by
// a writer that finds ptr still guarding the value it is about to release;
// the reader, on losing the race to clear ptr itself, checks donation to
// learn whether it now owns the reference.
type slot[T any] struct {
	ptr      atomic.Pointer[T]
	donation atomic.Pointer[T]
	_        [cacheLinePad - 2*8]byte
}

// Table is a fixed array of hazard slots shared by every reader of cells
// whose pointees are of type T. Readers are assigned slots by atomic
// round-robin; the assignment is cheap enough to repeat per Acquire rather
// than pin goroutines to slots, which Go has no stable identity for.
type Table[T any] struct {
	slots []slot[T]
	next  atomic.Uint64
}

// NewTable allocates a Table with n slots. n is clamped to at least 1.
func NewTable[T any](n int) *Table[T] {
	if n < 1 {
		n = 1
	}
	return &Table[T]{slots: make([]slot[T], n)}
}

// Record is a claim on one slot of a Table, obtained via Table.Acquire and
// good for exactly one protected Read.
type Record[T any] struct {
	table *Table[T]
	idx   int
}

// Acquire claims a slot by atomic round-robin. The returned Record must be
// used for at most one Read call; callers typically obtain a fresh Record
// per read rather than caching one across calls.
func (t *Table[T]) Acquire() *Record[T] {
	idx := int(t.next.Add(1)-1) % len(t.slots)
	return &Record[T]{table: t, idx: idx}
}

// AcquireFunc attempts to take a strong reference on a pointee once it is
// known live; it returns false to signal "do not hand out a reference"
// (e.g. weak_acquire observing a black/collected object).
type AcquireFunc[T any] func(*T) bool

// ReleaseFunc balances an AcquireFunc reference that turned out to be
// spurious (a donation the reader ultimately cannot use).
type ReleaseFunc[T any] func(*T)

// Read performs the hazard-protected read of cell described in the core
// design: publish a candidate, re-validate, and either acquire (on a
// confirmed-live pointee) or retry (on a pointee that moved out from under
// the read). acquireFn is called at most once per successful read and its
// boolean result is threaded back to the caller; releaseFn balances a
// donated reference the read protocol cannot use.
//
// The slot is claimed by a CAS from nil, so a reader that drew a slot
// another reader is still using waits (yielding) until that read clears it.
//
// Read never busy-loops unboundedly in practice: each iteration either
// commits to a result or observes a cell mutation by another goroutine,
// so progress is made system-wide even though no single call is guaranteed
// to terminate in a fixed number of steps (lock-free, not wait-free, under
// contention — matching the rationale in the core design).
func (r *Record[T]) Read(cell *atomic.Pointer[T], acquireFn AcquireFunc[T], releaseFn ReleaseFunc[T]) (*T, bool) {
	s := &r.table.slots[r.idx]
	for {
		tgt := cell.Load()
		if tgt == nil {
			return nil, true
		}
		for !s.ptr.CompareAndSwap(nil, tgt) {
			runtime.Gosched()
		}

		cur := cell.Load()
		if cur == tgt {
			ok := acquireFn(tgt)
			if !s.ptr.CompareAndSwap(tgt, nil) {
				// A donor landed on our slot in the same window: the donation is
				// now redundant with the reference acquireFn just took, so hand
				// it back rather than leak it.
				if s.donation.CompareAndSwap(tgt, nil) {
					releaseFn(tgt)
				}
			}
			return tgt, ok
		}

		// The cell moved on while we were publishing. Give up the slot; if a
		// writer beat us to it, that writer donated its reference to tgt.
		if s.ptr.CompareAndSwap(tgt, nil) {
			// We cleared it ourselves: no donation occurred.
			continue
		}

		// A donor already cleared our slot. Check whether it left us a
		// reference to pick up.
		if s.donation.CompareAndSwap(tgt, nil) {
			if cell.Load() == tgt {
				// The cell cycled back to tgt: the donation is a valid
				// acquisition of the value cell currently holds.
				return tgt, true
			}
			// Stale: the donated reference is to a value the cell no longer
			// holds. Hand it back.
			releaseFn(tgt)
			continue
		}
		continue
	}
}

// Len reports the number of slots in the table, for diagnostics.
func (t *Table[T]) Len() int { return len(t.slots) }

// Donate offers old — a reference the caller is about to drop — to any
// hazard record still protecting it, transferring ownership instead of
// letting the reader race a reclaimed pointee. If no slot is protecting
// old, the caller must release it itself (Donate reports false).
func (t *Table[T]) Donate(old *T) bool {
	if old == nil {
		return true
	}
	for i := range t.slots {
		s := &t.slots[i]
		if s.ptr.Load() != old {
			continue
		}
		if s.donation.CompareAndSwap(nil, old) {
			s.ptr.CompareAndSwap(old, nil)
			return true
		}
	}
	return false
}
