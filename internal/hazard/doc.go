// Package hazard implements a fixed-size, cache-line-padded hazard pointer
// table: a lock-free mechanism for reading a concurrently-mutated pointer
// cell and acquiring a reference on its pointee without ever observing a
// pointee that has already dropped to a zero refcount and been reclaimed.
//
// A Table[T] is process- (or arena-) wide and shared by every reader; each
// caller obtains a Record via Acquire, uses it for one protected read via
// Record.Read, and gives the slot back. Writers that overwrite or clear a
// guarded cell call Table.Donate with the old value so that any reader
// currently protecting it receives the outgoing reference instead of racing
// the writer's release.
//
// This mirrors, at the level of a single pointer cell, a split-lock
// discipline: readers and writers touch disjoint, narrowly-scoped state
// (here, one slot at a time) so contention stays local instead of
// serializing on one global lock.
package hazard
