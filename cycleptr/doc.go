// Package cycleptr provides reference-counted smart pointers that collect
// reference cycles: Strong[T] and Weak[T] mirror a conventional shared/weak
// pointer pair, while Member[T] is the edge field type a managed struct uses
// for pointers to other cyclecore-managed objects, so the collector can walk
// the graph those edges form.
//
// The package itself holds no mark-sweep, merge, or hazard-pointer logic —
// all of that lives in internal/cyclecore. cycleptr is the thin façade
// callers actually construct against: NewStrong allocates, Clone/Close
// manage the strong refcount, Member.Set/Get assign and read edges, and a
// SelfRef bound during construction lets a method running on T recover a
// fresh Strong[T] to itself later via SharedFromThis. A single
// process-wide Arena backs every Strong/Weak/Member value; Configure sets
// its options before first use.
package cycleptr
