// Package cyclecore implements the concurrent, cycle-collecting core behind
// the cycleptr façade: the control block, the vertex (edge) type, the
// generation (the unit of mark-sweep collection and the inter-generation
// merge protocol), and the publisher map objects use to discover their
// owning control block during construction.
//
// The four types are mutually recursive: a ControlBlock points at its
// owning Generation, a Generation owns a list of ControlBlocks, and a
// Vertex is an edge living inside one ControlBlock's edge list whose
// destination is another ControlBlock. None of that graph is expressible
// across package boundaries without an import cycle, so it lives here, in
// one package, bundled the way a graph's vertex set, adjacency list, and
// edge catalog are kept together rather than split across packages that
// would need to import each other.
//
// Locking discipline (a split-lock model scaled up to the generation's
// extra merge and weak-promotion concerns):
//
//  1. mergeMu before structureMu on the same generation.
//  2. Across two generations being merged: the generation with the lower
//     sequence number (ties broken by address) locks before the other.
//  3. A ControlBlock's edgesMu may be taken while holding its generation's
//     structureMu, never the reverse.
//  4. The publisher's mutex is always a leaf.
package cyclecore
