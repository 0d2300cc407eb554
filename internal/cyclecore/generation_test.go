package cyclecore_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katalvlaran/cycle/internal/cyclecore"
)

// TestArenaStatsTracksLiveGenerations exercises Arena.Stats as a read-only
// diagnostic over live generations and their control-block counts.
func TestArenaStatsTracksLiveGenerations(t *testing.T) {
	a := cyclecore.NewArena()
	baseline := a.Stats()

	var destroyed bool
	_ = newNode(a, &destroyed)

	s := a.Stats()
	require.Equal(t, baseline.Generations+1, s.Generations)
	require.Equal(t, baseline.ControlBlocks+1, s.ControlBlocks)
	require.Greater(t, s.HazardTableSlots, 0)
}

// TestUnownedGenerationNeverParticipatesInOrdering checks that a control
// block allocated into the arena's unowned singleton never needs a merge:
// Unowned() is shared by any number of independently-allocated blocks
// without fix_ordering ever moving or merging it.
func TestUnownedGenerationNeverParticipatesInOrdering(t *testing.T) {
	a := cyclecore.NewArena()
	u := a.Unowned()

	cb1 := cyclecore.NewControlBlock(a, u)
	cb2 := cyclecore.NewControlBlock(a, u)

	require.Equal(t, uint64(0), u.Seq())
	require.Equal(t, 2, u.ControlCount())

	v := cyclecore.NewVertex(cb1)
	cb2.AcquireNoRed()
	v.Reset(cb2, true, true) // both members of the same (unowned) generation: internal edge

	require.Equal(t, uint64(1), cb2.Refs(), "internal edge must not hold its own strong ref")
}

// TestUnownedGenerationSurvivesCrossingEdges checks that an edge crossing
// the unowned generation's boundary in either direction is accounted as an
// ordinary cross-generation reference, without ever invoking merge against
// the singleton: the unowned generation's seq stays 0 and its membership
// count stays at its one own control block, regardless of how many
// cross-generation edges point into or out of it.
func TestUnownedGenerationSurvivesCrossingEdges(t *testing.T) {
	a := cyclecore.NewArena()
	u := a.Unowned()

	var destroyedUnowned, destroyedOrdinary bool
	unownedCB := cyclecore.NewControlBlock(a, u)
	unownedCB.SetObject("u", func(any) { destroyedUnowned = true })
	ordinaryCB := newNode(a, &destroyedOrdinary)

	// ordinary -> unowned
	vOut := cyclecore.NewVertex(ordinaryCB)
	unownedCB.AcquireNoRed()
	vOut.Reset(unownedCB, true, true)
	require.Equal(t, uint64(0), u.Seq(), "unowned generation's seq must never move")
	require.Equal(t, uint64(2), unownedCB.Refs(), "crossing edge must hold its own strong ref")

	// unowned -> ordinary
	vIn := cyclecore.NewVertex(unownedCB)
	ordinaryCB.AcquireNoRed()
	vIn.Reset(ordinaryCB, true, true)
	require.Equal(t, uint64(0), u.Seq())
	require.Equal(t, 1, u.ControlCount(), "merge must never fold the unowned singleton away")

	vOut.Clear()
	vIn.Clear()
	unownedCB.Release(false)
	ordinaryCB.Release(false)

	require.True(t, destroyedUnowned)
	require.True(t, destroyedOrdinary)
}

// TestMergeRecursesThroughThirdGeneration exercises the recursive pre-merge
// step with three distinct generations: A.x := B and B.y := C
// are both set up while each still orders correctly (A precedes B precedes
// C), then C.z := A forces a merge of A into C. Absorbing A's outgoing edge
// A.x -> B into C would leave C -> B with C's seq no longer below B's,
// violating the ordering invariant unless B is folded into C as well before
// the outer merge completes. The test stays at the public API (generation
// internals are unexported) and asserts the only thing observable from
// outside: once every external reference is dropped, the three-way cycle
// collects as a unit, which a left-unresolved ordering violation would put
// at risk on a subsequent mutation of the merged generation.
func TestMergeRecursesThroughThirdGeneration(t *testing.T) {
	a := cyclecore.NewArena()
	var destroyedA, destroyedB, destroyedC bool
	cbA := newNode(a, &destroyedA)
	cbB := newNode(a, &destroyedB)
	cbC := newNode(a, &destroyedC)

	vAx := cyclecore.NewVertex(cbA)
	cbB.AcquireNoRed()
	vAx.Reset(cbB, true, true) // A.x := B, A already precedes B

	vBy := cyclecore.NewVertex(cbB)
	cbC.AcquireNoRed()
	vBy.Reset(cbC, true, true) // B.y := C, B already precedes C

	vCz := cyclecore.NewVertex(cbC)
	cbA.AcquireNoRed()
	vCz.Reset(cbA, true, true) // C.z := A: forces A's generation to merge into C's, recursively pulling B along

	cbA.Release(false)
	cbB.Release(false)
	cbC.Release(false)

	require.True(t, destroyedA)
	require.True(t, destroyedB)
	require.True(t, destroyedC)
}

// TestGenerationControlCountDropsAfterCollection exercises the generation
// membership count: collecting a control block must remove it from its
// generation's live count, and Stats must reflect that.
func TestGenerationControlCountDropsAfterCollection(t *testing.T) {
	a := cyclecore.NewArena()
	var destroyed bool
	cb := newNode(a, &destroyed)

	before := a.Stats()
	require.NotPanics(t, func() { cb.Release(false) })
	require.True(t, destroyed)

	after := a.Stats()
	require.Equal(t, before.ControlBlocks-1, after.ControlBlocks)
}

// TestConcurrentCycleMutation stresses Reset/Dst/Acquire/Release from many
// goroutines simultaneously across a shared set of nodes: the assertion is
// the absence of a panic or race, not a specific surviving topology.
func TestConcurrentCycleMutation(t *testing.T) {
	a := cyclecore.NewArena()
	const n = 32
	nodes := make([]*cyclecore.ControlBlock, n)
	edges := make([]*cyclecore.Vertex, n)
	destroyedFlags := make([]bool, n)
	for i := range nodes {
		nodes[i] = newNode(a, &destroyedFlags[i])
		edges[i] = cyclecore.NewVertex(nodes[i])
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			target := nodes[(i+1)%n]
			target.AcquireNoRed()
			edges[i].Reset(target, true, true)
			_, _ = edges[i].Dst()
		}()
	}
	wg.Wait()

	// Drop every external reference; whatever remains reachable through
	// the ring of edges is exercised by a final GC request per node.
	for i := range nodes {
		nodes[i].Release(false)
	}
}

// TestWeakAcquireRacesCollection stresses WeakAcquire against a concurrent
// Release that drives the refcount to zero and triggers a gc() pass on the
// same generation: every successful promotion must observe a still-live
// object (never a dangling or half-destroyed one), and once the object is
// gone every subsequent attempt must fail rather than resurrect it. This is
// the property behind scenario S5 (weak promotion races collection) —
// WeakAcquire either succeeds and pins the object live, or observes it
// already blackened, never something in between.
func TestWeakAcquireRacesCollection(t *testing.T) {
	a := cyclecore.NewArena()
	const rounds = 500

	for i := 0; i < rounds; i++ {
		var destroyed bool
		cb := newNode(a, &destroyed)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			cb.Release(false) // drops the last strong ref, may trigger gc() inline
		}()
		go func() {
			defer wg.Done()
			if cb.WeakAcquire() {
				// A successful promotion must observe the object still live:
				// blacken() only flips a block that is still (0, Red) in one
				// CAS, so a promotion that lands first keeps the block out of
				// the unreachable set, and one that lands after sees Black.
				_, ok := cb.Object()
				require.True(t, ok, "WeakAcquire returned true for an already-destroyed object")
				cb.Release(false)
			}
		}()
		wg.Wait()
	}
}
