package hazard_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/katalvlaran/cycle/internal/hazard"
	"github.com/stretchr/testify/require"
)

type node struct {
	id    int
	freed atomic.Bool
}

// TestReadNilCell VERIFIES that reading an empty cell returns (nil, true)
// without claiming a slot permanently.
func TestReadNilCell(t *testing.T) {
	table := hazard.NewTable[node](4)
	var cell atomic.Pointer[node]

	rec := table.Acquire()
	got, ok := rec.Read(&cell, func(*node) bool { return true }, func(*node) {})
	require.True(t, ok)
	require.Nil(t, got)
}

// TestReadStableCell VERIFIES the common case: a cell that does not change
// under us is read and acquired exactly once.
func TestReadStableCell(t *testing.T) {
	table := hazard.NewTable[node](4)
	var cell atomic.Pointer[node]
	n := &node{id: 1}
	cell.Store(n)

	var acquired int
	rec := table.Acquire()
	got, ok := rec.Read(&cell, func(c *node) bool {
		acquired++
		return true
	}, func(*node) { t.Fatal("unexpected release of a confirmed read") })

	require.True(t, ok)
	require.Same(t, n, got)
	require.Equal(t, 1, acquired)
}

// TestDonateWithNoReaderThenRead VERIFIES that a writer donating a value no
// slot protects gets false back (it keeps the reference), and that this
// leaves no stray donation behind: a later Read of a cell holding that same
// value acquires it normally, exactly once.
func TestDonateWithNoReaderThenRead(t *testing.T) {
	table := hazard.NewTable[node](4)
	var cell atomic.Pointer[node]
	oldNode := &node{id: 1}
	cell.Store(oldNode)

	rec := table.Acquire()
	// A writer clears the cell and donates the old value before any reader
	// has published it.
	cell.Store(nil)
	require.False(t, table.Donate(oldNode), "no slot published yet: Donate reports false")

	cell.Store(oldNode) // the cell holds the old value again
	var acquired int
	got, ok := rec.Read(&cell, func(c *node) bool {
		acquired++
		return true
	}, func(*node) {})
	require.True(t, ok)
	require.Same(t, oldNode, got)
	require.Equal(t, 1, acquired)
}

// TestConcurrentStoreAndRead VERIFIES that many goroutines storing fresh
// nodes into one shared cell and reading it back through hazard records
// run without a panic or race, with acquireFn checking each pointee is not
// marked freed. No goroutine here donates or frees a node.
func TestConcurrentStoreAndRead(t *testing.T) {
	const goroutines = 64
	const rounds = 200

	table := hazard.NewTable[node](16)
	var cell atomic.Pointer[node]
	cell.Store(&node{id: 0})

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				rec := table.Acquire()
				n := &node{id: id*rounds + i}
				cell.Store(n)
				got, ok := rec.Read(&cell, func(c *node) bool {
					require.False(t, c.freed.Load(), "read an already-freed node")
					return true
				}, func(c *node) {})
				if ok && got != nil {
					// no-op: this test only asserts the invariant above.
				}
			}
		}(g)
	}
	wg.Wait()
}
