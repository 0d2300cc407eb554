package cycleptr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katalvlaran/cycle/cycleptr"
)

// node is a small managed payload with an outgoing Member edge, used across
// this package's tests the way a managed struct would use cycleptr in
// practice.
type node struct {
	name string
	next *cycleptr.Member[*node]
}

// TestNewStrongAndClose exercises the basic allocate/observe/release path.
func TestNewStrongAndClose(t *testing.T) {
	s, err := cycleptr.NewStrong(func(self *cycleptr.Strong[*node]) (*node, error) {
		n := &node{name: "root"}
		n.next = cycleptr.NewMember[*node, *node](self)
		return n, nil
	})
	require.NoError(t, err)

	v, ok := s.Value()
	require.True(t, ok)
	require.Equal(t, "root", v.name)

	s.Close()
}

// TestNewStrongConstructorFailureAborts exercises construction failure at
// the façade level: a constructor error must abort the control block
// rather than leave a half-built Strong around.
func TestNewStrongConstructorFailureAborts(t *testing.T) {
	wantErr := errors.New("boom")
	s, err := cycleptr.NewStrong(func(self *cycleptr.Strong[*node]) (*node, error) {
		return nil, wantErr
	})

	require.Error(t, err)
	require.ErrorIs(t, err, cycleptr.ErrConstructorFailure)
	require.ErrorIs(t, err, wantErr)
	require.False(t, s.IsValid())
}

// TestCloneAndCloseBalanceRefcount exercises Clone/Close as a balanced
// acquire/release pair, mirroring a conventional shared_ptr copy.
func TestCloneAndCloseBalanceRefcount(t *testing.T) {
	s, err := cycleptr.NewStrong(func(self *cycleptr.Strong[*node]) (*node, error) {
		return &node{name: "a"}, nil
	})
	require.NoError(t, err)

	clone := s.Clone()
	require.Equal(t, uint64(2), s.Refs())

	clone.Close()
	require.Equal(t, uint64(1), s.Refs())

	s.Close()
}

// TestDowngradeAndLock exercises Weak.Lock succeeding while the object is
// still reachable, and failing after it has been collected.
func TestDowngradeAndLock(t *testing.T) {
	s, err := cycleptr.NewStrong(func(self *cycleptr.Strong[*node]) (*node, error) {
		return &node{name: "a"}, nil
	})
	require.NoError(t, err)

	w := s.Downgrade()
	promoted, ok := w.Lock()
	require.True(t, ok)
	require.Equal(t, uint64(2), s.Refs())
	promoted.Close()

	s.Close() // last strong ref: collects the object

	_, ok = w.Lock()
	require.False(t, ok, "locking a weak reference after collection must fail")
	require.True(t, w.Expired())
	w.Close()
}

// TestZeroValueStrongIsSafe exercises the zero-value "no pointer" contract.
func TestZeroValueStrongIsSafe(t *testing.T) {
	var s cycleptr.Strong[*node]
	require.False(t, s.IsValid())
	_, ok := s.Value()
	require.False(t, ok)
	require.NotPanics(t, func() {
		s.Close()
		_ = s.Clone()
	})
}

// TestNewAliasedSharesOwnership exercises the aliasing constructor: the
// returned Strong must add one strong reference on the owner's control
// block while exposing a different value entirely.
func TestNewAliasedSharesOwnership(t *testing.T) {
	s, err := cycleptr.NewStrong(func(self *cycleptr.Strong[*node]) (*node, error) {
		return &node{name: "owner"}, nil
	})
	require.NoError(t, err)

	alias := cycleptr.NewAliased(s, "field-value")
	require.Equal(t, uint64(2), s.Refs(), "aliasing must add one strong reference on the owner")

	v, ok := alias.Value()
	require.True(t, ok)
	require.Equal(t, "field-value", v)

	alias.Close()
	require.Equal(t, uint64(1), s.Refs())
	s.Close()
}

// TestNewStrongUnownedCollectsOwnCycle exercises the opt-out generation: a
// pair of objects that both live in the shared unowned generation and form
// a cycle between themselves must still be collected once their external
// references are dropped, since that cycle is internal to one generation
// and never needed a merge to begin with.
func TestNewStrongUnownedCollectsOwnCycle(t *testing.T) {
	var destroyedA, destroyedB bool

	a, err := cycleptr.NewStrongUnowned(func(self *cycleptr.Strong[*destroyNode]) (*destroyNode, error) {
		n := &destroyNode{onClose: func() { destroyedA = true }}
		n.next = cycleptr.NewMember[*destroyNode, *destroyNode](self)
		return n, nil
	})
	require.NoError(t, err)

	b, err := cycleptr.NewStrongUnowned(func(self *cycleptr.Strong[*destroyNode]) (*destroyNode, error) {
		n := &destroyNode{onClose: func() { destroyedB = true }}
		n.next = cycleptr.NewMember[*destroyNode, *destroyNode](self)
		return n, nil
	})
	require.NoError(t, err)

	av, _ := a.Value()
	bv, _ := b.Value()
	av.next.Set(b)
	bv.next.Set(a)

	a.Close()
	b.Close()

	require.True(t, destroyedA)
	require.True(t, destroyedB)
}
