package cyclecore_test

import (
	"sync/atomic"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/katalvlaran/cycle/internal/cyclecore"
)

// TestWithDelayGCDefersCollection verifies the delay-GC hook is consulted
// in place of running a collection inline, and that the returned Op only
// executes once Run is called.
func TestWithDelayGCDefersCollection(t *testing.T) {
	var captured *cyclecore.Op
	a := cyclecore.NewArena(cyclecore.WithDelayGC(func(op *cyclecore.Op) {
		captured = op
	}))

	var destroyed bool
	cb := cyclecore.NewControlBlock(a, nil)
	cb.SetObject("x", func(any) { destroyed = true })

	cb.Release(false)
	require.False(t, destroyed, "with a delay hook installed, release must not collect inline")
	require.NotNil(t, captured)

	captured.Run()
	require.True(t, destroyed)

	// Idempotent: a second Run must not panic or double-destroy.
	require.NotPanics(t, func() { captured.Run() })
}

// TestWithHazardSlotsOverridesDefault verifies the option is honored rather
// than silently falling back to the host-probed default.
func TestWithHazardSlotsOverridesDefault(t *testing.T) {
	a := cyclecore.NewArena(cyclecore.WithHazardSlots(7))
	require.Equal(t, 7, a.Stats().HazardTableSlots)
}

// TestSetLoggerIsLiveAdjustable verifies the logger can be swapped after
// construction, mirroring SetDelayGC's runtime-adjustable pattern.
func TestSetLoggerIsLiveAdjustable(t *testing.T) {
	a := cyclecore.NewArena()
	require.NotPanics(t, func() { a.SetLogger(logr.Discard()) })

	var calls atomic.Int64
	a.SetLogger(logr.New(countingLogger{&calls}))

	var destroyed bool
	cb := cyclecore.NewControlBlock(a, nil)
	cb.SetObject("x", func(any) { destroyed = true })
	cb.Release(false)

	require.True(t, destroyed)
	require.Greater(t, calls.Load(), int64(0), "a gc pass must emit at least one V(1) trace line")
}

// countingLogger is a minimal logr.LogSink that counts Info calls, enough
// to assert the ambient logging hook actually fires without depending on a
// specific logging backend.
type countingLogger struct{ n *atomic.Int64 }

func (l countingLogger) Init(logr.RuntimeInfo)                  {}
func (l countingLogger) Enabled(level int) bool                 { return true }
func (l countingLogger) Info(level int, msg string, kv ...any)  { l.n.Add(1) }
func (l countingLogger) Error(err error, msg string, kv ...any) { l.n.Add(1) }
func (l countingLogger) WithValues(kv ...any) logr.LogSink      { return l }
func (l countingLogger) WithName(name string) logr.LogSink      { return l }

var _ logr.LogSink = countingLogger{}
