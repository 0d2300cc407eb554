package cycleptr

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/katalvlaran/cycle/internal/cyclecore"
)

// Option configures the package-wide Arena, following the usual
// functional-options shape.
type Option = cyclecore.Option

var (
	configMu    sync.Mutex
	pendingOpts []cyclecore.Option
	defaultArn  *cyclecore.Arena
	defaultOnce sync.Once
)

// Configure registers options for the package-wide Arena. Call it before any
// Strong/Weak/Member construction: the Arena materializes lazily on first
// use (the first NewStrong, or explicit Stats/SetDelayGC call), and
// construction-time tunables (hazard slots, seq step, min seq gap) have no
// further effect once that happens.
func Configure(opts ...Option) {
	configMu.Lock()
	defer configMu.Unlock()
	pendingOpts = append(pendingOpts, opts...)
}

func arena() *cyclecore.Arena {
	defaultOnce.Do(func() {
		configMu.Lock()
		copts := append([]cyclecore.Option(nil), pendingOpts...)
		configMu.Unlock()
		defaultArn = cyclecore.NewArena(copts...)
	})
	return defaultArn
}

// WithHazardSlots sizes the Arena's hazard tables (default: host-CPU-derived
// via gopsutil; see internal/cyclecore.NewArena).
func WithHazardSlots(n int) Option { return cyclecore.WithHazardSlots(n) }

// WithSeqStep sets the generation sequence-number step (default 2).
func WithSeqStep(n uint64) Option { return cyclecore.WithSeqStep(n) }

// WithMinSeqGap sets the minimum gap fix_ordering requires before sliding a
// moveable generation's sequence number down instead of merging.
func WithMinSeqGap(n uint64) Option { return cyclecore.WithMinSeqGap(n) }

// WithDelayGC installs the process-wide GC scheduling hook at construction
// time (equivalent to calling SetDelayGC immediately after the Arena
// materializes).
func WithDelayGC(fn func(*Op)) Option { return cyclecore.WithDelayGC(adaptDelayFunc(fn)) }

// WithLogger installs a logr.Logger used for V(1) tracing of GC phase
// transitions and merges. Default is logr.Discard().
func WithLogger(l logr.Logger) Option { return cyclecore.WithLogger(l) }

// adaptDelayFunc wraps a façade-level delay hook as a cyclecore.DelayFunc.
func adaptDelayFunc(fn func(*Op)) cyclecore.DelayFunc {
	if fn == nil {
		return nil
	}
	return func(o *cyclecore.Op) { fn(&Op{inner: o}) }
}

// SetDelayGC installs (or clears, with nil) the process-wide GC scheduling
// hook after the Arena has already materialized. Use WithDelayGC instead
// if you can call Configure before first use.
func SetDelayGC(fn func(*Op)) { arena().SetDelayGC(adaptDelayFunc(fn)) }

// SetLogger installs a logr.Logger on the package-wide Arena at any point
// in its lifetime (mirrors SetDelayGC).
func SetLogger(l logr.Logger) { arena().SetLogger(l) }

// Stats returns a diagnostic snapshot of the package-wide Arena.
func Stats() cyclecore.Stats { return arena().Stats() }

// Op is a handle to one pending or in-flight generation collection, handed
// to a DelayGC hook. Run is idempotent.
type Op struct{ inner *cyclecore.Op }

// Run executes the collection this handle represents, or does nothing if a
// racing duplicate already has.
func (o *Op) Run() { o.inner.Run() }
