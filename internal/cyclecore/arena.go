package cyclecore

import (
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sync/singleflight"

	"github.com/katalvlaran/cycle/internal/hazard"
)

// defaultHazardSlots is used when an Arena is built without an explicit
// WithHazardSlots option and the host-CPU probe cannot resolve a count.
const defaultHazardSlots = 32

// minSeqFloor is the lowest legal value for minSeqGap: sequence numbers
// below 3 can collide with the unowned generation's seq == 0 singleton, so
// the floor is enforced here rather than left to caller discretion.
const minSeqFloor = 3

// DelayFunc receives a GC operation handle; it must eventually invoke Run
// on it (possibly on another goroutine or executor). A nil DelayFunc means
// the requesting goroutine runs the collection inline.
type DelayFunc func(*Op)

// Arena is a self-contained set of generations sharing one pair of hazard
// tables, one publisher map, one sequence-number counter, and one
// delay-GC hook. Bundling this mutable, process-wide-in-spirit state behind
// a constructible value (rather than package globals) lets tests run many
// independent collectors without interference, the same reasoning that
// favors a constructor returning a handle over package-level mutable state.
type Arena struct {
	controlHaz *hazard.Table[ControlBlock]
	genHaz     *hazard.Table[Generation]
	pub        *Publisher

	seqCounter atomic.Uint64
	seqStep    uint64
	minSeqGap  uint64

	delayMu sync.RWMutex
	delayFn DelayFunc

	logMu sync.RWMutex
	log   logr.Logger

	gcGroup  singleflight.Group
	cpuProbe func() (float64, error)

	unowned *Generation

	gensMu   sync.RWMutex
	liveGens []*Generation
}

// registerGeneration adds g to the arena's live-generation roster, used
// only by Stats for diagnostics.
func (a *Arena) registerGeneration(g *Generation) {
	a.gensMu.Lock()
	a.liveGens = append(a.liveGens, g)
	a.gensMu.Unlock()
}

// deregisterGeneration removes g from the roster once it has been drained
// by a merge: a Generation is destroyed when refs reaches 0 and must be
// empty of controls at that moment.
func (a *Arena) deregisterGeneration(g *Generation) {
	a.gensMu.Lock()
	defer a.gensMu.Unlock()
	for i, h := range a.liveGens {
		if h == g {
			a.liveGens = append(a.liveGens[:i], a.liveGens[i+1:]...)
			return
		}
	}
}

// Option configures an Arena at construction, following the usual
// functional-options shape.
type Option func(*arenaConfig)

type arenaConfig struct {
	hazardSlots int
	seqStep     uint64
	minSeqGap   uint64
	delayFn     DelayFunc
	log         logr.Logger
	cpuProbe    func() (float64, error)
}

// WithHazardSlots sets the size of both hazard tables (control-block reads
// and generation-pointer reads share the slot count). A non-positive value
// is ignored.
func WithHazardSlots(n int) Option {
	return func(c *arenaConfig) {
		if n > 0 {
			c.hazardSlots = n
		}
	}
}

// WithSeqStep sets the step between successive generation sequence
// numbers (default 2: the low bit is reserved for the "moveable" flag, so
// the step must stay even).
func WithSeqStep(n uint64) Option {
	return func(c *arenaConfig) {
		if n >= 2 && n%2 == 0 {
			c.seqStep = n
		}
	}
}

// WithMinSeqGap sets the minimum gap fix_ordering requires before sliding a
// moveable generation's sequence number down in place of a merge (default
// lower bound of 3, exposed here instead of hard-coded so callers can push
// past the unowned-generation collision zone).
func WithMinSeqGap(n uint64) Option {
	return func(c *arenaConfig) {
		if n >= minSeqFloor {
			c.minSeqGap = n
		}
	}
}

// WithDelayGC installs the process-wide GC scheduling hook at construction
// time (equivalent to calling Arena.SetDelayGC immediately after NewArena).
func WithDelayGC(fn DelayFunc) Option {
	return func(c *arenaConfig) { c.delayFn = fn }
}

// WithLogger installs a logr.Logger used for V(1) tracing of GC phase
// transitions, merges, and GC scheduling decisions. The default is
// logr.Discard(), matching the hot acquire/release/assign paths staying
// silent.
func WithLogger(l logr.Logger) Option {
	return func(c *arenaConfig) { c.log = l }
}

// WithCPUProbe overrides the host-load probe consulted by GC-scheduling
// backpressure (see Generation.requestGC). Tests inject a deterministic probe
// here instead of depending on gopsutil's real host sampling.
func WithCPUProbe(probe func() (float64, error)) Option {
	return func(c *arenaConfig) { c.cpuProbe = probe }
}

// NewArena builds an Arena ready to host generations. Sizing defaults to a
// host-CPU-derived hazard slot count via gopsutil, falling back to
// defaultHazardSlots if the host cannot be probed (e.g. in a sandboxed CI
// container).
func NewArena(opts ...Option) *Arena {
	cfg := arenaConfig{
		hazardSlots: probeHazardSlots(),
		seqStep:     2,
		minSeqGap:   minSeqFloor,
		log:         logr.Discard(),
		cpuProbe:    probeCPUPercent,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	a := &Arena{
		controlHaz: hazard.NewTable[ControlBlock](cfg.hazardSlots),
		genHaz:     hazard.NewTable[Generation](cfg.hazardSlots),
		pub:        newPublisher(),
		seqStep:    cfg.seqStep,
		minSeqGap:  cfg.minSeqGap,
		delayFn:    cfg.delayFn,
		log:        cfg.log,
		cpuProbe:   cfg.cpuProbe,
	}
	// Seed the counter so the first real generation's seq lands above the
	// unowned singleton (seq == 0) by at least minSeqGap.
	a.seqCounter.Store(cfg.minSeqGap - 1)
	a.unowned = newUnownedGeneration(a)

	return a
}

// probeHazardSlots sizes the default hazard table off the host's logical
// CPU count via gopsutil; any probe failure falls back to a fixed default
// rather than propagating an error from NewArena, since hazard table sizing
// is a performance tunable, not a correctness requirement (more readers
// than slots merely serializes more round-robin reuse: a reader waits for
// its slot to be free before claiming it).
func probeHazardSlots() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return defaultHazardSlots
	}
	if n < 4 {
		return defaultHazardSlots
	}
	return n * 4
}

// probeCPUPercent is the default cpuProbe: a short, non-blocking host load
// sample consulted only when no delay hook is installed, to decide whether a
// requested GC runs inline or on a background goroutine (see
// Generation.requestGC).
func probeCPUPercent() (float64, error) {
	pcts, err := cpu.Percent(0, false)
	if err != nil || len(pcts) == 0 {
		return 0, err
	}
	return pcts[0], nil
}

// SetDelayGC installs (or clears, with nil) the process-wide GC scheduling
// hook. Installation is guarded by delayMu so a concurrent requestGC always
// observes a fully-installed hook or none, never a partial write.
func (a *Arena) SetDelayGC(fn DelayFunc) {
	a.delayMu.Lock()
	defer a.delayMu.Unlock()
	a.delayFn = fn
}

func (a *Arena) loadDelayGC() DelayFunc {
	a.delayMu.RLock()
	defer a.delayMu.RUnlock()
	return a.delayFn
}

// SetLogger installs a new logr.Logger, replacing the one set at
// construction (or via a prior SetLogger call). Guarded the same way as
// SetDelayGC: a concurrent Logger() call always observes a complete
// assignment, never a torn one.
func (a *Arena) SetLogger(l logr.Logger) {
	a.logMu.Lock()
	defer a.logMu.Unlock()
	a.log = l
}

// Logger returns the arena's current logr.Logger.
func (a *Arena) Logger() logr.Logger {
	a.logMu.RLock()
	defer a.logMu.RUnlock()
	return a.log
}

// Unowned returns the arena's singleton non-participating generation (seq
// == 0), used for control blocks explicitly opted out of cycle collection.
func (a *Arena) Unowned() *Generation { return a.unowned }

// Publisher returns the arena's address-range publisher map.
func (a *Arena) Publisher() *Publisher { return a.pub }

// Stats is a read-only diagnostic snapshot: it walks live state under the
// same locks normal operations use rather than maintaining redundant
// counters.
type Stats struct {
	Generations      int
	ControlBlocks    int
	HazardTableSlots int
}

// Stats snapshots the arena. It is O(generations + control blocks) and
// takes each generation's structureMu briefly (read-only); it is a
// diagnostic, not a hot-path operation.
func (a *Arena) Stats() Stats {
	a.gensMu.RLock()
	gens := append([]*Generation(nil), a.liveGens...)
	a.gensMu.RUnlock()

	s := Stats{Generations: len(gens), HazardTableSlots: a.controlHaz.Len()}
	for _, g := range gens {
		g.structureMu.RLock()
		s.ControlBlocks += g.count
		g.structureMu.RUnlock()
	}
	return s
}
