package cyclecore

import "errors"

// Sentinel errors for cyclecore. Callers branch on these with errors.Is,
// never on string comparison.
var (
	// ErrNoPublishedOwner indicates a member edge was constructed by
	// publisher lookup but no Publisher entry covers the given address.
	ErrNoPublishedOwner = errors.New("cyclecore: no publisher covers this address")

	// ErrExpiredWeak indicates a weak-to-strong promotion found the target
	// control block already black (collected) or otherwise gone.
	ErrExpiredWeak = errors.New("cyclecore: weak reference expired")

	// ErrUnderConstruction indicates shared_from_this was called before the
	// owning control block finished construction.
	ErrUnderConstruction = errors.New("cyclecore: object still under construction")

	// ErrAllocationFailure signals a control block or generation could not
	// be allocated. Reserved for host-imposed resource limits; cyclecore's
	// own allocation paths do not fail under normal operation.
	ErrAllocationFailure = errors.New("cyclecore: allocation failed")
)
