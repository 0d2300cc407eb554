package cycleptr

import "errors"

// Sentinel errors for the cycleptr façade, checked via errors.Is rather
// than string comparison. Internal conditions from cyclecore are wrapped
// with one of these rather than surfaced directly, so callers never need
// to import internal/cyclecore to branch on a failure.
var (
	// ErrNoPublishedOwner means a Member field's auto-discovery constructor
	// was called with an address no in-flight construction currently
	// publishes, or SharedFromThis was called on a nil or unbound SelfRef.
	ErrNoPublishedOwner = errors.New("cycleptr: no publisher covers this address")

	// ErrExpiredWeak means SharedFromThis found the target control block
	// already collected (Weak.Lock reports the same condition as false).
	ErrExpiredWeak = errors.New("cycleptr: weak pointer expired")

	// ErrExpiredOwner names the condition of a Member field read or assigned
	// after its owning object was collected. No function in this package
	// returns it: Member.Get reports that case as (zero, false), the same as
	// an unset edge, and Set/Clear become no-ops.
	ErrExpiredOwner = errors.New("cycleptr: owner control block expired")

	// ErrAllocationFailure signals a control block or generation could not
	// be allocated, reserved for host resource exhaustion.
	ErrAllocationFailure = errors.New("cycleptr: control block allocation failed")

	// ErrConstructorFailure wraps whatever error a NewStrong constructor
	// callback returned; the partially-built control block is torn down
	// (Abort) before this is returned to the caller.
	ErrConstructorFailure = errors.New("cycleptr: object constructor failed")

	// ErrUnderConstruction means SharedFromThis was called before the
	// owning object's constructor finished.
	ErrUnderConstruction = errors.New("cycleptr: shared_from_this during construction")
)
