package mesh

import "errors"

// Recoverable errors: callers are expected to check these with errors.Is
// and continue.
var (
	// ErrNoMessages is returned by a non-blocking receive when the
	// endpoint's queue currently has nothing deliverable.
	ErrNoMessages = errors.New("mesh: no messages")

	// ErrTimedOut is returned by a deadline-bound receive that reached its
	// deadline without a message becoming available.
	ErrTimedOut = errors.New("mesh: timed out")

	// ErrBridgeIO names a bridge connection failure. No function in this
	// module returns it: the bridge handles a failed read or write by
	// closing that connection, and a connector then dials again.
	ErrBridgeIO = errors.New("mesh: bridge io error")
)

// Fatal errors: these indicate a programming error and are used as panic
// values rather than returned, matching the payload API's "the only sane
// way to handle this situation is to panic" stance.
var (
	// ErrTypeMismatch is the panic value when a typed payload is extracted
	// as the wrong type.
	ErrTypeMismatch = errors.New("mesh: type mismatch")

	// ErrOutOfBounds is the panic value for any buffer access past its
	// capacity.
	ErrOutOfBounds = errors.New("mesh: out of bounds")

	// ErrWrongPayloadKind is the panic value when an operation valid for
	// only one payload kind (e.g. Duplicate on a non-Raw message) is
	// attempted on another kind.
	ErrWrongPayloadKind = errors.New("mesh: wrong payload kind")
)
