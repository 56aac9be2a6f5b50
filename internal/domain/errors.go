package domain

import "errors"

var (
	// ErrStoreUnavailable wraps local persistence failures. Fatal to the
	// calling operation, surfaced verbatim.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNetworkUnreachable marks a delivery attempt that never reached the
	// remote. Recoverable; flips connectivity to offline.
	ErrNetworkUnreachable = errors.New("network unreachable")

	// ErrTimeout marks a delivery attempt that exceeded its deadline.
	// Treated identically to a network failure.
	ErrTimeout = errors.New("delivery timed out")

	// ErrRemoteRejected marks a delivery that reached the server and was
	// refused. Counts toward the retry ceiling, does not flip connectivity.
	ErrRemoteRejected = errors.New("remote rejected")

	// ErrInvalidTransition is returned when a timer transition is requested
	// from an incompatible state. No mutation occurs.
	ErrInvalidTransition = errors.New("invalid timer transition")

	ErrTaskNotFound = errors.New("task not found")
)
