package engine

import "errors"

// Sentinel errors for engine operations.
var (
	// ErrInvalidState is returned when an operation does not apply to the current state.
	ErrInvalidState = errors.New("operation not valid in current state")

	// ErrCannotInterrupt is returned when the debuggee must be stopped but the
	// session has no way to interrupt it, for example a remote session.
	ErrCannotInterrupt = errors.New("debuggee cannot be interrupted")

	// ErrTerminated is returned for operations on a terminated engine.
	ErrTerminated = errors.New("engine terminated")
)
