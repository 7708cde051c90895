package app

import (
	"errors"
	"fmt"
)

// Session errors.
var (
	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("session already running")

	// ErrNoReport indicates the debugger exited without the engine
	// producing an exit report.
	ErrNoReport = errors.New("debugger exited without a report")
)

// OperationError represents a failure of one session setup step.
type OperationError struct {
	Op     string // Operation name (e.g., "start", "watch")
	Target string // Target of the operation (e.g., executable or file path)
	Err    error  // Underlying error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *OperationError) Unwrap() error {
	return e.Err
}
