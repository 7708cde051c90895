package engine

import "fmt"

// State is the lifecycle state of the engine.
type State int

const (
	// StateSettingUp is the initial state until the debugger first accepts commands.
	StateSettingUp State = iota
	// StateInferiorSetupRequested runs the setup commands for the debuggee.
	StateInferiorSetupRequested
	// StateRunning is when the debuggee executes.
	StateRunning
	// StateStopRequested is after an interrupt was sent but before the debuggee stopped.
	StateStopRequested
	// StateStopped is when the debuggee is stopped and views are current.
	StateStopped
	// StateInferiorShutdownRequested is tearing down the debuggee only.
	StateInferiorShutdownRequested
	// StateShutdownRequested is tearing down the debugger.
	StateShutdownRequested
	// StateTerminated is final.
	StateTerminated
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateSettingUp:
		return "setting-up"
	case StateInferiorSetupRequested:
		return "inferior-setup-requested"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop-requested"
	case StateStopped:
		return "stopped"
	case StateInferiorShutdownRequested:
		return "inferior-shutdown-requested"
	case StateShutdownRequested:
		return "shutdown-requested"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// SpecialStopMode records why the engine interrupted the debuggee on its own.
// It is latched before the interrupt and consumed at the next idle report.
type SpecialStopMode int

const (
	// SpecialStopNone means an idle report is an ordinary stop.
	SpecialStopNone SpecialStopMode = iota
	// SpecialStopSyncBreakpoints stops to synchronize breakpoints and resumes afterwards.
	SpecialStopSyncBreakpoints
)

// String returns a human-readable mode name.
func (m SpecialStopMode) String() string {
	switch m {
	case SpecialStopNone:
		return "none"
	case SpecialStopSyncBreakpoints:
		return "sync-breakpoints"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// ExitReason classifies how the debugger process ended.
type ExitReason int

const (
	// ExitRequested is a clean exit after a requested shutdown.
	ExitRequested ExitReason = iota
	// ExitSpontaneous is a clean exit nobody asked for.
	ExitSpontaneous
	// ExitCrashed is an abnormal exit with no commands outstanding.
	ExitCrashed
	// ExitEngineIll is an abnormal exit while commands were outstanding.
	ExitEngineIll
)

// String returns a human-readable exit reason.
func (r ExitReason) String() string {
	switch r {
	case ExitRequested:
		return "requested"
	case ExitSpontaneous:
		return "spontaneous"
	case ExitCrashed:
		return "crashed"
	case ExitEngineIll:
		return "engine-ill"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// ExitReport describes the end of the debugger process.
type ExitReport struct {
	Reason   ExitReason
	ExitCode int

	// Dropped is the number of commands that never completed.
	Dropped int
}

// Abnormal reports whether the exit should be presented as a failure.
func (r ExitReport) Abnormal() bool {
	return r.Reason == ExitCrashed || r.Reason == ExitEngineIll
}
