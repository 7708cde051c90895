package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dshills/cdbengine/internal/debug/command"
)

// BreakpointState is the synchronization state of a breakpoint model entry.
type BreakpointState int

const (
	// BreakpointInsertRequested is a new entry not yet known to the debugger.
	BreakpointInsertRequested BreakpointState = iota
	// BreakpointChangeRequested is an inserted entry whose settings changed.
	BreakpointChangeRequested
	// BreakpointRemoveRequested is an entry to be removed from the debugger.
	BreakpointRemoveRequested
	// BreakpointInserted is in sync with the debugger.
	BreakpointInserted
)

// String returns a human-readable state name.
func (s BreakpointState) String() string {
	switch s {
	case BreakpointInsertRequested:
		return "insert-requested"
	case BreakpointChangeRequested:
		return "change-requested"
	case BreakpointRemoveRequested:
		return "remove-requested"
	case BreakpointInserted:
		return "inserted"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// BreakpointKind is how a breakpoint location is specified.
type BreakpointKind int

const (
	// BreakpointFileLine breaks at a source file and line.
	BreakpointFileLine BreakpointKind = iota
	// BreakpointFunction breaks on entry to a named function.
	BreakpointFunction
	// BreakpointAddress breaks at a code address.
	BreakpointAddress
)

// String returns a human-readable kind name.
func (k BreakpointKind) String() string {
	switch k {
	case BreakpointFileLine:
		return "file-line"
	case BreakpointFunction:
		return "function"
	case BreakpointAddress:
		return "address"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// BreakpointRecord is a snapshot of one breakpoint model entry.
type BreakpointRecord struct {
	// ID identifies the entry in the model.
	ID string

	State   BreakpointState
	Enabled bool
	Kind    BreakpointKind

	File     string
	Line     int
	Function string
	Address  string

	// IgnoreCount is the number of hits skipped before the breakpoint stops.
	IgnoreCount int

	// EngineID is the debugger-side id, or 0 if not inserted.
	EngineID int
}

// Location returns the debugger location expression for the record.
func (r BreakpointRecord) Location() string {
	switch r.Kind {
	case BreakpointFileLine:
		return fmt.Sprintf("`%s:%d`", r.File, r.Line)
	case BreakpointFunction:
		return r.Function
	case BreakpointAddress:
		if strings.HasPrefix(r.Address, "0x") || strings.HasPrefix(r.Address, "0X") {
			return r.Address
		}
		return "0x" + r.Address
	default:
		return ""
	}
}

// BreakpointResponse is written back to the model for an entry.
type BreakpointResponse struct {
	EngineID int
	Enabled  bool
	Location string
}

// BreakpointModel is the external owner of breakpoint identity. The engine
// reads snapshots and reports progress through the notify methods.
type BreakpointModel interface {
	Snapshot() []BreakpointRecord
	NotifyInsertProceeding(id string)
	NotifyInsertOk(id string, resp BreakpointResponse)
	NotifyChangeOk(id string, resp BreakpointResponse)
	NotifyRemoveOk(id string)
}

// SyncAction is the outcome of a breakpoint synchronization attempt.
type SyncAction int

const (
	// SyncUnchanged means the debugger already matches the model.
	SyncUnchanged SyncAction = iota
	// SyncAddedOnly inserted new entries.
	SyncAddedOnly
	// SyncFull cleared all breakpoints and reinserted the enabled ones.
	SyncFull
	// SyncDeferred interrupted the debuggee; synchronization resumes at the next stop.
	SyncDeferred
	// SyncImpossible means the debuggee is running and cannot be interrupted.
	SyncImpossible
	// SyncSkipped means the session is not in a state that holds breakpoints.
	SyncSkipped
)

// String returns a human-readable action name.
func (a SyncAction) String() string {
	switch a {
	case SyncUnchanged:
		return "unchanged"
	case SyncAddedOnly:
		return "added-only"
	case SyncFull:
		return "full"
	case SyncDeferred:
		return "deferred"
	case SyncImpossible:
		return "impossible"
	case SyncSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// ClassifyBreakpoints decides which synchronization a snapshot needs.
func ClassifyBreakpoints(records []BreakpointRecord) SyncAction {
	action := SyncUnchanged
	for _, r := range records {
		switch r.State {
		case BreakpointRemoveRequested, BreakpointChangeRequested:
			return SyncFull
		case BreakpointInsertRequested:
			action = SyncAddedOnly
		}
	}
	return action
}

// AttemptBreakpointSync brings the debugger's breakpoints in line with the
// model. A running debuggee is interrupted first and the debuggee resumes
// after the synchronization stop.
func (e *Engine) AttemptBreakpointSync() SyncAction {
	action := e.attemptBreakpointSync()
	if e.syncObserver != nil {
		e.syncObserver.Synced(action)
	}
	return action
}

func (e *Engine) attemptBreakpointSync() SyncAction {
	if e.model == nil {
		return SyncUnchanged
	}
	switch e.state {
	case StateRunning, StateStopRequested, StateStopped:
	default:
		return SyncSkipped
	}

	records := e.model.Snapshot()
	action := ClassifyBreakpoints(records)
	if action == SyncUnchanged {
		return action
	}

	if !e.Accessible() {
		return e.deferSync()
	}

	e.logger.Debug("synchronizing breakpoints", "action", action, "entries", len(records))
	if action == SyncFull {
		e.syncFull(records)
	} else {
		e.syncAdded(records)
	}
	return action
}

func (e *Engine) deferSync() SyncAction {
	if e.specialStop == SpecialStopSyncBreakpoints {
		return SyncDeferred
	}
	if e.state == StateStopRequested {
		// An interrupt is already on its way.
		e.specialStop = SpecialStopSyncBreakpoints
		return SyncDeferred
	}
	if e.interrupter == nil {
		e.message("Cannot change breakpoints while the debuggee is running in a remote session.")
		return SyncImpossible
	}

	e.specialStop = SpecialStopSyncBreakpoints
	if err := e.interrupter.Interrupt(); err != nil {
		e.specialStop = SpecialStopNone
		e.message(fmt.Sprintf("Cannot interrupt to change breakpoints: %v", err))
		return SyncImpossible
	}
	return SyncDeferred
}

func (e *Engine) syncFull(records []BreakpointRecord) {
	if _, err := e.dispatcher.PostBuiltin("bc *", command.FlagQuiet, nil, 0, nil); err != nil {
		e.logger.Error("clear breakpoints", "error", err)
		return
	}
	e.nextBreakpointID = 0

	for _, r := range records {
		switch {
		case r.State == BreakpointRemoveRequested:
			e.model.NotifyRemoveOk(r.ID)
		case !r.Enabled:
			resp := BreakpointResponse{Enabled: false, Location: r.Location()}
			if r.State == BreakpointInsertRequested {
				e.model.NotifyInsertProceeding(r.ID)
				e.model.NotifyInsertOk(r.ID, resp)
			} else {
				e.model.NotifyChangeOk(r.ID, resp)
			}
		default:
			id, ok := e.insertBreakpoint(r)
			if !ok {
				continue
			}
			resp := BreakpointResponse{EngineID: id, Enabled: true, Location: r.Location()}
			if r.State == BreakpointInsertRequested {
				e.model.NotifyInsertProceeding(r.ID)
				e.model.NotifyInsertOk(r.ID, resp)
			} else {
				e.model.NotifyChangeOk(r.ID, resp)
			}
		}
	}
}

func (e *Engine) syncAdded(records []BreakpointRecord) {
	for _, r := range records {
		if r.State != BreakpointInsertRequested {
			continue
		}
		id, ok := e.insertBreakpoint(r)
		if !ok {
			continue
		}
		e.model.NotifyInsertProceeding(r.ID)
		e.model.NotifyInsertOk(r.ID, BreakpointResponse{
			EngineID: id,
			Enabled:  r.Enabled,
			Location: r.Location(),
		})
	}
}

// insertBreakpoint sends the insert commands for r under a fresh engine id.
// Disabled entries are inserted and then disabled so they keep their id.
func (e *Engine) insertBreakpoint(r BreakpointRecord) (int, bool) {
	e.nextBreakpointID++
	id := e.nextBreakpointID

	var b strings.Builder
	b.WriteString("bu")
	b.WriteString(strconv.Itoa(id))
	b.WriteByte(' ')
	b.WriteString(r.Location())
	if r.IgnoreCount > 0 {
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(r.IgnoreCount + 1))
	}

	text := b.String()
	_, err := e.dispatcher.PostBuiltin(text, command.FlagQuiet, func(cmd *command.BuiltinCommand) {
		for _, line := range cmd.Output {
			e.message(fmt.Sprintf("breakpoint %d: %s", id, line))
		}
	}, 0, nil)
	if err != nil {
		e.logger.Error("insert breakpoint", "id", r.ID, "command", text, "error", err)
		return 0, false
	}

	if !r.Enabled {
		if _, err := e.dispatcher.PostBuiltin("bd "+strconv.Itoa(id), command.FlagQuiet, nil, 0, nil); err != nil {
			e.logger.Error("disable breakpoint", "id", r.ID, "error", err)
		}
	}
	return id, true
}
