package engine

import (
	"strings"

	"github.com/dshills/cdbengine/internal/debug/command"
)

// Mask selects the views refreshed by a command sequence.
type Mask uint

// Views in refresh priority order.
const (
	MaskStack Mask = 1 << iota
	MaskThreads
	MaskRegisters
	MaskModules

	MaskAll = MaskStack | MaskThreads | MaskRegisters | MaskModules
)

// Has reports whether m contains all bits of bit.
func (m Mask) Has(bit Mask) bool {
	return m&bit == bit
}

// String lists the views in m.
func (m Mask) String() string {
	var parts []string
	for _, s := range sequenceSteps {
		if m.Has(s.bit) {
			parts = append(parts, s.service)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

type sequenceStep struct {
	bit     Mask
	service string
}

var sequenceSteps = []sequenceStep{
	{MaskStack, "stack"},
	{MaskThreads, "threads"},
	{MaskRegisters, "registers"},
	{MaskModules, "modules"},
}

func (e *Engine) refreshMask() Mask {
	m := MaskStack | MaskThreads
	if e.cfg.RefreshRegisters {
		m |= MaskRegisters
	}
	if e.cfg.RefreshModules {
		m |= MaskModules
	}
	return m
}

// PostCommandSequence refreshes the views in mask one at a time, in the order
// stack, threads, registers, modules. Each completion posts the next step.
// An empty mask does nothing.
func (e *Engine) PostCommandSequence(mask Mask) {
	mask &= MaskAll
	if mask == 0 {
		return
	}

	for _, step := range sequenceSteps {
		if !mask.Has(step.bit) {
			continue
		}
		rest := mask &^ step.bit
		_, err := e.dispatcher.PostExtension(step.service, command.FlagQuiet, e.handleSequenceReply, uint(rest), step.bit)
		if err != nil {
			e.logger.Warn("refresh sequence interrupted", "step", step.service, "remaining", rest, "error", err)
		}
		return
	}
}

func (e *Engine) handleSequenceReply(cmd *command.ExtensionCommand) {
	bit, _ := cmd.Cookie.(Mask)

	// A resume while the step was in flight makes the reply stale and the
	// remaining steps unpostable.
	if e.state != StateStopped || !e.Accessible() {
		e.logger.Debug("refresh sequence dropped", "step", cmd.Service, "state", e.state, "remaining", Mask(cmd.Continuation))
		return
	}

	if !cmd.Success {
		e.message("Unable to refresh " + cmd.Service + ": " + cmd.Error)
	} else {
		e.deliverView(bit, cmd)
	}
	e.PostCommandSequence(Mask(cmd.Continuation))
}

func (e *Engine) deliverView(bit Mask, cmd *command.ExtensionCommand) {
	switch bit {
	case MaskStack:
		if e.handlers.OnStack != nil {
			e.handlers.OnStack(ParseStack(cmd.Reply))
		}
	case MaskThreads:
		if e.handlers.OnThreads != nil {
			e.handlers.OnThreads(ParseThreads(cmd.Reply))
		}
	case MaskRegisters:
		if e.handlers.OnRegisters != nil {
			e.handlers.OnRegisters(ParseRegisters(cmd.Reply))
		}
	case MaskModules:
		if e.handlers.OnModules != nil {
			e.handlers.OnModules(ParseModules(cmd.Reply))
		}
	}
}
