package engine

import (
	"fmt"

	"github.com/dshills/cdbengine/internal/debug/command"
)

// Continue resumes the stopped debuggee.
func (e *Engine) Continue() error {
	return e.run("g")
}

// StepOver executes one source line, stepping over calls.
func (e *Engine) StepOver() error {
	return e.run("p")
}

// StepInto executes one source line, stepping into calls.
func (e *Engine) StepInto() error {
	return e.run("t")
}

// StepOut runs until the current function returns.
func (e *Engine) StepOut() error {
	return e.run("gu")
}

func (e *Engine) run(cmd string) error {
	if e.state == StateTerminated {
		return ErrTerminated
	}
	if e.state != StateStopped {
		return fmt.Errorf("%s in state %s: %w", cmd, e.state, ErrInvalidState)
	}
	return e.resume(cmd)
}

// resume sends an execution command. The debugger stops accepting commands
// until the next idle report.
func (e *Engine) resume(cmd string) error {
	if _, err := e.dispatcher.PostBuiltin(cmd, command.FlagQuiet, nil, 0, nil); err != nil {
		e.message(fmt.Sprintf("cannot resume: %v", err))
		return err
	}
	e.setAccessible(false)
	e.setState(StateRunning)
	return nil
}

// Interrupt asks the running debuggee to stop. The stop completes when the
// debugger reports idle.
func (e *Engine) Interrupt() error {
	if e.state == StateTerminated {
		return ErrTerminated
	}
	if e.state != StateRunning {
		return fmt.Errorf("interrupt in state %s: %w", e.state, ErrInvalidState)
	}
	if e.interrupter == nil {
		e.message("Interrupting is not possible in remote sessions.")
		return ErrCannotInterrupt
	}

	e.setState(StateStopRequested)
	if err := e.interrupter.Interrupt(); err != nil {
		e.setState(StateRunning)
		e.message(fmt.Sprintf("interrupt failed: %v", err))
		return fmt.Errorf("interrupt: %w", err)
	}
	return nil
}

// Shutdown ends the debugger session. A running debuggee is interrupted
// first; the quit command is sent once the debugger accepts commands.
func (e *Engine) Shutdown() error {
	switch e.state {
	case StateTerminated:
		return ErrTerminated
	case StateShutdownRequested:
		return nil
	}

	prev := e.state
	e.setState(StateShutdownRequested)

	switch {
	case e.Accessible():
		e.shutdownEngine()
	case prev == StateSettingUp || prev == StateStopRequested:
		// The debugger becomes accessible on its own.
	case e.interrupter != nil:
		if err := e.interrupter.Interrupt(); err != nil {
			e.logger.Error("interrupt for shutdown", "error", err)
			e.shutdownFailed(prev, err)
			return fmt.Errorf("shutdown: %w", err)
		}
	default:
		e.shutdownFailed(prev, ErrCannotInterrupt)
		return ErrCannotInterrupt
	}
	return nil
}

func (e *Engine) shutdownFailed(prev State, err error) {
	e.setState(prev)
	e.message("Cannot shut down the debugger while the debuggee is running.")
	if e.handlers.OnShutdownFailed != nil {
		e.handlers.OnShutdownFailed(err)
	}
}

func (e *Engine) shutdownEngine() {
	if e.shutdownIssued {
		return
	}
	e.shutdownIssued = true
	e.logger.Info("quitting debugger")

	if _, err := e.dispatcher.PostBuiltin("q", command.FlagQuiet, nil, 0, nil); err != nil {
		e.logger.Error("post quit", "error", err)
		return
	}
	e.setAccessible(false)
}

// ShutdownInferior kills the debuggee and then ends the session.
func (e *Engine) ShutdownInferior() error {
	switch e.state {
	case StateTerminated:
		return ErrTerminated
	case StateRunning, StateStopped, StateStopRequested:
	default:
		return fmt.Errorf("shutdown inferior in state %s: %w", e.state, ErrInvalidState)
	}

	prev := e.state
	e.setState(StateInferiorShutdownRequested)

	switch {
	case e.Accessible():
		e.shutdownInferior()
	case prev == StateStopRequested:
	case e.interrupter != nil:
		if err := e.interrupter.Interrupt(); err != nil {
			e.shutdownFailed(prev, err)
			return fmt.Errorf("shutdown inferior: %w", err)
		}
	default:
		e.shutdownFailed(prev, ErrCannotInterrupt)
		return ErrCannotInterrupt
	}
	return nil
}

func (e *Engine) shutdownInferior() {
	if e.inferiorShutdownIssued {
		return
	}
	e.inferiorShutdownIssued = true
	_, err := e.dispatcher.PostBuiltin(".kill", command.FlagQuiet, func(*command.BuiltinCommand) {
		e.logger.Info("debuggee killed")
		e.setState(StateShutdownRequested)
		e.shutdownEngine()
	}, 0, nil)
	if err != nil {
		e.logger.Error("post kill", "error", err)
	}
}

// ExecuteCommand runs a user-entered debugger command. Its output goes to
// the log handler.
func (e *Engine) ExecuteCommand(text string) error {
	if e.state == StateTerminated {
		return ErrTerminated
	}
	_, err := e.dispatcher.PostBuiltin(text, 0, func(cmd *command.BuiltinCommand) {
		for _, line := range cmd.Output {
			e.log(LogCommandOutput, line)
		}
	}, 0, nil)
	if err != nil {
		return fmt.Errorf("execute %q: %w", text, err)
	}
	return nil
}
