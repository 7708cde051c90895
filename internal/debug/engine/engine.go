// Package engine drives an interactive command-line debugger through its
// text pipes.
//
// The Engine consumes raw output bytes, splits them into lines, matches
// command output back to posted commands and reacts to lifecycle
// notifications from the debugger extension. After every stop it refreshes
// the stack, thread, register and module views one command at a time.
//
// # Concurrency
//
// An Engine is a single-threaded state machine. HandleOutput,
// HandleProcessExit and every operation must be called from one goroutine,
// typically an event loop that also owns the process transport. Commands are
// fire-and-forget writes; nothing in the engine blocks waiting for a reply.
package engine

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/acarl005/stripansi"

	"github.com/dshills/cdbengine/internal/debug/command"
	"github.com/dshills/cdbengine/internal/debug/mi"
	"github.com/dshills/cdbengine/internal/debug/wire"
)

// Notification services sent by the debugger extension.
const (
	NotifyAccessible     = "session_accessible"
	NotifyInaccessible   = "session_inaccessible"
	NotifyIdle           = "session_idle"
	NotifyDebuggeeOutput = "debuggee_output"
	NotifyEvent          = "event"
)

// Interrupter stops a running debuggee so the debugger accepts commands again.
type Interrupter interface {
	Interrupt() error
}

// LogChannel identifies the origin of a log line.
type LogChannel int

const (
	// LogDebugger is debugger output not captured by any command.
	LogDebugger LogChannel = iota
	// LogDebuggee is output written by the debuggee.
	LogDebuggee
	// LogEcho is the text of a posted command.
	LogEcho
	// LogCommandOutput is the output of a user-entered command.
	LogCommandOutput
)

// String returns a short channel name.
func (c LogChannel) String() string {
	switch c {
	case LogDebugger:
		return "debugger"
	case LogDebuggee:
		return "debuggee"
	case LogEcho:
		return "echo"
	case LogCommandOutput:
		return "output"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// StopEvent describes why the debuggee stopped.
type StopEvent struct {
	// Reason is reported by the extension, or "interrupt" for a requested stop.
	Reason string

	// ThreadID is the stopping thread, or -1 if unknown.
	ThreadID int

	// Requested is set when the stop completes an interrupt request.
	Requested bool
}

// Handlers receive engine events. Nil handlers are skipped.
type Handlers struct {
	OnStateChanged         func(old, new State)
	OnAccessibilityChanged func(accessible bool)
	OnStopped              func(ev StopEvent)
	OnStack                func(frames []StackFrame)
	OnThreads              func(threads ThreadList)
	OnRegisters            func(regs []Register)
	OnModules              func(mods []Module)
	OnLog                  func(channel LogChannel, text string)

	// OnMessage receives user-visible status and error messages.
	OnMessage func(text string)

	OnShutdownFailed func(err error)
	OnExited         func(report ExitReport)
}

// StateObserver is notified of every state transition, typically for metrics.
type StateObserver interface {
	StateChanged(old, new State)
}

// SyncObserver is notified of the outcome of every breakpoint
// synchronization attempt, including the ones the engine starts itself.
type SyncObserver interface {
	Synced(action SyncAction)
}

// Config configures the protocol markers and session behavior.
type Config struct {
	// ExtensionPrefix starts every extension frame.
	ExtensionPrefix string

	// TokenPrefix starts builtin command boundary markers.
	TokenPrefix string

	// ExtensionCommandPrefix invokes an extension command.
	ExtensionCommandPrefix string

	// InitCommands are builtin commands run during inferior setup.
	InitCommands []string

	// RefreshRegisters adds the register view to the refresh after a stop.
	RefreshRegisters bool

	// RefreshModules adds the module view to the refresh after a stop.
	RefreshModules bool

	// StopAtEntry keeps the debuggee stopped after setup instead of continuing.
	StopAtEntry bool
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		ExtensionPrefix:        wire.DefaultExtensionPrefix,
		TokenPrefix:            wire.DefaultTokenPrefix,
		ExtensionCommandPrefix: command.DefaultExtensionCommandPrefix,
		InitCommands:           []string{".symopt+0x8000", "sxn 0x4000001f"},
		RefreshRegisters:       false,
		RefreshModules:         true,
	}
}

// Engine is the debugger session state machine.
type Engine struct {
	cfg        Config
	logger     *slog.Logger
	handlers   Handlers
	framer     *wire.Framer
	dispatcher *command.Dispatcher

	interrupter   Interrupter
	model         BreakpointModel
	observer      command.Observer
	stateObserver StateObserver
	syncObserver  SyncObserver

	state       State
	specialStop SpecialStopMode

	// shutdownIssued guards against sending the quit sequence twice.
	shutdownIssued bool
	// inferiorShutdownIssued does the same for the kill command.
	inferiorShutdownIssued bool

	// nextBreakpointID is the last engine-side breakpoint id handed out.
	nextBreakpointID int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithHandlers sets the event handlers.
func WithHandlers(h Handlers) Option {
	return func(e *Engine) {
		e.handlers = h
	}
}

// WithInterrupter sets how a running debuggee is interrupted. Without one the
// session is treated as non-interruptible.
func WithInterrupter(i Interrupter) Option {
	return func(e *Engine) {
		e.interrupter = i
	}
}

// WithBreakpointModel sets the breakpoint model synchronized by the engine.
func WithBreakpointModel(m BreakpointModel) Option {
	return func(e *Engine) {
		e.model = m
	}
}

// WithCommandObserver sets an observer for dispatcher activity.
func WithCommandObserver(o command.Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithStateObserver sets an observer for state transitions.
func WithStateObserver(o StateObserver) Option {
	return func(e *Engine) {
		e.stateObserver = o
	}
}

// WithSyncObserver sets an observer for breakpoint synchronization.
func WithSyncObserver(o SyncObserver) Option {
	return func(e *Engine) {
		e.syncObserver = o
	}
}

// New creates an engine writing commands to w.
func New(w io.Writer, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.ExtensionPrefix == "" {
		cfg.ExtensionPrefix = def.ExtensionPrefix
	}
	if cfg.TokenPrefix == "" {
		cfg.TokenPrefix = def.TokenPrefix
	}
	if cfg.ExtensionCommandPrefix == "" {
		cfg.ExtensionCommandPrefix = def.ExtensionCommandPrefix
	}

	e := &Engine{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		state:  StateSettingUp,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.framer = wire.NewFramer(
		wire.WithExtensionPrefix(cfg.ExtensionPrefix),
		wire.WithTokenPrefix(cfg.TokenPrefix),
	)

	dopts := []command.Option{
		command.WithLogger(e.logger),
		command.WithTokenPrefix(cfg.TokenPrefix),
		command.WithExtensionCommandPrefix(cfg.ExtensionCommandPrefix),
		command.WithEcho(func(text string) { e.log(LogEcho, text) }),
	}
	if e.observer != nil {
		dopts = append(dopts, command.WithObserver(e.observer))
	}
	e.dispatcher = command.NewDispatcher(w, dopts...)

	return e
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return e.state
}

// Accessible reports whether the debugger currently accepts commands.
func (e *Engine) Accessible() bool {
	return e.dispatcher.Accessible()
}

// SpecialStop returns the latched special stop mode.
func (e *Engine) SpecialStop() SpecialStopMode {
	return e.specialStop
}

// PendingCommands returns the number of commands awaiting completion.
func (e *Engine) PendingCommands() int {
	return e.dispatcher.Pending()
}

// CanInterrupt reports whether a running debuggee can be stopped.
func (e *Engine) CanInterrupt() bool {
	return e.interrupter != nil
}

// PostBuiltinCommand posts a free-form debugger command.
func (e *Engine) PostBuiltinCommand(text string, flags command.Flags, handler command.BuiltinHandler, continuation uint, cookie any) (int, error) {
	return e.dispatcher.PostBuiltin(text, flags, handler, continuation, cookie)
}

// PostExtensionCommand posts a command to the debugger extension.
func (e *Engine) PostExtensionCommand(text string, flags command.Flags, handler command.ExtensionHandler, continuation uint, cookie any) (int, error) {
	return e.dispatcher.PostExtension(text, flags, handler, continuation, cookie)
}

// HandleOutput processes bytes read from the debugger's output pipe.
func (e *Engine) HandleOutput(data []byte) {
	for _, line := range e.framer.Feed(data) {
		e.handleLine(line)
	}
}

func (e *Engine) handleLine(line wire.Line) {
	switch line.Kind {
	case wire.LineBoundaryStart:
		e.dispatcher.HandleStart(line.Token)
	case wire.LineBoundaryEnd:
		e.dispatcher.HandleEnd(line.Token)
	case wire.LineFrame:
		e.handleFrame(line.Frame)
	case wire.LineMalformed:
		e.dispatcher.Report(&command.ProtocolViolation{
			Kind:   command.ViolationMalformedFrame,
			Token:  wire.DefaultToken,
			Detail: fmt.Sprintf("%v: %s", line.Err, line.Text),
		})
	default:
		if !e.dispatcher.HandleOutput(line.Text) {
			e.log(LogDebugger, stripansi.Strip(line.Text))
		}
	}
}

func (e *Engine) handleFrame(f wire.Frame) {
	switch {
	case f.Type == wire.FrameNotification:
		e.handleNotification(f)
	case !f.HasToken():
		// Reply to something typed directly into the debugger.
		e.message(fmt.Sprintf("%s: %s", f.Service, f.Payload))
	default:
		e.dispatcher.HandleReply(f)
	}
}

func (e *Engine) handleNotification(f wire.Frame) {
	switch f.Service {
	case NotifyAccessible:
		e.handleSessionAccessible()
	case NotifyInaccessible:
		e.handleSessionInaccessible()
	case NotifyIdle:
		e.handleSessionIdle(f.Payload)
	case NotifyDebuggeeOutput:
		e.log(LogDebuggee, string(f.Payload))
	case NotifyEvent:
		e.message(string(f.Payload))
	default:
		e.logger.Debug("unhandled notification", "service", f.Service, "payload", string(f.Payload))
	}
}

// handleSessionAccessible runs when the debugger starts accepting commands.
func (e *Engine) handleSessionAccessible() {
	e.setAccessible(true)

	switch e.state {
	case StateSettingUp:
		e.notifyEngineSetupOk()
	case StateShutdownRequested:
		e.shutdownEngine()
	case StateInferiorShutdownRequested:
		e.shutdownInferior()
	}
}

func (e *Engine) handleSessionInaccessible() {
	e.setAccessible(false)
	if e.state == StateStopped {
		e.setState(StateRunning)
	}
}

// handleSessionIdle runs when the debuggee stopped. Idle implies accessible.
func (e *Engine) handleSessionIdle(payload []byte) {
	mode := e.specialStop
	e.specialStop = SpecialStopNone

	switch e.state {
	case StateSettingUp, StateShutdownRequested, StateInferiorShutdownRequested:
		e.handleSessionAccessible()
		return
	case StateInferiorSetupRequested, StateStopped, StateTerminated:
		e.setAccessible(true)
		return
	}

	e.setAccessible(true)

	if mode == SpecialStopSyncBreakpoints {
		e.logger.Debug("stopped for breakpoint synchronization")
		e.AttemptBreakpointSync()
		if e.state == StateRunning {
			e.resume("g")
			return
		}
		// A user interrupt raced the special stop; report it as that stop.
	}

	ev := parseStopEvent(payload)
	switch e.state {
	case StateStopRequested:
		ev.Requested = true
		if ev.Reason == "" {
			ev.Reason = "interrupt"
		}
		e.notifyStopOk()
	case StateRunning:
		e.notifySpontaneousStop()
	default:
		return
	}

	if e.handlers.OnStopped != nil {
		e.handlers.OnStopped(ev)
	}
	e.PostCommandSequence(e.refreshMask())
}

func parseStopEvent(payload []byte) StopEvent {
	ev := StopEvent{ThreadID: -1}
	if len(payload) == 0 {
		return ev
	}
	v := mi.Parse(payload)
	if v.Kind != mi.Tuple {
		v = mi.ParseMultiple(payload)
	}
	ev.Reason = v.Child("reason").Data
	ev.ThreadID = v.Child("thread").IntOr(-1)
	return ev
}

func (e *Engine) notifyEngineSetupOk() {
	e.setState(StateInferiorSetupRequested)
	e.setupInferior()
}

// setupInferior runs the configured init commands; the last completion
// finishes setup.
func (e *Engine) setupInferior() {
	cmds := e.cfg.InitCommands
	if len(cmds) == 0 {
		e.notifyInferiorSetupOk()
		return
	}

	remaining := len(cmds)
	for _, text := range cmds {
		_, err := e.dispatcher.PostBuiltin(text, command.FlagQuiet, func(cmd *command.BuiltinCommand) {
			for _, line := range cmd.Output {
				e.logger.Debug("setup output", "command", cmd.Text, "line", line)
			}
			remaining--
			if remaining == 0 {
				e.notifyInferiorSetupOk()
			}
		}, 0, nil)
		if err != nil {
			e.message(fmt.Sprintf("setup command %q failed: %v", text, err))
			return
		}
	}
}

func (e *Engine) notifyInferiorSetupOk() {
	if e.state != StateInferiorSetupRequested {
		return
	}
	e.setState(StateRunning)
	e.AttemptBreakpointSync()

	if e.cfg.StopAtEntry {
		e.setState(StateStopped)
		if e.handlers.OnStopped != nil {
			e.handlers.OnStopped(StopEvent{Reason: "entry", ThreadID: -1})
		}
		e.PostCommandSequence(e.refreshMask())
		return
	}
	e.resume("g")
}

func (e *Engine) notifyStopOk() {
	e.setState(StateStopped)
}

func (e *Engine) notifySpontaneousStop() {
	e.setState(StateStopped)
}

// HandleProcessExit processes the end of the debugger process.
func (e *Engine) HandleProcessExit(exitCode int, crashed bool) {
	if e.state == StateTerminated {
		return
	}

	requested := e.state == StateShutdownRequested
	wasAccessible := e.dispatcher.Accessible()
	pending := e.dispatcher.PendingTokens()
	dropped := e.dispatcher.Abandon()
	e.framer.Reset()
	e.specialStop = SpecialStopNone

	report := ExitReport{ExitCode: exitCode, Dropped: dropped}
	switch {
	case dropped > 0 && (crashed || !requested):
		report.Reason = ExitEngineIll
	case crashed:
		report.Reason = ExitCrashed
	case requested:
		report.Reason = ExitRequested
	default:
		report.Reason = ExitSpontaneous
	}

	if report.Abnormal() {
		e.logger.Error("debugger exited abnormally", "reason", report.Reason, "code", exitCode, "dropped", dropped, "dropped_tokens", pending)
	} else {
		e.logger.Info("debugger exited", "reason", report.Reason, "code", exitCode, "dropped", dropped)
	}

	if wasAccessible && e.handlers.OnAccessibilityChanged != nil {
		e.handlers.OnAccessibilityChanged(false)
	}
	e.setState(StateTerminated)

	if e.handlers.OnExited != nil {
		e.handlers.OnExited(report)
	}
}

func (e *Engine) setState(state State) {
	old := e.state
	if old == state {
		return
	}
	e.state = state
	e.logger.Info("state changed", "from", old, "to", state)

	if e.stateObserver != nil {
		e.stateObserver.StateChanged(old, state)
	}
	if e.handlers.OnStateChanged != nil {
		e.handlers.OnStateChanged(old, state)
	}
}

func (e *Engine) setAccessible(accessible bool) {
	if e.dispatcher.Accessible() == accessible {
		return
	}
	e.dispatcher.SetAccessible(accessible)
	e.logger.Debug("accessibility changed", "accessible", accessible)

	if e.handlers.OnAccessibilityChanged != nil {
		e.handlers.OnAccessibilityChanged(accessible)
	}
}

func (e *Engine) log(channel LogChannel, text string) {
	if e.handlers.OnLog != nil {
		e.handlers.OnLog(channel, text)
	}
}

func (e *Engine) message(text string) {
	e.logger.Info("message", "text", text)
	if e.handlers.OnMessage != nil {
		e.handlers.OnMessage(text)
	}
}
