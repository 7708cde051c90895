package engine

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/cdbengine/internal/debug/command"
)

type fakeInterrupter struct {
	calls int
	err   error
}

func (f *fakeInterrupter) Interrupt() error {
	f.calls++
	return f.err
}

type violationRecorder struct {
	violations []command.ViolationKind
}

func (r *violationRecorder) CommandPosted(command.Kind)          {}
func (r *violationRecorder) CommandCompleted(command.Kind, bool) {}
func (r *violationRecorder) Violation(v *command.ProtocolViolation) {
	r.violations = append(r.violations, v.Kind)
}

type logLine struct {
	channel LogChannel
	text    string
}

type harness struct {
	t   *testing.T
	out bytes.Buffer
	eng *Engine

	intr      *fakeInterrupter
	observer  *violationRecorder
	states    []State
	access    []bool
	stops     []StopEvent
	stacks    [][]StackFrame
	threads   []ThreadList
	registers [][]Register
	modules   [][]Module
	logs      []logLine
	messages  []string
	exits     []ExitReport
	failures  []error
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitCommands = nil
	cfg.RefreshModules = false
	return cfg
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{t: t, intr: &fakeInterrupter{}, observer: &violationRecorder{}}
	handlers := Handlers{
		OnStateChanged:         func(_, s State) { h.states = append(h.states, s) },
		OnAccessibilityChanged: func(a bool) { h.access = append(h.access, a) },
		OnStopped:              func(ev StopEvent) { h.stops = append(h.stops, ev) },
		OnStack:                func(f []StackFrame) { h.stacks = append(h.stacks, f) },
		OnThreads:              func(l ThreadList) { h.threads = append(h.threads, l) },
		OnRegisters:            func(r []Register) { h.registers = append(h.registers, r) },
		OnModules:              func(m []Module) { h.modules = append(h.modules, m) },
		OnLog:                  func(c LogChannel, s string) { h.logs = append(h.logs, logLine{c, s}) },
		OnMessage:              func(s string) { h.messages = append(h.messages, s) },
		OnExited:               func(r ExitReport) { h.exits = append(h.exits, r) },
		OnShutdownFailed:       func(err error) { h.failures = append(h.failures, err) },
	}
	all := append([]Option{
		WithHandlers(handlers),
		WithInterrupter(h.intr),
		WithCommandObserver(h.observer),
	}, opts...)
	h.eng = New(&h.out, cfg, all...)
	return h
}

func (h *harness) feed(s string) {
	h.eng.HandleOutput([]byte(s))
}

func (h *harness) notify(service, payload string) {
	h.feed(fmt.Sprintf("<cdbext>|N|-1|%s|%s\n", service, payload))
}

func (h *harness) reply(token int, service, payload string) {
	h.feed(fmt.Sprintf("<cdbext>|R|%d|%s|%s\n", token, service, payload))
}

func (h *harness) complete(token int, output ...string) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "<token>%d<\n", token)
	for _, line := range output {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "<token>%d>\n", token)
	h.feed(b.String())
}

// written returns and clears everything written to the debugger.
func (h *harness) written() string {
	s := h.out.String()
	h.out.Reset()
	return s
}

var extensionTokenRE = regexp.MustCompile(`-t (\d+)\n$`)

// lastExtension returns the token of the last extension command written.
func (h *harness) lastExtension() int {
	h.t.Helper()
	m := extensionTokenRE.FindStringSubmatch(h.out.String())
	require.NotNil(h.t, m, "no extension command in %q", h.out.String())
	n, err := strconv.Atoi(m[1])
	require.NoError(h.t, err)
	h.out.Reset()
	return n
}

// start brings the engine to Running with the debuggee resumed.
func (h *harness) start() {
	h.t.Helper()
	h.notify(NotifyAccessible, "")
	require.Equal(h.t, StateRunning, h.eng.State())
	require.False(h.t, h.eng.Accessible())
	h.out.Reset()
}

// stop reports a breakpoint stop and answers the refresh sequence.
func (h *harness) stop() {
	h.t.Helper()
	h.notify(NotifyIdle, `reason="breakpoint",thread="1"`)
	require.Equal(h.t, StateStopped, h.eng.State())
	h.reply(h.lastExtension(), "stack", `[]`)
	h.reply(h.lastExtension(), "threads", `{current-thread-id="1",threads=[]}`)
	require.Zero(h.t, h.eng.PendingCommands())
	h.out.Reset()
}

func TestEngine_StartupRunsInitCommands(t *testing.T) {
	cfg := testConfig()
	cfg.InitCommands = []string{".symopt+0x8000", "sxn 0x4000001f"}
	h := newHarness(t, cfg)

	assert.Equal(t, StateSettingUp, h.eng.State())
	h.notify(NotifyAccessible, "")

	assert.Equal(t, StateInferiorSetupRequested, h.eng.State())
	assert.Equal(t,
		".echo \"<token>1<\"\n.symopt+0x8000\n.echo \"<token>1>\"\n"+
			".echo \"<token>2<\"\nsxn 0x4000001f\n.echo \"<token>2>\"\n",
		h.written())

	h.complete(1)
	assert.Equal(t, StateInferiorSetupRequested, h.eng.State())
	h.complete(2, "Break instruction exception - ignore")

	assert.Equal(t, StateRunning, h.eng.State())
	assert.Equal(t, "g\n", h.written())
	assert.False(t, h.eng.Accessible())
	assert.Equal(t, []State{StateInferiorSetupRequested, StateRunning}, h.states)
	assert.Empty(t, h.logs, "quiet setup commands are not echoed")
}

func TestEngine_StopAtEntry(t *testing.T) {
	cfg := testConfig()
	cfg.StopAtEntry = true
	h := newHarness(t, cfg)

	h.notify(NotifyAccessible, "")

	assert.Equal(t, StateStopped, h.eng.State())
	require.Len(t, h.stops, 1)
	assert.Equal(t, "entry", h.stops[0].Reason)
	assert.Equal(t, "!cdbext.stack -t 1\n", h.written())
}

func TestEngine_SpontaneousStopRefreshesViews(t *testing.T) {
	cfg := testConfig()
	cfg.RefreshRegisters = true
	cfg.RefreshModules = true
	h := newHarness(t, cfg)
	h.start()

	h.notify(NotifyIdle, `reason="breakpoint",thread="3"`)

	assert.Equal(t, StateStopped, h.eng.State())
	assert.True(t, h.eng.Accessible())
	require.Len(t, h.stops, 1)
	assert.Equal(t, StopEvent{Reason: "breakpoint", ThreadID: 3}, h.stops[0])

	// One command at a time, in priority order.
	assert.Equal(t, "!cdbext.stack -t 2\n", h.written())
	h.reply(2, "stack", `[frame={level="0",func="main",file="main.c",line="12",addr="0x401000",from="app"}]`)
	assert.Equal(t, "!cdbext.threads -t 3\n", h.written())
	h.reply(3, "threads", `{current-thread-id="3",threads=[{id="3",target-id="1a2c",name="main",state="stopped"}]}`)
	assert.Equal(t, "!cdbext.registers -t 4\n", h.written())
	h.reply(4, "registers", `[{name="rax",value="0x0"},{name="rip",value="0x401000"}]`)
	assert.Equal(t, "!cdbext.modules -t 5\n", h.written())
	h.reply(5, "modules", `[{name="app",image="C:\\app.exe",start="0x400000",end="0x410000"}]`)
	assert.Empty(t, h.written(), "sequence ends when the mask is exhausted")

	want := []StackFrame{{Level: 0, Function: "main", File: "main.c", Line: 12, Address: "0x401000", Module: "app"}}
	require.Len(t, h.stacks, 1)
	if diff := cmp.Diff(want, h.stacks[0]); diff != "" {
		t.Errorf("stack mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, h.threads, 1)
	assert.Equal(t, 3, h.threads[0].Current)
	assert.Equal(t, "1a2c", h.threads[0].Threads[0].TargetID)
	assert.Equal(t, []Register{{"rax", "0x0"}, {"rip", "0x401000"}}, h.registers[0])
	assert.Equal(t, []Module{{"app", `C:\app.exe`, "0x400000", "0x410000"}}, h.modules[0])
}

func TestEngine_PostCommandSequence(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	h.stop()

	h.eng.PostCommandSequence(0)
	assert.Empty(t, h.written(), "empty mask is a no-op")

	h.eng.PostCommandSequence(MaskModules | MaskRegisters)
	tok := h.lastExtension()
	h.feed(fmt.Sprintf("<cdbext>|E|%d|registers|no register context\n", tok))
	assert.Contains(t, h.messages, "Unable to refresh registers: no register context")
	assert.Empty(t, h.registers)

	tok = h.lastExtension()
	h.reply(tok, "modules", `[]`)
	assert.Empty(t, h.written())
	require.Len(t, h.modules, 1)
}

func TestEngine_SequenceEndsOnResume(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()

	h.notify(NotifyIdle, `reason="breakpoint",thread="1"`)
	tok := h.lastExtension()

	require.NoError(t, h.eng.Continue())
	assert.Equal(t, "g\n", h.written())

	h.reply(tok, "stack", `[frame={level="0",func="main"}]`)
	assert.Equal(t, StateRunning, h.eng.State())
	assert.Empty(t, h.stacks, "stale stack is not delivered")
	assert.Empty(t, h.written(), "threads step is not posted")
	assert.Empty(t, h.observer.violations)
}

func TestEngine_MaskString(t *testing.T) {
	assert.Equal(t, "none", Mask(0).String())
	assert.Equal(t, "stack|modules", (MaskStack | MaskModules).String())
	assert.Equal(t, "stack|threads|registers|modules", MaskAll.String())
}

func TestEngine_Interrupt(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()

	require.NoError(t, h.eng.Interrupt())
	assert.Equal(t, StateStopRequested, h.eng.State())
	assert.Equal(t, 1, h.intr.calls)

	h.notify(NotifyIdle, "")
	assert.Equal(t, StateStopped, h.eng.State())
	require.Len(t, h.stops, 1)
	assert.Equal(t, StopEvent{Reason: "interrupt", ThreadID: -1, Requested: true}, h.stops[0])
	assert.Equal(t, "!cdbext.stack -t 2\n", h.written())
}

func TestEngine_InterruptErrors(t *testing.T) {
	t.Run("not running", func(t *testing.T) {
		h := newHarness(t, testConfig())
		assert.ErrorIs(t, h.eng.Interrupt(), ErrInvalidState)
	})

	t.Run("remote session", func(t *testing.T) {
		h := newHarness(t, testConfig(), WithInterrupter(nil))
		h.start()
		assert.ErrorIs(t, h.eng.Interrupt(), ErrCannotInterrupt)
		assert.Equal(t, StateRunning, h.eng.State())
		assert.Len(t, h.messages, 1)
	})

	t.Run("interrupt fails", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.intr.err = errors.New("no such process")
		h.start()
		err := h.eng.Interrupt()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no such process")
		assert.Equal(t, StateRunning, h.eng.State())
	})
}

func TestEngine_RunCommands(t *testing.T) {
	tests := []struct {
		name string
		op   func(*Engine) error
		want string
	}{
		{"continue", (*Engine).Continue, "g\n"},
		{"step over", (*Engine).StepOver, "p\n"},
		{"step into", (*Engine).StepInto, "t\n"},
		{"step out", (*Engine).StepOut, "gu\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			h.start()
			assert.ErrorIs(t, tt.op(h.eng), ErrInvalidState)

			h.stop()
			require.NoError(t, tt.op(h.eng))
			assert.Equal(t, tt.want, h.written())
			assert.Equal(t, StateRunning, h.eng.State())
			assert.False(t, h.eng.Accessible())
		})
	}
}

func TestEngine_InaccessibleNotification(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	h.stop()

	h.notify(NotifyInaccessible, "")
	assert.False(t, h.eng.Accessible())
	assert.Equal(t, StateRunning, h.eng.State())

	_, err := h.eng.PostBuiltinCommand("k", 0, func(*command.BuiltinCommand) {}, 0, nil)
	assert.ErrorIs(t, err, command.ErrNotAccessible)
	assert.Empty(t, h.written())
	assert.Contains(t, h.observer.violations, command.ViolationNotAccessible)
}

func TestEngine_ShutdownWhileStopped(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	h.stop()

	require.NoError(t, h.eng.Shutdown())
	assert.Equal(t, StateShutdownRequested, h.eng.State())
	assert.Equal(t, "q\n", h.written())

	require.NoError(t, h.eng.Shutdown(), "repeated shutdown is a no-op")
	assert.Empty(t, h.written())

	h.eng.HandleProcessExit(0, false)
	assert.Equal(t, StateTerminated, h.eng.State())
	require.Len(t, h.exits, 1)
	assert.Equal(t, ExitReport{Reason: ExitRequested}, h.exits[0])
	assert.ErrorIs(t, h.eng.Shutdown(), ErrTerminated)
	assert.ErrorIs(t, h.eng.Continue(), ErrTerminated)
}

func TestEngine_ShutdownWhileRunning(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()

	require.NoError(t, h.eng.Shutdown())
	assert.Equal(t, 1, h.intr.calls)
	assert.Empty(t, h.written())

	// The stop completes the shutdown instead of refreshing views.
	h.notify(NotifyIdle, "")
	assert.Equal(t, "q\n", h.written())
	assert.Empty(t, h.stops)

	// A late accessible notification must not quit twice.
	h.notify(NotifyAccessible, "")
	assert.Empty(t, h.written())
}

func TestEngine_ShutdownCannotInterrupt(t *testing.T) {
	h := newHarness(t, testConfig(), WithInterrupter(nil))
	h.start()

	assert.ErrorIs(t, h.eng.Shutdown(), ErrCannotInterrupt)
	assert.Equal(t, StateRunning, h.eng.State())
	require.Len(t, h.failures, 1)
	assert.ErrorIs(t, h.failures[0], ErrCannotInterrupt)
	assert.NotEmpty(t, h.messages)
}

func TestEngine_ShutdownDuringSetup(t *testing.T) {
	h := newHarness(t, testConfig())

	require.NoError(t, h.eng.Shutdown())
	assert.Zero(t, h.intr.calls)
	assert.Empty(t, h.written())

	h.notify(NotifyAccessible, "")
	assert.Equal(t, "q\n", h.written())
	assert.Equal(t, StateShutdownRequested, h.eng.State())
}

func TestEngine_ShutdownInferior(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	h.stop()

	require.NoError(t, h.eng.ShutdownInferior())
	assert.Equal(t, StateInferiorShutdownRequested, h.eng.State())
	assert.Equal(t, ".echo \"<token>4<\"\n.kill\n.echo \"<token>4>\"\n", h.written())

	h.complete(4)
	assert.Equal(t, StateShutdownRequested, h.eng.State())
	assert.Equal(t, "q\n", h.written())
}

func TestEngine_ShutdownInferiorWhileRunning(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()

	require.NoError(t, h.eng.ShutdownInferior())
	assert.Equal(t, 1, h.intr.calls)

	h.notify(NotifyIdle, "")
	assert.Contains(t, h.written(), ".kill\n")
	assert.Empty(t, h.stops)
}

func TestEngine_ShutdownInferiorKillsOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()

	require.NoError(t, h.eng.ShutdownInferior())
	assert.Equal(t, 1, h.intr.calls)

	// The break-in reports accessible and then idle; both ask for the kill.
	h.notify(NotifyAccessible, "")
	h.notify(NotifyIdle, `reason="break"`)
	out := h.written()
	assert.Equal(t, 1, strings.Count(out, ".kill\n"), "kill written once: %q", out)

	h.complete(2)
	assert.Equal(t, StateShutdownRequested, h.eng.State())
	assert.Equal(t, "q\n", h.written())
	assert.Empty(t, h.observer.violations)
}

func TestEngine_ProcessExit(t *testing.T) {
	tests := []struct {
		name    string
		crashed bool
		pending bool
		want    ExitReason
	}{
		{"clean unrequested", false, false, ExitSpontaneous},
		{"crash", true, false, ExitCrashed},
		{"crash with pending", true, true, ExitEngineIll},
		{"exit with pending", false, true, ExitEngineIll},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			h.start()
			if tt.pending {
				h.notify(NotifyIdle, "")
				require.Equal(t, 1, h.eng.PendingCommands())
			}

			h.eng.HandleProcessExit(3, tt.crashed)

			require.Len(t, h.exits, 1)
			assert.Equal(t, tt.want, h.exits[0].Reason)
			assert.Equal(t, 3, h.exits[0].ExitCode)
			assert.Equal(t, tt.want == ExitCrashed || tt.want == ExitEngineIll, h.exits[0].Abnormal())
			assert.Zero(t, h.eng.PendingCommands())
			assert.Equal(t, StateTerminated, h.eng.State())
			assert.Empty(t, h.stacks, "dropped handlers never run")

			h.eng.HandleProcessExit(0, false)
			assert.Len(t, h.exits, 1, "exit is reported once")
		})
	}
}

func TestEngine_ProcessExitLogsDroppedTokens(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	h := newHarness(t, testConfig(), WithLogger(logger))
	h.start()
	h.notify(NotifyIdle, "")

	h.eng.HandleProcessExit(1, true)

	assert.Contains(t, logs.String(), `"msg":"debugger exited abnormally"`)
	assert.Contains(t, logs.String(), `"dropped_tokens":[2]`)
}

func TestEngine_ExecuteCommand(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	h.stop()

	require.NoError(t, h.eng.ExecuteCommand("lm"))
	assert.Equal(t, ".echo \"<token>4<\"\nlm\n.echo \"<token>4>\"\n", h.written())

	h.complete(4, "start             end                 module name", "00400000 00410000   app")

	assert.Equal(t, []logLine{
		{LogEcho, "lm"},
		{LogCommandOutput, "start             end                 module name"},
		{LogCommandOutput, "00400000 00410000   app"},
	}, h.logs)
}

func TestEngine_OutputRouting(t *testing.T) {
	h := newHarness(t, testConfig())

	h.feed("0:000> \x1b[32mModLoad: 00400000 app.exe\x1b[0m\n")
	h.notify(NotifyDebuggeeOutput, "hello from debuggee")
	h.notify(NotifyEvent, "First chance exception")
	h.feed("<cdbext>|R|-1|help|available commands\n")
	h.feed("<cdbext>|X|1|stack|[]\n")
	h.notify("unknown_service", "")

	assert.Equal(t, []logLine{
		{LogDebugger, "ModLoad: 00400000 app.exe"},
		{LogDebuggee, "hello from debuggee"},
	}, h.logs)
	assert.Equal(t, []string{"First chance exception", "help: available commands"}, h.messages)
	assert.Equal(t, []command.ViolationKind{command.ViolationMalformedFrame}, h.observer.violations)
}

func TestEngine_StateObserver(t *testing.T) {
	obs := &stateRecorder{}
	h := newHarness(t, testConfig(), WithStateObserver(obs))
	h.start()

	assert.Equal(t, []State{StateInferiorSetupRequested, StateRunning}, obs.states)
}

type stateRecorder struct {
	states []State
}

func (r *stateRecorder) StateChanged(_, s State) { r.states = append(r.states, s) }

func TestState_String(t *testing.T) {
	assert.Equal(t, "stop-requested", StateStopRequested.String())
	assert.Equal(t, "unknown(42)", State(42).String())
	assert.Equal(t, "sync-breakpoints", SpecialStopSyncBreakpoints.String())
	assert.Equal(t, "engine-ill", ExitEngineIll.String())
	assert.Equal(t, "debuggee", LogDebuggee.String())
}
