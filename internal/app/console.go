package app

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dshills/cdbengine/internal/breakpoints"
	"github.com/dshills/cdbengine/internal/debug/engine"
)

// ConsolePrefix starts a session command. Other input goes to the debugger.
const ConsolePrefix = ":"

// consoleCommand is one console verb.
type consoleCommand struct {
	usage string
	run   func(c *console, arg string) error
}

var consoleCommands = map[string]consoleCommand{
	"c":         {"continue execution", (*console).cont},
	"continue":  {"continue execution", (*console).cont},
	"i":         {"interrupt the debuggee", (*console).interrupt},
	"interrupt": {"interrupt the debuggee", (*console).interrupt},
	"n":         {"step over", (*console).next},
	"next":      {"step over", (*console).next},
	"s":         {"step into", (*console).step},
	"step":      {"step into", (*console).step},
	"finish":    {"step out of the current function", (*console).finish},

	"stack":     {"show the call stack", viewCommand(engine.MaskStack)},
	"threads":   {"show threads", viewCommand(engine.MaskThreads)},
	"registers": {"show registers", viewCommand(engine.MaskRegisters)},
	"modules":   {"show loaded modules", viewCommand(engine.MaskModules)},

	"break":       {"set a breakpoint: file:line, function or 0xaddr", (*console).addBreakpoint},
	"delete":      {"delete a breakpoint by id", (*console).deleteBreakpoint},
	"enable":      {"enable a breakpoint by id", enableCommand(true)},
	"disable":     {"disable a breakpoint by id", enableCommand(false)},
	"breakpoints": {"list breakpoints", (*console).listBreakpoints},
	"sync":        {"synchronize breakpoints now", (*console).sync},

	"state": {"show the session state", (*console).state},
	"kill":  {"kill the debuggee and quit", (*console).kill},
	"q":     {"quit the debugger", (*console).quit},
	"quit":  {"quit the debugger", (*console).quit},
}

func init() {
	consoleCommands["help"] = consoleCommand{"list console commands", (*console).help}
}

// console turns user input into engine calls and renders engine events.
type console struct {
	app *App
	out io.Writer

	// show collects views the user asked for explicitly.
	show engine.Mask
}

func newConsole(a *App, out io.Writer) *console {
	return &console{app: a, out: out}
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// execute runs one input line and reports whether it asked the session to
// end.
func (c *console) execute(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, ConsolePrefix) {
		if err := c.app.eng.ExecuteCommand(line); err != nil {
			c.printf("error: %v\n", err)
		}
		return false
	}

	name, arg, _ := strings.Cut(strings.TrimPrefix(line, ConsolePrefix), " ")
	cmd, ok := consoleCommands[name]
	if !ok {
		c.printf("unknown command %q, try :help\n", name)
		return false
	}
	if err := cmd.run(c, strings.TrimSpace(arg)); err != nil {
		c.printf("error: %v\n", err)
		return false
	}
	return name == "q" || name == "quit" || name == "kill"
}

func (c *console) cont(string) error      { return c.app.eng.Continue() }
func (c *console) interrupt(string) error { return c.app.eng.Interrupt() }
func (c *console) next(string) error      { return c.app.eng.StepOver() }
func (c *console) step(string) error      { return c.app.eng.StepInto() }
func (c *console) finish(string) error    { return c.app.eng.StepOut() }
func (c *console) kill(string) error      { return c.app.eng.ShutdownInferior() }

func (c *console) quit(string) error {
	err := c.app.eng.Shutdown()
	if errors.Is(err, engine.ErrTerminated) {
		return nil
	}
	return err
}

func viewCommand(bit engine.Mask) func(*console, string) error {
	return func(c *console, _ string) error {
		if c.app.eng.State() != engine.StateStopped {
			return fmt.Errorf("%w: debuggee is %s", engine.ErrInvalidState, c.app.eng.State())
		}
		c.show |= bit
		c.app.eng.PostCommandSequence(bit)
		return nil
	}
}

func (c *console) addBreakpoint(arg string) error {
	entry, err := breakpoints.ParseLocation(arg)
	if err != nil {
		return err
	}
	id, err := c.app.store.Add(entry)
	if err != nil {
		return err
	}
	c.printf("breakpoint %s\n", id)
	c.app.sync()
	return nil
}

func (c *console) deleteBreakpoint(arg string) error {
	if !c.app.store.Remove(arg) {
		return fmt.Errorf("no breakpoint %q", arg)
	}
	c.app.sync()
	return nil
}

func enableCommand(enabled bool) func(*console, string) error {
	return func(c *console, arg string) error {
		if _, ok := c.app.store.Get(arg); !ok {
			return fmt.Errorf("no breakpoint %q", arg)
		}
		if c.app.store.SetEnabled(arg, enabled) {
			c.app.sync()
		}
		return nil
	}
}

func (c *console) listBreakpoints(string) error {
	records := c.app.store.Snapshot()
	if len(records) == 0 {
		c.printf("no breakpoints\n")
		return nil
	}
	for _, r := range records {
		flag := "y"
		if !r.Enabled {
			flag = "n"
		}
		c.printf("%-24s %s %-16s %s\n", r.ID, flag, r.State, r.Location())
	}
	return nil
}

func (c *console) sync(string) error {
	c.app.sync()
	return nil
}

func (c *console) state(string) error {
	eng := c.app.eng
	c.printf("state %s, accessible %t, pending %d\n", eng.State(), eng.Accessible(), eng.PendingCommands())
	if c.app.sup != nil {
		c.printf("debugger processes %d\n", c.app.sup.Count())
	}
	return nil
}

func (c *console) help(string) error {
	names := make([]string, 0, len(consoleCommands))
	for name := range consoleCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c.printf("  %s%-12s %s\n", ConsolePrefix, name, consoleCommands[name].usage)
	}
	return nil
}

func (c *console) handlers() engine.Handlers {
	return engine.Handlers{
		OnStateChanged: c.stateChanged,
		OnStopped:      c.stopped,
		OnStack:        c.stack,
		OnThreads:      c.threads,
		OnRegisters:    c.registers,
		OnModules:      c.modules,
		OnLog:          c.logLine,
		OnMessage:      func(text string) { c.printf("* %s\n", text) },
		OnExited:       c.exited,
	}
}

// stateChanged forgets view requests once the debuggee runs again.
func (c *console) stateChanged(_, state engine.State) {
	if state == engine.StateRunning {
		c.show = 0
	}
}

func (c *console) stopped(ev engine.StopEvent) {
	if ev.ThreadID >= 0 {
		c.printf("stopped: %s (thread %d)\n", ev.Reason, ev.ThreadID)
		return
	}
	c.printf("stopped: %s\n", ev.Reason)
}

func (c *console) stack(frames []engine.StackFrame) {
	if !c.show.Has(engine.MaskStack) {
		if len(frames) > 0 {
			c.printf("  %s\n", formatFrame(frames[0]))
		}
		return
	}
	c.show &^= engine.MaskStack
	for _, f := range frames {
		c.printf("  #%-3d %s\n", f.Level, formatFrame(f))
	}
}

func formatFrame(f engine.StackFrame) string {
	name := f.Function
	if name == "" {
		name = f.Address
	}
	if f.Module != "" {
		name = f.Module + "!" + name
	}
	if f.HasSource() {
		return fmt.Sprintf("%s at %s:%d", name, f.File, f.Line)
	}
	return name
}

func (c *console) threads(list engine.ThreadList) {
	if !c.show.Has(engine.MaskThreads) {
		return
	}
	c.show &^= engine.MaskThreads
	for _, t := range list.Threads {
		marker := " "
		if t.ID == list.Current {
			marker = "*"
		}
		c.printf("%s %-6d %-10s %s %s\n", marker, t.ID, t.TargetID, t.State, formatFrame(t.Frame))
	}
}

func (c *console) registers(regs []engine.Register) {
	if !c.show.Has(engine.MaskRegisters) {
		return
	}
	c.show &^= engine.MaskRegisters
	for _, r := range regs {
		c.printf("  %-8s %s\n", r.Name, r.Value)
	}
}

func (c *console) modules(mods []engine.Module) {
	if !c.show.Has(engine.MaskModules) {
		return
	}
	c.show &^= engine.MaskModules
	for _, m := range mods {
		c.printf("  %s-%s %-20s %s\n", m.Start, m.End, m.Name, m.Image)
	}
}

func (c *console) logLine(channel engine.LogChannel, text string) {
	switch channel {
	case engine.LogEcho:
		c.printf("> %s\n", text)
	default:
		c.printf("%s\n", text)
	}
}

func (c *console) exited(r engine.ExitReport) {
	c.app.report = &r
	c.app.metrics.Exited(r)
	if r.Abnormal() {
		c.printf("debugger exited abnormally: %s (code %d, %d commands dropped)\n", r.Reason, r.ExitCode, r.Dropped)
		return
	}
	c.printf("debugger exited (code %d)\n", r.ExitCode)
}
