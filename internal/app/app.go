// Package app runs a debugger session: it starts the debugger process and
// feeds its output, its exit, console input and breakpoint file changes
// into the engine from a single goroutine.
package app

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"time"

	"github.com/dshills/cdbengine/internal/breakpoints"
	"github.com/dshills/cdbengine/internal/config"
	"github.com/dshills/cdbengine/internal/debug/engine"
	"github.com/dshills/cdbengine/internal/metrics"
	"github.com/dshills/cdbengine/internal/process"
)

// CommandFactory builds the debugger command.
type CommandFactory func(path string, args []string) *exec.Cmd

// App is one debugger session.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	newCmd  CommandFactory
	metrics *metrics.Collector

	in  io.Reader
	out io.Writer

	sup     *process.Supervisor
	proc    *process.Process
	eng     *engine.Engine
	store   *breakpoints.Store
	watcher *breakpoints.Watcher
	console *console

	running bool
	report  *engine.ExitReport
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithConsole reads console commands from in and writes session output to out.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.in = in
		a.out = out
	}
}

// WithMetrics records session metrics in c.
func WithMetrics(c *metrics.Collector) Option {
	return func(a *App) {
		a.metrics = c
	}
}

// WithCommandFactory overrides how the debugger command is built.
func WithCommandFactory(f CommandFactory) Option {
	return func(a *App) {
		a.newCmd = f
	}
}

// New creates a session for cfg.
func New(cfg *config.Config, opts ...Option) *App {
	a := &App{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		newCmd: func(path string, args []string) *exec.Cmd { return exec.Command(path, args...) },
		out:    io.Discard,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = metrics.NewCollector()
	}
	return a
}

// Metrics returns the session's metrics collector.
func (a *App) Metrics() *metrics.Collector {
	return a.metrics
}

// Run starts the debugger and processes events until it exits. Cancelling
// ctx requests a shutdown; the debugger is killed if it does not quit within
// the configured timeout.
func (a *App) Run(ctx context.Context) (engine.ExitReport, error) {
	if a.running {
		return engine.ExitReport{}, ErrAlreadyRunning
	}
	a.running = true

	timeout, err := a.cfg.ShutdownTimeout()
	if err != nil {
		return engine.ExitReport{}, err
	}

	if err := a.setupBreakpoints(); err != nil {
		return engine.ExitReport{}, err
	}
	defer a.closeWatcher()

	a.sup = process.NewSupervisor(
		process.WithMaxProcesses(1),
		process.WithLogger(a.logger.With("component", "process")),
		process.WithProcessExitCallback(func(p *process.Process) {
			a.metrics.ProcessExited(p.State().String(), p.Runtime())
		}),
	)
	defer a.sup.Shutdown(timeout)

	cmd := a.newCmd(a.cfg.Debugger.Path, a.cfg.Debugger.Args)
	a.proc, err = a.sup.Start("debugger", cmd)
	if err != nil {
		return engine.ExitReport{}, &OperationError{Op: "start debugger", Target: a.cfg.Debugger.Path, Err: err}
	}

	a.console = newConsole(a, a.out)
	a.eng = engine.New(a.proc, a.cfg.EngineConfig(), a.engineOptions()...)

	stopMetrics := a.serveMetrics()
	defer stopMetrics()

	a.loop(ctx, timeout)

	if a.report == nil {
		return engine.ExitReport{}, ErrNoReport
	}
	return *a.report, nil
}

func (a *App) engineOptions() []engine.Option {
	opts := []engine.Option{
		engine.WithLogger(a.logger.With("component", "engine")),
		engine.WithHandlers(a.console.handlers()),
		engine.WithCommandObserver(a.metrics),
		engine.WithStateObserver(a.metrics),
		engine.WithSyncObserver(a.metrics),
		engine.WithBreakpointModel(a.store),
	}
	if !a.cfg.Debugger.Remote {
		opts = append(opts, engine.WithInterrupter(a.proc))
	}
	return opts
}

func (a *App) setupBreakpoints() error {
	a.store = breakpoints.NewStore(breakpoints.WithLogger(a.logger.With("component", "breakpoints")))

	path := a.cfg.Breakpoints.File
	if path == "" {
		return nil
	}
	entries, err := breakpoints.Load(path)
	if err != nil {
		return &OperationError{Op: "load breakpoints", Target: path, Err: err}
	}
	a.store.Reload(entries)

	if a.cfg.Breakpoints.Watch {
		a.watcher, err = breakpoints.NewWatcher(path,
			breakpoints.WithWatcherLogger(a.logger.With("component", "watcher")))
		if err != nil {
			return &OperationError{Op: "watch breakpoints", Target: path, Err: err}
		}
	}
	return nil
}

func (a *App) closeWatcher() {
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
}

// loop is the only goroutine that touches the engine.
func (a *App) loop(ctx context.Context, timeout time.Duration) {
	done := make(chan struct{})
	defer close(done)

	output := a.proc.Output()
	stderr := a.proc.Errors()
	input := a.readInput(done)
	cancelled := ctx.Done()

	var changes <-chan struct{}
	if a.watcher != nil {
		changes = a.watcher.Changes()
	}

	var killTimer <-chan time.Time

	for {
		select {
		case chunk, ok := <-output:
			if !ok {
				output = nil
				continue
			}
			a.eng.HandleOutput(chunk)

		case line := <-stderr:
			a.logger.Warn("debugger stderr", "line", line)

		case <-a.proc.Done():
			if output != nil {
				for chunk := range output {
					a.eng.HandleOutput(chunk)
				}
			}
			exit := a.proc.Exit()
			a.eng.HandleProcessExit(exit.Code, exit.Crashed)
			return

		case line, ok := <-input:
			if !ok {
				input = nil
				a.requestShutdown()
				continue
			}
			if a.console.execute(line) {
				killTimer = time.After(timeout)
			}

		case <-changes:
			a.reloadBreakpoints()

		case <-cancelled:
			cancelled = nil
			a.requestShutdown()
			killTimer = time.After(timeout)

		case <-killTimer:
			a.logger.Warn("debugger did not quit in time, killing")
			if err := a.sup.Kill(a.proc.ID); err != nil && !errors.Is(err, process.ErrProcessNotFound) {
				a.logger.Error("kill debugger", "error", err)
			}
			killTimer = nil
		}
	}
}

// readInput scans console lines until EOF or until done is closed.
func (a *App) readInput(done <-chan struct{}) <-chan string {
	if a.in == nil {
		return nil
	}
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(a.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
	}()
	return lines
}

func (a *App) requestShutdown() {
	if err := a.eng.Shutdown(); err != nil && !errors.Is(err, engine.ErrTerminated) {
		a.logger.Warn("shutdown", "error", err)
		_ = a.proc.CloseInput()
	}
}

func (a *App) reloadBreakpoints() {
	entries, err := breakpoints.Load(a.watcher.Path())
	if err != nil {
		a.console.printf("breakpoints not reloaded: %v\n", err)
		return
	}
	if a.store.Reload(entries) {
		a.sync()
	}
}

func (a *App) sync() {
	action := a.eng.AttemptBreakpointSync()
	a.logger.Debug("breakpoint sync", "action", action)
}

// serveMetrics starts the metrics endpoint if configured and returns a stop
// function.
func (a *App) serveMetrics() func() {
	addr := a.cfg.Metrics.Listen
	if addr == "" {
		return func() {}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		a.logger.Error("metrics listener", "addr", addr, "error", err)
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server", "error", err)
		}
	}()
	a.logger.Info("metrics listening", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
