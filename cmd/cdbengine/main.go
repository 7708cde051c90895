// Package main is the entry point for cdbengine, a console front end that
// drives a CDB debugger through its extension protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dshills/cdbengine/internal/app"
	"github.com/dshills/cdbengine/internal/config"
	"github.com/dshills/cdbengine/internal/logging"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// options are command-line overrides applied on top of the configuration.
type options struct {
	configPath  string
	logLevel    string
	debugger    string
	breakpoints string
	metrics     string
	remote      bool
	stopAtEntry bool
	args        []string
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open log: %v\n", err)
		return 1
	}
	defer closeLog()

	// Handle signals for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := app.New(cfg,
		app.WithLogger(logger.Logger),
		app.WithConsole(os.Stdin, os.Stdout),
	)

	report, err := session.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger.Info("session ended", "reason", report.Reason, "exit_code", report.ExitCode)
	if report.Abnormal() {
		return 2
	}
	return 0
}

// newLogger builds the logger from the logging section. Output goes to the
// configured file, or stderr.
func newLogger(cfg *config.Config) (*logging.Logger, func(), error) {
	var out io.Writer = os.Stderr
	closeFn := func() {}

	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}

	logger := logging.New(logging.Config{
		Level:  cfg.LogLevel(),
		Output: out,
		JSON:   cfg.Logging.JSON,
	})
	return logger, closeFn, nil
}

func (o options) apply(cfg *config.Config) {
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.debugger != "" {
		cfg.Debugger.Path = o.debugger
	}
	if o.breakpoints != "" {
		cfg.Breakpoints.File = o.breakpoints
	}
	if o.metrics != "" {
		cfg.Metrics.Listen = o.metrics
	}
	if o.remote {
		cfg.Debugger.Remote = true
	}
	if o.stopAtEntry {
		cfg.Session.StopAtEntry = true
	}
	if len(o.args) > 0 {
		cfg.Debugger.Args = append(cfg.Debugger.Args, o.args...)
	}
}

func parseFlags() options {
	var opts options
	var showVersion bool
	var showHelp bool

	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file (TOML or YAML)")
	flag.StringVar(&opts.configPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&opts.debugger, "debugger", "", "Path to the debugger executable")
	flag.StringVar(&opts.breakpoints, "breakpoints", "", "Breakpoint file to load and watch")
	flag.StringVar(&opts.breakpoints, "b", "", "Breakpoint file (shorthand)")
	flag.StringVar(&opts.metrics, "metrics", "", "Serve Prometheus metrics on this address")
	flag.BoolVar(&opts.remote, "remote", false, "Debugger is attached to a remote target")
	flag.BoolVar(&opts.stopAtEntry, "stop-at-entry", false, "Stop before running the debuggee")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "cdbengine - console front end for the CDB debugger\n\n")
		fmt.Fprintf(os.Stderr, "Usage: cdbengine [options] [-- debugger args...]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  cdbengine -- app.exe                 Debug app.exe\n")
		fmt.Fprintf(os.Stderr, "  cdbengine -b bp.toml -- app.exe      Debug with a breakpoint file\n")
		fmt.Fprintf(os.Stderr, "  cdbengine -remote -- -remote tcp:server=host,port=5005\n")
		fmt.Fprintf(os.Stderr, "\nType :help at the prompt for console commands.\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("cdbengine %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	// Remaining arguments go to the debugger
	opts.args = flag.Args()

	return opts
}
