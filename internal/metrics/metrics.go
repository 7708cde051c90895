// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/cdbengine/internal/debug/command"
	"github.com/dshills/cdbengine/internal/debug/engine"
)

var allStates = []engine.State{
	engine.StateSettingUp,
	engine.StateInferiorSetupRequested,
	engine.StateRunning,
	engine.StateStopRequested,
	engine.StateStopped,
	engine.StateInferiorShutdownRequested,
	engine.StateShutdownRequested,
	engine.StateTerminated,
}

// Collector records dispatcher and session metrics on its own registry.
// It implements command.Observer, engine.StateObserver and
// engine.SyncObserver.
type Collector struct {
	registry *prometheus.Registry

	CommandsPosted    *prometheus.CounterVec
	CommandsCompleted *prometheus.CounterVec
	Violations        *prometheus.CounterVec
	State             *prometheus.GaugeVec
	Transitions       prometheus.Counter
	Exits             *prometheus.CounterVec
	BreakpointSyncs   *prometheus.CounterVec
	DebuggerRuntime   *prometheus.HistogramVec
}

// NewCollector creates a collector with a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	c := &Collector{registry: reg}

	c.CommandsPosted = f.NewCounterVec(prometheus.CounterOpts{
		Name: "cdbengine_commands_posted_total",
		Help: "Commands written to the debugger",
	}, []string{"kind"})

	c.CommandsCompleted = f.NewCounterVec(prometheus.CounterOpts{
		Name: "cdbengine_commands_completed_total",
		Help: "Commands matched to their output or reply",
	}, []string{"kind", "outcome"})

	c.Violations = f.NewCounterVec(prometheus.CounterOpts{
		Name: "cdbengine_protocol_violations_total",
		Help: "Protocol violations by kind",
	}, []string{"kind"})

	c.State = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cdbengine_state",
		Help: "Current engine state (1 for the active state)",
	}, []string{"state"})

	c.Transitions = f.NewCounter(prometheus.CounterOpts{
		Name: "cdbengine_state_transitions_total",
		Help: "Engine state transitions",
	})

	c.Exits = f.NewCounterVec(prometheus.CounterOpts{
		Name: "cdbengine_debugger_exits_total",
		Help: "Debugger process exits by reason",
	}, []string{"reason"})

	c.BreakpointSyncs = f.NewCounterVec(prometheus.CounterOpts{
		Name: "cdbengine_breakpoint_syncs_total",
		Help: "Breakpoint synchronization attempts by outcome",
	}, []string{"action"})

	c.DebuggerRuntime = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cdbengine_debugger_runtime_seconds",
		Help:    "Debugger process lifetime by final process state",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"state"})

	for _, s := range allStates {
		c.State.WithLabelValues(s.String()).Set(0)
	}
	c.State.WithLabelValues(engine.StateSettingUp.String()).Set(1)

	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) CommandPosted(kind command.Kind) {
	c.CommandsPosted.WithLabelValues(kind.String()).Inc()
}

func (c *Collector) CommandCompleted(kind command.Kind, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	c.CommandsCompleted.WithLabelValues(kind.String(), outcome).Inc()
}

func (c *Collector) Violation(v *command.ProtocolViolation) {
	c.Violations.WithLabelValues(v.Kind.String()).Inc()
}

func (c *Collector) StateChanged(old, new engine.State) {
	c.State.WithLabelValues(old.String()).Set(0)
	c.State.WithLabelValues(new.String()).Set(1)
	c.Transitions.Inc()
}

// Exited records a debugger exit.
func (c *Collector) Exited(r engine.ExitReport) {
	c.Exits.WithLabelValues(r.Reason.String()).Inc()
}

// Synced records a breakpoint synchronization attempt.
func (c *Collector) Synced(a engine.SyncAction) {
	c.BreakpointSyncs.WithLabelValues(a.String()).Inc()
}

// ProcessExited records how long a debugger process ran. state is the
// process's final state, such as "exited" or "killed".
func (c *Collector) ProcessExited(state string, runtime time.Duration) {
	c.DebuggerRuntime.WithLabelValues(state).Observe(runtime.Seconds())
}

var (
	_ command.Observer     = (*Collector)(nil)
	_ engine.StateObserver = (*Collector)(nil)
	_ engine.SyncObserver  = (*Collector)(nil)
)
