// Package process runs the debugger as a supervised child process and
// exposes its pipes as a transport: a writer for commands, a channel of
// output chunks and an exit status that tells a crash from a clean exit.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Sentinel errors for the process package.
var (
	// ErrProcessNotStarted is returned when operations require a running process.
	ErrProcessNotStarted = errors.New("process not started")

	// ErrProcessAlreadyStarted is returned when starting a process twice.
	ErrProcessAlreadyStarted = errors.New("process already started")
)

// State is the lifecycle state of a process.
type State int

const (
	StateCreated State = iota
	StateRunning
	// StateExited is an exit with a status code, successful or not.
	StateExited
	// StateCrashed is death by a signal nobody asked for.
	StateCrashed
	// StateKilled is death by a signal sent through Kill or Terminate.
	StateKilled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateCrashed:
		return "crashed"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Exit describes how a process ended.
type Exit struct {
	Code    int
	Crashed bool
	Err     error
}

const chunkSize = 4096

// Process is a debugger child process.
//
// Output chunks are delivered in order on Output; the channel is closed when
// stdout reaches EOF. Done is closed after Output, so a reader that drains
// Output before handling Done sees every byte.
type Process struct {
	ID   string
	Name string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	output chan []byte
	errors chan string
	done   chan struct{}

	writeMu sync.Mutex
	pumps   sync.WaitGroup

	started  time.Time
	state    atomic.Int32
	signaled atomic.Bool

	mu   sync.RWMutex
	exit Exit
}

func newProcess(id, name string, cmd *exec.Cmd) *Process {
	p := &Process{
		ID:     id,
		Name:   name,
		cmd:    cmd,
		output: make(chan []byte, 64),
		errors: make(chan string, 16),
		done:   make(chan struct{}),
	}
	p.state.Store(int32(StateCreated))
	p.exit.Code = -1
	return p
}

// State returns the current state.
func (p *Process) State() State {
	return State(p.state.Load())
}

// IsRunning reports whether the process is running.
func (p *Process) IsRunning() bool {
	return p.State() == StateRunning
}

// PID returns the operating system process id, or -1 if not started.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// Output delivers stdout data as it arrives.
func (p *Process) Output() <-chan []byte {
	return p.output
}

// Errors delivers stderr lines. Lines are dropped if nobody reads them.
func (p *Process) Errors() <-chan string {
	return p.errors
}

// Done is closed when the process has exited and all output was delivered.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exit returns the exit status. It is only meaningful after Done is closed.
func (p *Process) Exit() Exit {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exit
}

// Runtime returns how long the process has been running.
func (p *Process) Runtime() time.Duration {
	if p.started.IsZero() {
		return 0
	}
	return time.Since(p.started)
}

// Write sends p to the process's stdin.
func (p *Process) Write(b []byte) (int, error) {
	if !p.IsRunning() {
		return 0, ErrProcessNotStarted
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.stdin.Write(b)
}

// Interrupt asks the debugger to break into the debuggee.
func (p *Process) Interrupt() error {
	return p.signal(os.Interrupt, false)
}

// Terminate sends SIGTERM.
func (p *Process) Terminate() error {
	return p.signal(syscall.SIGTERM, true)
}

// Kill kills the process.
func (p *Process) Kill() error {
	return p.signal(os.Kill, true)
}

func (p *Process) signal(sig os.Signal, fatal bool) error {
	if !p.IsRunning() || p.cmd.Process == nil {
		return fmt.Errorf("signal %v: %w", sig, ErrProcessNotStarted)
	}
	if fatal {
		p.signaled.Store(true)
	}
	return p.cmd.Process.Signal(sig)
}

// CloseInput closes stdin, which makes most debuggers exit.
func (p *Process) CloseInput() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.stdin.Close()
}

func (p *Process) start() error {
	if p.State() != StateCreated {
		return ErrProcessAlreadyStarted
	}

	var err error
	if p.stdin, err = p.cmd.StdinPipe(); err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	if p.stdout, err = p.cmd.StdoutPipe(); err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	if p.stderr, err = p.cmd.StderrPipe(); err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}
	p.started = time.Now()
	p.state.Store(int32(StateRunning))

	p.pumps.Add(2)
	go p.pumpOutput()
	go p.pumpErrors()
	go p.waitLoop()

	return nil
}

func (p *Process) pumpOutput() {
	defer p.pumps.Done()
	defer close(p.output)

	buf := make([]byte, chunkSize)
	for {
		n, err := p.stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.output <- chunk
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) pumpErrors() {
	defer p.pumps.Done()

	sc := bufio.NewScanner(p.stderr)
	for sc.Scan() {
		select {
		case p.errors <- sc.Text():
		default:
		}
	}
}

// waitLoop reaps the process once its pipes are drained.
func (p *Process) waitLoop() {
	p.pumps.Wait()
	err := p.cmd.Wait()

	exit := Exit{Err: err}
	state := StateExited

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		exit.Code = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			if p.signaled.Load() {
				state = StateKilled
			} else {
				state = StateCrashed
				exit.Crashed = true
			}
		}
	default:
		exit.Code = -1
	}

	p.mu.Lock()
	p.exit = exit
	p.mu.Unlock()

	p.state.Store(int32(state))
	close(p.done)
}
