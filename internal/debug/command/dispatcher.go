package command

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/dshills/cdbengine/internal/debug/mi"
	"github.com/dshills/cdbengine/internal/debug/wire"
)

// DefaultExtensionCommandPrefix invokes a command of the debugger extension.
const DefaultExtensionCommandPrefix = "!cdbext."

// Observer receives dispatcher activity, typically for metrics.
type Observer interface {
	CommandPosted(kind Kind)
	CommandCompleted(kind Kind, success bool)
	Violation(v *ProtocolViolation)
}

// Dispatcher writes commands to the debugger and matches output back to them.
//
// At most one builtin command captures output at a time; its handler gets
// exactly the lines between its own start and end markers. Extension replies
// are matched purely by token and may arrive in any order.
//
// Each handler runs at most once. A Dispatcher is not safe for concurrent
// use; all calls must come from the goroutine driving the engine.
type Dispatcher struct {
	w        io.Writer
	logger   *slog.Logger
	observer Observer
	echo     func(text string)

	tokenPrefix     string
	extensionPrefix string

	accessible bool
	nextToken  int

	builtins   map[int]*BuiltinCommand
	extensions map[int]*ExtensionCommand
	capturing  *BuiltinCommand
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithObserver sets an observer for posted and completed commands.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		d.observer = o
	}
}

// WithEcho sets a function receiving the text of every non-quiet command.
func WithEcho(fn func(text string)) Option {
	return func(d *Dispatcher) {
		d.echo = fn
	}
}

// WithTokenPrefix sets the boundary marker prefix.
func WithTokenPrefix(prefix string) Option {
	return func(d *Dispatcher) {
		d.tokenPrefix = prefix
	}
}

// WithExtensionCommandPrefix sets the prefix used to invoke extension commands.
func WithExtensionCommandPrefix(prefix string) Option {
	return func(d *Dispatcher) {
		d.extensionPrefix = prefix
	}
}

// WithFirstToken sets the first token handed out.
func WithFirstToken(token int) Option {
	return func(d *Dispatcher) {
		d.nextToken = token
	}
}

// NewDispatcher creates a dispatcher writing to w. The debugger starts out
// inaccessible.
func NewDispatcher(w io.Writer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		w:               w,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		tokenPrefix:     wire.DefaultTokenPrefix,
		extensionPrefix: DefaultExtensionCommandPrefix,
		nextToken:       1,
		builtins:        make(map[int]*BuiltinCommand),
		extensions:      make(map[int]*ExtensionCommand),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Accessible reports whether commands may be posted.
func (d *Dispatcher) Accessible() bool {
	return d.accessible
}

// SetAccessible records whether the debugger accepts commands.
func (d *Dispatcher) SetAccessible(accessible bool) {
	d.accessible = accessible
}

// allocateToken hands out the next token. It is the only place the counter
// is incremented.
func (d *Dispatcher) allocateToken() int {
	token := d.nextToken
	d.nextToken++
	return token
}

// PostBuiltin posts a free-form debugger command. The command is wrapped in
// echo directives carrying its token so its output can be located. A command
// without a handler is written as is; it still consumes a token.
func (d *Dispatcher) PostBuiltin(text string, flags Flags, handler BuiltinHandler, continuation uint, cookie any) (int, error) {
	if !d.accessible {
		d.Report(&ProtocolViolation{Kind: ViolationNotAccessible, Detail: text})
		return 0, ErrNotAccessible
	}

	token := d.allocateToken()

	var buf bytes.Buffer
	if handler == nil {
		buf.WriteString(text)
		buf.WriteByte('\n')
	} else {
		fmt.Fprintf(&buf, ".echo \"%s%d<\"\n", d.tokenPrefix, token)
		buf.WriteString(text)
		buf.WriteByte('\n')
		fmt.Fprintf(&buf, ".echo \"%s%d>\"\n", d.tokenPrefix, token)
	}

	if err := d.write(buf.Bytes()); err != nil {
		return 0, err
	}

	if handler != nil {
		d.builtins[token] = &BuiltinCommand{
			Command: Command{
				Token:        token,
				Text:         text,
				Flags:        flags,
				Continuation: continuation,
				Cookie:       cookie,
			},
			handler: handler,
		}
	}

	d.posted(KindBuiltin, token, text, flags)
	return token, nil
}

// PostExtension posts an extension command such as "stack" or "threads 1".
// The token is appended as a trailing "-t <token>" argument.
func (d *Dispatcher) PostExtension(text string, flags Flags, handler ExtensionHandler, continuation uint, cookie any) (int, error) {
	if !d.accessible {
		d.Report(&ProtocolViolation{Kind: ViolationNotAccessible, Detail: text})
		return 0, ErrNotAccessible
	}

	token := d.allocateToken()

	line := fmt.Sprintf("%s%s -t %d\n", d.extensionPrefix, text, token)
	if err := d.write([]byte(line)); err != nil {
		return 0, err
	}

	service := text
	if i := strings.IndexByte(text, ' '); i >= 0 {
		service = text[:i]
	}

	d.extensions[token] = &ExtensionCommand{
		Command: Command{
			Token:        token,
			Text:         text,
			Flags:        flags,
			Continuation: continuation,
			Cookie:       cookie,
		},
		Service: service,
		handler: handler,
	}

	d.posted(KindExtension, token, text, flags)
	return token, nil
}

func (d *Dispatcher) write(p []byte) error {
	if _, err := d.w.Write(p); err != nil {
		d.logger.Error("write command", "error", err)
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

func (d *Dispatcher) posted(kind Kind, token int, text string, flags Flags) {
	d.logger.Debug("command posted", "kind", kind, "token", token, "text", text)
	if d.echo != nil && !flags.Has(FlagQuiet) {
		d.echo(text)
	}
	if d.observer != nil {
		d.observer.CommandPosted(kind)
	}
}

// HandleStart begins capturing output for the builtin command with token.
func (d *Dispatcher) HandleStart(token int) {
	if d.capturing != nil {
		d.Report(&ProtocolViolation{
			Kind:   ViolationNestedStart,
			Token:  token,
			Detail: fmt.Sprintf("capture of token %d still active", d.capturing.Token),
		})
		return
	}

	cmd, ok := d.builtins[token]
	if !ok {
		d.Report(&ProtocolViolation{Kind: ViolationUnknownStartToken, Token: token})
		return
	}
	d.capturing = cmd
}

// HandleEnd completes the active capture if token matches it.
func (d *Dispatcher) HandleEnd(token int) {
	if d.capturing == nil {
		d.Report(&ProtocolViolation{Kind: ViolationEndWithoutCapture, Token: token})
		return
	}
	if d.capturing.Token != token {
		d.Report(&ProtocolViolation{
			Kind:   ViolationTokenMismatch,
			Token:  token,
			Detail: fmt.Sprintf("capturing token %d", d.capturing.Token),
		})
		return
	}

	cmd := d.capturing
	d.capturing = nil
	delete(d.builtins, token)

	if d.observer != nil {
		d.observer.CommandCompleted(KindBuiltin, true)
	}
	d.logger.Debug("builtin completed", "token", token, "lines", len(cmd.Output))
	cmd.handler(cmd)
}

// HandleOutput appends a plain line to the active capture. It reports false
// when no capture is active and the line belongs to the general log.
func (d *Dispatcher) HandleOutput(line string) bool {
	if d.capturing == nil {
		return false
	}
	d.capturing.Output = append(d.capturing.Output, line)
	return true
}

// HandleReply completes the extension command matching the frame token.
// It reports whether a pending command was found.
func (d *Dispatcher) HandleReply(frame wire.Frame) bool {
	cmd, ok := d.extensions[frame.Token]
	if !ok {
		d.Report(&ProtocolViolation{
			Kind:   ViolationUnexpectedReply,
			Token:  frame.Token,
			Detail: frame.Service,
		})
		return false
	}
	delete(d.extensions, frame.Token)

	cmd.Raw = frame.Payload
	cmd.Success = frame.Type == wire.FrameReply
	if cmd.Success {
		cmd.Reply = mi.Parse(frame.Payload)
	} else {
		cmd.Error = string(frame.Payload)
	}

	if frame.Service != cmd.Service {
		d.logger.Debug("reply service differs from command", "token", frame.Token,
			"command", cmd.Service, "reply", frame.Service)
	}
	if d.observer != nil {
		d.observer.CommandCompleted(KindExtension, cmd.Success)
	}
	if cmd.handler != nil {
		cmd.handler(cmd)
	}
	return true
}

// Report logs a protocol violation and forwards it to the observer.
func (d *Dispatcher) Report(v *ProtocolViolation) {
	d.logger.Warn("protocol violation", "kind", v.Kind, "token", v.Token, "detail", v.Detail)
	if d.observer != nil {
		d.observer.Violation(v)
	}
}

// Capturing returns the token of the builtin command currently capturing
// output, or false if none is.
func (d *Dispatcher) Capturing() (int, bool) {
	if d.capturing == nil {
		return 0, false
	}
	return d.capturing.Token, true
}

// Pending returns the number of commands awaiting completion.
func (d *Dispatcher) Pending() int {
	return len(d.builtins) + len(d.extensions)
}

// PendingTokens returns the tokens of all pending commands in issue order.
func (d *Dispatcher) PendingTokens() []int {
	tokens := make([]int, 0, d.Pending())
	for t := range d.builtins {
		tokens = append(tokens, t)
	}
	for t := range d.extensions {
		tokens = append(tokens, t)
	}
	sort.Ints(tokens)
	return tokens
}

// Abandon drops every pending command without running handlers, for use
// when the debugger process is gone. It returns how many were dropped.
func (d *Dispatcher) Abandon() int {
	n := d.Pending()
	d.builtins = make(map[int]*BuiltinCommand)
	d.extensions = make(map[int]*ExtensionCommand)
	d.capturing = nil
	d.accessible = false
	return n
}
