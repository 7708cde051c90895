// Package command posts commands to the debugger and correlates the output
// that comes back with the command that produced it.
//
// There are two command flavors. Builtin commands are free-form debugger
// commands whose multi-line output is bracketed by echoed boundary markers.
// Extension commands call into the debugger extension and are answered by a
// single frame tagged with the command token.
package command

import (
	"fmt"

	"github.com/dshills/cdbengine/internal/debug/mi"
)

// Flags modify how a command is posted.
type Flags uint

const (
	// FlagQuiet suppresses echoing the command text to the log.
	FlagQuiet Flags = 1 << iota
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// Kind distinguishes the two command flavors.
type Kind int

const (
	// KindBuiltin is a bracketed free-form command.
	KindBuiltin Kind = iota
	// KindExtension is a token-tagged extension command.
	KindExtension
)

// String returns a human-readable kind.
func (k Kind) String() string {
	switch k {
	case KindBuiltin:
		return "builtin"
	case KindExtension:
		return "extension"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Command holds the fields shared by both command flavors.
type Command struct {
	// Token correlates the command with its output.
	Token int

	// Text is the command as posted, without token decoration.
	Text string

	// Flags are the posting flags.
	Flags Flags

	// Continuation is an opaque mask describing what to resume after completion.
	Continuation uint

	// Cookie is an opaque value supplied by the poster.
	Cookie any
}

// BuiltinHandler receives a completed builtin command.
type BuiltinHandler func(cmd *BuiltinCommand)

// ExtensionHandler receives a completed extension command.
type ExtensionHandler func(cmd *ExtensionCommand)

// BuiltinCommand is a pending or completed builtin command.
type BuiltinCommand struct {
	Command

	// Output holds the lines between the start and end markers, in order.
	Output []string

	handler BuiltinHandler
}

// ExtensionCommand is a pending or completed extension command.
type ExtensionCommand struct {
	Command

	// Service is the extension command name, the first word of Text.
	Service string

	// Success is set when the reply was not an error frame.
	Success bool

	// Reply is the parsed payload of a successful reply.
	Reply mi.Value

	// Error is the payload of an error reply.
	Error string

	// Raw is the unparsed reply payload.
	Raw []byte

	handler ExtensionHandler
}
