// Package wire splits debugger output into lines and classifies each line as
// an extension frame, a command boundary marker or plain text.
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Default protocol markers.
const (
	// DefaultExtensionPrefix starts every line emitted by the debugger extension.
	DefaultExtensionPrefix = "<cdbext>"

	// DefaultTokenPrefix starts the echoed boundary markers around builtin commands.
	DefaultTokenPrefix = "<token>"

	// DefaultToken is the token of frames that do not answer a posted command,
	// for example a command the user typed directly into the debugger.
	DefaultToken = -1
)

// FrameType is the type character of an extension frame.
type FrameType byte

const (
	// FrameReply is a successful command reply.
	FrameReply FrameType = 'R'
	// FrameError is a failed command reply.
	FrameError FrameType = 'E'
	// FrameNotification is an unsolicited notification.
	FrameNotification FrameType = 'N'
)

// String returns a human-readable frame type.
func (t FrameType) String() string {
	switch t {
	case FrameReply:
		return "reply"
	case FrameError:
		return "error"
	case FrameNotification:
		return "notification"
	default:
		return fmt.Sprintf("unknown(%q)", byte(t))
	}
}

// Frame is a decoded extension line: `<prefix>|type|token|service|payload`.
type Frame struct {
	Type    FrameType
	Token   int
	Service string
	Payload []byte
}

// IsReply reports whether the frame answers a command.
func (f Frame) IsReply() bool {
	return f.Type == FrameReply || f.Type == FrameError
}

// HasToken reports whether the frame carries a real command token.
func (f Frame) HasToken() bool {
	return f.Token >= 0
}

// Sentinel errors for frame decoding.
var (
	// ErrMissingField is returned when a frame has fewer than four fields.
	ErrMissingField = errors.New("frame: missing field")

	// ErrBadFrameType is returned for an unknown type character.
	ErrBadFrameType = errors.New("frame: bad type")

	// ErrBadToken is returned when the token field is not a number.
	ErrBadToken = errors.New("frame: bad token")
)

// ParseFrame decodes the text following the extension prefix.
// The payload is everything after the fourth separator and may itself
// contain separators.
func ParseFrame(s string) (Frame, error) {
	if !strings.HasPrefix(s, "|") {
		return Frame{}, ErrMissingField
	}

	parts := strings.SplitN(s[1:], "|", 4)
	if len(parts) < 4 {
		return Frame{}, ErrMissingField
	}

	if len(parts[0]) != 1 {
		return Frame{}, fmt.Errorf("%w: %q", ErrBadFrameType, parts[0])
	}
	typ := FrameType(parts[0][0])
	switch typ {
	case FrameReply, FrameError, FrameNotification:
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrBadFrameType, parts[0])
	}

	token := DefaultToken
	if parts[1] != "" {
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %q", ErrBadToken, parts[1])
		}
		token = n
	}

	return Frame{
		Type:    typ,
		Token:   token,
		Service: parts[2],
		Payload: []byte(parts[3]),
	}, nil
}

// FormatFrame encodes a frame with the given prefix. It is the inverse of
// ParseFrame and is mostly useful for tests and fake debuggers.
func FormatFrame(prefix string, f Frame) string {
	return fmt.Sprintf("%s|%c|%d|%s|%s", prefix, byte(f.Type), f.Token, f.Service, f.Payload)
}
