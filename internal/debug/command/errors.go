package command

import (
	"errors"
	"fmt"
)

// ErrNotAccessible is returned when a command is posted while the debugger
// does not accept input.
var ErrNotAccessible = errors.New("debugger not accessible")

// ViolationKind classifies a protocol violation.
type ViolationKind int

const (
	// ViolationNotAccessible is a command posted while inaccessible.
	ViolationNotAccessible ViolationKind = iota
	// ViolationUnknownStartToken is a start marker for no pending command.
	ViolationUnknownStartToken
	// ViolationNestedStart is a start marker while another capture is active.
	ViolationNestedStart
	// ViolationEndWithoutCapture is an end marker with no active capture.
	ViolationEndWithoutCapture
	// ViolationTokenMismatch is an end marker for a different token than the capture.
	ViolationTokenMismatch
	// ViolationUnexpectedReply is a reply frame for no pending command.
	ViolationUnexpectedReply
	// ViolationMalformedFrame is an extension line that did not decode.
	ViolationMalformedFrame
)

// String returns a human-readable violation kind.
func (k ViolationKind) String() string {
	switch k {
	case ViolationNotAccessible:
		return "not_accessible"
	case ViolationUnknownStartToken:
		return "unknown_start_token"
	case ViolationNestedStart:
		return "nested_start"
	case ViolationEndWithoutCapture:
		return "end_without_capture"
	case ViolationTokenMismatch:
		return "token_mismatch"
	case ViolationUnexpectedReply:
		return "unexpected_reply"
	case ViolationMalformedFrame:
		return "malformed_frame"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ProtocolViolation describes input or usage that breaks the command protocol.
// Violations are logged and the offending input is dropped.
type ProtocolViolation struct {
	Kind   ViolationKind
	Token  int
	Detail string
}

func (v *ProtocolViolation) Error() string {
	if v.Detail == "" {
		return fmt.Sprintf("protocol violation: %s (token %d)", v.Kind, v.Token)
	}
	return fmt.Sprintf("protocol violation: %s (token %d): %s", v.Kind, v.Token, v.Detail)
}
