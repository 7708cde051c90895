package wire

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// LineKind classifies a complete output line.
type LineKind int

const (
	// LinePlain is free-form debugger output.
	LinePlain LineKind = iota
	// LineFrame is a well-formed extension frame.
	LineFrame
	// LineBoundaryStart opens the output of a builtin command.
	LineBoundaryStart
	// LineBoundaryEnd closes the output of a builtin command.
	LineBoundaryEnd
	// LineMalformed carries the extension prefix but does not decode.
	LineMalformed
)

// String returns a human-readable line kind.
func (k LineKind) String() string {
	switch k {
	case LinePlain:
		return "plain"
	case LineFrame:
		return "frame"
	case LineBoundaryStart:
		return "start"
	case LineBoundaryEnd:
		return "end"
	case LineMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Line is one classified output line.
type Line struct {
	Kind LineKind

	// Text is the line with prompts and the trailing carriage return removed.
	Text string

	// Token is set for boundary lines.
	Token int

	// Frame is set for LineFrame.
	Frame Frame

	// Err describes why a LineMalformed line did not decode.
	Err error
}

// Framer turns an append-only byte stream into classified lines.
// It keeps a trailing partial line between calls to Feed.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	extensionPrefix string
	tokenPrefix     string
	buf             []byte
}

// Option configures a Framer.
type Option func(*Framer)

// WithExtensionPrefix sets the prefix of extension frames.
func WithExtensionPrefix(prefix string) Option {
	return func(f *Framer) {
		f.extensionPrefix = prefix
	}
}

// WithTokenPrefix sets the prefix of boundary markers.
func WithTokenPrefix(prefix string) Option {
	return func(f *Framer) {
		f.tokenPrefix = prefix
	}
}

// NewFramer creates a Framer using the default markers unless overridden.
func NewFramer(opts ...Option) *Framer {
	f := &Framer{
		extensionPrefix: DefaultExtensionPrefix,
		tokenPrefix:     DefaultTokenPrefix,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Feed appends data and returns every newly completed line.
func (f *Framer) Feed(data []byte) []Line {
	f.buf = append(f.buf, data...)

	var lines []Line
	start := 0
	for {
		i := bytes.IndexByte(f.buf[start:], '\n')
		if i < 0 {
			break
		}
		raw := f.buf[start : start+i]
		raw = bytes.TrimSuffix(raw, []byte{'\r'})
		lines = append(lines, f.Classify(string(raw)))
		start += i + 1
	}

	if start > 0 {
		n := copy(f.buf, f.buf[start:])
		f.buf = f.buf[:n]
	}
	return lines
}

// Pending returns the number of buffered bytes of an incomplete line.
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Reset discards any buffered partial line.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}

// Classify classifies a single complete line.
func (f *Framer) Classify(line string) Line {
	s := StripPrompt(line)

	if strings.HasPrefix(s, f.extensionPrefix) {
		frame, err := ParseFrame(s[len(f.extensionPrefix):])
		if err != nil {
			return Line{Kind: LineMalformed, Text: s, Err: err}
		}
		return Line{Kind: LineFrame, Text: s, Frame: frame}
	}

	if kind, token, ok := f.parseBoundary(s); ok {
		return Line{Kind: kind, Text: s, Token: token}
	}

	return Line{Kind: LinePlain, Text: s}
}

// parseBoundary matches `<tokenPrefix><digits><` and `<tokenPrefix><digits>>`.
func (f *Framer) parseBoundary(s string) (LineKind, int, bool) {
	if !strings.HasPrefix(s, f.tokenPrefix) {
		return LinePlain, 0, false
	}
	rest := s[len(f.tokenPrefix):]
	if len(rest) < 2 {
		return LinePlain, 0, false
	}

	var kind LineKind
	switch rest[len(rest)-1] {
	case '<':
		kind = LineBoundaryStart
	case '>':
		kind = LineBoundaryEnd
	default:
		return LinePlain, 0, false
	}

	digits := rest[:len(rest)-1]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return LinePlain, 0, false
		}
	}
	token, err := strconv.Atoi(digits)
	if err != nil {
		return LinePlain, 0, false
	}
	return kind, token, true
}

// promptWidth is the length of a prompt such as "0:000> ".
const promptWidth = 7

// StripPrompt removes any number of leading debugger prompts of the form
// "N:NNN> ". Some transports echo prompts in front of real output.
func StripPrompt(s string) string {
	for isPrompt(s) {
		s = s[promptWidth:]
	}
	return s
}

func isPrompt(s string) bool {
	if len(s) < promptWidth {
		return false
	}
	return isDigit(s[0]) && s[1] == ':' &&
		isDigit(s[2]) && isDigit(s[3]) && isDigit(s[4]) &&
		s[5] == '>' && s[6] == ' '
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
