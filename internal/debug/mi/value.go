// Package mi implements the structured value grammar used by the debugger
// extension to encode replies and notifications.
//
// The grammar is a compact tree notation:
//
//	value := tuple | list | const
//	tuple := '{' (result ','?)* '}'
//	list  := '[' (result ','?)* ']'
//	result := (name '=')? value
//	const := '"' escaped-chars '"'
//
// Parsing never fails outright. Malformed input yields an Invalid node, and a
// construct that breaks in the middle keeps the children parsed so far.
package mi

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the type of a Value.
type Kind int

const (
	// Invalid marks an absent or unparseable value.
	Invalid Kind = iota
	// Const is a quoted string constant.
	Const
	// Tuple is an ordered set of named children.
	Tuple
	// List is an ordered sequence of children, optionally named.
	List
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case Invalid:
		return "invalid"
	case Const:
		return "const"
	case Tuple:
		return "tuple"
	case List:
		return "list"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Value is a node of a parsed structured payload.
//
// The zero Value is Invalid. Lookups on an Invalid value return Invalid
// values, so chained access like v.Child("frame").Child("line") never panics.
type Value struct {
	// Name is set when the value appeared as name=value.
	Name string

	// Kind is fixed by the first significant character of the value.
	Kind Kind

	// Data holds the decoded bytes of a Const.
	Data string

	// Children holds the members of a Tuple or List.
	Children []Value
}

// IsValid reports whether the value parsed successfully.
func (v Value) IsValid() bool {
	return v.Kind != Invalid
}

// Len returns the number of children.
func (v Value) Len() int {
	return len(v.Children)
}

// At returns the i-th child or an Invalid value when out of range.
func (v Value) At(i int) Value {
	if i < 0 || i >= len(v.Children) {
		return Value{}
	}
	return v.Children[i]
}

// Child returns the first child with the given name.
// It returns an Invalid value when no such child exists.
func (v Value) Child(name string) Value {
	for _, c := range v.Children {
		if c.Name == name {
			return c
		}
	}
	return Value{}
}

// Int parses the constant as an integer. Hex and octal prefixes are honored.
func (v Value) Int() (int64, bool) {
	if v.Kind != Const {
		return 0, false
	}
	n, err := strconv.ParseInt(v.Data, 0, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IntOr returns the integer value or def when the value is absent or not a number.
func (v Value) IntOr(def int) int {
	if n, ok := v.Int(); ok {
		return int(n)
	}
	return def
}

// String returns the compact text form of the value.
func (v Value) String() string {
	return v.Text(false)
}

// Text serializes the value back into the wire grammar.
// With pretty set, tuples and lists are broken over indented lines;
// the output still parses to the same value.
func (v Value) Text(pretty bool) string {
	var b strings.Builder
	v.write(&b, pretty, 0)
	return b.String()
}

func (v Value) write(b *strings.Builder, pretty bool, indent int) {
	if v.Name != "" {
		b.WriteString(v.Name)
		b.WriteByte('=')
	}

	switch v.Kind {
	case Const:
		b.WriteByte('"')
		b.WriteString(Escape(v.Data))
		b.WriteByte('"')
	case Tuple:
		writeChildren(b, v.Children, '{', '}', pretty, indent)
	case List:
		writeChildren(b, v.Children, '[', ']', pretty, indent)
	}
}

func writeChildren(b *strings.Builder, children []Value, open, close byte, pretty bool, indent int) {
	b.WriteByte(open)
	if pretty && len(children) > 0 {
		b.WriteByte('\n')
	}
	for i, c := range children {
		if i > 0 {
			b.WriteByte(',')
			if pretty {
				b.WriteByte('\n')
			}
		}
		if pretty {
			writeIndent(b, indent+1)
		}
		c.write(b, pretty, indent+1)
	}
	if pretty && len(children) > 0 {
		b.WriteByte('\n')
		writeIndent(b, indent)
	}
	b.WriteByte(close)
}

func writeIndent(b *strings.Builder, n int) {
	for i := 0; i < n; i++ {
		b.WriteString("  ")
	}
}

// Escape encodes s using the escapes understood by the parser.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		case '\a':
			b.WriteString(`\a`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\v':
			b.WriteString(`\v`)
		default:
			if c < 0x20 || c == 0x7f {
				fmt.Fprintf(&b, `\%03o`, c)
			} else {
				b.WriteByte(c)
			}
		}
	}
	return b.String()
}
