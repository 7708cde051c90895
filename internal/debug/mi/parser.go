package mi

import "strings"

// Parse decodes a single, optionally named, value from data.
// Trailing text after the value is ignored.
func Parse(data []byte) Value {
	return ParseString(string(data))
}

// ParseString is Parse for string input.
func ParseString(s string) Value {
	p := parser{src: s}
	var v Value
	p.parseResultOrValue(&v)
	return v
}

// ParseMultiple decodes a sequence of results such as `a="1",b={...}`
// into an unnamed Tuple. Parsing stops at the first malformed result.
func ParseMultiple(data []byte) Value {
	p := parser{src: string(data)}
	v := Value{Kind: Tuple}
	for {
		p.skipSeparators()
		if p.eof() {
			return v
		}
		var child Value
		if !p.parseResultOrValue(&child) {
			return v
		}
		v.Children = append(v.Children, child)
	}
}

type parser struct {
	src string
	pos int
}

func (p *parser) eof() bool {
	return p.pos >= len(p.src)
}

// skipSeparators skips whitespace and any number of commas.
func (p *parser) skipSeparators() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ',', ' ', '\t', '\r', '\n':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) parseResultOrValue(v *Value) bool {
	p.skipSeparators()
	if p.eof() {
		return false
	}

	switch p.src[p.pos] {
	case '{', '[', '"':
	default:
		end := strings.IndexAny(p.src[p.pos:], "={}[]\"")
		if end <= 0 || p.src[p.pos+end] != '=' {
			return false
		}
		v.Name = strings.TrimSpace(p.src[p.pos : p.pos+end])
		p.pos += end + 1
	}

	return p.parseValue(v)
}

func (p *parser) parseValue(v *Value) bool {
	if p.eof() {
		return false
	}
	switch p.src[p.pos] {
	case '{':
		p.parseChildren(v, Tuple, '}')
		return true
	case '[':
		p.parseChildren(v, List, ']')
		return true
	case '"':
		return p.parseConst(v)
	}
	return false
}

// parseChildren parses the body of a tuple or list. On a malformed child the
// container keeps what was parsed so far and parsing stops there.
func (p *parser) parseChildren(v *Value, kind Kind, close byte) {
	v.Kind = kind
	p.pos++
	for {
		p.skipSeparators()
		if p.eof() {
			return
		}
		if p.src[p.pos] == close {
			p.pos++
			return
		}
		var child Value
		if !p.parseResultOrValue(&child) {
			return
		}
		v.Children = append(v.Children, child)
	}
}

func (p *parser) parseConst(v *Value) bool {
	p.pos++
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch c {
		case '"':
			p.pos++
			v.Kind = Const
			v.Data = b.String()
			return true
		case '\\':
			r, n, ok := decodeEscape(p.src[p.pos:])
			if !ok {
				return false
			}
			b.WriteByte(r)
			p.pos += n
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return false
}

// decodeEscape decodes the escape sequence at the start of s, which begins
// with a backslash. It returns the decoded byte and the sequence length.
func decodeEscape(s string) (byte, int, bool) {
	if len(s) < 2 {
		return 0, 0, false
	}
	switch s[1] {
	case 'n':
		return '\n', 2, true
	case 't':
		return '\t', 2, true
	case 'r':
		return '\r', 2, true
	case 'a':
		return '\a', 2, true
	case 'b':
		return '\b', 2, true
	case 'f':
		return '\f', 2, true
	case 'v':
		return '\v', 2, true
	case '"':
		return '"', 2, true
	case '\\':
		return '\\', 2, true
	}

	if len(s) < 4 || !isOctal(s[1]) || !isOctal(s[2]) || !isOctal(s[3]) {
		return 0, 0, false
	}
	n := int(s[1]-'0')<<6 | int(s[2]-'0')<<3 | int(s[3]-'0')
	if n > 0xff {
		return 0, 0, false
	}
	return byte(n), 4, true
}

func isOctal(c byte) bool {
	return c >= '0' && c <= '7'
}
