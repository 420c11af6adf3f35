package hl7v2

import (
	"fmt"
	"strings"
)

// SegmentTerminator ends every segment on the wire.
const SegmentTerminator = '\r'

// Delimiters holds the five special characters a message declares in MSH-1 and
// MSH-2. Every parse and serialize operation takes them from the message itself.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

// DefaultDelimiters returns the customary |^~\& set. It is used when building
// messages from scratch, never as a fallback while parsing.
func DefaultDelimiters() Delimiters {
	return Delimiters{
		Field:        '|',
		Component:    '^',
		Repetition:   '~',
		Escape:       '\\',
		Subcomponent: '&',
	}
}

// ParseDelimiters reads the delimiters from the start of an MSH segment:
// "MSH" followed by the field separator and the four encoding characters.
func ParseDelimiters(text string) (Delimiters, error) {
	if len(text) < 3 || text[:3] != "MSH" {
		return Delimiters{}, &ParseError{Err: ErrMalformedHeader, Segment: 1, Msg: "message must start with MSH"}
	}
	if len(text) < 8 {
		return Delimiters{}, &ParseError{Err: ErrMalformedHeader, Segment: 1, Msg: "header too short to declare encoding characters"}
	}

	d := Delimiters{
		Field:        text[3],
		Component:    text[4],
		Repetition:   text[5],
		Escape:       text[6],
		Subcomponent: text[7],
	}
	if err := d.Validate(); err != nil {
		return Delimiters{}, &ParseError{Err: ErrMalformedHeader, Segment: 1, Msg: err.Error()}
	}
	return d, nil
}

// Validate reports whether the five characters are usable as delimiters.
func (d Delimiters) Validate() error {
	chars := d.bytes()
	for i, c := range chars {
		if c == '\r' || c == '\n' || c == 0 {
			return fmt.Errorf("delimiter %q is a control character", c)
		}
		if isAlnum(c) {
			return fmt.Errorf("delimiter %q is alphanumeric", c)
		}
		for _, other := range chars[i+1:] {
			if c == other {
				return fmt.Errorf("delimiter %q is declared twice", c)
			}
		}
	}
	return nil
}

// String renders the encoding characters as they appear in MSH-2.
func (d Delimiters) String() string {
	return string([]byte{d.Component, d.Repetition, d.Escape, d.Subcomponent})
}

func (d Delimiters) bytes() [5]byte {
	return [5]byte{d.Field, d.Component, d.Repetition, d.Escape, d.Subcomponent}
}

// EscapeText replaces delimiter characters in s with their escape sequences:
//
//	\F\ field, \S\ component, \R\ repetition, \E\ escape, \T\ subcomponent
//
// CR and LF become the hex sequences \X0D\ and \X0A\ so that the value cannot
// end its segment.
func (d Delimiters) EscapeText(s string) string {
	chars := d.bytes()
	if !strings.ContainsAny(s, string(chars[:])+"\r\n") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		var code byte
		switch s[i] {
		case d.Escape:
			code = 'E'
		case d.Field:
			code = 'F'
		case d.Component:
			code = 'S'
		case d.Repetition:
			code = 'R'
		case d.Subcomponent:
			code = 'T'
		case '\r', '\n':
			b.WriteByte(d.Escape)
			fmt.Fprintf(&b, "X%02X", s[i])
			b.WriteByte(d.Escape)
			continue
		default:
			b.WriteByte(s[i])
			continue
		}
		b.WriteByte(d.Escape)
		b.WriteByte(code)
		b.WriteByte(d.Escape)
	}
	return b.String()
}

// UnescapeText resolves the delimiter escape sequences in s. Sequences it does not
// recognise (formatting, hex, charset) and a dangling escape character are
// copied through unchanged.
func (d Delimiters) UnescapeText(s string) string {
	if strings.IndexByte(s, d.Escape) < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != d.Escape {
			b.WriteByte(s[i])
			continue
		}

		end := strings.IndexByte(s[i+1:], d.Escape)
		if end < 0 {
			b.WriteString(s[i:])
			break
		}
		end += i + 1

		seq := s[i+1 : end]
		if len(seq) == 1 {
			if r, ok := d.literal(seq[0]); ok {
				b.WriteByte(r)
				i = end
				continue
			}
		}
		b.WriteString(s[i : end+1])
		i = end
	}
	return b.String()
}

func (d Delimiters) literal(code byte) (byte, bool) {
	switch code {
	case 'F':
		return d.Field, true
	case 'S':
		return d.Component, true
	case 'R':
		return d.Repetition, true
	case 'E':
		return d.Escape, true
	case 'T':
		return d.Subcomponent, true
	}
	return 0, false
}

func isAlnum(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}
