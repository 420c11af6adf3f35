package hl7v2

import (
	"strings"
)

// Parse parses a raw HL7v2 message. The delimiters are taken from the
// message's own MSH segment. Segments may be terminated by CR, LF or CRLF;
// empty lines are skipped.
func Parse(raw []byte) (*Message, error) {
	return ParseString(string(raw))
}

// ParseString is Parse for text already held as a string.
func ParseString(text string) (*Message, error) {
	text = strings.TrimLeft(text, "\r\n")

	d, err := ParseDelimiters(text)
	if err != nil {
		return nil, err
	}

	lines := splitSegments(text)
	if len(lines) == 0 {
		return nil, &ParseError{Err: ErrInvalidStructure, Msg: "message has no segments"}
	}

	msg := &Message{
		Delimiters: d,
		Segments:   make([]Segment, 0, len(lines)),
	}
	for i, line := range lines {
		seg, err := parseSegment(line, d, i+1)
		if err != nil {
			return nil, err
		}
		msg.Segments = append(msg.Segments, seg)
	}
	return msg, nil
}

// splitSegments splits on CR and LF and drops blank lines, so CRLF and
// trailing terminators need no special handling.
func splitSegments(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '\r' || r == '\n'
	})
	lines := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		lines = append(lines, p)
	}
	return lines
}

func parseSegment(line string, d Delimiters, pos int) (Segment, error) {
	if i := strings.IndexAny(line, "\x0b\x1c\x00"); i >= 0 {
		return Segment{}, &ParseError{
			Err:     ErrUnterminatedSegment,
			Segment: pos,
			Msg:     "segment contains framing or NUL byte",
		}
	}

	name, rest, hasFields := strings.Cut(line, string(d.Field))
	if !validSegmentName(name) {
		return Segment{}, &ParseError{
			Err:     ErrInvalidStructure,
			Segment: pos,
			Msg:     "invalid segment identifier " + quoteName(name),
		}
	}

	seg := Segment{Name: name, delims: d}

	if name == "MSH" {
		if pos != 1 {
			return Segment{}, &ParseError{Err: ErrInvalidStructure, Segment: pos, Msg: "unexpected MSH segment"}
		}
		// MSH-1 is the separator itself; MSH-2 is never split.
		parts := strings.Split(rest, string(d.Field))
		seg.Fields = make([]Field, 0, len(parts)+1)
		seg.Fields = append(seg.Fields, leafField(string(d.Field)), leafField(parts[0]))
		for _, p := range parts[1:] {
			seg.Fields = append(seg.Fields, parseField(p, d))
		}
		return seg, nil
	}

	if !hasFields {
		return seg, nil
	}
	parts := strings.Split(rest, string(d.Field))
	seg.Fields = make([]Field, len(parts))
	for i, p := range parts {
		seg.Fields[i] = parseField(p, d)
	}
	return seg, nil
}

func parseField(raw string, d Delimiters) Field {
	if raw == "" {
		return Field{}
	}
	reps := strings.Split(raw, string(d.Repetition))
	f := Field{Repetitions: make([]Repetition, len(reps))}
	for i, r := range reps {
		comps := strings.Split(r, string(d.Component))
		rep := Repetition{Components: make([]Component, len(comps))}
		for j, c := range comps {
			rep.Components[j] = Component{Subcomponents: strings.Split(c, string(d.Subcomponent))}
		}
		f.Repetitions[i] = rep
	}
	return f
}

func leafField(v string) Field {
	return Field{Repetitions: []Repetition{{Components: []Component{{Subcomponents: []string{v}}}}}}
}

// validSegmentName accepts [A-Z][A-Z0-9]{2}.
func validSegmentName(name string) bool {
	if len(name) != 3 {
		return false
	}
	if name[0] < 'A' || name[0] > 'Z' {
		return false
	}
	for i := 1; i < 3; i++ {
		c := name[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

func quoteName(name string) string {
	if len(name) > 16 {
		name = name[:16] + "..."
	}
	return "\"" + name + "\""
}
