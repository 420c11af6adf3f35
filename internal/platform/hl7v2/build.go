package hl7v2

import (
	"fmt"
	"strings"
)

// NewSegment builds a segment from field values that are already encoded for
// d, e.g. "ACK^A01". Use d.Components or d.EscapeText to prepare values that may
// contain delimiter characters.
func (d Delimiters) NewSegment(name string, fields ...string) Segment {
	seg := Segment{Name: name, delims: d, Fields: make([]Field, len(fields))}
	for i, f := range fields {
		seg.Fields[i] = parseField(f, d)
	}
	return seg
}

// NewHeader builds an MSH segment. fields start at MSH-3; MSH-1 and MSH-2 come
// from d.
func (d Delimiters) NewHeader(fields ...string) Segment {
	seg := Segment{Name: "MSH", delims: d, Fields: make([]Field, 0, len(fields)+2)}
	seg.Fields = append(seg.Fields, leafField(string(d.Field)), leafField(d.String()))
	for _, f := range fields {
		seg.Fields = append(seg.Fields, parseField(f, d))
	}
	return seg
}

// Components escapes each value and joins them with the component separator.
// Trailing empty components are dropped.
func (d Delimiters) Components(values ...string) string {
	for len(values) > 0 && values[len(values)-1] == "" {
		values = values[:len(values)-1]
	}
	escaped := make([]string, len(values))
	for i, v := range values {
		escaped[i] = d.EscapeText(v)
	}
	return strings.Join(escaped, string(d.Component))
}

// NewMessage assembles a message from segments built with d. The first segment
// must be MSH.
func NewMessage(d Delimiters, segments ...Segment) (*Message, error) {
	if err := d.Validate(); err != nil {
		return nil, &ParseError{Err: ErrMalformedHeader, Msg: err.Error()}
	}
	if len(segments) == 0 {
		return nil, &ParseError{Err: ErrInvalidStructure, Msg: "message has no segments"}
	}
	if segments[0].Name != "MSH" {
		return nil, &ParseError{Err: ErrInvalidStructure, Segment: 1, Msg: fmt.Sprintf("first segment is %s, not MSH", segments[0].Name)}
	}
	for i := range segments {
		if i > 0 && segments[i].Name == "MSH" {
			return nil, &ParseError{Err: ErrInvalidStructure, Segment: i + 1, Msg: "unexpected MSH segment"}
		}
		segments[i].delims = d
	}
	return &Message{Delimiters: d, Segments: segments}, nil
}
