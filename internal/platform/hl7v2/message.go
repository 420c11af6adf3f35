package hl7v2

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Message is a parsed HL7v2 message. The first segment is always MSH and the
// message carries the delimiters it declared there. Messages returned by Parse
// are treated as read-only; leaf values stay encoded until they are read.
type Message struct {
	Delimiters Delimiters
	Segments   []Segment
}

// Segment is one line of a message, e.g. "MSH", "PID", "OBX".
//
// Fields[0] is field 1. For MSH, field 1 is the field separator itself and
// field 2 holds the encoding characters unsplit.
type Segment struct {
	Name   string
	Fields []Field

	delims Delimiters
}

// Field holds zero or more repetitions. A field with no repetitions is absent,
// which is different from a field holding a single empty component.
type Field struct {
	Repetitions []Repetition
}

// Repetition is one occurrence of a repeating field.
type Repetition struct {
	Components []Component
}

// Component holds its subcomponents; a plain value has exactly one.
type Component struct {
	Subcomponents []string
}

// IsEmpty reports whether the field carries no value at all.
func (f Field) IsEmpty() bool {
	return len(f.Repetitions) == 0
}

// ---------------------------------------------------------------------------
// Segment access
// ---------------------------------------------------------------------------

func (s *Segment) delimiters() Delimiters {
	if s.delims.Field == 0 {
		return DefaultDelimiters()
	}
	return s.delims
}

// Field returns field n (1-based). Out-of-range fields come back empty.
func (s *Segment) Field(n int) Field {
	if n < 1 || n > len(s.Fields) {
		return Field{}
	}
	return s.Fields[n-1]
}

// FieldCount returns the number of fields present, trailing empties included.
func (s *Segment) FieldCount() int {
	return len(s.Fields)
}

// Value returns the decoded leaf at field/repetition/component/subcomponent,
// all 1-based. Missing positions read as "".
func (s *Segment) Value(field, rep, comp, sub int) string {
	f := s.Field(field)
	if rep < 1 || rep > len(f.Repetitions) {
		return ""
	}
	r := f.Repetitions[rep-1]
	if comp < 1 || comp > len(r.Components) {
		return ""
	}
	c := r.Components[comp-1]
	if sub < 1 || sub > len(c.Subcomponents) {
		return ""
	}
	return s.delimiters().UnescapeText(c.Subcomponents[sub-1])
}

// GetField returns the decoded first leaf of field n. Use Raw to get the whole
// encoded field.
func (s *Segment) GetField(n int) string {
	return s.Value(n, 1, 1, 1)
}

// GetComponent returns the decoded first subcomponent of component c in the
// first repetition of field f.
func (s *Segment) GetComponent(f, c int) string {
	return s.Value(f, 1, c, 1)
}

// Repeat returns the decoded first leaf of each repetition of field n.
func (s *Segment) Repeat(n int) []string {
	f := s.Field(n)
	out := make([]string, 0, len(f.Repetitions))
	for i := range f.Repetitions {
		out = append(out, s.Value(n, i+1, 1, 1))
	}
	return out
}

// Raw returns field n exactly as encoded on the wire.
func (s *Segment) Raw(n int) string {
	if s.Name == "MSH" && n == 1 {
		return string(s.delimiters().Field)
	}
	var b bytes.Buffer
	writeField(&b, s.Field(n), s.delimiters())
	return b.String()
}

// String renders the segment without a terminator.
func (s *Segment) String() string {
	var b bytes.Buffer
	writeSegment(&b, s, s.delimiters())
	return b.String()
}

// ---------------------------------------------------------------------------
// Message access
// ---------------------------------------------------------------------------

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name, in message order.
func (m *Message) GetSegments(name string) []*Segment {
	var result []*Segment
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			result = append(result, &m.Segments[i])
		}
	}
	return result
}

// Header returns the MSH segment.
func (m *Message) Header() *Segment {
	if len(m.Segments) == 0 || m.Segments[0].Name != "MSH" {
		return &Segment{Name: "MSH", delims: m.Delimiters}
	}
	return &m.Segments[0]
}

// MessageType returns MSH-9 as encoded, e.g. "ADT^A01".
func (m *Message) MessageType() string { return m.Header().Raw(9) }

// MessageCode returns MSH-9.1, e.g. "ADT".
func (m *Message) MessageCode() string { return m.Header().GetComponent(9, 1) }

// TriggerEvent returns MSH-9.2, e.g. "A01".
func (m *Message) TriggerEvent() string { return m.Header().GetComponent(9, 2) }

// ControlID returns MSH-10.
func (m *Message) ControlID() string { return m.Header().GetField(10) }

// ProcessingID returns MSH-11.
func (m *Message) ProcessingID() string { return m.Header().GetField(11) }

// Version returns MSH-12.
func (m *Message) Version() string { return m.Header().GetField(12) }

// SendingApp returns MSH-3 as encoded, so HD components survive mirroring.
func (m *Message) SendingApp() string { return m.Header().Raw(3) }

// SendingFacility returns MSH-4 as encoded.
func (m *Message) SendingFacility() string { return m.Header().Raw(4) }

// ReceivingApp returns MSH-5 as encoded.
func (m *Message) ReceivingApp() string { return m.Header().Raw(5) }

// ReceivingFacility returns MSH-6 as encoded.
func (m *Message) ReceivingFacility() string { return m.Header().Raw(6) }

// Timestamp parses MSH-7.
func (m *Message) Timestamp() (time.Time, error) {
	return ParseTimestamp(m.Header().GetComponent(7, 1))
}

// IsADT reports whether the message is an admission/discharge/transfer message.
func (m *Message) IsADT() bool { return m.MessageCode() == "ADT" }

// IsORU reports whether the message carries observation results.
func (m *Message) IsORU() bool { return m.MessageCode() == "ORU" }

// IsRDE reports whether the message is an encoded pharmacy order.
func (m *Message) IsRDE() bool { return m.MessageCode() == "RDE" }

// ---------------------------------------------------------------------------
// Serialization
// ---------------------------------------------------------------------------

// Bytes serializes the message with every segment terminated by CR.
func (m *Message) Bytes() []byte {
	var b bytes.Buffer
	for i := range m.Segments {
		writeSegment(&b, &m.Segments[i], m.Delimiters)
		b.WriteByte(SegmentTerminator)
	}
	return b.Bytes()
}

// String is Bytes as a string.
func (m *Message) String() string {
	return string(m.Bytes())
}

func writeSegment(b *bytes.Buffer, s *Segment, d Delimiters) {
	b.WriteString(s.Name)
	if s.Name == "MSH" {
		b.WriteByte(d.Field)
		if len(s.Fields) < 2 {
			b.WriteString(d.String())
			return
		}
		writeField(b, s.Fields[1], d)
		for _, f := range s.Fields[2:] {
			b.WriteByte(d.Field)
			writeField(b, f, d)
		}
		return
	}
	for _, f := range s.Fields {
		b.WriteByte(d.Field)
		writeField(b, f, d)
	}
}

func writeField(b *bytes.Buffer, f Field, d Delimiters) {
	for i, rep := range f.Repetitions {
		if i > 0 {
			b.WriteByte(d.Repetition)
		}
		for j, comp := range rep.Components {
			if j > 0 {
				b.WriteByte(d.Component)
			}
			for k, sub := range comp.Subcomponents {
				if k > 0 {
					b.WriteByte(d.Subcomponent)
				}
				b.WriteString(sub)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Timestamps
// ---------------------------------------------------------------------------

// ParseTimestamp parses an HL7v2 DTM/TS value: YYYY[MM[DD[HH[MM[SS[.S+]]]]]]
// with an optional +/-ZZZZ offset. Values without an offset are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)

	loc := time.UTC
	if i := strings.IndexAny(s, "+-"); i > 0 {
		off := s[i:]
		s = s[:i]
		t, err := time.Parse("-0700", off)
		if err != nil {
			return time.Time{}, fmt.Errorf("hl7v2: invalid timestamp offset: %q", off)
		}
		_, secs := t.Zone()
		loc = time.FixedZone(off, secs)
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}

	var layout string
	switch len(s) {
	case 14:
		layout = "20060102150405"
	case 12:
		layout = "200601021504"
	case 10:
		layout = "2006010215"
	case 8:
		layout = "20060102"
	case 6:
		layout = "200601"
	case 4:
		layout = "2006"
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
	return time.ParseInLocation(layout, s, loc)
}
