package hl7v2

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedHeader means the text does not open with a usable MSH segment.
	ErrMalformedHeader = errors.New("malformed header")

	// ErrUnterminatedSegment means a segment carries transport control bytes,
	// so its boundary was lost before it reached the parser.
	ErrUnterminatedSegment = errors.New("unterminated segment")

	// ErrInvalidStructure covers other structural problems: bad segment
	// identifiers, a second MSH, or no segments at all.
	ErrInvalidStructure = errors.New("invalid message structure")

	// ErrWrongMessageType is returned when a typed view is requested for a
	// message of another family.
	ErrWrongMessageType = errors.New("wrong message type")

	// ErrMissingRequiredField is returned when a typed view needs a value the
	// message does not carry.
	ErrMissingRequiredField = errors.New("missing required field")
)

// ParseError describes why raw text could not become a Message.
type ParseError struct {
	Err     error  // one of the Err* sentinels above
	Segment int    // 1-based segment position, 0 when not applicable
	Msg     string // detail
}

func (e *ParseError) Error() string {
	if e.Segment > 0 {
		return fmt.Sprintf("hl7v2: %v at segment %d: %s", e.Err, e.Segment, e.Msg)
	}
	return fmt.Sprintf("hl7v2: %v: %s", e.Err, e.Msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ViewError is returned by the typed-view constructors. It never invalidates
// the underlying Message.
type ViewError struct {
	View  string // "ADT", "ORU", "RDE"
	Field string // HL7 position such as "PID-3", or the received type
	Err   error
}

func (e *ViewError) Error() string {
	return fmt.Sprintf("hl7v2: %s view: %v: %s", e.View, e.Err, e.Field)
}

func (e *ViewError) Unwrap() error { return e.Err }
