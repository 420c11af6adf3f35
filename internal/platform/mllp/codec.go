package mllp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// MLLP framing bytes.
const (
	StartBlock     byte = 0x0B
	EndBlock       byte = 0x1C
	CarriageReturn byte = 0x0D
)

// framingBytes are the bytes that end the payload run inside a frame.
const framingBytes = "\x0b\x1c"

// DefaultMaxFrameSize bounds the payload of a single frame when no other limit
// is configured.
const DefaultMaxFrameSize = 1 << 20 // 1 MB

var (
	// ErrMalformedFrame is reported when an end block is not followed by a
	// carriage return, or a start block appears inside a frame.
	ErrMalformedFrame = errors.New("mllp: malformed frame")

	// ErrFrameTooLarge is reported when a payload grows past the decoder's
	// maximum frame size.
	ErrFrameTooLarge = errors.New("mllp: frame too large")
)

// State is the decoder's position within the framing grammar.
type State int

const (
	StateAwaitingStart State = iota
	StateInMessage
	StateAwaitingTerminator
)

func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateInMessage:
		return "in_message"
	case StateAwaitingTerminator:
		return "awaiting_terminator"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Result is one outcome of Feed: either a complete payload or a frame error.
// Frame errors never stop the decoder.
type Result struct {
	Payload []byte
	Err     error
}

// Decoder extracts frame payloads from a byte stream. Bytes may arrive in any
// split; a partial frame is kept until the rest of it is fed. A Decoder is not
// safe for concurrent use.
type Decoder struct {
	state   State
	buf     []byte
	maxSize int
}

// NewDecoder returns a Decoder that rejects payloads longer than maxFrameSize.
// A non-positive size selects DefaultMaxFrameSize.
func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{maxSize: maxFrameSize}
}

// State returns the current decoder state.
func (d *Decoder) State() State { return d.state }

// Buffered returns the number of payload bytes held for the frame in progress.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Reset drops any partial frame and returns to StateAwaitingStart.
func (d *Decoder) Reset() {
	d.state = StateAwaitingStart
	d.buf = d.buf[:0]
}

// Feed consumes p and returns the payloads and frame errors it completes, in
// arrival order. Returned payloads do not alias p or the decoder's buffer.
func (d *Decoder) Feed(p []byte) []Result {
	var out []Result

	for i := 0; i < len(p); {
		switch d.state {
		case StateAwaitingStart:
			// Anything before a start block is noise.
			j := bytes.IndexByte(p[i:], StartBlock)
			if j < 0 {
				return out
			}
			i += j + 1
			d.state = StateInMessage
			d.buf = d.buf[:0]

		case StateInMessage:
			j := bytes.IndexAny(p[i:], framingBytes)
			chunk := p[i:]
			if j >= 0 {
				chunk = p[i : i+j]
			}
			if len(d.buf)+len(chunk) > d.maxSize {
				out = append(out, Result{Err: fmt.Errorf("%w: exceeds %d bytes", ErrFrameTooLarge, d.maxSize)})
				d.Reset()
				i += len(chunk)
				continue
			}
			d.buf = append(d.buf, chunk...)
			i += len(chunk)
			if j < 0 {
				return out
			}

			if p[i] == StartBlock {
				out = append(out, Result{Err: fmt.Errorf("%w: start block inside frame after %d bytes", ErrMalformedFrame, len(d.buf))})
				d.buf = d.buf[:0]
				i++
				continue
			}
			d.state = StateAwaitingTerminator
			i++

		case StateAwaitingTerminator:
			if p[i] != CarriageReturn {
				// Leave the byte for StateAwaitingStart; it may open the next frame.
				out = append(out, Result{Err: fmt.Errorf("%w: end block followed by 0x%02X", ErrMalformedFrame, p[i])})
				d.Reset()
				continue
			}
			payload := make([]byte, len(d.buf))
			copy(payload, d.buf)
			out = append(out, Result{Payload: payload})
			d.Reset()
			i++
		}
	}
	return out
}

// Encode wraps payload in MLLP framing. The payload is not inspected.
func Encode(payload []byte) []byte {
	framed := make([]byte, 0, len(payload)+3)
	framed = append(framed, StartBlock)
	framed = append(framed, payload...)
	framed = append(framed, EndBlock, CarriageReturn)
	return framed
}

// WriteFrame writes one framed payload to w in a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if _, err := w.Write(Encode(payload)); err != nil {
		return fmt.Errorf("mllp: write frame: %w", err)
	}
	return nil
}
