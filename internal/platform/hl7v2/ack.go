package hl7v2

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// AckCode is the MSA-1 acknowledgment code.
type AckCode string

const (
	AckAccept AckCode = "AA"
	AckError  AckCode = "AE"
	AckReject AckCode = "AR"
)

// UnknownControlID is put in MSA-2 when the original control ID cannot be
// recovered.
const UnknownControlID = "UNKNOWN"

// ErrInvalidAckCode is returned for codes other than AA, AE and AR.
var ErrInvalidAckCode = errors.New("hl7v2: invalid acknowledgment code")

// Valid reports whether c is one of AA, AE, AR.
func (c AckCode) Valid() bool {
	return c == AckAccept || c == AckError || c == AckReject
}

// AckBuilder builds ACK and NAK messages. App and Facility identify this
// system when the original message does not name a receiver; Version is used
// when the original carries none.
type AckBuilder struct {
	App      string
	Facility string
	Version  string

	now func() time.Time
}

// NewAckBuilder returns an AckBuilder. Empty values fall back to the
// defaults "MLLP_GATEWAY", "EHR" and "2.5".
func NewAckBuilder(app, facility, version string) *AckBuilder {
	if app == "" {
		app = "MLLP_GATEWAY"
	}
	if facility == "" {
		facility = "EHR"
	}
	if version == "" {
		version = "2.5"
	}
	return &AckBuilder{App: app, Facility: facility, Version: version, now: time.Now}
}

// header holds the MSH values an acknowledgment mirrors. Everything except
// controlID is still encoded with the original message's delimiters.
type header struct {
	sendingApp        string
	sendingFacility   string
	receivingApp      string
	receivingFacility string
	trigger           string
	controlID         string
	processingID      string
	version           string
}

// Ack builds the acknowledgment for a parsed message. For AE and AR a
// non-empty text also produces an ERR segment.
func (b *AckBuilder) Ack(orig *Message, code AckCode, text string) (*Message, error) {
	if orig == nil {
		return nil, fmt.Errorf("hl7v2: ack: original message is nil")
	}
	if !code.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAckCode, code)
	}

	msh := orig.Header()
	h := header{
		sendingApp:        orig.SendingApp(),
		sendingFacility:   orig.SendingFacility(),
		receivingApp:      orig.ReceivingApp(),
		receivingFacility: orig.ReceivingFacility(),
		trigger:           orig.Delimiters.EscapeText(orig.TriggerEvent()),
		controlID:         orig.ControlID(),
		processingID:      msh.Raw(11),
		version:           msh.Raw(12),
	}

	return b.build(orig.Delimiters, h, code, text), nil
}

// Nak builds a negative acknowledgment for bytes that could not be parsed or
// processed. Whatever header values can be recovered are mirrored; the rest
// fall back to protocol defaults and MSA-2 becomes UNKNOWN. AA is not a
// negative code and is replaced by AE. Nak never fails.
func (b *AckBuilder) Nak(raw []byte, code AckCode, text string) *Message {
	if !code.Valid() || code == AckAccept {
		code = AckError
	}
	if msg, err := Parse(raw); err == nil {
		if ack, err := b.Ack(msg, code, text); err == nil {
			return ack
		}
	}

	d, h := recoverHeader(string(raw))
	return b.build(d, h, code, text)
}

func (b *AckBuilder) build(d Delimiters, h header, code AckCode, text string) *Message {
	now := time.Now
	if b.now != nil {
		now = b.now
	}

	sendingApp, sendingFacility := h.receivingApp, h.receivingFacility
	if sendingApp == "" {
		sendingApp = d.EscapeText(b.App)
	}
	if sendingFacility == "" {
		sendingFacility = d.EscapeText(b.Facility)
	}

	msgType := "ACK"
	if h.trigger != "" {
		msgType += string(d.Component) + h.trigger
	}
	processingID := h.processingID
	if processingID == "" {
		processingID = "P"
	}
	version := h.version
	if version == "" {
		version = d.EscapeText(b.Version)
	}
	controlID := h.controlID
	if controlID == "" {
		controlID = UnknownControlID
	}

	segments := []Segment{
		d.NewHeader(
			sendingApp,
			sendingFacility,
			h.sendingApp,
			h.sendingFacility,
			now().UTC().Format("20060102150405"),
			"",
			msgType,
			NewControlID(),
			processingID,
			version,
		),
	}

	msa := []string{string(code), d.EscapeText(controlID)}
	if text != "" {
		msa = append(msa, d.EscapeText(text))
	}
	segments = append(segments, d.NewSegment("MSA", msa...))

	if code != AckAccept && text != "" {
		segments = append(segments, d.NewSegment("ERR",
			"", "",
			d.Components("207", "Application internal error", "HL70357"),
			"E",
			"", "", "",
			d.EscapeText(text),
		))
	}

	return &Message{Delimiters: d, Segments: segments}
}

// recoverHeader scans the first line of text for MSH values without requiring
// the rest of the message to be valid.
func recoverHeader(text string) (Delimiters, header) {
	text = strings.TrimLeft(text, "\r\n\x0b")
	d, err := ParseDelimiters(text)
	if err != nil {
		return DefaultDelimiters(), header{}
	}

	line := text
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	// parts[n-1] is MSH-n because MSH-1 is the separator itself.
	parts := strings.Split(line, string(d.Field))
	get := func(n int) string {
		if n-1 >= len(parts) {
			return ""
		}
		v := parts[n-1]
		if strings.ContainsAny(v, "\x0b\x1c\x00") {
			return ""
		}
		return v
	}

	h := header{
		sendingApp:        get(3),
		sendingFacility:   get(4),
		receivingApp:      get(5),
		receivingFacility: get(6),
		processingID:      get(11),
		version:           get(12),
	}
	if comps := strings.Split(get(9), string(d.Component)); len(comps) > 1 {
		h.trigger = comps[1]
	}
	if id := get(10); id != "" {
		h.controlID = d.UnescapeText(id)
	}
	return d, h
}

var controlSeq atomic.Uint64

// NewControlID returns a fresh MSH-10 value: the UTC time to the second
// followed by a six-digit process-wide sequence number.
func NewControlID() string {
	n := controlSeq.Add(1) % 1_000_000
	return fmt.Sprintf("%s%06d", time.Now().UTC().Format("20060102150405"), n)
}
