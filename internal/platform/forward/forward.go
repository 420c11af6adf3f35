// Package forward publishes every accepted HL7 message to NATS so downstream
// services can consume it. A Forwarder is an mllp.Handler: when publishing
// fails the sender gets an AE and is expected to retransmit.
package forward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/mllp-gateway/internal/platform/hl7v2"
	"github.com/ehr/mllp-gateway/internal/platform/mllp"
)

// DefaultSubjectPrefix is used when Config.SubjectPrefix is empty.
const DefaultSubjectPrefix = "hl7.inbound"

// ErrPublish wraps every publish or flush failure.
var ErrPublish = errors.New("forward: publish failed")

// Publisher is the part of *nats.Conn the Forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// flusher is implemented by *nats.Conn. When the publisher has it and
// Config.Sync is set, each publish waits for the server round trip.
type flusher interface {
	FlushWithContext(ctx context.Context) error
}

// Config controls subjects and delivery.
type Config struct {
	SubjectPrefix string
	GatewayID     string
	Sync          bool
}

// Envelope is the JSON document published for each message.
type Envelope struct {
	GatewayID       string    `json:"gateway_id,omitempty"`
	ConnID          string    `json:"conn_id,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
	MessageType     string    `json:"message_type"`
	ControlID       string    `json:"control_id"`
	Version         string    `json:"version,omitempty"`
	ProcessingID    string    `json:"processing_id,omitempty"`
	SendingApp      string    `json:"sending_app,omitempty"`
	SendingFacility string    `json:"sending_facility,omitempty"`
	Raw             string    `json:"raw"`
	View            any       `json:"view,omitempty"`
}

// Forwarder publishes parsed messages.
type Forwarder struct {
	pub    Publisher
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a Forwarder.
func New(pub Publisher, cfg Config, logger zerolog.Logger) *Forwarder {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	return &Forwarder{pub: pub, cfg: cfg, logger: logger, now: time.Now}
}

// Subject returns the subject msg is published on:
// <prefix>.<message code>.<trigger event>.
func (f *Forwarder) Subject(msg *hl7v2.Message) string {
	return f.cfg.SubjectPrefix + "." + subjectToken(msg.MessageCode()) + "." + subjectToken(msg.TriggerEvent())
}

// Handle builds the envelope for msg and publishes it. ADT, ORU and RDE
// messages carry their typed view; one whose view cannot be built is refused
// so the sender sees the missing field. Other message types are forwarded
// without a view.
func (f *Forwarder) Handle(ctx context.Context, msg *hl7v2.Message) (*hl7v2.Message, error) {
	env, err := f.envelope(ctx, msg)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("forward: encode envelope: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	subject := f.Subject(msg)
	if err := f.pub.Publish(subject, data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPublish, subject, err)
	}
	if fl, ok := f.pub.(flusher); ok && f.cfg.Sync {
		if err := fl.FlushWithContext(ctx); err != nil {
			return nil, fmt.Errorf("%w: flush %s: %v", ErrPublish, subject, err)
		}
	}

	f.logger.Debug().
		Str("subject", subject).
		Str("control_id", env.ControlID).
		Int("bytes", len(data)).
		Msg("forward: published")
	return nil, nil
}

func (f *Forwarder) envelope(ctx context.Context, msg *hl7v2.Message) (*Envelope, error) {
	env := &Envelope{
		GatewayID:       f.cfg.GatewayID,
		ConnID:          mllp.ConnIDFromContext(ctx),
		ReceivedAt:      f.now().UTC(),
		MessageType:     msg.MessageType(),
		ControlID:       msg.ControlID(),
		Version:         msg.Version(),
		ProcessingID:    msg.ProcessingID(),
		SendingApp:      msg.SendingApp(),
		SendingFacility: msg.SendingFacility(),
		Raw:             msg.String(),
	}

	view, err := hl7v2.View(msg)
	switch {
	case err == nil:
		env.View = view
	case errors.Is(err, hl7v2.ErrWrongMessageType):
	default:
		return nil, err
	}
	return env, nil
}

// subjectToken makes s usable as one NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
