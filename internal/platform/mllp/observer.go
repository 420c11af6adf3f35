package mllp

import (
	"time"

	"github.com/ehr/mllp-gateway/internal/platform/hl7v2"
)

// ConnInfo identifies one accepted connection.
type ConnInfo struct {
	ID         string
	RemoteAddr string
	OpenedAt   time.Time
}

// MessageEvent describes one delimited frame that received a response.
type MessageEvent struct {
	MessageType string
	ControlID   string
	Ack         hl7v2.AckCode
	Latency     time.Duration
	Err         error // parse or handler failure, nil on success
}

// Observer receives connection lifecycle events. Methods are called from
// connection goroutines and must be safe for concurrent use; they run inline
// with the connection, so they should not block.
type Observer interface {
	ConnOpened(ConnInfo)
	ConnClosed(ConnInfo, error)
	FrameRejected(ConnInfo, error)
	MessageHandled(ConnInfo, MessageEvent)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) ConnOpened(ConnInfo)                   {}
func (NopObserver) ConnClosed(ConnInfo, error)            {}
func (NopObserver) FrameRejected(ConnInfo, error)         {}
func (NopObserver) MessageHandled(ConnInfo, MessageEvent) {}

// Observers fans each event out to every element in order.
type Observers []Observer

func (o Observers) ConnOpened(c ConnInfo) {
	for _, ob := range o {
		ob.ConnOpened(c)
	}
}

func (o Observers) ConnClosed(c ConnInfo, err error) {
	for _, ob := range o {
		ob.ConnClosed(c, err)
	}
}

func (o Observers) FrameRejected(c ConnInfo, err error) {
	for _, ob := range o {
		ob.FrameRejected(c, err)
	}
}

func (o Observers) MessageHandled(c ConnInfo, ev MessageEvent) {
	for _, ob := range o {
		ob.MessageHandled(c, ev)
	}
}
