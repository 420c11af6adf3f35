// Package registry tracks open MLLP connections for the admin API. Both
// implementations are mllp.Observers; Redis shares the view across gateway
// instances, Memory covers a single process.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ehr/mllp-gateway/internal/platform/mllp"
)

// Conn is what the registry knows about one open connection.
type Conn struct {
	ID              string    `json:"id"`
	GatewayID       string    `json:"gateway_id"`
	RemoteAddr      string    `json:"remote_addr"`
	OpenedAt        time.Time `json:"opened_at"`
	LastSeen        time.Time `json:"last_seen"`
	Messages        int64     `json:"messages"`
	Rejected        int64     `json:"rejected"`
	LastMessageType string    `json:"last_message_type,omitempty"`
	LastControlID   string    `json:"last_control_id,omitempty"`
	LastAck         string    `json:"last_ack,omitempty"`
}

// Registry is an mllp.Observer that can list the connections it has seen
// open and not yet closed.
type Registry interface {
	mllp.Observer
	List(ctx context.Context) ([]Conn, error)
	Ping(ctx context.Context) error
}

// tracker holds this process's connections; both registries build on it.
type tracker struct {
	gatewayID string
	now       func() time.Time

	mu    sync.Mutex
	conns map[string]*Conn
}

func newTracker(gatewayID string) *tracker {
	return &tracker{gatewayID: gatewayID, now: time.Now, conns: make(map[string]*Conn)}
}

func (t *tracker) open(info mllp.ConnInfo) Conn {
	c := &Conn{
		ID:         info.ID,
		GatewayID:  t.gatewayID,
		RemoteAddr: info.RemoteAddr,
		OpenedAt:   info.OpenedAt,
		LastSeen:   t.now(),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[info.ID] = c
	return *c
}

func (t *tracker) close(info mllp.ConnInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, info.ID)
}

// update applies fn to the tracked connection and returns a copy. ok is false
// for unknown connections.
func (t *tracker) update(info mllp.ConnInfo, fn func(*Conn)) (Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[info.ID]
	if !ok {
		return Conn{}, false
	}
	fn(c)
	c.LastSeen = t.now()
	return *c, true
}

func (t *tracker) list() []Conn {
	t.mu.Lock()
	out := make([]Conn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, *c)
	}
	t.mu.Unlock()
	sortConns(out)
	return out
}

func recordMessage(ev mllp.MessageEvent) func(*Conn) {
	return func(c *Conn) {
		c.Messages++
		c.LastMessageType = ev.MessageType
		c.LastControlID = ev.ControlID
		c.LastAck = string(ev.Ack)
	}
}

func recordRejection(c *Conn) { c.Rejected++ }

func sortConns(cs []Conn) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].OpenedAt.Equal(cs[j].OpenedAt) {
			return cs[i].OpenedAt.Before(cs[j].OpenedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

// Memory is a process-local Registry.
type Memory struct {
	t *tracker
}

// NewMemory creates an empty in-memory registry.
func NewMemory(gatewayID string) *Memory {
	return &Memory{t: newTracker(gatewayID)}
}

func (m *Memory) ConnOpened(info mllp.ConnInfo)          { m.t.open(info) }
func (m *Memory) ConnClosed(info mllp.ConnInfo, _ error) { m.t.close(info) }

func (m *Memory) FrameRejected(info mllp.ConnInfo, _ error) {
	m.t.update(info, recordRejection)
}

func (m *Memory) MessageHandled(info mllp.ConnInfo, ev mllp.MessageEvent) {
	m.t.update(info, recordMessage(ev))
}

// List returns the open connections, oldest first.
func (m *Memory) List(context.Context) ([]Conn, error) { return m.t.list(), nil }

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }
