package mllp

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ehr/mllp-gateway/internal/platform/hl7v2"
)

// Client sends framed messages over one connection and reads one response
// frame per request. It is not safe for concurrent use.
type Client struct {
	conn    net.Conn
	dec     *Decoder
	timeout time.Duration
	pending []Result
	buf     []byte
}

// Dial connects to an MLLP listener. timeout bounds each round trip when the
// context carries no deadline; 0 means no bound.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mllp: dial %s: %w", addr, err)
	}
	return NewClient(conn, timeout), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, timeout time.Duration) *Client {
	return &Client{
		conn:    conn,
		dec:     NewDecoder(0),
		timeout: timeout,
		buf:     make([]byte, readBufferSize),
	}
}

// Send writes payload as one frame and returns the payload of the next frame
// the peer sends back.
func (c *Client) Send(ctx context.Context, payload []byte) ([]byte, error) {
	deadline, ok := ctx.Deadline()
	if !ok && c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	c.conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := WriteFrame(c.conn, payload); err != nil {
		return nil, err
	}
	return c.receive(ctx)
}

// SendMessage serializes msg, sends it and parses the reply.
func (c *Client) SendMessage(ctx context.Context, msg *hl7v2.Message) (*hl7v2.Message, error) {
	raw, err := c.Send(ctx, msg.Bytes())
	if err != nil {
		return nil, err
	}
	reply, err := hl7v2.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("mllp: parse reply: %w", err)
	}
	return reply, nil
}

func (c *Client) receive(ctx context.Context) ([]byte, error) {
	for len(c.pending) == 0 {
		n, err := c.conn.Read(c.buf)
		c.pending = append(c.pending, c.dec.Feed(c.buf[:n])...)
		if err != nil && len(c.pending) == 0 {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("mllp: read reply: %w", err)
		}
	}

	r := c.pending[0]
	c.pending = c.pending[1:]
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Payload, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
