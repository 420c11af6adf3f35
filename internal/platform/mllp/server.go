package mllp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/mllp-gateway/internal/platform/hl7v2"
)

const (
	// readBufferSize is the size of the per-connection read buffer.
	readBufferSize = 4096

	// defaultWriteTimeout bounds a single response write.
	defaultWriteTimeout = 10 * time.Second
)

var (
	// ErrServerClosed is returned by Serve after Stop, and is the close reason
	// reported for connections ended by Stop.
	ErrServerClosed = errors.New("mllp: server closed")

	// ErrTooManyMalformedFrames is the close reason when a peer exceeds the
	// malformed-frame tolerance.
	ErrTooManyMalformedFrames = errors.New("mllp: too many malformed frames")

	// ErrIdleTimeout is the close reason when a connection sends nothing for
	// the configured idle timeout.
	ErrIdleTimeout = errors.New("mllp: idle timeout")

	// ErrHandlerPanic wraps a value recovered from a panicking Handler.
	ErrHandlerPanic = errors.New("mllp: handler panic")
)

// Handler processes one parsed message. A nil response with a nil error means
// "accept" and the server replies AA; an error makes the server reply AE. A
// non-nil response is sent as-is. Handle is called concurrently from every
// connection.
type Handler interface {
	Handle(ctx context.Context, msg *hl7v2.Message) (*hl7v2.Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *hl7v2.Message) (*hl7v2.Message, error)

// Handle calls f(ctx, msg).
func (f HandlerFunc) Handle(ctx context.Context, msg *hl7v2.Message) (*hl7v2.Message, error) {
	return f(ctx, msg)
}

// ServerConfig holds listener and per-connection limits.
type ServerConfig struct {
	Addr string

	// MaxFrameSize bounds one frame's payload; 0 selects DefaultMaxFrameSize.
	MaxFrameSize int

	// IdleTimeout closes a connection that sends nothing for this long; 0
	// disables it.
	IdleTimeout time.Duration

	// MaxMalformedFrames closes a connection after more than this many
	// consecutive frame errors; 0 means unlimited.
	MaxMalformedFrames int

	// WriteTimeout bounds each response write; 0 selects 10s.
	WriteTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithAckBuilder sets the builder used for ACK and NAK replies.
func WithAckBuilder(b *hl7v2.AckBuilder) Option {
	return func(s *Server) { s.acks = b }
}

// WithObserver adds an observer. Several calls fan out in order.
func WithObserver(o Observer) Option {
	return func(s *Server) { s.observers = append(s.observers, o) }
}

// Server is an MLLP listener. Each connection runs in its own goroutine and
// handles its frames strictly in order: decode, parse, handle, respond.
// Connections share nothing but the Handler.
type Server struct {
	cfg       ServerConfig
	handler   Handler
	acks      *hl7v2.AckBuilder
	observers Observers
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a server that dispatches parsed messages to handler.
func NewServer(cfg ServerConfig, handler Handler, opts ...Option) *Server {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		handler: handler,
		logger:  zerolog.Nop(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.acks == nil {
		s.acks = hl7v2.NewAckBuilder("", "", "")
	}
	return s
}

// Start begins listening on cfg.Addr. It is non-blocking: the accept loop
// runs in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Serve(ln); err != nil && !errors.Is(err, ErrServerClosed) {
			s.logger.Error().Err(err).Msg("mllp: accept loop stopped")
		}
	}()
	return nil
}

// Serve accepts connections on ln until Stop is called, then returns
// ErrServerClosed. It blocks.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(s.ctx, func() { ln.Close() })
	defer stop()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("mllp: listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("mllp: accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// Stop closes the listener and every open connection, then waits for all
// connection goroutines to finish. A handler call in progress sees its
// context cancelled.
func (s *Server) Stop() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// Addr returns the listener address string. This is especially useful when the
// server was started with port 0 (OS-assigned port).
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// connState is what one connection goroutine carries between frames.
type connState struct {
	conn      net.Conn
	info      ConnInfo
	logger    zerolog.Logger
	malformed int
}

func (s *Server) serveConn(conn net.Conn) {
	cs := &connState{
		conn: conn,
		info: ConnInfo{
			ID:         uuid.NewString(),
			RemoteAddr: conn.RemoteAddr().String(),
			OpenedAt:   time.Now(),
		},
	}
	ctx, cancel := context.WithCancel(withConnID(s.ctx, cs.info.ID))
	defer cancel()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	cs.logger = s.logger.With().
		Str("conn_id", cs.info.ID).
		Str("remote_addr", cs.info.RemoteAddr).
		Logger()

	s.observers.ConnOpened(cs.info)
	cs.logger.Info().Msg("mllp: connection opened")

	reason := s.readLoop(ctx, cs)

	s.observers.ConnClosed(cs.info, reason)
	evt := cs.logger.Info()
	if reason != nil && !errors.Is(reason, ErrServerClosed) {
		evt = cs.logger.Warn().Err(reason)
	}
	evt.Dur("open_for", time.Since(cs.info.OpenedAt)).Msg("mllp: connection closed")
}

// readLoop runs until the connection ends and returns why; nil means the
// peer closed cleanly.
func (s *Server) readLoop(ctx context.Context, cs *connState) error {
	dec := NewDecoder(s.cfg.MaxFrameSize)
	buf := make([]byte, readBufferSize)

	for {
		if s.cfg.IdleTimeout > 0 {
			cs.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		n, readErr := cs.conn.Read(buf)
		for _, r := range dec.Feed(buf[:n]) {
			if r.Err != nil {
				if err := s.rejectFrame(cs, r.Err); err != nil {
					return err
				}
				continue
			}
			cs.malformed = 0
			if err := s.respond(ctx, cs, r.Payload); err != nil {
				return err
			}
		}

		if readErr != nil {
			switch {
			case ctx.Err() != nil:
				return ErrServerClosed
			case errors.Is(readErr, io.EOF):
				return nil
			}
			var ne net.Error
			if errors.As(readErr, &ne) && ne.Timeout() {
				return ErrIdleTimeout
			}
			return readErr
		}
	}
}

func (s *Server) rejectFrame(cs *connState, err error) error {
	cs.malformed++
	s.observers.FrameRejected(cs.info, err)
	cs.logger.Warn().Err(err).Int("consecutive", cs.malformed).Msg("mllp: frame rejected")

	if s.cfg.MaxMalformedFrames > 0 && cs.malformed > s.cfg.MaxMalformedFrames {
		return fmt.Errorf("%w: %d in a row", ErrTooManyMalformedFrames, cs.malformed)
	}
	return nil
}

// respond parses one payload, runs the handler and writes exactly one reply.
// Only a failed write is returned; it ends the connection.
func (s *Server) respond(ctx context.Context, cs *connState, payload []byte) error {
	start := time.Now()
	ev := MessageEvent{}

	var reply *hl7v2.Message
	msg, err := hl7v2.Parse(payload)
	if err != nil {
		ev.Err = err
		ev.Ack = hl7v2.AckReject
		reply = s.acks.Nak(payload, hl7v2.AckReject, err.Error())
		cs.logger.Warn().Err(err).Int("bytes", len(payload)).Msg("mllp: message rejected")
	} else {
		ev.MessageType = msg.MessageType()
		ev.ControlID = msg.ControlID()
		reply, ev.Ack, ev.Err = s.dispatch(ctx, cs, msg)
	}

	cs.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := WriteFrame(cs.conn, reply.Bytes()); err != nil {
		return err
	}

	ev.Latency = time.Since(start)
	s.observers.MessageHandled(cs.info, ev)

	evt := cs.logger.Info()
	if ev.Err != nil {
		evt = cs.logger.Error().Err(ev.Err)
	}
	evt.Str("type", ev.MessageType).
		Str("control_id", ev.ControlID).
		Str("ack", string(ev.Ack)).
		Dur("latency", ev.Latency).
		Msg("mllp: message handled")
	return nil
}

// dispatch runs the handler and picks the reply for a parsed message.
func (s *Server) dispatch(ctx context.Context, cs *connState, msg *hl7v2.Message) (*hl7v2.Message, hl7v2.AckCode, error) {
	resp, err := s.invoke(ctx, cs, msg)
	if err != nil {
		return s.ack(msg, hl7v2.AckError, err.Error()), hl7v2.AckError, err
	}
	if resp == nil {
		return s.ack(msg, hl7v2.AckAccept, ""), hl7v2.AckAccept, nil
	}

	code := hl7v2.AckCode("")
	if msa := resp.GetSegment("MSA"); msa != nil {
		code = hl7v2.AckCode(msa.GetField(1))
	}
	return resp, code, nil
}

func (s *Server) invoke(ctx context.Context, cs *connState, msg *hl7v2.Message) (resp *hl7v2.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			var stack [4096]byte
			n := runtime.Stack(stack[:], false)

			cs.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(stack[:n])).
				Msg("mllp: handler panic recovered")

			resp, err = nil, fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return s.handler.Handle(ctx, msg)
}

func (s *Server) ack(msg *hl7v2.Message, code hl7v2.AckCode, text string) *hl7v2.Message {
	ack, err := s.acks.Ack(msg, code, text)
	if err != nil {
		return s.acks.Nak(msg.Bytes(), code, text)
	}
	return ack
}

type connIDKey struct{}

func withConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey{}, id)
}

// ConnIDFromContext returns the ID of the connection a Handler call is
// serving, or "" outside the server.
func ConnIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey{}).(string)
	return id
}
