package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/mllp-gateway/internal/platform/mllp"
)

const (
	// KeyPrefix starts every connection key: hl7:conn:<gateway>:<conn>.
	KeyPrefix = "hl7:conn:"

	// DefaultTTL is how long a silent connection's key survives.
	DefaultTTL = 5 * time.Minute

	opTimeout = 2 * time.Second
	scanCount = 100
	queueSize = 1024
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("registry: closed")

// RedisClient is the subset of *redis.Client the registry uses.
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Redis publishes each open connection as a JSON value under a key with a
// TTL. Every handled message refreshes the key, and a closed connection
// deletes it. A gateway that dies without closing leaves keys that expire on
// their own.
//
// Observer calls only queue the write; one goroutine applies the queue in
// order, so Redis latency never delays an acknowledgment. When the queue is
// full the write is dropped and the key catches up on the next event or
// expires.
type Redis struct {
	client RedisClient
	ttl    time.Duration
	logger zerolog.Logger
	t      *tracker

	ops       chan redisOp
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type redisOp struct {
	conn    Conn
	del     bool
	flushed chan struct{}
}

// NewRedis creates a Redis-backed registry for one gateway instance and
// starts its writer. Call Close when done.
func NewRedis(client RedisClient, gatewayID string, ttl time.Duration, logger zerolog.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := &Redis{
		client: client,
		ttl:    ttl,
		logger: logger,
		t:      newTracker(gatewayID),
		ops:    make(chan redisOp, queueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Key returns the Redis key for a connection of this gateway.
func (r *Redis) Key(connID string) string {
	return KeyPrefix + r.t.gatewayID + ":" + connID
}

func (r *Redis) ConnOpened(info mllp.ConnInfo) {
	r.enqueue(redisOp{conn: r.t.open(info)})
}

func (r *Redis) ConnClosed(info mllp.ConnInfo, _ error) {
	r.t.close(info)
	r.enqueue(redisOp{conn: Conn{ID: info.ID}, del: true})
}

func (r *Redis) FrameRejected(info mllp.ConnInfo, _ error) {
	if c, ok := r.t.update(info, recordRejection); ok {
		r.enqueue(redisOp{conn: c})
	}
}

func (r *Redis) MessageHandled(info mllp.ConnInfo, ev mllp.MessageEvent) {
	if c, ok := r.t.update(info, recordMessage(ev)); ok {
		r.enqueue(redisOp{conn: c})
	}
}

func (r *Redis) enqueue(op redisOp) {
	select {
	case <-r.quit:
	case r.ops <- op:
	default:
		r.logger.Warn().Str("conn_id", op.conn.ID).Msg("registry: write queue full, dropping update")
	}
}

func (r *Redis) run() {
	defer close(r.done)
	for {
		select {
		case op := <-r.ops:
			r.apply(op)
		case <-r.quit:
			for {
				select {
				case op := <-r.ops:
					r.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (r *Redis) apply(op redisOp) {
	switch {
	case op.flushed != nil:
		close(op.flushed)
	case op.del:
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := r.client.Del(ctx, r.Key(op.conn.ID)).Err(); err != nil {
			r.logger.Warn().Err(err).Str("conn_id", op.conn.ID).Msg("registry: failed to remove connection")
		}
	default:
		r.store(op.conn)
	}
}

func (r *Redis) store(c Conn) {
	data, err := json.Marshal(c)
	if err != nil {
		r.logger.Error().Err(err).Str("conn_id", c.ID).Msg("registry: failed to encode connection")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := r.client.Set(ctx, r.Key(c.ID), data, r.ttl).Err(); err != nil {
		r.logger.Warn().Err(err).Str("conn_id", c.ID).Msg("registry: failed to store connection")
	}
}

// Flush waits until every write queued before the call has been applied.
func (r *Redis) Flush(ctx context.Context) error {
	select {
	case <-r.quit:
		return ErrClosed
	default:
	}

	op := redisOp{flushed: make(chan struct{})}
	select {
	case r.ops <- op:
	case <-r.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-op.flushed:
		return nil
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close applies the queued writes and stops the writer. Later observer calls
// are ignored.
func (r *Redis) Close() error {
	r.closeOnce.Do(func() { close(r.quit) })
	<-r.done
	return nil
}

// List returns the connections of every gateway sharing this Redis, oldest
// first. Keys that expire between the scan and the read are skipped.
func (r *Redis) List(ctx context.Context) ([]Conn, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, KeyPrefix+"*", scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("registry: scan: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}

	conns := make([]Conn, 0, len(keys))
	for _, key := range keys {
		raw, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("registry: get %s: %w", key, err)
		}
		var c Conn
		if err := json.Unmarshal(raw, &c); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("registry: skipping unreadable entry")
			continue
		}
		conns = append(conns, c)
	}
	sortConns(conns)
	return conns, nil
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("registry: ping: %w", err)
	}
	return nil
}

// Dial connects to Redis at url, which may be a redis:// URL or a bare
// host:port, and checks the connection.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("registry: connect to Redis at %s: %w", url, err)
	}
	return client, nil
}

var _ RedisClient = (*redis.Client)(nil)
