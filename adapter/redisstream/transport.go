package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/microbus"
)

const BrokerName = "redis-streams"

func init() {
	if err := microbus.RegisterBroker(BrokerName, func(cfg map[string]any) (microbus.Broker, error) {
		br, err := NewBroker(ConfigFromMap(cfg))
		if err != nil {
			return nil, err
		}
		return br, nil
	}); err != nil {
		panic(fmt.Errorf("microbus: failed to register broker %q: %w", BrokerName, err))
	}
}

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("redisstream: broker is closed")

// Broker implements microbus.Broker on Redis Streams. One client (and its
// connection pool) is shared by publishers and all consumers.
type Broker struct {
	cfg    Config
	client *redis.Client

	declaredMu sync.Mutex
	declared   map[string]struct{}

	closed  atomic.Bool
	metrics *brokerMetrics
}

type brokerMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

var _ microbus.Broker = (*Broker)(nil)
var _ microbus.Pinger = (*Broker)(nil)

// NewBroker connects to Redis and verifies the connection with PING.
func NewBroker(cfg Config) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	return NewBrokerWithClient(cfg, client), nil
}

// NewBrokerWithClient wraps an existing client. The broker takes ownership
// and closes it on Close.
func NewBrokerWithClient(cfg Config, client *redis.Client) *Broker {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 128
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	return &Broker{
		cfg:      cfg,
		client:   client,
		declared: make(map[string]struct{}),
		metrics:  &brokerMetrics{},
	}
}

// DeclareQueue creates the stream and its consumer group. An existing group is not an error.
func (b *Broker) DeclareQueue(ctx context.Context, queue string) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.declaredMu.Lock()
	defer b.declaredMu.Unlock()
	if _, ok := b.declared[queue]; ok {
		return nil
	}

	err := b.client.XGroupCreateMkStream(ctx, queue, b.cfg.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	b.declared[queue] = struct{}{}
	return nil
}

// Publish appends env to the queue's stream with XADD.
func (b *Broker) Publish(ctx context.Context, queue string, env *microbus.Envelope) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if env == nil {
		return nil
	}

	args := &redis.XAddArgs{
		Stream: queue,
		ID:     "*",
		Values: encodeValues(queue, env),
	}
	if b.cfg.MaxLenApprox > 0 {
		args.MaxLen = b.cfg.MaxLenApprox
		args.Approx = true
	}

	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		b.metrics.publishErrors.Add(1)
		return err
	}
	b.metrics.published.Add(1)
	return nil
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// Consume reads the queue's stream through the consumer group and calls
// handler for each entry, one at a time, in stream order.
func (b *Broker) Consume(ctx context.Context, queue string, handler func(*microbus.Envelope)) (microbus.Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	innerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.pollerLoop(innerCtx, queue, handler)
	}()

	var once sync.Once
	return &subscription{
		close: func() error {
			once.Do(func() {
				cancel()
				<-done
			})
			return nil
		},
	}, nil
}

// pollerLoop blocks on XREADGROUP and backs off on transient errors.
func (b *Broker) pollerLoop(ctx context.Context, queue string, handler func(*microbus.Envelope)) {
	xArgs := &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{queue, ">"},
		Count:    int64(b.cfg.BatchSize),
		Block:    b.cfg.Block,
		NoAck:    true,
	}

	backoff := 100 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := b.client.XReadGroup(ctx, xArgs).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				// Block timeout
				backoff = 100 * time.Millisecond
				continue
			}

			b.metrics.consumeErrors.Add(1)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}

		backoff = 100 * time.Millisecond

		for _, stream := range res {
			for _, msg := range stream.Messages {
				if ctx.Err() != nil {
					return
				}
				b.metrics.consumed.Add(1)
				handler(decodeEnvelope(stream.Stream, msg.ID, msg.Values))
			}
		}
	}
}

// Ping checks the Redis connection.
func (b *Broker) Ping(ctx context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (b *Broker) Close(_ context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.client.Close()
}

// Stats returns broker telemetry.
type Stats struct {
	Published     uint64
	Consumed      uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

func (b *Broker) Stats() Stats {
	return Stats{
		Published:     b.metrics.published.Load(),
		Consumed:      b.metrics.consumed.Load(),
		PublishErrors: b.metrics.publishErrors.Load(),
		ConsumeErrors: b.metrics.consumeErrors.Load(),
	}
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
