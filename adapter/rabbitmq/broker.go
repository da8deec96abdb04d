package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/microbus"
)

const BrokerName = "rabbitmq"

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
var ErrClosed = errors.New("rabbitmq: broker is closed")

// Broker implements microbus.Broker on RabbitMQ.
//
// It holds one long-lived connection, redialed on demand after a failure.
// Declares and publishes share one channel guarded by a mutex; every consumer
// gets a channel of its own. Queues are declared non-durable, non-exclusive
// and not auto-deleted, messages are published transient to the default
// exchange and consumed with auto-ack.
type Broker struct {
	cfg    Config
	logger *xlog.Logger

	connMu sync.Mutex
	conn   *amqp.Connection

	pubMu sync.Mutex
	pubCh *amqp.Channel

	declaredMu sync.Mutex
	declared   map[string]struct{}

	closed  atomic.Bool
	metrics *brokerMetrics
}

type brokerMetrics struct {
	published  atomic.Uint64
	consumed   atomic.Uint64
	redials    atomic.Uint64
	reconsumes atomic.Uint64
}

var _ microbus.Broker = (*Broker)(nil)
var _ microbus.Pinger = (*Broker)(nil)

// NewBroker dials RabbitMQ. The connection is reused for the broker's lifetime.
func NewBroker(cfg Config) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Broker{
		cfg:      cfg,
		logger:   xlog.Default().With(xlog.Str("component", "microbus.rabbitmq")),
		declared: make(map[string]struct{}),
		metrics:  &brokerMetrics{},
	}
	if _, err := b.connection(); err != nil {
		return nil, err
	}
	return b, nil
}

// connection returns the live connection, dialing a new one if needed.
func (b *Broker) connection() (*amqp.Connection, error) {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.closed.Load() {
		return nil, ErrClosed
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}
	if b.conn != nil {
		b.metrics.redials.Add(1)
	}

	props := amqp.NewConnectionProperties()
	if b.cfg.ConnectionName != "" {
		props.SetClientConnectionName(b.cfg.ConnectionName)
	}
	conn, err := amqp.DialConfig(b.cfg.URL, amqp.Config{
		Heartbeat:  b.cfg.Heartbeat,
		Properties: props,
		Locale:     "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	b.conn = conn

	// A new connection invalidates every declaration cached for the old one.
	b.declaredMu.Lock()
	b.declared = make(map[string]struct{})
	b.declaredMu.Unlock()

	b.logger.Debug().Str("connection_name", b.cfg.ConnectionName).Msg("rabbitmq: connected")
	return conn, nil
}

// publishChannel returns the shared publish channel. Callers hold pubMu.
func (b *Broker) publishChannel() (*amqp.Channel, error) {
	if b.pubCh != nil && !b.pubCh.IsClosed() {
		return b.pubCh, nil
	}
	conn, err := b.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	b.pubCh = ch
	return ch, nil
}

// DeclareQueue declares queue as non-durable, non-exclusive and not
// auto-deleted. Repeated declarations on the same connection are skipped.
func (b *Broker) DeclareQueue(_ context.Context, queue string) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.declaredMu.Lock()
	_, ok := b.declared[queue]
	b.declaredMu.Unlock()
	if ok {
		return nil
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	ch, err := b.publishChannel()
	if err != nil {
		return err
	}
	if err := declare(ch, queue); err != nil {
		return err
	}

	b.declaredMu.Lock()
	b.declared[queue] = struct{}{}
	b.declaredMu.Unlock()
	return nil
}

func declare(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(queue, false, false, false, false, nil)
	return err
}

// Publish sends env to the default exchange with queue as routing key.
func (b *Broker) Publish(ctx context.Context, queue string, env *microbus.Envelope) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if env == nil {
		return nil
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	ch, err := b.publishChannel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  env.ContentType,
		DeliveryMode: amqp.Transient,
		MessageId:    env.ID,
		Timestamp:    env.PublishedAt,
		Type:         env.RoutingKey,
		Body:         env.Body,
	})
	if err != nil {
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

// Consume starts an auto-ack consumer on its own channel and calls handler
// for each delivery, one at a time. If the channel or connection drops the
// consumer is restarted with backoff until ctx is done or the subscription
// is closed.
func (b *Broker) Consume(ctx context.Context, queue string, handler func(*microbus.Envelope)) (microbus.Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	tag := fmt.Sprintf("microbus-%s-%s", queue, uuid.NewString())
	ch, deliveries, err := b.startConsumer(queue, tag)
	if err != nil {
		return nil, err
	}

	innerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.consumeLoop(innerCtx, queue, tag, ch, deliveries, handler)
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

func (b *Broker) startConsumer(queue, tag string) (*amqp.Channel, <-chan amqp.Delivery, error) {
	conn, err := b.connection()
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	// Non-durable queues do not survive a broker restart.
	if err := declare(ch, queue); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	deliveries, err := ch.Consume(queue, tag, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	return ch, deliveries, nil
}

func (b *Broker) consumeLoop(ctx context.Context, queue, tag string, ch *amqp.Channel, deliveries <-chan amqp.Delivery, handler func(*microbus.Envelope)) {
	delay := b.cfg.ReconnectDelay
	defer func() {
		if ch != nil {
			_ = ch.Cancel(tag, false)
			_ = ch.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if ok {
				delay = b.cfg.ReconnectDelay
				b.metrics.consumed.Add(1)
				handler(toEnvelope(queue, d))
				continue
			}
		}

		// Delivery channel closed: the channel or connection is gone.
		if b.closed.Load() || ctx.Err() != nil {
			return
		}
		_ = ch.Close()
		ch = nil

		for ch == nil {
			b.logger.Warn().Str("queue", queue).Dur("retry_in", delay).Msg("rabbitmq: consumer lost, restarting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, max(b.cfg.MaxReconnectDelay, b.cfg.ReconnectDelay))

			newCh, newDeliveries, err := b.startConsumer(queue, tag)
			if err != nil {
				if errors.Is(err, ErrClosed) {
					return
				}
				b.logger.Warn().Err(err).Str("queue", queue).Msg("rabbitmq: consumer restart failed")
				continue
			}
			ch, deliveries = newCh, newDeliveries
			b.metrics.reconsumes.Add(1)
		}
	}
}

func toEnvelope(queue string, d amqp.Delivery) *microbus.Envelope {
	routingKey := d.RoutingKey
	if routingKey == "" {
		routingKey = queue
	}
	return &microbus.Envelope{
		ID:          d.MessageId,
		RoutingKey:  routingKey,
		Body:        d.Body,
		ContentType: d.ContentType,
		PublishedAt: d.Timestamp,
	}
}

// Ping reports whether the connection is open.
func (b *Broker) Ping(_ context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		return errors.New("rabbitmq: connection closed")
	}
	return nil
}

// Close closes the publish channel and the connection. Consumers should be
// closed first; their channels die with the connection otherwise.
func (b *Broker) Close(_ context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}

	b.pubMu.Lock()
	if b.pubCh != nil {
		_ = b.pubCh.Close()
		b.pubCh = nil
	}
	b.pubMu.Unlock()

	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}

// Stats returns broker telemetry.
type Stats struct {
	Published  uint64
	Consumed   uint64
	Redials    uint64
	Reconsumes uint64
}

func (b *Broker) Stats() Stats {
	return Stats{
		Published:  b.metrics.published.Load(),
		Consumed:   b.metrics.consumed.Load(),
		Redials:    b.metrics.redials.Load(),
		Reconsumes: b.metrics.reconsumes.Load(),
	}
}
