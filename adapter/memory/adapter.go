package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/trickstertwo/microbus"
)

const BrokerName = "memory"

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("memory broker is closed")

// ErrQueueNotDeclared is returned when publishing or consuming an undeclared queue.
var ErrQueueNotDeclared = errors.New("memory broker: queue not declared")

func init() {
	if err := microbus.RegisterBroker(BrokerName, func(cfg map[string]any) (microbus.Broker, error) {
		return NewBroker(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("microbus/memory: failed to register broker: %w", err))
	}
}

// Config controls memory broker behavior.
type Config struct {
	// BufferSize is the per-queue capacity (default: 1024). Publish blocks when full.
	BufferSize int
	// AssignIDs gives envelopes without an ID a UUID (default: true).
	AssignIDs bool
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}

	return Config{
		BufferSize: max(1, getInt("buffer_size", 1024)),
		AssignIDs:  getBool("assign_ids", true),
	}
}

// Broker implements microbus.Broker with buffered channels, one per queue.
// Consumers of the same queue compete for messages. Messages published before
// any consumer exists wait in the buffer. Intended for tests and local runs.
type Broker struct {
	cfg Config

	mu     sync.RWMutex
	queues map[string]chan *microbus.Envelope

	closed  atomic.Bool
	done    chan struct{}
	metrics *brokerMetrics
}

type brokerMetrics struct {
	declared  atomic.Uint64
	published atomic.Uint64
	consumed  atomic.Uint64
}

var _ microbus.Broker = (*Broker)(nil)
var _ microbus.Pinger = (*Broker)(nil)

// NewBroker creates a new in-memory broker.
func NewBroker(cfg Config) *Broker {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	return &Broker{
		cfg:     cfg,
		queues:  make(map[string]chan *microbus.Envelope),
		done:    make(chan struct{}),
		metrics: &brokerMetrics{},
	}
}

// DeclareQueue creates queue if it does not exist yet.
func (b *Broker) DeclareQueue(_ context.Context, queue string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[queue]; ok {
		return nil
	}
	b.queues[queue] = make(chan *microbus.Envelope, b.cfg.BufferSize)
	b.metrics.declared.Add(1)
	return nil
}

// Publish enqueues env, blocking while the queue is full.
func (b *Broker) Publish(ctx context.Context, queue string, env *microbus.Envelope) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if env == nil {
		return nil
	}

	q, err := b.queue(queue)
	if err != nil {
		return err
	}

	msg := *env
	msg.Body = append([]byte(nil), env.Body...)
	if b.cfg.AssignIDs && msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.RoutingKey == "" {
		msg.RoutingKey = queue
	}

	select {
	case q <- &msg:
		b.metrics.published.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	}
}

// Consume starts one goroutine that hands deliveries to handler one at a time.
// Deliveries are considered acknowledged when they leave the queue.
func (b *Broker) Consume(ctx context.Context, queue string, handler func(*microbus.Envelope)) (microbus.Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	q, err := b.queue(queue)
	if err != nil {
		return nil, err
	}

	innerCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-innerCtx.Done():
				return
			case <-b.done:
				return
			case env := <-q:
				b.metrics.consumed.Add(1)
				handler(env)
			}
		}
	}()

	var once sync.Once
	return &subscription{
		close: func() error {
			once.Do(func() {
				cancel()
				wg.Wait()
			})
			return nil
		},
	}, nil
}

// Ping reports ErrClosed after Close.
func (b *Broker) Ping(_ context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close stops every consumer. Undelivered messages are discarded.
func (b *Broker) Close(_ context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	close(b.done)

	b.mu.Lock()
	b.queues = make(map[string]chan *microbus.Envelope)
	b.mu.Unlock()
	return nil
}

// Depth returns the number of messages waiting in queue.
func (b *Broker) Depth(queue string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.queues[queue])
}

// Stats returns broker telemetry.
type Stats struct {
	Queues    int
	Declared  uint64
	Published uint64
	Consumed  uint64
}

// Stats returns current broker metrics.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	queues := len(b.queues)
	b.mu.RUnlock()

	return Stats{
		Queues:    queues,
		Declared:  b.metrics.declared.Load(),
		Published: b.metrics.published.Load(),
		Consumed:  b.metrics.consumed.Load(),
	}
}

func (b *Broker) queue(name string) (chan *microbus.Envelope, error) {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotDeclared, name)
	}
	return q, nil
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
