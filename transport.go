package microbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Envelope is the broker-level unit: encoded event bytes plus routing data.
type Envelope struct {
	// ID is a unique message identifier (the bus assigns a UUID on publish).
	ID string
	// RoutingKey names the event type; it equals the queue name.
	RoutingKey string
	// Body is the encoded event.
	Body []byte
	// ContentType of Body, e.g. "application/json".
	ContentType string
	// PublishedAt is the production timestamp (from injected clock).
	PublishedAt time.Time
}

// Subscription represents an active consumer that can be closed.
type Subscription interface {
	Close() error
}

// Broker is the Strategy interface for message brokers.
//
// Queues are named, non-durable, non-exclusive and not auto-deleted.
// Consumers acknowledge automatically on receipt (at-most-once).
type Broker interface {
	// DeclareQueue creates the queue if missing. Declaring an existing queue is a no-op.
	DeclareQueue(ctx context.Context, queue string) error
	// Publish hands one envelope to the broker for the named queue.
	Publish(ctx context.Context, queue string, env *Envelope) error
	// Consume starts a consumer on queue and calls handler once per delivery,
	// sequentially, in broker order. The consumer runs until ctx is done or
	// the subscription is closed.
	Consume(ctx context.Context, queue string, handler func(*Envelope)) (Subscription, error)
	// Close releases broker resources.
	Close(ctx context.Context) error
}

// Pinger is implemented by brokers that can report connectivity for Health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerFactory constructs brokers from a config blob.
type BrokerFactory func(cfg map[string]any) (Broker, error)

var (
	brokerRegistryMu sync.RWMutex
	brokerRegistry   = map[string]BrokerFactory{}
)

// RegisterBroker registers a broker adapter under name.
func RegisterBroker(name string, factory BrokerFactory) error {
	if name == "" {
		return errors.New("broker name must not be empty")
	}
	if factory == nil {
		return errors.New("broker factory must not be nil")
	}
	brokerRegistryMu.Lock()
	brokerRegistry[name] = factory
	brokerRegistryMu.Unlock()
	return nil
}

// NewBroker constructs a broker by name with config.
func NewBroker(name string, cfg map[string]any) (Broker, error) {
	brokerRegistryMu.RLock()
	f, ok := brokerRegistry[name]
	brokerRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownBroker{name: name}
	}
	return f(cfg)
}
