package microbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Bus is the central Facade: commands go to the local dispatcher, events go
// through the Broker to one consumption loop per event type.
type Bus struct {
	broker       Broker
	codec        Codec
	dispatcher   LocalDispatcher
	clock        xclock.Clock
	logger       *xlog.Logger
	middlewares  []Middleware
	errorPolicy  ErrorPolicy
	errorHandler ErrorHandler
	fanOut       bool

	registry    *handlerRegistry
	consumersMu sync.Mutex
	consumers   map[string]Subscription

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	baseCtx   context.Context
	cancel    context.CancelFunc
	metrics   *busMetrics
	closed    atomic.Bool
	closeOnce sync.Once
}

// busMetrics holds the counters behind GetMetrics.
type busMetrics struct {
	publishCount   atomic.Uint64
	consumeCount   atomic.Uint64
	dispatchCount  atomic.Uint64
	unroutedCount  atomic.Uint64
	dispatchErrors atomic.Uint64
	errorCount     atomic.Uint64
	processingNs   atomic.Int64
}

// Codec returns the codec used for event payloads.
func (b *Bus) Codec() Codec { return b.codec }

// Broker returns the underlying broker.
func (b *Bus) Broker() Broker { return b.broker }

// SendCommand hands cmd to the local dispatcher and returns its outcome
// unchanged. Commands are never serialized and never reach the broker.
func (b *Bus) SendCommand(ctx context.Context, cmd Command) (bool, error) {
	if b.dispatcher == nil {
		return false, ErrNoDispatcher
	}
	return b.dispatcher.Send(ctx, cmd)
}

// Handlers returns the handler names registered for eventName, in registration order.
func (b *Bus) Handlers(eventName string) []string {
	return b.registry.handlerNames(eventName)
}

// EventTypes returns the names of every event type the bus was asked to subscribe to.
func (b *Bus) EventTypes() []string {
	return b.registry.eventNames()
}

// GetMetrics returns a snapshot of the bus counters.
func (b *Bus) GetMetrics() Metrics {
	var dropped uint64
	if b.observerPool != nil {
		dropped = b.observerPool.Stats().Dropped
	}
	b.consumersMu.Lock()
	consumers := len(b.consumers)
	b.consumersMu.Unlock()

	return Metrics{
		Published:           b.metrics.publishCount.Load(),
		Consumed:            b.metrics.consumeCount.Load(),
		Dispatched:          b.metrics.dispatchCount.Load(),
		Unrouted:            b.metrics.unroutedCount.Load(),
		DispatchErrors:      b.metrics.dispatchErrors.Load(),
		Errors:              b.metrics.errorCount.Load(),
		EventsDropped:       dropped,
		Consumers:           consumers,
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
}

// Health reports "unhealthy" once the bus is closed or the broker fails its
// ping, and "degraded" when more than 5% of consumed deliveries failed dispatch.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	h := HealthStatus{Status: "healthy", Timestamp: b.clock.Now()}
	if b.closed.Load() {
		h.Status, h.Message = "unhealthy", "bus is closed"
		return h
	}

	h.Metrics = b.GetMetrics()
	if p, ok := b.broker.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			h.Status, h.Message = "unhealthy", err.Error()
			return h
		}
	}

	if m := h.Metrics; m.Consumed > 0 && float64(m.DispatchErrors)/float64(m.Consumed) > 0.05 {
		h.Status = "degraded"
		h.Message = fmt.Sprintf("%d of %d deliveries failed dispatch", m.DispatchErrors, m.Consumed)
	}
	return h
}

// Close stops every consumption loop, drains the observer pool and closes the
// broker. Only the first call does any work; later calls return nil.
func (b *Bus) Close(ctx context.Context) error {
	var errs []error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.cancel()

		b.consumersMu.Lock()
		consumers := b.consumers
		b.consumers = make(map[string]Subscription)
		b.consumersMu.Unlock()

		for queue, sub := range consumers {
			if err := sub.Close(); err != nil {
				b.logger.Warn().Err(err).Str("queue", queue).Msg("microbus: consumer close failed")
				errs = append(errs, err)
			}
		}

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("microbus: observer pool did not drain")
				errs = append(errs, err)
			}
		}

		if err := b.broker.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("microbus: broker close failed")
			errs = append(errs, err)
		}
		b.logger.Info().Msg("microbus: bus closed")
	})
	return errors.Join(errs...)
}

// AddObserver adds obs to the observers notified of lifecycle events.
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer. Observers of uncomparable types, such
// as ObserverFunc, cannot be removed.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil || !reflect.TypeOf(obs).Comparable() {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if reflect.TypeOf(o).Comparable() && o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// notify hands e to every observer: inline, or through the pool when one is configured.
func (b *Bus) notify(e BusEvent) {
	b.observersMu.RLock()
	observers := slices.Clone(b.observers)
	b.observersMu.RUnlock()
	if len(observers) == 0 {
		return
	}

	if b.observerPool != nil {
		b.observerPool.Notify(e, observers)
		return
	}
	for _, o := range observers {
		o.OnEvent(e)
	}
}

// recordProcessingTime folds ns into an exponential moving average weighted 1/5 to the new sample.
func (b *Bus) recordProcessingTime(ns int64) {
	for {
		cur := b.metrics.processingNs.Load()
		next := ns
		if cur != 0 {
			next = cur + (ns-cur)/5
		}
		if b.metrics.processingNs.CompareAndSwap(cur, next) {
			return
		}
	}
}
