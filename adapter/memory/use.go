package memory

import (
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/microbus"
)

// Use builds a Bus on the in-memory broker and installs it as the process-wide default.
//
// Example:
//
//	bus := memory.Use(memory.Config{BufferSize: 4096, AssignIDs: true},
//	    memory.WithLogger(logger),
//	    memory.WithDispatcher(mediator.New()),
//	)
func Use(cfg Config, opts ...Option) *microbus.Bus {
	bb := microbus.NewBusBuilder().
		WithBroker(BrokerName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}

	microbus.SetDefault(bus)
	return bus
}

// toMap converts Config to the generic map expected by the broker factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"buffer_size": c.BufferSize,
		"assign_ids":  c.AssignIDs,
	}
}

// Option configures the microbus.Bus when calling Use.
type Option func(*microbus.BusBuilder)

func WithLogger(l *xlog.Logger) Option {
	return func(b *microbus.BusBuilder) { b.WithLogger(l) }
}

func WithClock(c xclock.Clock) Option {
	return func(b *microbus.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *microbus.BusBuilder) { b.WithCodec(name) }
}

// WithDispatcher sets the local command dispatcher.
func WithDispatcher(d microbus.LocalDispatcher) Option {
	return func(b *microbus.BusBuilder) { b.WithDispatcher(d) }
}

// WithMiddleware adds handler middlewares (retry, timeout, etc).
func WithMiddleware(mw ...microbus.Middleware) Option {
	return func(b *microbus.BusBuilder) { b.WithMiddleware(mw...) }
}

func WithObserver(obs ...microbus.Observer) Option {
	return func(b *microbus.BusBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *microbus.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}

func WithErrorPolicy(p microbus.ErrorPolicy) Option {
	return func(b *microbus.BusBuilder) { b.WithErrorPolicy(p) }
}

func WithErrorHandler(h microbus.ErrorHandler) Option {
	return func(b *microbus.BusBuilder) { b.WithErrorHandler(h) }
}

func WithConcurrentFanOut(enabled bool) Option {
	return func(b *microbus.BusBuilder) { b.WithConcurrentFanOut(enabled) }
}
