package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/microbus"
)

// Use builds a Bus on Redis Streams, installs it as the default Bus and returns it.
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
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}

	microbus.SetDefault(bus)
	return bus
}

// Option configures the microbus.Bus construction when calling Use.
type Option func(*microbus.BusBuilder)

func WithLogger(l *xlog.Logger) Option {
	return func(b *microbus.BusBuilder) { b.WithLogger(l) }
}

func WithClock(c xclock.Clock) Option {
	return func(b *microbus.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: json).
func WithCodec(name string) Option {
	return func(b *microbus.BusBuilder) { b.WithCodec(name) }
}

// WithDispatcher sets the local command dispatcher.
func WithDispatcher(d microbus.LocalDispatcher) Option {
	return func(b *microbus.BusBuilder) { b.WithDispatcher(d) }
}

// WithMiddleware adds handler middlewares.
func WithMiddleware(mw ...microbus.Middleware) Option {
	return func(b *microbus.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...microbus.Observer) Option {
	return func(b *microbus.BusBuilder) { b.WithObserver(obs...) }
}

func WithErrorPolicy(p microbus.ErrorPolicy) Option {
	return func(b *microbus.BusBuilder) { b.WithErrorPolicy(p) }
}

func WithErrorHandler(h microbus.ErrorHandler) Option {
	return func(b *microbus.BusBuilder) { b.WithErrorHandler(h) }
}
