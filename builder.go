package microbus

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BusBuilder constructs Bus instances (Builder pattern).
type BusBuilder struct {
	brokerName string
	brokerCfg  map[string]any
	brokerInst Broker

	codecName string
	codecInst Codec

	dispatcher   LocalDispatcher
	middlewares  []Middleware
	observers    []Observer
	logger       *xlog.Logger
	clock        xclock.Clock
	errorPolicy  ErrorPolicy
	errorHandler ErrorHandler
	fanOut       bool

	poolWorkers int
	poolBuffer  int
}

// NewBusBuilder returns a builder with the JSON codec and the report error policy.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		codecName:   "json",
		errorPolicy: ErrorPolicyReport,
	}
}

// WithBroker selects a registered broker factory by name.
func (bb *BusBuilder) WithBroker(name string, cfg map[string]any) *BusBuilder {
	bb.brokerName = name
	bb.brokerCfg = cfg
	return bb
}

// WithBrokerInstance accepts a ready Broker (e.g. from an adapter's New).
func (bb *BusBuilder) WithBrokerInstance(br Broker) *BusBuilder {
	bb.brokerInst = br
	return bb
}

func (bb *BusBuilder) WithCodec(name string) *BusBuilder {
	bb.codecName = name
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

// WithDispatcher sets the in-process dispatcher used by SendCommand.
func (bb *BusBuilder) WithDispatcher(d LocalDispatcher) *BusBuilder {
	bb.dispatcher = d
	return bb
}

func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	if len(mw) == 0 {
		return bb
	}
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithObserverPool delivers observer events asynchronously through a bounded pool.
// Events are dropped, and counted, when the buffer is full.
func (bb *BusBuilder) WithObserverPool(workers, bufferSize int) *BusBuilder {
	bb.poolWorkers = workers
	bb.poolBuffer = bufferSize
	return bb
}

// WithLogger sets the bus logger. Nil keeps xlog.Default().
func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

// WithErrorPolicy chooses between reporting and swallowing dispatch failures.
func (bb *BusBuilder) WithErrorPolicy(p ErrorPolicy) *BusBuilder {
	bb.errorPolicy = p
	return bb
}

// WithErrorHandler is called for every dispatch failure under ErrorPolicyReport.
func (bb *BusBuilder) WithErrorHandler(h ErrorHandler) *BusBuilder {
	bb.errorHandler = h
	return bb
}

// WithConcurrentFanOut runs the handlers of one delivery concurrently.
// Registration order is no longer an execution order and every handler
// runs even when one fails; the first error is reported.
func (bb *BusBuilder) WithConcurrentFanOut(enabled bool) *BusBuilder {
	bb.fanOut = enabled
	return bb
}

// WithConfig applies environment-level settings. An explicit broker instance
// set on the builder wins over cfg.Broker.
func (bb *BusBuilder) WithConfig(cfg Config) *BusBuilder {
	if cfg.Broker != "" && bb.brokerName == "" {
		bb.brokerName = cfg.Broker
	}
	if cfg.Codec != "" {
		bb.codecName = cfg.Codec
	}
	bb.errorPolicy = cfg.ErrorPolicy
	bb.fanOut = cfg.ConcurrentFanOut
	if cfg.ObserverWorkers > 0 {
		bb.poolWorkers = cfg.ObserverWorkers
		bb.poolBuffer = cfg.ObserverBuffer
	}
	return bb
}

func (bb *BusBuilder) Build() (*Bus, error) {
	var err error

	// Codec first: a named broker may already hold a connection.
	var cd Codec
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, err
		}
	}

	var br Broker
	switch {
	case bb.brokerInst != nil:
		br = bb.brokerInst
	case bb.brokerName != "":
		br, err = NewBroker(bb.brokerName, bb.brokerCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoBrokerConfigured
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		broker:       br,
		codec:        cd,
		dispatcher:   bb.dispatcher,
		clock:        clk,
		logger:       lg,
		middlewares:  bb.middlewares,
		errorPolicy:  bb.errorPolicy,
		errorHandler: bb.errorHandler,
		fanOut:       bb.fanOut,
		registry:     newHandlerRegistry(),
		consumers:    make(map[string]Subscription),
		baseCtx:      ctx,
		cancel:       cancel,
		metrics:      &busMetrics{},
	}

	if bb.poolWorkers > 0 {
		b.observerPool = NewObserverPool(ctx, bb.poolWorkers, bb.poolBuffer)
	}

	// Attach the logging observer unless one was supplied.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}

	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

// New constructs a Bus via Builder and returns a close func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	b := NewBusBuilder()
	if init != nil {
		init(b)
	}
	bus, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Close(context.Background()) }
	return bus, closeFn, nil
}
