package microbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"golang.org/x/sync/errgroup"
)

// Subscribe registers handler type H for event type T.
//
// factory builds a fresh H for every delivery. The first subscription for T
// declares T's queue and starts its consumption loop; later subscriptions for
// T reuse that loop. Registering the same H twice for T returns a
// *DuplicateHandlerError, and subscribing a different Go type under T's name
// (*T after T, or a same-named type from another package) returns an
// *EventTypeConflictError. Both leave the registry unchanged.
//
// Subscribe is meant for service startup. It is safe to call concurrently with
// in-flight dispatch, but a handler only sees deliveries that arrive after it
// was registered.
//
// Example:
//
//	err := microbus.Subscribe[PaymentReceived](ctx, bus, func() *LedgerHandler {
//	    return &LedgerHandler{repo: repo}
//	})
func Subscribe[T Event, H EventHandler[T]](ctx context.Context, b *Bus, factory func() H) error {
	if b == nil || factory == nil {
		return ErrInvalidSubscription
	}
	return b.subscribe(ctx, eventTypeFor[T](b.codec), TypeName[H](), func(ctx context.Context, evt Event) error {
		typed, ok := evt.(T)
		if !ok {
			return fmt.Errorf("%w: expected %s, got %T", ErrUnknownEventType, TypeName[T](), evt)
		}
		return factory().Handle(ctx, typed)
	})
}

// SubscribeFunc registers fn for event type T under an explicit handler name.
// The name takes the place of the handler type for duplicate detection.
func SubscribeFunc[T Event](ctx context.Context, b *Bus, handlerName string, fn func(ctx context.Context, event T) error) error {
	if b == nil || fn == nil || handlerName == "" {
		return ErrInvalidSubscription
	}
	return b.subscribe(ctx, eventTypeFor[T](b.codec), handlerName, func(ctx context.Context, evt Event) error {
		typed, ok := evt.(T)
		if !ok {
			return fmt.Errorf("%w: expected %s, got %T", ErrUnknownEventType, TypeName[T](), evt)
		}
		return fn(ctx, typed)
	})
}

func eventTypeFor[T Event](c Codec) eventType {
	return eventType{name: TypeName[T](), typ: reflect.TypeFor[T](), decode: decoderFor[T](c)}
}

func (b *Bus) subscribe(ctx context.Context, et eventType, handlerName string, invoke HandlerFunc) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	// Recovery always wraps the handler first, then the configured chain.
	wrapped := Chain(RecoveryMiddleware()(invoke), b.middlewares...)

	if err := b.registry.add(et, handlerEntry{name: handlerName, invoke: wrapped}); err != nil {
		return err
	}

	if err := b.ensureConsumer(ctx, et.name); err != nil {
		b.registry.remove(et.name, handlerName)
		b.metrics.errorCount.Add(1)
		return err
	}

	b.logger.Debug().
		Str("event_name", et.name).
		Str("handler", handlerName).
		Msg("microbus: handler subscribed")
	b.notify(BusEvent{Type: EventSubscribed, Queue: et.name, EventName: et.name, Handler: handlerName})
	return nil
}

// ensureConsumer starts the consumption loop for queue unless one is running.
// Loops are bound to the bus lifetime, not to the caller's ctx.
func (b *Bus) ensureConsumer(ctx context.Context, queue string) error {
	b.consumersMu.Lock()
	defer b.consumersMu.Unlock()

	if _, ok := b.consumers[queue]; ok {
		return nil
	}

	if err := b.broker.DeclareQueue(ctx, queue); err != nil {
		return &TransportError{Op: "declare", Queue: queue, Err: err}
	}

	sub, err := b.broker.Consume(b.baseCtx, queue, b.onDelivery)
	if err != nil {
		return &TransportError{Op: "consume", Queue: queue, Err: err}
	}
	b.consumers[queue] = sub

	b.logger.Info().Str("queue", queue).Msg("microbus: consumer started")
	return nil
}

// onDelivery is the message-received callback of every consumption loop.
// The broker has already acknowledged env; failures are handled by policy.
func (b *Bus) onDelivery(env *Envelope) {
	b.metrics.consumeCount.Add(1)
	name := env.RoutingKey

	b.notify(BusEvent{Type: EventConsumeStart, Queue: name, MessageID: env.ID, EventName: name})

	ctx := InjectAll(b.baseCtx, b.codec, b.logger, b.clock)
	ctx = injectEnvelope(ctx, env)

	start := b.clock.Now()
	err := b.safeDispatch(ctx, name, env.Body)
	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())

	b.notify(BusEvent{
		Type:      EventConsumeDone,
		Queue:     name,
		MessageID: env.ID,
		EventName: name,
		Duration:  duration,
		Err:       err,
	})

	if err != nil {
		b.handleDispatchError(ctx, env, err)
	}
}

// safeDispatch runs dispatch and converts a panic escaping it into a DispatchError.
func (b *Bus) safeDispatch(ctx context.Context, name string, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &DispatchError{Event: name, Err: fmt.Errorf("%w: %v", ErrHandlerPanic, r)}
		}
	}()
	return b.dispatch(ctx, name, payload)
}

// dispatch routes one payload to every handler registered for name.
//
// No entry for name is a no-op. Handlers run one at a time in registration
// order and the first failure stops the rest, unless concurrent fan-out is on.
func (b *Bus) dispatch(ctx context.Context, name string, payload []byte) error {
	handlers, et, ok := b.registry.lookup(name)
	if !ok || len(handlers) == 0 {
		b.metrics.unroutedCount.Add(1)
		b.notify(BusEvent{Type: EventUnrouted, Queue: name, EventName: name})
		return nil
	}
	if et.decode == nil {
		return &DispatchError{Event: name, Err: ErrUnknownEventType}
	}

	if b.fanOut && len(handlers) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for _, h := range handlers {
			g.Go(func() error { return b.invoke(gctx, et, h, payload) })
		}
		return g.Wait()
	}

	for _, h := range handlers {
		if err := b.invoke(ctx, et, h, payload); err != nil {
			return err
		}
	}
	return nil
}

// invoke decodes a fresh event value for h and runs it.
func (b *Bus) invoke(ctx context.Context, et eventType, h handlerEntry, payload []byte) error {
	evt, err := et.decode(payload)
	if err != nil {
		return &DispatchError{Event: et.name, Handler: h.name, Err: err}
	}

	b.metrics.dispatchCount.Add(1)
	if err := h.invoke(ctx, evt); err != nil {
		return &DispatchError{Event: et.name, Handler: h.name, Err: err}
	}
	return nil
}

func (b *Bus) handleDispatchError(ctx context.Context, env *Envelope, err error) {
	b.metrics.dispatchErrors.Add(1)

	if b.errorPolicy == ErrorPolicySwallow {
		return
	}

	var handler string
	var de *DispatchError
	if errors.As(err, &de) {
		handler = de.Handler
	}

	b.logger.Error().
		Err(err).
		Str("event_name", env.RoutingKey).
		Str("message_id", env.ID).
		Str("handler", handler).
		Msg("microbus: dispatch failed")

	b.notify(BusEvent{
		Type:      EventDispatchError,
		Queue:     env.RoutingKey,
		MessageID: env.ID,
		EventName: env.RoutingKey,
		Handler:   handler,
		Err:       err,
	})

	if b.errorHandler != nil {
		b.errorHandler(ctx, env.RoutingKey, err)
	}
}
