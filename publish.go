package microbus

import (
	"context"

	"github.com/google/uuid"
)

// Publish encodes evt and sends it to the queue named after its type.
//
// The queue is declared first (idempotent). Completion means the broker
// accepted the message, not that it was delivered. Broker failures are
// returned as *TransportError and never retried.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if evt == nil {
		return ErrInvalidEvent
	}

	queue := TypeNameOf(evt)
	if queue == "" {
		return ErrInvalidEvent
	}

	// Encode before touching the broker
	data, err := b.codec.Marshal(evt)
	if err != nil {
		b.metrics.errorCount.Add(1)
		return err
	}

	env := &Envelope{
		ID:          uuid.NewString(),
		RoutingKey:  queue,
		Body:        data,
		ContentType: b.codec.ContentType(),
		PublishedAt: b.clock.Now(),
	}

	start := b.clock.Now()
	b.notify(BusEvent{Type: EventPublishStart, Queue: queue, MessageID: env.ID, EventName: queue})

	err = b.send(ctx, queue, env)

	duration := b.clock.Since(start)
	b.notify(BusEvent{
		Type:      EventPublishDone,
		Queue:     queue,
		MessageID: env.ID,
		EventName: queue,
		Duration:  duration,
		Err:       err,
	})

	if err != nil {
		b.metrics.errorCount.Add(1)
		return err
	}
	b.metrics.publishCount.Add(1)
	return nil
}

func (b *Bus) send(ctx context.Context, queue string, env *Envelope) error {
	if err := b.broker.DeclareQueue(ctx, queue); err != nil {
		return &TransportError{Op: "declare", Queue: queue, Err: err}
	}
	if err := b.broker.Publish(ctx, queue, env); err != nil {
		return &TransportError{Op: "publish", Queue: queue, Err: err}
	}
	return nil
}
