package microbus

import (
	"context"
	"time"
)

// Event describes something that already happened. Events travel only through
// the broker; the concrete type is the unit of addressing:
// one event type, one queue, one ordered set of handlers.
type Event interface {
	Message
	OccurredAt() time.Time
}

// EventHandler handles one event of type T.
// A fresh handler is built from its factory for every delivery, so
// implementations may keep per-delivery state.
type EventHandler[T Event] interface {
	Handle(ctx context.Context, event T) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc[T Event] func(ctx context.Context, event T) error

func (f EventHandlerFunc[T]) Handle(ctx context.Context, event T) error { return f(ctx, event) }
