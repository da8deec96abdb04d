package microbus

import (
	"context"
)

// HandlerFunc processes one decoded event inside dispatch.
type HandlerFunc func(ctx context.Context, evt Event) error

// Middleware composes processing concerns around each handler invocation.
type Middleware func(next HandlerFunc) HandlerFunc

// LocalDispatcher resolves a command to exactly one in-process handler.
// The bool reports whether the command was handled without a domain error.
type LocalDispatcher interface {
	Send(ctx context.Context, cmd Command) (bool, error)
}

// Observer receives bus lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e BusEvent)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// ErrorHandler receives dispatch failures under ErrorPolicyReport.
type ErrorHandler func(ctx context.Context, eventName string, err error)

// API is the non-generic surface of the bus. Subscriptions go through the
// generic Subscribe function since Go methods cannot take type parameters.
type API interface {
	SendCommand(ctx context.Context, cmd Command) (bool, error)
	Publish(ctx context.Context, evt Event) error
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Bus)(nil)
var _ HealthChecker = (*Bus)(nil)
