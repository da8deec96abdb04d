package microbus

import (
	"errors"
	"fmt"
)

var (
	ErrBusClosed                   = errors.New("microbus: bus is closed")
	ErrInvalidEvent                = errors.New("microbus: invalid event")
	ErrInvalidSubscription         = errors.New("microbus: invalid subscription")
	ErrNoBrokerConfigured          = errors.New("microbus: no broker configured")
	ErrNoDispatcher                = errors.New("microbus: no local dispatcher configured")
	ErrUnknownEventType            = errors.New("microbus: unknown event type")
	ErrHandlerPanic                = errors.New("microbus: handler panic")
	ErrDuplicateHandler            = errors.New("microbus: handler already registered")
	ErrEventTypeConflict           = errors.New("microbus: event name bound to another type")
	ErrObserverPoolShutdownTimeout = errors.New("microbus: observer pool shutdown timeout")
	ErrDefaultBusNotInitialized    = errors.New("microbus: default bus not initialized")
)

type ErrUnknownBroker struct{ name string }

func (e ErrUnknownBroker) Error() string { return fmt.Sprintf("unknown broker: %s", e.name) }

// DuplicateHandlerError is returned by Subscribe when the same handler type is
// registered twice for the same event type.
type DuplicateHandlerError struct {
	Handler string
	Event   string
}

func (e *DuplicateHandlerError) Error() string {
	return fmt.Sprintf("microbus: handler type %s already is registered for %q", e.Handler, e.Event)
}

func (e *DuplicateHandlerError) Is(target error) bool { return target == ErrDuplicateHandler }

// EventTypeConflictError is returned by Subscribe when an event name is already
// bound to a different Go type, such as T and *T or two packages' Created.
type EventTypeConflictError struct {
	Event     string
	Existing  string
	Requested string
}

func (e *EventTypeConflictError) Error() string {
	return fmt.Sprintf("microbus: event %q is bound to %s, cannot subscribe %s", e.Event, e.Existing, e.Requested)
}

func (e *EventTypeConflictError) Is(target error) bool { return target == ErrEventTypeConflict }

// TransportError wraps a broker failure during declare, publish or consume.
type TransportError struct {
	Op    string
	Queue string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("microbus: %s %q: %v", e.Op, e.Queue, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DispatchError reports a failure while routing one delivery to its handlers.
// Handler is empty when the failure happened before any handler ran.
type DispatchError struct {
	Event   string
	Handler string
	Err     error
}

func (e *DispatchError) Error() string {
	if e.Handler == "" {
		return fmt.Sprintf("microbus: dispatch %q: %v", e.Event, e.Err)
	}
	return fmt.Sprintf("microbus: dispatch %q to %s: %v", e.Event, e.Handler, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
