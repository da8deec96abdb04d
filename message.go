package microbus

import (
	"reflect"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
)

// Message is anything flowing through either dispatch path.
// MessageType is the stable type identifier derived once at construction.
type Message interface {
	MessageType() string
}

// Command requests an action resolved in-process by exactly one handler.
// Commands never touch the broker.
type Command interface {
	Message
	Timestamp() time.Time
}

// CommandBase is embedded by concrete commands.
type CommandBase struct {
	Type      string    `json:"messageType"`
	CreatedAt time.Time `json:"timestamp"`
}

// NewCommandBase stamps a command of type T with its type name and creation time.
//
// Example:
//
//	type CreateTransfer struct {
//	    microbus.CommandBase
//	    From, To string
//	    Amount   int64
//	}
//
//	cmd := CreateTransfer{CommandBase: microbus.NewCommandBase[CreateTransfer](), From: "a", To: "b", Amount: 10}
func NewCommandBase[T any]() CommandBase {
	return CommandBase{
		Type:      TypeName[T](),
		CreatedAt: xclock.Default().Now(),
	}
}

func (c CommandBase) MessageType() string  { return c.Type }
func (c CommandBase) Timestamp() time.Time { return c.CreatedAt }

// EventBase is embedded by concrete events. Its fields travel in the JSON payload.
type EventBase struct {
	Type       string    `json:"messageType"`
	OccurredOn time.Time `json:"timestamp"`
}

// NewEventBase stamps an event of type T with its type name and creation time.
func NewEventBase[T any]() EventBase {
	return EventBase{
		Type:       TypeName[T](),
		OccurredOn: xclock.Default().Now(),
	}
}

func (e EventBase) MessageType() string   { return e.Type }
func (e EventBase) OccurredAt() time.Time { return e.OccurredOn }

// typeNameCache caches reflection results keyed by reflect.Type.
var typeNameCache sync.Map

// TypeName returns the identifier used for T on the wire and as its queue name.
//
// Only the bare type name is used (pointers dereferenced, no package path), so
// orders.Created and billing.Created would share a queue. Keep event type names unique.
func TypeName[T any]() string {
	return typeName(reflect.TypeFor[T]())
}

// TypeNameOf returns the identifier of v's dynamic type.
func TypeNameOf(v any) string {
	if v == nil {
		return ""
	}
	return typeName(reflect.TypeOf(v))
}

func typeName(t reflect.Type) string {
	if name, ok := typeNameCache.Load(t); ok {
		return name.(string)
	}

	original := t
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	name := t.Name()
	if name == "" {
		name = t.String()
	}

	typeNameCache.Store(original, name)
	return name
}
