package microbus

import (
	"context"
	"reflect"
	"sync"
)

// handlerEntry is one subscribed handler type for an event name.
type handlerEntry struct {
	name   string
	invoke func(ctx context.Context, evt Event) error
}

// eventType is a known event type: its wire name, the Go type bound to it and
// the decoder that recovers that type from a payload.
type eventType struct {
	name   string
	typ    reflect.Type
	decode func([]byte) (Event, error)
}

// handlerRegistry maps event names to ordered handler entries and tracks the
// known event types. Entries are never pruned.
type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	types    map[string]eventType
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{
		handlers: make(map[string][]handlerEntry),
		types:    make(map[string]eventType),
	}
}

// add records et as known and appends h to its entry.
// Returns *EventTypeConflictError when et.name is bound to another Go type and
// *DuplicateHandlerError when h is already registered for et.
func (r *handlerRegistry) add(et eventType, h handlerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	known, ok := r.types[et.name]
	if ok && known.typ != et.typ {
		return &EventTypeConflictError{Event: et.name, Existing: known.typ.String(), Requested: et.typ.String()}
	}
	if !ok {
		r.types[et.name] = et
	}
	entries, ok := r.handlers[et.name]
	if !ok {
		entries = []handlerEntry{}
	}
	for _, e := range entries {
		if e.name == h.name {
			r.handlers[et.name] = entries
			return &DuplicateHandlerError{Handler: h.name, Event: et.name}
		}
	}
	r.handlers[et.name] = append(entries, h)
	return nil
}

// remove drops handler from eventName's entry. Used only to roll back a
// registration whose consumption loop could not be started.
func (r *handlerRegistry) remove(eventName, handler string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.handlers[eventName]
	for i, e := range entries {
		if e.name == handler {
			r.handlers[eventName] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// lookup returns a snapshot of the handlers registered for eventName and its
// known type. ok is false when no entry exists.
func (r *handlerRegistry) lookup(eventName string) (handlers []handlerEntry, et eventType, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries, ok := r.handlers[eventName]
	if !ok {
		return nil, eventType{}, false
	}
	handlers = make([]handlerEntry, len(entries))
	copy(handlers, entries)
	return handlers, r.types[eventName], true
}

// handlerNames returns the registered handler names for eventName in order.
func (r *handlerRegistry) handlerNames(eventName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.handlers[eventName]
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names
}

// eventNames returns every known event type name.
func (r *handlerRegistry) eventNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	return names
}
