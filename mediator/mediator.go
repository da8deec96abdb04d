// Package mediator is an in-process command dispatcher: every command type
// resolves to exactly one handler, called synchronously in the sender's
// goroutine. A *Mediator satisfies microbus.LocalDispatcher.
//
// Example:
//
//	m := mediator.New(mediator.WithLogger(logger))
//	_ = mediator.RegisterFunc(m, func(ctx context.Context, cmd CreateTransfer) (bool, error) {
//	    return true, repo.Save(ctx, cmd)
//	})
//
//	bus, _, _ := microbus.New(func(b *microbus.BusBuilder) {
//	    b.WithBroker("rabbitmq", nil).WithDispatcher(m)
//	})
package mediator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/microbus"
)

var (
	// ErrNoHandler is returned when a command has no registered handler.
	ErrNoHandler = errors.New("mediator: no handler registered for command")
	// ErrHandlerAlreadyRegistered is returned when a command type already has a handler.
	ErrHandlerAlreadyRegistered = errors.New("mediator: handler already registered for command")
	// ErrInvalidCommand is returned for nil commands or a handler/command type mismatch.
	ErrInvalidCommand = errors.New("mediator: invalid command")
)

// Handler handles one command type. The bool reports success; a false
// result with a nil error is a rejected command.
type Handler[C microbus.Command] interface {
	Handle(ctx context.Context, cmd C) (bool, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[C microbus.Command] func(ctx context.Context, cmd C) (bool, error)

func (f HandlerFunc[C]) Handle(ctx context.Context, cmd C) (bool, error) { return f(ctx, cmd) }

// Next is a type-erased command handler as seen by middleware.
type Next func(ctx context.Context, cmd microbus.Command) (bool, error)

// Middleware wraps command execution.
type Middleware func(next Next) Next

// Mediator routes commands to their single registered handler.
type Mediator struct {
	mu         sync.RWMutex
	handlers   map[string]Next
	middleware []Middleware
	logger     *xlog.Logger
}

var _ microbus.LocalDispatcher = (*Mediator)(nil)

// Option configures a Mediator.
type Option func(*Mediator)

// WithLogger sets the logger used for recovered panics. Nil is ignored.
func WithLogger(l *xlog.Logger) Option {
	return func(m *Mediator) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMiddleware appends middleware; the first one is outermost.
func WithMiddleware(mw ...Middleware) Option {
	return func(m *Mediator) { m.middleware = append(m.middleware, mw...) }
}

func New(opts ...Option) *Mediator {
	m := &Mediator{
		handlers: make(map[string]Next),
		logger:   xlog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register binds h to command type C.
func Register[C microbus.Command](m *Mediator, h Handler[C]) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrInvalidCommand, microbus.TypeName[C]())
	}
	name := microbus.TypeName[C]()

	next := func(ctx context.Context, cmd microbus.Command) (bool, error) {
		typed, ok := cmd.(C)
		if !ok {
			return false, fmt.Errorf("%w: expected %s, got %T", ErrInvalidCommand, name, cmd)
		}
		return h.Handle(ctx, typed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, name)
	}
	m.handlers[name] = chain(next, m.middleware)
	return nil
}

// RegisterFunc binds fn to command type C.
func RegisterFunc[C microbus.Command](m *Mediator, fn func(ctx context.Context, cmd C) (bool, error)) error {
	if fn == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrInvalidCommand, microbus.TypeName[C]())
	}
	return Register[C](m, HandlerFunc[C](fn))
}

// Send runs the handler registered for cmd's type and returns its result.
// Handler panics are returned as errors wrapping microbus.ErrHandlerPanic.
func (m *Mediator) Send(ctx context.Context, cmd microbus.Command) (ok bool, err error) {
	if cmd == nil {
		return false, ErrInvalidCommand
	}
	name := microbus.TypeNameOf(cmd)

	m.mu.RLock()
	h, exists := m.handlers[name]
	m.mu.RUnlock()
	if !exists {
		return false, fmt.Errorf("%w: %s", ErrNoHandler, name)
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("command", name).
				Str("panic", fmt.Sprint(r)).
				Msg("mediator: handler panic")
			ok, err = false, fmt.Errorf("%w: %v", microbus.ErrHandlerPanic, r)
		}
	}()
	return h(ctx, cmd)
}

// Has reports whether a handler is registered for the named command type.
func (m *Mediator) Has(commandName string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.handlers[commandName]
	return ok
}

func chain(h Next, mws []Middleware) Next {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}

// LoggingMiddleware logs command name, duration and outcome. Durations come
// from clock; nil uses xclock.Default().
func LoggingMiddleware(logger *xlog.Logger, clock xclock.Clock) Middleware {
	if logger == nil {
		logger = xlog.Default()
	}
	if clock == nil {
		clock = xclock.Default()
	}
	return func(next Next) Next {
		return func(ctx context.Context, cmd microbus.Command) (bool, error) {
			start := clock.Now()

			ok, err := next(ctx, cmd)
			l := logger.With(
				xlog.Str("command", microbus.TypeNameOf(cmd)),
				xlog.Dur("duration", clock.Since(start)),
			)
			switch {
			case err != nil:
				l.Error().Err(err).Msg("mediator: command failed")
			case !ok:
				l.Info().Msg("mediator: command rejected")
			default:
				l.Debug().Msg("mediator: command handled")
			}
			return ok, err
		}
	}
}
