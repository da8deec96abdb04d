package microbus

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e BusEvent)

func (f ObserverFunc) OnEvent(e BusEvent) { f(e) }

// LoggingObserver writes bus lifecycle events to an xlog logger.
// Failures log at warn, everything else at debug.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e BusEvent) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("queue", e.Queue),
		xlog.Str("event_name", e.EventName),
		xlog.Str("message_id", e.MessageID),
		xlog.Str("handler", e.Handler),
	)
	switch {
	case e.Type == EventError, e.Type == EventDispatchError, e.Err != nil:
		ev.Warn().Err(e.Err).Msg("microbus event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("microbus event")
	}
}

// ObserverPool delivers BusEvents to observers on a fixed set of goroutines.
// Notify never blocks: events are dropped, and counted, when the buffer is full.
// The pool shuts down when ctx is done or Close is called.
type ObserverPool struct {
	mu      sync.RWMutex
	events  chan BusEvent
	closed  bool
	once    sync.Once
	stopped chan struct{}
	workers int

	dropped   atomic.Uint64
	processed atomic.Uint64
	panics    atomic.Uint64
}

// NewObserverPool starts workers goroutines reading from a buffer of bufferSize events.
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	op := &ObserverPool{
		events:  make(chan BusEvent, bufferSize),
		stopped: make(chan struct{}),
		workers: workers,
	}

	var wg sync.WaitGroup
	for range workers {
		wg.Go(op.run)
	}
	go func() {
		wg.Wait()
		close(op.stopped)
	}()
	context.AfterFunc(ctx, op.shutdown)

	return op
}

// Notify queues e for observers, snapshotted at call time.
func (op *ObserverPool) Notify(e BusEvent, observers []Observer) {
	if len(observers) == 0 {
		return
	}
	op.mu.RLock()
	defer op.mu.RUnlock()
	if op.closed {
		return
	}

	e.observers = slices.Clone(observers)
	select {
	case op.events <- e:
	default:
		op.dropped.Add(1)
	}
}

// run drains the buffer until it is closed and empty.
func (op *ObserverPool) run() {
	for e := range op.events {
		op.deliver(e)
		op.processed.Add(1)
	}
}

func (op *ObserverPool) deliver(e BusEvent) {
	for _, obs := range e.observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					op.panics.Add(1)
				}
			}()
			obs.OnEvent(e)
		}()
	}
}

func (op *ObserverPool) shutdown() {
	op.once.Do(func() {
		op.mu.Lock()
		op.closed = true
		close(op.events)
		op.mu.Unlock()
	})
}

// Close stops accepting events and waits up to timeout for queued ones to be delivered.
// It can be called again to keep waiting.
func (op *ObserverPool) Close(timeout time.Duration) error {
	op.shutdown()
	select {
	case <-op.stopped:
		return nil
	case <-time.After(timeout):
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:        op.dropped.Load(),
		Processed:      op.processed.Load(),
		ObserverPanics: op.panics.Load(),
		ActiveEvents:   len(op.events),
		Workers:        op.workers,
		BufferSize:     cap(op.events),
	}
}
