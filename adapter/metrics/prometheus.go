// Package metrics exports bus lifecycle events as Prometheus metrics.
//
// Example:
//
//	obs, err := metrics.NewObserver(prometheus.DefaultRegisterer)
//	if err != nil {
//	    return err
//	}
//	bus, _, err := microbus.New(func(b *microbus.BusBuilder) {
//	    b.WithBroker("rabbitmq", nil).WithObserver(obs)
//	})
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trickstertwo/microbus"
)

// Observer implements microbus.Observer and records counters and latency
// histograms labeled by queue (the event type name).
type Observer struct {
	published      *prometheus.CounterVec
	publishErrors  *prometheus.CounterVec
	publishLatency *prometheus.HistogramVec
	consumed       *prometheus.CounterVec
	consumeLatency *prometheus.HistogramVec
	dispatchErrors *prometheus.CounterVec
	unrouted       *prometheus.CounterVec
	subscriptions  *prometheus.CounterVec
}

var _ microbus.Observer = (*Observer)(nil)

// Option configures an Observer.
type Option func(*options)

type options struct {
	namespace string
	buckets   []float64
}

// WithNamespace sets the metric namespace (default "microbus").
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// WithBuckets sets latency histogram buckets in seconds.
func WithBuckets(b []float64) Option {
	return func(o *options) { o.buckets = b }
}

// NewObserver creates the collectors and registers them with reg.
// Collectors already registered by an earlier Observer are reused.
func NewObserver(reg prometheus.Registerer, opts ...Option) (*Observer, error) {
	o := options{namespace: "microbus", buckets: prometheus.DefBuckets}
	for _, opt := range opts {
		opt(&o)
	}

	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}
	histogram := func(subsystem, name, help string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: o.buckets,
		}, []string{"queue"})
	}

	obs := &Observer{
		published:      counter("publish", "messages_total", "Messages accepted by the broker.", "queue"),
		publishErrors:  counter("publish", "errors_total", "Failed publishes.", "queue"),
		publishLatency: histogram("publish", "duration_seconds", "Time spent declaring and publishing."),
		consumed:       counter("consume", "messages_total", "Messages received from the broker.", "queue"),
		consumeLatency: histogram("consume", "duration_seconds", "Time spent dispatching one delivery."),
		dispatchErrors: counter("dispatch", "errors_total", "Deliveries whose dispatch failed.", "queue", "handler"),
		unrouted:       counter("dispatch", "unrouted_total", "Deliveries with no registered handler.", "queue"),
		subscriptions:  counter("subscribe", "handlers_total", "Handlers subscribed.", "queue"),
	}

	if reg == nil {
		return obs, nil
	}

	collectors := []**prometheus.CounterVec{
		&obs.published, &obs.publishErrors, &obs.consumed,
		&obs.dispatchErrors, &obs.unrouted, &obs.subscriptions,
	}
	for _, c := range collectors {
		if err := reg.Register(*c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
			*c = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	for _, h := range []**prometheus.HistogramVec{&obs.publishLatency, &obs.consumeLatency} {
		if err := reg.Register(*h); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
			*h = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	return obs, nil
}

// OnEvent updates the collectors matching e.Type.
func (o *Observer) OnEvent(e microbus.BusEvent) {
	switch e.Type {
	case microbus.EventPublishDone:
		o.publishLatency.WithLabelValues(e.Queue).Observe(e.Duration.Seconds())
		if e.Err != nil {
			o.publishErrors.WithLabelValues(e.Queue).Inc()
			return
		}
		o.published.WithLabelValues(e.Queue).Inc()
	case microbus.EventConsumeDone:
		o.consumed.WithLabelValues(e.Queue).Inc()
		o.consumeLatency.WithLabelValues(e.Queue).Observe(e.Duration.Seconds())
	case microbus.EventDispatchError:
		o.dispatchErrors.WithLabelValues(e.Queue, e.Handler).Inc()
	case microbus.EventUnrouted:
		o.unrouted.WithLabelValues(e.Queue).Inc()
	case microbus.EventSubscribed:
		o.subscriptions.WithLabelValues(e.Queue).Inc()
	}
}
