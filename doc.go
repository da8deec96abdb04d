// Package microbus is a small command and event bus for services that talk
// through a message broker.
//
// Commands are resolved in-process: SendCommand hands them to a
// LocalDispatcher (see the mediator package) and returns its result. Events
// are encoded (JSON by default) and published to a queue named after the
// event's type. Subscribe registers a handler type for an event type and, on
// the first subscription for that type, declares the queue and starts one
// consumption loop for it.
//
// Deliveries are acknowledged on receipt, so a failing handler never causes a
// redelivery. The handlers of one event run one after another in registration
// order and the first failure stops the rest; what happens to that failure is
// decided by the ErrorPolicy.
//
// Brokers are pluggable. adapter/rabbitmq, adapter/redisstream and
// adapter/memory register themselves by name and each provides a Use helper
// that builds a Bus and installs it as the process-wide default:
//
//	m := mediator.New()
//	bus := rabbitmq.Use(cfg, rabbitmq.WithDispatcher(m), rabbitmq.WithLogger(logger))
//	defer bus.Close(ctx)
//
//	err := microbus.Subscribe[TransferCreated](ctx, bus, func() *LedgerHandler {
//	    return &LedgerHandler{repo: repo}
//	})
//
//	err = microbus.Publish(ctx, TransferCreated{EventBase: microbus.NewEventBase[TransferCreated]()})
package microbus
