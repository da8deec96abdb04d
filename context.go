package microbus

import (
	"context"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in microbus (prevents collisions).
type ctxKey string

const (
	codecCtxKey    ctxKey = "microbus:codec"
	loggerCtxKey   ctxKey = "microbus:logger"
	clockCtxKey    ctxKey = "microbus:clock"
	envelopeCtxKey ctxKey = "microbus:envelope"
)

// DeliveryInfo describes the broker message a handler is processing.
type DeliveryInfo struct {
	MessageID   string
	Queue       string
	PublishedAt time.Time
}

func injectCodec(ctx context.Context, c Codec) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, codecCtxKey, c)
}

// CodecFromContext retrieves the Codec the bus used to decode the current delivery.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	c, ok := ctx.Value(codecCtxKey).(Codec)
	return c, ok && c != nil
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext returns the bus logger inside a handler.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	l, ok := ctx.Value(loggerCtxKey).(*xlog.Logger)
	return l, ok && l != nil
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	c, ok := ctx.Value(clockCtxKey).(xclock.Clock)
	return c, ok && c != nil
}

func injectEnvelope(ctx context.Context, env *Envelope) context.Context {
	if env == nil {
		return ctx
	}
	return context.WithValue(ctx, envelopeCtxKey, DeliveryInfo{
		MessageID:   env.ID,
		Queue:       env.RoutingKey,
		PublishedAt: env.PublishedAt,
	})
}

// DeliveryFromContext returns metadata of the delivery being handled.
func DeliveryFromContext(ctx context.Context) (DeliveryInfo, bool) {
	d, ok := ctx.Value(envelopeCtxKey).(DeliveryInfo)
	return d, ok
}

// InjectAll is a convenience helper to inject all standard dependencies.
func InjectAll(ctx context.Context, codec Codec, logger *xlog.Logger, clock xclock.Clock) context.Context {
	ctx = injectCodec(ctx, codec)
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	return ctx
}
