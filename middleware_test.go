package microbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failTimes(n int32, err error) (HandlerFunc, *atomic.Int32) {
	var calls atomic.Int32
	return func(context.Context, Event) error {
		if calls.Add(1) <= n {
			return err
		}
		return nil
	}, &calls
}

func TestRetryMiddleware(t *testing.T) {
	ctx := context.Background()
	transient := errors.New("lock timeout")

	t.Run("retries until success", func(t *testing.T) {
		h, calls := failTimes(2, transient)
		mw := RetryMiddleware(RetryConfig{
			MaxAttempts: 3,
			Backoff:     func(int) time.Duration { return time.Millisecond },
			Jitter:      time.Millisecond,
		})
		require.NoError(t, mw(h)(ctx, newOrderPlaced("o-1")))
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("gives up after MaxAttempts", func(t *testing.T) {
		h, calls := failTimes(10, transient)
		err := RetryMiddleware(RetryConfig{MaxAttempts: 2})(h)(ctx, newOrderPlaced("o-1"))
		assert.ErrorIs(t, err, transient)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("RetryIf stops on permanent errors", func(t *testing.T) {
		permanent := errors.New("validation failed")
		h, calls := failTimes(10, permanent)
		mw := RetryMiddleware(RetryConfig{
			MaxAttempts: 5,
			RetryIf:     func(err error) bool { return !errors.Is(err, permanent) },
		})
		assert.ErrorIs(t, mw(h)(ctx, newOrderPlaced("o-1")), permanent)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("stops when context is cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		h, calls := failTimes(10, transient)
		err := RetryMiddleware(RetryConfig{MaxAttempts: 5})(h)(cctx, newOrderPlaced("o-1"))
		assert.ErrorIs(t, err, transient)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("zero attempts still runs once", func(t *testing.T) {
		h, calls := failTimes(0, nil)
		require.NoError(t, RetryMiddleware(RetryConfig{})(h)(ctx, newOrderPlaced("o-1")))
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestExponentialBackoff(t *testing.T) {
	backoff := ExponentialBackoff(50*time.Millisecond, 300*time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, backoff(1))
	assert.Equal(t, 100*time.Millisecond, backoff(2))
	assert.Equal(t, 200*time.Millisecond, backoff(3))
	assert.Equal(t, 300*time.Millisecond, backoff(4))
	assert.Equal(t, 300*time.Millisecond, backoff(40))
}

func TestTimeoutMiddleware(t *testing.T) {
	ctx := context.Background()

	t.Run("expires", func(t *testing.T) {
		slow := func(ctx context.Context, _ Event) error {
			<-ctx.Done()
			return ctx.Err()
		}
		err := TimeoutMiddleware(10*time.Millisecond)(slow)(ctx, newOrderPlaced("o-1"))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("passes handler result through", func(t *testing.T) {
		boom := errors.New("boom")
		err := TimeoutMiddleware(time.Second)(func(context.Context, Event) error { return boom })(ctx, newOrderPlaced("o-1"))
		assert.ErrorIs(t, err, boom)
	})

	t.Run("recovers panics in the handler goroutine", func(t *testing.T) {
		err := TimeoutMiddleware(time.Second)(func(context.Context, Event) error { panic("bad") })(ctx, newOrderPlaced("o-1"))
		assert.ErrorIs(t, err, ErrHandlerPanic)
	})

	t.Run("non-positive duration is a no-op", func(t *testing.T) {
		called := false
		h := func(context.Context, Event) error { called = true; return nil }
		require.NoError(t, TimeoutMiddleware(0)(h)(ctx, newOrderPlaced("o-1")))
		assert.True(t, called)
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	err := RecoveryMiddleware()(func(context.Context, Event) error {
		panic(errors.New("index out of range"))
	})(context.Background(), newOrderPlaced("o-1"))

	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Contains(t, err.Error(), "index out of range")
}

func TestChain(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, evt Event) error {
				order = append(order, name+">")
				err := next(ctx, evt)
				order = append(order, "<"+name)
				return err
			}
		}
	}
	h := Chain(func(context.Context, Event) error {
		order = append(order, "h")
		return nil
	}, mw("a"), nil, mw("b"))

	require.NoError(t, h(context.Background(), newOrderPlaced("o-1")))
	assert.Equal(t, []string{"a>", "b>", "h", "<b", "<a"}, order)
}
