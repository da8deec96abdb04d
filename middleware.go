package microbus

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig controls in-process retries of a failing handler. The broker
// message was acknowledged before the handler ran, so these are the only
// retries a delivery ever gets.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff returns the wait before attempt+1. Nil retries immediately.
	Backoff func(attempt int) time.Duration
	// RetryIf reports whether err is worth another attempt. Nil retries everything.
	RetryIf func(err error) bool
	// Jitter adds a random delay in [0, Jitter) to every wait.
	Jitter time.Duration
}

// RetryMiddleware retries a failing handler up to cfg.MaxAttempts times.
// It gives up early when ctx ends or RetryIf rejects the error, and returns
// the last error seen.
func RetryMiddleware(cfg RetryConfig) Middleware {
	attempts := max(cfg.MaxAttempts, 1)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, evt Event) error {
			err := next(ctx, evt)
			for attempt := 1; err != nil && attempt < attempts && cfg.retryable(ctx, err); attempt++ {
				if !cfg.wait(ctx, attempt) {
					break
				}
				err = next(ctx, evt)
			}
			return err
		}
	}
}

func (c RetryConfig) retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return c.RetryIf == nil || c.RetryIf(err)
}

// wait sleeps before the next attempt and reports false if ctx ended first.
func (c RetryConfig) wait(ctx context.Context, attempt int) bool {
	var d time.Duration
	if c.Backoff != nil {
		d = c.Backoff(attempt)
	}
	if c.Jitter > 0 {
		d += rand.N(c.Jitter)
	}
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ExponentialBackoff doubles base for every attempt, capped at maxDelay.
func ExponentialBackoff(base, maxDelay time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt && d < maxDelay; i++ {
			d *= 2
		}
		return min(d, maxDelay)
	}
}

// TimeoutMiddleware bounds handler run time. On expiry it returns
// context.DeadlineExceeded; the handler goroutine keeps running until it
// observes ctx.
func TimeoutMiddleware(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		guarded := RecoveryMiddleware()(next)
		return func(ctx context.Context, evt Event) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- guarded(ctx, evt) }()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// RecoveryMiddleware converts handler panics into errors wrapping ErrHandlerPanic.
// The bus always installs it closest to the handler.
func RecoveryMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, evt Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, evt)
		}
	}
}

// Chain wraps h so that mws[0] runs first. Nil middlewares are skipped.
func Chain(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}
