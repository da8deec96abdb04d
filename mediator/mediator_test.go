package mediator_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/microbus"
	"github.com/trickstertwo/microbus/mediator"
)

type CreateTransfer struct {
	microbus.CommandBase
	From   string
	To     string
	Amount int64
}

type CancelTransfer struct {
	microbus.CommandBase
	ID string
}

func newCreate(amount int64) CreateTransfer {
	return CreateTransfer{
		CommandBase: microbus.NewCommandBase[CreateTransfer](),
		From:        "acc-1",
		To:          "acc-2",
		Amount:      amount,
	}
}

func TestMediator_Send(t *testing.T) {
	t.Parallel()

	t.Run("routes command to its handler", func(t *testing.T) {
		t.Parallel()

		m := mediator.New()
		var got CreateTransfer
		require.NoError(t, mediator.RegisterFunc(m, func(ctx context.Context, cmd CreateTransfer) (bool, error) {
			got = cmd
			return true, nil
		}))

		ok, err := m.Send(context.Background(), newCreate(10))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(10), got.Amount)
		assert.Equal(t, "CreateTransfer", got.MessageType())
	})

	t.Run("returns handler result unchanged", func(t *testing.T) {
		t.Parallel()

		m := mediator.New()
		boom := errors.New("insufficient funds")
		require.NoError(t, mediator.RegisterFunc(m, func(ctx context.Context, cmd CreateTransfer) (bool, error) {
			return false, boom
		}))

		ok, err := m.Send(context.Background(), newCreate(10))
		assert.False(t, ok)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("no handler", func(t *testing.T) {
		t.Parallel()

		m := mediator.New()
		ok, err := m.Send(context.Background(), CancelTransfer{ID: "x"})
		assert.False(t, ok)
		assert.ErrorIs(t, err, mediator.ErrNoHandler)
	})

	t.Run("nil command", func(t *testing.T) {
		t.Parallel()

		ok, err := mediator.New().Send(context.Background(), nil)
		assert.False(t, ok)
		assert.ErrorIs(t, err, mediator.ErrInvalidCommand)
	})

	t.Run("pointer commands resolve to the same handler", func(t *testing.T) {
		t.Parallel()

		m := mediator.New()
		require.NoError(t, mediator.RegisterFunc(m, func(ctx context.Context, cmd *CancelTransfer) (bool, error) {
			return cmd.ID == "t-1", nil
		}))

		ok, err := m.Send(context.Background(), &CancelTransfer{ID: "t-1"})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("recovers handler panic", func(t *testing.T) {
		t.Parallel()

		m := mediator.New()
		require.NoError(t, mediator.RegisterFunc(m, func(ctx context.Context, cmd CreateTransfer) (bool, error) {
			panic("kaboom")
		}))

		ok, err := m.Send(context.Background(), newCreate(1))
		assert.False(t, ok)
		assert.ErrorIs(t, err, microbus.ErrHandlerPanic)
	})
}

func TestMediator_Register(t *testing.T) {
	t.Parallel()

	t.Run("rejects duplicate", func(t *testing.T) {
		t.Parallel()

		m := mediator.New()
		h := func(ctx context.Context, cmd CreateTransfer) (bool, error) { return true, nil }
		require.NoError(t, mediator.RegisterFunc(m, h))

		err := mediator.RegisterFunc(m, h)
		assert.ErrorIs(t, err, mediator.ErrHandlerAlreadyRegistered)
		assert.True(t, m.Has("CreateTransfer"))
	})

	t.Run("rejects nil handler", func(t *testing.T) {
		t.Parallel()

		err := mediator.RegisterFunc[CreateTransfer](mediator.New(), nil)
		assert.ErrorIs(t, err, mediator.ErrInvalidCommand)
	})
}

func TestMediator_Middleware(t *testing.T) {
	t.Parallel()

	var order []string
	mw := func(tag string) mediator.Middleware {
		return func(next mediator.Next) mediator.Next {
			return func(ctx context.Context, cmd microbus.Command) (bool, error) {
				order = append(order, tag)
				return next(ctx, cmd)
			}
		}
	}

	m := mediator.New(mediator.WithMiddleware(mw("outer"), mw("inner")))
	require.NoError(t, mediator.RegisterFunc(m, func(ctx context.Context, cmd CreateTransfer) (bool, error) {
		order = append(order, "handler")
		return true, nil
	}))

	_, err := m.Send(context.Background(), newCreate(5))
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

// countingClock delegates to xclock.Default() and counts Now and Since calls.
type countingClock struct {
	xclock.Clock
	nows   atomic.Int32
	sinces atomic.Int32
}

func (c *countingClock) Now() time.Time {
	c.nows.Add(1)
	return c.Clock.Now()
}

func (c *countingClock) Since(t time.Time) time.Duration {
	c.sinces.Add(1)
	return c.Clock.Since(t)
}

func TestLoggingMiddleware(t *testing.T) {
	t.Parallel()

	rejected := errors.New("insufficient funds")
	cases := []struct {
		name    string
		ok      bool
		err     error
		wantErr error
	}{
		{name: "handled", ok: true},
		{name: "rejected", ok: false},
		{name: "failed", ok: false, err: rejected, wantErr: rejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			clk := &countingClock{Clock: xclock.Default()}
			m := mediator.New(mediator.WithMiddleware(mediator.LoggingMiddleware(xlog.Default(), clk)))
			require.NoError(t, mediator.RegisterFunc(m, func(context.Context, CreateTransfer) (bool, error) {
				return tc.ok, tc.err
			}))

			ok, err := m.Send(context.Background(), newCreate(5))
			assert.Equal(t, tc.ok, ok)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, int32(1), clk.nows.Load())
			assert.Equal(t, int32(1), clk.sinces.Load())
		})
	}

	t.Run("nil logger and clock fall back to defaults", func(t *testing.T) {
		t.Parallel()

		m := mediator.New(mediator.WithLogger(nil), mediator.WithMiddleware(mediator.LoggingMiddleware(nil, nil)))
		require.NoError(t, mediator.RegisterFunc(m, func(context.Context, CreateTransfer) (bool, error) {
			return true, nil
		}))
		ok, err := m.Send(context.Background(), newCreate(5))
		assert.True(t, ok)
		assert.NoError(t, err)
	})
}
