package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCallbackRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("opens one subscription per queue", func(t *testing.T) {
		broker := newMockBroker()
		broker.On("BindTopic", ctx, "orders", mock.Anything, "").Return(nil)
		broker.On("Consume", mock.Anything, "orders", mock.Anything, true).Return(nil).Once()

		r := NewCallbackRegistry(broker, AllowDuplicates, true, WithLogger(quietLogger()))
		noop := func(context.Context, Message) error { return nil }

		require.NoError(t, r.AddCallbackForQueue(ctx, "orders", "order.*", noop))
		require.NoError(t, r.AddCallbackForQueue(ctx, "orders", "order.#", noop))
		require.NoError(t, r.AddCallbackForQueue(ctx, "orders", "invoice.sent", noop))

		broker.AssertNumberOfCalls(t, "Consume", 1)
		broker.AssertNumberOfCalls(t, "BindTopic", 3)
		assert.Equal(t, []string{"order.*", "order.#", "invoice.sent"}, r.Patterns("orders"))
		assert.Equal(t, []string{"orders"}, r.Queues())
	})

	t.Run("dispatches to every matching handler", func(t *testing.T) {
		broker := newMockBroker()
		broker.On("BindTopic", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
		broker.On("Consume", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

		r := NewCallbackRegistry(broker, AllowDuplicates, true, WithLogger(quietLogger()))

		var calls []string
		record := func(name string) Handler {
			return func(_ context.Context, msg Message) error {
				calls = append(calls, name+":"+string(msg.Payload))
				return nil
			}
		}
		require.NoError(t, r.AddCallbackForQueue(ctx, "Q", "order.*", record("star")))
		require.NoError(t, r.AddCallbackForQueue(ctx, "Q", "invoice.*", record("invoice")))
		require.NoError(t, r.AddCallbackForQueue(ctx, "Q", "order.placed", record("exact")))

		require.True(t, broker.deliver(ctx, "Q", Message{RoutingKey: "order.placed", Payload: []byte("{}")}))
		assert.Equal(t, []string{"star:{}", "exact:{}"}, calls)
	})

	t.Run("duplicates fire twice when allowed", func(t *testing.T) {
		broker := newMockBroker()
		broker.On("BindTopic", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
		broker.On("Consume", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

		r := NewCallbackRegistry(broker, AllowDuplicates, true, WithLogger(quietLogger()))
		var count int32
		h := func(context.Context, Message) error {
			atomic.AddInt32(&count, 1)
			return nil
		}
		require.NoError(t, r.AddCallbackForQueue(ctx, "Q", "a.b", h))
		require.NoError(t, r.AddCallbackForQueue(ctx, "Q", "a.b", h))

		n, err := r.Dispatch(ctx, "Q", Message{RoutingKey: "a.b"})
		assert.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, int32(2), atomic.LoadInt32(&count))
	})

	t.Run("duplicates rejected by command policy", func(t *testing.T) {
		broker := newMockBroker()
		broker.On("BindTopic", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
		broker.On("Consume", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

		r := NewCallbackRegistry(broker, RejectDuplicates, false, WithLogger(quietLogger()))
		h := func(context.Context, Message) error { return nil }

		require.NoError(t, r.AddCallbackForQueue(ctx, "calc", "fib", h))
		assert.False(t, r.CanAddCallback("calc", "fib"))
		assert.True(t, r.CanAddCallback("calc", "sum"))
		assert.True(t, r.CanAddCallback("other", "fib"))

		err := r.AddCallbackForQueue(ctx, "calc", "fib", h)
		assert.ErrorIs(t, err, ErrDuplicateCallback)
		broker.AssertNumberOfCalls(t, "BindTopic", 1)
		assert.Equal(t, []string{"fib"}, r.Patterns("calc"))
	})

	t.Run("failing handlers do not stop the others", func(t *testing.T) {
		broker := newMockBroker()
		broker.On("BindTopic", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
		broker.On("Consume", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

		r := NewCallbackRegistry(broker, AllowDuplicates, true, WithLogger(quietLogger()))
		var reached bool
		require.NoError(t, r.AddCallbackForQueue(ctx, "Q", "#", func(context.Context, Message) error {
			panic("boom")
		}))
		require.NoError(t, r.AddCallbackForQueue(ctx, "Q", "a.*", func(context.Context, Message) error {
			return errors.New("failed")
		}))
		require.NoError(t, r.AddCallbackForQueue(ctx, "Q", "a.b", func(context.Context, Message) error {
			reached = true
			return nil
		}))

		n, err := r.Dispatch(ctx, "Q", Message{RoutingKey: "a.b"})
		assert.Equal(t, 3, n)
		assert.True(t, reached)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
		assert.Contains(t, err.Error(), "failed")
	})

	t.Run("unmatched delivery is dropped", func(t *testing.T) {
		broker := newMockBroker()
		broker.On("BindTopic", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
		broker.On("Consume", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

		r := NewCallbackRegistry(broker, AllowDuplicates, true, WithLogger(quietLogger()))
		require.NoError(t, r.AddCallbackForQueue(ctx, "Q", "user.#", func(context.Context, Message) error {
			t.Fatal("must not be called")
			return nil
		}))

		n, err := r.Dispatch(ctx, "Q", Message{RoutingKey: "user.."})
		assert.NoError(t, err)
		assert.Zero(t, n)

		n, err = r.Dispatch(ctx, "unknown", Message{RoutingKey: "user.a"})
		assert.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("acknowledges after dispatch when auto ack is off", func(t *testing.T) {
		broker := newMockBroker()
		broker.On("BindTopic", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
		broker.On("Consume", mock.Anything, "calc", mock.Anything, false).Return(nil)
		broker.On("Acknowledge", uint64(42), false).Return(nil).Once()
		broker.On("Acknowledge", uint64(43), false).Return(nil).Once()

		r := NewCallbackRegistry(broker, RejectDuplicates, false, WithLogger(quietLogger()))
		require.NoError(t, r.AddCallbackForQueue(ctx, "calc", "fib", func(context.Context, Message) error {
			return errors.New("handler failure still acks")
		}))

		broker.deliver(ctx, "calc", Message{RoutingKey: "fib", DeliveryTag: 42})
		broker.deliver(ctx, "calc", Message{RoutingKey: "nomatch", DeliveryTag: 43})
		broker.AssertExpectations(t)
	})

	t.Run("validates before touching the broker", func(t *testing.T) {
		broker := newMockBroker()
		r := NewCallbackRegistry(broker, AllowDuplicates, true, WithLogger(quietLogger()))
		h := func(context.Context, Message) error { return nil }

		assert.ErrorIs(t, r.AddCallbackForQueue(ctx, "", "a", h), ErrValidation)
		assert.ErrorIs(t, r.AddCallbackForQueue(ctx, "  ", "a", h), ErrValidation)
		assert.ErrorIs(t, r.AddCallbackForQueue(ctx, "q", "", h), ErrValidation)
		assert.ErrorIs(t, r.AddCallbackForQueue(ctx, "q", "a", nil), ErrValidation)
		broker.AssertNotCalled(t, "BindTopic", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("consume failure leaves no entry", func(t *testing.T) {
		broker := newMockBroker()
		broker.On("BindTopic", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
		broker.On("Consume", mock.Anything, "q", mock.Anything, true).Return(errors.New("channel closed")).Once()
		broker.On("Consume", mock.Anything, "q", mock.Anything, true).Return(nil).Once()

		r := NewCallbackRegistry(broker, AllowDuplicates, true, WithLogger(quietLogger()))
		h := func(context.Context, Message) error { return nil }

		assert.Error(t, r.AddCallbackForQueue(ctx, "q", "a", h))
		assert.Empty(t, r.Queues())

		require.NoError(t, r.AddCallbackForQueue(ctx, "q", "a", h))
		assert.Equal(t, []string{"a"}, r.Patterns("q"))
	})

	t.Run("uses the configured exchange", func(t *testing.T) {
		broker := newMockBroker()
		broker.On("BindTopic", ctx, "q", "a", "custom").Return(nil).Once()
		broker.On("Consume", mock.Anything, "q", mock.Anything, true).Return(nil)

		r := NewCallbackRegistry(broker, AllowDuplicates, true, WithLogger(quietLogger()), WithExchange("custom"))
		require.NoError(t, r.AddCallbackForQueue(ctx, "q", "a", func(context.Context, Message) error { return nil }))
		broker.AssertExpectations(t)
	})
}

func TestCallbackRegistrySubscriptionLifetime(t *testing.T) {
	t.Run("outlives the registration context", func(t *testing.T) {
		broker := newMockBroker()
		broker.On("BindTopic", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

		var consumeCtx context.Context
		broker.On("Consume", mock.Anything, "q", mock.Anything, true).
			Run(func(args mock.Arguments) { consumeCtx = args.Get(0).(context.Context) }).
			Return(nil).Once()

		r := NewCallbackRegistry(broker, AllowDuplicates, true, WithLogger(quietLogger()))
		regCtx, cancel := context.WithCancel(context.Background())
		require.NoError(t, r.AddCallbackForQueue(regCtx, "q", "a.*", func(context.Context, Message) error { return nil }))
		cancel()

		require.NotNil(t, consumeCtx)
		assert.NoError(t, consumeCtx.Err())

		require.NoError(t, r.Close())
		assert.ErrorIs(t, consumeCtx.Err(), context.Canceled)
	})

	t.Run("closed registry rejects registrations", func(t *testing.T) {
		broker := newMockBroker()
		r := NewCallbackRegistry(broker, AllowDuplicates, true, WithLogger(quietLogger()))
		require.NoError(t, r.Close())
		require.NoError(t, r.Close())

		err := r.AddCallbackForQueue(context.Background(), "q", "a", func(context.Context, Message) error { return nil })
		assert.ErrorIs(t, err, ErrRegistryClosed)
		assert.Empty(t, r.Queues())
		broker.AssertNotCalled(t, "BindTopic", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestCallbackRegistryConcurrency(t *testing.T) {
	ctx := context.Background()
	broker := newMockBroker()
	broker.On("BindTopic", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	broker.On("Consume", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	r := NewCallbackRegistry(broker, AllowDuplicates, true, WithLogger(quietLogger()))
	var hits int64
	h := func(context.Context, Message) error {
		atomic.AddInt64(&hits, 1)
		return nil
	}

	queues := []string{"q1", "q2", "q3", "q4"}
	for _, q := range queues {
		require.NoError(t, r.AddCallbackForQueue(ctx, q, "seed.#", h))
	}

	var wg sync.WaitGroup
	for _, q := range queues {
		q := q
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = r.AddCallbackForQueue(ctx, q, "extra.*", h)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = r.Dispatch(ctx, q, Message{RoutingKey: "seed.x"})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(4*50), atomic.LoadInt64(&hits))
	for _, q := range queues {
		assert.Len(t, r.Patterns(q), 51)
	}
	broker.AssertNumberOfCalls(t, "Consume", 4)
}
