package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glimte/rabbitbus/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	msgs []messaging.Message
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 100)}
}

func (c *collector) deliver(_ context.Context, msg messaging.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []messaging.Message {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]messaging.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func TestBroker(t *testing.T) {
	ctx := context.Background()

	t.Run("routes by pattern", func(t *testing.T) {
		b := NewBroker()
		defer b.Close()

		require.NoError(t, b.BindTopic(ctx, "orders", "order.*", ""))
		c := newCollector()
		require.NoError(t, b.Consume(ctx, "orders", c.deliver, true))

		require.NoError(t, b.Publish(ctx, messaging.Message{RoutingKey: "order.placed", Payload: []byte("1")}, ""))
		require.NoError(t, b.Publish(ctx, messaging.Message{RoutingKey: "invoice.sent", Payload: []byte("2")}, ""))
		require.NoError(t, b.Publish(ctx, messaging.Message{RoutingKey: "order.shipped", Payload: []byte("3")}, ""))

		msgs := c.wait(t, 2)
		require.Len(t, msgs, 2)
		assert.Equal(t, "order.placed", msgs[0].RoutingKey)
		assert.Equal(t, "order.shipped", msgs[1].RoutingKey)
		assert.NotZero(t, msgs[0].DeliveryTag)
		assert.NotEqual(t, msgs[0].DeliveryTag, msgs[1].DeliveryTag)
	})

	t.Run("delivers once per queue with overlapping bindings", func(t *testing.T) {
		b := NewBroker()
		defer b.Close()

		require.NoError(t, b.BindTopic(ctx, "q", "a.*", ""))
		require.NoError(t, b.BindTopic(ctx, "q", "a.#", ""))
		require.NoError(t, b.BindTopic(ctx, "q", "a.*", ""))
		assert.Equal(t, []string{"a.*", "a.#"}, b.Bindings("q", ""))

		require.NoError(t, b.Publish(ctx, messaging.Message{RoutingKey: "a.b"}, ""))
		assert.Equal(t, 1, b.Depth("q"))
	})

	t.Run("buffers until a consumer arrives", func(t *testing.T) {
		b := NewBroker()
		defer b.Close()

		require.NoError(t, b.BindTopic(ctx, "late", "x", ""))
		require.NoError(t, b.Publish(ctx, messaging.Message{RoutingKey: "x"}, ""))
		assert.Equal(t, 1, b.Depth("late"))

		c := newCollector()
		require.NoError(t, b.Consume(ctx, "late", c.deliver, true))
		assert.Len(t, c.wait(t, 1), 1)
	})

	t.Run("exchanges are isolated", func(t *testing.T) {
		b := NewBroker()
		defer b.Close()

		require.NoError(t, b.BindTopic(ctx, "q", "#", "other"))
		require.NoError(t, b.Publish(ctx, messaging.Message{RoutingKey: "a"}, ""))
		assert.Equal(t, 0, b.Depth("q"))
		require.NoError(t, b.Publish(ctx, messaging.Message{RoutingKey: "a"}, "other"))
		assert.Equal(t, 1, b.Depth("q"))
	})

	t.Run("rejects a second consumer", func(t *testing.T) {
		b := NewBroker()
		defer b.Close()

		require.NoError(t, b.DeclareQueue(ctx, "q", messaging.QueueOptions{}))
		require.NoError(t, b.Consume(ctx, "q", func(context.Context, messaging.Message) {}, true))
		assert.ErrorIs(t, b.Consume(ctx, "q", func(context.Context, messaging.Message) {}, true), ErrAlreadyConsuming)
	})

	t.Run("rejects unknown queues", func(t *testing.T) {
		b := NewBroker()
		defer b.Close()
		assert.ErrorIs(t, b.Consume(ctx, "nope", func(context.Context, messaging.Message) {}, true), ErrUnknownQueue)
	})

	t.Run("rejects wildcard routing keys on publish", func(t *testing.T) {
		b := NewBroker()
		defer b.Close()
		assert.Error(t, b.Publish(ctx, messaging.Message{RoutingKey: "a.*"}, ""))
		assert.Error(t, b.Publish(ctx, messaging.Message{RoutingKey: ""}, ""))
	})

	t.Run("tracks manual acknowledgements", func(t *testing.T) {
		b := NewBroker()
		defer b.Close()

		require.NoError(t, b.BindTopic(ctx, "q", "#", ""))
		c := newCollector()
		require.NoError(t, b.Consume(ctx, "q", c.deliver, false))

		require.NoError(t, b.Publish(ctx, messaging.Message{RoutingKey: "a"}, ""))
		require.NoError(t, b.Publish(ctx, messaging.Message{RoutingKey: "b"}, ""))
		require.NoError(t, b.Publish(ctx, messaging.Message{RoutingKey: "c"}, ""))
		msgs := c.wait(t, 3)
		assert.Equal(t, 3, b.Unacked())

		require.NoError(t, b.Acknowledge(msgs[0].DeliveryTag, false))
		assert.Equal(t, 2, b.Unacked())
		assert.ErrorIs(t, b.Acknowledge(msgs[0].DeliveryTag, false), ErrUnknownDeliveryTag)

		require.NoError(t, b.Acknowledge(msgs[2].DeliveryTag, true))
		assert.Equal(t, 0, b.Unacked())
	})

	t.Run("closed broker refuses work", func(t *testing.T) {
		b := NewBroker()
		require.NoError(t, b.Close())
		require.NoError(t, b.Close())

		assert.ErrorIs(t, b.EnsureConnection(ctx), ErrClosed)
		assert.ErrorIs(t, b.BindTopic(ctx, "q", "a", ""), ErrClosed)
		assert.ErrorIs(t, b.Publish(ctx, messaging.Message{RoutingKey: "a"}, ""), ErrClosed)
	})

	t.Run("records qos", func(t *testing.T) {
		b := NewBroker()
		defer b.Close()
		require.NoError(t, b.SetQos(0, 5))
		assert.Equal(t, 5, b.prefetchCount)
	})
}
