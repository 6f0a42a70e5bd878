package rabbitmq

import (
	"testing"
	"time"

	"github.com/glimte/rabbitbus/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToPublishing(t *testing.T) {
	t.Run("event", func(t *testing.T) {
		ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		p := toPublishing(messaging.Message{
			RoutingKey: "order.placed",
			Payload:    []byte(`{"id":1}`),
			Timestamp:  ts,
			Headers: map[string]interface{}{
				messaging.HeaderContentType: "application/json",
				"tenant":                    "acme",
			},
		})

		assert.Equal(t, "application/json", p.ContentType)
		assert.Equal(t, amqp.Persistent, p.DeliveryMode)
		assert.Equal(t, ts, p.Timestamp)
		assert.Equal(t, []byte(`{"id":1}`), p.Body)
		assert.NotEmpty(t, p.MessageId)
		assert.Empty(t, p.CorrelationId)
		assert.Equal(t, amqp.Table{"tenant": "acme"}, p.Headers)
	})

	t.Run("command", func(t *testing.T) {
		p := toPublishing(messaging.Message{
			RoutingKey:    "fib",
			CorrelationID: "c-1",
			ReplyTo:       "reply.abc",
			Payload:       []byte(`{"n":10}`),
		})

		assert.Equal(t, "c-1", p.CorrelationId)
		assert.Equal(t, "reply.abc", p.ReplyTo)
		assert.Equal(t, amqp.Transient, p.DeliveryMode)
		assert.False(t, p.Timestamp.IsZero())
		assert.Nil(t, p.Headers)
	})

	t.Run("error reply", func(t *testing.T) {
		p := toPublishing(messaging.Message{
			RoutingKey:    "reply.abc",
			CorrelationID: "c-1",
			IsError:       true,
		})
		assert.Equal(t, true, p.Headers[messaging.HeaderIsError])
	})

	t.Run("stale error header is not forwarded", func(t *testing.T) {
		p := toPublishing(messaging.Message{
			RoutingKey: "a.b",
			Headers:    map[string]interface{}{messaging.HeaderIsError: true},
		})
		assert.Nil(t, p.Headers)
	})

	t.Run("message ids are unique", func(t *testing.T) {
		a := toPublishing(messaging.Message{RoutingKey: "a"})
		b := toPublishing(messaging.Message{RoutingKey: "a"})
		assert.NotEqual(t, a.MessageId, b.MessageId)
	})
}

func TestFromDelivery(t *testing.T) {
	ts := time.Now().UTC()
	msg := fromDelivery(amqp.Delivery{
		RoutingKey:    "reply.abc",
		CorrelationId: "c-1",
		ReplyTo:       "",
		ContentType:   "application/json",
		Body:          []byte(`{"type":"*errors.errorString"}`),
		DeliveryTag:   9,
		Timestamp:     ts,
		Headers:       amqp.Table{messaging.HeaderIsError: true, "tenant": "acme"},
	})

	assert.Equal(t, "reply.abc", msg.RoutingKey)
	assert.Equal(t, "c-1", msg.CorrelationID)
	assert.True(t, msg.IsError)
	assert.Equal(t, uint64(9), msg.DeliveryTag)
	assert.Equal(t, ts, msg.Timestamp)
	assert.Equal(t, "acme", msg.Header("tenant"))
	assert.Equal(t, "application/json", msg.Header(messaging.HeaderContentType))
}

func TestRoundTripThroughAMQPProperties(t *testing.T) {
	original := messaging.Message{
		RoutingKey:    "reply.abc",
		CorrelationID: "c-9",
		ReplyTo:       "reply.xyz",
		Payload:       []byte(`55`),
		IsError:       false,
		Headers:       map[string]interface{}{messaging.HeaderContentType: "application/json"},
	}
	p := toPublishing(original)

	got := fromDelivery(amqp.Delivery{
		RoutingKey:    original.RoutingKey,
		CorrelationId: p.CorrelationId,
		ReplyTo:       p.ReplyTo,
		ContentType:   p.ContentType,
		Body:          p.Body,
		Headers:       p.Headers,
		Timestamp:     p.Timestamp,
	})

	require.Equal(t, original.CorrelationID, got.CorrelationID)
	assert.Equal(t, original.ReplyTo, got.ReplyTo)
	assert.Equal(t, original.Payload, got.Payload)
	assert.False(t, got.IsError)
}

func TestIsErrorHeader(t *testing.T) {
	tests := []struct {
		value interface{}
		want  bool
	}{
		{true, true},
		{false, false},
		{"true", true},
		{"1", true},
		{"no", false},
		{int32(1), true},
		{int64(0), false},
		{nil, false},
		{3.5, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isErrorHeader(tt.value), "%v", tt.value)
	}
}
