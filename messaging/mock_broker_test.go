package messaging

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/stretchr/testify/mock"
)

// mockBroker records calls and keeps delivery callbacks for simulation.
type mockBroker struct {
	mock.Mock
	mu        sync.Mutex
	consumers map[string]DeliveryFunc
	published []Message
}

func newMockBroker() *mockBroker {
	return &mockBroker{consumers: make(map[string]DeliveryFunc)}
}

func (m *mockBroker) EnsureConnection(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockBroker) DeclareQueue(ctx context.Context, queue string, options QueueOptions) error {
	return m.Called(ctx, queue, options).Error(0)
}

func (m *mockBroker) BindTopic(ctx context.Context, queue, pattern, exchange string) error {
	return m.Called(ctx, queue, pattern, exchange).Error(0)
}

func (m *mockBroker) Publish(ctx context.Context, msg Message, exchange string) error {
	m.mu.Lock()
	m.published = append(m.published, msg)
	m.mu.Unlock()
	return m.Called(ctx, msg, exchange).Error(0)
}

func (m *mockBroker) Consume(ctx context.Context, queue string, onMessage DeliveryFunc, autoAck bool) error {
	args := m.Called(ctx, queue, onMessage, autoAck)
	if args.Error(0) == nil {
		m.mu.Lock()
		m.consumers[queue] = onMessage
		m.mu.Unlock()
	}
	return args.Error(0)
}

func (m *mockBroker) Acknowledge(deliveryTag uint64, multiple bool) error {
	return m.Called(deliveryTag, multiple).Error(0)
}

func (m *mockBroker) SetQos(prefetchSize, prefetchCount int) error {
	return m.Called(prefetchSize, prefetchCount).Error(0)
}

func (m *mockBroker) Close() error {
	return m.Called().Error(0)
}

// deliver simulates the broker invoking the queue's consumer.
func (m *mockBroker) deliver(ctx context.Context, queue string, msg Message) bool {
	m.mu.Lock()
	fn, ok := m.consumers[queue]
	m.mu.Unlock()
	if ok {
		fn(ctx, msg)
	}
	return ok
}

func (m *mockBroker) lastPublished() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.published) == 0 {
		return Message{}, false
	}
	return m.published[len(m.published)-1], true
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
