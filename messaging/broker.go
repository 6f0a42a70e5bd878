package messaging

import "context"

// DefaultExchange is the topic exchange used when callers pass an empty exchange name.
const DefaultExchange = "rabbitbus.topic"

// DeliveryFunc receives one inbound message from a queue subscription.
type DeliveryFunc func(ctx context.Context, msg Message)

// QueueOptions defines options for queue creation
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       map[string]interface{}
}

// Broker is the message-broker collaborator consumed by the registries,
// publishers and listeners in this package.
//
// An empty exchange argument selects the implementation's default topic exchange.
type Broker interface {
	// EnsureConnection connects if needed. Safe to call repeatedly.
	EnsureConnection(ctx context.Context) error

	// DeclareQueue creates a queue with explicit options if it does not exist yet.
	DeclareQueue(ctx context.Context, queue string, options QueueOptions) error

	// BindTopic creates queue if absent and binds it to pattern on exchange.
	BindTopic(ctx context.Context, queue, pattern, exchange string) error

	// Publish sends msg under msg.RoutingKey.
	Publish(ctx context.Context, msg Message, exchange string) error

	// Consume registers onMessage as the single delivery callback for queue.
	// Deliveries stop when ctx is cancelled or the broker is closed.
	Consume(ctx context.Context, queue string, onMessage DeliveryFunc, autoAck bool) error

	// Acknowledge acks a delivery received with autoAck disabled.
	Acknowledge(deliveryTag uint64, multiple bool) error

	// SetQos applies prefetch limits to subsequent consumers.
	SetQos(prefetchSize, prefetchCount int) error

	// Close releases all broker resources.
	Close() error
}
