package messaging

import (
	"context"
	"fmt"
	"sync"
)

// EventListener registers event handlers on queues. Handlers sharing a queue
// share one broker subscription; several handlers may listen to the same pattern.
type EventListener struct {
	broker   Broker
	registry *CallbackRegistry
	opts     options

	mu     sync.Mutex
	direct map[string]bool
}

// NewEventListener creates a new event listener
func NewEventListener(broker Broker, opts ...Option) *EventListener {
	o := newOptions(opts)
	return &EventListener{
		broker:   broker,
		registry: NewCallbackRegistry(broker, AllowDuplicates, true, append(opts, WithMetrics(o.metrics))...),
		opts:     o,
		direct:   make(map[string]bool),
	}
}

// SetupQueueListener binds queue to pattern and calls handler for every
// matching event delivered to it.
func (l *EventListener) SetupQueueListener(ctx context.Context, queue, pattern string, handler Handler) error {
	l.mu.Lock()
	isDirect := l.direct[queue]
	l.mu.Unlock()
	if isDirect {
		return fmt.Errorf("%w: %s is consumed directly", ErrQueueInUse, queue)
	}
	return l.registry.AddCallbackForQueue(ctx, queue, pattern, handler)
}

// SetupDirectQueueListener consumes queue without topic binding or routing;
// every delivery goes to handler. A queue can have one direct listener.
func (l *EventListener) SetupDirectQueueListener(ctx context.Context, queue string, handler Handler) error {
	if err := validateQueue(queue); err != nil {
		return err
	}
	if handler == nil {
		return invalid("handler", "handler cannot be nil")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.registry.lifetime().Err() != nil {
		return ErrRegistryClosed
	}
	if l.direct[queue] || len(l.registry.Patterns(queue)) > 0 {
		return fmt.Errorf("%w: %s", ErrQueueInUse, queue)
	}

	if err := l.broker.DeclareQueue(ctx, queue, QueueOptions{Durable: true}); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	err := l.broker.Consume(l.registry.lifetime(), queue, func(ctx context.Context, msg Message) {
		if err := invokeHandler(ctx, handler, msg); err != nil {
			l.opts.logger.Error("direct handler failed",
				"queue", queue,
				"routingKey", msg.RoutingKey,
				"error", err,
			)
		}
	}, true)
	if err != nil {
		return fmt.Errorf("failed to consume queue %s: %w", queue, err)
	}

	l.direct[queue] = true
	return nil
}

// Close ends the listener's subscriptions, direct ones included.
func (l *EventListener) Close() error {
	return l.registry.Close()
}

// Registry exposes the underlying callback registry.
func (l *EventListener) Registry() *CallbackRegistry {
	return l.registry
}

// ListenFor registers a typed event handler. Payloads are decoded into T
// with the listener's codec before handler runs.
func ListenFor[T any](ctx context.Context, l *EventListener, queue, pattern string, handler func(ctx context.Context, event T) error) error {
	if handler == nil {
		return invalid("handler", "handler cannot be nil")
	}
	codec := l.opts.codec
	return l.SetupQueueListener(ctx, queue, pattern, func(ctx context.Context, msg Message) error {
		var event T
		if err := codec.Unmarshal(msg.Payload, &event); err != nil {
			return fmt.Errorf("event %s: %w", msg.RoutingKey, err)
		}
		return handler(ctx, event)
	})
}
