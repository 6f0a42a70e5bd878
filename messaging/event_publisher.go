package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/rabbitbus/topic"
)

// EventPublisher encodes payloads and publishes them under a routing key.
type EventPublisher struct {
	broker Broker
	opts   options
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(broker Broker, opts ...Option) *EventPublisher {
	return &EventPublisher{
		broker: broker,
		opts:   newOptions(opts),
	}
}

// SendEvent publishes payload to the exchange under routingKey.
func (p *EventPublisher) SendEvent(ctx context.Context, payload interface{}, routingKey string) error {
	if isNilPayload(payload) {
		return invalid("payload", "payload cannot be nil")
	}
	if err := topic.ValidateRoutingKey(routingKey); err != nil {
		return invalidErr("routing key", "cannot publish event", err)
	}

	body, err := p.opts.codec.Marshal(payload)
	if err != nil {
		return err
	}

	msg := Message{
		RoutingKey: routingKey,
		Payload:    body,
		Timestamp:  time.Now().UTC(),
		Headers: map[string]interface{}{
			HeaderContentType: p.opts.codec.ContentType(),
		},
	}

	if err := p.broker.Publish(ctx, msg, p.opts.exchange); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", routingKey, err)
	}

	p.opts.metrics.recordEvent(ctx, routingKey)
	p.opts.logger.Debug("event published", "routingKey", routingKey, "bytes", len(body))
	return nil
}
