package rabbitmq

import (
	"strconv"
	"time"

	"github.com/glimte/rabbitbus/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultContentType = "application/json"

// toPublishing maps a message onto AMQP properties. Events are persistent;
// command and reply traffic is transient.
func toPublishing(msg messaging.Message) amqp.Publishing {
	p := amqp.Publishing{
		ContentType:   defaultContentType,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		MessageId:     uuid.New().String(),
		Timestamp:     msg.Timestamp,
		Body:          msg.Payload,
		DeliveryMode:  amqp.Persistent,
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	if msg.CorrelationID != "" {
		p.DeliveryMode = amqp.Transient
	}

	headers := amqp.Table{}
	for k, v := range msg.Headers {
		if k == messaging.HeaderContentType {
			if ct, ok := v.(string); ok && ct != "" {
				p.ContentType = ct
			}
			continue
		}
		headers[k] = v
	}
	if msg.IsError {
		headers[messaging.HeaderIsError] = true
	} else {
		delete(headers, messaging.HeaderIsError)
	}
	if len(headers) > 0 {
		p.Headers = headers
	}
	return p
}

// fromDelivery maps an AMQP delivery back to a message. DeliveryTag is the
// channel-scoped AMQP tag; the broker replaces it for manual-ack subscriptions.
func fromDelivery(d amqp.Delivery) messaging.Message {
	msg := messaging.Message{
		RoutingKey:    d.RoutingKey,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		Payload:       d.Body,
		IsError:       isErrorHeader(d.Headers[messaging.HeaderIsError]),
		DeliveryTag:   d.DeliveryTag,
		Timestamp:     d.Timestamp,
		Headers:       make(map[string]interface{}, len(d.Headers)+1),
	}
	for k, v := range d.Headers {
		msg.Headers[k] = v
	}
	if d.ContentType != "" {
		msg.Headers[messaging.HeaderContentType] = d.ContentType
	}
	return msg
}

func isErrorHeader(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, err := strconv.ParseBool(val)
		return err == nil && b
	case int32:
		return val != 0
	case int64:
		return val != 0
	default:
		return false
	}
}
