package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery. Deliveries of a subscription are
// handled sequentially, in arrival order.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer opens subscriptions, each on a dedicated channel so that QoS and
// delivery tags are scoped to one queue.
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	prefetchSize  int
	logger        *slog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
}

// Subscription is one active basic.consume.
type Subscription struct {
	Queue       string
	ConsumerTag string
	AutoAck     bool

	channel *amqp.Channel
	cancel  context.CancelFunc
	done    chan struct{}
}

// Done is closed when the subscription has stopped, whether cancelled or
// because its channel was lost.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the per-subscription prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 10,
		logger:        slog.Default(),
		subs:          make(map[string]*Subscription),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// SetQos changes the prefetch limits for current and future subscriptions.
func (c *Consumer) SetQos(prefetchSize, prefetchCount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prefetchSize = prefetchSize
	c.prefetchCount = prefetchCount

	for queue, sub := range c.subs {
		if err := sub.channel.Qos(prefetchCount, prefetchSize, false); err != nil {
			return &ConsumerError{Queue: queue, ConsumerTag: sub.ConsumerTag, Op: "qos", Err: err, Timestamp: time.Now()}
		}
	}
	return nil
}

// Subscribe starts consuming queue. The subscription lasts until ctx ends,
// Unsubscribe is called or the channel is lost.
func (c *Consumer) Subscribe(ctx context.Context, queue string, autoAck bool, handler DeliveryHandler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: nil delivery handler", ErrInvalidConfiguration)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.subs[queue]; ok {
		select {
		case <-existing.done:
			delete(c.subs, queue)
		default:
			return nil, &ConsumerError{Queue: queue, ConsumerTag: existing.ConsumerTag, Op: "subscribe",
				Err: fmt.Errorf("queue already consumed"), Timestamp: time.Now()}
		}
	}

	tag := "rabbitbus-" + uuid.New().String()
	fail := func(op string, err error) (*Subscription, error) {
		return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: op, Err: err, Timestamp: time.Now()}
	}

	ch, err := c.manager.Channel()
	if err != nil {
		return fail("subscribe", err)
	}

	if err := ch.Qos(c.prefetchCount, c.prefetchSize, false); err != nil {
		_ = ch.Close()
		return fail("qos", err)
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		autoAck,
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return fail("consume", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		Queue:       queue,
		ConsumerTag: tag,
		AutoAck:     autoAck,
		channel:     ch,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	c.subs[queue] = sub

	go c.processMessages(subCtx, sub, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
		"autoAck", autoAck,
	)
	return sub, nil
}

func (c *Consumer) processMessages(ctx context.Context, sub *Subscription, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		_ = sub.channel.Close()
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.Queue, "consumerTag", sub.ConsumerTag)
	}()

	for {
		select {
		case <-ctx.Done():
			_ = sub.channel.Cancel(sub.ConsumerTag, false)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.Queue)
				return
			}
			c.handle(ctx, sub, delivery, handler)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, sub *Subscription, delivery amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("delivery handler panicked",
				"queue", sub.Queue,
				"messageId", delivery.MessageId,
				"panic", r,
			)
		}
	}()
	handler(ctx, delivery)
}

// Unsubscribe stops consuming queue and waits for the in-flight delivery to finish.
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	sub, ok := c.subs[queue]
	delete(c.subs, queue)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no active consumer for queue: %s", queue)
	}

	sub.cancel()
	<-sub.done
	return nil
}

// UnsubscribeAll stops every subscription
func (c *Consumer) UnsubscribeAll() {
	var wg sync.WaitGroup
	for _, queue := range c.ActiveQueues() {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := c.Unsubscribe(queue); err != nil {
				c.logger.Debug("unsubscribe", "queue", queue, "error", err)
			}
		}(queue)
	}
	wg.Wait()
}

// ActiveQueues returns the queues with a subscription, sorted.
func (c *Consumer) ActiveQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.subs))
	for q := range c.subs {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues
}
