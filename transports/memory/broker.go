// Package memory provides an in-process topic exchange implementing
// messaging.Broker. It is meant for tests, examples and single-process setups.
//
// Routing follows the topic package: a message reaches every queue holding at
// least one binding whose pattern matches the routing key, once per queue.
// Each consumed queue is delivered sequentially on its own goroutine, so
// different queues are dispatched concurrently.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/rabbitbus/messaging"
	"github.com/glimte/rabbitbus/topic"
)

var (
	// ErrClosed is returned for operations on a closed broker.
	ErrClosed = errors.New("memory: broker is closed")
	// ErrAlreadyConsuming is returned when a queue already has a consumer.
	ErrAlreadyConsuming = errors.New("memory: queue already has a consumer")
	// ErrUnknownQueue is returned when consuming a queue that was never declared.
	ErrUnknownQueue = errors.New("memory: unknown queue")
	// ErrUnknownDeliveryTag is returned when acknowledging a tag that is not outstanding.
	ErrUnknownDeliveryTag = errors.New("memory: unknown delivery tag")
)

type queue struct {
	name      string
	options   messaging.QueueOptions
	messages  chan messaging.Message
	consuming bool
}

// Broker is an in-memory messaging.Broker.
type Broker struct {
	mu       sync.RWMutex
	queues   map[string]*queue
	bindings map[string]map[string][]string // exchange -> queue -> patterns
	unacked  map[uint64]string              // delivery tag -> queue
	nextTag  uint64
	closed   bool

	prefetchSize  int
	prefetchCount int

	defaultExchange string
	bufferSize      int
	logger          *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures the broker
type Option func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithBufferSize sets how many undelivered messages a queue holds before publishers block.
func WithBufferSize(size int) Option {
	return func(b *Broker) {
		b.bufferSize = size
	}
}

// WithDefaultExchange sets the exchange used when callers pass an empty name.
func WithDefaultExchange(name string) Option {
	return func(b *Broker) {
		b.defaultExchange = name
	}
}

// NewBroker creates a new in-memory broker
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		queues:          make(map[string]*queue),
		bindings:        make(map[string]map[string][]string),
		unacked:         make(map[uint64]string),
		defaultExchange: messaging.DefaultExchange,
		bufferSize:      1024,
		logger:          slog.Default(),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.bufferSize < 1 {
		b.bufferSize = 1
	}
	return b
}

// EnsureConnection implements messaging.Broker
func (b *Broker) EnsureConnection(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// DeclareQueue implements messaging.Broker
func (b *Broker) DeclareQueue(ctx context.Context, name string, options messaging.QueueOptions) error {
	if name == "" {
		return fmt.Errorf("memory: queue name cannot be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.declareLocked(name, options)
	return nil
}

func (b *Broker) declareLocked(name string, options messaging.QueueOptions) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{
			name:     name,
			options:  options,
			messages: make(chan messaging.Message, b.bufferSize),
		}
		b.queues[name] = q
	}
	return q
}

// BindTopic implements messaging.Broker
func (b *Broker) BindTopic(ctx context.Context, queueName, pattern, exchange string) error {
	if queueName == "" {
		return fmt.Errorf("memory: queue name cannot be empty")
	}
	if err := topic.ValidatePattern(pattern); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	b.declareLocked(queueName, messaging.QueueOptions{Durable: true})

	exchange = b.exchangeName(exchange)
	byQueue, ok := b.bindings[exchange]
	if !ok {
		byQueue = make(map[string][]string)
		b.bindings[exchange] = byQueue
	}
	for _, existing := range byQueue[queueName] {
		if existing == pattern {
			return nil
		}
	}
	byQueue[queueName] = append(byQueue[queueName], pattern)
	return nil
}

// Publish implements messaging.Broker
func (b *Broker) Publish(ctx context.Context, msg messaging.Message, exchange string) error {
	if err := topic.ValidateRoutingKey(msg.RoutingKey); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	targets := b.routeLocked(b.exchangeName(exchange), msg.RoutingKey)
	deliveries := make([]messaging.Message, len(targets))
	for i := range targets {
		b.nextTag++
		d := msg
		d.DeliveryTag = b.nextTag
		if d.Timestamp.IsZero() {
			d.Timestamp = time.Now().UTC()
		}
		deliveries[i] = d
	}
	b.mu.Unlock()

	if len(targets) == 0 {
		b.logger.Debug("message unroutable", "routingKey", msg.RoutingKey)
		return nil
	}

	for i, q := range targets {
		select {
		case q.messages <- deliveries[i]:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		}
	}
	return nil
}

// routeLocked returns each queue with a binding matching routingKey, once.
func (b *Broker) routeLocked(exchange, routingKey string) []*queue {
	var targets []*queue
	for name, patterns := range b.bindings[exchange] {
		if len(topic.Match(routingKey, patterns)) == 0 {
			continue
		}
		if q, ok := b.queues[name]; ok {
			targets = append(targets, q)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].name < targets[j].name })
	return targets
}

// Consume implements messaging.Broker
func (b *Broker) Consume(ctx context.Context, queueName string, onMessage messaging.DeliveryFunc, autoAck bool) error {
	if onMessage == nil {
		return fmt.Errorf("memory: delivery callback cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	if q.consuming {
		return fmt.Errorf("%w: %s", ErrAlreadyConsuming, queueName)
	}
	q.consuming = true

	b.wg.Add(1)
	go b.deliver(ctx, q, onMessage, autoAck)
	return nil
}

func (b *Broker) deliver(ctx context.Context, q *queue, onMessage messaging.DeliveryFunc, autoAck bool) {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case <-ctx.Done():
			b.mu.Lock()
			q.consuming = false
			b.mu.Unlock()
			return
		case msg := <-q.messages:
			if !autoAck {
				b.mu.Lock()
				b.unacked[msg.DeliveryTag] = q.name
				b.mu.Unlock()
			}
			onMessage(ctx, msg)
		}
	}
}

// Acknowledge implements messaging.Broker
func (b *Broker) Acknowledge(deliveryTag uint64, multiple bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	queueName, ok := b.unacked[deliveryTag]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDeliveryTag, deliveryTag)
	}
	delete(b.unacked, deliveryTag)

	if multiple {
		for tag, name := range b.unacked {
			if name == queueName && tag < deliveryTag {
				delete(b.unacked, tag)
			}
		}
	}
	return nil
}

// SetQos implements messaging.Broker. Limits are recorded but deliveries
// are always sequential per queue.
func (b *Broker) SetQos(prefetchSize, prefetchCount int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prefetchSize = prefetchSize
	b.prefetchCount = prefetchCount
	return nil
}

// Close implements messaging.Broker
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// Unacked returns the number of outstanding manual-ack deliveries.
func (b *Broker) Unacked() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.unacked)
}

// Bindings returns the patterns bound to queue on exchange.
func (b *Broker) Bindings(queueName, exchange string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	patterns := b.bindings[b.exchangeName(exchange)][queueName]
	out := make([]string, len(patterns))
	copy(out, patterns)
	return out
}

// Depth returns the number of messages waiting in queue.
func (b *Broker) Depth(queueName string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.messages)
	}
	return 0
}

func (b *Broker) exchangeName(exchange string) string {
	if exchange == "" {
		return b.defaultExchange
	}
	return exchange
}
