// Package rabbitmq implements messaging.Broker on RabbitMQ.
//
// The broker connects lazily on first use, declares the topic exchanges it
// publishes to or binds on, and restores its queues, bindings and
// subscriptions after the connection manager re-dials a lost connection.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/rabbitbus/internal/rabbitmq"
	"github.com/glimte/rabbitbus/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrClosed is returned for operations on a closed broker.
	ErrClosed = errors.New("rabbitmq: broker is closed")
	// ErrUnknownDeliveryTag is returned when acknowledging a tag that is not outstanding,
	// including tags from a channel lost to a reconnect.
	ErrUnknownDeliveryTag = errors.New("rabbitmq: unknown delivery tag")
)

var (
	_ messaging.Broker                 = (*Broker)(nil)
	_ rabbitmq.ConnectionStateListener = (*Broker)(nil)
)

type binding struct {
	queue    string
	pattern  string
	exchange string
}

type consumeRecord struct {
	ctx       context.Context
	queue     string
	onMessage messaging.DeliveryFunc
	autoAck   bool
	sub       *rabbitmq.Subscription
}

type pendingAck struct {
	queue    string
	delivery amqp.Delivery
}

// Broker is a messaging.Broker backed by a RabbitMQ connection.
type Broker struct {
	url    string
	cfg    config
	logger *slog.Logger

	manager *rabbitmq.ConnectionManager

	// mu guards the lazily built components and the recorded topology.
	mu        sync.Mutex
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	closed    bool
	exchanges map[string]bool
	queues    map[string]messaging.QueueOptions
	queueList []string
	bindings  []binding
	consumes  map[string]*consumeRecord

	ackMu   sync.Mutex
	nextTag uint64
	unacked map[uint64]pendingAck
}

// NewBroker creates a broker for url. No connection is made until the first operation.
func NewBroker(url string, opts ...Option) *Broker {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.logger)}, cfg.connectionOptions...)
	b := &Broker{
		url:       url,
		cfg:       cfg,
		logger:    cfg.logger,
		manager:   rabbitmq.NewConnectionManager(url, connOpts...),
		exchanges: make(map[string]bool),
		queues:    make(map[string]messaging.QueueOptions),
		consumes:  make(map[string]*consumeRecord),
		unacked:   make(map[uint64]pendingAck),
	}
	b.manager.AddStateListener(b)
	return b
}

// EnsureConnection implements messaging.Broker
func (b *Broker) EnsureConnection(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ensureLocked(ctx)
}

func (b *Broker) ensureLocked(ctx context.Context) error {
	if b.closed {
		return ErrClosed
	}
	if b.pool != nil {
		// Later connection losses are handled by the manager's reconnect loop.
		return nil
	}

	if err := b.manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	poolOpts := append([]rabbitmq.ChannelPoolOption{rabbitmq.WithPoolLogger(b.logger)}, b.cfg.poolOptions...)
	pool, err := rabbitmq.NewChannelPool(b.manager, poolOpts...)
	if err != nil {
		return fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(b.logger)}, b.cfg.publisherOptions...)
	consOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(b.logger)}, b.cfg.consumerOptions...)

	b.pool = pool
	b.publisher = rabbitmq.NewPublisher(pool, pubOpts...)
	b.consumer = rabbitmq.NewConsumer(b.manager, consOpts...)
	b.topology = rabbitmq.NewTopologyManager(pool)

	if b.cfg.hasQos {
		if err := b.consumer.SetQos(b.cfg.prefetchSize, b.cfg.prefetchCount); err != nil {
			return err
		}
	}

	return b.ensureExchangeLocked(ctx, b.cfg.defaultExchange)
}

func (b *Broker) exchangeName(exchange string) string {
	if exchange == "" {
		return b.cfg.defaultExchange
	}
	return exchange
}

func (b *Broker) ensureExchangeLocked(ctx context.Context, name string) error {
	if b.exchanges[name] {
		return nil
	}
	if err := b.topology.DeclareExchange(ctx, rabbitmq.TopicExchange(name)); err != nil {
		return err
	}
	b.exchanges[name] = true
	return nil
}

// DeclareQueue implements messaging.Broker
func (b *Broker) DeclareQueue(ctx context.Context, queue string, options messaging.QueueOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLocked(ctx); err != nil {
		return err
	}
	return b.declareQueueLocked(ctx, queue, options)
}

func (b *Broker) declareQueueLocked(ctx context.Context, queue string, options messaging.QueueOptions) error {
	if _, ok := b.queues[queue]; ok {
		return nil
	}
	_, err := b.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:       queue,
		Durable:    options.Durable,
		AutoDelete: options.AutoDelete,
		Exclusive:  options.Exclusive,
		Arguments:  amqp.Table(options.Args),
	})
	if err != nil {
		return err
	}
	b.queues[queue] = options
	b.queueList = append(b.queueList, queue)
	return nil
}

// BindTopic implements messaging.Broker. A queue not declared through this
// broker is declared durable first.
func (b *Broker) BindTopic(ctx context.Context, queue, pattern, exchange string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLocked(ctx); err != nil {
		return err
	}

	bd := binding{queue: queue, pattern: pattern, exchange: b.exchangeName(exchange)}
	for _, existing := range b.bindings {
		if existing == bd {
			return nil
		}
	}

	if err := b.ensureExchangeLocked(ctx, bd.exchange); err != nil {
		return err
	}
	if err := b.declareQueueLocked(ctx, queue, messaging.QueueOptions{Durable: true}); err != nil {
		return err
	}
	if err := b.bindLocked(ctx, bd); err != nil {
		return err
	}
	b.bindings = append(b.bindings, bd)
	return nil
}

func (b *Broker) bindLocked(ctx context.Context, bd binding) error {
	return b.topology.BindQueue(ctx, rabbitmq.Binding{
		Queue:      bd.queue,
		Exchange:   bd.exchange,
		RoutingKey: bd.pattern,
	})
}

// Publish implements messaging.Broker
func (b *Broker) Publish(ctx context.Context, msg messaging.Message, exchange string) error {
	b.mu.Lock()
	if err := b.ensureLocked(ctx); err != nil {
		b.mu.Unlock()
		return err
	}
	exchange = b.exchangeName(exchange)
	if err := b.ensureExchangeLocked(ctx, exchange); err != nil {
		b.mu.Unlock()
		return err
	}
	publisher := b.publisher
	b.mu.Unlock()

	return publisher.Publish(ctx, exchange, msg.RoutingKey, toPublishing(msg))
}

// Consume implements messaging.Broker. Each queue gets a dedicated channel.
func (b *Broker) Consume(ctx context.Context, queue string, onMessage messaging.DeliveryFunc, autoAck bool) error {
	if onMessage == nil {
		return fmt.Errorf("rabbitmq: delivery callback cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLocked(ctx); err != nil {
		return err
	}
	if rec, ok := b.consumes[queue]; ok && rec.ctx.Err() == nil {
		return fmt.Errorf("rabbitmq: queue %s already has a consumer", queue)
	}

	rec := &consumeRecord{ctx: ctx, queue: queue, onMessage: onMessage, autoAck: autoAck}
	if err := b.subscribeLocked(rec); err != nil {
		return err
	}
	b.consumes[queue] = rec
	return nil
}

func (b *Broker) subscribeLocked(rec *consumeRecord) error {
	sub, err := b.consumer.Subscribe(rec.ctx, rec.queue, rec.autoAck, b.deliveryHandler(rec))
	if err != nil {
		return err
	}
	rec.sub = sub
	return nil
}

func (b *Broker) deliveryHandler(rec *consumeRecord) rabbitmq.DeliveryHandler {
	return func(ctx context.Context, d amqp.Delivery) {
		msg := fromDelivery(d)
		if !rec.autoAck {
			msg.DeliveryTag = b.track(rec.queue, d)
		}
		rec.onMessage(ctx, msg)
	}
}

// track maps a channel-scoped AMQP delivery tag to a broker-wide one.
func (b *Broker) track(queue string, d amqp.Delivery) uint64 {
	b.ackMu.Lock()
	defer b.ackMu.Unlock()
	b.nextTag++
	b.unacked[b.nextTag] = pendingAck{queue: queue, delivery: d}
	return b.nextTag
}

// Acknowledge implements messaging.Broker
func (b *Broker) Acknowledge(deliveryTag uint64, multiple bool) error {
	b.ackMu.Lock()
	pending, ok := b.unacked[deliveryTag]
	if !ok {
		b.ackMu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownDeliveryTag, deliveryTag)
	}
	delete(b.unacked, deliveryTag)
	if multiple {
		for tag, p := range b.unacked {
			if tag < deliveryTag && p.queue == pending.queue && p.delivery.Acknowledger == pending.delivery.Acknowledger {
				delete(b.unacked, tag)
			}
		}
	}
	b.ackMu.Unlock()

	return pending.delivery.Ack(multiple)
}

// Unacked returns the number of outstanding manual-ack deliveries.
func (b *Broker) Unacked() int {
	b.ackMu.Lock()
	defer b.ackMu.Unlock()
	return len(b.unacked)
}

// SetQos implements messaging.Broker
func (b *Broker) SetQos(prefetchSize, prefetchCount int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cfg.prefetchSize = prefetchSize
	b.cfg.prefetchCount = prefetchCount
	b.cfg.hasQos = true
	if b.consumer == nil {
		return nil
	}
	return b.consumer.SetQos(prefetchSize, prefetchCount)
}

// Close implements messaging.Broker
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumer, publisher, pool := b.consumer, b.publisher, b.pool
	b.mu.Unlock()

	if consumer != nil {
		consumer.UnsubscribeAll()
	}
	if publisher != nil {
		_ = publisher.Close()
	}
	if pool != nil {
		_ = pool.Close()
	}
	return b.manager.Close()
}

// OnConnected restores topology and subscriptions on a fresh connection.
// Exclusive and auto-delete queues die with the old connection, so every
// recorded declaration is replayed.
func (b *Broker) OnConnected() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.topology == nil {
		return
	}
	ctx := context.Background()

	for name := range b.exchanges {
		if err := b.topology.DeclareExchange(ctx, rabbitmq.TopicExchange(name)); err != nil {
			b.logger.Error("failed to restore exchange", "exchange", name, "error", err)
		}
	}
	for _, queue := range b.queueList {
		opts := b.queues[queue]
		_, err := b.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
			Name:       queue,
			Durable:    opts.Durable,
			AutoDelete: opts.AutoDelete,
			Exclusive:  opts.Exclusive,
			Arguments:  amqp.Table(opts.Args),
		})
		if err != nil {
			b.logger.Error("failed to restore queue", "queue", queue, "error", err)
		}
	}
	for _, bd := range b.bindings {
		if err := b.bindLocked(ctx, bd); err != nil {
			b.logger.Error("failed to restore binding", "queue", bd.queue, "pattern", bd.pattern, "error", err)
		}
	}
	for queue, rec := range b.consumes {
		if rec.ctx.Err() != nil {
			delete(b.consumes, queue)
			continue
		}
		if rec.sub != nil {
			select {
			case <-rec.sub.Done():
			default:
				continue
			}
		}
		if err := b.subscribeLocked(rec); err != nil {
			b.logger.Error("failed to restore subscription", "queue", queue, "error", err)
			continue
		}
		b.logger.Info("subscription restored", "queue", queue)
	}
}

// OnDisconnected drops outstanding acks; the server redelivers them.
func (b *Broker) OnDisconnected(err error) {
	b.ackMu.Lock()
	dropped := len(b.unacked)
	b.unacked = make(map[uint64]pendingAck)
	b.ackMu.Unlock()

	b.logger.Warn("broker connection lost", "error", err, "droppedAcks", dropped)
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (b *Broker) OnReconnecting(attempt int) {
	b.logger.Info("broker reconnecting", "attempt", attempt)
}
