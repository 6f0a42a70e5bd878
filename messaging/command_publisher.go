package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/rabbitbus/topic"
	"github.com/google/uuid"
)

// ReplyQueuePrefix prefixes generated reply queue names.
const ReplyQueuePrefix = "reply."

// CommandPublisher sends commands and waits for their correlated replies.
//
// It owns one private reply queue with one broker subscription for its whole
// lifetime; replies for all in-flight commands arrive there and are routed by
// correlation id. The subscription ends on Close, not with the context given
// to NewCommandPublisher.
type CommandPublisher struct {
	broker     Broker
	opts       options
	replyQueue string
	cancel     context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan Message
	closed  bool

	bindMu sync.Mutex
	bound  map[string]struct{}
}

// NewCommandPublisher declares the reply queue and subscribes to it.
func NewCommandPublisher(ctx context.Context, broker Broker, opts ...Option) (*CommandPublisher, error) {
	if broker == nil {
		return nil, invalid("broker", "broker cannot be nil")
	}

	o := newOptions(opts)
	if o.replyQueue == "" {
		o.replyQueue = ReplyQueuePrefix + uuid.New().String()
	}
	if err := topic.ValidateRoutingKey(o.replyQueue); err != nil {
		return nil, invalidErr("reply queue", "reply queue must be a plain routing key", err)
	}

	life, cancel := context.WithCancel(context.Background())
	p := &CommandPublisher{
		broker:     broker,
		opts:       o,
		replyQueue: o.replyQueue,
		cancel:     cancel,
		pending:    make(map[string]chan Message),
		bound:      make(map[string]struct{}),
	}

	if err := broker.DeclareQueue(ctx, p.replyQueue, QueueOptions{AutoDelete: true, Exclusive: true}); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to declare reply queue: %w", err)
	}
	if err := broker.BindTopic(ctx, p.replyQueue, p.replyQueue, o.exchange); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to bind reply queue: %w", err)
	}
	if err := broker.Consume(life, p.replyQueue, p.handleReply, true); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to reply queue: %w", err)
	}

	o.logger.Info("command publisher ready", "replyQueue", p.replyQueue)
	return p, nil
}

// ReplyQueue returns the private reply queue name.
func (p *CommandPublisher) ReplyQueue() string {
	return p.replyQueue
}

// Pending returns the number of commands awaiting a reply.
func (p *CommandPublisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// SendCommand publishes payload to queue under key and waits up to timeout
// for the reply. A reply flagged as an error is returned as *RemoteError.
func (p *CommandPublisher) SendCommand(ctx context.Context, payload interface{}, queue, key string, timeout time.Duration) (Message, error) {
	if err := validateCommandTarget(queue, key); err != nil {
		return Message{}, err
	}
	if isNilPayload(payload) {
		return Message{}, invalid("payload", "payload cannot be nil")
	}
	if timeout <= 0 {
		return Message{}, invalid("timeout", "timeout must be positive")
	}

	body, err := p.opts.codec.Marshal(payload)
	if err != nil {
		return Message{}, err
	}

	correlationID := uuid.New().String()
	replyChan := make(chan Message, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Message{}, ErrPublisherClosed
	}
	p.pending[correlationID] = replyChan
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, correlationID)
		p.mu.Unlock()
	}()

	// timeout bounds the bind and publish as well as the wait for the reply.
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.ensureBinding(callCtx, queue, key); err != nil {
		return Message{}, p.sendFailed(ctx, callCtx, err, queue, key, correlationID, timeout)
	}

	msg := Message{
		RoutingKey:    key,
		CorrelationID: correlationID,
		ReplyTo:       p.replyQueue,
		Payload:       body,
		Timestamp:     time.Now().UTC(),
		Headers: map[string]interface{}{
			HeaderContentType: p.opts.codec.ContentType(),
		},
	}

	sentAt := time.Now()
	if err := p.broker.Publish(callCtx, msg, p.opts.exchange); err != nil {
		err = fmt.Errorf("failed to send command %s to %s: %w", key, queue, err)
		return Message{}, p.sendFailed(ctx, callCtx, err, queue, key, correlationID, timeout)
	}
	p.opts.metrics.recordCommand(ctx, queue)

	p.opts.logger.Debug("command sent",
		"queue", queue,
		"key", key,
		"correlationId", correlationID,
	)

	select {
	case reply, ok := <-replyChan:
		if !ok {
			return Message{}, ErrPublisherClosed
		}
		p.opts.metrics.recordReply(ctx, queue, time.Since(sentAt), reply.IsError)
		if reply.IsError {
			return reply, p.decodeRemoteError(reply, queue, key)
		}
		return reply, nil

	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		return Message{}, p.timedOut(ctx, queue, key, correlationID, timeout)
	}
}

// sendFailed classifies a bind or publish failure. The caller's context
// ending wins over the command timeout, which wins over the broker error.
func (p *CommandPublisher) sendFailed(ctx, callCtx context.Context, err error, queue, key, correlationID string, timeout time.Duration) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return p.timedOut(ctx, queue, key, correlationID, timeout)
	}
	return err
}

func (p *CommandPublisher) timedOut(ctx context.Context, queue, key, correlationID string, timeout time.Duration) error {
	p.opts.metrics.recordTimeout(ctx, queue)
	p.opts.logger.Warn("command timed out",
		"queue", queue,
		"key", key,
		"correlationId", correlationID,
		"timeout", timeout,
	)
	return &TimeoutError{
		CorrelationID: correlationID,
		Queue:         queue,
		Key:           key,
		Timeout:       timeout,
	}
}

// Close stops accepting commands, fails those still waiting and ends the
// reply queue subscription.
func (p *CommandPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.cancel()
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
	return nil
}

// handleReply routes a reply to its waiting caller. Replies for unknown or
// expired correlation ids are dropped.
func (p *CommandPublisher) handleReply(_ context.Context, msg Message) {
	if msg.CorrelationID == "" {
		p.opts.logger.Debug("dropping reply without correlation id", "replyQueue", p.replyQueue)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	replyChan, exists := p.pending[msg.CorrelationID]
	if !exists {
		p.opts.logger.Debug("dropping reply for unknown correlation id",
			"correlationId", msg.CorrelationID,
		)
		return
	}

	select {
	case replyChan <- msg:
	default:
		// Already answered; a duplicate delivery.
	}
}

// ensureBinding binds queue to key once per publisher.
func (p *CommandPublisher) ensureBinding(ctx context.Context, queue, key string) error {
	id := queue + "\x00" + key

	p.bindMu.Lock()
	defer p.bindMu.Unlock()

	if _, ok := p.bound[id]; ok {
		return nil
	}
	if err := p.broker.BindTopic(ctx, queue, key, p.opts.exchange); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s: %w", queue, key, err)
	}
	p.bound[id] = struct{}{}
	return nil
}

func (p *CommandPublisher) decodeRemoteError(reply Message, queue, key string) error {
	remote := &RemoteError{}
	if err := p.opts.codec.Unmarshal(reply.Payload, remote); err != nil {
		remote = &RemoteError{
			Type:    "undecodable",
			Message: string(reply.Payload),
		}
	}
	if remote.Queue == "" {
		remote.Queue = queue
	}
	if remote.Key == "" {
		remote.Key = key
	}
	return remote
}

// Call sends a command and decodes the reply payload into TResult.
func Call[TResult any](ctx context.Context, p *CommandPublisher, payload interface{}, queue, key string, timeout time.Duration) (TResult, error) {
	var result TResult
	reply, err := p.SendCommand(ctx, payload, queue, key, timeout)
	if err != nil {
		return result, err
	}
	if err := p.opts.codec.Unmarshal(reply.Payload, &result); err != nil {
		return result, fmt.Errorf("command %s reply: %w", key, err)
	}
	return result, nil
}

func validateCommandTarget(queue, key string) error {
	if err := validateQueue(queue); err != nil {
		return err
	}
	if isBlank(key) {
		return invalid("key", "command key cannot be empty")
	}
	if topic.HasWildcard(key) {
		return invalidErr("key", key, ErrWildcardKey)
	}
	if err := topic.ValidateRoutingKey(key); err != nil {
		return invalidErr("key", key, err)
	}
	return nil
}
