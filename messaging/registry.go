package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/glimte/rabbitbus/topic"
)

// Handler processes one message delivered to a registered pattern.
type Handler func(ctx context.Context, msg Message) error

// DuplicatePolicy decides whether a queue may hold the same pattern twice.
type DuplicatePolicy int

const (
	// AllowDuplicates lets independent handlers share a pattern (events).
	AllowDuplicates DuplicatePolicy = iota
	// RejectDuplicates treats a repeated pattern as a configuration error (commands).
	RejectDuplicates
)

func (p DuplicatePolicy) String() string {
	switch p {
	case AllowDuplicates:
		return "allow-duplicates"
	case RejectDuplicates:
		return "reject-duplicates"
	default:
		return fmt.Sprintf("DuplicatePolicy(%d)", int(p))
	}
}

type callbackForTopic struct {
	pattern string
	handler Handler
}

// queueEntry is the registry state for one queue. It exists once the
// queue's broker subscription has been opened.
type queueEntry struct {
	mu        sync.Mutex
	callbacks []callbackForTopic
}

func (e *queueEntry) snapshot() []callbackForTopic {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]callbackForTopic, len(e.callbacks))
	copy(out, e.callbacks)
	return out
}

func (e *queueEntry) hasPattern(pattern string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cb := range e.callbacks {
		if cb.pattern == pattern {
			return true
		}
	}
	return false
}

// CallbackRegistry fans a single broker subscription per queue out to every
// locally registered handler whose pattern matches the delivery's routing key.
//
// Subscriptions belong to the registry, not to the context of the call that
// opened them; they end when the registry or the broker is closed.
type CallbackRegistry struct {
	broker  Broker
	policy  DuplicatePolicy
	autoAck bool
	opts    options

	life   context.Context
	cancel context.CancelFunc

	// regMu serializes registrations so bind and consume happen once per queue.
	regMu  sync.Mutex
	closed bool

	queuesMu sync.RWMutex
	queues   map[string]*queueEntry
}

// NewCallbackRegistry creates a registry. With autoAck disabled the registry
// acknowledges each delivery after all matching handlers have run.
func NewCallbackRegistry(broker Broker, policy DuplicatePolicy, autoAck bool, opts ...Option) *CallbackRegistry {
	life, cancel := context.WithCancel(context.Background())
	return &CallbackRegistry{
		broker:  broker,
		policy:  policy,
		autoAck: autoAck,
		opts:    newOptions(opts),
		life:    life,
		cancel:  cancel,
		queues:  make(map[string]*queueEntry),
	}
}

// CanAddCallback reports whether pattern may be added to queue under the registry policy.
func (r *CallbackRegistry) CanAddCallback(queue, pattern string) bool {
	if r.policy == AllowDuplicates {
		return true
	}
	entry := r.entry(queue)
	return entry == nil || !entry.hasPattern(pattern)
}

// AddCallbackForQueue binds queue to pattern and registers handler for it.
// The first registration for a queue opens its only broker subscription.
// ctx bounds the bind and consume calls only.
func (r *CallbackRegistry) AddCallbackForQueue(ctx context.Context, queue, pattern string, handler Handler) error {
	if err := validateQueue(queue); err != nil {
		return err
	}
	if err := topic.ValidatePattern(pattern); err != nil {
		return invalidErr("pattern", "cannot register pattern", err)
	}
	if handler == nil {
		return invalid("handler", "handler cannot be nil")
	}

	r.regMu.Lock()
	defer r.regMu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if !r.CanAddCallback(queue, pattern) {
		return fmt.Errorf("%w: %s on queue %s", ErrDuplicateCallback, pattern, queue)
	}

	if err := r.broker.BindTopic(ctx, queue, pattern, r.opts.exchange); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s: %w", queue, pattern, err)
	}

	cb := callbackForTopic{pattern: pattern, handler: handler}

	if entry := r.entry(queue); entry != nil {
		entry.mu.Lock()
		entry.callbacks = append(entry.callbacks, cb)
		entry.mu.Unlock()
	} else {
		entry = &queueEntry{callbacks: []callbackForTopic{cb}}
		r.queuesMu.Lock()
		r.queues[queue] = entry
		r.queuesMu.Unlock()

		err := r.broker.Consume(r.life, queue, func(ctx context.Context, msg Message) {
			r.onDelivery(ctx, queue, msg)
		}, r.autoAck)
		if err != nil {
			r.queuesMu.Lock()
			delete(r.queues, queue)
			r.queuesMu.Unlock()
			return fmt.Errorf("failed to consume queue %s: %w", queue, err)
		}
	}

	r.opts.logger.Debug("registered callback",
		"queue", queue,
		"pattern", pattern,
		"policy", r.policy.String(),
	)
	return nil
}

// Dispatch runs every handler registered on queue whose pattern matches
// msg.RoutingKey. All matching handlers run even if some fail; it returns the
// number of handlers invoked and their joined errors.
func (r *CallbackRegistry) Dispatch(ctx context.Context, queue string, msg Message) (int, error) {
	entry := r.entry(queue)
	if entry == nil {
		return 0, nil
	}

	callbacks := entry.snapshot()
	patterns := make([]string, len(callbacks))
	for i, cb := range callbacks {
		patterns[i] = cb.pattern
	}

	// Decide first, then invoke: a pattern may appear more than once.
	matched := make(map[string]bool)
	for _, p := range topic.Match(msg.RoutingKey, patterns) {
		matched[p] = true
	}

	var errs []error
	invoked := 0
	for _, cb := range callbacks {
		if !matched[cb.pattern] {
			continue
		}
		invoked++
		if err := invokeHandler(ctx, cb.handler, msg); err != nil {
			r.opts.logger.Error("handler failed",
				"queue", queue,
				"pattern", cb.pattern,
				"routingKey", msg.RoutingKey,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", cb.pattern, err))
		}
	}

	if invoked == 0 {
		r.opts.logger.Debug("no callback matched delivery",
			"queue", queue,
			"routingKey", msg.RoutingKey,
		)
	}
	r.opts.metrics.recordDispatch(ctx, queue, invoked, len(errs))

	return invoked, errors.Join(errs...)
}

func (r *CallbackRegistry) onDelivery(ctx context.Context, queue string, msg Message) {
	_, _ = r.Dispatch(ctx, queue, msg)

	if r.autoAck {
		return
	}
	if err := r.broker.Acknowledge(msg.DeliveryTag, false); err != nil {
		r.opts.logger.Error("failed to acknowledge delivery",
			"queue", queue,
			"deliveryTag", msg.DeliveryTag,
			"error", err,
		)
	}
}

// Patterns returns the patterns registered on queue in registration order.
func (r *CallbackRegistry) Patterns(queue string) []string {
	entry := r.entry(queue)
	if entry == nil {
		return nil
	}
	callbacks := entry.snapshot()
	out := make([]string, len(callbacks))
	for i, cb := range callbacks {
		out[i] = cb.pattern
	}
	return out
}

// Queues returns the queues with an open subscription, sorted.
func (r *CallbackRegistry) Queues() []string {
	r.queuesMu.RLock()
	defer r.queuesMu.RUnlock()
	out := make([]string, 0, len(r.queues))
	for q := range r.queues {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Close ends every subscription opened by the registry. Later registrations
// fail with ErrRegistryClosed.
func (r *CallbackRegistry) Close() error {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.cancel()

	r.queuesMu.Lock()
	r.queues = make(map[string]*queueEntry)
	r.queuesMu.Unlock()
	return nil
}

// lifetime is the context subscriptions opened for the registry run under.
func (r *CallbackRegistry) lifetime() context.Context {
	return r.life
}

func (r *CallbackRegistry) entry(queue string) *queueEntry {
	r.queuesMu.RLock()
	defer r.queuesMu.RUnlock()
	return r.queues[queue]
}

// invokeHandler runs h, turning a panic into an error.
func invokeHandler(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &panicError{value: rec}
		}
	}()
	return h(ctx, msg)
}

func validateQueue(queue string) error {
	if isBlank(queue) {
		return invalid("queue", "queue name cannot be empty")
	}
	return nil
}
