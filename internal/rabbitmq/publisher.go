package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Publisher publishes messages on pooled confirm-mode channels. Each publish
// waits for the broker confirm, is retried on transient failures, passes a
// circuit breaker and is optionally rate limited.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	publishTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration
	limiter        *rate.Limiter
	breaker        *gobreaker.CircuitBreaker
	logger         *slog.Logger
	closed         atomic.Bool

	breakerFailures uint32
	breakerTimeout  time.Duration
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout bounds a publish including retries when ctx has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublishRetries sets the maximum number of publish retries
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
	}
}

// WithRetryDelay sets the base delay between publish attempts
func WithRetryDelay(delay time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.retryDelay = delay
	}
}

// WithRateLimit caps publishes per second. A non-positive rps disables the limit.
func WithRateLimit(rps float64, burst int) PublisherOption {
	return func(p *Publisher) {
		if rps <= 0 {
			p.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithCircuitBreaker opens the breaker after failures consecutive failed
// attempts and retries after resetTimeout. Zero failures disables it.
func WithCircuitBreaker(failures uint32, resetTimeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.breakerFailures = failures
		p.breakerTimeout = resetTimeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:            pool,
		confirmTimeout:  5 * time.Second,
		publishTimeout:  10 * time.Second,
		maxRetries:      3,
		retryDelay:      100 * time.Millisecond,
		logger:          slog.Default(),
		breakerFailures: 5,
		breakerTimeout:  30 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	if p.breakerFailures > 0 {
		failures := p.breakerFailures
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "rabbitmq-publish",
			MaxRequests: 1,
			Timeout:     p.breakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool {
				// Caller cancellations say nothing about broker health.
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				p.logger.Warn("publish circuit breaker state changed",
					slog.String("name", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	return p
}

// Publish sends msg to exchange with routingKey and waits for the broker confirm.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("publish rate limit: %w", err)
		}
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.retryDelay * time.Duration(1<<uint(attempt-1))):
			case <-ctx.Done():
				return &PublishError{Exchange: exchange, RoutingKey: routingKey, Attempts: attempts, Err: ctx.Err(), Timestamp: time.Now()}
			}
		}

		attempts++
		err := p.execute(func() error {
			return p.publishWithConfirm(ctx, exchange, routingKey, msg)
		})
		if err == nil {
			return nil
		}

		lastErr = err
		if !IsRetryable(err) {
			break
		}
		p.logger.Debug("publish attempt failed",
			"exchange", exchange,
			"routingKey", routingKey,
			"attempt", attempts,
			"error", err)
	}

	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Attempts:   attempts,
		Err:        lastErr,
		Timestamp:  time.Now(),
	}
}

func (p *Publisher) execute(fn func() error) error {
	if p.breaker == nil {
		return fn()
	}
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		p.pool.Put(ch)
		return fmt.Errorf("failed to publish: %w", err)
	}
	if confirmation == nil {
		p.pool.Put(ch)
		return nil
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := confirmation.WaitContext(confirmCtx)
	if err != nil {
		// The confirm may still arrive; the channel's sequence is no longer trusted.
		p.pool.Discard(ch)
		if ctx.Err() == nil {
			return fmt.Errorf("%w: no confirm within %v", ErrPublishNotConfirmed, p.confirmTimeout)
		}
		return fmt.Errorf("waiting for confirmation: %w", err)
	}
	p.pool.Put(ch)

	if !acked {
		return ErrPublishNotConfirmed
	}
	return nil
}

// BreakerState reports the publish circuit breaker state.
func (p *Publisher) BreakerState() gobreaker.State {
	if p.breaker == nil {
		return gobreaker.StateClosed
	}
	return p.breaker.State()
}

// Close stops accepting publishes. The channel pool is owned by the caller.
func (p *Publisher) Close() error {
	p.closed.Store(true)
	return nil
}
