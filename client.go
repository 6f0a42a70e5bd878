// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rabbitbus provides topic-routed events and request/reply commands
// over RabbitMQ.
package rabbitbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/glimte/rabbitbus/config"
	"github.com/glimte/rabbitbus/internal/rabbitmq"
	"github.com/glimte/rabbitbus/messaging"
	rabbitmqTransport "github.com/glimte/rabbitbus/transports/rabbitmq"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
)

// DefaultCommandTimeout bounds SendCommand when the caller passes no timeout.
const DefaultCommandTimeout = 30 * time.Second

// ErrClientClosed is returned for operations on a closed client.
var ErrClientClosed = errors.New("rabbitbus: client is closed")

// Client provides the main entry point for rabbitbus
type Client struct {
	broker  messaging.Broker
	logger  *slog.Logger
	options []messaging.Option

	events   *messaging.EventPublisher
	listener *messaging.EventListener
	commands *messaging.CommandListener

	defaultTimeout   time.Duration
	replyQueuePrefix string

	mu       sync.Mutex
	callerMu sync.Mutex
	caller   *messaging.CommandPublisher
	closed   bool
}

// NewClient creates a client on a RabbitMQ broker at url.
func NewClient(url string, options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options)

	brokerOpts := append([]rabbitmqTransport.Option{
		rabbitmqTransport.WithLogger(cfg.logger),
		rabbitmqTransport.WithDefaultExchange(cfg.exchange),
	}, cfg.brokerOptions...)

	return newClient(rabbitmqTransport.NewBroker(url, brokerOpts...), cfg)
}

// NewClientFromConfig creates a RabbitMQ client from loaded configuration.
// Options given here override the configured values.
func NewClientFromConfig(c *config.Config, options ...ClientOption) (*Client, error) {
	if c == nil {
		c = config.Default()
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := c.Log.NewLogger(os.Stderr)
	if err != nil {
		return nil, err
	}

	b := c.Broker
	p := b.Publish
	fromConfig := []ClientOption{
		WithLogger(logger),
		WithExchange(b.Exchange),
		WithDefaultTimeout(c.RPC.DefaultTimeout),
		WithReplyQueuePrefix(c.RPC.ReplyQueuePrefix),
		WithRemoteStacks(c.RPC.RemoteStacks),
		WithBrokerOptions(
			rabbitmqTransport.WithPrefetch(0, b.PrefetchCount),
			rabbitmqTransport.WithConnectionOptions(
				rabbitmq.WithReconnectDelay(b.ReconnectDelay),
				rabbitmq.WithMaxRetries(b.MaxRetries),
				rabbitmq.WithConnectTimeout(b.ConnectTimeout),
				rabbitmq.WithConnectionName(b.ConnectionName),
			),
			rabbitmqTransport.WithChannelPoolOptions(
				rabbitmq.WithMinSize(b.ChannelPool.MinSize),
				rabbitmq.WithMaxSize(b.ChannelPool.MaxSize),
				rabbitmq.WithIdleTimeout(b.ChannelPool.IdleTimeout),
			),
			rabbitmqTransport.WithPublisherOptions(
				rabbitmq.WithPublishTimeout(p.Timeout),
				rabbitmq.WithConfirmTimeout(p.ConfirmTimeout),
				rabbitmq.WithPublishRetries(p.Retries),
				rabbitmq.WithRetryDelay(p.RetryDelay),
				rabbitmq.WithRateLimit(p.RateLimit, p.RateBurst),
				rabbitmq.WithCircuitBreaker(uint32(p.CircuitBreaker.FailureThreshold), p.CircuitBreaker.ResetTimeout),
			),
		),
	}

	return NewClient(b.URL, append(fromConfig, options...)...)
}

// NewClientWithBroker creates a client on an existing broker, such as the
// in-memory broker. The client takes ownership and closes it on Close.
func NewClientWithBroker(broker messaging.Broker, options ...ClientOption) (*Client, error) {
	if broker == nil {
		return nil, fmt.Errorf("broker cannot be nil")
	}
	return newClient(broker, newClientConfig(options))
}

func newClient(broker messaging.Broker, cfg *clientConfig) (*Client, error) {
	msgOpts := []messaging.Option{
		messaging.WithLogger(cfg.logger),
		messaging.WithExchange(cfg.exchange),
		messaging.WithRemoteStacks(cfg.remoteStacks),
	}
	if cfg.meter != nil {
		metrics, err := messaging.NewMetrics(cfg.meter)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		msgOpts = append(msgOpts, messaging.WithMetrics(metrics))
	}

	return &Client{
		broker:           broker,
		logger:           cfg.logger,
		options:          msgOpts,
		events:           messaging.NewEventPublisher(broker, msgOpts...),
		listener:         messaging.NewEventListener(broker, msgOpts...),
		commands:         messaging.NewCommandListener(broker, msgOpts...),
		defaultTimeout:   cfg.defaultTimeout,
		replyQueuePrefix: cfg.replyQueuePrefix,
	}, nil
}

// Broker returns the underlying broker
func (c *Client) Broker() messaging.Broker {
	return c.broker
}

// Events returns the event publisher
func (c *Client) Events() *messaging.EventPublisher {
	return c.events
}

// Listener returns the event listener
func (c *Client) Listener() *messaging.EventListener {
	return c.listener
}

// Commands returns the command listener
func (c *Client) Commands() *messaging.CommandListener {
	return c.commands
}

// CommandPublisher returns the client's command publisher, creating its reply
// queue on first use. ctx bounds the creation only; the reply subscription
// lasts until Close.
func (c *Client) CommandPublisher(ctx context.Context) (*messaging.CommandPublisher, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}

	c.callerMu.Lock()
	defer c.callerMu.Unlock()
	if c.caller != nil {
		return c.caller, nil
	}

	opts := append(append([]messaging.Option{}, c.options...), messaging.WithReplyQueue(c.replyQueuePrefix+uuid.New().String()))
	caller, err := messaging.NewCommandPublisher(ctx, c.broker, opts...)
	if err != nil {
		return nil, err
	}
	c.caller = caller
	return caller, nil
}

// SendEvent publishes payload under routingKey.
func (c *Client) SendEvent(ctx context.Context, payload interface{}, routingKey string) error {
	if c.isClosed() {
		return ErrClientClosed
	}
	return c.events.SendEvent(ctx, payload, routingKey)
}

// Subscribe calls handler for events matching pattern delivered to queue.
func (c *Client) Subscribe(ctx context.Context, queue, pattern string, handler messaging.Handler) error {
	if c.isClosed() {
		return ErrClientClosed
	}
	return c.listener.SetupQueueListener(ctx, queue, pattern, handler)
}

// SendCommand sends payload to queue under key and waits for the reply.
// A zero timeout uses the client's default.
func (c *Client) SendCommand(ctx context.Context, payload interface{}, queue, key string, timeout time.Duration) (messaging.Message, error) {
	caller, err := c.CommandPublisher(ctx)
	if err != nil {
		return messaging.Message{}, err
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	return caller.SendCommand(ctx, payload, queue, key, timeout)
}

// Serve registers handler for commands sent to queue under key.
func (c *Client) Serve(ctx context.Context, queue, key string, handler messaging.CommandHandler) error {
	if c.isClosed() {
		return ErrClientClosed
	}
	return c.commands.SetupCommandListener(ctx, queue, key, handler)
}

// Call sends a command through the client and decodes the reply into TResult.
func Call[TResult any](ctx context.Context, c *Client, payload interface{}, queue, key string, timeout time.Duration) (TResult, error) {
	var zero TResult
	caller, err := c.CommandPublisher(ctx)
	if err != nil {
		return zero, err
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	return messaging.Call[TResult](ctx, caller, payload, queue, key, timeout)
}

// Handle registers a typed command handler on the client.
func Handle[TParam, TResult any](ctx context.Context, c *Client, queue, key string, handler func(ctx context.Context, param TParam) (TResult, error)) error {
	if c.isClosed() {
		return ErrClientClosed
	}
	return messaging.HandleCommand(ctx, c.commands, queue, key, handler)
}

// Listen registers a typed event handler on the client.
func Listen[T any](ctx context.Context, c *Client, queue, pattern string, handler func(ctx context.Context, event T) error) error {
	if c.isClosed() {
		return ErrClientClosed
	}
	return messaging.ListenFor(ctx, c.listener, queue, pattern, handler)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close fails in-flight commands, ends all subscriptions and closes the broker.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var errs []error
	c.callerMu.Lock()
	if c.caller != nil {
		errs = append(errs, c.caller.Close())
	}
	c.callerMu.Unlock()

	errs = append(errs, c.listener.Close(), c.commands.Close())

	errs = append(errs, c.broker.Close())
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger           *slog.Logger
	exchange         string
	defaultTimeout   time.Duration
	replyQueuePrefix string
	remoteStacks     bool
	meter            metric.Meter
	brokerOptions    []rabbitmqTransport.Option
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger:           slog.Default(),
		exchange:         messaging.DefaultExchange,
		defaultTimeout:   DefaultCommandTimeout,
		replyQueuePrefix: messaging.ReplyQueuePrefix,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithExchange sets the topic exchange events and commands are routed through.
func WithExchange(exchange string) ClientOption {
	return func(cfg *clientConfig) {
		if exchange != "" {
			cfg.exchange = exchange
		}
	}
}

// WithDefaultTimeout sets the command timeout used when callers pass zero.
func WithDefaultTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		if timeout > 0 {
			cfg.defaultTimeout = timeout
		}
	}
}

// WithReplyQueuePrefix sets the prefix of the generated reply queue name.
func WithReplyQueuePrefix(prefix string) ClientOption {
	return func(cfg *clientConfig) {
		if prefix != "" {
			cfg.replyQueuePrefix = prefix
		}
	}
}

// WithRemoteStacks includes handler stack traces in remote errors sent by this client.
func WithRemoteStacks(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.remoteStacks = enabled
	}
}

// WithMeter records messaging metrics on meter instead of the global provider.
func WithMeter(meter metric.Meter) ClientOption {
	return func(cfg *clientConfig) {
		cfg.meter = meter
	}
}

// WithBrokerOptions passes options to the RabbitMQ broker. They are ignored by
// NewClientWithBroker.
func WithBrokerOptions(opts ...rabbitmqTransport.Option) ClientOption {
	return func(cfg *clientConfig) {
		cfg.brokerOptions = append(cfg.brokerOptions, opts...)
	}
}
