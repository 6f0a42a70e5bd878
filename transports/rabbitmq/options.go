package rabbitmq

import (
	"log/slog"

	"github.com/glimte/rabbitbus/internal/rabbitmq"
	"github.com/glimte/rabbitbus/messaging"
)

type config struct {
	logger          *slog.Logger
	defaultExchange string

	connectionOptions []rabbitmq.ConnectionOption
	poolOptions       []rabbitmq.ChannelPoolOption
	publisherOptions  []rabbitmq.PublisherOption
	consumerOptions   []rabbitmq.ConsumerOption

	hasQos        bool
	prefetchSize  int
	prefetchCount int
}

func defaultConfig() config {
	return config{
		logger:          slog.Default(),
		defaultExchange: messaging.DefaultExchange,
	}
}

// Option configures the broker
type Option func(*config)

// WithLogger sets the logger used by the broker and its connection components.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDefaultExchange sets the topic exchange used when callers pass an empty name.
func WithDefaultExchange(name string) Option {
	return func(c *config) {
		if name != "" {
			c.defaultExchange = name
		}
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) Option {
	return func(c *config) {
		c.connectionOptions = append(c.connectionOptions, opts...)
	}
}

// WithChannelPoolOptions sets channel pool options
func WithChannelPoolOptions(opts ...rabbitmq.ChannelPoolOption) Option {
	return func(c *config) {
		c.poolOptions = append(c.poolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) Option {
	return func(c *config) {
		c.publisherOptions = append(c.publisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) Option {
	return func(c *config) {
		c.consumerOptions = append(c.consumerOptions, opts...)
	}
}

// WithPrefetch sets the prefetch limits of every subscription.
func WithPrefetch(prefetchSize, prefetchCount int) Option {
	return func(c *config) {
		c.hasQos = true
		c.prefetchSize = prefetchSize
		c.prefetchCount = prefetchCount
	}
}
