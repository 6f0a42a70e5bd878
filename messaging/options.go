package messaging

import "log/slog"

// options holds settings shared by the publishers, listeners and registries.
type options struct {
	logger        *slog.Logger
	codec         Codec
	exchange      string
	metrics       *Metrics
	replyQueue    string
	captureStacks bool
}

// Option configures publishers, listeners and registries.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		logger:   slog.Default(),
		codec:    JSONCodec{},
		exchange: "",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = defaultMetrics()
	}
	return o
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCodec sets the payload codec
func WithCodec(codec Codec) Option {
	return func(o *options) {
		if codec != nil {
			o.codec = codec
		}
	}
}

// WithExchange sets the topic exchange. Empty selects the broker default.
func WithExchange(exchange string) Option {
	return func(o *options) {
		o.exchange = exchange
	}
}

// WithMetrics sets the metric instruments
func WithMetrics(metrics *Metrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// WithReplyQueue sets the private reply queue name of a CommandPublisher.
func WithReplyQueue(queue string) Option {
	return func(o *options) {
		o.replyQueue = queue
	}
}

// WithRemoteStacks makes command listeners include the server stack in remote errors.
func WithRemoteStacks(enabled bool) Option {
	return func(o *options) {
		o.captureStacks = enabled
	}
}
