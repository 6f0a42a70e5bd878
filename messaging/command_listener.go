package messaging

import (
	"context"
	"fmt"
	"time"
)

// CommandHandler answers one command. The returned value is encoded as the
// reply payload; a returned error is sent back as a RemoteError.
type CommandHandler func(ctx context.Context, cmd Message) (interface{}, error)

// commandState tracks one inbound command through the listener.
type commandState string

const (
	stateReceived              commandState = "received"
	stateParameterDeserialized commandState = "parameterDeserialized"
	stateHandlerInvoked        commandState = "handlerInvoked"
	stateSuccess               commandState = "success"
	stateHandlerFailed         commandState = "handlerFailed"
	stateReplyPublished        commandState = "replyPublished"
)

// CommandListener is the server side of RPC: it runs a handler per command
// key and publishes the outcome to the caller's reply queue.
//
// Deliveries are acknowledged by the underlying registry once the reply has
// been published. Failed commands are answered, never redelivered.
type CommandListener struct {
	broker   Broker
	registry *CallbackRegistry
	opts     options
}

// NewCommandListener creates a new command listener
func NewCommandListener(broker Broker, opts ...Option) *CommandListener {
	o := newOptions(opts)
	return &CommandListener{
		broker:   broker,
		registry: NewCallbackRegistry(broker, RejectDuplicates, false, append(opts, WithMetrics(o.metrics))...),
		opts:     o,
	}
}

// SetupCommandListener registers handler for commands sent to queue under key.
// Registering the same queue and key twice is an error.
func (l *CommandListener) SetupCommandListener(ctx context.Context, queue, key string, handler CommandHandler) error {
	if err := validateCommandTarget(queue, key); err != nil {
		return err
	}
	if handler == nil {
		return invalid("handler", "handler cannot be nil")
	}

	err := l.registry.AddCallbackForQueue(ctx, queue, key, func(ctx context.Context, msg Message) error {
		return l.serve(ctx, queue, key, msg, handler)
	})
	if err != nil {
		return err
	}

	l.opts.logger.Info("command listener registered", "queue", queue, "key", key)
	return nil
}

// Close ends the listener's subscriptions.
func (l *CommandListener) Close() error {
	return l.registry.Close()
}

// Registry exposes the underlying callback registry.
func (l *CommandListener) Registry() *CallbackRegistry {
	return l.registry
}

// serve runs one command to completion and publishes its reply.
func (l *CommandListener) serve(ctx context.Context, queue, key string, msg Message, handler CommandHandler) error {
	startTime := time.Now()
	l.trace(msg, stateReceived)

	result, err := l.invoke(ctx, handler, msg)
	l.trace(msg, stateHandlerInvoked)

	reply := Message{
		RoutingKey:    msg.ReplyTo,
		CorrelationID: msg.CorrelationID,
		Timestamp:     time.Now().UTC(),
		Headers: map[string]interface{}{
			HeaderContentType: l.opts.codec.ContentType(),
		},
	}

	if err == nil {
		reply.Payload, err = l.opts.codec.Marshal(result)
	}
	if err != nil {
		l.trace(msg, stateHandlerFailed)
		l.opts.logger.Warn("command handler failed",
			"queue", queue,
			"key", key,
			"correlationId", msg.CorrelationID,
			"error", err,
		)
		remote := NewRemoteError(err, l.opts.captureStacks)
		remote.Queue = queue
		remote.Key = key
		reply.IsError = true
		reply.Headers[HeaderIsError] = true
		if reply.Payload, err = l.opts.codec.Marshal(remote); err != nil {
			return fmt.Errorf("failed to encode remote error: %w", err)
		}
	} else {
		l.trace(msg, stateSuccess)
	}
	l.opts.metrics.recordServed(ctx, queue, reply.IsError)

	if msg.ReplyTo == "" {
		l.opts.logger.Warn("command has no reply address, dropping reply",
			"queue", queue,
			"key", key,
			"correlationId", msg.CorrelationID,
		)
		return nil
	}

	if err := l.broker.Publish(ctx, reply, l.opts.exchange); err != nil {
		return fmt.Errorf("failed to publish reply to %s: %w", msg.ReplyTo, err)
	}
	l.trace(msg, stateReplyPublished)

	l.opts.logger.Debug("command processed",
		"queue", queue,
		"key", key,
		"correlationId", msg.CorrelationID,
		"isError", reply.IsError,
		"duration", time.Since(startTime),
	)
	return nil
}

// invoke runs handler, converting a panic into an error.
func (l *CommandListener) invoke(ctx context.Context, handler CommandHandler, msg Message) (result interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &panicError{value: rec}
		}
	}()
	return handler(ctx, msg)
}

func (l *CommandListener) trace(msg Message, state commandState) {
	l.opts.logger.Debug("command state",
		"correlationId", msg.CorrelationID,
		"state", string(state),
	)
}

// HandleCommand registers a typed command handler. The command payload is
// decoded into TParam; a decode failure is answered as a remote error.
func HandleCommand[TParam, TResult any](ctx context.Context, l *CommandListener, queue, key string, handler func(ctx context.Context, param TParam) (TResult, error)) error {
	if handler == nil {
		return invalid("handler", "handler cannot be nil")
	}
	codec := l.opts.codec
	return l.SetupCommandListener(ctx, queue, key, func(ctx context.Context, cmd Message) (interface{}, error) {
		var param TParam
		if err := codec.Unmarshal(cmd.Payload, &param); err != nil {
			return nil, fmt.Errorf("command %s: %w", key, err)
		}
		l.trace(cmd, stateParameterDeserialized)
		return handler(ctx, param)
	})
}
