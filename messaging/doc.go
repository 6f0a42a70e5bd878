// Package messaging provides topic-based pub/sub and RPC over a message broker.
//
// This package implements the messaging patterns:
//   - CallbackRegistry: one broker subscription per queue, fanned out to every
//     handler whose topic pattern matches the delivery's routing key
//   - EventPublisher / EventListener: publish payloads under a routing key and
//     register handlers for exact keys or wildcard patterns
//   - CommandPublisher: send a command and wait, with a timeout, for the reply
//     correlated to it on a private reply queue
//   - CommandListener: answer commands, sending handler failures back to the
//     caller as RemoteError values instead of failing locally
//
// The broker itself is reached through the Broker interface; see
// transports/rabbitmq for RabbitMQ and transports/memory for an in-process
// implementation.
//
// Example usage:
//
//	listener := messaging.NewCommandListener(broker)
//	err := messaging.HandleCommand(ctx, listener, "calc", "fib",
//		func(ctx context.Context, req FibRequest) (int64, error) {
//			return fib(req.Value), nil
//		})
//
//	publisher, err := messaging.NewCommandPublisher(ctx, broker)
//	result, err := messaging.Call[int64](ctx, publisher, FibRequest{Value: 10}, "calc", "fib", 2*time.Second)
//	switch {
//	case errors.Is(err, messaging.ErrTimeout):
//		// nobody answered
//	case errors.Is(err, messaging.ErrRemote):
//		// the handler failed on the server
//	}
package messaging
