// Package rabbitmq wraps amqp091-go with the connection handling the
// RabbitMQ transport needs.
//
// This package includes:
//   - ConnectionManager: owns the connection and re-dials it with exponential backoff
//   - ChannelPool: reusable confirm-mode channels for publishing and topology
//   - Publisher: confirmed publishes with retries, a circuit breaker and a rate limiter
//   - Consumer: one dedicated channel per subscribed queue
//   - TopologyManager: exchange, queue and binding declarations
//
// Connection state changes are reported to ConnectionStateListener
// implementations so that callers can restore their topology and
// subscriptions after a reconnect.
package rabbitmq
