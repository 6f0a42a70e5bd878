package rabbitmq

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sony/gobreaker"
)

// Status is the outcome of a health check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult describes the broker's health at Timestamp.
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// QueueStats holds the server-side counters of a consumed queue.
type QueueStats struct {
	Messages  int `json:"messages"`
	Consumers int `json:"consumers"`
}

// Check reports connection, publisher and consumed queue health. It does not
// connect a broker that has not been used yet.
func (b *Broker) Check(ctx context.Context) (result CheckResult) {
	start := time.Now()
	result = CheckResult{
		Name:      "rabbitmq",
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}
	defer func() {
		result.Duration = time.Since(start)
	}()

	b.mu.Lock()
	closed := b.closed
	pool, publisher, topology := b.pool, b.publisher, b.topology
	queues := make([]string, 0, len(b.consumes))
	for queue := range b.consumes {
		queues = append(queues, queue)
	}
	b.mu.Unlock()
	sort.Strings(queues)

	switch {
	case closed:
		result.Status = StatusUnhealthy
		result.Message = "Broker is closed"
		return result
	case pool == nil:
		result.Status = StatusUnhealthy
		result.Message = "Not connected"
		return result
	case !b.manager.IsConnected():
		result.Status = StatusUnhealthy
		result.Message = "Connection is down"
		return result
	}

	breaker := publisher.BreakerState()
	result.Details["channels"] = pool.Size()
	result.Details["unacked"] = b.Unacked()
	result.Details["circuit_breaker"] = breaker.String()

	result.Status = StatusHealthy
	result.Message = "RabbitMQ is healthy"
	if breaker == gobreaker.StateOpen {
		result.Status = StatusDegraded
		result.Message = "Publishing suspended by circuit breaker"
	}

	stats := make(map[string]QueueStats, len(queues))
	for _, queue := range queues {
		q, err := topology.InspectQueue(ctx, queue)
		if err != nil {
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("Queue %s check failed", queue)
			result.Error = err.Error()
			continue
		}
		stats[queue] = QueueStats{Messages: q.Messages, Consumers: q.Consumers}
	}
	result.Details["queues"] = stats

	return result
}
