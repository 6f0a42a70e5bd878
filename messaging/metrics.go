package messaging

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/glimte/rabbitbus/messaging"

// Metrics holds the OpenTelemetry instruments recorded by this package.
// A nil *Metrics records nothing.
type Metrics struct {
	dispatched     metric.Int64Counter
	unmatched      metric.Int64Counter
	handlerErrors  metric.Int64Counter
	eventsSent     metric.Int64Counter
	commandsSent   metric.Int64Counter
	commandTimeout metric.Int64Counter
	remoteErrors   metric.Int64Counter
	commandsServed metric.Int64Counter
	roundTrip      metric.Float64Histogram
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.dispatched, "rabbitbus.dispatch.handlers", "Handler invocations made by callback registries"},
		{&m.unmatched, "rabbitbus.dispatch.unmatched", "Deliveries that matched no registered pattern"},
		{&m.handlerErrors, "rabbitbus.dispatch.handler_errors", "Handler invocations that failed or panicked"},
		{&m.eventsSent, "rabbitbus.events.sent", "Events published"},
		{&m.commandsSent, "rabbitbus.commands.sent", "Commands published"},
		{&m.commandTimeout, "rabbitbus.commands.timeouts", "Commands that received no reply in time"},
		{&m.remoteErrors, "rabbitbus.commands.remote_errors", "Commands answered with a remote error"},
		{&m.commandsServed, "rabbitbus.commands.served", "Commands handled by command listeners"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.roundTrip, err = meter.Float64Histogram(
		"rabbitbus.commands.round_trip",
		metric.WithDescription("Time from publishing a command to receiving its reply"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create round trip histogram: %w", err)
	}

	return m, nil
}

// defaultMetrics uses the global meter provider, falling back to a no-op meter.
func defaultMetrics() *Metrics {
	m, err := NewMetrics(otel.Meter(meterName))
	if err != nil {
		m, _ = NewMetrics(noop.NewMeterProvider().Meter(meterName))
	}
	return m
}

func queueAttr(queue string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("queue", queue))
}

func (m *Metrics) recordDispatch(ctx context.Context, queue string, invoked, failed int) {
	if m == nil {
		return
	}
	if invoked == 0 {
		m.unmatched.Add(ctx, 1, queueAttr(queue))
		return
	}
	m.dispatched.Add(ctx, int64(invoked), queueAttr(queue))
	if failed > 0 {
		m.handlerErrors.Add(ctx, int64(failed), queueAttr(queue))
	}
}

func (m *Metrics) recordEvent(ctx context.Context, routingKey string) {
	if m == nil {
		return
	}
	m.eventsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("routing_key", routingKey)))
}

func (m *Metrics) recordCommand(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	m.commandsSent.Add(ctx, 1, queueAttr(queue))
}

func (m *Metrics) recordReply(ctx context.Context, queue string, elapsed time.Duration, remote bool) {
	if m == nil {
		return
	}
	m.roundTrip.Record(ctx, elapsed.Seconds(), queueAttr(queue))
	if remote {
		m.remoteErrors.Add(ctx, 1, queueAttr(queue))
	}
}

func (m *Metrics) recordTimeout(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	m.commandTimeout.Add(ctx, 1, queueAttr(queue))
}

func (m *Metrics) recordServed(ctx context.Context, queue string, failed bool) {
	if m == nil {
		return
	}
	m.commandsServed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.Bool("error", failed),
	))
}
