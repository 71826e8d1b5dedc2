package bus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// busMetrics aggregates the instruments emitted by both actor loops. Every
// instrument is nil-guarded so a failed meter build degrades to no-op.
type busMetrics struct {
	publishDropped  metric.Int64Counter
	incomingDropped metric.Int64Counter
	publishFailed   metric.Int64Counter
	commandFailed   metric.Int64Counter
	fanoutSize      metric.Int64Histogram
	activeTopics    metric.Int64UpDownCounter
}

func newBusMetrics() *busMetrics {
	meter := otel.Meter("busmux/bus")
	m := new(busMetrics)
	m.publishDropped, _ = meter.Int64Counter("busmux.publish.dropped",
		metric.WithDescription("Publish requests dropped because the publish queue was full"),
		metric.WithUnit("{request}"))
	m.incomingDropped, _ = meter.Int64Counter("busmux.incoming.dropped",
		metric.WithDescription("Broker notifications dropped because the incoming queue was full"),
		metric.WithUnit("{message}"))
	m.publishFailed, _ = meter.Int64Counter("busmux.publish.failed",
		metric.WithDescription("Broker publish calls that reported an error"),
		metric.WithUnit("{request}"))
	m.commandFailed, _ = meter.Int64Counter("busmux.command.failed",
		metric.WithDescription("Broker subscribe/unsubscribe calls that reported an error"),
		metric.WithUnit("{command}"))
	m.fanoutSize, _ = meter.Int64Histogram("busmux.fanout.size",
		metric.WithDescription("Number of sinks per incoming message fan-out"),
		metric.WithUnit("{sink}"))
	m.activeTopics, _ = meter.Int64UpDownCounter("busmux.topics.active",
		metric.WithDescription("Topics with at least one registered sink"),
		metric.WithUnit("{topic}"))
	return m
}

func (m *busMetrics) recordPublishDropped(topic string) {
	if m == nil || m.publishDropped == nil {
		return
	}
	m.publishDropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *busMetrics) recordIncomingDropped(topic string) {
	if m == nil || m.incomingDropped == nil {
		return
	}
	m.incomingDropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *busMetrics) recordPublishFailed(topic string) {
	if m == nil || m.publishFailed == nil {
		return
	}
	m.publishFailed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *busMetrics) recordCommandFailed(command, topic string) {
	if m == nil || m.commandFailed == nil {
		return
	}
	m.commandFailed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("topic", topic)))
}

func (m *busMetrics) recordFanout(topic string, sinks int) {
	if m == nil || m.fanoutSize == nil {
		return
	}
	m.fanoutSize.Record(context.Background(), int64(sinks), metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *busMetrics) addActiveTopics(delta int64) {
	if m == nil || m.activeTopics == nil {
		return
	}
	m.activeTopics.Add(context.Background(), delta)
}
