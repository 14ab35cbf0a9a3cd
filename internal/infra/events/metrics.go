package events

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/execgate/internal/infra/telemetry"
)

type eventMetrics struct {
	published metric.Int64Counter
	enqueued  metric.Int64Counter
	purged    metric.Int64Counter
}

func newEventMetrics() eventMetrics {
	meter := otel.Meter("events")
	var m eventMetrics
	m.published, _ = meter.Int64Counter("execgate_events_published",
		metric.WithDescription("Order events handed to a downstream sink"),
		metric.WithUnit("{event}"))
	m.enqueued, _ = meter.Int64Counter("execgate_events_outbox_enqueued",
		metric.WithDescription("Order events written to the outbox"),
		metric.WithUnit("{event}"))
	m.purged, _ = meter.Int64Counter("execgate_events_outbox_purged",
		metric.WithDescription("Delivered outbox entries removed by retention"),
		metric.WithUnit("{event}"))
	return m
}

func resultOf(err error) string {
	if err != nil {
		return telemetry.ResultError
	}
	return telemetry.ResultSuccess
}

func (m eventMetrics) recordPublished(ctx context.Context, sink string, n int, err error) {
	if m.published == nil || n == 0 {
		return
	}
	m.published.Add(ctx, int64(n), metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrSink.String(sink),
		telemetry.AttrResult.String(resultOf(err))))
}

func (m eventMetrics) recordEnqueued(ctx context.Context, kind string, err error) {
	if m.enqueued == nil {
		return
	}
	attrs := telemetry.EventAttributes(telemetry.Environment(), kind, "")
	attrs = append(attrs, telemetry.AttrResult.String(resultOf(err)))
	m.enqueued.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m eventMetrics) recordPurged(ctx context.Context, n int64) {
	if m.purged == nil || n == 0 {
		return
	}
	m.purged.Add(ctx, n, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
}
