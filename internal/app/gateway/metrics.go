package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/execgate/errs"
	"github.com/coachpo/execgate/internal/domain/order"
	"github.com/coachpo/execgate/internal/infra/telemetry"
)

type gatewayMetrics struct {
	environment string

	executions   metric.Int64Counter
	replays      metric.Int64Counter
	attempts     metric.Int64Counter
	callLatency  metric.Float64Histogram
	fills        metric.Int64Counter
	reconciled   metric.Int64Counter
	breakerFlips metric.Int64Counter
}

func newGatewayMetrics() *gatewayMetrics {
	meter := otel.Meter("gateway")
	gm := &gatewayMetrics{environment: telemetry.Environment()}

	gm.executions, _ = meter.Int64Counter("execgate_orders_executed",
		metric.WithDescription("Decisions processed to a resting or terminal state"),
		metric.WithUnit("{order}"))
	gm.replays, _ = meter.Int64Counter("execgate_orders_replayed",
		metric.WithDescription("Duplicate decisions answered from the registry"),
		metric.WithUnit("{order}"))
	gm.attempts, _ = meter.Int64Counter("execgate_venue_attempts",
		metric.WithDescription("PlaceOrder attempts by venue and result"),
		metric.WithUnit("{attempt}"))
	gm.callLatency, _ = meter.Float64Histogram("execgate_venue_call_latency",
		metric.WithDescription("Latency of venue calls issued by the gateway"),
		metric.WithUnit("ms"))
	gm.fills, _ = meter.Int64Counter("execgate_fills_applied",
		metric.WithDescription("Fills applied to order records"),
		metric.WithUnit("{fill}"))
	gm.reconciled, _ = meter.Int64Counter("execgate_reconcile_polls",
		metric.WithDescription("Order status polls issued by the reconciler"),
		metric.WithUnit("{poll}"))
	gm.breakerFlips, _ = meter.Int64Counter("execgate_breaker_transitions",
		metric.WithDescription("Circuit breaker state changes"),
		metric.WithUnit("{transition}"))
	return gm
}

func (gm *gatewayMetrics) recordExecution(ctx context.Context, rec order.Record) {
	if gm == nil || gm.executions == nil {
		return
	}
	attrs := telemetry.OrderAttributes(gm.environment, rec.Venue, rec.Symbol, string(rec.Direction), string(rec.Type))
	attrs = append(attrs, telemetry.AttrOrderState.String(string(rec.State)))
	gm.executions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (gm *gatewayMetrics) recordReplay(ctx context.Context, rec order.Record) {
	if gm == nil || gm.replays == nil {
		return
	}
	attrs := telemetry.OrderAttributes(gm.environment, rec.Venue, rec.Symbol, string(rec.Direction), string(rec.Type))
	gm.replays.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (gm *gatewayMetrics) recordCall(ctx context.Context, venueName, operation string, err error, latency time.Duration) {
	if gm == nil {
		return
	}
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultError
	}
	attrs := telemetry.OperationResultAttributes(gm.environment, venueName, operation, result)
	if err != nil {
		code := string(errs.CodeOf(err))
		if code == "" {
			code = "unknown"
		}
		attrs = append(attrs, telemetry.AttrErrorType.String(code))
	}
	if operation == opPlaceOrder && gm.attempts != nil {
		gm.attempts.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if operation == opOrderStatus && gm.reconciled != nil {
		gm.reconciled.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if gm.callLatency != nil {
		gm.callLatency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(attrs...))
	}
}

func (gm *gatewayMetrics) recordFill(ctx context.Context, rec order.Record, source string) {
	if gm == nil || gm.fills == nil {
		return
	}
	attrs := telemetry.OrderAttributes(gm.environment, rec.Venue, rec.Symbol, string(rec.Direction), string(rec.Type))
	attrs = append(attrs, telemetry.AttrOperation.String(source))
	gm.fills.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (gm *gatewayMetrics) recordBreaker(venueName, state string) {
	if gm == nil || gm.breakerFlips == nil {
		return
	}
	gm.breakerFlips.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.BreakerAttributes(gm.environment, venueName, state)...))
}
