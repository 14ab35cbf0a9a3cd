package binance

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/execgate/internal/domain/venue"
	"github.com/coachpo/execgate/internal/infra/telemetry"
)

const (
	opExchangeInfo = "exchange_info"
	opPlaceOrder   = "place_order"
	opCancelOrder  = "cancel_order"
	opOrderStatus  = "order_status"
	opListenKey    = "listen_key"

	resultSuccess = telemetry.ResultSuccess
)

type adapterMetrics struct {
	environment string
	venue       string

	requests   metric.Int64Counter
	latency    metric.Float64Histogram
	orders     metric.Int64Counter
	fills      metric.Int64Counter
	reconnects metric.Int64Counter
}

func newAdapterMetrics(venueName string) *adapterMetrics {
	meter := otel.Meter("adapter.binance")
	am := &adapterMetrics{
		environment: telemetry.Environment(),
		venue:       venueName,
	}

	am.requests, _ = meter.Int64Counter("execgate_binance_requests",
		metric.WithDescription("REST requests issued to Binance by operation and result"),
		metric.WithUnit("{request}"))

	am.latency, _ = meter.Float64Histogram("execgate_binance_request_latency",
		metric.WithDescription("Latency of Binance REST requests"),
		metric.WithUnit("ms"))

	am.orders, _ = meter.Int64Counter("execgate_binance_orders_placed",
		metric.WithDescription("Orders accepted by Binance"),
		metric.WithUnit("{order}"))

	am.fills, _ = meter.Int64Counter("execgate_binance_fills_received",
		metric.WithDescription("Trade executions received from the Binance user data stream"),
		metric.WithUnit("{fill}"))

	am.reconnects, _ = meter.Int64Counter("execgate_binance_ws_reconnects",
		metric.WithDescription("Binance user data stream reconnect attempts"),
		metric.WithUnit("{reconnect}"))

	return am
}

func (am *adapterMetrics) recordCall(ctx context.Context, operation, result string, latency time.Duration) {
	if am == nil || am.requests == nil {
		return
	}
	if latency < 0 {
		latency = 0
	}
	attrs := telemetry.OperationResultAttributes(am.environment, am.venue, operation, result)
	am.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	if am.latency != nil {
		am.latency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(attrs...))
	}
}

func (am *adapterMetrics) recordOrder(ctx context.Context, o venue.Order, status string) {
	if am == nil || am.orders == nil {
		return
	}
	attrs := telemetry.OrderAttributes(am.environment, am.venue, o.Symbol, string(o.Direction), strings.ToLower(string(o.Type)))
	if status != "" {
		attrs = append(attrs, telemetry.AttrOrderState.String(strings.ToUpper(status)))
	}
	am.orders.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (am *adapterMetrics) recordFill(ctx context.Context, symbol string) {
	if am == nil || am.fills == nil {
		return
	}
	attrs := telemetry.OrderAttributes(am.environment, am.venue, symbol, "", "")
	am.fills.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (am *adapterMetrics) recordReconnect(ctx context.Context, reason string) {
	if am == nil || am.reconnects == nil {
		return
	}
	attrs := telemetry.ConnectionAttributes(am.environment, am.venue, reason)
	am.reconnects.Add(ctx, 1, metric.WithAttributes(attrs...))
}
