package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by gateway and adapter instruments.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrVenue identifies which exchange adapter produced the signal.
	AttrVenue = attribute.Key("venue")
	// AttrSymbol captures the tradable instrument symbol (e.g. BTCUSDT).
	AttrSymbol = attribute.Key("symbol")
	// AttrOrderSide labels order telemetry with LONG/SHORT intent.
	AttrOrderSide = attribute.Key("order.side")
	// AttrOrderType distinguishes market, limit and stop orders.
	AttrOrderType = attribute.Key("order.type")
	// AttrOrderState captures the lifecycle state an order reached.
	AttrOrderState = attribute.Key("order.state")
	// AttrOperation differentiates venue operations (place_order, cancel_order, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrErrorType categorizes failures by error code.
	AttrErrorType = attribute.Key("error.type")
	// AttrBreakerState labels circuit breaker transitions.
	AttrBreakerState = attribute.Key("breaker.state")
	// AttrConnectionState labels stream lifecycle signals (connected, reconnecting, ...).
	AttrConnectionState = attribute.Key("connection.state")
	// AttrEventKind labels order event bus and outbox signals.
	AttrEventKind = attribute.Key("event.kind")
	// AttrSink names the downstream destination of published order events.
	AttrSink = attribute.Key("sink")
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// OrderAttributes returns attributes for order lifecycle metrics.
func OrderAttributes(environment, venue, symbol, side, orderType string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrVenue.String(venue),
	}
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	if side != "" {
		attrs = append(attrs, AttrOrderSide.String(side))
	}
	if orderType != "" {
		attrs = append(attrs, AttrOrderType.String(orderType))
	}
	return attrs
}

// OperationResultAttributes returns attributes for venue calls with result classification.
func OperationResultAttributes(environment, venue, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrVenue.String(venue),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ConnectionAttributes returns attributes for stream connection metrics.
func ConnectionAttributes(environment, venue, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrVenue.String(venue),
		AttrConnectionState.String(state),
	}
}

// BreakerAttributes returns attributes for circuit breaker transitions.
func BreakerAttributes(environment, venue, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrVenue.String(venue),
		AttrBreakerState.String(state),
	}
}

// EventAttributes returns attributes for order event delivery metrics.
func EventAttributes(environment, kind, venue string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventKind.String(kind),
	}
	if venue != "" {
		attrs = append(attrs, AttrVenue.String(venue))
	}
	return attrs
}
