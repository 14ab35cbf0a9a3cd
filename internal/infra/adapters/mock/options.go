package mock

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/execgate/internal/domain/venue"
)

// Outcome scripts the result of one PlaceOrder call.
type Outcome int

const (
	// OutcomeSuccess accepts the order.
	OutcomeSuccess Outcome = iota
	// OutcomeTransient fails with a venue 503.
	OutcomeTransient
	// OutcomeTimeout blocks until the call context expires.
	OutcomeTimeout
	// OutcomeRateLimited fails with a 429 carrying the configured Retry-After.
	OutcomeRateLimited
	// OutcomeReject fails with a venue business rejection.
	OutcomeReject
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeReject:
		return "reject"
	default:
		return "unknown"
	}
}

// FailThenSucceed scripts n outcomes of kind followed by success.
func FailThenSucceed(n int, kind Outcome) []Outcome {
	script := make([]Outcome, 0, n+1)
	for i := 0; i < n; i++ {
		script = append(script, kind)
	}
	return append(script, OutcomeSuccess)
}

const (
	defaultName       = "mock"
	defaultFillPrice  = "50000"
	defaultRetryAfter = 50 * time.Millisecond
)

// Options configures the mock venue.
type Options struct {
	Name string
	// Symbols overrides the built-in trading rules.
	Symbols []venue.SymbolRules
	// LatencyMin and LatencyMax bound the injected latency of every venue call.
	LatencyMin time.Duration
	LatencyMax time.Duration
	// FailureRate is the probability that an unscripted PlaceOrder fails transiently.
	FailureRate float64
	// Script is consumed one entry per PlaceOrder call before FailureRate applies.
	Script []Outcome
	// InfoScript is consumed one entry per GetExchangeInfo call; an empty
	// script always serves the rules.
	InfoScript []Outcome
	// RetryAfter is attached to scripted rate limit failures.
	RetryAfter time.Duration
	// FillSteps splits each accepted order into that many equal fills, one
	// released per GetOrderStatus call. Zero leaves orders unfilled.
	FillSteps int
	// FillPrice prices simulated executions of market orders.
	FillPrice decimal.Decimal
	Seed      int64
}

// DefaultSymbols returns the built-in trading rules.
func DefaultSymbols() []venue.SymbolRules {
	return []venue.SymbolRules{
		spotRules("BTCUSD", "0.00001", "9000", "0.00001", "0.01", "5"),
		spotRules("BTCUSDT", "0.00001", "9000", "0.00001", "0.01", "5"),
		spotRules("ETHUSDT", "0.0001", "100000", "0.0001", "0.01", "5"),
		spotRules("SOLUSDT", "0.001", "100000", "0.001", "0.01", "5"),
	}
}

func spotRules(symbol, minQty, maxQty, step, tick, minNotional string) venue.SymbolRules {
	return venue.SymbolRules{
		Symbol:      symbol,
		MinQuantity: decimal.RequireFromString(minQty),
		MaxQuantity: decimal.RequireFromString(maxQty),
		StepSize:    decimal.RequireFromString(step),
		TickSize:    decimal.RequireFromString(tick),
		MinNotional: decimal.RequireFromString(minNotional),
	}
}

func withDefaults(in Options) Options {
	if in.Name == "" {
		in.Name = defaultName
	}
	if len(in.Symbols) == 0 {
		in.Symbols = DefaultSymbols()
	}
	if in.LatencyMax < in.LatencyMin {
		in.LatencyMax = in.LatencyMin
	}
	if in.RetryAfter <= 0 {
		in.RetryAfter = defaultRetryAfter
	}
	if !in.FillPrice.IsPositive() {
		in.FillPrice = decimal.RequireFromString(defaultFillPrice)
	}
	if in.Seed == 0 {
		in.Seed = time.Now().UnixNano()
	}
	return in
}
