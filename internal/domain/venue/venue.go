// Package venue defines the capability contract implemented by exchange adapters.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/execgate/internal/domain/order"
)

// Adapter isolates one venue's transport, authentication and trading rules.
type Adapter interface {
	Name() string
	GetExchangeInfo(ctx context.Context) (ExchangeInfo, error)
	// ValidateOrder is a local check against cached trading rules; it performs no I/O.
	ValidateOrder(o Order) error
	PlaceOrder(ctx context.Context, o Order) (Ack, error)
	CancelOrder(ctx context.Context, symbol, venueOrderID string) error
	GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (Status, error)
}

// FillStreamer is implemented by adapters that push executions asynchronously.
type FillStreamer interface {
	// StreamFills blocks delivering executions to handler until ctx is cancelled.
	StreamFills(ctx context.Context, handler func(FillEvent)) error
}

// ExchangeInfo captures venue trading rules keyed by symbol.
type ExchangeInfo struct {
	Venue     string
	Symbols   map[string]SymbolRules
	FetchedAt time.Time
}

// Rules returns the rules for symbol.
func (e ExchangeInfo) Rules(symbol string) (SymbolRules, bool) {
	rules, ok := e.Symbols[symbol]
	return rules, ok
}

// SymbolRules captures the price and quantity filters for one instrument.
type SymbolRules struct {
	Symbol      string          `json:"symbol"`
	MinQuantity decimal.Decimal `json:"min_quantity"`
	MaxQuantity decimal.Decimal `json:"max_quantity"`
	StepSize    decimal.Decimal `json:"step_size"`
	TickSize    decimal.Decimal `json:"tick_size"`
	MinPrice    decimal.Decimal `json:"min_price"`
	MaxPrice    decimal.Decimal `json:"max_price"`
	MinNotional decimal.Decimal `json:"min_notional"`
}

// Order is the normalized request handed to an adapter.
type Order struct {
	ClientOrderID string
	Symbol        string
	Direction     order.Direction
	Type          order.Type
	Quantity      decimal.Decimal
	Price         *decimal.Decimal
	StopPrice     *decimal.Decimal
}

// OrderStatus enumerates venue-reported order states.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Ack is returned once the venue accepts an order.
type Ack struct {
	VenueOrderID  string
	ClientOrderID string
	Status        OrderStatus
	ExecutedQty   decimal.Decimal
	Fills         []order.Fill
	TransactTime  time.Time
}

// Status is the venue view of an order used for reconciliation polling.
type Status struct {
	VenueOrderID  string
	ClientOrderID string
	Status        OrderStatus
	ExecutedQty   decimal.Decimal
	// CumulativeQuote is the total quote amount executed so far.
	CumulativeQuote decimal.Decimal
	UpdatedAt       time.Time
}

// AveragePrice derives the average execution price from the cumulative quote amount.
func (s Status) AveragePrice() decimal.Decimal {
	if !s.ExecutedQty.IsPositive() {
		return decimal.Zero
	}
	return s.CumulativeQuote.DivRound(s.ExecutedQty, 16)
}

// FillEvent is an execution pushed by a venue stream.
type FillEvent struct {
	Venue         string
	Symbol        string
	ClientOrderID string
	VenueOrderID  string
	Fill          order.Fill
}
