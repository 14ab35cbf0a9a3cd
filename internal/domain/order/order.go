// Package order defines order decisions, gateway order records and their lifecycle.
package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction captures the trading direction of a decision.
type Direction string

const (
	// DirectionLong buys the instrument.
	DirectionLong Direction = "LONG"
	// DirectionShort sells the instrument.
	DirectionShort Direction = "SHORT"
)

// Type enumerates supported order types.
type Type string

const (
	// TypeMarket executes at the prevailing price.
	TypeMarket Type = "MARKET"
	// TypeLimit rests at the limit price.
	TypeLimit Type = "LIMIT"
	// TypeStop triggers a market order at the stop price.
	TypeStop Type = "STOP"
	// TypeStopLimit triggers a limit order at the stop price.
	TypeStopLimit Type = "STOP_LIMIT"
)

// Decision is the immutable order intent supplied by the upstream decision process.
type Decision struct {
	DecisionID string            `json:"decision_id"`
	Venue      string            `json:"venue,omitempty"`
	Symbol     string            `json:"symbol"`
	Direction  Direction         `json:"direction"`
	Type       Type              `json:"order_type"`
	Quantity   decimal.Decimal   `json:"quantity"`
	LimitPrice *decimal.Decimal  `json:"limit_price,omitempty"`
	StopPrice  *decimal.Decimal  `json:"stop_price,omitempty"`
	StopLoss   *decimal.Decimal  `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal  `json:"take_profit,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Normalize canonicalises identifiers and enum casing in place.
func (d *Decision) Normalize() {
	d.DecisionID = strings.TrimSpace(d.DecisionID)
	d.Venue = strings.ToLower(strings.TrimSpace(d.Venue))
	d.Symbol = strings.ToUpper(strings.TrimSpace(d.Symbol))
	d.Direction = Direction(strings.ToUpper(strings.TrimSpace(string(d.Direction))))
	d.Type = Type(strings.ToUpper(strings.TrimSpace(string(d.Type))))
	if d.Type == "" {
		d.Type = TypeMarket
	}
}

// MaxDecisionIDLength bounds decision ids.
const MaxDecisionIDLength = 128

// reservedDecisionIDs collide with fixed order routes.
var reservedDecisionIDs = map[string]struct{}{
	"stats": {},
}

// ValidateDecisionID reports whether id can key a record and be addressed as a
// single path segment.
func ValidateDecisionID(id string) error {
	if id == "" {
		return fmt.Errorf("decision_id required")
	}
	if len(id) > MaxDecisionIDLength {
		return fmt.Errorf("decision_id longer than %d bytes", MaxDecisionIDLength)
	}
	if _, ok := reservedDecisionIDs[strings.ToLower(id)]; ok {
		return fmt.Errorf("decision_id %q is reserved", id)
	}
	for _, r := range id {
		if r == '/' || r == '?' || r == '#' || r < 0x20 || r == 0x7f {
			return fmt.Errorf("decision_id contains forbidden character %q", r)
		}
	}
	return nil
}

// Validate checks the structural shape of the decision. Venue trading rules are
// checked separately by the venue adapter.
func (d Decision) Validate() error {
	if err := ValidateDecisionID(d.DecisionID); err != nil {
		return err
	}
	if d.Symbol == "" {
		return fmt.Errorf("symbol required")
	}
	switch d.Direction {
	case DirectionLong, DirectionShort:
	default:
		return fmt.Errorf("direction %q unsupported", d.Direction)
	}
	if !d.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive")
	}
	switch d.Type {
	case TypeMarket:
	case TypeLimit:
		if d.LimitPrice == nil || !d.LimitPrice.IsPositive() {
			return fmt.Errorf("limit order requires positive limit_price")
		}
	case TypeStop:
		if d.StopPrice == nil || !d.StopPrice.IsPositive() {
			return fmt.Errorf("stop order requires positive stop_price")
		}
	case TypeStopLimit:
		if d.StopPrice == nil || !d.StopPrice.IsPositive() {
			return fmt.Errorf("stop limit order requires positive stop_price")
		}
		if d.LimitPrice == nil || !d.LimitPrice.IsPositive() {
			return fmt.Errorf("stop limit order requires positive limit_price")
		}
	default:
		return fmt.Errorf("order_type %q unsupported", d.Type)
	}
	return nil
}

// clientOrderNamespace scopes derived client order ids to this gateway.
var clientOrderNamespace = uuid.MustParse("6f1c2d3e-8a4b-5c6d-9e0f-1a2b3c4d5e6f")

// ClientOrderID derives the venue-side idempotency token for a decision. The
// derivation is deterministic so a resubmission after a restart carries the
// same token.
func ClientOrderID(decisionID string) string {
	id := uuid.NewSHA1(clientOrderNamespace, []byte(decisionID))
	return "eg" + strings.ReplaceAll(id.String(), "-", "")
}

// ReconciledFillPrefix marks fills synthesised from a venue status poll
// rather than reported as individual executions.
const ReconciledFillPrefix = "reconcile-"

// Fill is an immutable execution reported by the venue.
type Fill struct {
	FillID          string          `json:"fill_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commission_asset,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Reconciled reports whether the fill was derived from cumulative venue totals.
func (f Fill) Reconciled() bool {
	return strings.HasPrefix(f.FillID, ReconciledFillPrefix)
}

// Record is the gateway-owned mutable view of one decision's order.
type Record struct {
	DecisionID        string            `json:"decision_id"`
	Venue             string            `json:"venue"`
	Symbol            string            `json:"symbol"`
	Direction         Direction         `json:"direction"`
	Type              Type              `json:"order_type"`
	ClientOrderID     string            `json:"client_order_id"`
	VenueOrderID      string            `json:"venue_order_id,omitempty"`
	State             State             `json:"state"`
	RequestedQuantity decimal.Decimal   `json:"requested_quantity"`
	Price             *decimal.Decimal  `json:"price,omitempty"`
	StopPrice         *decimal.Decimal  `json:"stop_price,omitempty"`
	FilledQuantity    decimal.Decimal   `json:"filled_quantity"`
	RemainingQuantity decimal.Decimal   `json:"remaining_quantity"`
	AverageFillPrice  decimal.Decimal   `json:"average_fill_price"`
	Fills             []Fill            `json:"fills"`
	AttemptCount      int               `json:"attempt_count"`
	LastError         string            `json:"last_error,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// NewRecord builds a CREATED record for the decision.
func NewRecord(d Decision, now time.Time) Record {
	rec := Record{
		DecisionID:        d.DecisionID,
		Venue:             d.Venue,
		Symbol:            d.Symbol,
		Direction:         d.Direction,
		Type:              d.Type,
		ClientOrderID:     ClientOrderID(d.DecisionID),
		State:             StateCreated,
		RequestedQuantity: d.Quantity,
		Price:             cloneDecimal(d.LimitPrice),
		StopPrice:         cloneDecimal(d.StopPrice),
		FilledQuantity:    decimal.Zero,
		RemainingQuantity: d.Quantity,
		AverageFillPrice:  decimal.Zero,
		Fills:             []Fill{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if len(d.Metadata) > 0 {
		rec.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			rec.Metadata[k] = v
		}
	}
	return rec
}

// Clone returns a deep copy safe to hand outside the owning registry.
func (r Record) Clone() Record {
	out := r
	out.Price = cloneDecimal(r.Price)
	out.StopPrice = cloneDecimal(r.StopPrice)
	out.Fills = append(make([]Fill, 0, len(r.Fills)), r.Fills...)
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// HasFill reports whether a fill with the id was already applied.
func (r Record) HasFill(fillID string) bool {
	if fillID == "" {
		return false
	}
	for _, f := range r.Fills {
		if f.FillID == fillID {
			return true
		}
	}
	return false
}

// UnconfirmedQuantity returns the filled quantity that is only backed by
// reconciled fills; executions reported later for the same venue order
// confirm it instead of adding to it.
func (r Record) UnconfirmedQuantity() decimal.Decimal {
	reported := decimal.Zero
	for _, f := range r.Fills {
		if !f.Reconciled() {
			reported = reported.Add(f.Quantity)
		}
	}
	unconfirmed := r.FilledQuantity.Sub(reported)
	if unconfirmed.IsNegative() {
		return decimal.Zero
	}
	return unconfirmed
}

// ApplyFill appends the fill and recomputes the derived quantities. It returns
// the state the record must move to. The record is left untouched on error.
//
// A reported execution first confirms quantity already applied from a
// reconciled fill; only the excess adds to FilledQuantity.
func (r *Record) ApplyFill(fill Fill) (State, error) {
	if !fill.Quantity.IsPositive() {
		return r.State, fmt.Errorf("fill quantity must be positive")
	}
	if fill.Price.IsNegative() {
		return r.State, fmt.Errorf("fill price must not be negative")
	}
	covered := decimal.Zero
	if !fill.Reconciled() {
		covered = decimal.Min(r.UnconfirmedQuantity(), fill.Quantity)
	}
	added := fill.Quantity.Sub(covered)
	filled := r.FilledQuantity.Add(added)
	if filled.GreaterThan(r.RequestedQuantity) {
		return r.State, fmt.Errorf("fill %s would exceed requested quantity %s (filled %s)",
			added.String(), r.RequestedQuantity.String(), r.FilledQuantity.String())
	}

	if covered.IsPositive() {
		r.Fills = append(r.Fills, fill)
		r.FilledQuantity = filled
		r.AverageFillPrice = averagePrice(r.Fills, filled)
	} else {
		notional := r.AverageFillPrice.Mul(r.FilledQuantity).Add(fill.Price.Mul(fill.Quantity))
		r.Fills = append(r.Fills, fill)
		r.FilledQuantity = filled
		r.AverageFillPrice = notional.DivRound(filled, 16)
	}
	r.RemainingQuantity = r.RequestedQuantity.Sub(filled)

	if r.RemainingQuantity.IsZero() {
		return StateFilled, nil
	}
	return StatePartiallyFilled, nil
}

// averagePrice prices reported executions at their own price and the
// still-unconfirmed remainder at the average of the reconciled fills.
func averagePrice(fills []Fill, filled decimal.Decimal) decimal.Decimal {
	if !filled.IsPositive() {
		return decimal.Zero
	}
	var (
		reportedQty, reportedNotional     = decimal.Zero, decimal.Zero
		reconciledQty, reconciledNotional = decimal.Zero, decimal.Zero
	)
	for _, f := range fills {
		if f.Reconciled() {
			reconciledQty = reconciledQty.Add(f.Quantity)
			reconciledNotional = reconciledNotional.Add(f.Price.Mul(f.Quantity))
			continue
		}
		reportedQty = reportedQty.Add(f.Quantity)
		reportedNotional = reportedNotional.Add(f.Price.Mul(f.Quantity))
	}
	notional := reportedNotional
	if unconfirmed := filled.Sub(reportedQty); unconfirmed.IsPositive() && reconciledQty.IsPositive() {
		notional = notional.Add(reconciledNotional.Mul(unconfirmed).DivRound(reconciledQty, 16))
	}
	return notional.DivRound(filled, 16)
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
