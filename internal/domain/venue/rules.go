package venue

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/execgate/errs"
	"github.com/coachpo/execgate/internal/domain/order"
)

// RoundPrice rounds price to the nearest multiple of tick, halves away from zero.
// A non-positive tick leaves the price untouched.
func RoundPrice(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}

// RoundQuantity truncates quantity down to a multiple of step so the result never
// exceeds the caller's request. A non-positive step leaves the quantity untouched.
func RoundQuantity(quantity, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return quantity
	}
	return quantity.Div(step).Floor().Mul(step)
}

// NewOrder builds the adapter request for a decision record.
func NewOrder(rec order.Record) Order {
	o := Order{
		ClientOrderID: rec.ClientOrderID,
		Symbol:        rec.Symbol,
		Direction:     rec.Direction,
		Type:          rec.Type,
		Quantity:      rec.RequestedQuantity,
	}
	if rec.Price != nil {
		p := *rec.Price
		o.Price = &p
	}
	if rec.StopPrice != nil {
		p := *rec.StopPrice
		o.StopPrice = &p
	}
	return o
}

// Round applies the symbol's tick and step sizes to the order.
func Round(rules SymbolRules, o Order) Order {
	o.Quantity = RoundQuantity(o.Quantity, rules.StepSize)
	if o.Price != nil {
		p := RoundPrice(*o.Price, rules.TickSize)
		o.Price = &p
	}
	if o.StopPrice != nil {
		p := RoundPrice(*o.StopPrice, rules.TickSize)
		o.StopPrice = &p
	}
	return o
}

// Validate checks the order against the symbol's quantity, price and notional filters.
func Validate(venueName string, rules SymbolRules, o Order) error {
	if !o.Quantity.IsPositive() {
		return filterError(venueName, o.Symbol, "quantity rounds to zero at step "+rules.StepSize.String())
	}
	if rules.MinQuantity.IsPositive() && o.Quantity.LessThan(rules.MinQuantity) {
		return filterError(venueName, o.Symbol, "quantity "+o.Quantity.String()+" below minimum "+rules.MinQuantity.String())
	}
	if rules.MaxQuantity.IsPositive() && o.Quantity.GreaterThan(rules.MaxQuantity) {
		return filterError(venueName, o.Symbol, "quantity "+o.Quantity.String()+" above maximum "+rules.MaxQuantity.String())
	}
	if o.Price == nil {
		return nil
	}
	price := *o.Price
	if !price.IsPositive() {
		return filterError(venueName, o.Symbol, "price rounds to zero at tick "+rules.TickSize.String())
	}
	if rules.MinPrice.IsPositive() && price.LessThan(rules.MinPrice) {
		return filterError(venueName, o.Symbol, "price "+price.String()+" below minimum "+rules.MinPrice.String())
	}
	if rules.MaxPrice.IsPositive() && price.GreaterThan(rules.MaxPrice) {
		return filterError(venueName, o.Symbol, "price "+price.String()+" above maximum "+rules.MaxPrice.String())
	}
	if rules.MinNotional.IsPositive() {
		notional := price.Mul(o.Quantity)
		if notional.LessThan(rules.MinNotional) {
			return filterError(venueName, o.Symbol, "notional "+notional.String()+" below minimum "+rules.MinNotional.String())
		}
	}
	return nil
}

// UnknownSymbol reports a symbol missing from the venue's exchange info.
func UnknownSymbol(venueName, symbol string) error {
	return errs.New(venueName, errs.CodeValidation,
		errs.WithMessage("unknown symbol "+symbol),
		errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
}

func filterError(venueName, symbol, msg string) error {
	return errs.New(venueName, errs.CodeValidation,
		errs.WithMessage(msg),
		errs.WithCanonicalCode(errs.CanonicalFilterViolation),
		errs.WithVenueField("symbol", symbol))
}

// Normalize rounds the order to the symbol's increments and validates the result.
func Normalize(venueName string, rules SymbolRules, o Order) (Order, error) {
	rounded := Round(rules, o)
	if err := Validate(venueName, rules, rounded); err != nil {
		return o, err
	}
	return rounded, nil
}
