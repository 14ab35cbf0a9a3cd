// Package risk enforces pre-trade limits on order decisions before they reach a venue.
package risk

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/execgate/errs"
	"github.com/coachpo/execgate/internal/domain/order"
)

// Limits defines the per-order risk parameters. Zero values disable a limit.
type Limits struct {
	// MaxOrderQuantity is the largest quantity a single order may request.
	MaxOrderQuantity decimal.Decimal

	// MaxOrderNotional bounds quantity times price for orders that carry a
	// price. Market orders are only checked against MaxOrderQuantity.
	MaxOrderNotional decimal.Decimal

	// OrdersPerSecond is the maximum rate of new orders across all venues.
	OrdersPerSecond float64

	// Burst is the number of orders allowed above the steady rate.
	Burst int
}

// Enabled reports whether any limit is configured.
func (l Limits) Enabled() bool {
	return l.MaxOrderQuantity.IsPositive() || l.MaxOrderNotional.IsPositive() || l.OrdersPerSecond > 0
}

// Guard enforces risk limits for new orders.
type Guard struct {
	limits  Limits
	limiter *rate.Limiter
}

// NewGuard creates a guard with the given limits.
func NewGuard(limits Limits) *Guard {
	g := &Guard{limits: limits}
	if limits.OrdersPerSecond > 0 {
		burst := limits.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(limits.OrdersPerSecond), burst)
	}
	return g
}

// Limits returns the configured limits.
func (g *Guard) Limits() Limits { return g.limits }

// Check evaluates a registered order against the configured limits. It waits
// for the order throttle and returns ctx's error if ctx ends first. A breached
// limit is reported as a rejection.
func (g *Guard) Check(ctx context.Context, rec order.Record) error {
	if g == nil {
		return nil
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errs.New(rec.Venue, errs.CodeRateLimited,
				errs.WithMessage("order throttle exceeded"), errs.WithCause(err))
		}
	}

	qty := rec.RequestedQuantity
	if max := g.limits.MaxOrderQuantity; max.IsPositive() && qty.GreaterThan(max) {
		return reject(rec, fmt.Sprintf("order quantity %s exceeds max order quantity %s", qty, max))
	}

	if max := g.limits.MaxOrderNotional; max.IsPositive() {
		if price, ok := referencePrice(rec); ok {
			if notional := qty.Mul(price); notional.GreaterThan(max) {
				return reject(rec, fmt.Sprintf("order notional %s exceeds max order notional %s", notional, max))
			}
		}
	}
	return nil
}

func referencePrice(rec order.Record) (decimal.Decimal, bool) {
	switch {
	case rec.Price != nil && rec.Price.IsPositive():
		return *rec.Price, true
	case rec.StopPrice != nil && rec.StopPrice.IsPositive():
		return *rec.StopPrice, true
	default:
		return decimal.Zero, false
	}
}

func reject(rec order.Record, msg string) error {
	return errs.New(rec.Venue, errs.CodeRejected, errs.WithMessage("risk limit: "+msg))
}
