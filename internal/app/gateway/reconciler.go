package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/execgate/internal/domain/order"
	"github.com/coachpo/execgate/internal/domain/venue"
)

const (
	defaultReconcileInterval    = 5 * time.Second
	defaultReconcileConcurrency = 8
)

// ReconcilerConfig tunes status polling.
type ReconcilerConfig struct {
	Interval    time.Duration
	Concurrency int
}

func (c ReconcilerConfig) normalize() ReconcilerConfig {
	if c.Interval <= 0 {
		c.Interval = defaultReconcileInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultReconcileConcurrency
	}
	return c
}

// Reconciler polls venues for the status of live orders and folds executions
// the gateway has not seen yet into the registry.
type Reconciler struct {
	gateway *Gateway
	cfg     ReconcilerConfig
	logger  *slog.Logger
}

// NewReconciler constructs a reconciler over g.
func NewReconciler(g *Gateway, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		gateway: g,
		cfg:     cfg.normalize(),
		logger:  g.logger.With(slog.String("component", "reconciler")),
	}
}

// Run polls on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce polls every open order once and returns how many records changed.
func (r *Reconciler) ReconcileOnce(ctx context.Context) int {
	open := r.gateway.registry.List(order.StateAcknowledged, order.StatePartiallyFilled)
	if len(open) == 0 {
		return 0
	}

	var changed atomic.Int64
	p := pool.New().WithMaxGoroutines(r.cfg.Concurrency)
	for _, rec := range open {
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			ok, err := r.reconcile(ctx, rec)
			if err != nil {
				r.logger.Warn("reconcile order",
					slog.String("decision_id", rec.DecisionID),
					slog.String("venue", rec.Venue),
					slog.Any("error", err))
			}
			if ok {
				changed.Add(1)
			}
		})
	}
	p.Wait()
	return int(changed.Load())
}

func (r *Reconciler) reconcile(ctx context.Context, rec order.Record) (bool, error) {
	g := r.gateway
	if rec.VenueOrderID == "" {
		return false, nil
	}
	adapter, ok := g.venues[rec.Venue]
	if !ok {
		return false, fmt.Errorf("venue %q not configured", rec.Venue)
	}
	cb := g.breakers.For(rec.Venue)
	if !cb.Allow() {
		return false, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, g.retry.AttemptTimeout())
	start := time.Now()
	status, err := adapter.GetOrderStatus(callCtx, rec.Symbol, rec.VenueOrderID)
	cancel()
	g.metrics.recordCall(ctx, rec.Venue, opOrderStatus, err, time.Since(start))
	if err != nil {
		if g.retry.Classify(err).Retryable() {
			cb.RecordFailure()
		} else {
			cb.RecordSuccess()
		}
		return false, err
	}
	cb.RecordSuccess()

	// Executions pushed by a fill stream may have landed while the poll was in flight.
	current, err := g.registry.Get(ctx, rec.DecisionID)
	if err != nil {
		return false, err
	}

	changed := false
	if fill, ok := catchUpFill(current, status); ok {
		next, err := g.registry.RecordFill(ctx, current.DecisionID, fill)
		if err != nil {
			return false, fmt.Errorf("apply reconciled fill: %w", err)
		}
		g.metrics.recordFill(ctx, next, "reconcile")
		r.logger.Info("reconciled fill",
			slog.String("decision_id", next.DecisionID),
			slog.String("quantity", fill.Quantity.String()),
			slog.String("state", string(next.State)))
		current = next
		changed = true
	}

	next, err := g.applyVenueStatus(ctx, current, status.Status)
	if err != nil {
		return changed, err
	}
	if next.State != current.State {
		r.logger.Info("reconciled venue status",
			slog.String("decision_id", next.DecisionID),
			slog.String("venue_status", string(status.Status)),
			slog.String("state", string(next.State)))
		changed = true
	}
	return changed, nil
}

// catchUpFill synthesises the execution the registry is missing relative to the
// venue's cumulative totals. The fill id is derived from the cumulative
// quantity so repeated polls of the same venue state are idempotent.
func catchUpFill(rec order.Record, status venue.Status) (order.Fill, bool) {
	missing := status.ExecutedQty.Sub(rec.FilledQuantity)
	if !missing.IsPositive() {
		return order.Fill{}, false
	}
	if limit := rec.RemainingQuantity; missing.GreaterThan(limit) {
		missing = limit
	}
	if !missing.IsPositive() {
		return order.Fill{}, false
	}

	price := status.AveragePrice()
	// Price the gap from the cumulative quote so the record's average converges on the venue's.
	seenQuote := rec.AverageFillPrice.Mul(rec.FilledQuantity)
	if gapQuote := status.CumulativeQuote.Sub(seenQuote); gapQuote.IsPositive() {
		price = gapQuote.DivRound(missing, 16)
	}
	if price.IsNegative() {
		price = decimal.Zero
	}

	ts := status.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return order.Fill{
		FillID:    order.ReconciledFillPrefix + rec.VenueOrderID + "-" + status.ExecutedQty.String(),
		Quantity:  missing,
		Price:     price,
		Timestamp: ts,
	}, true
}
