// Package gateway orchestrates order execution across the registry, venue
// adapters, retry policy and per-venue circuit breakers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/coachpo/execgate/errs"
	"github.com/coachpo/execgate/internal/app/breaker"
	"github.com/coachpo/execgate/internal/app/registry"
	"github.com/coachpo/execgate/internal/app/retry"
	"github.com/coachpo/execgate/internal/app/risk"
	"github.com/coachpo/execgate/internal/domain/order"
	"github.com/coachpo/execgate/internal/domain/venue"
)

const (
	opExchangeInfo = "exchange_info"
	opPlaceOrder   = "place_order"
	opCancelOrder  = "cancel_order"
	opOrderStatus  = "order_status"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option customises a gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(g *Gateway) {
		if p != nil {
			g.retry = p
		}
	}
}

// WithBreakerConfig sets the per-venue circuit breaker settings.
func WithBreakerConfig(cfg breaker.Config) Option {
	return func(g *Gateway) {
		g.breakerCfg = cfg
	}
}

// WithDefaultVenue names the venue used when a decision does not select one.
func WithDefaultVenue(name string) Option {
	return func(g *Gateway) {
		g.defaultVenue = name
	}
}

// WithRiskGuard checks every new order against pre-trade limits before it is
// validated against venue rules.
func WithRiskGuard(guard *risk.Guard) Option {
	return func(g *Gateway) {
		g.risk = guard
	}
}

// WithSleeper overrides how the gateway waits between attempts.
func WithSleeper(fn Sleeper) Option {
	return func(g *Gateway) {
		if fn != nil {
			g.sleep = fn
		}
	}
}

// WithClock overrides the time source used by the breakers.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// Gateway executes order decisions end to end.
type Gateway struct {
	registry     *registry.Registry
	venues       map[string]venue.Adapter
	defaultVenue string
	retry        *retry.Policy
	breakerCfg   breaker.Config
	breakers     *breaker.Set
	risk         *risk.Guard
	sleep        Sleeper
	now          func() time.Time
	logger       *slog.Logger
	metrics      *gatewayMetrics
}

// New wires a gateway over reg and the configured venue adapters.
func New(reg *registry.Registry, venues map[string]venue.Adapter, opts ...Option) (*Gateway, error) {
	if reg == nil {
		return nil, fmt.Errorf("gateway: registry required")
	}
	if len(venues) == 0 {
		return nil, fmt.Errorf("gateway: at least one venue adapter required")
	}
	g := &Gateway{
		registry:   reg,
		venues:     venues,
		retry:      retry.NewPolicy(retry.DefaultConfig()),
		breakerCfg: breaker.DefaultConfig(),
		sleep:      sleepContext,
		now:        time.Now,
		logger:     slog.Default(),
		metrics:    newGatewayMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	names := g.VenueNames()
	if g.defaultVenue == "" {
		g.defaultVenue = names[0]
	}
	if _, ok := venues[g.defaultVenue]; !ok {
		return nil, fmt.Errorf("gateway: default venue %q not configured", g.defaultVenue)
	}
	g.breakers = breaker.NewSet(g.breakerCfg, names,
		breaker.WithClock(g.now),
		breaker.WithLogger(g.logger),
		breaker.WithListener(func(v string, _, to breaker.State) {
			g.metrics.recordBreaker(v, to.String())
		}))
	return g, nil
}

// VenueNames returns the configured venue names in sorted order.
func (g *Gateway) VenueNames() []string {
	names := make([]string, 0, len(g.venues))
	for name := range g.venues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry exposes the order registry backing the gateway.
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// ExecuteOrder runs one decision through validation, the breaker gate and the
// retry loop. created reports whether this call registered the decision; a
// replayed decision returns the stored record without contacting the venue.
//
// A decision whose id cannot key a record is refused without registration.
// Any other invalid decision is registered and ends REJECTED, so its outcome
// replays like every other. When the order ends REJECTED or FAILED the
// returned error describes why and the record carries the same text in
// LastError. Cancellation of ctx stops the retry loop and leaves the record in
// the last state it reached.
func (g *Gateway) ExecuteOrder(ctx context.Context, d order.Decision) (order.Record, bool, error) {
	d.Normalize()
	if d.Venue == "" {
		d.Venue = g.defaultVenue
	}
	if err := order.ValidateDecisionID(d.DecisionID); err != nil {
		return order.Record{}, false, errs.New(d.Venue, errs.CodeValidation, errs.WithMessage(err.Error()))
	}
	var invalid error
	if err := d.Validate(); err != nil {
		invalid = errs.New(d.Venue, errs.CodeValidation, errs.WithMessage(err.Error()))
	}
	adapter, ok := g.venues[d.Venue]
	if !ok && invalid == nil {
		invalid = errs.New(d.Venue, errs.CodeValidation,
			errs.WithMessage(fmt.Sprintf("venue %q not configured", d.Venue)))
	}

	rec, created, err := g.registry.RegisterOrGet(ctx, d)
	if err != nil {
		return order.Record{}, false, err
	}
	if !created {
		g.metrics.recordReplay(ctx, rec)
		g.logger.Debug("decision replayed",
			slog.String("decision_id", rec.DecisionID),
			slog.String("state", string(rec.State)))
		return rec, false, nil
	}

	if invalid != nil {
		g.logger.Warn("decision rejected",
			slog.String("decision_id", rec.DecisionID),
			slog.Any("error", invalid))
		rec, err = g.terminate(ctx, rec, []order.State{order.StateCreated}, order.StateRejected, invalid)
	} else {
		rec, err = g.execute(ctx, adapter, rec)
	}
	g.metrics.recordExecution(ctx, rec)
	return rec, true, err
}

// execute drives a CREATED record to a resting or terminal state. Every
// attempt passes the venue's breaker before any I/O. Until the trading rules
// are loaded an attempt fetches them first; rules failures are retried and
// counted by the breaker like order placement failures.
func (g *Gateway) execute(ctx context.Context, adapter venue.Adapter, rec order.Record) (order.Record, error) {
	id := rec.DecisionID
	logger := g.logger.With(
		slog.String("decision_id", id),
		slog.String("venue", rec.Venue),
		slog.String("symbol", rec.Symbol))

	if err := g.risk.Check(ctx, rec); err != nil {
		if ctx.Err() != nil {
			return rec, ctx.Err()
		}
		logger.Warn("order blocked by risk limits", slog.Any("error", err))
		return g.terminate(ctx, rec, []order.State{order.StateCreated}, order.StateRejected, err)
	}

	cb := g.breakers.For(rec.Venue)
	maxAttempts := g.retry.MaxAttempts()
	live := []order.State{order.StateCreated, order.StateValidated, order.StateSubmitted}
	var (
		req      venue.Order
		prepared bool
		placed   int
		lastErr  error
		err      error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := g.retry.DelayFor(attempt-1, lastErr)
			logger.Info("retrying order",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", lastErr))
			if err := g.sleep(ctx, delay); err != nil {
				return g.current(rec), err
			}
		}

		if !cb.Allow() {
			openErr := errs.New(rec.Venue, errs.CodeCircuitOpen,
				errs.WithMessage("circuit breaker open; venue call suppressed"),
				errs.WithCause(lastErr))
			logger.Warn("order failed: circuit open", slog.Int("attempt", attempt))
			return g.terminate(ctx, rec, live, order.StateFailed, openErr)
		}

		if !prepared {
			info, infoErr := g.loadRules(ctx, adapter, rec)
			if infoErr != nil {
				if ctx.Err() != nil {
					return g.current(rec), ctx.Err()
				}
				cb.RecordFailure()
				lastErr = fmt.Errorf("load trading rules: %w", infoErr)
				if !g.retry.Classify(infoErr).Retryable() {
					to := order.StateFailed
					if errs.CodeOf(infoErr) == errs.CodeValidation {
						to = order.StateRejected
					}
					logger.Warn("order not submitted", slog.String("state", string(to)), slog.Any("error", lastErr))
					return g.terminate(ctx, rec, []order.State{order.StateCreated}, to, lastErr)
				}
				if _, err := g.registry.Update(ctx, id, registry.WithLastError(lastErr)); err != nil {
					logger.Error("record attempt error", slog.Any("error", err))
				}
				continue
			}
			if req, err = g.prepare(adapter, rec, info); err != nil {
				cb.RecordSuccess()
				logger.Warn("order rejected by venue rules", slog.Any("error", err))
				return g.terminate(ctx, rec, []order.State{order.StateCreated}, order.StateRejected, err)
			}
			rec, err = g.registry.Transition(ctx, id, []order.State{order.StateCreated}, order.StateValidated,
				withRounded(req), registry.WithLastError(nil))
			if err != nil {
				return rec, err
			}
			prepared = true
		}

		placed++
		if placed == 1 {
			rec, err = g.registry.Transition(ctx, id, []order.State{order.StateValidated}, order.StateSubmitted,
				registry.WithAttempt(placed))
		} else {
			rec, err = g.registry.Update(ctx, id, registry.WithAttempt(placed))
		}
		if err != nil {
			return rec, err
		}

		ack, callErr := g.place(ctx, adapter, req)
		if callErr == nil {
			cb.RecordSuccess()
			rec, err = g.registry.Transition(ctx, id, []order.State{order.StateSubmitted}, order.StateAcknowledged,
				registry.WithVenueOrderID(ack.VenueOrderID),
				registry.WithLastError(nil))
			if err != nil {
				return rec, err
			}
			logger.Info("order acknowledged",
				slog.String("venue_order_id", ack.VenueOrderID),
				slog.Int("attempts", attempt))
			return g.applyAck(ctx, rec, ack), nil
		}

		if ctx.Err() != nil {
			// The caller gave up; the outcome of the in-flight call is unknown.
			return g.current(rec), ctx.Err()
		}
		cb.RecordFailure()
		lastErr = callErr

		class := g.retry.Classify(callErr)
		if !class.Retryable() {
			to := order.StateFailed
			if code := errs.CodeOf(callErr); code == errs.CodeRejected || code == errs.CodeValidation {
				to = order.StateRejected
			}
			logger.Warn("order terminated by venue error",
				slog.String("state", string(to)),
				slog.Int("attempt", attempt),
				slog.Any("error", callErr))
			return g.terminate(ctx, rec, []order.State{order.StateSubmitted}, to, callErr)
		}

		if _, err := g.registry.Update(ctx, id, registry.WithLastError(callErr)); err != nil {
			logger.Error("record attempt error", slog.Any("error", err))
		}
	}

	exhausted := fmt.Errorf("retries exhausted after %d attempts: %w", maxAttempts, lastErr)
	logger.Warn("order failed", slog.Int("attempts", maxAttempts), slog.Any("error", lastErr))
	return g.terminate(ctx, rec, live, order.StateFailed, exhausted)
}

// loadRules fetches the venue's trading rules for the record's symbol.
func (g *Gateway) loadRules(ctx context.Context, adapter venue.Adapter, rec order.Record) (venue.ExchangeInfo, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.retry.AttemptTimeout())
	defer cancel()
	start := time.Now()
	info, err := adapter.GetExchangeInfo(callCtx)
	g.metrics.recordCall(ctx, rec.Venue, opExchangeInfo, err, time.Since(start))
	return info, err
}

// prepare rounds the order to the venue rules and runs the adapter's local checks.
func (g *Gateway) prepare(adapter venue.Adapter, rec order.Record, info venue.ExchangeInfo) (venue.Order, error) {
	rules, ok := info.Rules(rec.Symbol)
	if !ok {
		return venue.Order{}, venue.UnknownSymbol(rec.Venue, rec.Symbol)
	}
	req := venue.Round(rules, venue.NewOrder(rec))
	if err := adapter.ValidateOrder(req); err != nil {
		if errs.CodeOf(err) == "" {
			err = errs.New(rec.Venue, errs.CodeValidation, errs.WithMessage(err.Error()), errs.WithCause(err))
		}
		return venue.Order{}, err
	}
	return req, nil
}

func (g *Gateway) place(ctx context.Context, adapter venue.Adapter, req venue.Order) (venue.Ack, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.retry.AttemptTimeout())
	defer cancel()
	start := time.Now()
	ack, err := adapter.PlaceOrder(callCtx, req)
	g.metrics.recordCall(ctx, adapter.Name(), opPlaceOrder, err, time.Since(start))
	if err == nil && ack.VenueOrderID == "" {
		err = errs.New(adapter.Name(), errs.CodeTransient, errs.WithMessage("venue ack without order id"))
	}
	return ack, err
}

// applyAck folds executions and terminal statuses carried on the ack into the record.
func (g *Gateway) applyAck(ctx context.Context, rec order.Record, ack venue.Ack) order.Record {
	for _, fill := range ack.Fills {
		next, err := g.registry.RecordFill(ctx, rec.DecisionID, fill)
		if err != nil {
			g.logger.Warn("apply ack fill",
				slog.String("decision_id", rec.DecisionID),
				slog.String("fill_id", fill.FillID),
				slog.Any("error", err))
			continue
		}
		rec = next
		g.metrics.recordFill(ctx, rec, "ack")
	}
	next, err := g.applyVenueStatus(ctx, rec, ack.Status)
	if err != nil {
		g.logger.Warn("apply ack status",
			slog.String("decision_id", rec.DecisionID),
			slog.String("status", string(ack.Status)),
			slog.Any("error", err))
		return rec
	}
	return next
}

// applyVenueStatus moves an open record to the terminal state the venue reports.
// Fill driven states are left to RecordFill.
func (g *Gateway) applyVenueStatus(ctx context.Context, rec order.Record, status venue.OrderStatus) (order.Record, error) {
	if !rec.State.Open() {
		return rec, nil
	}
	var to order.State
	switch status {
	case venue.StatusCanceled:
		to = order.StateCancelled
	case venue.StatusExpired:
		to = order.StateExpired
	case venue.StatusRejected:
		to = order.StateRejected
		if !order.CanTransition(rec.State, to) {
			to = order.StateFailed
		}
	default:
		return rec, nil
	}
	cause := errs.New(rec.Venue, errs.CodeRejected,
		errs.WithMessage("venue reported order "+string(status)))
	mutators := []registry.Mutator{}
	if to == order.StateRejected || to == order.StateFailed {
		mutators = append(mutators, registry.WithLastError(cause))
	}
	return g.registry.Transition(ctx, rec.DecisionID, []order.State{order.StateAcknowledged, order.StatePartiallyFilled}, to, mutators...)
}

// terminate moves the record to a terminal state, storing cause in LastError.
func (g *Gateway) terminate(ctx context.Context, rec order.Record, from []order.State, to order.State, cause error) (order.Record, error) {
	next, err := g.registry.Transition(ctx, rec.DecisionID, from, to, registry.WithLastError(cause))
	if err != nil {
		return next, errors.Join(cause, err)
	}
	return next, cause
}

// current re-reads the record, falling back to the last known copy.
func (g *Gateway) current(rec order.Record) order.Record {
	latest, err := g.registry.Get(context.Background(), rec.DecisionID)
	if err != nil {
		return rec
	}
	return latest
}

// HandleFill applies a venue execution to the decision's record.
func (g *Gateway) HandleFill(ctx context.Context, decisionID string, fill order.Fill) (order.Record, error) {
	rec, err := g.registry.RecordFill(ctx, decisionID, fill)
	if err != nil {
		return rec, err
	}
	g.metrics.recordFill(ctx, rec, "event")
	return rec, nil
}

// HandleFillEvent resolves a streamed execution to its decision and applies it.
func (g *Gateway) HandleFillEvent(ctx context.Context, evt venue.FillEvent) (order.Record, error) {
	decisionID, ok := g.registry.DecisionForClientOrder(evt.ClientOrderID)
	if !ok {
		return order.Record{}, errs.New(evt.Venue, errs.CodeNotFound,
			errs.WithMessage("no order for client order id "+evt.ClientOrderID))
	}
	return g.HandleFill(ctx, decisionID, evt.Fill)
}

// CancelOrder cancels a live order at the venue and records the cancellation.
// Only ACKNOWLEDGED and PARTIALLY_FILLED orders can be cancelled.
func (g *Gateway) CancelOrder(ctx context.Context, decisionID string) (order.Record, error) {
	rec, err := g.registry.Get(ctx, decisionID)
	if err != nil {
		return rec, err
	}
	if !rec.State.Open() {
		return rec, errs.New(rec.Venue, errs.CodeInvalidTransition,
			errs.WithMessage(fmt.Sprintf("order %s is %s; only live orders can be cancelled", decisionID, rec.State)))
	}
	adapter, ok := g.venues[rec.Venue]
	if !ok {
		return rec, errs.New(rec.Venue, errs.CodeUnavailable, errs.WithMessage("venue not configured"))
	}
	cb := g.breakers.For(rec.Venue)
	if !cb.Allow() {
		return rec, errs.New(rec.Venue, errs.CodeCircuitOpen,
			errs.WithMessage("circuit breaker open; cancel not sent"))
	}

	callCtx, cancel := context.WithTimeout(ctx, g.retry.AttemptTimeout())
	start := time.Now()
	err = adapter.CancelOrder(callCtx, rec.Symbol, rec.VenueOrderID)
	cancel()
	g.metrics.recordCall(ctx, rec.Venue, opCancelOrder, err, time.Since(start))
	if err != nil {
		if g.retry.Classify(err).Retryable() {
			cb.RecordFailure()
		} else {
			cb.RecordSuccess()
		}
		return g.current(rec), fmt.Errorf("cancel order %s: %w", decisionID, err)
	}
	cb.RecordSuccess()

	next, err := g.registry.Transition(ctx, decisionID,
		[]order.State{order.StateAcknowledged, order.StatePartiallyFilled}, order.StateCancelled)
	if err != nil {
		return next, err
	}
	g.logger.Info("order cancelled",
		slog.String("decision_id", decisionID),
		slog.String("venue_order_id", next.VenueOrderID))
	return next, nil
}

// GetOrder returns the current record for the decision.
func (g *Gateway) GetOrder(ctx context.Context, decisionID string) (order.Record, error) {
	return g.registry.Get(ctx, decisionID)
}

// Statistics returns registry counts by state.
func (g *Gateway) Statistics() registry.Statistics {
	return g.registry.Statistics()
}

// BreakerStatus reports every configured venue's breaker.
func (g *Gateway) BreakerStatus() []breaker.Snapshot {
	return g.breakers.Snapshots()
}

// withRounded stores the venue-rounded quantity and prices on the record.
func withRounded(req venue.Order) registry.Mutator {
	return func(r *order.Record) {
		r.RequestedQuantity = req.Quantity
		r.RemainingQuantity = req.Quantity.Sub(r.FilledQuantity)
		if req.Price != nil {
			p := *req.Price
			r.Price = &p
		}
		if req.StopPrice != nil {
			p := *req.StopPrice
			r.StopPrice = &p
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
