// Package mock provides a deterministic in-process venue for exercising the
// gateway's retry, circuit breaker and partial fill handling.
package mock

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/execgate/errs"
	"github.com/coachpo/execgate/internal/domain/order"
	"github.com/coachpo/execgate/internal/domain/venue"
)

type mockOrder struct {
	venueOrderID  string
	clientOrderID string
	symbol        string
	quantity      decimal.Decimal
	price         decimal.Decimal
	executed      decimal.Decimal
	quote         decimal.Decimal
	status        venue.OrderStatus
	fillsLeft     int
	updatedAt     time.Time
}

// Adapter is an in-memory venue implementing venue.Adapter and venue.FillStreamer.
type Adapter struct {
	opts  Options
	rules map[string]venue.SymbolRules

	mu         sync.Mutex
	rng        *rand.Rand
	script     []Outcome
	infoScript []Outcome
	infoCalls  int
	nextID     int64
	orders     map[string]*mockOrder
	byClient   map[string]string
	placeCalls []time.Time
	cancels    int
	statuses   int
	handlers   map[int]func(venue.FillEvent)
	nextHandle int
}

// New constructs a mock venue.
func New(opts Options) *Adapter {
	opts = withDefaults(opts)
	rules := make(map[string]venue.SymbolRules, len(opts.Symbols))
	for _, r := range opts.Symbols {
		rules[r.Symbol] = r
	}
	return &Adapter{
		opts:  opts,
		rules: rules,
		// #nosec G404 -- simulation randomness.
		rng:        rand.New(rand.NewSource(opts.Seed)),
		script:     append([]Outcome(nil), opts.Script...),
		infoScript: append([]Outcome(nil), opts.InfoScript...),
		nextID:     1000,
		orders:     make(map[string]*mockOrder),
		byClient:   make(map[string]string),
		handlers:   make(map[int]func(venue.FillEvent)),
	}
}

// Name returns the venue identifier.
func (a *Adapter) Name() string { return a.opts.Name }

// GetExchangeInfo returns the configured trading rules unless InfoScript
// scripts a failure for this call.
func (a *Adapter) GetExchangeInfo(ctx context.Context) (venue.ExchangeInfo, error) {
	a.mu.Lock()
	a.infoCalls++
	outcome := OutcomeSuccess
	if len(a.infoScript) > 0 {
		outcome = a.infoScript[0]
		a.infoScript = a.infoScript[1:]
	}
	a.mu.Unlock()

	if err := a.latency(ctx); err != nil {
		return venue.ExchangeInfo{}, err
	}
	if outcome == OutcomeTimeout {
		<-ctx.Done()
		return venue.ExchangeInfo{}, ctx.Err()
	}
	if err := a.outcomeError(outcome); err != nil {
		return venue.ExchangeInfo{}, err
	}
	symbols := make(map[string]venue.SymbolRules, len(a.rules))
	for k, v := range a.rules {
		symbols[k] = v
	}
	return venue.ExchangeInfo{Venue: a.opts.Name, Symbols: symbols, FetchedAt: time.Now()}, nil
}

// ValidateOrder checks o against the configured rules without I/O.
func (a *Adapter) ValidateOrder(o venue.Order) error {
	rules, ok := a.rules[o.Symbol]
	if !ok {
		return venue.UnknownSymbol(a.opts.Name, o.Symbol)
	}
	return venue.Validate(a.opts.Name, rules, o)
}

// SymbolRules exposes the rules used for rounding.
func (a *Adapter) SymbolRules(symbol string) (venue.SymbolRules, bool) {
	r, ok := a.rules[symbol]
	return r, ok
}

// PlaceOrder consumes the next scripted outcome, falling back to the failure rate.
func (a *Adapter) PlaceOrder(ctx context.Context, o venue.Order) (venue.Ack, error) {
	a.mu.Lock()
	a.placeCalls = append(a.placeCalls, time.Now())
	outcome := OutcomeSuccess
	if len(a.script) > 0 {
		outcome = a.script[0]
		a.script = a.script[1:]
	} else if a.opts.FailureRate > 0 && a.rng.Float64() < a.opts.FailureRate {
		outcome = OutcomeTransient
	}
	a.mu.Unlock()

	if err := a.latency(ctx); err != nil {
		return venue.Ack{}, err
	}

	if outcome == OutcomeTimeout {
		<-ctx.Done()
		return venue.Ack{}, ctx.Err()
	}
	if err := a.outcomeError(outcome); err != nil {
		return venue.Ack{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if id, ok := a.byClient[o.ClientOrderID]; ok {
		existing := a.orders[id]
		return venue.Ack{
			VenueOrderID:  existing.venueOrderID,
			ClientOrderID: existing.clientOrderID,
			Status:        existing.status,
			ExecutedQty:   existing.executed,
			TransactTime:  existing.updatedAt,
		}, nil
	}

	a.nextID++
	price := a.opts.FillPrice
	if o.Price != nil {
		price = *o.Price
	}
	mo := &mockOrder{
		venueOrderID:  strconv.FormatInt(a.nextID, 10),
		clientOrderID: o.ClientOrderID,
		symbol:        o.Symbol,
		quantity:      o.Quantity,
		price:         price,
		executed:      decimal.Zero,
		quote:         decimal.Zero,
		status:        venue.StatusNew,
		fillsLeft:     a.opts.FillSteps,
		updatedAt:     time.Now(),
	}
	a.orders[mo.venueOrderID] = mo
	a.byClient[mo.clientOrderID] = mo.venueOrderID

	return venue.Ack{
		VenueOrderID:  mo.venueOrderID,
		ClientOrderID: mo.clientOrderID,
		Status:        mo.status,
		ExecutedQty:   decimal.Zero,
		TransactTime:  mo.updatedAt,
	}, nil
}

// CancelOrder cancels an open order.
func (a *Adapter) CancelOrder(ctx context.Context, _ string, venueOrderID string) error {
	if err := a.latency(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels++
	mo, ok := a.orders[venueOrderID]
	if !ok {
		return errs.New(a.opts.Name, errs.CodeNotFound,
			errs.WithHTTP(http.StatusBadRequest),
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound),
			errs.WithMessage("unknown order "+venueOrderID))
	}
	switch mo.status {
	case venue.StatusNew, venue.StatusPartiallyFilled:
		mo.status = venue.StatusCanceled
		mo.updatedAt = time.Now()
		return nil
	default:
		return errs.New(a.opts.Name, errs.CodeRejected,
			errs.WithHTTP(http.StatusBadRequest),
			errs.WithMessage("order "+venueOrderID+" is "+string(mo.status)))
	}
}

// GetOrderStatus reports the order and releases the next simulated partial fill.
func (a *Adapter) GetOrderStatus(ctx context.Context, _ string, venueOrderID string) (venue.Status, error) {
	if err := a.latency(ctx); err != nil {
		return venue.Status{}, err
	}
	a.mu.Lock()
	a.statuses++
	mo, ok := a.orders[venueOrderID]
	if !ok {
		a.mu.Unlock()
		return venue.Status{}, errs.New(a.opts.Name, errs.CodeNotFound,
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound),
			errs.WithMessage("unknown order "+venueOrderID))
	}
	var evt *venue.FillEvent
	if mo.fillsLeft > 0 && (mo.status == venue.StatusNew || mo.status == venue.StatusPartiallyFilled) {
		remaining := mo.quantity.Sub(mo.executed)
		qty := remaining
		if mo.fillsLeft > 1 {
			qty = mo.quantity.Div(decimal.NewFromInt(int64(a.opts.FillSteps))).Truncate(8)
			if qty.GreaterThan(remaining) {
				qty = remaining
			}
		}
		mo.fillsLeft--
		e := a.applyFillLocked(mo, qty, mo.price)
		evt = &e
	}
	status := snapshot(mo)
	handlers := a.handlersLocked()
	a.mu.Unlock()

	if evt != nil {
		for _, h := range handlers {
			h(*evt)
		}
	}
	return status, nil
}

// SimulateFill executes qty of the order at price and pushes the fill to
// stream subscribers.
func (a *Adapter) SimulateFill(venueOrderID string, qty, price decimal.Decimal) (venue.FillEvent, error) {
	a.mu.Lock()
	mo, ok := a.orders[venueOrderID]
	if !ok {
		a.mu.Unlock()
		return venue.FillEvent{}, errs.New(a.opts.Name, errs.CodeNotFound, errs.WithMessage("unknown order "+venueOrderID))
	}
	remaining := mo.quantity.Sub(mo.executed)
	if qty.GreaterThan(remaining) {
		qty = remaining
	}
	evt := a.applyFillLocked(mo, qty, price)
	handlers := a.handlersLocked()
	a.mu.Unlock()

	for _, h := range handlers {
		h(evt)
	}
	return evt, nil
}

// StreamFills delivers simulated fills until ctx is cancelled.
func (a *Adapter) StreamFills(ctx context.Context, handler func(venue.FillEvent)) error {
	a.mu.Lock()
	a.nextHandle++
	handle := a.nextHandle
	a.handlers[handle] = handler
	a.mu.Unlock()

	<-ctx.Done()

	a.mu.Lock()
	delete(a.handlers, handle)
	a.mu.Unlock()
	return ctx.Err()
}

// PlaceCalls returns the number of PlaceOrder invocations.
func (a *Adapter) PlaceCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.placeCalls)
}

// PlaceCallTimes returns the start time of every PlaceOrder invocation.
func (a *Adapter) PlaceCallTimes() []time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]time.Time(nil), a.placeCalls...)
}

// OrderCount returns the number of distinct orders accepted by the venue.
func (a *Adapter) OrderCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.orders)
}

// CancelCalls returns the number of CancelOrder invocations.
func (a *Adapter) CancelCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancels
}

// SetScript replaces the remaining scripted outcomes.
func (a *Adapter) SetScript(script ...Outcome) {
	a.mu.Lock()
	a.script = append([]Outcome(nil), script...)
	a.mu.Unlock()
}

// Expire marks an open order as expired at the venue.
func (a *Adapter) Expire(venueOrderID string) {
	a.mu.Lock()
	if mo, ok := a.orders[venueOrderID]; ok {
		mo.status = venue.StatusExpired
		mo.updatedAt = time.Now()
	}
	a.mu.Unlock()
}

// InfoCalls returns the number of GetExchangeInfo invocations.
func (a *Adapter) InfoCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.infoCalls
}

// SetInfoScript replaces the remaining scripted GetExchangeInfo outcomes.
func (a *Adapter) SetInfoScript(script ...Outcome) {
	a.mu.Lock()
	a.infoScript = append([]Outcome(nil), script...)
	a.mu.Unlock()
}

func (a *Adapter) outcomeError(outcome Outcome) error {
	switch outcome {
	case OutcomeTransient:
		return errs.New(a.opts.Name, errs.CodeTransient,
			errs.WithHTTP(http.StatusServiceUnavailable),
			errs.WithMessage("simulated venue outage"))
	case OutcomeRateLimited:
		return errs.New(a.opts.Name, errs.CodeRateLimited,
			errs.WithHTTP(http.StatusTooManyRequests),
			errs.WithRetryAfter(a.opts.RetryAfter),
			errs.WithMessage("simulated rate limit"))
	case OutcomeReject:
		return errs.New(a.opts.Name, errs.CodeRejected,
			errs.WithHTTP(http.StatusBadRequest),
			errs.WithCanonicalCode(errs.CanonicalInsufficientBalance),
			errs.WithMessage("simulated insufficient balance"))
	default:
		return nil
	}
}

func (a *Adapter) applyFillLocked(mo *mockOrder, qty, price decimal.Decimal) venue.FillEvent {
	mo.executed = mo.executed.Add(qty)
	mo.quote = mo.quote.Add(qty.Mul(price))
	mo.updatedAt = time.Now()
	if mo.executed.Equal(mo.quantity) {
		mo.status = venue.StatusFilled
	} else {
		mo.status = venue.StatusPartiallyFilled
	}
	return venue.FillEvent{
		Venue:         a.opts.Name,
		Symbol:        mo.symbol,
		ClientOrderID: mo.clientOrderID,
		VenueOrderID:  mo.venueOrderID,
		Fill: order.Fill{
			FillID:    uuid.NewString(),
			Quantity:  qty,
			Price:     price,
			Timestamp: mo.updatedAt,
		},
	}
}

func (a *Adapter) handlersLocked() []func(venue.FillEvent) {
	out := make([]func(venue.FillEvent), 0, len(a.handlers))
	for _, h := range a.handlers {
		out = append(out, h)
	}
	return out
}

func (a *Adapter) latency(ctx context.Context) error {
	delay := a.opts.LatencyMin
	if spread := a.opts.LatencyMax - a.opts.LatencyMin; spread > 0 {
		a.mu.Lock()
		delay += time.Duration(a.rng.Int63n(int64(spread)))
		a.mu.Unlock()
	}
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func snapshot(mo *mockOrder) venue.Status {
	return venue.Status{
		VenueOrderID:    mo.venueOrderID,
		ClientOrderID:   mo.clientOrderID,
		Status:          mo.status,
		ExecutedQty:     mo.executed,
		CumulativeQuote: mo.quote,
		UpdatedAt:       mo.updatedAt,
	}
}
