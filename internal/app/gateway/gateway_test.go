package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/execgate/errs"
	"github.com/coachpo/execgate/internal/app/breaker"
	"github.com/coachpo/execgate/internal/app/registry"
	"github.com/coachpo/execgate/internal/app/retry"
	"github.com/coachpo/execgate/internal/app/risk"
	"github.com/coachpo/execgate/internal/domain/order"
	"github.com/coachpo/execgate/internal/domain/venue"
	"github.com/coachpo/execgate/internal/infra/adapters/mock"
)

type harness struct {
	gw    *Gateway
	venue *mock.Adapter
	reg   *registry.Registry

	mu     sync.Mutex
	delays []time.Duration
}

func (h *harness) recordedDelays() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.delays...)
}

// newHarness builds a gateway over a single mock venue. Delays are recorded
// and skipped unless realSleep is set.
func newHarness(t *testing.T, venueOpts mock.Options, retryCfg retry.Config, realSleep bool, opts ...Option) *harness {
	t.Helper()
	if venueOpts.Seed == 0 {
		venueOpts.Seed = 1
	}
	if retryCfg.Seed == 0 {
		retryCfg.Seed = 7
	}
	h := &harness{
		venue: mock.New(venueOpts),
		reg:   registry.New(),
	}
	sleeper := func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.delays = append(h.delays, d)
		h.mu.Unlock()
		if realSleep {
			return sleepContext(ctx, d)
		}
		return ctx.Err()
	}
	base := []Option{
		WithRetryPolicy(retry.NewPolicy(retryCfg)),
		WithSleeper(sleeper),
	}
	gw, err := New(h.reg, map[string]venue.Adapter{h.venue.Name(): h.venue}, append(base, opts...)...)
	require.NoError(t, err)
	h.gw = gw
	return h
}

func btcDecision(id, qty string) order.Decision {
	return order.Decision{
		DecisionID: id,
		Symbol:     "BTCUSD",
		Direction:  order.DirectionLong,
		Type:       order.TypeMarket,
		Quantity:   decimal.RequireFromString(qty),
		Timestamp:  time.Now(),
	}
}

func TestExecuteOrderRetriesTransientFailuresThenAcknowledges(t *testing.T) {
	h := newHarness(t,
		mock.Options{Script: mock.FailThenSucceed(2, mock.OutcomeTransient)},
		retry.Config{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, AttemptTimeout: time.Second},
		true)
	ctx := context.Background()

	rec, created, err := h.gw.ExecuteOrder(ctx, btcDecision("d1", "0.1"))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, order.StateAcknowledged, rec.State)
	require.NotEmpty(t, rec.VenueOrderID)
	require.Equal(t, 3, rec.AttemptCount)
	require.Empty(t, rec.LastError)
	require.Equal(t, 3, h.venue.PlaceCalls())

	delays := h.recordedDelays()
	require.Len(t, delays, 2)
	require.Greater(t, delays[1], delays[0])

	calls := h.venue.PlaceCallTimes()
	require.Len(t, calls, 3)
	first := calls[1].Sub(calls[0])
	second := calls[2].Sub(calls[1])
	require.GreaterOrEqual(t, first, delays[0])
	require.Greater(t, second, first)

	replay, created, err := h.gw.ExecuteOrder(ctx, btcDecision("d1", "0.1"))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, rec.VenueOrderID, replay.VenueOrderID)
	require.Equal(t, order.StateAcknowledged, replay.State)
	require.Equal(t, 3, h.venue.PlaceCalls())
}

func TestConcurrentDuplicateDecisionsPlaceOneOrder(t *testing.T) {
	h := newHarness(t, mock.Options{LatencyMin: 5 * time.Millisecond, LatencyMax: 10 * time.Millisecond}, retry.Config{}, false)
	ctx := context.Background()

	var (
		wg       conc.WaitGroup
		created  atomic.Int32
		failures atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Go(func() {
			_, isNew, err := h.gw.ExecuteOrder(ctx, btcDecision("dup", "0.1"))
			if err != nil {
				failures.Add(1)
			}
			if isNew {
				created.Add(1)
			}
		})
	}
	wg.Wait()

	require.Zero(t, failures.Load())
	require.EqualValues(t, 1, created.Load())
	require.Equal(t, 1, h.venue.PlaceCalls())
	require.Equal(t, 1, h.venue.OrderCount())

	first, _, err := h.gw.ExecuteOrder(ctx, btcDecision("dup", "0.1"))
	require.NoError(t, err)
	second, _, err := h.gw.ExecuteOrder(ctx, btcDecision("dup", "0.1"))
	require.NoError(t, err)
	require.NotEmpty(t, first.VenueOrderID)
	require.Equal(t, first.VenueOrderID, second.VenueOrderID)
}

func TestVenueRejectionIsTerminal(t *testing.T) {
	h := newHarness(t, mock.Options{Script: []mock.Outcome{mock.OutcomeReject}}, retry.Config{}, false)

	rec, created, err := h.gw.ExecuteOrder(context.Background(), btcDecision("rej", "0.1"))
	require.Error(t, err)
	require.True(t, created)
	require.True(t, errs.Is(err, errs.CodeRejected))
	require.Equal(t, errs.CanonicalInsufficientBalance, errs.CanonicalOf(err))
	require.Equal(t, order.StateRejected, rec.State)
	require.Contains(t, rec.LastError, "code=rejected")
	require.Equal(t, 1, h.venue.PlaceCalls())
	require.Empty(t, h.recordedDelays())

	replay, created, err := h.gw.ExecuteOrder(context.Background(), btcDecision("rej", "0.1"))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, order.StateRejected, replay.State)
	require.Equal(t, rec.LastError, replay.LastError)
	require.Equal(t, 1, h.venue.PlaceCalls())
}

func TestRiskLimitRejectsBeforeVenueCall(t *testing.T) {
	guard := risk.NewGuard(risk.Limits{MaxOrderQuantity: decimal.NewFromInt(1)})
	h := newHarness(t, mock.Options{}, retry.Config{}, false, WithRiskGuard(guard))

	rec, created, err := h.gw.ExecuteOrder(context.Background(), btcDecision("big", "2"))
	require.Error(t, err)
	require.True(t, created)
	require.True(t, errs.Is(err, errs.CodeRejected))
	require.Equal(t, order.StateRejected, rec.State)
	require.Contains(t, rec.LastError, "risk limit")
	require.Zero(t, h.venue.PlaceCalls())

	rec, _, err = h.gw.ExecuteOrder(context.Background(), btcDecision("small", "0.5"))
	require.NoError(t, err)
	require.Equal(t, order.StateAcknowledged, rec.State)
}

func TestRoundedToZeroQuantityIsRejectedWithoutVenueCall(t *testing.T) {
	h := newHarness(t, mock.Options{}, retry.Config{}, false)

	rec, created, err := h.gw.ExecuteOrder(context.Background(), btcDecision("tiny", "0.000001"))
	require.True(t, created)
	require.True(t, errs.Is(err, errs.CodeValidation))
	require.Equal(t, order.StateRejected, rec.State)
	require.NotEmpty(t, rec.LastError)
	require.Zero(t, h.venue.PlaceCalls())
}

func TestUnknownSymbolIsRejected(t *testing.T) {
	h := newHarness(t, mock.Options{}, retry.Config{}, false)
	d := btcDecision("doge", "1")
	d.Symbol = "DOGEUSD"

	rec, _, err := h.gw.ExecuteOrder(context.Background(), d)
	require.Equal(t, errs.CanonicalInvalidSymbol, errs.CanonicalOf(err))
	require.Equal(t, order.StateRejected, rec.State)
	require.Zero(t, h.venue.PlaceCalls())
}

func TestMalformedDecisionIsRejectedAndReplayed(t *testing.T) {
	h := newHarness(t, mock.Options{}, retry.Config{}, false)
	ctx := context.Background()
	d := btcDecision("bad", "0.1")
	d.Direction = "SIDEWAYS"

	rec, created, err := h.gw.ExecuteOrder(ctx, d)
	require.True(t, created)
	require.True(t, errs.Is(err, errs.CodeValidation))
	require.Equal(t, order.StateRejected, rec.State)
	require.Contains(t, rec.LastError, "direction")

	stored, err := h.gw.GetOrder(ctx, "bad")
	require.NoError(t, err)
	require.Equal(t, order.StateRejected, stored.State)
	require.Equal(t, rec.LastError, stored.LastError)

	replay, created, err := h.gw.ExecuteOrder(ctx, d)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, order.StateRejected, replay.State)

	d = btcDecision("elsewhere", "0.1")
	d.Venue = "kraken"
	rec, _, err = h.gw.ExecuteOrder(ctx, d)
	require.True(t, errs.Is(err, errs.CodeValidation))
	require.Equal(t, order.StateRejected, rec.State)
	require.Zero(t, h.venue.PlaceCalls())
	require.Zero(t, h.venue.InfoCalls())
}

func TestUnaddressableDecisionIDIsNotRegistered(t *testing.T) {
	h := newHarness(t, mock.Options{}, retry.Config{}, false)
	ctx := context.Background()

	for _, id := range []string{"", "stats", "a/b"} {
		_, created, err := h.gw.ExecuteOrder(ctx, btcDecision(id, "0.1"))
		require.False(t, created, id)
		require.True(t, errs.Is(err, errs.CodeValidation), id)
	}
	require.Zero(t, h.gw.Statistics().Total)
}

func TestTransientRulesFetchIsRetried(t *testing.T) {
	h := newHarness(t,
		mock.Options{InfoScript: []mock.Outcome{mock.OutcomeTransient, mock.OutcomeRateLimited}, RetryAfter: 300 * time.Millisecond},
		retry.Config{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond},
		false,
		WithBreakerConfig(breaker.Config{FailureThreshold: 5, RecoveryTimeout: time.Minute}))

	rec, created, err := h.gw.ExecuteOrder(context.Background(), btcDecision("rules", "0.1"))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, order.StateAcknowledged, rec.State)
	require.Equal(t, 3, h.venue.InfoCalls())
	require.Equal(t, 1, h.venue.PlaceCalls())
	require.Equal(t, 1, rec.AttemptCount)
	require.Empty(t, rec.LastError)

	delays := h.recordedDelays()
	require.Len(t, delays, 2)
	require.Equal(t, 300*time.Millisecond, delays[1])
	require.Zero(t, h.gw.BreakerStatus()[0].FailureCount)
}

func TestRulesFetchFailuresExhaustRetries(t *testing.T) {
	h := newHarness(t,
		mock.Options{InfoScript: []mock.Outcome{mock.OutcomeTransient, mock.OutcomeTransient}},
		retry.Config{MaxAttempts: 2},
		false,
		WithBreakerConfig(breaker.Config{FailureThreshold: 5, RecoveryTimeout: time.Minute}))

	rec, _, err := h.gw.ExecuteOrder(context.Background(), btcDecision("cold", "0.1"))
	require.True(t, errs.Is(err, errs.CodeTransient))
	require.Equal(t, order.StateFailed, rec.State)
	require.Contains(t, rec.LastError, "load trading rules")
	require.Zero(t, rec.AttemptCount)
	require.Zero(t, h.venue.PlaceCalls())
	require.Equal(t, 2, h.gw.BreakerStatus()[0].FailureCount)
}

func TestRulesFetchFailuresTripBreaker(t *testing.T) {
	h := newHarness(t,
		mock.Options{InfoScript: []mock.Outcome{mock.OutcomeTransient, mock.OutcomeTransient}},
		retry.Config{MaxAttempts: 3},
		false,
		WithBreakerConfig(breaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Hour}))
	ctx := context.Background()

	rec, _, err := h.gw.ExecuteOrder(ctx, btcDecision("flaky", "0.1"))
	require.True(t, errs.Is(err, errs.CodeCircuitOpen))
	require.Equal(t, order.StateFailed, rec.State)
	require.Equal(t, 2, h.venue.InfoCalls())
	require.Equal(t, breaker.StateOpen, h.gw.BreakerStatus()[0].State)

	rec, _, err = h.gw.ExecuteOrder(ctx, btcDecision("after", "0.1"))
	require.True(t, errs.Is(err, errs.CodeCircuitOpen))
	require.False(t, errs.Is(err, errs.CodeTransient))
	require.Equal(t, order.StateFailed, rec.State)
	require.Equal(t, 2, h.venue.InfoCalls())
	require.Zero(t, h.venue.PlaceCalls())
}

func TestOpenBreakerSkipsRulesFetch(t *testing.T) {
	h := newHarness(t,
		mock.Options{Script: []mock.Outcome{mock.OutcomeTransient}},
		retry.Config{MaxAttempts: 1},
		false,
		WithBreakerConfig(breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour}))
	ctx := context.Background()

	_, _, err := h.gw.ExecuteOrder(ctx, btcDecision("trip", "0.1"))
	require.Error(t, err)
	infoCalls := h.venue.InfoCalls()

	rec, _, err := h.gw.ExecuteOrder(ctx, btcDecision("cold", "0.1"))
	require.True(t, errs.Is(err, errs.CodeCircuitOpen))
	require.Equal(t, order.StateFailed, rec.State)
	require.Equal(t, infoCalls, h.venue.InfoCalls())
}

func TestRoundingIsStoredOnRecord(t *testing.T) {
	h := newHarness(t, mock.Options{}, retry.Config{}, false)
	d := btcDecision("lim", "0.123456")
	d.Type = order.TypeLimit
	price := decimal.RequireFromString("50000.126")
	d.LimitPrice = &price

	rec, _, err := h.gw.ExecuteOrder(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, "0.12345", rec.RequestedQuantity.String())
	require.Equal(t, "0.12345", rec.RemainingQuantity.String())
	require.Equal(t, "50000.13", rec.Price.String())
}

func TestRetriesExhaustedFailsOrder(t *testing.T) {
	h := newHarness(t,
		mock.Options{Script: []mock.Outcome{mock.OutcomeTransient, mock.OutcomeTransient, mock.OutcomeTransient}},
		retry.Config{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond},
		false,
		WithBreakerConfig(breaker.Config{FailureThreshold: 10, RecoveryTimeout: time.Minute}))

	rec, created, err := h.gw.ExecuteOrder(context.Background(), btcDecision("tired", "0.1"))
	require.True(t, created)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeTransient))
	require.Equal(t, order.StateFailed, rec.State)
	require.Equal(t, 3, rec.AttemptCount)
	require.Contains(t, rec.LastError, "retries exhausted")
	require.Equal(t, 3, h.venue.PlaceCalls())
	require.Len(t, h.recordedDelays(), 2)
}

func TestCircuitOpenFailsWithoutVenueCall(t *testing.T) {
	h := newHarness(t,
		mock.Options{Script: []mock.Outcome{mock.OutcomeTransient}},
		retry.Config{MaxAttempts: 1},
		false,
		WithBreakerConfig(breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour}))
	ctx := context.Background()

	rec, _, err := h.gw.ExecuteOrder(ctx, btcDecision("trip", "0.1"))
	require.Error(t, err)
	require.Equal(t, order.StateFailed, rec.State)
	require.Equal(t, 1, h.venue.PlaceCalls())

	snapshots := h.gw.BreakerStatus()
	require.Len(t, snapshots, 1)
	require.Equal(t, breaker.StateOpen, snapshots[0].State)

	rec, created, err := h.gw.ExecuteOrder(ctx, btcDecision("blocked", "0.1"))
	require.True(t, created)
	require.True(t, errs.Is(err, errs.CodeCircuitOpen))
	require.False(t, errs.Is(err, errs.CodeRejected))
	require.Equal(t, order.StateFailed, rec.State)
	require.Contains(t, rec.LastError, "circuit_open")
	require.Zero(t, rec.AttemptCount)
	require.Equal(t, 1, h.venue.PlaceCalls())
}

func TestCircuitOpenOnOneVenueLeavesOthersAlone(t *testing.T) {
	a := mock.New(mock.Options{Name: "alpha", Script: []mock.Outcome{mock.OutcomeTransient}, Seed: 1})
	b := mock.New(mock.Options{Name: "beta", Seed: 2})
	gw, err := New(registry.New(), map[string]venue.Adapter{"alpha": a, "beta": b},
		WithRetryPolicy(retry.NewPolicy(retry.Config{MaxAttempts: 1, Seed: 1})),
		WithBreakerConfig(breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour}),
		WithDefaultVenue("alpha"))
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = gw.ExecuteOrder(ctx, btcDecision("a1", "0.1"))
	require.Error(t, err)

	d := btcDecision("b1", "0.1")
	d.Venue = "beta"
	rec, _, err := gw.ExecuteOrder(ctx, d)
	require.NoError(t, err)
	require.Equal(t, order.StateAcknowledged, rec.State)
	require.Equal(t, "beta", rec.Venue)
}

func TestRateLimitUsesRetryAfter(t *testing.T) {
	h := newHarness(t,
		mock.Options{Script: []mock.Outcome{mock.OutcomeRateLimited}, RetryAfter: 750 * time.Millisecond},
		retry.Config{BaseDelay: 10 * time.Millisecond},
		false)

	rec, _, err := h.gw.ExecuteOrder(context.Background(), btcDecision("slow", "0.1"))
	require.NoError(t, err)
	require.Equal(t, order.StateAcknowledged, rec.State)
	require.Equal(t, []time.Duration{750 * time.Millisecond}, h.recordedDelays())
}

func TestAttemptTimeoutIsRetried(t *testing.T) {
	h := newHarness(t,
		mock.Options{Script: []mock.Outcome{mock.OutcomeTimeout}},
		retry.Config{AttemptTimeout: 20 * time.Millisecond},
		false)

	rec, _, err := h.gw.ExecuteOrder(context.Background(), btcDecision("hang", "0.1"))
	require.NoError(t, err)
	require.Equal(t, order.StateAcknowledged, rec.State)
	require.Equal(t, 2, h.venue.PlaceCalls())
}

func TestCancellationStopsRetriesWithoutTerminalState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	venueAdapter := mock.New(mock.Options{Script: mock.FailThenSucceed(3, mock.OutcomeTransient), Seed: 1})
	reg := registry.New()
	gw, err := New(reg, map[string]venue.Adapter{"mock": venueAdapter},
		WithRetryPolicy(retry.NewPolicy(retry.Config{Seed: 1})),
		WithSleeper(func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		}))
	require.NoError(t, err)

	rec, created, err := gw.ExecuteOrder(ctx, btcDecision("shutdown", "0.1"))
	require.True(t, created)
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, order.StateSubmitted, rec.State)
	require.False(t, rec.State.Terminal())
	require.Equal(t, 1, rec.AttemptCount)
	require.NotEmpty(t, rec.LastError)
	require.Equal(t, 1, venueAdapter.PlaceCalls())
}

func TestHandleFillAccumulatesPartialFills(t *testing.T) {
	h := newHarness(t, mock.Options{}, retry.Config{}, false)
	ctx := context.Background()
	rec, _, err := h.gw.ExecuteOrder(ctx, btcDecision("fills", "1.0"))
	require.NoError(t, err)

	half := decimal.RequireFromString("0.5")
	rec, err = h.gw.HandleFill(ctx, rec.DecisionID, order.Fill{FillID: "f1", Quantity: half, Price: decimal.NewFromInt(100)})
	require.NoError(t, err)
	require.Equal(t, order.StatePartiallyFilled, rec.State)
	require.True(t, rec.FilledQuantity.Equal(half))
	require.True(t, rec.RemainingQuantity.Equal(half))

	rec, err = h.gw.HandleFill(ctx, rec.DecisionID, order.Fill{FillID: "f1", Quantity: half, Price: decimal.NewFromInt(100)})
	require.NoError(t, err)
	require.Len(t, rec.Fills, 1)

	rec, err = h.gw.HandleFill(ctx, rec.DecisionID, order.Fill{FillID: "f2", Quantity: half, Price: decimal.NewFromInt(110)})
	require.NoError(t, err)
	require.Equal(t, order.StateFilled, rec.State)
	require.True(t, rec.RemainingQuantity.IsZero())
	require.Equal(t, "105", rec.AverageFillPrice.String())

	_, err = h.gw.HandleFill(ctx, rec.DecisionID, order.Fill{FillID: "f3", Quantity: half, Price: decimal.NewFromInt(110)})
	require.True(t, errs.Is(err, errs.CodeInvalidTransition))
}

func TestFillForRejectedOrderIsRefused(t *testing.T) {
	h := newHarness(t, mock.Options{Script: []mock.Outcome{mock.OutcomeReject}}, retry.Config{}, false)
	ctx := context.Background()
	rec, _, _ := h.gw.ExecuteOrder(ctx, btcDecision("late", "0.1"))
	require.Equal(t, order.StateRejected, rec.State)

	after, err := h.gw.HandleFill(ctx, "late", order.Fill{FillID: "x", Quantity: decimal.RequireFromString("0.1"), Price: decimal.NewFromInt(1)})
	require.True(t, errs.Is(err, errs.CodeInvalidTransition))
	require.Equal(t, order.StateRejected, after.State)
	require.True(t, after.FilledQuantity.IsZero())
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(t, mock.Options{}, retry.Config{}, false)
	ctx := context.Background()
	rec, _, err := h.gw.ExecuteOrder(ctx, btcDecision("cxl", "0.1"))
	require.NoError(t, err)

	rec, err = h.gw.CancelOrder(ctx, rec.DecisionID)
	require.NoError(t, err)
	require.Equal(t, order.StateCancelled, rec.State)
	require.Equal(t, 1, h.venue.CancelCalls())

	_, err = h.gw.CancelOrder(ctx, rec.DecisionID)
	require.True(t, errs.Is(err, errs.CodeInvalidTransition))
	require.Equal(t, 1, h.venue.CancelCalls())

	_, err = h.gw.CancelOrder(ctx, "missing")
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestStatisticsCountsByState(t *testing.T) {
	h := newHarness(t, mock.Options{Script: []mock.Outcome{mock.OutcomeSuccess, mock.OutcomeReject}}, retry.Config{}, false)
	ctx := context.Background()
	_, _, err := h.gw.ExecuteOrder(ctx, btcDecision("s1", "0.1"))
	require.NoError(t, err)
	_, _, err = h.gw.ExecuteOrder(ctx, btcDecision("s2", "0.1"))
	require.Error(t, err)

	stats := h.gw.Statistics()
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 1, stats.ByState[order.StateAcknowledged])
	require.Equal(t, 1, stats.ByState[order.StateRejected])
}

func TestNewRequiresVenues(t *testing.T) {
	_, err := New(registry.New(), nil)
	require.Error(t, err)
	_, err = New(nil, map[string]venue.Adapter{"mock": mock.New(mock.Options{Seed: 1})})
	require.Error(t, err)
	_, err = New(registry.New(), map[string]venue.Adapter{"mock": mock.New(mock.Options{Seed: 1})}, WithDefaultVenue("other"))
	require.Error(t, err)
}
