package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/execgate/errs"
	"github.com/coachpo/execgate/internal/domain/order"
	"github.com/coachpo/execgate/internal/domain/venue"
)

func btcOrder(clientID, qty string) venue.Order {
	return venue.Order{
		ClientOrderID: clientID,
		Symbol:        "BTCUSD",
		Direction:     order.DirectionLong,
		Type:          order.TypeMarket,
		Quantity:      decimal.RequireFromString(qty),
	}
}

func TestScriptedFailuresThenSuccess(t *testing.T) {
	a := New(Options{Script: FailThenSucceed(2, OutcomeTransient), Seed: 1})
	ctx := context.Background()

	_, err := a.PlaceOrder(ctx, btcOrder("c1", "0.1"))
	require.True(t, errs.Is(err, errs.CodeTransient))
	_, err = a.PlaceOrder(ctx, btcOrder("c1", "0.1"))
	require.True(t, errs.Is(err, errs.CodeTransient))
	ack, err := a.PlaceOrder(ctx, btcOrder("c1", "0.1"))
	require.NoError(t, err)
	require.NotEmpty(t, ack.VenueOrderID)
	require.Equal(t, venue.StatusNew, ack.Status)
	require.Equal(t, 3, a.PlaceCalls())
}

func TestClientOrderIDDeduplicates(t *testing.T) {
	a := New(Options{Seed: 1})
	ctx := context.Background()
	first, err := a.PlaceOrder(ctx, btcOrder("c1", "0.1"))
	require.NoError(t, err)
	second, err := a.PlaceOrder(ctx, btcOrder("c1", "0.1"))
	require.NoError(t, err)
	require.Equal(t, first.VenueOrderID, second.VenueOrderID)
	require.Equal(t, 1, a.OrderCount())
}

func TestTimeoutOutcomeHonoursContext(t *testing.T) {
	a := New(Options{Script: []Outcome{OutcomeTimeout}, Seed: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := a.PlaceOrder(ctx, btcOrder("c1", "0.1"))
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	a := New(Options{Script: []Outcome{OutcomeRateLimited, OutcomeReject}, RetryAfter: time.Second, Seed: 1})
	_, err := a.PlaceOrder(context.Background(), btcOrder("c1", "0.1"))
	require.True(t, errs.Is(err, errs.CodeRateLimited))
	require.Equal(t, time.Second, errs.RetryAfterOf(err))

	_, err = a.PlaceOrder(context.Background(), btcOrder("c1", "0.1"))
	require.True(t, errs.Is(err, errs.CodeRejected))
}

func TestFailureRateIsSeeded(t *testing.T) {
	run := func() []bool {
		a := New(Options{FailureRate: 0.5, Seed: 11})
		out := make([]bool, 0, 20)
		for i := 0; i < 20; i++ {
			_, err := a.PlaceOrder(context.Background(), btcOrder("c", "0.1"))
			out = append(out, err == nil)
		}
		return out
	}
	require.Equal(t, run(), run())
}

func TestPartialFillSimulation(t *testing.T) {
	a := New(Options{FillSteps: 2, FillPrice: decimal.RequireFromString("100"), Seed: 1})
	ctx := context.Background()

	var events []venue.FillEvent
	streamCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.StreamFills(streamCtx, func(evt venue.FillEvent) { events = append(events, evt) })
	}()
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.handlers) == 1
	}, time.Second, time.Millisecond)

	ack, err := a.PlaceOrder(ctx, btcOrder("c1", "1.0"))
	require.NoError(t, err)

	st, err := a.GetOrderStatus(ctx, "BTCUSD", ack.VenueOrderID)
	require.NoError(t, err)
	require.Equal(t, venue.StatusPartiallyFilled, st.Status)
	require.True(t, st.ExecutedQty.Equal(decimal.RequireFromString("0.5")))

	st, err = a.GetOrderStatus(ctx, "BTCUSD", ack.VenueOrderID)
	require.NoError(t, err)
	require.Equal(t, venue.StatusFilled, st.Status)
	require.True(t, st.AveragePrice().Equal(decimal.RequireFromString("100")))

	stop()
	<-done
	require.Len(t, events, 2)
	require.Equal(t, "c1", events[0].ClientOrderID)
}

func TestCancelOrder(t *testing.T) {
	a := New(Options{Seed: 1})
	ctx := context.Background()
	ack, err := a.PlaceOrder(ctx, btcOrder("c1", "1"))
	require.NoError(t, err)
	require.NoError(t, a.CancelOrder(ctx, "BTCUSD", ack.VenueOrderID))
	err = a.CancelOrder(ctx, "BTCUSD", ack.VenueOrderID)
	require.True(t, errs.Is(err, errs.CodeRejected))
	err = a.CancelOrder(ctx, "BTCUSD", "missing")
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestValidateOrderUsesRules(t *testing.T) {
	a := New(Options{Seed: 1})
	require.NoError(t, a.ValidateOrder(btcOrder("c1", "0.1")))
	require.True(t, errs.Is(a.ValidateOrder(btcOrder("c1", "100000")), errs.CodeValidation))

	unknown := btcOrder("c1", "1")
	unknown.Symbol = "DOGEUSD"
	require.True(t, errs.Is(a.ValidateOrder(unknown), errs.CodeValidation))
}

func TestInfoScriptFailsExchangeInfo(t *testing.T) {
	a := New(Options{InfoScript: []Outcome{OutcomeTransient, OutcomeRateLimited}, RetryAfter: time.Second, Seed: 1})
	ctx := context.Background()

	_, err := a.GetExchangeInfo(ctx)
	require.True(t, errs.Is(err, errs.CodeTransient))
	_, err = a.GetExchangeInfo(ctx)
	require.True(t, errs.Is(err, errs.CodeRateLimited))
	require.Equal(t, time.Second, errs.RetryAfterOf(err))

	info, err := a.GetExchangeInfo(ctx)
	require.NoError(t, err)
	require.Contains(t, info.Symbols, "BTCUSD")
	require.Equal(t, 3, a.InfoCalls())
	require.Zero(t, a.PlaceCalls())

	a.SetInfoScript(OutcomeTimeout)
	tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = a.GetExchangeInfo(tctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}
