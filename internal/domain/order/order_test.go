package order

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/execgate/errs"
)

func TestTransitionTable(t *testing.T) {
	require.True(t, CanTransition(StateCreated, StateValidated))
	require.True(t, CanTransition(StateSubmitted, StateExpired))
	require.True(t, CanTransition(StateAcknowledged, StateCancelled))
	require.True(t, CanTransition(StatePartiallyFilled, StateFilled))
	require.False(t, CanTransition(StatePartiallyFilled, StateRejected))
	require.False(t, CanTransition(StateCreated, StateSubmitted))

	err := ValidateTransition(StateCreated, StateFilled)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeInvalidTransition))
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range States {
		if !from.Terminal() {
			continue
		}
		for _, to := range States {
			err := ValidateTransition(from, to)
			require.Errorf(t, err, "expected %s -> %s to be rejected", from, to)
			require.True(t, errs.Is(err, errs.CodeInvalidTransition))
		}
	}
}

func TestParseState(t *testing.T) {
	s, ok := ParseState(" partially_filled ")
	require.True(t, ok)
	require.Equal(t, StatePartiallyFilled, s)

	_, ok = ParseState("LIVE")
	require.False(t, ok)
}

func TestDecisionValidate(t *testing.T) {
	price := decimal.RequireFromString("100")
	cases := []struct {
		name    string
		d       Decision
		wantErr bool
	}{
		{"market", Decision{DecisionID: "d1", Symbol: "BTCUSD", Direction: DirectionLong, Type: TypeMarket, Quantity: decimal.RequireFromString("0.1")}, false},
		{"limit", Decision{DecisionID: "d1", Symbol: "BTCUSD", Direction: DirectionShort, Type: TypeLimit, Quantity: decimal.RequireFromString("1"), LimitPrice: &price}, false},
		{"limit without price", Decision{DecisionID: "d1", Symbol: "BTCUSD", Direction: DirectionShort, Type: TypeLimit, Quantity: decimal.RequireFromString("1")}, true},
		{"missing id", Decision{Symbol: "BTCUSD", Direction: DirectionLong, Type: TypeMarket, Quantity: decimal.RequireFromString("1")}, true},
		{"zero quantity", Decision{DecisionID: "d1", Symbol: "BTCUSD", Direction: DirectionLong, Type: TypeMarket, Quantity: decimal.Zero}, true},
		{"bad direction", Decision{DecisionID: "d1", Symbol: "BTCUSD", Direction: "UP", Type: TypeMarket, Quantity: decimal.RequireFromString("1")}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.d.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestDecisionNormalize(t *testing.T) {
	d := Decision{DecisionID: " d1 ", Venue: " Binance", Symbol: "btcusdt", Direction: "long"}
	d.Normalize()
	require.Equal(t, "d1", d.DecisionID)
	require.Equal(t, "binance", d.Venue)
	require.Equal(t, "BTCUSDT", d.Symbol)
	require.Equal(t, DirectionLong, d.Direction)
	require.Equal(t, TypeMarket, d.Type)
}

func TestClientOrderIDIsDeterministic(t *testing.T) {
	a := ClientOrderID("decision-1")
	require.Equal(t, a, ClientOrderID("decision-1"))
	require.NotEqual(t, a, ClientOrderID("decision-2"))
	require.LessOrEqual(t, len(a), 36)
}

func TestApplyFillAccounting(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rec := NewRecord(Decision{DecisionID: "d1", Symbol: "BTCUSD", Direction: DirectionLong, Type: TypeMarket, Quantity: decimal.RequireFromString("1.0")}, now)

	next, err := rec.ApplyFill(Fill{FillID: "f1", Quantity: decimal.RequireFromString("0.5"), Price: decimal.RequireFromString("100")})
	require.NoError(t, err)
	require.Equal(t, StatePartiallyFilled, next)
	require.True(t, rec.FilledQuantity.Equal(decimal.RequireFromString("0.5")))
	require.True(t, rec.RemainingQuantity.Equal(decimal.RequireFromString("0.5")))

	next, err = rec.ApplyFill(Fill{FillID: "f2", Quantity: decimal.RequireFromString("0.5"), Price: decimal.RequireFromString("110")})
	require.NoError(t, err)
	require.Equal(t, StateFilled, next)
	require.True(t, rec.RemainingQuantity.IsZero())
	require.True(t, rec.AverageFillPrice.Equal(decimal.RequireFromString("105")), rec.AverageFillPrice.String())
	require.Len(t, rec.Fills, 2)
}

func TestReportedFillConfirmsReconciledQuantity(t *testing.T) {
	rec := NewRecord(Decision{DecisionID: "d1", Symbol: "BTCUSD", Direction: DirectionLong, Type: TypeMarket, Quantity: decimal.RequireFromString("1")}, time.Now())

	next, err := rec.ApplyFill(Fill{FillID: ReconciledFillPrefix + "42-0.6", Quantity: decimal.RequireFromString("0.6"), Price: decimal.RequireFromString("100")})
	require.NoError(t, err)
	require.Equal(t, StatePartiallyFilled, next)
	require.Equal(t, "0.6", rec.UnconfirmedQuantity().String())

	// The first reported execution is fully covered by the poll.
	next, err = rec.ApplyFill(Fill{FillID: "t1", Quantity: decimal.RequireFromString("0.4"), Price: decimal.RequireFromString("85")})
	require.NoError(t, err)
	require.Equal(t, StatePartiallyFilled, next)
	require.Equal(t, "0.6", rec.FilledQuantity.String())
	require.Equal(t, "0.2", rec.UnconfirmedQuantity().String())
	require.Equal(t, "90", rec.AverageFillPrice.String())

	// The second straddles the polled total: 0.2 confirms, 0.3 is new.
	next, err = rec.ApplyFill(Fill{FillID: "t2", Quantity: decimal.RequireFromString("0.5"), Price: decimal.RequireFromString("100")})
	require.NoError(t, err)
	require.Equal(t, StatePartiallyFilled, next)
	require.Equal(t, "0.9", rec.FilledQuantity.String())
	require.True(t, rec.UnconfirmedQuantity().IsZero())
	require.Equal(t, "0.1", rec.RemainingQuantity.String())

	_, err = rec.ApplyFill(Fill{FillID: "t3", Quantity: decimal.RequireFromString("0.2"), Price: decimal.RequireFromString("100")})
	require.Error(t, err)
	require.Equal(t, "0.9", rec.FilledQuantity.String())
}

func TestValidateDecisionID(t *testing.T) {
	require.NoError(t, ValidateDecisionID("strategy-7:2024-01-01T00:00:00Z"))
	for _, id := range []string{"", "stats", "STATS", "a/b", "a?b", "tab\tid", strings.Repeat("x", MaxDecisionIDLength+1)} {
		require.Error(t, ValidateDecisionID(id), id)
	}
}

func TestApplyFillRejectsOverfill(t *testing.T) {
	rec := NewRecord(Decision{DecisionID: "d1", Symbol: "BTCUSD", Direction: DirectionLong, Type: TypeMarket, Quantity: decimal.RequireFromString("1")}, time.Now())
	_, err := rec.ApplyFill(Fill{FillID: "f1", Quantity: decimal.RequireFromString("1.5"), Price: decimal.RequireFromString("1")})
	require.Error(t, err)
	require.True(t, rec.FilledQuantity.IsZero())
	require.Empty(t, rec.Fills)
}

func TestCloneIsDeep(t *testing.T) {
	price := decimal.RequireFromString("10")
	rec := NewRecord(Decision{DecisionID: "d1", Quantity: decimal.RequireFromString("1"), LimitPrice: &price, Metadata: map[string]string{"k": "v"}}, time.Now())
	_, err := rec.ApplyFill(Fill{FillID: "f1", Quantity: decimal.RequireFromString("0.1"), Price: price})
	require.NoError(t, err)

	clone := rec.Clone()
	clone.Metadata["k"] = "changed"
	clone.Fills[0].FillID = "changed"
	require.Equal(t, "v", rec.Metadata["k"])
	require.Equal(t, "f1", rec.Fills[0].FillID)
	require.True(t, rec.HasFill("f1"))
	require.False(t, rec.HasFill(""))
}
