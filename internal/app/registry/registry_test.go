package registry

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
	"github.com/coachpo/execgate/internal/domain/order"
	"github.com/coachpo/execgate/internal/domain/orderstore"
)

func decision(id, qty string) order.Decision {
	return order.Decision{
		DecisionID: id,
		Venue:      "mock",
		Symbol:     "BTCUSD",
		Direction:  order.DirectionLong,
		Type:       order.TypeMarket,
		Quantity:   decimal.RequireFromString(qty),
	}
}

func fill(id, qty, price string) order.Fill {
	return order.Fill{FillID: id, Quantity: decimal.RequireFromString(qty), Price: decimal.RequireFromString(price)}
}

func acknowledged(t *testing.T, r *Registry, id, qty string) {
	t.Helper()
	ctx := context.Background()
	_, created, err := r.RegisterOrGet(ctx, decision(id, qty))
	require.NoError(t, err)
	require.True(t, created)
	for _, step := range []order.State{order.StateValidated, order.StateSubmitted, order.StateAcknowledged} {
		_, err := r.Transition(ctx, id, nil, step)
		require.NoError(t, err)
	}
}

func TestRegisterOrGetIsIdempotentUnderConcurrency(t *testing.T) {
	r := New()
	var created atomic.Int32
	var wg conc.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Go(func() {
			rec, isNew, err := r.RegisterOrGet(context.Background(), decision("d1", "1"))
			require.NoError(t, err)
			require.Equal(t, "d1", rec.DecisionID)
			if isNew {
				created.Add(1)
			}
		})
	}
	wg.Wait()
	require.EqualValues(t, 1, created.Load())
	require.Equal(t, 1, r.Statistics().Total)
}

func TestRegisterOrGetReturnsCurrentState(t *testing.T) {
	r := New()
	acknowledged(t, r, "d1", "1")
	rec, isNew, err := r.RegisterOrGet(context.Background(), decision("d1", "5"))
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, order.StateAcknowledged, rec.State)
	require.True(t, rec.RequestedQuantity.Equal(decimal.RequireFromString("1")))
}

func TestTransitionEnforcesFromSet(t *testing.T) {
	r := New()
	ctx := context.Background()
	_, _, err := r.RegisterOrGet(ctx, decision("d1", "1"))
	require.NoError(t, err)

	_, err = r.Transition(ctx, "d1", []order.State{order.StateValidated}, order.StateSubmitted)
	require.True(t, errs.Is(err, errs.CodeInvalidTransition))

	_, err = r.Transition(ctx, "d1", []order.State{order.StateCreated}, order.StateFilled)
	require.True(t, errs.Is(err, errs.CodeInvalidTransition))

	rec, err := r.Transition(ctx, "d1", []order.State{order.StateCreated}, order.StateValidated, WithAttempt(0))
	require.NoError(t, err)
	require.Equal(t, order.StateValidated, rec.State)
}

func TestConcurrentTransitionsFromSameStateOnlyOneWins(t *testing.T) {
	r := New()
	ctx := context.Background()
	_, _, err := r.RegisterOrGet(ctx, decision("d1", "1"))
	require.NoError(t, err)

	var wins atomic.Int32
	var wg conc.WaitGroup
	for i := 0; i < 16; i++ {
		to := order.StateValidated
		if i%2 == 0 {
			to = order.StateRejected
		}
		wg.Go(func() {
			if _, err := r.Transition(ctx, "d1", []order.State{order.StateCreated}, to); err == nil {
				wins.Add(1)
			}
		})
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
}

func TestTerminalStateRejectsTransitions(t *testing.T) {
	r := New()
	ctx := context.Background()
	acknowledged(t, r, "d1", "1")
	_, err := r.RecordFill(ctx, "d1", fill("f1", "1", "100"))
	require.NoError(t, err)

	_, err = r.Transition(ctx, "d1", nil, order.StateCancelled)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeInvalidTransition))
}

func TestRecordFillPartialThenComplete(t *testing.T) {
	r := New()
	ctx := context.Background()
	acknowledged(t, r, "d1", "1.0")

	rec, err := r.RecordFill(ctx, "d1", fill("f1", "0.5", "100"))
	require.NoError(t, err)
	require.Equal(t, order.StatePartiallyFilled, rec.State)
	require.True(t, rec.FilledQuantity.Equal(decimal.RequireFromString("0.5")))
	require.True(t, rec.RemainingQuantity.Equal(decimal.RequireFromString("0.5")))

	rec, err = r.RecordFill(ctx, "d1", fill("f2", "0.25", "100"))
	require.NoError(t, err)
	require.Equal(t, order.StatePartiallyFilled, rec.State)

	rec, err = r.RecordFill(ctx, "d1", fill("f3", "0.25", "100"))
	require.NoError(t, err)
	require.Equal(t, order.StateFilled, rec.State)
	require.True(t, rec.RemainingQuantity.IsZero())
	require.Len(t, rec.Fills, 3)
}

func TestRecordFillDuplicateIsNoop(t *testing.T) {
	r := New()
	ctx := context.Background()
	acknowledged(t, r, "d1", "1")

	_, err := r.RecordFill(ctx, "d1", fill("f1", "0.4", "100"))
	require.NoError(t, err)
	rec, err := r.RecordFill(ctx, "d1", fill("f1", "0.4", "100"))
	require.NoError(t, err)
	require.Len(t, rec.Fills, 1)
	require.True(t, rec.FilledQuantity.Equal(decimal.RequireFromString("0.4")))
}

func TestRecordFillRejectsOverfill(t *testing.T) {
	r := New()
	ctx := context.Background()
	acknowledged(t, r, "d1", "1")

	_, err := r.RecordFill(ctx, "d1", fill("f1", "2", "100"))
	require.True(t, errs.Is(err, errs.CodeConflict))
	rec, err := r.Get(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, order.StateAcknowledged, rec.State)
	require.True(t, rec.FilledQuantity.IsZero())
}

func TestRecordFillOnCancelledOrderRejected(t *testing.T) {
	r := New()
	ctx := context.Background()
	acknowledged(t, r, "d1", "1")
	_, err := r.Transition(ctx, "d1", nil, order.StateCancelled)
	require.NoError(t, err)

	_, err = r.RecordFill(ctx, "d1", fill("f1", "0.1", "100"))
	require.True(t, errs.Is(err, errs.CodeInvalidTransition))
	rec, err := r.Get(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, order.StateCancelled, rec.State)
	require.Empty(t, rec.Fills)
}

func TestGetUnknown(t *testing.T) {
	_, err := New().Get(context.Background(), "missing")
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestCleanupOldOrdersKeepsLiveRecords(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	r := New(WithClock(clock))
	ctx := context.Background()

	acknowledged(t, r, "live", "1")
	acknowledged(t, r, "done", "1")
	_, err := r.RecordFill(ctx, "done", fill("f1", "1", "10"))
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	require.Equal(t, 1, r.CleanupOldOrders(time.Hour))
	_, err = r.Get(ctx, "done")
	require.True(t, errs.Is(err, errs.CodeNotFound))
	_, err = r.Get(ctx, "live")
	require.NoError(t, err)
	require.Zero(t, r.CleanupOldOrders(time.Hour))
}

func TestStatisticsCountsByState(t *testing.T) {
	r := New()
	ctx := context.Background()
	acknowledged(t, r, "a", "1")
	_, _, err := r.RegisterOrGet(ctx, decision("b", "1"))
	require.NoError(t, err)

	stats := r.Statistics()
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 1, stats.ByState[order.StateAcknowledged])
	require.Equal(t, 1, stats.ByState[order.StateCreated])
	require.Zero(t, stats.ByState[order.StateFilled])
}

func TestObserverSeesOrderedEvents(t *testing.T) {
	var events []order.Event
	r := New(WithObserver(func(evt order.Event) { events = append(events, evt) }))
	acknowledged(t, r, "d1", "1")
	_, err := r.RecordFill(context.Background(), "d1", fill("f1", "1", "10"))
	require.NoError(t, err)

	require.Len(t, events, 5)
	require.Equal(t, order.EventCreated, events[0].Kind)
	require.Equal(t, order.StateCreated, events[1].From)
	require.Equal(t, order.StateValidated, events[1].To)
	require.Equal(t, order.EventFill, events[4].Kind)
	require.Equal(t, order.StateFilled, events[4].To)
	require.NotNil(t, events[4].Fill)
}

func TestDecisionForClientOrder(t *testing.T) {
	r := New()
	rec, _, err := r.RegisterOrGet(context.Background(), decision("d1", "1"))
	require.NoError(t, err)
	id, ok := r.DecisionForClientOrder(rec.ClientOrderID)
	require.True(t, ok)
	require.Equal(t, "d1", id)
}

type memoryStore struct {
	mu      sync.Mutex
	records map[string]order.Record
	fills   int
	failAll error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]order.Record)}
}

func (s *memoryStore) CreateOrder(_ context.Context, rec order.Record) (order.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return order.Record{}, false, s.failAll
	}
	if existing, ok := s.records[rec.DecisionID]; ok {
		return existing, false, nil
	}
	s.records[rec.DecisionID] = rec.Clone()
	return rec, true, nil
}

func (s *memoryStore) SaveOrder(_ context.Context, rec order.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return s.failAll
	}
	s.records[rec.DecisionID] = rec.Clone()
	return nil
}

func (s *memoryStore) RecordFill(_ context.Context, rec order.Record, _ order.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills++
	s.records[rec.DecisionID] = rec.Clone()
	return nil
}

func (s *memoryStore) LoadOrders(_ context.Context, q orderstore.Query) ([]order.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []order.Record
	for _, rec := range s.records {
		if !rec.State.Terminal() || !rec.UpdatedAt.Before(q.UpdatedSince) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func TestWriteThroughAndRehydrate(t *testing.T) {
	store := newMemoryStore()
	r := New(WithStore(store))
	ctx := context.Background()
	acknowledged(t, r, "d1", "1")
	_, err := r.RecordFill(ctx, "d1", fill("f1", "0.5", "10"))
	require.NoError(t, err)
	require.Equal(t, order.StatePartiallyFilled, store.records["d1"].State)
	require.Equal(t, 1, store.fills)

	restarted := New(WithStore(store))
	n, err := restarted.Rehydrate(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec, isNew, err := restarted.RegisterOrGet(ctx, decision("d1", "1"))
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, order.StatePartiallyFilled, rec.State)
}

func TestStoreConflictReturnsExistingRecord(t *testing.T) {
	store := newMemoryStore()
	other := order.NewRecord(decision("d1", "1"), time.Now())
	other.State = order.StateAcknowledged
	store.records["d1"] = other

	r := New(WithStore(store))
	rec, isNew, err := r.RegisterOrGet(context.Background(), decision("d1", "1"))
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, order.StateAcknowledged, rec.State)
}

func TestPersistFailureDoesNotRegister(t *testing.T) {
	store := newMemoryStore()
	store.failAll = errors.New("db down")
	r := New(WithStore(store))

	_, _, err := r.RegisterOrGet(context.Background(), decision("d1", "1"))
	require.Error(t, err)
	_, err = r.Get(context.Background(), "d1")
	require.True(t, errs.Is(err, errs.CodeNotFound))

	store.failAll = nil
	_, isNew, err := r.RegisterOrGet(context.Background(), decision("d1", "1"))
	require.NoError(t, err)
	require.True(t, isNew)
}
