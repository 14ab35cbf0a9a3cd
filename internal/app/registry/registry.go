// Package registry is the authoritative, idempotent store of order decisions and
// their lifecycle state.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/coachpo/execgate/errs"
	"github.com/coachpo/execgate/internal/domain/order"
	"github.com/coachpo/execgate/internal/domain/orderstore"
)

// Observer receives committed registry events. Observers run while the record
// lock is held and must not block or call back into the registry.
type Observer func(order.Event)

// Mutator adjusts a record inside a locked registry operation.
type Mutator func(*order.Record)

// WithVenueOrderID stores the venue-assigned order id.
func WithVenueOrderID(id string) Mutator {
	return func(r *order.Record) {
		if id != "" {
			r.VenueOrderID = id
		}
	}
}

// WithLastError records err on the record; nil clears it.
func WithLastError(err error) Mutator {
	return func(r *order.Record) {
		if err == nil {
			r.LastError = ""
			return
		}
		r.LastError = err.Error()
	}
}

// WithAttempt records the number of venue calls made so far.
func WithAttempt(n int) Mutator {
	return func(r *order.Record) {
		r.AttemptCount = n
	}
}

// Statistics reports record counts by state.
type Statistics struct {
	Total   int                 `json:"total"`
	ByState map[order.State]int `json:"by_state"`
}

// Option customises a registry.
type Option func(*Registry)

// WithStore enables write-through persistence.
func WithStore(store orderstore.Store) Option {
	return func(r *Registry) {
		r.store = store
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithObserver registers an event observer.
func WithObserver(fn Observer) Option {
	return func(r *Registry) {
		if fn != nil {
			r.observers = append(r.observers, fn)
		}
	}
}

type entry struct {
	mu      sync.Mutex
	rec     order.Record
	removed bool
}

// Registry maps decision ids to order records. Operations on one record are
// serialized by a per-record lock; the index lock is held only for map access.
type Registry struct {
	store     orderstore.Store
	logger    *slog.Logger
	now       func() time.Time
	observers []Observer

	mu       sync.RWMutex
	entries  map[string]*entry
	byClient map[string]string
}

// New constructs an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		logger:   slog.Default(),
		now:      time.Now,
		entries:  make(map[string]*entry),
		byClient: make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RegisterOrGet inserts a CREATED record for the decision if none exists.
// Exactly one caller per decision id observes created=true; every other caller
// receives the existing record unchanged.
func (r *Registry) RegisterOrGet(ctx context.Context, d order.Decision) (order.Record, bool, error) {
	for {
		if e := r.lookup(d.DecisionID); e != nil {
			e.mu.Lock()
			if e.removed {
				e.mu.Unlock()
				continue
			}
			rec := e.rec.Clone()
			e.mu.Unlock()
			return rec, false, nil
		}

		r.mu.Lock()
		if _, exists := r.entries[d.DecisionID]; exists {
			r.mu.Unlock()
			continue
		}
		e := &entry{rec: order.NewRecord(d, r.now())}
		// Lock before publishing so concurrent readers wait for persistence.
		e.mu.Lock()
		r.entries[d.DecisionID] = e
		r.byClient[e.rec.ClientOrderID] = d.DecisionID
		r.mu.Unlock()

		return r.finishCreate(ctx, e)
	}
}

func (r *Registry) finishCreate(ctx context.Context, e *entry) (order.Record, bool, error) {
	if r.store != nil {
		stored, created, err := r.store.CreateOrder(ctx, e.rec)
		if err != nil {
			e.removed = true
			e.mu.Unlock()
			r.drop(e)
			return order.Record{}, false, fmt.Errorf("persist order %s: %w", e.rec.DecisionID, err)
		}
		if !created {
			// Another gateway process owns this decision.
			e.rec = stored.Clone()
			rec := e.rec.Clone()
			e.mu.Unlock()
			return rec, false, nil
		}
	}

	r.emit(order.Event{Kind: order.EventCreated, To: e.rec.State}, e.rec)
	rec := e.rec.Clone()
	e.mu.Unlock()
	return rec, true, nil
}

// drop unindexes an entry whose creation failed. Callers must not hold e.mu.
func (r *Registry) drop(e *entry) {
	r.mu.Lock()
	if r.entries[e.rec.DecisionID] == e {
		delete(r.entries, e.rec.DecisionID)
		delete(r.byClient, e.rec.ClientOrderID)
	}
	r.mu.Unlock()
}

// Get returns the record for the decision id.
func (r *Registry) Get(_ context.Context, decisionID string) (order.Record, error) {
	e := r.lookup(decisionID)
	if e == nil {
		return order.Record{}, notFound(decisionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return order.Record{}, notFound(decisionID)
	}
	return e.rec.Clone(), nil
}

// DecisionForClientOrder resolves a venue client order id back to its decision id.
func (r *Registry) DecisionForClientOrder(clientOrderID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byClient[clientOrderID]
	return id, ok
}

// Transition moves the record to state to when its current state is in from and
// the lifecycle permits the edge. Mutators are applied in the same critical section.
func (r *Registry) Transition(ctx context.Context, decisionID string, from []order.State, to order.State, mutators ...Mutator) (order.Record, error) {
	return r.withEntry(decisionID, func(e *entry) (order.Record, error) {
		current := e.rec.State
		if len(from) > 0 && !slices.Contains(from, current) {
			return e.rec.Clone(), errs.New("", errs.CodeInvalidTransition,
				errs.WithMessage(fmt.Sprintf("order %s is %s, expected one of %v", decisionID, current, from)))
		}
		if err := order.ValidateTransition(current, to); err != nil {
			return e.rec.Clone(), fmt.Errorf("order %s: %w", decisionID, err)
		}

		next := e.rec.Clone()
		for _, m := range mutators {
			m(&next)
		}
		next.State = to
		next.UpdatedAt = r.now()

		if err := r.persist(ctx, next); err != nil {
			return e.rec.Clone(), err
		}
		e.rec = next
		r.emit(order.Event{Kind: order.EventTransition, From: current, To: to}, next)
		return next.Clone(), nil
	})
}

// Update applies bookkeeping mutators without changing state.
func (r *Registry) Update(ctx context.Context, decisionID string, mutators ...Mutator) (order.Record, error) {
	return r.withEntry(decisionID, func(e *entry) (order.Record, error) {
		next := e.rec.Clone()
		for _, m := range mutators {
			m(&next)
		}
		next.State = e.rec.State
		next.UpdatedAt = r.now()
		if err := r.persist(ctx, next); err != nil {
			return e.rec.Clone(), err
		}
		e.rec = next
		r.emit(order.Event{Kind: order.EventUpdate, From: next.State, To: next.State}, next)
		return next.Clone(), nil
	})
}

// RecordFill applies an execution, recomputing filled, remaining and average
// price, and moves the record to FILLED or PARTIALLY_FILLED. A fill id already
// applied is a no-op. Fills against records that are not live at the venue are
// rejected, except a reported execution that confirms quantity a reconciled
// fill already moved to FILLED.
func (r *Registry) RecordFill(ctx context.Context, decisionID string, fill order.Fill) (order.Record, error) {
	return r.withEntry(decisionID, func(e *entry) (order.Record, error) {
		if e.rec.HasFill(fill.FillID) {
			return e.rec.Clone(), nil
		}
		current := e.rec.State
		if !current.Open() && !confirmsReconciled(e.rec, fill) {
			r.logger.Warn("fill rejected for order not open at venue",
				slog.String("decision_id", decisionID),
				slog.String("state", string(current)),
				slog.String("fill_id", fill.FillID),
				slog.String("quantity", fill.Quantity.String()))
			return e.rec.Clone(), errs.New(e.rec.Venue, errs.CodeInvalidTransition,
				errs.WithMessage(fmt.Sprintf("fill for order %s in state %s", decisionID, current)))
		}

		next := e.rec.Clone()
		if fill.Timestamp.IsZero() {
			fill.Timestamp = r.now()
		}
		to, err := next.ApplyFill(fill)
		if err != nil {
			return e.rec.Clone(), errs.New(e.rec.Venue, errs.CodeConflict, errs.WithMessage(err.Error()))
		}
		if to != current {
			if err := order.ValidateTransition(current, to); err != nil {
				return e.rec.Clone(), err
			}
		}
		next.State = to
		next.UpdatedAt = r.now()

		if r.store != nil {
			if err := r.store.RecordFill(ctx, next, fill); err != nil {
				return e.rec.Clone(), fmt.Errorf("persist fill %s: %w", decisionID, err)
			}
		}
		e.rec = next
		f := fill
		r.emit(order.Event{Kind: order.EventFill, From: current, To: to, Fill: &f}, next)
		return next.Clone(), nil
	})
}

func confirmsReconciled(rec order.Record, fill order.Fill) bool {
	return rec.State == order.StateFilled &&
		!fill.Reconciled() &&
		rec.UnconfirmedQuantity().GreaterThanOrEqual(fill.Quantity)
}

// List returns copies of records whose state is in states; empty means all.
func (r *Registry) List(states ...order.State) []order.Record {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]order.Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed && (len(states) == 0 || slices.Contains(states, e.rec.State)) {
			out = append(out, e.rec.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

// CleanupOldOrders removes terminal records last updated before now-olderThan.
// Non-terminal records are never removed.
func (r *Registry) CleanupOldOrders(olderThan time.Duration) int {
	cutoff := r.now().Add(-olderThan)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.entries {
		e.mu.Lock()
		if e.rec.State.Terminal() && e.rec.UpdatedAt.Before(cutoff) {
			e.removed = true
			delete(r.entries, id)
			delete(r.byClient, e.rec.ClientOrderID)
			removed++
		}
		e.mu.Unlock()
	}
	if removed > 0 {
		r.logger.Info("registry cleanup", slog.Int("removed", removed), slog.Time("cutoff", cutoff))
	}
	return removed
}

// Statistics returns counts by state.
func (r *Registry) Statistics() Statistics {
	stats := Statistics{ByState: make(map[order.State]int, len(order.States))}
	for _, s := range order.States {
		stats.ByState[s] = 0
	}
	for _, rec := range r.List() {
		stats.ByState[rec.State]++
		stats.Total++
	}
	return stats
}

// Rehydrate loads live and recently updated records from the store so that
// idempotency survives a restart. Existing in-memory records win.
func (r *Registry) Rehydrate(ctx context.Context, since time.Time) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	live := make([]order.State, 0, len(order.States))
	for _, s := range order.States {
		if !s.Terminal() {
			live = append(live, s)
		}
	}
	records, err := r.store.LoadOrders(ctx, orderstore.Query{States: live, UpdatedSince: since})
	if err != nil {
		return 0, fmt.Errorf("rehydrate registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	loaded := 0
	for _, rec := range records {
		if _, exists := r.entries[rec.DecisionID]; exists {
			continue
		}
		r.entries[rec.DecisionID] = &entry{rec: rec.Clone()}
		r.byClient[rec.ClientOrderID] = rec.DecisionID
		loaded++
	}
	r.logger.Info("registry rehydrated", slog.Int("records", loaded))
	return loaded, nil
}

func (r *Registry) withEntry(decisionID string, fn func(*entry) (order.Record, error)) (order.Record, error) {
	e := r.lookup(decisionID)
	if e == nil {
		return order.Record{}, notFound(decisionID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return order.Record{}, notFound(decisionID)
	}
	return fn(e)
}

func (r *Registry) lookup(decisionID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[decisionID]
}

func (r *Registry) persist(ctx context.Context, rec order.Record) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveOrder(ctx, rec); err != nil {
		return fmt.Errorf("persist order %s: %w", rec.DecisionID, err)
	}
	return nil
}

func (r *Registry) emit(evt order.Event, rec order.Record) {
	if len(r.observers) == 0 {
		return
	}
	evt.DecisionID = rec.DecisionID
	evt.Venue = rec.Venue
	evt.Symbol = rec.Symbol
	evt.Record = rec.Clone()
	evt.At = rec.UpdatedAt
	for _, obs := range r.observers {
		obs(evt)
	}
}

func notFound(decisionID string) error {
	return errs.New("", errs.CodeNotFound, errs.WithMessage("order "+decisionID+" not found"))
}
