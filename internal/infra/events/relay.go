package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/coachpo/execgate/internal/app/retry"
	"github.com/coachpo/execgate/internal/domain/outboxstore"
)

// RelayConfig controls outbox polling.
type RelayConfig struct {
	Interval  time.Duration
	BatchSize int
	RetryBase time.Duration
	RetryMax  time.Duration
	// Retention bounds how long delivered entries are kept; zero disables purging.
	Retention     time.Duration
	PurgeInterval time.Duration
}

func (c RelayConfig) normalize() RelayConfig {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 128
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = c.RetryBase
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = time.Hour
	}
	return c
}

// RelayOption customises a Relay.
type RelayOption func(*Relay)

// WithRelayLogger overrides the relay logger.
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRelayClock overrides the time source.
func WithRelayClock(now func() time.Time) RelayOption {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

// Relay moves pending outbox entries to a sink. Entries stay pending until the
// sink acknowledges them, so delivery is at least once.
type Relay struct {
	store   outboxstore.Store
	sink    Sink
	cfg     RelayConfig
	logger  *slog.Logger
	now     func() time.Time
	metrics eventMetrics
}

// NewRelay constructs a relay between store and sink.
func NewRelay(store outboxstore.Store, sink Sink, cfg RelayConfig, opts ...RelayOption) *Relay {
	r := &Relay{
		store:   store,
		sink:    sink,
		cfg:     cfg.normalize(),
		logger:  slog.Default(),
		now:     time.Now,
		metrics: newEventMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = r.logger.With(slog.String("component", "outbox_relay"), slog.String("sink", sink.Name()))
	return r
}

// Run relays on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	purge := time.NewTicker(r.cfg.PurgeInterval)
	defer purge.Stop()

	r.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.drain(ctx)
		case <-purge.C:
			r.Purge(ctx)
		}
	}
}

// drain relays full batches back to back so a backlog clears within one tick.
func (r *Relay) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := r.RelayOnce(ctx)
		if err != nil || n < r.cfg.BatchSize {
			return
		}
	}
}

// RelayOnce publishes one batch of pending entries and reports how many were listed.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	records, err := r.store.ListPending(ctx, r.cfg.BatchSize)
	if err != nil {
		r.logger.Warn("outbox list pending failed", slog.Any("error", err))
		return 0, err
	}
	for _, record := range records {
		if ctx.Err() != nil {
			return len(records), ctx.Err()
		}
		r.relay(ctx, record)
	}
	return len(records), nil
}

func (r *Relay) relay(ctx context.Context, record outboxstore.EntryRecord) {
	err := r.sink.Publish(ctx, MessageFromEntry(record.Entry))
	r.metrics.recordPublished(ctx, r.sink.Name(), 1, err)
	if err != nil {
		retryAt := r.now().Add(retry.NominalDelay(record.Attempts+1, r.cfg.RetryBase, r.cfg.RetryMax))
		r.logger.Warn("outbox publish failed",
			slog.Int64("id", record.ID),
			slog.String("key", record.Key),
			slog.Int("attempts", record.Attempts+1),
			slog.Time("retry_at", retryAt),
			slog.Any("error", err))
		if markErr := r.store.MarkFailed(ctx, record.ID, err.Error(), retryAt); markErr != nil {
			r.logger.Error("outbox mark failed", slog.Int64("id", record.ID), slog.Any("error", markErr))
		}
		return
	}
	if err := r.store.MarkDelivered(ctx, record.ID); err != nil {
		r.logger.Error("outbox mark delivered failed", slog.Int64("id", record.ID), slog.Any("error", err))
	}
}

// Purge deletes delivered entries older than the retention window.
func (r *Relay) Purge(ctx context.Context) int64 {
	if r.cfg.Retention <= 0 {
		return 0
	}
	n, err := r.store.PurgeDelivered(ctx, r.now().Add(-r.cfg.Retention))
	if err != nil {
		r.logger.Warn("outbox purge failed", slog.Any("error", err))
		return 0
	}
	r.metrics.recordPurged(ctx, n)
	if n > 0 {
		r.logger.Info("outbox purged", slog.Int64("entries", n))
	}
	return n
}
