package events

import (
	"context"
	"log/slog"

	"github.com/coachpo/execgate/internal/domain/outboxstore"
	"github.com/coachpo/execgate/internal/infra/bus/eventbus"
)

// OutboxWriter persists every bus event into the outbox for later relay.
type OutboxWriter struct {
	bus     eventbus.Bus
	store   outboxstore.Store
	topic   string
	logger  *slog.Logger
	metrics eventMetrics
}

// NewOutboxWriter constructs a writer enqueueing events on topic.
func NewOutboxWriter(bus eventbus.Bus, store outboxstore.Store, topic string, logger *slog.Logger) *OutboxWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxWriter{
		bus:     bus,
		store:   store,
		topic:   topic,
		logger:  logger.With(slog.String("component", "outbox_writer")),
		metrics: newEventMetrics(),
	}
}

// Run consumes the bus until ctx is cancelled or the bus closes.
func (w *OutboxWriter) Run(ctx context.Context) error {
	id, ch, err := w.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer w.bus.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			entry, err := outboxstore.EntryFromEvent(w.topic, evt)
			if err == nil {
				_, err = w.store.Enqueue(ctx, entry)
			}
			w.metrics.recordEnqueued(ctx, string(evt.Kind), err)
			if err != nil {
				w.logger.Error("outbox enqueue failed",
					slog.String("decision_id", evt.DecisionID),
					slog.String("kind", string(evt.Kind)),
					slog.Any("error", err))
			}
		}
	}
}
