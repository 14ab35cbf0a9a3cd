package events

import (
	"context"
	"log/slog"

	"github.com/coachpo/execgate/internal/infra/bus/eventbus"
)

// Forwarder publishes bus events straight to a sink. It is used when no
// outbox is configured, so delivery is best effort.
type Forwarder struct {
	bus     eventbus.Bus
	sink    Sink
	topic   string
	logger  *slog.Logger
	metrics eventMetrics
}

// NewForwarder constructs a forwarder writing to sink on topic.
func NewForwarder(bus eventbus.Bus, sink Sink, topic string, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		bus:     bus,
		sink:    sink,
		topic:   topic,
		logger:  logger.With(slog.String("component", "event_forwarder")),
		metrics: newEventMetrics(),
	}
}

// Run consumes the bus until ctx is cancelled or the bus closes.
func (f *Forwarder) Run(ctx context.Context) error {
	id, ch, err := f.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer f.bus.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := MessageFromEvent(f.topic, evt)
			if err == nil {
				err = f.sink.Publish(ctx, msg)
			}
			f.metrics.recordPublished(ctx, f.sink.Name(), 1, err)
			if err != nil {
				f.logger.Warn("forward order event failed",
					slog.String("decision_id", evt.DecisionID),
					slog.String("kind", string(evt.Kind)),
					slog.Any("error", err))
			}
		}
	}
}
