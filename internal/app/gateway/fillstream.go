package gateway

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/execgate/errs"
	"github.com/coachpo/execgate/internal/domain/venue"
)

// FillConsumer feeds executions pushed by venue streams into the gateway.
type FillConsumer struct {
	gateway   *Gateway
	streamers map[string]venue.FillStreamer
	logger    *slog.Logger
}

// NewFillConsumer subscribes to every adapter that pushes fills. When only is
// non-empty, streams are limited to the named venues.
func NewFillConsumer(g *Gateway, only ...string) *FillConsumer {
	allowed := make(map[string]bool, len(only))
	for _, name := range only {
		allowed[name] = true
	}
	streamers := make(map[string]venue.FillStreamer)
	for name, adapter := range g.venues {
		if len(allowed) > 0 && !allowed[name] {
			continue
		}
		if s, ok := adapter.(venue.FillStreamer); ok {
			streamers[name] = s
		}
	}
	return &FillConsumer{
		gateway:   g,
		streamers: streamers,
		logger:    g.logger.With(slog.String("component", "fill_consumer")),
	}
}

// Venues returns the number of subscribed venue streams.
func (c *FillConsumer) Venues() int { return len(c.streamers) }

// Run blocks consuming every stream until ctx is cancelled.
func (c *FillConsumer) Run(ctx context.Context) {
	var wg conc.WaitGroup
	for name, streamer := range c.streamers {
		wg.Go(func() {
			c.logger.Info("fill stream started", slog.String("venue", name))
			err := streamer.StreamFills(ctx, func(evt venue.FillEvent) {
				c.handle(ctx, evt)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("fill stream stopped", slog.String("venue", name), slog.Any("error", err))
				return
			}
			c.logger.Info("fill stream stopped", slog.String("venue", name))
		})
	}
	wg.Wait()
}

func (c *FillConsumer) handle(ctx context.Context, evt venue.FillEvent) {
	rec, err := c.gateway.HandleFillEvent(ctx, evt)
	if err != nil {
		level := slog.LevelWarn
		if errs.Is(err, errs.CodeNotFound) {
			// Orders placed outside this gateway share the account stream.
			level = slog.LevelDebug
		}
		c.logger.Log(ctx, level, "fill not applied",
			slog.String("venue", evt.Venue),
			slog.String("client_order_id", evt.ClientOrderID),
			slog.String("fill_id", evt.Fill.FillID),
			slog.Any("error", err))
		return
	}
	c.logger.Debug("fill applied",
		slog.String("decision_id", rec.DecisionID),
		slog.String("fill_id", evt.Fill.FillID),
		slog.String("state", string(rec.State)))
}
