// Package eventbus fans order lifecycle events out to in-process subscribers.
package eventbus

import (
	"context"
	"log/slog"

	"github.com/coachpo/execgate/internal/domain/order"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers order events to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, evt order.Event) error
	// Subscribe registers for the listed kinds; no kinds subscribes to every event.
	Subscribe(ctx context.Context, kinds ...order.EventKind) (SubscriptionID, <-chan order.Event, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
	Logger        *slog.Logger
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
