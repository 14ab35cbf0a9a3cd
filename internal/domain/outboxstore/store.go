// Package outboxstore defines persistence contracts for durable publication of
// order lifecycle events.
package outboxstore

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/execgate/internal/domain/order"
)

// Entry is one event awaiting publication.
type Entry struct {
	Topic       string
	Key         string
	EventType   string
	Payload     json.RawMessage
	Headers     map[string]string
	AvailableAt time.Time
}

// EntryRecord captures the persisted state of an outbox entry.
type EntryRecord struct {
	ID int64
	Entry
	PublishedAt *time.Time
	Attempts    int
	LastError   string
	Delivered   bool
	CreatedAt   time.Time
}

// Store abstracts persistence operations for the outbox.
type Store interface {
	Enqueue(ctx context.Context, entry Entry) (EntryRecord, error)
	// ListPending returns undelivered entries whose AvailableAt has passed, oldest first.
	ListPending(ctx context.Context, limit int) ([]EntryRecord, error)
	MarkDelivered(ctx context.Context, id int64) error
	// MarkFailed records a failed publish and defers the entry until retryAt.
	MarkFailed(ctx context.Context, id int64, lastError string, retryAt time.Time) error
	// PurgeDelivered removes delivered entries published before cutoff.
	PurgeDelivered(ctx context.Context, cutoff time.Time) (int64, error)
}

// EntryFromEvent encodes an order lifecycle event for topic. Events are keyed by
// decision id so a partitioned broker keeps each order's history in sequence.
func EntryFromEvent(topic string, evt order.Event) (Entry, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return Entry{}, fmt.Errorf("encode order event %s: %w", evt.DecisionID, err)
	}
	headers := map[string]string{
		"venue":  evt.Venue,
		"symbol": evt.Symbol,
		"state":  string(evt.To),
	}
	if evt.From != "" {
		headers["from"] = string(evt.From)
	}
	return Entry{
		Topic:       topic,
		Key:         evt.DecisionID,
		EventType:   "order." + string(evt.Kind),
		Payload:     payload,
		Headers:     headers,
		AvailableAt: evt.At,
	}, nil
}
