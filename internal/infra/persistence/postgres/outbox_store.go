package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/execgate/internal/domain/outboxstore"
)

// OutboxStore persists order events awaiting publication.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

const (
	defaultOutboxLimit = 128
	maxOutboxLimit     = 1024
)

const (
	outboxInsertSQL = `
INSERT INTO events_outbox (
    topic,
    event_key,
    event_type,
    payload,
    headers,
    available_at
)
VALUES ($1, $2, $3, $4::jsonb, COALESCE($5::jsonb, '{}'::jsonb), $6)
RETURNING
    id,
    topic,
    event_key,
    event_type,
    payload,
    headers,
    available_at,
    published_at,
    attempts,
    last_error,
    delivered,
    created_at;
`

	outboxListPendingSQL = `
SELECT
    id,
    topic,
    event_key,
    event_type,
    payload,
    headers,
    available_at,
    published_at,
    attempts,
    last_error,
    delivered,
    created_at
FROM events_outbox
WHERE delivered = FALSE
  AND available_at <= NOW()
ORDER BY id ASC
LIMIT $1;
`

	outboxMarkDeliveredSQL = `
UPDATE events_outbox
SET delivered = TRUE,
    published_at = NOW(),
    attempts = attempts + 1
WHERE id = $1;
`

	outboxMarkFailedSQL = `
UPDATE events_outbox
SET attempts = attempts + 1,
    last_error = $2,
    available_at = $3
WHERE id = $1;
`

	outboxPurgeSQL = `
DELETE FROM events_outbox
WHERE delivered = TRUE
  AND published_at < $1;
`
)

// Enqueue inserts a new entry into the outbox.
func (s *OutboxStore) Enqueue(ctx context.Context, entry outboxstore.Entry) (outboxstore.EntryRecord, error) {
	if s.pool == nil {
		return outboxstore.EntryRecord{}, fmt.Errorf("outbox store: nil pool")
	}
	topic := strings.TrimSpace(entry.Topic)
	if topic == "" {
		return outboxstore.EntryRecord{}, fmt.Errorf("outbox store: topic required")
	}
	key := strings.TrimSpace(entry.Key)
	if key == "" {
		return outboxstore.EntryRecord{}, fmt.Errorf("outbox store: key required")
	}
	eventType := strings.TrimSpace(entry.EventType)
	if eventType == "" {
		return outboxstore.EntryRecord{}, fmt.Errorf("outbox store: event type required")
	}
	if len(entry.Payload) == 0 {
		return outboxstore.EntryRecord{}, fmt.Errorf("outbox store: payload required")
	}
	headers, err := encodeHeaders(entry.Headers)
	if err != nil {
		return outboxstore.EntryRecord{}, fmt.Errorf("outbox store: encode headers: %w", err)
	}
	availableAt := entry.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	row := s.pool.QueryRow(ctx, outboxInsertSQL, topic, key, eventType, []byte(entry.Payload), headers, availableAt)
	return scanOutboxRecord(row)
}

// ListPending returns undelivered entries that are ready for publication.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]outboxstore.EntryRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	limit = clampLimit(limit, defaultOutboxLimit, maxOutboxLimit)
	rows, err := s.pool.Query(ctx, outboxListPendingSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox store: list pending: %w", err)
	}
	defer rows.Close()

	var records []outboxstore.EntryRecord
	for rows.Next() {
		record, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate pending: %w", err)
	}
	return records, nil
}

// MarkDelivered flags a stored entry as published.
func (s *OutboxStore) MarkDelivered(ctx context.Context, id int64) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, outboxMarkDeliveredSQL, id)
	if err != nil {
		return fmt.Errorf("outbox store: mark delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark delivered: no rows updated")
	}
	return nil
}

// MarkFailed records a failed publish attempt and defers the entry until retryAt.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, lastError string, retryAt time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, outboxMarkFailedSQL, id, strings.TrimSpace(lastError), retryAt)
	if err != nil {
		return fmt.Errorf("outbox store: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark failed: no rows updated")
	}
	return nil
}

// PurgeDelivered deletes delivered entries published before cutoff.
func (s *OutboxStore) PurgeDelivered(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, outboxPurgeSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("outbox store: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanOutboxRecord(row rowScanner) (outboxstore.EntryRecord, error) {
	var (
		record      outboxstore.EntryRecord
		payloadJSON []byte
		headerJSON  []byte
		publishedAt pgtype.Timestamptz
		lastError   pgtype.Text
	)
	if err := row.Scan(
		&record.ID,
		&record.Topic,
		&record.Key,
		&record.EventType,
		&payloadJSON,
		&headerJSON,
		&record.AvailableAt,
		&publishedAt,
		&record.Attempts,
		&lastError,
		&record.Delivered,
		&record.CreatedAt,
	); err != nil {
		return outboxstore.EntryRecord{}, fmt.Errorf("outbox store: scan record: %w", err)
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		record.PublishedAt = &t
	}
	if lastError.Valid {
		record.LastError = lastError.String
	}
	record.Payload = json.RawMessage(payloadJSON)
	headers, err := decodeHeaders(headerJSON)
	if err != nil {
		return outboxstore.EntryRecord{}, fmt.Errorf("outbox store: decode headers: %w", err)
	}
	record.Headers = headers
	return record, nil
}

func encodeHeaders(headers map[string]string) ([]byte, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	return json.Marshal(headers)
}

func decodeHeaders(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

var _ outboxstore.Store = (*OutboxStore)(nil)
