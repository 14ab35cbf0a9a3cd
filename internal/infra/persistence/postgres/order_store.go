package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/execgate/internal/domain/order"
	"github.com/coachpo/execgate/internal/domain/orderstore"
)

// OrderStore persists order records and their fills.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	orderInsertSQL = `
INSERT INTO orders (
    decision_id,
    venue,
    symbol,
    direction,
    order_type,
    client_order_id,
    venue_order_id,
    state,
    requested_quantity,
    filled_quantity,
    remaining_quantity,
    average_fill_price,
    price,
    stop_price,
    attempt_count,
    last_error,
    metadata,
    created_at,
    updated_at
)
VALUES (
    @decision_id,
    @venue,
    @symbol,
    @direction,
    @order_type,
    @client_order_id,
    @venue_order_id,
    @state,
    @requested_quantity,
    @filled_quantity,
    @remaining_quantity,
    @average_fill_price,
    @price,
    @stop_price,
    @attempt_count,
    @last_error,
    @metadata::jsonb,
    @created_at,
    @updated_at
)
ON CONFLICT (decision_id) DO NOTHING
RETURNING decision_id;
`

	orderUpdateSQL = `
UPDATE orders
SET venue_order_id = @venue_order_id,
    state = @state,
    requested_quantity = @requested_quantity,
    filled_quantity = @filled_quantity,
    remaining_quantity = @remaining_quantity,
    average_fill_price = @average_fill_price,
    price = @price,
    stop_price = @stop_price,
    attempt_count = @attempt_count,
    last_error = @last_error,
    metadata = @metadata::jsonb,
    updated_at = @updated_at
WHERE decision_id = @decision_id;
`

	fillInsertSQL = `
INSERT INTO order_fills (
    decision_id,
    fill_id,
    seq,
    quantity,
    price,
    commission,
    commission_asset,
    filled_at
)
VALUES (
    @decision_id,
    @fill_id,
    @seq,
    @quantity,
    @price,
    @commission,
    @commission_asset,
    @filled_at
)
ON CONFLICT (decision_id, fill_id) DO NOTHING;
`

	orderSelectBase = `
SELECT
    o.decision_id,
    o.venue,
    o.symbol,
    o.direction,
    o.order_type,
    o.client_order_id,
    COALESCE(o.venue_order_id, ''),
    o.state,
    o.requested_quantity::text,
    o.filled_quantity::text,
    o.remaining_quantity::text,
    o.average_fill_price::text,
    o.price::text,
    o.stop_price::text,
    o.attempt_count,
    COALESCE(o.last_error, ''),
    o.metadata,
    o.created_at,
    o.updated_at
FROM orders o
`

	fillSelectSQL = `
SELECT
    decision_id,
    fill_id,
    quantity::text,
    price::text,
    commission::text,
    COALESCE(commission_asset, ''),
    filled_at
FROM order_fills
WHERE decision_id = ANY(@ids)
ORDER BY decision_id, seq;
`

	defaultOrderLimit = 10000
	maxOrderLimit     = 100000
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func (s *OrderStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("order store: nil pool")
	}
	return s.pool, nil
}

// CreateOrder inserts rec unless the decision id is already stored, in which
// case the stored record is returned with created=false.
func (s *OrderStore) CreateOrder(ctx context.Context, rec order.Record) (order.Record, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return order.Record{}, false, err
	}
	if strings.TrimSpace(rec.DecisionID) == "" {
		return order.Record{}, false, fmt.Errorf("order store: decision id required")
	}
	args, err := orderArgs(rec)
	if err != nil {
		return order.Record{}, false, err
	}
	var inserted string
	err = pool.QueryRow(ctx, orderInsertSQL, args).Scan(&inserted)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return order.Record{}, false, fmt.Errorf("order store: insert order: %w", err)
	}

	existing, err := s.LoadOrder(ctx, rec.DecisionID)
	if err != nil {
		return order.Record{}, false, err
	}
	return existing, false, nil
}

// SaveOrder overwrites the stored snapshot of rec.
func (s *OrderStore) SaveOrder(ctx context.Context, rec order.Record) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.saveOrderWith(ctx, pool, rec)
}

func (s *OrderStore) saveOrderWith(ctx context.Context, exec execer, rec order.Record) error {
	args, err := orderArgs(rec)
	if err != nil {
		return err
	}
	tag, err := exec.Exec(ctx, orderUpdateSQL, args)
	if err != nil {
		return fmt.Errorf("order store: update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order store: update order %s: no rows updated", rec.DecisionID)
	}
	return nil
}

// RecordFill stores fill and the updated snapshot in one transaction.
func (s *OrderStore) RecordFill(ctx context.Context, rec order.Record, fill order.Fill) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if err := s.recordFillWith(ctx, tx, rec, fill); err != nil {
			return err
		}
		return s.saveOrderWith(ctx, tx, rec)
	})
}

func (s *OrderStore) recordFillWith(ctx context.Context, exec execer, rec order.Record, fill order.Fill) error {
	quantity, err := numericFromDecimal(fill.Quantity)
	if err != nil {
		return fmt.Errorf("order store: fill quantity: %w", err)
	}
	price, err := numericFromDecimal(fill.Price)
	if err != nil {
		return fmt.Errorf("order store: fill price: %w", err)
	}
	commission, err := numericFromDecimal(fill.Commission)
	if err != nil {
		return fmt.Errorf("order store: fill commission: %w", err)
	}
	args := pgx.NamedArgs{
		"decision_id":      rec.DecisionID,
		"fill_id":          strings.TrimSpace(fill.FillID),
		"seq":              len(rec.Fills),
		"quantity":         quantity,
		"price":            price,
		"commission":       commission,
		"commission_asset": nullableString(fill.CommissionAsset),
		"filled_at":        fill.Timestamp,
	}
	if _, err := exec.Exec(ctx, fillInsertSQL, args); err != nil {
		return fmt.Errorf("order store: insert fill: %w", err)
	}
	return nil
}

// LoadOrder returns a single stored record with its fills.
func (s *OrderStore) LoadOrder(ctx context.Context, decisionID string) (order.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return order.Record{}, err
	}
	records, err := s.queryOrders(ctx, pool, orderSelectBase+" WHERE o.decision_id = @decision_id",
		pgx.NamedArgs{"decision_id": decisionID})
	if err != nil {
		return order.Record{}, err
	}
	if len(records) == 0 {
		return order.Record{}, fmt.Errorf("order store: order %s: %w", decisionID, pgx.ErrNoRows)
	}
	return records[0], nil
}

// LoadOrders returns records whose state is in query.States or that were
// updated at or after query.UpdatedSince.
func (s *OrderStore) LoadOrders(ctx context.Context, query orderstore.Query) ([]order.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	sql, args := loadOrdersQuery(query)
	return s.queryOrders(ctx, pool, sql, args)
}

// loadOrdersQuery matches rows in any of the states or updated since the
// cutoff; an empty query matches every row.
func loadOrdersQuery(query orderstore.Query) (string, pgx.NamedArgs) {
	builder := strings.Builder{}
	builder.WriteString(orderSelectBase)
	args := pgx.NamedArgs{"limit": clampLimit(query.Limit, defaultOrderLimit, maxOrderLimit)}

	states := normalizedStates(query.States)
	var clauses []string
	if len(states) > 0 {
		clauses = append(clauses, "o.state = ANY(@states)")
		args["states"] = states
	}
	if !query.UpdatedSince.IsZero() {
		clauses = append(clauses, "o.updated_at >= @updated_since")
		args["updated_since"] = query.UpdatedSince
	}
	if len(clauses) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(clauses, " OR "))
	}
	builder.WriteString(" ORDER BY o.created_at ASC LIMIT @limit")
	return builder.String(), args
}

func (s *OrderStore) queryOrders(ctx context.Context, pool *pgxpool.Pool, sql string, args pgx.NamedArgs) ([]order.Record, error) {
	rows, err := pool.Query(ctx, sql, args)
	if err != nil {
		return nil, fmt.Errorf("order store: query orders: %w", err)
	}
	defer rows.Close()

	var (
		records []order.Record
		index   = make(map[string]int)
	)
	for rows.Next() {
		rec, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		index[rec.DecisionID] = len(records)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	rows.Close()
	if len(records) == 0 {
		return records, nil
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.DecisionID)
	}
	fillRows, err := pool.Query(ctx, fillSelectSQL, pgx.NamedArgs{"ids": ids})
	if err != nil {
		return nil, fmt.Errorf("order store: query fills: %w", err)
	}
	defer fillRows.Close()
	for fillRows.Next() {
		decisionID, fill, err := scanFill(fillRows)
		if err != nil {
			return nil, err
		}
		if i, ok := index[decisionID]; ok {
			records[i].Fills = append(records[i].Fills, fill)
		}
	}
	if err := fillRows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate fills: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (order.Record, error) {
	var (
		rec           order.Record
		direction     string
		orderType     string
		state         string
		requested     string
		filled        string
		remaining     string
		average       string
		price         pgtype.Text
		stopPrice     pgtype.Text
		metadataBytes []byte
	)
	if err := row.Scan(
		&rec.DecisionID,
		&rec.Venue,
		&rec.Symbol,
		&direction,
		&orderType,
		&rec.ClientOrderID,
		&rec.VenueOrderID,
		&state,
		&requested,
		&filled,
		&remaining,
		&average,
		&price,
		&stopPrice,
		&rec.AttemptCount,
		&rec.LastError,
		&metadataBytes,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return order.Record{}, fmt.Errorf("order store: scan order: %w", err)
	}
	parsed, ok := order.ParseState(state)
	if !ok {
		return order.Record{}, fmt.Errorf("order store: order %s has unknown state %q", rec.DecisionID, state)
	}
	rec.State = parsed
	rec.Direction = order.Direction(direction)
	rec.Type = order.Type(orderType)

	var err error
	if rec.RequestedQuantity, err = decimalFromText(requested); err != nil {
		return order.Record{}, fmt.Errorf("order store: requested quantity: %w", err)
	}
	if rec.FilledQuantity, err = decimalFromText(filled); err != nil {
		return order.Record{}, fmt.Errorf("order store: filled quantity: %w", err)
	}
	if rec.RemainingQuantity, err = decimalFromText(remaining); err != nil {
		return order.Record{}, fmt.Errorf("order store: remaining quantity: %w", err)
	}
	if rec.AverageFillPrice, err = decimalFromText(average); err != nil {
		return order.Record{}, fmt.Errorf("order store: average fill price: %w", err)
	}
	if rec.Price, err = optionalDecimalFromText(price); err != nil {
		return order.Record{}, fmt.Errorf("order store: price: %w", err)
	}
	if rec.StopPrice, err = optionalDecimalFromText(stopPrice); err != nil {
		return order.Record{}, fmt.Errorf("order store: stop price: %w", err)
	}
	if rec.Metadata, err = decodeMetadata(metadataBytes); err != nil {
		return order.Record{}, err
	}
	rec.Fills = []order.Fill{}
	return rec, nil
}

func scanFill(row rowScanner) (string, order.Fill, error) {
	var (
		decisionID string
		fill       order.Fill
		quantity   string
		price      string
		commission string
	)
	if err := row.Scan(&decisionID, &fill.FillID, &quantity, &price, &commission, &fill.CommissionAsset, &fill.Timestamp); err != nil {
		return "", order.Fill{}, fmt.Errorf("order store: scan fill: %w", err)
	}
	var err error
	if fill.Quantity, err = decimalFromText(quantity); err != nil {
		return "", order.Fill{}, fmt.Errorf("order store: fill quantity: %w", err)
	}
	if fill.Price, err = decimalFromText(price); err != nil {
		return "", order.Fill{}, fmt.Errorf("order store: fill price: %w", err)
	}
	if fill.Commission, err = decimalFromText(commission); err != nil {
		return "", order.Fill{}, fmt.Errorf("order store: fill commission: %w", err)
	}
	return decisionID, fill, nil
}

func orderArgs(rec order.Record) (pgx.NamedArgs, error) {
	requested, err := numericFromDecimal(rec.RequestedQuantity)
	if err != nil {
		return nil, fmt.Errorf("order store: requested quantity: %w", err)
	}
	filled, err := numericFromDecimal(rec.FilledQuantity)
	if err != nil {
		return nil, fmt.Errorf("order store: filled quantity: %w", err)
	}
	remaining, err := numericFromDecimal(rec.RemainingQuantity)
	if err != nil {
		return nil, fmt.Errorf("order store: remaining quantity: %w", err)
	}
	average, err := numericFromDecimal(rec.AverageFillPrice)
	if err != nil {
		return nil, fmt.Errorf("order store: average fill price: %w", err)
	}
	price, err := numericFromOptional(rec.Price)
	if err != nil {
		return nil, fmt.Errorf("order store: price: %w", err)
	}
	stopPrice, err := numericFromOptional(rec.StopPrice)
	if err != nil {
		return nil, fmt.Errorf("order store: stop price: %w", err)
	}
	metadata, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("order store: encode metadata: %w", err)
	}
	return pgx.NamedArgs{
		"decision_id":        rec.DecisionID,
		"venue":              rec.Venue,
		"symbol":             rec.Symbol,
		"direction":          string(rec.Direction),
		"order_type":         string(rec.Type),
		"client_order_id":    rec.ClientOrderID,
		"venue_order_id":     nullableString(rec.VenueOrderID),
		"state":              string(rec.State),
		"requested_quantity": requested,
		"filled_quantity":    filled,
		"remaining_quantity": remaining,
		"average_fill_price": average,
		"price":              price,
		"stop_price":         stopPrice,
		"attempt_count":      rec.AttemptCount,
		"last_error":         nullableString(rec.LastError),
		"metadata":           metadata,
		"created_at":         timestampOrNow(rec.CreatedAt),
		"updated_at":         timestampOrNow(rec.UpdatedAt),
	}, nil
}

func encodeMetadata(meta map[string]string) ([]byte, error) {
	if len(meta) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(meta)
}

func decodeMetadata(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("order store: decode metadata: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func timestampOrNow(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}

func normalizedStates(states []order.State) []string {
	if len(states) == 0 {
		return nil
	}
	out := make([]string, 0, len(states))
	seen := make(map[string]struct{}, len(states))
	for _, s := range states {
		v := strings.ToUpper(strings.TrimSpace(string(s)))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

var _ orderstore.Store = (*OrderStore)(nil)
