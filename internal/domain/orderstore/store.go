// Package orderstore defines persistence contracts for order lifecycle state.
package orderstore

import (
	"context"
	"time"

	"github.com/coachpo/execgate/internal/domain/order"
)

// Query scopes order loads.
type Query struct {
	// States restricts results to the listed states; empty means any.
	States []order.State
	// UpdatedSince includes records updated at or after the instant regardless of States.
	UpdatedSince time.Time
	Limit        int
}

// Store defines the contract for durable order snapshots.
type Store interface {
	// CreateOrder inserts rec unless a record with the same decision id exists,
	// in which case the stored record is returned with created=false.
	CreateOrder(ctx context.Context, rec order.Record) (order.Record, bool, error)
	// SaveOrder overwrites the stored snapshot of an existing record.
	SaveOrder(ctx context.Context, rec order.Record) error
	// RecordFill stores the execution and the updated snapshot atomically.
	RecordFill(ctx context.Context, rec order.Record, fill order.Fill) error
	LoadOrders(ctx context.Context, query Query) ([]order.Record, error)
}
