package order

import "time"

// EventKind classifies a registry mutation.
type EventKind string

const (
	// EventCreated is emitted when a decision is first registered.
	EventCreated EventKind = "created"
	// EventTransition is emitted on every lifecycle state change.
	EventTransition EventKind = "transition"
	// EventFill is emitted when an execution is applied.
	EventFill EventKind = "fill"
	// EventUpdate is emitted for bookkeeping changes that keep the state.
	EventUpdate EventKind = "update"
)

// Event describes one committed change to an order record.
type Event struct {
	Kind       EventKind `json:"kind"`
	DecisionID string    `json:"decision_id"`
	Venue      string    `json:"venue"`
	Symbol     string    `json:"symbol"`
	From       State     `json:"from,omitempty"`
	To         State     `json:"to"`
	Fill       *Fill     `json:"fill,omitempty"`
	Record     Record    `json:"record"`
	At         time.Time `json:"at"`
}
