package order

import (
	"fmt"
	"strings"

	"github.com/coachpo/execgate/errs"
)

// State enumerates order lifecycle states.
type State string

const (
	// StateCreated is the initial state of a freshly registered decision.
	StateCreated State = "CREATED"
	// StateValidated indicates venue rules accepted the rounded order.
	StateValidated State = "VALIDATED"
	// StateSubmitted indicates the venue accepted the request.
	StateSubmitted State = "SUBMITTED"
	// StateAcknowledged indicates the venue assigned an order id.
	StateAcknowledged State = "ACKNOWLEDGED"
	// StatePartiallyFilled indicates some but not all quantity executed.
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	// StateFilled indicates the requested quantity fully executed.
	StateFilled State = "FILLED"
	// StateCancelled indicates the order was cancelled.
	StateCancelled State = "CANCELLED"
	// StateRejected indicates local validation or the venue rejected the order.
	StateRejected State = "REJECTED"
	// StateExpired indicates the venue expired the order.
	StateExpired State = "EXPIRED"
	// StateFailed indicates the gateway gave up on the order.
	StateFailed State = "FAILED"
)

// States lists every lifecycle state in progression order.
var States = []State{
	StateCreated,
	StateValidated,
	StateSubmitted,
	StateAcknowledged,
	StatePartiallyFilled,
	StateFilled,
	StateCancelled,
	StateRejected,
	StateExpired,
	StateFailed,
}

var transitions = map[State][]State{
	StateCreated:         {StateValidated, StateRejected, StateFailed},
	StateValidated:       {StateSubmitted, StateRejected, StateFailed},
	StateSubmitted:       {StateAcknowledged, StateRejected, StateFailed, StateExpired},
	StateAcknowledged:    {StatePartiallyFilled, StateFilled, StateCancelled, StateRejected, StateFailed, StateExpired},
	StatePartiallyFilled: {StateFilled, StateCancelled, StateFailed, StateExpired},
}

// ParseState converts a string into a known state.
func ParseState(raw string) (State, bool) {
	candidate := State(strings.ToUpper(strings.TrimSpace(raw)))
	for _, s := range States {
		if s == candidate {
			return s, true
		}
	}
	return "", false
}

// Terminal reports whether no further transitions are allowed from the state.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateExpired, StateFailed:
		return true
	default:
		return false
	}
}

// Open reports whether the order may still execute at the venue.
func (s State) Open() bool {
	return s == StateAcknowledged || s == StatePartiallyFilled
}

// CanTransition reports whether from -> to is a permitted lifecycle edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an invalid transition error when from -> to is not permitted.
func ValidateTransition(from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	msg := fmt.Sprintf("transition %s -> %s not permitted", from, to)
	if from.Terminal() {
		msg = fmt.Sprintf("order is terminal in %s; transition to %s not permitted", from, to)
	}
	return errs.New("", errs.CodeInvalidTransition, errs.WithMessage(msg))
}
