// Package flow implements the client-side orchestration of the purchase
// transaction between a buyer and a seller. The flow runs inside a modal
// session: one transaction, two message panes, and a state machine whose
// transitions mix user actions with server-confirmed events (payment).
package flow

import (
	"errors"
	"fmt"
)

// State is the explicit position of a flow session in the transaction
// protocol. The rendered UI is a projection of this value, never the other
// way around.
type State int

const (
	// StateInitial is the state of a freshly opened modal: the buyer has a
	// "request purchase" control and nothing else exists yet.
	StateInitial State = iota

	// StateAwaitingApproval waits for the seller to approve or reject the
	// purchase request.
	StateAwaitingApproval

	// StateAwaitingDeliveryChoice waits for the buyer to pick direct trade
	// or a courier delivery.
	StateAwaitingDeliveryChoice

	// StateAwaitingPaymentChoice waits for the buyer to pick card or cash.
	// Only reachable on the direct-trade branch; courier delivery forces
	// card payment and skips this state entirely.
	StateAwaitingPaymentChoice

	// StateAwaitingCardPayment waits for the buyer to complete payment in
	// the external payment window, observed via polling.
	StateAwaitingCardPayment

	// StateAwaitingShipment waits for the seller to register courier and
	// tracking details.
	StateAwaitingShipment

	// StateAwaitingBuyerConfirm waits for the buyer to confirm receipt.
	StateAwaitingBuyerConfirm

	// StateRejected is terminal: the seller declined the purchase.
	StateRejected

	// StateConfirmed is terminal: the buyer confirmed receipt.
	StateConfirmed

	// StateClosed means the session was torn down. No transition leaves it.
	StateClosed
)

// String returns a stable name for the state, used in logs, metrics labels
// and published flow events.
func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateAwaitingApproval:
		return "awaiting_approval"
	case StateAwaitingDeliveryChoice:
		return "awaiting_delivery_choice"
	case StateAwaitingPaymentChoice:
		return "awaiting_payment_choice"
	case StateAwaitingCardPayment:
		return "awaiting_card_payment"
	case StateAwaitingShipment:
		return "awaiting_shipment"
	case StateAwaitingBuyerConfirm:
		return "awaiting_buyer_confirm"
	case StateRejected:
		return "rejected"
	case StateConfirmed:
		return "confirmed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether no further transitions may leave this state.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateConfirmed || s == StateClosed
}

// ErrSessionClosed is returned by transition methods after Close.
var ErrSessionClosed = errors.New("flow session is closed")

// InvalidStateError is returned when a transition is attempted from a state
// it is not valid in, including re-entrant calls while a previous transition
// is still in flight.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s is not valid in state %s", e.Op, e.State)
}

// ValidationError is a client-side input failure caught before any network
// call is issued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
