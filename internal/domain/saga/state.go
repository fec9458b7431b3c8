// Package saga implements the per-order fulfilment state machine and its
// compensating-action bookkeeping.
package saga

// State is a saga lifecycle state.
type State string

const (
	StateCreated              State = "Created"
	StatePaymentPending       State = "PaymentPending"
	StatePaymentAuthorized    State = "PaymentAuthorized"
	StateRestaurantConfirming State = "RestaurantConfirming"
	StatePreparing            State = "Preparing"
	StateReadyForPickup       State = "ReadyForPickup"
	StateOutForDelivery       State = "OutForDelivery"
	StateDelivered            State = "Delivered"
	StatePaymentFailed        State = "PaymentFailed"
	StateRestaurantRejected   State = "RestaurantRejected"
	StateDeliveryFailed       State = "DeliveryFailed"
	StateCancelling           State = "Cancelling"
	StateCancelled            State = "Cancelled"
	StateCompensationFailed   State = "CompensationFailed"
)

// States lists every state, happy path first.
func States() []State {
	return []State{
		StateCreated,
		StatePaymentPending,
		StatePaymentAuthorized,
		StateRestaurantConfirming,
		StatePreparing,
		StateReadyForPickup,
		StateOutForDelivery,
		StateDelivered,
		StatePaymentFailed,
		StateRestaurantRejected,
		StateDeliveryFailed,
		StateCancelling,
		StateCancelled,
		StateCompensationFailed,
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateDelivered, StateCancelled, StateCompensationFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range States() {
		if s == known {
			return true
		}
	}
	return false
}

// progress orders happy-path states; side branches report -1.
func (s State) progress() int {
	switch s {
	case StateCreated:
		return 0
	case StatePaymentPending:
		return 1
	case StatePaymentAuthorized, StateRestaurantConfirming:
		return 2
	case StatePreparing:
		return 3
	case StateReadyForPickup, StateOutForDelivery:
		return 4
	case StateDelivered:
		return 5
	default:
		return -1
	}
}

// Compensation names an idempotent undo action.
type Compensation string

const (
	CompensationRefundPayment         Compensation = "RefundPayment"
	CompensationReleaseRestaurantSlot Compensation = "ReleaseRestaurantSlot"
)

// Key is the idempotency key for running c against an order.
func (c Compensation) Key(orderID string) string {
	return string(c) + ":" + orderID
}
