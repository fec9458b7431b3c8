package saga

import (
	"github.com/coachpo/orderflow/internal/domain/event"
)

// Rule is one edge of the transition table.
type Rule struct {
	From          State
	On            event.Type
	Path          []State
	Emits         []event.Type
	Compensations []Compensation
}

// To is the state the rule settles in.
func (r Rule) To() State {
	return r.Path[len(r.Path)-1]
}

var (
	fullUndo   = []Compensation{CompensationRefundPayment, CompensationReleaseRestaurantSlot}
	refundOnly = []Compensation{CompensationRefundPayment}
)

// lookup is the transition table. The outer switch is exhaustive over event
// types; any (state, type) pair not listed here has no transition.
func lookup(from State, on event.Type) (Rule, bool) {
	rule := Rule{From: from, On: on}
	switch on {
	case event.TypeOrderPlaced:
		if from == StateCreated {
			rule.Path = []State{StatePaymentPending}
			return rule, true
		}
	case event.TypePaymentAuthorized:
		switch from {
		case StatePaymentPending:
			rule.Path = []State{StatePaymentAuthorized, StateRestaurantConfirming}
			return rule, true
		case StateCancelling:
			// The outcome of a payment the customer cancelled ahead of.
			rule.Path = []State{StateCancelling}
			return rule, true
		}
	case event.TypePaymentFailed:
		switch from {
		case StatePaymentPending:
			rule.Path = []State{StatePaymentFailed, StateCancelling, StateCancelled}
			rule.Emits = []event.Type{event.TypeOrderCancelled}
			return rule, true
		case StateCancelling:
			rule.Path = []State{StateCancelling}
			return rule, true
		}
	case event.TypeRestaurantAccepted:
		if from == StateRestaurantConfirming {
			rule.Path = []State{StatePreparing}
			return rule, true
		}
	case event.TypeRestaurantRejected:
		if from == StateRestaurantConfirming {
			rule.Path = []State{StateRestaurantRejected, StateCancelling}
			rule.Emits = []event.Type{event.TypeCompensationRequired}
			rule.Compensations = refundOnly
			return rule, true
		}
	case event.TypeDeliveryAssigned:
		if from == StatePreparing {
			rule.Path = []State{StateReadyForPickup, StateOutForDelivery}
			return rule, true
		}
	case event.TypeDeliveryCompleted:
		if from == StateOutForDelivery {
			rule.Path = []State{StateDelivered}
			return rule, true
		}
	case event.TypeOrderCancelled:
		switch from {
		case StateCreated:
			rule.Path = []State{StateCancelled}
			return rule, true
		case StatePaymentPending, StateRestaurantConfirming, StatePreparing:
			rule.Path = []State{StateCancelling}
			rule.Emits = []event.Type{event.TypeCompensationRequired}
			rule.Compensations = fullUndo
			return rule, true
		}
	case event.TypeCompensationRequired:
		switch from {
		case StatePreparing, StateReadyForPickup, StateOutForDelivery:
			rule.Path = []State{StateDeliveryFailed, StateCancelling}
			rule.Compensations = fullUndo
			return rule, true
		}
	}
	return Rule{}, false
}

// Lookup returns the rule for (from, on), if any.
func Lookup(from State, on event.Type) (Rule, bool) {
	return lookup(from, on)
}

// Rules enumerates the whole table.
func Rules() []Rule {
	var rules []Rule
	for _, s := range States() {
		for _, t := range event.Types() {
			if r, ok := lookup(s, t); ok {
				rules = append(rules, r)
			}
		}
	}
	return rules
}

// stage is the happy-path progress level at which an event type is expected.
// A courier-side CompensationRequired can only follow RestaurantAccepted.
// Cancellations have no stage.
func stage(t event.Type) int {
	switch t {
	case event.TypeOrderPlaced:
		return 0
	case event.TypePaymentAuthorized, event.TypePaymentFailed:
		return 1
	case event.TypeRestaurantAccepted, event.TypeRestaurantRejected:
		return 2
	case event.TypeDeliveryAssigned, event.TypeCompensationRequired:
		return 3
	case event.TypeDeliveryCompleted:
		return 4
	default:
		return -1
	}
}

// IsEarly reports whether an event with no transition from s belongs to a
// later happy-path stage than s, i.e. it overtook its cause on another topic.
func IsEarly(s State, t event.Type) bool {
	if s.Terminal() {
		return false
	}
	current := s.progress()
	expected := stage(t)
	if current < 0 || expected < 0 {
		return false
	}
	return expected > current
}
