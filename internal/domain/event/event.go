// Package event defines the saga domain events exchanged between service roles
// and their wire envelope.
package event

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/orderflow/errs"
)

// Type enumerates the closed set of saga event kinds.
type Type string

const (
	// TypeOrderPlaced announces a new order accepted by the order role.
	TypeOrderPlaced Type = "OrderPlaced"
	// TypePaymentAuthorized announces a successful payment authorisation.
	TypePaymentAuthorized Type = "PaymentAuthorized"
	// TypePaymentFailed announces a declined or abandoned payment.
	TypePaymentFailed Type = "PaymentFailed"
	// TypeRestaurantAccepted announces the restaurant accepted the order.
	TypeRestaurantAccepted Type = "RestaurantAccepted"
	// TypeRestaurantRejected announces the restaurant refused the order.
	TypeRestaurantRejected Type = "RestaurantRejected"
	// TypeDeliveryAssigned announces a courier picked up the assignment.
	TypeDeliveryAssigned Type = "DeliveryAssigned"
	// TypeDeliveryCompleted announces the order reached the customer.
	TypeDeliveryCompleted Type = "DeliveryCompleted"
	// TypeOrderCancelled announces the order is cancelled.
	TypeOrderCancelled Type = "OrderCancelled"
	// TypeCompensationRequired announces a participant could not complete its step.
	TypeCompensationRequired Type = "CompensationRequired"
)

var knownTypes = map[Type]struct{}{
	TypeOrderPlaced:          {},
	TypePaymentAuthorized:    {},
	TypePaymentFailed:        {},
	TypeRestaurantAccepted:   {},
	TypeRestaurantRejected:   {},
	TypeDeliveryAssigned:     {},
	TypeDeliveryCompleted:    {},
	TypeOrderCancelled:       {},
	TypeCompensationRequired: {},
}

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Types returns every known event type in lifecycle order.
func Types() []Type {
	return []Type{
		TypeOrderPlaced,
		TypePaymentAuthorized,
		TypePaymentFailed,
		TypeRestaurantAccepted,
		TypeRestaurantRejected,
		TypeDeliveryAssigned,
		TypeDeliveryCompleted,
		TypeOrderCancelled,
		TypeCompensationRequired,
	}
}

// Event is an immutable domain event. Payload always matches Type.
type Event struct {
	ID          string
	Type        Type
	OrderID     string
	CausationID string
	EmittedAt   time.Time
	Payload     Payload
}

// New builds an event with a fresh identifier and the current UTC time.
func New(orderID, causationID string, payload Payload) (Event, error) {
	if payload == nil {
		return Event{}, errs.New("event", errs.CodeInvalid, errs.WithMessage("payload required"))
	}
	evt := Event{
		ID:          uuid.NewString(),
		Type:        payload.EventType(),
		OrderID:     strings.TrimSpace(orderID),
		CausationID: strings.TrimSpace(causationID),
		EmittedAt:   time.Now().UTC(),
		Payload:     payload,
	}
	if err := evt.Validate(); err != nil {
		return Event{}, err
	}
	return evt, nil
}

// Validate checks the envelope fields and the payload invariants.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return malformed("eventId required")
	}
	if !e.Type.Valid() {
		return errs.New("event", errs.CodeUnknownEventType, errs.WithField("type", string(e.Type)))
	}
	if strings.TrimSpace(e.OrderID) == "" {
		return malformed("orderId required")
	}
	if e.EmittedAt.IsZero() {
		return malformed("emittedAt required")
	}
	if e.Payload == nil {
		return malformed("payload required")
	}
	if e.Payload.EventType() != e.Type {
		return malformed("payload does not match type " + string(e.Type))
	}
	return e.Payload.validate()
}

// Equal reports whether two events carry the same identity and content.
// Decimal amounts compare by value, timestamps by instant.
func (e Event) Equal(other Event) bool {
	a, errA := Encode(e)
	b, errB := Encode(other)
	if errA != nil || errB != nil {
		return false
	}
	return string(a) == string(b)
}

// Payload is the closed set of per-type event bodies.
type Payload interface {
	EventType() Type
	validate() error
}

// LineItem is a single ordered product.
type LineItem struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// OrderPlaced starts the saga.
type OrderPlaced struct {
	CustomerID   string          `json:"customerId"`
	RestaurantID string          `json:"restaurantId"`
	Items        []LineItem      `json:"items"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
}

// PaymentAuthorized carries what the restaurant step and refunds need.
type PaymentAuthorized struct {
	RestaurantID  string          `json:"restaurantId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	TransactionID string          `json:"transactionId"`
}

// PaymentFailed reports why payment did not go through.
type PaymentFailed struct {
	Reason string `json:"reason"`
}

// RestaurantAccepted reports the kitchen took the order.
type RestaurantAccepted struct {
	RestaurantID         string `json:"restaurantId"`
	EstimatedPrepMinutes int    `json:"estimatedPrepMinutes,omitempty"`
}

// RestaurantRejected reports the kitchen refused the order.
type RestaurantRejected struct {
	RestaurantID string `json:"restaurantId"`
	Reason       string `json:"reason"`
}

// DeliveryAssigned reports the courier assignment.
type DeliveryAssigned struct {
	CourierID        string `json:"courierId"`
	EstimatedMinutes int    `json:"estimatedMinutes,omitempty"`
}

// DeliveryCompleted reports the hand-off to the customer.
type DeliveryCompleted struct {
	CourierID string `json:"courierId"`
}

// OrderCancelled reports the final cancellation.
type OrderCancelled struct {
	Reason string `json:"reason"`
}

// CompensationRequired reports that a participant gave up on its step.
type CompensationRequired struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

func (OrderPlaced) EventType() Type          { return TypeOrderPlaced }
func (PaymentAuthorized) EventType() Type    { return TypePaymentAuthorized }
func (PaymentFailed) EventType() Type        { return TypePaymentFailed }
func (RestaurantAccepted) EventType() Type   { return TypeRestaurantAccepted }
func (RestaurantRejected) EventType() Type   { return TypeRestaurantRejected }
func (DeliveryAssigned) EventType() Type     { return TypeDeliveryAssigned }
func (DeliveryCompleted) EventType() Type    { return TypeDeliveryCompleted }
func (OrderCancelled) EventType() Type       { return TypeOrderCancelled }
func (CompensationRequired) EventType() Type { return TypeCompensationRequired }

func (p OrderPlaced) validate() error {
	if strings.TrimSpace(p.CustomerID) == "" {
		return malformed("customerId required")
	}
	if strings.TrimSpace(p.RestaurantID) == "" {
		return malformed("restaurantId required")
	}
	if len(p.Items) == 0 {
		return malformed("at least one item required")
	}
	for _, item := range p.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return malformed("item productId required")
		}
		if item.Quantity <= 0 {
			return malformed("item quantity must be >0")
		}
		if item.UnitPrice.IsNegative() {
			return malformed("item unitPrice must be >=0")
		}
	}
	if !p.Amount.IsPositive() {
		return malformed("amount must be >0")
	}
	if strings.TrimSpace(p.Currency) == "" {
		return malformed("currency required")
	}
	return nil
}

func (p PaymentAuthorized) validate() error {
	if strings.TrimSpace(p.RestaurantID) == "" {
		return malformed("restaurantId required")
	}
	if !p.Amount.IsPositive() {
		return malformed("amount must be >0")
	}
	if strings.TrimSpace(p.TransactionID) == "" {
		return malformed("transactionId required")
	}
	return nil
}

func (PaymentFailed) validate() error { return nil }

func (p RestaurantAccepted) validate() error {
	if strings.TrimSpace(p.RestaurantID) == "" {
		return malformed("restaurantId required")
	}
	return nil
}

func (p RestaurantRejected) validate() error {
	if strings.TrimSpace(p.RestaurantID) == "" {
		return malformed("restaurantId required")
	}
	return nil
}

func (p DeliveryAssigned) validate() error {
	if strings.TrimSpace(p.CourierID) == "" {
		return malformed("courierId required")
	}
	return nil
}

func (DeliveryCompleted) validate() error    { return nil }
func (OrderCancelled) validate() error       { return nil }
func (CompensationRequired) validate() error { return nil }

func malformed(msg string) error {
	return errs.New("event", errs.CodeMalformedEvent, errs.WithMessage(msg))
}
