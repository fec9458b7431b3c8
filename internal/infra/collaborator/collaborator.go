// Package collaborator holds the clients of the external services the saga
// roles call: payment, restaurant, delivery and notification.
//
// Business refusals come back as errs.CodeDeclined, errs.CodeRejected or
// errs.CodeNoCourier. Transport trouble maps onto the retryable codes so the
// resilience policy can tell the two apart.
package collaborator

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orderflow/internal/infra/config"
)

// Dependency names, used as resilience policy keys and metric labels.
const (
	DependencyPayment      = "payment"
	DependencyRestaurant   = "restaurant"
	DependencyDelivery     = "delivery"
	DependencyNotification = "notification"
)

// Operation names.
const (
	OpAuthorize = "authorize"
	OpRefund    = "refund"
	OpConfirm   = "confirm"
	OpRelease   = "release"
	OpAssign    = "assign"
	OpNotify    = "notify"
)

// AuthorizeRequest asks for a payment hold. IdempotencyKey is the id of the
// triggering event so a redelivered request never charges twice.
type AuthorizeRequest struct {
	OrderID        string          `json:"orderId"`
	CustomerID     string          `json:"customerId,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	IdempotencyKey string          `json:"-"`
}

// Authorization is a successful hold.
type Authorization struct {
	TransactionID string `json:"transactionId"`
}

// RefundRequest releases an earlier authorization.
type RefundRequest struct {
	OrderID        string          `json:"orderId"`
	TransactionID  string          `json:"transactionId"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	IdempotencyKey string          `json:"-"`
}

// Payment authorizes and refunds order payments.
type Payment interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error)
	Refund(ctx context.Context, req RefundRequest) error
}

// ConfirmRequest asks a restaurant to take an order.
type ConfirmRequest struct {
	OrderID        string `json:"orderId"`
	RestaurantID   string `json:"restaurantId"`
	IdempotencyKey string `json:"-"`
}

// Confirmation is an accepted order.
type Confirmation struct {
	EstimatedPrepMinutes int `json:"estimatedPrepMinutes"`
}

// ReleaseRequest frees the kitchen slot of an accepted order.
type ReleaseRequest struct {
	OrderID        string `json:"orderId"`
	RestaurantID   string `json:"restaurantId"`
	IdempotencyKey string `json:"-"`
}

// Restaurant confirms and releases kitchen slots.
type Restaurant interface {
	Confirm(ctx context.Context, req ConfirmRequest) (Confirmation, error)
	Release(ctx context.Context, req ReleaseRequest) error
}

// AssignRequest asks for a courier.
type AssignRequest struct {
	OrderID        string `json:"orderId"`
	RestaurantID   string `json:"restaurantId,omitempty"`
	IdempotencyKey string `json:"-"`
}

// Assignment names the courier on the way.
type Assignment struct {
	CourierID        string `json:"courierId"`
	EstimatedMinutes int    `json:"estimatedMinutes"`
}

// Delivery assigns couriers.
type Delivery interface {
	Assign(ctx context.Context, req AssignRequest) (Assignment, error)
}

// Notification is one customer-facing message.
type Notification struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId,omitempty"`
	EventType  string `json:"eventType"`
	Message    string `json:"message"`
}

// Notifier sends customer notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Set bundles one client per collaborator.
type Set struct {
	Payment    Payment
	Restaurant Restaurant
	Delivery   Delivery
	Notifier   Notifier
}

// Fakes bundles the in-process collaborators so tests can script them.
type Fakes struct {
	Payment    *FakePayment
	Restaurant *FakeRestaurant
	Delivery   *FakeDelivery
	Notifier   *FakeNotifier
}

// NewFakes returns fresh fakes that accept everything.
func NewFakes() *Fakes {
	return &Fakes{
		Payment:    NewFakePayment(),
		Restaurant: NewFakeRestaurant(),
		Delivery:   NewFakeDelivery(),
		Notifier:   NewFakeNotifier(),
	}
}

// Set exposes the fakes through the collaborator interfaces.
func (f *Fakes) Set() Set {
	return Set{Payment: f.Payment, Restaurant: f.Restaurant, Delivery: f.Delivery, Notifier: f.Notifier}
}

// ActiveIn names the collaborators of set still served by these fakes.
func (f *Fakes) ActiveIn(set Set) []string {
	var names []string
	if set.Payment == Payment(f.Payment) {
		names = append(names, DependencyPayment)
	}
	if set.Restaurant == Restaurant(f.Restaurant) {
		names = append(names, DependencyRestaurant)
	}
	if set.Delivery == Delivery(f.Delivery) {
		names = append(names, DependencyDelivery)
	}
	if set.Notifier == Notifier(f.Notifier) {
		names = append(names, DependencyNotification)
	}
	return names
}

// FromConfig builds HTTP clients for every configured URL and falls back to
// fakes for the rest.
func FromConfig(cfg config.CollaboratorsConfig) (Set, *Fakes) {
	fakes := NewFakes()
	set := fakes.Set()
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if url := strings.TrimSpace(cfg.PaymentURL); url != "" {
		set.Payment = NewPaymentClient(url, WithTimeout(timeout))
	}
	if url := strings.TrimSpace(cfg.RestaurantURL); url != "" {
		set.Restaurant = NewRestaurantClient(url, WithTimeout(timeout))
	}
	if url := strings.TrimSpace(cfg.DeliveryURL); url != "" {
		set.Delivery = NewDeliveryClient(url, WithTimeout(timeout))
	}
	if url := strings.TrimSpace(cfg.NotificationURL); url != "" {
		set.Notifier = NewNotifierClient(url, WithTimeout(timeout))
	}
	return set, fakes
}

// DefaultTimeout bounds one HTTP round trip.
const DefaultTimeout = 5 * time.Second
