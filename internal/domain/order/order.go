// Package order models the order aggregate owned by the order role.
package order

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/domain/event"
	"github.com/coachpo/orderflow/internal/domain/saga"
)

// DefaultCurrency applies when a placement omits one.
const DefaultCurrency = "USD"

// Item is an ordered product line.
type Item = event.LineItem

// Order is the authoritative order record.
type Order struct {
	ID           string          `json:"id"`
	CustomerID   string          `json:"customerId"`
	RestaurantID string          `json:"restaurantId"`
	Items        []Item          `json:"items"`
	Total        decimal.Decimal `json:"total"`
	Currency     string          `json:"currency"`
	State        saga.State      `json:"state"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Placement is the caller request to create an order.
type Placement struct {
	OrderID      string          `json:"orderId,omitempty"`
	CustomerID   string          `json:"customerId"`
	RestaurantID string          `json:"restaurantId"`
	Items        []Item          `json:"items"`
	Total        decimal.Decimal `json:"total"`
	Currency     string          `json:"currency,omitempty"`
}

// New validates a placement and builds the order in the Created state.
// A provided total must equal the sum of the lines.
func New(p Placement, now time.Time) (Order, error) {
	customer := strings.TrimSpace(p.CustomerID)
	restaurant := strings.TrimSpace(p.RestaurantID)
	if customer == "" {
		return Order{}, invalid("customerId required")
	}
	if restaurant == "" {
		return Order{}, invalid("restaurantId required")
	}
	if len(p.Items) == 0 {
		return Order{}, invalid("at least one item required")
	}
	total := decimal.Zero
	for _, item := range p.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return Order{}, invalid("item productId required")
		}
		if item.Quantity <= 0 {
			return Order{}, invalid("item quantity must be >0")
		}
		if item.UnitPrice.IsNegative() {
			return Order{}, invalid("item unitPrice must be >=0")
		}
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	if !total.IsPositive() {
		return Order{}, invalid("order total must be >0")
	}
	if !p.Total.IsZero() && !p.Total.Equal(total) {
		return Order{}, invalid("total does not match items: expected " + total.StringFixed(2))
	}
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	id := strings.TrimSpace(p.OrderID)
	if id == "" {
		id = uuid.NewString()
	}
	now = now.UTC()
	return Order{
		ID:           id,
		CustomerID:   customer,
		RestaurantID: restaurant,
		Items:        append([]Item(nil), p.Items...),
		Total:        total,
		Currency:     currency,
		State:        saga.StateCreated,
		Version:      0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// PlacedEvent builds the OrderPlaced event announcing o.
func (o Order) PlacedEvent() (event.Event, error) {
	return event.New(o.ID, "", event.OrderPlaced{
		CustomerID:   o.CustomerID,
		RestaurantID: o.RestaurantID,
		Items:        append([]Item(nil), o.Items...),
		Amount:       o.Total,
		Currency:     o.Currency,
	})
}

// Status is the coarse order status exposed to the placing caller.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusConfirmed Status = "Confirmed"
	StatusCancelled Status = "Cancelled"
	StatusDelivered Status = "Delivered"
	StatusFailed    Status = "Failed"
)

// CoarseStatus hides internal saga detail from callers. Only a failed
// compensation surfaces as an explicit failure.
func CoarseStatus(s saga.State) Status {
	switch s {
	case saga.StateCreated, saga.StatePaymentPending, saga.StatePaymentAuthorized, saga.StateRestaurantConfirming:
		return StatusPending
	case saga.StatePreparing, saga.StateReadyForPickup, saga.StateOutForDelivery:
		return StatusConfirmed
	case saga.StateDelivered:
		return StatusDelivered
	case saga.StateCompensationFailed:
		return StatusFailed
	default:
		return StatusCancelled
	}
}

func invalid(msg string) error {
	return errs.New("order", errs.CodeInvalid, errs.WithMessage(msg))
}
