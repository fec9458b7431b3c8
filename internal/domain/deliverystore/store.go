// Package deliverystore defines persistence contracts for the courier
// assignments owned by the delivery role.
package deliverystore

import (
	"context"
	"time"
)

// Status is the lifecycle position of an assignment.
type Status string

const (
	StatusAssigned  Status = "ASSIGNED"
	StatusCompleted Status = "COMPLETED"
)

// Assignment is the delivery role's record of a courier taking an order.
type Assignment struct {
	OrderID          string
	CourierID        string
	EstimatedMinutes int
	Status           Status
	AssignedAt       time.Time
	CompletedAt      *time.Time
	Version          int64
}

// Store persists assignments. Saves are optimistic like the order store:
// expectedVersion 0 creates, anything else must match the stored version.
type Store interface {
	GetAssignment(ctx context.Context, orderID string) (Assignment, error)
	SaveAssignment(ctx context.Context, a Assignment, expectedVersion int64) error
}
