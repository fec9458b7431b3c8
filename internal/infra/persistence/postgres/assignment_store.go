package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/domain/deliverystore"
)

// AssignmentStore persists the delivery role's courier assignments.
type AssignmentStore struct {
	db querier
}

// NewAssignmentStore constructs an AssignmentStore backed by the provided pool.
func NewAssignmentStore(pool *pgxpool.Pool) *AssignmentStore {
	return &AssignmentStore{db: fromPool(pool)}
}

const (
	assignmentInsertSQL = `
INSERT INTO delivery_assignments (
    order_id,
    courier_id,
    estimated_minutes,
    status,
    assigned_at,
    completed_at,
    version
)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (order_id) DO NOTHING;
`

	assignmentUpdateSQL = `
UPDATE delivery_assignments
SET courier_id = $2,
    estimated_minutes = $3,
    status = $4,
    completed_at = $5,
    version = $6
WHERE order_id = $1
  AND version = $7;
`

	assignmentSelectSQL = `
SELECT
    order_id,
    courier_id,
    estimated_minutes,
    status,
    assigned_at,
    completed_at,
    version
FROM delivery_assignments
WHERE order_id = $1;
`
)

// GetAssignment loads the assignment of orderID.
func (s *AssignmentStore) GetAssignment(ctx context.Context, orderID string) (deliverystore.Assignment, error) {
	if s.db == nil {
		return deliverystore.Assignment{}, fmt.Errorf("assignment store: nil pool")
	}
	var (
		a         deliverystore.Assignment
		status    string
		completed pgtype.Timestamptz
	)
	err := s.db.QueryRow(ctx, assignmentSelectSQL, strings.TrimSpace(orderID)).Scan(
		&a.OrderID,
		&a.CourierID,
		&a.EstimatedMinutes,
		&status,
		&a.AssignedAt,
		&completed,
		&a.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return deliverystore.Assignment{}, errs.New("assignment store", errs.CodeNotFound, errs.WithField("order_id", orderID))
	}
	if err != nil {
		return deliverystore.Assignment{}, fmt.Errorf("assignment store: get: %w", err)
	}
	a.Status = deliverystore.Status(status)
	if completed.Valid {
		at := completed.Time.UTC()
		a.CompletedAt = &at
	}
	return a, nil
}

// SaveAssignment creates or updates an assignment under optimistic locking.
func (s *AssignmentStore) SaveAssignment(ctx context.Context, a deliverystore.Assignment, expectedVersion int64) error {
	if s.db == nil {
		return fmt.Errorf("assignment store: nil pool")
	}
	var completed *time.Time
	if a.CompletedAt != nil {
		at := a.CompletedAt.UTC()
		completed = &at
	}
	var (
		sql  = assignmentUpdateSQL
		args = []any{a.OrderID, a.CourierID, a.EstimatedMinutes, string(a.Status), completed, a.Version, expectedVersion}
	)
	if expectedVersion == 0 {
		sql = assignmentInsertSQL
		args = []any{a.OrderID, a.CourierID, a.EstimatedMinutes, string(a.Status), a.AssignedAt.UTC(), completed, a.Version}
	}
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("assignment store: save: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("assignment store", errs.CodeConflict,
			errs.WithMessage("assignment version conflict"), errs.WithField("order_id", a.OrderID))
	}
	return nil
}

var _ deliverystore.Store = (*AssignmentStore)(nil)
