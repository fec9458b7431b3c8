package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/domain/order"
	"github.com/coachpo/orderflow/internal/domain/orderstore"
	"github.com/coachpo/orderflow/internal/domain/saga"
)

// OrderStore persists orders and their saga instances.
type OrderStore struct {
	db querier
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{db: fromPool(pool)}
}

const (
	orderInsertSQL = `
INSERT INTO orders (
    id,
    customer_id,
    restaurant_id,
    items,
    total,
    currency,
    state,
    version,
    created_at,
    updated_at
)
VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING;
`

	orderUpdateSQL = `
UPDATE orders
SET state = $2,
    version = $3,
    updated_at = $4
WHERE id = $1
  AND version = $5;
`

	orderSelectSQL = `
SELECT
    id,
    customer_id,
    restaurant_id,
    items,
    total::text,
    currency,
    state,
    version,
    created_at,
    updated_at
FROM orders
WHERE id = $1;
`

	sagaInsertSQL = `
INSERT INTO saga_instances (
    order_id,
    state,
    history,
    pending_compensations,
    version,
    customer_id,
    restaurant_id,
    amount,
    currency,
    payment_transaction_id,
    cancel_reason,
    created_at,
    updated_at
)
VALUES ($1, $2, $3::jsonb, $4::jsonb, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (order_id) DO NOTHING;
`

	sagaUpdateSQL = `
UPDATE saga_instances
SET state = $2,
    history = $3::jsonb,
    pending_compensations = $4::jsonb,
    version = $5,
    customer_id = $6,
    restaurant_id = $7,
    amount = $8,
    currency = $9,
    payment_transaction_id = $10,
    cancel_reason = $11,
    updated_at = $12
WHERE order_id = $1
  AND version = $13;
`

	sagaSelectSQL = `
SELECT
    order_id,
    state,
    history,
    pending_compensations,
    version,
    customer_id,
    restaurant_id,
    amount::text,
    currency,
    payment_transaction_id,
    cancel_reason,
    created_at,
    updated_at
FROM saga_instances
WHERE order_id = $1;
`

	sagaCountByStateSQL = `
SELECT state, COUNT(*)
FROM saga_instances
GROUP BY state;
`
)

// GetOrder loads an order by id.
func (s *OrderStore) GetOrder(ctx context.Context, id string) (order.Order, error) {
	if s.db == nil {
		return order.Order{}, fmt.Errorf("order store: nil pool")
	}
	var (
		o        order.Order
		items    []byte
		total    pgtype.Text
		stateRaw string
	)
	err := s.db.QueryRow(ctx, orderSelectSQL, strings.TrimSpace(id)).Scan(
		&o.ID,
		&o.CustomerID,
		&o.RestaurantID,
		&items,
		&total,
		&o.Currency,
		&stateRaw,
		&o.Version,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Order{}, errs.New("order store", errs.CodeNotFound, errs.WithField("order_id", id))
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("order store: get order: %w", err)
	}
	if err := decodeJSON(items, &o.Items); err != nil {
		return order.Order{}, fmt.Errorf("order store: decode items: %w", err)
	}
	if o.Total, err = decimalFromText(total); err != nil {
		return order.Order{}, fmt.Errorf("order store: %w", err)
	}
	o.State = saga.State(stateRaw)
	return o, nil
}

// SaveOrder inserts o when expectedVersion is zero and otherwise updates the
// row only if it still carries expectedVersion.
func (s *OrderStore) SaveOrder(ctx context.Context, o order.Order, expectedVersion int64) error {
	if s.db == nil {
		return fmt.Errorf("order store: nil pool")
	}
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("order store: order id required")
	}
	if expectedVersion == 0 {
		items, err := encodeJSON(o.Items)
		if err != nil {
			return fmt.Errorf("order store: encode items: %w", err)
		}
		total, err := numericFromDecimal(o.Total)
		if err != nil {
			return fmt.Errorf("order store: %w", err)
		}
		tag, err := s.db.Exec(ctx, orderInsertSQL,
			o.ID, o.CustomerID, o.RestaurantID, items, total, o.Currency,
			string(o.State), o.Version, o.CreatedAt, o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("order store: insert order: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return versionConflict("order", o.ID)
		}
		return nil
	}
	tag, err := s.db.Exec(ctx, orderUpdateSQL, o.ID, string(o.State), o.Version, o.UpdatedAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("order store: update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return versionConflict("order", o.ID)
	}
	return nil
}

// GetSaga loads the saga instance of an order.
func (s *OrderStore) GetSaga(ctx context.Context, orderID string) (*saga.Instance, error) {
	if s.db == nil {
		return nil, fmt.Errorf("order store: nil pool")
	}
	var (
		inst     saga.Instance
		stateRaw string
		history  []byte
		pending  []byte
		amount   pgtype.Text
		txID     pgtype.Text
		reason   pgtype.Text
	)
	err := s.db.QueryRow(ctx, sagaSelectSQL, strings.TrimSpace(orderID)).Scan(
		&inst.OrderID,
		&stateRaw,
		&history,
		&pending,
		&inst.Version,
		&inst.CustomerID,
		&inst.RestaurantID,
		&amount,
		&inst.Currency,
		&txID,
		&reason,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New("order store", errs.CodeNotFound, errs.WithField("order_id", orderID))
	}
	if err != nil {
		return nil, fmt.Errorf("order store: get saga: %w", err)
	}
	inst.State = saga.State(stateRaw)
	if err := decodeJSON(history, &inst.History); err != nil {
		return nil, fmt.Errorf("order store: decode history: %w", err)
	}
	if err := decodeJSON(pending, &inst.PendingCompensations); err != nil {
		return nil, fmt.Errorf("order store: decode compensations: %w", err)
	}
	if inst.Amount, err = decimalFromText(amount); err != nil {
		return nil, fmt.Errorf("order store: %w", err)
	}
	inst.PaymentTransactionID = txID.String
	inst.CancelReason = reason.String
	return &inst, nil
}

// SaveSaga persists inst with the same optimistic rules as SaveOrder.
func (s *OrderStore) SaveSaga(ctx context.Context, inst *saga.Instance, expectedVersion int64) error {
	if s.db == nil {
		return fmt.Errorf("order store: nil pool")
	}
	if inst == nil || strings.TrimSpace(inst.OrderID) == "" {
		return fmt.Errorf("order store: saga order id required")
	}
	history, err := encodeJSON(inst.History)
	if err != nil {
		return fmt.Errorf("order store: encode history: %w", err)
	}
	pending, err := encodeJSON(inst.PendingCompensations)
	if err != nil {
		return fmt.Errorf("order store: encode compensations: %w", err)
	}
	amount, err := numericFromDecimal(inst.Amount)
	if err != nil {
		return fmt.Errorf("order store: %w", err)
	}
	var sql string
	args := []any{
		inst.OrderID, string(inst.State), history, pending, inst.Version,
		inst.CustomerID, inst.RestaurantID, amount, inst.Currency,
		inst.PaymentTransactionID, inst.CancelReason,
	}
	if expectedVersion == 0 {
		sql = sagaInsertSQL
		args = append(args, inst.CreatedAt, inst.UpdatedAt)
	} else {
		sql = sagaUpdateSQL
		args = append(args, inst.UpdatedAt, expectedVersion)
	}
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("order store: save saga: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return versionConflict("saga", inst.OrderID)
	}
	return nil
}

// CountSagasByState reports how many sagas sit in each state.
func (s *OrderStore) CountSagasByState(ctx context.Context) (map[saga.State]int64, error) {
	if s.db == nil {
		return nil, fmt.Errorf("order store: nil pool")
	}
	rows, err := s.db.Query(ctx, sagaCountByStateSQL)
	if err != nil {
		return nil, fmt.Errorf("order store: count sagas: %w", err)
	}
	defer rows.Close()
	counts := make(map[saga.State]int64)
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("order store: scan saga count: %w", err)
		}
		counts[saga.State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate saga counts: %w", err)
	}
	return counts, nil
}

var _ orderstore.Store = (*OrderStore)(nil)

func versionConflict(kind, id string) error {
	return errs.New("order store", errs.CodeConflict,
		errs.WithMessage(kind+" version conflict"), errs.WithField("id", id))
}

func encodeJSON(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	if string(data) == "null" {
		return []byte("[]"), nil
	}
	return data, nil
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("json unmarshal: %w", err)
	}
	return nil
}
