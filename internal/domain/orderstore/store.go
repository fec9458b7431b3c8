// Package orderstore defines persistence contracts for orders, their sagas and
// the unit of work that keeps them consistent with the outbox and markers.
package orderstore

import (
	"context"

	"github.com/coachpo/orderflow/internal/domain/deliverystore"
	"github.com/coachpo/orderflow/internal/domain/idempotency"
	"github.com/coachpo/orderflow/internal/domain/order"
	"github.com/coachpo/orderflow/internal/domain/outboxstore"
	"github.com/coachpo/orderflow/internal/domain/saga"
)

// Store persists orders and saga instances. Saves are optimistic: the caller
// passes the version it loaded and gets errs.CodeConflict when another writer
// got there first. Version 0 means create.
type Store interface {
	GetOrder(ctx context.Context, id string) (order.Order, error)
	SaveOrder(ctx context.Context, o order.Order, expectedVersion int64) error
	GetSaga(ctx context.Context, orderID string) (*saga.Instance, error)
	SaveSaga(ctx context.Context, inst *saga.Instance, expectedVersion int64) error
	CountSagasByState(ctx context.Context) (map[saga.State]int64, error)
}

// Tx exposes the stores bound to one local transaction.
type Tx interface {
	Orders() Store
	Outbox() outboxstore.Store
	Markers() idempotency.Store
	Deliveries() deliverystore.Store
}

// UnitOfWork runs fn inside a local transaction. fn's error rolls everything
// back; a nil return commits all writes together.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
