// Package postgres implements the order, outbox and marker stores on pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/orderflow/internal/domain/deliverystore"
	"github.com/coachpo/orderflow/internal/domain/idempotency"
	"github.com/coachpo/orderflow/internal/domain/orderstore"
	"github.com/coachpo/orderflow/internal/domain/outboxstore"
	"github.com/coachpo/orderflow/internal/infra/persistence"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func fromPool(pool *pgxpool.Pool) querier {
	if pool == nil {
		return nil
	}
	return pool
}

// Store is the PostgreSQL unit of work.
type Store struct {
	*persistence.Store
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool)}
}

// Do runs fn inside a read-committed transaction. Every store handed to fn
// shares that transaction.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, tx orderstore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("postgres store: transaction callback required")
	}
	pool := s.Pool()
	if pool == nil {
		return fmt.Errorf("postgres store: nil pool")
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:       pgx.ReadCommitted,
		AccessMode:     pgx.ReadWrite,
		DeferrableMode: pgx.NotDeferrable,
	})
	if err != nil {
		return fmt.Errorf("postgres store: begin tx: %w", err)
	}
	if runErr := fn(ctx, pgTx{tx: tx}); runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("postgres store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("postgres store: commit tx: %w", err)
	}
	return nil
}

// Orders returns an order store bound to the pool, outside any transaction.
func (s *Store) Orders() *OrderStore { return NewOrderStore(s.Pool()) }

// Outbox returns an outbox store bound to the pool.
func (s *Store) Outbox() *OutboxStore { return NewOutboxStore(s.Pool()) }

// Markers returns a marker store bound to the pool.
func (s *Store) Markers() *MarkerStore { return NewMarkerStore(s.Pool()) }

// Deliveries returns an assignment store bound to the pool.
func (s *Store) Deliveries() *AssignmentStore { return NewAssignmentStore(s.Pool()) }

var _ orderstore.UnitOfWork = (*Store)(nil)

type pgTx struct {
	tx pgx.Tx
}

func (t pgTx) Orders() orderstore.Store        { return &OrderStore{db: t.tx} }
func (t pgTx) Outbox() outboxstore.Store       { return &OutboxStore{db: t.tx} }
func (t pgTx) Markers() idempotency.Store      { return &MarkerStore{db: t.tx} }
func (t pgTx) Deliveries() deliverystore.Store { return &AssignmentStore{db: t.tx} }
