package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/orderflow/internal/domain/idempotency"
)

// MarkerStore persists processed-event markers.
type MarkerStore struct {
	db querier
}

// NewMarkerStore constructs a MarkerStore backed by the provided pool.
func NewMarkerStore(pool *pgxpool.Pool) *MarkerStore {
	return &MarkerStore{db: fromPool(pool)}
}

const (
	markerExistsSQL = `
SELECT EXISTS (
    SELECT 1
    FROM processed_events
    WHERE consumer = $1
      AND event_id = $2
);
`

	markerInsertSQL = `
INSERT INTO processed_events (consumer, event_id, result)
VALUES ($1, $2, $3)
ON CONFLICT (consumer, event_id) DO NOTHING;
`

	markerSweepSQL = `
DELETE FROM processed_events
WHERE first_seen_at < $1;
`
)

// HasProcessed reports whether consumer already handled eventID.
func (s *MarkerStore) HasProcessed(ctx context.Context, consumer, eventID string) (bool, error) {
	if s.db == nil {
		return false, fmt.Errorf("marker store: nil pool")
	}
	if err := idempotency.ValidateKey(consumer, eventID); err != nil {
		return false, err
	}
	var exists bool
	if err := s.db.QueryRow(ctx, markerExistsSQL, consumer, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("marker store: lookup: %w", err)
	}
	return exists, nil
}

// MarkProcessed inserts the marker. A concurrent or earlier insert for the
// same key surfaces as a duplicate marker error.
func (s *MarkerStore) MarkProcessed(ctx context.Context, consumer, eventID string, result []byte) error {
	if s.db == nil {
		return fmt.Errorf("marker store: nil pool")
	}
	if err := idempotency.ValidateKey(consumer, eventID); err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, markerInsertSQL, consumer, eventID, result)
	if err != nil {
		return fmt.Errorf("marker store: insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return idempotency.Duplicate(consumer, eventID)
	}
	return nil
}

// Sweep removes markers first seen before the cutoff.
func (s *MarkerStore) Sweep(ctx context.Context, seenBefore time.Time) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("marker store: nil pool")
	}
	tag, err := s.db.Exec(ctx, markerSweepSQL, seenBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("marker store: sweep: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ idempotency.Store = (*MarkerStore)(nil)
