package postgres

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/domain/outboxstore"
)

// OutboxStore persists events staged for the bus.
type OutboxStore struct {
	db querier
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{db: fromPool(pool)}
}

const (
	defaultOutboxLimit = 128
	maxOutboxLimit     = 1024
	uniqueViolation    = "23505"
)

const outboxColumns = `
    id,
    tx_id,
    topic,
    message_key,
    event_id,
    event_type,
    payload,
    status,
    attempts,
    next_retry_at,
    last_error,
    created_at,
    published_at`

const (
	outboxInsertSQL = `
INSERT INTO outbox_records (
    tx_id,
    topic,
    message_key,
    event_id,
    event_type,
    payload
)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING` + outboxColumns + `;
`

	outboxClaimDueSQL = `
WITH due AS (
    SELECT r.id
    FROM outbox_records r
    WHERE r.status = 'PENDING'
      AND r.next_retry_at <= NOW()
      AND NOT EXISTS (
          SELECT 1
          FROM outbox_records p
          WHERE p.message_key = r.message_key
            AND p.status = 'PENDING'
            AND p.id < r.id
      )
    ORDER BY r.id ASC
    LIMIT $1
    FOR UPDATE OF r SKIP LOCKED
)
UPDATE outbox_records o
SET next_retry_at = NOW() + ($2::bigint * INTERVAL '1 millisecond')
FROM due
WHERE o.id = due.id
RETURNING
    o.id,
    o.tx_id,
    o.topic,
    o.message_key,
    o.event_id,
    o.event_type,
    o.payload,
    o.status,
    o.attempts,
    o.next_retry_at,
    o.last_error,
    o.created_at,
    o.published_at;
`

	outboxMarkPublishedSQL = `
UPDATE outbox_records
SET status = 'PUBLISHED',
    published_at = NOW(),
    attempts = attempts + 1
WHERE id = $1
  AND status = 'PENDING';
`

	outboxMarkRetrySQL = `
UPDATE outbox_records
SET attempts = $2,
    next_retry_at = $3,
    last_error = $4
WHERE id = $1
  AND status = 'PENDING';
`

	outboxMarkFailedSQL = `
UPDATE outbox_records
SET status = 'FAILED',
    attempts = $2,
    last_error = $3
WHERE id = $1
  AND status = 'PENDING';
`

	outboxCountPendingSQL = `
SELECT COUNT(*)
FROM outbox_records
WHERE status = 'PENDING';
`

	outboxListFailedSQL = `
SELECT` + outboxColumns + `
FROM outbox_records
WHERE status = 'FAILED'
ORDER BY id ASC
LIMIT $1;
`

	outboxArchiveSQL = `
DELETE FROM outbox_records
WHERE status = 'PUBLISHED'
  AND published_at < $1;
`
)

// Enqueue stages an entry inside the caller's transaction.
func (s *OutboxStore) Enqueue(ctx context.Context, entry outboxstore.Entry) (outboxstore.Record, error) {
	if s.db == nil {
		return outboxstore.Record{}, fmt.Errorf("outbox store: nil pool")
	}
	topic := strings.TrimSpace(entry.Topic)
	if topic == "" {
		return outboxstore.Record{}, fmt.Errorf("outbox store: topic required")
	}
	eventID := strings.TrimSpace(entry.EventID)
	if eventID == "" {
		return outboxstore.Record{}, fmt.Errorf("outbox store: event id required")
	}
	row := s.db.QueryRow(ctx, outboxInsertSQL,
		entry.TxID, topic, entry.Key, eventID, entry.EventType, entry.Payload)
	rec, err := scanOutboxRecord(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return outboxstore.Record{}, errs.New("outbox store", errs.CodeConflict,
				errs.WithMessage("event already staged"), errs.WithField("event_id", eventID), errs.WithCause(err))
		}
		return outboxstore.Record{}, err
	}
	return rec, nil
}

// ClaimDue leases up to limit due pending records, at most the oldest pending
// record per key. Rows locked by another relay are skipped.
func (s *OutboxStore) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]outboxstore.Record, error) {
	if s.db == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	limit = clampLimit(limit)
	rows, err := s.db.Query(ctx, outboxClaimDueSQL, limit, lease.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("outbox store: claim due: %w", err)
	}
	defer rows.Close()

	var records []outboxstore.Record
	for rows.Next() {
		rec, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate claimed: %w", err)
	}
	slices.SortFunc(records, func(a, b outboxstore.Record) int { return cmp.Compare(a.ID, b.ID) })
	return records, nil
}

// MarkPublished flags a record as delivered to the bus.
func (s *OutboxStore) MarkPublished(ctx context.Context, id int64) error {
	if s.db == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.db.Exec(ctx, outboxMarkPublishedSQL, id)
	if err != nil {
		return fmt.Errorf("outbox store: mark published: %w", err)
	}
	return expectOneRow(tag, "mark published")
}

// MarkRetry records a failed attempt and reschedules the record.
func (s *OutboxStore) MarkRetry(ctx context.Context, id int64, attempts int, nextRetryAt time.Time, lastError string) error {
	if s.db == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.db.Exec(ctx, outboxMarkRetrySQL, id, attempts, nextRetryAt.UTC(), strings.TrimSpace(lastError))
	if err != nil {
		return fmt.Errorf("outbox store: mark retry: %w", err)
	}
	return expectOneRow(tag, "mark retry")
}

// MarkFailed parks a record that exhausted its attempts.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, attempts int, lastError string) error {
	if s.db == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.db.Exec(ctx, outboxMarkFailedSQL, id, attempts, strings.TrimSpace(lastError))
	if err != nil {
		return fmt.Errorf("outbox store: mark failed: %w", err)
	}
	return expectOneRow(tag, "mark failed")
}

// CountPending returns the relay backlog.
func (s *OutboxStore) CountPending(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("outbox store: nil pool")
	}
	var n int64
	if err := s.db.QueryRow(ctx, outboxCountPendingSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbox store: count pending: %w", err)
	}
	return n, nil
}

// ListFailed returns parked records for operator inspection.
func (s *OutboxStore) ListFailed(ctx context.Context, limit int) ([]outboxstore.Record, error) {
	if s.db == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	rows, err := s.db.Query(ctx, outboxListFailedSQL, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("outbox store: list failed: %w", err)
	}
	defer rows.Close()

	var records []outboxstore.Record
	for rows.Next() {
		rec, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate failed: %w", err)
	}
	return records, nil
}

// Archive deletes published records older than the cutoff.
func (s *OutboxStore) Archive(ctx context.Context, publishedBefore time.Time) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.db.Exec(ctx, outboxArchiveSQL, publishedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("outbox store: archive: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ outboxstore.Store = (*OutboxStore)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxRecord(row rowScanner) (outboxstore.Record, error) {
	var (
		rec         outboxstore.Record
		status      string
		lastError   pgtype.Text
		publishedAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&rec.ID,
		&rec.TxID,
		&rec.Topic,
		&rec.Key,
		&rec.EventID,
		&rec.EventType,
		&rec.Payload,
		&status,
		&rec.Attempts,
		&rec.NextRetryAt,
		&lastError,
		&rec.CreatedAt,
		&publishedAt,
	); err != nil {
		return outboxstore.Record{}, fmt.Errorf("outbox store: scan record: %w", err)
	}
	rec.Status = outboxstore.Status(status)
	rec.LastError = lastError.String
	if publishedAt.Valid {
		t := publishedAt.Time
		rec.PublishedAt = &t
	}
	return rec, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultOutboxLimit
	case limit > maxOutboxLimit:
		return maxOutboxLimit
	default:
		return limit
	}
}

func expectOneRow(tag pgconn.CommandTag, op string) error {
	if tag.RowsAffected() == 0 {
		return errs.New("outbox store", errs.CodeConflict,
			errs.WithMessage(op+": record missing or no longer pending"))
	}
	return nil
}
