// Package outboxstore defines persistence contracts for durable event publishing.
package outboxstore

import (
	"context"
	"time"
)

// Status is the publication state of an outbox record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

// CanTransitionTo reports whether moving from s to next keeps the lifecycle
// monotonic. Pending may be rescheduled in place.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusPending || next == StatusPublished || next == StatusFailed
	default:
		return false
	}
}

// Entry is a single event staged for publication.
type Entry struct {
	TxID      string
	Topic     string
	Key       string
	EventID   string
	EventType string
	Payload   []byte
}

// Record captures the persisted state of an outbox entry.
type Record struct {
	ID          int64
	TxID        string
	Topic       string
	Key         string
	EventID     string
	EventType   string
	Payload     []byte
	Status      Status
	Attempts    int
	NextRetryAt time.Time
	LastError   string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// Store abstracts persistence operations for the outbox.
type Store interface {
	Enqueue(ctx context.Context, entry Entry) (Record, error)
	// ClaimDue returns up to limit pending records whose next retry is due and
	// pushes their next retry out by lease so concurrent relays skip them.
	ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]Record, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkRetry(ctx context.Context, id int64, attempts int, nextRetryAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id int64, attempts int, lastError string) error
	CountPending(ctx context.Context) (int64, error)
	ListFailed(ctx context.Context, limit int) ([]Record, error)
	// Archive removes published records older than the cutoff.
	Archive(ctx context.Context, publishedBefore time.Time) (int64, error)
}
