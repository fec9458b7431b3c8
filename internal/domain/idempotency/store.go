// Package idempotency defines processed-event markers guarding side effects
// against redelivery.
package idempotency

import (
	"context"
	"strings"
	"time"

	"github.com/coachpo/orderflow/errs"
)

// Marker records that a consumer finished processing an event.
type Marker struct {
	Consumer    string
	EventID     string
	FirstSeenAt time.Time
	Result      []byte
}

// Store persists markers. MarkProcessed fails with errs.CodeDuplicateMarker
// when the (consumer, event id) pair already exists.
type Store interface {
	HasProcessed(ctx context.Context, consumer, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, consumer, eventID string, result []byte) error
	// Sweep reclaims markers first seen before the cutoff.
	Sweep(ctx context.Context, seenBefore time.Time) (int64, error)
}

// Cache is a lookup fast path in front of the authoritative Store. It is
// populated only after the guarded work has committed.
type Cache interface {
	Seen(ctx context.Context, consumer, eventID string) (bool, error)
	Remember(ctx context.Context, consumer, eventID string) error
}

// NopCache never reports a hit.
type NopCache struct{}

func (NopCache) Seen(context.Context, string, string) (bool, error) { return false, nil }
func (NopCache) Remember(context.Context, string, string) error     { return nil }

// ValidateKey checks both key parts are present.
func ValidateKey(consumer, eventID string) error {
	if strings.TrimSpace(consumer) == "" {
		return errs.New("idempotency", errs.CodeInvalid, errs.WithMessage("consumer required"))
	}
	if strings.TrimSpace(eventID) == "" {
		return errs.New("idempotency", errs.CodeInvalid, errs.WithMessage("event id required"))
	}
	return nil
}

// Duplicate builds the error returned for an existing marker.
func Duplicate(consumer, eventID string) error {
	return errs.New("idempotency", errs.CodeDuplicateMarker,
		errs.WithField("consumer", consumer), errs.WithField("event_id", eventID))
}

// IsDuplicate reports whether err is a duplicate marker error. Callers treat it
// as a successful no-op.
func IsDuplicate(err error) bool {
	return errs.IsCode(err, errs.CodeDuplicateMarker)
}
