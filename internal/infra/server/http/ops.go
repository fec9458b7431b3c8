package httpserver

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/coachpo/orderflow/internal/app/outbox"
	"github.com/coachpo/orderflow/internal/app/resilience"
	"github.com/coachpo/orderflow/internal/domain/outboxstore"
	"github.com/coachpo/orderflow/internal/observability"
)

const (
	opsPath = "/ops"

	defaultFailedLimit = 50
	maxFailedLimit     = 500
)

// Ops is the operator view of the running roles.
type Ops interface {
	Breakers() []resilience.BreakerSnapshot
	Backlog(ctx context.Context) (int64, error)
	FailedOutbox(ctx context.Context, limit int) ([]outboxstore.Record, error)
	DeadLetters() []observability.DeadLetter
}

// OpsView gathers the operator view from the policy, the relay and the
// routers' dead-letter copies. Any source may be nil.
type OpsView struct {
	Policy  *resilience.Policy
	Relay   *outbox.Relay
	Letters []*observability.DeadLetterQueue
}

func (v OpsView) Breakers() []resilience.BreakerSnapshot {
	if v.Policy == nil {
		return nil
	}
	return v.Policy.Breakers().Snapshots()
}

func (v OpsView) Backlog(ctx context.Context) (int64, error) {
	if v.Relay == nil {
		return 0, nil
	}
	return v.Relay.Backlog(ctx)
}

func (v OpsView) FailedOutbox(ctx context.Context, limit int) ([]outboxstore.Record, error) {
	if v.Relay == nil {
		return nil, nil
	}
	return v.Relay.Failed(ctx, limit)
}

// DeadLetters merges every queue, newest first.
func (v OpsView) DeadLetters() []observability.DeadLetter {
	var out []observability.DeadLetter
	for _, q := range v.Letters {
		if q != nil {
			out = append(out, q.List()...)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return out
}

type breakerView struct {
	Name                string  `json:"name"`
	State               string  `json:"state"`
	ConsecutiveFailures uint32  `json:"consecutiveFailures"`
	Threshold           uint32  `json:"threshold"`
	OpenDurationSeconds float64 `json:"openDurationSeconds"`
	OpenedAt            *string `json:"openedAt,omitempty"`
}

type outboxRecordView struct {
	ID        int64  `json:"id"`
	Topic     string `json:"topic"`
	Key       string `json:"key"`
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError,omitempty"`
	CreatedAt string `json:"createdAt"`
}

type deadLetterView struct {
	Topic    string `json:"topic"`
	Key      string `json:"key"`
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
	At       string `json:"at"`
	Payload  string `json:"payload"`
}

func (s *httpServer) mountOps(r chi.Router) {
	r.Get("/breakers", s.listBreakers)
	r.Get("/outbox/failed", s.listFailedOutbox)
	r.Get("/dead-letters", s.listDeadLetters)
}

func (s *httpServer) listBreakers(w http.ResponseWriter, _ *http.Request) {
	snapshots := s.ops.Breakers()
	views := make([]breakerView, 0, len(snapshots))
	for _, snap := range snapshots {
		view := breakerView{
			Name:                snap.Name,
			State:               string(snap.State),
			ConsecutiveFailures: snap.ConsecutiveFailures,
			Threshold:           snap.Threshold,
			OpenDurationSeconds: snap.OpenDuration.Seconds(),
		}
		if !snap.OpenedAt.IsZero() {
			at := snap.OpenedAt.UTC().Format(time.RFC3339Nano)
			view.OpenedAt = &at
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	writeJSON(w, http.StatusOK, map[string]any{"breakers": views})
}

func (s *httpServer) listFailedOutbox(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultFailedLimit, maxFailedLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.ops.FailedOutbox(r.Context(), limit)
	if err != nil {
		s.writeFailure(w, r, "list failed outbox", err)
		return
	}
	views := make([]outboxRecordView, 0, len(records))
	for _, rec := range records {
		views = append(views, outboxRecordView{
			ID:        rec.ID,
			Topic:     rec.Topic,
			Key:       rec.Key,
			EventID:   rec.EventID,
			EventType: rec.EventType,
			Attempts:  rec.Attempts,
			LastError: rec.LastError,
			CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": views})
}

func (s *httpServer) listDeadLetters(w http.ResponseWriter, _ *http.Request) {
	letters := s.ops.DeadLetters()
	views := make([]deadLetterView, 0, len(letters))
	for _, letter := range letters {
		views = append(views, deadLetterView{
			Topic:    letter.Topic,
			Key:      letter.Key,
			Reason:   letter.Reason,
			Attempts: letter.Attempts,
			At:       letter.At.UTC().Format(time.RFC3339Nano),
			Payload:  string(letter.Payload),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": views})
}
