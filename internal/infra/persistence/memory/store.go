// Package memory provides an in-process implementation of the order, outbox,
// idempotency and delivery stores with all-or-nothing transactions. It backs
// local mode and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/domain/deliverystore"
	"github.com/coachpo/orderflow/internal/domain/idempotency"
	"github.com/coachpo/orderflow/internal/domain/order"
	"github.com/coachpo/orderflow/internal/domain/orderstore"
	"github.com/coachpo/orderflow/internal/domain/outboxstore"
	"github.com/coachpo/orderflow/internal/domain/saga"
)

type markerKey struct {
	consumer string
	eventID  string
}

type stagedKey struct {
	topic   string
	eventID string
}

// Store is a transactional in-memory persistence layer. Transactions write in
// place and keep an undo log, so keyed reads and writes cost the same however
// much the store holds.
type Store struct {
	mu          sync.Mutex
	orders      map[string]order.Order
	sagas       map[string]*saga.Instance
	outbox      map[int64]outboxstore.Record
	pending     map[int64]struct{}
	staged      map[stagedKey]int64
	published   []int64
	markers     map[markerKey]idempotency.Marker
	assignments map[string]deliverystore.Assignment
	nextID      int64
	now         func() time.Time
	failCommit  error
}

// Option configures the memory store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		orders:      make(map[string]order.Order),
		sagas:       make(map[string]*saga.Instance),
		outbox:      make(map[int64]outboxstore.Record),
		pending:     make(map[int64]struct{}),
		staged:      make(map[stagedKey]int64),
		markers:     make(map[markerKey]idempotency.Marker),
		assignments: make(map[string]deliverystore.Assignment),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Do runs fn against the live state and undoes its writes when fn fails or
// panics.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, tx orderstore.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{s: s}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if s.failCommit != nil {
		err := s.failCommit
		s.failCommit = nil
		return err
	}
	committed = true
	return nil
}

// FailNextCommit makes the next successful Do discard its writes and return
// err, simulating a crash before commit.
func (s *Store) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommit = err
}

// Records returns a copy of every outbox record ordered by id.
func (s *Store) Records() []outboxstore.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outboxstore.Record, 0, len(s.outbox))
	for _, r := range s.outbox {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Saga returns a copy of the saga for orderID, or nil.
func (s *Store) Saga(orderID string) *saga.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sagas[orderID].Snapshot()
}

var _ orderstore.UnitOfWork = (*Store)(nil)

type memTx struct {
	s    *Store
	undo []func()
}

func (t *memTx) Orders() orderstore.Store        { return orderRepo{t} }
func (t *memTx) Outbox() outboxstore.Store       { return outboxRepo{t} }
func (t *memTx) Markers() idempotency.Store      { return markerRepo{t} }
func (t *memTx) Deliveries() deliverystore.Store { return assignmentRepo{t} }
func (t *memTx) clock() time.Time                { return t.s.now().UTC() }
func (t *memTx) onRollback(fn func())            { t.undo = append(t.undo, fn) }

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func put[K comparable, V any](t *memTx, m map[K]V, k K, v V) {
	prev, had := m[k]
	t.onRollback(func() {
		if had {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

func remove[K comparable, V any](t *memTx, m map[K]V, k K) {
	prev, had := m[k]
	if !had {
		return
	}
	t.onRollback(func() { m[k] = prev })
	delete(m, k)
}

type orderRepo struct{ tx *memTx }

func (r orderRepo) GetOrder(_ context.Context, id string) (order.Order, error) {
	o, ok := r.tx.s.orders[id]
	if !ok {
		return order.Order{}, errs.New("memory", errs.CodeNotFound, errs.WithField("order_id", id))
	}
	return o, nil
}

func (r orderRepo) SaveOrder(_ context.Context, o order.Order, expectedVersion int64) error {
	current, exists := r.tx.s.orders[o.ID]
	if !versionMatches(exists, current.Version, expectedVersion) {
		return conflict("order", o.ID)
	}
	put(r.tx, r.tx.s.orders, o.ID, o)
	return nil
}

func (r orderRepo) GetSaga(_ context.Context, orderID string) (*saga.Instance, error) {
	inst, ok := r.tx.s.sagas[orderID]
	if !ok {
		return nil, errs.New("memory", errs.CodeNotFound, errs.WithField("order_id", orderID))
	}
	return inst.Snapshot(), nil
}

func (r orderRepo) SaveSaga(_ context.Context, inst *saga.Instance, expectedVersion int64) error {
	current, exists := r.tx.s.sagas[inst.OrderID]
	var version int64
	if exists {
		version = current.Version
	}
	if !versionMatches(exists, version, expectedVersion) {
		return conflict("saga", inst.OrderID)
	}
	put(r.tx, r.tx.s.sagas, inst.OrderID, inst.Snapshot())
	return nil
}

func (r orderRepo) CountSagasByState(context.Context) (map[saga.State]int64, error) {
	counts := make(map[saga.State]int64)
	for _, inst := range r.tx.s.sagas {
		counts[inst.State]++
	}
	return counts, nil
}

type outboxRepo struct{ tx *memTx }

func (r outboxRepo) Enqueue(_ context.Context, entry outboxstore.Entry) (outboxstore.Record, error) {
	if strings.TrimSpace(entry.Topic) == "" || strings.TrimSpace(entry.EventID) == "" {
		return outboxstore.Record{}, errs.New("memory", errs.CodeInvalid, errs.WithMessage("outbox entry requires topic and event id"))
	}
	s := r.tx.s
	key := stagedKey{topic: entry.Topic, eventID: entry.EventID}
	if _, dup := s.staged[key]; dup {
		return outboxstore.Record{}, conflict("outbox", entry.EventID)
	}
	prevID := s.nextID
	r.tx.onRollback(func() { s.nextID = prevID })
	s.nextID++
	now := r.tx.clock()
	rec := outboxstore.Record{
		ID:          s.nextID,
		TxID:        entry.TxID,
		Topic:       entry.Topic,
		Key:         entry.Key,
		EventID:     entry.EventID,
		EventType:   entry.EventType,
		Payload:     append([]byte(nil), entry.Payload...),
		Status:      outboxstore.StatusPending,
		NextRetryAt: now,
		CreatedAt:   now,
	}
	put(r.tx, s.outbox, rec.ID, rec)
	put(r.tx, s.pending, rec.ID, struct{}{})
	put(r.tx, s.staged, key, rec.ID)
	return rec, nil
}

// ClaimDue only offers the oldest pending record of each key.
func (r outboxRepo) ClaimDue(_ context.Context, limit int, lease time.Duration) ([]outboxstore.Record, error) {
	now := r.tx.clock()
	ids := make([]int64, 0, len(r.tx.s.pending))
	for id := range r.tx.s.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	seen := make(map[string]struct{})
	var due []outboxstore.Record
	for _, id := range ids {
		rec := r.tx.s.outbox[id]
		if _, behind := seen[rec.Key]; behind {
			continue
		}
		seen[rec.Key] = struct{}{}
		if rec.NextRetryAt.After(now) {
			continue
		}
		due = append(due, rec)
		if limit > 0 && len(due) == limit {
			break
		}
	}
	for _, rec := range due {
		leased := rec
		leased.NextRetryAt = now.Add(lease)
		put(r.tx, r.tx.s.outbox, rec.ID, leased)
	}
	return due, nil
}

func (r outboxRepo) transition(id int64, next outboxstore.Status, mutate func(*outboxstore.Record)) error {
	rec, ok := r.tx.s.outbox[id]
	if !ok {
		return errs.New("memory", errs.CodeNotFound, errs.WithMessage("outbox record not found"))
	}
	if !rec.Status.CanTransitionTo(next) {
		return errs.New("memory", errs.CodeConflict,
			errs.WithMessage("illegal outbox transition "+string(rec.Status)+" -> "+string(next)))
	}
	rec.Status = next
	mutate(&rec)
	put(r.tx, r.tx.s.outbox, id, rec)
	if next != outboxstore.StatusPending {
		remove(r.tx, r.tx.s.pending, id)
	}
	return nil
}

func (r outboxRepo) MarkPublished(_ context.Context, id int64) error {
	err := r.transition(id, outboxstore.StatusPublished, func(rec *outboxstore.Record) {
		at := r.tx.clock()
		rec.PublishedAt = &at
		rec.Attempts++
	})
	if err != nil {
		return err
	}
	s := r.tx.s
	prev := s.published
	r.tx.onRollback(func() { s.published = prev })
	s.published = append(s.published, id)
	return nil
}

func (r outboxRepo) MarkRetry(_ context.Context, id int64, attempts int, nextRetryAt time.Time, lastError string) error {
	return r.transition(id, outboxstore.StatusPending, func(rec *outboxstore.Record) {
		rec.Attempts = attempts
		rec.NextRetryAt = nextRetryAt.UTC()
		rec.LastError = lastError
	})
}

func (r outboxRepo) MarkFailed(_ context.Context, id int64, attempts int, lastError string) error {
	return r.transition(id, outboxstore.StatusFailed, func(rec *outboxstore.Record) {
		rec.Attempts = attempts
		rec.LastError = lastError
	})
}

func (r outboxRepo) CountPending(context.Context) (int64, error) {
	return int64(len(r.tx.s.pending)), nil
}

func (r outboxRepo) ListFailed(_ context.Context, limit int) ([]outboxstore.Record, error) {
	var failed []outboxstore.Record
	for _, rec := range r.tx.s.outbox {
		if rec.Status == outboxstore.StatusFailed {
			failed = append(failed, rec)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].ID < failed[j].ID })
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

// Archive walks published records in publication order and stops at the
// first one inside the horizon.
func (r outboxRepo) Archive(_ context.Context, publishedBefore time.Time) (int64, error) {
	s := r.tx.s
	var n int64
	cut := 0
	for _, id := range s.published {
		rec, ok := s.outbox[id]
		if ok && rec.PublishedAt != nil && !rec.PublishedAt.Before(publishedBefore) {
			break
		}
		if ok {
			remove(r.tx, s.outbox, id)
			remove(r.tx, s.staged, stagedKey{topic: rec.Topic, eventID: rec.EventID})
			n++
		}
		cut++
	}
	if cut > 0 {
		prev := s.published
		r.tx.onRollback(func() { s.published = prev })
		s.published = s.published[cut:]
	}
	return n, nil
}

type markerRepo struct{ tx *memTx }

func (r markerRepo) HasProcessed(_ context.Context, consumer, eventID string) (bool, error) {
	if err := idempotency.ValidateKey(consumer, eventID); err != nil {
		return false, err
	}
	_, ok := r.tx.s.markers[markerKey{consumer, eventID}]
	return ok, nil
}

func (r markerRepo) MarkProcessed(_ context.Context, consumer, eventID string, result []byte) error {
	if err := idempotency.ValidateKey(consumer, eventID); err != nil {
		return err
	}
	key := markerKey{consumer, eventID}
	if _, ok := r.tx.s.markers[key]; ok {
		return idempotency.Duplicate(consumer, eventID)
	}
	put(r.tx, r.tx.s.markers, key, idempotency.Marker{
		Consumer:    consumer,
		EventID:     eventID,
		FirstSeenAt: r.tx.clock(),
		Result:      append([]byte(nil), result...),
	})
	return nil
}

func (r markerRepo) Sweep(_ context.Context, seenBefore time.Time) (int64, error) {
	var n int64
	for key, m := range r.tx.s.markers {
		if m.FirstSeenAt.Before(seenBefore) {
			remove(r.tx, r.tx.s.markers, key)
			n++
		}
	}
	return n, nil
}

type assignmentRepo struct{ tx *memTx }

func (r assignmentRepo) GetAssignment(_ context.Context, orderID string) (deliverystore.Assignment, error) {
	a, ok := r.tx.s.assignments[orderID]
	if !ok {
		return deliverystore.Assignment{}, errs.New("memory", errs.CodeNotFound, errs.WithField("order_id", orderID))
	}
	return a, nil
}

func (r assignmentRepo) SaveAssignment(_ context.Context, a deliverystore.Assignment, expectedVersion int64) error {
	current, exists := r.tx.s.assignments[a.OrderID]
	if !versionMatches(exists, current.Version, expectedVersion) {
		return conflict("assignment", a.OrderID)
	}
	put(r.tx, r.tx.s.assignments, a.OrderID, a)
	return nil
}

func versionMatches(exists bool, current, expected int64) bool {
	if expected == 0 {
		return !exists
	}
	return exists && current == expected
}

func conflict(kind, id string) error {
	return errs.New("memory", errs.CodeConflict, errs.WithMessage(kind+" version conflict"), errs.WithField("id", id))
}
