package collaborator

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/orderflow/errs"
)

// script counts calls per operation and replays queued failures.
type script struct {
	mu     sync.Mutex
	calls  map[string]int
	queued map[string][]error
}

// FailNext makes the next len(failures) calls of op return those errors.
func (s *script) FailNext(op string, failures ...error) {
	s.mu.Lock()
	if s.queued == nil {
		s.queued = make(map[string][]error)
	}
	s.queued[op] = append(s.queued[op], failures...)
	s.mu.Unlock()
}

// Calls reports how many times op was invoked.
func (s *script) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// hit must be called with s.mu held.
func (s *script) hit(ctx context.Context, op string) error {
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if q := s.queued[op]; len(q) > 0 {
		s.queued[op] = q[1:]
		return q[0]
	}
	return nil
}

// FakePayment authorizes everything unless told otherwise. Authorizations and
// refunds are idempotent per key.
type FakePayment struct {
	script
	declines   map[string]string
	byKey      map[string]Authorization
	authorized map[string]AuthorizeRequest
	refunds    map[string]RefundRequest
	nextTx     int
}

func NewFakePayment() *FakePayment {
	return &FakePayment{
		declines:   make(map[string]string),
		byKey:      make(map[string]Authorization),
		authorized: make(map[string]AuthorizeRequest),
		refunds:    make(map[string]RefundRequest),
	}
}

// Decline refuses every authorization of orderID with reason.
func (f *FakePayment) Decline(orderID, reason string) {
	f.mu.Lock()
	f.declines[orderID] = reason
	f.mu.Unlock()
}

func (f *FakePayment) Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit(ctx, OpAuthorize); err != nil {
		return Authorization{}, err
	}
	if reason, ok := f.declines[req.OrderID]; ok {
		return Authorization{}, errs.New("collaborator/payment", errs.CodeDeclined, errs.WithMessage(reason))
	}
	if auth, ok := f.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return auth, nil
	}
	f.nextTx++
	auth := Authorization{TransactionID: fmt.Sprintf("tx-%d", f.nextTx)}
	if req.IdempotencyKey != "" {
		f.byKey[req.IdempotencyKey] = auth
	}
	f.authorized[auth.TransactionID] = req
	return auth, nil
}

// Refund accepts a refund of at most the authorized amount.
func (f *FakePayment) Refund(ctx context.Context, req RefundRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit(ctx, OpRefund); err != nil {
		return err
	}
	if _, done := f.refunds[req.IdempotencyKey]; done && req.IdempotencyKey != "" {
		return nil
	}
	auth, ok := f.authorized[req.TransactionID]
	if !ok {
		return errs.New("collaborator/payment", errs.CodeNonRetryable,
			errs.WithMessage("unknown transaction"), errs.WithField("transaction_id", req.TransactionID))
	}
	if req.Amount.GreaterThan(auth.Amount) {
		return errs.New("collaborator/payment", errs.CodeNonRetryable,
			errs.WithMessage("refund exceeds authorization"), errs.WithField("transaction_id", req.TransactionID))
	}
	f.refunds[req.IdempotencyKey] = req
	return nil
}

// Refunded sums the refunds recorded for orderID.
func (f *FakePayment) Refunded(orderID string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := decimal.Zero
	for _, r := range f.refunds {
		if r.OrderID == orderID {
			total = total.Add(r.Amount)
		}
	}
	return total
}

// Authorized reports the amount held for orderID.
func (f *FakePayment) Authorized(orderID string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := decimal.Zero
	for _, a := range f.authorized {
		if a.OrderID == orderID {
			total = total.Add(a.Amount)
		}
	}
	return total
}

// FakeRestaurant accepts every order unless told otherwise.
type FakeRestaurant struct {
	script
	rejects  map[string]string
	prep     int
	released map[string]ReleaseRequest
}

func NewFakeRestaurant() *FakeRestaurant {
	return &FakeRestaurant{
		rejects:  make(map[string]string),
		prep:     15,
		released: make(map[string]ReleaseRequest),
	}
}

// Reject refuses orderID with reason.
func (f *FakeRestaurant) Reject(orderID, reason string) {
	f.mu.Lock()
	f.rejects[orderID] = reason
	f.mu.Unlock()
}

func (f *FakeRestaurant) Confirm(ctx context.Context, req ConfirmRequest) (Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit(ctx, OpConfirm); err != nil {
		return Confirmation{}, err
	}
	if reason, ok := f.rejects[req.OrderID]; ok {
		return Confirmation{}, errs.New("collaborator/restaurant", errs.CodeRejected, errs.WithMessage(reason))
	}
	return Confirmation{EstimatedPrepMinutes: f.prep}, nil
}

func (f *FakeRestaurant) Release(ctx context.Context, req ReleaseRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit(ctx, OpRelease); err != nil {
		return err
	}
	f.released[req.IdempotencyKey] = req
	return nil
}

// Released reports whether the slot of orderID was released.
func (f *FakeRestaurant) Released(orderID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.released {
		if r.OrderID == orderID {
			return true
		}
	}
	return false
}

// FakeDelivery assigns numbered couriers.
type FakeDelivery struct {
	script
	unavailable map[string]bool
	assigned    map[string]Assignment
	next        int
}

func NewFakeDelivery() *FakeDelivery {
	return &FakeDelivery{
		unavailable: make(map[string]bool),
		assigned:    make(map[string]Assignment),
	}
}

// NoCourier makes every assignment of orderID fail with no_courier_available.
func (f *FakeDelivery) NoCourier(orderID string) {
	f.mu.Lock()
	f.unavailable[orderID] = true
	f.mu.Unlock()
}

func (f *FakeDelivery) Assign(ctx context.Context, req AssignRequest) (Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit(ctx, OpAssign); err != nil {
		return Assignment{}, err
	}
	if f.unavailable[req.OrderID] {
		return Assignment{}, errs.New("collaborator/delivery", errs.CodeNoCourier, errs.WithField("order_id", req.OrderID))
	}
	if a, ok := f.assigned[req.OrderID]; ok {
		return a, nil
	}
	f.next++
	a := Assignment{CourierID: fmt.Sprintf("courier-%d", f.next), EstimatedMinutes: 25}
	f.assigned[req.OrderID] = a
	return a, nil
}

// FakeNotifier records notifications.
type FakeNotifier struct {
	script
	sent []Notification
}

func NewFakeNotifier() *FakeNotifier {
	return &FakeNotifier{}
}

func (f *FakeNotifier) Notify(ctx context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit(ctx, OpNotify); err != nil {
		return err
	}
	f.sent = append(f.sent, n)
	return nil
}

// Sent returns a copy of the recorded notifications.
func (f *FakeNotifier) Sent() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.sent...)
}

var (
	_ Payment    = (*FakePayment)(nil)
	_ Restaurant = (*FakeRestaurant)(nil)
	_ Delivery   = (*FakeDelivery)(nil)
	_ Notifier   = (*FakeNotifier)(nil)
)
