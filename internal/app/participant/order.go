package participant

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/app/outbox"
	"github.com/coachpo/orderflow/internal/app/resilience"
	"github.com/coachpo/orderflow/internal/app/router"
	"github.com/coachpo/orderflow/internal/domain/event"
	"github.com/coachpo/orderflow/internal/domain/idempotency"
	"github.com/coachpo/orderflow/internal/domain/order"
	"github.com/coachpo/orderflow/internal/domain/orderstore"
	"github.com/coachpo/orderflow/internal/domain/saga"
	"github.com/coachpo/orderflow/internal/infra/collaborator"
	"github.com/coachpo/orderflow/internal/observability"
)

// CompensationConsumer scopes the markers of finished compensating actions,
// keyed by saga.Compensation.Key.
const CompensationConsumer = "compensation"

const orderComponent = "participant/order"

// Order owns the saga. It applies every step's outcome to the saga of the
// order, runs compensations and keeps the order record's state in step.
type Order struct {
	uow        orderstore.UnitOfWork
	publisher  *outbox.Publisher
	policy     *resilience.Policy
	payment    collaborator.Payment
	restaurant collaborator.Restaurant
	options
}

// NewOrder builds the order role.
func NewOrder(uow orderstore.UnitOfWork, policy *resilience.Policy, payment collaborator.Payment, restaurant collaborator.Restaurant, opts ...Option) *Order {
	return &Order{
		uow:        uow,
		publisher:  outbox.NewPublisher(uow),
		policy:     policy,
		payment:    payment,
		restaurant: restaurant,
		options:    buildOptions(opts),
	}
}

func (o *Order) Topics() []string {
	return []string{event.TopicOrder, event.TopicPayment, event.TopicRestaurant, event.TopicDelivery}
}

// PlaceOrder validates p, stores the order with its started saga and stages
// OrderPlaced in one transaction.
func (o *Order) PlaceOrder(ctx context.Context, p order.Placement) (order.Order, error) {
	ord, err := order.New(p, o.now())
	if err != nil {
		return order.Order{}, err
	}
	placed, err := ord.PlacedEvent()
	if err != nil {
		return order.Order{}, err
	}
	inst, out, err := saga.Start(placed)
	if err != nil {
		return order.Order{}, err
	}
	ord.State = inst.State
	ord.Version = 1

	_, err = o.publisher.RecordAndStage(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		if err := tx.Orders().SaveOrder(ctx, ord, 0); err != nil {
			return err
		}
		return tx.Orders().SaveSaga(ctx, inst, 0)
	}, placed)
	if err != nil {
		return order.Order{}, err
	}
	o.metrics.RecordTransition(ctx, string(out.From), string(out.To), string(placed.Type))
	o.logger.Info("order placed",
		observability.F("order_id", ord.ID),
		observability.F("customer_id", ord.CustomerID),
		observability.F("total", ord.Total.StringFixed(2)))
	return ord, nil
}

// GetOrder returns the order record and its saga.
func (o *Order) GetOrder(ctx context.Context, orderID string) (order.Order, *saga.Instance, error) {
	var ord order.Order
	var inst *saga.Instance
	err := o.uow.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		var err error
		if ord, err = tx.Orders().GetOrder(ctx, orderID); err != nil {
			return err
		}
		inst, err = tx.Orders().GetSaga(ctx, orderID)
		return err
	})
	return ord, inst, err
}

// CancelOrder moves the saga into cancellation in the same transaction that
// stages OrderCancelled, so an accepted cancel is never lost to a saga that
// advanced meanwhile. The compensations run when the order role next sees
// the order. A cancel racing a saga step is re-read a few times; once the
// saga has no cancellation edge it is refused.
func (o *Order) CancelOrder(ctx context.Context, orderID, reason string) (event.Event, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by customer"
	}
	cancel, err := event.New(orderID, "", event.OrderCancelled{Reason: reason})
	if err != nil {
		return event.Event{}, err
	}

	var out saga.Outcome
	for attempt := 1; ; attempt++ {
		out, err = o.cancelOnce(ctx, cancel)
		if err == nil || attempt == cancelAttempts || !errs.IsCode(err, errs.CodeConflict) || refused(err) {
			break
		}
	}
	if err != nil {
		return event.Event{}, err
	}
	o.metrics.RecordTransition(ctx, string(out.From), string(out.To), string(cancel.Type))
	o.logger.Info("order cancellation accepted",
		observability.F("order_id", cancel.OrderID),
		observability.F("from", string(out.From)),
		observability.F("to", string(out.To)))
	return cancel, nil
}

// cancelAttempts bounds CancelOrder's retries on saga version conflicts.
const cancelAttempts = 3

const refusedMessage = "order can no longer be cancelled"

func refused(err error) bool {
	var e *errs.E
	return errors.As(err, &e) && e.Message == refusedMessage
}

func (o *Order) cancelOnce(ctx context.Context, cancel event.Event) (saga.Outcome, error) {
	var out saga.Outcome
	err := o.uow.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		inst, err := tx.Orders().GetSaga(ctx, cancel.OrderID)
		if err != nil {
			return err
		}
		expected := inst.Version
		if out, err = inst.Apply(cancel); err != nil {
			return err
		}
		if !out.Applied {
			return errs.New(orderComponent, errs.CodeConflict,
				errs.WithMessage(refusedMessage),
				errs.WithField("order_id", inst.OrderID),
				errs.WithField("state", string(inst.State)))
		}
		if err := tx.Orders().SaveSaga(ctx, inst, expected); err != nil {
			return err
		}
		if err := project(ctx, tx, inst, nil); err != nil {
			return err
		}
		_, err = outbox.Stage(ctx, tx, outbox.NewTxID(), append([]event.Event{cancel}, out.Emit...)...)
		return err
	})
	return out, err
}

// Handle advances the saga with evt. Events the saga is not ready for yet are
// handed back for a later attempt; events it has moved past are ignored.
func (o *Order) Handle(ctx context.Context, evt event.Event) (router.Effect, error) {
	inst, err := o.loadSaga(ctx, evt.OrderID)
	if err != nil {
		return router.Effect{}, err
	}

	var expected int64
	var out saga.Outcome
	switch {
	case inst == nil && evt.Type == event.TypeOrderPlaced:
		inst, out, err = saga.Start(evt)
	case inst == nil:
		return router.Effect{}, errs.New(orderComponent, errs.CodeRetryable,
			errs.WithMessage("saga not started"), errs.WithField("order_id", evt.OrderID))
	default:
		expected = inst.Version
		out, err = inst.Apply(evt)
	}
	if err != nil {
		return router.Effect{}, err
	}
	resume := !out.Applied && inst.State == saga.StateCancelling && len(inst.PendingCompensations) > 0
	if !out.Applied && !resume {
		if out.Early {
			return router.Effect{}, errs.New(orderComponent, errs.CodeRetryable,
				errs.WithMessage(out.Reason),
				errs.WithField("order_id", evt.OrderID),
				errs.WithField("state", string(out.From)),
				errs.WithField("event_type", string(evt.Type)))
		}
		o.logger.Debug("event discarded",
			observability.F("order_id", evt.OrderID),
			observability.F("event_type", string(evt.Type)),
			observability.F("reason", out.Reason))
		return router.Effect{Ignored: true}, nil
	}

	steps := []saga.Outcome{out}
	emitted := slices.Clone(out.Emit)
	var finished []saga.Compensation
	if inst.State == saga.StateCancelling && len(inst.PendingCompensations) > 0 {
		res, err := o.compensate(ctx, inst, evt)
		if err != nil {
			return router.Effect{}, err
		}
		steps = append(steps, res.steps...)
		emitted = append(emitted, res.emit...)
		finished = res.finished
	}
	// A cancellation accepted by CancelOrder is undone on whatever event
	// comes next; nothing to do while its refund waits on the payment.
	if resume && len(steps) == 1 {
		return router.Effect{Ignored: true}, nil
	}

	var placed *event.OrderPlaced
	if p, ok := evt.Payload.(event.OrderPlaced); ok {
		placed = &p
	}
	return router.Effect{
		Commit: func(ctx context.Context, tx orderstore.Tx) error {
			if err := tx.Orders().SaveSaga(ctx, inst, expected); err != nil {
				return err
			}
			for _, action := range finished {
				err := tx.Markers().MarkProcessed(ctx, CompensationConsumer, action.Key(inst.OrderID), nil)
				if err != nil && !idempotency.IsDuplicate(err) {
					return err
				}
			}
			return project(ctx, tx, inst, placed)
		},
		Emit:   emitted,
		Result: []byte(inst.State),
		AfterCommit: func(ctx context.Context) {
			for _, step := range steps {
				if step.From != step.To {
					o.metrics.RecordTransition(ctx, string(step.From), string(step.To), string(evt.Type))
				}
			}
			o.logger.Info("saga advanced",
				observability.F("order_id", inst.OrderID),
				observability.F("event_type", string(evt.Type)),
				observability.F("from", string(out.From)),
				observability.F("to", string(inst.State)))
		},
	}, nil
}

type compensation struct {
	steps    []saga.Outcome
	emit     []event.Event
	finished []saga.Compensation
}

// compensate runs the pending undo actions in order. A finished action is
// skipped through its marker. A refund of a payment still in flight holds
// back the rest. The first action that gives up parks the saga
// in CompensationFailed.
func (o *Order) compensate(ctx context.Context, inst *saga.Instance, cause event.Event) (compensation, error) {
	var res compensation
	for _, action := range slices.Clone(inst.PendingCompensations) {
		if settled, _ := inst.PaymentOutcome(); action == saga.CompensationRefundPayment && !settled {
			// Held until the payment outcome arrives; later actions wait too.
			break
		}
		key := action.Key(inst.OrderID)
		done, err := o.compensated(ctx, key)
		if err != nil {
			return compensation{}, err
		}
		if !done {
			err = o.runCompensation(ctx, inst, action, key)
			switch judge(ctx, err) {
			case later:
				return compensation{}, err
			case gaveUp:
				out, failure := inst.FailCompensation(action, err)
				o.logger.Error("compensation failed",
					observability.F("order_id", inst.OrderID),
					observability.F("action", string(action)),
					observability.Err(failure))
				res.steps = append(res.steps, out)
				return res, nil
			}
		}
		out, err := inst.CompleteCompensation(action, cause.ID)
		if err != nil {
			return compensation{}, err
		}
		res.steps = append(res.steps, out)
		res.emit = append(res.emit, out.Emit...)
		res.finished = append(res.finished, action)
	}
	return res, nil
}

func (o *Order) runCompensation(ctx context.Context, inst *saga.Instance, action saga.Compensation, key string) error {
	switch action {
	case saga.CompensationRefundPayment:
		if inst.PaymentTransactionID == "" {
			return nil
		}
		return o.policy.ExecuteOp(ctx, collaborator.DependencyPayment, collaborator.OpRefund, func(ctx context.Context) error {
			return o.payment.Refund(ctx, collaborator.RefundRequest{
				OrderID:        inst.OrderID,
				TransactionID:  inst.PaymentTransactionID,
				Amount:         inst.Amount,
				Currency:       inst.Currency,
				IdempotencyKey: key,
			})
		})
	case saga.CompensationReleaseRestaurantSlot:
		// The restaurant only confirms paid orders.
		if _, authorized := inst.PaymentOutcome(); inst.RestaurantID == "" || !authorized {
			return nil
		}
		return o.policy.ExecuteOp(ctx, collaborator.DependencyRestaurant, collaborator.OpRelease, func(ctx context.Context) error {
			return o.restaurant.Release(ctx, collaborator.ReleaseRequest{
				OrderID:        inst.OrderID,
				RestaurantID:   inst.RestaurantID,
				IdempotencyKey: key,
			})
		})
	default:
		return errs.New(orderComponent, errs.CodeNonRetryable,
			errs.WithMessage("unknown compensation"), errs.WithField("action", string(action)))
	}
}

func (o *Order) compensated(ctx context.Context, key string) (bool, error) {
	var done bool
	err := o.uow.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		var err error
		done, err = tx.Markers().HasProcessed(ctx, CompensationConsumer, key)
		return err
	})
	if err != nil {
		return false, unavailable(err)
	}
	return done, nil
}

// loadSaga returns nil when the order has no saga yet.
func (o *Order) loadSaga(ctx context.Context, orderID string) (*saga.Instance, error) {
	var inst *saga.Instance
	err := o.uow.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		var err error
		inst, err = tx.Orders().GetSaga(ctx, orderID)
		return err
	})
	switch {
	case errs.IsCode(err, errs.CodeNotFound):
		return nil, nil
	case err != nil:
		return nil, unavailable(err)
	}
	return inst, nil
}

// project mirrors the saga state onto the order record. An order announced
// by another producer gets its record on OrderPlaced.
func project(ctx context.Context, tx orderstore.Tx, inst *saga.Instance, placed *event.OrderPlaced) error {
	ord, err := tx.Orders().GetOrder(ctx, inst.OrderID)
	switch {
	case errs.IsCode(err, errs.CodeNotFound) && placed != nil:
		return tx.Orders().SaveOrder(ctx, order.Order{
			ID:           inst.OrderID,
			CustomerID:   placed.CustomerID,
			RestaurantID: placed.RestaurantID,
			Items:        placed.Items,
			Total:        placed.Amount,
			Currency:     placed.Currency,
			State:        inst.State,
			Version:      1,
			CreatedAt:    inst.CreatedAt,
			UpdatedAt:    inst.UpdatedAt,
		}, 0)
	case errs.IsCode(err, errs.CodeNotFound):
		return nil
	case err != nil:
		return err
	}
	prev := ord.Version
	ord.State = inst.State
	ord.Version++
	ord.UpdatedAt = inst.UpdatedAt
	return tx.Orders().SaveOrder(ctx, ord, prev)
}

func unavailable(err error) error {
	if errs.IsDeferrable(err) {
		return err
	}
	return errs.New(orderComponent, errs.CodeUnavailable, errs.WithMessage("store unavailable"), errs.WithCause(err))
}
