package participant

import (
	"context"
	"strings"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/app/outbox"
	"github.com/coachpo/orderflow/internal/app/resilience"
	"github.com/coachpo/orderflow/internal/app/router"
	"github.com/coachpo/orderflow/internal/domain/deliverystore"
	"github.com/coachpo/orderflow/internal/domain/event"
	"github.com/coachpo/orderflow/internal/domain/orderstore"
	"github.com/coachpo/orderflow/internal/infra/collaborator"
	"github.com/coachpo/orderflow/internal/observability"
)

// StageDelivery names the failing step in CompensationRequired.
const StageDelivery = "delivery"

// Delivery finds a courier for accepted orders and reports hand-offs.
type Delivery struct {
	policy *resilience.Policy
	client collaborator.Delivery
	uow    orderstore.UnitOfWork
	options
}

func NewDelivery(policy *resilience.Policy, client collaborator.Delivery, uow orderstore.UnitOfWork, opts ...Option) *Delivery {
	return &Delivery{
		policy:  policy,
		client:  client,
		uow:     uow,
		options: buildOptions(opts),
	}
}

func (d *Delivery) Topics() []string {
	return []string{event.TopicRestaurant}
}

// Handle assigns a courier on RestaurantAccepted. When no courier can be had
// within the retry budget the order is handed back for compensation.
func (d *Delivery) Handle(ctx context.Context, evt event.Event) (router.Effect, error) {
	accepted, ok := evt.Payload.(event.RestaurantAccepted)
	if !ok {
		return router.Effect{Ignored: true}, nil
	}

	var assignment collaborator.Assignment
	err := d.policy.ExecuteOp(ctx, collaborator.DependencyDelivery, collaborator.OpAssign, func(ctx context.Context) error {
		var err error
		assignment, err = d.client.Assign(ctx, collaborator.AssignRequest{
			OrderID:        evt.OrderID,
			RestaurantID:   accepted.RestaurantID,
			IdempotencyKey: evt.ID,
		})
		return err
	})

	switch judge(ctx, err) {
	case later:
		return router.Effect{}, err
	case gaveUp:
		d.logger.Warn("no courier assigned",
			observability.F("order_id", evt.OrderID),
			observability.Err(err))
		return emit(evt, event.CompensationRequired{Stage: StageDelivery, Reason: reasonOf(err)})
	default:
		effect, err := emit(evt, event.DeliveryAssigned{
			CourierID:        assignment.CourierID,
			EstimatedMinutes: assignment.EstimatedMinutes,
		})
		if err != nil {
			return effect, err
		}
		effect.Commit = d.recordAssignment(evt.OrderID, assignment)
		return effect, nil
	}
}

// recordAssignment keeps the role's own copy of the courier so completion
// never has to read order state. A second RestaurantAccepted for the order
// keeps the first courier.
func (d *Delivery) recordAssignment(orderID string, assignment collaborator.Assignment) func(context.Context, orderstore.Tx) error {
	return func(ctx context.Context, tx orderstore.Tx) error {
		_, err := tx.Deliveries().GetAssignment(ctx, orderID)
		switch {
		case err == nil:
			return nil
		case !errs.IsCode(err, errs.CodeNotFound):
			return err
		}
		return tx.Deliveries().SaveAssignment(ctx, deliverystore.Assignment{
			OrderID:          orderID,
			CourierID:        assignment.CourierID,
			EstimatedMinutes: assignment.EstimatedMinutes,
			Status:           deliverystore.StatusAssigned,
			AssignedAt:       d.now().UTC(),
			Version:          1,
		}, 0)
	}
}

// CompleteDelivery records that the courier handed the order over. Only an
// order holding an open assignment can complete, and only by its courier.
// An empty courier id means the assigned one.
func (d *Delivery) CompleteDelivery(ctx context.Context, orderID, courierID string) (event.Event, error) {
	orderID = strings.TrimSpace(orderID)
	courierID = strings.TrimSpace(courierID)
	if orderID == "" {
		return event.Event{}, errs.New("participant/delivery", errs.CodeInvalid, errs.WithMessage("order id required"))
	}

	var out event.Event
	err := d.uow.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		a, err := tx.Deliveries().GetAssignment(ctx, orderID)
		if errs.IsCode(err, errs.CodeNotFound) {
			return errs.New("participant/delivery", errs.CodeConflict,
				errs.WithMessage("order has no courier assignment"),
				errs.WithField("order_id", orderID))
		}
		if err != nil {
			return err
		}
		if a.Status != deliverystore.StatusAssigned {
			return errs.New("participant/delivery", errs.CodeConflict,
				errs.WithMessage("delivery already completed"),
				errs.WithField("order_id", orderID))
		}
		if courierID != "" && courierID != a.CourierID {
			return errs.New("participant/delivery", errs.CodeConflict,
				errs.WithMessage("courier does not hold the order"),
				errs.WithField("order_id", orderID),
				errs.WithField("courier_id", courierID))
		}

		out, err = event.New(orderID, "", event.DeliveryCompleted{CourierID: a.CourierID})
		if err != nil {
			return err
		}
		expected := a.Version
		done := d.now().UTC()
		a.Status, a.CompletedAt, a.Version = deliverystore.StatusCompleted, &done, a.Version+1
		if err := tx.Deliveries().SaveAssignment(ctx, a, expected); err != nil {
			return err
		}
		_, err = outbox.Stage(ctx, tx, outbox.NewTxID(), out)
		return err
	})
	if err != nil {
		return event.Event{}, err
	}
	return out, nil
}
