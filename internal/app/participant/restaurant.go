package participant

import (
	"context"

	"github.com/coachpo/orderflow/internal/app/resilience"
	"github.com/coachpo/orderflow/internal/app/router"
	"github.com/coachpo/orderflow/internal/domain/event"
	"github.com/coachpo/orderflow/internal/infra/collaborator"
	"github.com/coachpo/orderflow/internal/observability"
)

// Restaurant asks the kitchen to take paid orders.
type Restaurant struct {
	policy *resilience.Policy
	client collaborator.Restaurant
	options
}

func NewRestaurant(policy *resilience.Policy, client collaborator.Restaurant, opts ...Option) *Restaurant {
	return &Restaurant{policy: policy, client: client, options: buildOptions(opts)}
}

func (r *Restaurant) Topics() []string {
	return []string{event.TopicPayment}
}

// Handle confirms on PaymentAuthorized. A rejection and a confirmation that
// could not get through both end as RestaurantRejected.
func (r *Restaurant) Handle(ctx context.Context, evt event.Event) (router.Effect, error) {
	paid, ok := evt.Payload.(event.PaymentAuthorized)
	if !ok {
		return router.Effect{Ignored: true}, nil
	}

	var conf collaborator.Confirmation
	err := r.policy.ExecuteOp(ctx, collaborator.DependencyRestaurant, collaborator.OpConfirm, func(ctx context.Context) error {
		var err error
		conf, err = r.client.Confirm(ctx, collaborator.ConfirmRequest{
			OrderID:        evt.OrderID,
			RestaurantID:   paid.RestaurantID,
			IdempotencyKey: evt.ID,
		})
		return err
	})

	switch judge(ctx, err) {
	case later:
		return router.Effect{}, err
	case gaveUp:
		r.logger.Info("restaurant did not accept order",
			observability.F("order_id", evt.OrderID),
			observability.F("restaurant_id", paid.RestaurantID),
			observability.Err(err))
		return emit(evt, event.RestaurantRejected{RestaurantID: paid.RestaurantID, Reason: reasonOf(err)})
	default:
		return emit(evt, event.RestaurantAccepted{
			RestaurantID:         paid.RestaurantID,
			EstimatedPrepMinutes: conf.EstimatedPrepMinutes,
		})
	}
}
