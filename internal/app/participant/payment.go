package participant

import (
	"context"

	"github.com/coachpo/orderflow/internal/app/resilience"
	"github.com/coachpo/orderflow/internal/app/router"
	"github.com/coachpo/orderflow/internal/domain/event"
	"github.com/coachpo/orderflow/internal/infra/collaborator"
	"github.com/coachpo/orderflow/internal/observability"
)

// Payment authorizes the order amount once an order is placed.
type Payment struct {
	policy *resilience.Policy
	client collaborator.Payment
	options
}

// NewPayment builds the payment role.
func NewPayment(policy *resilience.Policy, client collaborator.Payment, opts ...Option) *Payment {
	return &Payment{policy: policy, client: client, options: buildOptions(opts)}
}

// Topics lists what the payment role consumes.
func (p *Payment) Topics() []string {
	return []string{event.TopicOrder}
}

// Handle authorizes on OrderPlaced. The event id is the idempotency key, so a
// redelivered OrderPlaced never charges twice.
func (p *Payment) Handle(ctx context.Context, evt event.Event) (router.Effect, error) {
	placed, ok := evt.Payload.(event.OrderPlaced)
	if !ok {
		return router.Effect{Ignored: true}, nil
	}

	var auth collaborator.Authorization
	err := p.policy.ExecuteOp(ctx, collaborator.DependencyPayment, collaborator.OpAuthorize, func(ctx context.Context) error {
		var err error
		auth, err = p.client.Authorize(ctx, collaborator.AuthorizeRequest{
			OrderID:        evt.OrderID,
			CustomerID:     placed.CustomerID,
			Amount:         placed.Amount,
			Currency:       placed.Currency,
			IdempotencyKey: evt.ID,
		})
		return err
	})

	var payload event.Payload
	switch judge(ctx, err) {
	case later:
		return router.Effect{}, err
	case gaveUp:
		p.logger.Info("payment not authorized",
			observability.F("order_id", evt.OrderID),
			observability.Err(err))
		payload = event.PaymentFailed{Reason: reasonOf(err)}
	default:
		payload = event.PaymentAuthorized{
			RestaurantID:  placed.RestaurantID,
			Amount:        placed.Amount,
			Currency:      placed.Currency,
			TransactionID: auth.TransactionID,
		}
	}
	return emit(evt, payload)
}

// emit builds the single outcome event caused by evt.
func emit(cause event.Event, payload event.Payload) (router.Effect, error) {
	out, err := event.New(cause.OrderID, cause.ID, payload)
	if err != nil {
		return router.Effect{}, err
	}
	return router.Effect{Emit: []event.Event{out}, Result: []byte(out.ID)}, nil
}
