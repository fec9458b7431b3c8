package participant

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/coachpo/orderflow/internal/app/router"
	"github.com/coachpo/orderflow/internal/domain/event"
	"github.com/coachpo/orderflow/internal/infra/collaborator"
	"github.com/coachpo/orderflow/internal/infra/config"
	"github.com/coachpo/orderflow/internal/observability"
)

const notificationQueue = 256

// Notification tells customers about their order. Sends happen on a
// background loop; Handle only enqueues and never waits.
type Notification struct {
	client  collaborator.Notifier
	limiter *rate.Limiter
	queue   chan collaborator.Notification
	options
}

// NewNotification builds the notification role throttled by cfg. A zero rate
// leaves sends unthrottled.
func NewNotification(client collaborator.Notifier, cfg config.NotificationConfig, opts ...Option) *Notification {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Notification{
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		queue:   make(chan collaborator.Notification, notificationQueue),
		options: buildOptions(opts),
	}
}

func (n *Notification) Topics() []string {
	return event.Topics()
}

// Handle queues a customer message for the event, dropping it when the queue
// is full.
func (n *Notification) Handle(_ context.Context, evt event.Event) (router.Effect, error) {
	msg, ok := describeForCustomer(evt)
	if !ok {
		return router.Effect{Ignored: true}, nil
	}
	note := collaborator.Notification{
		OrderID:   evt.OrderID,
		EventType: string(evt.Type),
		Message:   msg,
	}
	if placed, ok := evt.Payload.(event.OrderPlaced); ok {
		note.CustomerID = placed.CustomerID
	}
	select {
	case n.queue <- note:
	default:
		n.logger.Warn("notification dropped, queue full",
			observability.F("order_id", evt.OrderID),
			observability.F("event_type", string(evt.Type)))
	}
	return router.Effect{}, nil
}

// Run sends queued notifications until ctx ends. Failures are logged only.
func (n *Notification) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case note := <-n.queue:
			if err := n.limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}
			if err := n.client.Notify(ctx, note); err != nil {
				n.logger.Warn("notification failed",
					observability.F("order_id", note.OrderID),
					observability.F("event_type", note.EventType),
					observability.Err(err))
			}
		}
	}
}

func describeForCustomer(evt event.Event) (string, bool) {
	switch p := evt.Payload.(type) {
	case event.OrderPlaced:
		return fmt.Sprintf("We received your order for %s %s.", p.Amount.StringFixed(2), p.Currency), true
	case event.PaymentFailed:
		return "Your payment did not go through: " + p.Reason, true
	case event.RestaurantAccepted:
		if p.EstimatedPrepMinutes > 0 {
			return fmt.Sprintf("The restaurant is preparing your order, ready in about %d minutes.", p.EstimatedPrepMinutes), true
		}
		return "The restaurant is preparing your order.", true
	case event.DeliveryAssigned:
		return "A courier is on the way.", true
	case event.DeliveryCompleted:
		return "Your order was delivered. Enjoy!", true
	case event.OrderCancelled:
		return "Your order was cancelled: " + p.Reason, true
	default:
		return "", false
	}
}
