package participant

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/app/outbox"
	"github.com/coachpo/orderflow/internal/app/resilience"
	"github.com/coachpo/orderflow/internal/app/router"
	"github.com/coachpo/orderflow/internal/domain/deliverystore"
	"github.com/coachpo/orderflow/internal/domain/event"
	"github.com/coachpo/orderflow/internal/domain/orderstore"
	"github.com/coachpo/orderflow/internal/domain/saga"
	"github.com/coachpo/orderflow/internal/infra/bus/eventbus"
	"github.com/coachpo/orderflow/internal/infra/collaborator"
	"github.com/coachpo/orderflow/internal/infra/config"
	"github.com/coachpo/orderflow/internal/infra/persistence/memory"
)

// joinBus counts subscriptions so the test can wait for every role.
type joinBus struct {
	*eventbus.MemoryBus
	mu     sync.Mutex
	joined int
}

func (b *joinBus) Subscribe(ctx context.Context, group string, topics ...string) (eventbus.Subscription, error) {
	sub, err := b.MemoryBus.Subscribe(ctx, group, topics...)
	if err == nil {
		b.mu.Lock()
		b.joined++
		b.mu.Unlock()
	}
	return sub, err
}

func (b *joinBus) Joined() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joined
}

type system struct {
	bus        *joinBus
	store      *memory.Store
	payment    *collaborator.FakePayment
	restaurant *collaborator.FakeRestaurant
	delivery   *collaborator.FakeDelivery
	notifier   *collaborator.FakeNotifier
	order      *Order
	courier    *Delivery
	routers    []*router.Router

	// courierStore is the delivery role's database. It is the shared store
	// unless the role runs as its own process.
	courierStore *memory.Store
}

type role interface {
	router.Handler
	Topics() []string
}

type bootOption func(*system)

// separateDelivery gives the delivery role its own store and relay, the way
// it runs when deployed alone.
func separateDelivery() bootOption {
	return func(s *system) { s.courierStore = memory.New() }
}

func boot(t *testing.T, opts ...bootOption) *system {
	t.Helper()
	s := &system{
		bus:        &joinBus{MemoryBus: eventbus.NewMemoryBus(eventbus.MemoryConfig{})},
		store:      memory.New(),
		payment:    collaborator.NewFakePayment(),
		restaurant: collaborator.NewFakeRestaurant(),
		delivery:   collaborator.NewFakeDelivery(),
		notifier:   collaborator.NewFakeNotifier(),
	}
	s.courierStore = s.store
	for _, opt := range opts {
		opt(s)
	}
	policy := testPolicy(resilience.BreakerSettings{})
	s.order = NewOrder(s.store, policy, s.payment, s.restaurant)
	s.courier = NewDelivery(policy, s.delivery, s.courierStore)
	notification := NewNotification(s.notifier, config.NotificationConfig{})

	roles := map[config.Role]role{
		config.RoleOrder:        s.order,
		config.RolePayment:      NewPayment(policy, s.payment),
		config.RoleRestaurant:   NewRestaurant(policy, s.restaurant),
		config.RoleDelivery:     s.courier,
		config.RoleNotification: notification,
	}
	for _, name := range config.Roles() {
		handler := roles[name]
		store := s.store
		if name == config.RoleDelivery {
			store = s.courierStore
		}
		r, err := router.New(router.Config{
			Consumer:        string(name),
			Group:           name.ConsumerGroup(),
			Topics:          handler.Topics(),
			Lanes:           4,
			MaxRedeliveries: 50,
			Redelivery:      resilience.Retry{InitialInterval: 5 * time.Millisecond, MaxInterval: 20 * time.Millisecond},
		}, handler, s.bus, store)
		require.NoError(t, err)
		s.routers = append(s.routers, r)
	}
	relays := []*outbox.Relay{outbox.NewRelay(s.store, s.bus, outbox.RelayConfig{Interval: 5 * time.Millisecond})}
	if s.courierStore != s.store {
		relays = append(relays, outbox.NewRelay(s.courierStore, s.bus, outbox.RelayConfig{Interval: 5 * time.Millisecond}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg conc.WaitGroup
	for _, r := range s.routers {
		wg.Go(func() { _ = r.Run(ctx) })
	}
	for _, relay := range relays {
		wg.Go(func() { _ = relay.Run(ctx) })
	}
	wg.Go(func() { _ = notification.Run(ctx) })
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		_ = s.bus.Close()
	})

	require.Eventually(t, func() bool { return s.bus.Joined() == len(s.routers) }, time.Second, time.Millisecond)
	return s
}

func (s *system) waitFor(t *testing.T, orderID string, state saga.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		inst := s.store.Saga(orderID)
		return inst != nil && inst.State == state
	}, 5*time.Second, 5*time.Millisecond, "order %s never reached %s", orderID, state)
}

func (s *system) published(topic, orderID string) []event.Type {
	var types []event.Type
	for _, msg := range s.bus.Published(topic) {
		evt, err := event.Decode(msg.Value)
		if err == nil && evt.OrderID == orderID {
			types = append(types, evt.Type)
		}
	}
	return types
}

func (s *system) noDeadLetters(t *testing.T) {
	t.Helper()
	for _, r := range s.routers {
		assert.Zero(t, r.DeadLetters().Len())
	}
}

func TestOrderIsDelivered(t *testing.T) {
	s := boot(t)
	ctx := context.Background()

	placed, err := s.order.PlaceOrder(ctx, placement("order-1"))
	require.NoError(t, err)
	require.True(t, placed.Total.Equal(decimal.RequireFromString("42.00")))

	s.waitFor(t, "order-1", saga.StateOutForDelivery)
	_, err = s.courier.CompleteDelivery(ctx, "order-1", "courier-1")
	require.NoError(t, err)
	s.waitFor(t, "order-1", saga.StateDelivered)

	require.Eventually(t, func() bool {
		got, _, err := s.order.GetOrder(ctx, "order-1")
		return err == nil && got.State == saga.StateDelivered
	}, time.Second, 5*time.Millisecond)

	assert.True(t, s.payment.Authorized("order-1").Equal(decimal.RequireFromString("42.00")))
	assert.Equal(t, 1, s.payment.Calls(collaborator.OpAuthorize))
	assert.Equal(t, 1, s.restaurant.Calls(collaborator.OpConfirm))
	assert.Equal(t, 1, s.delivery.Calls(collaborator.OpAssign))
	assert.Equal(t, 0, s.payment.Calls(collaborator.OpRefund))

	history := s.store.Saga("order-1").History
	var path []saga.State
	for _, h := range history {
		path = append(path, h.To)
	}
	assert.Equal(t, []saga.State{
		saga.StatePaymentPending,
		saga.StatePaymentAuthorized,
		saga.StateRestaurantConfirming,
		saga.StatePreparing,
		saga.StateReadyForPickup,
		saga.StateOutForDelivery,
		saga.StateDelivered,
	}, path)

	require.Eventually(t, func() bool {
		for _, n := range s.notifier.Sent() {
			if n.OrderID == "order-1" && n.EventType == string(event.TypeDeliveryCompleted) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	s.noDeadLetters(t)
}

func TestDeliveryRoleRunsOnItsOwnStore(t *testing.T) {
	s := boot(t, separateDelivery())
	ctx := context.Background()

	_, err := s.order.PlaceOrder(ctx, placement("order-7"))
	require.NoError(t, err)
	s.waitFor(t, "order-7", saga.StateOutForDelivery)

	_, err = s.courier.CompleteDelivery(ctx, "order-7", "")
	require.NoError(t, err)
	s.waitFor(t, "order-7", saga.StateDelivered)

	// Orders and sagas live only in the order role's store.
	assert.Nil(t, s.courierStore.Saga("order-7"))
	require.NoError(t, s.courierStore.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		_, err := tx.Orders().GetOrder(ctx, "order-7")
		assert.True(t, errs.IsCode(err, errs.CodeNotFound))
		a, err := tx.Deliveries().GetAssignment(ctx, "order-7")
		require.NoError(t, err)
		assert.Equal(t, deliverystore.StatusCompleted, a.Status)
		return nil
	}))
	require.NoError(t, s.store.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		_, err := tx.Deliveries().GetAssignment(ctx, "order-7")
		assert.True(t, errs.IsCode(err, errs.CodeNotFound))
		return nil
	}))
	s.noDeadLetters(t)
}

func TestDeclinedPaymentCancelsOrder(t *testing.T) {
	s := boot(t)
	s.payment.Decline("order-2", "insufficient funds")

	_, err := s.order.PlaceOrder(context.Background(), placement("order-2"))
	require.NoError(t, err)
	s.waitFor(t, "order-2", saga.StateCancelled)

	require.Eventually(t, func() bool {
		return slices.Contains(s.published(event.TopicOrder, "order-2"), event.TypeOrderCancelled)
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, s.published(event.TopicPayment, "order-2"), event.TypePaymentFailed)
	assert.Equal(t, 0, s.restaurant.Calls(collaborator.OpConfirm))
	assert.Equal(t, 0, s.delivery.Calls(collaborator.OpAssign))
	assert.Equal(t, 0, s.payment.Calls(collaborator.OpRefund))
	assert.Equal(t, "insufficient funds", s.store.Saga("order-2").CancelReason)
	s.noDeadLetters(t)
}

func TestRejectedOrderIsRefunded(t *testing.T) {
	s := boot(t)
	s.restaurant.Reject("order-3", "kitchen closed")

	_, err := s.order.PlaceOrder(context.Background(), placement("order-3"))
	require.NoError(t, err)
	s.waitFor(t, "order-3", saga.StateCancelled)

	assert.True(t, s.payment.Refunded("order-3").Equal(decimal.RequireFromString("42.00")))
	assert.Equal(t, 1, s.payment.Calls(collaborator.OpRefund))
	assert.False(t, s.restaurant.Released("order-3"))
	assert.Equal(t, 0, s.delivery.Calls(collaborator.OpAssign))
	require.Eventually(t, func() bool {
		return slices.Contains(s.published(event.TopicOrder, "order-3"), event.TypeOrderCancelled)
	}, time.Second, 5*time.Millisecond)
	s.noDeadLetters(t)
}

func TestMissingCourierUndoesOrder(t *testing.T) {
	s := boot(t)
	s.delivery.NoCourier("order-4")

	_, err := s.order.PlaceOrder(context.Background(), placement("order-4"))
	require.NoError(t, err)
	s.waitFor(t, "order-4", saga.StateCancelled)

	assert.True(t, s.payment.Refunded("order-4").Equal(decimal.RequireFromString("42.00")))
	assert.True(t, s.restaurant.Released("order-4"))
	assert.Contains(t, s.published(event.TopicOrder, "order-4"), event.TypeCompensationRequired)
	s.noDeadLetters(t)
}

func TestCustomerCancelsWhilePreparing(t *testing.T) {
	s := boot(t)
	ctx := context.Background()
	// Keep the courier side deferring so the order rests in Preparing.
	held := make([]error, 20)
	for i := range held {
		held[i] = errs.New("test", errs.CodeCircuitOpen)
	}
	s.delivery.FailNext(collaborator.OpAssign, held...)

	_, err := s.order.PlaceOrder(ctx, placement("order-5"))
	require.NoError(t, err)
	s.waitFor(t, "order-5", saga.StatePreparing)
	_, err = s.order.CancelOrder(ctx, "order-5", "changed my mind")
	require.NoError(t, err)

	s.waitFor(t, "order-5", saga.StateCancelled)
	assert.True(t, s.payment.Refunded("order-5").Equal(decimal.RequireFromString("42.00")))
	assert.Equal(t, 1, s.payment.Calls(collaborator.OpRefund))
	assert.True(t, s.restaurant.Released("order-5"))
	assert.Equal(t, "changed my mind", s.store.Saga("order-5").CancelReason)
}
