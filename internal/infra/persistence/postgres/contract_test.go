package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	dbmigrations "github.com/coachpo/orderflow/db/migrations"
	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/app/outbox"
	"github.com/coachpo/orderflow/internal/app/participant"
	"github.com/coachpo/orderflow/internal/app/resilience"
	"github.com/coachpo/orderflow/internal/domain/deliverystore"
	"github.com/coachpo/orderflow/internal/domain/event"
	"github.com/coachpo/orderflow/internal/domain/order"
	"github.com/coachpo/orderflow/internal/domain/orderstore"
	"github.com/coachpo/orderflow/internal/domain/saga"
	"github.com/coachpo/orderflow/internal/infra/bus/eventbus"
	"github.com/coachpo/orderflow/internal/infra/collaborator"
	"github.com/coachpo/orderflow/internal/infra/config"
	"github.com/coachpo/orderflow/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/orderflow/internal/infra/persistence/postgres"
)

var (
	testPool *pgxpool.Pool
	setupErr error
)

// TestMain starts a disposable PostgreSQL. Without a container runtime the
// contract tests skip and the unit tests still run.
func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "orderflow"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		setupErr = fmt.Errorf("start postgres container: %w", err)
	} else {
		setupErr = initialiseDatabase(ctx, container)
	}

	code := m.Run()

	if testPool != nil {
		testPool.Close()
	}
	if container != nil {
		_ = container.Terminate(ctx)
	}
	os.Exit(code)
}

func initialiseDatabase(ctx context.Context, container testcontainers.Container) error {
	host, err := container.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	cfg := config.Default().Database
	cfg.DSN = fmt.Sprintf("postgres://postgres:secret@%s:%s/orderflow?sslmode=disable", host, port.Port())

	if err := migrations.ApplyEmbedded(ctx, cfg.DSN, dbmigrations.Files, nil); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgstore.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	testPool = pool
	return nil
}

func requireDatabase(t *testing.T) *pgstore.Store {
	t.Helper()
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	return pgstore.New(testPool)
}

func TestPostgresPlacesOrderAtomically(t *testing.T) {
	store := requireDatabase(t)
	ctx := context.Background()
	orders := participant.NewOrder(store, resilience.NewPolicy(resilience.DefaultSettings()),
		collaborator.NewFakePayment(), collaborator.NewFakeRestaurant())

	id := fmt.Sprintf("pg-order-%d", time.Now().UnixNano())
	placed, err := orders.PlaceOrder(ctx, order.Placement{
		OrderID:      id,
		CustomerID:   "cust-1",
		RestaurantID: "rest-1",
		Items: []order.Item{
			{ProductID: "burger", Quantity: 2, UnitPrice: decimal.RequireFromString("21.00")},
		},
	})
	require.NoError(t, err)

	got, inst, err := orders.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Total.Equal(decimal.RequireFromString("42.00")))
	assert.Equal(t, placed.Version, got.Version)
	assert.Equal(t, saga.StatePaymentPending, inst.State)
	require.Len(t, inst.History, 1)

	_, err = orders.PlaceOrder(ctx, order.Placement{
		OrderID: id, CustomerID: "cust-1", RestaurantID: "rest-1",
		Items: []order.Item{{ProductID: "fries", Quantity: 1, UnitPrice: decimal.RequireFromString("3.00")}},
	})
	require.True(t, errs.IsCode(err, errs.CodeConflict), "got %v", err)

	counts := map[saga.State]int64{}
	require.NoError(t, store.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		counts, err = tx.Orders().CountSagasByState(ctx)
		return err
	}))
	assert.GreaterOrEqual(t, counts[saga.StatePaymentPending], int64(1))
}

func TestPostgresRollsBackOnError(t *testing.T) {
	store := requireDatabase(t)
	ctx := context.Background()
	evt, err := event.New("pg-rollback", "", event.OrderCancelled{Reason: "test"})
	require.NoError(t, err)

	boom := errs.New("test", errs.CodeNonRetryable)
	err = store.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		if err := tx.Markers().MarkProcessed(ctx, "order", evt.ID, nil); err != nil {
			return err
		}
		if _, err := outbox.Stage(ctx, tx, outbox.NewTxID(), evt); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, store.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		seen, err := tx.Markers().HasProcessed(ctx, "order", evt.ID)
		require.NoError(t, err)
		assert.False(t, seen)
		return nil
	}))
}

func TestPostgresMarkersRejectDuplicates(t *testing.T) {
	store := requireDatabase(t)
	ctx := context.Background()
	eventID := fmt.Sprintf("evt-%d", time.Now().UnixNano())

	mark := func() error {
		return store.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
			return tx.Markers().MarkProcessed(ctx, "payment", eventID, []byte(`{"ok":true}`))
		})
	}
	require.NoError(t, mark())
	require.True(t, errs.IsCode(mark(), errs.CodeDuplicateMarker))

	require.NoError(t, store.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		n, err := tx.Markers().Sweep(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))
		seen, err := tx.Markers().HasProcessed(ctx, "payment", eventID)
		require.NoError(t, err)
		assert.False(t, seen)
		return nil
	}))
}

func TestPostgresRelayPublishesInOrder(t *testing.T) {
	store := requireDatabase(t)
	ctx := context.Background()
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	t.Cleanup(func() { _ = bus.Close() })

	orderID := fmt.Sprintf("pg-relay-%d", time.Now().UnixNano())
	first, err := event.New(orderID, "", event.RestaurantAccepted{RestaurantID: "rest-1"})
	require.NoError(t, err)
	second, err := event.New(orderID, first.ID, event.RestaurantRejected{RestaurantID: "rest-1", Reason: "closed"})
	require.NoError(t, err)
	_, err = outbox.NewPublisher(store).RecordAndStage(ctx, nil, first, second)
	require.NoError(t, err)

	relay := outbox.NewRelay(store, bus, outbox.RelayConfig{BatchSize: 500})
	_, err = relay.RunOnce(ctx)
	require.NoError(t, err)

	var seen []event.Type
	for _, msg := range bus.Published(event.TopicRestaurant) {
		if msg.Key == orderID {
			evt, err := event.Decode(msg.Value)
			require.NoError(t, err)
			seen = append(seen, evt.Type)
		}
	}
	assert.Equal(t, []event.Type{event.TypeRestaurantAccepted, event.TypeRestaurantRejected}, seen)
}

func TestPostgresClaimOffersOldestRecordPerKey(t *testing.T) {
	store := requireDatabase(t)
	ctx := context.Background()
	orderID := fmt.Sprintf("pg-claim-%d", time.Now().UnixNano())
	first, err := event.New(orderID, "", event.PaymentFailed{Reason: "declined"})
	require.NoError(t, err)
	second, err := event.New(orderID, first.ID, event.OrderCancelled{Reason: "declined"})
	require.NoError(t, err)
	staged, err := outbox.NewPublisher(store).RecordAndStage(ctx, nil, first, second)
	require.NoError(t, err)
	require.Len(t, staged, 2)

	claim := func() []int64 {
		var ids []int64
		require.NoError(t, store.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
			recs, err := tx.Outbox().ClaimDue(ctx, 500, time.Minute)
			for _, rec := range recs {
				if rec.Key == orderID {
					ids = append(ids, rec.ID)
				}
			}
			return err
		}))
		return ids
	}
	require.Equal(t, []int64{staged[0].ID}, claim())
	// The head is leased, so the key stays blocked.
	require.Empty(t, claim())

	require.NoError(t, store.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		return tx.Outbox().MarkPublished(ctx, staged[0].ID)
	}))
	require.Equal(t, []int64{staged[1].ID}, claim())
}

func TestPostgresAssignmentsAreVersioned(t *testing.T) {
	store := requireDatabase(t)
	ctx := context.Background()
	orderID := fmt.Sprintf("pg-assign-%d", time.Now().UnixNano())
	a := deliverystore.Assignment{
		OrderID: orderID, CourierID: "courier-1", EstimatedMinutes: 20,
		Status: deliverystore.StatusAssigned, AssignedAt: time.Now(), Version: 1,
	}
	save := func(a deliverystore.Assignment, expected int64) error {
		return store.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
			return tx.Deliveries().SaveAssignment(ctx, a, expected)
		})
	}
	require.NoError(t, save(a, 0))
	require.True(t, errs.IsCode(save(a, 0), errs.CodeConflict))

	done := time.Now()
	a.Status, a.CompletedAt, a.Version = deliverystore.StatusCompleted, &done, 2
	require.NoError(t, save(a, 1))

	require.NoError(t, store.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		got, err := tx.Deliveries().GetAssignment(ctx, orderID)
		require.NoError(t, err)
		assert.Equal(t, deliverystore.StatusCompleted, got.Status)
		assert.NotNil(t, got.CompletedAt)
		assert.Equal(t, int64(2), got.Version)
		return nil
	}))
}
