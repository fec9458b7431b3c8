package collaborator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/infra/config"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   errs.Code
	}{
		{http.StatusInternalServerError, errs.CodeUnavailable},
		{http.StatusBadGateway, errs.CodeUnavailable},
		{http.StatusTooManyRequests, errs.CodeUnavailable},
		{http.StatusConflict, errs.CodeDeclined},
		{http.StatusUnprocessableEntity, errs.CodeDeclined},
		{http.StatusBadRequest, errs.CodeNonRetryable},
		{http.StatusNotFound, errs.CodeNonRetryable},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classifyStatus(tc.status, errs.CodeDeclined), "status %d", tc.status)
	}
}

func TestPaymentClientAuthorize(t *testing.T) {
	var gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/authorize", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"transactionId":"tx-9"}`))
	}))
	defer srv.Close()

	client := NewPaymentClient(srv.URL + "/")
	auth, err := client.Authorize(context.Background(), AuthorizeRequest{
		OrderID:        "O1",
		Amount:         decimal.RequireFromString("42.00"),
		Currency:       "USD",
		IdempotencyKey: "evt-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "tx-9", auth.TransactionID)
	assert.Equal(t, "evt-1", gotKey)
	assert.Equal(t, "O1", gotBody["orderId"])
	assert.Equal(t, "42", gotBody["amount"])
}

func TestPaymentClientDeclineIsBusinessOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"card_declined","reason":"insufficient funds"}`))
	}))
	defer srv.Close()

	_, err := NewPaymentClient(srv.URL).Authorize(context.Background(), AuthorizeRequest{OrderID: "O2"})
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeDeclined))
	assert.False(t, errs.IsRetryable(err))
	assert.Contains(t, err.Error(), "insufficient funds")
}

func TestClientServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewRestaurantClient(srv.URL).Release(context.Background(), ReleaseRequest{OrderID: "O1", RestaurantID: "R1"})
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))
}

func TestClientTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewDeliveryClient(srv.URL, WithTimeout(20*time.Millisecond)).
		Assign(context.Background(), AssignRequest{OrderID: "O1"})
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeTimeout), "got %v", err)
	assert.True(t, errs.IsRetryable(err))
}

func TestDeliveryConflictMeansNoCourier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	_, err := NewDeliveryClient(srv.URL).Assign(context.Background(), AssignRequest{OrderID: "O1"})
	assert.True(t, errs.IsCode(err, errs.CodeNoCourier))
	assert.True(t, errs.IsRetryable(err))
}

func TestRestaurantConfirmPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/restaurants/R%201/orders/O1/confirm", r.URL.EscapedPath())
		_, _ = w.Write([]byte(`{"estimatedPrepMinutes":12}`))
	}))
	defer srv.Close()

	conf, err := NewRestaurantClient(srv.URL).Confirm(context.Background(), ConfirmRequest{OrderID: "O1", RestaurantID: "R 1"})
	require.NoError(t, err)
	assert.Equal(t, 12, conf.EstimatedPrepMinutes)
}

func TestFakePaymentIsIdempotentPerKey(t *testing.T) {
	p := NewFakePayment()
	ctx := context.Background()
	req := AuthorizeRequest{OrderID: "O1", Amount: decimal.NewFromInt(10), IdempotencyKey: "evt-1"}

	first, err := p.Authorize(ctx, req)
	require.NoError(t, err)
	second, err := p.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, p.Calls(OpAuthorize))
	assert.True(t, p.Authorized("O1").Equal(decimal.NewFromInt(10)))

	refund := RefundRequest{OrderID: "O1", TransactionID: first.TransactionID, Amount: decimal.NewFromInt(10), IdempotencyKey: "RefundPayment:O1"}
	require.NoError(t, p.Refund(ctx, refund))
	require.NoError(t, p.Refund(ctx, refund))
	assert.True(t, p.Refunded("O1").Equal(decimal.NewFromInt(10)))
}

func TestFakePaymentRefusesOverRefund(t *testing.T) {
	p := NewFakePayment()
	ctx := context.Background()
	auth, err := p.Authorize(ctx, AuthorizeRequest{OrderID: "O1", Amount: decimal.NewFromInt(5), IdempotencyKey: "k"})
	require.NoError(t, err)

	err = p.Refund(ctx, RefundRequest{OrderID: "O1", TransactionID: auth.TransactionID, Amount: decimal.NewFromInt(6), IdempotencyKey: "r"})
	assert.True(t, errs.IsCode(err, errs.CodeNonRetryable))
	assert.True(t, p.Refunded("O1").IsZero())
}

func TestFakeScriptReplaysFailures(t *testing.T) {
	d := NewFakeDelivery()
	ctx := context.Background()
	d.FailNext(OpAssign, errs.New("test", errs.CodeUnavailable), errs.New("test", errs.CodeTimeout))

	_, err := d.Assign(ctx, AssignRequest{OrderID: "O1"})
	assert.True(t, errs.IsCode(err, errs.CodeUnavailable))
	_, err = d.Assign(ctx, AssignRequest{OrderID: "O1"})
	assert.True(t, errs.IsCode(err, errs.CodeTimeout))
	a, err := d.Assign(ctx, AssignRequest{OrderID: "O1"})
	require.NoError(t, err)
	assert.Equal(t, "courier-1", a.CourierID)
	assert.Equal(t, 3, d.Calls(OpAssign))
}

func TestFromConfigMixesClientsAndFakes(t *testing.T) {
	set, fakes := FromConfig(config.CollaboratorsConfig{PaymentURL: "http://payments.local"})
	_, isClient := set.Payment.(*PaymentClient)
	assert.True(t, isClient)
	assert.Same(t, fakes.Restaurant, set.Restaurant)
	assert.Same(t, fakes.Delivery, set.Delivery)
	assert.Same(t, fakes.Notifier, set.Notifier)
	assert.Equal(t, []string{DependencyRestaurant, DependencyDelivery, DependencyNotification}, fakes.ActiveIn(set))

	set, fakes = FromConfig(config.CollaboratorsConfig{
		PaymentURL: "http://payments.local", RestaurantURL: "http://kitchens.local",
		DeliveryURL: "http://couriers.local", NotificationURL: "http://notify.local",
	})
	assert.Empty(t, fakes.ActiveIn(set))
}
