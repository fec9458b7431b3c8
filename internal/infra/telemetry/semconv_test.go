package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestDeadLetterAttributesOmitEmptyReason(t *testing.T) {
	attrs := DeadLetterAttributes("test", "order.events.dlq", "")
	assert.Len(t, attrs, 2)
	attrs = DeadLetterAttributes("test", "order.events.dlq", "poison")
	assert.Len(t, attrs, 3)
}

func TestEnvironmentDefaultsToDevelopment(t *testing.T) {
	prev := globalEnvironment
	t.Cleanup(func() { globalEnvironment = prev })
	globalEnvironment = ""
	assert.Equal(t, "development", Environment())
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestSagaMetricsRecordsInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	m, err := NewSagaMetrics(meter)
	require.NoError(t, err)
	require.NoError(t, ObserveBacklog(meter, func(context.Context) (int64, error) { return 7, nil }))

	ctx := context.Background()
	m.RecordTransition(ctx, "PaymentPending", "RestaurantConfirming", "PaymentAuthorized")
	m.RecordMessage(ctx, "order", "payment.events", ResultProcessed, time.Millisecond)
	m.RecordDeadLetter(ctx, "payment.events.dlq", "poison")
	m.SetBreakerState("payment", BreakerOpen)

	data := collect(t, reader)
	transitions, ok := data["orderflow.saga.transitions"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, transitions.DataPoints, 1)
	assert.Equal(t, int64(1), transitions.DataPoints[0].Value)

	backlog, ok := data["orderflow.outbox.backlog"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, backlog.DataPoints, 1)
	assert.Equal(t, int64(7), backlog.DataPoints[0].Value)

	breakers, ok := data["orderflow.breaker.state"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, breakers.DataPoints, 1)
	assert.Equal(t, BreakerOpen, breakers.DataPoints[0].Value)

	state, ok := m.BreakerState("payment")
	assert.True(t, ok)
	assert.Equal(t, BreakerOpen, state)
}

func TestNilSagaMetricsIsSafe(t *testing.T) {
	var m *SagaMetrics
	ctx := context.Background()
	m.RecordTransition(ctx, "a", "b", "c")
	m.RecordMessage(ctx, "order", "t", ResultStale, 0)
	m.RecordDeadLetter(ctx, "t", "")
	m.RecordPublished(ctx, "t", 3)
	m.RecordCall(ctx, "payment", "authorize", "ok", 0)
	m.SetBreakerState("x", BreakerOpen)
	_, ok := m.BreakerState("x")
	assert.False(t, ok)
}
