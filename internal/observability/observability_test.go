package observability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestDeadLetterQueueDropsOldest(t *testing.T) {
	q := NewDeadLetterQueue(2)
	q.Offer(DeadLetter{Topic: "a"})
	q.Offer(DeadLetter{Topic: "b"})
	q.Offer(DeadLetter{Topic: "c"})
	require.Equal(t, 2, q.Len())
	drained := q.Drain()
	assert.Equal(t, "b", drained[0].Topic)
	assert.Equal(t, "c", drained[1].Topic)
	assert.Zero(t, q.Len())
}

func TestDeadLetterQueueCopiesPayload(t *testing.T) {
	q := NewDeadLetterQueue(0)
	payload := []byte("x")
	q.Offer(DeadLetter{Payload: payload})
	payload[0] = 'y'
	assert.Equal(t, []byte("x"), q.Drain()[0].Payload)
}

func TestZapLoggerWritesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLoggerFrom(zap.New(core))
	logger.Info("saga transition", F("order_id", "o-1"), Err(errors.New("boom")))
	logger.With(F("role", "order")).Warn("deferred")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "saga transition", entries[0].Message)
	assert.Equal(t, "o-1", entries[0].ContextMap()["order_id"])
	assert.Equal(t, "boom", entries[0].ContextMap()["error"])
	assert.Equal(t, "order", entries[1].ContextMap()["role"])
}

func TestNewZapLoggerRejectsBadLevel(t *testing.T) {
	_, err := NewZapLogger(ZapConfig{Level: "loud"})
	require.Error(t, err)
	logger, err := NewZapLogger(ZapConfig{Environment: "development", Role: "payment"})
	require.NoError(t, err)
	assert.True(t, logger.Level().Enabled(zapcore.DebugLevel))
}

func TestSetLoggerNilRestoresNoop(t *testing.T) {
	SetLogger(nil)
	assert.NotNil(t, Log())
	assert.Equal(t, Log(), Or(nil))
}

func TestAggregateErrorsSkipsNil(t *testing.T) {
	assert.NoError(t, AggregateErrors("shutdown", []error{nil, nil}))
	err := AggregateErrors("shutdown", []error{errors.New("a"), nil, errors.New("b")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shutdown failed")
}
