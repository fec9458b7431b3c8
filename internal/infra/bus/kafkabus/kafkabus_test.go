package kafkabus

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/infra/config"
)

func msg(partition int, offset int64) kafka.Message {
	return kafka.Message{Topic: "order.events", Partition: partition, Offset: offset}
}

func TestTrackerCommitsContiguousPrefixOnly(t *testing.T) {
	tr := newCommitTracker()
	for off := int64(10); off < 13; off++ {
		tr.fetched(msg(0, off))
	}

	_, ok := tr.acked(msg(0, 11))
	assert.False(t, ok, "offset 11 must wait for 10")
	_, ok = tr.acked(msg(0, 12))
	assert.False(t, ok)

	commit, ok := tr.acked(msg(0, 10))
	require.True(t, ok)
	assert.Equal(t, int64(12), commit.Offset)
}

func TestTrackerKeepsPartitionsIndependent(t *testing.T) {
	tr := newCommitTracker()
	tr.fetched(msg(0, 1))
	tr.fetched(msg(1, 7))

	commit, ok := tr.acked(msg(1, 7))
	require.True(t, ok)
	assert.Equal(t, 1, commit.Partition)
	assert.Equal(t, int64(7), commit.Offset)

	commit, ok = tr.acked(msg(0, 1))
	require.True(t, ok)
	assert.Equal(t, 0, commit.Partition)
}

func TestTrackerIgnoresUnknownPartition(t *testing.T) {
	tr := newCommitTracker()
	_, ok := tr.acked(msg(3, 1))
	assert.False(t, ok)
}

func TestNewRequiresBrokers(t *testing.T) {
	_, err := New(Config{Brokers: []string{" ", ""}}, nil)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestNewAppliesDefaults(t *testing.T) {
	bus, err := New(Config{Brokers: []string{" kafka:9092 "}, ClientID: "orderflow"}, nil)
	require.NoError(t, err)
	defer bus.Close()

	assert.Equal(t, []string{"kafka:9092"}, bus.cfg.Brokers)
	assert.Equal(t, 10*time.Millisecond, bus.cfg.BatchTimeout)
	assert.IsType(t, &kafka.Hash{}, bus.writer.Balancer)
	assert.Equal(t, kafka.RequireOne, bus.writer.RequiredAcks)
}

func TestConfigFromMapsBusSection(t *testing.T) {
	cfg := ConfigFrom(config.BusConfig{
		Driver: "kafka",
		Buffer: 64,
		Kafka:  config.KafkaConfig{Brokers: []string{"a:9092"}, ClientID: "svc", MinBytes: 5, MaxBytes: 50},
	})
	assert.Equal(t, []string{"a:9092"}, cfg.Brokers)
	assert.Equal(t, "svc", cfg.ClientID)
	assert.Equal(t, 64, cfg.Buffer)
	assert.Equal(t, 5, cfg.MinBytes)
}

func TestSubscribeValidatesArguments(t *testing.T) {
	bus, err := New(Config{Brokers: []string{"kafka:9092"}}, nil)
	require.NoError(t, err)
	defer bus.Close()

	_, err = bus.Subscribe(t.Context(), "", "order.events")
	assert.True(t, errs.IsCode(err, errs.CodeInvalid))
	_, err = bus.Subscribe(t.Context(), "g")
	assert.True(t, errs.IsCode(err, errs.CodeInvalid))
}
