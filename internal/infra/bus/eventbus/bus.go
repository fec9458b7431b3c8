// Package eventbus defines the message transport between saga roles.
package eventbus

import (
	"context"
	"time"
)

// DefaultBufferSize is the per-subscription delivery buffer.
const DefaultBufferSize = 256

// Message is one keyed record on a topic. Key carries the order id so all
// messages of one order share a partition.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Partition int
	Offset    int64
	Time      time.Time
}

// Delivery is a consumed message awaiting acknowledgement. Unacknowledged
// messages are redelivered after a restart or rebalance.
type Delivery struct {
	Message
	ack func(context.Context) error
}

// NewDelivery wraps msg with an acknowledgement callback.
func NewDelivery(msg Message, ack func(context.Context) error) Delivery {
	return Delivery{Message: msg, ack: ack}
}

// Ack commits the delivery.
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Subscription streams deliveries for one consumer group.
type Subscription interface {
	Messages() <-chan Delivery
	Close() error
}

// Publisher writes messages and returns once the broker has them.
type Publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
}

// Bus is a partitioned pub/sub transport with consumer groups.
type Bus interface {
	Publisher
	Subscribe(ctx context.Context, group string, topics ...string) (Subscription, error)
	Close() error
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
