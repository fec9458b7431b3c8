package eventbus

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/infra/telemetry"
)

// MemoryBus is an in-process bus for local mode and tests. Each consumer
// group receives every message once; within a group messages are spread over
// subscribers by key hash, preserving per-key order.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	groups       map[string]map[string][]*subscriber
	offsets      map[string]int64
	history      map[string][]Message
	shutdownOnce sync.Once
	nextID       uint64
	acked        atomic.Int64

	publishedCounter metric.Int64Counter
	publishDuration  metric.Float64Histogram
}

type subscriber struct {
	id     string
	group  string
	topics []string
	bus    *MemoryBus
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan Delivery
	once   sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := &MemoryBus{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		groups:  make(map[string]map[string][]*subscriber),
		offsets: make(map[string]int64),
		history: make(map[string][]Message),
	}

	meter := otel.Meter("orderflow/eventbus")
	bus.publishedCounter, _ = meter.Int64Counter("orderflow.bus.published",
		metric.WithDescription("Messages accepted by the in-memory bus"),
		metric.WithUnit("{message}"))
	bus.publishDuration, _ = meter.Float64Histogram("orderflow.bus.publish.duration",
		metric.WithDescription("Latency of in-memory publish operations"),
		metric.WithUnit("ms"))
	return bus
}

// Publish delivers each message to one subscriber of every group listening
// on its topic, blocking while a subscriber buffer is full.
func (b *MemoryBus) Publish(ctx context.Context, msgs ...Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	for _, msg := range msgs {
		if strings.TrimSpace(msg.Topic) == "" {
			return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("topic required"))
		}
		if err := b.ctx.Err(); err != nil {
			return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
		}
		targets, stamped := b.route(msg)
		if err := b.dispatch(ctx, targets, stamped); err != nil {
			return err
		}
		if b.publishedCounter != nil {
			b.publishedCounter.Add(ctx, 1, metric.WithAttributes(
				telemetry.AttrEnvironment.String(telemetry.Environment()),
				telemetry.AttrTopic.String(msg.Topic)))
		}
	}
	if b.publishDuration != nil {
		b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	}
	return nil
}

// Subscribe joins group on topics. The subscription ends when ctx is done or
// Close is called.
func (b *MemoryBus) Subscribe(ctx context.Context, group string, topics ...string) (Subscription, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("consumer group required"))
	}
	if len(topics) == 0 {
		return nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("at least one topic required"))
	}
	if err := b.ctx.Err(); err != nil {
		return nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		id:     fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)),
		group:  group,
		topics: append([]string(nil), topics...),
		bus:    b,
		ctx:    ctx,
		cancel: cancel,
		ch:     make(chan Delivery, b.cfg.BufferSize),
	}

	b.mu.Lock()
	for _, topic := range sub.topics {
		if _, ok := b.groups[topic]; !ok {
			b.groups[topic] = make(map[string][]*subscriber)
		}
		b.groups[topic][group] = append(b.groups[topic][group], sub)
	}
	b.mu.Unlock()

	go b.observe(sub)
	return sub, nil
}

// Published returns a copy of every message accepted on topic.
func (b *MemoryBus) Published(topic string) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Message(nil), b.history[topic]...)
}

// Acked reports how many deliveries were acknowledged.
func (b *MemoryBus) Acked() int64 {
	return b.acked.Load()
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() error {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		var subs []*subscriber
		for topic, groups := range b.groups {
			for _, members := range groups {
				subs = append(subs, members...)
			}
			delete(b.groups, topic)
		}
		b.mu.Unlock()
		for _, sub := range subs {
			sub.close()
		}
	})
	return nil
}

func (b *MemoryBus) route(msg Message) ([]*subscriber, Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg.Offset = b.offsets[msg.Topic]
	b.offsets[msg.Topic]++
	if msg.Time.IsZero() {
		msg.Time = time.Now().UTC()
	}
	msg.Value = append([]byte(nil), msg.Value...)
	b.history[msg.Topic] = append(b.history[msg.Topic], msg)

	groups := b.groups[msg.Topic]
	targets := make([]*subscriber, 0, len(groups))
	for _, members := range groups {
		if len(members) == 0 {
			continue
		}
		idx := partitionFor(msg.Key, len(members))
		targets = append(targets, members[idx])
	}
	return targets, msg
}

func (b *MemoryBus) dispatch(ctx context.Context, targets []*subscriber, msg Message) error {
	if len(targets) == 0 {
		return nil
	}
	if len(targets) == 1 {
		return b.deliver(ctx, targets[0], msg)
	}
	p := concpool.New().WithErrors().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range targets {
		p.Go(func() error {
			return b.deliver(ctx, sub, msg)
		})
	}
	return p.Wait()
}

func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, msg Message) error {
	delivery := NewDelivery(msg, func(context.Context) error {
		b.acked.Add(1)
		return nil
	})
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	if sub.closed {
		return nil
	}
	select {
	case <-b.ctx.Done():
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	case <-ctx.Done():
		return fmt.Errorf("deliver context: %w", ctx.Err())
	case <-sub.ctx.Done():
		return nil
	case sub.ch <- delivery:
		return nil
	}
}

func (b *MemoryBus) observe(sub *subscriber) {
	<-sub.ctx.Done()
	b.remove(sub)
	sub.close()
}

func (b *MemoryBus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range sub.topics {
		groups := b.groups[topic]
		if groups == nil {
			continue
		}
		members := groups[sub.group]
		for i, member := range members {
			if member == sub {
				groups[sub.group] = append(members[:i:i], members[i+1:]...)
				break
			}
		}
		if len(groups[sub.group]) == 0 {
			delete(groups, sub.group)
		}
		if len(groups) == 0 {
			delete(b.groups, topic)
		}
	}
}

func (s *subscriber) Messages() <-chan Delivery { return s.ch }

func (s *subscriber) Close() error {
	s.cancel()
	s.bus.remove(s)
	return nil
}

// close cancels first so blocked senders release the read lock before the
// channel is closed.
func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

func partitionFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

var _ Bus = (*MemoryBus)(nil)
