// Package kafkabus implements the message bus on Kafka. Messages are keyed by
// order id and partitioned with the hash balancer, so one order always lands
// on one partition and is consumed in order.
package kafkabus

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/infra/bus/eventbus"
	"github.com/coachpo/orderflow/internal/infra/config"
	"github.com/coachpo/orderflow/internal/observability"
)

const fetchBackoff = time.Second

// Config configures the Kafka transport.
type Config struct {
	Brokers      []string
	ClientID     string
	BatchTimeout time.Duration
	MinBytes     int
	MaxBytes     int
	Buffer       int
}

// ConfigFrom maps the bus config section.
func ConfigFrom(cfg config.BusConfig) Config {
	return Config{
		Brokers:      cfg.Kafka.Brokers,
		ClientID:     cfg.Kafka.ClientID,
		BatchTimeout: cfg.Kafka.BatchTimeout,
		MinBytes:     cfg.Kafka.MinBytes,
		MaxBytes:     cfg.Kafka.MaxBytes,
		Buffer:       cfg.Buffer,
	}
}

// Bus publishes with a single hash-balanced writer and consumes through one
// group reader per subscription.
type Bus struct {
	cfg    Config
	writer *kafka.Writer
	dialer *kafka.Dialer
	logger observability.Logger

	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

// New validates cfg and builds the writer. No connection is made until the
// first publish or subscribe.
func New(cfg Config, logger observability.Logger) (*Bus, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errs.New("kafkabus", errs.CodeInvalid, errs.WithMessage("at least one broker required"))
	}
	cfg.Brokers = brokers
	if cfg.Buffer <= 0 {
		cfg.Buffer = eventbus.DefaultBufferSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	return &Bus{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           cfg.BatchTimeout,
			AllowAutoTopicCreation: true,
			Transport:              &kafka.Transport{ClientID: cfg.ClientID},
		},
		dialer: &kafka.Dialer{
			ClientID:  cfg.ClientID,
			Timeout:   10 * time.Second,
			DualStack: true,
		},
		logger: observability.Or(logger),
	}, nil
}

// Publish writes msgs and returns after the leader acknowledged them.
// Broker failures surface as errs.CodeUnavailable so callers retry.
func (b *Bus) Publish(ctx context.Context, msgs ...eventbus.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Topic) == "" {
			return errs.New("kafkabus", errs.CodeInvalid, errs.WithMessage("topic required"))
		}
		at := m.Time
		if at.IsZero() {
			at = time.Now().UTC()
		}
		out = append(out, kafka.Message{Topic: m.Topic, Key: []byte(m.Key), Value: m.Value, Time: at})
	}
	if err := b.writer.WriteMessages(ctx, out...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.New("kafkabus", errs.CodeUnavailable,
			errs.WithMessage("publish failed"),
			errs.WithField("topic", out[0].Topic),
			errs.WithCause(err))
	}
	return nil
}

// Subscribe joins the consumer group on topics. Offsets are committed only
// when deliveries are acknowledged, in partition order.
func (b *Bus) Subscribe(ctx context.Context, group string, topics ...string) (eventbus.Subscription, error) {
	group = strings.TrimSpace(group)
	if group == "" || len(topics) == 0 {
		return nil, errs.New("kafkabus", errs.CodeInvalid, errs.WithMessage("group and topics required"))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errs.New("kafkabus", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.cfg.Brokers,
		GroupID:     group,
		GroupTopics: topics,
		Dialer:      b.dialer,
		MinBytes:    b.cfg.MinBytes,
		MaxBytes:    b.cfg.MaxBytes,
		StartOffset: kafka.FirstOffset,
	})
	sub := newSubscription(ctx, reader, group, b.cfg.Buffer, b.logger)
	b.subs = append(b.subs, sub)
	go sub.run()
	return sub, nil
}

// Close stops every subscription and flushes the writer.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	var errList []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	if err := b.writer.Close(); err != nil {
		errList = append(errList, err)
	}
	return errors.Join(errList...)
}

type subscription struct {
	ctx     context.Context
	cancel  context.CancelFunc
	reader  *kafka.Reader
	tracker *commitTracker
	out     chan eventbus.Delivery
	done    chan struct{}
	group   string
	logger  observability.Logger
	once    sync.Once
	err     error
}

func newSubscription(parent context.Context, reader *kafka.Reader, group string, buffer int, logger observability.Logger) *subscription {
	ctx, cancel := context.WithCancel(parent)
	return &subscription{
		ctx:     ctx,
		cancel:  cancel,
		reader:  reader,
		tracker: newCommitTracker(),
		out:     make(chan eventbus.Delivery, buffer),
		done:    make(chan struct{}),
		group:   group,
		logger:  logger,
	}
}

func (s *subscription) Messages() <-chan eventbus.Delivery { return s.out }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.err = s.reader.Close()
	})
	return s.err
}

func (s *subscription) run() {
	defer close(s.done)
	defer close(s.out)
	for {
		msg, err := s.reader.FetchMessage(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			s.logger.Warn("kafka fetch failed", observability.F("group", s.group), observability.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(fetchBackoff):
			}
			continue
		}
		s.tracker.fetched(msg)
		delivery := eventbus.NewDelivery(eventbus.Message{
			Topic:     msg.Topic,
			Key:       string(msg.Key),
			Value:     msg.Value,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Time:      msg.Time,
		}, s.acker(msg))
		select {
		case <-s.ctx.Done():
			return
		case s.out <- delivery:
		}
	}
}

func (s *subscription) acker(msg kafka.Message) func(context.Context) error {
	return func(ctx context.Context) error {
		commit, ok := s.tracker.acked(msg)
		if !ok {
			return nil
		}
		if err := s.reader.CommitMessages(ctx, commit); err != nil {
			return errs.New("kafkabus", errs.CodeUnavailable,
				errs.WithMessage("commit failed"),
				errs.WithField("topic", commit.Topic),
				errs.WithCause(err))
		}
		return nil
	}
}

var _ eventbus.Bus = (*Bus)(nil)
