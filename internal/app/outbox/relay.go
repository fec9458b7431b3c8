package outbox

import (
	"context"
	"time"

	"github.com/coachpo/orderflow/internal/app/resilience"
	"github.com/coachpo/orderflow/internal/domain/orderstore"
	"github.com/coachpo/orderflow/internal/domain/outboxstore"
	"github.com/coachpo/orderflow/internal/infra/bus/eventbus"
	"github.com/coachpo/orderflow/internal/infra/config"
	"github.com/coachpo/orderflow/internal/infra/telemetry"
	"github.com/coachpo/orderflow/internal/observability"
)

const (
	defaultInterval     = 500 * time.Millisecond
	defaultBatchSize    = 128
	defaultMaxAttempts  = 10
	defaultLease        = 30 * time.Second
	defaultArchiveAfter = 24 * time.Hour
	// maxRounds bounds the claims of one pass.
	maxRounds = 16
)

// RelayConfig tunes the relay loop.
type RelayConfig struct {
	Interval     time.Duration
	BatchSize    int
	MaxAttempts  int
	Lease        time.Duration
	ArchiveAfter time.Duration
	// Retry spaces out republish attempts of one record.
	Retry resilience.Retry
}

// RelayConfigFrom maps the outbox config section.
func RelayConfigFrom(cfg config.OutboxConfig, retry resilience.Retry) RelayConfig {
	return RelayConfig{
		Interval:     cfg.Interval,
		BatchSize:    cfg.BatchSize,
		MaxAttempts:  cfg.MaxAttempts,
		Lease:        cfg.Lease,
		ArchiveAfter: cfg.ArchiveAfter,
		Retry:        retry,
	}
}

func (c RelayConfig) normalize() RelayConfig {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Lease <= 0 {
		c.Lease = defaultLease
	}
	if c.ArchiveAfter <= 0 {
		c.ArchiveAfter = defaultArchiveAfter
	}
	return c
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayLogger overrides the relay logger.
func WithRelayLogger(logger observability.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRelayMetrics records published counts.
func WithRelayMetrics(metrics *telemetry.SagaMetrics) RelayOption {
	return func(r *Relay) { r.metrics = metrics }
}

// WithRelayClock overrides the time source used for retry scheduling.
func WithRelayClock(now func() time.Time) RelayOption {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

// Relay moves committed outbox records onto the bus. It is safe to run one
// relay per process; claims lease records so concurrent relays skip them.
type Relay struct {
	uow     orderstore.UnitOfWork
	bus     eventbus.Publisher
	cfg     RelayConfig
	logger  observability.Logger
	metrics *telemetry.SagaMetrics
	now     func() time.Time
}

// RunResult summarises one relay pass.
type RunResult struct {
	Claimed   int
	Published int
	Retried   int
	Failed    int
	Archived  int64
}

// NewRelay constructs a relay over uow publishing to bus.
func NewRelay(uow orderstore.UnitOfWork, bus eventbus.Publisher, cfg RelayConfig, opts ...RelayOption) *Relay {
	r := &Relay{
		uow:    uow,
		bus:    bus,
		cfg:    cfg.normalize(),
		logger: observability.Log(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run relays every interval until ctx ends. Pending records left by a
// previous process are picked up on the first pass.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("outbox relay pass failed", observability.Err(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce claims due records, publishes them in id order and records the
// outcome of each. A claim yields at most the oldest pending record of a key,
// so the pass claims again after each round that published something. A
// failed record holds back later records of its key until it is published or
// parked as failed.
func (r *Relay) RunOnce(ctx context.Context) (RunResult, error) {
	var res RunResult
	for round := 0; round < maxRounds; round++ {
		var claimed []outboxstore.Record
		err := r.uow.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
			var err error
			claimed, err = tx.Outbox().ClaimDue(ctx, r.cfg.BatchSize, r.cfg.Lease)
			return err
		})
		if err != nil {
			return res, err
		}
		if len(claimed) == 0 {
			break
		}
		res.Claimed += len(claimed)
		published := res.Published
		if err := r.publish(ctx, claimed, &res); err != nil {
			return res, err
		}
		if res.Published == published {
			break
		}
	}

	archived, err := r.Archive(ctx)
	if err != nil {
		return res, err
	}
	res.Archived = archived
	return res, nil
}

func (r *Relay) publish(ctx context.Context, claimed []outboxstore.Record, res *RunResult) error {
	blocked := make(map[string]struct{})
	for _, rec := range claimed {
		if _, held := blocked[rec.Key]; held {
			continue
		}
		pubErr := r.bus.Publish(ctx, eventbus.Message{Topic: rec.Topic, Key: rec.Key, Value: rec.Payload})
		if pubErr == nil {
			if err := r.mark(ctx, func(ctx context.Context, s outboxstore.Store) error {
				return s.MarkPublished(ctx, rec.ID)
			}); err != nil {
				return err
			}
			res.Published++
			r.metrics.RecordPublished(ctx, rec.Topic, 1)
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		blocked[rec.Key] = struct{}{}
		attempts := rec.Attempts + 1
		if attempts >= r.cfg.MaxAttempts {
			if err := r.mark(ctx, func(ctx context.Context, s outboxstore.Store) error {
				return s.MarkFailed(ctx, rec.ID, attempts, pubErr.Error())
			}); err != nil {
				return err
			}
			res.Failed++
			r.logger.Error("outbox record failed permanently",
				observability.F("record_id", rec.ID),
				observability.F("event_id", rec.EventID),
				observability.F("topic", rec.Topic),
				observability.F("attempts", attempts),
				observability.Err(pubErr))
			continue
		}
		next := r.now().Add(r.cfg.Retry.NextDelay(attempts))
		if err := r.mark(ctx, func(ctx context.Context, s outboxstore.Store) error {
			return s.MarkRetry(ctx, rec.ID, attempts, next, pubErr.Error())
		}); err != nil {
			return err
		}
		res.Retried++
		r.logger.Warn("outbox publish failed, rescheduled",
			observability.F("record_id", rec.ID),
			observability.F("topic", rec.Topic),
			observability.F("attempts", attempts),
			observability.F("next_retry_at", next),
			observability.Err(pubErr))
	}
	return nil
}

// Archive removes records published before the archive horizon.
func (r *Relay) Archive(ctx context.Context) (int64, error) {
	var n int64
	cutoff := r.now().Add(-r.cfg.ArchiveAfter)
	err := r.mark(ctx, func(ctx context.Context, s outboxstore.Store) error {
		var err error
		n, err = s.Archive(ctx, cutoff)
		return err
	})
	return n, err
}

// Backlog reports the pending record count.
func (r *Relay) Backlog(ctx context.Context) (int64, error) {
	var n int64
	err := r.mark(ctx, func(ctx context.Context, s outboxstore.Store) error {
		var err error
		n, err = s.CountPending(ctx)
		return err
	})
	return n, err
}

// Failed lists records that exhausted their attempts.
func (r *Relay) Failed(ctx context.Context, limit int) ([]outboxstore.Record, error) {
	var out []outboxstore.Record
	err := r.mark(ctx, func(ctx context.Context, s outboxstore.Store) error {
		var err error
		out, err = s.ListFailed(ctx, limit)
		return err
	})
	return out, err
}

func (r *Relay) mark(ctx context.Context, fn func(context.Context, outboxstore.Store) error) error {
	return r.uow.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		return fn(ctx, tx.Outbox())
	})
}
