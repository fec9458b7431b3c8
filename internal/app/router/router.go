// Package router feeds bus messages to a saga role. It decodes, deduplicates
// through the processed markers, calls the role handler and commits the
// handler's effects, staged events and marker in one transaction before the
// message is acknowledged.
package router

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/app/outbox"
	"github.com/coachpo/orderflow/internal/app/resilience"
	"github.com/coachpo/orderflow/internal/domain/event"
	"github.com/coachpo/orderflow/internal/domain/idempotency"
	"github.com/coachpo/orderflow/internal/domain/orderstore"
	"github.com/coachpo/orderflow/internal/infra/bus/eventbus"
	"github.com/coachpo/orderflow/internal/infra/telemetry"
	"github.com/coachpo/orderflow/internal/observability"
)

const (
	defaultLanes        = 8
	defaultParkCapacity = 1024
	wakeBuffer          = 64
)

// Config describes one role's subscription.
type Config struct {
	// Consumer scopes the processed markers.
	Consumer        string
	Group           string
	Topics          []string
	Lanes           int
	MaxRedeliveries int
	// ParkCapacity bounds the messages a lane holds back before it stops
	// reading new ones.
	ParkCapacity int
	// Redelivery spaces out attempts of a deferred message.
	Redelivery resilience.Retry
}

func (c Config) normalize() (Config, error) {
	c.Consumer = strings.TrimSpace(c.Consumer)
	c.Group = strings.TrimSpace(c.Group)
	if c.Consumer == "" || c.Group == "" || len(c.Topics) == 0 {
		return c, errs.New("router", errs.CodeInvalid, errs.WithMessage("consumer, group and topics required"))
	}
	if c.Lanes <= 0 {
		c.Lanes = defaultLanes
	}
	if c.MaxRedeliveries < 0 {
		c.MaxRedeliveries = 0
	}
	if c.ParkCapacity <= 0 {
		c.ParkCapacity = defaultParkCapacity
	}
	return c, nil
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records message outcomes.
func WithMetrics(metrics *telemetry.SagaMetrics) Option {
	return func(r *Router) { r.metrics = metrics }
}

// WithCache puts a marker cache in front of the store lookup.
func WithCache(cache idempotency.Cache) Option {
	return func(r *Router) {
		if cache != nil {
			r.cache = cache
		}
	}
}

// WithDeadLetters keeps a local copy of every dead letter.
func WithDeadLetters(q *observability.DeadLetterQueue) Option {
	return func(r *Router) {
		if q != nil {
			r.dlq = q
		}
	}
}

// Router runs one role against the bus.
type Router struct {
	cfg     Config
	handler Handler
	bus     eventbus.Bus
	uow     orderstore.UnitOfWork
	cache   idempotency.Cache
	dlq     *observability.DeadLetterQueue
	logger  observability.Logger
	metrics *telemetry.SagaMetrics
}

// New validates cfg and builds a router.
func New(cfg Config, handler Handler, bus eventbus.Bus, uow orderstore.UnitOfWork, opts ...Option) (*Router, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	if handler == nil || bus == nil || uow == nil {
		return nil, errs.New("router", errs.CodeInvalid, errs.WithMessage("handler, bus and unit of work required"))
	}
	r := &Router{
		cfg:     cfg,
		handler: handler,
		bus:     bus,
		uow:     uow,
		cache:   idempotency.NopCache{},
		dlq:     observability.NewDeadLetterQueue(defaultParkCapacity),
		logger:  observability.Log(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// DeadLetters exposes the local dead-letter copy.
func (r *Router) DeadLetters() *observability.DeadLetterQueue {
	return r.dlq
}

// Run subscribes and processes messages until ctx ends or the subscription
// closes. Unacknowledged messages are left to the bus for redelivery.
func (r *Router) Run(ctx context.Context) error {
	sub, err := r.bus.Subscribe(ctx, r.cfg.Group, r.cfg.Topics...)
	if err != nil {
		return err
	}
	defer func() {
		_ = sub.Close()
	}()

	lanes := make([]*lane, r.cfg.Lanes)
	var wg conc.WaitGroup
	for i := range lanes {
		l := newLane(r)
		lanes[i] = l
		wg.Go(func() { l.run(ctx) })
	}
	r.logger.Info("router started",
		observability.F("consumer", r.cfg.Consumer),
		observability.F("group", r.cfg.Group),
		observability.F("topics", r.cfg.Topics),
		observability.F("lanes", len(lanes)))

	r.dispatch(ctx, sub, lanes)
	for _, l := range lanes {
		close(l.input)
	}
	wg.Wait()
	r.logger.Info("router stopped", observability.F("consumer", r.cfg.Consumer))
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (r *Router) dispatch(ctx context.Context, sub eventbus.Subscription, lanes []*lane) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-sub.Messages():
			if !ok {
				return
			}
			l := lanes[laneFor(d.Key, len(lanes))]
			select {
			case <-ctx.Done():
				return
			case l.input <- &work{delivery: d, attempt: 1}:
			}
		}
	}
}

// process handles one delivery and reports whether it must be parked for a
// later attempt.
func (r *Router) process(ctx context.Context, w *work) (deferred bool) {
	start := time.Now()
	msg := w.delivery.Message

	evt, err := event.Decode(msg.Value)
	if err != nil {
		r.deadLetter(ctx, w, string(errs.CodeOf(err)), err)
		r.finish(ctx, w, telemetry.ResultDeadLetter, start)
		return false
	}

	if seen, err := r.cache.Seen(ctx, r.cfg.Consumer, evt.ID); err != nil {
		r.logger.Debug("marker cache lookup failed", observability.Err(err))
	} else if seen {
		r.finish(ctx, w, telemetry.ResultDuplicate, start)
		return false
	}

	processed, err := r.hasProcessed(ctx, evt.ID)
	if err != nil {
		return r.retryLater(ctx, w, evt, err, start)
	}
	if processed {
		r.remember(ctx, evt.ID)
		r.finish(ctx, w, telemetry.ResultDuplicate, start)
		return false
	}

	effect, err := r.handler.Handle(ContextWithAttempt(ctx, w.attempt, r.cfg.MaxRedeliveries), evt)
	if err != nil {
		if ctx.Err() != nil {
			r.metrics.RecordMessage(ctx, r.cfg.Consumer, msg.Topic, telemetry.ResultFailed, time.Since(start))
			return false
		}
		if errs.IsDeferrable(err) {
			return r.retryLater(ctx, w, evt, err, start)
		}
		r.deadLetter(ctx, w, string(errs.CodeOf(err)), err)
		r.finish(ctx, w, telemetry.ResultDeadLetter, start)
		return false
	}

	err = r.uow.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		if effect.Commit != nil {
			if err := effect.Commit(ctx, tx); err != nil {
				return err
			}
		}
		if len(effect.Emit) > 0 {
			if _, err := outbox.Stage(ctx, tx, outbox.NewTxID(), effect.Emit...); err != nil {
				return err
			}
		}
		return tx.Markers().MarkProcessed(ctx, r.cfg.Consumer, evt.ID, effect.Result)
	})
	switch {
	case idempotency.IsDuplicate(err):
		r.remember(ctx, evt.ID)
		r.finish(ctx, w, telemetry.ResultDuplicate, start)
		return false
	case err != nil && ctx.Err() != nil:
		r.metrics.RecordMessage(ctx, r.cfg.Consumer, msg.Topic, telemetry.ResultFailed, time.Since(start))
		return false
	case err != nil:
		return r.retryLater(ctx, w, evt, err, start)
	}

	if effect.AfterCommit != nil {
		effect.AfterCommit(ctx)
	}
	r.remember(ctx, evt.ID)
	result := telemetry.ResultProcessed
	if effect.Ignored {
		result = telemetry.ResultStale
	}
	r.finish(ctx, w, result, start)
	return false
}

func (r *Router) hasProcessed(ctx context.Context, eventID string) (bool, error) {
	var processed bool
	err := r.uow.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		var err error
		processed, err = tx.Markers().HasProcessed(ctx, r.cfg.Consumer, eventID)
		return err
	})
	return processed, err
}

// retryLater parks w unless it used up its redeliveries, in which case it
// goes to the dead-letter topic.
func (r *Router) retryLater(ctx context.Context, w *work, evt event.Event, cause error, start time.Time) bool {
	if w.attempt > r.cfg.MaxRedeliveries {
		r.deadLetter(ctx, w, "redeliveries_exhausted", cause)
		r.finish(ctx, w, telemetry.ResultDeadLetter, start)
		return false
	}
	r.logger.Warn("deferring message",
		observability.F("consumer", r.cfg.Consumer),
		observability.F("order_id", evt.OrderID),
		observability.F("event_id", evt.ID),
		observability.F("event_type", string(evt.Type)),
		observability.F("attempt", w.attempt),
		observability.Err(cause))
	r.metrics.RecordMessage(ctx, r.cfg.Consumer, w.delivery.Topic, telemetry.ResultDeferred, time.Since(start))
	return true
}

func (r *Router) deadLetter(ctx context.Context, w *work, reason string, cause error) {
	msg := w.delivery.Message
	if reason == "" {
		reason = "handler_error"
	}
	detail := reason
	if cause != nil {
		detail += ": " + cause.Error()
	}
	r.dlq.Offer(observability.DeadLetter{
		Topic:    msg.Topic,
		Key:      msg.Key,
		Payload:  msg.Value,
		Reason:   detail,
		Attempts: w.attempt,
		At:       time.Now().UTC(),
	})
	r.metrics.RecordDeadLetter(ctx, msg.Topic, reason)
	r.logger.Error("message dead-lettered",
		observability.F("consumer", r.cfg.Consumer),
		observability.F("topic", msg.Topic),
		observability.F("key", msg.Key),
		observability.F("offset", msg.Offset),
		observability.F("attempts", w.attempt),
		observability.Err(cause))

	err := r.bus.Publish(ctx, eventbus.Message{
		Topic: event.DeadLetterTopic(msg.Topic),
		Key:   msg.Key,
		Value: msg.Value,
	})
	if err != nil {
		r.logger.Error("dead-letter publish failed",
			observability.F("topic", event.DeadLetterTopic(msg.Topic)),
			observability.Err(err))
	}
}

func (r *Router) remember(ctx context.Context, eventID string) {
	if err := r.cache.Remember(ctx, r.cfg.Consumer, eventID); err != nil {
		r.logger.Debug("marker cache update failed", observability.Err(err))
	}
}

func (r *Router) finish(ctx context.Context, w *work, result string, start time.Time) {
	if err := w.delivery.Ack(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("ack failed",
			observability.F("consumer", r.cfg.Consumer),
			observability.F("topic", w.delivery.Topic),
			observability.Err(err))
	}
	r.metrics.RecordMessage(ctx, r.cfg.Consumer, w.delivery.Topic, result, time.Since(start))
}

func laneFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
