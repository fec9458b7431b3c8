package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Breaker state gauge values.
const (
	BreakerClosed   int64 = 0
	BreakerHalfOpen int64 = 1
	BreakerOpen     int64 = 2
)

// SagaMetrics holds the instruments shared by the saga roles. A nil
// *SagaMetrics records nothing.
type SagaMetrics struct {
	transitions  metric.Int64Counter
	messages     metric.Int64Counter
	deadLetters  metric.Int64Counter
	published    metric.Int64Counter
	calls        metric.Int64Counter
	callDuration metric.Float64Histogram
	handleTime   metric.Float64Histogram

	mu       sync.Mutex
	breakers map[string]int64
}

// NewSagaMetrics registers the instruments on meter.
func NewSagaMetrics(meter metric.Meter) (*SagaMetrics, error) {
	m := &SagaMetrics{breakers: make(map[string]int64)}
	var err error
	if m.transitions, err = meter.Int64Counter("orderflow.saga.transitions",
		metric.WithDescription("Saga state transitions applied"),
		metric.WithUnit("{transition}")); err != nil {
		return nil, fmt.Errorf("transitions counter: %w", err)
	}
	if m.messages, err = meter.Int64Counter("orderflow.router.messages",
		metric.WithDescription("Inbound messages by outcome"),
		metric.WithUnit("{message}")); err != nil {
		return nil, fmt.Errorf("messages counter: %w", err)
	}
	if m.deadLetters, err = meter.Int64Counter("orderflow.dlq.messages",
		metric.WithDescription("Messages routed to a dead-letter topic"),
		metric.WithUnit("{message}")); err != nil {
		return nil, fmt.Errorf("dlq counter: %w", err)
	}
	if m.published, err = meter.Int64Counter("orderflow.outbox.published",
		metric.WithDescription("Outbox records handed to the bus"),
		metric.WithUnit("{record}")); err != nil {
		return nil, fmt.Errorf("published counter: %w", err)
	}
	if m.calls, err = meter.Int64Counter("orderflow.collaborator.calls",
		metric.WithDescription("Collaborator calls by outcome"),
		metric.WithUnit("{call}")); err != nil {
		return nil, fmt.Errorf("calls counter: %w", err)
	}
	if m.callDuration, err = meter.Float64Histogram("orderflow.collaborator.duration",
		metric.WithDescription("Collaborator call latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("call histogram: %w", err)
	}
	if m.handleTime, err = meter.Float64Histogram("orderflow.router.handle.duration",
		metric.WithDescription("Time spent handling one inbound message"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("handle histogram: %w", err)
	}
	if _, err = meter.Int64ObservableGauge("orderflow.breaker.state",
		metric.WithDescription("Circuit breaker state (0 closed, 1 half-open, 2 open)"),
		metric.WithInt64Callback(m.observeBreakers)); err != nil {
		return nil, fmt.Errorf("breaker gauge: %w", err)
	}
	return m, nil
}

// RecordTransition counts one applied saga step.
func (m *SagaMetrics) RecordTransition(ctx context.Context, from, to, eventType string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(TransitionAttributes(Environment(), from, to, eventType)...))
}

// RecordMessage counts one inbound message outcome and its handling time.
func (m *SagaMetrics) RecordMessage(ctx context.Context, consumer, topic, result string, took time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(MessageAttributes(Environment(), consumer, topic, result)...)
	m.messages.Add(ctx, 1, attrs)
	m.handleTime.Record(ctx, float64(took.Microseconds())/1000, attrs)
}

// RecordDeadLetter counts a message parked on a dead-letter topic.
func (m *SagaMetrics) RecordDeadLetter(ctx context.Context, topic, reason string) {
	if m == nil {
		return
	}
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(DeadLetterAttributes(Environment(), topic, reason)...))
}

// RecordPublished counts relayed outbox records.
func (m *SagaMetrics) RecordPublished(ctx context.Context, topic string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.published.Add(ctx, int64(n), metric.WithAttributes(AttrEnvironment.String(Environment()), AttrTopic.String(topic)))
}

// RecordCall counts a collaborator call and its latency.
func (m *SagaMetrics) RecordCall(ctx context.Context, collaborator, operation, result string, took time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(CallAttributes(Environment(), collaborator, operation, result)...)
	m.calls.Add(ctx, 1, attrs)
	m.callDuration.Record(ctx, float64(took.Microseconds())/1000, attrs)
}

// SetBreakerState stores the latest state of a breaker for the gauge.
func (m *SagaMetrics) SetBreakerState(name string, state int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.breakers[name] = state
	m.mu.Unlock()
}

// BreakerState returns the last recorded state for name.
func (m *SagaMetrics) BreakerState(name string) (int64, bool) {
	if m == nil {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.breakers[name]
	return v, ok
}

func (m *SagaMetrics) observeBreakers(_ context.Context, observer metric.Int64Observer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	env := AttrEnvironment.String(Environment())
	for name, state := range m.breakers {
		observer.Observe(state, metric.WithAttributes(env, AttrBreaker.String(name)))
	}
	return nil
}

// ObserveBacklog registers a gauge reporting the outbox backlog via count.
func ObserveBacklog(meter metric.Meter, count func(context.Context) (int64, error)) error {
	_, err := meter.Int64ObservableGauge("orderflow.outbox.backlog",
		metric.WithDescription("Pending outbox records"),
		metric.WithUnit("{record}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			n, err := count(ctx)
			if err != nil {
				return err
			}
			observer.Observe(n, metric.WithAttributes(AttrEnvironment.String(Environment())))
			return nil
		}))
	if err != nil {
		return fmt.Errorf("backlog gauge: %w", err)
	}
	return nil
}

// ObserveSagaStates registers a gauge reporting how many sagas sit in each state.
func ObserveSagaStates(meter metric.Meter, count func(context.Context) (map[string]int64, error)) error {
	_, err := meter.Int64ObservableGauge("orderflow.saga.orders",
		metric.WithDescription("Sagas by current state"),
		metric.WithUnit("{order}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			counts, err := count(ctx)
			if err != nil {
				return err
			}
			env := AttrEnvironment.String(Environment())
			for state, n := range counts {
				observer.Observe(n, metric.WithAttributes(env, AttrState.String(state)))
			}
			return nil
		}))
	if err != nil {
		return fmt.Errorf("saga state gauge: %w", err)
	}
	return nil
}
