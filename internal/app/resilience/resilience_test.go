package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/infra/config"
	"github.com/coachpo/orderflow/internal/infra/telemetry"
)

func fastRetry(attempts int) Retry {
	return Retry{
		MaxAttempts:         attempts,
		InitialInterval:     time.Millisecond,
		MaxInterval:         2 * time.Millisecond,
		Multiplier:          2,
		RandomizationFactor: 0,
	}
}

func transient() error {
	return errs.New("test", errs.CodeNetwork, errs.WithMessage("connection reset"))
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	var calls int
	err := fastRetry(5).Do(context.Background(), 0, func(context.Context) error {
		calls++
		if calls < 3 {
			return transient()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryDoesNotRetryBusinessErrors(t *testing.T) {
	var calls int
	err := fastRetry(5).Do(context.Background(), 0, func(context.Context) error {
		calls++
		return errs.New("test", errs.CodeDeclined)
	})
	if !errs.IsCode(err, errs.CodeDeclined) {
		t.Fatalf("expected declined, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestRetryStopsAfterMaxAttempts(t *testing.T) {
	var calls int
	err := fastRetry(4).Do(context.Background(), 0, func(context.Context) error {
		calls++
		return transient()
	})
	if !errs.IsCode(err, errs.CodeNetwork) {
		t.Fatalf("expected last network error, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
}

func TestRetryAttemptTimeoutIsRetryable(t *testing.T) {
	var calls int
	err := fastRetry(2).Do(context.Background(), 5*time.Millisecond, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	if !errs.IsCode(err, errs.CodeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !errs.IsRetryable(err) {
		t.Fatal("attempt timeout should classify as retryable")
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetryHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := fastRetry(3).Do(ctx, 0, func(ctx context.Context) error {
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNextDelayGrowsAndSaturates(t *testing.T) {
	r := Retry{MaxAttempts: 10, InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}
	first := r.NextDelay(1)
	second := r.NextDelay(2)
	if first != 100*time.Millisecond || second != 200*time.Millisecond {
		t.Fatalf("unexpected schedule %v, %v", first, second)
	}
	if got := r.NextDelay(50); got != time.Second {
		t.Fatalf("expected saturation at 1s, got %v", got)
	}
}

func TestBreakerOpensAfterThresholdAndRecoversOnTrialCall(t *testing.T) {
	b := NewBreakers(nil)
	settings := BreakerSettings{Threshold: 3, OpenDuration: 40 * time.Millisecond, HalfOpenProbes: 1}

	for range 3 {
		_ = b.Execute("payment", settings, func() error { return transient() })
	}
	snap, ok := b.Snapshot("payment")
	if !ok || snap.State != BreakerOpen {
		t.Fatalf("expected open breaker, got %+v", snap)
	}
	if snap.OpenedAt.IsZero() {
		t.Fatal("expected OpenedAt to be recorded")
	}

	called := false
	err := b.Execute("payment", settings, func() error {
		called = true
		return nil
	})
	if called {
		t.Fatal("open breaker must not call the dependency")
	}
	if !errs.IsCode(err, errs.CodeCircuitOpen) {
		t.Fatalf("expected circuit_open, got %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if err := b.Execute("payment", settings, func() error { return nil }); err != nil {
		t.Fatalf("expected trial call to pass, got %v", err)
	}
	snap, _ = b.Snapshot("payment")
	if snap.State != BreakerClosed || snap.ConsecutiveFailures != 0 {
		t.Fatalf("expected closed breaker with reset counters, got %+v", snap)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreakers(nil)
	settings := BreakerSettings{Threshold: 1, OpenDuration: 20 * time.Millisecond, HalfOpenProbes: 1}
	_ = b.Execute("delivery", settings, func() error { return transient() })
	time.Sleep(30 * time.Millisecond)
	_ = b.Execute("delivery", settings, func() error { return transient() })
	snap, _ := b.Snapshot("delivery")
	if snap.State != BreakerOpen {
		t.Fatalf("expected breaker to re-open, got %s", snap.State)
	}
}

func TestBreakerIgnoresBusinessOutcomes(t *testing.T) {
	b := NewBreakers(nil)
	settings := BreakerSettings{Threshold: 2, OpenDuration: time.Minute}
	for range 10 {
		err := b.Execute("restaurant", settings, func() error { return errs.New("test", errs.CodeRejected) })
		if !errs.IsCode(err, errs.CodeRejected) {
			t.Fatalf("expected rejection to pass through, got %v", err)
		}
	}
	snap, _ := b.Snapshot("restaurant")
	if snap.State != BreakerClosed {
		t.Fatalf("business rejections must not trip the breaker, got %s", snap.State)
	}
}

func TestSweepMovesExpiredBreakerToHalfOpen(t *testing.T) {
	b := NewBreakers(nil)
	var mu sync.Mutex
	var seen []BreakerState
	b.OnStateChange(func(_ string, _, to BreakerState) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})
	settings := BreakerSettings{Threshold: 1, OpenDuration: 20 * time.Millisecond}
	_ = b.Execute("payment", settings, func() error { return transient() })
	time.Sleep(30 * time.Millisecond)

	b.Sweep()
	snap, _ := b.Snapshot("payment")
	if snap.State != BreakerHalfOpen {
		t.Fatalf("expected half-open after sweep, got %s", snap.State)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != BreakerOpen || seen[1] != BreakerHalfOpen {
		t.Fatalf("unexpected transitions %v", seen)
	}
}

func TestBreakerClosesOnFirstHalfOpenSuccess(t *testing.T) {
	b := NewBreakers(nil)
	var mu sync.Mutex
	var seen []BreakerState
	b.OnStateChange(func(_ string, _, to BreakerState) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})
	settings := BreakerSettings{Threshold: 1, OpenDuration: 20 * time.Millisecond, HalfOpenProbes: 3}
	_ = b.Execute("payment", settings, func() error { return transient() })
	time.Sleep(30 * time.Millisecond)

	if err := b.Execute("payment", settings, func() error { return nil }); err != nil {
		t.Fatalf("expected half-open call to pass, got %v", err)
	}
	snap, _ := b.Snapshot("payment")
	if snap.State != BreakerClosed || snap.ConsecutiveFailures != 0 || !snap.OpenedAt.IsZero() {
		t.Fatalf("expected one success to close the breaker, got %+v", snap)
	}

	// Closed again means the full threshold applies before the next trip.
	for range 5 {
		if err := b.Execute("payment", settings, func() error { return nil }); err != nil {
			t.Fatalf("closed breaker rejected a call: %v", err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(seen) != len(want) {
		t.Fatalf("unexpected transitions %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("unexpected transitions %v", seen)
		}
	}
}

func TestBreakerAdmitsHalfOpenProbesConcurrently(t *testing.T) {
	b := NewBreakers(nil)
	settings := BreakerSettings{Threshold: 1, OpenDuration: 20 * time.Millisecond, HalfOpenProbes: 3}
	_ = b.Execute("delivery", settings, func() error { return transient() })
	time.Sleep(30 * time.Millisecond)

	release := make(chan struct{})
	var admitted sync.WaitGroup
	admitted.Add(3)
	var done sync.WaitGroup
	for range 3 {
		done.Add(1)
		go func() {
			defer done.Done()
			_ = b.Execute("delivery", settings, func() error {
				admitted.Done()
				<-release
				return nil
			})
		}()
	}
	admitted.Wait()

	err := b.Execute("delivery", settings, func() error { return nil })
	if !errs.IsCode(err, errs.CodeCircuitOpen) {
		t.Fatalf("expected a fourth half-open call to be refused, got %v", err)
	}
	close(release)
	done.Wait()

	snap, _ := b.Snapshot("delivery")
	if snap.State != BreakerClosed {
		t.Fatalf("expected closed breaker, got %s", snap.State)
	}
}

func TestBulkheadFailsFast(t *testing.T) {
	bh := NewBulkhead()
	release, err := bh.Acquire("delivery", 1)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if _, err := bh.Acquire("delivery", 1); !errs.IsCode(err, errs.CodeBulkheadFull) {
		t.Fatalf("expected bulkhead_full, got %v", err)
	}
	if _, err := bh.Acquire("payment", 1); err != nil {
		t.Fatalf("other keys must not share slots: %v", err)
	}
	release()
	release()
	if got := bh.InFlight("delivery"); got != 0 {
		t.Fatalf("expected no slots in flight, got %d", got)
	}
	if _, err := bh.Acquire("delivery", 1); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
}

func TestPolicyRejectsOverflowWithoutWaiting(t *testing.T) {
	p := NewPolicy(Settings{Retry: fastRetry(1), MaxConcurrent: 1, CallTimeout: time.Second})
	entered := make(chan struct{})
	unblock := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- p.Execute(context.Background(), "delivery", func(context.Context) error {
			close(entered)
			<-unblock
			return nil
		})
	}()
	<-entered

	start := time.Now()
	err := p.Execute(context.Background(), "delivery", func(context.Context) error { return nil })
	if !errs.IsCode(err, errs.CodeBulkheadFull) {
		t.Fatalf("expected bulkhead_full, got %v", err)
	}
	if !errs.IsDeferrable(err) {
		t.Fatal("bulkhead rejection should be deferrable")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("bulkhead rejection should not block")
	}
	close(unblock)
	if err := <-done; err != nil {
		t.Fatalf("blocked call failed: %v", err)
	}
}

func TestPolicyTripsBreakerAndReportsGauge(t *testing.T) {
	metrics, err := telemetry.NewSagaMetrics(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	p := NewPolicy(Settings{
		Retry:   fastRetry(2),
		Breaker: BreakerSettings{Threshold: 2, OpenDuration: time.Minute},
	}, WithMetrics(metrics))

	var calls atomic.Int32
	failing := func(context.Context) error {
		calls.Add(1)
		return transient()
	}
	for range 2 {
		_ = p.ExecuteOp(context.Background(), "payment", "authorize", failing)
	}
	if got := calls.Load(); got != 4 {
		t.Fatalf("expected 4 attempts across two executions, got %d", got)
	}
	err = p.ExecuteOp(context.Background(), "payment", "authorize", failing)
	if !errs.IsCode(err, errs.CodeCircuitOpen) {
		t.Fatalf("expected circuit_open, got %v", err)
	}
	if got := calls.Load(); got != 4 {
		t.Fatalf("open circuit must short-circuit, got %d attempts", got)
	}
	if state, ok := metrics.BreakerState("payment"); !ok || state != telemetry.BreakerOpen {
		t.Fatalf("expected open gauge, got %d (%v)", state, ok)
	}
}

func TestFromConfigAppliesOverrides(t *testing.T) {
	cfg := config.ResilienceConfig{
		DependencyConfig: config.DependencyConfig{
			Retry:         config.RetryConfig{MaxAttempts: 3, InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2},
			Breaker:       config.BreakerConfig{FailureThreshold: 5, OpenDuration: 30 * time.Second, HalfOpenProbes: 1},
			MaxConcurrent: 8,
			CallTimeout:   5 * time.Second,
		},
		Overrides: map[string]config.DependencyConfig{
			"delivery": {Retry: config.RetryConfig{MaxAttempts: 6}, MaxConcurrent: 2},
		},
	}
	p := FromConfig(cfg)
	if got := p.Settings("payment"); got.Retry.MaxAttempts != 3 || got.MaxConcurrent != 8 {
		t.Fatalf("unexpected default settings %+v", got)
	}
	got := p.Settings("delivery")
	if got.Retry.MaxAttempts != 6 || got.MaxConcurrent != 2 {
		t.Fatalf("override not applied: %+v", got)
	}
	if got.Breaker.Threshold != 5 || got.CallTimeout != 5*time.Second {
		t.Fatalf("override should inherit defaults: %+v", got)
	}
}
