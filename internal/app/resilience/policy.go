package resilience

import (
	"context"
	"time"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/infra/config"
	"github.com/coachpo/orderflow/internal/infra/telemetry"
	"github.com/coachpo/orderflow/internal/observability"
)

const (
	defaultCallTimeout      = 5 * time.Second
	defaultMaxConcurrent    = 32
	defaultWatchdogInterval = time.Second
)

// Settings is the full guard of one dependency.
type Settings struct {
	Retry         Retry
	Breaker       BreakerSettings
	MaxConcurrent int
	CallTimeout   time.Duration
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Retry:         DefaultRetry(),
		Breaker:       DefaultBreaker(),
		MaxConcurrent: defaultMaxConcurrent,
		CallTimeout:   defaultCallTimeout,
	}
}

func (s Settings) normalized() Settings {
	s.Retry = s.Retry.normalized()
	s.Breaker = s.Breaker.normalized()
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = defaultMaxConcurrent
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = defaultCallTimeout
	}
	return s
}

// SettingsFromConfig converts a configured dependency block.
func SettingsFromConfig(cfg config.DependencyConfig) Settings {
	return Settings{
		Retry: Retry{
			MaxAttempts:         cfg.Retry.MaxAttempts,
			InitialInterval:     cfg.Retry.InitialInterval,
			MaxInterval:         cfg.Retry.MaxInterval,
			Multiplier:          cfg.Retry.Multiplier,
			RandomizationFactor: cfg.Retry.RandomizationFactor,
		},
		Breaker: BreakerSettings{
			Threshold:      cfg.Breaker.FailureThreshold,
			OpenDuration:   cfg.Breaker.OpenDuration,
			HalfOpenProbes: cfg.Breaker.HalfOpenProbes,
		},
		MaxConcurrent: cfg.MaxConcurrent,
		CallTimeout:   cfg.CallTimeout,
	}.normalized()
}

// Policy composes bulkhead, breaker and retry around collaborator calls.
type Policy struct {
	defaults  Settings
	overrides map[string]Settings
	watchdog  time.Duration

	breakers *Breakers
	bulkhead *Bulkhead
	logger   observability.Logger
	metrics  *telemetry.SagaMetrics
}

// Option configures a Policy.
type Option func(*Policy)

// WithLogger sets the policy logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Policy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records call outcomes and breaker state.
func WithMetrics(metrics *telemetry.SagaMetrics) Option {
	return func(p *Policy) { p.metrics = metrics }
}

// WithOverride replaces the settings of one dependency.
func WithOverride(key string, settings Settings) Option {
	return func(p *Policy) { p.overrides[key] = settings.normalized() }
}

// WithWatchdogInterval sets how often Run sweeps the breakers.
func WithWatchdogInterval(interval time.Duration) Option {
	return func(p *Policy) {
		if interval > 0 {
			p.watchdog = interval
		}
	}
}

// NewPolicy builds a policy applying defaults to every dependency without an
// override.
func NewPolicy(defaults Settings, opts ...Option) *Policy {
	p := &Policy{
		defaults:  defaults.normalized(),
		overrides: make(map[string]Settings),
		watchdog:  defaultWatchdogInterval,
		bulkhead:  NewBulkhead(),
		logger:    observability.Log(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.breakers = NewBreakers(p.logger)
	if p.metrics != nil {
		metrics := p.metrics
		p.breakers.OnStateChange(func(name string, _, to BreakerState) {
			metrics.SetBreakerState(name, gaugeValue(to))
		})
	}
	return p
}

// FromConfig builds a policy from the resilience config section.
func FromConfig(cfg config.ResilienceConfig, opts ...Option) *Policy {
	all := []Option{WithWatchdogInterval(cfg.WatchdogInterval)}
	for name := range cfg.Overrides {
		all = append(all, WithOverride(name, SettingsFromConfig(cfg.For(name))))
	}
	return NewPolicy(SettingsFromConfig(cfg.DependencyConfig), append(all, opts...)...)
}

// Settings returns the effective settings for key.
func (p *Policy) Settings(key string) Settings {
	if s, ok := p.overrides[key]; ok {
		return s
	}
	return p.defaults
}

// Breakers exposes the breaker registry.
func (p *Policy) Breakers() *Breakers {
	return p.breakers
}

// Bulkhead exposes the concurrency limiter.
func (p *Policy) Bulkhead() *Bulkhead {
	return p.bulkhead
}

// Execute runs call for dependency key.
func (p *Policy) Execute(ctx context.Context, key string, call func(context.Context) error) error {
	return p.ExecuteOp(ctx, key, "call", call)
}

// ExecuteOp runs call through the bulkhead, then the breaker, then bounded
// retries with a per-attempt timeout. operation labels metrics only.
func (p *Policy) ExecuteOp(ctx context.Context, key, operation string, call func(context.Context) error) error {
	settings := p.Settings(key)
	start := time.Now()
	if _, seen := p.metrics.BreakerState(key); !seen {
		p.metrics.SetBreakerState(key, telemetry.BreakerClosed)
	}

	release, err := p.bulkhead.Acquire(key, settings.MaxConcurrent)
	if err != nil {
		p.record(ctx, key, operation, err, start)
		return err
	}
	defer release()

	err = p.breakers.Execute(key, settings.Breaker, func() error {
		return settings.Retry.Do(ctx, settings.CallTimeout, call)
	})
	p.record(ctx, key, operation, err, start)
	return err
}

// Run sweeps the breakers until ctx ends.
func (p *Policy) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.watchdog)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.breakers.Sweep()
		}
	}
}

func (p *Policy) record(ctx context.Context, key, operation string, err error, start time.Time) {
	result := "ok"
	if err != nil {
		result = string(errs.CodeOf(err))
		if result == "" {
			result = "error"
		}
		p.logger.Debug("collaborator call failed",
			observability.F("dependency", key),
			observability.F("operation", operation),
			observability.Err(err))
	}
	p.metrics.RecordCall(ctx, key, operation, result, time.Since(start))
}

func gaugeValue(state BreakerState) int64 {
	switch state {
	case BreakerOpen:
		return telemetry.BreakerOpen
	case BreakerHalfOpen:
		return telemetry.BreakerHalfOpen
	default:
		return telemetry.BreakerClosed
	}
}
