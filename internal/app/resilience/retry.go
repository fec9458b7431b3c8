// Package resilience guards outbound collaborator calls with a bulkhead, a
// circuit breaker and bounded retries.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/orderflow/errs"
)

// maxScheduleSteps caps NextDelay's walk; the interval saturates long before.
const maxScheduleSteps = 64

// Retry configures exponential backoff with jitter.
type Retry struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetry is three attempts starting at 200ms.
func DefaultRetry() Retry {
	return Retry{
		MaxAttempts:         3,
		InitialInterval:     200 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.2,
	}
}

func (r Retry) normalized() Retry {
	d := DefaultRetry()
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = d.MaxAttempts
	}
	if r.InitialInterval <= 0 {
		r.InitialInterval = d.InitialInterval
	}
	if r.MaxInterval < r.InitialInterval {
		r.MaxInterval = r.InitialInterval
	}
	if r.Multiplier < 1 {
		r.Multiplier = d.Multiplier
	}
	if r.RandomizationFactor < 0 || r.RandomizationFactor > 1 {
		r.RandomizationFactor = d.RandomizationFactor
	}
	return r
}

func (r Retry) backOff() *backoff.ExponentialBackOff {
	r = r.normalized()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.InitialInterval
	b.MaxInterval = r.MaxInterval
	b.Multiplier = r.Multiplier
	b.RandomizationFactor = r.RandomizationFactor
	b.Reset()
	return b
}

// NextDelay returns the wait after failed attempt number attempt (counting
// from 1), following the schedule Do uses.
func (r Retry) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	attempt = min(attempt, maxScheduleSteps)
	b := r.backOff()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Do calls fn until it succeeds, fails with a non-retryable error, the
// attempts run out or ctx ends. Each attempt gets its own timeout when
// attemptTimeout is positive; an attempt deadline surfaces as CodeTimeout.
func (r Retry) Do(ctx context.Context, attemptTimeout time.Duration, fn func(context.Context) error) error {
	r = r.normalized()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if attemptTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, attemptTimeout)
		}
		defer cancel()
		err := fn(callCtx)
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = errs.New("resilience", errs.CodeTimeout,
				errs.WithMessage("attempt timed out"), errs.WithCause(err))
		}
		if !errs.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(r.backOff()),
		backoff.WithMaxTries(uint(r.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	return err
}
