// Package participant implements the saga roles. Each role is a
// router.Handler reacting to the events of its upstream step.
package participant

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/app/router"
	"github.com/coachpo/orderflow/internal/infra/telemetry"
	"github.com/coachpo/orderflow/internal/observability"
)

// Option configures a role.
type Option func(*options)

type options struct {
	logger  observability.Logger
	metrics *telemetry.SagaMetrics
	now     func() time.Time
}

func buildOptions(opts []Option) options {
	o := options{logger: observability.Log(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithLogger sets the role logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records saga transitions.
func WithMetrics(metrics *telemetry.SagaMetrics) Option {
	return func(o *options) { o.metrics = metrics }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// verdict is how a role treats a guarded call's error.
type verdict int

const (
	succeeded verdict = iota
	// gaveUp turns the error into the step's failure outcome.
	gaveUp
	// later hands the error back so the router re-attempts the message.
	later
)

// judge classifies the result of a policy-guarded call. Exhausted retries and
// business refusals are final. A fail-fast rejection is re-attempted until
// the last delivery, where it becomes final too.
func judge(ctx context.Context, err error) verdict {
	switch {
	case err == nil:
		return succeeded
	case ctx.Err() != nil:
		return later
	case errs.IsCode(err, errs.CodeCircuitOpen), errs.IsCode(err, errs.CodeBulkheadFull):
		if router.FinalAttempt(ctx) {
			return gaveUp
		}
		return later
	default:
		return gaveUp
	}
}

// reasonOf renders err for an event payload.
func reasonOf(err error) string {
	var e *errs.E
	if errors.As(err, &e) && e != nil {
		if msg := strings.TrimSpace(e.Message); msg != "" {
			return msg
		}
		if e.Code != "" {
			return strings.ReplaceAll(string(e.Code), "_", " ")
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
