// Package errs provides structured error types and helpers for orderflow services.
package errs

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category shared across saga participants.
type Code string

const (
	// CodeMalformedEvent indicates an envelope with missing or mistyped fields.
	CodeMalformedEvent Code = "malformed_event"
	// CodeUnknownEventType indicates an envelope whose type tag is not recognised.
	CodeUnknownEventType Code = "unknown_event_type"
	// CodeRetryable indicates a transient failure worth another attempt.
	CodeRetryable Code = "retryable"
	// CodeTimeout indicates an outbound call exceeded its deadline.
	CodeTimeout Code = "timeout"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeUnavailable indicates the dependency is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeNoCourier indicates no courier could be assigned right now.
	CodeNoCourier Code = "no_courier_available"
	// CodeNonRetryable indicates a failure that must not be retried.
	CodeNonRetryable Code = "non_retryable"
	// CodeDeclined indicates the payment collaborator declined the charge.
	CodeDeclined Code = "declined"
	// CodeRejected indicates the restaurant collaborator rejected the order.
	CodeRejected Code = "rejected"
	// CodeCircuitOpen indicates the dependency breaker rejected the call.
	CodeCircuitOpen Code = "circuit_open"
	// CodeBulkheadFull indicates the dependency concurrency cap was reached.
	CodeBulkheadFull Code = "bulkhead_full"
	// CodeDuplicateMarker indicates an idempotency marker already exists.
	CodeDuplicateMarker Code = "duplicate_marker"
	// CodeCompensationFailed indicates a compensating action could not complete.
	CodeCompensationFailed Code = "compensation_failed"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
)

// E captures structured error information produced across the orderflow stack.
type E struct {
	Component string
	Code      Code
	HTTP      int
	Message   string
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		HTTP:      0,
		Message:   "",
		Metadata:  nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the outermost *E in the chain, or "" when none.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// IsCode reports whether any *E in the chain carries code.
func IsCode(err error, code Code) bool {
	for err != nil {
		var e *E
		if !errors.As(err, &e) || e == nil {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}

// IsRetryable reports whether the failure is transient and a retry may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch CodeOf(err) {
	case CodeRetryable, CodeTimeout, CodeNetwork, CodeUnavailable, CodeNoCourier:
		return true
	default:
		return false
	}
}

// IsDeferrable reports whether the work should be re-attempted later rather
// than resolved now. Fail-fast resilience rejections and optimistic
// concurrency conflicts qualify alongside transient failures.
func IsDeferrable(err error) bool {
	if IsRetryable(err) {
		return true
	}
	switch CodeOf(err) {
	case CodeCircuitOpen, CodeBulkheadFull, CodeConflict:
		return true
	default:
		return false
	}
}
