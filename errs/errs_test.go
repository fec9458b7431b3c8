package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesMetadataAndCause(t *testing.T) {
	err := New(
		"payment",
		CodeDeclined,
		WithHTTP(402),
		WithMessage("card declined"),
		WithField("order_id", "o-1"),
		WithField("attempt", "2"),
		WithCause(errors.New("issuer said no")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=payment") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=declined") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "http=402") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	expectedMeta := "meta=attempt=\"2\",order_id=\"o-1\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "cause=\"issuer said no\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithFieldIgnoresBlankKeys(t *testing.T) {
	err := New("router", CodeInvalid, WithField("  ", "x"))
	if len(err.Metadata) != 0 {
		t.Fatalf("expected blank key to be ignored, got %v", err.Metadata)
	}
	if strings.Contains(err.Error(), "meta=") {
		t.Fatalf("meta marker should be omitted when empty: %s", err.Error())
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if e.Error() != "<nil>" {
		t.Fatalf("expected <nil>, got %q", e.Error())
	}
}

func TestCodeOfAndIsCodeThroughWrapping(t *testing.T) {
	inner := New("delivery", CodeNoCourier)
	outer := New("router", CodeRetryable, WithCause(inner))
	wrapped := fmt.Errorf("handle: %w", outer)

	if got := CodeOf(wrapped); got != CodeRetryable {
		t.Fatalf("expected outermost code retryable, got %q", got)
	}
	if !IsCode(wrapped, CodeNoCourier) {
		t.Fatalf("expected nested code to be found")
	}
	if IsCode(wrapped, CodeDeclined) {
		t.Fatalf("unexpected code match")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("expected empty code for plain errors")
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		retryable  bool
		deferrable bool
	}{
		{"nil", nil, false, false},
		{"timeout", New("x", CodeTimeout), true, true},
		{"network", New("x", CodeNetwork), true, true},
		{"no courier", New("x", CodeNoCourier), true, true},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true, true},
		{"declined", New("x", CodeDeclined), false, false},
		{"invalid", New("x", CodeInvalid), false, false},
		{"circuit open", New("x", CodeCircuitOpen), false, true},
		{"bulkhead full", New("x", CodeBulkheadFull), false, true},
		{"conflict", New("x", CodeConflict), false, true},
		{"plain", errors.New("boom"), false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.retryable {
				t.Fatalf("IsRetryable = %v, want %v", got, tc.retryable)
			}
			if got := IsDeferrable(tc.err); got != tc.deferrable {
				t.Fatalf("IsDeferrable = %v, want %v", got, tc.deferrable)
			}
		})
	}
}
