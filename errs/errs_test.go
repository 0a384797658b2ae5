package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesVenueAndCode(t *testing.T) {
	err := New(
		"valr",
		CodeRateLimited,
		WithHTTP(429),
		WithMessage("too many requests"),
		WithRawCode("-4003"),
		WithRetryAfter(3),
		WithVenueField("endpoint", "/v1/orders/limit"),
		WithCause(errors.New("valr http 429")),
	)

	out := err.Error()
	if !strings.Contains(out, "venue=valr") {
		t.Fatalf("expected venue marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=rate_limited") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "retry_after=3s") {
		t.Fatalf("expected retry hint in error string: %s", out)
	}
	if !strings.Contains(out, "meta=endpoint=\"/v1/orders/limit\"") {
		t.Fatalf("expected venue metadata in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"valr http 429\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := New("valr", CodeTransport, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to match the wrapped cause")
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		code Code
		want bool
	}{
		{CodeTransport, true},
		{CodeRateLimited, true},
		{CodeUnavailable, true},
		{CodeSequenceGap, true},
		{CodeAuth, false},
		{CodeProtocol, false},
		{CodeInvalid, false},
		{CodeUnknownEntity, false},
	}
	for _, tc := range cases {
		if got := Retryable(New("valr", tc.code)); got != tc.want {
			t.Fatalf("Retryable(%s) = %v, want %v", tc.code, got, tc.want)
		}
	}
	if !Retryable(errors.New("plain network failure")) {
		t.Fatalf("foreign errors should be treated as transient")
	}
}

func TestCodeOfWrappedEnvelope(t *testing.T) {
	inner := New("valr", CodeAuth, WithMessage("signature rejected"))
	wrapped := fmt.Errorf("connect account stream: %w", inner)
	if CodeOf(wrapped) != CodeAuth {
		t.Fatalf("expected auth code through wrapping, got %q", CodeOf(wrapped))
	}
	if CodeOf(errors.New("other")) != "" {
		t.Fatalf("expected empty code for foreign error")
	}
}
