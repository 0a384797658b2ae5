// Package errs provides structured error types and helpers shared across marlin.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category in the connectivity core.
type Code string

const (
	// CodeTransport indicates a socket or connect failure; recovered with backoff.
	CodeTransport Code = "transport"
	// CodeAuth indicates signing or credential rejection; fatal to the session.
	CodeAuth Code = "auth"
	// CodeProtocol indicates a malformed or unrecognized frame; the frame is dropped.
	CodeProtocol Code = "protocol"
	// CodeSequenceGap indicates an order book diff gap; triggers a resync.
	CodeSequenceGap Code = "sequence_gap"
	// CodeUnknownEntity indicates an event referencing an untracked order or instrument.
	CodeUnknownEntity Code = "unknown_entity"
	// CodeRateLimited indicates that the request exceeded venue rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeVenue indicates a venue-side failure.
	CodeVenue Code = "venue_error"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// ErrNotConnected is returned by session sends when the session is not Ready.
var ErrNotConnected = errors.New("session not connected")

// E captures structured error information produced across the marlin stack.
type E struct {
	Venue         string
	Code          Code
	HTTP          int
	RawCode       string
	RawMsg        string
	Message       string
	VenueMetadata map[string]string
	RetryAfterSec int

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and error code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{
		Venue: strings.TrimSpace(venue),
		Code:  code,
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

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithRetryAfter records the venue-provided retry hint in seconds.
func WithRetryAfter(seconds int) Option {
	return func(e *E) {
		if seconds > 0 {
			e.RetryAfterSec = seconds
		}
	}
}

// WithVenueField appends a single venue metadata key/value pair.
func WithVenueField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.VenueMetadata == nil {
			e.VenueMetadata = make(map[string]string, 1)
		}
		e.VenueMetadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

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
	if e.RetryAfterSec > 0 {
		parts = append(parts, "retry_after="+strconv.Itoa(e.RetryAfterSec)+"s")
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.VenueMetadata) > 0 {
		keys := make([]string, 0, len(e.VenueMetadata))
		for k := range e.VenueMetadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.VenueMetadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Retryable reports whether the failure is transient and safe to retry with backoff.
// Authentication and caller errors are never retried.
func Retryable(err error) bool {
	var e *E
	if !errors.As(err, &e) {
		// Unclassified errors are treated as transport-level transients.
		return true
	}
	switch e.Code {
	case CodeTransport, CodeRateLimited, CodeUnavailable, CodeSequenceGap:
		return true
	default:
		return false
	}
}

// CodeOf extracts the error code from err, or the empty code for foreign errors.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
