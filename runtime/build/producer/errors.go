package producer

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies provider failures into a small set of categories
// suitable for retry and UX decisions.
type ErrorKind string

const (
	// ErrorKindUserInput indicates the request content is invalid and
	// retrying without changing the inputs will not succeed.
	ErrorKindUserInput ErrorKind = "user_input"

	// ErrorKindRateLimited indicates the provider is throttling requests.
	ErrorKindRateLimited ErrorKind = "rate_limited"

	// ErrorKindUnavailable indicates a transient provider failure (5xx,
	// network issues) where a retry may succeed.
	ErrorKindUnavailable ErrorKind = "unavailable"

	// ErrorKindUnknown indicates an unclassified provider failure.
	ErrorKindUnknown ErrorKind = "unknown"
)

// Error describes a failure returned by a provider handler. It crosses the
// executor boundary so retry policies and build summaries can surface stable,
// structured information.
type Error struct {
	provider   string
	operation  string
	kind       ErrorKind
	message    string
	retryable  bool
	retryAfter time.Duration
	cause      error
}

// NewError constructs an Error. provider and kind are required. cause may be
// nil but is recommended to preserve the original error chain.
func NewError(provider, operation string, kind ErrorKind, message string, retryable bool, cause error) *Error {
	if provider == "" {
		panic("producer: provider is required")
	}
	if kind == "" {
		panic("producer: error kind is required")
	}
	return &Error{
		provider:  provider,
		operation: operation,
		kind:      kind,
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}

// WithRetryAfter attaches the provider's requested backoff and returns the
// receiver.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.retryAfter = d
	return e
}

// Provider returns the provider identifier (for example, "bedrock").
func (e *Error) Provider() string { return e.provider }

// Operation returns the provider operation name when known.
func (e *Error) Operation() string { return e.operation }

// Kind returns the coarse-grained error classification.
func (e *Error) Kind() ErrorKind { return e.kind }

// Message returns the provider error message when available.
func (e *Error) Message() string { return e.message }

// Retryable reports whether retrying the call may succeed without changing
// the request.
func (e *Error) Retryable() bool { return e.retryable }

// RetryAfter returns the provider's requested backoff, zero when none was
// given.
func (e *Error) RetryAfter() time.Duration { return e.retryAfter }

func (e *Error) Error() string {
	op := e.operation
	if op == "" {
		op = "invoke"
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s (%s): %s", e.provider, e.kind, op, msg)
}

// Unwrap returns the underlying provider error to preserve the original error
// chain.
func (e *Error) Unwrap() error { return e.cause }

// AsError returns the first producer Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
