// Package apperr classifies errors into the small set of kinds the rest of
// the engine branches on: transient transport failures the task queue
// retries, provider rate limits that trip the global cooldown, invalid
// credentials that disable a license's polling, request validation errors
// returned as 4xx, duplicate-ingestion swallows, and permanent payload
// errors that are persisted with a placeholder instead of retried.
//
// Grounded on iamabdynab1ev-request-system's pkg/errors.HttpError shape
// (code + message + HTTP-status mapping), generalized so the task-queue
// worker — which has no HTTP request in scope — can classify the same
// errors.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the error taxonomy from the error-handling design.
type Kind string

const (
	KindTransient        Kind = "transient_transport"
	KindRateLimited      Kind = "provider_rate_limited"
	KindAuthInvalid      Kind = "auth_invalid"
	KindValidation       Kind = "validation"
	KindDuplicate        Kind = "duplicate"
	KindPermanentPayload Kind = "permanent_payload"
)

// Error is a classified application error carrying a localized
// user-visible message alongside the underlying cause.
type Error struct {
	Kind       Kind
	Message    string
	Retryable  bool
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// StopRetry satisfies throttle.StopRetryer: non-retryable kinds stop the
// throttler's backoff loop immediately instead of burning attempts.
func (e *Error) StopRetry() bool { return !e.Retryable }

// New builds a classified error. Transient and rate-limited kinds are
// retryable by default; everything else is not.
func New(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: kind == KindTransient || kind == KindRateLimited,
		cause:     cause,
	}
}

// HTTPStatus maps a Kind to the REST status code a handler should return.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthInvalid:
		return http.StatusUnauthorized
	case KindDuplicate:
		return http.StatusOK // swallowed as "already ingested"
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindPermanentPayload:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable reports whether err should be retried by the task queue.
// Unclassified errors default to retryable, matching the distilled
// design's "transient transport" default for unexpected failures.
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable
	}
	return true
}
