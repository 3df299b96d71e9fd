// Package domain holds the pure domain types shared across the service:
// the error taxonomy, the authenticated caller context, and enumerations
// that more than one module needs. It has no infrastructure dependencies.
package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode is the machine-readable code carried in every error envelope.
type ErrorCode string

const (
	CodeBadRequest          ErrorCode = "BAD_REQUEST"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	CodeForbidden           ErrorCode = "FORBIDDEN"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeMethodNotAllowed    ErrorCode = "METHOD_NOT_ALLOWED"
	CodeConflict            ErrorCode = "CONFLICT"
	CodeValidation          ErrorCode = "VALIDATION_ERROR"
	CodeRateLimitExceeded   ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeInternal            ErrorCode = "INTERNAL_SERVER_ERROR"
	CodeBadGateway          ErrorCode = "BAD_GATEWAY"
	CodeServiceUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"
	CodeGatewayTimeout      ErrorCode = "GATEWAY_TIMEOUT"
)

// Error is the service-wide typed error. Every failure that can cross a
// package boundary is wrapped into one of these so the HTTP layer can map it
// to a status code without string matching.
type Error struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]interface{}
	Err     error

	// RetryAfter is set on rate-limit errors so callers get a hint.
	RetryAfter time.Duration
	// ResetAt is set on daily-quota errors (next reset boundary, UTC).
	ResetAt time.Time
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a *Error from err, or wraps err as an internal error.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return &Error{Code: CodeInternal, Status: http.StatusInternalServerError, Message: "internal server error", Err: err}
}

// ValidationError reports a malformed or out-of-range request field.
func ValidationError(msg string) *Error {
	return &Error{Code: CodeValidation, Status: http.StatusUnprocessableEntity, Message: msg}
}

// ValidationErrorf is ValidationError with formatting.
func ValidationErrorf(format string, args ...interface{}) *Error {
	return ValidationError(fmt.Sprintf(format, args...))
}

// BadRequest reports a request the server could not parse at all.
func BadRequest(msg string) *Error {
	return &Error{Code: CodeBadRequest, Status: http.StatusBadRequest, Message: msg}
}

// Unauthorized reports a missing or invalid credential.
func Unauthorized(msg string) *Error {
	return &Error{Code: CodeUnauthorized, Status: http.StatusUnauthorized, Message: msg}
}

// Forbidden reports a valid credential without the required access.
func Forbidden(msg string) *Error {
	return &Error{Code: CodeForbidden, Status: http.StatusForbidden, Message: msg}
}

// NotFound reports an absent resource, or one the caller cannot see.
func NotFound(resource string) *Error {
	return &Error{Code: CodeNotFound, Status: http.StatusNotFound, Message: resource + " not found"}
}

// Conflict reports an operation against a resource in the wrong state.
func Conflict(msg string) *Error {
	return &Error{Code: CodeConflict, Status: http.StatusConflict, Message: msg}
}

// IdempotencyConflict reports reuse of an idempotency key with a different body.
func IdempotencyConflict() *Error {
	return &Error{
		Code:    CodeValidation,
		Status:  http.StatusUnprocessableEntity,
		Message: "idempotency key reused with a different request body",
	}
}

// RateLimited reports a sliding-window rate limit rejection.
func RateLimited(limit string, retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeRateLimitExceeded,
		Status:     http.StatusTooManyRequests,
		Message:    fmt.Sprintf("rate limit exceeded: %s", limit),
		RetryAfter: retryAfter,
	}
}

// WaitTimeout reports a rate-limit wait that ran out of time before a
// permit opened up.
func WaitTimeout(limit string) *Error {
	return &Error{
		Code:    CodeGatewayTimeout,
		Status:  http.StatusGatewayTimeout,
		Message: fmt.Sprintf("timed out waiting for %s permit", limit),
	}
}

// DailyLimitExceeded reports daily order quota exhaustion.
func DailyLimitExceeded(limit int, resetAt time.Time) *Error {
	return &Error{
		Code:    CodeRateLimitExceeded,
		Status:  http.StatusTooManyRequests,
		Message: fmt.Sprintf("daily order limit of %d reached", limit),
		ResetAt: resetAt,
	}
}

// BrokerRejected reports an upstream 4xx rejection (margin, invalid symbol, ...).
// The broker's own message is surfaced; the order goes REJECTED.
func BrokerRejected(msg string) *Error {
	return &Error{Code: CodeBadRequest, Status: http.StatusBadRequest, Message: msg}
}

// UpstreamUnavailable reports a circuit-open condition or persistent upstream 5xx.
func UpstreamUnavailable(dependency string, err error) *Error {
	return &Error{
		Code:    CodeServiceUnavailable,
		Status:  http.StatusServiceUnavailable,
		Message: dependency + " unavailable",
		Err:     err,
	}
}

// UpstreamTimeout reports a dependency exceeding its deadline.
func UpstreamTimeout(dependency string) *Error {
	return &Error{
		Code:    CodeGatewayTimeout,
		Status:  http.StatusGatewayTimeout,
		Message: dependency + " timed out",
	}
}

// Internal wraps an unexpected error.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Status: http.StatusInternalServerError, Message: "internal server error", Err: err}
}

// IsRetryable reports whether err is worth retrying against the upstream.
// Validation and state errors are permanent; availability and timeout are not.
func IsRetryable(err error) bool {
	de := AsError(err)
	switch de.Code {
	case CodeServiceUnavailable, CodeGatewayTimeout, CodeBadGateway, CodeInternal:
		return true
	}
	return false
}
