package odoo

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound reports a single-record lookup that resolved nothing.
var ErrNotFound = errors.New("record not found")

// NetworkError covers unreachable servers and timeouts. Retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error during %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError covers 401/403-class responses. The gateway performs exactly
// one token-refresh-and-retry cycle per request before surfacing it.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth error (%d): %s", e.Status, e.Message) }

// ServerError covers 5xx responses and malformed payloads. Retryable.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.Status, e.Message)
}

// ValidationError covers non-auth 4xx responses. Never retried.
type ValidationError struct {
	Status  int
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error (%d): %s", e.Status, e.Message)
}

// PartialFailure reports a batched operation where per-record fallback
// calls also failed for a subset of records.
type PartialFailure struct {
	Succeeded []int64
	Failed    map[int64]error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("partial failure: %d succeeded, %d failed", len(e.Succeeded), len(e.Failed))
}

// IsRetryable reports whether the retry/backoff policy applies.
func IsRetryable(err error) bool {
	var netErr *NetworkError
	var srvErr *ServerError
	return errors.As(err, &netErr) || errors.As(err, &srvErr)
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// classifyStatus maps an HTTP status code onto the error taxonomy.
func classifyStatus(status int, message string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Status: status, Message: message}
	case status >= 500:
		return &ServerError{Status: status, Message: message}
	case status >= 400:
		return &ValidationError{Status: status, Message: message}
	default:
		return &ServerError{Status: status, Message: message}
	}
}
