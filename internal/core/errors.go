// internal/core/errors.go
package core

import "fmt"

// Error represents a structured error with code and optional cause.
type Error struct {
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is matching by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WrapError creates a new error with the same code but with a cause.
func WrapError(base *Error, cause error) *Error {
	return &Error{
		Code:    base.Code,
		Message: base.Message,
		Cause:   cause,
	}
}

// Predefined errors
var (
	// Account errors
	ErrClientNotFound = &Error{Code: "CLIENT_NOT_FOUND", Message: "client not monitored"}
	ErrInvalidUpdate  = &Error{Code: "INVALID_UPDATE", Message: "invalid balance update"}

	// Persistence errors
	ErrPersistence = &Error{Code: "PERSISTENCE_FAILED", Message: "risk state persistence failed"}

	// Exchange errors
	ErrExchangeFailed  = &Error{Code: "EXCHANGE_FAILED", Message: "exchange request failed"}
	ErrExchangeTimeout = &Error{Code: "EXCHANGE_TIMEOUT", Message: "exchange request timeout"}

	// Enforcement errors
	ErrEnforcementFailed = &Error{Code: "ENFORCEMENT_FAILED", Message: "risk enforcement failed"}

	// Ingestion errors
	ErrStreamFailed = &Error{Code: "STREAM_FAILED", Message: "balance stream failed"}

	// Event errors
	ErrPublishFailed  = &Error{Code: "PUBLISH_FAILED", Message: "event publish failed"}
	ErrNotifierFailed = &Error{Code: "NOTIFIER_FAILED", Message: "notifier failed"}

	// Config errors
	ErrConfigInvalid = &Error{Code: "CONFIG_INVALID", Message: "configuration invalid"}
	ErrConfigMissing = &Error{Code: "CONFIG_MISSING", Message: "required configuration missing"}

	// API errors
	ErrUnauthorized = &Error{Code: "UNAUTHORIZED", Message: "missing or invalid API key"}
)
