// Package llmerrors classifies LLM provider errors so the execution engine can
// decide whether another attempt is worthwhile.
package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType categorises provider failures.
type ErrorType int8

const (
	// ErrorTypeRateLimit is a 429 or quota error.
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient is a 5xx, connection reset or provider-side timeout.
	ErrorTypeTransient
	// ErrorTypeEmptyResponse is a successful call with no content.
	ErrorTypeEmptyResponse
	// ErrorTypeAuth is a 401/403 or missing credential.
	ErrorTypeAuth
	// ErrorTypeBadPrompt is a malformed or rejected request.
	ErrorTypeBadPrompt
	// ErrorTypeUnknown is anything unclassified.
	ErrorTypeUnknown
	// ErrorTypeServiceUnavailable means the provider is not reachable at all.
	ErrorTypeServiceUnavailable
)

func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	case ErrorTypeServiceUnavailable:
		return "service_unavailable"
	default:
		return "invalid"
	}
}

// Error is a classified provider error.
type Error struct {
	Err        error     // Wrapped underlying error
	Message    string    // Human-readable error message
	Type       ErrorType // Classified error type
	StatusCode int       // HTTP status code if applicable
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("LLM error (%s): %s", e.Type, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("LLM error (%s): %v", e.Type, e.Err)
	}
	return fmt.Sprintf("LLM error (%s): status %d", e.Type, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether a later attempt can succeed. Auth and bad prompt
// errors fail the same way every time.
func (e *Error) Retryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt:
		return false
	default:
		return true
	}
}

// Is reports whether err is a classified error of the given type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf returns the classified type of err, or ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

// NewError creates a classified error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

// NewErrorWithCause creates a classified error wrapping cause.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// FromStatus classifies an HTTP status code.
func FromStatus(statusCode int, cause error) *Error {
	var t ErrorType
	switch {
	case statusCode == http.StatusTooManyRequests:
		t = ErrorTypeRateLimit
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		t = ErrorTypeAuth
	case statusCode == http.StatusBadRequest || statusCode == http.StatusRequestEntityTooLarge ||
		statusCode == http.StatusUnprocessableEntity:
		t = ErrorTypeBadPrompt
	case statusCode == http.StatusServiceUnavailable:
		t = ErrorTypeServiceUnavailable
	case statusCode >= 500:
		t = ErrorTypeTransient
	default:
		t = ErrorTypeUnknown
	}
	return &Error{Type: t, StatusCode: statusCode, Err: cause}
}

// Classify turns an arbitrary provider error into a classified one using its
// message. Context errors are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota"):
		return NewErrorWithCause(ErrorTypeRateLimit, err, "")
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "api key"):
		return NewErrorWithCause(ErrorTypeAuth, err, "")
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid request"):
		return NewErrorWithCause(ErrorTypeBadPrompt, err, "")
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host"):
		return NewErrorWithCause(ErrorTypeServiceUnavailable, err, "")
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") || strings.Contains(msg, "eof") || strings.Contains(msg, "reset"):
		return NewErrorWithCause(ErrorTypeTransient, err, "")
	default:
		return NewErrorWithCause(ErrorTypeUnknown, err, "")
	}
}
