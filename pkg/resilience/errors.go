package resilience

import (
	"context"
	"errors"
)

// Common resilience errors.
var (
	ErrCircuitOpen    = errors.New("circuit breaker is open")
	ErrRetryExhausted = errors.New("retry attempts exhausted")
	ErrTimeout        = errors.New("operation timed out")
)

// Outcome classifies the result of one attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTimeout
	OutcomeBackendError
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeBackendError:
		return "backend_error"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Retryable is implemented by errors that know whether another attempt can help.
type Retryable interface {
	Retryable() bool
}

// Classify maps an attempt error to an Outcome. parent is the caller's
// context: cancellation of parent is a cancel, while a deadline that fired
// only on the attempt context is a timeout.
func Classify(parent context.Context, err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if parent.Err() != nil {
		return OutcomeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return OutcomeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeCanceled
	}
	return OutcomeBackendError
}

// ShouldRetry reports whether an attempt that ended with outcome and err may
// be retried. Cancellation never is; errors that declare themselves
// non-retryable are respected.
func ShouldRetry(outcome Outcome, err error) bool {
	switch outcome {
	case OutcomeTimeout:
		return true
	case OutcomeBackendError:
		var r Retryable
		if errors.As(err, &r) {
			return r.Retryable()
		}
		return true
	default:
		return false
	}
}
