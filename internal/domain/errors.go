package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInternal        = errors.New("internal error")

	// ErrAwaitingIndicators is the "waiting for round trip" signal: the
	// backtest pipeline published an indicator calculation request and must
	// not fail the job while the answer is outstanding.
	ErrAwaitingIndicators = errors.New("awaiting indicator calculation")

	// ErrCircuitOpen is surfaced by the breaker middleware while it refuses
	// calls. It is always wrapped retryable so the consumer re-delivers.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrProducerClosed is returned by a producer that has begun shutdown.
	ErrProducerClosed = errors.New("producer closed")
)

// RetryableError marks a transient failure (OLAP hiccup, lock timeout,
// network). The consumer retries the message with backoff before DLQ.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as retryable. Returns nil for nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether any error in the chain is a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// FatalError marks an unrecoverable failure (unknown indicator family, bad
// params, inconsistent state). The consumer dead-letters immediately.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as fatal. Returns nil for nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether any error in the chain is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// MaxRetriesExceededError is produced when a message exhausts its retry
// budget; it carries the last handler error into the DLQ record.
type MaxRetriesExceededError struct {
	Attempts int
	Last     error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("max retries exceeded after %d attempts: %v", e.Attempts, e.Last)
}
func (e *MaxRetriesExceededError) Unwrap() error { return e.Last }

// Producer-side failures.

// MessageSizeError maps a broker size-exceeded rejection.
type MessageSizeError struct {
	Topic string
	Bytes int
	Err   error
}

func (e *MessageSizeError) Error() string {
	return fmt.Sprintf("message of %d bytes rejected by topic %s: %v", e.Bytes, e.Topic, e.Err)
}
func (e *MessageSizeError) Unwrap() error { return e.Err }

// PublishTimeoutError maps a delivery deadline expiry.
type PublishTimeoutError struct {
	Topic   string
	Elapsed time.Duration
	Err     error
}

func (e *PublishTimeoutError) Error() string {
	return fmt.Sprintf("publish to %s timed out after %s: %v", e.Topic, e.Elapsed, e.Err)
}
func (e *PublishTimeoutError) Unwrap() error { return e.Err }

// PublisherError covers remaining transport-level produce failures.
type PublisherError struct {
	Topic string
	Err   error
}

func (e *PublisherError) Error() string {
	return fmt.Sprintf("publish to %s failed: %v", e.Topic, e.Err)
}
func (e *PublisherError) Unwrap() error { return e.Err }

// StageError is a backtest pipeline stage contract violation. It fails the
// job, not the message: the orchestrator records the job as FAILED and the
// offset commits normally.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return "stage " + e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// NewStageError builds a StageError from a formatted message.
func NewStageError(stage, format string, args ...any) *StageError {
	return &StageError{Stage: stage, Err: fmt.Errorf(format, args...)}
}

// IsStageError reports whether any error in the chain is a StageError.
func IsStageError(err error) bool {
	var se *StageError
	return errors.As(err, &se)
}
