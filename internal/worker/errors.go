package worker

import "errors"

var (
	// ErrInvalidMessage is returned for a queue message that references no job
	ErrInvalidMessage = errors.New("invalid queue message")

	// ErrJobCancelled is the cause recorded when a running job is cancelled
	ErrJobCancelled = errors.New("job cancelled")

	// ErrNoExecutor is returned when no executor is registered for a job type
	ErrNoExecutor = errors.New("no executor registered")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
