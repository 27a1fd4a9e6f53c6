package domain

import "errors"

var (
	// ErrUnknownTask is returned when enqueueing or resolving a task name
	// that was never registered.
	ErrUnknownTask = errors.New("unknown task")

	// ErrDuplicateTask is returned when registering a task name twice.
	ErrDuplicateTask = errors.New("task already registered")

	// ErrExhausted is returned by the broker when an invocation has used up
	// its attempt budget and will not be rescheduled.
	ErrExhausted = errors.New("max attempts exhausted")

	// ErrNotFound is returned when an invocation or result does not exist.
	ErrNotFound = errors.New("not found")

	// ErrBrokerUnavailable wraps storage failures reaching the queue. It is
	// surfaced synchronously to enqueue/dequeue callers, never swallowed.
	ErrBrokerUnavailable = errors.New("broker unavailable")
)

// PermanentError wraps a handler failure that must not be retried. The worker
// finalizes the invocation as failed instead of requeueing it.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
