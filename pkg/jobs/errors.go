package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrNotActive        = errors.New("job is not active")
	ErrJobDeleted       = errors.New("job was deleted")
	ErrAlreadyRunning   = errors.New("previous firing still running")
	ErrSchedulerStopped = errors.New("scheduler stopped")
	ErrUnknownAction    = errors.New("unknown local action")
	ErrLeaseHeld        = errors.New("scheduler lease held by another process")
)

// ExecutionError is a failed firing. It is logged, never retried.
type ExecutionError struct {
	JobID   int64
	JobName string
	Target  string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job %d (%s) failed calling %s: %v", e.JobID, e.JobName, e.Target, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// HTTPStatusError is a non-2xx answer from an HTTP target
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("target answered with status %d", e.StatusCode)
}
