package simpleaction

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned when a compare-and-swap finds the row in another state.
	// Callers must refetch and re-evaluate; the row was not modified.
	ErrConflict = errors.New("attempt status conflict")

	// ErrNotFound is returned when an attempt does not exist
	ErrNotFound = errors.New("attempt not found")

	// ErrDuplicateActiveAttempt is returned when expansion would create a second
	// unresolved attempt for the same workflow, action and related entity.
	ErrDuplicateActiveAttempt = errors.New("active attempt already exists")

	// ErrInactiveWorkflow is returned when expanding an inactive or paused workflow
	ErrInactiveWorkflow = errors.New("workflow is inactive or paused")

	// ErrWorkflowNotFound is returned when no definition matches a trigger
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrInvalidTrigger is returned for malformed trigger or status requests
	ErrInvalidTrigger = errors.New("invalid request")

	// ErrRetryBudgetExceeded is recorded when a retryable failure arrives after the
	// last allowed retry.
	ErrRetryBudgetExceeded = errors.New("retry budget exceeded")
)

// DispatchError describes a failed callback invocation
type DispatchError struct {
	Retryable  bool
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *DispatchError) Error() string {
	if e == nil {
		return ""
	}
	kind := "fatal"
	if e.Retryable {
		kind = "transient"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s dispatch error (status %d): %v", kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s dispatch error: %v", kind, e.Err)
}

func (e *DispatchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// TransientDispatchError marks err as retryable (network, timeout, 5xx, 429)
func TransientDispatchError(statusCode int, err error) error {
	if err == nil {
		err = errors.New("transient failure")
	}
	return &DispatchError{Retryable: true, StatusCode: statusCode, Err: err}
}

// FatalDispatchError marks err as terminal (4xx other than 429, malformed payload)
func FatalDispatchError(statusCode int, err error) error {
	if err == nil {
		err = errors.New("fatal failure")
	}
	return &DispatchError{Retryable: false, StatusCode: statusCode, Err: err}
}

// IsRetryable reports whether err should be retried per the backoff policy.
// Errors that are not a DispatchError are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return true
}
