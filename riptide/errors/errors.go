package errors

import (
	"errors"
	"fmt"
)

// ValidationError rejects bad input before any state change.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StoreUnavailableError surfaces an infrastructure failure of the durable
// store. No partial state is left behind by the failed operation.
type StoreUnavailableError struct {
	Operation string
	Err       error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store operation %s failed: %v", e.Operation, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

func IsStoreUnavailable(err error) bool {
	var sue *StoreUnavailableError
	return errors.As(err, &sue)
}

// InvalidTransitionError signals a state-machine edge that does not exist,
// such as a progress report against a cancelled job. The record is left
// untouched; callers treat it as a no-op.
type InvalidTransitionError struct {
	JobID string
	From  string
	To    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for job %s: %s -> %s", e.JobID, e.From, e.To)
}

func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// UnknownJobTypeError is fatal per-job: no handler is registered for the
// type, so the job goes straight to terminal failure.
type UnknownJobTypeError struct {
	JobType string
}

func (e *UnknownJobTypeError) Error() string {
	return fmt.Sprintf("unknown job type: %s", e.JobType)
}

func IsUnknownJobType(err error) bool {
	var ute *UnknownJobTypeError
	return errors.As(err, &ute)
}

// RetryExhaustedError wraps the last transient error once retry_count
// would exceed max_retries.
type RetryExhaustedError struct {
	JobID    string
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}

func IsRetryExhausted(err error) bool {
	var ree *RetryExhaustedError
	return errors.As(err, &ree)
}

// OwnershipError rejects a cancel request from a caller that does not own
// the job.
type OwnershipError struct {
	JobID  string
	UserID string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("job %s is not owned by user %s", e.JobID, e.UserID)
}

func IsOwnership(err error) bool {
	var oe *OwnershipError
	return errors.As(err, &oe)
}
