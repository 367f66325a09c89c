package riptide

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/riptideq/riptide/riptide/job"
)

// ProgressFunc is the only channel a handler uses to report incremental
// status. Percent is clamped to 0-100 and must not decrease; a report
// against a job that was cancelled underneath the handler returns an
// InvalidTransitionError, which cooperative handlers treat as a stop
// signal.
type ProgressFunc func(percent int, message string) error

// HandlerFunc executes one job attempt. Returning a nil error completes
// the job with the returned result. A returned error is treated as
// transient and retried until max_retries is exhausted, unless wrapped
// with Permanent.
type HandlerFunc func(ctx context.Context, j *job.Job, report ProgressFunc) (json.RawMessage, error)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as unrecoverable so the job fails
// terminally without consuming retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
