package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/riptideq/riptide/riptide/job"
)

// Store is the durable-store contract the queue coordinates through. All
// conditional transitions are atomic on the store side; two workers can
// never claim the same job and a terminal record is never mutated.
//
// Reads of missing records return (nil, nil): a record that expired is
// "unknown", not an error.
type Store interface {
	// CreateJob persists the record with the record TTL, appends the id
	// to the tail of its priority lane, and prepends it to the owner's
	// job index (refreshing the index TTL) in one atomic operation.
	CreateJob(ctx context.Context, j *job.Job) error

	GetJob(ctx context.Context, jobID string) (*job.Job, error)

	// UserJobs returns up to limit records for the user, most recent
	// first. Index entries whose record has expired are filtered out.
	UserJobs(ctx context.Context, userID string, limit int) ([]*job.Job, error)

	// PopLane blocks up to timeout for the next job id, draining lanes
	// priority-first and FIFO within a lane. Returns "" when nothing
	// became available.
	PopLane(ctx context.Context, timeout time.Duration) (string, error)

	// Claim conditionally moves a pending job to started and stamps
	// started_at. Returns nil when the job is gone or no longer pending
	// (cancelled between pop and claim).
	Claim(ctx context.Context, jobID string, at time.Time) (*job.Job, error)

	// SetProgress applies a worker progress report. Progress is
	// monotonically non-decreasing; a decrease or a report against a
	// non-active job is an InvalidTransitionError.
	SetProgress(ctx context.Context, jobID string, percent int, message string) error

	// Complete moves an active job to success, setting the result and
	// completed_at exactly once.
	Complete(ctx context.Context, jobID string, result json.RawMessage) (*job.Job, error)

	// Fail moves an active job to terminal failure.
	Fail(ctx context.Context, jobID string, errMsg string) (*job.Job, error)

	// Requeue applies a transient failure: retry_count is incremented,
	// the error preserved, and the job re-admitted to the tail of its
	// original lane as pending.
	Requeue(ctx context.Context, jobID string, errMsg string) (*job.Job, error)

	// ScheduleRetry is Requeue with backoff: the job becomes pending but
	// waits in the retry set until due.
	ScheduleRetry(ctx context.Context, jobID string, errMsg string, at time.Time) (*job.Job, error)

	// ReadmitDueRetries moves retry-set entries due at now back into
	// their lanes, up to limit, and returns how many moved.
	ReadmitDueRetries(ctx context.Context, now time.Time, limit int) (int, error)

	// Cancel moves a non-terminal job to cancelled, removing any lane or
	// retry-set entry so it is never dispatched. Returns false when the
	// job is already terminal or missing.
	Cancel(ctx context.Context, jobID string, at time.Time) (bool, error)

	LaneStats(ctx context.Context) (*Stats, error)

	Close() error
	IsHealthy(ctx context.Context) bool
}

// Stats is a point-in-time snapshot of queue depth.
type Stats struct {
	Lanes        map[job.Priority]int64 `json:"lanes"`
	PendingRetry int64                  `json:"pending_retry"`
}
