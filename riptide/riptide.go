package riptide

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/riptideq/riptide/riptide/config"
	"github.com/riptideq/riptide/riptide/errors"
	"github.com/riptideq/riptide/riptide/events"
	"github.com/riptideq/riptide/riptide/job"
	"github.com/riptideq/riptide/riptide/metrics"
	"github.com/riptideq/riptide/riptide/store"
)

// Archiver receives terminal job records for retention beyond the
// store's record TTL.
type Archiver interface {
	Archive(ctx context.Context, j *job.Job) error
}

// Queue is the job queue service object. Construct one per process and
// hand it to API callers and worker processes alike; there is no
// process-wide singleton.
type Queue struct {
	config    *config.Config
	store     store.Store
	logger    *zap.Logger
	publisher events.Publisher
	archiver  Archiver

	handlers map[string]HandlerFunc
	mu       sync.RWMutex

	sem      *semaphore.Weighted
	cron     *cron.Cron
	cronOnce sync.Once

	workerWG       sync.WaitGroup
	shutdownWG     sync.WaitGroup
	shutdownOnce   sync.Once
	isShuttingDown atomic.Bool
	activeWorkers  atomic.Int64
}

type Option func(*Queue)

// WithPublisher attaches a lifecycle event sink. Publishing is
// fire-and-forget; a failed publish never fails the queue operation.
func WithPublisher(p events.Publisher) Option {
	return func(q *Queue) { q.publisher = p }
}

// WithArchiver copies terminal records to long-term storage.
func WithArchiver(a Archiver) Option {
	return func(q *Queue) { q.archiver = a }
}

func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Queue, error) {
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := cfg.CreateStore(ctx)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		config:   cfg,
		store:    st,
		logger:   cfg.Logger,
		handlers: make(map[string]HandlerFunc),
		sem:      semaphore.NewWeighted(int64(cfg.MaxWorkers)),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

func (q *Queue) Store() store.Store {
	return q.store
}

func (q *Queue) Close() error {
	if q.cron != nil {
		q.cron.Stop()
	}
	return q.store.Close()
}

// Shutdown waits for in-flight handlers to finish, up to the configured
// shutdown timeout.
func (q *Queue) Shutdown(ctx context.Context) error {
	var shutdownErr error
	q.shutdownOnce.Do(func() {
		q.isShuttingDown.Store(true)

		done := make(chan struct{})
		go func() {
			q.workerWG.Wait()
			close(done)
		}()

		select {
		case <-done:
			q.logger.Info("all workers finished gracefully")
		case <-time.After(q.config.ShutdownTimeout):
			active := q.activeWorkers.Load()
			shutdownErr = fmt.Errorf("shutdown timeout after %v: %d workers still active", q.config.ShutdownTimeout, active)
			q.logger.Warn("shutdown timeout", zap.Int64("active_workers", active))
		case <-ctx.Done():
			shutdownErr = fmt.Errorf("shutdown cancelled: %w", ctx.Err())
		}
	})
	return shutdownErr
}

// JobOption adjusts a job record at admission time.
type JobOption func(*job.Job)

func WithPriority(p job.Priority) JobOption {
	return func(j *job.Job) { j.Priority = p }
}

func WithUser(userID string) JobOption {
	return func(j *job.Job) { j.UserID = userID }
}

func WithMaxRetries(n int) JobOption {
	return func(j *job.Job) { j.MaxRetries = n }
}

// WithTimeout bounds a single execution attempt of the job.
func WithTimeout(d time.Duration) JobOption {
	return func(j *job.Job) { j.Timeout = int(d.Seconds()) }
}

// CreateJob admits a unit of work: it persists the pending record,
// appends it to the tail of its priority lane, and indexes it for the
// owner, all atomically. The call returns the job id immediately and
// never blocks on execution; a store failure creates no job at all.
func (q *Queue) CreateJob(ctx context.Context, jobType string, parameters interface{}, opts ...JobOption) (string, error) {
	var raw json.RawMessage
	if parameters != nil {
		data, err := json.Marshal(parameters)
		if err != nil {
			return "", &errors.ValidationError{
				Field:   "parameters",
				Message: fmt.Sprintf("failed to marshal: %v", err),
			}
		}
		raw = data
	}

	j := &job.Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Priority:   job.PriorityNormal,
		Status:     job.StatusPending,
		Parameters: raw,
		MaxRetries: q.config.MaxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(j)
	}

	if err := j.Validate(); err != nil {
		return "", err
	}

	if err := q.store.CreateJob(ctx, j); err != nil {
		return "", err
	}

	metrics.JobsCreated.WithLabelValues(j.Type, j.Priority.String()).Inc()
	q.publish(ctx, j, job.StatusPending, 0, "")
	q.logger.Info("created job",
		zap.String("job_id", j.ID),
		zap.String("job_type", j.Type),
		zap.String("priority", j.Priority.String()),
	)
	return j.ID, nil
}

// GetJob returns the last known consistent record, or nil when the id is
// unknown or the record has expired.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	return q.store.GetJob(ctx, jobID)
}

// GetUserJobs returns up to limit of the user's jobs, most recent first.
// Index entries whose record has expired are silently skipped.
func (q *Queue) GetUserJobs(ctx context.Context, userID string, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return q.store.UserJobs(ctx, userID, limit)
}

// CancelJob cooperatively cancels a non-terminal job. A pending job is
// pulled out of its lane so it is never dispatched; a running job keeps
// executing but all of its further reports are rejected. Returns false,
// without error, when the job is already terminal or unknown.
func (q *Queue) CancelJob(ctx context.Context, jobID, requestingUserID string) (bool, error) {
	j, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}

	if requestingUserID != "" && j.UserID != "" && j.UserID != requestingUserID {
		return false, &errors.OwnershipError{JobID: jobID, UserID: requestingUserID}
	}

	ok, err := q.store.Cancel(ctx, jobID, time.Now())
	if err != nil || !ok {
		return false, err
	}

	metrics.JobsCompleted.WithLabelValues(j.Type, string(job.StatusCancelled)).Inc()
	q.publish(ctx, j, job.StatusCancelled, 0, "")
	if cancelled, gerr := q.store.GetJob(ctx, jobID); gerr == nil && cancelled != nil {
		q.archive(ctx, cancelled)
	}
	q.logger.Info("cancelled job", zap.String("job_id", jobID))
	return true, nil
}

// Handle registers the execution contract for a job type. Admission does
// not require a handler to exist; dispatch of a type with no handler is
// a terminal failure.
func (q *Queue) Handle(jobType string, handler HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = handler
}

func (q *Queue) RegisteredHandlers() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()

	types := make([]string, 0, len(q.handlers))
	for t := range q.handlers {
		types = append(types, t)
	}
	return types
}

func (q *Queue) Stats(ctx context.Context) (*store.Stats, error) {
	return q.store.LaneStats(ctx)
}

func (q *Queue) publish(ctx context.Context, j *job.Job, status job.Status, progress int, message string) {
	if q.publisher == nil {
		return
	}
	ev := events.Event{
		JobID:    j.ID,
		JobType:  j.Type,
		Status:   status,
		UserID:   j.UserID,
		Progress: progress,
		Message:  message,
		At:       time.Now().UTC(),
	}
	if err := q.publisher.Publish(ctx, ev); err != nil {
		q.logger.Warn("failed to publish lifecycle event",
			zap.String("job_id", j.ID), zap.Error(err))
	}
}

func (q *Queue) archive(ctx context.Context, j *job.Job) {
	if q.archiver == nil || j == nil {
		return
	}
	if err := q.archiver.Archive(ctx, j); err != nil {
		q.logger.Warn("failed to archive job",
			zap.String("job_id", j.ID), zap.Error(err))
	}
}
