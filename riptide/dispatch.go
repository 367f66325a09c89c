package riptide

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/riptideq/riptide/riptide/errors"
	"github.com/riptideq/riptide/riptide/job"
	"github.com/riptideq/riptide/riptide/metrics"
)

// Consume runs the dispatch loop until ctx is cancelled: pop the
// highest-priority pending job, claim it, and execute its handler under
// the worker limit. Also runs the retry re-admission loop.
func (q *Queue) Consume(ctx context.Context) error {
	q.shutdownWG.Add(1)
	go func() {
		defer q.shutdownWG.Done()
		q.runRetryLoop(ctx)
	}()

	err := wait.PollUntilContextCancel(
		ctx,
		q.config.PollInterval,
		true,
		func(ctx context.Context) (bool, error) {
			return q.consume(ctx)
		},
	)

	q.shutdownWG.Wait()

	return err
}

func (q *Queue) consume(ctx context.Context) (bool, error) {
	if q.isShuttingDown.Load() {
		return true, nil
	}

	// Capacity is reserved before the pop so a job is never pulled out
	// of its lane without a worker to run it.
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return true, err
	}

	jobID, err := q.store.PopLane(ctx, q.config.PopTimeout)
	if err != nil {
		q.sem.Release(1)
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		q.logger.Warn("error popping job from lane", zap.Error(err))
		return false, nil
	}
	if jobID == "" {
		q.sem.Release(1)
		return false, nil
	}

	claimed, err := q.store.Claim(ctx, jobID, time.Now())
	if err != nil {
		q.sem.Release(1)
		q.logger.Warn("error claiming job", zap.String("job_id", jobID), zap.Error(err))
		return false, nil
	}
	if claimed == nil {
		// Cancelled or expired between pop and claim; never execute it.
		q.sem.Release(1)
		return false, nil
	}

	q.publish(ctx, claimed, job.StatusStarted, 0, "")

	q.workerWG.Add(1)
	q.activeWorkers.Add(1)
	go func() {
		defer func() {
			q.activeWorkers.Add(-1)
			q.sem.Release(1)
			q.workerWG.Done()
		}()
		q.runJob(ctx, claimed)
	}()

	return false, nil
}

type handlerResult struct {
	result json.RawMessage
	err    error
}

func (q *Queue) runJob(ctx context.Context, j *job.Job) {
	q.mu.RLock()
	handler, exists := q.handlers[j.Type]
	q.mu.RUnlock()

	if !exists {
		ute := &errors.UnknownJobTypeError{JobType: j.Type}
		q.logger.Warn("no handler registered", zap.String("job_id", j.ID), zap.String("job_type", j.Type))
		q.finalizeFailure(ctx, j, ute.Error())
		return
	}

	timeout := time.Duration(j.Timeout) * time.Second
	if timeout == 0 {
		timeout = q.config.DefaultJobTimeout
	}

	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	report := func(percent int, message string) error {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		if err := q.store.SetProgress(jobCtx, j.ID, percent, message); err != nil {
			return err
		}
		q.publish(jobCtx, j, job.StatusProgress, percent, message)
		return nil
	}

	started := time.Now()
	resChan := make(chan handlerResult, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				q.logger.Error("panic in handler", zap.String("job_id", j.ID), zap.Any("panic", r))
				resChan <- handlerResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		result, err := handler(jobCtx, j.Clone(), report)
		resChan <- handlerResult{result: result, err: err}
	}()

	select {
	case r := <-resChan:
		q.settle(ctx, j, r.result, r.err, started)
	case <-jobCtx.Done():
		<-done

		settleCtx, settleCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer settleCancel()

		// The handler may have finished just as the deadline fired. A
		// success sitting in resChan still counts.
		select {
		case r := <-resChan:
			if r.err == nil {
				q.settle(settleCtx, j, r.result, nil, started)
				return
			}
		default:
		}

		if jobCtx.Err() == context.DeadlineExceeded {
			q.settleTransient(settleCtx, j, fmt.Errorf("job timeout after %v", timeout))
			return
		}
		q.settleTransient(settleCtx, j, fmt.Errorf("job interrupted: %v", jobCtx.Err()))
	}
}

func (q *Queue) settle(ctx context.Context, j *job.Job, result json.RawMessage, err error, started time.Time) {
	metrics.JobDuration.WithLabelValues(j.Type).Observe(time.Since(started).Seconds())

	if err == nil {
		updated, serr := q.store.Complete(ctx, j.ID, result)
		if serr != nil {
			q.logDroppedTransition(j, job.StatusSuccess, serr)
			return
		}
		metrics.JobsCompleted.WithLabelValues(j.Type, string(job.StatusSuccess)).Inc()
		q.publish(ctx, j, job.StatusSuccess, 100, "")
		q.archive(ctx, updated)
		q.logger.Info("job succeeded", zap.String("job_id", j.ID))
		return
	}

	if IsPermanent(err) {
		q.finalizeFailure(ctx, j, err.Error())
		return
	}
	q.settleTransient(ctx, j, err)
}

// settleTransient decides between re-admission and retry exhaustion.
// The claimed snapshot's retry_count is authoritative here: only the
// executing worker advances it.
func (q *Queue) settleTransient(ctx context.Context, j *job.Job, cause error) {
	if j.RetryCount >= j.MaxRetries {
		ree := &errors.RetryExhaustedError{JobID: j.ID, Attempts: j.RetryCount + 1, LastErr: cause}
		q.finalizeFailure(ctx, j, ree.Error())
		return
	}

	backoff := q.config.BackoffFor(j.RetryCount + 1)

	var err error
	if backoff <= 0 {
		_, err = q.store.Requeue(ctx, j.ID, cause.Error())
	} else {
		_, err = q.store.ScheduleRetry(ctx, j.ID, cause.Error(), time.Now().Add(backoff))
	}
	if err != nil {
		q.logDroppedTransition(j, job.StatusRetry, err)
		return
	}

	metrics.JobsRetried.WithLabelValues(j.Type).Inc()
	q.publish(ctx, j, job.StatusRetry, 0, cause.Error())
	q.logger.Info("job re-admitted for retry",
		zap.String("job_id", j.ID),
		zap.Int("attempt", j.RetryCount+1),
		zap.Duration("backoff", backoff),
	)
}

func (q *Queue) finalizeFailure(ctx context.Context, j *job.Job, msg string) {
	updated, err := q.store.Fail(ctx, j.ID, msg)
	if err != nil {
		q.logDroppedTransition(j, job.StatusFailure, err)
		return
	}
	metrics.JobsCompleted.WithLabelValues(j.Type, string(job.StatusFailure)).Inc()
	q.publish(ctx, j, job.StatusFailure, 0, msg)
	q.archive(ctx, updated)
	q.logger.Warn("job failed", zap.String("job_id", j.ID), zap.String("error", msg))
}

// A write rejected with InvalidTransition means someone else reached a
// terminal state first, almost always a cancel. That is the intended
// last-writer-does-not-win behavior, so it logs quietly.
func (q *Queue) logDroppedTransition(j *job.Job, to job.Status, err error) {
	if errors.IsInvalidTransition(err) {
		q.logger.Debug("transition dropped",
			zap.String("job_id", j.ID), zap.String("to", string(to)), zap.Error(err))
		return
	}
	q.logger.Warn("failed to record transition",
		zap.String("job_id", j.ID), zap.String("to", string(to)), zap.Error(err))
}
