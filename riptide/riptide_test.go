package riptide_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riptideq/riptide/riptide"
	"github.com/riptideq/riptide/riptide/config"
	"github.com/riptideq/riptide/riptide/driver"
	"github.com/riptideq/riptide/riptide/errors"
	"github.com/riptideq/riptide/riptide/events"
	"github.com/riptideq/riptide/riptide/job"
	"github.com/riptideq/riptide/riptide/store"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func newTestQueue(t *testing.T, mutate func(*config.Config), opts ...riptide.Option) *riptide.Queue {
	t.Helper()

	cfg := &config.Config{
		Driver:            driver.DriverMemory,
		MaxWorkers:        1,
		PollInterval:      5 * time.Millisecond,
		PopTimeout:        20 * time.Millisecond,
		RetryPollInterval: 10 * time.Millisecond,
		DefaultJobTimeout: 10 * time.Second,
		ShutdownTimeout:   3 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}

	q, err := riptide.New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func startConsumer(t *testing.T, q *riptide.Queue) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Consume(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Error("consumer did not stop")
		}
	})
}

func waitForStatus(t *testing.T, q *riptide.Queue, jobID string, want job.Status) *job.Job {
	t.Helper()

	var latest *job.Job
	require.Eventually(t, func() bool {
		j, err := q.GetJob(context.Background(), jobID)
		if err != nil || j == nil {
			return false
		}
		latest = j
		return j.Status == want
	}, waitFor, tick, "job %s never reached status %s (last: %+v)", jobID, want, latest)
	return latest
}

// recordingPublisher captures lifecycle events for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) statuses(jobID string) []job.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []job.Status
	for _, ev := range p.events {
		if ev.JobID == jobID {
			out = append(out, ev.Status)
		}
	}
	return out
}

func TestCreateAndGetJob(t *testing.T) {
	q := newTestQueue(t, nil)

	id, err := q.CreateJob(context.Background(), "scrape",
		map[string]string{"url": "https://example.com/in/someone"},
		riptide.WithPriority(job.PriorityUrgent),
		riptide.WithUser("u-1"),
	)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	j, err := q.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, j)
	require.Equal(t, "scrape", j.Type)
	require.Equal(t, job.PriorityUrgent, j.Priority)
	require.Equal(t, job.StatusPending, j.Status)
	require.Equal(t, "u-1", j.UserID)
	require.Equal(t, 0, j.Progress)
	require.Equal(t, 0, j.RetryCount)
	require.Nil(t, j.StartedAt)
	require.Nil(t, j.CompletedAt)
	require.JSONEq(t, `{"url":"https://example.com/in/someone"}`, string(j.Parameters))
}

func TestCreateJobValidation(t *testing.T) {
	q := newTestQueue(t, nil)

	_, err := q.CreateJob(context.Background(), "", nil)
	require.True(t, errors.IsValidation(err))

	_, err = q.CreateJob(context.Background(), "scrape", nil, riptide.WithPriority(7))
	require.True(t, errors.IsValidation(err))

	_, err = q.CreateJob(context.Background(), "scrape", nil, riptide.WithMaxRetries(-1))
	require.True(t, errors.IsValidation(err))

	_, err = q.CreateJob(context.Background(), "scrape", func() {})
	require.True(t, errors.IsValidation(err))
}

func TestGetJobUnknownID(t *testing.T) {
	q := newTestQueue(t, nil)

	j, err := q.GetJob(context.Background(), "no-such-id")
	require.NoError(t, err)
	require.Nil(t, j)
}

func TestSuccessfulExecution(t *testing.T) {
	pub := &recordingPublisher{}
	q := newTestQueue(t, nil, riptide.WithPublisher(pub))

	q.Handle("scrape", func(ctx context.Context, j *job.Job, report riptide.ProgressFunc) (json.RawMessage, error) {
		require.NoError(t, report(25, "fetching"))
		require.NoError(t, report(80, "parsing"))
		return json.RawMessage(`{"ok":true}`), nil
	})

	id, err := q.CreateJob(context.Background(), "scrape",
		map[string]string{"url": "https://example.com"},
		riptide.WithPriority(job.PriorityUrgent),
	)
	require.NoError(t, err)

	startConsumer(t, q)

	j := waitForStatus(t, q, id, job.StatusSuccess)
	require.Equal(t, 100, j.Progress)
	require.JSONEq(t, `{"ok":true}`, string(j.Result))
	require.Empty(t, j.ErrorMessage)
	require.NotNil(t, j.StartedAt)
	require.NotNil(t, j.CompletedAt)
	require.Equal(t, 0, j.RetryCount)

	statuses := pub.statuses(id)
	require.Equal(t, []job.Status{
		job.StatusPending, job.StatusStarted,
		job.StatusProgress, job.StatusProgress,
		job.StatusSuccess,
	}, statuses)
}

func TestFIFOWithinLane(t *testing.T) {
	q := newTestQueue(t, nil)

	var mu sync.Mutex
	var order []string
	q.Handle("noop", func(ctx context.Context, j *job.Job, report riptide.ProgressFunc) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, j.ID)
		mu.Unlock()
		return nil, nil
	})

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := q.CreateJob(context.Background(), "noop", nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	startConsumer(t, q)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == len(ids)
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, ids, order, "same-priority jobs must run in admission order")
}

func TestPriorityLanesDrainHighestFirst(t *testing.T) {
	q := newTestQueue(t, nil)

	var mu sync.Mutex
	var order []job.Priority
	q.Handle("noop", func(ctx context.Context, j *job.Job, report riptide.ProgressFunc) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, j.Priority)
		mu.Unlock()
		return nil, nil
	})

	// Admitted lowest first so FIFO alone cannot explain the outcome.
	for _, p := range []job.Priority{job.PriorityLow, job.PriorityNormal, job.PriorityHigh, job.PriorityUrgent} {
		_, err := q.CreateJob(context.Background(), "noop", nil, riptide.WithPriority(p))
		require.NoError(t, err)
	}

	startConsumer(t, q)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []job.Priority{
		job.PriorityUrgent, job.PriorityHigh, job.PriorityNormal, job.PriorityLow,
	}, order)
}

func TestRetryExhaustion(t *testing.T) {
	q := newTestQueue(t, nil)

	var attempts atomic.Int64
	q.Handle("flaky", func(ctx context.Context, j *job.Job, report riptide.ProgressFunc) (json.RawMessage, error) {
		attempts.Add(1)
		return nil, fmt.Errorf("connection reset")
	})

	id, err := q.CreateJob(context.Background(), "flaky", nil, riptide.WithMaxRetries(2))
	require.NoError(t, err)

	startConsumer(t, q)

	j := waitForStatus(t, q, id, job.StatusFailure)
	require.EqualValues(t, 3, attempts.Load(), "max_retries=2 allows three attempts in total")
	require.Equal(t, 2, j.RetryCount)
	require.Contains(t, j.ErrorMessage, "retries exhausted after 3 attempts")
	require.Contains(t, j.ErrorMessage, "connection reset")
	require.NotNil(t, j.CompletedAt)
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	q := newTestQueue(t, nil)

	var attempts atomic.Int64
	q.Handle("flaky", func(ctx context.Context, j *job.Job, report riptide.ProgressFunc) (json.RawMessage, error) {
		if attempts.Add(1) == 1 {
			return nil, fmt.Errorf("temporary outage")
		}
		return json.RawMessage(`{"recovered":true}`), nil
	})

	id, err := q.CreateJob(context.Background(), "flaky", nil, riptide.WithMaxRetries(2))
	require.NoError(t, err)

	startConsumer(t, q)

	j := waitForStatus(t, q, id, job.StatusSuccess)
	require.EqualValues(t, 2, attempts.Load())
	require.Equal(t, 1, j.RetryCount)
	require.JSONEq(t, `{"recovered":true}`, string(j.Result))
}

func TestRetryBackoffDelaysReadmission(t *testing.T) {
	q := newTestQueue(t, func(cfg *config.Config) {
		cfg.RetryBackoffBase = 50 * time.Millisecond
	})

	var attemptTimes sync.Map
	var attempts atomic.Int64
	q.Handle("flaky", func(ctx context.Context, j *job.Job, report riptide.ProgressFunc) (json.RawMessage, error) {
		n := attempts.Add(1)
		attemptTimes.Store(n, time.Now())
		if n == 1 {
			return nil, fmt.Errorf("backoff me")
		}
		return nil, nil
	})

	id, err := q.CreateJob(context.Background(), "flaky", nil, riptide.WithMaxRetries(1))
	require.NoError(t, err)

	startConsumer(t, q)

	j := waitForStatus(t, q, id, job.StatusSuccess)
	require.Equal(t, 1, j.RetryCount)

	first, ok := attemptTimes.Load(int64(1))
	require.True(t, ok)
	second, ok := attemptTimes.Load(int64(2))
	require.True(t, ok)
	gap := second.(time.Time).Sub(first.(time.Time))
	require.GreaterOrEqual(t, gap, 50*time.Millisecond, "second attempt must wait out the backoff")
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	q := newTestQueue(t, nil)

	var attempts atomic.Int64
	q.Handle("doomed", func(ctx context.Context, j *job.Job, report riptide.ProgressFunc) (json.RawMessage, error) {
		attempts.Add(1)
		return nil, riptide.Permanent(fmt.Errorf("bad parameters"))
	})

	id, err := q.CreateJob(context.Background(), "doomed", nil, riptide.WithMaxRetries(5))
	require.NoError(t, err)

	startConsumer(t, q)

	j := waitForStatus(t, q, id, job.StatusFailure)
	require.EqualValues(t, 1, attempts.Load())
	require.Equal(t, 0, j.RetryCount)
	require.Contains(t, j.ErrorMessage, "bad parameters")
}

func TestUnknownJobTypeFailsTerminally(t *testing.T) {
	q := newTestQueue(t, nil)

	id, err := q.CreateJob(context.Background(), "mystery", nil, riptide.WithMaxRetries(3))
	require.NoError(t, err)

	startConsumer(t, q)

	j := waitForStatus(t, q, id, job.StatusFailure)
	require.Equal(t, 0, j.RetryCount, "unknown job type is not retried")
	require.Contains(t, j.ErrorMessage, "mystery")
}

func TestHandlerPanicIsAFailure(t *testing.T) {
	q := newTestQueue(t, nil)

	q.Handle("bomb", func(ctx context.Context, j *job.Job, report riptide.ProgressFunc) (json.RawMessage, error) {
		panic("kaboom")
	})

	id, err := q.CreateJob(context.Background(), "bomb", nil, riptide.WithMaxRetries(0))
	require.NoError(t, err)

	startConsumer(t, q)

	j := waitForStatus(t, q, id, job.StatusFailure)
	require.Contains(t, j.ErrorMessage, "kaboom")
}

func TestProgressNeverDecreases(t *testing.T) {
	q := newTestQueue(t, nil)

	reportErrs := make(chan error, 3)
	q.Handle("stepper", func(ctx context.Context, j *job.Job, report riptide.ProgressFunc) (json.RawMessage, error) {
		reportErrs <- report(10, "step one")
		reportErrs <- report(60, "step two")
		reportErrs <- report(30, "going backwards")
		return nil, nil
	})

	id, err := q.CreateJob(context.Background(), "stepper", nil)
	require.NoError(t, err)

	startConsumer(t, q)

	waitForStatus(t, q, id, job.StatusSuccess)

	require.NoError(t, <-reportErrs)
	require.NoError(t, <-reportErrs)
	err = <-reportErrs
	require.Error(t, err, "a decreasing report must be rejected")
	require.True(t, errors.IsInvalidTransition(err))
}

func TestCancelPendingJobNeverRuns(t *testing.T) {
	q := newTestQueue(t, nil)

	var ran atomic.Bool
	q.Handle("noop", func(ctx context.Context, j *job.Job, report riptide.ProgressFunc) (json.RawMessage, error) {
		ran.Store(true)
		return nil, nil
	})

	id, err := q.CreateJob(context.Background(), "noop", nil)
	require.NoError(t, err)

	ok, err := q.CancelJob(context.Background(), id, "")
	require.NoError(t, err)
	require.True(t, ok)

	startConsumer(t, q)

	time.Sleep(150 * time.Millisecond)
	require.False(t, ran.Load(), "a cancelled pending job must not be dispatched")

	j, err := q.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, job.StatusCancelled, j.Status)
	require.NotNil(t, j.CompletedAt)
}

func TestCancelIsIdempotent(t *testing.T) {
	q := newTestQueue(t, nil)

	id, err := q.CreateJob(context.Background(), "noop", nil)
	require.NoError(t, err)

	ok, err := q.CancelJob(context.Background(), id, "")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.CancelJob(context.Background(), id, "")
	require.NoError(t, err)
	require.False(t, ok, "cancelling an already-cancelled job reports false")

	ok, err = q.CancelJob(context.Background(), "no-such-id", "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCancelRunningJobIsCooperative(t *testing.T) {
	q := newTestQueue(t, nil)

	running := make(chan struct{})
	release := make(chan struct{})
	q.Handle("long", func(ctx context.Context, j *job.Job, report riptide.ProgressFunc) (json.RawMessage, error) {
		require.NoError(t, report(10, "started"))
		close(running)
		<-release
		// Further reports are rejected once the record is cancelled; a
		// well-behaved handler treats that as the stop signal.
		err := report(60, "still going")
		require.Error(t, err)
		require.True(t, errors.IsInvalidTransition(err))
		return json.RawMessage(`{"ignored":true}`), nil
	})

	id, err := q.CreateJob(context.Background(), "long", nil)
	require.NoError(t, err)

	startConsumer(t, q)
	<-running

	ok, err := q.CancelJob(context.Background(), id, "")
	require.NoError(t, err)
	require.True(t, ok)
	close(release)

	j := waitForStatus(t, q, id, job.StatusCancelled)
	require.Equal(t, 10, j.Progress, "progress freezes at the last accepted report")
	require.Empty(t, j.Result, "the late success result is dropped")
}

func TestCancelOwnershipEnforced(t *testing.T) {
	q := newTestQueue(t, nil)

	id, err := q.CreateJob(context.Background(), "noop", nil, riptide.WithUser("owner"))
	require.NoError(t, err)

	ok, err := q.CancelJob(context.Background(), id, "intruder")
	require.False(t, ok)
	require.True(t, errors.IsOwnership(err))

	// The owner, and callers with no user context, may cancel.
	ok, err = q.CancelJob(context.Background(), id, "owner")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestGetUserJobs(t *testing.T) {
	q := newTestQueue(t, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.CreateJob(context.Background(), "noop", nil, riptide.WithUser("u-1"))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err := q.CreateJob(context.Background(), "noop", nil, riptide.WithUser("u-2"))
	require.NoError(t, err)

	jobs, err := q.GetUserJobs(context.Background(), "u-1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	// Most recent first.
	require.Equal(t, ids[2], jobs[0].ID)
	require.Equal(t, ids[1], jobs[1].ID)
	require.Equal(t, ids[0], jobs[2].ID)

	jobs, err = q.GetUserJobs(context.Background(), "u-1", 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	jobs, err = q.GetUserJobs(context.Background(), "nobody", 10)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestGetUserJobsSkipsExpiredRecords(t *testing.T) {
	q := newTestQueue(t, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.CreateJob(context.Background(), "noop", nil, riptide.WithUser("u-1"))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	mem, ok := q.Store().(*store.MemoryStore)
	require.True(t, ok)
	mem.ExpireJob(ids[1])

	jobs, err := q.GetUserJobs(context.Background(), "u-1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2, "dangling index entries are skipped, not errors")
	require.Equal(t, ids[2], jobs[0].ID)
	require.Equal(t, ids[0], jobs[1].ID)
}

func TestJobTimeoutIsTransient(t *testing.T) {
	q := newTestQueue(t, nil)

	q.Handle("sleeper", func(ctx context.Context, j *job.Job, report riptide.ProgressFunc) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, err := q.CreateJob(context.Background(), "sleeper", nil,
		riptide.WithMaxRetries(0),
		riptide.WithTimeout(time.Second),
	)
	require.NoError(t, err)

	startConsumer(t, q)

	j := waitForStatus(t, q, id, job.StatusFailure)
	require.Contains(t, j.ErrorMessage, "retries exhausted")
}

func TestSuccessAtDeadlineIsKept(t *testing.T) {
	q := newTestQueue(t, nil)

	// The handler produces a genuine result in the same instant the
	// per-job deadline fires; the success must win over the timeout.
	q.Handle("photo-finish", func(ctx context.Context, j *job.Job, report riptide.ProgressFunc) (json.RawMessage, error) {
		<-ctx.Done()
		return json.RawMessage(`{"made":"it"}`), nil
	})

	id, err := q.CreateJob(context.Background(), "photo-finish", nil,
		riptide.WithMaxRetries(0),
		riptide.WithTimeout(time.Second),
	)
	require.NoError(t, err)

	startConsumer(t, q)

	j := waitForStatus(t, q, id, job.StatusSuccess)
	require.JSONEq(t, `{"made":"it"}`, string(j.Result))
	require.Equal(t, 0, j.RetryCount)
}

func TestStats(t *testing.T) {
	q := newTestQueue(t, nil)

	for i := 0; i < 2; i++ {
		_, err := q.CreateJob(context.Background(), "noop", nil, riptide.WithPriority(job.PriorityHigh))
		require.NoError(t, err)
	}
	_, err := q.CreateJob(context.Background(), "noop", nil)
	require.NoError(t, err)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Lanes[job.PriorityHigh])
	require.EqualValues(t, 1, stats.Lanes[job.PriorityNormal])
	require.EqualValues(t, 0, stats.Lanes[job.PriorityUrgent])
	require.EqualValues(t, 0, stats.PendingRetry)
}

func TestRegisteredHandlers(t *testing.T) {
	q := newTestQueue(t, nil)
	q.Handle("a", func(ctx context.Context, j *job.Job, report riptide.ProgressFunc) (json.RawMessage, error) {
		return nil, nil
	})
	q.Handle("b", func(ctx context.Context, j *job.Job, report riptide.ProgressFunc) (json.RawMessage, error) {
		return nil, nil
	})
	require.ElementsMatch(t, []string{"a", "b"}, q.RegisteredHandlers())
}

func TestShutdownWaitsForInflightJob(t *testing.T) {
	q := newTestQueue(t, nil)

	running := make(chan struct{})
	var finished atomic.Bool
	q.Handle("slow", func(ctx context.Context, j *job.Job, report riptide.ProgressFunc) (json.RawMessage, error) {
		close(running)
		time.Sleep(200 * time.Millisecond)
		finished.Store(true)
		return nil, nil
	})

	_, err := q.CreateJob(context.Background(), "slow", nil)
	require.NoError(t, err)

	startConsumer(t, q)
	<-running

	require.NoError(t, q.Shutdown(context.Background()))
	require.True(t, finished.Load(), "shutdown returns only after in-flight handlers finish")
}
