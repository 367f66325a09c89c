package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/riptideq/riptide/riptide/errors"
	"github.com/riptideq/riptide/riptide/job"
)

// MemoryStore is a driver for tests and single-process embedding. It
// honors the same contract as the Redis store, with record TTLs checked
// lazily on read.
type MemoryStore struct {
	mu        sync.Mutex
	jobs      map[string]*memoryRecord
	lanes     map[job.Priority][]string
	userIndex map[string][]string
	retries   map[string]time.Time
	notify    chan struct{}
	maxJobs   int

	recordTTL    time.Duration
	userIndexTTL time.Duration
}

type memoryRecord struct {
	job       *job.Job
	expiresAt time.Time
}

type MemoryConfig struct {
	MaxJobs      int
	RecordTTL    time.Duration
	UserIndexTTL time.Duration
}

func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	maxJobs := cfg.MaxJobs
	if maxJobs == 0 {
		maxJobs = 10000
	}
	recordTTL := cfg.RecordTTL
	if recordTTL == 0 {
		recordTTL = 7 * 24 * time.Hour
	}
	userIndexTTL := cfg.UserIndexTTL
	if userIndexTTL == 0 {
		userIndexTTL = 30 * 24 * time.Hour
	}

	return &MemoryStore{
		jobs:         make(map[string]*memoryRecord),
		lanes:        make(map[job.Priority][]string),
		userIndex:    make(map[string][]string),
		retries:      make(map[string]time.Time),
		notify:       make(chan struct{}, 1),
		maxJobs:      maxJobs,
		recordTTL:    recordTTL,
		userIndexTTL: userIndexTTL,
	}
}

func (m *MemoryStore) CreateJob(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.jobs) >= m.maxJobs {
		return &errors.StoreUnavailableError{
			Operation: "CreateJob",
			Err:       fmt.Errorf("job limit %d reached", m.maxJobs),
		}
	}

	m.jobs[j.ID] = &memoryRecord{job: j.Clone(), expiresAt: time.Now().Add(m.recordTTL)}
	m.lanes[j.Priority] = append(m.lanes[j.Priority], j.ID)
	if j.UserID != "" {
		m.userIndex[j.UserID] = append([]string{j.ID}, m.userIndex[j.UserID]...)
	}

	m.wake()
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.liveRecord(jobID)
	if rec == nil {
		return nil, nil
	}
	return rec.job.Clone(), nil
}

func (m *MemoryStore) UserJobs(ctx context.Context, userID string, limit int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.userIndex[userID]
	if len(ids) > limit {
		ids = ids[:limit]
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		rec := m.liveRecord(id)
		if rec == nil {
			continue
		}
		jobs = append(jobs, rec.job.Clone())
	}
	return jobs, nil
}

func (m *MemoryStore) PopLane(ctx context.Context, timeout time.Duration) (string, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		m.mu.Lock()
		for _, p := range job.Lanes() {
			lane := m.lanes[p]
			if len(lane) == 0 {
				continue
			}
			id := lane[0]
			m.lanes[p] = lane[1:]
			m.mu.Unlock()
			return id, nil
		}
		m.mu.Unlock()

		if timeout <= 0 {
			return "", nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline:
			return "", nil
		case <-m.notify:
		}
	}
}

func (m *MemoryStore) Claim(ctx context.Context, jobID string, at time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.liveRecord(jobID)
	if rec == nil || rec.job.Status != job.StatusPending {
		return nil, nil
	}

	t := at.UTC()
	rec.job.Status = job.StatusStarted
	rec.job.StartedAt = &t
	return rec.job.Clone(), nil
}

func (m *MemoryStore) SetProgress(ctx context.Context, jobID string, percent int, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.liveRecord(jobID)
	if rec == nil {
		return &errors.InvalidTransitionError{JobID: jobID, From: "unknown", To: string(job.StatusProgress)}
	}
	if !rec.job.Status.Active() || rec.job.Progress > percent {
		return &errors.InvalidTransitionError{JobID: jobID, From: string(rec.job.Status), To: string(job.StatusProgress)}
	}

	rec.job.Status = job.StatusProgress
	rec.job.Progress = percent
	rec.job.ProgressMessage = message
	return nil
}

func (m *MemoryStore) Complete(ctx context.Context, jobID string, result json.RawMessage) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.activeRecord(jobID, job.StatusSuccess)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec.job.Status = job.StatusSuccess
	rec.job.Progress = 100
	rec.job.Result = append(json.RawMessage(nil), result...)
	rec.job.ErrorMessage = ""
	rec.job.CompletedAt = &now
	return rec.job.Clone(), nil
}

func (m *MemoryStore) Fail(ctx context.Context, jobID string, errMsg string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.activeRecord(jobID, job.StatusFailure)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec.job.Status = job.StatusFailure
	rec.job.ErrorMessage = errMsg
	rec.job.CompletedAt = &now
	return rec.job.Clone(), nil
}

func (m *MemoryStore) Requeue(ctx context.Context, jobID string, errMsg string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.activeRecord(jobID, job.StatusRetry)
	if err != nil {
		return nil, err
	}

	m.resetForRetry(rec, errMsg)
	m.lanes[rec.job.Priority] = append(m.lanes[rec.job.Priority], jobID)
	m.wake()
	return rec.job.Clone(), nil
}

func (m *MemoryStore) ScheduleRetry(ctx context.Context, jobID string, errMsg string, at time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.activeRecord(jobID, job.StatusRetry)
	if err != nil {
		return nil, err
	}

	m.resetForRetry(rec, errMsg)
	m.retries[jobID] = at
	return rec.job.Clone(), nil
}

func (m *MemoryStore) ReadmitDueRetries(ctx context.Context, now time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	moved := 0
	for id, due := range m.retries {
		if moved >= limit || due.After(now) {
			continue
		}
		delete(m.retries, id)
		rec := m.liveRecord(id)
		if rec == nil || rec.job.Status != job.StatusPending {
			continue
		}
		m.lanes[rec.job.Priority] = append(m.lanes[rec.job.Priority], id)
		moved++
	}
	if moved > 0 {
		m.wake()
	}
	return moved, nil
}

func (m *MemoryStore) Cancel(ctx context.Context, jobID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.liveRecord(jobID)
	if rec == nil || rec.job.Status.Terminal() {
		return false, nil
	}

	if rec.job.Status == job.StatusPending {
		m.removeFromLane(rec.job.Priority, jobID)
		delete(m.retries, jobID)
	}

	t := at.UTC()
	rec.job.Status = job.StatusCancelled
	rec.job.CompletedAt = &t
	return true, nil
}

func (m *MemoryStore) LaneStats(ctx context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &Stats{Lanes: make(map[job.Priority]int64, 4)}
	for _, p := range job.Lanes() {
		stats.Lanes[p] = int64(len(m.lanes[p]))
	}
	stats.PendingRetry = int64(len(m.retries))
	return stats, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) IsHealthy(ctx context.Context) bool {
	return true
}

// ExpireJob drops a record immediately, as the TTL reaper would. The
// owning user-index entry is left dangling on purpose; readers must
// tolerate it.
func (m *MemoryStore) ExpireJob(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
}

func (m *MemoryStore) liveRecord(jobID string) *memoryRecord {
	rec, ok := m.jobs[jobID]
	if !ok {
		return nil
	}
	if time.Now().After(rec.expiresAt) {
		delete(m.jobs, jobID)
		return nil
	}
	return rec
}

func (m *MemoryStore) activeRecord(jobID string, to job.Status) (*memoryRecord, error) {
	rec := m.liveRecord(jobID)
	if rec == nil {
		return nil, &errors.InvalidTransitionError{JobID: jobID, From: "unknown", To: string(to)}
	}
	if !rec.job.Status.Active() {
		return nil, &errors.InvalidTransitionError{JobID: jobID, From: string(rec.job.Status), To: string(to)}
	}
	return rec, nil
}

func (m *MemoryStore) resetForRetry(rec *memoryRecord, errMsg string) {
	rec.job.Status = job.StatusPending
	rec.job.RetryCount++
	rec.job.ErrorMessage = errMsg
	rec.job.Progress = 0
	rec.job.ProgressMessage = ""
	rec.job.StartedAt = nil
}

func (m *MemoryStore) removeFromLane(p job.Priority, jobID string) {
	lane := m.lanes[p]
	for i, id := range lane {
		if id == jobID {
			m.lanes[p] = append(lane[:i:i], lane[i+1:]...)
			return
		}
	}
}

func (m *MemoryStore) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
