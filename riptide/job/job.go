package job

import (
	"encoding/json"
	"time"

	"github.com/riptideq/riptide/riptide/errors"
)

type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 8
	PriorityUrgent Priority = 10
)

// Lanes returns the fixed priority lanes in dispatch order, highest first.
func Lanes() []Priority {
	return []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return "unknown"
}

func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "low":
		return PriorityLow, true
	case "normal", "":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	case "urgent":
		return PriorityUrgent, true
	}
	return 0, false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusStarted   Status = "started"
	StatusProgress  Status = "progress"
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusCancelled Status = "cancelled"
	StatusRetry     Status = "retry"
)

// Terminal reports whether no further transitions are permitted out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether a worker currently owns the job.
func (s Status) Active() bool {
	return s == StatusStarted || s == StatusProgress
}

// CanTransition reports whether from -> to is a legal state-machine edge.
// Retry is a momentary signal, not a resting state: a retried job is
// re-admitted as pending.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusStarted:
		return from == StatusPending
	case StatusProgress:
		return from.Active()
	case StatusSuccess, StatusFailure, StatusRetry:
		return from.Active()
	case StatusCancelled:
		return from == StatusPending || from.Active()
	case StatusPending:
		return from == StatusRetry
	}
	return false
}

// Job is the canonical record of a unit of work. Field mutation after
// admission goes through the store's conditional transition operations,
// never through direct writes.
type Job struct {
	ID              string          `json:"job_id"`
	Type            string          `json:"job_type"`
	Priority        Priority        `json:"priority"`
	Status          Status          `json:"status"`
	Parameters      json.RawMessage `json:"parameters,omitempty"`
	Progress        int             `json:"progress"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	UserID          string          `json:"user_id,omitempty"`
	Timeout         int             `json:"timeout,omitempty"` // execution timeout in seconds; 0 = queue default
}

// Validate checks the admission-time contract. Status and progress are
// not validated here; they are owned by the transition operations.
func (j *Job) Validate() error {
	if j.Type == "" {
		return &errors.ValidationError{Field: "job_type", Message: "must not be empty"}
	}
	if !j.Priority.Valid() {
		return &errors.ValidationError{Field: "priority", Message: "must be one of low, normal, high, urgent"}
	}
	if j.MaxRetries < 0 {
		return &errors.ValidationError{Field: "max_retries", Message: "must be >= 0"}
	}
	return nil
}

func (j *Job) Clone() *Job {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Parameters = append(json.RawMessage(nil), j.Parameters...)
	cp.Result = append(json.RawMessage(nil), j.Result...)
	return &cp
}
