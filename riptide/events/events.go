// Package events is the message-passing boundary between the queue and
// anything that wants to observe job lifecycles. Admission and the
// dispatcher publish fire-and-forget; a failed publish never fails the
// queue operation that triggered it.
package events

import (
	"context"
	"time"

	"github.com/riptideq/riptide/riptide/job"
)

type Event struct {
	JobID    string     `json:"job_id"`
	JobType  string     `json:"job_type"`
	Status   job.Status `json:"status"`
	UserID   string     `json:"user_id,omitempty"`
	Progress int        `json:"progress,omitempty"`
	Message  string     `json:"message,omitempty"`
	At       time.Time  `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}
