package queue

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a release job.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Job is one persisted release_jobs row.
type Job struct {
	TokenID   uuid.UUID
	RunAt     time.Time
	Status    Status
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Stats is a point-in-time count of jobs by status, exposed for operator
// visibility: a job that exhausts its retries and lands in Failed does
// not block the queue, but an operator can only act on it if the count
// is observable.
type Stats struct {
	Pending int
	Running int
	Done    int
	Failed  int
}
