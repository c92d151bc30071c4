package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// JobStatus is the lifecycle state of a job
type JobStatus string

// Job status constants
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

const (
	// DefaultQueueName is the queue every new job reference is sent to
	DefaultQueueName = "main-queue"
	// DefaultJobName is used as the queue job name when the job has no type
	DefaultJobName = "generic-job"
)

// transitions lists the statuses reachable from each status through UpdateStatus.
// failed/cancelled -> queued is only reachable through a retry.
var transitions = map[JobStatus][]JobStatus{
	JobStatusQueued:     {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusFailed:     {},
	JobStatusCancelled:  {},
	JobStatusCompleted:  {},
}

// Valid reports whether s is one of the known statuses
func (s JobStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no worker will move the job any further
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransition reports whether a status update from s to next is legal
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CanRetry reports whether a job in status s may be put back in the queue
func (s JobStatus) CanRetry() bool {
	return s == JobStatusFailed || s == JobStatusCancelled
}

// Job is a unit of asynchronous work tracked through the status lifecycle
type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Status       JobStatus       `json:"status"`
	Input        json.RawMessage `json:"input"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate it without touching stored state
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Input != nil {
		c.Input = append(json.RawMessage(nil), j.Input...)
	}
	if j.Output != nil {
		c.Output = append(json.RawMessage(nil), j.Output...)
	}
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		c.ErrorMessage = &msg
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// JobName is the name a queue message for this job carries
func (j *Job) JobName() string {
	if j.Type == "" {
		return DefaultJobName
	}
	return j.Type
}

// ErrStaleJob is returned by a JobStore when a conditional write finds
// the record in a different status than the caller expected
var ErrStaleJob = errors.New("job was modified concurrently")

// JobStore is the durable record of jobs.
//
// Update and Delete are conditional: they only apply when the stored status
// still equals expected, otherwise they return ErrStaleJob. Get and both
// conditional writes return ErrNotFound for an unknown id.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, job *Job, expected JobStatus) error
	Delete(ctx context.Context, id string, expected JobStatus) error
	List(ctx context.Context, filter JobFilter) ([]*Job, error)
}

// JobFilter narrows a job listing. Results are ordered newest first and
// PageSize+1 rows are returned so the caller can tell whether more exist.
type JobFilter struct {
	Type     string
	Status   JobStatus
	PageSize int
	Cursor   *JobCursor
}

// JobCursor marks the last job of the previous page
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// Before reports whether job sorts after the cursor in newest-first order
func (c *JobCursor) Before(job *Job) bool {
	if c == nil {
		return true
	}
	if job.CreatedAt.Equal(c.CreatedAt) {
		return job.ID < c.JobID
	}
	return job.CreatedAt.Before(c.CreatedAt)
}
