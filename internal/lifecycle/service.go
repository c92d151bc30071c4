package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobstream/internal/domain"
	"github.com/google/uuid"
)

const (
	defaultMaxAttempts = 5
	maxJobTypeLength   = 128
)

// Enqueuer hands job references to the work queue
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobName string, ref domain.JobRef) error
}

// ResultPublisher publishes events on a job's result channel
type ResultPublisher interface {
	Publish(ctx context.Context, jobID string, body json.RawMessage) error
}

// deletedEvent ends any stream still open on a deleted job
type deletedEvent struct {
	JobID    string `json:"jobId"`
	Status   string `json:"status"`
	Finished bool   `json:"finished"`
}

// Service drives jobs through the status lifecycle. Every write is a
// compare-and-swap on the stored status, retried when another writer wins.
type Service struct {
	store       domain.JobStore
	queue       Enqueuer
	results     ResultPublisher
	logger      *slog.Logger
	queueName   string
	now         func() time.Time
	newID       func() string
	maxAttempts int
}

// Option customizes a Service
type Option func(*Service)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces the UUID job id generator
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithQueueName sets the queue new jobs are sent to
func WithQueueName(name string) Option {
	return func(s *Service) {
		if name != "" {
			s.queueName = name
		}
	}
}

// WithResultPublisher publishes a final event when a job is deleted
func WithResultPublisher(p ResultPublisher) Option {
	return func(s *Service) { s.results = p }
}

// WithMaxAttempts bounds how often a conditional write is retried
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// NewService creates a lifecycle service over store and queue
func NewService(store domain.JobStore, queue Enqueuer, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:       store,
		queue:       queue,
		logger:      logger,
		queueName:   domain.DefaultQueueName,
		now:         time.Now,
		newID:       uuid.NewString,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateJob persists a queued job and enqueues a reference to it. If the
// enqueue fails the record is removed again so no queued job exists without
// a queue message.
func (s *Service) CreateJob(ctx context.Context, jobType string, input json.RawMessage) (*domain.Job, error) {
	if len(jobType) > maxJobTypeLength {
		return nil, domain.NewValidationError("type", fmt.Sprintf("must be at most %d characters", maxJobTypeLength))
	}
	if !isJSONObject(input) {
		return nil, domain.NewValidationError("input", "must be a JSON object")
	}

	now := s.now().UTC()
	job := &domain.Job{
		ID:        s.newID(),
		Type:      jobType,
		Status:    domain.JobStatusQueued,
		Input:     append(json.RawMessage(nil), input...),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, job); err != nil {
		s.logger.Error("Failed to create job",
			slog.String("job_type", jobType),
			slog.Any("error", err),
		)
		return nil, domain.NewUpstreamError("create job", err)
	}

	if err := s.queue.Enqueue(ctx, s.queueName, job.JobName(), domain.JobRef{JobID: job.ID}); err != nil {
		s.logger.Error("Failed to enqueue job, removing record",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		if delErr := s.store.Delete(context.WithoutCancel(ctx), job.ID, domain.JobStatusQueued); delErr != nil {
			s.logger.Error("Failed to remove job after enqueue failure",
				slog.String("job_id", job.ID),
				slog.Any("error", delErr),
			)
		}
		return nil, domain.NewUpstreamError("enqueue job", err)
	}

	s.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("job_type", jobType),
		slog.String("queue", s.queueName),
	)
	return job, nil
}

// GetJob returns the current record of a job
func (s *Service) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	if id == "" {
		return nil, domain.NewValidationError("id", "is required")
	}
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, s.storeError("get job", err)
	}
	return job, nil
}

// ListJobs returns one page of jobs, newest first. The page holds at most
// filter.PageSize+1 jobs; the extra one signals that another page exists.
func (s *Service) ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.NewValidationError("status", "is not a known job status")
	}
	if filter.PageSize <= 0 {
		return nil, domain.NewValidationError("page_size", "must be positive")
	}
	jobs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, s.storeError("list jobs", err)
	}
	return jobs, nil
}

// UpdateStatus moves a job to status. errorMessage is only recorded when
// the job enters failed.
func (s *Service) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, errorMessage string) (*domain.Job, error) {
	if !status.Valid() {
		return nil, domain.NewValidationError("status", "is not a known job status")
	}

	_, job, err := s.mutate(ctx, id, func(job *domain.Job, now time.Time) error {
		if err := transition(job, status, now); err != nil {
			return err
		}
		if status == domain.JobStatusFailed && errorMessage != "" {
			msg := errorMessage
			job.ErrorMessage = &msg
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", id),
		slog.String("status", string(status)),
	)
	return job, nil
}

// CompleteJob moves a processing job to completed and records its output
func (s *Service) CompleteJob(ctx context.Context, id string, output json.RawMessage) (*domain.Job, error) {
	if output != nil && !json.Valid(output) {
		return nil, domain.NewValidationError("output", "is not valid JSON")
	}

	_, job, err := s.mutate(ctx, id, func(job *domain.Job, now time.Time) error {
		if err := transition(job, domain.JobStatusCompleted, now); err != nil {
			return err
		}
		if output != nil {
			job.Output = append(json.RawMessage(nil), output...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job completed", slog.String("job_id", id))
	return job, nil
}

// CancelJob marks a queued or processing job cancelled. Cancellation is
// advisory: a worker already running the job notices it between steps.
func (s *Service) CancelJob(ctx context.Context, id string) (*domain.Job, error) {
	_, job, err := s.mutate(ctx, id, func(job *domain.Job, now time.Time) error {
		return transition(job, domain.JobStatusCancelled, now)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job cancelled", slog.String("job_id", id))
	return job, nil
}

// RetryJob puts a failed or cancelled job back in the queue with a clean
// slate. If the enqueue fails the previous record is restored.
func (s *Service) RetryJob(ctx context.Context, id string) (*domain.Job, error) {
	previous, job, err := s.mutate(ctx, id, func(job *domain.Job, now time.Time) error {
		if !job.Status.CanRetry() {
			return &domain.TransitionError{From: job.Status, To: domain.JobStatusQueued}
		}
		job.Status = domain.JobStatusQueued
		job.UpdatedAt = now
		job.ErrorMessage = nil
		job.StartedAt = nil
		job.CompletedAt = nil
		job.Output = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, s.queueName, job.JobName(), domain.JobRef{JobID: job.ID}); err != nil {
		s.logger.Error("Failed to enqueue retried job, restoring previous state",
			slog.String("job_id", id),
			slog.String("previous_status", string(previous.Status)),
			slog.Any("error", err),
		)
		restored := previous.Clone()
		restored.UpdatedAt = job.UpdatedAt
		if restoreErr := s.store.Update(context.WithoutCancel(ctx), restored, domain.JobStatusQueued); restoreErr != nil {
			s.logger.Error("Failed to restore job after enqueue failure",
				slog.String("job_id", id),
				slog.Any("error", restoreErr),
			)
		}
		return nil, domain.NewUpstreamError("enqueue job", err)
	}

	s.logger.Info("Job retried", slog.String("job_id", id))
	return job, nil
}

// DeleteJob removes a job that is not being processed
func (s *Service) DeleteJob(ctx context.Context, id string) error {
	for attempt := 1; ; attempt++ {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return s.storeError("get job", err)
		}
		if current.Status == domain.JobStatusProcessing {
			return fmt.Errorf("job %s is processing: %w", id, domain.ErrResourceBusy)
		}

		err = s.store.Delete(ctx, id, current.Status)
		if err == nil {
			s.logger.Info("Job deleted", slog.String("job_id", id))
			s.publishDeleted(ctx, id)
			return nil
		}
		if errors.Is(err, domain.ErrStaleJob) && attempt < s.maxAttempts {
			continue
		}
		return s.storeError("delete job", err)
	}
}

func (s *Service) publishDeleted(ctx context.Context, id string) {
	if s.results == nil {
		return
	}
	body, err := json.Marshal(deletedEvent{JobID: id, Status: "deleted", Finished: true})
	if err == nil {
		err = s.results.Publish(ctx, id, body)
	}
	if err != nil {
		s.logger.Warn("Failed to publish job deletion",
			slog.String("job_id", id),
			slog.Any("error", err),
		)
	}
}

// mutate applies fn to a fresh copy of the job and writes it back
// conditionally on the status it was read with. It returns the record
// before and after the change.
func (s *Service) mutate(ctx context.Context, id string, fn func(job *domain.Job, now time.Time) error) (*domain.Job, *domain.Job, error) {
	for attempt := 1; ; attempt++ {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, nil, s.storeError("get job", err)
		}

		now := s.now().UTC()
		if now.Before(current.UpdatedAt) {
			now = current.UpdatedAt
		}

		next := current.Clone()
		if err := fn(next, now); err != nil {
			return nil, nil, err
		}

		err = s.store.Update(ctx, next, current.Status)
		if err == nil {
			return current, next, nil
		}
		if errors.Is(err, domain.ErrStaleJob) && attempt < s.maxAttempts {
			s.logger.Debug("Job changed concurrently, retrying",
				slog.String("job_id", id),
				slog.Int("attempt", attempt),
			)
			continue
		}
		return nil, nil, s.storeError("update job", err)
	}
}

func (s *Service) storeError(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return err
	case errors.Is(err, domain.ErrStaleJob):
		return fmt.Errorf("%s: %w: %w", op, domain.ErrResourceBusy, err)
	default:
		return domain.NewUpstreamError(op, err)
	}
}

// transition applies a status change from the transition table and stamps
// the lifecycle timestamps
func transition(job *domain.Job, to domain.JobStatus, now time.Time) error {
	if !job.Status.CanTransition(to) {
		return &domain.TransitionError{From: job.Status, To: to}
	}

	job.Status = to
	job.UpdatedAt = now
	if to == domain.JobStatusProcessing && job.StartedAt == nil {
		started := now
		job.StartedAt = &started
	}
	if to.IsTerminal() && job.CompletedAt == nil {
		completed := now
		job.CompletedAt = &completed
	}
	return nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}
