package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobstream/internal/domain"
)

var errJobTimedOut = errors.New("job timed out")

// resultEvent is the body published on a job's result channel
type resultEvent struct {
	JobID    string           `json:"jobId"`
	Status   domain.JobStatus `json:"status"`
	Progress map[string]any   `json:"progress,omitempty"`
	Output   json.RawMessage  `json:"output,omitempty"`
	Error    string           `json:"error,omitempty"`
	Finished bool             `json:"finished"`
}

// processJob runs one job from queued to a terminal status. Jobs run on a
// context detached from the consumer so shutdown lets them finish; only the
// job timeout and a cancellation of the job itself interrupt them.
func (w *Worker) processJob(msg domain.QueueMessage) error {
	ctx := context.Background()
	jobID := msg.Payload.JobID

	job, err := w.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			w.logger.Warn("Job no longer exists, dropping message", slog.String("job_id", jobID))
			return nil
		}
		return NewRetryableError(fmt.Errorf("failed to load job: %w", err))
	}

	switch job.Status {
	case domain.JobStatusQueued:
	case domain.JobStatusCancelled:
		w.logger.Info("Job cancelled before it started", slog.String("job_id", jobID))
		w.publish(ctx, resultEvent{JobID: jobID, Status: domain.JobStatusCancelled, Finished: true})
		return nil
	default:
		w.logger.Warn("Job is not queued, skipping delivery",
			slog.String("job_id", jobID),
			slog.String("status", string(job.Status)),
		)
		return nil
	}

	job, err = w.jobs.UpdateStatus(ctx, jobID, domain.JobStatusProcessing, "")
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
			w.logger.Info("Job changed before it could start", slog.String("job_id", jobID), slog.Any("error", err))
			return nil
		}
		return NewRetryableError(fmt.Errorf("failed to start job: %w", err))
	}

	w.logger.Info("Processing job",
		slog.String("job_id", jobID),
		slog.String("job_type", job.Type),
		slog.String("worker_id", w.workerID),
	)
	w.publish(ctx, resultEvent{JobID: jobID, Status: domain.JobStatusProcessing})

	executor, err := w.executors.Lookup(job.JobName())
	if err != nil {
		w.fail(ctx, jobID, err.Error())
		return err
	}

	output, err := w.execute(ctx, executor, job)
	if err != nil {
		if errors.Is(err, ErrJobCancelled) {
			w.logger.Info("Job cancelled while running", slog.String("job_id", jobID))
			w.publish(ctx, resultEvent{JobID: jobID, Status: domain.JobStatusCancelled, Finished: true})
			return nil
		}
		w.fail(ctx, jobID, err.Error())
		return fmt.Errorf("job execution failed: %w", err)
	}

	completed, err := w.jobs.CompleteJob(ctx, jobID, output)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			w.logger.Info("Job cancelled before its result was recorded", slog.String("job_id", jobID))
			w.publish(ctx, resultEvent{JobID: jobID, Status: domain.JobStatusCancelled, Finished: true})
			return nil
		}
		w.fail(ctx, jobID, "failed to record job output")
		return fmt.Errorf("failed to complete job: %w", err)
	}

	w.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.String("job_type", job.Type),
	)
	w.publish(ctx, resultEvent{
		JobID:    jobID,
		Status:   domain.JobStatusCompleted,
		Output:   completed.Output,
		Finished: true,
	})
	return nil
}

// execute runs the executor under the job timeout while a watcher polls for
// cancellation. It returns ErrJobCancelled when the job was cancelled.
func (w *Worker) execute(ctx context.Context, executor Executor, job *domain.Job) (json.RawMessage, error) {
	timeoutCtx, cancelTimeout := context.WithTimeoutCause(ctx, w.jobTimeout, errJobTimedOut)
	defer cancelTimeout()
	jobCtx, cancelJob := context.WithCancelCause(timeoutCtx)
	defer cancelJob(nil)

	watchDone := make(chan struct{})
	go w.watchCancellation(jobCtx, job.ID, cancelJob, watchDone)
	defer close(watchDone)

	output, err := executor.Execute(jobCtx, job, &reporter{worker: w, jobID: job.ID})
	if cause := context.Cause(jobCtx); cause != nil && jobCtx.Err() != nil {
		if errors.Is(cause, ErrJobCancelled) {
			return nil, ErrJobCancelled
		}
		if err != nil && errors.Is(cause, errJobTimedOut) {
			return nil, fmt.Errorf("%w after %s", errJobTimedOut, w.jobTimeout)
		}
	}
	if err != nil {
		return nil, err
	}
	return output, nil
}

// watchCancellation polls the job record and cancels the run once the job
// has been cancelled
func (w *Worker) watchCancellation(ctx context.Context, jobID string, cancel context.CancelCauseFunc, done <-chan struct{}) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := w.jobs.GetJob(ctx, jobID)
			if err != nil {
				w.logger.Warn("Failed to poll job status",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
				continue
			}
			if job.Status == domain.JobStatusCancelled {
				cancel(ErrJobCancelled)
				return
			}
		}
	}
}

// fail records the failure and publishes the final event. A job cancelled in
// the meantime stays cancelled.
func (w *Worker) fail(ctx context.Context, jobID, message string) {
	_, err := w.jobs.UpdateStatus(ctx, jobID, domain.JobStatusFailed, message)
	switch {
	case err == nil:
		w.publish(ctx, resultEvent{JobID: jobID, Status: domain.JobStatusFailed, Error: message, Finished: true})
	case errors.Is(err, domain.ErrInvalidTransition):
		w.publish(ctx, resultEvent{JobID: jobID, Status: domain.JobStatusCancelled, Finished: true})
	default:
		w.logger.Error("Failed to mark job failed",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		w.publish(ctx, resultEvent{JobID: jobID, Status: domain.JobStatusFailed, Error: message, Finished: true})
	}
}

func (w *Worker) publish(ctx context.Context, event resultEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		w.logger.Error("Failed to encode result event",
			slog.String("job_id", event.JobID),
			slog.Any("error", err),
		)
		return
	}
	if err := w.results.Publish(ctx, event.JobID, body); err != nil {
		w.logger.Error("Failed to publish result event",
			slog.String("job_id", event.JobID),
			slog.String("status", string(event.Status)),
			slog.Any("error", err),
		)
	}
}

type reporter struct {
	worker *Worker
	jobID  string
}

// Report publishes a progress event. Publish failures are logged, not
// returned, so a flaky result channel does not fail the job.
func (r *reporter) Report(ctx context.Context, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.worker.publish(ctx, resultEvent{
		JobID:    r.jobID,
		Status:   domain.JobStatusProcessing,
		Progress: data,
	})
	return nil
}
