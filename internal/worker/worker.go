package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/jobstream/internal/domain"
)

// JobLifecycle is the part of the lifecycle service a worker drives
type JobLifecycle interface {
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	UpdateStatus(ctx context.Context, id string, status domain.JobStatus, errorMessage string) (*domain.Job, error)
	CompleteJob(ctx context.Context, id string, output json.RawMessage) (*domain.Job, error)
}

// ResultPublisher publishes events on a job's result channel
type ResultPublisher interface {
	Publish(ctx context.Context, jobID string, body json.RawMessage) error
}

// Config holds worker configuration
type Config struct {
	Logger       *slog.Logger
	Jobs         JobLifecycle
	Results      ResultPublisher
	Source       Source
	Executors    *Registry
	WorkerID     string
	Concurrency  int
	MaxJobs      int
	JobTimeout   time.Duration
	PollInterval time.Duration
}

const (
	defaultJobTimeout   = 5 * time.Minute
	defaultPollInterval = time.Second
)

// Worker consumes job references and runs them on a bounded pool
type Worker struct {
	logger       *slog.Logger
	jobs         JobLifecycle
	results      ResultPublisher
	source       Source
	executors    *Registry
	workerID     string
	concurrency  int
	jobTimeout   time.Duration
	pollInterval time.Duration

	jobsChan chan Delivery
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:       cfg.Logger,
		jobs:         cfg.Jobs,
		results:      cfg.Results,
		source:       cfg.Source,
		executors:    cfg.Executors,
		workerID:     cfg.WorkerID,
		concurrency:  max(cfg.Concurrency, 1),
		jobTimeout:   cfg.JobTimeout,
		pollInterval: cfg.PollInterval,
		jobsChan:     make(chan Delivery, max(cfg.MaxJobs, 0)),
		stopChan:     make(chan struct{}),
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = defaultJobTimeout
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.executors == nil {
		w.executors = NewRegistry()
	}
	return w
}

// Start consumes deliveries until ctx is done. Jobs already handed to the
// pool keep running until Stop returns.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Any("executors", w.executors.Names()),
	)

	deliveries, err := w.source.Deliveries(ctx)
	if err != nil {
		return err
	}

	w.spawnWorkerPool()
	w.dispatch(ctx, deliveries)

	w.logger.Info("Worker dispatcher stopped", slog.String("worker_id", w.workerID))
	return nil
}

// dispatch hands deliveries to the pool. Deliveries that cannot be handed
// over before ctx is done go back to the queue.
func (w *Worker) dispatch(ctx context.Context, deliveries <-chan Delivery) {
	defer func() {
		w.stop()
		close(w.jobsChan)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case d, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Delivery source closed", slog.String("worker_id", w.workerID))
				return
			}
			select {
			case w.jobsChan <- d:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", d.Message.Payload.JobID),
					slog.Uint64("delivery_tag", d.Tag),
				)
			case <-ctx.Done():
				w.requeue(d)
				return
			case <-w.stopChan:
				w.requeue(d)
				return
			}
		}
	}
}

func (w *Worker) requeue(d Delivery) {
	if err := d.Nack(true); err != nil {
		w.logger.Error("Failed to NACK message on shutdown",
			slog.String("job_id", d.Message.Payload.JobID),
			slog.Any("error", err),
		)
	}
}

func (w *Worker) stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
}

// Stop waits for in-flight jobs to finish, or for ctx to expire
func (w *Worker) Stop(ctx context.Context) error {
	w.logger.Info("Stopping worker...")
	w.stop()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker stopped")
		return nil
	case <-ctx.Done():
		w.logger.Warn("Worker shutdown timeout exceeded")
		return errors.Join(errors.New("worker shutdown timed out"), ctx.Err())
	}
}
