package worker

import (
	"errors"
	"fmt"
	"log/slog"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool() {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(i)
	}

	w.logger.Info("Worker pool spawned",
		slog.String("worker_id", w.workerID),
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop runs deliveries until the dispatcher closes jobsChan. Deliveries
// still buffered once the worker is stopping are requeued unprocessed.
func (w *Worker) workerLoop(workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)

	for d := range w.jobsChan {
		select {
		case <-w.stopChan:
			w.requeue(d)
			continue
		default:
		}

		jobID := d.Message.Payload.JobID
		err := w.processJob(d.Message)

		if err != nil {
			requeue := shouldRequeueJob(err)
			w.logger.Error("Job processing failed",
				slog.String("worker_name", workerName),
				slog.String("job_id", jobID),
				slog.Bool("requeue", requeue),
				slog.Any("error", err),
			)
			if nackErr := d.Nack(requeue); nackErr != nil {
				w.logger.Error("Failed to NACK message",
					slog.String("worker_name", workerName),
					slog.String("job_id", jobID),
					slog.Any("error", nackErr),
				)
			}
			continue
		}

		if ackErr := d.Ack(); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("worker_name", workerName),
				slog.String("job_id", jobID),
				slog.Any("error", ackErr),
			)
		}
	}

	w.logger.Debug("Worker goroutine stopped", slog.String("worker_name", workerName))
}

// shouldRequeueJob requeues only transient failures that happened before the
// job started running. Everything else is settled in the job record.
func shouldRequeueJob(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
