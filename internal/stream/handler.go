package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/jobstream/internal/domain"
	"github.com/cuongbtq/jobstream/internal/resultbus"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// DefaultHeartbeatInterval is used when no interval is configured
const DefaultHeartbeatInterval = 15 * time.Second

// JobReader looks up jobs by id
type JobReader interface {
	GetJob(ctx context.Context, id string) (*domain.Job, error)
}

// Subscriber opens listeners on result channels
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (*resultbus.Listener, error)
}

// Handler bridges one result channel to one SSE response
type Handler struct {
	jobs      JobReader
	bus       Subscriber
	logger    *slog.Logger
	heartbeat time.Duration
}

// NewHandler creates an SSE handler. A non-positive heartbeat uses the default.
func NewHandler(jobs JobReader, bus Subscriber, logger *slog.Logger, heartbeat time.Duration) *Handler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &Handler{
		jobs:      jobs,
		bus:       bus,
		logger:    logger,
		heartbeat: heartbeat,
	}
}

// Stream handles GET /jobs/:id/stream. The stream ends after the first event
// with finished set, when the client goes away, or when the listener is
// closed underneath it.
func (h *Handler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Warn("Invalid job id format", slog.String("job_id", jobID))
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a valid UUID"})
		return
	}

	if _, err := h.jobs.GetJob(ctx, jobID); err != nil {
		h.abort(c, jobID, err)
		return
	}

	channel := domain.ResultChannel(jobID)
	listener, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("Failed to subscribe to job results",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "result stream unavailable"})
		return
	}
	defer listener.Close()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	flusher.Flush()

	h.logger.Debug("Result stream opened", slog.String("job_id", jobID))

	// the job may have finished before the subscription was in place
	if job, err := h.jobs.GetJob(ctx, jobID); err == nil && job.Status.IsTerminal() {
		if err := writeData(c.Writer, flusher, snapshot(job)); err != nil {
			h.logger.Debug("Result stream write failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-listener.Events():
			if !ok {
				h.logger.Warn("Result stream ended by listener",
					slog.String("job_id", jobID),
					slog.Any("reason", listener.Err()),
				)
				return
			}
			if err := writeData(c.Writer, flusher, ev.Body); err != nil {
				h.logger.Debug("Result stream write failed", slog.String("job_id", jobID), slog.Any("error", err))
				return
			}
			if ev.Finished {
				h.logger.Debug("Result stream finished", slog.String("job_id", jobID))
				return
			}

		case <-ticker.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-ctx.Done():
			h.logger.Debug("Result stream client disconnected", slog.String("job_id", jobID))
			return
		}
	}
}

func (h *Handler) abort(c *gin.Context, jobID string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, domain.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Failed to load job for stream",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job store unavailable"})
	}
}

// writeData emits one SSE data frame. The body is compacted so that it
// always fits on a single data line.
func writeData(w http.ResponseWriter, flusher http.Flusher, body json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", buf.Bytes()); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func snapshot(job *domain.Job) json.RawMessage {
	frame := map[string]any{
		"jobId":    job.ID,
		"status":   job.Status,
		"finished": true,
	}
	if len(job.Output) > 0 {
		frame["output"] = job.Output
	}
	if job.ErrorMessage != nil {
		frame["error"] = *job.ErrorMessage
	}
	body, _ := json.Marshal(frame)
	return body
}
