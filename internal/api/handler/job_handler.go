package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/jobstream/internal/api/dto"
	"github.com/cuongbtq/jobstream/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /jobs
// Persists a queued job and hands a reference to the work queue
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job, err := h.jobs.CreateJob(c.Request.Context(), req.Type, req.Input)
	if err != nil {
		h.writeError(c, "create job", "", err)
		return
	}

	c.JSON(http.StatusCreated, dto.CreateJobResponse{
		JobID:  job.ID,
		Status: string(job.Status),
	})
}

// GetJob handles GET /jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, "get job", jobID, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /jobs
// Lists jobs newest first with optional type and status filters
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.jobs.ListJobs(c.Request.Context(), domain.JobFilter{
		Type:     req.Type,
		Status:   domain.JobStatus(req.Status),
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.writeError(c, "list jobs", "", err)
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = dto.NewJobDTO(job)
	}
	if hasMore {
		resp.NextCursor = EncodeJobCursor(jobs[len(jobs)-1])
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /jobs/:id/cancel
// A worker already running the job stops at its next step
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.jobs.CancelJob(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, "cancel job", jobID, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// RetryJob handles POST /jobs/:id/retry
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.jobs.RetryJob(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, "retry job", jobID, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// DeleteJob handles DELETE /jobs/:id
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	if err := h.jobs.DeleteJob(c.Request.Context(), jobID); err != nil {
		h.writeError(c, "delete job", jobID, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Warn("Invalid job id format", slog.String("job_id", jobID))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "id must be a valid UUID",
		})
		return "", false
	}
	return jobID, true
}

// writeError maps lifecycle errors onto status codes. Upstream and unknown
// failures are logged and answered without detail.
func (h *JobHandler) writeError(c *gin.Context, op, jobID string, err error) {
	var validation *domain.ValidationError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error()})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrResourceBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "job is being processed"})
	case errors.Is(err, domain.ErrAuthentication):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, domain.ErrAuthorization):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, domain.ErrUpstream):
		h.logger.Error("Job operation failed upstream",
			slog.String("op", op),
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
	default:
		h.logger.Error("Job operation failed",
			slog.String("op", op),
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
