package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/jobstream/internal/domain"
)

type CreateJobRequest struct {
	Type  string          `json:"type"`
	Input json.RawMessage `json:"input"`
}

type CreateJobResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type ListJobsRequest struct {
	Type     string `form:"type"`
	Status   string `form:"status"`
	PageSize int    `form:"pageSize"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

type JobDTO struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Input       json.RawMessage `json:"input"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   string          `json:"createdAt"`
	UpdatedAt   string          `json:"updatedAt"`
	StartedAt   string          `json:"startedAt,omitempty"`
	CompletedAt string          `json:"completedAt,omitempty"`
}

// NewJobDTO renders a job for API responses
func NewJobDTO(job *domain.Job) JobDTO {
	out := JobDTO{
		ID:        job.ID,
		Type:      job.Type,
		Status:    string(job.Status),
		Input:     job.Input,
		Output:    job.Output,
		CreatedAt: job.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if job.ErrorMessage != nil {
		out.Error = *job.ErrorMessage
	}
	if job.StartedAt != nil {
		out.StartedAt = job.StartedAt.Format(time.RFC3339Nano)
	}
	if job.CompletedAt != nil {
		out.CompletedAt = job.CompletedAt.Format(time.RFC3339Nano)
	}
	return out
}
