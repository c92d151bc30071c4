package handler

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/cuongbtq/jobstream/internal/domain"
	"github.com/cuongbtq/jobstream/internal/realtime"
	"github.com/cuongbtq/jobstream/internal/stream"
)

// JobService is the job lifecycle as the HTTP layer sees it
type JobService interface {
	CreateJob(ctx context.Context, jobType string, input json.RawMessage) (*domain.Job, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error)
	CancelJob(ctx context.Context, id string) (*domain.Job, error)
	RetryJob(ctx context.Context, id string) (*domain.Job, error)
	DeleteJob(ctx context.Context, id string) error
}

// HealthCheckFunc reports whether one backend is reachable
type HealthCheckFunc func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	ServiceName    string
	Logger         *slog.Logger
	Jobs           JobService
	Stream         *stream.Handler
	Realtime       *realtime.Gateway
	HealthChecks   map[string]HealthCheckFunc
	StreamTopics   func() int
	AllowedOrigins []string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}
