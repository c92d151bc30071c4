package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

const healthCheckTimeout = 3 * time.Second

// HealthHandler reports backend connectivity and live stream counts
type HealthHandler struct {
	service  string
	logger   *slog.Logger
	checks   map[string]HealthCheckFunc
	topics   func() int
	sessions func() int
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	h := &HealthHandler{
		service: deps.ServiceName,
		logger:  deps.Logger,
		checks:  deps.HealthChecks,
		topics:  deps.StreamTopics,
	}
	if deps.Realtime != nil {
		h.sessions = deps.Realtime.Sessions
	}
	return h
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	checks := make(gin.H, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.Warn("Health check failed",
				slog.String("check", name),
				slog.Any("error", err),
			)
			checks[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "up"
	}

	body := gin.H{
		"status":  "healthy",
		"service": h.service,
		"checks":  checks,
	}
	if status != http.StatusOK {
		body["status"] = "unhealthy"
	}
	if h.topics != nil {
		body["streamTopics"] = h.topics()
	}
	if h.sessions != nil {
		body["socketSessions"] = h.sessions()
	}

	c.JSON(status, body)
}
