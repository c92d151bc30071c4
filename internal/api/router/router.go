package router

import (
	"github.com/cuongbtq/jobstream/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(deps.AllowedOrigins))

	r.GET("/health", handler.NewHealthHandler(deps).Health)

	jobHandler := handler.NewJobHandler(deps)

	jobs := r.Group("/jobs")
	{
		jobs.POST("", jobHandler.CreateJob)
		jobs.GET("", jobHandler.ListJobs)
		jobs.GET("/:id", jobHandler.GetJob)
		jobs.POST("/:id/cancel", jobHandler.CancelJob)
		jobs.POST("/:id/retry", jobHandler.RetryJob)
		jobs.DELETE("/:id", jobHandler.DeleteJob)

		// SSE result stream, open until the job's final event
		if deps.Stream != nil {
			jobs.GET("/:id/stream", deps.Stream.Stream)
		}
	}

	if deps.Realtime != nil {
		r.GET("/ws", deps.Realtime.ServeWS)
	}

	return r
}
