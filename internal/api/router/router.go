package router

import (
	"net/http"

	"github.com/cuongbtq/queuing-system/internal/api/handler"
	"github.com/cuongbtq/queuing-system/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// SetupRouter configures and returns the Gin router with all routes.
// /metrics is served when gatherer is not nil.
func SetupRouter(deps *handler.Dependencies, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		if deps.HealthCheck != nil {
			if err := deps.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  err.Error(),
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"service":   "queue-api-service",
			"worker_id": deps.Queue.WorkerID(),
		})
	})

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(gatherer)))
	}

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Create and enqueue a job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List job records
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get a job record
			jobs.GET("/:job_id", jobHandler.GetJob)
		}
	}

	return r
}
