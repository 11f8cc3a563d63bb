// Package health exposes the Kubernetes liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/huddlekit/signaling/internal/v1/bus"
	"github.com/huddlekit/signaling/internal/v1/logging"
)

// WorkerPool reports how many media workers were spawned and how many are
// still running.
type WorkerPool interface {
	Size() int
	Alive() int
}

// Handler serves the health check endpoints.
type Handler struct {
	redisService *bus.Service
	workers      WorkerPool
}

// NewHandler creates a health check handler. Both dependencies may be nil:
// a nil redisService means single-instance mode, a nil pool skips the
// worker check.
func NewHandler(redisService *bus.Service, workers WorkerPool) *Handler {
	return &Handler{
		redisService: redisService,
		workers:      workers,
	}
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. It returns 200 whenever the process
// is up; dependencies are not consulted.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. It returns 200 only while every
// critical dependency is healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	if h.workers != nil {
		workerStatus := h.checkWorkers(ctx)
		checks["media_workers"] = workerStatus
		if workerStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkRedis(ctx context.Context) string {
	// Single-instance mode has no Redis to be unhealthy.
	if h.redisService == nil {
		return "healthy"
	}
	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// checkWorkers treats any dead worker as unhealthy. A dead worker takes
// every room pinned to it down with it, so the instance should stop
// receiving new sessions.
func (h *Handler) checkWorkers(ctx context.Context) string {
	size := h.workers.Size()
	alive := h.workers.Alive()
	if size == 0 || alive < size {
		logging.Warn(ctx, "Media worker pool degraded",
			zap.Int("alive", alive),
			zap.Int("size", size))
		return "unhealthy"
	}
	return "healthy"
}
