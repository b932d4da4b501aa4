package api

import (
	"context"
	"time"

	"github.com/Egham-7/adaptive-cache/internal/services/cache"
	"github.com/Egham-7/adaptive-cache/internal/services/database"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	redisClient  *redis.Client
	db           *database.DB
	orchestrator *cache.Orchestrator
}

// NewHealthHandler creates a new health check handler
func NewHealthHandler(redisClient *redis.Client, db *database.DB, orchestrator *cache.Orchestrator) *HealthHandler {
	return &HealthHandler{
		redisClient:  redisClient,
		db:           db,
		orchestrator: orchestrator,
	}
}

// HealthCheck returns the health status of the service and its dependencies.
// A degraded Redis or database still reports 503 even though lookups fail
// open, so operators see the outage the callers never do.
func (h *HealthHandler) HealthCheck(c *fiber.Ctx) error {
	redisStatus := h.checkRedis()
	databaseStatus := h.checkDatabase()

	overallStatus := "healthy"
	statusCode := fiber.StatusOK

	if redisStatus != "healthy" || databaseStatus != "healthy" {
		overallStatus = "degraded"
		statusCode = fiber.StatusServiceUnavailable
	}

	response := fiber.Map{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks": fiber.Map{
			"redis":    redisStatus,
			"database": databaseStatus,
		},
	}

	if h.orchestrator != nil {
		response["current_threshold"] = h.orchestrator.CurrentThreshold()
	}

	return c.Status(statusCode).JSON(response)
}

// checkRedis verifies Redis connectivity
func (h *HealthHandler) checkRedis() string {
	if h.redisClient == nil {
		return "unknown"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := h.redisClient.Ping(ctx).Err(); err != nil {
		return "unhealthy"
	}

	return "healthy"
}

// checkDatabase verifies metrics database connectivity
func (h *HealthHandler) checkDatabase() string {
	if h.db == nil {
		return "unknown"
	}

	if err := h.db.Ping(); err != nil {
		return "unhealthy"
	}

	return "healthy"
}
