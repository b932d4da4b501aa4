package api

import (
	"errors"

	"github.com/Egham-7/adaptive-cache/internal/models"
	"github.com/Egham-7/adaptive-cache/internal/services/cache"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// CacheHandler exposes the cache orchestrator over HTTP.
type CacheHandler struct {
	orchestrator *cache.Orchestrator
}

func NewCacheHandler(orchestrator *cache.Orchestrator) *CacheHandler {
	return &CacheHandler{orchestrator: orchestrator}
}

func (h *CacheHandler) RegisterRoutes(app *fiber.App, basePath string) {
	group := app.Group(basePath)
	group.Post("/check", h.CheckCache)
	group.Post("/store", h.StoreInCache)
	group.Post("/warm", h.WarmCache)
	group.Post("/purge", h.ClearExpired)
	group.Delete("/tenants/:tenantId", h.InvalidateTenant)
	group.Get("/analytics", h.GetAnalytics)
	group.Get("/stats", h.GetStats)
}

type checkCacheRequest struct {
	TenantID string                    `json:"tenant_id"`
	Query    string                    `json:"query"`
	Options  *models.CheckCacheOptions `json:"options,omitempty"`
}

type storeCacheRequest struct {
	TenantID string         `json:"tenant_id"`
	Query    string         `json:"query"`
	Response string         `json:"response"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type warmCacheRequest struct {
	TenantID string   `json:"tenant_id"`
	Queries  []string `json:"queries,omitempty"`
}

// CheckCache resolves a query against the cache. A miss is a 204, never an
// error.
func (h *CacheHandler) CheckCache(c *fiber.Ctx) error {
	var req checkCacheRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	entry, err := h.orchestrator.CheckCache(c.UserContext(), req.TenantID, req.Query, req.Options)
	if err != nil {
		return handleAppError(c, err)
	}
	if entry == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}

	return c.JSON(entry)
}

// StoreInCache writes a response into the cache.
func (h *CacheHandler) StoreInCache(c *fiber.Ctx) error {
	var req storeCacheRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if err := h.orchestrator.StoreInCache(c.UserContext(), req.TenantID, req.Query, req.Response, req.Metadata); err != nil {
		return handleAppError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

// WarmCache runs a warming pass for a tenant, optionally over an explicit
// query list.
func (h *CacheHandler) WarmCache(c *fiber.Ctx) error {
	var req warmCacheRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if err := h.orchestrator.WarmCache(c.UserContext(), req.TenantID, req.Queries); err != nil {
		return handleAppError(c, err)
	}

	return c.JSON(fiber.Map{"status": "warmed"})
}

// InvalidateTenant removes every cache entry for a tenant.
func (h *CacheHandler) InvalidateTenant(c *fiber.Ctx) error {
	tenantID := c.Params("tenantId")

	if err := h.orchestrator.InvalidateProjectCache(c.UserContext(), tenantID); err != nil {
		return handleAppError(c, err)
	}

	return c.JSON(fiber.Map{"status": "invalidated", "tenant_id": tenantID})
}

// ClearExpired sweeps expired entries out of the similarity store.
func (h *CacheHandler) ClearExpired(c *fiber.Ctx) error {
	count, err := h.orchestrator.ClearExpiredCache(c.UserContext())
	if err != nil {
		fiberlog.Errorf("CacheHandler: purge failed: %v", err)
		return handleAppError(c, err)
	}

	return c.JSON(fiber.Map{"purged": count})
}

// GetAnalytics returns a tenant's derived cache analytics.
func (h *CacheHandler) GetAnalytics(c *fiber.Ctx) error {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "tenant_id is required",
		})
	}
	timeRange := models.TimeRange(c.Query("time_range", string(models.TimeRange24h)))

	analytics := h.orchestrator.GetCacheAnalytics(c.UserContext(), tenantID, timeRange)
	return c.JSON(analytics)
}

// GetStats returns aggregate cache statistics, tenant-scoped or global.
func (h *CacheHandler) GetStats(c *fiber.Ctx) error {
	stats := h.orchestrator.GetCacheStats(c.UserContext(), c.Query("tenant_id"))
	return c.JSON(stats)
}

func handleAppError(c *fiber.Ctx, err error) error {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.GetStatusCode()).JSON(models.SanitizeError(appErr))
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": err.Error(),
	})
}
