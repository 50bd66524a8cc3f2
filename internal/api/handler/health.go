package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/models"
	"github.com/user/llm-gateway-go/internal/service"
	"github.com/user/llm-gateway-go/internal/version"
)

// HealthHandler serves the liveness endpoint and the advisory upstream
// health records.
type HealthHandler struct {
	tracker *service.HealthTracker
	logger  *zap.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(tracker *service.HealthTracker, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{tracker: tracker, logger: logger}
}

// Healthz handles GET /healthz. It reports on the gateway process, not
// on upstreams; an all-upstreams-down gateway is still alive.
func (h *HealthHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Short(),
	})
}

// UpstreamHealth handles GET /api/admin/health. Records are advisory
// observations; the circuit breaker is what actually gates routing.
func (h *HealthHandler) UpstreamHealth(c *gin.Context) {
	activeOnly := c.DefaultQuery("active_only", "false") == "true"

	recs, err := h.tracker.List(c.Request.Context(), activeOnly)
	if err != nil {
		h.logger.Error("failed to list health records", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to list health records")
		return
	}
	if recs == nil {
		recs = []*models.HealthRecord{}
	}

	healthy := 0
	for _, r := range recs {
		if r.IsHealthy {
			healthy++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"upstreams": recs,
		"healthy":   healthy,
		"unhealthy": len(recs) - healthy,
	})
}
