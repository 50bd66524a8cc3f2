package handler

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/models"
	"github.com/user/llm-gateway-go/internal/repository"
	"github.com/user/llm-gateway-go/internal/service"
)

// BreakerHandler exposes circuit breaker state and the manual overrides.
type BreakerHandler struct {
	breaker   *service.CircuitBreaker
	upstreams repository.UpstreamRepository
	logger    *zap.Logger
}

// NewBreakerHandler creates a new BreakerHandler.
func NewBreakerHandler(breaker *service.CircuitBreaker, upstreams repository.UpstreamRepository, logger *zap.Logger) *BreakerHandler {
	return &BreakerHandler{breaker: breaker, upstreams: upstreams, logger: logger}
}

// List handles GET /api/admin/breakers.
func (h *BreakerHandler) List(c *gin.Context) {
	states, err := h.breaker.GetAllStates(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list breaker states", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to list breaker states")
		return
	}
	if states == nil {
		states = []*models.CircuitBreakerState{}
	}
	c.JSON(http.StatusOK, gin.H{"breakers": states, "total": len(states)})
}

// ForceOpen handles POST /api/admin/breakers/:id/force_open.
func (h *BreakerHandler) ForceOpen(c *gin.Context) {
	h.force(c, h.breaker.ForceOpen)
}

// ForceClose handles POST /api/admin/breakers/:id/force_close.
func (h *BreakerHandler) ForceClose(c *gin.Context) {
	h.force(c, h.breaker.ForceClose)
}

func (h *BreakerHandler) force(c *gin.Context, apply func(ctx context.Context, upstreamID string) error) {
	id := c.Param("id")
	if _, err := h.upstreams.FindByID(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			errorResponse(c, http.StatusNotFound, "Upstream not found")
			return
		}
		h.logger.Error("failed to get upstream", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to get upstream")
		return
	}

	if err := apply(c.Request.Context(), id); err != nil {
		h.logger.Error("failed to force breaker state",
			zap.String("upstream_id", id), zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to update breaker state")
		return
	}

	st, err := h.breaker.GetState(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("failed to read breaker state",
			zap.String("upstream_id", id), zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to read breaker state")
		return
	}
	c.JSON(http.StatusOK, st)
}
