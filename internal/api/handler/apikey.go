package handler

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/models"
	"github.com/user/llm-gateway-go/internal/repository"
	"github.com/user/llm-gateway-go/internal/service"
)

// APIKeyHandler handles gateway API key management on the admin surface.
type APIKeyHandler struct {
	keys   repository.APIKeyRepository
	auth   *service.AuthService
	logger *zap.Logger
}

// NewAPIKeyHandler creates a new APIKeyHandler.
func NewAPIKeyHandler(keys repository.APIKeyRepository, auth *service.AuthService, logger *zap.Logger) *APIKeyHandler {
	return &APIKeyHandler{keys: keys, auth: auth, logger: logger}
}

// List handles GET /api/admin/keys. The secret is never listed; only
// the display prefix survives creation.
func (h *APIKeyHandler) List(c *gin.Context) {
	keys, err := h.keys.FindAll(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list api keys", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to list API keys")
		return
	}
	if keys == nil {
		keys = []*models.APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "total": len(keys)})
}

// Get handles GET /api/admin/keys/:id.
func (h *APIKeyHandler) Get(c *gin.Context) {
	key, err := h.keys.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			errorResponse(c, http.StatusNotFound, "API key not found")
			return
		}
		h.logger.Error("failed to get api key", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to get API key")
		return
	}
	c.JSON(http.StatusOK, key)
}

// Create handles POST /api/admin/keys. The response carries the literal
// key exactly once; afterwards only its hash exists.
func (h *APIKeyHandler) Create(c *gin.Context) {
	var req struct {
		Name               string     `json:"name" binding:"required,max=100"`
		ExpiresAt          *time.Time `json:"expires_at"`
		AllowedUpstreamIDs []string   `json:"allowed_upstream_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		errorResponse(c, http.StatusBadRequest, "expires_at must be in the future")
		return
	}

	key, err := h.auth.Generate(req.Name, req.ExpiresAt, req.AllowedUpstreamIDs)
	if err != nil {
		h.logger.Error("failed to generate api key", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to generate API key")
		return
	}
	if err := h.keys.Insert(c.Request.Context(), key); err != nil {
		h.logger.Error("failed to insert api key", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to create API key")
		return
	}

	h.logger.Info("api key created",
		zap.String("key_id", key.ID),
		zap.String("name", key.Name))
	c.JSON(http.StatusCreated, gin.H{
		"id":                   key.ID,
		"key":                  key.KeyFull,
		"key_prefix":           key.KeyPrefix,
		"name":                 key.Name,
		"expires_at":           key.ExpiresAt,
		"allowed_upstream_ids": key.AllowedUpstreamIDs,
	})
}

// Activate handles POST /api/admin/keys/:id/activate.
func (h *APIKeyHandler) Activate(c *gin.Context) {
	h.setActive(c, true)
}

// Deactivate handles POST /api/admin/keys/:id/deactivate.
func (h *APIKeyHandler) Deactivate(c *gin.Context) {
	h.setActive(c, false)
}

func (h *APIKeyHandler) setActive(c *gin.Context, active bool) {
	id := c.Param("id")
	if err := h.keys.SetActive(c.Request.Context(), id, active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			errorResponse(c, http.StatusNotFound, "API key not found")
			return
		}
		h.logger.Error("failed to update api key", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to update API key")
		return
	}
	// Drop the cached verification so the change applies immediately.
	h.auth.Invalidate(id)

	h.logger.Info("api key active state changed",
		zap.String("key_id", id), zap.Bool("active", active))
	c.JSON(http.StatusOK, gin.H{"id": id, "is_active": active})
}

// SetUpstreams handles PUT /api/admin/keys/:id/upstreams, replacing the
// key's allow-list. An empty list removes all restrictions.
func (h *APIKeyHandler) SetUpstreams(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.keys.FindByID(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			errorResponse(c, http.StatusNotFound, "API key not found")
			return
		}
		h.logger.Error("failed to get api key", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to get API key")
		return
	}

	var req struct {
		AllowedUpstreamIDs []string `json:"allowed_upstream_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	if err := h.keys.SetAllowedUpstreams(c.Request.Context(), id, req.AllowedUpstreamIDs); err != nil {
		h.logger.Error("failed to set allowed upstreams", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to update API key")
		return
	}
	h.auth.Invalidate(id)

	c.JSON(http.StatusOK, gin.H{"id": id, "allowed_upstream_ids": req.AllowedUpstreamIDs})
}

// Delete handles DELETE /api/admin/keys/:id.
func (h *APIKeyHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.keys.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			errorResponse(c, http.StatusNotFound, "API key not found")
			return
		}
		h.logger.Error("failed to delete api key", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to delete API key")
		return
	}
	h.auth.Invalidate(id)

	h.logger.Info("api key deleted", zap.String("key_id", id))
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}
