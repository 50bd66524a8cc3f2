package handler

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/models"
	"github.com/user/llm-gateway-go/internal/repository"
	"github.com/user/llm-gateway-go/internal/secret"
	"github.com/user/llm-gateway-go/internal/service"
)

// UpstreamHandler handles upstream CRUD on the admin surface. Provider
// API keys are sealed before they touch the database and are never
// returned to callers.
type UpstreamHandler struct {
	upstreams repository.UpstreamRepository
	cache     *service.UpstreamCache
	box       *secret.Box
	logger    *zap.Logger
}

// NewUpstreamHandler creates a new UpstreamHandler.
func NewUpstreamHandler(upstreams repository.UpstreamRepository, cache *service.UpstreamCache, box *secret.Box, logger *zap.Logger) *UpstreamHandler {
	return &UpstreamHandler{upstreams: upstreams, cache: cache, box: box, logger: logger}
}

// List handles GET /api/admin/upstreams.
func (h *UpstreamHandler) List(c *gin.Context) {
	ups, err := h.upstreams.FindAll(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list upstreams", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to list upstreams")
		return
	}
	if ups == nil {
		ups = []*models.Upstream{}
	}
	c.JSON(http.StatusOK, gin.H{"upstreams": ups, "total": len(ups)})
}

// Get handles GET /api/admin/upstreams/:id.
func (h *UpstreamHandler) Get(c *gin.Context) {
	up, err := h.upstreams.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			errorResponse(c, http.StatusNotFound, "Upstream not found")
			return
		}
		h.logger.Error("failed to get upstream", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to get upstream")
		return
	}
	c.JSON(http.StatusOK, up)
}

// Create handles POST /api/admin/upstreams.
func (h *UpstreamHandler) Create(c *gin.Context) {
	var req struct {
		Name           string                `json:"name" binding:"required,max=100"`
		ProviderType   string                `json:"provider_type" binding:"required"`
		BaseURL        string                `json:"base_url" binding:"required"`
		APIKey         string                `json:"api_key" binding:"required"`
		TimeoutSeconds int                   `json:"timeout_seconds"`
		Weight         int                   `json:"weight"`
		IsActive       *bool                 `json:"is_active"`
		AllowedModels  []string              `json:"allowed_models"`
		ModelRedirects map[string]string     `json:"model_redirects"`
		BreakerConfig  *models.BreakerConfig `json:"breaker_config"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}
	if err := validateUpstreamFields(req.ProviderType, req.BaseURL, req.Weight, req.TimeoutSeconds, req.ModelRedirects); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	sealed, err := h.box.Seal(req.APIKey)
	if err != nil {
		h.logger.Error("failed to seal upstream api key", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to store API key")
		return
	}

	up := &models.Upstream{
		ID:              uuid.NewString(),
		Name:            req.Name,
		ProviderType:    models.ProviderType(req.ProviderType),
		BaseURL:         req.BaseURL,
		APIKeyEncrypted: sealed,
		TimeoutSeconds:  req.TimeoutSeconds,
		IsActive:        true,
		Weight:          req.Weight,
		AllowedModels:   req.AllowedModels,
		ModelRedirects:  req.ModelRedirects,
		BreakerConfig:   req.BreakerConfig,
	}
	if up.Weight == 0 {
		up.Weight = 1
	}
	if req.IsActive != nil {
		up.IsActive = *req.IsActive
	}

	if err := h.upstreams.Insert(c.Request.Context(), up); err != nil {
		h.logger.Error("failed to insert upstream", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to create upstream")
		return
	}
	h.cache.Invalidate()

	h.logger.Info("upstream created",
		zap.String("upstream_id", up.ID),
		zap.String("name", up.Name),
		zap.String("provider_type", string(up.ProviderType)))
	c.JSON(http.StatusCreated, up)
}

// Update handles PUT /api/admin/upstreams/:id. Absent fields keep their
// current values; a present api_key is re-sealed.
func (h *UpstreamHandler) Update(c *gin.Context) {
	up, err := h.upstreams.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			errorResponse(c, http.StatusNotFound, "Upstream not found")
			return
		}
		h.logger.Error("failed to get upstream", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to get upstream")
		return
	}

	var req struct {
		Name           *string               `json:"name"`
		ProviderType   *string               `json:"provider_type"`
		BaseURL        *string               `json:"base_url"`
		APIKey         *string               `json:"api_key"`
		TimeoutSeconds *int                  `json:"timeout_seconds"`
		Weight         *int                  `json:"weight"`
		IsActive       *bool                 `json:"is_active"`
		AllowedModels  []string              `json:"allowed_models"`
		ModelRedirects map[string]string     `json:"model_redirects"`
		BreakerConfig  *models.BreakerConfig `json:"breaker_config"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	if req.Name != nil {
		up.Name = *req.Name
	}
	if req.ProviderType != nil {
		up.ProviderType = models.ProviderType(*req.ProviderType)
	}
	if req.BaseURL != nil {
		up.BaseURL = *req.BaseURL
	}
	if req.TimeoutSeconds != nil {
		up.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.Weight != nil {
		up.Weight = *req.Weight
	}
	if req.IsActive != nil {
		up.IsActive = *req.IsActive
	}
	if req.AllowedModels != nil {
		up.AllowedModels = req.AllowedModels
	}
	if req.ModelRedirects != nil {
		up.ModelRedirects = req.ModelRedirects
	}
	if req.BreakerConfig != nil {
		up.BreakerConfig = req.BreakerConfig
	}
	if err := validateUpstreamFields(string(up.ProviderType), up.BaseURL, up.Weight, up.TimeoutSeconds, up.ModelRedirects); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if req.APIKey != nil {
		sealed, err := h.box.Seal(*req.APIKey)
		if err != nil {
			h.logger.Error("failed to seal upstream api key", zap.Error(err))
			errorResponse(c, http.StatusInternalServerError, "Failed to store API key")
			return
		}
		up.APIKeyEncrypted = sealed
	}

	if err := h.upstreams.Update(c.Request.Context(), up); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			errorResponse(c, http.StatusNotFound, "Upstream not found")
			return
		}
		h.logger.Error("failed to update upstream", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to update upstream")
		return
	}
	h.cache.Invalidate()

	h.logger.Info("upstream updated", zap.String("upstream_id", up.ID))
	c.JSON(http.StatusOK, up)
}

// Delete handles DELETE /api/admin/upstreams/:id.
func (h *UpstreamHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.upstreams.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			errorResponse(c, http.StatusNotFound, "Upstream not found")
			return
		}
		h.logger.Error("failed to delete upstream", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to delete upstream")
		return
	}
	h.cache.Invalidate()

	h.logger.Info("upstream deleted", zap.String("upstream_id", id))
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// validateUpstreamFields checks the cross-field rules that binding tags
// cannot express.
func validateUpstreamFields(providerType, baseURL string, weight, timeoutSeconds int, redirects map[string]string) error {
	if !models.ValidProviderType(providerType) {
		return fmt.Errorf("provider_type must be one of openai, anthropic, google, custom")
	}
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute http(s) URL")
	}
	if weight < 0 {
		return fmt.Errorf("weight must not be negative")
	}
	if timeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must not be negative")
	}
	return validateRedirects(redirects)
}

// validateRedirects rejects redirect maps with cycles. Chains are
// followed from every key; revisiting any model is a cycle.
func validateRedirects(redirects map[string]string) error {
	for from := range redirects {
		visited := map[string]struct{}{from: {}}
		cur := from
		for range redirects {
			next, ok := redirects[cur]
			if !ok {
				break
			}
			if _, seen := visited[next]; seen {
				return fmt.Errorf("model_redirects contains a cycle through %q", next)
			}
			visited[next] = struct{}{}
			cur = next
		}
	}
	return nil
}
