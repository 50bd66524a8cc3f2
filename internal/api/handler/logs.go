package handler

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/repository"
	"github.com/user/llm-gateway-go/internal/service"
)

const (
	// logQueryTimeout caps the maximum execution time for log read queries.
	logQueryTimeout = 10 * time.Second
	// maxLogLimit caps the maximum number of log entries per page.
	maxLogLimit = 500
)

// LogsHandler handles request log endpoints on the admin surface.
type LogsHandler struct {
	logs   *service.RequestLogService
	logger *zap.Logger
}

// NewLogsHandler creates a new LogsHandler.
func NewLogsHandler(logs *service.RequestLogService, logger *zap.Logger) *LogsHandler {
	return &LogsHandler{logs: logs, logger: logger}
}

// logQueryFromParams builds the shared filter set for list and stats.
func logQueryFromParams(c *gin.Context) repository.LogQuery {
	q := repository.LogQuery{
		APIKeyID:  c.Query("api_key_id"),
		Model:     c.Query("model"),
		ErrorCode: c.Query("error_code"),
	}
	if s := c.Query("since"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			q.Since = &t
		}
	}
	if u := c.Query("until"); u != "" {
		if t, err := time.Parse(time.RFC3339, u); err == nil {
			q.Until = &t
		}
	}
	return q
}

// List retrieves request logs.
// GET /api/admin/logs?limit=100&offset=0&api_key_id=...&model=...&error_code=...&since=...&until=...
func (h *LogsHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 {
		limit = 100
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	if offset < 0 {
		offset = 0
	}

	q := logQueryFromParams(c)
	q.Limit = limit
	q.Offset = offset

	// Query logs with timeout to prevent slow queries from blocking the connection pool.
	ctx, cancel := context.WithTimeout(c.Request.Context(), logQueryTimeout)
	defer cancel()

	logs, total, err := h.logs.List(ctx, q)
	if err != nil {
		h.logger.Error("failed to retrieve logs", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to retrieve logs")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":   logs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// Get retrieves one request log with its routing decision and failover history.
// GET /api/admin/logs/:request_id
func (h *LogsHandler) Get(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), logQueryTimeout)
	defer cancel()

	log, err := h.logs.Get(ctx, c.Param("request_id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			errorResponse(c, http.StatusNotFound, "Request log not found")
			return
		}
		h.logger.Error("failed to retrieve log", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to retrieve log")
		return
	}
	c.JSON(http.StatusOK, log)
}

// Stats retrieves aggregated log statistics.
// GET /api/admin/logs/stats?api_key_id=...&model=...&error_code=...&since=...&until=...
func (h *LogsHandler) Stats(c *gin.Context) {
	q := logQueryFromParams(c)

	// Get statistics with timeout to prevent slow aggregation queries from blocking the pool.
	ctx, cancel := context.WithTimeout(c.Request.Context(), logQueryTimeout)
	defer cancel()

	stats, err := h.logs.Stats(ctx, q)
	if err != nil {
		h.logger.Error("failed to retrieve statistics", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "Failed to retrieve statistics")
		return
	}
	c.JSON(http.StatusOK, stats)
}
