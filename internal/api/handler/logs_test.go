//go:build !integration && !e2e
// +build !integration,!e2e

package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/llm-gateway-go/internal/models"
	"github.com/user/llm-gateway-go/internal/repository"
	"github.com/user/llm-gateway-go/internal/service"
	"github.com/user/llm-gateway-go/tests/testutil"
)

func newLogsFixture(t *testing.T) (*LogsHandler, *service.RequestLogService) {
	t.Helper()
	db := testutil.NewTestDB(t)
	testutil.SeedTestData(t, db)
	logs := service.NewRequestLogService(
		repository.NewRequestLogRepository(db, testutil.NewTestLogger()),
		testutil.NewTestLogger())
	return NewLogsHandler(logs, testutil.NewTestLogger()), logs
}

// seedLog runs one full log lifecycle: pending insert plus final update.
func seedLog(logs *service.RequestLogService, requestID, model string, status int, usage models.Usage) {
	ctx := context.Background()
	logs.Begin(ctx, &models.RequestLogEntry{
		RequestID: requestID,
		APIKeyID:  "key-admin",
		Method:    "POST",
		Path:      "/chat/completions",
		Model:     model,
	})
	logs.Finish(ctx, &models.RequestLogFinal{
		RequestID:     requestID,
		StatusCode:    &status,
		UpstreamID:    "up-openai-a",
		UpstreamName:  "openai-primary",
		ResolvedModel: model,
		Usage:         usage,
		DurationMs:    12.5,
	})
}

func TestLogsHandler_List(t *testing.T) {
	handler, logs := newLogsFixture(t)

	seedLog(logs, "req-1", "gpt-4", 200, models.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30})
	seedLog(logs, "req-2", "gpt-4o", 502, models.Usage{})

	c, w := testutil.NewTestContext()
	c.Request = httptest.NewRequest("GET", "/api/admin/logs", nil)

	handler.List(c)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Logs []struct {
			RequestID string `json:"request_id"`
			Model     string `json:"model"`
		} `json:"logs"`
		Total  int64 `json:"total"`
		Limit  int   `json:"limit"`
		Offset int   `json:"offset"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Total)
	assert.Equal(t, 100, resp.Limit)
	assert.Len(t, resp.Logs, 2)
}

func TestLogsHandler_ListFilters(t *testing.T) {
	handler, logs := newLogsFixture(t)

	seedLog(logs, "req-1", "gpt-4", 200, models.Usage{TotalTokens: 30})
	seedLog(logs, "req-2", "claude-sonnet-4", 200, models.Usage{TotalTokens: 25})

	c, w := testutil.NewTestContext()
	c.Request = httptest.NewRequest("GET", "/api/admin/logs?model=gpt-4&limit=10", nil)

	handler.List(c)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Logs []struct {
			RequestID string `json:"request_id"`
		} `json:"logs"`
		Total int64 `json:"total"`
		Limit int   `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Total)
	assert.Equal(t, 10, resp.Limit)
	require.Len(t, resp.Logs, 1)
	assert.Equal(t, "req-1", resp.Logs[0].RequestID)
}

func TestLogsHandler_ListLimitCap(t *testing.T) {
	handler, _ := newLogsFixture(t)

	c, w := testutil.NewTestContext()
	c.Request = httptest.NewRequest("GET", "/api/admin/logs?limit=99999", nil)

	handler.List(c)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Limit int `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, maxLogLimit, resp.Limit)
}

func TestLogsHandler_Get(t *testing.T) {
	handler, logs := newLogsFixture(t)

	seedLog(logs, "req-detail", "gpt-4", 200, models.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30})

	c, w := testutil.NewTestContext()
	c.Request = httptest.NewRequest("GET", "/api/admin/logs/req-detail", nil)
	c.Params = []gin.Param{{Key: "request_id", Value: "req-detail"}}

	handler.Get(c)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		RequestID    string `json:"request_id"`
		UpstreamName string `json:"upstream_name"`
		StatusCode   *int   `json:"status_code"`
		Usage        struct {
			TotalTokens int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "req-detail", resp.RequestID)
	assert.Equal(t, "openai-primary", resp.UpstreamName)
	require.NotNil(t, resp.StatusCode)
	assert.Equal(t, 200, *resp.StatusCode)
	assert.Equal(t, int64(30), resp.Usage.TotalTokens)
}

func TestLogsHandler_GetNotFound(t *testing.T) {
	handler, _ := newLogsFixture(t)

	c, w := testutil.NewTestContext()
	c.Request = httptest.NewRequest("GET", "/api/admin/logs/missing", nil)
	c.Params = []gin.Param{{Key: "request_id", Value: "missing"}}

	handler.Get(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLogsHandler_Stats(t *testing.T) {
	handler, logs := newLogsFixture(t)

	seedLog(logs, "req-1", "gpt-4", 200, models.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30})
	seedLog(logs, "req-2", "gpt-4", 200, models.Usage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10})
	seedLog(logs, "req-3", "claude-sonnet-4", 503, models.Usage{})

	c, w := testutil.NewTestContext()
	c.Request = httptest.NewRequest("GET", "/api/admin/logs/stats", nil)

	handler.Stats(c)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		TotalRequests         int64   `json:"total_requests"`
		SuccessRate           float64 `json:"success_rate"`
		TotalPromptTokens     int64   `json:"total_prompt_tokens"`
		TotalCompletionTokens int64   `json:"total_completion_tokens"`
		ByModel               []struct {
			Name     string `json:"name"`
			Requests int64  `json:"requests"`
		} `json:"by_model"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.TotalRequests)
	assert.InDelta(t, 66.7, resp.SuccessRate, 0.1)
	assert.Equal(t, int64(15), resp.TotalPromptTokens)
	assert.Equal(t, int64(25), resp.TotalCompletionTokens)
	assert.Len(t, resp.ByModel, 2)
}
