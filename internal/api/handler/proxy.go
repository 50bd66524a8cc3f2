package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/api/middleware"
	"github.com/user/llm-gateway-go/internal/models"
	"github.com/user/llm-gateway-go/internal/service"
	"github.com/user/llm-gateway-go/internal/telemetry"
)

// ProxyHandler serves the /v1/*path catch-all: authenticate, route by
// model, execute with failover, and relay the response or stream.
type ProxyHandler struct {
	auth         *service.AuthService
	router       *service.ModelRouter
	executor     *service.FailoverExecutor
	logs         *service.RequestLogService
	metrics      *telemetry.Metrics
	maxBodyBytes int64
	logger       *zap.Logger
}

// NewProxyHandler creates a ProxyHandler. maxBodyBytes bounds the
// buffered request body; zero or negative selects 10 MB.
func NewProxyHandler(
	auth *service.AuthService,
	router *service.ModelRouter,
	executor *service.FailoverExecutor,
	logs *service.RequestLogService,
	metrics *telemetry.Metrics,
	maxBodyBytes int64,
	logger *zap.Logger,
) *ProxyHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 10 << 20
	}
	return &ProxyHandler{
		auth:         auth,
		router:       router,
		executor:     executor,
		logs:         logs,
		metrics:      metrics,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// Proxy handles any method on /v1/*path.
func (h *ProxyHandler) Proxy(c *gin.Context) {
	start := time.Now()
	ctx := c.Request.Context()
	requestID := middleware.GetRequestID(c)

	key, err := h.auth.Verify(ctx, extractAPIKey(c))
	if err != nil {
		gatewayError(c, h.logger, err)
		return
	}

	body, err := h.readBody(c)
	if err != nil {
		gatewayError(c, h.logger, err)
		return
	}

	// Every request routes by its model; a body without one cannot be
	// dispatched to any provider.
	model := service.ExtractModel(body)
	if model == "" {
		gatewayError(c, h.logger,
			service.NewGatewayError(service.CodeInvalidRequest, "model is required"))
		return
	}

	isStream := service.ExtractStreamFlag(body)
	path := c.Param("path")

	// The in-progress row goes in before anything is forwarded; exactly
	// one final update follows on every exit path below.
	h.logs.Begin(ctx, &models.RequestLogEntry{
		RequestID: requestID,
		APIKeyID:  key.ID,
		Method:    c.Request.Method,
		Path:      path,
		Model:     model,
		IsStream:  isStream,
	})

	route, err := h.router.Route(ctx, model, key)
	if err != nil {
		ge := gatewayError(c, h.logger, err)
		h.finishError(requestID, start, model, isStream, route, nil, ge)
		return
	}

	result, err := h.executor.Execute(ctx, &service.ProxyRequest{
		Method:   c.Request.Method,
		Path:     path,
		RawQuery: c.Request.URL.RawQuery,
		Header:   c.Request.Header,
		Body:     body,
	}, route)
	h.recordUpstreamMetrics(route, result)
	if err != nil {
		ge := gatewayError(c, h.logger, err)
		h.finishError(requestID, start, model, isStream, route, result, ge)
		return
	}

	if result.IsStream {
		h.relayStream(c, requestID, start, route, result)
		return
	}
	h.relayBuffered(c, requestID, start, route, result)
}

// relayBuffered writes a fully buffered upstream response downstream.
func (h *ProxyHandler) relayBuffered(c *gin.Context, requestID string, start time.Time, route *service.RouteResult, result *service.ProxyResult) {
	for k, vv := range result.Header {
		switch http.CanonicalHeaderKey(k) {
		case "Content-Type", "Content-Length":
			continue
		}
		c.Writer.Header()[k] = vv
	}
	c.Header(middleware.RequestIDHeader, requestID)

	contentType := result.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(result.StatusCode, contentType, result.Body)

	h.recordTokens(route.Decision.ResolvedModel, result.Usage)
	status := result.StatusCode
	h.logs.Finish(c.Request.Context(), &models.RequestLogFinal{
		RequestID:        requestID,
		StatusCode:       &status,
		UpstreamID:       result.Upstream.ID,
		UpstreamName:     result.Upstream.Name,
		ResolvedModel:    result.ResolvedModel,
		Usage:            result.Usage,
		DurationMs:       msSince(start),
		RoutingDecision:  route.Decision,
		FailoverAttempts: result.Attempts,
	})
}

// relayStream pipes SSE chunks downstream as they arrive. The final
// chunk settles the request log; a vanished client settles it too.
func (h *ProxyHandler) relayStream(c *gin.Context, requestID string, start time.Time, route *service.RouteResult, result *service.ProxyResult) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // Disable nginx buffering
	c.Status(result.StatusCode)
	c.Writer.Flush()

	h.metrics.ActiveStreams.Inc()
	defer h.metrics.ActiveStreams.Dec()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			h.logger.Debug("client disconnected during stream",
				zap.String("request_id", requestID))
			h.finishStream(c, requestID, start, route, result, nil, nil)
			return
		case chunk, ok := <-result.Chunks:
			if !ok {
				return
			}
			if chunk.Done {
				h.finishStream(c, requestID, start, route, result, chunk.Stats, chunk.Err)
				return
			}
			if len(chunk.Data) > 0 {
				if _, err := c.Writer.Write(chunk.Data); err != nil {
					h.logger.Debug("failed to write chunk",
						zap.String("request_id", requestID),
						zap.Error(err))
					h.finishStream(c, requestID, start, route, result, nil, nil)
					return
				}
				c.Writer.Flush()
			}
		}
	}
}

// finishStream applies the final log update for a stream. stats is nil
// when the client went away before the stream settled.
func (h *ProxyHandler) finishStream(c *gin.Context, requestID string, start time.Time, route *service.RouteResult, result *service.ProxyResult, stats *service.StreamStats, streamErr error) {
	status := result.StatusCode
	final := &models.RequestLogFinal{
		RequestID:        requestID,
		StatusCode:       &status,
		UpstreamID:       result.Upstream.ID,
		UpstreamName:     result.Upstream.Name,
		ResolvedModel:    result.ResolvedModel,
		IsStream:         true,
		DurationMs:       msSince(start),
		RoutingDecision:  route.Decision,
		FailoverAttempts: result.Attempts,
	}

	switch {
	case stats != nil && stats.Completed:
		final.Usage = stats.Usage
		h.recordTokens(route.Decision.ResolvedModel, stats.Usage)
	case stats == nil || c.Request.Context().Err() != nil:
		gone := service.StatusClientClosedRequest
		final.StatusCode = &gone
		final.ErrorCode = service.CodeClientDisconnected
		final.ErrorMessage = "client disconnected mid-stream"
	default:
		final.ErrorCode = service.CodeStreamError
		if streamErr != nil {
			final.ErrorMessage = streamErr.Error()
		}
		if stats != nil {
			final.Usage = stats.Usage
		}
		h.metrics.UpstreamErrors.WithLabelValues(
			result.Upstream.Name, string(models.ErrTypeStreamError)).Inc()
	}

	h.logs.Finish(c.Request.Context(), final)
}

// finishError applies the final log update for a request that produced
// no upstream response. The row keeps the full internal detail that the
// client-facing envelope hides.
func (h *ProxyHandler) finishError(requestID string, start time.Time, model string, isStream bool, route *service.RouteResult, result *service.ProxyResult, ge *service.GatewayError) {
	status := ge.Status
	final := &models.RequestLogFinal{
		RequestID:     requestID,
		StatusCode:    &status,
		ResolvedModel: model,
		IsStream:      isStream,
		ErrorCode:     ge.Code,
		ErrorMessage:  ge.Error(),
		DurationMs:    msSince(start),
	}
	if route != nil {
		final.RoutingDecision = route.Decision
		if route.Decision.ResolvedModel != "" {
			final.ResolvedModel = route.Decision.ResolvedModel
		}
	}
	if result != nil {
		final.FailoverAttempts = result.Attempts
	}
	h.logs.Finish(context.Background(), final)
}

// recordUpstreamMetrics feeds the attempt history and the serving
// upstream's latency into the collectors.
func (h *ProxyHandler) recordUpstreamMetrics(route *service.RouteResult, result *service.ProxyResult) {
	if result == nil {
		return
	}
	provider := string(route.Decision.ProviderType)
	if len(result.Attempts) > 0 {
		h.metrics.FailoversTotal.WithLabelValues(provider).Inc()
	}
	for _, a := range result.Attempts {
		if a.ErrorType == "" {
			continue
		}
		h.metrics.UpstreamErrors.WithLabelValues(a.UpstreamName, string(a.ErrorType)).Inc()
	}
	if result.Upstream != nil {
		h.metrics.UpstreamDuration.WithLabelValues(
			result.Upstream.Name, provider).Observe(result.LatencyMs / 1000)
	}
}

func (h *ProxyHandler) recordTokens(model string, usage models.Usage) {
	if usage.IsZero() {
		return
	}
	h.metrics.TokensProcessed.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
	h.metrics.TokensProcessed.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))
}

// readBody buffers the request body so failover can replay it.
func (h *ProxyHandler) readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.maxBodyBytes+1))
	if err != nil {
		return nil, service.WrapGatewayError(service.CodeInvalidRequest, "failed to read request body", err)
	}
	if int64(len(body)) > h.maxBodyBytes {
		return nil, service.NewGatewayError(service.CodeInvalidRequest,
			fmt.Sprintf("request body exceeds %d bytes", h.maxBodyBytes))
	}
	return body, nil
}

// extractAPIKey extracts the API key from x-api-key header or Authorization bearer.
func extractAPIKey(c *gin.Context) string {
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
