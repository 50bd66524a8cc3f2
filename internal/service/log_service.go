package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/models"
	"github.com/user/llm-gateway-go/internal/repository"
)

const logSaveTimeout = 5 * time.Second

// RequestLogService owns the request log lifecycle: one in-progress row
// written before forwarding begins, one final update after the response
// settles. Both writes are best-effort; a broken log store must never
// abort a proxy call.
type RequestLogService struct {
	logs   repository.RequestLogRepository
	logger *zap.Logger
}

// NewRequestLogService creates a RequestLogService.
func NewRequestLogService(logs repository.RequestLogRepository, logger *zap.Logger) *RequestLogService {
	return &RequestLogService{logs: logs, logger: logger}
}

// Begin inserts the in-progress row.
func (s *RequestLogService) Begin(ctx context.Context, entry *models.RequestLogEntry) {
	if err := s.logs.InsertPending(ctx, entry); err != nil {
		s.logger.Warn("failed to insert pending request log",
			zap.String("request_id", entry.RequestID),
			zap.Error(err))
	}
}

// Finish applies the final update. It runs on a detached context since
// the request context is typically cancelled by the time a stream closes.
func (s *RequestLogService) Finish(ctx context.Context, final *models.RequestLogFinal) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logSaveTimeout)
	defer cancel()
	if err := s.logs.Finalize(saveCtx, final); err != nil {
		s.logger.Error("failed to finalize request log",
			zap.String("request_id", final.RequestID),
			zap.Error(err))
	}
}

// List returns request logs matching q plus the total match count.
func (s *RequestLogService) List(ctx context.Context, q repository.LogQuery) ([]*models.RequestLog, int64, error) {
	return s.logs.List(ctx, q)
}

// Get returns one request log by its request id.
func (s *RequestLogService) Get(ctx context.Context, requestID string) (*models.RequestLog, error) {
	return s.logs.GetByRequestID(ctx, requestID)
}

// Stats aggregates request counts, latency, and token totals over the
// logs matching q.
func (s *RequestLogService) Stats(ctx context.Context, q repository.LogQuery) (*repository.LogStatistics, error) {
	return s.logs.Stats(ctx, q)
}
