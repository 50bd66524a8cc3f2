package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/models"
	"github.com/user/llm-gateway-go/internal/repository"
)

// HealthTracker records upstream health observations. Health is purely
// advisory: routing never consults it to exclude an upstream, only the
// circuit breaker does that. Mark calls therefore swallow persistence
// errors instead of failing the request that produced the observation.
type HealthTracker struct {
	health repository.HealthRepository
	logger *zap.Logger
}

// NewHealthTracker creates a HealthTracker.
func NewHealthTracker(health repository.HealthRepository, logger *zap.Logger) *HealthTracker {
	return &HealthTracker{health: health, logger: logger}
}

// MarkHealthy records a successful observation with its latency.
func (t *HealthTracker) MarkHealthy(ctx context.Context, upstreamID string, latencyMs float64) {
	rec, err := t.load(ctx, upstreamID)
	if err != nil {
		t.logger.Warn("failed to load health record", zap.String("upstream_id", upstreamID), zap.Error(err))
		return
	}
	now := time.Now()
	rec.IsHealthy = true
	rec.LastCheckAt = &now
	rec.LastSuccessAt = &now
	rec.FailureCount = 0
	rec.LatencyMs = latencyMs
	rec.ErrorMessage = ""

	if err := t.health.Upsert(ctx, rec); err != nil {
		t.logger.Warn("failed to persist health record", zap.String("upstream_id", upstreamID), zap.Error(err))
	}
}

// MarkUnhealthy records a failed observation with its reason.
func (t *HealthTracker) MarkUnhealthy(ctx context.Context, upstreamID string, reason string) {
	rec, err := t.load(ctx, upstreamID)
	if err != nil {
		t.logger.Warn("failed to load health record", zap.String("upstream_id", upstreamID), zap.Error(err))
		return
	}
	now := time.Now()
	rec.IsHealthy = false
	rec.LastCheckAt = &now
	rec.FailureCount++
	rec.ErrorMessage = reason

	if err := t.health.Upsert(ctx, rec); err != nil {
		t.logger.Warn("failed to persist health record", zap.String("upstream_id", upstreamID), zap.Error(err))
	}
}

// Get returns the health record for one upstream, or nil when no
// observation has been recorded yet.
func (t *HealthTracker) Get(ctx context.Context, upstreamID string) (*models.HealthRecord, error) {
	rec, err := t.health.Get(ctx, upstreamID)
	if err != nil {
		return nil, fmt.Errorf("failed to get health record: %w", err)
	}
	return rec, nil
}

// List returns health records, optionally only for active upstreams.
func (t *HealthTracker) List(ctx context.Context, activeOnly bool) ([]*models.HealthRecord, error) {
	recs, err := t.health.List(ctx, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list health records: %w", err)
	}
	return recs, nil
}

func (t *HealthTracker) load(ctx context.Context, upstreamID string) (*models.HealthRecord, error) {
	rec, err := t.health.Get(ctx, upstreamID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &models.HealthRecord{UpstreamID: upstreamID}
	}
	return rec, nil
}
