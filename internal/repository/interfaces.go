// Package repository defines data access interfaces and implementations.
package repository

import (
	"context"
	"time"

	"github.com/user/llm-gateway-go/internal/models"
)

// UpstreamRepository provides access to upstream configuration.
type UpstreamRepository interface {
	FindByID(ctx context.Context, id string) (*models.Upstream, error)
	FindByName(ctx context.Context, name string) (*models.Upstream, error)
	// FindByProviderType returns upstreams of the given provider type in
	// stable creation order.
	FindByProviderType(ctx context.Context, pt models.ProviderType, activeOnly bool) ([]*models.Upstream, error)
	FindAll(ctx context.Context) ([]*models.Upstream, error)
	FindAllActive(ctx context.Context) ([]*models.Upstream, error)
	Insert(ctx context.Context, u *models.Upstream) error
	Update(ctx context.Context, u *models.Upstream) error
	Delete(ctx context.Context, id string) error
}

// APIKeyRepository provides access to API key data.
type APIKeyRepository interface {
	// FindActiveByPrefix returns all active keys sharing the given literal
	// prefix, each with its allowed upstream ids loaded.
	FindActiveByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	FindByID(ctx context.Context, id string) (*models.APIKey, error)
	FindAll(ctx context.Context) ([]*models.APIKey, error)
	Insert(ctx context.Context, key *models.APIKey) error
	UpdateLastUsed(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string, active bool) error
	SetAllowedUpstreams(ctx context.Context, id string, upstreamIDs []string) error
	Delete(ctx context.Context, id string) error
}

// CircuitBreakerStateRepository persists the durable breaker rows.
type CircuitBreakerStateRepository interface {
	// Get returns the breaker row, or nil when none exists yet.
	Get(ctx context.Context, upstreamID string) (*models.CircuitBreakerState, error)
	GetAll(ctx context.Context) ([]*models.CircuitBreakerState, error)
	Upsert(ctx context.Context, state *models.CircuitBreakerState) error
	Delete(ctx context.Context, upstreamID string) error
}

// HealthRepository persists the advisory health rows.
type HealthRepository interface {
	// Get returns the health row, or nil when none exists yet.
	Get(ctx context.Context, upstreamID string) (*models.HealthRecord, error)
	List(ctx context.Context, activeOnly bool) ([]*models.HealthRecord, error)
	Upsert(ctx context.Context, rec *models.HealthRecord) error
}

// LogQuery narrows a request log listing.
type LogQuery struct {
	Limit     int
	Offset    int
	APIKeyID  string
	Model     string
	ErrorCode string
	Since     *time.Time
	Until     *time.Time
}

// RequestLogRepository provides access to request log data.
type RequestLogRepository interface {
	// InsertPending writes the in-progress row before forwarding begins.
	InsertPending(ctx context.Context, entry *models.RequestLogEntry) error
	// Finalize applies the single final update after the response (or
	// stream) completes.
	Finalize(ctx context.Context, final *models.RequestLogFinal) error
	GetByRequestID(ctx context.Context, requestID string) (*models.RequestLog, error)
	List(ctx context.Context, q LogQuery) ([]*models.RequestLog, int64, error)
	Stats(ctx context.Context, q LogQuery) (*LogStatistics, error)
}
