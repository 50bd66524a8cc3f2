// Package models defines the domain models for the LLM gateway.
package models

import "time"

// ProviderType identifies the wire protocol dialect of an upstream.
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderGoogle    ProviderType = "google"
	ProviderCustom    ProviderType = "custom"
)

// ValidProviderType reports whether s is a known provider type.
func ValidProviderType(s string) bool {
	switch ProviderType(s) {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderCustom:
		return true
	}
	return false
}

// LoadBalanceStrategy represents a load balancing strategy.
type LoadBalanceStrategy string

const (
	StrategyWeighted         LoadBalanceStrategy = "weighted"
	StrategyRoundRobin       LoadBalanceStrategy = "round_robin"
	StrategyLeastConnections LoadBalanceStrategy = "least_connections"
)

// CircuitState represents the state of an upstream's circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// ExclusionReason explains why routing dropped an upstream from the
// candidate set.
type ExclusionReason string

const (
	ExcludeModelNotAllowed     ExclusionReason = "model_not_allowed"
	ExcludeCircuitOpen         ExclusionReason = "circuit_open"
	ExcludeDisallowedForAPIKey ExclusionReason = "disallowed_for_api_key"
	ExcludeInactive            ExclusionReason = "inactive"
)

// ErrorType classifies a failed forwarding attempt.
type ErrorType string

const (
	ErrTypeCircuitOpen     ErrorType = "circuit_open"
	ErrTypeHTTP429         ErrorType = "http_429"
	ErrTypeHTTP4xx         ErrorType = "http_4xx"
	ErrTypeHTTP5xx         ErrorType = "http_5xx"
	ErrTypeTimeout         ErrorType = "timeout"
	ErrTypeConnectionError ErrorType = "connection_error"
	ErrTypeStreamError     ErrorType = "stream_error"
)

// Upstream represents a single LLM provider endpoint.
type Upstream struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	ProviderType    ProviderType      `json:"provider_type"`
	BaseURL         string            `json:"base_url"`
	APIKeyEncrypted string            `json:"-"` // sealed; opened only by the forwarder
	TimeoutSeconds  int               `json:"timeout_seconds"`
	IsActive        bool              `json:"is_active"`
	Weight          int               `json:"weight"`
	AllowedModels   []string          `json:"allowed_models"`
	ModelRedirects  map[string]string `json:"model_redirects"`
	BreakerConfig   *BreakerConfig    `json:"breaker_config,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// AllowsModel reports whether the upstream may serve the given model name.
// An empty allow-list accepts any model of the upstream's provider type.
func (u *Upstream) AllowsModel(model string) bool {
	if len(u.AllowedModels) == 0 {
		return true
	}
	for _, m := range u.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// BreakerConfig overrides circuit breaker thresholds for one upstream.
type BreakerConfig struct {
	FailureThreshold     int `json:"failure_threshold"`
	SuccessThreshold     int `json:"success_threshold"`
	OpenDurationSeconds  int `json:"open_duration_seconds"`
	ProbeIntervalSeconds int `json:"probe_interval_seconds"`
}

// DefaultBreakerConfig returns the stock circuit breaker thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:     5,
		SuccessThreshold:     2,
		OpenDurationSeconds:  300,
		ProbeIntervalSeconds: 30,
	}
}

// OpenDuration returns the configured open window as a duration.
func (c BreakerConfig) OpenDuration() time.Duration {
	return time.Duration(c.OpenDurationSeconds) * time.Second
}

// ProbeInterval returns the configured probe spacing as a duration.
func (c BreakerConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSeconds) * time.Second
}

// CircuitBreakerState is the durable breaker row for one upstream.
// The state column is the source of truth across process restarts.
type CircuitBreakerState struct {
	UpstreamID    string       `json:"upstream_id"`
	State         CircuitState `json:"state"`
	FailureCount  int          `json:"failure_count"`
	SuccessCount  int          `json:"success_count"`
	OpenedAt      *time.Time   `json:"opened_at,omitempty"`
	LastFailureAt *time.Time   `json:"last_failure_at,omitempty"`
	LastProbeAt   *time.Time   `json:"last_probe_at,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// HealthRecord is the advisory health row for one upstream. It never gates
// routing; the circuit breaker does.
type HealthRecord struct {
	UpstreamID    string     `json:"upstream_id"`
	IsHealthy     bool       `json:"is_healthy"`
	LastCheckAt   *time.Time `json:"last_check_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	FailureCount  int        `json:"failure_count"`
	LatencyMs     float64    `json:"latency_ms"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// APIKey represents a tenant credential.
type APIKey struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	KeyPrefix          string     `json:"key_prefix"`
	KeyHash            string     `json:"-"`
	Salt               string     `json:"-"`
	KeyFull            string     `json:"key,omitempty"` // populated only at creation time
	IsActive           bool       `json:"is_active"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	AllowedUpstreamIDs []string   `json:"allowed_upstream_ids"`
	CreatedAt          time.Time  `json:"created_at"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
}

// Allows reports whether the key authorizes the given upstream id.
// An empty list places no restriction on the key.
func (k *APIKey) Allows(upstreamID string) bool {
	if len(k.AllowedUpstreamIDs) == 0 {
		return true
	}
	for _, id := range k.AllowedUpstreamIDs {
		if id == upstreamID {
			return true
		}
	}
	return false
}

// RoutingCandidate is one upstream considered by the router, with the
// breaker state observed at decision time.
type RoutingCandidate struct {
	UpstreamID   string       `json:"upstream_id"`
	UpstreamName string       `json:"upstream_name"`
	Weight       int          `json:"weight"`
	CircuitState CircuitState `json:"circuit_state"`
}

// RoutingExclusion is one upstream the router dropped, with the reason.
type RoutingExclusion struct {
	UpstreamID   string          `json:"upstream_id"`
	UpstreamName string          `json:"upstream_name"`
	Reason       ExclusionReason `json:"reason"`
}

// RoutingDecision is the per-request routing trace persisted on the
// request log.
type RoutingDecision struct {
	OriginalModel        string              `json:"original_model"`
	ResolvedModel        string              `json:"resolved_model"`
	ModelRedirectApplied bool                `json:"model_redirect_applied"`
	ProviderType         ProviderType        `json:"provider_type"`
	RoutingType          string              `json:"routing_type"`
	Candidates           []RoutingCandidate  `json:"candidates"`
	Excluded             []RoutingExclusion  `json:"excluded"`
	CandidateCount       int                 `json:"candidate_count"`
	FinalCandidateCount  int                 `json:"final_candidate_count"`
	SelectedUpstreamID   string              `json:"selected_upstream_id,omitempty"`
	SelectionStrategy    LoadBalanceStrategy `json:"selection_strategy,omitempty"`
}

// FailoverAttempt records one forwarding attempt in a failover sequence.
// Failed attempts carry an error type; the recovery attempt that finally
// served the request carries only its status.
type FailoverAttempt struct {
	UpstreamID   string    `json:"upstream_id"`
	UpstreamName string    `json:"upstream_name"`
	AttemptedAt  time.Time `json:"attempted_at"`
	ErrorType    ErrorType `json:"error_type,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	StatusCode   *int      `json:"status_code,omitempty"`
}

// Usage holds normalized token counts extracted from an upstream response.
type Usage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	CachedTokens        int `json:"cached_tokens"`
	ReasoningTokens     int `json:"reasoning_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens"`
}

// IsZero reports whether no usage fields were populated.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

// RequestLogEntry is the in-progress row written before forwarding begins.
type RequestLogEntry struct {
	RequestID string
	APIKeyID  string
	Method    string
	Path      string
	Model     string
	IsStream  bool
}

// RequestLogFinal carries the fields of the single final update applied
// after the response (or stream) completes.
type RequestLogFinal struct {
	RequestID        string
	StatusCode       *int
	UpstreamID       string
	UpstreamName     string
	ResolvedModel    string
	IsStream         bool
	ErrorCode        string
	ErrorMessage     string
	Usage            Usage
	DurationMs       float64
	RoutingDecision  *RoutingDecision
	FailoverAttempts []FailoverAttempt
}

// RequestLog is a request log record read back from the database.
type RequestLog struct {
	ID               int64             `json:"id"`
	RequestID        string            `json:"request_id"`
	APIKeyID         string            `json:"api_key_id,omitempty"`
	Method           string            `json:"method"`
	Path             string            `json:"path"`
	Model            string            `json:"model"`
	ResolvedModel    string            `json:"resolved_model,omitempty"`
	UpstreamID       string            `json:"upstream_id,omitempty"`
	UpstreamName     string            `json:"upstream_name,omitempty"`
	StatusCode       *int              `json:"status_code,omitempty"`
	IsStream         bool              `json:"is_stream"`
	ErrorCode        string            `json:"error_code,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	Usage            Usage             `json:"usage"`
	DurationMs       float64           `json:"duration_ms"`
	RoutingDecision  *RoutingDecision  `json:"routing_decision,omitempty"`
	FailoverAttempts []FailoverAttempt `json:"failover_attempts,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}
