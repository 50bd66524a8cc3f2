// Package config loads and validates all runtime configuration for the
// gateway. Values come from environment variables (preferred for containers),
// an optional config.yaml in the working directory, and built-in defaults,
// in that order of precedence. A .env file is loaded into the process
// environment first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Auth        AuthConfig
	Secret      SecretConfig
	Circuit     CircuitConfig
	Failover    FailoverConfig
	HealthProbe HealthProbeConfig
	LoadBalance LoadBalanceConfig
	Upstream    UpstreamConfig
	Proxy       ProxyConfig
	Admin       AdminConfig
	Log         LogConfig
	LogRotation LogRotationConfig
}

// ServerConfig holds HTTP listener configuration.
type ServerConfig struct {
	Host                   string
	Port                   int
	ReadTimeoutSeconds     int
	WriteTimeoutSeconds    int // long: must cover full SSE streams
	ShutdownTimeoutSeconds int
}

// DatabaseConfig holds SQLite configuration.
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// AuthConfig holds API key verification settings.
type AuthConfig struct {
	KeyPrefixLength int
	CacheTTLSeconds int
}

// SecretConfig holds the master key material for sealing upstream
// credentials at rest.
type SecretConfig struct {
	MasterKey string
}

// CircuitConfig holds default circuit breaker thresholds. Individual
// upstreams may override these via their breaker_config column.
type CircuitConfig struct {
	FailureThreshold     int
	SuccessThreshold     int
	OpenDurationSeconds  int
	ProbeIntervalSeconds int
}

// FailoverConfig holds failover loop settings. StatusCodes is the set of
// upstream HTTP statuses that trigger failover; empty means the built-in
// default of 429 plus all 5xx.
type FailoverConfig struct {
	MaxAttempts int
	StatusCodes []int
}

// HealthProbeConfig holds background health probe settings.
type HealthProbeConfig struct {
	Enabled         bool
	IntervalSeconds int
	TimeoutSeconds  int
}

// LoadBalanceConfig holds load balancing configuration.
type LoadBalanceConfig struct {
	Strategy string // weighted, round_robin, least_connections
}

// UpstreamConfig holds upstream configuration cache settings.
type UpstreamConfig struct {
	CacheTTLSeconds int
}

// ProxyConfig holds forwarding limits. Streams are never buffered; the
// response limit applies to non-stream bodies only. The per-upstream
// timeout bounds the whole call for non-stream responses and the time to
// first byte for streams; inter-chunk gaps are not bounded.
type ProxyConfig struct {
	MaxRequestBodyMB  int
	MaxResponseBodyMB int
}

// AdminConfig holds the static admin API token. An empty token disables
// the admin endpoints entirely.
type AdminConfig struct {
	Token string
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string
	File  string
}

// LogRotationConfig holds log rotation settings powered by lumberjack.
type LogRotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads configuration from the environment, an optional config.yaml,
// and defaults, then validates it.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{
		Server: ServerConfig{
			Host:                   v.GetString("LLM_GATEWAY_HOST"),
			Port:                   v.GetInt("LLM_GATEWAY_PORT"),
			ReadTimeoutSeconds:     v.GetInt("LLM_GATEWAY_READ_TIMEOUT_SECONDS"),
			WriteTimeoutSeconds:    v.GetInt("LLM_GATEWAY_WRITE_TIMEOUT_SECONDS"),
			ShutdownTimeoutSeconds: v.GetInt("LLM_GATEWAY_SHUTDOWN_TIMEOUT_SECONDS"),
		},
		Database: DatabaseConfig{
			Path:            v.GetString("LLM_GATEWAY_DB"),
			MaxOpenConns:    v.GetInt("LLM_GATEWAY_DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("LLM_GATEWAY_DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("LLM_GATEWAY_DB_CONN_MAX_LIFETIME"),
		},
		Auth: AuthConfig{
			KeyPrefixLength: v.GetInt("LLM_GATEWAY_KEY_PREFIX_LENGTH"),
			CacheTTLSeconds: v.GetInt("LLM_GATEWAY_AUTH_CACHE_TTL_SECONDS"),
		},
		Secret: SecretConfig{
			MasterKey: v.GetString("LLM_GATEWAY_SECRET_KEY"),
		},
		Circuit: CircuitConfig{
			FailureThreshold:     v.GetInt("LLM_GATEWAY_CB_FAILURE_THRESHOLD"),
			SuccessThreshold:     v.GetInt("LLM_GATEWAY_CB_SUCCESS_THRESHOLD"),
			OpenDurationSeconds:  v.GetInt("LLM_GATEWAY_CB_OPEN_DURATION_SECONDS"),
			ProbeIntervalSeconds: v.GetInt("LLM_GATEWAY_CB_PROBE_INTERVAL_SECONDS"),
		},
		Failover: FailoverConfig{
			MaxAttempts: v.GetInt("LLM_GATEWAY_FAILOVER_MAX_ATTEMPTS"),
			StatusCodes: parseStatusCodes(v.GetString("LLM_GATEWAY_FAILOVER_STATUS_CODES")),
		},
		HealthProbe: HealthProbeConfig{
			Enabled:         v.GetBool("LLM_GATEWAY_HEALTH_PROBE_ENABLED"),
			IntervalSeconds: v.GetInt("LLM_GATEWAY_HEALTH_PROBE_INTERVAL_SECONDS"),
			TimeoutSeconds:  v.GetInt("LLM_GATEWAY_HEALTH_PROBE_TIMEOUT_SECONDS"),
		},
		LoadBalance: LoadBalanceConfig{
			Strategy: v.GetString("LLM_GATEWAY_LB_STRATEGY"),
		},
		Upstream: UpstreamConfig{
			CacheTTLSeconds: v.GetInt("LLM_GATEWAY_UPSTREAM_CACHE_TTL_SECONDS"),
		},
		Proxy: ProxyConfig{
			MaxRequestBodyMB:  v.GetInt("LLM_GATEWAY_MAX_REQUEST_BODY_MB"),
			MaxResponseBodyMB: v.GetInt("LLM_GATEWAY_MAX_RESPONSE_BODY_MB"),
		},
		Admin: AdminConfig{
			Token: v.GetString("LLM_GATEWAY_ADMIN_TOKEN"),
		},
		Log: LogConfig{
			Level: strings.ToLower(v.GetString("LLM_GATEWAY_LOG_LEVEL")),
			File:  v.GetString("LLM_GATEWAY_LOG_FILE"),
		},
		LogRotation: LogRotationConfig{
			MaxSizeMB:  v.GetInt("LLM_GATEWAY_LOG_MAX_SIZE_MB"),
			MaxBackups: v.GetInt("LLM_GATEWAY_LOG_MAX_BACKUPS"),
			MaxAgeDays: v.GetInt("LLM_GATEWAY_LOG_MAX_AGE_DAYS"),
			Compress:   v.GetBool("LLM_GATEWAY_LOG_COMPRESS"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LLM_GATEWAY_HOST", "0.0.0.0")
	v.SetDefault("LLM_GATEWAY_PORT", 8080)
	v.SetDefault("LLM_GATEWAY_READ_TIMEOUT_SECONDS", 30)
	v.SetDefault("LLM_GATEWAY_WRITE_TIMEOUT_SECONDS", 600)
	v.SetDefault("LLM_GATEWAY_SHUTDOWN_TIMEOUT_SECONDS", 10)

	v.SetDefault("LLM_GATEWAY_DB", "llm-gateway.db")
	v.SetDefault("LLM_GATEWAY_DB_MAX_OPEN_CONNS", 15)
	v.SetDefault("LLM_GATEWAY_DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("LLM_GATEWAY_DB_CONN_MAX_LIFETIME", "5m")

	v.SetDefault("LLM_GATEWAY_KEY_PREFIX_LENGTH", 12)
	v.SetDefault("LLM_GATEWAY_AUTH_CACHE_TTL_SECONDS", 30)

	v.SetDefault("LLM_GATEWAY_CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("LLM_GATEWAY_CB_SUCCESS_THRESHOLD", 2)
	v.SetDefault("LLM_GATEWAY_CB_OPEN_DURATION_SECONDS", 300)
	v.SetDefault("LLM_GATEWAY_CB_PROBE_INTERVAL_SECONDS", 30)

	v.SetDefault("LLM_GATEWAY_FAILOVER_MAX_ATTEMPTS", 10)
	v.SetDefault("LLM_GATEWAY_FAILOVER_STATUS_CODES", "")

	v.SetDefault("LLM_GATEWAY_HEALTH_PROBE_ENABLED", true)
	v.SetDefault("LLM_GATEWAY_HEALTH_PROBE_INTERVAL_SECONDS", 30)
	v.SetDefault("LLM_GATEWAY_HEALTH_PROBE_TIMEOUT_SECONDS", 5)

	v.SetDefault("LLM_GATEWAY_LB_STRATEGY", "weighted")
	v.SetDefault("LLM_GATEWAY_UPSTREAM_CACHE_TTL_SECONDS", 5)

	v.SetDefault("LLM_GATEWAY_MAX_REQUEST_BODY_MB", 32)
	v.SetDefault("LLM_GATEWAY_MAX_RESPONSE_BODY_MB", 32)

	v.SetDefault("LLM_GATEWAY_LOG_LEVEL", "info")
	v.SetDefault("LLM_GATEWAY_LOG_FILE", "logs/llm-gateway.log")
	v.SetDefault("LLM_GATEWAY_LOG_MAX_SIZE_MB", 10)
	v.SetDefault("LLM_GATEWAY_LOG_MAX_BACKUPS", 5)
	v.SetDefault("LLM_GATEWAY_LOG_MAX_AGE_DAYS", 30)
	v.SetDefault("LLM_GATEWAY_LOG_COMPRESS", true)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &ConfigError{Field: "server.port", Message: "must be between 1 and 65535"}
	}
	if c.Secret.MasterKey == "" {
		return &ConfigError{Field: "secret.master_key", Message: "LLM_GATEWAY_SECRET_KEY is required to seal upstream credentials"}
	}
	if len(c.Secret.MasterKey) < 16 {
		return &ConfigError{Field: "secret.master_key", Message: "must be at least 16 characters"}
	}
	switch c.LoadBalance.Strategy {
	case "weighted", "round_robin", "least_connections":
	default:
		return &ConfigError{Field: "load_balance.strategy", Message: "must be one of: weighted, round_robin, least_connections"}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return &ConfigError{Field: "log.level", Message: "must be one of: debug, info, warn, error"}
	}
	if c.Circuit.FailureThreshold < 1 {
		return &ConfigError{Field: "circuit.failure_threshold", Message: "must be at least 1"}
	}
	if c.Circuit.SuccessThreshold < 1 {
		return &ConfigError{Field: "circuit.success_threshold", Message: "must be at least 1"}
	}
	if c.Failover.MaxAttempts < 1 || c.Failover.MaxAttempts > 10 {
		return &ConfigError{Field: "failover.max_attempts", Message: "must be between 1 and 10"}
	}
	for _, code := range c.Failover.StatusCodes {
		if code < 100 || code > 599 {
			return &ConfigError{Field: "failover.status_codes", Message: "codes must be valid HTTP statuses"}
		}
	}
	if c.Auth.KeyPrefixLength < 8 || c.Auth.KeyPrefixLength > 32 {
		return &ConfigError{Field: "auth.key_prefix_length", Message: "must be between 8 and 32"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + ": " + e.Message
}

// parseStatusCodes parses a comma or space separated list of HTTP status
// codes. Unparseable entries are dropped.
func parseStatusCodes(raw string) []int {
	if raw == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == ';'
	})
	var codes []int
	for _, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			continue
		}
		codes = append(codes, n)
	}
	return codes
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
