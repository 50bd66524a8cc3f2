//go:build !integration && !e2e
// +build !integration,!e2e

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server:      ServerConfig{Host: "0.0.0.0", Port: 8080, ReadTimeoutSeconds: 30, WriteTimeoutSeconds: 600, ShutdownTimeoutSeconds: 10},
		Database:    DatabaseConfig{Path: "test.db", MaxOpenConns: 15, MaxIdleConns: 5, ConnMaxLifetime: 5 * time.Minute},
		Auth:        AuthConfig{KeyPrefixLength: 12, CacheTTLSeconds: 30},
		Secret:      SecretConfig{MasterKey: "0123456789abcdef0123456789abcdef"},
		Circuit:     CircuitConfig{FailureThreshold: 5, SuccessThreshold: 2, OpenDurationSeconds: 300, ProbeIntervalSeconds: 30},
		Failover:    FailoverConfig{MaxAttempts: 10},
		LoadBalance: LoadBalanceConfig{Strategy: "weighted"},
		Log:         LogConfig{Level: "info"},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"missing secret", func(c *Config) { c.Secret.MasterKey = "" }, "secret.master_key"},
		{"short secret", func(c *Config) { c.Secret.MasterKey = "short" }, "secret.master_key"},
		{"bad strategy", func(c *Config) { c.LoadBalance.Strategy = "random" }, "load_balance.strategy"},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"zero failure threshold", func(c *Config) { c.Circuit.FailureThreshold = 0 }, "circuit.failure_threshold"},
		{"max attempts too high", func(c *Config) { c.Failover.MaxAttempts = 11 }, "failover.max_attempts"},
		{"bad failover code", func(c *Config) { c.Failover.StatusCodes = []int{999} }, "failover.status_codes"},
		{"prefix too short", func(c *Config) { c.Auth.KeyPrefixLength = 4 }, "auth.key_prefix_length"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantErr, cfgErr.Field)
		})
	}
}

func TestParseStatusCodes(t *testing.T) {
	assert.Nil(t, parseStatusCodes(""))
	assert.Equal(t, []int{429, 500, 503}, parseStatusCodes("429,500,503"))
	assert.Equal(t, []int{429, 502}, parseStatusCodes("429; 502"))
	assert.Equal(t, []int{500}, parseStatusCodes("500,abc"))
}
