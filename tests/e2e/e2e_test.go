//go:build e2e
// +build e2e

// Package e2e drives the assembled gateway over real HTTP: a live
// server on a fresh SQLite store, mock provider upstreams, and the
// admin API used for all provisioning.
package e2e_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/api"
	"github.com/user/llm-gateway-go/internal/config"
	"github.com/user/llm-gateway-go/internal/database"
	"github.com/user/llm-gateway-go/internal/models"
	"github.com/user/llm-gateway-go/internal/repository"
	"github.com/user/llm-gateway-go/internal/secret"
	"github.com/user/llm-gateway-go/internal/service"
	"github.com/user/llm-gateway-go/internal/telemetry"
	"github.com/user/llm-gateway-go/tests/testutil"
)

const adminToken = "e2e-admin-token"

type gateway struct {
	t      *testing.T
	url    string
	client *http.Client
}

// startGateway boots the full stack on a throwaway database file and
// serves it over a real listener. Round robin keeps upstream selection
// in creation order so the scenarios stay deterministic.
func startGateway(t *testing.T) *gateway {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop()
	require.NoError(t, database.RunMigrations(db, logger))

	box, err := secret.NewBox("e2e-master-key")
	require.NoError(t, err)

	keys := repository.NewAPIKeyRepository(db)
	upstreams := repository.NewUpstreamRepository(db)

	auth, err := service.NewAuthService(keys, 12, time.Second, logger)
	require.NoError(t, err)

	breaker := service.NewCircuitBreaker(
		repository.NewCircuitBreakerStateRepository(db), models.DefaultBreakerConfig(), logger)
	tracker := service.NewHealthTracker(repository.NewHealthRepository(db), logger)
	balancer := service.NewLoadBalancer()
	cache := service.NewUpstreamCache(upstreams, time.Second)
	modelRouter := service.NewModelRouter(cache, breaker, logger)
	forwarder := service.NewProxyForwarder(box, breaker, tracker, balancer, nil, 0, logger)
	executor := service.NewFailoverExecutor(balancer, breaker, tracker, forwarder,
		config.FailoverConfig{}, models.StrategyRoundRobin, logger)
	logs := service.NewRequestLogService(repository.NewRequestLogRepository(db, logger), logger)
	registry := prometheus.NewRegistry()

	srv := api.NewServer(api.ServerDeps{
		AuthService:   auth,
		ModelRouter:   modelRouter,
		Executor:      executor,
		LogService:    logs,
		Breaker:       breaker,
		HealthTracker: tracker,
		UpstreamCache: cache,
		SecretBox:     box,
		UpstreamRepo:  upstreams,
		KeyRepo:       keys,
		Metrics:       telemetry.NewMetrics(registry),
		Registry:      registry,
		AdminToken:    adminToken,
		Logger:        logger,
	})

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &gateway{t: t, url: ts.URL, client: ts.Client()}
}

func (g *gateway) do(req *http.Request) (int, []byte) {
	g.t.Helper()
	resp, err := g.client.Do(req)
	require.NoError(g.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(g.t, err)
	return resp.StatusCode, body
}

func (g *gateway) adminRequest(method, path string, payload any) (int, []byte) {
	g.t.Helper()
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(testutil.ToJSON(g.t, payload))
	}
	req, err := http.NewRequest(method, g.url+path, body)
	require.NoError(g.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", adminToken)
	return g.do(req)
}

// createUpstream provisions an upstream through the admin API and
// returns its id. extra merges into the create payload.
func (g *gateway) createUpstream(name, baseURL string, extra map[string]any) string {
	g.t.Helper()
	payload := map[string]any{
		"name":          name,
		"provider_type": "openai",
		"base_url":      baseURL,
		"api_key":       "sk-upstream-" + name,
	}
	for k, v := range extra {
		payload[k] = v
	}
	status, body := g.adminRequest("POST", "/api/admin/upstreams", payload)
	require.Equal(g.t, http.StatusCreated, status, string(body))

	var resp struct {
		ID string `json:"id"`
	}
	testutil.FromJSON(g.t, body, &resp)
	require.NotEmpty(g.t, resp.ID)
	return resp.ID
}

// createKey mints a gateway API key through the admin API and returns
// the literal secret.
func (g *gateway) createKey(name string, allowedUpstreamIDs []string) string {
	g.t.Helper()
	payload := map[string]any{"name": name}
	if len(allowedUpstreamIDs) > 0 {
		payload["allowed_upstream_ids"] = allowedUpstreamIDs
	}
	status, body := g.adminRequest("POST", "/api/admin/keys", payload)
	require.Equal(g.t, http.StatusCreated, status, string(body))

	var resp struct {
		Key string `json:"key"`
	}
	testutil.FromJSON(g.t, body, &resp)
	require.True(g.t, strings.HasPrefix(resp.Key, "sk-gw-"))
	return resp.Key
}

// chat posts a chat completion through the gateway with a caller-chosen
// request id so the log row can be fetched afterwards.
func (g *gateway) chat(apiKey, requestID string, payload map[string]any) (int, []byte) {
	g.t.Helper()
	req, err := http.NewRequest("POST", g.url+"/v1/chat/completions",
		bytes.NewReader(testutil.ToJSON(g.t, payload)))
	require.NoError(g.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("X-Request-Id", requestID)
	return g.do(req)
}

type logRow struct {
	RequestID     string     `json:"request_id"`
	Model         string     `json:"model"`
	ResolvedModel string     `json:"resolved_model"`
	UpstreamID    string     `json:"upstream_id"`
	UpstreamName  string     `json:"upstream_name"`
	StatusCode    *int       `json:"status_code"`
	IsStream      bool       `json:"is_stream"`
	ErrorCode     string     `json:"error_code"`
	DurationMs    float64    `json:"duration_ms"`
	CompletedAt   *time.Time `json:"completed_at"`
	Usage         struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	RoutingDecision *struct {
		ResolvedModel        string `json:"resolved_model"`
		ModelRedirectApplied bool   `json:"model_redirect_applied"`
		SelectedUpstreamID   string `json:"selected_upstream_id"`
		Excluded             []struct {
			UpstreamID string `json:"upstream_id"`
			Reason     string `json:"reason"`
		} `json:"excluded"`
	} `json:"routing_decision"`
	FailoverAttempts []struct {
		UpstreamID string `json:"upstream_id"`
		ErrorType  string `json:"error_type"`
	} `json:"failover_attempts"`
}

// waitForLog polls the admin log endpoint until the row is finalized.
// Streams settle slightly after the client goes away, hence the poll.
func (g *gateway) waitForLog(requestID string) *logRow {
	g.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		status, body := g.adminRequest("GET", "/api/admin/logs/"+requestID, nil)
		if status == http.StatusOK {
			var row logRow
			testutil.FromJSON(g.t, body, &row)
			if row.CompletedAt != nil {
				return &row
			}
		}
		if time.Now().After(deadline) {
			g.t.Fatalf("request log %s never finalized", requestID)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// breakerFailures returns failure_count per upstream id from the admin API.
func (g *gateway) breakerFailures() map[string]int {
	g.t.Helper()
	status, body := g.adminRequest("GET", "/api/admin/breakers", nil)
	require.Equal(g.t, http.StatusOK, status)

	var resp struct {
		Breakers []struct {
			UpstreamID   string `json:"upstream_id"`
			FailureCount int    `json:"failure_count"`
		} `json:"breakers"`
	}
	testutil.FromJSON(g.t, body, &resp)
	out := make(map[string]int, len(resp.Breakers))
	for _, b := range resp.Breakers {
		out[b.UpstreamID] = b.FailureCount
	}
	return out
}

func TestE2EChatCompletion(t *testing.T) {
	g := startGateway(t)
	srv := testutil.MockUpstreamServer(t,
		testutil.MockUpstreamResponse(http.StatusOK, testutil.MockOpenAIResponse()))
	id := g.createUpstream("primary", srv.URL, nil)
	key := g.createKey("e2e", nil)

	status, body := g.chat(key, "e2e-chat-1", map[string]any{
		"model":    "gpt-4",
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})

	require.Equal(t, http.StatusOK, status, string(body))
	assert.Contains(t, string(body), "chatcmpl-test-12345")

	row := g.waitForLog("e2e-chat-1")
	assert.Equal(t, "gpt-4", row.Model)
	assert.Equal(t, 10, row.Usage.PromptTokens)
	assert.Equal(t, 20, row.Usage.CompletionTokens)
	assert.Equal(t, 30, row.Usage.TotalTokens)
	require.NotNil(t, row.RoutingDecision)
	assert.Equal(t, id, row.RoutingDecision.SelectedUpstreamID)
	assert.Empty(t, row.FailoverAttempts)
}

func TestE2EFailoverOn5xx(t *testing.T) {
	g := startGateway(t)
	var brokenHits atomic.Int32
	broken := testutil.MockUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		brokenHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	healthy := testutil.MockUpstreamServer(t,
		testutil.MockUpstreamResponse(http.StatusOK, testutil.MockOpenAIResponse()))
	brokenID := g.createUpstream("a-broken", broken.URL, nil)
	g.createUpstream("b-healthy", healthy.URL, nil)
	key := g.createKey("e2e", nil)

	status, body := g.chat(key, "e2e-failover-1", map[string]any{"model": "gpt-4"})

	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, int32(1), brokenHits.Load())

	row := g.waitForLog("e2e-failover-1")
	assert.Equal(t, "b-healthy", row.UpstreamName)
	require.Len(t, row.FailoverAttempts, 2)
	assert.Equal(t, brokenID, row.FailoverAttempts[0].UpstreamID)
	assert.Equal(t, "http_5xx", row.FailoverAttempts[0].ErrorType)

	assert.Equal(t, 1, g.breakerFailures()[brokenID])
}

func TestE2ECircuitOpenExcludedFromRouting(t *testing.T) {
	g := startGateway(t)
	var openHits atomic.Int32
	openSrv := testutil.MockUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		openHits.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	closedSrv := testutil.MockUpstreamServer(t,
		testutil.MockUpstreamResponse(http.StatusOK, testutil.MockOpenAIResponse()))
	openID := g.createUpstream("a-open", openSrv.URL, nil)
	g.createUpstream("b-closed", closedSrv.URL, nil)
	key := g.createKey("e2e", nil)

	status, body := g.adminRequest("POST", "/api/admin/breakers/"+openID+"/force_open", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = g.chat(key, "e2e-circuit-1", map[string]any{"model": "gpt-4"})

	require.Equal(t, http.StatusOK, status, string(body))
	assert.Zero(t, openHits.Load())

	row := g.waitForLog("e2e-circuit-1")
	assert.Equal(t, "b-closed", row.UpstreamName)
	require.NotNil(t, row.RoutingDecision)
	require.Len(t, row.RoutingDecision.Excluded, 1)
	assert.Equal(t, openID, row.RoutingDecision.Excluded[0].UpstreamID)
	assert.Equal(t, "circuit_open", row.RoutingDecision.Excluded[0].Reason)
}

func TestE2EAllUpstreamsFail(t *testing.T) {
	g := startGateway(t)
	down := testutil.MockUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	ids := []string{
		g.createUpstream("down-1", down.URL, nil),
		g.createUpstream("down-2", down.URL, nil),
		g.createUpstream("down-3", down.URL, nil),
	}
	key := g.createKey("e2e", nil)

	status, body := g.chat(key, "e2e-all-down", map[string]any{"model": "gpt-4"})

	require.Equal(t, http.StatusServiceUnavailable, status)
	var resp struct {
		Code string `json:"code"`
	}
	testutil.FromJSON(t, body, &resp)
	assert.Equal(t, "ALL_UPSTREAMS_UNAVAILABLE", resp.Code)

	row := g.waitForLog("e2e-all-down")
	assert.Len(t, row.FailoverAttempts, 3)

	failures := g.breakerFailures()
	for _, id := range ids {
		assert.Equal(t, 1, failures[id], "failure count for %s", id)
	}
}

func TestE2EStreamRelay(t *testing.T) {
	g := startGateway(t)
	srv := testutil.MockUpstreamServer(t, testutil.MockStreamingResponse())
	g.createUpstream("stream", srv.URL, nil)
	key := g.createKey("e2e", nil)

	req, err := http.NewRequest("POST", g.url+"/v1/chat/completions",
		bytes.NewReader(testutil.ToJSON(t, map[string]any{"model": "gpt-4", "stream": true})))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("X-Request-Id", "e2e-stream-1")

	resp, err := g.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"content":"Hel"`)
	assert.Contains(t, string(body), "data: [DONE]")

	row := g.waitForLog("e2e-stream-1")
	assert.True(t, row.IsStream)
	assert.Equal(t, 10, row.Usage.PromptTokens)
	assert.Equal(t, 5, row.Usage.CompletionTokens)
	assert.Equal(t, 15, row.Usage.TotalTokens)
	assert.Empty(t, row.ErrorCode)
}

func TestE2EClientDisconnectMidStream(t *testing.T) {
	g := startGateway(t)

	upstreamCancelled := make(chan struct{})
	srv := testutil.MockUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"one\"}}]}\n\n")
		flusher.Flush()
		select {
		case <-r.Context().Done():
			close(upstreamCancelled)
		case <-time.After(5 * time.Second):
		}
	})
	g.createUpstream("slow-stream", srv.URL, nil)
	key := g.createKey("e2e", nil)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, "POST", g.url+"/v1/chat/completions",
		bytes.NewReader(testutil.ToJSON(t, map[string]any{"model": "gpt-4", "stream": true})))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("X-Request-Id", "e2e-disconnect-1")

	resp, err := g.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Read the first chunk, then walk away mid-stream.
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "one")
	cancel()

	select {
	case <-upstreamCancelled:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream read was never cancelled")
	}

	row := g.waitForLog("e2e-disconnect-1")
	require.NotNil(t, row.StatusCode)
	assert.Equal(t, 499, *row.StatusCode)
	assert.Equal(t, "CLIENT_DISCONNECTED", row.ErrorCode)
	assert.Greater(t, row.DurationMs, 0.0)
}

func TestE2EModelRedirect(t *testing.T) {
	g := startGateway(t)
	var forwardedModel atomic.Value
	srv := testutil.MockUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload struct {
			Model string `json:"model"`
		}
		json.Unmarshal(body, &payload)
		forwardedModel.Store(payload.Model)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(testutil.MockOpenAIResponse())
	})
	g.createUpstream("redirecting", srv.URL, map[string]any{
		"allowed_models":  []string{"gpt-4"},
		"model_redirects": map[string]string{"gpt-4-turbo": "gpt-4"},
	})
	key := g.createKey("e2e", nil)

	status, body := g.chat(key, "e2e-redirect-1", map[string]any{"model": "gpt-4-turbo"})

	require.Equal(t, http.StatusOK, status, string(body))
	// The body crosses unchanged; only routing resolves the alias.
	assert.Equal(t, "gpt-4-turbo", forwardedModel.Load())

	row := g.waitForLog("e2e-redirect-1")
	assert.Equal(t, "gpt-4-turbo", row.Model)
	assert.Equal(t, "gpt-4", row.ResolvedModel)
	require.NotNil(t, row.RoutingDecision)
	assert.True(t, row.RoutingDecision.ModelRedirectApplied)
}

func TestE2EKeyDeactivationTakesEffect(t *testing.T) {
	g := startGateway(t)
	srv := testutil.MockUpstreamServer(t,
		testutil.MockUpstreamResponse(http.StatusOK, testutil.MockOpenAIResponse()))
	g.createUpstream("primary", srv.URL, nil)
	key := g.createKey("short-lived", nil)

	status, _ := g.chat(key, "e2e-key-ok", map[string]any{"model": "gpt-4"})
	require.Equal(t, http.StatusOK, status)

	adminStatus, keysBody := g.adminRequest("GET", "/api/admin/keys", nil)
	require.Equal(t, http.StatusOK, adminStatus)
	var list struct {
		Keys []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"keys"`
	}
	testutil.FromJSON(t, keysBody, &list)
	var keyID string
	for _, k := range list.Keys {
		if k.Name == "short-lived" {
			keyID = k.ID
		}
	}
	require.NotEmpty(t, keyID)

	status, _ = g.adminRequest("POST", "/api/admin/keys/"+keyID+"/deactivate", nil)
	require.Equal(t, http.StatusOK, status)

	// The verification cache is invalidated on deactivation, so the very
	// next call is rejected.
	status, body := g.chat(key, "e2e-key-revoked", map[string]any{"model": "gpt-4"})
	assert.Equal(t, http.StatusUnauthorized, status)
	var resp struct {
		Code string `json:"code"`
	}
	testutil.FromJSON(t, body, &resp)
	assert.Equal(t, "INVALID_API_KEY", resp.Code)
}
