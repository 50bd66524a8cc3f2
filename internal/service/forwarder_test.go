//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/models"
	"github.com/user/llm-gateway-go/internal/repository"
	"github.com/user/llm-gateway-go/internal/secret"
	"github.com/user/llm-gateway-go/tests/testutil"
)

type forwarderFixture struct {
	forwarder *ProxyForwarder
	box       *secret.Box
	breaker   *CircuitBreaker
	tracker   *HealthTracker
	balancer  *LoadBalancer
	upstreams repository.UpstreamRepository
}

func newForwarderFixture(t *testing.T) *forwarderFixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	box, err := secret.NewBox("forwarder-test-master-key")
	require.NoError(t, err)

	balancer := NewLoadBalancer()
	breaker := NewCircuitBreaker(repository.NewCircuitBreakerStateRepository(db), models.DefaultBreakerConfig(), zap.NewNop())
	tracker := NewHealthTracker(repository.NewHealthRepository(db), zap.NewNop())

	return &forwarderFixture{
		forwarder: NewProxyForwarder(box, breaker, tracker, balancer, nil, 0, zap.NewNop()),
		box:       box,
		breaker:   breaker,
		tracker:   tracker,
		balancer:  balancer,
		upstreams: repository.NewUpstreamRepository(db),
	}
}

// addUpstream inserts an upstream row pointing at a test server, with its
// API key sealed the way the admin API stores it.
func (f *forwarderFixture) addUpstream(t *testing.T, id string, pt models.ProviderType, baseURL string) *models.Upstream {
	t.Helper()
	sealed, err := f.box.Seal("sk-" + id)
	require.NoError(t, err)
	up := &models.Upstream{
		ID:              id,
		Name:            id,
		ProviderType:    pt,
		BaseURL:         baseURL,
		APIKeyEncrypted: sealed,
		TimeoutSeconds:  5,
		IsActive:        true,
		Weight:          1,
	}
	require.NoError(t, f.upstreams.Insert(context.Background(), up))
	return up
}

func forwardReq(up *models.Upstream, body string) *ForwardRequest {
	return &ForwardRequest{
		Method:   http.MethodPost,
		Path:     "chat/completions",
		Header:   http.Header{"Content-Type": []string{"application/json"}},
		Body:     []byte(body),
		Upstream: up,
	}
}

// drainStream consumes a stream until the channel closes, returning the
// relayed bytes and the final chunk. Ranging to close also guarantees the
// reader's bookkeeping has settled before the test asserts on it.
func drainStream(t *testing.T, chunks <-chan StreamChunk) ([]byte, StreamChunk) {
	t.Helper()
	var (
		data  bytes.Buffer
		final StreamChunk
		done  bool
	)
	for chunk := range chunks {
		if chunk.Done {
			final = chunk
			done = true
			continue
		}
		data.Write(chunk.Data)
	}
	require.True(t, done, "stream ended without a final chunk")
	return data.Bytes(), final
}

func TestForwarderProxiesRequest(t *testing.T) {
	f := newForwarderFixture(t)

	var got struct {
		method, path, query string
		header              http.Header
		body                []byte
	}
	srv := testutil.MockUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.query = r.URL.RawQuery
		got.header = r.Header.Clone()
		got.body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", "req-upstream-1")
		json.NewEncoder(w).Encode(testutil.MockOpenAIResponse())
	})
	up := f.addUpstream(t, "up-fwd-json", models.ProviderOpenAI, srv.URL+"/v1/")

	req := &ForwardRequest{
		Method:   http.MethodPost,
		Path:     "/chat/completions",
		RawQuery: "stream=false",
		Header: http.Header{
			"Content-Type":        []string{"application/json"},
			"Authorization":       []string{"Bearer sk-gw-client-key"},
			"X-Api-Key":           []string{"client-key-copy"},
			"Connection":          []string{"keep-alive"},
			"Proxy-Authorization": []string{"Basic abc"},
			"X-Custom-Header":     []string{"kept"},
		},
		Body:     []byte(`{"model":"gpt-4","messages":[]}`),
		Upstream: up,
	}

	res, err := f.forwarder.Forward(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/v1/chat/completions", got.path)
	assert.Equal(t, "stream=false", got.query)
	assert.Equal(t, []byte(`{"model":"gpt-4","messages":[]}`), got.body)

	// Client credentials are replaced with the upstream's own; hop-by-hop
	// and proxy headers never leave the gateway.
	assert.Equal(t, "Bearer sk-up-fwd-json", got.header.Get("Authorization"))
	assert.Empty(t, got.header.Get("X-Api-Key"))
	assert.Empty(t, got.header.Get("Proxy-Authorization"))
	assert.Empty(t, got.header.Get("Connection"))
	assert.Equal(t, "kept", got.header.Get("X-Custom-Header"))

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.False(t, res.IsStream)
	assert.Contains(t, string(res.Body), "chatcmpl-test-12345")
	assert.Equal(t, 10, res.Usage.PromptTokens)
	assert.Equal(t, 20, res.Usage.CompletionTokens)
	assert.Equal(t, 30, res.Usage.TotalTokens)
	assert.Greater(t, res.LatencyMs, 0.0)
	assert.Equal(t, "req-upstream-1", res.Header.Get("X-Request-Id"))
	assert.Empty(t, res.Header.Get("Content-Length"))
}

func TestForwarderAnthropicAuth(t *testing.T) {
	f := newForwarderFixture(t)

	var got http.Header
	srv := testutil.MockUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(testutil.MockAnthropicResponse())
	})
	up := f.addUpstream(t, "up-fwd-anthropic", models.ProviderAnthropic, srv.URL)

	req := forwardReq(up, `{"model":"claude-3-opus","max_tokens":100}`)
	req.Header.Set("Authorization", "Bearer sk-gw-client-key")

	res, err := f.forwarder.Forward(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "sk-up-fwd-anthropic", got.Get("x-api-key"))
	assert.Empty(t, got.Get("Authorization"))
	assert.Equal(t, "2023-06-01", got.Get("anthropic-version"))

	assert.Equal(t, 10, res.Usage.PromptTokens)
	assert.Equal(t, 15, res.Usage.CompletionTokens)
}

func TestForwarderKeepsClientAnthropicVersion(t *testing.T) {
	f := newForwarderFixture(t)

	var got http.Header
	srv := testutil.MockUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	})
	up := f.addUpstream(t, "up-fwd-versioned", models.ProviderAnthropic, srv.URL)

	req := forwardReq(up, `{"model":"claude-3-opus"}`)
	req.Header.Set("anthropic-version", "2024-10-22")

	_, err := f.forwarder.Forward(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "2024-10-22", got.Get("anthropic-version"))
}

func TestForwarderStreamRelaysChunks(t *testing.T) {
	f := newForwarderFixture(t)
	srv := testutil.MockUpstreamServer(t, testutil.MockStreamingResponse())
	up := f.addUpstream(t, "up-fwd-stream", models.ProviderOpenAI, srv.URL)

	f.balancer.RecordConnection(up.ID)
	res, err := f.forwarder.Forward(context.Background(), forwardReq(up, `{"model":"gpt-4","stream":true}`))
	require.NoError(t, err)
	require.True(t, res.IsStream)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/event-stream")

	data, final := drainStream(t, res.Chunks)
	text := string(data)
	assert.Contains(t, text, `"content":"Hel"`)
	assert.Contains(t, text, `"content":"lo"`)
	assert.Contains(t, text, "data: [DONE]")
	assert.NotContains(t, text, "STREAM_ERROR")

	require.NotNil(t, final.Stats)
	assert.NoError(t, final.Err)
	assert.True(t, final.Stats.Completed)
	assert.Equal(t, 10, final.Stats.Usage.PromptTokens)
	assert.Equal(t, 5, final.Stats.Usage.CompletionTokens)
	assert.Equal(t, 15, final.Stats.Usage.TotalTokens)
	assert.Greater(t, final.Stats.FirstByteMs, 0.0)

	// The reader settles the connection count and health when the stream ends.
	assert.Equal(t, 0, f.balancer.InFlight(up.ID))
	rec, err := f.tracker.Get(context.Background(), up.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.IsHealthy)
}

func TestForwarderStreamUpstreamFailure(t *testing.T) {
	f := newForwarderFixture(t)
	srv := testutil.MockUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n"))
		w.(http.Flusher).Flush()
		// Drop the connection without a terminating chunk.
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	})
	up := f.addUpstream(t, "up-fwd-broken", models.ProviderOpenAI, srv.URL)

	f.balancer.RecordConnection(up.ID)
	res, err := f.forwarder.Forward(context.Background(), forwardReq(up, `{"model":"gpt-4","stream":true}`))
	require.NoError(t, err)
	require.True(t, res.IsStream)

	data, final := drainStream(t, res.Chunks)
	assert.Contains(t, string(data), `"content":"Hel"`)
	assert.Contains(t, string(data), `"code":"STREAM_ERROR"`)
	assert.Error(t, final.Err)
	require.NotNil(t, final.Stats)
	assert.False(t, final.Stats.Completed)

	assert.Equal(t, 0, f.balancer.InFlight(up.ID))

	st, err := f.breaker.GetState(context.Background(), up.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.FailureCount)

	rec, err := f.tracker.Get(context.Background(), up.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.IsHealthy)
}

func TestForwarderStreamClientDisconnect(t *testing.T) {
	f := newForwarderFixture(t)

	release := make(chan struct{})
	defer close(release)
	srv := testutil.MockUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n"))
		w.(http.Flusher).Flush()
		// Hold the stream open until the client goes away.
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	up := f.addUpstream(t, "up-fwd-gone", models.ProviderOpenAI, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.balancer.RecordConnection(up.ID)
	res, err := f.forwarder.Forward(ctx, forwardReq(up, `{"model":"gpt-4","stream":true}`))
	require.NoError(t, err)
	require.True(t, res.IsStream)

	first := <-res.Chunks
	assert.Contains(t, string(first.Data), "Hel")

	cancel()
	data, final := drainStream(t, res.Chunks)

	// A disconnect is not an upstream failure: no error frame goes out and
	// nothing is recorded against the upstream.
	assert.NotContains(t, string(data), "STREAM_ERROR")
	assert.Error(t, final.Err)
	require.NotNil(t, final.Stats)
	assert.False(t, final.Stats.Completed)

	assert.Equal(t, 0, f.balancer.InFlight(up.ID))

	st, err := f.breaker.GetState(context.Background(), up.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CircuitClosed, st.State)
	assert.Equal(t, 0, st.FailureCount)

	rec, err := f.tracker.Get(context.Background(), up.ID)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestForwarderTimeout(t *testing.T) {
	f := newForwarderFixture(t)
	srv := testutil.MockUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	up := f.addUpstream(t, "up-fwd-slow", models.ProviderOpenAI, srv.URL)
	up.TimeoutSeconds = 1

	start := time.Now()
	_, err := f.forwarder.Forward(context.Background(), forwardReq(up, `{"model":"gpt-4"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, models.ErrTypeTimeout, classifyAttemptError(0, err))
}

func TestForwarderStreamFirstByteTimeout(t *testing.T) {
	f := newForwarderFixture(t)
	srv := testutil.MockUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		// Headers went out but no body byte ever does.
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	up := f.addUpstream(t, "up-fwd-stall", models.ProviderOpenAI, srv.URL)
	up.TimeoutSeconds = 1

	f.balancer.RecordConnection(up.ID)
	res, err := f.forwarder.Forward(context.Background(), forwardReq(up, `{"model":"gpt-4","stream":true}`))
	require.NoError(t, err)
	require.True(t, res.IsStream)

	data, final := drainStream(t, res.Chunks)
	assert.Contains(t, string(data), "STREAM_ERROR")
	assert.Error(t, final.Err)
	require.NotNil(t, final.Stats)
	assert.False(t, final.Stats.Completed)
	assert.Equal(t, 0, f.balancer.InFlight(up.ID))

	st, err := f.breaker.GetState(context.Background(), up.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.FailureCount)
}

func TestForwarderErrorStatusNeverStreams(t *testing.T) {
	f := newForwarderFixture(t)
	srv := testutil.MockUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("data: {\"error\":{\"message\":\"overloaded\"}}\n\n"))
	})
	up := f.addUpstream(t, "up-fwd-err", models.ProviderOpenAI, srv.URL)

	res, err := f.forwarder.Forward(context.Background(), forwardReq(up, `{"model":"gpt-4","stream":true}`))
	require.NoError(t, err)
	assert.False(t, res.IsStream)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Contains(t, string(res.Body), "overloaded")
}

func TestForwarderCapsResponseBody(t *testing.T) {
	f := newForwarderFixture(t)
	srv := testutil.MockUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(bytes.Repeat([]byte("x"), 4096))
	})
	up := f.addUpstream(t, "up-fwd-big", models.ProviderOpenAI, srv.URL)
	f.forwarder.maxResponseBytes = 1024

	res, err := f.forwarder.Forward(context.Background(), forwardReq(up, `{"model":"gpt-4"}`))
	require.NoError(t, err)
	assert.Len(t, res.Body, 1024)
}

func TestJoinUpstreamURL(t *testing.T) {
	tests := []struct {
		name, base, path, query, want string
	}{
		{"plain", "https://api.openai.com/v1", "chat/completions", "", "https://api.openai.com/v1/chat/completions"},
		{"trailing slash on base", "https://api.openai.com/v1/", "chat/completions", "", "https://api.openai.com/v1/chat/completions"},
		{"leading slash on path", "https://api.openai.com/v1", "/chat/completions", "", "https://api.openai.com/v1/chat/completions"},
		{"both slashes", "https://api.openai.com/v1/", "/chat/completions", "", "https://api.openai.com/v1/chat/completions"},
		{"query carried over", "https://api.openai.com/v1", "models", "limit=5&after=m1", "https://api.openai.com/v1/models?limit=5&after=m1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, joinUpstreamURL(tt.base, tt.path, tt.query))
		})
	}
}

func TestInjectAuthByProvider(t *testing.T) {
	for _, pt := range []models.ProviderType{models.ProviderOpenAI, models.ProviderGoogle, models.ProviderCustom} {
		h := http.Header{}
		injectAuth(h, pt, "sk-secret")
		assert.Equal(t, "Bearer sk-secret", h.Get("Authorization"), "provider %s", pt)
		assert.Empty(t, h.Get("x-api-key"), "provider %s", pt)
	}

	h := http.Header{}
	injectAuth(h, models.ProviderAnthropic, "sk-ant")
	assert.Equal(t, "sk-ant", h.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", h.Get("anthropic-version"))
	assert.Empty(t, h.Get("Authorization"))
}

func TestParseSSEUsage(t *testing.T) {
	u, ok := parseSSEUsage([]byte(`data: {"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}` + "\n"))
	require.True(t, ok)
	assert.Equal(t, 7, u.PromptTokens)
	assert.Equal(t, 3, u.CompletionTokens)
	assert.Equal(t, 10, u.TotalTokens)

	_, ok = parseSSEUsage([]byte("data: [DONE]\n"))
	assert.False(t, ok)

	_, ok = parseSSEUsage([]byte(": keepalive\n"))
	assert.False(t, ok)

	_, ok = parseSSEUsage([]byte(`data: {"choices":[{"delta":{"content":"hi"}}]}` + "\n"))
	assert.False(t, ok)
}
