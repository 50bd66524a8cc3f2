//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/config"
	"github.com/user/llm-gateway-go/internal/repository"
	"github.com/user/llm-gateway-go/tests/testutil"
)

func newHealthFixture(t *testing.T) (*HealthTracker, repository.UpstreamRepository) {
	t.Helper()
	db := testutil.NewTestDB(t)
	testutil.SeedTestData(t, db)
	tracker := NewHealthTracker(repository.NewHealthRepository(db), zap.NewNop())
	return tracker, repository.NewUpstreamRepository(db)
}

func TestHealthTrackerMarks(t *testing.T) {
	tracker, _ := newHealthFixture(t)
	ctx := context.Background()

	rec, err := tracker.Get(ctx, "up-openai-a")
	require.NoError(t, err)
	assert.Nil(t, rec, "no observation recorded yet")

	tracker.MarkUnhealthy(ctx, "up-openai-a", "connection refused")
	tracker.MarkUnhealthy(ctx, "up-openai-a", "connection refused")

	rec, err = tracker.Get(ctx, "up-openai-a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.IsHealthy)
	assert.Equal(t, 2, rec.FailureCount)
	assert.Equal(t, "connection refused", rec.ErrorMessage)
	assert.Nil(t, rec.LastSuccessAt)

	tracker.MarkHealthy(ctx, "up-openai-a", 42.5)

	rec, err = tracker.Get(ctx, "up-openai-a")
	require.NoError(t, err)
	assert.True(t, rec.IsHealthy)
	assert.Equal(t, 0, rec.FailureCount, "success resets the failure streak")
	assert.Equal(t, 42.5, rec.LatencyMs)
	assert.Empty(t, rec.ErrorMessage)
	assert.NotNil(t, rec.LastSuccessAt)
}

func TestHealthTrackerList(t *testing.T) {
	tracker, _ := newHealthFixture(t)
	ctx := context.Background()

	tracker.MarkHealthy(ctx, "up-openai-a", 10)
	tracker.MarkHealthy(ctx, "up-inactive", 10)

	all, err := tracker.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := tracker.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "up-openai-a", active[0].UpstreamID)
}

func TestHealthProberProbesActiveUpstreams(t *testing.T) {
	tracker, upstreams := newHealthFixture(t)
	ctx := context.Background()

	healthy := testutil.MockUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized) // reachable, just unauthenticated
	})
	broken := testutil.MockUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	up, err := upstreams.FindByID(ctx, "up-openai-a")
	require.NoError(t, err)
	up.BaseURL = healthy.URL
	require.NoError(t, upstreams.Update(ctx, up))

	up, err = upstreams.FindByID(ctx, "up-openai-b")
	require.NoError(t, err)
	up.BaseURL = broken.URL
	require.NoError(t, upstreams.Update(ctx, up))

	// Keep the probe round offline.
	up, err = upstreams.FindByID(ctx, "up-anthropic-a")
	require.NoError(t, err)
	up.IsActive = false
	require.NoError(t, upstreams.Update(ctx, up))

	prober := NewHealthProber(config.HealthProbeConfig{
		Enabled:         true,
		IntervalSeconds: 3600,
		TimeoutSeconds:  5,
	}, upstreams, tracker, zap.NewNop())
	prober.probeAll(ctx)

	rec, err := tracker.Get(ctx, "up-openai-a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.IsHealthy)
	assert.Greater(t, rec.LatencyMs, 0.0)

	rec, err = tracker.Get(ctx, "up-openai-b")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.IsHealthy)
	assert.Contains(t, rec.ErrorMessage, "500")
}

func TestHealthProberDisabled(t *testing.T) {
	tracker, upstreams := newHealthFixture(t)

	prober := NewHealthProber(config.HealthProbeConfig{Enabled: false}, upstreams, tracker, zap.NewNop())
	prober.Start()
	prober.Stop() // returns immediately instead of hanging on the loop
}
