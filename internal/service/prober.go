package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/config"
	"github.com/user/llm-gateway-go/internal/models"
	"github.com/user/llm-gateway-go/internal/repository"
)

// HealthProber periodically probes active upstream base URLs and feeds
// the results into the HealthTracker. Any response below 500 counts as
// reachable; providers answer unauthenticated probes with 401 or 404,
// which still proves the endpoint is up.
type HealthProber struct {
	cfg       config.HealthProbeConfig
	upstreams repository.UpstreamRepository
	tracker   *HealthTracker
	client    *http.Client
	logger    *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthProber creates a HealthProber.
func NewHealthProber(cfg config.HealthProbeConfig, upstreams repository.UpstreamRepository, tracker *HealthTracker, logger *zap.Logger) *HealthProber {
	return &HealthProber{
		cfg:       cfg,
		upstreams: upstreams,
		tracker:   tracker,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start begins periodic probing. It returns immediately; probing runs
// until Stop is called.
func (p *HealthProber) Start() {
	if !p.cfg.Enabled {
		close(p.done)
		p.logger.Info("health prober disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.loop(ctx)
	p.logger.Info("health prober started",
		zap.Int("interval_seconds", p.cfg.IntervalSeconds),
		zap.Int("timeout_seconds", p.cfg.TimeoutSeconds),
	)
}

// Stop halts probing and waits for the loop to exit.
func (p *HealthProber) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *HealthProber) loop(ctx context.Context) {
	defer close(p.done)

	// Run an initial round immediately.
	p.probeAll(ctx)

	ticker := time.NewTicker(time.Duration(p.cfg.IntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *HealthProber) probeAll(ctx context.Context) {
	ups, err := p.upstreams.FindAllActive(ctx)
	if err != nil {
		p.logger.Warn("health probe skipped, cannot list upstreams", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, up := range ups {
		wg.Add(1)
		go func(up *models.Upstream) {
			defer wg.Done()
			p.probe(ctx, up)
		}(up)
	}
	wg.Wait()
}

func (p *HealthProber) probe(ctx context.Context, up *models.Upstream) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL(up), nil)
	if err != nil {
		p.tracker.MarkUnhealthy(ctx, up.ID, fmt.Sprintf("invalid base url: %v", err))
		return
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.tracker.MarkUnhealthy(ctx, up.ID, err.Error())
		return
	}
	defer resp.Body.Close()

	latency := float64(time.Since(start)) / float64(time.Millisecond)
	if resp.StatusCode >= 500 {
		p.tracker.MarkUnhealthy(ctx, up.ID, fmt.Sprintf("probe returned %d", resp.StatusCode))
		return
	}
	p.tracker.MarkHealthy(ctx, up.ID, latency)
}

// probeURL picks a cheap endpoint per provider. OpenAI-compatible APIs
// expose a model listing; for everything else the bare base URL suffices.
func probeURL(up *models.Upstream) string {
	base := strings.TrimRight(up.BaseURL, "/")
	if up.ProviderType == models.ProviderOpenAI || up.ProviderType == models.ProviderCustom {
		return base + "/models"
	}
	return base
}
