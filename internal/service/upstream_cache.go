package service

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/singleflight"

	"github.com/user/llm-gateway-go/internal/models"
	"github.com/user/llm-gateway-go/internal/repository"
)

// upstreamCacheMaxLen bounds the provider-keyed cache. There are only a
// handful of provider types, so this never evicts in practice.
const upstreamCacheMaxLen = 64

// UpstreamCache serves the router's per-provider upstream lists from a
// short-lived cache so the hot path does not hit SQLite on every request.
// Admin mutations call Invalidate to drop the snapshot immediately; the
// TTL covers out-of-band writes to the database. Concurrent misses for
// the same provider collapse into a single repository query.
type UpstreamCache struct {
	upstreams repository.UpstreamRepository
	cache     *otter.Cache[string, []*models.Upstream]
	group     singleflight.Group
}

// NewUpstreamCache returns an UpstreamCache with the given TTL.
func NewUpstreamCache(upstreams repository.UpstreamRepository, ttl time.Duration) *UpstreamCache {
	cache := otter.Must(&otter.Options[string, []*models.Upstream]{
		MaximumSize:      upstreamCacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, []*models.Upstream](ttl),
	})
	return &UpstreamCache{upstreams: upstreams, cache: cache}
}

// ActiveByProvider returns the active upstreams of the given provider type
// in creation order. Callers must not mutate the returned slice.
func (c *UpstreamCache) ActiveByProvider(ctx context.Context, pt models.ProviderType) ([]*models.Upstream, error) {
	key := string(pt)
	if cached, ok := c.cache.GetIfPresent(key); ok {
		return cached, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		ups, err := c.upstreams.FindByProviderType(ctx, pt, true)
		if err != nil {
			return nil, fmt.Errorf("load upstreams for provider %s: %w", pt, err)
		}
		c.cache.Set(key, ups)
		return ups, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*models.Upstream), nil
}

// Invalidate drops every cached snapshot. Admin handlers call this after
// any upstream mutation so routing sees the change on the next request.
func (c *UpstreamCache) Invalidate() {
	c.cache.InvalidateAll()
}
