package service

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/user/llm-gateway-go/internal/models"
)

// LoadBalancer picks one upstream out of a candidate set. Cursors for
// the round-robin strategies are keyed by a fingerprint of the
// candidate set, so rotation stays fair per distinct set instead of
// resetting whenever routing produces a different list. All cursor and
// connection state is process-local.
type LoadBalancer struct {
	mu       sync.Mutex
	cursors  map[string]int
	inflight map[string]int
}

// NewLoadBalancer creates a LoadBalancer.
func NewLoadBalancer() *LoadBalancer {
	return &LoadBalancer{
		cursors:  make(map[string]int),
		inflight: make(map[string]int),
	}
}

// Select picks an upstream using the given strategy, skipping IDs in
// exclude. It returns a GatewayError with code NO_HEALTHY_UPSTREAMS
// when nothing is left to pick from.
func (lb *LoadBalancer) Select(candidates []*models.Upstream, strategy models.LoadBalanceStrategy, exclude map[string]struct{}) (*models.Upstream, error) {
	eligible := candidates
	if len(exclude) > 0 {
		eligible = make([]*models.Upstream, 0, len(candidates))
		for _, up := range candidates {
			if _, skip := exclude[up.ID]; !skip {
				eligible = append(eligible, up)
			}
		}
	}
	if len(eligible) == 0 {
		return nil, NewGatewayError(CodeNoHealthyUpstreams, "no upstreams available for selection")
	}
	if len(eligible) == 1 {
		return eligible[0], nil
	}

	switch strategy {
	case models.StrategyRoundRobin:
		return lb.nextRoundRobin(eligible), nil
	case models.StrategyLeastConnections:
		return lb.leastConnections(eligible), nil
	default:
		return lb.nextWeighted(eligible), nil
	}
}

// RecordConnection notes an in-flight request to the upstream.
func (lb *LoadBalancer) RecordConnection(upstreamID string) {
	lb.mu.Lock()
	lb.inflight[upstreamID]++
	lb.mu.Unlock()
}

// ReleaseConnection notes the end of an in-flight request.
func (lb *LoadBalancer) ReleaseConnection(upstreamID string) {
	lb.mu.Lock()
	if lb.inflight[upstreamID] > 0 {
		lb.inflight[upstreamID]--
	}
	lb.mu.Unlock()
}

// InFlight returns the current in-flight count for an upstream.
func (lb *LoadBalancer) InFlight(upstreamID string) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.inflight[upstreamID]
}

// --- Weighted Round Robin ---

func (lb *LoadBalancer) nextWeighted(eligible []*models.Upstream) *models.Upstream {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	total := 0
	for _, up := range eligible {
		total += weightOf(up)
	}

	key := fingerprint(eligible)
	idx := lb.cursors[key] % total
	lb.cursors[key]++

	for _, up := range eligible {
		w := weightOf(up)
		if idx < w {
			return up
		}
		idx -= w
	}
	return eligible[len(eligible)-1]
}

// --- Round Robin ---

func (lb *LoadBalancer) nextRoundRobin(eligible []*models.Upstream) *models.Upstream {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	key := fingerprint(eligible)
	idx := lb.cursors[key] % len(eligible)
	lb.cursors[key]++
	return eligible[idx]
}

// --- Least Connections ---

func (lb *LoadBalancer) leastConnections(eligible []*models.Upstream) *models.Upstream {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	best := eligible[0]
	for _, up := range eligible[1:] {
		cur, bst := lb.inflight[up.ID], lb.inflight[best.ID]
		switch {
		case cur < bst:
			best = up
		case cur == bst && weightOf(up) > weightOf(best):
			best = up
		case cur == bst && weightOf(up) == weightOf(best) && up.ID < best.ID:
			best = up
		}
	}
	return best
}

// fingerprint identifies a candidate set independent of its order.
func fingerprint(eligible []*models.Upstream) string {
	parts := make([]string, len(eligible))
	for i, up := range eligible {
		parts[i] = up.ID + ":" + strconv.Itoa(weightOf(up))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func weightOf(up *models.Upstream) int {
	if up.Weight < 1 {
		return 1
	}
	return up.Weight
}
