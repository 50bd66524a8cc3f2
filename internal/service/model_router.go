package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/models"
)

// maxRedirectHops caps how many model redirects are followed per upstream.
const maxRedirectHops = 10

// providerPrefixes maps model name prefixes to provider types. Matching
// is case-insensitive and the longest matching prefix wins.
var providerPrefixes = []struct {
	prefix   string
	provider models.ProviderType
}{
	{"claude-", models.ProviderAnthropic},
	{"gpt-", models.ProviderOpenAI},
	{"gemini-", models.ProviderGoogle},
}

// RoutedUpstream pairs a candidate upstream with the model name it will
// serve after that upstream's redirects are applied.
type RoutedUpstream struct {
	Upstream        *models.Upstream
	ResolvedModel   string
	RedirectApplied bool
}

// RouteResult carries the eligible candidates plus the decision trace
// that ends up on the request log. The trace is populated even when
// every upstream was excluded, so failed requests stay explainable.
type RouteResult struct {
	Decision   *models.RoutingDecision
	Candidates []*RoutedUpstream
}

// ModelRouter turns a request's model name into an ordered candidate
// set: provider lookup by prefix, then per-upstream model redirects,
// allow-lists, circuit state, and API key restrictions.
type ModelRouter struct {
	upstreams *UpstreamCache
	breaker   *CircuitBreaker
	logger    *zap.Logger
}

// NewModelRouter creates a ModelRouter.
func NewModelRouter(upstreams *UpstreamCache, breaker *CircuitBreaker, logger *zap.Logger) *ModelRouter {
	return &ModelRouter{
		upstreams: upstreams,
		breaker:   breaker,
		logger:    logger,
	}
}

// Route resolves the candidate upstreams for a model on behalf of key.
// When filtering leaves no candidate the returned error carries code
// NO_UPSTREAMS_CONFIGURED and the result still holds the decision trace.
func (r *ModelRouter) Route(ctx context.Context, model string, key *models.APIKey) (*RouteResult, error) {
	// Step 1: map the model name to a provider type.
	pt, ok := providerForModel(model)
	if !ok {
		return nil, NewGatewayError(CodeNoUpstreamsConfigured,
			fmt.Sprintf("no provider handles model %q", model))
	}

	// Step 2: load the provider's active upstreams in creation order.
	ups, err := r.upstreams.ActiveByProvider(ctx, pt)
	if err != nil {
		return nil, err
	}

	decision := &models.RoutingDecision{
		OriginalModel:  model,
		ResolvedModel:  model,
		ProviderType:   pt,
		RoutingType:    "auto",
		CandidateCount: len(ups),
	}
	result := &RouteResult{Decision: decision}

	// Step 3: filter each upstream, recording every exclusion.
	for _, up := range ups {
		resolved, applied, ok := resolveModelRedirects(up, model)
		if !ok || !up.AllowsModel(resolved) {
			r.exclude(decision, up, models.ExcludeModelNotAllowed)
			continue
		}

		blocked, state, err := r.breaker.IsBlocking(ctx, up)
		if err != nil {
			return nil, err
		}
		if blocked {
			r.exclude(decision, up, models.ExcludeCircuitOpen)
			continue
		}

		if key != nil && !key.Allows(up.ID) {
			r.exclude(decision, up, models.ExcludeDisallowedForAPIKey)
			continue
		}

		decision.Candidates = append(decision.Candidates, models.RoutingCandidate{
			UpstreamID:   up.ID,
			UpstreamName: up.Name,
			Weight:       up.Weight,
			CircuitState: state,
		})
		result.Candidates = append(result.Candidates, &RoutedUpstream{
			Upstream:        up,
			ResolvedModel:   resolved,
			RedirectApplied: applied,
		})
	}
	decision.FinalCandidateCount = len(result.Candidates)

	// Step 4: fail when nothing survived the filters.
	if len(result.Candidates) == 0 {
		if len(ups) == 0 {
			return result, NewGatewayError(CodeNoUpstreamsConfigured,
				fmt.Sprintf("no active upstreams for provider %s", pt))
		}
		return result, NewGatewayError(CodeNoUpstreamsConfigured,
			fmt.Sprintf("no eligible upstreams for model %q", model))
	}

	r.logger.Debug("routing decision",
		zap.String("model", model),
		zap.String("provider_type", string(pt)),
		zap.Int("candidate_count", decision.CandidateCount),
		zap.Int("final_candidate_count", decision.FinalCandidateCount),
	)
	return result, nil
}

func (r *ModelRouter) exclude(decision *models.RoutingDecision, up *models.Upstream, reason models.ExclusionReason) {
	decision.Excluded = append(decision.Excluded, models.RoutingExclusion{
		UpstreamID:   up.ID,
		UpstreamName: up.Name,
		Reason:       reason,
	})
	r.logger.Debug("upstream excluded from routing",
		zap.String("upstream_id", up.ID),
		zap.String("upstream_name", up.Name),
		zap.String("reason", string(reason)),
	)
}

// providerForModel returns the provider type whose prefix matches the
// model name, preferring the longest match.
func providerForModel(model string) (models.ProviderType, bool) {
	lower := strings.ToLower(model)
	var (
		best    models.ProviderType
		bestLen int
	)
	for _, e := range providerPrefixes {
		if strings.HasPrefix(lower, e.prefix) && len(e.prefix) > bestLen {
			best, bestLen = e.provider, len(e.prefix)
		}
	}
	return best, bestLen > 0
}

// resolveModelRedirects follows the upstream's redirect map from model.
// Redirect cycles and chains longer than maxRedirectHops make the
// upstream ineligible for this model.
func resolveModelRedirects(up *models.Upstream, model string) (resolved string, applied, ok bool) {
	resolved = model
	if len(up.ModelRedirects) == 0 {
		return resolved, false, true
	}

	visited := map[string]struct{}{resolved: {}}
	for hops := 0; hops < maxRedirectHops; hops++ {
		target, exists := up.ModelRedirects[resolved]
		if !exists {
			return resolved, applied, true
		}
		if _, seen := visited[target]; seen {
			return "", false, false
		}
		visited[target] = struct{}{}
		resolved = target
		applied = true
	}
	if _, exists := up.ModelRedirects[resolved]; exists {
		return "", false, false
	}
	return resolved, applied, true
}
