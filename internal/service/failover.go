package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/config"
	"github.com/user/llm-gateway-go/internal/models"
)

// failoverAttemptCap bounds the loop even when many candidates exist.
const failoverAttemptCap = 10

// ProxyRequest is the downstream request buffered once so every failover
// attempt replays identical bytes. Path is the portion after /v1.
type ProxyRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// ProxyResult is the outcome of the failover loop: a buffered response
// or a live stream, the upstream that served it, and the attempt history
// for the request log. On failure only the history is populated.
type ProxyResult struct {
	StatusCode    int
	Header        http.Header
	Body          []byte
	Usage         models.Usage
	IsStream      bool
	Chunks        <-chan StreamChunk
	Upstream      *models.Upstream
	ResolvedModel string
	LatencyMs     float64
	Attempts      []models.FailoverAttempt
}

// FailoverExecutor walks the routed candidates until one of them serves
// the request. Failed candidates are excluded from later selections, the
// breaker and health tracker are fed on every outcome, and each failed
// attempt is recorded for the log.
type FailoverExecutor struct {
	balancer    *LoadBalancer
	breaker     *CircuitBreaker
	tracker     *HealthTracker
	forwarder   *ProxyForwarder
	strategy    models.LoadBalanceStrategy
	maxAttempts int
	statusSet   map[int]struct{}
	logger      *zap.Logger
}

// NewFailoverExecutor creates a FailoverExecutor. An empty status list in
// cfg selects the built-in failover set of 429 plus every 5xx.
func NewFailoverExecutor(
	balancer *LoadBalancer,
	breaker *CircuitBreaker,
	tracker *HealthTracker,
	forwarder *ProxyForwarder,
	cfg config.FailoverConfig,
	strategy models.LoadBalanceStrategy,
	logger *zap.Logger,
) *FailoverExecutor {
	var statusSet map[int]struct{}
	if len(cfg.StatusCodes) > 0 {
		statusSet = make(map[int]struct{}, len(cfg.StatusCodes))
		for _, code := range cfg.StatusCodes {
			statusSet[code] = struct{}{}
		}
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 || maxAttempts > failoverAttemptCap {
		maxAttempts = failoverAttemptCap
	}
	return &FailoverExecutor{
		balancer:    balancer,
		breaker:     breaker,
		tracker:     tracker,
		forwarder:   forwarder,
		strategy:    strategy,
		maxAttempts: maxAttempts,
		statusSet:   statusSet,
		logger:      logger,
	}
}

// shouldFailover reports whether an upstream status triggers the next
// candidate instead of being passed through.
func (e *FailoverExecutor) shouldFailover(status int) bool {
	if e.statusSet != nil {
		_, ok := e.statusSet[status]
		return ok
	}
	return status == http.StatusTooManyRequests || status >= 500
}

// Execute runs the failover loop over the routed candidates. The routing
// decision in route is updated with the upstream that actually served
// the request; on total failure the selection fields are cleared and the
// returned result still carries the attempt history.
func (e *FailoverExecutor) Execute(ctx context.Context, req *ProxyRequest, route *RouteResult) (*ProxyResult, error) {
	byID := make(map[string]*RoutedUpstream, len(route.Candidates))
	candidates := make([]*models.Upstream, 0, len(route.Candidates))
	for _, c := range route.Candidates {
		byID[c.Upstream.ID] = c
		candidates = append(candidates, c.Upstream)
	}

	maxAttempts := e.maxAttempts
	if len(candidates) < maxAttempts {
		maxAttempts = len(candidates)
	}

	result := &ProxyResult{}
	failed := make(map[string]struct{}, len(candidates))

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			e.clearSelection(route)
			return result, NewGatewayError(CodeClientDisconnected, "client disconnected")
		}

		up, err := e.balancer.Select(candidates, e.strategy, failed)
		if err != nil {
			e.clearSelection(route)
			return result, WrapGatewayError(CodeAllUpstreamsUnavailable, "all upstreams unavailable", err)
		}
		routed := byID[up.ID]

		// The decision tracks the current attempt; when the loop returns
		// a response these fields name the upstream that served it.
		route.Decision.SelectedUpstreamID = up.ID
		route.Decision.SelectionStrategy = e.strategy
		route.Decision.ResolvedModel = routed.ResolvedModel
		route.Decision.ModelRedirectApplied = routed.RedirectApplied

		e.balancer.RecordConnection(up.ID)

		if err := e.breaker.AcquirePermit(ctx, up); err != nil {
			e.balancer.ReleaseConnection(up.ID)
			var ge *GatewayError
			if !errors.As(err, &ge) || ge.Code != CodeCircuitOpen {
				e.clearSelection(route)
				return result, err
			}
			e.recordAttempt(result, up, 0, err)
			failed[up.ID] = struct{}{}
			continue
		}

		fres, err := e.forwarder.Forward(ctx, &ForwardRequest{
			Method:   req.Method,
			Path:     req.Path,
			RawQuery: req.RawQuery,
			Header:   req.Header,
			Body:     req.Body,
			Upstream: up,
		})
		if err != nil {
			e.balancer.ReleaseConnection(up.ID)
			if ctx.Err() != nil {
				e.clearSelection(route)
				return result, NewGatewayError(CodeClientDisconnected, "client disconnected")
			}
			if !isFailoverableError(err) {
				e.clearSelection(route)
				return result, err
			}
			e.logger.Warn("upstream attempt failed, trying next candidate",
				zap.Int("attempt", attempt+1),
				zap.String("upstream_id", up.ID),
				zap.String("upstream_name", up.Name),
				zap.Error(err))
			e.recordAttempt(result, up, 0, err)
			e.recordFailure(ctx, up, err.Error())
			failed[up.ID] = struct{}{}
			continue
		}

		if !fres.IsStream && e.shouldFailover(fres.StatusCode) {
			e.balancer.ReleaseConnection(up.ID)
			e.logger.Warn("upstream returned failover status, trying next candidate",
				zap.Int("attempt", attempt+1),
				zap.String("upstream_id", up.ID),
				zap.String("upstream_name", up.Name),
				zap.Int("status", fres.StatusCode))
			e.recordAttempt(result, up, fres.StatusCode, nil)
			e.recordFailure(ctx, up, fmt.Sprintf("upstream returned status %d", fres.StatusCode))
			failed[up.ID] = struct{}{}
			continue
		}

		// Success. A recovery after failed attempts joins the history;
		// a clean first attempt records nothing.
		if len(result.Attempts) > 0 {
			status := fres.StatusCode
			result.Attempts = append(result.Attempts, models.FailoverAttempt{
				UpstreamID:   up.ID,
				UpstreamName: up.Name,
				AttemptedAt:  time.Now().UTC(),
				StatusCode:   &status,
			})
		}

		// For streams the forwarder settles breaker, health, and the
		// connection counter when the stream closes.
		if !fres.IsStream {
			e.balancer.ReleaseConnection(up.ID)
			e.tracker.MarkHealthy(ctx, up.ID, fres.LatencyMs)
			if err := e.breaker.RecordSuccess(ctx, up); err != nil {
				e.logger.Warn("failed to record upstream success",
					zap.String("upstream_id", up.ID), zap.Error(err))
			}
		}

		result.StatusCode = fres.StatusCode
		result.Header = fres.Header
		result.Body = fres.Body
		result.Usage = fres.Usage
		result.IsStream = fres.IsStream
		result.Chunks = fres.Chunks
		result.Upstream = up
		result.ResolvedModel = routed.ResolvedModel
		result.LatencyMs = fres.LatencyMs
		return result, nil
	}

	e.clearSelection(route)
	return result, NewGatewayError(CodeAllUpstreamsUnavailable, "all upstreams unavailable")
}

// recordAttempt appends one failed attempt to the history.
func (e *FailoverExecutor) recordAttempt(result *ProxyResult, up *models.Upstream, status int, err error) {
	a := models.FailoverAttempt{
		UpstreamID:   up.ID,
		UpstreamName: up.Name,
		AttemptedAt:  time.Now().UTC(),
		ErrorType:    classifyAttemptError(status, err),
	}
	if status != 0 {
		s := status
		a.StatusCode = &s
		a.ErrorMessage = fmt.Sprintf("upstream returned status %d", status)
	} else if err != nil {
		a.ErrorMessage = err.Error()
	}
	result.Attempts = append(result.Attempts, a)
}

// recordFailure feeds a failed attempt into the breaker and the health
// tracker. Persistence errors must not abort the failover loop.
func (e *FailoverExecutor) recordFailure(ctx context.Context, up *models.Upstream, reason string) {
	e.tracker.MarkUnhealthy(ctx, up.ID, reason)
	if err := e.breaker.RecordFailure(ctx, up); err != nil {
		e.logger.Warn("failed to record upstream failure",
			zap.String("upstream_id", up.ID), zap.Error(err))
	}
}

// clearSelection resets the decision's selection fields after a loop
// that served nothing.
func (e *FailoverExecutor) clearSelection(route *RouteResult) {
	route.Decision.SelectedUpstreamID = ""
	route.Decision.SelectionStrategy = ""
	route.Decision.ResolvedModel = route.Decision.OriginalModel
	route.Decision.ModelRedirectApplied = false
}
