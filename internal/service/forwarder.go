package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/dnscache"
	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/models"
	"github.com/user/llm-gateway-go/internal/secret"
)

const (
	// anthropicVersionDefault is sent when the client did not pick an
	// Anthropic API version itself.
	anthropicVersionDefault = "2023-06-01"

	// defaultUpstreamTimeout applies when an upstream row carries no
	// timeout of its own.
	defaultUpstreamTimeout = 120 * time.Second

	streamChunkBuffer = 100
	saveStateTimeout  = 5 * time.Second
)

// hopByHopHeaders are never forwarded in either direction. Content-Length
// is recomputed from the body actually sent.
var hopByHopHeaders = map[string]struct{}{
	"connection":        {},
	"keep-alive":        {},
	"transfer-encoding": {},
	"host":              {},
	"upgrade":           {},
	"content-length":    {},
	"te":                {},
	"trailer":           {},
}

// credentialHeaders from the client are dropped; the forwarder injects
// the upstream's own credentials instead.
var credentialHeaders = map[string]struct{}{
	"authorization": {},
	"x-api-key":     {},
}

// StreamChunk is one unit of a proxied SSE stream. Data chunks carry raw
// upstream bytes; the final chunk has Done set and carries the stats.
type StreamChunk struct {
	Data  []byte
	Err   error
	Done  bool
	Stats *StreamStats
}

// StreamStats summarizes a finished stream for the request log.
type StreamStats struct {
	Usage       models.Usage
	FirstByteMs float64
	Completed   bool
}

// ForwardRequest is one buffered downstream request aimed at one upstream.
// Path is the portion after the /v1 mount point.
type ForwardRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
	Upstream *models.Upstream
}

// ForwardResult is what a single forwarding attempt produced. Exactly one
// of Body (non-stream) or Chunks (stream) is populated.
type ForwardResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Usage      models.Usage
	IsStream   bool
	Chunks     <-chan StreamChunk
	LatencyMs  float64
}

// ProxyForwarder sends buffered requests to upstreams and relays the
// responses. It owns the credential unsealing, header rewriting, the
// per-upstream timeout, and the SSE read loop; for streams it also
// settles the breaker, health, and connection bookkeeping at close,
// since only the reader knows how a stream ended.
type ProxyForwarder struct {
	secrets          *secret.Box
	breaker          *CircuitBreaker
	tracker          *HealthTracker
	balancer         *LoadBalancer
	maxResponseBytes int64
	logger           *zap.Logger
	client           *http.Client
}

// NewProxyForwarder creates a ProxyForwarder. The resolver may be nil to
// use the system resolver on every dial.
func NewProxyForwarder(
	secrets *secret.Box,
	breaker *CircuitBreaker,
	tracker *HealthTracker,
	balancer *LoadBalancer,
	resolver *dnscache.Resolver,
	maxResponseMB int,
	logger *zap.Logger,
) *ProxyForwarder {
	if maxResponseMB <= 0 {
		maxResponseMB = 32
	}
	return &ProxyForwarder{
		secrets:          secrets,
		breaker:          breaker,
		tracker:          tracker,
		balancer:         balancer,
		maxResponseBytes: int64(maxResponseMB) << 20,
		logger:           logger,
		// Timeouts are enforced per attempt via the request context, so
		// the shared client carries none of its own.
		client: &http.Client{Transport: newTransport(resolver, true)},
	}
}

// newTransport returns a tuned transport with connection pooling and
// optional cached DNS lookups.
func newTransport(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// Forward sends the request to the upstream and returns either the
// buffered response or a live stream. The upstream's timeout bounds the
// whole call for buffered responses and the time to first byte for
// streams; cancelling ctx aborts the upstream call at any point.
func (f *ProxyForwarder) Forward(ctx context.Context, fr *ForwardRequest) (*ForwardResult, error) {
	up := fr.Upstream
	apiKey, err := f.secrets.Open(up.APIKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("open credentials for upstream %s: %w", up.Name, err)
	}

	timeout := time.Duration(up.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}

	upstreamCtx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		cancel()
	})

	targetURL := joinUpstreamURL(up.BaseURL, fr.Path, fr.RawQuery)
	outReq, err := http.NewRequestWithContext(upstreamCtx, fr.Method, targetURL, bytes.NewReader(fr.Body))
	if err != nil {
		timer.Stop()
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	copyRequestHeaders(fr.Header, outReq.Header)
	injectAuth(outReq.Header, up.ProviderType, apiKey)

	start := time.Now()
	resp, err := f.client.Do(outReq)
	if err != nil {
		timer.Stop()
		cancel()
		if timedOut.Load() {
			return nil, fmt.Errorf("upstream %s gave no response within %s: %w", up.Name, timeout, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}

	// An error status is never streamed, even if the upstream labels it
	// text/event-stream: the failover loop needs it buffered.
	if resp.StatusCode < 400 && isEventStream(resp.Header.Get("Content-Type")) {
		chunks := make(chan StreamChunk, streamChunkBuffer)
		go f.readStream(ctx, upstreamCtx, cancel, timer, &timedOut, resp, up, start, chunks)
		return &ForwardResult{
			StatusCode: resp.StatusCode,
			Header:     filterResponseHeaders(resp.Header),
			IsStream:   true,
			Chunks:     chunks,
		}, nil
	}

	defer cancel()
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxResponseBytes))
	timer.Stop()
	if err != nil {
		if timedOut.Load() {
			return nil, fmt.Errorf("upstream %s response exceeded %s: %w", up.Name, timeout, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	return &ForwardResult{
		StatusCode: resp.StatusCode,
		Header:     filterResponseHeaders(resp.Header),
		Body:       body,
		Usage:      ExtractUsage(body),
		LatencyMs:  msSince(start),
	}, nil
}

// readStream relays upstream SSE bytes to the chunk channel, tracking
// the last observed usage. The timeout timer is disarmed on the first
// byte; after that only cancellation or the upstream ends the stream.
func (f *ProxyForwarder) readStream(
	parent context.Context,
	upstreamCtx context.Context,
	cancel context.CancelFunc,
	timer *time.Timer,
	timedOut *atomic.Bool,
	resp *http.Response,
	up *models.Upstream,
	start time.Time,
	out chan<- StreamChunk,
) {
	defer close(out)
	defer cancel()
	defer resp.Body.Close()

	var (
		usage       models.Usage
		firstByteAt time.Time
	)
	reader := bufio.NewReader(resp.Body)

	for {
		select {
		case <-upstreamCtx.Done():
			f.finishStream(parent, up, start, firstByteAt, usage, out, upstreamCtx.Err(), timedOut.Load())
			return
		default:
		}

		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if firstByteAt.IsZero() {
				firstByteAt = time.Now()
				timer.Stop()
			}
			if u, ok := parseSSEUsage(line); ok {
				usage = u
			}
			// The consumer may stop reading when the client goes away;
			// never block on a dead channel.
			select {
			case out <- StreamChunk{Data: line}:
			case <-upstreamCtx.Done():
				f.finishStream(parent, up, start, firstByteAt, usage, out, upstreamCtx.Err(), timedOut.Load())
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				f.finishStream(parent, up, start, firstByteAt, usage, out, nil, false)
			} else {
				f.finishStream(parent, up, start, firstByteAt, usage, out, err, timedOut.Load())
			}
			return
		}
	}
}

// finishStream settles one stream exactly once: connection released,
// breaker and health fed, final chunk delivered. A client disconnect is
// not an upstream failure and records nothing against the upstream.
func (f *ProxyForwarder) finishStream(
	ctx context.Context,
	up *models.Upstream,
	start, firstByteAt time.Time,
	usage models.Usage,
	out chan<- StreamChunk,
	streamErr error,
	timedOut bool,
) {
	defer f.balancer.ReleaseConnection(up.ID)

	latency := streamLatency(firstByteAt, start)
	stats := &StreamStats{Usage: usage, FirstByteMs: latency}

	// State writes use a detached context: the request context is often
	// already cancelled when a stream ends.
	saveCtx, cancelSave := context.WithTimeout(context.WithoutCancel(ctx), saveStateTimeout)
	defer cancelSave()

	switch {
	case streamErr == nil:
		stats.Completed = true
		f.tracker.MarkHealthy(saveCtx, up.ID, latency)
		if err := f.breaker.RecordSuccess(saveCtx, up); err != nil {
			f.logger.Warn("failed to record stream success",
				zap.String("upstream_id", up.ID), zap.Error(err))
		}
		out <- StreamChunk{Done: true, Stats: stats}

	case !timedOut && ctx.Err() != nil:
		// The client went away; the handler may already have stopped
		// draining the channel, so the final chunk must not block.
		f.logger.Debug("client disconnected mid-stream",
			zap.String("upstream_id", up.ID))
		select {
		case out <- StreamChunk{Err: streamErr, Done: true, Stats: stats}:
		default:
		}

	default:
		f.logger.Error("upstream stream failed",
			zap.String("upstream_id", up.ID),
			zap.String("upstream_name", up.Name),
			zap.Error(streamErr))
		out <- StreamChunk{Data: streamErrorFrame}
		f.tracker.MarkUnhealthy(saveCtx, up.ID, streamErr.Error())
		if err := f.breaker.RecordFailure(saveCtx, up); err != nil {
			f.logger.Warn("failed to record stream failure",
				zap.String("upstream_id", up.ID), zap.Error(err))
		}
		out <- StreamChunk{Err: streamErr, Done: true, Stats: stats}
	}
}

// --- Helper functions ---

// joinUpstreamURL appends path to baseURL with exactly one separator and
// carries the original query string over.
func joinUpstreamURL(baseURL, path, rawQuery string) string {
	u := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// copyRequestHeaders copies client headers onto the outbound request,
// dropping hop-by-hop, proxy-*, and credential headers.
func copyRequestHeaders(src, dst http.Header) {
	for k, vv := range src {
		lower := strings.ToLower(k)
		if _, hop := hopByHopHeaders[lower]; hop {
			continue
		}
		if _, cred := credentialHeaders[lower]; cred {
			continue
		}
		if strings.HasPrefix(lower, "proxy-") {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// filterResponseHeaders returns upstream response headers with hop-by-hop
// and proxy-* headers removed.
func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, vv := range src {
		lower := strings.ToLower(k)
		if _, hop := hopByHopHeaders[lower]; hop {
			continue
		}
		if strings.HasPrefix(lower, "proxy-") {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	return dst
}

// injectAuth sets the provider's credential header. Anthropic uses
// x-api-key plus a version header; everything else takes a bearer token.
func injectAuth(h http.Header, pt models.ProviderType, apiKey string) {
	switch pt {
	case models.ProviderAnthropic:
		h.Set("x-api-key", apiKey)
		if h.Get("anthropic-version") == "" {
			h.Set("anthropic-version", anthropicVersionDefault)
		}
	default:
		h.Set("Authorization", "Bearer "+apiKey)
	}
}

func isEventStream(contentType string) bool {
	return strings.HasPrefix(contentType, "text/event-stream")
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

// streamLatency is the time to first byte, or the full elapsed time when
// no byte ever arrived.
func streamLatency(firstByteAt, start time.Time) float64 {
	if !firstByteAt.IsZero() {
		return float64(firstByteAt.Sub(start).Microseconds()) / 1000
	}
	return msSince(start)
}
