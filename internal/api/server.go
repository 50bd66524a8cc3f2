package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/api/handler"
	"github.com/user/llm-gateway-go/internal/api/middleware"
	"github.com/user/llm-gateway-go/internal/repository"
	"github.com/user/llm-gateway-go/internal/secret"
	"github.com/user/llm-gateway-go/internal/service"
	"github.com/user/llm-gateway-go/internal/telemetry"
)

// Server wraps the HTTP router and dependencies.
type Server struct {
	router *gin.Engine
	logger *zap.Logger
}

// ServerDeps holds all dependencies for the API server.
type ServerDeps struct {
	AuthService   *service.AuthService
	ModelRouter   *service.ModelRouter
	Executor      *service.FailoverExecutor
	LogService    *service.RequestLogService
	Breaker       *service.CircuitBreaker
	HealthTracker *service.HealthTracker
	UpstreamCache *service.UpstreamCache
	SecretBox     *secret.Box
	UpstreamRepo  repository.UpstreamRepository
	KeyRepo       repository.APIKeyRepository
	Metrics       *telemetry.Metrics
	Registry      *prometheus.Registry
	AdminToken    string
	MaxBodyBytes  int64
	Logger        *zap.Logger
}

// NewServer creates a new API server with all routes configured.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Global middleware.
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	if deps.Metrics != nil {
		r.Use(middleware.Metrics(deps.Metrics))
	}

	// Liveness and metrics (no auth).
	healthHandler := handler.NewHealthHandler(deps.HealthTracker, logger)
	r.GET("/healthz", healthHandler.Healthz)
	if deps.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	// Gateway catch-all: every /v1/* call funnels through the one proxy
	// handler, which authenticates, routes by model, and forwards.
	proxyHandler := handler.NewProxyHandler(
		deps.AuthService,
		deps.ModelRouter,
		deps.Executor,
		deps.LogService,
		deps.Metrics,
		deps.MaxBodyBytes,
		logger,
	)
	for _, method := range []string{
		http.MethodGet, http.MethodPost, http.MethodPut,
		http.MethodDelete, http.MethodPatch,
	} {
		r.Handle(method, "/v1/*path", proxyHandler.Proxy)
	}

	// Admin REST endpoints (static token auth). With no token configured
	// the routes are never registered, so the surface does not exist.
	if deps.AdminToken != "" {
		admin := r.Group("/api/admin")
		admin.Use(middleware.AdminAuth(deps.AdminToken))
		{
			upstreamHandler := handler.NewUpstreamHandler(deps.UpstreamRepo, deps.UpstreamCache, deps.SecretBox, logger)
			admin.GET("/upstreams", upstreamHandler.List)
			admin.POST("/upstreams", upstreamHandler.Create)
			admin.GET("/upstreams/:id", upstreamHandler.Get)
			admin.PUT("/upstreams/:id", upstreamHandler.Update)
			admin.DELETE("/upstreams/:id", upstreamHandler.Delete)

			keyHandler := handler.NewAPIKeyHandler(deps.KeyRepo, deps.AuthService, logger)
			admin.GET("/keys", keyHandler.List)
			admin.POST("/keys", keyHandler.Create)
			admin.GET("/keys/:id", keyHandler.Get)
			admin.POST("/keys/:id/activate", keyHandler.Activate)
			admin.POST("/keys/:id/deactivate", keyHandler.Deactivate)
			admin.PUT("/keys/:id/upstreams", keyHandler.SetUpstreams)
			admin.DELETE("/keys/:id", keyHandler.Delete)

			breakerHandler := handler.NewBreakerHandler(deps.Breaker, deps.UpstreamRepo, logger)
			admin.GET("/breakers", breakerHandler.List)
			admin.POST("/breakers/:id/force_open", breakerHandler.ForceOpen)
			admin.POST("/breakers/:id/force_close", breakerHandler.ForceClose)

			admin.GET("/health", healthHandler.UpstreamHealth)

			logsHandler := handler.NewLogsHandler(deps.LogService, logger)
			admin.GET("/logs", logsHandler.List)
			admin.GET("/logs/stats", logsHandler.Stats)
			admin.GET("/logs/:request_id", logsHandler.Get)
		}
	}

	return &Server{
		router: r,
		logger: logger,
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
