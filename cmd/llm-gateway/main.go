package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/user/llm-gateway-go/internal/api"
	"github.com/user/llm-gateway-go/internal/config"
	"github.com/user/llm-gateway-go/internal/database"
	"github.com/user/llm-gateway-go/internal/models"
	"github.com/user/llm-gateway-go/internal/repository"
	"github.com/user/llm-gateway-go/internal/secret"
	"github.com/user/llm-gateway-go/internal/service"
	"github.com/user/llm-gateway-go/internal/telemetry"
	"github.com/user/llm-gateway-go/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v":
			fmt.Println(version.Info())
			os.Exit(0)
		case "--init":
			if err := runInit(); err != nil {
				log.Fatalf("init: %v", err)
			}
			os.Exit(0)
		case "--help", "-h":
			printUsage()
			os.Exit(0)
		}
	}
	if err := run(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func printUsage() {
	fmt.Printf("LLM Gateway - %s\n\n", version.Short())
	fmt.Println("Usage: llm-gateway [OPTIONS]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --init         Generate .env.example configuration template")
	fmt.Println("  --version, -v  Show version information")
	fmt.Println("  --help, -h     Show this help message")
	fmt.Println()
	fmt.Println("Without options, starts the gateway server.")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Use environment variables or a .env file (see .env.example)")
	fmt.Println("  Run 'llm-gateway --init' to generate the configuration template")
}

func run() error {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Initialize logger.
	logger, err := newLogger(cfg.Log.Level, cfg.Log.File, cfg.LogRotation)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting llm-gateway",
		zap.String("version", version.Short()),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("lb_strategy", cfg.LoadBalance.Strategy),
	)

	// Initialize database.
	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	// Separate read-only pool for query-heavy admin endpoints (log list,
	// stats) so browsing cannot starve auth lookups and breaker writes.
	readDB, err := database.NewReadOnly(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("init read-only database: %w", err)
	}
	defer readDB.Close()

	// Run migrations.
	if err := database.RunMigrations(db, logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// Secret box seals upstream credentials at rest.
	box, err := secret.NewBox(cfg.Secret.MasterKey)
	if err != nil {
		return fmt.Errorf("init secret box: %w", err)
	}

	// Initialize repositories.
	upstreamRepo := repository.NewUpstreamRepository(db)
	keyRepo := repository.NewAPIKeyRepository(db)
	breakerRepo := repository.NewCircuitBreakerStateRepository(db)
	healthRepo := repository.NewHealthRepository(db)
	logRepo := repository.NewRequestLogRepository(db, logger, readDB)

	// Telemetry.
	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	// Initialize services.
	authService, err := service.NewAuthService(keyRepo,
		cfg.Auth.KeyPrefixLength,
		time.Duration(cfg.Auth.CacheTTLSeconds)*time.Second,
		logger)
	if err != nil {
		return fmt.Errorf("init auth service: %w", err)
	}

	upstreamCache := service.NewUpstreamCache(upstreamRepo,
		time.Duration(cfg.Upstream.CacheTTLSeconds)*time.Second)

	breaker := service.NewCircuitBreaker(breakerRepo, models.BreakerConfig{
		FailureThreshold:     cfg.Circuit.FailureThreshold,
		SuccessThreshold:     cfg.Circuit.SuccessThreshold,
		OpenDurationSeconds:  cfg.Circuit.OpenDurationSeconds,
		ProbeIntervalSeconds: cfg.Circuit.ProbeIntervalSeconds,
	}, logger)
	breaker.OnTransition(func(upstreamID string, _, to models.CircuitState) {
		metrics.BreakerTransitions.WithLabelValues(upstreamID, string(to)).Inc()
	})

	tracker := service.NewHealthTracker(healthRepo, logger)
	balancer := service.NewLoadBalancer()

	// Cached DNS keeps per-attempt dials cheap; entries are refreshed in the
	// background below.
	resolver := &dnscache.Resolver{}

	forwarder := service.NewProxyForwarder(box, breaker, tracker, balancer,
		resolver, cfg.Proxy.MaxResponseBodyMB, logger)

	strategy := models.LoadBalanceStrategy(cfg.LoadBalance.Strategy)
	executor := service.NewFailoverExecutor(balancer, breaker, tracker,
		forwarder, cfg.Failover, strategy, logger)

	modelRouter := service.NewModelRouter(upstreamCache, breaker, logger)
	logService := service.NewRequestLogService(logRepo, logger)
	prober := service.NewHealthProber(cfg.HealthProbe, upstreamRepo, tracker, logger)

	// Create HTTP server.
	server := api.NewServer(api.ServerDeps{
		AuthService:   authService,
		ModelRouter:   modelRouter,
		Executor:      executor,
		LogService:    logService,
		Breaker:       breaker,
		HealthTracker: tracker,
		UpstreamCache: upstreamCache,
		SecretBox:     box,
		UpstreamRepo:  upstreamRepo,
		KeyRepo:       keyRepo,
		Metrics:       metrics,
		Registry:      registry,
		AdminToken:    cfg.Admin.Token,
		MaxBodyBytes:  int64(cfg.Proxy.MaxRequestBodyMB) << 20,
		Logger:        logger,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second, // must cover full SSE streams
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prober.Start()
	defer prober.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server started", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				resolver.Refresh(true)
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("server stopped")
	return nil
}

func newLogger(level string, logFile string, rotation config.LogRotationConfig) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug", "DEBUG":
		zapLevel = zap.DebugLevel
	case "warn", "WARN":
		zapLevel = zap.WarnLevel
	case "error", "ERROR":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", logDir, err)
	}

	lj := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	}

	// File core: JSON encoder for structured log parsing
	fileEncoderCfg := zap.NewProductionEncoderConfig()
	fileEncoderCfg.TimeKey = "ts"
	fileEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(fileEncoderCfg),
		zapcore.AddSync(lj),
		zapLevel,
	)

	// Console core: human-readable output to stdout/stderr
	consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
	consoleEncoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderCfg)

	// stdout for DEBUG/INFO, stderr for WARN/ERROR+
	stdoutCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stdout),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l < zapcore.WarnLevel
		}),
	)
	stderrCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stderr),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l >= zapcore.WarnLevel
		}),
	)

	core := zapcore.NewTee(fileCore, stdoutCore, stderrCore)

	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	), nil
}
