// Package main is the entry point for the API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/agegate/internal/api"
	"github.com/onnwee/agegate/internal/asset"
	"github.com/onnwee/agegate/internal/auth"
	"github.com/onnwee/agegate/internal/config"
	"github.com/onnwee/agegate/internal/db"
	"github.com/onnwee/agegate/internal/health"
	"github.com/onnwee/agegate/internal/jobs"
	"github.com/onnwee/agegate/internal/middleware"
	"github.com/onnwee/agegate/internal/provider"
	"github.com/onnwee/agegate/internal/ratelimit"
	"github.com/onnwee/agegate/internal/tracing"
	"github.com/onnwee/agegate/internal/verification"
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configFile := flag.String("config", "", "path to optional YAML config file")
	flag.Parse()

	if *help {
		fmt.Println("Agegate API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configFile)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config error:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	// Tracing is opt-in via environment; OTLP endpoint empty means disabled.
	tracingProvider, err := tracing.NewProvider(tracing.Config{
		ServiceName:  "agegate-api",
		Enabled:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
		Environment:  cfg.Env,
		ExporterType: "otlp-http",
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SamplingRate: samplingRateFromEnv(),
		InsecureMode: cfg.Env != "production",
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	metrics := middleware.NewMetrics()
	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		logger.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	jobMetrics := jobs.NewMetrics()
	if err := jobMetrics.Register(registry); err != nil {
		logger.Error("failed to register job metrics", "error", err)
		os.Exit(1)
	}

	// Repositories: Postgres when configured, in-memory otherwise.
	var (
		repo      verification.Repository
		dbChecker api.HealthChecker
	)
	if cfg.DatabaseURL != "" {
		conn, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer conn.Close()
		repo = verification.NewPostgresRepository(conn, logger)
		dbChecker = health.NewDBChecker(conn)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory repository")
		repo = verification.NewInMemoryRepository()
	}

	// Rate limit store: Redis when configured, in-memory otherwise.
	limitCfg := ratelimit.Config{
		MaxRequests: cfg.RateLimitMaxRequests,
		Window:      cfg.RateLimitWindow,
	}
	var (
		store        ratelimit.Store
		redisChecker api.HealthChecker
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()
		store = ratelimit.NewRedisStore(redisClient)
		redisChecker = health.NewRedisChecker(redisClient)
	} else {
		logger.Warn("REDIS_URL not set, using in-memory rate limit store")
		memStore := ratelimit.NewInMemoryStore()
		go func() {
			ticker := time.NewTicker(limitCfg.Window)
			defer ticker.Stop()
			for range ticker.C {
				start := time.Now()
				memStore.Cleanup(limitCfg)
				jobMetrics.ObserveJobDuration(jobs.JobTypeRateLimitCleanup, time.Since(start).Seconds())
				jobMetrics.IncJobsTotal(jobs.JobTypeRateLimitCleanup, jobs.StatusSuccess)
			}
		}()
		store = memStore
	}

	limiter := ratelimit.NewLimiter(store, limitCfg, metrics)

	providerRegistry, err := provider.NewRegistry(provider.Config{
		Active:      cfg.VerificationProvider,
		CallbackURL: cfg.WebhookBaseURL,
		Veriff: provider.VeriffConfig{
			APIKey:        cfg.VeriffAPIKey,
			WebhookSecret: cfg.VeriffWebhookSecret,
		},
		Persona: provider.PersonaConfig{
			APIKey:        cfg.PersonaAPIKey,
			WebhookSecret: cfg.PersonaWebhookSecret,
			TemplateID:    cfg.PersonaTemplateID,
		},
		Yoti: provider.YotiConfig{
			APIKey:        cfg.YotiAPIKey,
			WebhookSecret: cfg.YotiWebhookSecret,
		},
	})
	if err != nil {
		logger.Error("failed to configure verification providers", "error", err)
		os.Exit(1)
	}

	orchestrator := verification.NewOrchestrator(repo, providerRegistry, limiter, metrics)
	jwtService := auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTPreviousSecret)

	// Pending sessions the provider never resolves are expired in the
	// background so their users can start over.
	sweeper := verification.NewSweeper(repo, cfg.SessionPendingTTL, jobMetrics, logger)
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go sweeper.Run(sweepCtx, time.Hour)

	verifyHandlers := api.NewVerifyHandlers(orchestrator, repo)
	webhookHandlers := api.NewWebhookHandlers(providerRegistry, orchestrator, metrics)
	healthHandlers := api.NewHealthHandlers(api.HealthHandlersConfig{
		DBChecker:    dbChecker,
		RedisChecker: redisChecker,
	})

	// The signed asset endpoint needs object storage credentials.
	var assetHandlers *api.AssetHandlers
	if cfg.R2Configured() {
		signer, err := asset.NewService(asset.ServiceConfig{
			BucketName:      cfg.R2BucketName,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			Endpoint:        cfg.R2Endpoint,
			TTL:             cfg.SignedURLTTL,
		})
		if err != nil {
			logger.Error("failed to configure asset signer", "error", err)
			os.Exit(1)
		}
		assetHandlers = api.NewAssetHandlers(signer, repo, metrics)
	} else {
		logger.Warn("R2 not configured, signed asset endpoint disabled")
	}

	mux := routes(verifyHandlers, webhookHandlers, healthHandlers, assetHandlers, registry)
	handler := chain(mux, cfg, logger, metrics, jwtService)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.Port, "provider", cfg.VerificationProvider)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if err := tracingProvider.Shutdown(ctx); err != nil {
		logger.Error("failed to shut down tracing", "error", err)
	}

	logger.Info("server stopped")
}

// routes builds the route table. assetHandlers may be nil, in which case the
// signed asset endpoint is not mounted.
func routes(verify *api.VerifyHandlers, webhook *api.WebhookHandlers, healthH *api.HealthHandlers, assets *api.AssetHandlers, registry *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /verify/start", verify.StartVerification)
	mux.HandleFunc("GET /verify/status", verify.VerificationStatus)
	mux.HandleFunc("POST /verify/webhook", webhook.HandleProviderWebhook)
	mux.HandleFunc("POST /verify/manual", verify.ManualReview)
	mux.HandleFunc("GET /health", healthH.Health)
	mux.HandleFunc("GET /ready", healthH.Ready)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	if assets != nil {
		mux.HandleFunc("GET /assets/signed", assets.SignedAssetURL)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
			api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "The requested resource was not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"service":"agegate-api","version":"0.1.0"}`)); err != nil {
			slog.Error("failed to write response", "error", err)
		}
	})

	return mux
}

// chain wraps the route table in the shared middleware stack.
// Order, innermost first: Authenticate -> Logging -> CORS -> HTTPMetrics ->
// Tracing -> RequestID, with Profiling outermost outside production.
func chain(mux http.Handler, cfg *config.Config, logger *slog.Logger, metrics *middleware.Metrics, jwtService *auth.JWTService) http.Handler {
	handler := mux
	handler = middleware.Authenticate(jwtService)(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	})(handler)
	handler = middleware.HTTPMetrics(metrics)(handler)
	handler = middleware.Tracing("agegate-api")(handler)
	handler = middleware.RequestID(handler)

	// pprof endpoints are only mounted outside production.
	if cfg.Env != "production" {
		handler = middleware.Profiling(middleware.ProfilingConfig{
			Enabled:     true,
			Environment: cfg.Env,
		})(handler)
	}

	return handler
}

// samplingRateFromEnv reads OTEL_TRACES_SAMPLER_ARG, defaulting to sampling
// every trace.
func samplingRateFromEnv() float64 {
	if val := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return 1.0
}
