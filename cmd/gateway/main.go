package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/credit-gateway/config"
	"github.com/vnmchuo/credit-gateway/internal/auth"
	"github.com/vnmchuo/credit-gateway/internal/ledger"
	"github.com/vnmchuo/credit-gateway/internal/oracle"
	"github.com/vnmchuo/credit-gateway/internal/pricing"
	"github.com/vnmchuo/credit-gateway/internal/provider"
	"github.com/vnmchuo/credit-gateway/internal/provider/loopback"
	"github.com/vnmchuo/credit-gateway/internal/provider/openai"
	"github.com/vnmchuo/credit-gateway/internal/proxy"
	"github.com/vnmchuo/credit-gateway/internal/seeder"
	"github.com/vnmchuo/credit-gateway/internal/settlement"
	"github.com/vnmchuo/credit-gateway/internal/telemetry"
	"github.com/vnmchuo/credit-gateway/internal/worker"
	"github.com/vnmchuo/credit-gateway/pkg/ratelimit"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "credit-gateway").Logger()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("credit-gateway", cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping postgres")
	}
	logger.Info().Msg("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping redis")
	}
	logger.Info().Msg("Redis connected")

	// 5. Load model pricing
	table, err := pricing.LoadTable(cfg.PricingFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.PricingFile).Msg("failed to load pricing table")
	}
	estimator := pricing.NewEstimator(table)

	// 6. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb, logger)

	// 7. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 8. Init chain ledger client, wrapped with the redis idempotency guard
	gateway := ledger.NewGatewayClient(cfg.LedgerGatewayURL, logger)
	chainLedger := ledger.NewIdempotentClient(gateway, rdb, logger)

	// 9. Init price oracle
	quotes := oracle.NewClient(cfg.OracleURL, cfg.QuoteStaleness, cfg.QuoteStaleFactor, logger)

	// 10. Init providers. Without an OpenAI key the loopback echo provider
	// serves every model, which keeps local stacks fully runnable.
	var providers []provider.Provider
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, openai.New(cfg.OpenAIAPIKey, table.Models()))
	} else {
		logger.Warn().Msg("OPENAI_API_KEY not set, using loopback provider")
		providers = append(providers, loopback.New(table.Models()))
	}
	router := provider.NewRouter(providers)

	// 11. Init settlement engine
	settlementStore := settlement.NewPostgresStore(pool)
	coordinator := settlement.NewCoordinator(
		estimator,
		quotes,
		chainLedger,
		settlementStore,
		router,
		cfg.CreditTokenSymbol,
		cfg.CreditTokenAddress,
		logger,
	)

	// 12. Start reconciliation worker
	reconciler := worker.NewReconciler(settlementStore, chainLedger, cfg.CreditTokenAddress, time.Minute, logger)
	reconciler.Start()
	defer reconciler.Stop()

	// 13. Init handler
	tracer := otel.GetTracerProvider().Tracer("credit-gateway")
	handler := proxy.NewHandler(coordinator, settlementStore, limiter, tracer)

	// 14. Seed test API key if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAPIKey(ctx, authStore, logger)
	}

	// 15. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"credit-gateway"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/completions", handler.HandleCompletion)
		r.Get("/v1/settlements", handler.HandleSettlements)
	})

	// 16. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("Credit Gateway starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-quit
	logger.Info().Msg("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("forced shutdown")
	}
	logger.Info().Msg("Server stopped")
}
