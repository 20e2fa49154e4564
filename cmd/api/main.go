package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/zatekoja/clinicflow/internal/adapters/cache"
	"github.com/zatekoja/clinicflow/internal/adapters/database"
	"github.com/zatekoja/clinicflow/internal/adapters/events"
	"github.com/zatekoja/clinicflow/internal/api/handlers"
	"github.com/zatekoja/clinicflow/internal/api/routes"
	"github.com/zatekoja/clinicflow/internal/application/services"
	"github.com/zatekoja/clinicflow/internal/domain/providers"
	"github.com/zatekoja/clinicflow/internal/infrastructure/clients/insurer"
	"github.com/zatekoja/clinicflow/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/clinicflow/internal/infrastructure/clients/redis"
	"github.com/zatekoja/clinicflow/internal/infrastructure/observability"
	"github.com/zatekoja/clinicflow/pkg/config"
	"github.com/zatekoja/clinicflow/pkg/secrets"
)

func main() {
	// VAULT_* may come from .env too
	_ = godotenv.Load()
	vaultResult, err := secrets.Load(context.Background(), secrets.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load secrets from vault: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.OTEL.ServiceName, cfg.Log.Env, cfg.Log.Level)
	logger := observability.GetLogger()
	if len(vaultResult.Loaded) > 0 {
		logger.Info().Strs("keys", vaultResult.Loaded).Msg("Loaded secrets from Vault")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		shutdown, err := observability.Setup(ctx, cfg.OTEL.ServiceName, cfg.OTEL.ServiceVersion, cfg.OTEL.Endpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to set up OpenTelemetry")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("Failed to shut down OpenTelemetry")
				}
			}()
			logger.Info().Str("endpoint", cfg.OTEL.Endpoint).Msg("OpenTelemetry initialized")
		}
	}

	metrics, err := observability.InitMetrics()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to initialize metrics")
	}

	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pgClient.Close()

	if cfg.Database.AutoMigrate {
		migrations, err := postgres.LoadMigrations()
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to load migrations")
		}
		applied, err := pgClient.Migrate(ctx, migrations)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to apply migrations")
		}
		logger.Info().Int("applied", applied).Msg("Database schema up to date")
	}

	// Redis backs the shared token and the visit board. Without it the token
	// lives in process memory and stage streams are disabled.
	var (
		tokenStore providers.TokenStore
		eventBus   providers.EventBus
	)
	readiness := map[string]handlers.Pinger{"postgres": pgClient}
	redisClient, err := redis.NewClient(&cfg.Redis)
	if err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable, running without shared token store and visit board")
	} else {
		defer redisClient.Close()
		readiness["redis"] = redisClient
		tokenStore = cache.NewTokenStore(cache.NewRedisAdapter(redisClient), cfg.Insurer.TokenCacheKey)
		eventBus = events.NewRedisEventBus(redisClient)
	}

	visitRepo := database.NewVisitAdapter(pgClient)
	authorizationRepo := database.NewAuthorizationAdapter(pgClient)
	auditRepo := database.NewAuditAdapter(pgClient)

	insurerClient := insurer.NewClient(&cfg.Insurer)
	tokenCache := services.NewTokenCache(insurerClient, tokenStore, cfg.Insurer, metrics)
	gate := services.NewAuthorizationGate(insurerClient, tokenCache, authorizationRepo, cfg.Insurer.VerifyTimeout, metrics)

	calculator := services.NewCoverageCalculator(cfg.Coverage)
	routing := services.NewKeywordRoutingPolicy(cfg.Routing.MedicationKeywords)
	machine := services.NewVisitStateMachine(gate, routing, calculator)

	auditDispatcher := services.NewAuditDispatcher(auditRepo, cfg.Audit.BufferSize, metrics)

	orchestrator := services.NewWorkflowOrchestrator(services.OrchestratorDeps{
		Visits:     visitRepo,
		AuditLog:   auditRepo,
		Machine:    machine,
		Verifier:   gate,
		Calculator: calculator,
		Audit:      auditDispatcher,
		Events:     eventBus,
		Metrics:    metrics,
	})

	visitHandler := handlers.NewVisitHandler(orchestrator)
	var sseHandler *handlers.SSEHandler
	if eventBus != nil {
		sseHandler = handlers.NewSSEHandler(eventBus).WithHeartbeat(cfg.Server.StreamHeartbeat)
	}

	router := routes.NewRouter(visitHandler, sseHandler, metrics, cfg.Server.AllowedOrigins).
		WithHealth(handlers.NewHealthHandler(readiness, 2*time.Second))

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router.SetupRoutes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", serverAddr).Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during server shutdown")
	}

	if err := auditDispatcher.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Audit events still queued at shutdown")
	}

	if eventBus != nil {
		if err := eventBus.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing event bus")
		}
	}

	logger.Info().Msg("Server stopped")
}
