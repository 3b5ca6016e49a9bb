package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/radianlabs/clinical-insights/backend/internal/adapters/cache"
	"github.com/radianlabs/clinical-insights/backend/internal/adapters/database"
	"github.com/radianlabs/clinical-insights/backend/internal/adapters/providers/ai"
	"github.com/radianlabs/clinical-insights/backend/internal/adapters/search"
	"github.com/radianlabs/clinical-insights/backend/internal/api/handlers"
	"github.com/radianlabs/clinical-insights/backend/internal/api/routes"
	"github.com/radianlabs/clinical-insights/backend/internal/application/services"
	"github.com/radianlabs/clinical-insights/backend/internal/domain/providers"
	"github.com/radianlabs/clinical-insights/backend/internal/evaluation"
	"github.com/radianlabs/clinical-insights/backend/internal/infrastructure/clients/postgres"
	"github.com/radianlabs/clinical-insights/backend/internal/infrastructure/clients/redis"
	"github.com/radianlabs/clinical-insights/backend/internal/infrastructure/clients/typesense"
	"github.com/radianlabs/clinical-insights/backend/internal/infrastructure/observability"
	"github.com/radianlabs/clinical-insights/backend/pkg/config"
	"github.com/radianlabs/clinical-insights/backend/pkg/tokens"
)

const (
	sessionTTL         = 2 * time.Hour
	sessionSweepPeriod = 10 * time.Minute
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	observability.InitLogger(cfg.OTEL.ServiceName, cfg.Env, cfg.LogLevel)

	// Set up context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry if enabled
	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		shutdown, err := observability.Setup(
			ctx,
			cfg.OTEL.ServiceName,
			cfg.OTEL.ServiceVersion,
			cfg.OTEL.Endpoint,
		)
		if err != nil {
			log.Printf("Warning: Failed to set up OpenTelemetry: %v", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					log.Printf("Error shutting down OpenTelemetry: %v", err)
				}
			}()
			log.Println("OpenTelemetry initialized successfully")
		}
	}

	// Initialize metrics
	metrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}

	// Initialize database client
	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to initialize PostgreSQL client: %v", err)
	}
	defer pgClient.Close()
	log.Println("PostgreSQL client initialized successfully")

	// Initialize Redis client
	redisClient, err := redis.NewClient(&cfg.Redis)
	if err != nil {
		log.Printf("Warning: Failed to initialize Redis client: %v", err)
		// Continue without Redis - summaries are recomputed instead of cached
	} else {
		defer redisClient.Close()
		log.Println("Redis client initialized successfully")
	}

	// Initialize Typesense client
	typesenseClient, err := typesense.NewClient(&cfg.Typesense)
	if err != nil {
		log.Printf("Warning: Failed to initialize Typesense client: %v", err)
	} else {
		log.Println("Typesense client initialized successfully")
	}

	// Initialize adapters
	fragmentAdapter := database.NewFragmentAdapter(
		pgClient,
		cfg.Retrieval.EmbeddingDimensions,
		cfg.Retrieval.IvfflatProbes,
		metrics,
	)
	queryLogAdapter := database.NewQueryLogAdapter(sqlx.NewDb(pgClient.DB(), "postgres"))

	var cacheProvider providers.CacheProvider
	if redisClient != nil {
		cacheProvider = cache.NewRedisAdapter(redisClient)
	}

	var keywordSearcher providers.KeywordSearcher
	if typesenseClient != nil {
		adapter := search.NewTypesenseAdapter(typesenseClient)
		// Ensure schema exists
		if err := typesenseClient.InitSchema(context.Background()); err != nil {
			log.Printf("Warning: Failed to init Typesense schema: %v", err)
		}
		keywordSearcher = adapter
	}

	// Initialize AI providers (mock when no API key is configured)
	embeddingProvider, generationProvider, err := ai.NewProviders(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize AI providers: %v", err)
	}

	// Initialize services
	sessionService := services.NewSessionService(sessionTTL)
	retrievalService := services.NewRetrievalService(
		fragmentAdapter,
		embeddingProvider,
		keywordSearcher,
		cfg.Retrieval,
		metrics,
	)
	contextService := services.NewContextService(
		tokens.NewCounter(cfg.OpenAI.Model),
		cfg.Retrieval.ContextTokenBudget,
	)
	specialtyService := services.NewSpecialtyService(generationProvider, cfg.Specialty)
	guardrails := evaluation.NewGuardrails(evaluation.GuardrailConfig{})

	insightsService := services.NewInsightsService(
		sessionService,
		retrievalService,
		contextService,
		specialtyService,
		generationProvider,
		fragmentAdapter,
		queryLogAdapter,
		cacheProvider,
		guardrails,
		cfg.Retrieval,
		metrics,
	)

	// Sweep idle sessions in the background
	go func() {
		ticker := time.NewTicker(sessionSweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := sessionService.Sweep(ctx); removed > 0 {
					log.Printf("Swept %d idle sessions", removed)
				}
			}
		}
	}()

	// Initialize handlers
	insightsHandler := handlers.NewInsightsHandler(insightsService, sessionService, cfg.RequestTimeout)

	// Set up router
	router := routes.NewRouter(insightsHandler, metrics)
	handler := router.SetupRoutes()

	// Create HTTP server. WriteTimeout stays unset so long-lived SSE
	// responses are not cut off; the per-request timeout bounds work
	// instead.
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        serverAddr,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server starting on %s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during server shutdown: %v", err)
	}

	log.Println("Server stopped")
}
