package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"

	"github.com/radianlabs/clinical-insights/backend/internal/adapters/database"
	"github.com/radianlabs/clinical-insights/backend/internal/adapters/providers/ai"
	"github.com/radianlabs/clinical-insights/backend/internal/application/services"
	"github.com/radianlabs/clinical-insights/backend/internal/domain/entities"
	"github.com/radianlabs/clinical-insights/backend/internal/evaluation"
	"github.com/radianlabs/clinical-insights/backend/internal/infrastructure/clients/postgres"
	"github.com/radianlabs/clinical-insights/backend/pkg/config"
)

// serviceWrapper adapts RetrievalService to evaluation.Retriever
type serviceWrapper struct {
	svc *services.RetrievalService
}

func (w *serviceWrapper) Retrieve(ctx context.Context, patientID, question string, topK int, minSimilarity float64) ([]entities.RetrievalResult, error) {
	outcome, err := w.svc.Retrieve(ctx, patientID, question, topK, minSimilarity)
	if err != nil {
		return nil, err
	}
	return outcome.Results, nil
}

func main() {
	goldenPath := flag.String("golden", "config/golden_queries.json", "path to the golden query set")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pgClient.Close()

	fragmentRepo := database.NewFragmentAdapter(
		pgClient,
		cfg.Retrieval.EmbeddingDimensions,
		cfg.Retrieval.IvfflatProbes,
		nil,
	)

	embeddingProvider, _, err := ai.NewProviders(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize embedding provider: %v", err)
	}

	retrievalService := services.NewRetrievalService(
		fragmentRepo,
		embeddingProvider,
		nil,
		cfg.Retrieval,
		nil,
	)

	queries, err := evaluation.LoadGoldenQueries(*goldenPath)
	if err != nil {
		log.Fatalf("Failed to load golden queries: %v", err)
	}
	if err := evaluation.ValidateGoldenQueries(queries); err != nil {
		log.Fatalf("Invalid golden queries: %v", err)
	}

	runner := evaluation.NewRunner(
		&serviceWrapper{svc: retrievalService},
		cfg.Retrieval.TopKChat,
		cfg.Retrieval.MinSimilarity,
	)
	summary, err := runner.Run(context.Background(), queries)
	if err != nil {
		log.Fatalf("Evaluation failed: %v", err)
	}

	// Output results as JSON
	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))
}
