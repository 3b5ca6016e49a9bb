package ai

import (
	"github.com/radianlabs/clinical-insights/backend/internal/domain/providers"
	openaiclient "github.com/radianlabs/clinical-insights/backend/internal/infrastructure/clients/openai"
	"github.com/radianlabs/clinical-insights/backend/pkg/config"
)

// NewProviders creates the embedding and generation providers. With UseMock
// set, or without an API key, both roles are served by the deterministic
// mock so the service can run without upstream credentials.
func NewProviders(cfg *config.Config) (providers.EmbeddingProvider, providers.GenerationProvider, error) {
	if cfg.UseMock || cfg.OpenAI.APIKey == "" {
		mock := NewMockProvider(cfg.Retrieval.EmbeddingDimensions)
		return mock, mock, nil
	}

	client, err := openaiclient.NewClient(&cfg.OpenAI, cfg.Retrieval.EmbeddingDimensions)
	if err != nil {
		return nil, nil, err
	}
	return client, client, nil
}
