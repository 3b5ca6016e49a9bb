package providers

import (
	"context"
)

// EmbeddingProvider defines the interface for text embedding generation
type EmbeddingProvider interface {
	// Embed converts a single text into its embedding vector
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts into embedding vectors, preserving order
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions reports the vector width this provider produces
	Dimensions() int
}
