package ai

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/radianlabs/clinical-insights/backend/internal/domain/entities"
	"github.com/radianlabs/clinical-insights/backend/internal/domain/providers"
)

// MockProvider implements deterministic embedding and generation for local
// development and tests. Embeddings are derived from a hash of the text, so
// identical inputs always map to identical vectors.
type MockProvider struct {
	dimensions int
}

var _ providers.EmbeddingProvider = (*MockProvider)(nil)
var _ providers.GenerationProvider = (*MockProvider)(nil)

// NewMockProvider creates a new mock AI provider
func NewMockProvider(dimensions int) *MockProvider {
	if dimensions <= 0 {
		dimensions = 16
	}
	return &MockProvider{dimensions: dimensions}
}

// Dimensions reports the vector width this provider produces
func (m *MockProvider) Dimensions() int {
	return m.dimensions
}

// Embed converts a single text into a deterministic pseudo-embedding
func (m *MockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.vectorFor(text), nil
}

// EmbedBatch converts multiple texts into deterministic pseudo-embeddings
func (m *MockProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		vectors[i] = m.vectorFor(t)
	}
	return vectors, nil
}

// Complete returns a canned response that echoes the question
func (m *MockProvider) Complete(ctx context.Context, req providers.GenerationRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.JSONMode {
		return `{"headline":"Mock summary of the patient record.","bullets":["Mock finding from the provided context."],"insights":["Mock finding from the provided context."]}`, nil
	}
	return fmt.Sprintf("Based on the provided patient context, regarding %q: no real model is configured; this is a mock response.", req.UserMessage), nil
}

// CompleteStream delivers the canned response word by word
func (m *MockProvider) CompleteStream(ctx context.Context, req providers.GenerationRequest) (<-chan entities.StreamEvent, error) {
	full, err := m.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	events := make(chan entities.StreamEvent)
	go func() {
		defer close(events)
		words := strings.SplitAfter(full, " ")
		for _, w := range words {
			select {
			case events <- entities.StreamEvent{Kind: entities.StreamEventChunk, Content: w}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case events <- entities.StreamEvent{Kind: entities.StreamEventDone}:
		case <-ctx.Done():
		}
	}()
	return events, nil
}

// vectorFor maps text to a unit-length vector seeded by its hash.
func (m *MockProvider) vectorFor(text string) []float32 {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(text))))
	vec := make([]float32, m.dimensions)
	var norm float64
	for i := range vec {
		chunk := sum[(i*4)%28 : (i*4)%28+4]
		raw := binary.BigEndian.Uint32(chunk) ^ uint32(i*2654435761)
		v := float64(raw%2000)/1000.0 - 1.0
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		norm = 1
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
