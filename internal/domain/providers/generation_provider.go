package providers

import (
	"context"

	"github.com/radianlabs/clinical-insights/backend/internal/domain/entities"
)

// GenerationRequest carries everything needed for one completion call
type GenerationRequest struct {
	SystemPrompt string
	History      []entities.ConversationTurn
	UserMessage  string
	Temperature  float32
	MaxTokens    int
	JSONMode     bool
}

// GenerationProvider defines the interface for chat completion generation
type GenerationProvider interface {
	// Complete runs a single completion and returns the full response text
	Complete(ctx context.Context, req GenerationRequest) (string, error)

	// CompleteStream runs a completion and delivers content incrementally on
	// the returned channel. The channel is always closed after a terminal
	// event (done or error). Cancelling ctx terminates the stream.
	CompleteStream(ctx context.Context, req GenerationRequest) (<-chan entities.StreamEvent, error)
}
