package entities

// ContextSource records where one assembled context section came from.
type ContextSource struct {
	FragmentID string  `json:"fragment_id"`
	DocumentID string  `json:"document_id"`
	SourceName string  `json:"source_name"`
	PageNumber *int    `json:"page_number,omitempty"`
	Similarity float64 `json:"similarity"`
}

// PromptContext is the token-bounded context handed to the generation
// provider. Built fresh per request; Text already carries provenance markers.
type PromptContext struct {
	Text       string          `json:"text"`
	Sources    []ContextSource `json:"sources"`
	TokenCount int             `json:"token_count"`
	// RecencyFallback is true when no fragment cleared the similarity
	// threshold and the context was assembled from the most recent
	// fragments instead.
	RecencyFallback bool `json:"recency_fallback"`
}

// Empty reports whether the context holds no fragment text. Callers must
// treat an empty context as "no relevant information found", not as license
// to answer from model priors.
func (p PromptContext) Empty() bool {
	return len(p.Sources) == 0
}
