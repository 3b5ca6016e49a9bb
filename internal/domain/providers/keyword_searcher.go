package providers

import (
	"context"

	"github.com/radianlabs/clinical-insights/backend/internal/domain/entities"
)

// KeywordSearcher defines the interface for full-text fragment search. It
// backs the hybrid retrieval path when a query asks for exhaustive results
// rather than semantic neighbors.
type KeywordSearcher interface {
	// Search returns fragments for a patient matching the query text
	Search(ctx context.Context, patientID, query string, limit int) ([]entities.RecordFragment, error)

	// Index adds or replaces fragments in the search collection
	Index(ctx context.Context, fragments []entities.RecordFragment) error
}
