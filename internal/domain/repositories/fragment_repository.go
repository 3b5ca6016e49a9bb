package repositories

import (
	"context"
	"time"

	"github.com/radianlabs/clinical-insights/backend/internal/domain/entities"
)

// FragmentRepository defines the interface for patient record fragment retrieval
type FragmentRepository interface {
	// SearchSimilar returns the fragments for a patient most similar to the
	// query embedding, ordered by descending similarity. Only fragments with
	// similarity >= minSimilarity are returned, at most topK of them.
	SearchSimilar(ctx context.Context, patientID string, embedding []float32, topK int, minSimilarity float64) ([]entities.RetrievalResult, error)

	// SearchByKeyword returns fragments for a patient whose text matches any
	// of the given keywords
	SearchByKeyword(ctx context.Context, patientID string, keywords []string, limit int) ([]entities.RecordFragment, error)

	// FetchRecent returns the most recently ingested fragments for a patient
	FetchRecent(ctx context.Context, patientID string, limit int) ([]entities.RecordFragment, error)

	// FetchByDocuments returns all fragments from the named source documents
	FetchByDocuments(ctx context.Context, patientID string, documentIDs []string) ([]entities.RecordFragment, error)
}

// QueryLogEntry captures one answered query for the audit trail
type QueryLogEntry struct {
	SessionID      string
	PatientID      string
	UserQuery      string
	Response       string
	ChunksExtracted string
	Latency        time.Duration
	CreatedAt      time.Time
}

// QueryLogRepository defines the interface for the query audit log
type QueryLogRepository interface {
	// Record persists one audit entry
	Record(ctx context.Context, entry *QueryLogEntry) error

	// ListBySession retrieves the audit entries for a session in insertion order
	ListBySession(ctx context.Context, sessionID string, limit int) ([]QueryLogEntry, error)
}
