package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/lib/pq"

	"github.com/radianlabs/clinical-insights/backend/internal/domain/entities"
	"github.com/radianlabs/clinical-insights/backend/internal/domain/repositories"
	"github.com/radianlabs/clinical-insights/backend/internal/infrastructure/clients/postgres"
	"github.com/radianlabs/clinical-insights/backend/internal/infrastructure/observability"
	apperrors "github.com/radianlabs/clinical-insights/backend/pkg/errors"
)

// maxTopK bounds any similarity search regardless of what the caller asks
// for. Keeps the prompt assembly stage within its token budget.
const maxTopK = 12

// FragmentAdapter implements FragmentRepository over the patient_fragments
// table. Similarity search prefers the match_patient_fragments stored
// function, which rides the IVFFLAT index; when the function is missing the
// adapter falls back to a direct distance query.
type FragmentAdapter struct {
	client     *postgres.Client
	db         *goqu.Database
	dimensions int
	probes     int
	metrics    *observability.Metrics
}

// NewFragmentAdapter creates a new fragment adapter
func NewFragmentAdapter(client *postgres.Client, dimensions, probes int, metrics *observability.Metrics) repositories.FragmentRepository {
	return &FragmentAdapter{
		client:     client,
		db:         goqu.New("postgres", client.DB()),
		dimensions: dimensions,
		probes:     probes,
		metrics:    metrics,
	}
}

// SearchSimilar returns a patient's fragments most similar to the embedding,
// ordered by descending similarity with sequence index as tiebreak.
func (a *FragmentAdapter) SearchSimilar(ctx context.Context, patientID string, embedding []float32, topK int, minSimilarity float64) ([]entities.RetrievalResult, error) {
	if len(embedding) != a.dimensions {
		return nil, apperrors.NewDimensionMismatchError(len(embedding), a.dimensions)
	}
	if topK <= 0 {
		return []entities.RetrievalResult{}, nil
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	start := time.Now()
	vector := vectorLiteral(embedding)

	results, err := a.searchViaFunction(ctx, patientID, vector, topK, minSimilarity)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn().
			Err(err).
			Msg("stored function match_patient_fragments unavailable, using direct query")
		results, err = a.searchDirect(ctx, patientID, vector, topK, minSimilarity)
		if err != nil {
			return nil, err
		}
	}

	// Stable order: similarity descending, then document reading order.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Fragment.SequenceIndex < results[j].Fragment.SequenceIndex
	})
	if len(results) > topK {
		results = results[:topK]
	}

	if a.metrics != nil {
		observability.RecordDBMetric(ctx, a.metrics, "fragment.search_similar", time.Since(start))
	}
	return results, nil
}

func (a *FragmentAdapter) searchViaFunction(ctx context.Context, patientID, vector string, topK int, minSimilarity float64) ([]entities.RetrievalResult, error) {
	return a.querySimilarity(ctx, minSimilarity,
		"SELECT fragment_id, document_id, patient_id, source_name, page_number, sequence_index, text, ingested_at, similarity FROM match_patient_fragments($1::vector, $2, $3, $4)",
		vector, patientID, topK, minSimilarity,
	)
}

func (a *FragmentAdapter) searchDirect(ctx context.Context, patientID, vector string, topK int, minSimilarity float64) ([]entities.RetrievalResult, error) {
	query := `
        SELECT fragment_id, document_id, patient_id, source_name, page_number, sequence_index, text, ingested_at,
               1 - (embedding <-> $2::vector) AS similarity
        FROM patient_fragments
        WHERE patient_id = $1
          AND embedding IS NOT NULL
        ORDER BY embedding <-> $2::vector, sequence_index ASC
        LIMIT $3`

	results, err := a.querySimilarity(ctx, minSimilarity, query, patientID, vector, topK)
	if err != nil {
		return nil, apperrors.NewInternalError("similarity search failed", err)
	}
	return results, nil
}

// querySimilarity runs one similarity query inside its own transaction. A
// failed statement leaves a Postgres transaction aborted, so the fallback
// query must never share a transaction with the query that failed.
func (a *FragmentAdapter) querySimilarity(ctx context.Context, minSimilarity float64, query string, args ...interface{}) ([]entities.RetrievalResult, error) {
	tx, err := a.client.BeginTx(ctx)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to begin similarity search transaction", err)
	}
	defer tx.Rollback()

	// SET LOCAL scopes the probe count to this transaction only.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL ivfflat.probes = %d", a.probes)); err != nil {
		return nil, apperrors.NewInternalError("failed to set ivfflat probes", err)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	results, err := func() ([]entities.RetrievalResult, error) {
		defer rows.Close()
		return scanRetrievalResults(rows, minSimilarity)
	}()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.NewInternalError("failed to commit similarity search transaction", err)
	}
	return results, nil
}

// SearchByKeyword returns fragments whose text matches any keyword,
// case-insensitively, most recently ingested first.
func (a *FragmentAdapter) SearchByKeyword(ctx context.Context, patientID string, keywords []string, limit int) ([]entities.RecordFragment, error) {
	if len(keywords) == 0 {
		return []entities.RecordFragment{}, nil
	}

	patterns := make([]goqu.Expression, 0, len(keywords))
	for _, kw := range keywords {
		trimmed := strings.TrimSpace(kw)
		if trimmed == "" {
			continue
		}
		patterns = append(patterns, goqu.C("text").ILike("%"+trimmed+"%"))
	}
	if len(patterns) == 0 {
		return []entities.RecordFragment{}, nil
	}

	query, args, err := a.db.Select(fragmentColumns()...).
		From("patient_fragments").
		Where(goqu.C("patient_id").Eq(patientID), goqu.Or(patterns...)).
		Order(
			goqu.C("ingested_at").Desc(),
			goqu.C("page_number").Asc().NullsLast(),
			goqu.C("sequence_index").Asc(),
		).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build keyword query", err)
	}

	return a.queryFragments(ctx, query, args...)
}

// FetchRecent returns the most recently ingested fragments for a patient in
// deterministic order.
func (a *FragmentAdapter) FetchRecent(ctx context.Context, patientID string, limit int) ([]entities.RecordFragment, error) {
	query, args, err := a.db.Select(fragmentColumns()...).
		From("patient_fragments").
		Where(goqu.C("patient_id").Eq(patientID)).
		Order(
			goqu.C("ingested_at").Desc(),
			goqu.C("page_number").Asc().NullsLast(),
			goqu.C("sequence_index").Asc(),
		).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build recent query", err)
	}

	return a.queryFragments(ctx, query, args...)
}

// FetchByDocuments returns all fragments from the named source documents in
// reading order.
func (a *FragmentAdapter) FetchByDocuments(ctx context.Context, patientID string, documentIDs []string) ([]entities.RecordFragment, error) {
	if len(documentIDs) == 0 {
		return []entities.RecordFragment{}, nil
	}

	query := `
        SELECT fragment_id, document_id, patient_id, source_name, page_number, sequence_index, text, ingested_at
        FROM patient_fragments
        WHERE patient_id = $1
          AND document_id = ANY($2)
        ORDER BY document_id, page_number ASC NULLS LAST, sequence_index ASC`

	return a.queryFragments(ctx, query, patientID, pq.Array(documentIDs))
}

func (a *FragmentAdapter) queryFragments(ctx context.Context, query string, args ...interface{}) ([]entities.RecordFragment, error) {
	start := time.Now()
	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("fragment query failed", err)
	}
	defer rows.Close()

	fragments := []entities.RecordFragment{}
	for rows.Next() {
		fragment, err := scanFragment(rows)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(fragment.Text) == "" {
			continue
		}
		fragments = append(fragments, fragment)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("fragment row iteration failed", err)
	}

	if a.metrics != nil {
		observability.RecordDBMetric(ctx, a.metrics, "fragment.query", time.Since(start))
	}
	return fragments, nil
}

func fragmentColumns() []interface{} {
	return []interface{}{
		"fragment_id", "document_id", "patient_id", "source_name",
		"page_number", "sequence_index", "text", "ingested_at",
	}
}

func scanFragment(rows *sql.Rows) (entities.RecordFragment, error) {
	var fragment entities.RecordFragment
	var sourceName sql.NullString
	var pageNumber sql.NullInt64
	var sequenceIndex sql.NullInt64
	var ingestedAt sql.NullTime

	err := rows.Scan(
		&fragment.FragmentID,
		&fragment.DocumentID,
		&fragment.PatientID,
		&sourceName,
		&pageNumber,
		&sequenceIndex,
		&fragment.Text,
		&ingestedAt,
	)
	if err != nil {
		return fragment, apperrors.NewInternalError("failed to scan fragment", err)
	}

	fragment.SourceName = sourceName.String
	if pageNumber.Valid {
		page := int(pageNumber.Int64)
		fragment.PageNumber = &page
	}
	fragment.SequenceIndex = int(sequenceIndex.Int64)
	if ingestedAt.Valid {
		fragment.CreatedAt = ingestedAt.Time
	}
	return fragment, nil
}

func scanRetrievalResults(rows *sql.Rows, minSimilarity float64) ([]entities.RetrievalResult, error) {
	results := []entities.RetrievalResult{}
	for rows.Next() {
		var result entities.RetrievalResult
		var sourceName sql.NullString
		var pageNumber sql.NullInt64
		var sequenceIndex sql.NullInt64
		var ingestedAt sql.NullTime
		var similarity sql.NullFloat64

		err := rows.Scan(
			&result.Fragment.FragmentID,
			&result.Fragment.DocumentID,
			&result.Fragment.PatientID,
			&sourceName,
			&pageNumber,
			&sequenceIndex,
			&result.Fragment.Text,
			&ingestedAt,
			&similarity,
		)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to scan retrieval result", err)
		}

		result.Fragment.SourceName = sourceName.String
		if pageNumber.Valid {
			page := int(pageNumber.Int64)
			result.Fragment.PageNumber = &page
		}
		result.Fragment.SequenceIndex = int(sequenceIndex.Int64)
		if ingestedAt.Valid {
			result.Fragment.CreatedAt = ingestedAt.Time
		}
		result.Similarity = similarity.Float64

		// Strict threshold: a result at exactly minSimilarity is excluded.
		if !similarity.Valid || result.Similarity <= minSimilarity {
			continue
		}
		if strings.TrimSpace(result.Fragment.Text) == "" {
			continue
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("retrieval row iteration failed", err)
	}
	return results, nil
}

// vectorLiteral renders a float32 slice in pgvector's input syntax.
func vectorLiteral(embedding []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
