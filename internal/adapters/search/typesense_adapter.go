package search

import (
	"context"
	"fmt"
	"strconv"

	"github.com/typesense/typesense-go/v2/typesense/api"
	"github.com/typesense/typesense-go/v2/typesense/api/pointer"

	"github.com/radianlabs/clinical-insights/backend/internal/domain/entities"
	"github.com/radianlabs/clinical-insights/backend/internal/domain/providers"
	tsclient "github.com/radianlabs/clinical-insights/backend/internal/infrastructure/clients/typesense"
)

// TypesenseAdapter implements keyword fragment search using Typesense. It
// serves the exhaustive-query path, where the clinician asks for "all" or
// "every" occurrence of a term and recall beats semantic ranking.
type TypesenseAdapter struct {
	client *tsclient.Client
}

var _ providers.KeywordSearcher = (*TypesenseAdapter)(nil)

// NewTypesenseAdapter creates a new Typesense adapter
func NewTypesenseAdapter(client *tsclient.Client) *TypesenseAdapter {
	return &TypesenseAdapter{client: client}
}

// Search returns fragments for a patient matching the query text
func (a *TypesenseAdapter) Search(ctx context.Context, patientID, query string, limit int) ([]entities.RecordFragment, error) {
	if limit <= 0 {
		limit = 20
	}

	searchParams := &api.SearchCollectionParams{
		Q:        pointer.String(query),
		QueryBy:  pointer.String("text"),
		FilterBy: pointer.String(fmt.Sprintf("patient_id:=%s", patientID)),
		SortBy:   pointer.String("created_at:desc"),
		PerPage:  pointer.Int(limit),
	}

	result, err := a.client.Client().Collection(tsclient.FragmentsCollection).Documents().Search(ctx, searchParams)
	if err != nil {
		return nil, fmt.Errorf("failed to search fragments: %w", err)
	}

	fragments := []entities.RecordFragment{}
	if result.Hits == nil {
		return fragments, nil
	}
	for _, hit := range *result.Hits {
		if hit.Document == nil {
			continue
		}
		fragments = append(fragments, documentToFragment(*hit.Document))
	}
	return fragments, nil
}

// Index adds or replaces fragments in the search collection
func (a *TypesenseAdapter) Index(ctx context.Context, fragments []entities.RecordFragment) error {
	for _, fragment := range fragments {
		document := map[string]interface{}{
			"id":             fragment.FragmentID,
			"patient_id":     fragment.PatientID,
			"document_id":    fragment.DocumentID,
			"source_name":    fragment.SourceName,
			"sequence_index": fragment.SequenceIndex,
			"text":           fragment.Text,
			"created_at":     fragment.CreatedAt.Unix(),
		}
		if fragment.PageNumber != nil {
			document["page_number"] = *fragment.PageNumber
		}

		if _, err := a.client.Client().Collection(tsclient.FragmentsCollection).Documents().Upsert(ctx, document); err != nil {
			return fmt.Errorf("failed to index fragment %s: %w", fragment.FragmentID, err)
		}
	}
	return nil
}

func documentToFragment(doc map[string]interface{}) entities.RecordFragment {
	fragment := entities.RecordFragment{
		FragmentID: stringField(doc, "id"),
		PatientID:  stringField(doc, "patient_id"),
		DocumentID: stringField(doc, "document_id"),
		SourceName: stringField(doc, "source_name"),
		Text:       stringField(doc, "text"),
	}
	if idx, ok := intField(doc, "sequence_index"); ok {
		fragment.SequenceIndex = idx
	}
	if page, ok := intField(doc, "page_number"); ok {
		fragment.PageNumber = &page
	}
	return fragment
}

func stringField(doc map[string]interface{}, key string) string {
	if v, ok := doc[key].(string); ok {
		return v
	}
	return ""
}

func intField(doc map[string]interface{}, key string) (int, bool) {
	switch v := doc[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case string:
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed, true
		}
	}
	return 0, false
}
