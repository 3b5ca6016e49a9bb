package evaluation

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// GoldenQuery is a labeled retrieval test case: a clinician question over a
// known patient record with the fragment ids a good retrieval should surface.
type GoldenQuery struct {
	ID                string   `json:"id"`
	PatientID         string   `json:"patient_id"`
	Query             string   `json:"query"`
	ExpectedFragments []string `json:"expected_fragments"`
	Difficulty        string   `json:"difficulty"` // easy, medium, hard
}

// EvalResult holds the evaluation outcome for a single query.
type EvalResult struct {
	QueryID     string
	Query       string
	RecallAtK   float64
	MRRAtK      float64
	ResultCount int
	Latency     time.Duration
}

// EvalSummary holds aggregate metrics across all golden queries.
type EvalSummary struct {
	TotalQueries    int
	AvgRecallAtK    float64
	AvgMRRAtK       float64
	AvgLatency      time.Duration
	QueriesWithHits int // queries that returned at least 1 fragment
	Failures        int // queries whose retrieval call errored
}

// LoadGoldenQueries reads and parses a golden query set from a JSON file.
func LoadGoldenQueries(path string) ([]GoldenQuery, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read golden queries file: %w", err)
	}

	var queries []GoldenQuery
	if err := json.Unmarshal(data, &queries); err != nil {
		return nil, fmt.Errorf("failed to parse golden queries: %w", err)
	}

	return queries, nil
}

var validDifficulties = map[string]bool{
	"easy":   true,
	"medium": true,
	"hard":   true,
}

// ValidateGoldenQueries checks that all golden queries have required fields and valid values.
func ValidateGoldenQueries(queries []GoldenQuery) error {
	seen := make(map[string]struct{}, len(queries))

	for i, q := range queries {
		if q.ID == "" {
			return fmt.Errorf("query at index %d: missing id", i)
		}
		if _, dup := seen[q.ID]; dup {
			return fmt.Errorf("query at index %d: duplicate id %q", i, q.ID)
		}
		seen[q.ID] = struct{}{}

		if q.PatientID == "" {
			return fmt.Errorf("query %q: missing patient id", q.ID)
		}
		if q.Query == "" {
			return fmt.Errorf("query %q: missing query text", q.ID)
		}
		if len(q.ExpectedFragments) == 0 {
			return fmt.Errorf("query %q: missing expected fragments", q.ID)
		}
		if !validDifficulties[q.Difficulty] {
			return fmt.Errorf("query %q: invalid difficulty %q (must be easy/medium/hard)", q.ID, q.Difficulty)
		}
	}

	return nil
}
