package evaluation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radianlabs/clinical-insights/backend/internal/domain/entities"
	apperrors "github.com/radianlabs/clinical-insights/backend/pkg/errors"
)

type scriptedRetriever struct {
	byPatient map[string][]string
	err       error
}

func (s *scriptedRetriever) Retrieve(ctx context.Context, patientID, question string, topK int, minSimilarity float64) ([]entities.RetrievalResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	ids := s.byPatient[patientID]
	results := make([]entities.RetrievalResult, len(ids))
	for i, id := range ids {
		results[i] = entities.RetrievalResult{
			Fragment:   entities.RecordFragment{FragmentID: id, PatientID: patientID},
			Similarity: 0.9,
		}
	}
	return results, nil
}

func TestFragmentRecall(t *testing.T) {
	assert.Equal(t, 1.0, FragmentRecall([]string{"f1", "f2"}, []string{"f1", "f2", "f3"}, 10))
	assert.Equal(t, 0.5, FragmentRecall([]string{"f1", "f2"}, []string{"f1", "f3"}, 10))
	assert.Equal(t, 0.0, FragmentRecall([]string{"f1"}, []string{"f2", "f1"}, 1))
	assert.Equal(t, 0.0, FragmentRecall(nil, []string{"f1"}, 10))
}

func TestFragmentMRR(t *testing.T) {
	assert.Equal(t, 1.0, FragmentMRR([]string{"f1"}, []string{"f1", "f2"}, 10))
	assert.Equal(t, 0.5, FragmentMRR([]string{"f2"}, []string{"f1", "f2"}, 10))
	assert.Equal(t, 0.0, FragmentMRR([]string{"f3"}, []string{"f1", "f2"}, 10))
}

func TestRunnerAggregates(t *testing.T) {
	retriever := &scriptedRetriever{byPatient: map[string][]string{
		"Sanjeev": {"f1", "f2"},
		"Amara":   {"f9"},
	}}
	runner := NewRunner(retriever, 10, 0.2)

	queries := []GoldenQuery{
		{ID: "q1", PatientID: "Sanjeev", Query: "HbA1c trend", ExpectedFragments: []string{"f1", "f2"}, Difficulty: "easy"},
		{ID: "q2", PatientID: "Amara", Query: "renal function", ExpectedFragments: []string{"f7"}, Difficulty: "hard"},
	}
	require.NoError(t, ValidateGoldenQueries(queries))

	summary, err := runner.Run(context.Background(), queries)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalQueries)
	assert.Equal(t, 2, summary.QueriesWithHits)
	assert.Equal(t, 0, summary.Failures)
	// q1 scores 1.0 recall, q2 scores 0.0
	assert.InDelta(t, 0.5, summary.AvgRecallAtK, 1e-9)
	assert.InDelta(t, 0.5, summary.AvgMRRAtK, 1e-9)
}

func TestRunnerCountsFailures(t *testing.T) {
	retriever := &scriptedRetriever{err: apperrors.NewProviderError("embedding unavailable", nil)}
	runner := NewRunner(retriever, 10, 0.2)

	summary, err := runner.Run(context.Background(), []GoldenQuery{
		{ID: "q1", PatientID: "Sanjeev", Query: "HbA1c", ExpectedFragments: []string{"f1"}, Difficulty: "easy"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failures)
	assert.Equal(t, 0, summary.QueriesWithHits)
}

func TestValidateGoldenQueries(t *testing.T) {
	assert.Error(t, ValidateGoldenQueries([]GoldenQuery{{ID: "", PatientID: "p", Query: "q", ExpectedFragments: []string{"f"}, Difficulty: "easy"}}))
	assert.Error(t, ValidateGoldenQueries([]GoldenQuery{
		{ID: "dup", PatientID: "p", Query: "q", ExpectedFragments: []string{"f"}, Difficulty: "easy"},
		{ID: "dup", PatientID: "p", Query: "q", ExpectedFragments: []string{"f"}, Difficulty: "easy"},
	}))
	assert.Error(t, ValidateGoldenQueries([]GoldenQuery{{ID: "q1", PatientID: "p", Query: "q", ExpectedFragments: []string{"f"}, Difficulty: "impossible"}}))
	assert.NoError(t, ValidateGoldenQueries(nil))
}
