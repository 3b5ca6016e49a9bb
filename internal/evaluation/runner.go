package evaluation

import (
	"context"
	"time"

	"github.com/radianlabs/clinical-insights/backend/internal/domain/entities"
)

// Retriever is the retrieval pipeline under evaluation.
type Retriever interface {
	Retrieve(ctx context.Context, patientID, question string, topK int, minSimilarity float64) ([]entities.RetrievalResult, error)
}

// Runner scores the retrieval pipeline against a set of golden queries.
type Runner struct {
	retriever     Retriever
	topK          int
	minSimilarity float64
}

func NewRunner(retriever Retriever, topK int, minSimilarity float64) *Runner {
	return &Runner{retriever: retriever, topK: topK, minSimilarity: minSimilarity}
}

// Run evaluates every golden query and returns aggregate metrics. A query
// whose retrieval call fails is counted as a failure and scored zero rather
// than aborting the run.
func (r *Runner) Run(ctx context.Context, queries []GoldenQuery) (*EvalSummary, error) {
	summary := &EvalSummary{TotalQueries: len(queries)}

	for _, gq := range queries {
		start := time.Now()
		results, err := r.retriever.Retrieve(ctx, gq.PatientID, gq.Query, r.topK, r.minSimilarity)
		duration := time.Since(start)

		if err != nil {
			summary.Failures++
			continue
		}

		retrieved := make([]string, len(results))
		for i, res := range results {
			retrieved[i] = res.Fragment.FragmentID
		}

		result := EvalResult{
			QueryID:     gq.ID,
			Query:       gq.Query,
			RecallAtK:   FragmentRecall(gq.ExpectedFragments, retrieved, r.topK),
			MRRAtK:      FragmentMRR(gq.ExpectedFragments, retrieved, r.topK),
			ResultCount: len(results),
			Latency:     duration,
		}
		r.updateSummary(summary, result)
	}

	r.finalizeSummary(summary)
	return summary, nil
}

func (r *Runner) updateSummary(s *EvalSummary, res EvalResult) {
	s.AvgRecallAtK += res.RecallAtK
	s.AvgMRRAtK += res.MRRAtK
	s.AvgLatency += res.Latency
	if res.ResultCount > 0 {
		s.QueriesWithHits++
	}
}

func (r *Runner) finalizeSummary(s *EvalSummary) {
	scored := s.TotalQueries - s.Failures
	if scored > 0 {
		n := float64(scored)
		s.AvgRecallAtK /= n
		s.AvgMRRAtK /= n
		s.AvgLatency /= time.Duration(scored)
	}
}

// FragmentRecall is the fraction of a golden query's expected fragments that
// appear among the first k retrieved fragment ids. Zero when the query
// expects no fragments.
func FragmentRecall(expected, retrieved []string, k int) float64 {
	if len(expected) == 0 {
		return 0.0
	}

	want := fragmentSet(expected)
	found := 0
	for _, id := range topKIDs(retrieved, k) {
		if _, ok := want[id]; ok {
			found++
		}
	}
	return float64(found) / float64(len(expected))
}

// FragmentMRR is the reciprocal rank of the first expected fragment among
// the first k retrieved fragment ids. Zero when none of them appears.
func FragmentMRR(expected, retrieved []string, k int) float64 {
	if len(expected) == 0 {
		return 0.0
	}

	want := fragmentSet(expected)
	for i, id := range topKIDs(retrieved, k) {
		if _, ok := want[id]; ok {
			return 1.0 / float64(i+1)
		}
	}
	return 0.0
}

func fragmentSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func topKIDs(retrieved []string, k int) []string {
	if k < len(retrieved) {
		return retrieved[:k]
	}
	return retrieved
}
