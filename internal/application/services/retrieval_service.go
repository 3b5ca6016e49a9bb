package services

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/radianlabs/clinical-insights/backend/internal/domain/entities"
	"github.com/radianlabs/clinical-insights/backend/internal/domain/providers"
	"github.com/radianlabs/clinical-insights/backend/internal/domain/repositories"
	"github.com/radianlabs/clinical-insights/backend/internal/infrastructure/observability"
	"github.com/radianlabs/clinical-insights/backend/pkg/config"
	apperrors "github.com/radianlabs/clinical-insights/backend/pkg/errors"
)

// exhaustivePatterns mark questions that ask for many results, where pure
// semantic search tends to miss occurrences and keyword recall must
// supplement it.
var exhaustivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\blast\s+\d+`),
	regexp.MustCompile(`\b(all|every|each)\s+`),
	regexp.MustCompile(`\bhow many`),
	regexp.MustCompile(`\blist\s+`),
}

// labPatterns cover common lab and vital names clinicians reference by name.
var labPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\btriglycerides?\b`),
	regexp.MustCompile(`\bcholesterol\b`),
	regexp.MustCompile(`\bglucose\b`),
	regexp.MustCompile(`\bhba1c\b`),
	regexp.MustCompile(`\bcreatinine\b`),
	regexp.MustCompile(`\bhemoglobin\b`),
	regexp.MustCompile(`\bplatelets?\b`),
	regexp.MustCompile(`\bwbc\b`),
	regexp.MustCompile(`\brbc\b`),
	regexp.MustCompile(`\blipids?\b`),
	regexp.MustCompile(`\bldl\b`),
	regexp.MustCompile(`\bhdl\b`),
	regexp.MustCompile(`\bbp\b`),
	regexp.MustCompile(`\bblood pressure\b`),
	regexp.MustCompile(`\bbmi\b`),
	regexp.MustCompile(`\bweight\b`),
	regexp.MustCompile(`\bheight\b`),
}

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {},
	"on": {}, "at": {}, "to": {}, "for": {}, "of": {}, "with": {}, "by": {},
	"what": {}, "when": {}, "where": {}, "how": {}, "is": {}, "are": {},
	"was": {}, "were": {}, "be": {}, "been": {}, "have": {}, "has": {},
	"had": {}, "do": {}, "does": {}, "did": {}, "will": {}, "would": {},
	"could": {}, "should": {},
}

var wordPattern = regexp.MustCompile(`\b\w+\b`)

// RetrievalOutcome is the result of one retrieval round: ranked fragments
// plus whether the similarity threshold produced nothing and the engine fell
// back to recency.
type RetrievalOutcome struct {
	Results         []entities.RetrievalResult
	RecencyFallback bool
}

// RetrievalService runs per-patient hybrid retrieval: vector similarity
// first, keyword recall for exhaustive questions, recency as the last
// resort, then composite reranking.
type RetrievalService struct {
	fragments repositories.FragmentRepository
	embedder  providers.EmbeddingProvider
	searcher  providers.KeywordSearcher
	cfg       config.RetrievalConfig
	metrics   *observability.Metrics
}

// NewRetrievalService creates a new retrieval service. The keyword searcher
// is optional; without it the hybrid path uses the repository's ILIKE search.
func NewRetrievalService(
	fragments repositories.FragmentRepository,
	embedder providers.EmbeddingProvider,
	searcher providers.KeywordSearcher,
	cfg config.RetrievalConfig,
	metrics *observability.Metrics,
) *RetrievalService {
	return &RetrievalService{
		fragments: fragments,
		embedder:  embedder,
		searcher:  searcher,
		cfg:       cfg,
		metrics:   metrics,
	}
}

// Retrieve returns the fragments most relevant to the question, scoped to
// one patient, at most topK of them.
func (s *RetrievalService) Retrieve(ctx context.Context, patientID, question string, topK int, minSimilarity float64) (*RetrievalOutcome, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, apperrors.NewValidationError("patient id is required")
	}
	if strings.TrimSpace(question) == "" {
		return nil, apperrors.NewValidationError("question is required")
	}

	start := time.Now()
	logger := observability.LoggerFromContext(ctx)

	embedding, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, err
	}

	retrievalLimit := topK
	if s.cfg.RerankEnabled && s.cfg.RerankTopN > retrievalLimit {
		retrievalLimit = s.cfg.RerankTopN
	}

	results, err := s.fragments.SearchSimilar(ctx, patientID, embedding, retrievalLimit, minSimilarity)
	if err != nil {
		return nil, err
	}

	mode := "semantic"
	if needsExhaustiveRecall(question) {
		mode = "hybrid"
		results = s.supplementWithKeywords(ctx, patientID, question, results, topK, retrievalLimit)
	}

	outcome := &RetrievalOutcome{}
	if len(results) == 0 {
		mode = "recency"
		recent, err := s.fragments.FetchRecent(ctx, patientID, retrievalLimit)
		if err != nil {
			return nil, err
		}
		for _, fragment := range recent {
			results = append(results, entities.RetrievalResult{Fragment: fragment, Similarity: 0})
		}
		outcome.RecencyFallback = true
	}

	if s.cfg.RerankEnabled && len(results) > 0 {
		results = s.rerank(results, question, topK)
	} else if len(results) > topK {
		results = results[:topK]
	}

	outcome.Results = results

	logger.Debug().
		Str("patient_id", patientID).
		Str("mode", mode).
		Int("fragments", len(results)).
		Bool("recency_fallback", outcome.RecencyFallback).
		Msg("retrieval complete")
	if s.metrics != nil {
		observability.RecordRetrievalMetric(ctx, s.metrics, mode, len(results), time.Since(start))
	}
	return outcome, nil
}

// supplementWithKeywords widens an exhaustive question's result set with
// keyword hits and their sibling fragments from the same documents. Keyword
// results have no vector score, so one is approximated from keyword overlap.
func (s *RetrievalService) supplementWithKeywords(ctx context.Context, patientID, question string, results []entities.RetrievalResult, topK, retrievalLimit int) []entities.RetrievalResult {
	logger := observability.LoggerFromContext(ctx)

	keywords := extractLabKeywords(question)
	if len(keywords) == 0 {
		return results
	}

	primary := keywords[0]
	for _, kw := range keywords[1:] {
		if len(kw) > len(primary) {
			primary = kw
		}
	}

	keywordFragments := s.keywordSearch(ctx, patientID, primary, topK*2)

	seen := make(map[string]struct{}, len(results))
	for _, r := range results {
		seen[r.Fragment.FragmentID] = struct{}{}
	}

	documentIDs := make([]string, 0, len(keywordFragments))
	docSeen := map[string]struct{}{}
	for _, fragment := range keywordFragments {
		if _, ok := docSeen[fragment.DocumentID]; !ok {
			docSeen[fragment.DocumentID] = struct{}{}
			documentIDs = append(documentIDs, fragment.DocumentID)
		}
		if _, ok := seen[fragment.FragmentID]; ok {
			continue
		}
		seen[fragment.FragmentID] = struct{}{}
		results = append(results, entities.RetrievalResult{Fragment: fragment, Similarity: keywordSimilarity(fragment.Text, question)})
	}

	// Dates and values often land in sibling fragments of the same document.
	if len(documentIDs) > 0 {
		related, err := s.fragments.FetchByDocuments(ctx, patientID, documentIDs)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to fetch sibling fragments for keyword documents")
		} else {
			for _, fragment := range related {
				if _, ok := seen[fragment.FragmentID]; ok {
					continue
				}
				seen[fragment.FragmentID] = struct{}{}
				results = append(results, entities.RetrievalResult{Fragment: fragment, Similarity: keywordSimilarity(fragment.Text, question)})
			}
		}
	}

	if len(results) > retrievalLimit*2 {
		results = results[:retrievalLimit*2]
	}
	return results
}

func (s *RetrievalService) keywordSearch(ctx context.Context, patientID, keyword string, limit int) []entities.RecordFragment {
	logger := observability.LoggerFromContext(ctx)

	if s.searcher != nil {
		fragments, err := s.searcher.Search(ctx, patientID, keyword, limit)
		if err == nil {
			return fragments
		}
		logger.Warn().Err(err).Msg("keyword search engine unavailable, falling back to database")
	}

	fragments, err := s.fragments.SearchByKeyword(ctx, patientID, []string{keyword}, limit)
	if err != nil {
		logger.Warn().Err(err).Msg("database keyword search failed")
		return nil
	}
	return fragments
}

// rerank orders fragments by a composite of similarity, keyword overlap, and
// recency of position, then keeps the top K.
func (s *RetrievalService) rerank(results []entities.RetrievalResult, question string, topK int) []entities.RetrievalResult {
	if len(results) <= topK {
		return results
	}

	type scored struct {
		score  float64
		result entities.RetrievalResult
	}

	scoredResults := make([]scored, 0, len(results))
	for i, result := range results {
		keywordScore := keywordOverlapScore(result.Fragment.Text, question)
		recencyScore := positionRecencyScore(i, len(results))
		similarity := math.Max(0, math.Min(1, result.Similarity))

		composite := s.cfg.RerankSimilarityWeight*similarity +
			s.cfg.RerankKeywordWeight*keywordScore +
			s.cfg.RerankRecencyWeight*recencyScore
		scoredResults = append(scoredResults, scored{score: composite, result: result})
	}

	sort.SliceStable(scoredResults, func(i, j int) bool {
		return scoredResults[i].score > scoredResults[j].score
	})

	reranked := make([]entities.RetrievalResult, 0, topK)
	for _, sc := range scoredResults[:topK] {
		reranked = append(reranked, sc.result)
	}
	return reranked
}

func needsExhaustiveRecall(question string) bool {
	lower := strings.ToLower(question)
	for _, pattern := range exhaustivePatterns {
		if pattern.MatchString(lower) {
			return true
		}
	}
	return false
}

// extractLabKeywords pulls known lab and vital names from the question,
// adding singular forms for plural matches.
func extractLabKeywords(question string) []string {
	lower := strings.ToLower(question)
	seen := map[string]struct{}{}
	keywords := []string{}

	add := func(kw string) {
		if _, ok := seen[kw]; !ok {
			seen[kw] = struct{}{}
			keywords = append(keywords, kw)
		}
	}

	for _, pattern := range labPatterns {
		match := pattern.FindString(lower)
		if match == "" {
			continue
		}
		match = strings.TrimSpace(match)
		if strings.HasSuffix(match, "s") && len(match) > 3 {
			add(strings.TrimSuffix(match, "s"))
		}
		add(match)
	}
	return keywords
}

// keywordSimilarity approximates a vector score for a keyword-sourced
// fragment from its question overlap. Stays within [0, 1] so downstream
// consumers never see a similarity outside the vector range.
func keywordSimilarity(text, question string) float64 {
	return math.Min(1, keywordOverlapScore(text, question)*0.8)
}

// keywordOverlapScore measures how much of the question's vocabulary appears
// in the fragment text, with a bonus for repeated occurrences.
func keywordOverlapScore(text, question string) float64 {
	if text == "" {
		return 0
	}

	textLower := strings.ToLower(text)
	words := []string{}
	for _, w := range wordPattern.FindAllString(strings.ToLower(question), -1) {
		if _, stop := stopWords[w]; stop || len(w) <= 2 {
			continue
		}
		words = append(words, w)
	}
	if len(words) == 0 {
		return 0
	}

	matches := 0
	occurrences := 0
	for _, w := range words {
		count := strings.Count(textLower, w)
		if count > 0 {
			matches++
			occurrences += count
		}
	}

	base := float64(matches) / float64(len(words))
	bonus := math.Min(0.3, float64(occurrences-matches)*0.1)
	return math.Min(1.0, base+bonus)
}

// positionRecencyScore decays exponentially with list position, so earlier
// (more relevant or more recent) fragments keep an edge.
func positionRecencyScore(index, total int) float64 {
	if total <= 1 {
		return 1.0
	}
	score := math.Exp(-float64(index) / float64(total-1) * 2)
	return math.Max(0.1, score)
}
