package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/radianlabs/clinical-insights/backend/internal/domain/entities"
	"github.com/radianlabs/clinical-insights/backend/internal/domain/providers"
	"github.com/radianlabs/clinical-insights/backend/internal/domain/repositories"
	"github.com/radianlabs/clinical-insights/backend/internal/evaluation"
	openaiclient "github.com/radianlabs/clinical-insights/backend/internal/infrastructure/clients/openai"
	"github.com/radianlabs/clinical-insights/backend/internal/infrastructure/observability"
	"github.com/radianlabs/clinical-insights/backend/pkg/config"
	apperrors "github.com/radianlabs/clinical-insights/backend/pkg/errors"
)

// NoContextAnswer is returned without a provider call when retrieval found
// nothing relevant for the question.
const NoContextAnswer = "I could not find anything in this patient's record relevant to that question."

const (
	summaryCacheTTLSeconds   = 3600
	specialtyCacheTTLSeconds = 3600
)

// InsightsService orchestrates the full question-answering pipeline:
// retrieval, context assembly, generation, conversation bookkeeping, answer
// screening, and the audit trail.
type InsightsService struct {
	sessions    *SessionService
	retrieval   *RetrievalService
	contexts    *ContextService
	specialties *SpecialtyService
	generator   providers.GenerationProvider
	fragments   repositories.FragmentRepository
	queryLog    repositories.QueryLogRepository
	cache       providers.CacheProvider
	guardrails  *evaluation.Guardrails
	cfg         config.RetrievalConfig
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewInsightsService creates the orchestrator. The cache and query log are
// optional; without them summary caching and auditing are skipped.
func NewInsightsService(
	sessions *SessionService,
	retrieval *RetrievalService,
	contexts *ContextService,
	specialties *SpecialtyService,
	generator providers.GenerationProvider,
	fragments repositories.FragmentRepository,
	queryLog repositories.QueryLogRepository,
	cache providers.CacheProvider,
	guardrails *evaluation.Guardrails,
	cfg config.RetrievalConfig,
	metrics *observability.Metrics,
) *InsightsService {
	return &InsightsService{
		sessions:    sessions,
		retrieval:   retrieval,
		contexts:    contexts,
		specialties: specialties,
		generator:   generator,
		fragments:   fragments,
		queryLog:    queryLog,
		cache:       cache,
		guardrails:  guardrails,
		cfg:         cfg,
		metrics:     metrics,
		now:         time.Now,
	}
}

// AnswerQuestion answers one question in a session and returns the full
// response. The exchange is committed to the conversation only on success.
func (s *InsightsService) AnswerQuestion(ctx context.Context, sessionID, question string) (string, error) {
	start := s.now()

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}

	prepared, err := s.prepareQuestion(ctx, session, sessionID, question)
	if err != nil {
		return "", err
	}

	if prepared.context.Empty() {
		s.recordAudit(ctx, sessionID, session.PatientID, question, NoContextAnswer, "", s.now().Sub(start))
		if err := s.sessions.RecordExchange(ctx, sessionID, question, NoContextAnswer); err != nil {
			return "", err
		}
		return NoContextAnswer, nil
	}

	answer, err := s.generator.Complete(ctx, providers.GenerationRequest{
		SystemPrompt: openaiclient.BuildChatSystemPrompt(prepared.context.Text, s.now()),
		History:      prepared.history,
		UserMessage:  question,
		Temperature:  0.2,
		MaxTokens:    1500,
	})
	if err != nil {
		return "", err
	}

	s.screenAnswer(ctx, session.PatientID, answer)
	if err := s.sessions.RecordExchange(ctx, sessionID, question, answer); err != nil {
		return "", err
	}
	s.recordAudit(ctx, sessionID, session.PatientID, question, answer, prepared.auditText, s.now().Sub(start))
	return answer, nil
}

// AnswerQuestionStream answers one question as an event stream. The exchange
// commits when the stream completes; an interrupted stream rolls the
// question back so the conversation never holds an unanswered question.
func (s *InsightsService) AnswerQuestionStream(ctx context.Context, sessionID, question string) (<-chan entities.StreamEvent, error) {
	start := s.now()

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	prepared, err := s.prepareQuestion(ctx, session, sessionID, question)
	if err != nil {
		return nil, err
	}

	if prepared.context.Empty() {
		events := make(chan entities.StreamEvent, 2)
		events <- entities.StreamEvent{Kind: entities.StreamEventChunk, Content: NoContextAnswer}
		events <- entities.StreamEvent{Kind: entities.StreamEventDone}
		close(events)
		s.recordAudit(ctx, sessionID, session.PatientID, question, NoContextAnswer, "", s.now().Sub(start))
		if err := s.sessions.RecordExchange(ctx, sessionID, question, NoContextAnswer); err != nil {
			return nil, err
		}
		return events, nil
	}

	rollback, commit, err := s.sessions.BeginExchange(ctx, sessionID, question)
	if err != nil {
		return nil, err
	}

	upstream, err := s.generator.CompleteStream(ctx, providers.GenerationRequest{
		SystemPrompt: openaiclient.BuildChatSystemPrompt(prepared.context.Text, s.now()),
		History:      prepared.history,
		UserMessage:  question,
		Temperature:  0.2,
		MaxTokens:    1500,
	})
	if err != nil {
		rollback()
		return nil, err
	}

	events := make(chan entities.StreamEvent)
	go func() {
		defer close(events)

		var answer strings.Builder
		completed := false

		for event := range upstream {
			switch event.Kind {
			case entities.StreamEventChunk:
				answer.WriteString(event.Content)
				if s.metrics != nil {
					observability.RecordStreamChunk(ctx, s.metrics)
				}
			case entities.StreamEventDone:
				completed = true
			}

			select {
			case events <- event:
			case <-ctx.Done():
				rollback()
				return
			}
			if event.Terminal() {
				break
			}
		}

		if !completed {
			rollback()
			return
		}

		final := answer.String()
		s.screenAnswer(ctx, session.PatientID, final)
		commit(final)
		s.recordAudit(ctx, sessionID, session.PatientID, question, final, prepared.auditText, s.now().Sub(start))
	}()
	return events, nil
}

// Summary produces the structured patient summary from the most recent
// record fragments, cached per patient.
func (s *InsightsService) Summary(ctx context.Context, patientID string) (*entities.PatientSummary, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, apperrors.NewValidationError("patient id is required")
	}

	cacheKey := "summary:" + patientID
	if cached := s.cacheGet(ctx, cacheKey); cached != nil {
		var summary entities.PatientSummary
		if err := json.Unmarshal(cached, &summary); err == nil {
			return &summary, nil
		}
	}

	promptContext, err := s.recentContext(ctx, patientID, s.cfg.TopKSummary)
	if err != nil {
		return nil, err
	}
	if promptContext.Empty() {
		return nil, apperrors.ErrNoRelevantContext
	}

	raw, err := s.generator.Complete(ctx, providers.GenerationRequest{
		SystemPrompt: openaiclient.BuildSummarySystemPrompt(promptContext.Text, s.now()),
		UserMessage:  "Summarize this patient's record.",
		Temperature:  0.2,
		MaxTokens:    900,
		JSONMode:     true,
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Headline string   `json:"headline"`
		Bullets  []string `json:"bullets"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &parsed); err != nil {
		return nil, apperrors.NewProviderError("summary response was not valid JSON", err)
	}

	summary := &entities.PatientSummary{
		Headline: parsed.Headline,
		Content:  parsed.Bullets,
	}
	s.cacheSet(ctx, cacheKey, summary, summaryCacheTTLSeconds)
	return summary, nil
}

// SummaryStream delivers the patient summary as an event stream: one chunk
// for the headline, one per bullet, then the terminal event. The summary
// itself is produced (and cached) exactly as in Summary.
func (s *InsightsService) SummaryStream(ctx context.Context, patientID string) (<-chan entities.StreamEvent, error) {
	summary, err := s.Summary(ctx, patientID)
	if err != nil {
		return nil, err
	}

	events := make(chan entities.StreamEvent, len(summary.Content)+2)
	events <- entities.StreamEvent{Kind: entities.StreamEventChunk, Content: summary.Headline + "\n"}
	for _, bullet := range summary.Content {
		events <- entities.StreamEvent{Kind: entities.StreamEventChunk, Content: "- " + bullet + "\n"}
	}
	events <- entities.StreamEvent{Kind: entities.StreamEventDone}
	close(events)
	return events, nil
}

// SpecialtyPerspectives runs the specialty agents over the patient's recent
// record, cached per patient.
func (s *InsightsService) SpecialtyPerspectives(ctx context.Context, patientID string) ([]entities.SpecialtyResult, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, apperrors.NewValidationError("patient id is required")
	}

	cacheKey := "specialty:" + patientID
	if cached := s.cacheGet(ctx, cacheKey); cached != nil {
		var results []entities.SpecialtyResult
		if err := json.Unmarshal(cached, &results); err == nil {
			return results, nil
		}
	}

	promptContext, err := s.recentContext(ctx, patientID, s.cfg.TopKSummary)
	if err != nil {
		return nil, err
	}
	if promptContext.Empty() {
		return nil, apperrors.ErrNoRelevantContext
	}

	results, err := s.specialties.Perspectives(ctx, promptContext.Text)
	if err != nil {
		return nil, err
	}

	s.cacheSet(ctx, cacheKey, results, specialtyCacheTTLSeconds)
	return results, nil
}

// preparedQuestion carries everything retrieval produced for one question.
type preparedQuestion struct {
	context   entities.PromptContext
	history   []entities.ConversationTurn
	auditText string
}

// prepareQuestion runs retrieval and context assembly for a session
// question.
func (s *InsightsService) prepareQuestion(ctx context.Context, session *Session, sessionID, question string) (*preparedQuestion, error) {
	if strings.TrimSpace(question) == "" {
		return nil, apperrors.NewValidationError("question is required")
	}

	outcome, err := s.retrieval.Retrieve(ctx, session.PatientID, question, s.cfg.TopKChat, s.cfg.MinSimilarity)
	if err != nil {
		return nil, err
	}

	promptContext := s.contexts.Assemble(ctx, outcome.Results, outcome.RecencyFallback)

	history, err := s.sessions.ReplayHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &preparedQuestion{
		context:   promptContext,
		history:   history,
		auditText: s.contexts.FormatForAudit(outcome.Results),
	}, nil
}

// recentContext assembles context from the newest fragments, for summary and
// specialty views that are about the record as a whole rather than one
// question.
func (s *InsightsService) recentContext(ctx context.Context, patientID string, limit int) (entities.PromptContext, error) {
	fragments, err := s.fragments.FetchRecent(ctx, patientID, limit)
	if err != nil {
		return entities.PromptContext{}, err
	}

	results := make([]entities.RetrievalResult, 0, len(fragments))
	for _, fragment := range fragments {
		results = append(results, entities.RetrievalResult{Fragment: fragment, Similarity: 0})
	}
	return s.contexts.Assemble(ctx, results, true), nil
}

func (s *InsightsService) screenAnswer(ctx context.Context, patientID, answer string) {
	if s.guardrails == nil {
		return
	}
	report := s.guardrails.Screen(answer)
	if report.Flagged {
		observability.LoggerFromContext(ctx).Warn().
			Str("patient_id", patientID).
			Strs("matches", report.Matches).
			Msg("answer flagged by guardrails")
	}
}

func (s *InsightsService) recordAudit(ctx context.Context, sessionID, patientID, question, answer, contextText string, latency time.Duration) {
	if s.queryLog == nil {
		return
	}

	entry := &repositories.QueryLogEntry{
		SessionID:       sessionID,
		PatientID:       patientID,
		UserQuery:       question,
		Response:        answer,
		ChunksExtracted: contextText,
		Latency:         latency,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.queryLog.Record(context.WithoutCancel(ctx), entry); err != nil {
		observability.LoggerFromContext(ctx).Warn().Err(err).Msg("failed to record query audit entry")
	}
}

func (s *InsightsService) cacheGet(ctx context.Context, key string) []byte {
	if s.cache == nil {
		return nil
	}
	data, err := s.cache.Get(ctx, key)
	if err != nil {
		if s.metrics != nil {
			observability.RecordCacheMiss(ctx, s.metrics, key)
		}
		return nil
	}
	if s.metrics != nil {
		observability.RecordCacheHit(ctx, s.metrics, key)
	}
	return data
}

func (s *InsightsService) cacheSet(ctx context.Context, key string, value interface{}, ttlSeconds int) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, ttlSeconds); err != nil {
		observability.LoggerFromContext(ctx).Warn().Err(err).Str("key", key).Msg("failed to write cache entry")
	}
}
