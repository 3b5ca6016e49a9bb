package services

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radianlabs/clinical-insights/backend/internal/domain/entities"
	"github.com/radianlabs/clinical-insights/backend/internal/domain/providers"
	"github.com/radianlabs/clinical-insights/backend/internal/domain/repositories"
	apperrors "github.com/radianlabs/clinical-insights/backend/pkg/errors"
	"github.com/radianlabs/clinical-insights/backend/pkg/tokens"
)

type scriptedGenerator struct {
	mu       sync.Mutex
	response string
	err      error
	chunks   []string

	lastReq  providers.GenerationRequest
	complete int
	streams  int
}

func (s *scriptedGenerator) Complete(ctx context.Context, req providers.GenerationRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReq = req
	s.complete++
	return s.response, s.err
}

func (s *scriptedGenerator) CompleteStream(ctx context.Context, req providers.GenerationRequest) (<-chan entities.StreamEvent, error) {
	s.mu.Lock()
	s.lastReq = req
	s.streams++
	chunks := s.chunks
	err := s.err
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	events := make(chan entities.StreamEvent)
	go func() {
		defer close(events)
		for _, chunk := range chunks {
			select {
			case events <- entities.StreamEvent{Kind: entities.StreamEventChunk, Content: chunk}:
			case <-ctx.Done():
				select {
				case events <- entities.StreamEvent{Kind: entities.StreamEventError, Message: "stream interrupted"}:
				default:
				}
				return
			}
		}
		events <- entities.StreamEvent{Kind: entities.StreamEventDone}
	}()
	return events, nil
}

type memoryCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{data: map[string][]byte{}}
}

func (c *memoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.data[key]
	if !ok {
		return nil, apperrors.NewNotFoundError("cache miss")
	}
	return value, nil
}

func (c *memoryCache) Set(ctx context.Context, key string, value []byte, expirationSeconds int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *memoryCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok, nil
}

type recordingQueryLog struct {
	mu      sync.Mutex
	entries []*repositories.QueryLogEntry
}

func (r *recordingQueryLog) Record(ctx context.Context, entry *repositories.QueryLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *recordingQueryLog) ListBySession(ctx context.Context, sessionID string, limit int) ([]repositories.QueryLogEntry, error) {
	return nil, nil
}

func (r *recordingQueryLog) snapshot() []*repositories.QueryLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*repositories.QueryLogEntry{}, r.entries...)
}

type insightsFixture struct {
	service   *InsightsService
	sessions  *SessionService
	repo      *stubFragmentRepo
	generator *scriptedGenerator
	cache     *memoryCache
	queryLog  *recordingQueryLog
}

func newInsightsFixture(t *testing.T) *insightsFixture {
	t.Helper()

	repo := &stubFragmentRepo{}
	generator := &scriptedGenerator{}
	cache := newMemoryCache()
	queryLog := &recordingQueryLog{}
	sessions := NewSessionService(time.Hour)

	cfg := retrievalConfig()
	cfg.TopKSummary = 4

	retrieval := NewRetrievalService(repo, &stubEmbedder{dimensions: 3}, nil, cfg, nil)
	contexts := NewContextService(tokens.HeuristicCounter{}, 0)
	specialties := NewSpecialtyService(generator, specialtyTestConfig("Cardiology"))

	service := NewInsightsService(
		sessions, retrieval, contexts, specialties,
		generator, repo, queryLog, cache, nil, cfg, nil,
	)
	return &insightsFixture{
		service:   service,
		sessions:  sessions,
		repo:      repo,
		generator: generator,
		cache:     cache,
		queryLog:  queryLog,
	}
}

func (f *insightsFixture) startSession(t *testing.T) string {
	t.Helper()
	session, err := f.sessions.Create(context.Background(), "patient-1")
	require.NoError(t, err)
	return session.ID
}

func TestAnswerQuestionCommitsExchange(t *testing.T) {
	f := newInsightsFixture(t)
	f.repo.similarResults = []entities.RetrievalResult{
		{Fragment: fragment("f1", "HbA1c 7.1% on 2026-05-02.", 0), Similarity: 0.8},
	}
	f.generator.response = "The most recent HbA1c was 7.1%."
	sessionID := f.startSession(t)

	answer, err := f.service.AnswerQuestion(context.Background(), sessionID, "What was the last HbA1c?")
	require.NoError(t, err)
	assert.Equal(t, "The most recent HbA1c was 7.1%.", answer)

	history, err := f.sessions.History(context.Background(), sessionID)
	require.NoError(t, err)
	// intro + question + answer
	require.Len(t, history, 3)
	assert.Equal(t, entities.RoleUser, history[1].Role)
	assert.Equal(t, "What was the last HbA1c?", history[1].Content)
	assert.Equal(t, answer, history[2].Content)
}

func TestAnswerQuestionGroundsPromptInContext(t *testing.T) {
	f := newInsightsFixture(t)
	f.repo.similarResults = []entities.RetrievalResult{
		{Fragment: fragment("f1", "Creatinine 1.4 mg/dL.", 0), Similarity: 0.7},
	}
	f.generator.response = "Creatinine is 1.4 mg/dL."
	sessionID := f.startSession(t)

	_, err := f.service.AnswerQuestion(context.Background(), sessionID, "What is the creatinine?")
	require.NoError(t, err)

	assert.Contains(t, f.generator.lastReq.SystemPrompt, "Creatinine 1.4 mg/dL.")
	assert.Equal(t, "What is the creatinine?", f.generator.lastReq.UserMessage)
}

func TestAnswerQuestionEmptyContextSkipsProvider(t *testing.T) {
	f := newInsightsFixture(t)
	sessionID := f.startSession(t)

	answer, err := f.service.AnswerQuestion(context.Background(), sessionID, "Any imaging findings?")
	require.NoError(t, err)
	assert.Equal(t, NoContextAnswer, answer)
	assert.Zero(t, f.generator.complete)

	history, err := f.sessions.History(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, NoContextAnswer, history[2].Content)
}

func TestAnswerQuestionRecordsAudit(t *testing.T) {
	f := newInsightsFixture(t)
	f.repo.similarResults = []entities.RetrievalResult{
		{Fragment: fragment("f1", "BP 128/82.", 0), Similarity: 0.9},
	}
	f.generator.response = "Blood pressure is 128/82."
	sessionID := f.startSession(t)

	_, err := f.service.AnswerQuestion(context.Background(), sessionID, "What is the blood pressure?")
	require.NoError(t, err)

	entries := f.queryLog.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, sessionID, entries[0].SessionID)
	assert.Equal(t, "patient-1", entries[0].PatientID)
	assert.Equal(t, "What is the blood pressure?", entries[0].UserQuery)
	assert.Equal(t, "Blood pressure is 128/82.", entries[0].Response)
	assert.Contains(t, entries[0].ChunksExtracted, "BP 128/82.")
}

func TestAnswerQuestionUnknownSession(t *testing.T) {
	f := newInsightsFixture(t)

	_, err := f.service.AnswerQuestion(context.Background(), "missing", "question")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func TestAnswerQuestionStreamCommitsOnDone(t *testing.T) {
	f := newInsightsFixture(t)
	f.repo.similarResults = []entities.RetrievalResult{
		{Fragment: fragment("f1", "Glucose 104 mg/dL.", 0), Similarity: 0.8},
	}
	f.generator.chunks = []string{"Glucose ", "is ", "104 mg/dL."}
	sessionID := f.startSession(t)

	events, err := f.service.AnswerQuestionStream(context.Background(), sessionID, "What is the glucose?")
	require.NoError(t, err)

	var assembled strings.Builder
	var sawDone bool
	for event := range events {
		switch event.Kind {
		case entities.StreamEventChunk:
			assembled.WriteString(event.Content)
		case entities.StreamEventDone:
			sawDone = true
		}
	}
	assert.True(t, sawDone)
	assert.Equal(t, "Glucose is 104 mg/dL.", assembled.String())

	history, err := f.sessions.History(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "Glucose is 104 mg/dL.", history[2].Content)

	entries := f.queryLog.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "Glucose is 104 mg/dL.", entries[0].Response)
}

func TestAnswerQuestionStreamErrorRollsBack(t *testing.T) {
	f := newInsightsFixture(t)
	f.repo.similarResults = []entities.RetrievalResult{
		{Fragment: fragment("f1", "Sodium 139 mmol/L.", 0), Similarity: 0.8},
	}
	sessionID := f.startSession(t)

	// A stream that fails before its terminal done event.
	f.generator.err = apperrors.NewProviderError("upstream unavailable", nil)

	_, err := f.service.AnswerQuestionStream(context.Background(), sessionID, "What is the sodium?")
	require.Error(t, err)

	history, err := f.sessions.History(context.Background(), sessionID)
	require.NoError(t, err)
	// the failed exchange left no trace
	require.Len(t, history, 1)
	assert.Equal(t, IntroMessage, history[0].Content)
}

func TestAnswerQuestionStreamEmptyContext(t *testing.T) {
	f := newInsightsFixture(t)
	sessionID := f.startSession(t)

	events, err := f.service.AnswerQuestionStream(context.Background(), sessionID, "Any allergies?")
	require.NoError(t, err)

	var contents []string
	for event := range events {
		if event.Kind == entities.StreamEventChunk {
			contents = append(contents, event.Content)
		}
	}
	require.Len(t, contents, 1)
	assert.Equal(t, NoContextAnswer, contents[0])
	assert.Zero(t, f.generator.streams)
}

func TestSummaryParsesStructuredResponse(t *testing.T) {
	f := newInsightsFixture(t)
	f.repo.recentFragments = []entities.RecordFragment{
		fragment("f1", "HbA1c 7.1%. Metformin 1000mg BID.", 0),
	}
	f.generator.response = `{"headline":"Stable type 2 diabetes","bullets":["HbA1c 7.1%","On metformin 1000mg BID"]}`

	summary, err := f.service.Summary(context.Background(), "patient-1")
	require.NoError(t, err)
	assert.Equal(t, "Stable type 2 diabetes", summary.Headline)
	assert.Equal(t, []string{"HbA1c 7.1%", "On metformin 1000mg BID"}, summary.Content)
	assert.True(t, f.generator.lastReq.JSONMode)
}

func TestSummaryServedFromCache(t *testing.T) {
	f := newInsightsFixture(t)
	cached, err := json.Marshal(entities.PatientSummary{Headline: "Cached", Content: []string{"one"}})
	require.NoError(t, err)
	require.NoError(t, f.cache.Set(context.Background(), "summary:patient-1", cached, 60))

	summary, err := f.service.Summary(context.Background(), "patient-1")
	require.NoError(t, err)
	assert.Equal(t, "Cached", summary.Headline)
	assert.Zero(t, f.generator.complete)
}

func TestSummaryEmptyRecord(t *testing.T) {
	f := newInsightsFixture(t)

	_, err := f.service.Summary(context.Background(), "patient-1")
	require.ErrorIs(t, err, apperrors.ErrNoRelevantContext)
}

func TestSummaryStreamEmitsHeadlineAndBullets(t *testing.T) {
	f := newInsightsFixture(t)
	f.repo.recentFragments = []entities.RecordFragment{
		fragment("f1", "HbA1c 7.1%. Metformin 1000mg BID.", 0),
	}
	f.generator.response = `{"headline":"Stable type 2 diabetes","bullets":["HbA1c 7.1%","On metformin"]}`

	events, err := f.service.SummaryStream(context.Background(), "patient-1")
	require.NoError(t, err)

	var chunks []string
	var sawDone bool
	for event := range events {
		switch event.Kind {
		case entities.StreamEventChunk:
			chunks = append(chunks, event.Content)
		case entities.StreamEventDone:
			sawDone = true
		}
	}
	require.Len(t, chunks, 3)
	assert.Equal(t, "Stable type 2 diabetes\n", chunks[0])
	assert.Equal(t, "- HbA1c 7.1%\n", chunks[1])
	assert.Equal(t, "- On metformin\n", chunks[2])
	assert.True(t, sawDone)
}

func TestSummaryMalformedProviderJSON(t *testing.T) {
	f := newInsightsFixture(t)
	f.repo.recentFragments = []entities.RecordFragment{fragment("f1", "note", 0)}
	f.generator.response = "not json"

	_, err := f.service.Summary(context.Background(), "patient-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeProvider))
}

func TestSpecialtyPerspectivesCached(t *testing.T) {
	f := newInsightsFixture(t)
	f.repo.recentFragments = []entities.RecordFragment{fragment("f1", "LDL 162 mg/dL.", 0)}
	f.generator.response = `{"insights":["LDL above target"]}`

	first, err := f.service.SpecialtyPerspectives(context.Background(), "patient-1")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "Cardiology", first[0].Specialty)

	callsAfterFirst := f.generator.complete
	second, err := f.service.SpecialtyPerspectives(context.Background(), "patient-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, callsAfterFirst, f.generator.complete)
}

func TestSpecialtyPerspectivesRequiresPatient(t *testing.T) {
	f := newInsightsFixture(t)

	_, err := f.service.SpecialtyPerspectives(context.Background(), " ")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}
