package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radianlabs/clinical-insights/backend/internal/adapters/providers/ai"
	"github.com/radianlabs/clinical-insights/backend/internal/api/stream"
	"github.com/radianlabs/clinical-insights/backend/internal/application/services"
	"github.com/radianlabs/clinical-insights/backend/internal/domain/entities"
	"github.com/radianlabs/clinical-insights/backend/pkg/config"
	"github.com/radianlabs/clinical-insights/backend/pkg/tokens"
)

type fakeFragmentRepo struct {
	similar []entities.RetrievalResult
	recent  []entities.RecordFragment
}

func (f *fakeFragmentRepo) SearchSimilar(ctx context.Context, patientID string, embedding []float32, topK int, minSimilarity float64) ([]entities.RetrievalResult, error) {
	return f.similar, nil
}

func (f *fakeFragmentRepo) SearchByKeyword(ctx context.Context, patientID string, keywords []string, limit int) ([]entities.RecordFragment, error) {
	return nil, nil
}

func (f *fakeFragmentRepo) FetchRecent(ctx context.Context, patientID string, limit int) ([]entities.RecordFragment, error) {
	return f.recent, nil
}

func (f *fakeFragmentRepo) FetchByDocuments(ctx context.Context, patientID string, documentIDs []string) ([]entities.RecordFragment, error) {
	return nil, nil
}

func newTestHandler(t *testing.T, repo *fakeFragmentRepo) (*InsightsHandler, *services.SessionService) {
	t.Helper()

	cfg := config.RetrievalConfig{
		EmbeddingDimensions: 8,
		TopKChat:            5,
		TopKSummary:         5,
		MinSimilarity:       0.2,
	}
	provider := ai.NewMockProvider(cfg.EmbeddingDimensions)
	sessions := services.NewSessionService(time.Hour)
	retrieval := services.NewRetrievalService(repo, provider, nil, cfg, nil)
	contexts := services.NewContextService(tokens.HeuristicCounter{}, 0)
	specialties := services.NewSpecialtyService(provider, config.SpecialtyConfig{
		Agents:  []string{"Cardiology"},
		Timeout: 5 * time.Second,
	})
	insights := services.NewInsightsService(
		sessions, retrieval, contexts, specialties,
		provider, repo, nil, nil, nil, cfg, nil,
	)
	return NewInsightsHandler(insights, sessions, 10*time.Second), sessions
}

func testFragment(id, text string) entities.RecordFragment {
	return entities.RecordFragment{
		FragmentID: id,
		DocumentID: "doc-" + id,
		PatientID:  "Sanjeev",
		SourceName: "labs.pdf",
		Text:       text,
	}
}

func newMux(handler *InsightsHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/patients/{id}/intro-message", handler.GetIntroMessage)
	mux.HandleFunc("GET /api/patients/{id}/summary", handler.GetSummary)
	mux.HandleFunc("GET /api/patients/{id}/summary/stream", handler.GetSummaryStream)
	mux.HandleFunc("GET /api/patients/{id}/specialties", handler.GetSpecialties)
	mux.HandleFunc("POST /api/patients/{id}/chat", handler.PostChat)
	mux.HandleFunc("POST /api/patients/{id}/chat/stream", handler.PostChatStream)
	mux.HandleFunc("GET /api/sessions/{id}/history", handler.GetHistory)
	return mux
}

func TestNormalizePatientID(t *testing.T) {
	assert.Equal(t, "Sanjeev", normalizePatientID("P1-Sanjeev-Malhotra"))
	assert.Equal(t, "Sanjeev", normalizePatientID("P1-Sanjeev"))
	assert.Equal(t, "Sanjeev", normalizePatientID("Sanjeev"))
	assert.Equal(t, "patient-42", normalizePatientID("patient-42"))
}

func TestGetIntroMessage(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeFragmentRepo{})
	mux := newMux(handler)

	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/patients/P1-Sanjeev-Malhotra/intro-message", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	var response IntroMessageResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, services.IntroMessage, response.Message)
	assert.NotEmpty(t, response.SessionID)
}

func TestPostChat(t *testing.T) {
	repo := &fakeFragmentRepo{
		similar: []entities.RetrievalResult{
			{Fragment: testFragment("f1", "HbA1c 7.1% on 2026-05-02."), Similarity: 0.8},
		},
	}
	handler, _ := newTestHandler(t, repo)
	mux := newMux(handler)

	body := strings.NewReader(`{"question":"What was the last HbA1c?"}`)
	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/patients/Sanjeev/chat", body))

	require.Equal(t, http.StatusOK, recorder.Code)
	var response ChatResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.NotEmpty(t, response.Message)
	assert.NotEmpty(t, response.SessionID)
}

func TestPostChatReusesSession(t *testing.T) {
	repo := &fakeFragmentRepo{
		similar: []entities.RetrievalResult{
			{Fragment: testFragment("f1", "BP 128/82."), Similarity: 0.9},
		},
	}
	handler, sessions := newTestHandler(t, repo)
	mux := newMux(handler)

	session, err := sessions.Create(context.Background(), "Sanjeev")
	require.NoError(t, err)

	body := strings.NewReader(`{"question":"What is the blood pressure?","session_id":"` + session.ID + `"}`)
	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/patients/Sanjeev/chat", body))

	require.Equal(t, http.StatusOK, recorder.Code)
	var response ChatResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, session.ID, response.SessionID)

	history, err := sessions.History(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestPostChatRejectsForeignSession(t *testing.T) {
	handler, sessions := newTestHandler(t, &fakeFragmentRepo{})
	mux := newMux(handler)

	session, err := sessions.Create(context.Background(), "Amara")
	require.NoError(t, err)

	body := strings.NewReader(`{"question":"question","session_id":"` + session.ID + `"}`)
	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/patients/Sanjeev/chat", body))

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestPostChatValidatesBody(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeFragmentRepo{})
	mux := newMux(handler)

	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/patients/Sanjeev/chat", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/patients/Sanjeev/chat", strings.NewReader("not json")))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestPostChatStreamDeliversAnswer(t *testing.T) {
	repo := &fakeFragmentRepo{
		similar: []entities.RetrievalResult{
			{Fragment: testFragment("f1", "Glucose 104 mg/dL."), Similarity: 0.8},
		},
	}
	handler, _ := newTestHandler(t, repo)
	mux := newMux(handler)

	body := strings.NewReader(`{"question":"What is the glucose?"}`)
	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/patients/Sanjeev/chat/stream", body))

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "text/event-stream", recorder.Header().Get("Content-Type"))

	answer, err := stream.NewReader(recorder.Body).Collect()
	require.NoError(t, err)
	assert.NotEmpty(t, answer)
}

func TestGetSummary(t *testing.T) {
	repo := &fakeFragmentRepo{
		recent: []entities.RecordFragment{testFragment("f1", "HbA1c 7.1%.")},
	}
	handler, _ := newTestHandler(t, repo)
	mux := newMux(handler)

	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/patients/Sanjeev/summary", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	var summary entities.PatientSummary
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &summary))
	assert.NotEmpty(t, summary.Headline)
	assert.NotEmpty(t, summary.Content)
}

func TestGetSummaryStream(t *testing.T) {
	repo := &fakeFragmentRepo{
		recent: []entities.RecordFragment{testFragment("f1", "HbA1c 7.1%.")},
	}
	handler, _ := newTestHandler(t, repo)
	mux := newMux(handler)

	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/patients/Sanjeev/summary/stream", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "text/event-stream", recorder.Header().Get("Content-Type"))

	text, err := stream.NewReader(recorder.Body).Collect()
	require.NoError(t, err)
	assert.NotEmpty(t, text)
}

func TestGetSummaryEmptyRecord(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeFragmentRepo{})
	mux := newMux(handler)

	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/patients/Sanjeev/summary", nil))

	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestGetSpecialties(t *testing.T) {
	repo := &fakeFragmentRepo{
		recent: []entities.RecordFragment{testFragment("f1", "LDL 162 mg/dL.")},
	}
	handler, _ := newTestHandler(t, repo)
	mux := newMux(handler)

	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/patients/Sanjeev/specialties", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	var results []entities.SpecialtyResult
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "Cardiology", results[0].Specialty)
}

func TestGetHistory(t *testing.T) {
	handler, sessions := newTestHandler(t, &fakeFragmentRepo{})
	mux := newMux(handler)

	session, err := sessions.Create(context.Background(), "Sanjeev")
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/sessions/"+session.ID+"/history", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	var response struct {
		SessionID string                     `json:"session_id"`
		Turns     []entities.ConversationTurn `json:"turns"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Len(t, response.Turns, 1)
	assert.Equal(t, services.IntroMessage, response.Turns[0].Content)
}

func TestGetHistoryUnknownSession(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeFragmentRepo{})
	mux := newMux(handler)

	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/sessions/missing/history", nil))
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}
