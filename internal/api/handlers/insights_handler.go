package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/radianlabs/clinical-insights/backend/internal/api/stream"
	"github.com/radianlabs/clinical-insights/backend/internal/application/services"
	"github.com/radianlabs/clinical-insights/backend/internal/infrastructure/observability"
	apperrors "github.com/radianlabs/clinical-insights/backend/pkg/errors"
)

// ChatRequest is the body for chat endpoints.
type ChatRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse carries a complete (non-streamed) answer.
type ChatResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// IntroMessageResponse carries the greeting shown when a patient is opened.
type IntroMessageResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// InsightsHandler serves the clinician-facing question answering, summary,
// and specialty endpoints.
type InsightsHandler struct {
	insights          *services.InsightsService
	sessions          *services.SessionService
	requestTimeout    time.Duration
	heartbeatInterval time.Duration
}

// NewInsightsHandler creates the handler. requestTimeout bounds the whole
// pipeline for a single request.
func NewInsightsHandler(insights *services.InsightsService, sessions *services.SessionService, requestTimeout time.Duration) *InsightsHandler {
	return &InsightsHandler{
		insights:          insights,
		sessions:          sessions,
		requestTimeout:    requestTimeout,
		heartbeatInterval: 15 * time.Second,
	}
}

// normalizePatientID converts legacy identifiers like "P1-Sanjeev-Malhotra"
// to the stored form "Sanjeev". Identifiers in other shapes pass through.
func normalizePatientID(patientID string) string {
	if strings.HasPrefix(patientID, "P") && strings.Contains(patientID, "-") {
		parts := strings.Split(patientID, "-")
		if len(parts) >= 2 {
			return parts[1]
		}
	}
	return patientID
}

// GetIntroMessage handles GET /api/patients/{id}/intro-message. It opens a
// fresh session for the patient and returns the greeting.
func (h *InsightsHandler) GetIntroMessage(w http.ResponseWriter, r *http.Request) {
	patientID := normalizePatientID(r.PathValue("id"))
	if patientID == "" {
		respondWithError(w, http.StatusBadRequest, "patient ID is required")
		return
	}

	session, err := h.sessions.Create(r.Context(), patientID)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, IntroMessageResponse{
		Message:   services.IntroMessage,
		SessionID: session.ID,
	})
}

// GetSummary handles GET /api/patients/{id}/summary.
func (h *InsightsHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	patientID := normalizePatientID(r.PathValue("id"))
	if patientID == "" {
		respondWithError(w, http.StatusBadRequest, "patient ID is required")
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	summary, err := h.insights.Summary(ctx, patientID)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

// GetSummaryStream handles GET /api/patients/{id}/summary/stream.
func (h *InsightsHandler) GetSummaryStream(w http.ResponseWriter, r *http.Request) {
	patientID := normalizePatientID(r.PathValue("id"))
	if patientID == "" {
		respondWithError(w, http.StatusBadRequest, "patient ID is required")
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	events, err := h.insights.SummaryStream(ctx, patientID)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	writer, err := stream.NewWriter(w)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	stream.Serve(ctx, writer, events, h.heartbeatInterval)
}

// GetSpecialties handles GET /api/patients/{id}/specialties.
func (h *InsightsHandler) GetSpecialties(w http.ResponseWriter, r *http.Request) {
	patientID := normalizePatientID(r.PathValue("id"))
	if patientID == "" {
		respondWithError(w, http.StatusBadRequest, "patient ID is required")
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	results, err := h.insights.SpecialtyPerspectives(ctx, patientID)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, results)
}

// PostChat handles POST /api/patients/{id}/chat.
func (h *InsightsHandler) PostChat(w http.ResponseWriter, r *http.Request) {
	patientID, payload, ok := h.parseChatRequest(w, r)
	if !ok {
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	sessionID, err := h.ensureSession(ctx, payload.SessionID, patientID)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	answer, err := h.insights.AnswerQuestion(ctx, sessionID, payload.Question)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, ChatResponse{Message: answer, SessionID: sessionID})
}

// PostChatStream handles POST /api/patients/{id}/chat/stream, delivering
// the answer as server-sent events.
func (h *InsightsHandler) PostChatStream(w http.ResponseWriter, r *http.Request) {
	patientID, payload, ok := h.parseChatRequest(w, r)
	if !ok {
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	sessionID, err := h.ensureSession(ctx, payload.SessionID, patientID)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	events, err := h.insights.AnswerQuestionStream(ctx, sessionID, payload.Question)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	writer, err := stream.NewWriter(w)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	state := stream.Serve(ctx, writer, events, h.heartbeatInterval)
	observability.LoggerFromContext(ctx).Debug().
		Str("session_id", sessionID).
		Str("state", state.String()).
		Int("chunks", writer.ChunkCount()).
		Msg("chat stream finished")
}

// GetHistory handles GET /api/sessions/{id}/history.
func (h *InsightsHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		respondWithError(w, http.StatusBadRequest, "session ID is required")
		return
	}

	turns, err := h.sessions.History(r.Context(), sessionID)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"turns":      turns,
	})
}

func (h *InsightsHandler) parseChatRequest(w http.ResponseWriter, r *http.Request) (string, ChatRequest, bool) {
	patientID := normalizePatientID(r.PathValue("id"))
	if patientID == "" {
		respondWithError(w, http.StatusBadRequest, "patient ID is required")
		return "", ChatRequest{}, false
	}

	var payload ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return "", ChatRequest{}, false
	}
	if strings.TrimSpace(payload.Question) == "" {
		respondWithError(w, http.StatusBadRequest, "question is required")
		return "", ChatRequest{}, false
	}
	return patientID, payload, true
}

// ensureSession resolves the session for a chat call. A missing or unknown
// session id starts a fresh session; an existing session must belong to the
// requested patient.
func (h *InsightsHandler) ensureSession(ctx context.Context, sessionID, patientID string) (string, error) {
	if sessionID != "" {
		session, err := h.sessions.Get(ctx, sessionID)
		if err == nil {
			if session.PatientID != patientID {
				return "", apperrors.NewValidationError("session does not belong to this patient")
			}
			return sessionID, nil
		}
		if !apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
			return "", err
		}
	}

	session, err := h.sessions.Create(ctx, patientID)
	if err != nil {
		return "", err
	}
	return session.ID, nil
}

func (h *InsightsHandler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.requestTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.requestTimeout)
}

// Helper functions
func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

// respondWithAppError maps the error taxonomy to HTTP statuses. Raw
// provider errors never reach the wire.
func respondWithAppError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, apperrors.ErrNoRelevantContext) {
		respondWithError(w, http.StatusNotFound, "no records found for this patient")
		return
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		switch appErr.Type {
		case apperrors.ErrorTypeValidation:
			respondWithError(w, http.StatusBadRequest, appErr.Message)
		case apperrors.ErrorTypeNotFound:
			respondWithError(w, http.StatusNotFound, appErr.Message)
		case apperrors.ErrorTypeTimeout:
			respondWithError(w, http.StatusGatewayTimeout, appErr.Message)
		case apperrors.ErrorTypeProvider, apperrors.ErrorTypeInvalidModel:
			respondWithError(w, http.StatusBadGateway, "upstream provider unavailable")
		default:
			respondWithError(w, http.StatusInternalServerError, "internal server error")
		}
		observability.LoggerFromContext(r.Context()).Error().Err(err).Str("type", string(appErr.Type)).Msg("request failed")
		return
	}

	observability.LoggerFromContext(r.Context()).Error().Err(err).Msg("request failed")
	respondWithError(w, http.StatusInternalServerError, "internal server error")
}
