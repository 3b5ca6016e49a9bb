package routes

import (
	"net/http"

	"github.com/radianlabs/clinical-insights/backend/internal/api/handlers"
	"github.com/radianlabs/clinical-insights/backend/internal/api/middleware"
	"github.com/radianlabs/clinical-insights/backend/internal/infrastructure/observability"
)

// Router holds all route handlers
type Router struct {
	mux *http.ServeMux

	insightsHandler *handlers.InsightsHandler

	metrics *observability.Metrics
}

// NewRouter creates a new router
func NewRouter(insightsHandler *handlers.InsightsHandler, metrics *observability.Metrics) *Router {
	return &Router{
		mux:             http.NewServeMux(),
		insightsHandler: insightsHandler,
		metrics:         metrics,
	}
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes() http.Handler {
	// Health check endpoint
	r.mux.HandleFunc("GET /health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			return
		}
	})

	// Patient insight endpoints
	r.mux.HandleFunc("GET /api/patients/{id}/intro-message", r.insightsHandler.GetIntroMessage)
	r.mux.HandleFunc("GET /api/patients/{id}/summary", r.insightsHandler.GetSummary)
	r.mux.HandleFunc("GET /api/patients/{id}/summary/stream", r.insightsHandler.GetSummaryStream)
	r.mux.HandleFunc("GET /api/patients/{id}/specialties", r.insightsHandler.GetSpecialties)
	r.mux.HandleFunc("POST /api/patients/{id}/chat", r.insightsHandler.PostChat)
	r.mux.HandleFunc("POST /api/patients/{id}/chat/stream", r.insightsHandler.PostChatStream)

	// Session endpoints
	r.mux.HandleFunc("GET /api/sessions/{id}/history", r.insightsHandler.GetHistory)

	// Apply middleware in reverse order (last middleware wraps first)
	var handler http.Handler = r.mux
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.ObservabilityMiddleware(r.metrics)(handler)

	// CORS wraps everything so streamed responses get headers too
	handler = middleware.CORSMiddleware(handler)

	return handler
}
