// Package api provides the HTTP handlers for the planning assistant.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/founderport/angel/internal/conversation"
	"github.com/founderport/angel/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	repo              store.Repository
	orch              *conversation.Orchestrator
	generationTimeout time.Duration
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, orch *conversation.Orchestrator, generationTimeout time.Duration) *Handler {
	if generationTimeout <= 0 {
		generationTimeout = 120 * time.Second
	}
	return &Handler{
		repo:              repo,
		orch:              orch,
		generationTimeout: generationTimeout,
	}
}

// RegisterRoutes mounts all session and conversation endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions", h.ListSessions)

		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Get("/history", h.GetHistory)
			r.Get("/history/{phase}", h.GetPhaseHistory)
			r.Get("/business-context", h.GetBusinessContext)
			r.Post("/sync-progress", h.SyncProgress)
			r.Get("/preferences", h.GetPreferences)
			r.Put("/preferences/feedback-intensity", h.SetFeedbackIntensity)

			r.Post("/chat", h.Chat)
			r.Post("/go-back", h.GoBack)
			r.Post("/transition-decision", h.TransitionDecision)
			r.Post("/start-implementation", h.StartImplementation)
			r.Post("/confirm-implementation", h.ConfirmImplementation)

			r.Get("/business-plan-summary", h.GetBusinessPlanSummary)
			r.Get("/business-plan-artifact", h.GetBusinessPlanArtifact)
			r.Get("/roadmap-plan", h.GetRoadmapPlan)
		})

		r.Get("/stats", h.GetStats)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps known sentinel errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrStaleSession):
		Error(w, http.StatusConflict, "another request for this session is in flight, retry")
	case errors.Is(err, conversation.ErrInvalidPhaseState):
		Error(w, http.StatusConflict, "session state is corrupt")
	case errors.Is(err, conversation.ErrInvalidTransition):
		Error(w, http.StatusConflict, "this step does not apply to the session's current phase")
	case errors.Is(err, conversation.ErrSubscriptionRequired):
		Error(w, http.StatusPaymentRequired, "an active subscription is required for this step")
	case errors.Is(err, conversation.ErrGenerationFailed):
		Error(w, http.StatusBadGateway, "reply generation failed, please retry")
	case errors.Is(err, conversation.ErrAtFirstQuestion):
		Error(w, http.StatusBadRequest, "already at the first question")
	default:
		Error(w, http.StatusInternalServerError, "internal server error")
	}
}
