package api

import (
	"encoding/json"
	"net/http"

	"github.com/founderport/angel/internal/conversation"
	"github.com/founderport/angel/internal/domain"
)

type preferencesResponse struct {
	// FeedbackIntensity is the advisor critique level, 0 (off) to 10
	// (mentor-level challenge).
	FeedbackIntensity int `json:"feedback_intensity"`
}

// GetPreferences returns the session's conversation preferences.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	intensity := conversation.DefaultFeedbackIntensity
	if sess.BusinessContext.FeedbackIntensity != nil {
		intensity = *sess.BusinessContext.FeedbackIntensity
	}
	JSON(w, http.StatusOK, preferencesResponse{FeedbackIntensity: intensity})
}

type feedbackIntensityRequest struct {
	Intensity int `json:"intensity"`
}

// SetFeedbackIntensity updates how hard the advisor critiques answers.
func (h *Handler) SetFeedbackIntensity(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}

	var req feedbackIntensityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Intensity < 0 || req.Intensity > 10 {
		Error(w, http.StatusBadRequest, "intensity must be between 0 and 10")
		return
	}

	bc := sess.BusinessContext
	bc.FeedbackIntensity = &req.Intensity
	patch := domain.SessionPatch{BusinessContext: &bc}
	if err := h.repo.PatchSession(r.Context(), sess.ID, sess.Version, patch); err != nil {
		writeDomainError(w, err)
		return
	}

	JSON(w, http.StatusOK, preferencesResponse{FeedbackIntensity: req.Intensity})
}
