package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/founderport/angel/internal/domain"
)

type documentResponse struct {
	Content     string     `json:"content"`
	GeneratedAt *time.Time `json:"generated_at,omitempty"`
}

// GetBusinessPlanSummary returns the stored plan review summary.
func (h *Handler) GetBusinessPlanSummary(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	if sess.BusinessPlanSummary == "" {
		Error(w, http.StatusNotFound, "summary not generated yet")
		return
	}
	JSON(w, http.StatusOK, documentResponse{Content: sess.BusinessPlanSummary})
}

// GetBusinessPlanArtifact returns the full plan document, generating and
// caching it on first request. The heavy artifact is never produced as a
// side effect of finishing the questionnaire.
func (h *Handler) GetBusinessPlanArtifact(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	if sess.BusinessPlanArtifact != "" {
		JSON(w, http.StatusOK, documentResponse{
			Content:     sess.BusinessPlanArtifact,
			GeneratedAt: sess.ArtifactGeneratedAt,
		})
		return
	}

	if sess.CurrentPhase.Before(domain.PhasePlanToSummary) {
		Error(w, http.StatusConflict, "business plan questionnaire is not complete")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.generationTimeout)
	defer cancel()

	history, err := h.repo.FetchHistory(ctx, sess.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	artifact, err := h.orch.Plans().Artifact(ctx, sess, history)
	if err != nil {
		slog.Error("artifact generation failed", "error", err, "session_id", sess.ID)
		Error(w, http.StatusBadGateway, "document generation failed, please retry")
		return
	}

	now := time.Now()
	patch := domain.SessionPatch{
		BusinessPlanArtifact: &artifact,
		ArtifactGeneratedAt:  &now,
	}
	if err := h.repo.PatchSession(ctx, sess.ID, sess.Version, patch); err != nil {
		writeDomainError(w, err)
		return
	}

	JSON(w, http.StatusOK, documentResponse{Content: artifact, GeneratedAt: &now})
}

// GetRoadmapPlan returns the stored roadmap document.
func (h *Handler) GetRoadmapPlan(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	if sess.RoadmapContent == "" {
		Error(w, http.StatusNotFound, "roadmap not generated yet")
		return
	}
	JSON(w, http.StatusOK, documentResponse{
		Content:     sess.RoadmapContent,
		GeneratedAt: sess.RoadmapGeneratedAt,
	})
}
