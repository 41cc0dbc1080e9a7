package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/founderport/angel/internal/conversation"
	"github.com/founderport/angel/internal/domain"
	"github.com/founderport/angel/internal/identity"
)

type chatRequest struct {
	Message string `json:"message"`
}

// progressPayload nests the combined bar inside the per-phase snapshot, so
// clients read one progress object per response.
type progressPayload struct {
	conversation.Progress
	OverallProgress *conversation.Progress `json:"overall_progress,omitempty"`
}

type turnResponse struct {
	Reply           string          `json:"reply"`
	Kind            string          `json:"kind"`
	Progress        progressPayload `json:"progress"`
	TransitionPhase string          `json:"transition_phase,omitempty"`
	// ShowAcceptModify is always present; a transition reply with the flag
	// absent would be ambiguous to clients.
	ShowAcceptModify bool `json:"show_accept_modify"`
	QuestionNumber   int  `json:"question_number,omitempty"`
}

func kindName(k conversation.ResponseKind) string {
	switch k {
	case conversation.KindNewQuestion:
		return "new_question"
	case conversation.KindCommand:
		return "command"
	case conversation.KindSectionSummary:
		return "section_summary"
	case conversation.KindTransition:
		return "transition"
	case conversation.KindAcknowledgment:
		return "acknowledgment"
	default:
		return "unknown"
	}
}

func toTurnResponse(res *conversation.TurnResult) turnResponse {
	return turnResponse{
		Reply:            res.Reply,
		Kind:             kindName(res.Kind),
		Progress:         progressPayload{Progress: res.Progress, OverallProgress: res.Overall},
		TransitionPhase:  res.TransitionPhase,
		ShowAcceptModify: res.ShowAcceptModify,
		QuestionNumber:   res.QuestionNumber,
	}
}

// Chat runs one conversation turn.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := sessionIDParam(r)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Message) > 32<<10 {
		Error(w, http.StatusRequestEntityTooLarge, "message too long")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.generationTimeout)
	defer cancel()

	res, err := h.orch.HandleTurn(ctx, sessionID, userID, req.Message)
	if err != nil {
		slog.Error("chat turn failed", "error", err, "session_id", sessionID)
		writeDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, toTurnResponse(res))
}

// GoBack rewinds the conversation by one question.
func (h *Handler) GoBack(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := sessionIDParam(r)

	res, err := h.orch.GoBack(r.Context(), sessionID, userID)
	if err != nil {
		slog.Warn("go-back failed", "error", err, "session_id", sessionID)
		writeDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, toTurnResponse(res))
}

type transitionDecisionRequest struct {
	Decision string `json:"decision"` // "approve" or "revisit"
	// TargetQuestion picks the question to return to on revisit; zero
	// means stay at the stored pointer.
	TargetQuestion int `json:"target_question"`
}

type transitionResponse struct {
	CurrentPhase string                `json:"current_phase"`
	Progress     conversation.Progress `json:"progress"`
	Content      string                `json:"content,omitempty"`
}

// TransitionDecision applies an approve/revisit choice on the summary and
// budget screens. Approving the budget screen generates the roadmap, which
// is the subscription-gated step.
func (h *Handler) TransitionDecision(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}

	var req transitionDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Decision {
	case "approve":
		h.approveTransition(w, r, sess)
	case "revisit":
		h.revisitTransition(w, r, sess, req.TargetQuestion)
	default:
		Error(w, http.StatusBadRequest, `decision must be "approve" or "revisit"`)
	}
}

func (h *Handler) approveTransition(w http.ResponseWriter, r *http.Request, sess *domain.Session) {
	ctrl := h.orch.Controller()
	tr, err := ctrl.Fire(r.Context(), sess, conversation.EventApproved)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.generationTimeout)
	defer cancel()

	var content string
	switch tr.Effect {
	case conversation.EffectComputeBudget:
		history, herr := h.repo.FetchHistory(ctx, sess.ID)
		if herr != nil {
			writeDomainError(w, herr)
			return
		}
		content, err = h.orch.Plans().Budget(ctx, sess, history)
		if err != nil {
			slog.Error("budget generation failed", "error", err, "session_id", sess.ID)
			Error(w, http.StatusBadGateway, "budget generation failed, please retry")
			return
		}
	case conversation.EffectGenerateRoadmap:
		history, herr := h.repo.FetchHistory(ctx, sess.ID)
		if herr != nil {
			writeDomainError(w, herr)
			return
		}
		content, err = h.orch.Plans().Roadmap(ctx, sess, history)
		if err != nil {
			slog.Error("roadmap generation failed", "error", err, "session_id", sess.ID)
			Error(w, http.StatusBadGateway, "roadmap generation failed, please retry")
			return
		}
		now := time.Now()
		tr.Patch.RoadmapContent = &content
		tr.Patch.RoadmapGeneratedAt = &now
	}

	if err := h.repo.PatchSession(ctx, sess.ID, sess.Version, tr.Patch); err != nil {
		writeDomainError(w, err)
		return
	}
	tr.Patch.Apply(sess)
	sess.Version++

	// Roadmap generation completes immediately, so advance to the
	// generated state in the same request.
	if tr.Effect == conversation.EffectGenerateRoadmap {
		next, err := ctrl.Fire(ctx, sess, conversation.EventRoadmapGenerated)
		if err == nil {
			if perr := h.repo.PatchSession(ctx, sess.ID, sess.Version, next.Patch); perr != nil {
				writeDomainError(w, perr)
				return
			}
			next.Patch.Apply(sess)
			sess.Version++
		}
	}

	JSON(w, http.StatusOK, transitionResponse{
		CurrentPhase: sess.CurrentPhase.String(),
		Progress:     conversation.PhaseProgress(sess.CurrentPhase, sess.AnsweredCount, sess.AskedQ),
		Content:      content,
	})
}

func (h *Handler) revisitTransition(w http.ResponseWriter, r *http.Request, sess *domain.Session, target int) {
	ctrl := h.orch.Controller()
	tr, err := ctrl.Fire(r.Context(), sess, conversation.EventRevisit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	patch := tr.Patch
	if target > 0 {
		patch = ctrl.RevisitPatch(target)
	}
	if err := h.repo.PatchSession(r.Context(), sess.ID, sess.Version, patch); err != nil {
		writeDomainError(w, err)
		return
	}
	patch.Apply(sess)

	JSON(w, http.StatusOK, transitionResponse{
		CurrentPhase: sess.CurrentPhase.String(),
		Progress:     conversation.PhaseProgress(sess.CurrentPhase, sess.AnsweredCount, sess.AskedQ),
	})
}

// StartImplementation moves a roadmap session to the implementation
// confirmation step. Subscription-gated.
func (h *Handler) StartImplementation(w http.ResponseWriter, r *http.Request) {
	h.fireSimple(w, r, conversation.EventImplementationRequested)
}

// ConfirmImplementation confirms the start and opens the implementation
// questionnaire at its first question.
func (h *Handler) ConfirmImplementation(w http.ResponseWriter, r *http.Request) {
	h.fireSimple(w, r, conversation.EventConfirmed)
}

func (h *Handler) fireSimple(w http.ResponseWriter, r *http.Request, ev conversation.Event) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}

	tr, err := h.orch.Controller().Fire(r.Context(), sess, ev)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.repo.PatchSession(r.Context(), sess.ID, sess.Version, tr.Patch); err != nil {
		writeDomainError(w, err)
		return
	}
	tr.Patch.Apply(sess)

	JSON(w, http.StatusOK, transitionResponse{
		CurrentPhase: sess.CurrentPhase.String(),
		Progress:     conversation.PhaseProgress(sess.CurrentPhase, sess.AnsweredCount, sess.AskedQ),
	})
}

func sessionIDParam(r *http.Request) string {
	return chi.URLParam(r, "sessionID")
}
