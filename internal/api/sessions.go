package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/founderport/angel/internal/conversation"
	"github.com/founderport/angel/internal/domain"
	"github.com/founderport/angel/internal/identity"
)

type createSessionRequest struct {
	Title string `json:"title"`
	// UploadedPlanMode with MissingQuestions seeds a session from an
	// existing plan document: only the listed questions are still owed.
	UploadedPlanMode bool  `json:"uploaded_plan_mode"`
	MissingQuestions []int `json:"missing_questions"`
}

type sessionResponse struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	CurrentPhase  string          `json:"current_phase"`
	AskedQuestion string          `json:"asked_question,omitempty"`
	AnsweredCount int             `json:"answered_count"`
	Progress      progressPayload `json:"progress"`
	HasSummary    bool            `json:"has_summary"`
	HasArtifact   bool            `json:"has_artifact"`
	HasRoadmap    bool            `json:"has_roadmap"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func toSessionResponse(s *domain.Session) sessionResponse {
	resp := sessionResponse{
		ID:            s.ID,
		Title:         s.Title,
		CurrentPhase:  s.CurrentPhase.String(),
		AnsweredCount: s.AnsweredCount,
		Progress: progressPayload{
			Progress: conversation.PhaseProgress(s.CurrentPhase, s.AnsweredCount, s.AskedQ),
		},
		HasSummary:  s.BusinessPlanSummary != "",
		HasArtifact: s.BusinessPlanArtifact != "",
		HasRoadmap:  s.RoadmapContent != "",
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
	if s.AskedQ != nil {
		resp.AskedQuestion = s.AskedQ.String()
	}
	switch s.CurrentPhase {
	case domain.PhaseKYC, domain.PhaseBusinessPlanIntro, domain.PhaseBusinessPlan:
		overall := conversation.CombinedProgress(s.CurrentPhase, s.AnsweredCount, s.AskedQ)
		resp.Progress.OverallProgress = &overall
	}
	return resp
}

// CreateSession starts a new conversation in the onboarding phase.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	var req createSessionRequest
	if r.Body != nil {
		// An empty body starts a default session.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	for _, n := range req.MissingQuestions {
		if n < 1 || n > domain.PhaseBusinessPlan.Questions() {
			Error(w, http.StatusBadRequest, "missing_questions entries must be valid question numbers")
			return
		}
	}
	if len(req.MissingQuestions) > 0 && !req.UploadedPlanMode {
		Error(w, http.StatusBadRequest, "missing_questions requires uploaded_plan_mode")
		return
	}

	title := req.Title
	if title == "" {
		title = "New Business Plan"
	}

	now := time.Now()
	sess := &domain.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Title:        title,
		CurrentPhase: domain.PhaseKYC,
		BusinessContext: domain.BusinessContext{
			UploadedPlanMode: req.UploadedPlanMode,
			MissingQuestions: req.MissingQuestions,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.repo.CreateSession(r.Context(), sess); err != nil {
		slog.Error("failed to create session", "error", err)
		writeDomainError(w, err)
		return
	}

	JSON(w, http.StatusCreated, toSessionResponse(sess))
}

// ListSessions returns the caller's sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessions, err := h.repo.ListSessions(r.Context(), userID)
	if err != nil {
		slog.Error("failed to list sessions", "error", err)
		writeDomainError(w, err)
		return
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, toSessionResponse(s))
	}
	JSON(w, http.StatusOK, resp)
}

// GetSession returns one session with its progress snapshot.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, toSessionResponse(sess))
}

type messageResponse struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Phase     string    `json:"phase"`
	CreatedAt time.Time `json:"created_at"`
}

func toMessageResponses(msgs []domain.ChatMessage) []messageResponse {
	resp := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, messageResponse{
			ID:        m.ID,
			Role:      m.Role,
			Content:   domain.StripMarkers(m.Content),
			Phase:     m.Phase.String(),
			CreatedAt: m.CreatedAt,
		})
	}
	return resp
}

// GetHistory returns the full conversation transcript. Tag markers are
// internal bookkeeping and are stripped from the transport representation.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	msgs, err := h.repo.FetchHistory(r.Context(), sess.ID)
	if err != nil {
		slog.Error("failed to fetch history", "error", err, "session_id", sess.ID)
		writeDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, toMessageResponses(msgs))
}

// GetPhaseHistory returns a page of transcript records for one phase.
func (h *Handler) GetPhaseHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	phase, ok := domain.ParsePhase(chi.URLParam(r, "phase"))
	if !ok {
		Error(w, http.StatusBadRequest, "unknown phase")
		return
	}

	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	msgs, err := h.repo.FetchPhaseHistory(r.Context(), sess.ID, phase, offset, limit)
	if err != nil {
		slog.Error("failed to fetch phase history", "error", err, "session_id", sess.ID)
		writeDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"messages": toMessageResponses(msgs),
		"offset":   offset,
		"limit":    limit,
	})
}

// GetBusinessContext returns captured context facts. With ?refresh=1 the
// facts are rebuilt from the transcript and persisted.
func (h *Handler) GetBusinessContext(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}

	bc := sess.BusinessContext
	if r.URL.Query().Get("refresh") == "1" {
		msgs, err := h.repo.FetchHistory(r.Context(), sess.ID)
		if err != nil {
			slog.Error("failed to fetch history", "error", err, "session_id", sess.ID)
			writeDomainError(w, err)
			return
		}
		bc = conversation.ExtractBusinessContext(msgs, bc)
		patch := domain.SessionPatch{BusinessContext: &bc}
		if err := h.repo.PatchSession(r.Context(), sess.ID, sess.Version, patch); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	JSON(w, http.StatusOK, bc)
}

type syncProgressRequest struct {
	Phase    string `json:"phase"`
	Question int    `json:"question"`
}

// SyncProgress lets a client reconcile the server's question pointer with
// its own, forward-only: a target behind the stored pointer is a no-op, so
// replayed or out-of-date sync calls can never rewind progress.
func (h *Handler) SyncProgress(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadSession(w, r)
	if !ok {
		return
	}

	var req syncProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	phase, okPhase := domain.ParsePhase(req.Phase)
	target := domain.Tag{Phase: phase, Number: req.Question}
	if !okPhase || !target.Valid() || phase.IsTransition() {
		Error(w, http.StatusBadRequest, "invalid phase/question target")
		return
	}

	if !isForward(sess, target) {
		// Nothing to do; report current state.
		JSON(w, http.StatusOK, toSessionResponse(sess))
		return
	}

	answered := target.Number - 1
	patch := domain.SessionPatch{
		CurrentPhase:  &phase,
		AskedQ:        &target,
		AnsweredCount: &answered,
	}
	if err := h.repo.PatchSession(r.Context(), sess.ID, sess.Version, patch); err != nil {
		writeDomainError(w, err)
		return
	}
	patch.Apply(sess)
	JSON(w, http.StatusOK, toSessionResponse(sess))
}

func isForward(sess *domain.Session, target domain.Tag) bool {
	if sess.CurrentPhase.Before(target.Phase) {
		return true
	}
	if sess.CurrentPhase != target.Phase {
		return false
	}
	if sess.AskedQ == nil {
		return true
	}
	return target.Number > sess.AskedQ.Number
}

// GetStats reports tag correction counters.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.orch.StatsSnapshot())
}

// loadSession fetches the session named in the URL, scoped to the caller.
func (h *Handler) loadSession(w http.ResponseWriter, r *http.Request) (*domain.Session, bool) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := h.repo.GetSession(r.Context(), sessionID, userID)
	if err != nil {
		writeDomainError(w, err)
		return nil, false
	}
	return sess, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
