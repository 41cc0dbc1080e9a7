package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/founderport/angel/internal/domain"
	"github.com/founderport/angel/internal/entitlement"
	"github.com/founderport/angel/internal/llm"
	"github.com/founderport/angel/internal/plan"
	"github.com/founderport/angel/internal/store"
)

type fakeRepo struct {
	sessions map[string]*domain.Session
	messages []domain.ChatMessage
	nextID   int64
	patchErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: make(map[string]*domain.Session)}
}

func (r *fakeRepo) CreateSession(_ context.Context, s *domain.Session) error {
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *fakeRepo) GetSession(_ context.Context, sessionID, userID string) (*domain.Session, error) {
	s, ok := r.sessions[sessionID]
	if !ok || s.UserID != userID {
		return nil, store.ErrSessionNotFound
	}
	cp := *s
	if s.AskedQ != nil {
		t := *s.AskedQ
		cp.AskedQ = &t
	}
	return &cp, nil
}

func (r *fakeRepo) ListSessions(_ context.Context, userID string) ([]*domain.Session, error) {
	var out []*domain.Session
	for _, s := range r.sessions {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRepo) PatchSession(_ context.Context, sessionID string, expectedVersion int64, patch domain.SessionPatch) error {
	if r.patchErr != nil {
		return r.patchErr
	}
	s, ok := r.sessions[sessionID]
	if !ok {
		return store.ErrSessionNotFound
	}
	if s.Version != expectedVersion {
		return store.ErrStaleSession
	}
	patch.Apply(s)
	s.Version++
	return nil
}

func (r *fakeRepo) FetchHistory(_ context.Context, sessionID string) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	for _, m := range r.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *fakeRepo) FetchPhaseHistory(_ context.Context, sessionID string, phase domain.Phase, offset, limit int) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	for _, m := range r.messages {
		if m.SessionID == sessionID && m.Phase == phase {
			out = append(out, m)
		}
	}
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) AppendMessage(_ context.Context, msg *domain.ChatMessage) error {
	r.nextID++
	msg.ID = r.nextID
	r.messages = append(r.messages, *msg)
	return nil
}

func (r *fakeRepo) DeleteMessages(_ context.Context, sessionID string, ids []int64) error {
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var kept []domain.ChatMessage
	for _, m := range r.messages {
		if m.SessionID == sessionID && drop[m.ID] {
			continue
		}
		kept = append(kept, m)
	}
	r.messages = kept
	return nil
}

func (r *fakeRepo) Ping(context.Context) error { return nil }
func (r *fakeRepo) Close() error               { return nil }

// fakeGen returns queued replies in order, then repeats the last one.
type fakeGen struct {
	replies    []string
	err        error
	calls      int
	lastSystem string
}

func (g *fakeGen) Generate(_ context.Context, system string, _ []domain.ChatMessage, _ string, _ llm.Constraints) (string, error) {
	g.calls++
	g.lastSystem = system
	if g.err != nil {
		return "", g.err
	}
	if len(g.replies) == 0 {
		return "ok", nil
	}
	reply := g.replies[0]
	if len(g.replies) > 1 {
		g.replies = g.replies[1:]
	}
	return reply, nil
}

func newTestOrchestrator(repo *fakeRepo, gen *fakeGen) *Orchestrator {
	ctrl := NewController(entitlement.Static{Active: true})
	return NewOrchestrator(repo, gen, nil, ctrl, plan.NewService(gen), "test system")
}

func seedSession(t *testing.T, repo *fakeRepo, phase domain.Phase, tag *domain.Tag, answered int) *domain.Session {
	t.Helper()
	s := &domain.Session{
		ID:            "s1",
		UserID:        "u1",
		CurrentPhase:  phase,
		AskedQ:        tag,
		AnsweredCount: answered,
		Version:       1,
	}
	if err := repo.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return s
}

func questionReply(phase domain.Phase, n int) string {
	return fmt.Sprintf("Nice. Next question.\n\n%s", domain.Tag{Phase: phase, Number: n}.Marker())
}

func TestHandleTurnAdvancesSequentially(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGen{replies: []string{questionReply(domain.PhaseKYC, 3)}}
	o := newTestOrchestrator(repo, gen)
	seedSession(t, repo, domain.PhaseKYC, &domain.Tag{Phase: domain.PhaseKYC, Number: 2}, 1)

	res, err := o.HandleTurn(context.Background(), "s1", "u1", "my answer")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.Kind != KindNewQuestion || res.QuestionNumber != 3 {
		t.Fatalf("got kind=%v question=%d, want new question 3", res.Kind, res.QuestionNumber)
	}
	if strings.Contains(res.Reply, "[[Q:") {
		t.Fatalf("display reply leaked a tag marker: %q", res.Reply)
	}

	s := repo.sessions["s1"]
	if s.AskedQ == nil || s.AskedQ.Number != 3 || s.AnsweredCount != 2 {
		t.Fatalf("state = %+v count=%d, want KYC.03 count=2", s.AskedQ, s.AnsweredCount)
	}
	if len(repo.messages) != 2 {
		t.Fatalf("got %d history records, want user+assistant", len(repo.messages))
	}
	// History keeps the marker so the question can be located by go-back.
	if !strings.Contains(repo.messages[1].Content, "[[Q:KYC.03]]") {
		t.Fatalf("assistant history lost its marker: %q", repo.messages[1].Content)
	}
}

func TestHandleTurnRepeatTagDoesNotIncrement(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGen{replies: []string{questionReply(domain.PhaseKYC, 2)}}
	o := newTestOrchestrator(repo, gen)
	seedSession(t, repo, domain.PhaseKYC, &domain.Tag{Phase: domain.PhaseKYC, Number: 2}, 1)

	if _, err := o.HandleTurn(context.Background(), "s1", "u1", "can you clarify?"); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	s := repo.sessions["s1"]
	if s.AnsweredCount != 1 || s.AskedQ.Number != 2 {
		t.Fatalf("clarification advanced state: count=%d tag=%v", s.AnsweredCount, s.AskedQ)
	}
}

func TestHandleTurnCorrectsOutOfSequenceTag(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGen{replies: []string{questionReply(domain.PhaseBusinessPlan, 9)}}
	o := newTestOrchestrator(repo, gen)
	seedSession(t, repo, domain.PhaseBusinessPlan, &domain.Tag{Phase: domain.PhaseBusinessPlan, Number: 5}, 4)

	res, err := o.HandleTurn(context.Background(), "s1", "u1", "answer to five")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.QuestionNumber != 6 {
		t.Fatalf("undeclared skip not corrected: got question %d, want 6", res.QuestionNumber)
	}
	if got := o.StatsSnapshot().Corrected; got != 1 {
		t.Fatalf("corrected counter = %d, want 1", got)
	}
	if !strings.Contains(repo.messages[1].Content, "[[Q:BUSINESS_PLAN.06]]") {
		t.Fatalf("persisted reply keeps the wrong tag: %q", repo.messages[1].Content)
	}
}

func TestHandleTurnForcesMissingTag(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGen{replies: []string{"Great answer! Let me think about that."}}
	o := newTestOrchestrator(repo, gen)
	seedSession(t, repo, domain.PhaseKYC, &domain.Tag{Phase: domain.PhaseKYC, Number: 1}, 0)

	res, err := o.HandleTurn(context.Background(), "s1", "u1", "answer")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.QuestionNumber != 2 {
		t.Fatalf("got question %d, want forced 2", res.QuestionNumber)
	}
	if got := o.StatsSnapshot().Forced; got != 1 {
		t.Fatalf("forced counter = %d, want 1", got)
	}
}

func TestHandleTurnStripsMetaNoise(t *testing.T) {
	repo := newFakeRepo()
	noisy := "Please hold on while I research that for you.\nGood answer. Question 3 of 6 (50%): What is your market?\n\n[[Q:KYC.03]]"
	gen := &fakeGen{replies: []string{noisy}}
	o := newTestOrchestrator(repo, gen)
	seedSession(t, repo, domain.PhaseKYC, &domain.Tag{Phase: domain.PhaseKYC, Number: 2}, 1)

	res, err := o.HandleTurn(context.Background(), "s1", "u1", "my answer")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if strings.Contains(strings.ToLower(res.Reply), "hold on") {
		t.Fatalf("hold-on boilerplate survived: %q", res.Reply)
	}
	if strings.Contains(res.Reply, "Question 3 of 6") {
		t.Fatalf("inline progress announcement survived: %q", res.Reply)
	}
	if res.QuestionNumber != 3 {
		t.Fatalf("question = %d, want 3", res.QuestionNumber)
	}
	// The persisted record is cleaned too, not just the display copy.
	if strings.Contains(strings.ToLower(repo.messages[1].Content), "hold on") {
		t.Fatalf("persisted reply kept the boilerplate: %q", repo.messages[1].Content)
	}
}

func TestHandleTurnTruncatesMultiTagReply(t *testing.T) {
	repo := newFakeRepo()
	multi := "First.\n\n[[Q:KYC.02]]\n\nAnd also.\n\n[[Q:KYC.03]]"
	gen := &fakeGen{replies: []string{multi}}
	o := newTestOrchestrator(repo, gen)
	seedSession(t, repo, domain.PhaseKYC, &domain.Tag{Phase: domain.PhaseKYC, Number: 1}, 0)

	res, err := o.HandleTurn(context.Background(), "s1", "u1", "answer")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.QuestionNumber != 2 {
		t.Fatalf("got question %d, want 2", res.QuestionNumber)
	}
	if strings.Contains(repo.messages[1].Content, "KYC.03") {
		t.Fatalf("second tag survived truncation: %q", repo.messages[1].Content)
	}
}

func TestHandleTurnEmptyMessageIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGen{}
	o := newTestOrchestrator(repo, gen)
	seedSession(t, repo, domain.PhaseKYC, &domain.Tag{Phase: domain.PhaseKYC, Number: 3}, 2)
	repo.messages = append(repo.messages, domain.ChatMessage{
		ID: 1, SessionID: "s1", Role: domain.RoleAssistant,
		Content: "What is your budget?\n\n[[Q:KYC.03]]", Phase: domain.PhaseKYC,
	})

	first, err := o.HandleTurn(context.Background(), "s1", "u1", "   ")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	second, err := o.HandleTurn(context.Background(), "s1", "u1", "")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if first.Reply != second.Reply || first.Reply != "What is your budget?" {
		t.Fatalf("re-display not idempotent: %q vs %q", first.Reply, second.Reply)
	}
	if gen.calls != 0 {
		t.Fatalf("re-display called the generator %d times", gen.calls)
	}
	if repo.sessions["s1"].Version != 1 {
		t.Fatal("re-display mutated session state")
	}
}

func TestHandleTurnGenerationFailureLeavesState(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGen{err: errors.New("model unavailable")}
	o := newTestOrchestrator(repo, gen)
	seedSession(t, repo, domain.PhaseKYC, &domain.Tag{Phase: domain.PhaseKYC, Number: 2}, 1)

	_, err := o.HandleTurn(context.Background(), "s1", "u1", "answer")
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("err = %v, want ErrGenerationFailed", err)
	}
	s := repo.sessions["s1"]
	if s.Version != 1 || s.AnsweredCount != 1 || len(repo.messages) != 0 {
		t.Fatal("failed generation mutated persisted state")
	}
}

func TestHandleTurnStaleSessionSkipsHistory(t *testing.T) {
	repo := newFakeRepo()
	repo.patchErr = store.ErrStaleSession
	gen := &fakeGen{replies: []string{questionReply(domain.PhaseKYC, 3)}}
	o := newTestOrchestrator(repo, gen)
	seedSession(t, repo, domain.PhaseKYC, &domain.Tag{Phase: domain.PhaseKYC, Number: 2}, 1)

	_, err := o.HandleTurn(context.Background(), "s1", "u1", "answer")
	if !errors.Is(err, store.ErrStaleSession) {
		t.Fatalf("err = %v, want ErrStaleSession", err)
	}
	if len(repo.messages) != 0 {
		t.Fatal("losing writer still appended history")
	}
}

func TestHandleTurnBlocksChatDuringTransition(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGen{}
	o := newTestOrchestrator(repo, gen)
	seedSession(t, repo, domain.PhasePlanToSummary, &domain.Tag{Phase: domain.PhaseBusinessPlan, Number: 45}, 45)

	res, err := o.HandleTurn(context.Background(), "s1", "u1", "hello?")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.Kind != KindTransition || res.Progress.Percent != 100 {
		t.Fatalf("got kind=%v percent=%d, want transition at 100%%", res.Kind, res.Progress.Percent)
	}
	if gen.calls != 0 || repo.sessions["s1"].Version != 1 {
		t.Fatal("blocked turn still generated or mutated state")
	}
}

func TestHandleTurnInvalidPhaseState(t *testing.T) {
	repo := newFakeRepo()
	o := newTestOrchestrator(repo, &fakeGen{})
	seedSession(t, repo, domain.PhaseKYC, &domain.Tag{Phase: domain.PhaseBusinessPlan, Number: 9}, 3)

	_, err := o.HandleTurn(context.Background(), "s1", "u1", "answer")
	if !errors.Is(err, ErrInvalidPhaseState) {
		t.Fatalf("err = %v, want ErrInvalidPhaseState", err)
	}
	if repo.sessions["s1"].Version != 1 {
		t.Fatal("corrupt session was written to")
	}
}

func TestHandleTurnKYCCompletionEntersIntro(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGen{replies: []string{"Here's what I learned about you. Ready to dive into the plan?"}}
	o := newTestOrchestrator(repo, gen)
	seedSession(t, repo, domain.PhaseKYC, &domain.Tag{Phase: domain.PhaseKYC, Number: 6}, 5)

	res, err := o.HandleTurn(context.Background(), "s1", "u1", "final onboarding answer")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.Kind != KindTransition {
		t.Fatalf("kind = %v, want transition", res.Kind)
	}
	s := repo.sessions["s1"]
	if s.CurrentPhase != domain.PhaseBusinessPlanIntro || s.AnsweredCount != 6 {
		t.Fatalf("phase=%s count=%d, want intro with all 6 answered", s.CurrentPhase, s.AnsweredCount)
	}
	if s.AskedQ == nil || !s.AskedQ.Ack {
		t.Fatalf("asked_q = %v, want acknowledgment-only KYC.06", s.AskedQ)
	}
}

func TestHandleTurnIntroAckServesFirstPlanQuestion(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGen{replies: []string{questionReply(domain.PhaseBusinessPlan, 1)}}
	o := newTestOrchestrator(repo, gen)
	ack := domain.Tag{Phase: domain.PhaseKYC, Number: 6, Ack: true}
	seedSession(t, repo, domain.PhaseBusinessPlanIntro, &ack, 6)

	res, err := o.HandleTurn(context.Background(), "s1", "u1", "let's go")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.QuestionNumber != 1 {
		t.Fatalf("question = %d, want 1", res.QuestionNumber)
	}
	s := repo.sessions["s1"]
	if s.CurrentPhase != domain.PhaseBusinessPlan || s.AskedQ.Number != 1 || s.AnsweredCount != 0 {
		t.Fatalf("state after intro ack: phase=%s tag=%v count=%d", s.CurrentPhase, s.AskedQ, s.AnsweredCount)
	}
}

func TestHandleTurnSectionSummaryHoldsNextQuestion(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGen{replies: []string{
		"Section recap: here is what we covered. Say ok to continue.",
		questionReply(domain.PhaseBusinessPlan, 5),
	}}
	o := newTestOrchestrator(repo, gen)
	seedSession(t, repo, domain.PhaseBusinessPlan, &domain.Tag{Phase: domain.PhaseBusinessPlan, Number: 4}, 3)

	res, err := o.HandleTurn(context.Background(), "s1", "u1", "answer to four")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.Kind != KindSectionSummary {
		t.Fatalf("kind = %v, want section summary", res.Kind)
	}
	s := repo.sessions["s1"]
	if !s.AskedQ.Ack || s.AskedQ.Number != 4 || s.AnsweredCount != 4 {
		t.Fatalf("after summary: tag=%v count=%d, want 4_ACK count=4", s.AskedQ, s.AnsweredCount)
	}

	// Accepting the summary serves question five without double-counting.
	res, err = o.HandleTurn(context.Background(), "s1", "u1", "ok")
	if err != nil {
		t.Fatalf("HandleTurn accept: %v", err)
	}
	if res.QuestionNumber != 5 {
		t.Fatalf("question = %d, want 5", res.QuestionNumber)
	}
	s = repo.sessions["s1"]
	if s.AskedQ.Ack || s.AskedQ.Number != 5 || s.AnsweredCount != 4 {
		t.Fatalf("after accept: tag=%v count=%d, want 5 count=4", s.AskedQ, s.AnsweredCount)
	}
}

func TestHandleTurnPlanCompletionGeneratesSummary(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGen{replies: []string{"## Business Plan Review\nLooks solid."}}
	o := newTestOrchestrator(repo, gen)
	seedSession(t, repo, domain.PhaseBusinessPlan, &domain.Tag{Phase: domain.PhaseBusinessPlan, Number: 45}, 44)

	res, err := o.HandleTurn(context.Background(), "s1", "u1", "final answer")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.Kind != KindTransition || !res.ShowAcceptModify {
		t.Fatalf("got kind=%v accept=%v, want transition with accept/modify", res.Kind, res.ShowAcceptModify)
	}
	s := repo.sessions["s1"]
	if s.CurrentPhase != domain.PhasePlanToSummary || s.BusinessPlanSummary == "" {
		t.Fatalf("phase=%s summary=%q, want summary transition with stored summary", s.CurrentPhase, s.BusinessPlanSummary)
	}
	if s.AskedQ.Number != 45 {
		t.Fatalf("asked_q = %v, want untouched 45", s.AskedQ)
	}
}

func TestHandleTurnMissingQuestionJump(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGen{replies: []string{questionReply(domain.PhaseBusinessPlan, 11)}}
	o := newTestOrchestrator(repo, gen)
	s := seedSession(t, repo, domain.PhaseBusinessPlan, &domain.Tag{Phase: domain.PhaseBusinessPlan, Number: 3}, 2)
	s.BusinessContext = domain.BusinessContext{
		UploadedPlanMode: true,
		MissingQuestions: []int{11, 20},
		HighWater:        3,
	}
	repo.sessions["s1"] = s

	res, err := o.HandleTurn(context.Background(), "s1", "u1", "answer")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.QuestionNumber != 11 {
		t.Fatalf("declared jump rejected: question = %d", res.QuestionNumber)
	}
	got := repo.sessions["s1"].BusinessContext
	if len(got.MissingQuestions) != 1 || got.MissingQuestions[0] != 20 {
		t.Fatalf("missing set = %v, want [20]", got.MissingQuestions)
	}
	if got.HighWater != 11 {
		t.Fatalf("high water = %d, want 11", got.HighWater)
	}
}

func TestHandleTurnResumesFromHighWater(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGen{replies: []string{questionReply(domain.PhaseBusinessPlan, 31)}}
	o := newTestOrchestrator(repo, gen)
	s := seedSession(t, repo, domain.PhaseBusinessPlan, &domain.Tag{Phase: domain.PhaseBusinessPlan, Number: 8}, 30)
	s.BusinessContext = domain.BusinessContext{UploadedPlanMode: true, HighWater: 30}
	repo.sessions["s1"] = s

	res, err := o.HandleTurn(context.Background(), "s1", "u1", "answer to owed question")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.QuestionNumber != 31 {
		t.Fatalf("question = %d, want resume at 31", res.QuestionNumber)
	}
	if o.StatsSnapshot().Corrected != 0 {
		t.Fatal("legitimate resume was counted as a correction")
	}
}

func TestHandleTurnAppliesFeedbackIntensity(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGen{replies: []string{questionReply(domain.PhaseKYC, 3)}}
	o := newTestOrchestrator(repo, gen)
	seedSession(t, repo, domain.PhaseKYC, &domain.Tag{Phase: domain.PhaseKYC, Number: 2}, 1)

	if _, err := o.HandleTurn(context.Background(), "s1", "u1", "answer"); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if !strings.Contains(gen.lastSystem, "Feedback style: balanced") {
		t.Fatalf("system prompt lacks the default critique band: %q", gen.lastSystem)
	}

	ten := 10
	repo.sessions["s1"].BusinessContext.FeedbackIntensity = &ten
	gen.replies = []string{questionReply(domain.PhaseKYC, 4)}
	if _, err := o.HandleTurn(context.Background(), "s1", "u1", "next answer"); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if !strings.Contains(gen.lastSystem, "Feedback style: mentor-level") {
		t.Fatalf("system prompt ignored the stored intensity: %q", gen.lastSystem)
	}
}

func TestHandleTurnCommandLeavesPointerAlone(t *testing.T) {
	repo := newFakeRepo()
	gen := &fakeGen{replies: []string{"A thoughtful draft answer.\n\n[[Q:KYC.05]]"}}
	o := newTestOrchestrator(repo, gen)
	seedSession(t, repo, domain.PhaseKYC, &domain.Tag{Phase: domain.PhaseKYC, Number: 3}, 2)

	res, err := o.HandleTurn(context.Background(), "s1", "u1", "draft")
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.Kind != KindCommand || !res.ShowAcceptModify {
		t.Fatalf("got kind=%v accept=%v, want command with accept/modify", res.Kind, res.ShowAcceptModify)
	}
	if strings.Contains(res.Reply, "[[Q:") {
		t.Fatalf("command reply carried a tag: %q", res.Reply)
	}
	s := repo.sessions["s1"]
	if s.AskedQ.Number != 3 || s.AnsweredCount != 2 {
		t.Fatalf("command moved the pointer: tag=%v count=%d", s.AskedQ, s.AnsweredCount)
	}
}

func TestGoBackDeletesHistoryAfterPreviousQuestion(t *testing.T) {
	repo := newFakeRepo()
	o := newTestOrchestrator(repo, &fakeGen{})
	seedSession(t, repo, domain.PhaseKYC, &domain.Tag{Phase: domain.PhaseKYC, Number: 3}, 2)
	ctx := context.Background()
	for _, m := range []domain.ChatMessage{
		{SessionID: "s1", Role: domain.RoleAssistant, Content: "Who are you?\n\n[[Q:KYC.02]]", Phase: domain.PhaseKYC},
		{SessionID: "s1", Role: domain.RoleUser, Content: "a founder", Phase: domain.PhaseKYC},
		{SessionID: "s1", Role: domain.RoleAssistant, Content: "What do you sell?\n\n[[Q:KYC.03]]", Phase: domain.PhaseKYC},
	} {
		msg := m
		if err := repo.AppendMessage(ctx, &msg); err != nil {
			t.Fatalf("seed history: %v", err)
		}
	}

	res, err := o.GoBack(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("GoBack: %v", err)
	}
	if res.Reply != "Who are you?" || res.QuestionNumber != 2 {
		t.Fatalf("got reply=%q question=%d, want stored question 2", res.Reply, res.QuestionNumber)
	}
	s := repo.sessions["s1"]
	if s.AskedQ.Number != 2 || s.AnsweredCount != 1 {
		t.Fatalf("state after go-back: tag=%v count=%d", s.AskedQ, s.AnsweredCount)
	}
	if len(repo.messages) != 1 {
		t.Fatalf("history has %d records, want only the restored question", len(repo.messages))
	}
}

func TestGoBackCrossesPhaseBoundary(t *testing.T) {
	repo := newFakeRepo()
	o := newTestOrchestrator(repo, &fakeGen{})
	seedSession(t, repo, domain.PhaseBusinessPlan, &domain.Tag{Phase: domain.PhaseBusinessPlan, Number: 1}, 0)
	ctx := context.Background()
	msg := domain.ChatMessage{
		SessionID: "s1", Role: domain.RoleAssistant,
		Content: "Last onboarding question.\n\n[[Q:KYC.06]]", Phase: domain.PhaseKYC,
	}
	if err := repo.AppendMessage(ctx, &msg); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	res, err := o.GoBack(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("GoBack: %v", err)
	}
	if res.QuestionNumber != 6 {
		t.Fatalf("question = %d, want KYC.06", res.QuestionNumber)
	}
	s := repo.sessions["s1"]
	if s.CurrentPhase != domain.PhaseKYC || s.AskedQ.Phase != domain.PhaseKYC {
		t.Fatalf("phase after cross-boundary go-back: %s", s.CurrentPhase)
	}
}

func TestGoBackAtFirstQuestion(t *testing.T) {
	repo := newFakeRepo()
	o := newTestOrchestrator(repo, &fakeGen{})
	seedSession(t, repo, domain.PhaseKYC, &domain.Tag{Phase: domain.PhaseKYC, Number: 1}, 0)

	if _, err := o.GoBack(context.Background(), "s1", "u1"); !errors.Is(err, ErrAtFirstQuestion) {
		t.Fatalf("err = %v, want ErrAtFirstQuestion", err)
	}
}

func TestDetectCommand(t *testing.T) {
	tests := []struct {
		in   string
		kind CommandKind
		ok   bool
	}{
		{"draft", CommandDraft, true},
		{"Draft an answer for me", CommandDraft, true},
		{"support", CommandSupport, true},
		{"scrapping here are my rough notes", CommandRefine, true},
		{"refine my notes below", CommandRefine, true},
		{"I want to draft a budget later", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		kind, ok := DetectCommand(tt.in)
		if ok != tt.ok || (ok && kind != tt.kind) {
			t.Errorf("DetectCommand(%q) = %v,%v, want %v,%v", tt.in, kind, ok, tt.kind, tt.ok)
		}
	}
}
