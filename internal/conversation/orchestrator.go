package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/founderport/angel/internal/domain"
	"github.com/founderport/angel/internal/llm"
	"github.com/founderport/angel/internal/plan"
	"github.com/founderport/angel/internal/research"
	"github.com/founderport/angel/internal/store"
)

var (
	// ErrGenerationFailed marks a failed primary reply generation. The turn
	// is retryable; session state was left untouched.
	ErrGenerationFailed = errors.New("reply generation failed")
	// ErrInvalidPhaseState marks a session whose asked_q phase disagrees
	// with current_phase outside a transition window. The session is
	// considered corrupt and blocked rather than silently repaired.
	ErrInvalidPhaseState = errors.New("session phase state is corrupt")
)

// ResponseKind classifies what a turn produced. It is computed once by the
// orchestrator and passed along instead of being re-derived from text.
type ResponseKind int

const (
	KindNewQuestion ResponseKind = iota
	KindCommand
	KindSectionSummary
	KindTransition
	KindAcknowledgment
)

// TurnResult is the payload returned to the HTTP layer after one turn.
type TurnResult struct {
	Reply            string
	Kind             ResponseKind
	Progress         Progress
	Overall          *Progress
	TransitionPhase  string
	ShowAcceptModify bool
	QuestionNumber   int
}

// Stats counts corrections so a high forced-progress rate is visible
// separately from organic progress.
type Stats struct {
	Turns     int64 `json:"turns"`
	Corrected int64 `json:"corrected_tags"`
	Forced    int64 `json:"forced_tags"`
}

// Orchestrator runs the per-message pipeline: load state, generate, validate
// sequencing, compute progress, decide transitions, persist atomically.
type Orchestrator struct {
	repo     store.Repository
	gen      llm.Generator
	research *research.Client
	ctrl     *Controller
	plans    *plan.Service
	system   string

	mu    sync.Mutex
	stats Stats
}

// NewOrchestrator wires the turn pipeline.
func NewOrchestrator(repo store.Repository, gen llm.Generator, rc *research.Client, ctrl *Controller, plans *plan.Service, systemContext string) *Orchestrator {
	return &Orchestrator{
		repo:     repo,
		gen:      gen,
		research: rc,
		ctrl:     ctrl,
		plans:    plans,
		system:   systemContext,
	}
}

// Controller exposes the transition controller for handlers that apply
// user decisions (approve/revisit) outside the chat turn path.
func (o *Orchestrator) Controller() *Controller { return o.ctrl }

// Plans exposes the document generation service.
func (o *Orchestrator) Plans() *plan.Service { return o.plans }

// StatsSnapshot returns a copy of the correction counters.
func (o *Orchestrator) StatsSnapshot() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

func (o *Orchestrator) countTurn(corrected, forced bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats.Turns++
	if corrected {
		o.stats.Corrected++
	}
	if forced {
		o.stats.Forced++
	}
}

// HandleTurn processes one user message for a session.
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID, userID, message string) (*TurnResult, error) {
	sess, err := o.repo.GetSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	if err := checkPhaseInvariant(sess); err != nil {
		return nil, err
	}

	// Transition phases take input through their decision endpoints, not
	// through chat; re-display the waiting state instead of generating.
	if sess.CurrentPhase.IsTransition() {
		progress := PhaseProgress(sess.CurrentPhase, sess.AnsweredCount, sess.AskedQ)
		return &TurnResult{
			Reply:           "You're currently in a transition step. Please complete it before continuing the conversation.",
			Kind:            KindTransition,
			Progress:        progress,
			TransitionPhase: sess.CurrentPhase.String(),
		}, nil
	}

	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return o.redisplayCurrent(ctx, sess)
	}

	if cmd, ok := DetectCommand(trimmed); ok {
		return o.handleCommand(ctx, sess, cmd, trimmed)
	}

	if sess.CurrentPhase == domain.PhaseBusinessPlanIntro {
		return o.startBusinessPlan(ctx, sess, trimmed)
	}

	// Completion takes precedence over asking a further question.
	if sess.AskedQ != nil && !sess.AskedQ.Ack && LastQuestionAnswered(*sess.AskedQ) {
		return o.completePhase(ctx, sess, trimmed)
	}

	// Answering a section-end question shows the section summary and holds
	// the next question until the user accepts.
	if sess.CurrentPhase == domain.PhaseBusinessPlan &&
		sess.AskedQ != nil && !sess.AskedQ.Ack && IsSectionEnd(sess.AskedQ.Number) {
		return o.sectionSummary(ctx, sess, trimmed)
	}

	return o.questionTurn(ctx, sess, trimmed)
}

// checkPhaseInvariant verifies asked_q's phase agrees with current_phase.
// Transition phases and the intro legitimately hold the previous phase's
// tag while the user decides.
func checkPhaseInvariant(sess *domain.Session) error {
	if sess.AskedQ == nil {
		return nil
	}
	if sess.CurrentPhase.IsTransition() || sess.CurrentPhase == domain.PhaseBusinessPlanIntro {
		return nil
	}
	if sess.AskedQ.Phase != sess.CurrentPhase {
		return fmt.Errorf("%w: asked_q %s in phase %s", ErrInvalidPhaseState, sess.AskedQ, sess.CurrentPhase)
	}
	return nil
}

// redisplayCurrent serves the current question again without any state
// change; two empty messages in a row yield the same question twice.
func (o *Orchestrator) redisplayCurrent(ctx context.Context, sess *domain.Session) (*TurnResult, error) {
	reply := "Whenever you're ready, answer the current question and we'll keep going."
	if sess.AskedQ != nil {
		history, err := o.repo.FetchHistory(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("fetch history: %w", err)
		}
		marker := sess.AskedQ.Marker()
		for i := len(history) - 1; i >= 0; i-- {
			m := history[i]
			if m.Role == domain.RoleAssistant && strings.Contains(m.Content, marker) {
				reply = domain.StripMarkers(m.Content)
				break
			}
		}
	}

	progress := PhaseProgress(sess.CurrentPhase, sess.AnsweredCount, sess.AskedQ)
	result := &TurnResult{
		Reply:    reply,
		Kind:     KindNewQuestion,
		Progress: progress,
	}
	if sess.AskedQ != nil {
		result.QuestionNumber = sess.AskedQ.Number
	}
	o.attachOverall(result, sess.CurrentPhase, sess.AnsweredCount, sess.AskedQ)
	return result, nil
}

// startBusinessPlan handles the acknowledgment that leaves the intro: any
// user message starts the questionnaire at question one.
func (o *Orchestrator) startBusinessPlan(ctx context.Context, sess *domain.Session, message string) (*TurnResult, error) {
	tr, err := o.ctrl.Fire(ctx, sess, EventAcknowledged)
	if err != nil {
		return nil, err
	}
	tr.Patch.Apply(sess)

	first := *sess.AskedQ
	reply, err := o.generate(ctx, sess, message, llm.Constraints{
		ExpectedTag:     &first,
		Phase:           sess.CurrentPhase,
		BusinessContext: sess.BusinessContext,
	})
	if err != nil {
		return nil, err
	}

	reply, _, corrected, forced := o.enforceTag(reply, first, first, nil)
	o.countTurn(corrected, forced)

	if err := o.persistTurn(ctx, sess, tr.Patch, message, reply); err != nil {
		return nil, err
	}

	progress := PhaseProgress(sess.CurrentPhase, sess.AnsweredCount, sess.AskedQ)
	result := &TurnResult{
		Reply:           domain.StripMarkers(reply),
		Kind:            KindNewQuestion,
		Progress:        progress,
		TransitionPhase: "KYC_TO_BUSINESS_PLAN",
		QuestionNumber:  first.Number,
	}
	o.attachOverall(result, sess.CurrentPhase, sess.AnsweredCount, sess.AskedQ)
	return result, nil
}

// completePhase handles the answer to a phase's final question.
func (o *Orchestrator) completePhase(ctx context.Context, sess *domain.Session, message string) (*TurnResult, error) {
	answered := *sess.AskedQ

	// IMPLEMENTATION has no onward transition; close out the questionnaire.
	if sess.CurrentPhase == domain.PhaseImplementation {
		return o.closeQuestionnaire(ctx, sess, message)
	}

	tr, err := o.ctrl.Fire(ctx, sess, EventLastQuestionAnswered)
	if errors.Is(err, ErrInvalidTransition) {
		// Phases with no onward chat transition (e.g. ROADMAP while its
		// decision is pending) get a plain acknowledgment.
		return o.closeQuestionnaire(ctx, sess, message)
	}
	if err != nil {
		return nil, err
	}

	count := answered.Number
	tr.Patch.AnsweredCount = &count

	var reply, transitionName string
	switch tr.Effect {
	case EffectEmitRecap:
		reply, err = o.generate(ctx, sess, message, llm.Constraints{
			Phase:           sess.CurrentPhase,
			BusinessContext: sess.BusinessContext,
		})
		if err != nil {
			return nil, err
		}
		reply = domain.StripMarkers(reply)
		transitionName = "KYC_TO_BUSINESS_PLAN_INTRO"
	case EffectGenerateSummary:
		history, herr := o.repo.FetchHistory(ctx, sess.ID)
		if herr != nil {
			return nil, fmt.Errorf("fetch history: %w", herr)
		}
		summary, serr := o.plans.Summary(ctx, sess, append(history, domain.ChatMessage{Role: domain.RoleUser, Content: message}))
		if serr != nil {
			return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, serr)
		}
		tr.Patch.BusinessPlanSummary = &summary
		reply = summary
		transitionName = "PLAN_TO_SUMMARY"
	default:
		reply = "Great work — this phase is complete."
	}

	// Persist before applying so the final answer and the transition
	// message are recorded under the phase they happened in.
	if err := o.persistTurn(ctx, sess, tr.Patch, message, reply); err != nil {
		return nil, err
	}
	tr.Patch.Apply(sess)

	progress := PhaseProgress(sess.CurrentPhase, sess.AnsweredCount, sess.AskedQ)
	result := &TurnResult{
		Reply:            reply,
		Kind:             KindTransition,
		Progress:         progress,
		TransitionPhase:  transitionName,
		ShowAcceptModify: tr.Effect == EffectGenerateSummary,
	}
	o.attachOverall(result, sess.CurrentPhase, sess.AnsweredCount, sess.AskedQ)
	return result, nil
}

// closeQuestionnaire acknowledges the final answer of a phase that has no
// onward chat transition.
func (o *Orchestrator) closeQuestionnaire(ctx context.Context, sess *domain.Session, message string) (*TurnResult, error) {
	reply, err := o.generate(ctx, sess, message, llm.Constraints{
		Phase:           sess.CurrentPhase,
		BusinessContext: sess.BusinessContext,
	})
	if err != nil {
		return nil, err
	}
	reply = domain.StripMarkers(reply)

	count := sess.CurrentPhase.Questions()
	patch := domain.SessionPatch{AnsweredCount: &count}
	patch.Apply(sess)
	if err := o.persistTurn(ctx, sess, patch, message, reply); err != nil {
		return nil, err
	}

	return &TurnResult{
		Reply:    reply,
		Kind:     KindAcknowledgment,
		Progress: PhaseProgress(sess.CurrentPhase, sess.AnsweredCount, sess.AskedQ),
	}, nil
}

// sectionSummary shows a recap of the section that just ended. The asked
// tag is deliberately NOT advanced: it is re-marked as acknowledgment-only
// so the questionnaire cannot silently skip ahead while the summary is on
// screen. Any tag the model emits here is stripped before persisting.
func (o *Orchestrator) sectionSummary(ctx context.Context, sess *domain.Session, message string) (*TurnResult, error) {
	reply, err := o.generate(ctx, sess, message, llm.Constraints{
		Phase:           sess.CurrentPhase,
		BusinessContext: sess.BusinessContext,
	})
	if err != nil {
		return nil, err
	}
	reply = domain.StripMarkers(reply)

	ack := *sess.AskedQ
	ack.Ack = true
	count := sess.AnsweredCount + 1
	patch := domain.SessionPatch{AskedQ: &ack, AnsweredCount: &count}
	patch.Apply(sess)

	if err := o.persistTurn(ctx, sess, patch, message, reply); err != nil {
		return nil, err
	}

	progress := PhaseProgress(sess.CurrentPhase, sess.AnsweredCount, sess.AskedQ)
	result := &TurnResult{
		Reply:          reply,
		Kind:           KindSectionSummary,
		Progress:       progress,
		QuestionNumber: sess.AskedQ.Number,
	}
	o.attachOverall(result, sess.CurrentPhase, sess.AnsweredCount, sess.AskedQ)
	return result, nil
}

// questionTurn is the default path: the user answered (or is starting), and
// the reply must carry exactly the next expected question.
func (o *Orchestrator) questionTurn(ctx context.Context, sess *domain.Session, message string) (*TurnResult, error) {
	prev := sess.AskedQ
	prevWasAck := prev != nil && prev.Ack

	expected := domain.Tag{Phase: sess.CurrentPhase, Number: 1}
	if prev != nil {
		base := prev.Number
		if sess.CurrentPhase == domain.PhaseBusinessPlan && sess.BusinessContext.HighWater > base {
			// Sequencing resumes from the highest question ever presented
			// once owed missing questions have been worked through.
			base = sess.BusinessContext.HighWater
		}
		expected = domain.Tag{Phase: sess.CurrentPhase, Number: base + 1}
	}

	var jumps []int
	if sess.CurrentPhase == domain.PhaseBusinessPlan && sess.BusinessContext.UploadedPlanMode {
		jumps = sess.BusinessContext.MissingQuestions
	}

	reply, err := o.generate(ctx, sess, message, llm.Constraints{
		ExpectedTag:     &expected,
		AllowedJumps:    jumps,
		Phase:           sess.CurrentPhase,
		BusinessContext: sess.BusinessContext,
	})
	if err != nil {
		return nil, err
	}

	var final domain.Tag
	var corrected, forced bool
	if prev == nil {
		reply, final, corrected, forced = o.enforceTag(reply, expected, expected, nil)
	} else {
		base := *prev
		base.Ack = false
		reply, final, corrected, forced = o.enforceTag(reply, expected, base, jumps)
	}
	o.countTurn(corrected, forced)

	bc := sess.BusinessContext
	bcChanged := false
	advanced := prev == nil || final.Number != prev.Number
	if advanced && bc.RemoveMissingQuestion(final.Number) {
		bcChanged = true
	}
	if sess.CurrentPhase == domain.PhaseBusinessPlan && final.Number > bc.HighWater {
		bc.HighWater = final.Number
		bcChanged = true
	}
	if !prevWasAck && extractAnswerFacts(prev, message, &bc) {
		bcChanged = true
	}

	count := sess.AnsweredCount
	if prev != nil && !prevWasAck && final.Number != prev.Number {
		// A genuinely new question means the previous one was answered.
		count++
	}

	patch := domain.SessionPatch{AskedQ: &final, AnsweredCount: &count}
	if bcChanged {
		patch.BusinessContext = &bc
	}
	patch.Apply(sess)

	if err := o.persistTurn(ctx, sess, patch, message, reply); err != nil {
		return nil, err
	}

	progress := PhaseProgress(sess.CurrentPhase, sess.AnsweredCount, sess.AskedQ)
	result := &TurnResult{
		Reply:          domain.StripMarkers(reply),
		Kind:           KindNewQuestion,
		Progress:       progress,
		QuestionNumber: final.Number,
	}
	o.attachOverall(result, sess.CurrentPhase, sess.AnsweredCount, sess.AskedQ)
	return result, nil
}

// enforceTag post-processes raw model output into a reply carrying exactly
// one valid tag. Multi-tag replies are truncated at the second marker; a
// missing tag is synthesized (forced); invalid sequencing is corrected.
func (o *Orchestrator) enforceTag(reply string, expected, prev domain.Tag, jumps []int) (out string, final domain.Tag, corrected, forced bool) {
	reply = stripMetaNoise(reply)

	if domain.TagMarkerCount(reply) > 1 {
		slog.Warn("model emitted multiple question tags; truncating",
			"expected", expected.String())
		reply = domain.TruncateAtSecondMarker(reply)
	}

	proposed, ok := domain.ParseTag(reply)
	if !ok {
		// The model failed to ask; force forward progress rather than
		// letting the conversation stall.
		slog.Warn("model reply carried no question tag; forcing expected tag",
			"expected", expected.String(), "forced", true)
		reply = strings.TrimRight(reply, " \n\t") + "\n\n" + expected.Marker()
		return reply, expected, false, true
	}

	final, corrected = ValidateTag(prev, proposed, expected, jumps)
	if corrected {
		slog.Warn("model emitted out-of-sequence tag; corrected",
			"proposed", proposed.String(), "corrected", final.String())
		reply = domain.ReplaceFirstMarker(reply, final)
	}
	return reply, final, corrected, false
}

// generate runs the primary reply generation with optional research
// enrichment. Generation failure is retryable and must not corrupt state.
func (o *Orchestrator) generate(ctx context.Context, sess *domain.Session, message string, c llm.Constraints) (string, error) {
	history, err := o.repo.FetchHistory(ctx, sess.ID)
	if err != nil {
		return "", fmt.Errorf("fetch history: %w", err)
	}

	intensity := DefaultFeedbackIntensity
	if sess.BusinessContext.FeedbackIntensity != nil {
		intensity = *sess.BusinessContext.FeedbackIntensity
	}
	system := o.system + "\n\n" + feedbackGuidance(intensity)
	if note := o.researchNote(ctx, sess, c); note != "" {
		system += "\n\n" + note
	}

	reply, err := o.gen.Generate(ctx, system, history, message, c)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return reply, nil
}

// researchQuestions are the business-plan questions whose replies are
// enriched with live research (competitors, industry trends).
var researchQuestions = map[int]string{
	11: "main competitors for a %s business in %s",
	12: "current trends affecting the %s industry in %s",
}

// researchNote fetches optional research context. Failures and empty
// results degrade to no enrichment; they never fail the turn.
func (o *Orchestrator) researchNote(ctx context.Context, sess *domain.Session, c llm.Constraints) string {
	if o.research == nil || c.ExpectedTag == nil || c.ExpectedTag.Phase != domain.PhaseBusinessPlan {
		return ""
	}
	queryFmt, ok := researchQuestions[c.ExpectedTag.Number]
	if !ok {
		return ""
	}

	bc := normalizeBusinessContext(sess.BusinessContext)
	query := fmt.Sprintf(queryFmt, bc.Industry, bc.Location)
	found, err := o.research.Search(ctx, sess.UserID, query)
	if err != nil {
		slog.Warn("research lookup failed; continuing without enrichment", "error", err)
		return ""
	}
	if found == "" {
		return ""
	}
	return "Research findings to incorporate:\n" + found
}

// persistTurn writes the session patch first (the version check serializes
// concurrent turns) and then the two history records. A losing writer gets
// ErrStaleSession before any history is written.
func (o *Orchestrator) persistTurn(ctx context.Context, sess *domain.Session, patch domain.SessionPatch, userMessage, reply string) error {
	if err := o.repo.PatchSession(ctx, sess.ID, sess.Version, patch); err != nil {
		return err
	}
	sess.Version++

	userMsg := domain.ChatMessage{
		SessionID: sess.ID,
		Role:      domain.RoleUser,
		Content:   userMessage,
		Phase:     sess.CurrentPhase,
	}
	if err := o.repo.AppendMessage(ctx, &userMsg); err != nil {
		return fmt.Errorf("append user message: %w", err)
	}
	assistantMsg := domain.ChatMessage{
		SessionID: sess.ID,
		Role:      domain.RoleAssistant,
		Content:   reply,
		Phase:     sess.CurrentPhase,
	}
	if err := o.repo.AppendMessage(ctx, &assistantMsg); err != nil {
		return fmt.Errorf("append assistant message: %w", err)
	}
	return nil
}

func (o *Orchestrator) attachOverall(result *TurnResult, phase domain.Phase, answered int, tag *domain.Tag) {
	switch phase {
	case domain.PhaseKYC, domain.PhaseBusinessPlanIntro, domain.PhaseBusinessPlan:
		overall := CombinedProgress(phase, answered, tag)
		result.Overall = &overall
	}
}

// metaNoisePatterns match boilerplate the model sometimes emits against
// instructions; these lines are stripped before the reply is returned.
var metaNoisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?im)^please hold on while i research.*\n?`),
	regexp.MustCompile(`(?im)^give me a moment while i (?:look into|research).*\n?`),
	regexp.MustCompile(`(?i)question \d+ of \d+ \(\d+%\):\s*`),
}

func stripMetaNoise(text string) string {
	for _, p := range metaNoisePatterns {
		text = p.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}
