package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/founderport/angel/internal/domain"
	"github.com/founderport/angel/internal/entitlement"
)

// ErrSubscriptionRequired gates the roadmap and implementation transitions.
var ErrSubscriptionRequired = errors.New("active subscription required")

// ErrInvalidTransition is returned when an event does not apply to the
// session's current phase. Duplicate requests hit this instead of
// re-running side effects.
var ErrInvalidTransition = errors.New("invalid phase transition")

// Event is something that happened to the conversation that may move it to
// another phase.
type Event int

const (
	// EventLastQuestionAnswered fires when the final question of a
	// question-bearing phase has just been answered.
	EventLastQuestionAnswered Event = iota
	// EventAcknowledged fires when the user sends any message while an
	// acknowledgment-only state is active.
	EventAcknowledged
	// EventApproved fires when the user approves a transition screen.
	EventApproved
	// EventRevisit fires when the user asks to return to the questionnaire
	// from a transition screen.
	EventRevisit
	// EventRoadmapGenerated fires once roadmap generation completes.
	EventRoadmapGenerated
	// EventImplementationRequested fires when the user asks to begin
	// implementation from the roadmap.
	EventImplementationRequested
	// EventConfirmed fires when the user confirms the implementation start.
	EventConfirmed
)

// Effect tells the caller which side effect accompanies a transition. The
// controller decides; the orchestrator and handlers execute.
type Effect int

const (
	EffectNone Effect = iota
	// EffectEmitRecap: one-time onboarding recap message.
	EffectEmitRecap
	// EffectStartQuestions: serve the first question of the new phase.
	EffectStartQuestions
	// EffectGenerateSummary: produce the business-plan summary text. The
	// full artifact is NOT generated here; it is produced only on explicit
	// request later.
	EffectGenerateSummary
	// EffectComputeBudget: produce the budget / expense estimate.
	EffectComputeBudget
	// EffectGenerateRoadmap: produce the roadmap document.
	EffectGenerateRoadmap
)

// Transition describes an applied phase change.
type Transition struct {
	From   domain.Phase
	To     domain.Phase
	Effect Effect
	// Patch carries the session mutation implied by the transition. The
	// caller persists it together with any other turn state, atomically.
	Patch domain.SessionPatch
}

type transitionRule struct {
	to     domain.Phase
	effect Effect
	gated  bool // requires an active subscription
	resetQ bool // set asked_q to <to>.01 and answered_count to 0
	keepQ  bool // leave asked_q untouched (summary screens)
	ackQ   bool // mark current asked_q as acknowledgment-only
	clearQ bool // drop asked_q; no question is pending in the new phase
}

var rules = map[domain.Phase]map[Event]transitionRule{
	domain.PhaseKYC: {
		EventLastQuestionAnswered: {to: domain.PhaseBusinessPlanIntro, effect: EffectEmitRecap, ackQ: true},
	},
	domain.PhaseBusinessPlanIntro: {
		EventAcknowledged: {to: domain.PhaseBusinessPlan, effect: EffectStartQuestions, resetQ: true},
	},
	domain.PhaseBusinessPlan: {
		EventLastQuestionAnswered: {to: domain.PhasePlanToSummary, effect: EffectGenerateSummary, keepQ: true},
	},
	domain.PhasePlanToSummary: {
		EventApproved: {to: domain.PhasePlanToBudget, effect: EffectComputeBudget, keepQ: true},
		EventRevisit:  {to: domain.PhaseBusinessPlan, effect: EffectNone, keepQ: true},
	},
	domain.PhasePlanToBudget: {
		EventApproved: {to: domain.PhaseRoadmap, effect: EffectGenerateRoadmap, gated: true, resetQ: true},
		EventRevisit:  {to: domain.PhaseBusinessPlan, effect: EffectNone, keepQ: true},
	},
	domain.PhasePlanToRoadmap: {
		EventApproved: {to: domain.PhaseRoadmap, effect: EffectGenerateRoadmap, gated: true, resetQ: true},
	},
	domain.PhaseRoadmap: {
		EventRoadmapGenerated:        {to: domain.PhaseRoadmapGenerated, effect: EffectNone, clearQ: true},
		EventImplementationRequested: {to: domain.PhaseRoadmapToImplementation, effect: EffectNone, gated: true, keepQ: true},
	},
	domain.PhaseRoadmapGenerated: {
		EventImplementationRequested: {to: domain.PhaseRoadmapToImplementation, effect: EffectNone, gated: true, keepQ: true},
	},
	domain.PhaseRoadmapToImplementation: {
		EventConfirmed: {to: domain.PhaseImplementation, effect: EffectStartQuestions, resetQ: true},
	},
}

// Controller owns the phase-ordering rules. It never mutates sessions
// itself; it returns patches for the caller to persist.
type Controller struct {
	entitlements entitlement.Checker
}

// NewController builds a Controller around an entitlement checker.
func NewController(checker entitlement.Checker) *Controller {
	return &Controller{entitlements: checker}
}

// Fire applies an event to the session's current phase. It returns
// ErrInvalidTransition when the event does not apply (including duplicate
// requests that arrive after the phase already moved), and
// ErrSubscriptionRequired for gated transitions without entitlement.
func (c *Controller) Fire(ctx context.Context, s *domain.Session, ev Event) (Transition, error) {
	rule, ok := rules[s.CurrentPhase][ev]
	if !ok {
		return Transition{}, fmt.Errorf("%w: %s in phase %s", ErrInvalidTransition, eventName(ev), s.CurrentPhase)
	}

	if rule.gated {
		active, err := c.entitlements.HasActiveSubscription(ctx, s.UserID)
		if err != nil {
			return Transition{}, fmt.Errorf("check subscription: %w", err)
		}
		if !active {
			return Transition{}, ErrSubscriptionRequired
		}
	}

	to := rule.to
	patch := domain.SessionPatch{CurrentPhase: &to}
	switch {
	case rule.resetQ:
		first := domain.Tag{Phase: to, Number: 1}
		zero := 0
		patch.AskedQ = &first
		patch.AnsweredCount = &zero
	case rule.ackQ:
		if s.AskedQ != nil {
			ack := *s.AskedQ
			ack.Ack = true
			patch.AskedQ = &ack
		}
	case rule.clearQ:
		patch.ClearAskedQ = true
	}
	// keepQ: asked_q deliberately untouched until the user acts.

	return Transition{From: s.CurrentPhase, To: to, Effect: rule.effect, Patch: patch}, nil
}

// RevisitPatch returns the patch for re-entering BUSINESS_PLAN at the given
// question without losing captured context. Callers choose a full restart
// (question 1) or a resume point; out-of-range targets snap into range.
func (c *Controller) RevisitPatch(target int) domain.SessionPatch {
	total := domain.PhaseBusinessPlan.Questions()
	if target < 1 {
		target = 1
	}
	if target > total {
		target = total
	}
	phase := domain.PhaseBusinessPlan
	tag := domain.Tag{Phase: phase, Number: target}
	answered := target - 1
	return domain.SessionPatch{
		CurrentPhase:  &phase,
		AskedQ:        &tag,
		AnsweredCount: &answered,
	}
}

// sectionEnds are the BUSINESS_PLAN question numbers that close a section.
// Answering one of these triggers a section summary, and the next question
// is withheld until the user explicitly accepts the summary.
var sectionEnds = map[int]bool{
	4: true, 7: true, 13: true, 17: true, 23: true,
	28: true, 34: true, 41: true, 45: true,
}

// IsSectionEnd reports whether answering BUSINESS_PLAN question n closes a
// section. Question 45 closes the final section but is handled by the phase
// transition instead of a summary sub-state.
func IsSectionEnd(n int) bool {
	return sectionEnds[n]
}

// LastQuestionAnswered reports whether the tag that was just answered was
// the final question of its phase.
func LastQuestionAnswered(t domain.Tag) bool {
	return t.Number >= t.Phase.Questions()
}

func eventName(ev Event) string {
	switch ev {
	case EventLastQuestionAnswered:
		return "last_question_answered"
	case EventAcknowledged:
		return "acknowledged"
	case EventApproved:
		return "approved"
	case EventRevisit:
		return "revisit"
	case EventRoadmapGenerated:
		return "roadmap_generated"
	case EventImplementationRequested:
		return "implementation_requested"
	case EventConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}
