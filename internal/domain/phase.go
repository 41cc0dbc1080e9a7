// Package domain holds the conversation data model shared across the service.
package domain

// Phase identifies a stage of the guided conversation. The zero value is
// invalid so an unset phase is never mistaken for a real one.
type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseKYC
	PhaseBusinessPlanIntro
	PhaseBusinessPlan
	PhasePlanToSummary
	PhasePlanToBudget
	PhasePlanToRoadmap
	PhaseRoadmap
	PhaseRoadmapGenerated
	PhaseRoadmapToImplementation
	PhaseImplementation
)

// phaseNames maps phases to their wire names. These strings appear inside
// question tags and API payloads and must not change.
var phaseNames = map[Phase]string{
	PhaseKYC:                     "KYC",
	PhaseBusinessPlanIntro:       "BUSINESS_PLAN_INTRO",
	PhaseBusinessPlan:            "BUSINESS_PLAN",
	PhasePlanToSummary:           "PLAN_TO_SUMMARY_TRANSITION",
	PhasePlanToBudget:            "PLAN_TO_BUDGET_TRANSITION",
	PhasePlanToRoadmap:           "PLAN_TO_ROADMAP_TRANSITION",
	PhaseRoadmap:                 "ROADMAP",
	PhaseRoadmapGenerated:        "ROADMAP_GENERATED",
	PhaseRoadmapToImplementation: "ROADMAP_TO_IMPLEMENTATION_TRANSITION",
	PhaseImplementation:          "IMPLEMENTATION",
}

var phasesByName = func() map[string]Phase {
	m := make(map[string]Phase, len(phaseNames))
	for p, name := range phaseNames {
		m[name] = p
	}
	return m
}()

// String returns the wire name of the phase, or "UNKNOWN".
func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParsePhase resolves a wire name back to a Phase.
func ParsePhase(name string) (Phase, bool) {
	p, ok := phasesByName[name]
	return p, ok
}

// IsTransition reports whether the phase has no real questions and only
// waits for an explicit user action.
func (p Phase) IsTransition() bool {
	switch p {
	case PhasePlanToSummary, PhasePlanToBudget, PhasePlanToRoadmap,
		PhaseRoadmapGenerated, PhaseRoadmapToImplementation:
		return true
	}
	return false
}

// Questions returns the number of questions the phase asks. Transition-only
// phases report 1 by convention ("done, awaiting user action"). Unrecognized
// phases fall back to 1.
func (p Phase) Questions() int {
	switch p {
	case PhaseKYC:
		return 6
	case PhaseBusinessPlan:
		return 45
	case PhaseImplementation:
		return 10
	default:
		return 1
	}
}

// phaseOrder gives the canonical forward ordering used to prevent
// regressions when clients sync progress.
var phaseOrder = []Phase{
	PhaseKYC,
	PhaseBusinessPlanIntro,
	PhaseBusinessPlan,
	PhasePlanToSummary,
	PhasePlanToBudget,
	PhasePlanToRoadmap,
	PhaseRoadmap,
	PhaseRoadmapGenerated,
	PhaseRoadmapToImplementation,
	PhaseImplementation,
}

// Index returns the phase's position in the canonical ordering, or -1.
func (p Phase) Index() int {
	for i, q := range phaseOrder {
		if q == p {
			return i
		}
	}
	return -1
}

// Before reports whether p comes strictly earlier than q in the flow.
func (p Phase) Before(q Phase) bool {
	return p.Index() >= 0 && q.Index() >= 0 && p.Index() < q.Index()
}
