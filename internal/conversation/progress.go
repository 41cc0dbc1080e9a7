// Package conversation implements the phase state machine and tag-based
// progress tracker that drive the guided planning flow.
package conversation

import (
	"math"

	"github.com/founderport/angel/internal/domain"
)

// Progress is the per-phase progress snapshot returned to clients.
type Progress struct {
	Phase    string `json:"phase"`
	Answered int    `json:"answered"`
	Total    int    `json:"total"`
	Percent  int    `json:"percent"`
}

// combinedTotal spans the two chained early phases: 6 onboarding questions
// plus 45 business-plan questions feed one overall bar.
const combinedTotal = 6 + 45

// PhaseProgress computes progress within a single phase. Transition phases
// report complete by convention. When the current tag belongs to the phase,
// the answered count is derived from it (the just-presented question is not
// yet answered); otherwise the stored count is used.
func PhaseProgress(phase domain.Phase, answeredCount int, current *domain.Tag) Progress {
	total := phase.Questions()

	if phase.IsTransition() {
		return Progress{Phase: phase.String(), Answered: total, Total: total, Percent: 100}
	}

	answered := answeredCount
	if current != nil && current.Phase == phase {
		answered = current.Number - 1
	}
	answered = clamp(answered, 0, total)

	return Progress{
		Phase:    phase.String(),
		Answered: answered,
		Total:    total,
		Percent:  percent(answered, total),
	}
}

// CombinedProgress maps a position in either of the two chained early phases
// onto a single 51-step ordinal, so the product can show one overall bar
// across onboarding and business planning.
func CombinedProgress(phase domain.Phase, answeredCount int, current *domain.Tag) Progress {
	var ordinal int
	switch phase {
	case domain.PhaseKYC, domain.PhaseBusinessPlanIntro:
		ordinal = answeredCount
		if current != nil && current.Phase == domain.PhaseKYC {
			ordinal = current.Number - 1
		}
	case domain.PhaseBusinessPlan:
		ordinal = domain.PhaseKYC.Questions() + answeredCount
		if current != nil && current.Phase == domain.PhaseBusinessPlan {
			ordinal = domain.PhaseKYC.Questions() + current.Number - 1
		}
	default:
		// Past the combined window: report it full.
		ordinal = combinedTotal
	}
	ordinal = clamp(ordinal, 0, combinedTotal)

	return Progress{
		Phase:    phase.String(),
		Answered: ordinal,
		Total:    combinedTotal,
		Percent:  percent(ordinal, combinedTotal),
	}
}

// percent maps answered/total onto [1,100]; the bar never shows 0%.
func percent(answered, total int) int {
	if total <= 0 {
		return 100
	}
	p := int(math.Round(100 * float64(answered) / float64(total)))
	return clamp(p, 1, 100)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
