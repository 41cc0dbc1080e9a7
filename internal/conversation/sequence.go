package conversation

import "github.com/founderport/angel/internal/domain"

// ExpectedNext is the tag a reply should carry after prev was answered, in
// plain sequential order.
func ExpectedNext(prev domain.Tag) domain.Tag {
	return prev.Next()
}

// ValidateTag checks a tag proposed by model output against the previously
// asked tag and corrects it when it is not valid forward progress. expected
// is the tag the caller computed for this turn (usually prev+1, but the
// resume point after owed missing questions). Both tags must be same-phase;
// cross-phase movement is the transition controller's job, not this
// function's.
//
// Accepted as-is:
//   - exact repeat of prev (re-display of the current question)
//   - the expected tag (normal forward progress)
//   - a forward jump whose target is in jumpTargets (owed missing questions
//     from an uploaded plan)
//
// Everything else — backwards movement, undeclared skips, out-of-range
// numbers — is corrected to expected. The boolean reports whether a
// correction was applied; it is for logging only and never surfaces to the
// user.
func ValidateTag(prev, proposed, expected domain.Tag, jumpTargets []int) (domain.Tag, bool) {
	if proposed.Phase != prev.Phase || !proposed.Valid() {
		return expected, true
	}

	switch {
	case proposed.Number == prev.Number:
		return proposed, false
	case proposed.Number == expected.Number:
		return proposed, false
	case proposed.Number < prev.Number:
		return expected, true
	default: // forward skip
		for _, n := range jumpTargets {
			if n == proposed.Number {
				return proposed, false
			}
		}
		return expected, true
	}
}
