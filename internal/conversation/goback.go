package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/founderport/angel/internal/domain"
)

// ErrAtFirstQuestion is returned when there is nothing earlier to revisit.
var ErrAtFirstQuestion = errors.New("already at the first question")

// GoBack rewinds the session by exactly one question: history recorded
// after the previous question is deleted, the question pointer rolls back,
// and the stored wording of the previous question is served again.
func (o *Orchestrator) GoBack(ctx context.Context, sessionID, userID string) (*TurnResult, error) {
	sess, err := o.repo.GetSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if sess.AskedQ == nil {
		return nil, ErrAtFirstQuestion
	}
	if sess.CurrentPhase.IsTransition() {
		return nil, fmt.Errorf("%w: cannot go back during a transition", ErrInvalidTransition)
	}

	prevTag, prevPhase, ok := previousQuestion(*sess.AskedQ)
	if !ok {
		return nil, ErrAtFirstQuestion
	}

	history, err := o.repo.FetchHistory(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}

	prevIdx := lastMarkerIndex(history, prevTag)
	if prevIdx < 0 {
		return nil, ErrAtFirstQuestion
	}

	var deleteIDs []int64
	for _, m := range history[prevIdx+1:] {
		deleteIDs = append(deleteIDs, m.ID)
	}

	reply := domain.StripMarkers(history[prevIdx].Content)

	count := prevTag.Number - 1
	patch := domain.SessionPatch{
		CurrentPhase:  &prevPhase,
		AskedQ:        &prevTag,
		AnsweredCount: &count,
	}
	if err := o.repo.PatchSession(ctx, sess.ID, sess.Version, patch); err != nil {
		return nil, err
	}
	patch.Apply(sess)
	sess.Version++

	if len(deleteIDs) > 0 {
		if err := o.repo.DeleteMessages(ctx, sess.ID, deleteIDs); err != nil {
			return nil, fmt.Errorf("delete history: %w", err)
		}
	}

	progress := PhaseProgress(sess.CurrentPhase, sess.AnsweredCount, sess.AskedQ)
	result := &TurnResult{
		Reply:          reply,
		Kind:           KindNewQuestion,
		Progress:       progress,
		QuestionNumber: prevTag.Number,
	}
	o.attachOverall(result, sess.CurrentPhase, sess.AnsweredCount, sess.AskedQ)
	return result, nil
}

// previousQuestion computes the question one step before current, crossing
// into the previous questionnaire phase at question one.
func previousQuestion(current domain.Tag) (domain.Tag, domain.Phase, bool) {
	if current.Number > 1 {
		return domain.Tag{Phase: current.Phase, Number: current.Number - 1}, current.Phase, true
	}
	var prevPhase domain.Phase
	switch current.Phase {
	case domain.PhaseBusinessPlan:
		prevPhase = domain.PhaseKYC
	case domain.PhaseImplementation:
		prevPhase = domain.PhaseBusinessPlan
	default:
		return domain.Tag{}, domain.PhaseUnknown, false
	}
	return domain.Tag{Phase: prevPhase, Number: prevPhase.Questions()}, prevPhase, true
}

// lastMarkerIndex finds the most recent assistant record carrying the tag's
// marker.
func lastMarkerIndex(history []domain.ChatMessage, tag domain.Tag) int {
	marker := tag.Marker()
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleAssistant && strings.Contains(history[i].Content, marker) {
			return i
		}
	}
	return -1
}
