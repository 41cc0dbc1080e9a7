// Package llm binds the text-generation collaborator.
package llm

import (
	"context"
	"fmt"

	"github.com/founderport/angel/internal/domain"
)

// Constraints carries the per-turn instructions the core computes for the
// model, most importantly the next expected question tag. The model is told
// what to emit; the sequence validator still verifies what came back.
type Constraints struct {
	// ExpectedTag is the question tag the reply must carry, when the turn
	// is supposed to ask a new question.
	ExpectedTag *domain.Tag
	// AllowedJumps lists additional question numbers the reply may ask
	// instead, owed from an uploaded plan.
	AllowedJumps []int
	// Phase the conversation is in.
	Phase domain.Phase
	// BusinessContext gives the model the facts captured so far.
	BusinessContext domain.BusinessContext
}

// Instruction renders the constraint block appended to the system context.
func (c Constraints) Instruction() string {
	if c.ExpectedTag == nil {
		return fmt.Sprintf("Current phase: %s. Do not ask a new numbered question and do not emit any [[Q:...]] tag.", c.Phase)
	}
	s := fmt.Sprintf(
		"Current phase: %s. Ask exactly one question and tag it %s. Emit exactly one tag in the whole reply.",
		c.Phase, c.ExpectedTag.Marker(),
	)
	if len(c.AllowedJumps) > 0 {
		s += fmt.Sprintf(" You may instead ask one of the outstanding questions %v, tagged accordingly.", c.AllowedJumps)
	}
	return s
}

// Generator is the black-box reply producer: prompt in, text out. The core
// never depends on a specific vendor.
type Generator interface {
	Generate(ctx context.Context, systemContext string, history []domain.ChatMessage, userMessage string, c Constraints) (string, error)
}
