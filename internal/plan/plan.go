// Package plan generates the business-plan documents: the review summary,
// the full plan artifact, the budget estimate, and the roadmap.
package plan

import (
	"context"
	"fmt"

	"github.com/founderport/angel/internal/domain"
	"github.com/founderport/angel/internal/llm"
)

// Service turns accumulated conversation history into documents.
type Service struct {
	gen llm.Generator
}

// NewService wires document generation to the model.
func NewService(gen llm.Generator) *Service {
	return &Service{gen: gen}
}

// Summary produces the business-plan review shown when the questionnaire
// completes. The user approves or revisits it before anything else is built.
func (s *Service) Summary(ctx context.Context, sess *domain.Session, history []domain.ChatMessage) (string, error) {
	return s.document(ctx, sess, history, summaryInstruction)
}

// Artifact produces the full shareable business-plan document.
func (s *Service) Artifact(ctx context.Context, sess *domain.Session, history []domain.ChatMessage) (string, error) {
	return s.document(ctx, sess, history, artifactInstruction)
}

// Budget produces the startup budget estimate from the plan answers.
func (s *Service) Budget(ctx context.Context, sess *domain.Session, history []domain.ChatMessage) (string, error) {
	return s.document(ctx, sess, history, budgetInstruction)
}

// Roadmap produces the execution roadmap. Requires an active subscription;
// entitlement is enforced by the transition controller, not here.
func (s *Service) Roadmap(ctx context.Context, sess *domain.Session, history []domain.ChatMessage) (string, error) {
	return s.document(ctx, sess, history, roadmapInstruction)
}

func (s *Service) document(ctx context.Context, sess *domain.Session, history []domain.ChatMessage, instruction string) (string, error) {
	system := fmt.Sprintf(documentSystem, sess.BusinessContext.BusinessName, sess.BusinessContext.Industry)
	out, err := s.gen.Generate(ctx, system, history, instruction, llm.Constraints{
		Phase:           sess.CurrentPhase,
		BusinessContext: sess.BusinessContext,
	})
	if err != nil {
		return "", fmt.Errorf("generate document: %w", err)
	}
	// Documents never carry question tags.
	return domain.StripMarkers(out), nil
}
