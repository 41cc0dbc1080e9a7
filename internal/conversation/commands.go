package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/founderport/angel/internal/domain"
	"github.com/founderport/angel/internal/llm"
)

// CommandKind identifies the user-triggered assistance commands. Commands
// produce assistance text only; they never move the question pointer.
type CommandKind int

const (
	CommandDraft CommandKind = iota
	CommandSupport
	CommandRefine
)

// DetectCommand inspects a user message for a leading command keyword.
// Detection is case-insensitive and keyed on the first word so that a
// message merely mentioning "draft" mid-sentence is a normal answer.
func DetectCommand(message string) (CommandKind, bool) {
	fields := strings.Fields(strings.ToLower(message))
	if len(fields) == 0 {
		return 0, false
	}
	switch fields[0] {
	case "draft":
		return CommandDraft, true
	case "support", "help":
		return CommandSupport, true
	case "scrapping", "scraping", "refine":
		return CommandRefine, true
	}
	return 0, false
}

func (k CommandKind) String() string {
	switch k {
	case CommandDraft:
		return "draft"
	case CommandSupport:
		return "support"
	case CommandRefine:
		return "refine"
	}
	return "unknown"
}

// handleCommand generates assistance for the current question. The asked
// tag and answered count are untouched: accepting a draft later goes back
// through the normal turn path with the draft as the user's answer.
func (o *Orchestrator) handleCommand(ctx context.Context, sess *domain.Session, kind CommandKind, message string) (*TurnResult, error) {
	instruction := commandInstruction(sess, kind, message)

	if kind == CommandSupport {
		if note := o.supportResearch(ctx, sess); note != "" {
			instruction += "\n\nBackground research you may draw on:\n" + note
		}
	}

	reply, err := o.generate(ctx, sess, instruction, llm.Constraints{
		Phase:           sess.CurrentPhase,
		BusinessContext: sess.BusinessContext,
	})
	if err != nil {
		return nil, err
	}
	// Assistance must never carry a question tag.
	reply = domain.StripMarkers(reply)
	reply = commandPreamble(kind) + reply

	if err := o.persistTurn(ctx, sess, domain.SessionPatch{}, message, reply); err != nil {
		return nil, err
	}

	progress := PhaseProgress(sess.CurrentPhase, sess.AnsweredCount, sess.AskedQ)
	result := &TurnResult{
		Reply:            reply,
		Kind:             KindCommand,
		Progress:         progress,
		ShowAcceptModify: kind == CommandDraft || kind == CommandRefine,
	}
	if sess.AskedQ != nil {
		result.QuestionNumber = sess.AskedQ.Number
	}
	o.attachOverall(result, sess.CurrentPhase, sess.AnsweredCount, sess.AskedQ)
	return result, nil
}

func commandInstruction(sess *domain.Session, kind CommandKind, message string) string {
	current := "the current question"
	if sess.AskedQ != nil {
		current = fmt.Sprintf("question %d of the %s phase", sess.AskedQ.Number, sess.CurrentPhase)
	}
	switch kind {
	case CommandDraft:
		return fmt.Sprintf("Draft a complete, specific answer to %s on the founder's behalf, based on everything they have shared so far. Write in the founder's voice.", current)
	case CommandSupport:
		return fmt.Sprintf("The founder is stuck on %s. Break it into smaller pieces, give one or two concrete examples, and guide them toward their own answer. Do not answer for them.", current)
	default:
		return fmt.Sprintf("Refine the founder's rough notes into a polished answer for %s. Keep their facts and intent; improve structure and clarity.\n\nTheir notes:\n%s", current, message)
	}
}

func commandPreamble(kind CommandKind) string {
	switch kind {
	case CommandDraft:
		return "Here's a draft based on what you've shared:\n\n"
	case CommandSupport:
		return "Let's work through this together.\n\n"
	default:
		return "Here's a refined version of your thoughts:\n\n"
	}
}

// supportResearch optionally fetches research for a support request. All
// failures degrade to coaching without research.
func (o *Orchestrator) supportResearch(ctx context.Context, sess *domain.Session) string {
	if o.research == nil || sess.AskedQ == nil {
		return ""
	}
	bc := normalizeBusinessContext(sess.BusinessContext)
	query := fmt.Sprintf("how to answer business plan question about %s for a %s business in %s",
		sess.CurrentPhase, bc.Industry, bc.Location)
	found, err := o.research.Search(ctx, sess.UserID, query)
	if err != nil {
		slog.Warn("support research failed; coaching without it", "error", err)
		return ""
	}
	return found
}
