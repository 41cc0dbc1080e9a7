package conversation

import (
	"strings"

	"github.com/founderport/angel/internal/domain"
)

// Question numbers whose answers feed the structured business context.
// The context is best-effort metadata for prompts and research queries;
// it is never authoritative over the conversation history.
const (
	questionBusinessName = 5
	questionIndustry     = 6
	questionLocation     = 14
	questionBusinessType = 24
)

const maxContextValueLen = 120

// extractAnswerFacts captures context fields from the answer the user just
// gave. prev is the question being answered. Returns true when a field
// changed.
func extractAnswerFacts(prev *domain.Tag, answer string, bc *domain.BusinessContext) bool {
	if prev == nil || prev.Phase != domain.PhaseBusinessPlan {
		return false
	}
	value := contextValue(answer)
	if value == "" {
		return false
	}
	switch prev.Number {
	case questionBusinessName:
		if bc.BusinessName != value {
			bc.BusinessName = value
			return true
		}
	case questionIndustry:
		if bc.Industry != value {
			bc.Industry = value
			return true
		}
	case questionLocation:
		if bc.Location != value {
			bc.Location = value
			return true
		}
	case questionBusinessType:
		if bc.BusinessType != value {
			bc.BusinessType = value
			return true
		}
	}
	return false
}

// contextValue condenses a free-text answer into a short value. Long
// answers keep their first line or clause; anything still too long is cut.
func contextValue(answer string) string {
	v := strings.TrimSpace(answer)
	if i := strings.IndexAny(v, "\n"); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	if len(v) > maxContextValueLen {
		v = strings.TrimSpace(v[:maxContextValueLen])
	}
	return v
}

// ExtractBusinessContext rebuilds context fields from stored history by
// pairing each tagged assistant question with the user answer that follows
// it. Used when a session predates context capture or after go-back.
func ExtractBusinessContext(history []domain.ChatMessage, bc domain.BusinessContext) domain.BusinessContext {
	for i, m := range history {
		if m.Role != domain.RoleAssistant {
			continue
		}
		tag, ok := domain.ParseTag(m.Content)
		if !ok || tag.Phase != domain.PhaseBusinessPlan {
			continue
		}
		for j := i + 1; j < len(history); j++ {
			if history[j].Role != domain.RoleUser {
				continue
			}
			if _, isCmd := DetectCommand(history[j].Content); isCmd {
				break
			}
			extractAnswerFacts(&tag, history[j].Content, &bc)
			break
		}
	}
	return bc
}

// normalizeBusinessContext fills placeholder values so prompt templates and
// research queries never interpolate empty strings.
func normalizeBusinessContext(bc domain.BusinessContext) domain.BusinessContext {
	if bc.BusinessName == "" {
		bc.BusinessName = "Your Business"
	}
	if bc.Industry == "" {
		bc.Industry = "General Business"
	}
	if bc.Location == "" {
		bc.Location = "United States"
	}
	if bc.BusinessType == "" {
		bc.BusinessType = "Startup"
	}
	return bc
}
