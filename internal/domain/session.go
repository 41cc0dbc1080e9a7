package domain

import "time"

// Session is one guided conversation. Version increments on every persisted
// patch; writers must present the version they read so concurrent turns for
// the same session cannot double-advance the question state.
type Session struct {
	ID            string
	UserID        string
	Title         string
	CurrentPhase  Phase
	AskedQ        *Tag // nil until the first question is served
	AnsweredCount int

	BusinessContext BusinessContext

	BusinessPlanSummary  string
	BusinessPlanArtifact string
	ArtifactGeneratedAt  *time.Time
	RoadmapContent       string
	RoadmapGeneratedAt   *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BusinessContext holds facts extracted from the user's answers plus the
// transient uploaded-plan bookkeeping.
type BusinessContext struct {
	BusinessName string `json:"business_name,omitempty"`
	Industry     string `json:"industry,omitempty"`
	Location     string `json:"location,omitempty"`
	BusinessType string `json:"business_type,omitempty"`

	// FeedbackIntensity is how hard the advisor critiques answers, 0 (off)
	// to 10 (mentor-level challenge). Nil means the default of 5.
	FeedbackIntensity *int `json:"feedback_intensity,omitempty"`

	// UploadedPlanMode is set when the user supplied an existing plan
	// document and only the questions it failed to cover are owed.
	UploadedPlanMode bool `json:"uploaded_plan_mode,omitempty"`
	// MissingQuestions are BUSINESS_PLAN question numbers still owed from
	// an uploaded document, in the order they should be offered.
	MissingQuestions []int `json:"missing_questions,omitempty"`
	// HighWater is the highest BUSINESS_PLAN question number ever
	// presented; sequencing resumes from here once MissingQuestions empties.
	HighWater int `json:"high_water,omitempty"`
}

// RemoveMissingQuestion drops n from the owed set and reports whether it was
// present. Answered missing questions leave the set exactly once.
func (b *BusinessContext) RemoveMissingQuestion(n int) bool {
	for i, q := range b.MissingQuestions {
		if q == n {
			b.MissingQuestions = append(b.MissingQuestions[:i], b.MissingQuestions[i+1:]...)
			return true
		}
	}
	return false
}

// SessionPatch is the set of session fields one turn wants to persist.
// Nil pointer fields are left untouched by the store, so a patch never
// clobbers concurrently-unmodified columns.
type SessionPatch struct {
	CurrentPhase    *Phase
	AskedQ          *Tag
	ClearAskedQ     bool
	AnsweredCount   *int
	BusinessContext *BusinessContext

	BusinessPlanSummary  *string
	BusinessPlanArtifact *string
	ArtifactGeneratedAt  *time.Time
	RoadmapContent       *string
	RoadmapGeneratedAt   *time.Time
}

// Empty reports whether the patch changes nothing.
func (p SessionPatch) Empty() bool {
	return p.CurrentPhase == nil && p.AskedQ == nil && !p.ClearAskedQ &&
		p.AnsweredCount == nil && p.BusinessContext == nil &&
		p.BusinessPlanSummary == nil && p.BusinessPlanArtifact == nil &&
		p.ArtifactGeneratedAt == nil && p.RoadmapContent == nil &&
		p.RoadmapGeneratedAt == nil
}

// Apply copies the patch onto an in-memory session.
func (p SessionPatch) Apply(s *Session) {
	if p.CurrentPhase != nil {
		s.CurrentPhase = *p.CurrentPhase
	}
	if p.ClearAskedQ {
		s.AskedQ = nil
	} else if p.AskedQ != nil {
		t := *p.AskedQ
		s.AskedQ = &t
	}
	if p.AnsweredCount != nil {
		s.AnsweredCount = *p.AnsweredCount
	}
	if p.BusinessContext != nil {
		s.BusinessContext = *p.BusinessContext
	}
	if p.BusinessPlanSummary != nil {
		s.BusinessPlanSummary = *p.BusinessPlanSummary
	}
	if p.BusinessPlanArtifact != nil {
		s.BusinessPlanArtifact = *p.BusinessPlanArtifact
	}
	if p.ArtifactGeneratedAt != nil {
		s.ArtifactGeneratedAt = p.ArtifactGeneratedAt
	}
	if p.RoadmapContent != nil {
		s.RoadmapContent = *p.RoadmapContent
	}
	if p.RoadmapGeneratedAt != nil {
		s.RoadmapGeneratedAt = p.RoadmapGeneratedAt
	}
}

// Message roles as stored in chat history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one stored history record. Assistant question turns keep
// their tag markers in Content so they can be located again later.
type ChatMessage struct {
	ID        int64
	SessionID string
	Role      string
	Content   string
	Phase     Phase
	CreatedAt time.Time
}
