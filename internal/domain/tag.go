package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Tag identifies one question within a phase. Ack marks the
// acknowledgment-only sub-state ("PHASE.NN_ACK"): the question was asked and
// a summary is on screen, but the next question must not be served until the
// user explicitly accepts.
type Tag struct {
	Phase  Phase
	Number int
	Ack    bool
}

// tagMarkerPattern matches the wire marker embedded in model output.
// The format is interop-critical: [[Q:<PHASE>.<NN>]] with NN zero-padded
// to exactly two digits.
var tagMarkerPattern = regexp.MustCompile(`\[\[Q:([A-Z_]+)\.(\d{2})\]\]`)

// String renders the persisted form, e.g. "BUSINESS_PLAN.07" or "KYC.06_ACK".
func (t Tag) String() string {
	s := fmt.Sprintf("%s.%02d", t.Phase, t.Number)
	if t.Ack {
		s += "_ACK"
	}
	return s
}

// Marker renders the wire marker placed in assistant replies.
func (t Tag) Marker() string {
	return fmt.Sprintf("[[Q:%s.%02d]]", t.Phase, t.Number)
}

// Valid reports whether the tag names a question that exists in its phase.
func (t Tag) Valid() bool {
	return t.Phase != PhaseUnknown && t.Number >= 1 && t.Number <= t.Phase.Questions()
}

// Next returns the tag of the following question in the same phase.
func (t Tag) Next() Tag {
	return Tag{Phase: t.Phase, Number: t.Number + 1}
}

// ParseTag extracts the first question-tag marker from free text. Model
// output may contain zero or one recognizable marker; when several appear
// only the first is returned and the caller decides how to treat the rest.
func ParseTag(text string) (Tag, bool) {
	m := tagMarkerPattern.FindStringSubmatch(text)
	if m == nil {
		return Tag{}, false
	}
	phase, ok := ParsePhase(m[1])
	if !ok {
		return Tag{}, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil || n < 1 || n > phase.Questions() {
		return Tag{}, false
	}
	return Tag{Phase: phase, Number: n}, true
}

// TagMarkerCount reports how many tag markers appear in the text.
func TagMarkerCount(text string) int {
	return len(tagMarkerPattern.FindAllStringIndex(text, -1))
}

// TruncateAtSecondMarker cuts the text just before its second tag marker.
// A reply that asks two questions violates the one-active-question rule;
// everything from the second marker onward is dropped.
func TruncateAtSecondMarker(text string) string {
	locs := tagMarkerPattern.FindAllStringIndex(text, 2)
	if len(locs) < 2 {
		return text
	}
	return strings.TrimRight(text[:locs[1][0]], " \n\t")
}

// ReplaceFirstMarker rewrites the first tag marker in the text with the
// marker for the given tag. Used when the validator corrects model output.
func ReplaceFirstMarker(text string, t Tag) string {
	replaced := false
	return tagMarkerPattern.ReplaceAllStringFunc(text, func(m string) string {
		if replaced {
			return m
		}
		replaced = true
		return t.Marker()
	})
}

// StripMarkers removes all tag markers for display. Persisted history keeps
// the markers so question turns can be located later (go-back, re-display).
func StripMarkers(text string) string {
	return strings.TrimSpace(tagMarkerPattern.ReplaceAllString(text, ""))
}

// ParseTagString decodes the persisted "PHASE.NN" / "PHASE.NN_ACK" form.
func ParseTagString(s string) (Tag, bool) {
	ack := strings.HasSuffix(s, "_ACK")
	s = strings.TrimSuffix(s, "_ACK")
	name, num, ok := strings.Cut(s, ".")
	if !ok {
		return Tag{}, false
	}
	phase, ok := ParsePhase(name)
	if !ok {
		return Tag{}, false
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 || n > phase.Questions() {
		return Tag{}, false
	}
	return Tag{Phase: phase, Number: n, Ack: ack}, true
}
