package transcript

import "strings"

// State is the authoritative transcript. Archive only grows, Provisional is
// replaced every cycle and CutOffset never moves backwards.
type State struct {
	Archive     []string
	Provisional string
	CutOffset   int
}

// Apply folds a stabilizer delta into the state.
func (s *State) Apply(d Delta) {
	if !d.Commit {
		s.Provisional = d.Provisional
		return
	}
	s.Archive = append(s.Archive, d.Text)
	s.Provisional = ""
	s.AdvanceCut(d.CutOffset)
}

// AdvanceCut moves the cut offset forward; smaller values are ignored.
func (s *State) AdvanceCut(offset int) {
	if offset > s.CutOffset {
		s.CutOffset = offset
	}
}

// Committed counts every archived segment, including hidden ones.
func (s State) Committed() int {
	return len(s.Archive)
}

// Clone returns a copy that shares nothing with s.
func (s State) Clone() State {
	out := s
	out.Archive = append([]string(nil), s.Archive...)
	return out
}

// Output is the rendered view of a State.
type Output struct {
	Archive     []string `json:"archive"`
	Provisional string   `json:"provisional"`
	Full        string   `json:"full"`
}

// Filter decides which archived segments are shown.
type Filter interface {
	Visible(segment string) bool
}

// AnnotationFilter hides blank segments and non-speech markers such as
// "[BLANK_AUDIO]".
type AnnotationFilter struct {
	Prefixes []string
}

// DefaultFilter hides bracketed annotations.
var DefaultFilter = AnnotationFilter{Prefixes: []string{"["}}

func (f AnnotationFilter) Visible(segment string) bool {
	trimmed := strings.TrimSpace(segment)
	if trimmed == "" {
		return false
	}
	for _, prefix := range f.Prefixes {
		if prefix != "" && strings.HasPrefix(trimmed, prefix) {
			return false
		}
	}
	return true
}

// View renders the visible archive followed by the provisional text. Full
// joins the trimmed segments with single spaces.
func View(s State, filter Filter) Output {
	archive := make([]string, 0, len(s.Archive))
	for _, segment := range s.Archive {
		if filter == nil || filter.Visible(segment) {
			archive = append(archive, segment)
		}
	}
	parts := make([]string, 0, len(archive)+1)
	for _, segment := range archive {
		parts = append(parts, strings.TrimSpace(segment))
	}
	if provisional := strings.TrimSpace(s.Provisional); provisional != "" {
		parts = append(parts, provisional)
	}
	return Output{
		Archive:     archive,
		Provisional: s.Provisional,
		Full:        strings.Join(parts, " "),
	}
}
