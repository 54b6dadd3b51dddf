package form

import "strings"

// QuestionSet is a grouped block of questions shown or hidden as a unit.
// Rules toggle Enabled when answers make a block relevant.
type QuestionSet struct {
	Code          string   `json:"code"`
	Title         string   `json:"title,omitempty"`
	Position      int      `json:"position"`
	Enabled       bool     `json:"enabled"`
	QuestionCodes []string `json:"question_codes,omitempty"`
}

// QuestionSetPatch carries the optional field updates of a merge patch.
// QuestionCodes replaces the membership wholesale when non-nil.
type QuestionSetPatch struct {
	Title         *string
	Position      *int
	Enabled       *bool
	QuestionCodes []string
}

// QuestionSetSnapshot is the comparable projection of a question set.
type QuestionSetSnapshot struct {
	Code          string
	Title         string
	Position      int
	Enabled       bool
	QuestionCodes string
}

func (q QuestionSet) Key() string {
	return q.Code
}

func (q QuestionSet) ApplyPatch(p QuestionSetPatch) QuestionSet {
	if p.Title != nil {
		q.Title = *p.Title
	}
	if p.Position != nil {
		q.Position = *p.Position
	}
	if p.Enabled != nil {
		q.Enabled = *p.Enabled
	}
	if p.QuestionCodes != nil {
		q.QuestionCodes = append([]string(nil), p.QuestionCodes...)
	}
	return q
}

func (q QuestionSet) Snapshot() QuestionSetSnapshot {
	return QuestionSetSnapshot{
		Code:          q.Code,
		Title:         q.Title,
		Position:      q.Position,
		Enabled:       q.Enabled,
		QuestionCodes: strings.Join(q.QuestionCodes, ","),
	}
}
