package form

import (
	"github.com/formbridge/fab"
)

// Copy is the versioned document holding a form's denormalized tenant-store
// collections. Field-level edits mutate it incrementally; structural rewrites
// replace it wholesale under a bumped version, archiving the predecessor.
type Copy struct {
	FormID  fab.UUID `json:"form_id"`
	Version int64    `json:"version"`

	Answers      map[string]Answer      `json:"answers,omitempty"`
	Pools        map[string]Pool        `json:"pools,omitempty"`
	QuestionSets map[string]QuestionSet `json:"question_sets,omitempty"`
	Messages     []Message              `json:"messages,omitempty"`
	Events       []Event                `json:"events,omitempty"`
}

// NewCopy returns an empty version-1 Copy for the given form.
func NewCopy(formID fab.UUID) *Copy {
	return &Copy{
		FormID:       formID,
		Version:      1,
		Answers:      map[string]Answer{},
		Pools:        map[string]Pool{},
		QuestionSets: map[string]QuestionSet{},
	}
}

// Clone returns a deep copy. Entity values are plain data so map/slice copies
// suffice; free-form answer values are shared intentionally and must be
// treated as immutable by callers.
func (c *Copy) Clone() *Copy {
	if c == nil {
		return nil
	}
	out := &Copy{
		FormID:       c.FormID,
		Version:      c.Version,
		Answers:      make(map[string]Answer, len(c.Answers)),
		Pools:        make(map[string]Pool, len(c.Pools)),
		QuestionSets: make(map[string]QuestionSet, len(c.QuestionSets)),
	}
	for k, v := range c.Answers {
		out.Answers[k] = v
	}
	for k, v := range c.Pools {
		v.AnswerCodes = append([]string(nil), v.AnswerCodes...)
		out.Pools[k] = v
	}
	for k, v := range c.QuestionSets {
		v.QuestionCodes = append([]string(nil), v.QuestionCodes...)
		out.QuestionSets[k] = v
	}
	out.Messages = append([]Message(nil), c.Messages...)
	out.Events = append([]Event(nil), c.Events...)
	return out
}

// Seed populates an empty Copy from a template's collections.
func (c *Copy) Seed(t Template) {
	for _, a := range t.Answers {
		c.Answers[a.Code] = a
	}
	for _, p := range t.Pools {
		c.Pools[p.Code] = p
	}
	for _, q := range t.QuestionSets {
		c.QuestionSets[q.Code] = q
	}
}
