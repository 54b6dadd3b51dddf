// Package form defines the application-form aggregate the batching engine
// mutates: the Form root, its versioned Copy document with the denormalized
// collections (answers, pools, question sets, messages, events), and the
// primary-store collections (quote requests, carrier opt-ins).
//
// Entities are plain values. Each diffable entity provides a Key, a merge
// ApplyPatch and a comparable Snapshot projection of its persisted fields;
// the batch package builds its change tracking on those three.
package form

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/formbridge/fab"
)

// FormStatus is the lifecycle state of a form. Serialized by name so stored
// rows and rule conditions read "in_review" rather than a number.
type FormStatus int

const (
	Draft FormStatus = iota
	InReview
	Completed
	Archived
)

func (s FormStatus) String() string {
	switch s {
	case InReview:
		return "in_review"
	case Completed:
		return "completed"
	case Archived:
		return "archived"
	}
	return "draft"
}

// ParseFormStatus is the inverse of String.
func ParseFormStatus(name string) (FormStatus, error) {
	switch name {
	case "draft":
		return Draft, nil
	case "in_review":
		return InReview, nil
	case "completed":
		return Completed, nil
	case "archived":
		return Archived, nil
	}
	return Draft, fmt.Errorf("unknown form status %q", name)
}

func (s FormStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *FormStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseFormStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Form is the aggregate root. Collections hang off its Copy document and off
// the primary store (quote requests, carrier opt-ins).
type Form struct {
	ID     fab.UUID   `json:"id"`
	Tenant string     `json:"tenant"`
	Kind   string     `json:"kind"`
	Status FormStatus `json:"status"`
	// CopyVersion is the version of the active Copy document. Bumped when the
	// Copy is replaced wholesale.
	CopyVersion int64     `json:"copy_version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FormPatch carries the optional field updates of a merge patch. Nil fields
// are left untouched.
type FormPatch struct {
	Kind   *string
	Status *FormStatus
}

// FormSnapshot is the comparable projection of a form's persisted fields.
// Timestamps are excluded so bookkeeping writes never count as changes.
type FormSnapshot struct {
	ID          string
	Tenant      string
	Kind        string
	Status      FormStatus
	CopyVersion int64
}

func (f Form) Key() string {
	return f.ID.String()
}

func (f Form) ApplyPatch(p FormPatch) Form {
	if p.Kind != nil {
		f.Kind = *p.Kind
	}
	if p.Status != nil {
		f.Status = *p.Status
	}
	return f
}

func (f Form) Snapshot() FormSnapshot {
	return FormSnapshot{
		ID:          f.ID.String(),
		Tenant:      f.Tenant,
		Kind:        f.Kind,
		Status:      f.Status,
		CopyVersion: f.CopyVersion,
	}
}

// Template seeds the creation path: a new form starts from the template's
// kind and pre-populated collections.
type Template struct {
	Kind         string
	Answers      []Answer
	Pools        []Pool
	QuestionSets []QuestionSet
	// Carriers initially opted in.
	Carriers []string
}
