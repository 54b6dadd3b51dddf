package form

import (
	"encoding/json"
	"fmt"
)

// Answer is one captured response, keyed by its question code. Value is
// free-form: string, number, bool, null, or nested arrays/objects as decoded
// from JSON.
type Answer struct {
	Code   string `json:"code"`
	Value  any    `json:"value"`
	Source string `json:"source,omitempty"`
}

// AnswerPatch carries the optional field updates of a merge patch. A non-nil
// Value pointer sets the value, even to JSON null.
type AnswerPatch struct {
	Value  *any
	Source *string
}

// AnswerSnapshot is the comparable projection of an answer. Value is held in
// its canonical encoding so structurally equal values compare equal.
type AnswerSnapshot struct {
	Code   string
	Value  string
	Source string
}

func (a Answer) Key() string {
	return a.Code
}

func (a Answer) ApplyPatch(p AnswerPatch) Answer {
	if p.Value != nil {
		a.Value = *p.Value
	}
	if p.Source != nil {
		a.Source = *p.Source
	}
	return a
}

func (a Answer) Snapshot() AnswerSnapshot {
	return AnswerSnapshot{
		Code:   a.Code,
		Value:  EncodeValue(a.Value),
		Source: a.Source,
	}
}

// EncodeValue returns the canonical encoding of a free-form value, used for
// structural comparison inside snapshots. encoding/json sorts object keys so
// the output is deterministic.
func EncodeValue(v any) string {
	if v == nil {
		return "null"
	}
	ba, err := json.Marshal(v)
	if err != nil {
		// Non-encodable values still need a stable identity.
		return fmt.Sprintf("!%v", v)
	}
	return string(ba)
}
