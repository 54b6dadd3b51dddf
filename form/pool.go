package form

import "strings"

// Pool groups the answers of a repeating section, e.g. one entry per insured
// location. Membership is by answer code; Capacity caps how many entries the
// section may hold, 0 meaning unbounded.
type Pool struct {
	Code        string   `json:"code"`
	Capacity    int      `json:"capacity,omitempty"`
	AnswerCodes []string `json:"answer_codes,omitempty"`
}

// PoolPatch carries the optional field updates of a merge patch. AnswerCodes
// replaces the membership wholesale when non-nil.
type PoolPatch struct {
	Capacity    *int
	AnswerCodes []string
}

// PoolSnapshot is the comparable projection of a pool. Membership is joined
// into one string so the snapshot stays comparable.
type PoolSnapshot struct {
	Code        string
	Capacity    int
	AnswerCodes string
}

func (p Pool) Key() string {
	return p.Code
}

func (p Pool) ApplyPatch(patch PoolPatch) Pool {
	if patch.Capacity != nil {
		p.Capacity = *patch.Capacity
	}
	if patch.AnswerCodes != nil {
		p.AnswerCodes = append([]string(nil), patch.AnswerCodes...)
	}
	return p
}

func (p Pool) Snapshot() PoolSnapshot {
	return PoolSnapshot{
		Code:        p.Code,
		Capacity:    p.Capacity,
		AnswerCodes: strings.Join(p.AnswerCodes, ","),
	}
}
