package form

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/formbridge/fab"
)

// QuoteStatus is the lifecycle state of a quote request. Serialized by name
// so stored rows and rule conditions read "submitted" rather than a number.
type QuoteStatus int

const (
	QuoteDraft QuoteStatus = iota
	QuoteSubmitted
	QuoteDeclined
	QuoteBound
)

func (s QuoteStatus) String() string {
	switch s {
	case QuoteSubmitted:
		return "submitted"
	case QuoteDeclined:
		return "declined"
	case QuoteBound:
		return "bound"
	}
	return "draft"
}

// ParseQuoteStatus is the inverse of String.
func ParseQuoteStatus(name string) (QuoteStatus, error) {
	switch name {
	case "draft":
		return QuoteDraft, nil
	case "submitted":
		return QuoteSubmitted, nil
	case "declined":
		return QuoteDeclined, nil
	case "bound":
		return QuoteBound, nil
	}
	return QuoteDraft, fmt.Errorf("unknown quote status %q", name)
}

func (s QuoteStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *QuoteStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseQuoteStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// QuoteRequest asks one carrier to quote the form. Lives in the primary store.
type QuoteRequest struct {
	ID          fab.UUID    `json:"id"`
	CarrierCode string      `json:"carrier_code"`
	Status      QuoteStatus `json:"status"`
	SubmittedAt *time.Time  `json:"submitted_at,omitempty"`
}

// QuoteRequestPatch carries the optional field updates of a merge patch.
type QuoteRequestPatch struct {
	Status      *QuoteStatus
	SubmittedAt *time.Time
}

// QuoteRequestSnapshot is the comparable projection of a quote request.
type QuoteRequestSnapshot struct {
	ID          string
	CarrierCode string
	Status      QuoteStatus
	SubmittedAt string
}

func (q QuoteRequest) Key() string {
	return q.ID.String()
}

func (q QuoteRequest) ApplyPatch(p QuoteRequestPatch) QuoteRequest {
	if p.Status != nil {
		q.Status = *p.Status
	}
	if p.SubmittedAt != nil {
		t := *p.SubmittedAt
		q.SubmittedAt = &t
	}
	return q
}

func (q QuoteRequest) Snapshot() QuoteRequestSnapshot {
	s := QuoteRequestSnapshot{
		ID:          q.ID.String(),
		CarrierCode: q.CarrierCode,
		Status:      q.Status,
	}
	if q.SubmittedAt != nil {
		s.SubmittedAt = q.SubmittedAt.UTC().Format(time.RFC3339Nano)
	}
	return s
}

// NewQuoteRequest starts a draft quote request for the given carrier.
func NewQuoteRequest(carrierCode string) QuoteRequest {
	return QuoteRequest{
		ID:          fab.NewUUID(),
		CarrierCode: carrierCode,
		Status:      QuoteDraft,
	}
}
