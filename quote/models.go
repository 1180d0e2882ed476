package quote

import "time"

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
)

// Quote is a provider's priced offer on an open job.
type Quote struct {
	ID         string
	JobID      string
	ProviderID string
	PriceCents int64
	Message    string
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type SubmitParams struct {
	JobID      string
	PriceCents int64
	Message    string
}
