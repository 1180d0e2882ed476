package assignment

import (
	"time"

	"tradeflow/access"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusDisputed  Status = "disputed"
	StatusCompleted Status = "completed"
)

// Assignment binds one provider to a job through an accepted quote.
// At most one exists per job.
type Assignment struct {
	ID                      string
	JobID                   string
	CustomerID              string
	ProviderID              string
	AcceptedQuoteID         string
	QuotePriceCents         int64
	ProviderPayoutAccount   *string
	Status                  Status
	AgreedAt                *time.Time
	ProviderAcceptedTermsAt *time.Time
	InProgressAt            *time.Time
	CompletedAt             *time.Time
	Version                 int
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Parties returns the assignment's customer and provider.
func (a Assignment) Parties() access.Participants {
	return access.Participants{CustomerID: a.CustomerID, ProviderID: a.ProviderID}
}

// InProgress reports whether work may be invoiced and varied: the customer
// agreed and the provider accepted the terms.
func (a Assignment) InProgress() bool {
	return a.Status == StatusActive && a.AgreedAt != nil && a.ProviderAcceptedTermsAt != nil
}

// Disputed reports whether a dispute froze the assignment.
func (a Assignment) Disputed() bool {
	return a.Status == StatusDisputed
}

// CreateInput names the quote being accepted for a job.
type CreateInput struct {
	JobID           string
	CustomerID      string
	ProviderID      string
	AcceptedQuoteID string
	IdempotencyKey  string
}

// JobLock is the job row as seen under lock during assignment creation.
type JobLock struct {
	ID                 string
	CustomerID         string
	AssignedProviderID *string
	Status             string
}

// QuoteLock is the quote row as seen under lock during assignment creation.
type QuoteLock struct {
	ID         string
	JobID      string
	ProviderID string
	PriceCents int64
	Status     string
}

type InsertParams struct {
	JobID           string
	CustomerID      string
	ProviderID      string
	AcceptedQuoteID string
	AgreedAt        time.Time
}
