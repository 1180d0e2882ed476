package variation

import "time"

type Status string

const (
	StatusPendingCustomer Status = "pending_customer"
	StatusApproved        Status = "approved"
	StatusDeclined        Status = "declined"
	// StatusCancelled is reserved; no operation produces it yet.
	StatusCancelled Status = "cancelled"
)

// Decision is the customer's answer to a pending variation.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDeclined Decision = "declined"
)

func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionDeclined
}

// Variation is a provider-proposed change to the agreed scope and price.
type Variation struct {
	ID           string
	JobID        string
	AssignmentID string
	ProviderID   string
	CustomerID   string
	Title        string
	Description  string
	AmountCents  int64
	Status       Status
	DecidedAt    *time.Time
	Version      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type RequestInput struct {
	JobID          string
	Title          string
	Description    string
	AmountCents    int64
	IdempotencyKey string
}

type ResolveInput struct {
	VariationID string
	Decision    Decision
	// ExpectedVersion is checked when non-zero.
	ExpectedVersion int
	IdempotencyKey  string
}

// ResolveResult carries the resolved variation. JobContinues is always true:
// neither decision ends the job.
type ResolveResult struct {
	Variation    Variation
	JobContinues bool
}
