package job

import "time"

type Status string

const (
	StatusOpen       Status = "open"
	StatusAgreed     Status = "agreed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusDisputed   Status = "disputed"
	StatusClosed     Status = "closed"
)

// Job is a customer's request for work.
type Job struct {
	ID                 string
	CustomerID         string
	AssignedProviderID *string
	Title              string
	Description        string
	CategoryTags       []string
	BudgetMinCents     *int64
	BudgetMaxCents     *int64
	Status             Status
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ProviderID returns the assigned provider or "" before a quote is accepted.
func (j Job) ProviderID() string {
	if j.AssignedProviderID == nil {
		return ""
	}
	return *j.AssignedProviderID
}

type CreateParams struct {
	Title          string
	Description    string
	CategoryTags   []string
	BudgetMinCents *int64
	BudgetMaxCents *int64
}

type Filters struct {
	Status   Status
	Page     int
	PageSize int
}
