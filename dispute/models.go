package dispute

import "time"

// Status represents the lifecycle of a dispute. Resolution happens outside
// this engine, so open is the only state it produces.
type Status string

const StatusOpen Status = "open"

// Dispute mirrors the disputes table.
type Dispute struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	AssignmentID string    `json:"assignment_id"`
	OpenedBy     string    `json:"opened_by"`
	AgainstParty string    `json:"against_party"`
	Reason       string    `json:"reason"`
	Description  string    `json:"description"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type OpenInput struct {
	JobID          string
	Reason         string
	Description    string
	IdempotencyKey string
}

// OpenResult carries the dispute and the submitted invoices it froze.
type OpenResult struct {
	Dispute        Dispute  `json:"dispute"`
	FrozenInvoices []string `json:"frozen_invoice_ids"`
}
