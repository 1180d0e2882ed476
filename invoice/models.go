package invoice

import "time"

type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusDisputed  Status = "disputed"
	StatusVoid      Status = "void"
)

// DefaultPaymentTerms is the gap between issue and due date.
const DefaultPaymentTerms = 14 * 24 * time.Hour

type Item struct {
	Position       int    `json:"position"`
	Description    string `json:"description"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
}

type Invoice struct {
	ID                  string     `json:"id"`
	JobID               string     `json:"job_id"`
	AssignmentID        string     `json:"assignment_id"`
	ProviderID          string     `json:"provider_id"`
	CustomerID          string     `json:"customer_id"`
	Status              Status     `json:"status"`
	Notes               string     `json:"notes"`
	GSTEnabled          bool       `json:"gst_enabled"`
	SubtotalCents       int64      `json:"subtotal_cents"`
	TaxCents            int64      `json:"tax_cents"`
	TotalCents          int64      `json:"total_cents"`
	IssueDate           time.Time  `json:"issue_date"`
	DueDate             time.Time  `json:"due_date"`
	SentAt              *time.Time `json:"sent_at,omitempty"`
	ApprovedAt          *time.Time `json:"approved_at,omitempty"`
	SettlementReference *string    `json:"settlement_reference,omitempty"`
	PlatformFeeCents    *int64     `json:"platform_fee_cents,omitempty"`
	Version             int        `json:"version"`
	Items               []Item     `json:"items"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// ItemInput is a caller-supplied line. Line totals are always computed.
type ItemInput struct {
	Description    string `json:"description"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type CreateInput struct {
	JobID      string
	Items      []ItemInput
	Notes      string
	GSTEnabled bool
	// TotalCents, when set, must equal the payable total.
	TotalCents     *int64
	IdempotencyKey string
}

type UpdateInput struct {
	InvoiceID       string
	Items           []ItemInput
	Notes           string
	GSTEnabled      bool
	TotalCents      *int64
	ExpectedVersion int
}

// TransitionInput identifies the invoice for submit, approve and void.
type TransitionInput struct {
	InvoiceID       string
	ExpectedVersion int
	IdempotencyKey  string
}

// Totals is the money breakdown stored on an invoice.
type Totals struct {
	SubtotalCents int64
	TaxCents      int64
	TotalCents    int64
}
