package timeline

import "time"

// EventType enumerates the workflow actions recorded for a job.
type EventType string

const (
	EventQuoteAccepted      EventType = "quote_accepted"
	EventInvoiceCreated     EventType = "invoice_created"
	EventInvoiceUpdated     EventType = "invoice_updated"
	EventInvoiceSubmitted   EventType = "invoice_submitted"
	EventInvoiceApproved    EventType = "invoice_approved"
	EventInvoiceVoided      EventType = "invoice_voided"
	EventVariationRequested EventType = "variation_requested"
	EventVariationApproved  EventType = "variation_approved"
	EventVariationDeclined  EventType = "variation_declined"
	EventDisputeOpened      EventType = "dispute_opened"
	EventStatusChanged      EventType = "status_changed"
)

var titles = map[EventType]string{
	EventQuoteAccepted:      "Quote accepted",
	EventInvoiceCreated:     "Invoice drafted",
	EventInvoiceUpdated:     "Invoice draft updated",
	EventInvoiceSubmitted:   "Invoice submitted for approval",
	EventInvoiceApproved:    "Invoice approved and funds released",
	EventInvoiceVoided:      "Invoice voided",
	EventVariationRequested: "Variation requested",
	EventVariationApproved:  "Variation approved",
	EventVariationDeclined:  "Variation declined, job continues",
	EventDisputeOpened:      "Dispute opened",
	EventStatusChanged:      "Job status changed",
}

// Title returns the fixed display title for t.
func (t EventType) Title() string {
	if title, ok := titles[t]; ok {
		return title
	}
	return string(t)
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	_, ok := titles[t]
	return ok
}

// Visibility controls which participants may read an event.
type Visibility string

const (
	VisibleToParticipants Visibility = "participants"
	// VisibleToProvider hides draft-invoice activity from the customer.
	VisibleToProvider Visibility = "provider"
)

// Event is an immutable record of a workflow action.
type Event struct {
	ID         int64
	JobID      string
	Seq        int
	Type       EventType
	ActorID    *string
	Visibility Visibility
	Payload    map[string]any
	CreatedAt  time.Time
}

// Title returns the display title of the event.
func (e Event) Title() string {
	return e.Type.Title()
}

// AppendParams describes an event to log inside the caller's transaction.
type AppendParams struct {
	JobID      string
	Type       EventType
	ActorID    string
	Visibility Visibility
	Payload    map[string]any
}
