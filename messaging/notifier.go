package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"tradeflow/outbox"
)

// event is the common outbox payload shape written by the workflow services.
type event struct {
	JobID               string `json:"job_id"`
	CustomerID          string `json:"customer_id"`
	ProviderID          string `json:"provider_id"`
	ActorID             string `json:"actor_id"`
	QuoteID             string `json:"quote_id"`
	InvoiceID           string `json:"invoice_id"`
	VariationID         string `json:"variation_id"`
	DisputeID           string `json:"dispute_id"`
	PriceCents          int64  `json:"price_cents"`
	TotalCents          int64  `json:"total_cents"`
	AmountCents         int64  `json:"amount_cents"`
	PlatformFeeCents    int64  `json:"platform_fee_cents"`
	SettlementReference string `json:"settlement_reference"`
	Title               string `json:"title"`
	Description         string `json:"description"`
	Reason              string `json:"reason"`
	Status              string `json:"status"`
}

// Notifier turns outbox messages into conversation messages. It satisfies
// outbox.Handler.
type Notifier struct {
	messenger Messenger
	baseURL   string
	logger    *slog.Logger
}

func NewNotifier(m Messenger, deepLinkBaseURL string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		messenger: m,
		baseURL:   strings.TrimRight(deepLinkBaseURL, "/"),
		logger:    logger,
	}
}

func (n *Notifier) Handle(ctx context.Context, msg outbox.Message) error {
	var ev event
	if err := msg.Decode(&ev); err != nil {
		return err
	}
	out, ok := n.render(msg.Topic, ev)
	if !ok {
		n.logger.DebugContext(ctx, "no notification for topic", "topic", msg.Topic, "message_id", msg.ID)
		return nil
	}
	if ev.JobID == "" || ev.CustomerID == "" || ev.ProviderID == "" {
		return fmt.Errorf("messaging: %s payload missing participants", msg.Topic)
	}

	conv, err := n.messenger.GetOrCreateConversation(ctx, ev.CustomerID, ev.ProviderID, ev.JobID)
	if err != nil {
		return fmt.Errorf("messaging: conversation for job %s: %w", ev.JobID, err)
	}
	out.ConversationID = conv.ID
	out.ActorID = ev.ActorID
	if err := n.messenger.SendMessage(ctx, out); err != nil {
		return fmt.Errorf("messaging: send %s: %w", msg.Topic, err)
	}
	n.logger.InfoContext(ctx, "notification sent", "topic", msg.Topic, "job_id", ev.JobID, "conversation_id", conv.ID)
	return nil
}

func (n *Notifier) render(topic string, ev event) (Message, bool) {
	switch topic {
	case outbox.TopicAssignmentCreated:
		return Message{
			Type: TypeQuote,
			Text: fmt.Sprintf("Quote accepted for %s. Waiting for the provider to accept the job terms.", FormatCents(ev.PriceCents)),
			Payload: map[string]any{
				"quote_id": ev.QuoteID,
				"link":     n.jobLink(ev.JobID),
			},
		}, true
	case outbox.TopicAssignmentInProgress:
		return Message{
			Type:    TypeStatus,
			Text:    "Job terms accepted. Work is now in progress.",
			Payload: map[string]any{"status": "in_progress", "link": n.jobLink(ev.JobID)},
		}, true
	case outbox.TopicInvoiceSubmitted:
		return Message{
			Type: TypeInvoice,
			Text: fmt.Sprintf("Invoice submitted for %s.", FormatCents(ev.TotalCents)),
			Payload: map[string]any{
				"invoice_id":  ev.InvoiceID,
				"total_cents": ev.TotalCents,
				"link":        n.jobLink(ev.JobID) + "/invoices/" + ev.InvoiceID,
			},
		}, true
	case outbox.TopicInvoiceApproved:
		return Message{
			Type: TypeInvoice,
			Text: fmt.Sprintf("Invoice approved. %s released to the provider.", FormatCents(ev.TotalCents-ev.PlatformFeeCents)),
			Payload: map[string]any{
				"invoice_id":           ev.InvoiceID,
				"total_cents":          ev.TotalCents,
				"platform_fee_cents":   ev.PlatformFeeCents,
				"settlement_reference": ev.SettlementReference,
				"link":                 n.jobLink(ev.JobID) + "/invoices/" + ev.InvoiceID,
			},
		}, true
	case outbox.TopicVariationRequested:
		return Message{
			Type: TypeVariation,
			Text: fmt.Sprintf("Variation requested: %s (%s).", ev.Title, FormatCents(ev.AmountCents)),
			Payload: map[string]any{
				"variation_id": ev.VariationID,
				"amount_cents": ev.AmountCents,
				"link":         n.jobLink(ev.JobID) + "/variations/" + ev.VariationID,
			},
		}, true
	case outbox.TopicVariationDecided:
		return Message{
			Type: TypeVariation,
			Text: fmt.Sprintf("Variation %s: %s (%s).", ev.Status, ev.Title, FormatCents(ev.AmountCents)),
			Payload: map[string]any{
				"variation_id": ev.VariationID,
				"status":       ev.Status,
				"link":         n.jobLink(ev.JobID) + "/variations/" + ev.VariationID,
			},
		}, true
	case outbox.TopicDisputeOpened:
		return Message{
			Type: TypeDispute,
			Text: fmt.Sprintf("A dispute was opened: %s. Invoices and variations are on hold.", ev.Reason),
			Payload: map[string]any{
				"dispute_id": ev.DisputeID,
				"link":       n.jobLink(ev.JobID) + "/disputes/" + ev.DisputeID,
			},
		}, true
	}
	return Message{}, false
}

func (n *Notifier) jobLink(jobID string) string {
	return n.baseURL + "/jobs/" + jobID
}

// FormatCents renders cents as dollars, e.g. 123456 -> "$1,234.56".
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	whole := fmt.Sprintf("%d", cents/100)
	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return fmt.Sprintf("%s$%s.%02d", sign, b.String(), cents%100)
}
