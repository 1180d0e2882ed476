package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	TopicAssignmentCreated    = "assignment.created"
	TopicAssignmentInProgress = "assignment.in_progress"
	TopicInvoiceSubmitted     = "invoice.submitted"
	TopicInvoiceApproved      = "invoice.approved"
	TopicVariationRequested   = "variation.requested"
	TopicVariationDecided     = "variation.decided"
	TopicDisputeOpened        = "dispute.opened"
)

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Message represents a transactional outbox entry.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	LastError *string
	CreatedAt time.Time
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("outbox: decode %s payload: %w", m.Topic, err)
	}
	return nil
}

// Writer enqueues messages inside the caller's transaction.
type Writer interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: missing topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// Claim locks up to limit due messages. Rows locked by another relay are skipped.
func (r *Repository) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	const q = `
SELECT id::text, topic, payload, status, attempts, last_error, created_at
FROM outbox
WHERE status = 'pending' AND available_at <= now()
ORDER BY created_at
FOR UPDATE SKIP LOCKED
LIMIT $1
`
	rows, err := tx.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.LastError, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return out, nil
}

func (r *Repository) MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	const q = `
UPDATE outbox
SET status = 'processed', attempts = attempts + 1, processed_at = now(), last_error = NULL
WHERE id = $1
`
	if _, err := tx.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. Dead messages are never retried.
func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, id string, cause string, dead bool, retryAfter time.Duration) error {
	status := StatusPending
	if dead {
		status = StatusDead
	}
	const q = `
UPDATE outbox
SET status = $2,
    attempts = attempts + 1,
    last_error = $3,
    available_at = now() + make_interval(secs => $4)
WHERE id = $1
`
	if _, err := tx.Exec(ctx, q, id, status, cause, retryAfter.Seconds()); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}
