package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"tradeflow/access"
	"tradeflow/db"
)

var (
	// ErrUnknownType is returned when an event type is outside the fixed enum.
	ErrUnknownType = errors.New("timeline: unknown event type")
	// ErrMissingJob is returned when an event has no job id.
	ErrMissingJob = errors.New("timeline: missing job id")
)

// Writer appends events inside an open transaction.
type Writer interface {
	Append(ctx context.Context, tx pgx.Tx, params AppendParams) (Event, error)
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Append logs an event. The per-job sequence is derived from the current
// maximum, so callers must hold the job's assignment (or job) row lock.
func (r *Repository) Append(ctx context.Context, tx pgx.Tx, params AppendParams) (Event, error) {
	if params.JobID == "" {
		return Event{}, ErrMissingJob
	}
	if !params.Type.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownType, params.Type)
	}
	if params.Visibility == "" {
		params.Visibility = VisibleToParticipants
	}

	payload := params.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("timeline: marshal payload: %w", err)
	}

	var actor any
	if params.ActorID != "" {
		actor = params.ActorID
	}

	const insertSQL = `
INSERT INTO timeline_events (job_id, seq, type, actor_id, visibility, payload)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3::uuid, $4, $5::jsonb
FROM timeline_events
WHERE job_id = $1
RETURNING id, seq, created_at
`
	ev := Event{
		JobID:      params.JobID,
		Type:       params.Type,
		Visibility: params.Visibility,
		Payload:    payload,
	}
	if params.ActorID != "" {
		actorID := params.ActorID
		ev.ActorID = &actorID
	}
	if err := tx.QueryRow(ctx, insertSQL, params.JobID, string(params.Type), actor, string(params.Visibility), body).
		Scan(&ev.ID, &ev.Seq, &ev.CreatedAt); err != nil {
		return Event{}, fmt.Errorf("timeline: insert event: %w", err)
	}
	return ev, nil
}

// List returns the events of a job visible under filter, oldest first.
func (r *Repository) List(ctx context.Context, q db.Querier, jobID string, filter access.Filter) ([]Event, error) {
	const query = `
SELECT e.id, e.job_id::text, e.seq, e.type, e.actor_id::text, e.visibility, e.payload, e.created_at
FROM timeline_events e
JOIN jobs j ON j.id = e.job_id
LEFT JOIN assignments a ON a.job_id = e.job_id
WHERE e.job_id = $1
  AND ($2::bool OR j.customer_id::text = $3 OR a.provider_id::text = $3)
  AND (e.visibility = 'participants' OR $2::bool OR a.provider_id::text = $3)
ORDER BY e.created_at, e.seq
`
	args := append([]any{jobID}, filter.Args()...)
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("timeline: list: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 16)
	for rows.Next() {
		var (
			ev   Event
			body []byte
		)
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Seq, &ev.Type, &ev.ActorID, &ev.Visibility, &body, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("timeline: scan: %w", err)
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &ev.Payload); err != nil {
				return nil, fmt.Errorf("timeline: decode payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("timeline: iterate: %w", err)
	}
	return out, nil
}
