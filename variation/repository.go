package variation

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tradeflow/access"
	"tradeflow/db"
)

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, v Variation) (Variation, error)
	JobIDFor(ctx context.Context, q db.Querier, id string) (string, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Variation, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, decidedAt time.Time) (Variation, error)
	Get(ctx context.Context, q db.Querier, id string, filter access.Filter) (Variation, error)
	List(ctx context.Context, q db.Querier, jobID string, filter access.Filter) ([]Variation, error)
	ListApproved(ctx context.Context, q db.Querier, jobID string) ([]Variation, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const variationColumns = `id::text, job_id::text, assignment_id::text, provider_id::text, customer_id::text,
       title, description, amount_cents, status, decided_at, version, created_at, updated_at`

const participantSQL = `($1::bool OR customer_id::text = $2 OR provider_id::text = $2)`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, v Variation) (Variation, error) {
	query := `
INSERT INTO variations (job_id, assignment_id, provider_id, customer_id, title, description, amount_cents, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending_customer')
RETURNING ` + variationColumns
	created, err := scanVariation(tx.QueryRow(ctx, query,
		v.JobID, v.AssignmentID, v.ProviderID, v.CustomerID, v.Title, v.Description, v.AmountCents))
	if err != nil {
		return Variation{}, fmt.Errorf("variation: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) JobIDFor(ctx context.Context, q db.Querier, id string) (string, error) {
	var jobID string
	if err := q.QueryRow(ctx, `SELECT job_id::text FROM variations WHERE id = $1`, id).Scan(&jobID); err != nil {
		return "", fmt.Errorf("variation: job for %s: %w", id, err)
	}
	return jobID, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Variation, error) {
	v, err := scanVariation(tx.QueryRow(ctx, `SELECT `+variationColumns+` FROM variations WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Variation{}, fmt.Errorf("variation: get for update %s: %w", id, err)
	}
	return v, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, decidedAt time.Time) (Variation, error) {
	query := `
UPDATE variations
SET status = $2, decided_at = $3, version = version + 1, updated_at = now()
WHERE id = $1
RETURNING ` + variationColumns
	v, err := scanVariation(tx.QueryRow(ctx, query, id, status, decidedAt))
	if err != nil {
		return Variation{}, fmt.Errorf("variation: update status: %w", err)
	}
	return v, nil
}

func (r *PGRepository) Get(ctx context.Context, q db.Querier, id string, filter access.Filter) (Variation, error) {
	query := `SELECT ` + variationColumns + ` FROM variations WHERE ` + participantSQL + ` AND id = $3`
	v, err := scanVariation(q.QueryRow(ctx, query, filter.Trusted, filter.ActorID, id))
	if err != nil {
		return Variation{}, fmt.Errorf("variation: get %s: %w", id, err)
	}
	return v, nil
}

func (r *PGRepository) List(ctx context.Context, q db.Querier, jobID string, filter access.Filter) ([]Variation, error) {
	query := `SELECT ` + variationColumns + ` FROM variations WHERE ` + participantSQL + ` AND job_id = $3 ORDER BY created_at`
	return r.list(ctx, q, query, filter.Trusted, filter.ActorID, jobID)
}

// ListApproved returns the approved variations that fold into the job total.
func (r *PGRepository) ListApproved(ctx context.Context, q db.Querier, jobID string) ([]Variation, error) {
	query := `SELECT ` + variationColumns + ` FROM variations WHERE job_id = $1 AND status = 'approved' ORDER BY decided_at, created_at`
	return r.list(ctx, q, query, jobID)
}

func (r *PGRepository) list(ctx context.Context, q db.Querier, query string, args ...any) ([]Variation, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("variation: list: %w", err)
	}
	defer rows.Close()

	out := []Variation{}
	for rows.Next() {
		v, err := scanVariation(rows)
		if err != nil {
			return nil, fmt.Errorf("variation: scan: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("variation: iterate: %w", err)
	}
	return out, nil
}

func scanVariation(row pgx.Row) (Variation, error) {
	var v Variation
	err := row.Scan(
		&v.ID,
		&v.JobID,
		&v.AssignmentID,
		&v.ProviderID,
		&v.CustomerID,
		&v.Title,
		&v.Description,
		&v.AmountCents,
		&v.Status,
		&v.DecidedAt,
		&v.Version,
		&v.CreatedAt,
		&v.UpdatedAt,
	)
	return v, err
}
