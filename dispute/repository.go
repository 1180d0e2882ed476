package dispute

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"tradeflow/access"
	"tradeflow/db"
)

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error)
	Get(ctx context.Context, q db.Querier, id string, filter access.Filter) (Dispute, error)
	List(ctx context.Context, q db.Querier, jobID string, filter access.Filter) ([]Dispute, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const disputeColumns = `id::text, job_id::text, assignment_id::text, opened_by::text, against_party::text,
       reason, description, status, created_at, updated_at`

const participantSQL = `($1::bool OR opened_by::text = $2 OR against_party::text = $2)`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error) {
	query := `
INSERT INTO disputes (job_id, assignment_id, opened_by, against_party, reason, description, status)
VALUES ($1, $2, $3, $4, $5, $6, 'open')
RETURNING ` + disputeColumns
	created, err := scanDispute(tx.QueryRow(ctx, query,
		d.JobID, d.AssignmentID, d.OpenedBy, d.AgainstParty, d.Reason, d.Description))
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	d, err := scanDispute(tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: get for update %s: %w", id, err)
	}
	return d, nil
}

func (r *PGRepository) Get(ctx context.Context, q db.Querier, id string, filter access.Filter) (Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE ` + participantSQL + ` AND id = $3`
	d, err := scanDispute(q.QueryRow(ctx, query, filter.Trusted, filter.ActorID, id))
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: get %s: %w", id, err)
	}
	return d, nil
}

func (r *PGRepository) List(ctx context.Context, q db.Querier, jobID string, filter access.Filter) ([]Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE ` + participantSQL + ` AND job_id = $3 ORDER BY created_at DESC`
	rows, err := q.Query(ctx, query, filter.Trusted, filter.ActorID, jobID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 2)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(&d.ID, &d.JobID, &d.AssignmentID, &d.OpenedBy, &d.AgainstParty,
		&d.Reason, &d.Description, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}
