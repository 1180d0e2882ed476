package assignment

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tradeflow/access"
	"tradeflow/db"
)

type Repository interface {
	LockJob(ctx context.Context, tx pgx.Tx, jobID string) (JobLock, error)
	LockQuote(ctx context.Context, tx pgx.Tx, quoteID string) (QuoteLock, error)
	Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Assignment, error)
	AcceptQuote(ctx context.Context, tx pgx.Tx, jobID, quoteID, providerID string) error
	Get(ctx context.Context, q db.Querier, jobID string, filter access.Filter) (Assignment, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, jobID string) (Assignment, error)
	MarkInProgress(ctx context.Context, tx pgx.Tx, a Assignment, at time.Time) (Assignment, error)
	MarkDisputed(ctx context.Context, tx pgx.Tx, jobID string) error
	MarkCompleted(ctx context.Context, tx pgx.Tx, jobID string, at time.Time) error
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const selectAssignment = `
SELECT a.id::text, a.job_id::text, a.customer_id::text, a.provider_id::text, a.accepted_quote_id::text,
       q.price_cents, u.payout_account_id, a.status, a.agreed_at, a.provider_accepted_terms_at,
       a.in_progress_at, a.completed_at, a.version, a.created_at, a.updated_at
FROM assignments a
JOIN quotes q ON q.id = a.accepted_quote_id
JOIN users u ON u.id = a.provider_id
`

func (r *PGRepository) LockJob(ctx context.Context, tx pgx.Tx, jobID string) (JobLock, error) {
	var j JobLock
	const q = `SELECT id::text, customer_id::text, assigned_provider_id::text, status FROM jobs WHERE id = $1 FOR UPDATE`
	if err := tx.QueryRow(ctx, q, jobID).Scan(&j.ID, &j.CustomerID, &j.AssignedProviderID, &j.Status); err != nil {
		return JobLock{}, fmt.Errorf("assignment: lock job %s: %w", jobID, err)
	}
	return j, nil
}

func (r *PGRepository) LockQuote(ctx context.Context, tx pgx.Tx, quoteID string) (QuoteLock, error) {
	var ql QuoteLock
	const q = `SELECT id::text, job_id::text, provider_id::text, price_cents, status FROM quotes WHERE id = $1 FOR UPDATE`
	if err := tx.QueryRow(ctx, q, quoteID).Scan(&ql.ID, &ql.JobID, &ql.ProviderID, &ql.PriceCents, &ql.Status); err != nil {
		return QuoteLock{}, fmt.Errorf("assignment: lock quote %s: %w", quoteID, err)
	}
	return ql, nil
}

// Insert creates the assignment. A second assignment for the same job fails
// on assignments_job_id_key.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, p InsertParams) (Assignment, error) {
	const q = `
WITH a AS (
    INSERT INTO assignments (job_id, customer_id, provider_id, accepted_quote_id, status, agreed_at)
    VALUES ($1, $2, $3, $4, 'active', $5)
    RETURNING *
)
SELECT a.id::text, a.job_id::text, a.customer_id::text, a.provider_id::text, a.accepted_quote_id::text,
       q.price_cents, u.payout_account_id, a.status, a.agreed_at, a.provider_accepted_terms_at,
       a.in_progress_at, a.completed_at, a.version, a.created_at, a.updated_at
FROM a
JOIN quotes q ON q.id = a.accepted_quote_id
JOIN users u ON u.id = a.provider_id
`
	rec, err := scanAssignment(tx.QueryRow(ctx, q, p.JobID, p.CustomerID, p.ProviderID, p.AcceptedQuoteID, p.AgreedAt))
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment: insert: %w", err)
	}
	return rec, nil
}

// AcceptQuote marks quoteID accepted, declines the job's other pending quotes
// and moves the job to agreed.
func (r *PGRepository) AcceptQuote(ctx context.Context, tx pgx.Tx, jobID, quoteID, providerID string) error {
	if _, err := tx.Exec(ctx, `
UPDATE quotes
SET status = CASE WHEN id = $2 THEN 'accepted' ELSE 'declined' END,
    updated_at = now()
WHERE job_id = $1 AND (id = $2 OR status = 'pending')
`, jobID, quoteID); err != nil {
		return fmt.Errorf("assignment: accept quote: %w", err)
	}
	if _, err := tx.Exec(ctx, `
UPDATE jobs
SET status = 'agreed',
    assigned_provider_id = $2,
    updated_at = now()
WHERE id = $1
`, jobID, providerID); err != nil {
		return fmt.Errorf("assignment: mark job agreed: %w", err)
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, q db.Querier, jobID string, filter access.Filter) (Assignment, error) {
	query := selectAssignment + `WHERE a.job_id = $3
  AND ($1::bool OR a.customer_id::text = $2 OR a.provider_id::text = $2)`
	rec, err := scanAssignment(q.QueryRow(ctx, query, filter.Trusted, filter.ActorID, jobID))
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment: get %s: %w", jobID, err)
	}
	return rec, nil
}

// GetForUpdate locks the job's assignment row. Every workflow mutation on a
// job takes this lock first.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, jobID string) (Assignment, error) {
	query := selectAssignment + `WHERE a.job_id = $1 FOR UPDATE OF a`
	rec, err := scanAssignment(tx.QueryRow(ctx, query, jobID))
	if err != nil {
		return Assignment{}, fmt.Errorf("assignment: get for update %s: %w", jobID, err)
	}
	return rec, nil
}

func (r *PGRepository) MarkInProgress(ctx context.Context, tx pgx.Tx, a Assignment, at time.Time) (Assignment, error) {
	const q = `
UPDATE assignments
SET provider_accepted_terms_at = $2,
    in_progress_at = $2,
    version = version + 1,
    updated_at = now()
WHERE id = $1 AND status = 'active'
RETURNING provider_accepted_terms_at, in_progress_at, version, updated_at
`
	if err := tx.QueryRow(ctx, q, a.ID, at).Scan(&a.ProviderAcceptedTermsAt, &a.InProgressAt, &a.Version, &a.UpdatedAt); err != nil {
		return Assignment{}, fmt.Errorf("assignment: mark in progress: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE jobs SET status = 'in_progress', updated_at = now() WHERE id = $1`, a.JobID); err != nil {
		return Assignment{}, fmt.Errorf("assignment: mark job in progress: %w", err)
	}
	return a, nil
}

func (r *PGRepository) MarkDisputed(ctx context.Context, tx pgx.Tx, jobID string) error {
	if _, err := tx.Exec(ctx, `
UPDATE assignments SET status = 'disputed', version = version + 1, updated_at = now()
WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("assignment: mark disputed: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE jobs SET status = 'disputed', updated_at = now() WHERE id = $1`, jobID); err != nil {
		return fmt.Errorf("assignment: mark job disputed: %w", err)
	}
	return nil
}

func (r *PGRepository) MarkCompleted(ctx context.Context, tx pgx.Tx, jobID string, at time.Time) error {
	if _, err := tx.Exec(ctx, `
UPDATE assignments SET status = 'completed', completed_at = $2, version = version + 1, updated_at = now()
WHERE job_id = $1 AND status = 'active'`, jobID, at); err != nil {
		return fmt.Errorf("assignment: mark completed: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE jobs SET status = 'completed', updated_at = now() WHERE id = $1`, jobID); err != nil {
		return fmt.Errorf("assignment: mark job completed: %w", err)
	}
	return nil
}

func scanAssignment(row pgx.Row) (Assignment, error) {
	var a Assignment
	err := row.Scan(
		&a.ID,
		&a.JobID,
		&a.CustomerID,
		&a.ProviderID,
		&a.AcceptedQuoteID,
		&a.QuotePriceCents,
		&a.ProviderPayoutAccount,
		&a.Status,
		&a.AgreedAt,
		&a.ProviderAcceptedTermsAt,
		&a.InProgressAt,
		&a.CompletedAt,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	return a, err
}
