package quote

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"tradeflow/apperr"
	"tradeflow/db"
)

const constraintJobProvider = "quotes_job_provider_key"

var ErrDuplicate = errors.New("quote: provider already quoted on this job")

// JobState is the job row as seen when quoting.
type JobState struct {
	ID         string
	CustomerID string
	Status     string
}

type Repository interface {
	LockJob(ctx context.Context, tx pgx.Tx, jobID string) (JobState, error)
	Insert(ctx context.Context, tx pgx.Tx, providerID string, params SubmitParams) (Quote, error)
	Get(ctx context.Context, q db.Querier, id string) (Quote, error)
	JobCustomer(ctx context.Context, q db.Querier, jobID string) (string, error)
	ListByJob(ctx context.Context, q db.Querier, jobID, providerID string) ([]Quote, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const quoteColumns = `id::text, job_id::text, provider_id::text, price_cents, message, status, created_at, updated_at`

func (r *PGRepository) LockJob(ctx context.Context, tx pgx.Tx, jobID string) (JobState, error) {
	var j JobState
	const q = `SELECT id::text, customer_id::text, status FROM jobs WHERE id = $1 FOR SHARE`
	if err := tx.QueryRow(ctx, q, jobID).Scan(&j.ID, &j.CustomerID, &j.Status); err != nil {
		return JobState{}, fmt.Errorf("quote: lock job %s: %w", jobID, err)
	}
	return j, nil
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, providerID string, p SubmitParams) (Quote, error) {
	query := `
INSERT INTO quotes (job_id, provider_id, price_cents, message, status)
VALUES ($1, $2, $3, $4, 'pending')
RETURNING ` + quoteColumns
	q, err := scanQuote(tx.QueryRow(ctx, query, p.JobID, providerID, p.PriceCents, p.Message))
	if err != nil {
		if apperr.IsUniqueViolation(err, constraintJobProvider) {
			return Quote{}, ErrDuplicate
		}
		return Quote{}, fmt.Errorf("quote: insert: %w", err)
	}
	return q, nil
}

func (r *PGRepository) Get(ctx context.Context, q db.Querier, id string) (Quote, error) {
	quote, err := scanQuote(q.QueryRow(ctx, `SELECT `+quoteColumns+` FROM quotes WHERE id = $1`, id))
	if err != nil {
		return Quote{}, fmt.Errorf("quote: get %s: %w", id, err)
	}
	return quote, nil
}

func (r *PGRepository) JobCustomer(ctx context.Context, q db.Querier, jobID string) (string, error) {
	var customerID string
	if err := q.QueryRow(ctx, `SELECT customer_id::text FROM jobs WHERE id = $1`, jobID).Scan(&customerID); err != nil {
		return "", fmt.Errorf("quote: job customer %s: %w", jobID, err)
	}
	return customerID, nil
}

// ListByJob lists a job's quotes. A non-empty providerID restricts the list
// to that provider's own quotes.
func (r *PGRepository) ListByJob(ctx context.Context, q db.Querier, jobID, providerID string) ([]Quote, error) {
	query := `SELECT ` + quoteColumns + ` FROM quotes WHERE job_id = $1 AND ($2 = '' OR provider_id::text = $2) ORDER BY created_at`
	rows, err := q.Query(ctx, query, jobID, providerID)
	if err != nil {
		return nil, fmt.Errorf("quote: list: %w", err)
	}
	defer rows.Close()

	out := []Quote{}
	for rows.Next() {
		quote, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("quote: scan: %w", err)
		}
		out = append(out, quote)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quote: iterate: %w", err)
	}
	return out, nil
}

func scanQuote(row pgx.Row) (Quote, error) {
	var q Quote
	err := row.Scan(&q.ID, &q.JobID, &q.ProviderID, &q.PriceCents, &q.Message, &q.Status, &q.CreatedAt, &q.UpdatedAt)
	return q, err
}
