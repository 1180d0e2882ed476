package job

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"tradeflow/access"
	"tradeflow/db"
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, customerID string, params CreateParams) (Job, error)
	Get(ctx context.Context, q db.Querier, id string, filter access.Filter, includeOpen bool) (Job, error)
	List(ctx context.Context, q db.Querier, filter access.Filter, includeOpen bool, filters Filters) ([]Job, int, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Job, error)
	Participants(ctx context.Context, q db.Querier, jobID string) (access.Participants, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const jobColumns = `id::text, customer_id::text, assigned_provider_id::text, title, description, category_tags,
       budget_min_cents, budget_max_cents, status, created_at, updated_at`

// visibleSQL restricts rows to the caller's jobs. Providers additionally see
// open jobs so they can quote on them.
const visibleSQL = `($1::bool OR customer_id::text = $2 OR assigned_provider_id::text = $2 OR ($3::bool AND status = 'open'))`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, customerID string, params CreateParams) (Job, error) {
	tags := params.CategoryTags
	if tags == nil {
		tags = []string{}
	}
	query := `
INSERT INTO jobs (customer_id, title, description, category_tags, budget_min_cents, budget_max_cents, status)
VALUES ($1, $2, $3, $4, $5, $6, 'open')
RETURNING ` + jobColumns

	row := tx.QueryRow(ctx, query,
		customerID,
		params.Title,
		params.Description,
		tags,
		params.BudgetMinCents,
		params.BudgetMaxCents,
	)
	j, err := scanJob(row)
	if err != nil {
		return Job{}, fmt.Errorf("job: insert: %w", err)
	}
	return j, nil
}

func (r *PGRepository) Get(ctx context.Context, q db.Querier, id string, filter access.Filter, includeOpen bool) (Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + visibleSQL + ` AND id = $4`
	j, err := scanJob(q.QueryRow(ctx, query, filter.Trusted, filter.ActorID, includeOpen, id))
	if err != nil {
		return Job{}, fmt.Errorf("job: get %s: %w", id, err)
	}
	return j, nil
}

func (r *PGRepository) List(ctx context.Context, q db.Querier, filter access.Filter, includeOpen bool, filters Filters) ([]Job, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	args := []any{filter.Trusted, filter.ActorID, includeOpen}
	where := " WHERE " + visibleSQL
	if filters.Status != "" {
		args = append(args, filters.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize
	query := fmt.Sprintf(`SELECT %s FROM jobs%s ORDER BY created_at DESC LIMIT %d OFFSET %d`, jobColumns, where, limit, offset)

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("job: query list: %w", err)
	}
	defer rows.Close()

	list := []Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("job: scan: %w", err)
		}
		list = append(list, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("job: iterate: %w", err)
	}

	var total int
	if err := q.QueryRow(ctx, "SELECT COUNT(*) FROM jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("job: count list: %w", err)
	}
	return list, total, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 FOR UPDATE`
	j, err := scanJob(tx.QueryRow(ctx, query, id))
	if err != nil {
		return Job{}, fmt.Errorf("job: get for update %s: %w", id, err)
	}
	return j, nil
}

// Participants returns the job's customer and assigned provider.
func (r *PGRepository) Participants(ctx context.Context, q db.Querier, jobID string) (access.Participants, error) {
	var (
		p        access.Participants
		provider *string
	)
	const query = `SELECT customer_id::text, assigned_provider_id::text FROM jobs WHERE id = $1`
	if err := q.QueryRow(ctx, query, jobID).Scan(&p.CustomerID, &provider); err != nil {
		return access.Participants{}, fmt.Errorf("job: participants %s: %w", jobID, err)
	}
	if provider != nil {
		p.ProviderID = *provider
	}
	return p, nil
}

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(
		&j.ID,
		&j.CustomerID,
		&j.AssignedProviderID,
		&j.Title,
		&j.Description,
		&j.CategoryTags,
		&j.BudgetMinCents,
		&j.BudgetMaxCents,
		&j.Status,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	return j, err
}
