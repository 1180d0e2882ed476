package invoice

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tradeflow/access"
	"tradeflow/db"
)

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, inv Invoice) (Invoice, error)
	JobIDFor(ctx context.Context, q db.Querier, id string) (string, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Invoice, error)
	UpdateDraft(ctx context.Context, tx pgx.Tx, inv Invoice) (Invoice, error)
	MarkSubmitted(ctx context.Context, tx pgx.Tx, id string, totals Totals, sentAt time.Time) (Invoice, error)
	MarkApproved(ctx context.Context, tx pgx.Tx, id string, approvedAt time.Time, reference string, feeCents int64) (Invoice, error)
	MarkVoid(ctx context.Context, tx pgx.Tx, id string) (Invoice, error)
	Get(ctx context.Context, q db.Querier, id string, filter access.Filter) (Invoice, error)
	List(ctx context.Context, q db.Querier, jobID string, filter access.Filter) ([]Invoice, error)
	HasSubmitted(ctx context.Context, q db.Querier, jobID string) (bool, error)
	FreezeSubmitted(ctx context.Context, tx pgx.Tx, jobID string) ([]string, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const invoiceColumns = `id::text, job_id::text, assignment_id::text, provider_id::text, customer_id::text,
       status, notes, gst_enabled, subtotal_cents, tax_cents, total_cents, issue_date, due_date,
       sent_at, approved_at, settlement_reference, platform_fee_cents, version, created_at, updated_at`

// visibleSQL is the participant predicate with drafts hidden from everyone
// but the provider.
const visibleSQL = `($1::bool OR customer_id::text = $2 OR provider_id::text = $2)
  AND ($1::bool OR status <> 'draft' OR provider_id::text = $2)`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, inv Invoice) (Invoice, error) {
	query := `
INSERT INTO invoices (job_id, assignment_id, provider_id, customer_id, status, notes, gst_enabled,
                      subtotal_cents, tax_cents, total_cents, issue_date, due_date)
VALUES ($1, $2, $3, $4, 'draft', $5, $6, $7, $8, $9, $10, $11)
RETURNING ` + invoiceColumns
	created, err := scanInvoice(tx.QueryRow(ctx, query,
		inv.JobID, inv.AssignmentID, inv.ProviderID, inv.CustomerID, inv.Notes, inv.GSTEnabled,
		inv.SubtotalCents, inv.TaxCents, inv.TotalCents, inv.IssueDate, inv.DueDate))
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: insert: %w", err)
	}
	if err := r.writeItems(ctx, tx, created.ID, inv.Items); err != nil {
		return Invoice{}, err
	}
	created.Items = inv.Items
	return created, nil
}

func (r *PGRepository) writeItems(ctx context.Context, tx pgx.Tx, invoiceID string, items []Item) error {
	if _, err := tx.Exec(ctx, `DELETE FROM invoice_items WHERE invoice_id = $1`, invoiceID); err != nil {
		return fmt.Errorf("invoice: clear items: %w", err)
	}
	for _, it := range items {
		if _, err := tx.Exec(ctx, `
INSERT INTO invoice_items (invoice_id, position, description, quantity, unit_price_cents, line_total_cents)
VALUES ($1, $2, $3, $4, $5, $6)`,
			invoiceID, it.Position, it.Description, it.Quantity, it.UnitPriceCents, it.LineTotalCents); err != nil {
			return fmt.Errorf("invoice: insert item %d: %w", it.Position, err)
		}
	}
	return nil
}

func (r *PGRepository) JobIDFor(ctx context.Context, q db.Querier, id string) (string, error) {
	var jobID string
	if err := q.QueryRow(ctx, `SELECT job_id::text FROM invoices WHERE id = $1`, id).Scan(&jobID); err != nil {
		return "", fmt.Errorf("invoice: job for %s: %w", id, err)
	}
	return jobID, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Invoice, error) {
	inv, err := scanInvoice(tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: get for update %s: %w", id, err)
	}
	return r.withItems(ctx, tx, inv)
}

func (r *PGRepository) UpdateDraft(ctx context.Context, tx pgx.Tx, inv Invoice) (Invoice, error) {
	query := `
UPDATE invoices
SET notes = $2, gst_enabled = $3, subtotal_cents = $4, tax_cents = $5, total_cents = $6,
    version = version + 1, updated_at = now()
WHERE id = $1 AND status = 'draft'
RETURNING ` + invoiceColumns
	updated, err := scanInvoice(tx.QueryRow(ctx, query,
		inv.ID, inv.Notes, inv.GSTEnabled, inv.SubtotalCents, inv.TaxCents, inv.TotalCents))
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: update draft: %w", err)
	}
	if err := r.writeItems(ctx, tx, inv.ID, inv.Items); err != nil {
		return Invoice{}, err
	}
	updated.Items = inv.Items
	return updated, nil
}

func (r *PGRepository) MarkSubmitted(ctx context.Context, tx pgx.Tx, id string, totals Totals, sentAt time.Time) (Invoice, error) {
	query := `
UPDATE invoices
SET status = 'submitted', subtotal_cents = $2, tax_cents = $3, total_cents = $4, sent_at = $5,
    version = version + 1, updated_at = now()
WHERE id = $1 AND status = 'draft'
RETURNING ` + invoiceColumns
	inv, err := scanInvoice(tx.QueryRow(ctx, query, id, totals.SubtotalCents, totals.TaxCents, totals.TotalCents, sentAt))
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: mark submitted: %w", err)
	}
	return r.withItems(ctx, tx, inv)
}

func (r *PGRepository) MarkApproved(ctx context.Context, tx pgx.Tx, id string, approvedAt time.Time, reference string, feeCents int64) (Invoice, error) {
	query := `
UPDATE invoices
SET status = 'approved', approved_at = $2, settlement_reference = $3, platform_fee_cents = $4,
    version = version + 1, updated_at = now()
WHERE id = $1 AND status = 'submitted'
RETURNING ` + invoiceColumns
	inv, err := scanInvoice(tx.QueryRow(ctx, query, id, approvedAt, reference, feeCents))
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: mark approved: %w", err)
	}
	return r.withItems(ctx, tx, inv)
}

func (r *PGRepository) MarkVoid(ctx context.Context, tx pgx.Tx, id string) (Invoice, error) {
	query := `
UPDATE invoices SET status = 'void', version = version + 1, updated_at = now()
WHERE id = $1 AND status = 'draft'
RETURNING ` + invoiceColumns
	inv, err := scanInvoice(tx.QueryRow(ctx, query, id))
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: mark void: %w", err)
	}
	return r.withItems(ctx, tx, inv)
}

func (r *PGRepository) Get(ctx context.Context, q db.Querier, id string, filter access.Filter) (Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE ` + visibleSQL + ` AND id = $3`
	inv, err := scanInvoice(q.QueryRow(ctx, query, filter.Trusted, filter.ActorID, id))
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: get %s: %w", id, err)
	}
	return r.withItems(ctx, q, inv)
}

func (r *PGRepository) List(ctx context.Context, q db.Querier, jobID string, filter access.Filter) ([]Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE ` + visibleSQL + ` AND job_id = $3 ORDER BY created_at`
	rows, err := q.Query(ctx, query, filter.Trusted, filter.ActorID, jobID)
	if err != nil {
		return nil, fmt.Errorf("invoice: list: %w", err)
	}
	defer rows.Close()

	out := []Invoice{}
	index := map[string]int{}
	ids := []string{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("invoice: scan: %w", err)
		}
		inv.Items = []Item{}
		index[inv.ID] = len(out)
		ids = append(ids, inv.ID)
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("invoice: iterate: %w", err)
	}
	rows.Close()
	if len(ids) == 0 {
		return out, nil
	}

	itemRows, err := q.Query(ctx, `
SELECT invoice_id::text, position, description, quantity, unit_price_cents, line_total_cents
FROM invoice_items WHERE invoice_id::text = ANY($1::text[]) ORDER BY invoice_id, position`, ids)
	if err != nil {
		return nil, fmt.Errorf("invoice: list items: %w", err)
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var invoiceID string
		var it Item
		if err := itemRows.Scan(&invoiceID, &it.Position, &it.Description, &it.Quantity, &it.UnitPriceCents, &it.LineTotalCents); err != nil {
			return nil, fmt.Errorf("invoice: scan item: %w", err)
		}
		if i, ok := index[invoiceID]; ok {
			out[i].Items = append(out[i].Items, it)
		}
	}
	if err := itemRows.Err(); err != nil {
		return nil, fmt.Errorf("invoice: iterate items: %w", err)
	}
	return out, nil
}

// HasSubmitted reports whether the job has an invoice awaiting approval.
func (r *PGRepository) HasSubmitted(ctx context.Context, q db.Querier, jobID string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM invoices WHERE job_id = $1 AND status = 'submitted')`, jobID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("invoice: has submitted: %w", err)
	}
	return exists, nil
}

// FreezeSubmitted moves every submitted invoice of the job to disputed and
// returns their ids.
func (r *PGRepository) FreezeSubmitted(ctx context.Context, tx pgx.Tx, jobID string) ([]string, error) {
	rows, err := tx.Query(ctx, `
UPDATE invoices SET status = 'disputed', version = version + 1, updated_at = now()
WHERE job_id = $1 AND status = 'submitted'
RETURNING id::text`, jobID)
	if err != nil {
		return nil, fmt.Errorf("invoice: freeze submitted: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("invoice: scan frozen id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("invoice: iterate frozen ids: %w", err)
	}
	return ids, nil
}

func (r *PGRepository) withItems(ctx context.Context, q db.Querier, inv Invoice) (Invoice, error) {
	rows, err := q.Query(ctx, `
SELECT position, description, quantity, unit_price_cents, line_total_cents
FROM invoice_items WHERE invoice_id = $1 ORDER BY position`, inv.ID)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice: items for %s: %w", inv.ID, err)
	}
	defer rows.Close()

	inv.Items = []Item{}
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.Position, &it.Description, &it.Quantity, &it.UnitPriceCents, &it.LineTotalCents); err != nil {
			return Invoice{}, fmt.Errorf("invoice: scan item: %w", err)
		}
		inv.Items = append(inv.Items, it)
	}
	if err := rows.Err(); err != nil {
		return Invoice{}, fmt.Errorf("invoice: iterate items: %w", err)
	}
	return inv, nil
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	err := row.Scan(
		&inv.ID,
		&inv.JobID,
		&inv.AssignmentID,
		&inv.ProviderID,
		&inv.CustomerID,
		&inv.Status,
		&inv.Notes,
		&inv.GSTEnabled,
		&inv.SubtotalCents,
		&inv.TaxCents,
		&inv.TotalCents,
		&inv.IssueDate,
		&inv.DueDate,
		&inv.SentAt,
		&inv.ApprovedAt,
		&inv.SettlementReference,
		&inv.PlatformFeeCents,
		&inv.Version,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	return inv, err
}
