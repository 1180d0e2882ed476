package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant probes. Each query selects violating rows, so an
// empty result means the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_assignment",
			SQL: `SELECT job_id, COUNT(*) FROM assignments
                  GROUP BY job_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_single_accepted_quote",
			SQL: `SELECT job_id, COUNT(*) FROM quotes
                  WHERE status = 'accepted'
                  GROUP BY job_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_one_submitted_invoice",
			SQL: `SELECT job_id, COUNT(*) FROM invoices
                  WHERE status = 'submitted'
                  GROUP BY job_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_approved_total_matches_payable",
			SQL: `SELECT i.id, i.total_cents, q.price_cents, COALESCE(v.approved, 0) AS approved
                  FROM invoices i
                  JOIN assignments a ON a.id = i.assignment_id
                  JOIN quotes q ON q.id = a.accepted_quote_id
                  LEFT JOIN (SELECT job_id, SUM(amount_cents) AS approved
                             FROM variations WHERE status = 'approved'
                             GROUP BY job_id) v ON v.job_id = i.job_id
                  WHERE i.status = 'approved'
                    AND i.total_cents <> q.price_cents + COALESCE(v.approved, 0)`,
		},
		{
			Name: "O5_invoice_money_consistent",
			SQL: `SELECT i.id FROM invoices i
                  WHERE i.subtotal_cents + i.tax_cents <> i.total_cents
                     OR i.total_cents <> (SELECT COALESCE(SUM(line_total_cents), 0)
                                          FROM invoice_items it WHERE it.invoice_id = i.id)`,
		},
		{
			Name: "O6_dispute_freezes_job",
			SQL: `SELECT e.job_id, e.seq, e.type FROM timeline_events e
                  JOIN timeline_events d ON d.job_id = e.job_id AND d.type = 'dispute_opened'
                  WHERE e.seq > d.seq
                    AND e.type IN ('invoice_created', 'invoice_updated', 'invoice_submitted',
                                   'invoice_approved', 'variation_requested',
                                   'variation_approved', 'variation_declined')`,
		},
		{
			Name: "O7_no_submitted_invoice_under_dispute",
			SQL: `SELECT i.id FROM invoices i
                  JOIN assignments a ON a.id = i.assignment_id
                  WHERE a.status = 'disputed' AND i.status = 'submitted'`,
		},
		{
			Name: "O8_completion_has_one_settled_invoice",
			SQL: `SELECT a.job_id FROM assignments a
                  WHERE (a.status = 'completed') <>
                        EXISTS (SELECT 1 FROM invoices i WHERE i.job_id = a.job_id AND i.status = 'approved')
                  UNION ALL
                  SELECT job_id FROM invoices WHERE status = 'approved'
                  GROUP BY job_id HAVING COUNT(*) > 1
                  UNION ALL
                  SELECT job_id FROM invoices
                  WHERE status = 'approved' AND (settlement_reference IS NULL OR platform_fee_cents IS NULL)`,
		},
		{
			Name: "O9_work_started_after_both_sides",
			SQL: `SELECT a.job_id FROM assignments a
                  WHERE a.in_progress_at IS NOT NULL
                    AND (a.agreed_at IS NULL OR a.provider_accepted_terms_at IS NULL)`,
		},
		{
			Name: "O10_timeline_seq_dense",
			SQL: `SELECT job_id, COUNT(*), MAX(seq) FROM timeline_events
                  GROUP BY job_id HAVING MAX(seq) <> COUNT(*)`,
		},
		{
			Name: "O11_outbox_drained",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
