package timeline

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tradeflow/access"
	"tradeflow/test/infra"
)

// TestRepository_Integration connects to a real PostgreSQL via DATABASE_URL,
// migrates an isolated schema and checks sequencing, visibility and the
// append-only trigger.
func TestRepository_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, true)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() { _ = teardown(context.Background()) }()

	customerID := seedUser(ctx, t, pool, "customer")
	providerID := seedUser(ctx, t, pool, "tradie")
	outsiderID := seedUser(ctx, t, pool, "customer")

	var jobID, quoteID string
	if err := pool.QueryRow(ctx, `INSERT INTO jobs (customer_id, title, status) VALUES ($1, 'Fix gutters', 'agreed') RETURNING id::text`,
		customerID).Scan(&jobID); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO quotes (job_id, provider_id, price_cents, status) VALUES ($1, $2, 45000, 'accepted') RETURNING id::text`,
		jobID, providerID).Scan(&quoteID); err != nil {
		t.Fatalf("seed quote: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO assignments (job_id, customer_id, provider_id, accepted_quote_id, agreed_at) VALUES ($1, $2, $3, $4, now())`,
		jobID, customerID, providerID, quoteID); err != nil {
		t.Fatalf("seed assignment: %v", err)
	}

	repo := NewRepository()

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	first, err := repo.Append(ctx, tx, AppendParams{JobID: jobID, Type: EventQuoteAccepted, ActorID: customerID})
	if err != nil {
		t.Fatalf("append quote_accepted: %v", err)
	}
	second, err := repo.Append(ctx, tx, AppendParams{
		JobID:      jobID,
		Type:       EventInvoiceCreated,
		ActorID:    providerID,
		Visibility: VisibleToProvider,
		Payload:    map[string]any{"total_cents": 45000},
	})
	if err != nil {
		t.Fatalf("append invoice_created: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("expected seq 1,2 got %d,%d", first.Seq, second.Seq)
	}

	providerView, err := repo.List(ctx, pool, jobID, access.FilterFor(access.ForAccount(providerID, access.AccountTradie)))
	if err != nil {
		t.Fatalf("list as provider: %v", err)
	}
	if len(providerView) != 2 {
		t.Fatalf("provider should see 2 events, got %d", len(providerView))
	}
	if got := providerView[1].Payload["total_cents"]; got != float64(45000) {
		t.Fatalf("unexpected payload round trip: %v", got)
	}

	customerView, err := repo.List(ctx, pool, jobID, access.FilterFor(access.ForAccount(customerID, access.AccountCustomer)))
	if err != nil {
		t.Fatalf("list as customer: %v", err)
	}
	if len(customerView) != 1 || customerView[0].Type != EventQuoteAccepted {
		t.Fatalf("customer should only see quote_accepted, got %+v", customerView)
	}

	outsiderView, err := repo.List(ctx, pool, jobID, access.FilterFor(access.ForAccount(outsiderID, access.AccountCustomer)))
	if err != nil {
		t.Fatalf("list as outsider: %v", err)
	}
	if len(outsiderView) != 0 {
		t.Fatalf("outsider should see nothing, got %d events", len(outsiderView))
	}

	if _, err := pool.Exec(ctx, `UPDATE timeline_events SET payload = '{}'::jsonb WHERE job_id = $1`, jobID); err == nil {
		t.Fatalf("expected the append-only trigger to reject UPDATE")
	}
	if _, err := pool.Exec(ctx, `DELETE FROM timeline_events WHERE job_id = $1`, jobID); err == nil {
		t.Fatalf("expected the append-only trigger to reject DELETE")
	}
}

func seedUser(ctx context.Context, t *testing.T, pool *pgxpool.Pool, accountType string) string {
	t.Helper()
	var id string
	row := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, account_type) VALUES ($1, $2, $3) RETURNING id::text`,
		fmt.Sprintf("%s+%d@example.com", accountType, time.Now().UnixNano()), "Timeline Tester", accountType)
	if err := row.Scan(&id); err != nil {
		t.Fatalf("seed %s: %v", accountType, err)
	}
	return id
}
