package infra

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns a migrated Postgres for integration tests.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness reuses DATABASE_URL (or STRESS_TEST_PG_DSN) inside an isolated
// schema, or boots a Postgres 16 container when neither is set.
func NewHarness(ctx context.Context) (*Harness, error) {
	container, dsn, err := StartPostgres16(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}
	pool, teardown, err := ApplyMigrations(ctx, dsn, container.Shared())
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}
	return &Harness{container: container, pool: pool, dsn: dsn, teardown: teardown}, nil
}

// Require builds a harness or skips the test when no database can be reached.
func Require(t *testing.T) *Harness {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}
	ctx := context.Background()
	if configuredDSN() == "" && !DockerReachable(ctx) {
		t.Skip("DATABASE_URL and STRESS_TEST_PG_DSN are empty and no container runtime is reachable")
	}
	h, err := NewHarness(ctx)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Reset truncates mutable tables to provide a clean slate between tests.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"idempotency_keys",
		"outbox",
		"timeline_events",
		"disputes",
		"invoice_items",
		"invoices",
		"variations",
		"assignments",
		"quotes",
		"jobs",
		"users",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}
