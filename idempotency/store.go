// Package idempotency records client idempotency keys next to the resource the
// first request produced, so a retried request returns the original result.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ErrMissingKey is returned when a key is reserved without actor or scope.
var ErrMissingKey = errors.New("idempotency: actor and scope are required")

// Key identifies one client request. Keys are namespaced per actor and operation scope.
type Key struct {
	ActorID string
	Scope   string
	Value   string
}

// Empty reports whether the client supplied no key.
func (k Key) Empty() bool {
	return strings.TrimSpace(k.Value) == ""
}

// Reservation is the outcome of reserving a key.
type Reservation struct {
	// Replayed is true when the key was used by an earlier committed request.
	Replayed   bool
	ResourceID string
}

// Keeper reserves and binds keys inside the caller's transaction.
type Keeper interface {
	Reserve(ctx context.Context, tx pgx.Tx, key Key) (Reservation, error)
	Bind(ctx context.Context, tx pgx.Tx, key Key, resourceID string) error
}

type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// Reserve claims key. A concurrent request holding the same key blocks until
// the first commits, then observes the replay.
func (s *Store) Reserve(ctx context.Context, tx pgx.Tx, key Key) (Reservation, error) {
	if key.Empty() {
		return Reservation{}, nil
	}
	if key.ActorID == "" || key.Scope == "" {
		return Reservation{}, ErrMissingKey
	}

	const insertSQL = `
INSERT INTO idempotency_keys (actor_id, scope, key)
VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING
`
	tag, err := tx.Exec(ctx, insertSQL, key.ActorID, key.Scope, key.Value)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: reserve: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return Reservation{}, nil
	}

	var resourceID *string
	const selectSQL = `SELECT resource_id FROM idempotency_keys WHERE actor_id = $1 AND scope = $2 AND key = $3`
	if err := tx.QueryRow(ctx, selectSQL, key.ActorID, key.Scope, key.Value).Scan(&resourceID); err != nil {
		return Reservation{}, fmt.Errorf("idempotency: lookup: %w", err)
	}
	res := Reservation{Replayed: true}
	if resourceID != nil {
		res.ResourceID = *resourceID
	}
	return res, nil
}

// Bind records the resource produced by the request that reserved key.
func (s *Store) Bind(ctx context.Context, tx pgx.Tx, key Key, resourceID string) error {
	if key.Empty() {
		return nil
	}
	const q = `UPDATE idempotency_keys SET resource_id = $4 WHERE actor_id = $1 AND scope = $2 AND key = $3`
	if _, err := tx.Exec(ctx, q, key.ActorID, key.Scope, key.Value, resourceID); err != nil {
		return fmt.Errorf("idempotency: bind: %w", err)
	}
	return nil
}
