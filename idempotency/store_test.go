package idempotency

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/dbtest"
)

func TestStore_ReserveFresh(t *testing.T) {
	tx := &dbtest.FakeTx{
		ExecFn: func(string, ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	res, err := NewStore().Reserve(context.Background(), tx, Key{ActorID: "cust", Scope: "invoice.approve", Value: "k1"})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	require.Len(t, tx.Calls, 1)
}

func TestStore_ReserveReplay(t *testing.T) {
	tx := &dbtest.FakeTx{
		ExecFn: func(string, ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		},
		QueryRowFn: func(string, ...any) pgx.Row {
			return dbtest.Row{Values: []any{"inv-1"}}
		},
	}
	res, err := NewStore().Reserve(context.Background(), tx, Key{ActorID: "cust", Scope: "invoice.approve", Value: "k1"})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, "inv-1", res.ResourceID)
}

func TestStore_EmptyKeyIsNoop(t *testing.T) {
	tx := &dbtest.FakeTx{}
	res, err := NewStore().Reserve(context.Background(), tx, Key{ActorID: "cust", Scope: "invoice.create"})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	require.NoError(t, NewStore().Bind(context.Background(), tx, Key{}, "inv-1"))
	assert.Empty(t, tx.Calls)
}

func TestStore_ReserveRequiresScope(t *testing.T) {
	_, err := NewStore().Reserve(context.Background(), &dbtest.FakeTx{}, Key{Value: "k1"})
	assert.ErrorIs(t, err, ErrMissingKey)
}
