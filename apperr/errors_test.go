package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_WrapsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := NetworkFailure(cause, "settlement unavailable")

	assert.True(t, IsNetworkFailure(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "settlement unavailable: dial tcp: refused", err.Error())
	assert.Equal(t, "settlement unavailable", PublicMessage(err))
}

func TestGetCode(t *testing.T) {
	wrapped := fmt.Errorf("invoice: approve: %w", InvalidTransition("invoice is %s", "draft"))

	assert.Equal(t, CodeInvalidTransition, GetCode(wrapped))
	assert.Equal(t, "invoice is draft", PublicMessage(wrapped))
	assert.Equal(t, CodeInternal, GetCode(errors.New("boom")))
	assert.Equal(t, "internal error", PublicMessage(errors.New("pq: relation missing")))
}

func TestValidationField(t *testing.T) {
	err := ValidationField("amount", "amount must be positive")
	assert.True(t, IsValidation(err))
	assert.Equal(t, "amount", GetField(err))
}

func TestMapDBError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want Code
	}{
		{"no rows", pgx.ErrNoRows, CodeNotFound},
		{"assignment unique", &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: ConstraintAssignmentJob}, CodeAssignmentConflict},
		{"submitted unique", &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: ConstraintSubmittedInvoice}, CodeInvalidTransition},
		{"other unique", &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "users_email_key"}, CodeValidation},
		{"check", &pgconn.PgError{Code: pgerrcode.CheckViolation}, CodeValidation},
		{"fk", &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation}, CodeNotFound},
		{"deadlock", &pgconn.PgError{Code: pgerrcode.DeadlockDetected}, CodeNetworkFailure},
		{"timeout", context.DeadlineExceeded, CodeNetworkFailure},
		{"unknown pg", &pgconn.PgError{Code: pgerrcode.SyntaxError}, CodeInternal},
		{"plain", errors.New("x"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapDBError(tt.in)
			require.Error(t, got)
			assert.Equal(t, tt.want, GetCode(got))
		})
	}
}

func TestMapDBError_PassesTypedErrors(t *testing.T) {
	in := Forbidden("customer only")
	assert.Same(t, in, MapDBError(in))
	assert.NoError(t, MapDBError(nil))
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "idempotency_keys_pkey"})
	assert.True(t, IsUniqueViolation(err, ""))
	assert.True(t, IsUniqueViolation(err, "idempotency_keys_pkey"))
	assert.False(t, IsUniqueViolation(err, ConstraintAssignmentJob))
	assert.False(t, IsUniqueViolation(errors.New("x"), ""))
}
