package settlement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlatformFee(t *testing.T) {
	tests := []struct {
		amount int64
		want   int64
	}{
		{0, 0},
		{10_000, 2_500},     // $100 -> flat $25
		{49_999, 2_500},     // just under $500
		{50_000, 2_500},     // $500 at 5%
		{100_000, 5_000},    // $1,000 -> $50
		{120_000, 6_000},    // $1,200 -> $60
		{199_999, 10_000},   // 5% rounds half up
		{200_000, 8_000},    // $2,000 at 4%
		{499_999, 20_000},   // just under $5,000
		{500_000, 15_000},   // $5,000 at 3%
		{1_500_000, 45_000}, // $15,000 still 3%
		{1_500_001, 50_000}, // above $15,000 -> flat $500
		{10_000_000, 50_000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PlatformFee(tt.amount), "amount %d", tt.amount)
	}
}

func TestClient_Settle(t *testing.T) {
	var gotKey, gotAuth string
	var gotBody Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/settlements", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(Result{Reference: "stl_123"})
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL + "/", APIKey: "sk_test"})
	require.NoError(t, err)

	res, err := c.Settle(context.Background(), Request{
		AmountCents:        100_000,
		PlatformFeeCents:   5_000,
		DestinationAccount: "acct_1",
		IdempotencyKey:     "inv-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "stl_123", res.Reference)
	assert.Equal(t, "inv-1", gotKey)
	assert.Equal(t, "Bearer sk_test", gotAuth)
	assert.Equal(t, int64(100_000), gotBody.AmountCents)
	assert.Equal(t, "acct_1", gotBody.DestinationAccount)
}

func TestClient_RetriesUnavailable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(Result{Reference: "stl_retry"})
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, RetryLimit: 1})
	require.NoError(t, err)

	res, err := c.Settle(context.Background(), Request{AmountCents: 1, IdempotencyKey: "inv-2"})
	require.NoError(t, err)
	assert.Equal(t, "stl_retry", res.Reference)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "account closed", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, RetryLimit: 3})
	require.NoError(t, err)

	_, err = c.Settle(context.Background(), Request{AmountCents: 100, IdempotencyKey: "inv-3"})
	assert.ErrorIs(t, err, ErrRejected)

	srv.Close()
	_, err = c.Settle(context.Background(), Request{AmountCents: 100, IdempotencyKey: "inv-3"})
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = c.Settle(context.Background(), Request{AmountCents: 100})
	assert.Error(t, err)

	_, err = NewClient(Config{})
	assert.Error(t, err)
}
