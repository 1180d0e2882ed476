package messaging_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"tradeflow/messaging"
	"tradeflow/mocks"
	"tradeflow/outbox"
)

func outboxMessage(t *testing.T, topic string, payload map[string]any) outbox.Message {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return outbox.Message{ID: "msg-1", Topic: topic, Payload: body}
}

func TestNotifier_InvoiceSubmitted(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := mocks.NewMockMessenger(ctrl)

	m.EXPECT().GetOrCreateConversation(gomock.Any(), "cust", "prov", "job-1").
		Return(messaging.Conversation{ID: "conv-9"}, nil)
	m.EXPECT().SendMessage(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msg messaging.Message) error {
			assert.Equal(t, "conv-9", msg.ConversationID)
			assert.Equal(t, messaging.TypeInvoice, msg.Type)
			assert.Equal(t, "prov", msg.ActorID)
			assert.Contains(t, msg.Text, "$1,200.00")
			assert.Equal(t, "https://app.example.com/jobs/job-1/invoices/inv-1", msg.Payload["link"])
			return nil
		})

	n := messaging.NewNotifier(m, "https://app.example.com/", nil)
	err := n.Handle(context.Background(), outboxMessage(t, outbox.TopicInvoiceSubmitted, map[string]any{
		"job_id":      "job-1",
		"customer_id": "cust",
		"provider_id": "prov",
		"actor_id":    "prov",
		"invoice_id":  "inv-1",
		"total_cents": 120_000,
	}))
	require.NoError(t, err)
}

func TestNotifier_VariationRequestedUsesTitle(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := mocks.NewMockMessenger(ctrl)

	m.EXPECT().GetOrCreateConversation(gomock.Any(), "cust", "prov", "job-1").
		Return(messaging.Conversation{ID: "conv-9"}, nil)
	m.EXPECT().SendMessage(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msg messaging.Message) error {
			assert.Equal(t, messaging.TypeVariation, msg.Type)
			assert.Equal(t, "Variation requested: Replace rotten joist ($200.00).", msg.Text)
			return nil
		})

	n := messaging.NewNotifier(m, "https://app.example.com", nil)
	err := n.Handle(context.Background(), outboxMessage(t, outbox.TopicVariationRequested, map[string]any{
		"job_id":       "job-1",
		"customer_id":  "cust",
		"provider_id":  "prov",
		"actor_id":     "prov",
		"variation_id": "var-1",
		"amount_cents": 20_000,
		"title":        "Replace rotten joist",
		"description":  "Subfloor joist under the bathroom",
	}))
	require.NoError(t, err)
}

func TestNotifier_UnknownTopicIgnored(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := mocks.NewMockMessenger(ctrl)

	n := messaging.NewNotifier(m, "https://app.example.com", nil)
	require.NoError(t, n.Handle(context.Background(), outboxMessage(t, "user.signed_up", map[string]any{})))
}

func TestNotifier_MissingParticipants(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := mocks.NewMockMessenger(ctrl)

	n := messaging.NewNotifier(m, "https://app.example.com", nil)
	err := n.Handle(context.Background(), outboxMessage(t, outbox.TopicDisputeOpened, map[string]any{"job_id": "job-1"}))
	assert.Error(t, err)
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "$0.05", messaging.FormatCents(5))
	assert.Equal(t, "$1,234.56", messaging.FormatCents(123456))
	assert.Equal(t, "$1,000,000.00", messaging.FormatCents(100_000_000))
	assert.Equal(t, "-$25.00", messaging.FormatCents(-2500))
}

func TestClient_ConversationAndMessage(t *testing.T) {
	var sent messaging.Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/conversations":
			_ = json.NewEncoder(w).Encode(messaging.Conversation{ID: "conv-1", JobID: "job-1"})
		case "/v1/conversations/conv-1/messages":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
			w.WriteHeader(http.StatusCreated)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, err := messaging.NewClient(messaging.ClientConfig{BaseURL: srv.URL, APIKey: "key"})
	require.NoError(t, err)

	conv, err := c.GetOrCreateConversation(context.Background(), "cust", "prov", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", conv.ID)

	require.NoError(t, c.SendMessage(context.Background(), messaging.Message{ConversationID: conv.ID, Text: "hi"}))
	assert.Equal(t, "hi", sent.Text)
	assert.Equal(t, messaging.TypeText, sent.Type)
}

func TestClient_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := messaging.NewClient(messaging.ClientConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = c.GetOrCreateConversation(context.Background(), "cust", "prov", "job-1")
	assert.ErrorIs(t, err, messaging.ErrUnavailable)
}

// setupTestRedis skips when no Redis is reachable.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available for testing at %s: %v", addr, err)
	}
	return client
}

func TestCachedMessenger_CachesConversation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupTestRedis(t)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Del(ctx, "conv:job-c:cust:prov").Err())

	ctrl := gomock.NewController(t)
	m := mocks.NewMockMessenger(ctrl)
	m.EXPECT().GetOrCreateConversation(gomock.Any(), "cust", "prov", "job-c").
		Return(messaging.Conversation{ID: "conv-c"}, nil).
		Times(1)

	cached := messaging.NewCachedMessenger(m, client, time.Minute, nil)
	for range 3 {
		conv, err := cached.GetOrCreateConversation(ctx, "cust", "prov", "job-c")
		require.NoError(t, err)
		assert.Equal(t, "conv-c", conv.ID)
	}

	ttl := client.TTL(ctx, "conv:job-c:cust:prov").Val()
	assert.True(t, ttl > 0 && ttl <= time.Minute)
}
