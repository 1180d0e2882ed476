package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultConversationTTL = 24 * time.Hour

// CachedMessenger keeps conversation lookups in Redis so notification
// bursts for one job hit the collaborator once.
type CachedMessenger struct {
	next   Messenger
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedMessenger(next Messenger, client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *CachedMessenger {
	if ttl <= 0 {
		ttl = defaultConversationTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedMessenger{next: next, client: client, ttl: ttl, logger: logger}
}

func conversationKey(jobID, customerID, providerID string) string {
	return fmt.Sprintf("conv:%s:%s:%s", jobID, customerID, providerID)
}

func (m *CachedMessenger) GetOrCreateConversation(ctx context.Context, customerID, providerID, jobID string) (Conversation, error) {
	key := conversationKey(jobID, customerID, providerID)

	raw, err := m.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var conv Conversation
		if jerr := json.Unmarshal(raw, &conv); jerr == nil && conv.ID != "" {
			return conv, nil
		}
	case errors.Is(err, redis.Nil):
	default:
		// Cache trouble must not block notifications.
		m.logger.WarnContext(ctx, "conversation cache read failed", "key", key, "error", err)
	}

	conv, err := m.next.GetOrCreateConversation(ctx, customerID, providerID, jobID)
	if err != nil {
		return Conversation{}, err
	}
	if data, jerr := json.Marshal(conv); jerr == nil {
		if serr := m.client.Set(ctx, key, data, m.ttl).Err(); serr != nil {
			m.logger.WarnContext(ctx, "conversation cache write failed", "key", key, "error", serr)
		}
	}
	return conv, nil
}

func (m *CachedMessenger) SendMessage(ctx context.Context, msg Message) error {
	return m.next.SendMessage(ctx, msg)
}
