// Package messaging delivers structured job notifications into the
// customer/provider conversation held by the messaging collaborator.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable marks transport failures and 5xx responses.
var ErrUnavailable = errors.New("messaging: collaborator unavailable")

// MessageType classifies structured messages so clients can render cards.
type MessageType string

const (
	TypeText      MessageType = "text"
	TypeQuote     MessageType = "quote"
	TypeStatus    MessageType = "status"
	TypeInvoice   MessageType = "invoice"
	TypeVariation MessageType = "variation"
	TypeDispute   MessageType = "dispute"
)

// Conversation is the thread between one customer and one provider about a job.
type Conversation struct {
	ID         string `json:"id"`
	JobID      string `json:"job_id"`
	CustomerID string `json:"customer_id"`
	ProviderID string `json:"provider_id"`
}

// Message is posted into a conversation.
type Message struct {
	ConversationID string         `json:"conversation_id"`
	ActorID        string         `json:"actor_id,omitempty"`
	Text           string         `json:"text"`
	Type           MessageType    `json:"type"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// Messenger is the messaging collaborator port.
type Messenger interface {
	GetOrCreateConversation(ctx context.Context, customerID, providerID, jobID string) (Conversation, error)
	SendMessage(ctx context.Context, msg Message) error
}

type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Client  *http.Client
}

// Client is the JSON/HTTP Messenger.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("messaging base url is required")
	}
	hc := cfg.Client
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: base, apiKey: cfg.APIKey, client: hc}, nil
}

func (c *Client) GetOrCreateConversation(ctx context.Context, customerID, providerID, jobID string) (Conversation, error) {
	body := map[string]string{
		"customer_id": customerID,
		"provider_id": providerID,
		"job_id":      jobID,
	}
	var conv Conversation
	if err := c.post(ctx, "/v1/conversations", body, &conv); err != nil {
		return Conversation{}, err
	}
	if conv.ID == "" {
		return Conversation{}, errors.New("messaging: conversation response missing id")
	}
	return conv, nil
}

func (c *Client) SendMessage(ctx context.Context, msg Message) error {
	if msg.ConversationID == "" {
		return errors.New("messaging: conversation id is required")
	}
	if msg.Type == "" {
		msg.Type = TypeText
	}
	return c.post(ctx, "/v1/conversations/"+msg.ConversationID+"/messages", msg, nil)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("messaging: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("messaging: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("messaging: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("messaging: decode: %w", err)
	}
	return nil
}
