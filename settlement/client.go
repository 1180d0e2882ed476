package settlement

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

var (
	// ErrUnavailable marks transport failures and 5xx responses; callers may retry.
	ErrUnavailable = errors.New("settlement: collaborator unavailable")
	// ErrRejected marks a settlement refused by the collaborator.
	ErrRejected = errors.New("settlement: request rejected")
)

// Request releases escrowed funds to a provider.
type Request struct {
	AmountCents        int64             `json:"amount_cents"`
	PlatformFeeCents   int64             `json:"platform_fee_cents"`
	DestinationAccount string            `json:"destination_account"`
	IdempotencyKey     string            `json:"-"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Result is returned by a successful settlement.
type Result struct {
	Reference string `json:"reference"`
}

// Settler releases funds. Implementations must honour IdempotencyKey so a
// retried release never pays twice.
type Settler interface {
	Settle(ctx context.Context, req Request) (Result, error)
}

// Config configures the HTTP client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// Client talks to the payment settlement service over JSON/HTTP.
type Client struct {
	endpoint   string
	apiKey     string
	retryLimit int
	client     *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("settlement base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.RetryLimit
	if retries < 0 {
		retries = 0
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		endpoint:   base + "/v1/settlements",
		apiKey:     cfg.APIKey,
		retryLimit: retries,
		client:     hc,
	}, nil
}

func (c *Client) Settle(ctx context.Context, req Request) (Result, error) {
	if req.IdempotencyKey == "" {
		return Result{}, errors.New("settlement: idempotency key required")
	}
	if req.AmountCents <= 0 {
		return Result{}, fmt.Errorf("%w: amount must be positive", ErrRejected)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("settlement: encode request: %w", err)
	}

	attempts := c.retryLimit + 1
	var lastErr error
	for attempt := range attempts {
		res, err := c.post(ctx, req.IdempotencyKey, body)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !errors.Is(err, ErrUnavailable) {
			return Result{}, err
		}
		if attempt < attempts-1 {
			delay := time.Duration(attempt+1) * 200 * time.Millisecond
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-timer.C:
			}
		}
	}
	return Result{}, lastErr
}

func (c *Client) post(ctx context.Context, idempotencyKey string, body []byte) (Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("settlement: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode >= 500:
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300:
		return Result{}, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var res Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return Result{}, fmt.Errorf("settlement: decode response: %w", err)
	}
	if res.Reference == "" {
		return Result{}, errors.New("settlement: response missing reference")
	}
	return res, nil
}
