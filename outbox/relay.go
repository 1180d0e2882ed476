package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"tradeflow/db"
)

// Handler delivers a single outbox message.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Store is the persistence used by the relay.
type Store interface {
	Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id string, cause string, dead bool, retryAfter time.Duration) error
}

// RelayConfig tunes a Relay.
type RelayConfig struct {
	BatchSize    int
	MaxAttempts  int
	PollInterval time.Duration
	// RetryBase is multiplied by the attempt number between retries.
	RetryBase time.Duration
}

// Relay drains the outbox and hands messages to a Handler.
type Relay struct {
	pool    db.TxBeginner
	store   Store
	handler Handler
	logger  *slog.Logger
	cfg     RelayConfig
}

func NewRelay(pool db.TxBeginner, store Store, handler Handler, logger *slog.Logger, cfg RelayConfig) *Relay {
	if store == nil {
		store = NewRepository()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 5 * time.Second
	}
	return &Relay{
		pool:    pool,
		store:   store,
		handler: handler,
		logger:  logger.With("component", "outbox_relay"),
		cfg:     cfg,
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.InfoContext(ctx, "outbox relay started", "batch_size", r.cfg.BatchSize, "interval", r.cfg.PollInterval)
	for {
		if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.ErrorContext(ctx, "outbox relay pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.InfoContext(context.WithoutCancel(ctx), "outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce relays up to BatchSize due messages and returns how many were
// delivered. Each message is claimed, handled and marked in its own
// transaction, so a failed mark or commit only puts that one message back.
// Delivery is at least once; handlers dedupe on Message.ID.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	delivered := 0
	for i := 0; i < r.cfg.BatchSize; i++ {
		claimed, ok, err := r.relayOne(ctx)
		if err != nil {
			return delivered, err
		}
		if !claimed {
			break
		}
		if ok {
			delivered++
		}
	}
	if delivered > 0 {
		r.logger.DebugContext(ctx, "outbox batch relayed", "delivered", delivered)
	}
	return delivered, nil
}

func (r *Relay) relayOne(ctx context.Context) (claimed, delivered bool, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, false, fmt.Errorf("outbox: begin relay tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := r.store.Claim(ctx, tx, 1)
	if err != nil {
		return false, false, err
	}
	if len(msgs) == 0 {
		return false, false, nil
	}
	msg := msgs[0]

	herr := r.handler.Handle(ctx, msg)
	if herr != nil {
		attempt := msg.Attempts + 1
		dead := attempt >= r.cfg.MaxAttempts
		r.logger.WarnContext(ctx, "outbox delivery failed",
			"message_id", msg.ID,
			"topic", msg.Topic,
			"attempt", attempt,
			"dead", dead,
			"error", herr,
		)
		if err := r.store.MarkFailed(ctx, tx, msg.ID, herr.Error(), dead, time.Duration(attempt)*r.cfg.RetryBase); err != nil {
			return true, false, err
		}
	} else if err := r.store.MarkProcessed(ctx, tx, msg.ID); err != nil {
		return true, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return true, false, fmt.Errorf("outbox: commit relay tx: %w", err)
	}
	return true, herr == nil, nil
}
