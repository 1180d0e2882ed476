// Package workflowtest holds in-memory recorders for the transactional side
// effects every workflow service writes: timeline events, outbox messages and
// idempotency keys.
package workflowtest

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"tradeflow/idempotency"
	"tradeflow/outbox"
	"tradeflow/timeline"
)

// Timeline records appended events and assigns per-job sequence numbers.
type Timeline struct {
	mu     sync.Mutex
	Err    error
	Events []timeline.Event
	seq    map[string]int
}

func (t *Timeline) Append(_ context.Context, _ pgx.Tx, p timeline.AppendParams) (timeline.Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return timeline.Event{}, t.Err
	}
	if t.seq == nil {
		t.seq = make(map[string]int)
	}
	t.seq[p.JobID]++
	vis := p.Visibility
	if vis == "" {
		vis = timeline.VisibleToParticipants
	}
	ev := timeline.Event{
		ID:         int64(len(t.Events) + 1),
		JobID:      p.JobID,
		Seq:        t.seq[p.JobID],
		Type:       p.Type,
		Visibility: vis,
		Payload:    p.Payload,
		CreatedAt:  time.Now().UTC(),
	}
	if p.ActorID != "" {
		actorID := p.ActorID
		ev.ActorID = &actorID
	}
	t.Events = append(t.Events, ev)
	return ev, nil
}

// Types lists recorded event types in append order.
func (t *Timeline) Types() []timeline.EventType {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]timeline.EventType, 0, len(t.Events))
	for _, ev := range t.Events {
		out = append(out, ev.Type)
	}
	return out
}

// Enqueued is one recorded outbox write.
type Enqueued struct {
	Topic   string
	Payload map[string]any
}

// Outbox records enqueued messages.
type Outbox struct {
	mu       sync.Mutex
	Err      error
	Messages []Enqueued
}

func (o *Outbox) Enqueue(_ context.Context, _ pgx.Tx, topic string, payload map[string]any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return o.Err
	}
	o.Messages = append(o.Messages, Enqueued{Topic: topic, Payload: payload})
	return nil
}

func (o *Outbox) Topics() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.Messages))
	for _, m := range o.Messages {
		out = append(out, m.Topic)
	}
	return out
}

// Keys is an in-memory idempotency.Keeper. Keys are scoped the same way the
// Postgres store scopes them.
type Keys struct {
	mu    sync.Mutex
	Err   error
	bound map[idempotency.Key]string
}

func (k *Keys) Reserve(_ context.Context, _ pgx.Tx, key idempotency.Key) (idempotency.Reservation, error) {
	if key.Empty() {
		return idempotency.Reservation{}, nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.Err != nil {
		return idempotency.Reservation{}, k.Err
	}
	if k.bound == nil {
		k.bound = make(map[idempotency.Key]string)
	}
	if id, ok := k.bound[key]; ok {
		return idempotency.Reservation{Replayed: true, ResourceID: id}, nil
	}
	return idempotency.Reservation{}, nil
}

func (k *Keys) Bind(_ context.Context, _ pgx.Tx, key idempotency.Key, resourceID string) error {
	if key.Empty() {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.bound == nil {
		k.bound = make(map[idempotency.Key]string)
	}
	k.bound[key] = resourceID
	return nil
}

// Seed marks key as already used for resourceID.
func (k *Keys) Seed(key idempotency.Key, resourceID string) {
	_ = k.Bind(context.Background(), nil, key, resourceID)
}

var (
	_ timeline.Writer    = (*Timeline)(nil)
	_ outbox.Writer      = (*Outbox)(nil)
	_ idempotency.Keeper = (*Keys)(nil)
)
