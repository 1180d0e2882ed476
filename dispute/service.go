package dispute

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"tradeflow/access"
	"tradeflow/apperr"
	"tradeflow/assignment"
	"tradeflow/db"
	"tradeflow/idempotency"
	"tradeflow/outbox"
	"tradeflow/timeline"
)

const (
	scopeOpen            = "dispute.open"
	maxReasonLength      = 200
	maxDescriptionLength = 4000
)

// AssignmentStore locks the assignment and applies the dispute lock to it.
type AssignmentStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, jobID string) (assignment.Assignment, error)
	Get(ctx context.Context, q db.Querier, jobID string, filter access.Filter) (assignment.Assignment, error)
	MarkDisputed(ctx context.Context, tx pgx.Tx, jobID string) error
}

// InvoiceFreezer moves a job's submitted invoices to disputed.
type InvoiceFreezer interface {
	FreezeSubmitted(ctx context.Context, tx pgx.Tx, jobID string) ([]string, error)
}

type Deps struct {
	Repo        Repository
	Assignments AssignmentStore
	Invoices    InvoiceFreezer
	Timeline    timeline.Writer
	Outbox      outbox.Writer
	Keys        idempotency.Keeper
}

type Service struct {
	pool        db.Pool
	repo        Repository
	assignments AssignmentStore
	invoices    InvoiceFreezer
	timeline    timeline.Writer
	outbox      outbox.Writer
	keys        idempotency.Keeper
}

func NewService(pool db.Pool, deps Deps) *Service {
	s := &Service{
		pool:        pool,
		repo:        deps.Repo,
		assignments: deps.Assignments,
		invoices:    deps.Invoices,
		timeline:    deps.Timeline,
		outbox:      deps.Outbox,
		keys:        deps.Keys,
	}
	if s.repo == nil {
		s.repo = NewRepository()
	}
	if s.assignments == nil {
		s.assignments = assignment.NewRepository()
	}
	if s.timeline == nil {
		s.timeline = timeline.NewRepository()
	}
	if s.outbox == nil {
		s.outbox = outbox.NewRepository()
	}
	if s.keys == nil {
		s.keys = idempotency.NewStore()
	}
	return s
}

// OpenDispute raises a dispute against the other party and locks the job's
// invoices and variations until it is resolved out of band.
func (s *Service) OpenDispute(ctx context.Context, actor access.Actor, in OpenInput) (OpenResult, error) {
	if in.JobID == "" {
		return OpenResult{}, apperr.ValidationField("job_id", "job id is required")
	}
	in.Reason = strings.TrimSpace(in.Reason)
	in.Description = strings.TrimSpace(in.Description)
	switch {
	case in.Reason == "":
		return OpenResult{}, apperr.ValidationField("reason", "reason is required")
	case len(in.Reason) > maxReasonLength:
		return OpenResult{}, apperr.ValidationField("reason", "reason is too long")
	case len(in.Description) > maxDescriptionLength:
		return OpenResult{}, apperr.ValidationField("description", "description is too long")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return OpenResult{}, apperr.MapDBError(err)
	}
	defer tx.Rollback(ctx)

	a, err := s.assignments.GetForUpdate(ctx, tx, in.JobID)
	if err != nil {
		return OpenResult{}, notFound(err, "job")
	}
	parties := a.Parties()
	if err := access.RequireParticipant(actor, parties, "job"); err != nil {
		return OpenResult{}, err
	}
	if !parties.Includes(actor.ID) {
		return OpenResult{}, apperr.Forbidden("only a job participant may open a dispute")
	}

	key := idempotency.Key{ActorID: actor.ID, Scope: scopeOpen, Value: in.IdempotencyKey}
	res, err := s.keys.Reserve(ctx, tx, key)
	if err != nil {
		return OpenResult{}, apperr.MapDBError(err)
	}
	if res.Replayed {
		d, err := s.repo.GetForUpdate(ctx, tx, res.ResourceID)
		if err != nil {
			return OpenResult{}, notFound(err, "dispute")
		}
		return OpenResult{Dispute: d, FrozenInvoices: []string{}}, nil
	}

	switch {
	case a.Disputed():
		return OpenResult{}, apperr.InvalidTransition("job already has an open dispute")
	case a.Status == assignment.StatusCompleted:
		return OpenResult{}, apperr.InvalidTransition("job is completed and its funds released")
	}

	created, err := s.repo.Insert(ctx, tx, Dispute{
		JobID:        a.JobID,
		AssignmentID: a.ID,
		OpenedBy:     actor.ID,
		AgainstParty: parties.Counterparty(actor.ID),
		Reason:       in.Reason,
		Description:  in.Description,
	})
	if err != nil {
		return OpenResult{}, apperr.MapDBError(err)
	}
	if err := s.assignments.MarkDisputed(ctx, tx, a.JobID); err != nil {
		return OpenResult{}, apperr.MapDBError(err)
	}
	frozen := []string{}
	if s.invoices != nil {
		if frozen, err = s.invoices.FreezeSubmitted(ctx, tx, a.JobID); err != nil {
			return OpenResult{}, apperr.MapDBError(err)
		}
	}

	if _, err := s.timeline.Append(ctx, tx, timeline.AppendParams{
		JobID:   a.JobID,
		Type:    timeline.EventDisputeOpened,
		ActorID: actor.ID,
		Payload: map[string]any{
			"dispute_id":         created.ID,
			"against_party":      created.AgainstParty,
			"reason":             created.Reason,
			"previous_status":    string(a.Status),
			"frozen_invoice_ids": frozen,
		},
	}); err != nil {
		return OpenResult{}, apperr.MapDBError(err)
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicDisputeOpened, map[string]any{
		"job_id":      a.JobID,
		"customer_id": a.CustomerID,
		"provider_id": a.ProviderID,
		"actor_id":    actor.ID,
		"dispute_id":  created.ID,
		"reason":      created.Reason,
		"status":      string(created.Status),
	}); err != nil {
		return OpenResult{}, apperr.MapDBError(err)
	}
	if err := s.keys.Bind(ctx, tx, key, created.ID); err != nil {
		return OpenResult{}, apperr.MapDBError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return OpenResult{}, apperr.MapDBError(err)
	}
	return OpenResult{Dispute: created, FrozenInvoices: frozen}, nil
}

func (s *Service) GetDispute(ctx context.Context, actor access.Actor, id string) (Dispute, error) {
	if id == "" {
		return Dispute{}, apperr.ValidationField("dispute_id", "dispute id is required")
	}
	d, err := s.repo.Get(ctx, s.pool, id, access.FilterFor(actor))
	if err != nil {
		return Dispute{}, notFound(err, "dispute")
	}
	return d, nil
}

func (s *Service) ListDisputes(ctx context.Context, actor access.Actor, jobID string) ([]Dispute, error) {
	if jobID == "" {
		return nil, apperr.ValidationField("job_id", "job id is required")
	}
	filter := access.FilterFor(actor)
	if _, err := s.assignments.Get(ctx, s.pool, jobID, filter); err != nil {
		return nil, notFound(err, "job")
	}
	list, err := s.repo.List(ctx, s.pool, jobID, filter)
	if err != nil {
		return nil, apperr.MapDBError(err)
	}
	return list, nil
}

func notFound(err error, resource string) error {
	mapped := apperr.MapDBError(err)
	if apperr.IsNotFound(mapped) {
		return apperr.NotFound("%s not found", resource)
	}
	return mapped
}
