package variation

import (
	"context"
	"strings"
	"time"

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
	scopeRequest = "variation.request"
	scopeResolve = "variation.resolve"
)

// AssignmentStore reads and locks the job's assignment.
type AssignmentStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, jobID string) (assignment.Assignment, error)
	Get(ctx context.Context, q db.Querier, jobID string, filter access.Filter) (assignment.Assignment, error)
}

// SubmittedInvoiceChecker reports whether a job has an invoice awaiting
// approval, which locks the job's payable total.
type SubmittedInvoiceChecker interface {
	HasSubmitted(ctx context.Context, q db.Querier, jobID string) (bool, error)
}

type Service struct {
	pool        db.Pool
	repo        Repository
	assignments AssignmentStore
	invoices    SubmittedInvoiceChecker
	timeline    timeline.Writer
	outbox      outbox.Writer
	keys        idempotency.Keeper
	now         func() time.Time
}

type Deps struct {
	Repo        Repository
	Assignments AssignmentStore
	Invoices    SubmittedInvoiceChecker
	Timeline    timeline.Writer
	Outbox      outbox.Writer
	Keys        idempotency.Keeper
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
		now:         time.Now,
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

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RequestVariation records a provider's proposed scope change for the
// customer to decide.
func (s *Service) RequestVariation(ctx context.Context, actor access.Actor, in RequestInput) (Variation, error) {
	if in.JobID == "" {
		return Variation{}, apperr.ValidationField("job_id", "job id is required")
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return Variation{}, apperr.ValidationField("title", "title is required")
	}
	if in.AmountCents <= 0 {
		return Variation{}, apperr.ValidationField("amount_cents", "amount must be a positive amount of cents")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Variation{}, apperr.MapDBError(err)
	}
	defer tx.Rollback(ctx)

	a, err := s.assignments.GetForUpdate(ctx, tx, in.JobID)
	if err != nil {
		return Variation{}, notFound(err, "job")
	}
	if err := access.RequireProvider(actor, a.Parties(), "job"); err != nil {
		return Variation{}, err
	}

	key := idempotency.Key{ActorID: actor.ID, Scope: scopeRequest, Value: in.IdempotencyKey}
	res, err := s.keys.Reserve(ctx, tx, key)
	if err != nil {
		return Variation{}, apperr.MapDBError(err)
	}
	if res.Replayed {
		return s.replay(ctx, tx, res.ResourceID)
	}

	if a.Disputed() {
		return Variation{}, apperr.InvalidTransition("job is under dispute")
	}
	if !a.InProgress() {
		return Variation{}, apperr.InvalidTransition("job is not in progress")
	}
	if err := s.requireNoSubmittedInvoice(ctx, tx, a.JobID); err != nil {
		return Variation{}, err
	}

	created, err := s.repo.Insert(ctx, tx, Variation{
		JobID:        a.JobID,
		AssignmentID: a.ID,
		ProviderID:   a.ProviderID,
		CustomerID:   a.CustomerID,
		Title:        in.Title,
		Description:  strings.TrimSpace(in.Description),
		AmountCents:  in.AmountCents,
	})
	if err != nil {
		return Variation{}, apperr.MapDBError(err)
	}

	if _, err := s.timeline.Append(ctx, tx, timeline.AppendParams{
		JobID:   a.JobID,
		Type:    timeline.EventVariationRequested,
		ActorID: actor.ID,
		Payload: map[string]any{
			"variation_id": created.ID,
			"title":        created.Title,
			"amount_cents": created.AmountCents,
		},
	}); err != nil {
		return Variation{}, apperr.MapDBError(err)
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicVariationRequested, s.notification(a, actor, created)); err != nil {
		return Variation{}, apperr.MapDBError(err)
	}
	if err := s.keys.Bind(ctx, tx, key, created.ID); err != nil {
		return Variation{}, apperr.MapDBError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Variation{}, apperr.MapDBError(err)
	}
	return created, nil
}

// ResolveVariation applies the customer's decision to a pending variation.
// Approved amounts fold into the total of later invoices.
func (s *Service) ResolveVariation(ctx context.Context, actor access.Actor, in ResolveInput) (ResolveResult, error) {
	if in.VariationID == "" {
		return ResolveResult{}, apperr.ValidationField("variation_id", "variation id is required")
	}
	if !in.Decision.Valid() {
		return ResolveResult{}, apperr.ValidationField("decision", "decision must be approved or declined")
	}

	jobID, err := s.repo.JobIDFor(ctx, s.pool, in.VariationID)
	if err != nil {
		return ResolveResult{}, notFound(err, "variation")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ResolveResult{}, apperr.MapDBError(err)
	}
	defer tx.Rollback(ctx)

	a, err := s.assignments.GetForUpdate(ctx, tx, jobID)
	if err != nil {
		return ResolveResult{}, notFound(err, "variation")
	}
	if err := access.RequireCustomer(actor, a.Parties(), "variation"); err != nil {
		return ResolveResult{}, err
	}

	key := idempotency.Key{ActorID: actor.ID, Scope: scopeResolve, Value: in.IdempotencyKey}
	res, err := s.keys.Reserve(ctx, tx, key)
	if err != nil {
		return ResolveResult{}, apperr.MapDBError(err)
	}
	if res.Replayed {
		v, err := s.replay(ctx, tx, res.ResourceID)
		if err != nil {
			return ResolveResult{}, err
		}
		return ResolveResult{Variation: v, JobContinues: true}, nil
	}

	v, err := s.repo.GetForUpdate(ctx, tx, in.VariationID)
	if err != nil {
		return ResolveResult{}, notFound(err, "variation")
	}
	if a.Disputed() {
		return ResolveResult{}, apperr.InvalidTransition("job is under dispute")
	}
	if v.Status != StatusPendingCustomer {
		return ResolveResult{}, apperr.InvalidTransition("variation is %s", v.Status)
	}
	if in.ExpectedVersion != 0 && in.ExpectedVersion != v.Version {
		return ResolveResult{}, apperr.StaleVersion("variation is at version %d", v.Version)
	}

	status := StatusDeclined
	eventType := timeline.EventVariationDeclined
	if in.Decision == DecisionApproved {
		if err := s.requireNoSubmittedInvoice(ctx, tx, jobID); err != nil {
			return ResolveResult{}, err
		}
		status = StatusApproved
		eventType = timeline.EventVariationApproved
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, v.ID, status, s.now().UTC())
	if err != nil {
		return ResolveResult{}, apperr.MapDBError(err)
	}

	if _, err := s.timeline.Append(ctx, tx, timeline.AppendParams{
		JobID:   jobID,
		Type:    eventType,
		ActorID: actor.ID,
		Payload: map[string]any{
			"variation_id": updated.ID,
			"amount_cents": updated.AmountCents,
			"decision":     string(in.Decision),
		},
	}); err != nil {
		return ResolveResult{}, apperr.MapDBError(err)
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicVariationDecided, s.notification(a, actor, updated)); err != nil {
		return ResolveResult{}, apperr.MapDBError(err)
	}
	if err := s.keys.Bind(ctx, tx, key, updated.ID); err != nil {
		return ResolveResult{}, apperr.MapDBError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ResolveResult{}, apperr.MapDBError(err)
	}
	return ResolveResult{Variation: updated, JobContinues: true}, nil
}

func (s *Service) GetVariation(ctx context.Context, actor access.Actor, id string) (Variation, error) {
	if id == "" {
		return Variation{}, apperr.ValidationField("variation_id", "variation id is required")
	}
	v, err := s.repo.Get(ctx, s.pool, id, access.FilterFor(actor))
	if err != nil {
		return Variation{}, notFound(err, "variation")
	}
	return v, nil
}

func (s *Service) ListVariations(ctx context.Context, actor access.Actor, jobID string) ([]Variation, error) {
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

func (s *Service) requireNoSubmittedInvoice(ctx context.Context, tx pgx.Tx, jobID string) error {
	if s.invoices == nil {
		return nil
	}
	submitted, err := s.invoices.HasSubmitted(ctx, tx, jobID)
	if err != nil {
		return apperr.MapDBError(err)
	}
	if submitted {
		return apperr.InvalidTransition("a submitted invoice locks the job total")
	}
	return nil
}

func (s *Service) replay(ctx context.Context, tx pgx.Tx, id string) (Variation, error) {
	v, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Variation{}, notFound(err, "variation")
	}
	return v, nil
}

func (s *Service) notification(a assignment.Assignment, actor access.Actor, v Variation) map[string]any {
	return map[string]any{
		"job_id":       a.JobID,
		"customer_id":  a.CustomerID,
		"provider_id":  a.ProviderID,
		"actor_id":     actor.ID,
		"variation_id": v.ID,
		"amount_cents": v.AmountCents,
		"title":        v.Title,
		"description":  v.Description,
		"status":       string(v.Status),
	}
}

func notFound(err error, resource string) error {
	mapped := apperr.MapDBError(err)
	if apperr.IsNotFound(mapped) {
		return apperr.NotFound("%s not found", resource)
	}
	return mapped
}
