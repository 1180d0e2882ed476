package assignment

import (
	"context"
	"time"

	"tradeflow/access"
	"tradeflow/apperr"
	"tradeflow/db"
	"tradeflow/idempotency"
	"tradeflow/outbox"
	"tradeflow/timeline"
)

const (
	scopeCreate      = "assignment.create"
	scopeAcceptTerms = "assignment.accept_terms"
)

type Service struct {
	pool     db.Pool
	repo     Repository
	timeline timeline.Writer
	outbox   outbox.Writer
	keys     idempotency.Keeper
	now      func() time.Time
}

func NewService(pool db.Pool, repo Repository, tl timeline.Writer, ob outbox.Writer, keys idempotency.Keeper) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if tl == nil {
		tl = timeline.NewRepository()
	}
	if ob == nil {
		ob = outbox.NewRepository()
	}
	if keys == nil {
		keys = idempotency.NewStore()
	}
	return &Service{
		pool:     pool,
		repo:     repo,
		timeline: tl,
		outbox:   ob,
		keys:     keys,
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateAssignment accepts a quote on behalf of the job's customer and binds
// its provider to the job. The job, the quote and the assignment move together
// in one transaction.
func (s *Service) CreateAssignment(ctx context.Context, actor access.Actor, in CreateInput) (Assignment, error) {
	if in.JobID == "" {
		return Assignment{}, apperr.ValidationField("job_id", "job id is required")
	}
	if in.AcceptedQuoteID == "" {
		return Assignment{}, apperr.ValidationField("accepted_quote_id", "accepted quote id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Assignment{}, apperr.MapDBError(err)
	}
	defer tx.Rollback(ctx)

	key := idempotency.Key{ActorID: actor.ID, Scope: scopeCreate, Value: in.IdempotencyKey}
	res, err := s.keys.Reserve(ctx, tx, key)
	if err != nil {
		return Assignment{}, apperr.MapDBError(err)
	}
	if res.Replayed {
		a, err := s.repo.GetForUpdate(ctx, tx, in.JobID)
		if err != nil {
			return Assignment{}, notFound(err, "assignment")
		}
		return a, nil
	}

	job, err := s.repo.LockJob(ctx, tx, in.JobID)
	if err != nil {
		return Assignment{}, notFound(err, "job")
	}
	quote, err := s.repo.LockQuote(ctx, tx, in.AcceptedQuoteID)
	if err != nil {
		return Assignment{}, notFound(err, "quote")
	}

	// The quoting provider may see the quote, but only the customer accepts it.
	parties := access.Participants{CustomerID: job.CustomerID, ProviderID: quote.ProviderID}
	if quote.JobID != job.ID {
		return Assignment{}, apperr.NotFound("quote not found")
	}
	if !actor.Trusted() {
		if err := access.RequireCustomer(actor, parties, "quote"); err != nil {
			return Assignment{}, err
		}
	}
	if in.CustomerID != "" && in.CustomerID != job.CustomerID {
		return Assignment{}, apperr.ValidationField("customer_id", "customer does not own the job")
	}
	if in.ProviderID != "" && in.ProviderID != quote.ProviderID {
		return Assignment{}, apperr.ValidationField("provider_id", "quote was submitted by another provider")
	}
	if job.AssignedProviderID != nil && *job.AssignedProviderID != "" {
		return Assignment{}, apperr.AssignmentConflict("job already has an assignment")
	}
	if job.Status != "open" {
		return Assignment{}, apperr.InvalidTransition("job is %s and no longer accepts quotes", job.Status)
	}
	if quote.Status != "pending" {
		return Assignment{}, apperr.InvalidTransition("quote is %s", quote.Status)
	}

	created, err := s.repo.Insert(ctx, tx, InsertParams{
		JobID:           job.ID,
		CustomerID:      job.CustomerID,
		ProviderID:      quote.ProviderID,
		AcceptedQuoteID: quote.ID,
		AgreedAt:        s.now().UTC(),
	})
	if err != nil {
		return Assignment{}, apperr.MapDBError(err)
	}
	if err := s.repo.AcceptQuote(ctx, tx, job.ID, quote.ID, quote.ProviderID); err != nil {
		return Assignment{}, apperr.MapDBError(err)
	}

	if _, err := s.timeline.Append(ctx, tx, timeline.AppendParams{
		JobID:   job.ID,
		Type:    timeline.EventQuoteAccepted,
		ActorID: actor.ID,
		Payload: map[string]any{
			"quote_id":      quote.ID,
			"assignment_id": created.ID,
			"provider_id":   quote.ProviderID,
			"price_cents":   quote.PriceCents,
		},
	}); err != nil {
		return Assignment{}, apperr.MapDBError(err)
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicAssignmentCreated, map[string]any{
		"job_id":        job.ID,
		"assignment_id": created.ID,
		"customer_id":   job.CustomerID,
		"provider_id":   quote.ProviderID,
		"actor_id":      actor.ID,
		"quote_id":      quote.ID,
		"price_cents":   quote.PriceCents,
	}); err != nil {
		return Assignment{}, apperr.MapDBError(err)
	}
	if err := s.keys.Bind(ctx, tx, key, job.ID); err != nil {
		return Assignment{}, apperr.MapDBError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Assignment{}, apperr.MapDBError(err)
	}
	return created, nil
}

// AcceptTerms records the provider's acceptance of the job terms, which puts
// the assignment in progress. Accepting twice returns the assignment unchanged.
func (s *Service) AcceptTerms(ctx context.Context, actor access.Actor, jobID, idempotencyKey string) (Assignment, error) {
	if jobID == "" {
		return Assignment{}, apperr.ValidationField("job_id", "job id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Assignment{}, apperr.MapDBError(err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, jobID)
	if err != nil {
		return Assignment{}, notFound(err, "assignment")
	}
	if err := access.RequireProvider(actor, a.Parties(), "assignment"); err != nil {
		return Assignment{}, err
	}

	key := idempotency.Key{ActorID: actor.ID, Scope: scopeAcceptTerms, Value: idempotencyKey}
	res, err := s.keys.Reserve(ctx, tx, key)
	if err != nil {
		return Assignment{}, apperr.MapDBError(err)
	}
	if res.Replayed || a.ProviderAcceptedTermsAt != nil {
		return a, nil
	}
	if a.Status != StatusActive {
		return Assignment{}, apperr.InvalidTransition("assignment is %s", a.Status)
	}

	updated, err := s.repo.MarkInProgress(ctx, tx, a, s.now().UTC())
	if err != nil {
		return Assignment{}, apperr.MapDBError(err)
	}

	if _, err := s.timeline.Append(ctx, tx, timeline.AppendParams{
		JobID:   jobID,
		Type:    timeline.EventStatusChanged,
		ActorID: actor.ID,
		Payload: map[string]any{
			"assignment_id": a.ID,
			"from":          "agreed",
			"to":            "in_progress",
		},
	}); err != nil {
		return Assignment{}, apperr.MapDBError(err)
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicAssignmentInProgress, map[string]any{
		"job_id":        jobID,
		"assignment_id": a.ID,
		"customer_id":   a.CustomerID,
		"provider_id":   a.ProviderID,
		"actor_id":      actor.ID,
	}); err != nil {
		return Assignment{}, apperr.MapDBError(err)
	}
	if err := s.keys.Bind(ctx, tx, key, jobID); err != nil {
		return Assignment{}, apperr.MapDBError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Assignment{}, apperr.MapDBError(err)
	}
	return updated, nil
}

// GetAssignment returns the job's assignment to its customer, its provider or
// the service identity. Everyone else gets NotFound.
func (s *Service) GetAssignment(ctx context.Context, actor access.Actor, jobID string) (Assignment, error) {
	if jobID == "" {
		return Assignment{}, apperr.ValidationField("job_id", "job id is required")
	}
	a, err := s.repo.Get(ctx, s.pool, jobID, access.FilterFor(actor))
	if err != nil {
		return Assignment{}, notFound(err, "assignment")
	}
	return a, nil
}

// notFound maps a lookup failure, naming the missing resource.
func notFound(err error, resource string) error {
	mapped := apperr.MapDBError(err)
	if apperr.IsNotFound(mapped) {
		return apperr.NotFound("%s not found", resource)
	}
	return mapped
}
