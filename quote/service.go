package quote

import (
	"context"
	"errors"
	"strings"

	"tradeflow/access"
	"tradeflow/apperr"
	"tradeflow/assignment"
	"tradeflow/db"
)

const maxMessageLength = 4000

// AssignmentCreator turns an accepted quote into the job's assignment.
type AssignmentCreator interface {
	CreateAssignment(ctx context.Context, actor access.Actor, in assignment.CreateInput) (assignment.Assignment, error)
}

type Service struct {
	pool        db.Pool
	repo        Repository
	assignments AssignmentCreator
}

func NewService(pool db.Pool, repo Repository, assignments AssignmentCreator) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{pool: pool, repo: repo, assignments: assignments}
}

// Submit records a provider's quote on an open job.
func (s *Service) Submit(ctx context.Context, actor access.Actor, params SubmitParams) (Quote, error) {
	if !actor.Has(access.CapProvider) {
		return Quote{}, apperr.Forbidden("only providers may quote")
	}
	if params.JobID == "" {
		return Quote{}, apperr.ValidationField("job_id", "job id is required")
	}
	if params.PriceCents <= 0 {
		return Quote{}, apperr.ValidationField("price_cents", "price must be a positive amount of cents")
	}
	params.Message = strings.TrimSpace(params.Message)
	if len(params.Message) > maxMessageLength {
		return Quote{}, apperr.ValidationField("message", "message is too long")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Quote{}, apperr.MapDBError(err)
	}
	defer tx.Rollback(ctx)

	job, err := s.repo.LockJob(ctx, tx, params.JobID)
	if err != nil {
		if apperr.IsNotFound(apperr.MapDBError(err)) {
			return Quote{}, apperr.NotFound("job not found")
		}
		return Quote{}, apperr.MapDBError(err)
	}
	if job.CustomerID == actor.ID {
		return Quote{}, apperr.Forbidden("cannot quote on your own job")
	}
	if job.Status != "open" {
		return Quote{}, apperr.InvalidTransition("job is %s and no longer accepts quotes", job.Status)
	}

	created, err := s.repo.Insert(ctx, tx, actor.ID, params)
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return Quote{}, apperr.ValidationField("job_id", "you have already quoted on this job")
		}
		return Quote{}, apperr.MapDBError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Quote{}, apperr.MapDBError(err)
	}
	return created, nil
}

// Accept accepts a quote for its job, creating the assignment.
func (s *Service) Accept(ctx context.Context, actor access.Actor, quoteID, idempotencyKey string) (assignment.Assignment, error) {
	if quoteID == "" {
		return assignment.Assignment{}, apperr.ValidationField("quote_id", "quote id is required")
	}
	q, err := s.repo.Get(ctx, s.pool, quoteID)
	if err != nil {
		if apperr.IsNotFound(apperr.MapDBError(err)) {
			return assignment.Assignment{}, apperr.NotFound("quote not found")
		}
		return assignment.Assignment{}, apperr.MapDBError(err)
	}
	return s.assignments.CreateAssignment(ctx, actor, assignment.CreateInput{
		JobID:           q.JobID,
		ProviderID:      q.ProviderID,
		AcceptedQuoteID: q.ID,
		IdempotencyKey:  idempotencyKey,
	})
}

// List returns every quote to the job's customer and a provider's own quotes
// to that provider.
func (s *Service) List(ctx context.Context, actor access.Actor, jobID string) ([]Quote, error) {
	if jobID == "" {
		return nil, apperr.ValidationField("job_id", "job id is required")
	}
	customerID, err := s.repo.JobCustomer(ctx, s.pool, jobID)
	if err != nil {
		if apperr.IsNotFound(apperr.MapDBError(err)) {
			return nil, apperr.NotFound("job not found")
		}
		return nil, apperr.MapDBError(err)
	}

	var providerFilter string
	switch {
	case actor.Trusted(), actor.ID == customerID:
	case actor.Has(access.CapProvider):
		providerFilter = actor.ID
	default:
		return nil, apperr.NotFound("job not found")
	}

	quotes, err := s.repo.ListByJob(ctx, s.pool, jobID, providerFilter)
	if err != nil {
		return nil, apperr.MapDBError(err)
	}
	return quotes, nil
}
