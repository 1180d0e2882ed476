package timeline

import (
	"context"

	"tradeflow/access"
	"tradeflow/apperr"
	"tradeflow/db"
)

// ParticipantLookup resolves the two parties of a job.
type ParticipantLookup interface {
	Participants(ctx context.Context, q db.Querier, jobID string) (access.Participants, error)
}

// Reader lists timeline events.
type Reader interface {
	List(ctx context.Context, q db.Querier, jobID string, filter access.Filter) ([]Event, error)
}

type Service struct {
	pool    db.Querier
	repo    Reader
	parties ParticipantLookup
}

func NewService(pool db.Querier, repo Reader, parties ParticipantLookup) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{pool: pool, repo: repo, parties: parties}
}

// List renders the job timeline for actor, ordered by creation time.
// Non-participants receive NotFound.
func (s *Service) List(ctx context.Context, actor access.Actor, jobID string) ([]Event, error) {
	if jobID == "" {
		return nil, apperr.ValidationField("job_id", "job id is required")
	}
	parties, err := s.parties.Participants(ctx, s.pool, jobID)
	if err != nil {
		return nil, apperr.MapDBError(err)
	}
	if err := access.RequireParticipant(actor, parties, "job"); err != nil {
		return nil, err
	}
	events, err := s.repo.List(ctx, s.pool, jobID, access.FilterFor(actor))
	if err != nil {
		return nil, apperr.MapDBError(err)
	}
	return events, nil
}
