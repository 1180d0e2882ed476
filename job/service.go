package job

import (
	"context"
	"strings"

	"tradeflow/access"
	"tradeflow/apperr"
	"tradeflow/db"
)

const maxTitleLength = 200

type Service struct {
	pool db.Pool
	repo Repository
}

func NewService(pool db.Pool, repo Repository) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{pool: pool, repo: repo}
}

// Create posts a new open job for the calling customer.
func (s *Service) Create(ctx context.Context, actor access.Actor, params CreateParams) (Job, error) {
	if !actor.Has(access.CapCustomer) {
		return Job{}, apperr.Forbidden("only customers may post jobs")
	}
	params.Title = strings.TrimSpace(params.Title)
	if params.Title == "" {
		return Job{}, apperr.ValidationField("title", "title is required")
	}
	if len(params.Title) > maxTitleLength {
		return Job{}, apperr.ValidationField("title", "title is too long")
	}
	if params.BudgetMinCents != nil && *params.BudgetMinCents < 0 {
		return Job{}, apperr.ValidationField("budget_min_cents", "budget must not be negative")
	}
	if params.BudgetMinCents != nil && params.BudgetMaxCents != nil && *params.BudgetMinCents > *params.BudgetMaxCents {
		return Job{}, apperr.ValidationField("budget_max_cents", "budget maximum is below the minimum")
	}
	params.CategoryTags = normalizeTags(params.CategoryTags)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, apperr.MapDBError(err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, actor.ID, params)
	if err != nil {
		return Job{}, apperr.MapDBError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Job{}, apperr.MapDBError(err)
	}
	return created, nil
}

// Get returns a job visible to actor. Open jobs are visible to every provider.
func (s *Service) Get(ctx context.Context, actor access.Actor, id string) (Job, error) {
	if id == "" {
		return Job{}, apperr.ValidationField("job_id", "job id is required")
	}
	j, err := s.repo.Get(ctx, s.pool, id, access.FilterFor(actor), actor.Has(access.CapProvider))
	if err != nil {
		if apperr.IsNotFound(apperr.MapDBError(err)) {
			return Job{}, apperr.NotFound("job not found")
		}
		return Job{}, apperr.MapDBError(err)
	}
	return j, nil
}

type ListResult struct {
	Items []Job
	Total int
}

func (s *Service) List(ctx context.Context, actor access.Actor, filters Filters) (ListResult, error) {
	items, total, err := s.repo.List(ctx, s.pool, access.FilterFor(actor), actor.Has(access.CapProvider), filters)
	if err != nil {
		return ListResult{}, apperr.MapDBError(err)
	}
	return ListResult{Items: items, Total: total}, nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
