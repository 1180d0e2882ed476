package job

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/access"
	"tradeflow/apperr"
	"tradeflow/db"
	"tradeflow/dbtest"
)

type fakeRepo struct {
	jobs        map[string]Job
	lastInclude bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: map[string]Job{}}
}

func (f *fakeRepo) Create(_ context.Context, _ pgx.Tx, customerID string, p CreateParams) (Job, error) {
	j := Job{
		ID:           fmt.Sprintf("job-%d", len(f.jobs)+1),
		CustomerID:   customerID,
		Title:        p.Title,
		CategoryTags: p.CategoryTags,
		Status:       StatusOpen,
	}
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeRepo) Get(_ context.Context, _ db.Querier, id string, filter access.Filter, includeOpen bool) (Job, error) {
	f.lastInclude = includeOpen
	j, ok := f.jobs[id]
	if !ok {
		return Job{}, pgx.ErrNoRows
	}
	if filter.Trusted || j.CustomerID == filter.ActorID || j.ProviderID() == filter.ActorID || (includeOpen && j.Status == StatusOpen) {
		return j, nil
	}
	return Job{}, pgx.ErrNoRows
}

func (f *fakeRepo) List(_ context.Context, _ db.Querier, filter access.Filter, includeOpen bool, _ Filters) ([]Job, int, error) {
	var out []Job
	for _, j := range f.jobs {
		if filter.Trusted || j.CustomerID == filter.ActorID || (includeOpen && j.Status == StatusOpen) {
			out = append(out, j)
		}
	}
	return out, len(out), nil
}

func (f *fakeRepo) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return Job{}, pgx.ErrNoRows
	}
	return j, nil
}

func (f *fakeRepo) Participants(_ context.Context, _ db.Querier, id string) (access.Participants, error) {
	j, ok := f.jobs[id]
	if !ok {
		return access.Participants{}, pgx.ErrNoRows
	}
	return access.Participants{CustomerID: j.CustomerID, ProviderID: j.ProviderID()}, nil
}

func TestService_Create(t *testing.T) {
	pool := &dbtest.FakePool{}
	svc := NewService(pool, newFakeRepo())
	customer := access.ForAccount("cust-1", access.AccountCustomer)

	j, err := svc.Create(context.Background(), customer, CreateParams{
		Title:        "  Fix leaking tap ",
		CategoryTags: []string{"Plumbing", "plumbing", " "},
	})
	require.NoError(t, err)
	assert.Equal(t, "Fix leaking tap", j.Title)
	assert.Equal(t, []string{"plumbing"}, j.CategoryTags)
	assert.Equal(t, StatusOpen, j.Status)
	assert.True(t, pool.Last().Committed)
}

func TestService_CreateValidation(t *testing.T) {
	svc := NewService(&dbtest.FakePool{}, newFakeRepo())
	customer := access.ForAccount("cust-1", access.AccountCustomer)
	lo, hi := int64(50_000), int64(10_000)

	_, err := svc.Create(context.Background(), customer, CreateParams{})
	assert.True(t, apperr.IsValidation(err))
	assert.Equal(t, "title", apperr.GetField(err))

	_, err = svc.Create(context.Background(), customer, CreateParams{Title: "Paint", BudgetMinCents: &lo, BudgetMaxCents: &hi})
	assert.True(t, apperr.IsValidation(err))

	_, err = svc.Create(context.Background(), access.ForAccount("tradie", access.AccountTradie), CreateParams{Title: "Paint"})
	assert.True(t, apperr.IsForbidden(err))
}

func TestService_GetVisibility(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(&dbtest.FakePool{}, repo)
	customer := access.ForAccount("cust-1", access.AccountCustomer)

	j, err := svc.Create(context.Background(), customer, CreateParams{Title: "Hang door"})
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), access.ForAccount("tradie-1", access.AccountTradie), j.ID)
	require.NoError(t, err, "open jobs are visible to providers")
	assert.True(t, repo.lastInclude)

	_, err = svc.Get(context.Background(), access.ForAccount("cust-2", access.AccountCustomer), j.ID)
	assert.True(t, apperr.IsNotFound(err))

	closed := repo.jobs[j.ID]
	closed.Status = StatusAgreed
	repo.jobs[j.ID] = closed
	_, err = svc.Get(context.Background(), access.ForAccount("tradie-1", access.AccountTradie), j.ID)
	assert.True(t, apperr.IsNotFound(err))
}
