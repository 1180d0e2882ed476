package actors

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradeflow/access"
	"tradeflow/assignment"
	"tradeflow/auth"
	"tradeflow/dispute"
	"tradeflow/invoice"
	"tradeflow/job"
	"tradeflow/quote"
	"tradeflow/settlement"
	"tradeflow/timeline"
	"tradeflow/variation"
)

const (
	testSecret      = "stress-secret"
	serviceActorID  = "00000000-0000-0000-0000-000000000001"
	defaultPassword = "correct-horse-battery"
)

// World is the full service graph over one database.
type World struct {
	Pool        *pgxpool.Pool
	Auth        *auth.Service
	Jobs        *job.Service
	Quotes      *quote.Service
	Assignments *assignment.Service
	Invoices    *invoice.Service
	Variations  *variation.Service
	Disputes    *dispute.Service
	Timeline    *timeline.Service
}

// NewWorld wires every service against pool, releasing funds through settler.
func NewWorld(pool *pgxpool.Pool, settler settlement.Settler) *World {
	jobs := job.NewRepository()
	invoices := invoice.NewRepository()
	assignments := assignment.NewService(pool, nil, nil, nil, nil)
	return &World{
		Pool:        pool,
		Auth:        auth.NewService(auth.NewRepository(pool), testSecret, serviceActorID),
		Jobs:        job.NewService(pool, jobs),
		Quotes:      quote.NewService(pool, nil, assignments),
		Assignments: assignments,
		Invoices:    invoice.NewService(pool, invoice.Deps{Repo: invoices, Settler: settler}),
		Variations:  variation.NewService(pool, variation.Deps{Invoices: invoices}),
		Disputes:    dispute.NewService(pool, dispute.Deps{Invoices: invoices}),
		Timeline:    timeline.NewService(pool, timeline.NewRepository(), jobs),
	}
}

// Register creates an account and returns its actor. Tradies get a payout
// account so their invoices can settle.
func (w *World) Register(ctx context.Context, kind access.AccountType) (access.Actor, error) {
	tag := uuid.NewString()
	user, err := w.Auth.Register(ctx, auth.RegisterRequest{
		Email:       fmt.Sprintf("%s-%s@example.com", kind, tag),
		Password:    defaultPassword,
		FullName:    fmt.Sprintf("Stress %s", kind),
		AccountType: kind,
	})
	if err != nil {
		return access.Actor{}, fmt.Errorf("register %s: %w", kind, err)
	}
	actor := access.ForAccount(user.ID, user.AccountType)
	if actor.Has(access.CapProvider) {
		if _, err := w.Auth.SetPayoutAccount(ctx, actor, "acct_"+tag[:8]); err != nil {
			return access.Actor{}, fmt.Errorf("set payout account: %w", err)
		}
	}
	return actor, nil
}

// Parties are the accounts of one seeded job.
type Parties struct {
	Customer  access.Actor
	Providers []access.Actor
	Outsider  access.Actor
}

// SeedParties registers a customer, n tradies and an unrelated customer.
func (w *World) SeedParties(ctx context.Context, providers int) (Parties, error) {
	var p Parties
	var err error
	if p.Customer, err = w.Register(ctx, access.AccountCustomer); err != nil {
		return p, err
	}
	if p.Outsider, err = w.Register(ctx, access.AccountCustomer); err != nil {
		return p, err
	}
	for i := 0; i < providers; i++ {
		tradie, err := w.Register(ctx, access.AccountTradie)
		if err != nil {
			return p, err
		}
		p.Providers = append(p.Providers, tradie)
	}
	return p, nil
}

// OpenJob posts a job as the customer and collects one quote per provider.
func (w *World) OpenJob(ctx context.Context, p Parties, priceCents int64) (job.Job, []quote.Quote, error) {
	j, err := w.Jobs.Create(ctx, p.Customer, job.CreateParams{
		Title:        "Replace hot water system",
		Description:  "Remove the old unit and install a new one",
		CategoryTags: []string{"plumbing"},
	})
	if err != nil {
		return job.Job{}, nil, fmt.Errorf("create job: %w", err)
	}
	quotes := make([]quote.Quote, 0, len(p.Providers))
	for i, provider := range p.Providers {
		q, err := w.Quotes.Submit(ctx, provider, quote.SubmitParams{
			JobID:      j.ID,
			PriceCents: priceCents + int64(i)*100,
			Message:    "Can start this week",
		})
		if err != nil {
			return job.Job{}, nil, fmt.Errorf("submit quote: %w", err)
		}
		quotes = append(quotes, q)
	}
	return j, quotes, nil
}

// StartJob opens a job with a single provider, accepts the quote and the
// terms, leaving the assignment in progress.
func (w *World) StartJob(ctx context.Context, p Parties, priceCents int64) (assignment.Assignment, error) {
	j, quotes, err := w.OpenJob(ctx, Parties{Customer: p.Customer, Providers: p.Providers[:1]}, priceCents)
	if err != nil {
		return assignment.Assignment{}, err
	}
	if _, err := w.Quotes.Accept(ctx, p.Customer, quotes[0].ID, ""); err != nil {
		return assignment.Assignment{}, fmt.Errorf("accept quote: %w", err)
	}
	a, err := w.Assignments.AcceptTerms(ctx, p.Providers[0], j.ID, "")
	if err != nil {
		return assignment.Assignment{}, fmt.Errorf("accept terms: %w", err)
	}
	return a, nil
}

// RecordingSettler settles every request and remembers what it was asked.
type RecordingSettler struct {
	mu       sync.Mutex
	requests []settlement.Request
}

func (s *RecordingSettler) Settle(_ context.Context, req settlement.Request) (settlement.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return settlement.Result{Reference: "stl_" + req.IdempotencyKey}, nil
}

// Requests returns a copy of every settlement seen so far.
func (s *RecordingSettler) Requests() []settlement.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]settlement.Request(nil), s.requests...)
}
