package invoice

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"tradeflow/access"
	"tradeflow/apperr"
	"tradeflow/assignment"
	"tradeflow/db"
	"tradeflow/dbtest"
	"tradeflow/mocks"
	"tradeflow/outbox"
	"tradeflow/settlement"
	"tradeflow/timeline"
	"tradeflow/variation"
	"tradeflow/workflowtest"
)

var (
	customer = access.ForAccount("cust", access.AccountCustomer)
	provider = access.ForAccount("prov", access.AccountTradie)
	outsider = access.ForAccount("other", access.AccountDual)
)

type fakeAssignments struct {
	a         assignment.Assignment
	completed bool
}

func (f *fakeAssignments) GetForUpdate(_ context.Context, _ pgx.Tx, jobID string) (assignment.Assignment, error) {
	if jobID != f.a.JobID {
		return assignment.Assignment{}, pgx.ErrNoRows
	}
	return f.a, nil
}

func (f *fakeAssignments) Get(_ context.Context, _ db.Querier, jobID string, filter access.Filter) (assignment.Assignment, error) {
	if jobID != f.a.JobID || !(filter.Trusted || f.a.Parties().Includes(filter.ActorID)) {
		return assignment.Assignment{}, pgx.ErrNoRows
	}
	return f.a, nil
}

func (f *fakeAssignments) MarkCompleted(context.Context, pgx.Tx, string, time.Time) error {
	f.completed = true
	f.a.Status = assignment.StatusCompleted
	return nil
}

type fakeVariations struct{ approved []variation.Variation }

func (f *fakeVariations) ListApproved(context.Context, db.Querier, string) ([]variation.Variation, error) {
	return f.approved, nil
}

type fakeRepo struct {
	rows  map[string]Invoice
	order []string
}

func (f *fakeRepo) Insert(_ context.Context, _ pgx.Tx, inv Invoice) (Invoice, error) {
	inv.ID = fmt.Sprintf("inv-%d", len(f.rows)+1)
	inv.Status = StatusDraft
	inv.Version = 1
	f.rows[inv.ID] = inv
	f.order = append(f.order, inv.ID)
	return inv, nil
}

func (f *fakeRepo) JobIDFor(_ context.Context, _ db.Querier, id string) (string, error) {
	inv, ok := f.rows[id]
	if !ok {
		return "", pgx.ErrNoRows
	}
	return inv.JobID, nil
}

func (f *fakeRepo) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (Invoice, error) {
	inv, ok := f.rows[id]
	if !ok {
		return Invoice{}, pgx.ErrNoRows
	}
	return inv, nil
}

func (f *fakeRepo) UpdateDraft(_ context.Context, _ pgx.Tx, inv Invoice) (Invoice, error) {
	inv.Version++
	f.rows[inv.ID] = inv
	return inv, nil
}

func (f *fakeRepo) MarkSubmitted(_ context.Context, _ pgx.Tx, id string, totals Totals, sentAt time.Time) (Invoice, error) {
	inv := f.rows[id]
	for _, other := range f.rows {
		if other.JobID == inv.JobID && other.Status == StatusSubmitted {
			return Invoice{}, apperr.InvalidTransition("job already has a submitted invoice")
		}
	}
	inv.Status = StatusSubmitted
	inv.SubtotalCents, inv.TaxCents, inv.TotalCents = totals.SubtotalCents, totals.TaxCents, totals.TotalCents
	inv.SentAt = &sentAt
	inv.Version++
	f.rows[id] = inv
	return inv, nil
}

func (f *fakeRepo) MarkApproved(_ context.Context, _ pgx.Tx, id string, at time.Time, ref string, fee int64) (Invoice, error) {
	inv := f.rows[id]
	inv.Status = StatusApproved
	inv.ApprovedAt = &at
	inv.SettlementReference = &ref
	inv.PlatformFeeCents = &fee
	inv.Version++
	f.rows[id] = inv
	return inv, nil
}

func (f *fakeRepo) MarkVoid(_ context.Context, _ pgx.Tx, id string) (Invoice, error) {
	inv := f.rows[id]
	inv.Status = StatusVoid
	inv.Version++
	f.rows[id] = inv
	return inv, nil
}

func (f *fakeRepo) Get(_ context.Context, _ db.Querier, id string, filter access.Filter) (Invoice, error) {
	inv, ok := f.rows[id]
	if !ok || !f.visible(inv, filter) {
		return Invoice{}, pgx.ErrNoRows
	}
	return inv, nil
}

func (f *fakeRepo) List(_ context.Context, _ db.Querier, jobID string, filter access.Filter) ([]Invoice, error) {
	out := []Invoice{}
	for _, id := range f.order {
		if inv := f.rows[id]; inv.JobID == jobID && f.visible(inv, filter) {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (f *fakeRepo) visible(inv Invoice, filter access.Filter) bool {
	if filter.Trusted || filter.ActorID == inv.ProviderID {
		return true
	}
	return filter.ActorID == inv.CustomerID && inv.Status != StatusDraft
}

func (f *fakeRepo) HasSubmitted(_ context.Context, _ db.Querier, jobID string) (bool, error) {
	for _, inv := range f.rows {
		if inv.JobID == jobID && inv.Status == StatusSubmitted {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRepo) FreezeSubmitted(_ context.Context, _ pgx.Tx, jobID string) ([]string, error) {
	ids := []string{}
	for id, inv := range f.rows {
		if inv.JobID == jobID && inv.Status == StatusSubmitted {
			inv.Status = StatusDisputed
			f.rows[id] = inv
			ids = append(ids, id)
		}
	}
	return ids, nil
}

var clock = time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)

type fixture struct {
	pool       *dbtest.FakePool
	repo       *fakeRepo
	asg        *fakeAssignments
	variations *fakeVariations
	settler    *mocks.MockSettler
	tl         *workflowtest.Timeline
	ob         *workflowtest.Outbox
	svc        *Service
}

func newFixture(t *testing.T) *fixture {
	ctrl := gomock.NewController(t)
	agreed := clock.Add(-72 * time.Hour)
	payout := "acct_prov"
	f := &fixture{
		pool: &dbtest.FakePool{},
		repo: &fakeRepo{rows: map[string]Invoice{}},
		asg: &fakeAssignments{a: assignment.Assignment{
			ID:                      "asg-1",
			JobID:                   "job-1",
			CustomerID:              "cust",
			ProviderID:              "prov",
			QuotePriceCents:         100_000,
			ProviderPayoutAccount:   &payout,
			Status:                  assignment.StatusActive,
			AgreedAt:                &agreed,
			ProviderAcceptedTermsAt: &agreed,
		}},
		variations: &fakeVariations{},
		settler:    mocks.NewMockSettler(ctrl),
		tl:         &workflowtest.Timeline{},
		ob:         &workflowtest.Outbox{},
	}
	f.svc = NewService(f.pool, Deps{
		Repo:        f.repo,
		Assignments: f.asg,
		Variations:  f.variations,
		Settler:     f.settler,
		Timeline:    f.tl,
		Outbox:      f.ob,
		Keys:        &workflowtest.Keys{},
	}).WithClock(func() time.Time { return clock })
	return f
}

func (f *fixture) draft(t *testing.T) Invoice {
	t.Helper()
	inv, err := f.svc.CreateInvoice(context.Background(), provider, CreateInput{JobID: "job-1"})
	require.NoError(t, err)
	return inv
}

func (f *fixture) submitted(t *testing.T) Invoice {
	t.Helper()
	inv, err := f.svc.SubmitInvoice(context.Background(), provider, TransitionInput{InvoiceID: f.draft(t).ID})
	require.NoError(t, err)
	return inv
}

func TestCreateInvoice_DerivesItems(t *testing.T) {
	f := newFixture(t)
	f.variations.approved = []variation.Variation{{ID: "var-1", Title: "Extra power point", AmountCents: 20_000}}

	inv, err := f.svc.CreateInvoice(context.Background(), provider, CreateInput{JobID: "job-1", GSTEnabled: true, Notes: " thanks "})
	require.NoError(t, err)

	assert.Equal(t, StatusDraft, inv.Status)
	assert.Equal(t, int64(120_000), inv.TotalCents)
	assert.Equal(t, int64(10_909), inv.TaxCents)
	assert.Equal(t, int64(109_091), inv.SubtotalCents)
	assert.Equal(t, "thanks", inv.Notes)
	require.Len(t, inv.Items, 2)
	assert.Equal(t, "Variation: Extra power point", inv.Items[1].Description)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), inv.IssueDate)
	assert.Equal(t, time.Date(2026, 3, 24, 0, 0, 0, 0, time.UTC), inv.DueDate)

	require.Len(t, f.tl.Events, 1)
	assert.Equal(t, timeline.EventInvoiceCreated, f.tl.Events[0].Type)
	assert.Equal(t, timeline.VisibleToProvider, f.tl.Events[0].Visibility)
	assert.Empty(t, f.ob.Messages, "drafts do not notify the customer")
	assert.True(t, f.pool.Last().Committed)
}

func TestCreateInvoice_TotalIsFixed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wrong := int64(110_000)
	_, err := f.svc.CreateInvoice(ctx, provider, CreateInput{JobID: "job-1", TotalCents: &wrong})
	assert.True(t, apperr.IsValidation(err))
	assert.Equal(t, "total_cents", apperr.GetField(err))

	_, err = f.svc.CreateInvoice(ctx, provider, CreateInput{JobID: "job-1", Items: []ItemInput{
		{Description: "Labour", Quantity: 8, UnitPriceCents: 10_000},
	}})
	assert.True(t, apperr.IsValidation(err), "items must sum to the payable total")

	right := int64(100_000)
	inv, err := f.svc.CreateInvoice(ctx, provider, CreateInput{JobID: "job-1", TotalCents: &right, Items: []ItemInput{
		{Description: "Labour", Quantity: 8, UnitPriceCents: 10_000},
		{Description: "Materials", Quantity: 2, UnitPriceCents: 10_000},
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(80_000), inv.Items[0].LineTotalCents)
}

func TestCreateInvoice_Guards(t *testing.T) {
	tests := []struct {
		name  string
		actor access.Actor
		setup func(*fixture)
		check func(error) bool
	}{
		{"customer forbidden", customer, nil, apperr.IsForbidden},
		{"outsider not found", outsider, nil, apperr.IsNotFound},
		{"disputed", provider, func(f *fixture) { f.asg.a.Status = assignment.StatusDisputed }, apperr.IsInvalidTransition},
		{"completed", provider, func(f *fixture) { f.asg.a.Status = assignment.StatusCompleted }, apperr.IsInvalidTransition},
		{"terms pending", provider, func(f *fixture) { f.asg.a.ProviderAcceptedTermsAt = nil }, apperr.IsInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			_, err := f.svc.CreateInvoice(context.Background(), tt.actor, CreateInput{JobID: "job-1"})
			assert.True(t, tt.check(err), "got %v", err)
			assert.Empty(t, f.repo.rows)
		})
	}
}

func TestCompose_RejectsOutOfRangeLines(t *testing.T) {
	tests := []struct {
		name  string
		items []ItemInput
		field string
	}{
		{"wrapping line", []ItemInput{
			{Description: "Labour", Quantity: 1, UnitPriceCents: 100_000},
			{Description: "Gold taps", Quantity: 1 << 32, UnitPriceCents: 1 << 32},
		}, "items[1].quantity"},
		{"product past int64", []ItemInput{
			{Description: "Gold taps", Quantity: 4, UnitPriceCents: math.MaxInt64 / 2},
		}, "items[0].unit_price_cents"},
		{"sum past int64", []ItemInput{
			{Description: "Labour", Quantity: 1, UnitPriceCents: math.MaxInt64},
			{Description: "Materials", Quantity: 1, UnitPriceCents: 100_001},
		}, "items[1].line_total_cents"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, _, err := compose(100_000, nil, tt.items, nil, false)
			require.Error(t, err)
			assert.True(t, apperr.IsValidation(err), "got %v", err)
			assert.Equal(t, tt.field, apperr.GetField(err))
			assert.Nil(t, items)
		})
	}
}

func TestSplitGST(t *testing.T) {
	tests := []struct {
		total   int64
		enabled bool
		tax     int64
	}{
		{110_000, true, 10_000},
		{16, true, 1},
		{17, true, 2},
		{5, true, 0},
		{6, true, 1},
		{110_000, false, 0},
	}
	for _, tt := range tests {
		got := SplitGST(tt.total, tt.enabled)
		assert.Equal(t, tt.tax, got.TaxCents, "total %d", tt.total)
		assert.Equal(t, tt.total, got.SubtotalCents+got.TaxCents)
	}
}

func TestSubmitAndApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := f.submitted(t)
	assert.Equal(t, StatusSubmitted, inv.Status)
	require.NotNil(t, inv.SentAt)
	assert.Equal(t, []string{outbox.TopicInvoiceSubmitted}, f.ob.Topics())

	seen, err := f.svc.GetInvoice(ctx, customer, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, seen.ID)

	f.settler.EXPECT().Settle(gomock.Any(), settlement.Request{
		AmountCents:        100_000,
		PlatformFeeCents:   5_000,
		DestinationAccount: "acct_prov",
		IdempotencyKey:     inv.ID,
		Metadata:           map[string]string{"job_id": "job-1", "invoice_id": inv.ID},
	}).Return(settlement.Result{Reference: "set_123"}, nil).Times(1)

	approved, err := f.svc.ApproveInvoice(ctx, customer, TransitionInput{InvoiceID: inv.ID})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	require.NotNil(t, approved.SettlementReference)
	assert.Equal(t, "set_123", *approved.SettlementReference)
	assert.True(t, f.asg.completed)

	last := f.tl.Events[len(f.tl.Events)-1]
	assert.Equal(t, timeline.EventInvoiceApproved, last.Type)
	assert.Equal(t, "set_123", last.Payload["settlement_reference"])
	assert.Equal(t, int64(5_000), last.Payload["platform_fee_cents"])
	assert.Equal(t, []string{outbox.TopicInvoiceSubmitted, outbox.TopicInvoiceApproved}, f.ob.Topics())

	again, err := f.svc.ApproveInvoice(ctx, customer, TransitionInput{InvoiceID: inv.ID})
	require.NoError(t, err, "approving twice returns the invoice unchanged")
	assert.Equal(t, approved, again)
	assert.False(t, f.pool.Last().Committed)
}

func TestApproveInvoice_SettlementFailure(t *testing.T) {
	f := newFixture(t)
	inv := f.submitted(t)

	f.settler.EXPECT().Settle(gomock.Any(), gomock.Any()).Return(settlement.Result{}, settlement.ErrUnavailable)
	_, err := f.svc.ApproveInvoice(context.Background(), customer, TransitionInput{InvoiceID: inv.ID})
	assert.True(t, apperr.IsNetworkFailure(err), "got %v", err)

	assert.Equal(t, StatusSubmitted, f.repo.rows[inv.ID].Status)
	assert.False(t, f.asg.completed)
	assert.False(t, f.pool.Last().Committed)
	assert.True(t, f.pool.Last().RolledBack)

	f.settler.EXPECT().Settle(gomock.Any(), gomock.Any()).Return(settlement.Result{}, fmt.Errorf("%w: status 422", settlement.ErrRejected))
	_, err = f.svc.ApproveInvoice(context.Background(), customer, TransitionInput{InvoiceID: inv.ID})
	assert.True(t, apperr.IsValidation(err))
}

func TestApproveInvoice_RoleAndState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draft := f.draft(t)

	_, err := f.svc.ApproveInvoice(ctx, customer, TransitionInput{InvoiceID: draft.ID})
	assert.True(t, apperr.IsNotFound(err), "drafts are invisible to the customer")

	_, err = f.svc.SubmitInvoice(ctx, customer, TransitionInput{InvoiceID: draft.ID})
	assert.True(t, apperr.IsNotFound(err))

	_, err = f.svc.GetInvoice(ctx, customer, draft.ID)
	assert.True(t, apperr.IsNotFound(err))

	list, err := f.svc.ListInvoices(ctx, customer, "job-1")
	require.NoError(t, err)
	assert.Empty(t, list)

	inv, err := f.svc.SubmitInvoice(ctx, provider, TransitionInput{InvoiceID: draft.ID})
	require.NoError(t, err)

	_, err = f.svc.ApproveInvoice(ctx, provider, TransitionInput{InvoiceID: inv.ID})
	assert.True(t, apperr.IsForbidden(err))

	_, err = f.svc.ApproveInvoice(ctx, outsider, TransitionInput{InvoiceID: inv.ID})
	assert.True(t, apperr.IsNotFound(err))

	_, err = f.svc.ApproveInvoice(ctx, customer, TransitionInput{InvoiceID: inv.ID, ExpectedVersion: 1})
	assert.True(t, apperr.IsStaleVersion(err))

	_, err = f.svc.SubmitInvoice(ctx, provider, TransitionInput{InvoiceID: inv.ID})
	assert.True(t, apperr.IsInvalidTransition(err), "only drafts submit")
}

func TestApproveInvoice_DisputedIsFrozen(t *testing.T) {
	f := newFixture(t)
	inv := f.submitted(t)

	_, err := f.repo.FreezeSubmitted(context.Background(), nil, "job-1")
	require.NoError(t, err)
	f.asg.a.Status = assignment.StatusDisputed

	_, err = f.svc.ApproveInvoice(context.Background(), customer, TransitionInput{InvoiceID: inv.ID})
	assert.True(t, apperr.IsInvalidTransition(err))
	assert.False(t, f.asg.completed)
}

func TestSubmitInvoice_RecomputesTotal(t *testing.T) {
	f := newFixture(t)
	draft := f.draft(t)

	f.variations.approved = []variation.Variation{{ID: "var-1", Title: "Skirting", AmountCents: 7_500}}
	_, err := f.svc.SubmitInvoice(context.Background(), provider, TransitionInput{InvoiceID: draft.ID})
	assert.True(t, apperr.IsValidation(err), "lines predate the approved variation")

	updated, err := f.svc.UpdateInvoice(context.Background(), provider, UpdateInput{InvoiceID: draft.ID, ExpectedVersion: draft.Version})
	require.NoError(t, err)
	assert.Equal(t, int64(107_500), updated.TotalCents)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, timeline.EventInvoiceUpdated, f.tl.Types()[1])

	inv, err := f.svc.SubmitInvoice(context.Background(), provider, TransitionInput{InvoiceID: draft.ID, ExpectedVersion: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(107_500), inv.TotalCents)
}

func TestSubmitInvoice_OnePerJob(t *testing.T) {
	f := newFixture(t)
	f.submitted(t)
	second := f.draft(t)

	_, err := f.svc.SubmitInvoice(context.Background(), provider, TransitionInput{InvoiceID: second.ID})
	assert.True(t, apperr.IsInvalidTransition(err), "got %v", err)
}

func TestSubmitInvoice_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	draft := f.draft(t)
	in := TransitionInput{InvoiceID: draft.ID, IdempotencyKey: "sub-1"}

	first, err := f.svc.SubmitInvoice(context.Background(), provider, in)
	require.NoError(t, err)
	again, err := f.svc.SubmitInvoice(context.Background(), provider, in)
	require.NoError(t, err)

	assert.Equal(t, first, again)
	assert.Len(t, f.ob.Messages, 1)
}

func TestVoidInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draft := f.draft(t)

	_, err := f.svc.VoidInvoice(ctx, customer, TransitionInput{InvoiceID: draft.ID})
	assert.True(t, apperr.IsNotFound(err))

	voided, err := f.svc.VoidInvoice(ctx, provider, TransitionInput{InvoiceID: draft.ID})
	require.NoError(t, err)
	assert.Equal(t, StatusVoid, voided.Status)
	assert.Equal(t, timeline.EventInvoiceVoided, f.tl.Types()[1])

	_, err = f.svc.VoidInvoice(ctx, provider, TransitionInput{InvoiceID: draft.ID})
	assert.True(t, apperr.IsInvalidTransition(err))

	inv := f.submitted(t)
	_, err = f.svc.VoidInvoice(ctx, provider, TransitionInput{InvoiceID: inv.ID})
	assert.True(t, apperr.IsInvalidTransition(err), "submitted invoices cannot be voided")
}
