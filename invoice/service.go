package invoice

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"tradeflow/access"
	"tradeflow/apperr"
	"tradeflow/assignment"
	"tradeflow/db"
	"tradeflow/idempotency"
	"tradeflow/outbox"
	"tradeflow/settlement"
	"tradeflow/timeline"
	"tradeflow/variation"
)

const (
	scopeCreate  = "invoice.create"
	scopeSubmit  = "invoice.submit"
	scopeApprove = "invoice.approve"
)

// AssignmentStore reads, locks and completes the job's assignment.
type AssignmentStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, jobID string) (assignment.Assignment, error)
	Get(ctx context.Context, q db.Querier, jobID string, filter access.Filter) (assignment.Assignment, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, jobID string, at time.Time) error
}

// ApprovedVariations lists the variations folded into the payable total.
type ApprovedVariations interface {
	ListApproved(ctx context.Context, q db.Querier, jobID string) ([]variation.Variation, error)
}

type Deps struct {
	Repo        Repository
	Assignments AssignmentStore
	Variations  ApprovedVariations
	Settler     settlement.Settler
	Timeline    timeline.Writer
	Outbox      outbox.Writer
	Keys        idempotency.Keeper
}

type Service struct {
	pool         db.Pool
	repo         Repository
	assignments  AssignmentStore
	variations   ApprovedVariations
	settler      settlement.Settler
	timeline     timeline.Writer
	outbox       outbox.Writer
	keys         idempotency.Keeper
	paymentTerms time.Duration
	now          func() time.Time
}

func NewService(pool db.Pool, deps Deps) *Service {
	s := &Service{
		pool:         pool,
		repo:         deps.Repo,
		assignments:  deps.Assignments,
		variations:   deps.Variations,
		settler:      deps.Settler,
		timeline:     deps.Timeline,
		outbox:       deps.Outbox,
		keys:         deps.Keys,
		paymentTerms: DefaultPaymentTerms,
		now:          time.Now,
	}
	if s.repo == nil {
		s.repo = NewRepository()
	}
	if s.assignments == nil {
		s.assignments = assignment.NewRepository()
	}
	if s.variations == nil {
		s.variations = variation.NewRepository()
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

// WithPaymentTerms sets the due-date offset for new invoices.
func (s *Service) WithPaymentTerms(d time.Duration) *Service {
	if d > 0 {
		s.paymentTerms = d
	}
	return s
}

// CreateInvoice drafts an invoice for an in-progress job. Drafts are visible
// to the provider only.
func (s *Service) CreateInvoice(ctx context.Context, actor access.Actor, in CreateInput) (Invoice, error) {
	if in.JobID == "" {
		return Invoice{}, apperr.ValidationField("job_id", "job id is required")
	}
	in.Notes = strings.TrimSpace(in.Notes)
	if len(in.Notes) > maxNotesLength {
		return Invoice{}, apperr.ValidationField("notes", "notes are too long")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Invoice{}, apperr.MapDBError(err)
	}
	defer tx.Rollback(ctx)

	a, err := s.assignments.GetForUpdate(ctx, tx, in.JobID)
	if err != nil {
		return Invoice{}, notFound(err, "job")
	}
	if err := access.RequireProvider(actor, a.Parties(), "job"); err != nil {
		return Invoice{}, err
	}

	key := idempotency.Key{ActorID: actor.ID, Scope: scopeCreate, Value: in.IdempotencyKey}
	res, err := s.keys.Reserve(ctx, tx, key)
	if err != nil {
		return Invoice{}, apperr.MapDBError(err)
	}
	if res.Replayed {
		return s.replay(ctx, tx, res.ResourceID)
	}

	if err := requireWorkable(a); err != nil {
		return Invoice{}, err
	}
	approved, err := s.variations.ListApproved(ctx, tx, a.JobID)
	if err != nil {
		return Invoice{}, apperr.MapDBError(err)
	}
	items, totals, err := compose(a.QuotePriceCents, approved, in.Items, in.TotalCents, in.GSTEnabled)
	if err != nil {
		return Invoice{}, err
	}

	issue := day(s.now())
	created, err := s.repo.Insert(ctx, tx, Invoice{
		JobID:         a.JobID,
		AssignmentID:  a.ID,
		ProviderID:    a.ProviderID,
		CustomerID:    a.CustomerID,
		Notes:         in.Notes,
		GSTEnabled:    in.GSTEnabled,
		SubtotalCents: totals.SubtotalCents,
		TaxCents:      totals.TaxCents,
		TotalCents:    totals.TotalCents,
		IssueDate:     issue,
		DueDate:       issue.Add(s.paymentTerms),
		Items:         items,
	})
	if err != nil {
		return Invoice{}, apperr.MapDBError(err)
	}

	if _, err := s.timeline.Append(ctx, tx, timeline.AppendParams{
		JobID:      a.JobID,
		Type:       timeline.EventInvoiceCreated,
		ActorID:    actor.ID,
		Visibility: timeline.VisibleToProvider,
		Payload: map[string]any{
			"invoice_id":  created.ID,
			"total_cents": created.TotalCents,
		},
	}); err != nil {
		return Invoice{}, apperr.MapDBError(err)
	}
	if err := s.keys.Bind(ctx, tx, key, created.ID); err != nil {
		return Invoice{}, apperr.MapDBError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Invoice{}, apperr.MapDBError(err)
	}
	return created, nil
}

// UpdateInvoice replaces a draft's lines, notes and GST setting.
func (s *Service) UpdateInvoice(ctx context.Context, actor access.Actor, in UpdateInput) (Invoice, error) {
	in.Notes = strings.TrimSpace(in.Notes)
	if len(in.Notes) > maxNotesLength {
		return Invoice{}, apperr.ValidationField("notes", "notes are too long")
	}

	var updated Invoice
	err := s.withInvoice(ctx, actor, in.InvoiceID, func(tx pgx.Tx, a assignment.Assignment, inv Invoice) error {
		if err := access.RequireProvider(actor, a.Parties(), "invoice"); err != nil {
			return err
		}
		if a.Disputed() {
			return apperr.InvalidTransition("job is under dispute")
		}
		if inv.Status != StatusDraft {
			return apperr.InvalidTransition("only draft invoices can be edited; invoice is %s", inv.Status)
		}
		if err := checkVersion(inv, in.ExpectedVersion); err != nil {
			return err
		}

		approved, err := s.variations.ListApproved(ctx, tx, a.JobID)
		if err != nil {
			return apperr.MapDBError(err)
		}
		items, totals, err := compose(a.QuotePriceCents, approved, in.Items, in.TotalCents, in.GSTEnabled)
		if err != nil {
			return err
		}

		inv.Notes = in.Notes
		inv.GSTEnabled = in.GSTEnabled
		inv.SubtotalCents, inv.TaxCents, inv.TotalCents = totals.SubtotalCents, totals.TaxCents, totals.TotalCents
		inv.Items = items
		if updated, err = s.repo.UpdateDraft(ctx, tx, inv); err != nil {
			return apperr.MapDBError(err)
		}

		_, err = s.timeline.Append(ctx, tx, timeline.AppendParams{
			JobID:      a.JobID,
			Type:       timeline.EventInvoiceUpdated,
			ActorID:    actor.ID,
			Visibility: timeline.VisibleToProvider,
			Payload: map[string]any{
				"invoice_id":  updated.ID,
				"total_cents": updated.TotalCents,
			},
		})
		return apperr.MapDBError(err)
	})
	return updated, err
}

// SubmitInvoice sends a draft to the customer for approval. The total is
// recomputed from the quote and approved variations and locked.
func (s *Service) SubmitInvoice(ctx context.Context, actor access.Actor, in TransitionInput) (Invoice, error) {
	var submitted Invoice
	err := s.withInvoice(ctx, actor, in.InvoiceID, func(tx pgx.Tx, a assignment.Assignment, inv Invoice) error {
		if err := access.RequireProvider(actor, a.Parties(), "invoice"); err != nil {
			return err
		}

		key := idempotency.Key{ActorID: actor.ID, Scope: scopeSubmit, Value: in.IdempotencyKey}
		res, err := s.keys.Reserve(ctx, tx, key)
		if err != nil {
			return apperr.MapDBError(err)
		}
		if res.Replayed {
			submitted, err = s.replay(ctx, tx, res.ResourceID)
			return err
		}

		if err := requireWorkable(a); err != nil {
			return err
		}
		if inv.Status != StatusDraft {
			return apperr.InvalidTransition("only draft invoices can be submitted; invoice is %s", inv.Status)
		}
		if err := checkVersion(inv, in.ExpectedVersion); err != nil {
			return err
		}

		approved, err := s.variations.ListApproved(ctx, tx, a.JobID)
		if err != nil {
			return apperr.MapDBError(err)
		}
		total := PayableTotal(a.QuotePriceCents, approved)
		if sum, err := SumItems(inv.Items); err != nil || sum != total {
			return apperr.ValidationField("items", "invoice lines no longer match the payable total; update the draft")
		}

		if submitted, err = s.repo.MarkSubmitted(ctx, tx, inv.ID, SplitGST(total, inv.GSTEnabled), s.now().UTC()); err != nil {
			return apperr.MapDBError(err)
		}

		if _, err := s.timeline.Append(ctx, tx, timeline.AppendParams{
			JobID:   a.JobID,
			Type:    timeline.EventInvoiceSubmitted,
			ActorID: actor.ID,
			Payload: map[string]any{
				"invoice_id":     submitted.ID,
				"subtotal_cents": submitted.SubtotalCents,
				"tax_cents":      submitted.TaxCents,
				"total_cents":    submitted.TotalCents,
			},
		}); err != nil {
			return apperr.MapDBError(err)
		}
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicInvoiceSubmitted, notification(a, actor, submitted)); err != nil {
			return apperr.MapDBError(err)
		}
		return apperr.MapDBError(s.keys.Bind(ctx, tx, key, submitted.ID))
	})
	return submitted, err
}

// ApproveInvoice approves a submitted invoice and releases the escrowed funds
// to the provider. Approving an approved invoice returns it unchanged.
func (s *Service) ApproveInvoice(ctx context.Context, actor access.Actor, in TransitionInput) (Invoice, error) {
	var approved Invoice
	err := s.withInvoice(ctx, actor, in.InvoiceID, func(tx pgx.Tx, a assignment.Assignment, inv Invoice) error {
		if err := access.RequireCustomer(actor, a.Parties(), "invoice"); err != nil {
			return err
		}

		key := idempotency.Key{ActorID: actor.ID, Scope: scopeApprove, Value: in.IdempotencyKey}
		res, err := s.keys.Reserve(ctx, tx, key)
		if err != nil {
			return apperr.MapDBError(err)
		}
		if res.Replayed {
			approved, err = s.replay(ctx, tx, res.ResourceID)
			return err
		}

		if inv.Status == StatusApproved {
			approved = inv
			return errUnchanged
		}
		if a.Disputed() || inv.Status == StatusDisputed {
			return apperr.InvalidTransition("job is under dispute")
		}
		if inv.Status != StatusSubmitted {
			return apperr.InvalidTransition("only submitted invoices can be approved; invoice is %s", inv.Status)
		}
		if err := checkVersion(inv, in.ExpectedVersion); err != nil {
			return err
		}
		if a.ProviderPayoutAccount == nil || *a.ProviderPayoutAccount == "" {
			return apperr.InvalidTransition("provider has no payout account")
		}

		fee := settlement.PlatformFee(inv.TotalCents)
		result, err := s.settler.Settle(ctx, settlement.Request{
			AmountCents:        inv.TotalCents,
			PlatformFeeCents:   fee,
			DestinationAccount: *a.ProviderPayoutAccount,
			IdempotencyKey:     inv.ID,
			Metadata: map[string]string{
				"job_id":     a.JobID,
				"invoice_id": inv.ID,
			},
		})
		if err != nil {
			if errors.Is(err, settlement.ErrRejected) {
				return apperr.Wrap(err, apperr.CodeValidation, "settlement rejected the release")
			}
			return apperr.NetworkFailure(err, "settlement is unavailable; retry the approval")
		}

		at := s.now().UTC()
		if approved, err = s.repo.MarkApproved(ctx, tx, inv.ID, at, result.Reference, fee); err != nil {
			return apperr.MapDBError(err)
		}
		if err := s.assignments.MarkCompleted(ctx, tx, a.JobID, at); err != nil {
			return apperr.MapDBError(err)
		}

		if _, err := s.timeline.Append(ctx, tx, timeline.AppendParams{
			JobID:   a.JobID,
			Type:    timeline.EventInvoiceApproved,
			ActorID: actor.ID,
			Payload: map[string]any{
				"invoice_id":           approved.ID,
				"total_cents":          approved.TotalCents,
				"platform_fee_cents":   fee,
				"settlement_reference": result.Reference,
			},
		}); err != nil {
			return apperr.MapDBError(err)
		}
		payload := notification(a, actor, approved)
		payload["platform_fee_cents"] = fee
		payload["settlement_reference"] = result.Reference
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicInvoiceApproved, payload); err != nil {
			return apperr.MapDBError(err)
		}
		return apperr.MapDBError(s.keys.Bind(ctx, tx, key, approved.ID))
	})
	if errors.Is(err, errUnchanged) {
		return approved, nil
	}
	return approved, err
}

// VoidInvoice discards a draft.
func (s *Service) VoidInvoice(ctx context.Context, actor access.Actor, in TransitionInput) (Invoice, error) {
	var voided Invoice
	err := s.withInvoice(ctx, actor, in.InvoiceID, func(tx pgx.Tx, a assignment.Assignment, inv Invoice) error {
		if err := access.RequireProvider(actor, a.Parties(), "invoice"); err != nil {
			return err
		}
		if inv.Status != StatusDraft {
			return apperr.InvalidTransition("only draft invoices can be voided; invoice is %s", inv.Status)
		}
		if err := checkVersion(inv, in.ExpectedVersion); err != nil {
			return err
		}

		var err error
		if voided, err = s.repo.MarkVoid(ctx, tx, inv.ID); err != nil {
			return apperr.MapDBError(err)
		}
		_, err = s.timeline.Append(ctx, tx, timeline.AppendParams{
			JobID:      a.JobID,
			Type:       timeline.EventInvoiceVoided,
			ActorID:    actor.ID,
			Visibility: timeline.VisibleToProvider,
			Payload:    map[string]any{"invoice_id": voided.ID},
		})
		return apperr.MapDBError(err)
	})
	return voided, err
}

func (s *Service) GetInvoice(ctx context.Context, actor access.Actor, id string) (Invoice, error) {
	if id == "" {
		return Invoice{}, apperr.ValidationField("invoice_id", "invoice id is required")
	}
	inv, err := s.repo.Get(ctx, s.pool, id, access.FilterFor(actor))
	if err != nil {
		return Invoice{}, notFound(err, "invoice")
	}
	return inv, nil
}

// ListInvoices returns the job's invoices. Customers never see drafts.
func (s *Service) ListInvoices(ctx context.Context, actor access.Actor, jobID string) ([]Invoice, error) {
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

// errUnchanged ends a transaction without committing when the call is a no-op.
var errUnchanged = errors.New("invoice: unchanged")

// withInvoice runs fn inside a transaction holding the assignment lock and
// then the invoice lock. fn errors roll back.
func (s *Service) withInvoice(ctx context.Context, actor access.Actor, invoiceID string, fn func(tx pgx.Tx, a assignment.Assignment, inv Invoice) error) error {
	if invoiceID == "" {
		return apperr.ValidationField("invoice_id", "invoice id is required")
	}
	jobID, err := s.repo.JobIDFor(ctx, s.pool, invoiceID)
	if err != nil {
		return notFound(err, "invoice")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.MapDBError(err)
	}
	defer tx.Rollback(ctx)

	a, err := s.assignments.GetForUpdate(ctx, tx, jobID)
	if err != nil {
		return notFound(err, "invoice")
	}
	if err := access.RequireParticipant(actor, a.Parties(), "invoice"); err != nil {
		return err
	}
	inv, err := s.repo.GetForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return notFound(err, "invoice")
	}
	if !visible(actor, inv) {
		return apperr.NotFound("invoice not found")
	}

	if err := fn(tx, a, inv); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.MapDBError(err)
	}
	return nil
}

func (s *Service) replay(ctx context.Context, tx pgx.Tx, id string) (Invoice, error) {
	inv, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Invoice{}, notFound(err, "invoice")
	}
	return inv, nil
}

// visible hides drafts from everyone but the provider.
func visible(actor access.Actor, inv Invoice) bool {
	if actor.Trusted() || actor.ID == inv.ProviderID {
		return true
	}
	return actor.ID == inv.CustomerID && inv.Status != StatusDraft
}

func requireWorkable(a assignment.Assignment) error {
	switch {
	case a.Disputed():
		return apperr.InvalidTransition("job is under dispute")
	case a.Status == assignment.StatusCompleted:
		return apperr.InvalidTransition("job is completed")
	case !a.InProgress():
		return apperr.InvalidTransition("job is not in progress")
	}
	return nil
}

func checkVersion(inv Invoice, expected int) error {
	if expected != 0 && expected != inv.Version {
		return apperr.StaleVersion("invoice is at version %d", inv.Version)
	}
	return nil
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func notification(a assignment.Assignment, actor access.Actor, inv Invoice) map[string]any {
	return map[string]any{
		"job_id":      a.JobID,
		"customer_id": a.CustomerID,
		"provider_id": a.ProviderID,
		"actor_id":    actor.ID,
		"invoice_id":  inv.ID,
		"total_cents": inv.TotalCents,
		"status":      string(inv.Status),
	}
}

func notFound(err error, resource string) error {
	mapped := apperr.MapDBError(err)
	if apperr.IsNotFound(mapped) {
		return apperr.NotFound("%s not found", resource)
	}
	return mapped
}
