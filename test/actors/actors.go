package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tradeflow/access"
	"tradeflow/apperr"
	"tradeflow/dispute"
	"tradeflow/invoice"
	"tradeflow/outbox"
	"tradeflow/variation"
)

// expected reports whether err is a workflow refusal the actors provoke on
// purpose, or a dropped connection from the chaos monkey.
func expected(err error) bool {
	if err == nil {
		return true
	}
	switch apperr.GetCode(err) {
	case apperr.CodeNotFound,
		apperr.CodeForbidden,
		apperr.CodeAssignmentConflict,
		apperr.CodeInvalidTransition,
		apperr.CodeValidation,
		apperr.CodeStaleVersion,
		apperr.CodeInternal:
		return true
	}
	return false
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func jitter(base, spread int) {
	time.Sleep(time.Duration(base+rand.Intn(spread)) * time.Millisecond)
}

func unexpected(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

// QuoteAcceptor races to accept one of the competing quotes of a job. Every
// attempt after the first winner must come back as a conflict.
func QuoteAcceptor(ctx context.Context, w *World, customer access.Actor, quoteIDs []string, wins *atomic.Int64, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id := quoteIDs[rand.Intn(len(quoteIDs))]
		_, err := w.Quotes.Accept(ctx, customer, id, uuid.NewString())
		if err == nil {
			wins.Add(1)
		} else if !expected(err) {
			return unexpected("accept quote", err)
		}
		jitter(10, 20)
	}
}

// TermsAcceptor has a provider accept the terms of whatever assignment the
// job ends up with. Losing providers are refused.
func TermsAcceptor(ctx context.Context, w *World, provider access.Actor, jobID string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := w.Assignments.AcceptTerms(ctx, provider, jobID, ""); !expected(err) {
			return unexpected("accept terms", err)
		}
		jitter(20, 40)
	}
}

// VariationRequester asks for small extra charges while the job runs.
func VariationRequester(ctx context.Context, w *World, provider access.Actor, jobID string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_, err := w.Variations.RequestVariation(ctx, provider, variation.RequestInput{
			JobID:          jobID,
			Title:          "Extra fittings",
			AmountCents:    int64(1+rand.Intn(50)) * 100,
			IdempotencyKey: uuid.NewString(),
		})
		if !expected(err) {
			return unexpected("request variation", err)
		}
		jitter(40, 60)
	}
}

// VariationResolver decides pending variations at random, sometimes with a
// stale version to exercise the optimistic check.
func VariationResolver(ctx context.Context, w *World, customer access.Actor, jobID string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		list, err := w.Variations.ListVariations(ctx, customer, jobID)
		if !expected(err) {
			return unexpected("list variations", err)
		}
		for _, v := range list {
			if v.Status != variation.StatusPendingCustomer {
				continue
			}
			decision := variation.DecisionApproved
			if rand.Intn(3) == 0 {
				decision = variation.DecisionDeclined
			}
			version := v.Version
			if rand.Intn(5) == 0 {
				version++
			}
			_, err := w.Variations.ResolveVariation(ctx, customer, variation.ResolveInput{
				VariationID:     v.ID,
				Decision:        decision,
				ExpectedVersion: version,
			})
			if !expected(err) {
				return unexpected("resolve variation", err)
			}
		}
		jitter(30, 50)
	}
}

// Invoicer drafts an invoice for the payable total and submits it. Drafts
// outpaced by a variation decision are voided.
func Invoicer(ctx context.Context, w *World, provider access.Actor, jobID string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		draft, err := w.Invoices.CreateInvoice(ctx, provider, invoice.CreateInput{
			JobID:          jobID,
			GSTEnabled:     rand.Intn(2) == 0,
			IdempotencyKey: uuid.NewString(),
		})
		if err != nil {
			if !expected(err) {
				return unexpected("create invoice", err)
			}
			jitter(50, 100)
			continue
		}
		jitter(5, 30)
		_, err = w.Invoices.SubmitInvoice(ctx, provider, invoice.TransitionInput{
			InvoiceID:       draft.ID,
			ExpectedVersion: draft.Version,
		})
		if apperr.IsValidation(err) || apperr.IsInvalidTransition(err) {
			_, err = w.Invoices.VoidInvoice(ctx, provider, invoice.TransitionInput{InvoiceID: draft.ID})
		}
		if !expected(err) {
			return unexpected("submit invoice", err)
		}
		jitter(80, 120)
	}
}

// Approver approves whichever invoice is currently submitted.
func Approver(ctx context.Context, w *World, customer access.Actor, jobID string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		list, err := w.Invoices.ListInvoices(ctx, customer, jobID)
		if !expected(err) {
			return unexpected("list invoices", err)
		}
		for _, inv := range list {
			if inv.Status != invoice.StatusSubmitted {
				continue
			}
			_, err := w.Invoices.ApproveInvoice(ctx, customer, invoice.TransitionInput{
				InvoiceID:       inv.ID,
				ExpectedVersion: inv.Version,
				IdempotencyKey:  "approve-" + inv.ID,
			})
			if !expected(err) {
				return unexpected("approve invoice", err)
			}
		}
		jitter(60, 140)
	}
}

// Disputer opens a dispute after a random delay, then keeps retrying so the
// one-open-dispute rule is exercised.
func Disputer(ctx context.Context, w *World, party access.Actor, jobID string, after time.Duration, stop <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return nil
	case <-time.After(after):
	}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_, err := w.Disputes.OpenDispute(ctx, party, disputeInput(jobID))
		if !expected(err) {
			return unexpected("open dispute", err)
		}
		jitter(200, 200)
	}
}

// Snooper is an unrelated account probing a job. Every read must come back
// not found.
func Snooper(ctx context.Context, w *World, outsider access.Actor, jobID string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := w.Invoices.ListInvoices(ctx, outsider, jobID); err == nil {
			return fmt.Errorf("outsider listed invoices of job %s", jobID)
		} else if !expected(err) {
			return unexpected("snoop invoices", err)
		}
		if _, err := w.Timeline.List(ctx, outsider, jobID); err == nil {
			return fmt.Errorf("outsider read timeline of job %s", jobID)
		}
		jitter(50, 50)
	}
}

// RelayWorker drains the outbox with a handler that fails one delivery in
// ten, counting what it saw.
func RelayWorker(ctx context.Context, w *World, delivered *atomic.Int64, stop <-chan struct{}) error {
	handler := outbox.HandlerFunc(func(ctx context.Context, msg outbox.Message) error {
		if rand.Intn(10) == 0 {
			return errors.New("simulated delivery failure")
		}
		delivered.Add(1)
		return nil
	})
	relay := outbox.NewRelay(w.Pool, outbox.NewRepository(), handler, discardLogger(), outbox.RelayConfig{
		BatchSize:    10,
		MaxAttempts:  50,
		PollInterval: 100 * time.Millisecond,
		RetryBase:    200 * time.Millisecond,
	})
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := relay.RunOnce(ctx); err != nil && !expected(err) {
			return unexpected("relay", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func disputeInput(jobID string) dispute.OpenInput {
	return dispute.OpenInput{
		JobID:       jobID,
		Reason:      "work_quality",
		Description: "Leak after installation",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
