package main

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"tradeflow/access"
	"tradeflow/dispute"
	"tradeflow/invoice"
	"tradeflow/job"
	"tradeflow/quote"
	"tradeflow/variation"
)

type output[T any] struct {
	Body T `json:"body"`
}

type versionedOutput[T any] struct {
	ETag string `header:"ETag"`
	Body T      `json:"body"`
}

func respond[T any](body T) *output[T] {
	return &output[T]{Body: body}
}

type jobPath struct {
	JobID string `path:"job_id"`
}

type idempotentJobPath struct {
	JobID          string `path:"job_id"`
	IdempotencyKey string `header:"Idempotency-Key"`
}

var writeErrors = []int{
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusPreconditionFailed,
	http.StatusUnprocessableEntity,
	http.StatusServiceUnavailable,
}

func registerJobs(api huma.API, svc jobService) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Post a job",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body struct {
			Title          string   `json:"title"`
			Description    string   `json:"description,omitempty"`
			CategoryTags   []string `json:"category_tags,omitempty"`
			BudgetMinCents *int64   `json:"budget_min_cents,omitempty"`
			BudgetMaxCents *int64   `json:"budget_max_cents,omitempty"`
		} `json:"body"`
	}) (*output[JobResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := svc.Create(ctx, actor, job.CreateParams{
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			CategoryTags:   input.Body.CategoryTags,
			BudgetMinCents: input.Body.BudgetMinCents,
			BudgetMaxCents: input.Body.BudgetMaxCents,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(jobResponse(j)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List visible jobs",
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		Page     int    `query:"page" default:"1" minimum:"1"`
		PageSize int    `query:"page_size" default:"20" minimum:"1" maximum:"100"`
	}) (*output[JobListResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := svc.List(ctx, actor, job.Filters{
			Status:   job.Status(input.Status),
			Page:     input.Page,
			PageSize: input.PageSize,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(JobListResponse{Items: mapSlice(res.Items, jobResponse), Total: res.Total}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get a job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*output[JobResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := svc.Get(ctx, actor, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(jobResponse(j)), nil
	})
}

func registerQuotes(api huma.API, svc quoteService) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-quote",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/quotes",
		Summary:       "Quote on an open job",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
		Body  struct {
			PriceCents int64  `json:"price_cents" minimum:"0"`
			Message    string `json:"message,omitempty"`
		} `json:"body"`
	}) (*output[QuoteResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q, err := svc.Submit(ctx, actor, quote.SubmitParams{
			JobID:      input.JobID,
			PriceCents: input.Body.PriceCents,
			Message:    input.Body.Message,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(quoteResponse(q)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-quotes",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/quotes",
		Summary:     "List quotes on a job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*output[[]QuoteResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		quotes, err := svc.List(ctx, actor, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(mapSlice(quotes, quoteResponse)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "accept-quote",
		Method:        http.MethodPost,
		Path:          "/quotes/{quote_id}/accept",
		Summary:       "Accept a quote and assign its provider",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		QuoteID        string `path:"quote_id"`
		IdempotencyKey string `header:"Idempotency-Key"`
	}) (*output[AssignmentResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := svc.Accept(ctx, actor, input.QuoteID, input.IdempotencyKey)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(assignmentResponse(a)), nil
	})
}

func registerAssignments(api huma.API, svc assignmentService) {
	huma.Register(api, huma.Operation{
		OperationID: "get-assignment",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/assignment",
		Summary:     "Get the job's assignment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*output[AssignmentResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := svc.GetAssignment(ctx, actor, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(assignmentResponse(a)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-terms",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/assignment/accept-terms",
		Summary:     "Provider accepts the agreed terms and starts work",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idempotentJobPath) (*output[AssignmentResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := svc.AcceptTerms(ctx, actor, input.JobID, input.IdempotencyKey)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(assignmentResponse(a)), nil
	})
}

type invoiceBody struct {
	Items      []invoice.ItemInput `json:"items,omitempty" maxItems:"100"`
	Notes      string              `json:"notes,omitempty"`
	GSTEnabled bool                `json:"gst_enabled,omitempty"`
	TotalCents *int64              `json:"total_cents,omitempty"`
}

type invoiceTransition struct {
	InvoiceID      string `path:"invoice_id"`
	IfMatch        string `header:"If-Match"`
	IdempotencyKey string `header:"Idempotency-Key"`
}

func (t *invoiceTransition) input() (invoice.TransitionInput, huma.StatusError) {
	version, verr := parseVersion(t.IfMatch)
	if verr != nil {
		return invoice.TransitionInput{}, verr
	}
	return invoice.TransitionInput{
		InvoiceID:       t.InvoiceID,
		ExpectedVersion: version,
		IdempotencyKey:  t.IdempotencyKey,
	}, nil
}

func invoiceOutput(inv invoice.Invoice) *versionedOutput[invoice.Invoice] {
	inv.Items = nonNilSlice(inv.Items)
	return &versionedOutput[invoice.Invoice]{ETag: etag(inv.Version), Body: inv}
}

func registerInvoices(api huma.API, svc invoiceService) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-invoice",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/invoices",
		Summary:       "Draft an invoice for the job",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		JobID          string      `path:"job_id"`
		IdempotencyKey string      `header:"Idempotency-Key"`
		Body           invoiceBody `json:"body"`
	}) (*versionedOutput[invoice.Invoice], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inv, err := svc.CreateInvoice(ctx, actor, invoice.CreateInput{
			JobID:          input.JobID,
			Items:          input.Body.Items,
			Notes:          input.Body.Notes,
			GSTEnabled:     input.Body.GSTEnabled,
			TotalCents:     input.Body.TotalCents,
			IdempotencyKey: input.IdempotencyKey,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return invoiceOutput(inv), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-invoice",
		Method:      http.MethodPut,
		Path:        "/invoices/{invoice_id}",
		Summary:     "Replace a draft invoice's lines and totals",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		InvoiceID string      `path:"invoice_id"`
		IfMatch   string      `header:"If-Match"`
		Body      invoiceBody `json:"body"`
	}) (*versionedOutput[invoice.Invoice], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		version, verr := parseVersion(input.IfMatch)
		if verr != nil {
			return nil, verr
		}
		inv, err := svc.UpdateInvoice(ctx, actor, invoice.UpdateInput{
			InvoiceID:       input.InvoiceID,
			Items:           input.Body.Items,
			Notes:           input.Body.Notes,
			GSTEnabled:      input.Body.GSTEnabled,
			TotalCents:      input.Body.TotalCents,
			ExpectedVersion: version,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return invoiceOutput(inv), nil
	})

	transitions := []struct {
		id, path, summary string
		call              func(context.Context, invoiceService, access.Actor, invoice.TransitionInput) (invoice.Invoice, error)
	}{
		{"submit-invoice", "/invoices/{invoice_id}/submit", "Submit a draft invoice to the customer",
			func(ctx context.Context, s invoiceService, actor access.Actor, in invoice.TransitionInput) (invoice.Invoice, error) {
				return s.SubmitInvoice(ctx, actor, in)
			}},
		{"approve-invoice", "/invoices/{invoice_id}/approve", "Approve a submitted invoice and release payment",
			func(ctx context.Context, s invoiceService, actor access.Actor, in invoice.TransitionInput) (invoice.Invoice, error) {
				return s.ApproveInvoice(ctx, actor, in)
			}},
		{"void-invoice", "/invoices/{invoice_id}/void", "Void a draft invoice",
			func(ctx context.Context, s invoiceService, actor access.Actor, in invoice.TransitionInput) (invoice.Invoice, error) {
				return s.VoidInvoice(ctx, actor, in)
			}},
	}
	for _, tr := range transitions {
		huma.Register(api, huma.Operation{
			OperationID: tr.id,
			Method:      http.MethodPost,
			Path:        tr.path,
			Summary:     tr.summary,
			Errors:      writeErrors,
		}, func(ctx context.Context, input *invoiceTransition) (*versionedOutput[invoice.Invoice], error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			in, verr := input.input()
			if verr != nil {
				return nil, verr
			}
			inv, err := tr.call(ctx, svc, actor, in)
			if err != nil {
				return nil, handleError(err)
			}
			return invoiceOutput(inv), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-invoice",
		Method:      http.MethodGet,
		Path:        "/invoices/{invoice_id}",
		Summary:     "Get an invoice",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InvoiceID string `path:"invoice_id"`
	}) (*versionedOutput[invoice.Invoice], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inv, err := svc.GetInvoice(ctx, actor, input.InvoiceID)
		if err != nil {
			return nil, handleError(err)
		}
		return invoiceOutput(inv), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-invoices",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/invoices",
		Summary:     "List the job's invoices",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*output[[]invoice.Invoice], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		invoices, err := svc.ListInvoices(ctx, actor, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(invoices)), nil
	})
}

func registerVariations(api huma.API, svc variationService) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-variation",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/variations",
		Summary:       "Propose a change to scope and price",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		JobID          string `path:"job_id"`
		IdempotencyKey string `header:"Idempotency-Key"`
		Body           struct {
			Title       string `json:"title"`
			Description string `json:"description,omitempty"`
			AmountCents int64  `json:"amount_cents"`
		} `json:"body"`
	}) (*versionedOutput[VariationResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := svc.RequestVariation(ctx, actor, variation.RequestInput{
			JobID:          input.JobID,
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			AmountCents:    input.Body.AmountCents,
			IdempotencyKey: input.IdempotencyKey,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &versionedOutput[VariationResponse]{ETag: etag(v.Version), Body: variationResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-variation",
		Method:      http.MethodPost,
		Path:        "/variations/{variation_id}/resolve",
		Summary:     "Approve or decline a pending variation",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		VariationID    string `path:"variation_id"`
		IfMatch        string `header:"If-Match"`
		IdempotencyKey string `header:"Idempotency-Key"`
		Body           struct {
			Decision string `json:"decision" enum:"approved,declined"`
		} `json:"body"`
	}) (*output[ResolveVariationResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		version, verr := parseVersion(input.IfMatch)
		if verr != nil {
			return nil, verr
		}
		res, err := svc.ResolveVariation(ctx, actor, variation.ResolveInput{
			VariationID:     input.VariationID,
			Decision:        variation.Decision(input.Body.Decision),
			ExpectedVersion: version,
			IdempotencyKey:  input.IdempotencyKey,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ResolveVariationResponse{
			Variation:    variationResponse(res.Variation),
			JobContinues: res.JobContinues,
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-variation",
		Method:      http.MethodGet,
		Path:        "/variations/{variation_id}",
		Summary:     "Get a variation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		VariationID string `path:"variation_id"`
	}) (*versionedOutput[VariationResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := svc.GetVariation(ctx, actor, input.VariationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &versionedOutput[VariationResponse]{ETag: etag(v.Version), Body: variationResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-variations",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/variations",
		Summary:     "List the job's variations",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*output[[]VariationResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		vs, err := svc.ListVariations(ctx, actor, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(mapSlice(vs, variationResponse)), nil
	})
}

func registerDisputes(api huma.API, svc disputeService) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-dispute",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/disputes",
		Summary:       "Open a dispute and freeze the job",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		JobID          string `path:"job_id"`
		IdempotencyKey string `header:"Idempotency-Key"`
		Body           struct {
			Reason      string `json:"reason"`
			Description string `json:"description,omitempty"`
		} `json:"body"`
	}) (*output[dispute.OpenResult], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := svc.OpenDispute(ctx, actor, dispute.OpenInput{
			JobID:          input.JobID,
			Reason:         input.Body.Reason,
			Description:    input.Body.Description,
			IdempotencyKey: input.IdempotencyKey,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res.FrozenInvoices = nonNilSlice(res.FrozenInvoices)
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dispute",
		Method:      http.MethodGet,
		Path:        "/disputes/{dispute_id}",
		Summary:     "Get a dispute",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DisputeID string `path:"dispute_id"`
	}) (*output[dispute.Dispute], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := svc.GetDispute(ctx, actor, input.DisputeID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-disputes",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/disputes",
		Summary:     "List the job's disputes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*output[[]dispute.Dispute], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ds, err := svc.ListDisputes(ctx, actor, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(ds)), nil
	})
}

func registerTimeline(api huma.API, svc timelineService) {
	huma.Register(api, huma.Operation{
		OperationID: "job-timeline",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/timeline",
		Summary:     "List the job's timeline events",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*output[[]EventResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		events, err := svc.List(ctx, actor, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(mapSlice(events, eventResponse)), nil
	})
}
