package main

import (
	"time"

	"tradeflow/assignment"
	"tradeflow/job"
	"tradeflow/quote"
	"tradeflow/timeline"
	"tradeflow/variation"
)

type JobResponse struct {
	ID                 string    `json:"id"`
	CustomerID         string    `json:"customer_id"`
	AssignedProviderID *string   `json:"assigned_provider_id,omitempty"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	CategoryTags       []string  `json:"category_tags"`
	BudgetMinCents     *int64    `json:"budget_min_cents,omitempty"`
	BudgetMaxCents     *int64    `json:"budget_max_cents,omitempty"`
	Status             string    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type JobListResponse struct {
	Items []JobResponse `json:"items"`
	Total int           `json:"total"`
}

type QuoteResponse struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	ProviderID string    `json:"provider_id"`
	PriceCents int64     `json:"price_cents"`
	Message    string    `json:"message"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

type AssignmentResponse struct {
	ID                      string     `json:"id"`
	JobID                   string     `json:"job_id"`
	CustomerID              string     `json:"customer_id"`
	ProviderID              string     `json:"provider_id"`
	AcceptedQuoteID         string     `json:"accepted_quote_id"`
	QuotePriceCents         int64      `json:"quote_price_cents"`
	Status                  string     `json:"status"`
	InProgress              bool       `json:"in_progress"`
	AgreedAt                *time.Time `json:"agreed_at,omitempty"`
	ProviderAcceptedTermsAt *time.Time `json:"provider_accepted_terms_at,omitempty"`
	InProgressAt            *time.Time `json:"in_progress_at,omitempty"`
	CompletedAt             *time.Time `json:"completed_at,omitempty"`
	Version                 int        `json:"version"`
}

type VariationResponse struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	AssignmentID string     `json:"assignment_id"`
	ProviderID   string     `json:"provider_id"`
	CustomerID   string     `json:"customer_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	AmountCents  int64      `json:"amount_cents"`
	Status       string     `json:"status"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
	Version      int        `json:"version"`
	CreatedAt    time.Time  `json:"created_at"`
}

type ResolveVariationResponse struct {
	Variation    VariationResponse `json:"variation"`
	JobContinues bool              `json:"job_continues"`
}

type EventResponse struct {
	Seq        int            `json:"seq"`
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	ActorID    *string        `json:"actor_id,omitempty"`
	Visibility string         `json:"visibility"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
}

func jobResponse(j job.Job) JobResponse {
	return JobResponse{
		ID:                 j.ID,
		CustomerID:         j.CustomerID,
		AssignedProviderID: j.AssignedProviderID,
		Title:              j.Title,
		Description:        j.Description,
		CategoryTags:       nonNilSlice(j.CategoryTags),
		BudgetMinCents:     j.BudgetMinCents,
		BudgetMaxCents:     j.BudgetMaxCents,
		Status:             string(j.Status),
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
	}
}

func quoteResponse(q quote.Quote) QuoteResponse {
	return QuoteResponse{
		ID:         q.ID,
		JobID:      q.JobID,
		ProviderID: q.ProviderID,
		PriceCents: q.PriceCents,
		Message:    q.Message,
		Status:     string(q.Status),
		CreatedAt:  q.CreatedAt,
	}
}

func assignmentResponse(a assignment.Assignment) AssignmentResponse {
	return AssignmentResponse{
		ID:                      a.ID,
		JobID:                   a.JobID,
		CustomerID:              a.CustomerID,
		ProviderID:              a.ProviderID,
		AcceptedQuoteID:         a.AcceptedQuoteID,
		QuotePriceCents:         a.QuotePriceCents,
		Status:                  string(a.Status),
		InProgress:              a.InProgress(),
		AgreedAt:                a.AgreedAt,
		ProviderAcceptedTermsAt: a.ProviderAcceptedTermsAt,
		InProgressAt:            a.InProgressAt,
		CompletedAt:             a.CompletedAt,
		Version:                 a.Version,
	}
}

func variationResponse(v variation.Variation) VariationResponse {
	return VariationResponse{
		ID:           v.ID,
		JobID:        v.JobID,
		AssignmentID: v.AssignmentID,
		ProviderID:   v.ProviderID,
		CustomerID:   v.CustomerID,
		Title:        v.Title,
		Description:  v.Description,
		AmountCents:  v.AmountCents,
		Status:       string(v.Status),
		DecidedAt:    v.DecidedAt,
		Version:      v.Version,
		CreatedAt:    v.CreatedAt,
	}
}

func eventResponse(e timeline.Event) EventResponse {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return EventResponse{
		Seq:        e.Seq,
		Type:       string(e.Type),
		Title:      e.Title(),
		ActorID:    e.ActorID,
		Visibility: string(e.Visibility),
		Payload:    payload,
		CreatedAt:  e.CreatedAt,
	}
}

func mapSlice[T, R any](in []T, fn func(T) R) []R {
	out := make([]R, 0, len(in))
	for _, v := range in {
		out = append(out, fn(v))
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
