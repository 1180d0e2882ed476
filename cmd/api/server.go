package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"tradeflow/access"
	"tradeflow/apperr"
	"tradeflow/assignment"
	"tradeflow/auth"
	"tradeflow/dispute"
	"tradeflow/invoice"
	"tradeflow/job"
	"tradeflow/quote"
	"tradeflow/timeline"
	"tradeflow/variation"
)

const basePath = "/v1"

type jobService interface {
	Create(ctx context.Context, actor access.Actor, params job.CreateParams) (job.Job, error)
	Get(ctx context.Context, actor access.Actor, id string) (job.Job, error)
	List(ctx context.Context, actor access.Actor, filters job.Filters) (job.ListResult, error)
}

type quoteService interface {
	Submit(ctx context.Context, actor access.Actor, params quote.SubmitParams) (quote.Quote, error)
	Accept(ctx context.Context, actor access.Actor, quoteID, idempotencyKey string) (assignment.Assignment, error)
	List(ctx context.Context, actor access.Actor, jobID string) ([]quote.Quote, error)
}

type assignmentService interface {
	AcceptTerms(ctx context.Context, actor access.Actor, jobID, idempotencyKey string) (assignment.Assignment, error)
	GetAssignment(ctx context.Context, actor access.Actor, jobID string) (assignment.Assignment, error)
}

type invoiceService interface {
	CreateInvoice(ctx context.Context, actor access.Actor, in invoice.CreateInput) (invoice.Invoice, error)
	UpdateInvoice(ctx context.Context, actor access.Actor, in invoice.UpdateInput) (invoice.Invoice, error)
	SubmitInvoice(ctx context.Context, actor access.Actor, in invoice.TransitionInput) (invoice.Invoice, error)
	ApproveInvoice(ctx context.Context, actor access.Actor, in invoice.TransitionInput) (invoice.Invoice, error)
	VoidInvoice(ctx context.Context, actor access.Actor, in invoice.TransitionInput) (invoice.Invoice, error)
	GetInvoice(ctx context.Context, actor access.Actor, id string) (invoice.Invoice, error)
	ListInvoices(ctx context.Context, actor access.Actor, jobID string) ([]invoice.Invoice, error)
}

type variationService interface {
	RequestVariation(ctx context.Context, actor access.Actor, in variation.RequestInput) (variation.Variation, error)
	ResolveVariation(ctx context.Context, actor access.Actor, in variation.ResolveInput) (variation.ResolveResult, error)
	GetVariation(ctx context.Context, actor access.Actor, id string) (variation.Variation, error)
	ListVariations(ctx context.Context, actor access.Actor, jobID string) ([]variation.Variation, error)
}

type disputeService interface {
	OpenDispute(ctx context.Context, actor access.Actor, in dispute.OpenInput) (dispute.OpenResult, error)
	GetDispute(ctx context.Context, actor access.Actor, id string) (dispute.Dispute, error)
	ListDisputes(ctx context.Context, actor access.Actor, jobID string) ([]dispute.Dispute, error)
}

type timelineService interface {
	List(ctx context.Context, actor access.Actor, jobID string) ([]timeline.Event, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
	SetPayoutAccount(ctx context.Context, actor access.Actor, accountID string) (*auth.User, error)
	VerifyToken(token string) (access.Actor, error)
}

// Services is everything the HTTP API dispatches to.
type Services struct {
	Auth        authService
	Jobs        jobService
	Quotes      quoteService
	Assignments assignmentService
	Invoices    invoiceService
	Variations  variationService
	Disputes    disputeService
	Timeline    timelineService
}

type apiErrorBody struct {
	Code    string `json:"code" example:"invalid_transition"`
	Message string `json:"message" example:"invoice is not submitted"`
	Field   string `json:"field,omitempty" example:"total_cents"`
}

// apiError is the {"error": {...}} envelope returned for every failure.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type requestIDKey struct{}

// newHandler builds the /v1 API.
func newHandler(svc Services, logger *slog.Logger) http.Handler {
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, "")
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		field := ""
		for _, e := range errs {
			var detail *huma.ErrorDetail
			if errors.As(e, &detail) {
				field = strings.TrimPrefix(detail.Location, "body.")
				msg = detail.Message
				break
			}
		}
		return newAPIError(status, "", msg, field)
	}

	router := chi.NewRouter()
	router.Use(requestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(svc.Auth))

	hcfg := huma.DefaultConfig("Tradeflow API", "1.0.0")
	hcfg.OpenAPIPath = basePath + "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAuth(group, svc.Auth)
	registerJobs(group, svc.Jobs)
	registerQuotes(group, svc.Quotes)
	registerAssignments(group, svc.Assignments)
	registerInvoices(group, svc.Invoices)
	registerVariations(group, svc.Variations)
	registerDisputes(group, svc.Disputes)
	registerTimeline(group, svc.Timeline)

	return router
}

func newAPIError(status int, code, message, field string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Field: field},
	}
}

// handleError maps a service error onto the envelope. Untyped errors never
// leak their text.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		return newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", "")
	case errors.Is(err, auth.ErrDuplicateEmail):
		return newAPIError(http.StatusUnprocessableEntity, string(apperr.CodeValidation), "email is already registered", "email")
	case errors.Is(err, auth.ErrWeakPassword):
		return newAPIError(http.StatusUnprocessableEntity, string(apperr.CodeValidation), "password must be at least 8 characters", "password")
	case errors.Is(err, auth.ErrInvalidInput):
		return newAPIError(http.StatusUnprocessableEntity, string(apperr.CodeValidation), err.Error(), "")
	case errors.Is(err, auth.ErrUserNotFound):
		return newAPIError(http.StatusNotFound, string(apperr.CodeNotFound), "user not found", "")
	}
	code := apperr.GetCode(err)
	return newAPIError(statusForCode(code), string(code), apperr.PublicMessage(err), apperr.GetField(err))
}

func statusForCode(code apperr.Code) int {
	switch code {
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeForbidden:
		return http.StatusForbidden
	case apperr.CodeAssignmentConflict, apperr.CodeInvalidTransition:
		return http.StatusConflict
	case apperr.CodeValidation:
		return http.StatusUnprocessableEntity
	case apperr.CodeStaleVersion:
		return http.StatusPreconditionFailed
	case apperr.CodeNetworkFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return string(apperr.CodeNotFound)
	case http.StatusForbidden:
		return string(apperr.CodeForbidden)
	case http.StatusUnprocessableEntity:
		return string(apperr.CodeValidation)
	case http.StatusPreconditionFailed:
		return string(apperr.CodeStaleVersion)
	case http.StatusInternalServerError:
		return string(apperr.CodeInternal)
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// parseVersion reads an If-Match header. Missing means "don't check".
func parseVersion(raw string) (int, huma.StatusError) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	raw = strings.Trim(strings.TrimPrefix(raw, "W/"), `"`)
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, newAPIError(http.StatusUnprocessableEntity, string(apperr.CodeValidation), "If-Match must carry a positive version", "If-Match")
	}
	return v, nil
}

func etag(version int) string {
	return `"` + strconv.Itoa(version) + `"`
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.Log(r.Context(), level, "http request",
				"request_id", requestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}
