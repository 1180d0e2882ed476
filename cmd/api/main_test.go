package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tradeflow/access"
	"tradeflow/apperr"
	"tradeflow/auth"
	"tradeflow/invoice"
	"tradeflow/job"
	"tradeflow/timeline"
)

type stubAuth struct {
	tokens map[string]access.Actor
	user   auth.User
	err    error
}

func (s *stubAuth) Register(_ context.Context, req auth.RegisterRequest) (*auth.User, error) {
	if s.err != nil {
		return nil, s.err
	}
	u := s.user
	u.Email = req.Email
	u.AccountType = req.AccountType
	return &u, nil
}

func (s *stubAuth) Login(_ context.Context, _ auth.LoginRequest) (auth.LoginResult, error) {
	if s.err != nil {
		return auth.LoginResult{}, s.err
	}
	return auth.LoginResult{Token: "tok-customer", User: s.user}, nil
}

func (s *stubAuth) GetUserByID(_ context.Context, _ string) (*auth.User, error) {
	u := s.user
	return &u, s.err
}

func (s *stubAuth) SetPayoutAccount(_ context.Context, _ access.Actor, id string) (*auth.User, error) {
	u := s.user
	u.PayoutAccountID = &id
	return &u, s.err
}

func (s *stubAuth) VerifyToken(token string) (access.Actor, error) {
	a, ok := s.tokens[token]
	if !ok {
		return access.Actor{}, auth.ErrInvalidToken
	}
	return a, nil
}

type stubInvoices struct {
	inv        invoice.Invoice
	err        error
	lastActor  access.Actor
	lastCreate invoice.CreateInput
	lastMove   invoice.TransitionInput
}

func (s *stubInvoices) CreateInvoice(_ context.Context, actor access.Actor, in invoice.CreateInput) (invoice.Invoice, error) {
	s.lastActor, s.lastCreate = actor, in
	return s.inv, s.err
}

func (s *stubInvoices) UpdateInvoice(_ context.Context, actor access.Actor, _ invoice.UpdateInput) (invoice.Invoice, error) {
	s.lastActor = actor
	return s.inv, s.err
}

func (s *stubInvoices) SubmitInvoice(_ context.Context, actor access.Actor, in invoice.TransitionInput) (invoice.Invoice, error) {
	s.lastActor, s.lastMove = actor, in
	return s.inv, s.err
}

func (s *stubInvoices) ApproveInvoice(_ context.Context, actor access.Actor, in invoice.TransitionInput) (invoice.Invoice, error) {
	s.lastActor, s.lastMove = actor, in
	return s.inv, s.err
}

func (s *stubInvoices) VoidInvoice(_ context.Context, actor access.Actor, in invoice.TransitionInput) (invoice.Invoice, error) {
	s.lastActor, s.lastMove = actor, in
	return s.inv, s.err
}

func (s *stubInvoices) GetInvoice(_ context.Context, actor access.Actor, _ string) (invoice.Invoice, error) {
	s.lastActor = actor
	return s.inv, s.err
}

func (s *stubInvoices) ListInvoices(_ context.Context, _ access.Actor, _ string) ([]invoice.Invoice, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []invoice.Invoice{s.inv}, nil
}

type stubJobs struct {
	created job.Job
	err     error
}

func (s *stubJobs) Create(_ context.Context, actor access.Actor, params job.CreateParams) (job.Job, error) {
	if s.err != nil {
		return job.Job{}, s.err
	}
	j := s.created
	j.CustomerID = actor.ID
	j.Title = params.Title
	return j, nil
}

func (s *stubJobs) Get(_ context.Context, _ access.Actor, _ string) (job.Job, error) {
	return s.created, s.err
}

func (s *stubJobs) List(_ context.Context, _ access.Actor, _ job.Filters) (job.ListResult, error) {
	return job.ListResult{}, s.err
}

func newTestAPI(t *testing.T, svc Services) *httptest.Server {
	t.Helper()
	if svc.Auth == nil {
		svc.Auth = &stubAuth{}
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	srv := httptest.NewServer(newHandler(svc, logger))
	t.Cleanup(srv.Close)
	return srv
}

func testTokens() map[string]access.Actor {
	return map[string]access.Actor{
		"tok-customer": access.ForAccount("cust-1", access.AccountCustomer),
		"tok-tradie":   access.ForAccount("prov-1", access.AccountTradie),
	}
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type envelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeEnvelope(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope %s: %v", data, err)
	}
	return env.Error
}

func TestHealth_IsPublic(t *testing.T) {
	srv := newTestAPI(t, Services{})

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.StatusCode, data)
	}
	if !strings.Contains(string(data), `"ok"`) {
		t.Fatalf("unexpected health body: %s", data)
	}
	if res.Header.Get("X-Request-Id") == "" {
		t.Fatal("expected a generated X-Request-Id")
	}
}

func TestAuthMiddleware_RejectsMissingAndInvalidTokens(t *testing.T) {
	srv := newTestAPI(t, Services{Auth: &stubAuth{tokens: testTokens()}, Invoices: &stubInvoices{}})

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/invoices/inv-1", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.StatusCode)
	}
	if got := decodeEnvelope(t, data); got.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %+v", got)
	}

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/invoices/inv-1", nil, map[string]string{"Authorization": "Bearer forged"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a forged token, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/invoices/inv-1", nil, map[string]string{"Authorization": "Basic abc"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a non-bearer scheme, got %d", res.StatusCode)
	}
}

func TestErrorEnvelope_MapsWorkflowCodes(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
		field  string
	}{
		{"not found", apperr.NotFound("invoice not found"), http.StatusNotFound, "not_found", ""},
		{"forbidden", apperr.Forbidden("only the customer may approve"), http.StatusForbidden, "forbidden", ""},
		{"conflict", apperr.AssignmentConflict("job already assigned"), http.StatusConflict, "assignment_conflict", ""},
		{"transition", apperr.InvalidTransition("invoice is disputed"), http.StatusConflict, "invalid_transition", ""},
		{"validation", apperr.ValidationField("total_cents", "total does not match"), http.StatusUnprocessableEntity, "validation", "total_cents"},
		{"stale", apperr.StaleVersion("invoice changed"), http.StatusPreconditionFailed, "stale_version", ""},
		{"network", apperr.NetworkFailure(errors.New("dial tcp"), "settlement unavailable"), http.StatusServiceUnavailable, "network_failure", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestAPI(t, Services{
				Auth:     &stubAuth{tokens: testTokens()},
				Invoices: &stubInvoices{err: tc.err},
			})
			res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/invoices/inv-1/approve", nil, map[string]string{
				"Authorization": "Bearer tok-customer",
			})
			if res.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, res.StatusCode, data)
			}
			got := decodeEnvelope(t, data)
			if got.Code != tc.code || got.Field != tc.field || got.Message == "" {
				t.Fatalf("unexpected envelope %+v", got)
			}
		})
	}
}

func TestErrorEnvelope_HidesUntypedErrors(t *testing.T) {
	srv := newTestAPI(t, Services{
		Auth:     &stubAuth{tokens: testTokens()},
		Invoices: &stubInvoices{err: errors.New(`pq: relation "invoices" does not exist`)},
	})

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/invoices/inv-1", nil, map[string]string{"Authorization": "Bearer tok-customer"})
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.StatusCode)
	}
	got := decodeEnvelope(t, data)
	if got.Code != "internal" || strings.Contains(got.Message, "relation") {
		t.Fatalf("storage text leaked: %+v", got)
	}
}

func TestInvoiceTransition_PassesHeaders(t *testing.T) {
	invoices := &stubInvoices{inv: invoice.Invoice{ID: "inv-1", Status: invoice.StatusSubmitted, Version: 3, TotalCents: 120_000}}
	srv := newTestAPI(t, Services{Auth: &stubAuth{tokens: testTokens()}, Invoices: invoices})

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/invoices/inv-1/submit", nil, map[string]string{
		"Authorization":   "Bearer tok-tradie",
		"If-Match":        `"2"`,
		"Idempotency-Key": "submit-1",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.StatusCode, data)
	}
	if invoices.lastMove != (invoice.TransitionInput{InvoiceID: "inv-1", ExpectedVersion: 2, IdempotencyKey: "submit-1"}) {
		t.Fatalf("unexpected transition input %+v", invoices.lastMove)
	}
	if invoices.lastActor.ID != "prov-1" || !invoices.lastActor.Has(access.CapProvider) {
		t.Fatalf("expected the tradie actor, got %+v", invoices.lastActor)
	}
	if res.Header.Get("ETag") != `"3"` {
		t.Fatalf("expected ETag \"3\", got %q", res.Header.Get("ETag"))
	}

	var body invoice.Invoice
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decode invoice: %v", err)
	}
	if body.ID != "inv-1" || body.TotalCents != 120_000 || body.Items == nil {
		t.Fatalf("unexpected invoice body %+v", body)
	}
}

func TestInvoiceTransition_RejectsMalformedIfMatch(t *testing.T) {
	invoices := &stubInvoices{}
	srv := newTestAPI(t, Services{Auth: &stubAuth{tokens: testTokens()}, Invoices: invoices})

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/invoices/inv-1/void", nil, map[string]string{
		"Authorization": "Bearer tok-tradie",
		"If-Match":      "abc",
	})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", res.StatusCode)
	}
	if got := decodeEnvelope(t, data); got.Field != "If-Match" {
		t.Fatalf("expected If-Match field, got %+v", got)
	}
	if invoices.lastMove.InvoiceID != "" {
		t.Fatal("service must not be called with a malformed version")
	}
}

func TestCreateInvoice_MapsBody(t *testing.T) {
	invoices := &stubInvoices{inv: invoice.Invoice{ID: "inv-9", Status: invoice.StatusDraft, Version: 1}}
	srv := newTestAPI(t, Services{Auth: &stubAuth{tokens: testTokens()}, Invoices: invoices})

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs/job-1/invoices", map[string]any{
		"gst_enabled": true,
		"total_cents": 120_000,
		"notes":       "final",
	}, map[string]string{
		"Authorization":   "Bearer tok-tradie",
		"Idempotency-Key": "create-1",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.StatusCode, data)
	}
	in := invoices.lastCreate
	if in.JobID != "job-1" || !in.GSTEnabled || in.TotalCents == nil || *in.TotalCents != 120_000 || in.IdempotencyKey != "create-1" {
		t.Fatalf("unexpected create input %+v", in)
	}
}

func TestRegisterAndLogin_ArePublic(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	authSvc := &stubAuth{tokens: testTokens(), user: auth.User{ID: "cust-1", Email: "c@example.com", AccountType: access.AccountCustomer, CreatedAt: now}}
	srv := newTestAPI(t, Services{Auth: authSvc})

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/auth/register", map[string]any{
		"email":        "c@example.com",
		"password":     "strongpassword",
		"full_name":    "Cass",
		"account_type": "tradie",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", res.StatusCode, data)
	}
	var user userResponse
	if err := json.Unmarshal(data, &user); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if user.AccountType != "tradie" || user.Email != "c@example.com" {
		t.Fatalf("unexpected user %+v", user)
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{
		"email":    "c@example.com",
		"password": "strongpassword",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", res.StatusCode, data)
	}
	var login loginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if login.Token != "tok-customer" {
		t.Fatalf("unexpected token %q", login.Token)
	}

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: expected 200, got %d: %s", res.StatusCode, data)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	srv := newTestAPI(t, Services{Auth: &stubAuth{err: auth.ErrInvalidCredentials}})

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{
		"email":    "c@example.com",
		"password": "wrong",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	if got := decodeEnvelope(t, data); got.Code != "unauthorized" {
		t.Fatalf("unexpected envelope %+v", got)
	}
}

func TestCreateJob_UsesCallerIdentity(t *testing.T) {
	jobs := &stubJobs{created: job.Job{ID: "job-1", Status: job.StatusOpen}}
	srv := newTestAPI(t, Services{Auth: &stubAuth{tokens: testTokens()}, Jobs: jobs})

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs", map[string]any{"title": "Rewire kitchen"}, map[string]string{
		"Authorization": "Bearer tok-customer",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.StatusCode, data)
	}
	var body JobResponse
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if body.CustomerID != "cust-1" || body.Title != "Rewire kitchen" || body.CategoryTags == nil {
		t.Fatalf("unexpected job %+v", body)
	}
}

func TestParseVersion(t *testing.T) {
	cases := map[string]int{"": 0, "4": 4, `"7"`: 7, `W/"2"`: 2}
	for raw, want := range cases {
		got, err := parseVersion(raw)
		if err != nil || got != want {
			t.Fatalf("parseVersion(%q) = %d, %v; want %d", raw, got, err, want)
		}
	}
	for _, raw := range []string{"x", "0", "-1"} {
		if _, err := parseVersion(raw); err == nil {
			t.Fatalf("parseVersion(%q) expected error", raw)
		}
	}
}

func TestRenderTimeline(t *testing.T) {
	actor := "prov-1"
	var buf bytes.Buffer
	renderTimeline(&buf, []timeline.Event{
		{Seq: 1, Type: timeline.EventInvoiceSubmitted, ActorID: &actor, Visibility: timeline.VisibleToParticipants, CreatedAt: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)},
		{Seq: 2, Type: timeline.EventDisputeOpened, Visibility: timeline.VisibleToParticipants, CreatedAt: time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)},
	})
	out := buf.String()
	for _, want := range []string{"SEQ", "prov-1", "2026-03-10T09:00:00Z", timeline.EventDisputeOpened.Title()} {
		if !strings.Contains(out, want) {
			t.Fatalf("timeline output missing %q:\n%s", want, out)
		}
	}
}
