package main

import (
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

	"github.com/prometheus/client_golang/prometheus"

	"gigflow/auth"
	"gigflow/dispute"
	"gigflow/fault"
	"gigflow/ledger"
	"gigflow/metrics"
	"gigflow/task"
)

// Stub services implement the narrow interfaces the server depends on via
// function fields, so each test overrides only what it exercises.

type stubAuth struct {
	registerFn func(auth.RegisterRequest) (*auth.User, error)
	loginFn    func(auth.LoginRequest) (auth.LoginResult, error)
	identities map[string]auth.Identity
}

func (s *stubAuth) Register(_ context.Context, req auth.RegisterRequest) (*auth.User, error) {
	return s.registerFn(req)
}

func (s *stubAuth) Login(_ context.Context, req auth.LoginRequest) (auth.LoginResult, error) {
	return s.loginFn(req)
}

func (s *stubAuth) VerifyToken(token string) (auth.Identity, error) {
	identity, ok := s.identities[token]
	if !ok {
		return auth.Identity{}, errors.New("invalid token")
	}
	return identity, nil
}

type stubTasks struct {
	createFn   func(creatorID string, params task.CreateParams) (task.Task, error)
	getFn      func(id string) (task.Task, error)
	listFn     func(filters task.ListFilters) ([]task.Task, error)
	applyFn    func(taskID, applicantID, message string) (task.Application, error)
	listAppsFn func(taskID, actorID string) ([]task.Application, error)
	acceptFn   func(taskID, appID, actorID string) (task.Task, task.Application, error)
	rejectFn   func(taskID, appID, actorID string) (task.Application, error)
	withdrawFn func(taskID, appID, actorID string) (task.Application, error)
	startFn    func(taskID, actorID string) (task.Task, error)
	markDoneFn func(taskID, actorID string) (task.Task, error)
	confirmFn  func(taskID, actorID string) (task.Task, error)
	cancelFn   func(taskID, actorID string) (task.Task, error)
}

func (s *stubTasks) Create(_ context.Context, creatorID string, params task.CreateParams) (task.Task, error) {
	return s.createFn(creatorID, params)
}
func (s *stubTasks) Get(_ context.Context, id string) (task.Task, error) { return s.getFn(id) }
func (s *stubTasks) List(_ context.Context, filters task.ListFilters) ([]task.Task, error) {
	return s.listFn(filters)
}
func (s *stubTasks) Apply(_ context.Context, taskID, applicantID, message string) (task.Application, error) {
	return s.applyFn(taskID, applicantID, message)
}
func (s *stubTasks) ListApplications(_ context.Context, taskID, actorID string) ([]task.Application, error) {
	return s.listAppsFn(taskID, actorID)
}
func (s *stubTasks) AcceptApplication(_ context.Context, taskID, appID, actorID string) (task.Task, task.Application, error) {
	return s.acceptFn(taskID, appID, actorID)
}
func (s *stubTasks) RejectApplication(_ context.Context, taskID, appID, actorID string) (task.Application, error) {
	return s.rejectFn(taskID, appID, actorID)
}
func (s *stubTasks) WithdrawApplication(_ context.Context, taskID, appID, actorID string) (task.Application, error) {
	return s.withdrawFn(taskID, appID, actorID)
}
func (s *stubTasks) Start(_ context.Context, taskID, actorID string) (task.Task, error) {
	return s.startFn(taskID, actorID)
}
func (s *stubTasks) MarkDone(_ context.Context, taskID, actorID string) (task.Task, error) {
	return s.markDoneFn(taskID, actorID)
}
func (s *stubTasks) ConfirmCompletion(_ context.Context, taskID, actorID string) (task.Task, error) {
	return s.confirmFn(taskID, actorID)
}
func (s *stubTasks) Cancel(_ context.Context, taskID, actorID string) (task.Task, error) {
	return s.cancelFn(taskID, actorID)
}

type stubLedger struct {
	holdFn    func(taskID, actorID string) (ledger.HoldResult, error)
	releaseFn func(txnID string) (ledger.Transaction, error)
	refundFn  func(txnID string, amount *int64) (ledger.Transaction, error)
	confirmFn func(txnID string, captured bool, reason, idemKey string) (ledger.Transaction, error)
	getFn     func(txnID, userID string, isAdmin bool) (ledger.Transaction, error)
	listFn    func(userID string, status ledger.Status) ([]ledger.Transaction, error)
}

func (s *stubLedger) Hold(_ context.Context, taskID, actorID string) (ledger.HoldResult, error) {
	return s.holdFn(taskID, actorID)
}
func (s *stubLedger) Release(_ context.Context, txnID string) (ledger.Transaction, error) {
	return s.releaseFn(txnID)
}
func (s *stubLedger) Refund(_ context.Context, txnID string, amount *int64) (ledger.Transaction, error) {
	return s.refundFn(txnID, amount)
}
func (s *stubLedger) ConfirmCapture(_ context.Context, txnID string, captured bool, reason, idemKey string) (ledger.Transaction, error) {
	return s.confirmFn(txnID, captured, reason, idemKey)
}
func (s *stubLedger) Get(_ context.Context, txnID, userID string, isAdmin bool) (ledger.Transaction, error) {
	return s.getFn(txnID, userID, isAdmin)
}
func (s *stubLedger) ListForUser(_ context.Context, userID string, status ledger.Status) ([]ledger.Transaction, error) {
	return s.listFn(userID, status)
}

type stubDisputes struct {
	fileFn        func(taskID, actorID string, params dispute.FileParams) (dispute.Dispute, error)
	respondFn     func(disputeID, actorID, description string, evidence map[string]any) (dispute.Dispute, error)
	resolveFn     func(disputeID, adminID string, isAdmin bool, params dispute.ResolveParams) (dispute.Dispute, error)
	getFn         func(disputeID, userID string, isAdmin bool) (dispute.Dispute, error)
	listUserFn    func(userID string) ([]dispute.Dispute, error)
	listForTaskFn func(taskID, userID string, isAdmin bool) ([]dispute.Dispute, error)
}

func (s *stubDisputes) File(_ context.Context, taskID, actorID string, params dispute.FileParams) (dispute.Dispute, error) {
	return s.fileFn(taskID, actorID, params)
}
func (s *stubDisputes) Respond(_ context.Context, disputeID, actorID, description string, evidence map[string]any) (dispute.Dispute, error) {
	return s.respondFn(disputeID, actorID, description, evidence)
}
func (s *stubDisputes) Resolve(_ context.Context, disputeID, adminID string, isAdmin bool, params dispute.ResolveParams) (dispute.Dispute, error) {
	return s.resolveFn(disputeID, adminID, isAdmin, params)
}
func (s *stubDisputes) Get(_ context.Context, disputeID, userID string, isAdmin bool) (dispute.Dispute, error) {
	return s.getFn(disputeID, userID, isAdmin)
}
func (s *stubDisputes) ListForUser(_ context.Context, userID string) ([]dispute.Dispute, error) {
	return s.listUserFn(userID)
}
func (s *stubDisputes) ListForTask(_ context.Context, taskID, userID string, isAdmin bool) ([]dispute.Dispute, error) {
	return s.listForTaskFn(taskID, userID, isAdmin)
}

type testDeps struct {
	auth     *stubAuth
	tasks    *stubTasks
	ledger   *stubLedger
	disputes *stubDisputes
}

func newTestServer() (*Server, *testDeps) {
	deps := &testDeps{
		auth: &stubAuth{
			identities: map[string]auth.Identity{
				"creator-token": {UserID: "creator-1", Role: auth.RoleClient},
				"worker-token":  {UserID: "worker-1", Role: auth.RoleWorker},
				"admin-token":   {UserID: "admin-1", Role: auth.RoleAdmin, IsAdmin: true},
			},
		},
		tasks:    &stubTasks{},
		ledger:   &stubLedger{},
		disputes: &stubDisputes{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(deps.auth, deps.tasks, deps.ledger, deps.disputes, nil, nil, logger)
	return srv, deps
}

func doRequest(srv *Server, method, path, token, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func sampleTask(status task.Status) task.Task {
	return task.Task{
		ID:              "task-1",
		CreatorID:       "creator-1",
		Title:           "Assemble a bookshelf",
		Description:     "Flat-pack, tools provided",
		Budget:          5000,
		Currency:        "usd",
		Status:          status,
		PaymentRequired: true,
		PaymentStatus:   task.PaymentPending,
		CreatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRegister(t *testing.T) {
	srv, deps := newTestServer()
	deps.auth.registerFn = func(req auth.RegisterRequest) (*auth.User, error) {
		return &auth.User{ID: "user-1", Email: req.Email, FullName: req.FullName, Role: auth.RoleClient}, nil
	}

	rec := doRequest(srv, http.MethodPost, "/api/auth/register", "", `{"email":"a@b.com","password":"longenough","full_name":"A"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp userResponse
	decodeJSON(t, rec, &resp)
	if resp.Email != "a@b.com" || resp.Role != "client" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	srv, deps := newTestServer()
	deps.auth.registerFn = func(auth.RegisterRequest) (*auth.User, error) {
		return nil, auth.ErrDuplicateEmail
	}

	rec := doRequest(srv, http.MethodPost, "/api/auth/register", "", `{"email":"a@b.com","password":"longenough","full_name":"A"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	srv, deps := newTestServer()
	deps.auth.loginFn = func(auth.LoginRequest) (auth.LoginResult, error) {
		return auth.LoginResult{}, auth.ErrInvalidCredentials
	}

	rec := doRequest(srv, http.MethodPost, "/api/auth/login", "", `{"email":"a@b.com","password":"wrong"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer()

	rec := doRequest(srv, http.MethodGet, "/api/tasks", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = doRequest(srv, http.MethodGet, "/api/tasks", "bogus-token", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", rec.Code)
	}
}

func TestTaskDetail(t *testing.T) {
	srv, deps := newTestServer()
	deps.tasks.getFn = func(id string) (task.Task, error) {
		if id != "task-1" {
			return task.Task{}, task.ErrNotFound
		}
		return sampleTask(task.StatusOpen), nil
	}

	rec := doRequest(srv, http.MethodGet, "/api/tasks/task-1", "worker-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp taskResponse
	decodeJSON(t, rec, &resp)
	if resp.ID != "task-1" || resp.Status != "open" || resp.Budget != 5000 {
		t.Fatalf("unexpected task response: %+v", resp)
	}
	if resp.CreatedAt != "2026-03-01T12:00:00Z" {
		t.Fatalf("expected RFC3339 createdAt, got %q", resp.CreatedAt)
	}

	rec = doRequest(srv, http.MethodGet, "/api/tasks/missing", "worker-token", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCreateTask(t *testing.T) {
	srv, deps := newTestServer()
	deps.tasks.createFn = func(creatorID string, params task.CreateParams) (task.Task, error) {
		if creatorID != "creator-1" {
			t.Fatalf("expected creator from token, got %q", creatorID)
		}
		tk := sampleTask(task.StatusOpen)
		tk.Title = params.Title
		return tk, nil
	}

	rec := doRequest(srv, http.MethodPost, "/api/tasks", "creator-token",
		`{"title":"Assemble a bookshelf","description":"d","budget":5000,"paymentRequired":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestListTasks(t *testing.T) {
	srv, deps := newTestServer()
	deps.tasks.listFn = func(filters task.ListFilters) ([]task.Task, error) {
		if filters.Status != task.StatusOpen {
			t.Fatalf("expected status filter open, got %q", filters.Status)
		}
		return []task.Task{sampleTask(task.StatusOpen)}, nil
	}

	rec := doRequest(srv, http.MethodGet, "/api/tasks?status=open", "worker-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Items []taskResponse `json:"items"`
		Total int            `json:"total"`
	}
	decodeJSON(t, rec, &resp)
	if len(resp.Items) != 1 || resp.Total != 1 {
		t.Fatalf("unexpected listing: %+v", resp)
	}
}

func TestAcceptApplication(t *testing.T) {
	srv, deps := newTestServer()
	assigned := sampleTask(task.StatusAssigned)
	worker := "worker-1"
	assigned.AssignedTo = &worker
	deps.tasks.acceptFn = func(taskID, appID, actorID string) (task.Task, task.Application, error) {
		return assigned, task.Application{
			ID: appID, TaskID: taskID, ApplicantID: worker, Status: task.ApplicationAccepted,
			CreatedAt: time.Now(),
		}, nil
	}

	rec := doRequest(srv, http.MethodPost, "/api/tasks/task-1/applications/app-1/accept", "creator-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Task        taskResponse        `json:"task"`
		Application applicationResponse `json:"application"`
	}
	decodeJSON(t, rec, &resp)
	if resp.Task.Status != "assigned" || resp.Application.Status != "accepted" {
		t.Fatalf("unexpected accept response: %+v", resp)
	}
}

func TestAcceptApplicationConflict(t *testing.T) {
	srv, deps := newTestServer()
	deps.tasks.acceptFn = func(string, string, string) (task.Task, task.Application, error) {
		return task.Task{}, task.Application{}, fault.New(fault.KindConflict, "task already assigned to another applicant")
	}
	deps.tasks.getFn = func(string) (task.Task, error) {
		return sampleTask(task.StatusAssigned), nil
	}

	rec := doRequest(srv, http.MethodPost, "/api/tasks/task-1/applications/app-1/accept", "creator-token", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp errorResponse
	decodeJSON(t, rec, &resp)
	if resp.Kind != "conflict" || resp.CurrentState != "assigned" {
		t.Fatalf("expected conflict with current state, got %+v", resp)
	}
}

func TestAcceptApplicationForbidden(t *testing.T) {
	srv, deps := newTestServer()
	deps.tasks.acceptFn = func(string, string, string) (task.Task, task.Application, error) {
		return task.Task{}, task.Application{}, fault.New(fault.KindAuthorization, "only the task creator can accept applications")
	}

	rec := doRequest(srv, http.MethodPost, "/api/tasks/task-1/applications/app-1/accept", "worker-token", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestPay(t *testing.T) {
	srv, deps := newTestServer()
	deps.ledger.holdFn = func(taskID, actorID string) (ledger.HoldResult, error) {
		return ledger.HoldResult{
			Transaction: ledger.Transaction{
				ID: "txn-1", TaskID: taskID, PayerID: actorID,
				Amount: 5000, PlatformFee: 500, WorkerAmount: 4500, FeeBps: 1000,
				Currency: "usd", Status: ledger.StatusHeld,
				CreatedAt: time.Now(),
			},
			ClientSecret: "pi_x_secret_y",
		}, nil
	}

	rec := doRequest(srv, http.MethodPost, "/api/tasks/task-1/pay", "creator-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp holdResponse
	decodeJSON(t, rec, &resp)
	if resp.ClientSecret != "pi_x_secret_y" || resp.PlatformFee != 500 || resp.WorkerAmount != 4500 {
		t.Fatalf("unexpected hold response: %+v", resp)
	}
	if resp.Transaction.Status != "held" {
		t.Fatalf("expected held transaction, got %q", resp.Transaction.Status)
	}
}

func TestConfirmSettlementFailure(t *testing.T) {
	srv, deps := newTestServer()
	deps.tasks.confirmFn = func(taskID, actorID string) (task.Task, error) {
		return sampleTask(task.StatusCompleted), fault.New(fault.KindSettlement, "provider transfer failed")
	}

	rec := doRequest(srv, http.MethodPost, "/api/tasks/task-1/confirm", "creator-token", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Task  taskResponse `json:"task"`
		Error string       `json:"error"`
		Kind  string       `json:"kind"`
	}
	decodeJSON(t, rec, &resp)
	if resp.Task.Status != "completed" {
		t.Fatal("settlement failure must still report the completed task")
	}
	if resp.Kind != "settlement" {
		t.Fatalf("expected settlement kind, got %q", resp.Kind)
	}
}

func TestReleasePayment(t *testing.T) {
	srv, deps := newTestServer()
	txnID := "txn-1"
	completed := sampleTask(task.StatusCompleted)
	completed.TransactionID = &txnID
	completed.PaymentStatus = task.PaymentHeld
	deps.tasks.getFn = func(string) (task.Task, error) { return completed, nil }
	deps.ledger.releaseFn = func(id string) (ledger.Transaction, error) {
		return ledger.Transaction{ID: id, Status: ledger.StatusReleased, CreatedAt: time.Now()}, nil
	}

	rec := doRequest(srv, http.MethodPost, "/api/tasks/task-1/release-payment", "creator-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// A worker is neither creator nor admin.
	rec = doRequest(srv, http.MethodPost, "/api/tasks/task-1/release-payment", "worker-token", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-creator, got %d", rec.Code)
	}
}

func TestReleasePaymentBeforeCompletion(t *testing.T) {
	srv, deps := newTestServer()
	deps.tasks.getFn = func(string) (task.Task, error) {
		return sampleTask(task.StatusPendingConfirmation), nil
	}

	rec := doRequest(srv, http.MethodPost, "/api/tasks/task-1/release-payment", "creator-token", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp errorResponse
	decodeJSON(t, rec, &resp)
	if resp.CurrentState != "pending_confirmation" {
		t.Fatalf("expected current state in error, got %+v", resp)
	}
}

func TestRefundAdminOnly(t *testing.T) {
	srv, deps := newTestServer()
	txnID := "txn-1"
	tk := sampleTask(task.StatusCancelled)
	tk.AssignedTo = nil
	tk.TransactionID = &txnID
	deps.tasks.getFn = func(string) (task.Task, error) { return tk, nil }

	var gotAmount *int64
	deps.ledger.refundFn = func(id string, amount *int64) (ledger.Transaction, error) {
		gotAmount = amount
		return ledger.Transaction{ID: id, Status: ledger.StatusRefunded, CreatedAt: time.Now()}, nil
	}

	rec := doRequest(srv, http.MethodPost, "/api/tasks/task-1/refund", "creator-token", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rec.Code)
	}

	rec = doRequest(srv, http.MethodPost, "/api/tasks/task-1/refund", "admin-token", `{"amount":2000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotAmount == nil || *gotAmount != 2000 {
		t.Fatalf("expected amount 2000 forwarded, got %v", gotAmount)
	}
}

func TestPaymentCallback(t *testing.T) {
	srv, deps := newTestServer()
	deps.ledger.confirmFn = func(txnID string, captured bool, reason, idemKey string) (ledger.Transaction, error) {
		if !captured || idemKey != "cb-1" {
			t.Fatalf("unexpected confirm args: captured=%v key=%q", captured, idemKey)
		}
		return ledger.Transaction{ID: txnID, Status: ledger.StatusHeld, CreatedAt: time.Now()}, nil
	}

	rec := doRequest(srv, http.MethodPost, "/api/payments/callback", "",
		`{"transactionId":"txn-1","status":"captured","idempotencyKey":"cb-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(srv, http.MethodPost, "/api/payments/callback", "",
		`{"transactionId":"txn-1","status":"exploded","idempotencyKey":"cb-2"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}

	rec = doRequest(srv, http.MethodPost, "/api/payments/callback", "",
		`{"transactionId":"txn-1","status":"captured"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing idempotency key, got %d", rec.Code)
	}
}

func TestDisputeReasonsPublic(t *testing.T) {
	srv, _ := newTestServer()

	rec := doRequest(srv, http.MethodGet, "/api/disputes/reasons", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without auth, got %d", rec.Code)
	}
	var resp struct {
		Reasons []string `json:"reasons"`
	}
	decodeJSON(t, rec, &resp)
	if len(resp.Reasons) == 0 || resp.Reasons[0] != "work_quality" {
		t.Fatalf("unexpected reasons: %v", resp.Reasons)
	}
}

func TestFileDispute(t *testing.T) {
	srv, deps := newTestServer()
	deps.disputes.fileFn = func(taskID, actorID string, params dispute.FileParams) (dispute.Dispute, error) {
		return dispute.Dispute{
			ID: "disp-1", TaskID: taskID, FiledBy: actorID, FiledAgainst: "worker-1",
			Reason: params.Reason, Description: params.Description,
			Status: dispute.StatusOpen, CreatedAt: time.Now(),
		}, nil
	}

	rec := doRequest(srv, http.MethodPost, "/api/tasks/task-1/dispute", "creator-token",
		`{"reason":"work_quality","description":"shelf is upside down"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp disputeResponse
	decodeJSON(t, rec, &resp)
	if resp.Status != "open" || resp.Reason != "work_quality" {
		t.Fatalf("unexpected dispute: %+v", resp)
	}
}

func TestResolveDispute(t *testing.T) {
	srv, deps := newTestServer()
	deps.disputes.resolveFn = func(disputeID, adminID string, isAdmin bool, params dispute.ResolveParams) (dispute.Dispute, error) {
		if !isAdmin {
			return dispute.Dispute{}, fault.New(fault.KindAuthorization, "only admins can resolve disputes")
		}
		res := params.Resolution
		return dispute.Dispute{
			ID: disputeID, TaskID: "task-1", Status: dispute.StatusResolved,
			Resolution: &res, ResolvedBy: &adminID, CreatedAt: time.Now(),
		}, nil
	}

	rec := doRequest(srv, http.MethodPost, "/api/disputes/disp-1/resolve", "worker-token",
		`{"resolution":"refund"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rec.Code)
	}

	rec = doRequest(srv, http.MethodPost, "/api/disputes/disp-1/resolve", "admin-token",
		`{"resolution":"partial","creatorBps":6000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp disputeResponse
	decodeJSON(t, rec, &resp)
	if resp.Status != "resolved" || resp.Resolution == nil || *resp.Resolution != "partial" {
		t.Fatalf("unexpected resolution: %+v", resp)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer()

	rec := doRequest(srv, http.MethodDelete, "/api/tasks/task-1", "worker-token", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}

	rec = doRequest(srv, http.MethodGet, "/api/payments/callback", "", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer()

	rec := doRequest(srv, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRequestsAreCounted(t *testing.T) {
	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps := &testDeps{
		auth:     &stubAuth{identities: map[string]auth.Identity{}},
		tasks:    &stubTasks{},
		ledger:   &stubLedger{},
		disputes: &stubDisputes{},
	}
	srv := NewServer(deps.auth, deps.tasks, deps.ledger, deps.disputes, recorder, registry, logger)

	doRequest(srv, http.MethodGet, "/healthz", "", "")
	doRequest(srv, http.MethodGet, "/api/tasks/task-1/payment", "", "") // no token, 401

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	counts := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "gigflow_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			var route, status string
			for _, l := range m.GetLabel() {
				switch l.GetName() {
				case "route":
					route = l.GetValue()
				case "status":
					status = l.GetValue()
				}
			}
			counts[route+" "+status] = m.GetCounter().GetValue()
		}
	}
	if counts["/healthz 2xx"] != 1 {
		t.Fatalf("expected one 2xx for /healthz, got %v", counts)
	}
	if counts["/api/tasks/* 4xx"] != 1 {
		t.Fatalf("expected one 4xx for /api/tasks/*, got %v", counts)
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/":                         "/",
		"/healthz":                  "/healthz",
		"/api/tasks":                "/api/tasks",
		"/api/tasks/abc-123":        "/api/tasks/*",
		"/api/tasks/abc-123/pay":    "/api/tasks/*",
		"/api/disputes/d-1/respond": "/api/disputes/*",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}
