package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gigflow/auth"
	"gigflow/dispute"
	"gigflow/fault"
	"gigflow/ledger"
	"gigflow/metrics"
	"gigflow/task"
)

type ctxKey string

const (
	ctxKeyUserID  ctxKey = "userID"
	ctxKeyRole    ctxKey = "role"
	ctxKeyIsAdmin ctxKey = "isAdmin"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Identity, error)
}

type taskService interface {
	Create(ctx context.Context, creatorID string, params task.CreateParams) (task.Task, error)
	Get(ctx context.Context, id string) (task.Task, error)
	List(ctx context.Context, filters task.ListFilters) ([]task.Task, error)
	Apply(ctx context.Context, taskID, applicantID, message string) (task.Application, error)
	ListApplications(ctx context.Context, taskID, actorID string) ([]task.Application, error)
	AcceptApplication(ctx context.Context, taskID, appID, actorID string) (task.Task, task.Application, error)
	RejectApplication(ctx context.Context, taskID, appID, actorID string) (task.Application, error)
	WithdrawApplication(ctx context.Context, taskID, appID, actorID string) (task.Application, error)
	Start(ctx context.Context, taskID, actorID string) (task.Task, error)
	MarkDone(ctx context.Context, taskID, actorID string) (task.Task, error)
	ConfirmCompletion(ctx context.Context, taskID, actorID string) (task.Task, error)
	Cancel(ctx context.Context, taskID, actorID string) (task.Task, error)
}

type ledgerService interface {
	Hold(ctx context.Context, taskID, actorID string) (ledger.HoldResult, error)
	Release(ctx context.Context, txnID string) (ledger.Transaction, error)
	Refund(ctx context.Context, txnID string, amount *int64) (ledger.Transaction, error)
	ConfirmCapture(ctx context.Context, txnID string, captured bool, reason, idemKey string) (ledger.Transaction, error)
	Get(ctx context.Context, txnID, userID string, isAdmin bool) (ledger.Transaction, error)
	ListForUser(ctx context.Context, userID string, status ledger.Status) ([]ledger.Transaction, error)
}

type disputeService interface {
	File(ctx context.Context, taskID, actorID string, params dispute.FileParams) (dispute.Dispute, error)
	Respond(ctx context.Context, disputeID, actorID, description string, evidence map[string]any) (dispute.Dispute, error)
	Resolve(ctx context.Context, disputeID, adminID string, isAdmin bool, params dispute.ResolveParams) (dispute.Dispute, error)
	Get(ctx context.Context, disputeID, userID string, isAdmin bool) (dispute.Dispute, error)
	ListForUser(ctx context.Context, userID string) ([]dispute.Dispute, error)
	ListForTask(ctx context.Context, taskID, userID string, isAdmin bool) ([]dispute.Dispute, error)
}

// Server is the HTTP surface over the marketplace engine.
type Server struct {
	authService    authService
	taskService    taskService
	ledgerService  ledgerService
	disputeService disputeService
	recorder       *metrics.Recorder
	registry       *prometheus.Registry
	logger         *slog.Logger
}

func NewServer(authSvc authService, taskSvc taskService, ledgerSvc ledgerService, disputeSvc disputeService, recorder *metrics.Recorder, registry *prometheus.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		authService:    authSvc,
		taskService:    taskSvc,
		ledgerService:  ledgerSvc,
		disputeService: disputeSvc,
		recorder:       recorder,
		registry:       registry,
		logger:         logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/tasks", s.requireAuth(s.handleTasks))
	mux.HandleFunc("/api/tasks/", s.requireAuth(s.handleTaskSubroutes))
	mux.HandleFunc("/api/transactions", s.requireAuth(s.handleTransactions))
	mux.HandleFunc("/api/transactions/", s.requireAuth(s.handleTransactionDetail))
	mux.HandleFunc("/api/disputes", s.requireAuth(s.handleDisputes))
	mux.HandleFunc("/api/disputes/reasons", s.handleDisputeReasons)
	mux.HandleFunc("/api/disputes/", s.requireAuth(s.handleDisputeSubroutes))
	mux.HandleFunc("/api/payments/callback", s.handlePaymentCallback)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return s.withMetrics(mux)
}

// withMetrics counts requests by collapsed route and status class.
func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.recorder.RecordHTTPRequest(routeLabel(r.URL.Path), fmt.Sprintf("%dxx", rec.status/100))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// routeLabel trims path parameters so metric cardinality stays bounded.
func routeLabel(path string) string {
	parts := strings.SplitN(strings.Trim(path, "/"), "/", 3)
	switch {
	case parts[0] == "":
		return "/"
	case len(parts) == 1:
		return "/" + parts[0]
	case len(parts) == 2:
		return "/" + parts[0] + "/" + parts[1]
	default:
		return "/" + parts[0] + "/" + parts[1] + "/*"
	}
}

// requireAuth verifies the bearer token and stashes the caller identity in
// the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing bearer token"})
			return
		}
		identity, err := s.authService.VerifyToken(strings.TrimPrefix(header, prefix))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid token"})
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, identity.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, identity.Role)
		ctx = context.WithValue(ctx, ctxKeyIsAdmin, identity.IsAdmin)
		next(w, r.WithContext(ctx))
	}
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func callerIsAdmin(r *http.Request) bool {
	isAdmin, _ := r.Context().Value(ctxKeyIsAdmin).(bool)
	return isAdmin
}

type errorResponse struct {
	Error        string `json:"error"`
	Kind         string `json:"kind,omitempty"`
	CurrentState string `json:"current_state,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps domain errors to HTTP statuses. Not-found sentinels win
// over the fault kind so a missing entity is 404 rather than 400.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeErrorState(w, err, "")
}

// writeErrorState additionally reports the entity's authoritative current
// state so clients can reconcile a rejected transition without re-polling.
func (s *Server) writeErrorState(w http.ResponseWriter, err error, currentState string) {
	switch {
	case errors.Is(err, task.ErrNotFound),
		errors.Is(err, task.ErrApplicationNotFound),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, dispute.ErrTaskNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}

	kind := fault.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case fault.KindValidation, fault.KindState:
		status = http.StatusBadRequest
	case fault.KindAuthorization:
		status = http.StatusForbidden
	case fault.KindConflict:
		status = http.StatusConflict
	case fault.KindSettlement:
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind.String(), CurrentState: currentState})
}

// writeTaskError resolves the task's current status for rejected transitions.
func (s *Server) writeTaskError(w http.ResponseWriter, r *http.Request, err error, taskID string) {
	state := ""
	kind := fault.KindOf(err)
	if kind == fault.KindState || kind == fault.KindConflict {
		if t, getErr := s.taskService.Get(r.Context(), taskID); getErr == nil {
			state = string(t.Status)
		}
	}
	s.writeErrorState(w, err, state)
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return fault.New(fault.KindValidation, "request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fault.New(fault.KindValidation, "malformed request body")
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
