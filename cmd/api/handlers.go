package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"gigflow/auth"
	"gigflow/dispute"
	"gigflow/fault"
	"gigflow/ledger"
	"gigflow/task"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req auth.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrDuplicateEmail) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: "email already registered", Kind: "conflict"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "validation"})
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req auth.LoginRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid credentials"})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Title           string `json:"title"`
			Description     string `json:"description"`
			Budget          int64  `json:"budget"`
			Currency        string `json:"currency"`
			PaymentRequired bool   `json:"paymentRequired"`
		}
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		t, err := s.taskService.Create(r.Context(), callerID(r), task.CreateParams{
			Title:           req.Title,
			Description:     req.Description,
			Budget:          req.Budget,
			Currency:        req.Currency,
			PaymentRequired: req.PaymentRequired,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toTaskResponse(t))
	case http.MethodGet:
		q := r.URL.Query()
		page, _ := strconv.Atoi(q.Get("page"))
		pageSize, _ := strconv.Atoi(q.Get("pageSize"))
		tasks, err := s.taskService.List(r.Context(), task.ListFilters{
			Status:     task.Status(q.Get("status")),
			CreatorID:  q.Get("creator"),
			AssignedTo: q.Get("assignedTo"),
			Page:       page,
			PageSize:   pageSize,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		items := make([]taskResponse, 0, len(tasks))
		for _, t := range tasks {
			items = append(items, toTaskResponse(t))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleTaskSubroutes dispatches /api/tasks/{id}[/...].
func (s *Server) handleTaskSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if parts[0] == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "task id is required"})
		return
	}
	taskID := parts[0]

	switch {
	case len(parts) == 1:
		s.handleTaskDetail(w, r, taskID)
	case len(parts) == 2 && parts[1] == "apply":
		s.handleApply(w, r, taskID)
	case len(parts) == 2 && parts[1] == "applications":
		s.handleApplications(w, r, taskID)
	case len(parts) == 3 && parts[1] == "applications":
		s.handleApplicationDetail(w, r, taskID, parts[2], "")
	case len(parts) == 4 && parts[1] == "applications":
		s.handleApplicationDetail(w, r, taskID, parts[2], parts[3])
	case len(parts) == 2 && parts[1] == "start":
		s.handleTransition(w, r, taskID, s.taskService.Start)
	case len(parts) == 2 && parts[1] == "done":
		s.handleTransition(w, r, taskID, s.taskService.MarkDone)
	case len(parts) == 2 && parts[1] == "confirm":
		s.handleConfirm(w, r, taskID)
	case len(parts) == 2 && parts[1] == "cancel":
		s.handleTransition(w, r, taskID, s.taskService.Cancel)
	case len(parts) == 2 && parts[1] == "dispute":
		s.handleFileDispute(w, r, taskID)
	case len(parts) == 2 && parts[1] == "disputes":
		s.handleTaskDisputes(w, r, taskID)
	case len(parts) == 2 && parts[1] == "pay":
		s.handlePay(w, r, taskID)
	case len(parts) == 2 && parts[1] == "release-payment":
		s.handleReleasePayment(w, r, taskID)
	case len(parts) == 2 && parts[1] == "refund":
		s.handleRefund(w, r, taskID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	t, err := s.taskService.Get(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	app, err := s.taskService.Apply(r.Context(), taskID, callerID(r), req.Message)
	if err != nil {
		s.writeTaskError(w, r, err, taskID)
		return
	}
	writeJSON(w, http.StatusCreated, toApplicationResponse(app))
}

func (s *Server) handleApplications(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	apps, err := s.taskService.ListApplications(r.Context(), taskID, callerID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	items := make([]applicationResponse, 0, len(apps))
	for _, a := range apps {
		items = append(items, toApplicationResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleApplicationDetail covers accept, reject, and withdraw.
func (s *Server) handleApplicationDetail(w http.ResponseWriter, r *http.Request, taskID, appID, action string) {
	switch {
	case action == "accept" && r.Method == http.MethodPost:
		t, app, err := s.taskService.AcceptApplication(r.Context(), taskID, appID, callerID(r))
		if err != nil {
			s.writeTaskError(w, r, err, taskID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"task":        toTaskResponse(t),
			"application": toApplicationResponse(app),
		})
	case action == "reject" && r.Method == http.MethodPost:
		app, err := s.taskService.RejectApplication(r.Context(), taskID, appID, callerID(r))
		if err != nil {
			s.writeTaskError(w, r, err, taskID)
			return
		}
		writeJSON(w, http.StatusOK, toApplicationResponse(app))
	case action == "" && r.Method == http.MethodDelete:
		app, err := s.taskService.WithdrawApplication(r.Context(), taskID, appID, callerID(r))
		if err != nil {
			s.writeTaskError(w, r, err, taskID)
			return
		}
		writeJSON(w, http.StatusOK, toApplicationResponse(app))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleTransition serves the single-actor lifecycle moves (start, done,
// cancel).
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, taskID string, op func(ctx context.Context, taskID, actorID string) (task.Task, error)) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	t, err := op(r.Context(), taskID, callerID(r))
	if err != nil {
		s.writeTaskError(w, r, err, taskID)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	t, err := s.taskService.ConfirmCompletion(r.Context(), taskID, callerID(r))
	if err != nil {
		// A settlement failure still completes the task; report both.
		if fault.IsKind(err, fault.KindSettlement) {
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"task":  toTaskResponse(t),
				"error": err.Error(),
				"kind":  "settlement",
			})
			return
		}
		s.writeTaskError(w, r, err, taskID)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

func (s *Server) handleFileDispute(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Reason      string         `json:"reason"`
		Description string         `json:"description"`
		Evidence    map[string]any `json:"evidence"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	d, err := s.disputeService.File(r.Context(), taskID, callerID(r), dispute.FileParams{
		Reason:      dispute.Reason(req.Reason),
		Description: req.Description,
		Evidence:    req.Evidence,
	})
	if err != nil {
		s.writeTaskError(w, r, err, taskID)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(d))
}

func (s *Server) handleTaskDisputes(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	disputes, err := s.disputeService.ListForTask(r.Context(), taskID, callerID(r), callerIsAdmin(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	items := make([]disputeResponse, 0, len(disputes))
	for _, d := range disputes {
		items = append(items, toDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	result, err := s.ledgerService.Hold(r.Context(), taskID, callerID(r))
	if err != nil {
		s.writeTaskError(w, r, err, taskID)
		return
	}
	writeJSON(w, http.StatusOK, holdResponse{
		Transaction:  toTransactionResponse(result.Transaction),
		ClientSecret: result.ClientSecret,
		PlatformFee:  result.Transaction.PlatformFee,
		WorkerAmount: result.Transaction.WorkerAmount,
	})
}

// handleReleasePayment pays the worker for a confirmed task. Creator or
// admin only, and only once the task is completed.
func (s *Server) handleReleasePayment(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	t, err := s.taskService.Get(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if t.CreatorID != callerID(r) && !callerIsAdmin(r) {
		s.writeError(w, fault.New(fault.KindAuthorization, "only the task creator or an admin can release payment"))
		return
	}
	if t.Status != task.StatusCompleted {
		s.writeErrorState(w, fault.New(fault.KindState, "task is %s, payment is released after completion", t.Status), string(t.Status))
		return
	}
	if t.TransactionID == nil {
		s.writeError(w, fault.New(fault.KindState, "task has no escrow transaction"))
		return
	}
	txn, err := s.ledgerService.Release(r.Context(), *t.TransactionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(txn))
}

// handleRefund returns held funds to the payer. Admin only.
func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !callerIsAdmin(r) {
		s.writeError(w, fault.New(fault.KindAuthorization, "only admins can refund escrow"))
		return
	}
	var req struct {
		Amount *int64 `json:"amount"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}
	t, err := s.taskService.Get(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if t.TransactionID == nil {
		s.writeError(w, fault.New(fault.KindState, "task has no escrow transaction"))
		return
	}
	txn, err := s.ledgerService.Refund(r.Context(), *t.TransactionID, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(txn))
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	txns, err := s.ledgerService.ListForUser(r.Context(), callerID(r), ledger.Status(r.URL.Query().Get("status")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	items := make([]transactionResponse, 0, len(txns))
	for _, t := range txns {
		items = append(items, toTransactionResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleTransactionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/transactions/"), "/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "transaction id is required"})
		return
	}
	txn, err := s.ledgerService.Get(r.Context(), id, callerID(r), callerIsAdmin(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(txn))
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	disputes, err := s.disputeService.ListForUser(r.Context(), callerID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	items := make([]disputeResponse, 0, len(disputes))
	for _, d := range disputes {
		items = append(items, toDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleDisputeReasons(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	reasons := dispute.Reasons()
	out := make([]string, 0, len(reasons))
	for _, reason := range reasons {
		out = append(out, string(reason))
	}
	writeJSON(w, http.StatusOK, map[string]any{"reasons": out})
}

// handleDisputeSubroutes dispatches /api/disputes/{id}[/respond|/resolve].
func (s *Server) handleDisputeSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/disputes/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if parts[0] == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "dispute id is required"})
		return
	}
	disputeID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		d, err := s.disputeService.Get(r.Context(), disputeID, callerID(r), callerIsAdmin(r))
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(d))
	case len(parts) == 2 && parts[1] == "respond" && r.Method == http.MethodPost:
		var req struct {
			Description string         `json:"description"`
			Evidence    map[string]any `json:"evidence"`
		}
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		d, err := s.disputeService.Respond(r.Context(), disputeID, callerID(r), req.Description, req.Evidence)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(d))
	case len(parts) == 2 && parts[1] == "resolve" && r.Method == http.MethodPost:
		var req struct {
			Resolution string `json:"resolution"`
			Notes      string `json:"notes"`
			CreatorBps int    `json:"creatorBps"`
		}
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		d, err := s.disputeService.Resolve(r.Context(), disputeID, callerID(r), callerIsAdmin(r), dispute.ResolveParams{
			Resolution: dispute.Resolution(req.Resolution),
			Notes:      req.Notes,
			CreatorBps: req.CreatorBps,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(d))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handlePaymentCallback applies processor capture confirmations. The
// processor authenticates out of band; signature verification sits outside
// this service.
func (s *Server) handlePaymentCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TransactionID  string `json:"transactionId"`
		Status         string `json:"status"`
		Reason         string `json:"reason"`
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.TransactionID == "" || req.IdempotencyKey == "" {
		s.writeError(w, fault.New(fault.KindValidation, "transactionId and idempotencyKey are required"))
		return
	}
	var captured bool
	switch req.Status {
	case "captured":
		captured = true
	case "failed":
	default:
		s.writeError(w, fault.New(fault.KindValidation, "status must be captured or failed"))
		return
	}
	txn, err := s.ledgerService.ConfirmCapture(r.Context(), req.TransactionID, captured, req.Reason, req.IdempotencyKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(txn))
}
