package main

import (
	"time"

	"gigflow/auth"
	"gigflow/dispute"
	"gigflow/ledger"
	"gigflow/task"
)

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

type taskResponse struct {
	ID              string  `json:"id"`
	CreatorID       string  `json:"creatorId"`
	AssignedTo      *string `json:"assignedTo,omitempty"`
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	Budget          int64   `json:"budget"`
	Currency        string  `json:"currency"`
	Status          string  `json:"status"`
	PaymentRequired bool    `json:"paymentRequired"`
	PaymentStatus   string  `json:"paymentStatus"`
	TransactionID   *string `json:"transactionId,omitempty"`
	AssignedAt      *string `json:"assignedAt,omitempty"`
	CompletedAt     *string `json:"completedAt,omitempty"`
	CreatedAt       string  `json:"createdAt"`
}

func toTaskResponse(t task.Task) taskResponse {
	return taskResponse{
		ID:              t.ID,
		CreatorID:       t.CreatorID,
		AssignedTo:      t.AssignedTo,
		Title:           t.Title,
		Description:     t.Description,
		Budget:          t.Budget,
		Currency:        t.Currency,
		Status:          string(t.Status),
		PaymentRequired: t.PaymentRequired,
		PaymentStatus:   string(t.PaymentStatus),
		TransactionID:   t.TransactionID,
		AssignedAt:      formatTimePtr(t.AssignedAt),
		CompletedAt:     formatTimePtr(t.CompletedAt),
		CreatedAt:       t.CreatedAt.Format(time.RFC3339),
	}
}

type applicationResponse struct {
	ID          string `json:"id"`
	TaskID      string `json:"taskId"`
	ApplicantID string `json:"applicantId"`
	Message     string `json:"message"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
}

func toApplicationResponse(a task.Application) applicationResponse {
	return applicationResponse{
		ID:          a.ID,
		TaskID:      a.TaskID,
		ApplicantID: a.ApplicantID,
		Message:     a.Message,
		Status:      string(a.Status),
		CreatedAt:   a.CreatedAt.Format(time.RFC3339),
	}
}

type transactionResponse struct {
	ID             string  `json:"id"`
	TaskID         string  `json:"taskId"`
	PayerID        string  `json:"payerId"`
	PayeeID        *string `json:"payeeId,omitempty"`
	Amount         int64   `json:"amount"`
	PlatformFee    int64   `json:"platformFee"`
	WorkerAmount   int64   `json:"workerAmount"`
	FeeBps         int     `json:"feeBps"`
	Currency       string  `json:"currency"`
	Status         string  `json:"status"`
	RefundedAmount int64   `json:"refundedAmount"`
	FailureReason  *string `json:"failureReason,omitempty"`
	HeldAt         *string `json:"heldAt,omitempty"`
	ReleasedAt     *string `json:"releasedAt,omitempty"`
	RefundedAt     *string `json:"refundedAt,omitempty"`
	CreatedAt      string  `json:"createdAt"`
}

func toTransactionResponse(t ledger.Transaction) transactionResponse {
	return transactionResponse{
		ID:             t.ID,
		TaskID:         t.TaskID,
		PayerID:        t.PayerID,
		PayeeID:        t.PayeeID,
		Amount:         t.Amount,
		PlatformFee:    t.PlatformFee,
		WorkerAmount:   t.WorkerAmount,
		FeeBps:         t.FeeBps,
		Currency:       t.Currency,
		Status:         string(t.Status),
		RefundedAmount: t.RefundedAmount,
		FailureReason:  t.FailureReason,
		HeldAt:         formatTimePtr(t.HeldAt),
		ReleasedAt:     formatTimePtr(t.ReleasedAt),
		RefundedAt:     formatTimePtr(t.RefundedAt),
		CreatedAt:      t.CreatedAt.Format(time.RFC3339),
	}
}

type holdResponse struct {
	Transaction  transactionResponse `json:"transaction"`
	ClientSecret string              `json:"clientSecret,omitempty"`
	PlatformFee  int64               `json:"platformFee"`
	WorkerAmount int64               `json:"workerAmount"`
}

type disputeResponse struct {
	ID                  string         `json:"id"`
	TaskID              string         `json:"taskId"`
	FiledBy             string         `json:"filedBy"`
	FiledAgainst        string         `json:"filedAgainst"`
	Reason              string         `json:"reason"`
	Description         string         `json:"description"`
	Evidence            map[string]any `json:"evidence,omitempty"`
	Status              string         `json:"status"`
	Resolution          *string        `json:"resolution,omitempty"`
	ResolutionNotes     *string        `json:"resolutionNotes,omitempty"`
	ResolvedBy          *string        `json:"resolvedBy,omitempty"`
	ResolvedAt          *string        `json:"resolvedAt,omitempty"`
	ResponseDescription *string        `json:"responseDescription,omitempty"`
	ResponseEvidence    map[string]any `json:"responseEvidence,omitempty"`
	RespondedAt         *string        `json:"respondedAt,omitempty"`
	CreatedAt           string         `json:"createdAt"`
}

func toDisputeResponse(d dispute.Dispute) disputeResponse {
	var resolution *string
	if d.Resolution != nil {
		v := string(*d.Resolution)
		resolution = &v
	}
	return disputeResponse{
		ID:                  d.ID,
		TaskID:              d.TaskID,
		FiledBy:             d.FiledBy,
		FiledAgainst:        d.FiledAgainst,
		Reason:              string(d.Reason),
		Description:         d.Description,
		Evidence:            d.Evidence,
		Status:              string(d.Status),
		Resolution:          resolution,
		ResolutionNotes:     d.ResolutionNotes,
		ResolvedBy:          d.ResolvedBy,
		ResolvedAt:          formatTimePtr(d.ResolvedAt),
		ResponseDescription: d.ResponseDescription,
		ResponseEvidence:    d.ResponseEvidence,
		RespondedAt:         formatTimePtr(d.RespondedAt),
		CreatedAt:           d.CreatedAt.Format(time.RFC3339),
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.Format(time.RFC3339)
	return &v
}
