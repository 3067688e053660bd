package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gigflow/events"
	"gigflow/fault"
	"gigflow/ledger"
	"gigflow/metrics"
)

// Service is the dispute resolution engine. Filing freezes the task in
// disputed, responding moves the dispute under review, and an admin
// resolution drives the matching escrow settlement before the dispute is
// marked resolved. A failed settlement leaves the dispute under_review so
// resolution can be retried.
type Service struct {
	pool     *pgxpool.Pool
	repo     *Repository
	ledger   *ledger.Service
	recorder *metrics.Recorder
}

func NewService(pool *pgxpool.Pool, repo *Repository, ledgerSvc *ledger.Service, recorder *metrics.Recorder) *Service {
	return &Service{pool: pool, repo: repo, ledger: ledgerSvc, recorder: recorder}
}

// taskRow is the slice of the tasks table the dispute engine needs.
type taskRow struct {
	ID            string
	CreatorID     string
	AssignedTo    *string
	Status        string
	PaymentStatus string
	TransactionID *string
}

func lockTask(ctx context.Context, tx pgx.Tx, taskID string) (taskRow, error) {
	const q = `
		SELECT id, creator_id, assigned_to, status::text, payment_status::text, transaction_id
		FROM tasks WHERE id = $1 FOR UPDATE
	`
	var t taskRow
	err := tx.QueryRow(ctx, q, taskID).Scan(&t.ID, &t.CreatorID, &t.AssignedTo, &t.Status, &t.PaymentStatus, &t.TransactionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return taskRow{}, ErrTaskNotFound
		}
		return taskRow{}, fmt.Errorf("dispute: lock task: %w", err)
	}
	return t, nil
}

// File opens a dispute on a task awaiting or past confirmation and moves the
// task to disputed in the same commit. Filing is refused once escrow has
// settled; there is no reversal flow for paid-out funds.
func (s *Service) File(ctx context.Context, taskID, actorID string, params FileParams) (Dispute, error) {
	if !validReason(params.Reason) {
		return Dispute{}, fault.New(fault.KindValidation, "unknown dispute reason %q", params.Reason)
	}
	if strings.TrimSpace(params.Description) == "" {
		return Dispute{}, fault.New(fault.KindValidation, "description is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin file: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := lockTask(ctx, tx, taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return Dispute{}, fault.Wrap(fault.KindValidation, err)
		}
		return Dispute{}, err
	}

	var against string
	switch {
	case t.CreatorID == actorID:
		if t.AssignedTo == nil {
			return Dispute{}, fault.New(fault.KindState, "task has no assigned worker to dispute against")
		}
		against = *t.AssignedTo
	case t.AssignedTo != nil && *t.AssignedTo == actorID:
		against = t.CreatorID
	default:
		return Dispute{}, fault.New(fault.KindAuthorization, "only task participants can file a dispute")
	}

	if t.Status != "pending_confirmation" && t.Status != "completed" {
		return Dispute{}, fault.New(fault.KindState, "task is %s, disputes can only be filed pending confirmation or after completion", t.Status)
	}
	switch t.PaymentStatus {
	case "released", "refunded", "partially_refunded":
		return Dispute{}, fault.New(fault.KindState, "escrow already settled as %s, dispute can no longer be filed", t.PaymentStatus)
	}

	d, err := s.repo.create(ctx, tx, taskID, actorID, against, params)
	if err != nil {
		if errors.Is(err, ErrAlreadyOpen) {
			return Dispute{}, fault.Wrap(fault.KindConflict, err)
		}
		return Dispute{}, err
	}

	const moveSQL = `
		UPDATE tasks SET status = 'disputed', updated_at = now()
		WHERE id = $1 AND status IN ('pending_confirmation', 'completed')
	`
	if _, err := tx.Exec(ctx, moveSQL, taskID); err != nil {
		return Dispute{}, fmt.Errorf("dispute: move task to disputed: %w", err)
	}

	payload := map[string]any{"dispute_id": d.ID, "reason": d.Reason, "filed_by": actorID}
	if err := events.Append(ctx, tx, taskID, events.TypeDisputeFiled, &actorID, payload); err != nil {
		return Dispute{}, err
	}
	if err := events.Append(ctx, tx, taskID, events.TypeTaskDisputed, &actorID, nil); err != nil {
		return Dispute{}, err
	}
	if err := events.Enqueue(ctx, tx, events.TopicDisputeFiled, payload); err != nil {
		return Dispute{}, err
	}
	if err := events.Enqueue(ctx, tx, events.TopicTaskDisputed, map[string]any{"task_id": taskID}); err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit file: %w", err)
	}
	s.recorder.RecordDispute("filed")
	s.recorder.RecordTaskTransition(t.Status, "disputed")
	return d, nil
}

// Respond records the other party's rebuttal, moving the dispute under
// review. One response per dispute.
func (s *Service) Respond(ctx context.Context, disputeID, actorID, description string, evidence map[string]any) (Dispute, error) {
	if strings.TrimSpace(description) == "" {
		return Dispute{}, fault.New(fault.KindValidation, "response description is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin respond: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.lockTaskThenDispute(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.FiledAgainst != actorID {
		return Dispute{}, fault.New(fault.KindAuthorization, "only the disputed party can respond")
	}

	ok, err := s.repo.recordResponse(ctx, tx, d.ID, description, evidence)
	if err != nil {
		return Dispute{}, err
	}
	if !ok {
		if d.Status == StatusResolved {
			return Dispute{}, fault.New(fault.KindState, "dispute is resolved, responses are closed")
		}
		return Dispute{}, fault.New(fault.KindState, "dispute already has a response")
	}

	payload := map[string]any{"dispute_id": d.ID, "respondent": actorID}
	if err := events.Append(ctx, tx, d.TaskID, events.TypeDisputeResponded, &actorID, payload); err != nil {
		return Dispute{}, err
	}
	if err := events.Enqueue(ctx, tx, events.TopicDisputeResponded, payload); err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit respond: %w", err)
	}
	s.recorder.RecordDispute("responded")
	return s.repo.GetByID(ctx, disputeID)
}

// Resolve applies an admin decision. The escrow settlement runs first, with
// the dispute parked under_review; only after the money moves is the dispute
// marked resolved and the task given its final disposition. refund ends the
// task cancelled, pay_worker and partial end it completed.
func (s *Service) Resolve(ctx context.Context, disputeID, adminID string, isAdmin bool, params ResolveParams) (Dispute, error) {
	if !isAdmin {
		return Dispute{}, fault.New(fault.KindAuthorization, "only admins can resolve disputes")
	}
	switch params.Resolution {
	case ResolutionRefund, ResolutionPayWorker, ResolutionPartial:
	default:
		return Dispute{}, fault.New(fault.KindValidation, "unknown resolution %q", params.Resolution)
	}
	creatorBps := params.CreatorBps
	if creatorBps == 0 {
		creatorBps = 5000
	}
	if creatorBps < 0 || creatorBps >= 10000 {
		return Dispute{}, fault.New(fault.KindValidation, "creator share must be within [0, 10000) basis points")
	}

	// Park the dispute under review before touching the provider, so a
	// settlement failure leaves a retryable state.
	d, txnID, settle, err := s.prepareResolve(ctx, disputeID)
	if err != nil {
		return Dispute{}, err
	}

	if settle {
		switch params.Resolution {
		case ResolutionRefund:
			_, err = s.ledger.Refund(ctx, txnID, nil)
		case ResolutionPayWorker:
			_, err = s.ledger.Release(ctx, txnID)
		case ResolutionPartial:
			_, err = s.ledger.Split(ctx, txnID, creatorBps)
		}
		if err != nil {
			return Dispute{}, err
		}
	}

	out, err := s.finishResolve(ctx, d, adminID, params)
	if err != nil {
		return Dispute{}, err
	}
	s.recorder.RecordDispute("resolved_" + string(params.Resolution))
	return out, nil
}

func (s *Service) prepareResolve(ctx context.Context, disputeID string) (Dispute, string, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, "", false, fmt.Errorf("dispute: begin resolve: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.lockTaskThenDispute(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, "", false, err
	}
	if d.Status == StatusResolved {
		return Dispute{}, "", false, fault.New(fault.KindState, "dispute is already resolved")
	}
	t, err := lockTask(ctx, tx, d.TaskID)
	if err != nil {
		return Dispute{}, "", false, err
	}

	if err := s.repo.markUnderReview(ctx, tx, d.ID); err != nil {
		return Dispute{}, "", false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, "", false, fmt.Errorf("dispute: commit resolve prepare: %w", err)
	}

	settle := t.TransactionID != nil && t.PaymentStatus == "held"
	txnID := ""
	if t.TransactionID != nil {
		txnID = *t.TransactionID
	}
	return d, txnID, settle, nil
}

func (s *Service) finishResolve(ctx context.Context, d Dispute, adminID string, params ResolveParams) (Dispute, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin resolve finish: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockTask(ctx, tx, d.TaskID); err != nil {
		return Dispute{}, err
	}
	ok, err := s.repo.markResolved(ctx, tx, d.ID, adminID, params.Notes, params.Resolution)
	if err != nil {
		return Dispute{}, err
	}
	if !ok {
		return Dispute{}, fault.New(fault.KindState, "dispute is already resolved")
	}

	finalStatus := "completed"
	taskEvent := events.TypeTaskCompleted
	if params.Resolution == ResolutionRefund {
		finalStatus = "cancelled"
		taskEvent = events.TypeTaskCancelled
	}
	// Cancelled tasks carry no assignment; the dispute row keeps who was
	// involved.
	const disposeSQL = `
		UPDATE tasks
		SET status = $2::task_status,
		    completed_at = CASE WHEN $2::task_status = 'completed' THEN now() ELSE completed_at END,
		    assigned_to = CASE WHEN $2::task_status = 'cancelled' THEN NULL ELSE assigned_to END,
		    updated_at = now()
		WHERE id = $1 AND status = 'disputed'
	`
	if _, err := tx.Exec(ctx, disposeSQL, d.TaskID, finalStatus); err != nil {
		return Dispute{}, fmt.Errorf("dispute: apply task disposition: %w", err)
	}

	payload := map[string]any{"dispute_id": d.ID, "resolution": params.Resolution, "resolved_by": adminID}
	if err := events.Append(ctx, tx, d.TaskID, events.TypeDisputeResolved, &adminID, payload); err != nil {
		return Dispute{}, err
	}
	if err := events.Append(ctx, tx, d.TaskID, taskEvent, &adminID, nil); err != nil {
		return Dispute{}, err
	}
	if err := events.Enqueue(ctx, tx, events.TopicDisputeResolved, payload); err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}
	s.recorder.RecordTaskTransition("disputed", finalStatus)
	return s.repo.GetByID(ctx, d.ID)
}

// Get returns a dispute visible to the given user. Admins see all disputes.
func (s *Service) Get(ctx context.Context, disputeID, userID string, isAdmin bool) (Dispute, error) {
	d, err := s.repo.GetByID(ctx, disputeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Dispute{}, fault.Wrap(fault.KindValidation, err)
		}
		return Dispute{}, err
	}
	if !isAdmin && d.FiledBy != userID && d.FiledAgainst != userID {
		return Dispute{}, fault.New(fault.KindAuthorization, "dispute involves other users")
	}
	return d, nil
}

func (s *Service) ListForUser(ctx context.Context, userID string) ([]Dispute, error) {
	return s.repo.ListForUser(ctx, userID)
}

func (s *Service) ListForTask(ctx context.Context, taskID, userID string, isAdmin bool) ([]Dispute, error) {
	if !isAdmin {
		var creatorID string
		var assignedTo *string
		err := s.pool.QueryRow(ctx, `SELECT creator_id, assigned_to FROM tasks WHERE id = $1`, taskID).Scan(&creatorID, &assignedTo)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fault.Wrap(fault.KindValidation, ErrTaskNotFound)
			}
			return nil, fmt.Errorf("dispute: get task participants: %w", err)
		}
		if creatorID != userID && (assignedTo == nil || *assignedTo != userID) {
			return nil, fault.New(fault.KindAuthorization, "task involves other users")
		}
	}
	return s.repo.ListForTask(ctx, taskID)
}

// lockTaskThenDispute resolves the dispute's task first so the task guard is
// always taken before the dispute row.
func (s *Service) lockTaskThenDispute(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error) {
	var taskID string
	err := tx.QueryRow(ctx, `SELECT task_id FROM disputes WHERE id = $1`, disputeID).Scan(&taskID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, fault.Wrap(fault.KindValidation, ErrNotFound)
		}
		return Dispute{}, fmt.Errorf("dispute: resolve dispute task: %w", err)
	}
	if _, err := lockTask(ctx, tx, taskID); err != nil {
		return Dispute{}, err
	}
	return s.repo.lockByID(ctx, tx, disputeID)
}
