package task

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

// Service is the task lifecycle controller. Every mutation locks the task
// row, re-validates the current status under the lock, and appends the
// lifecycle event in the same commit. Retrying an already-applied transition
// returns the current state instead of an error.
type Service struct {
	pool     *pgxpool.Pool
	repo     *Repository
	ledger   *ledger.Service
	recorder *metrics.Recorder
}

func NewService(pool *pgxpool.Pool, repo *Repository, ledgerSvc *ledger.Service, recorder *metrics.Recorder) *Service {
	return &Service{pool: pool, repo: repo, ledger: ledgerSvc, recorder: recorder}
}

// Create posts a task. When payment is required the escrow transaction is
// opened pending in the same commit, freezing the fee split.
func (s *Service) Create(ctx context.Context, creatorID string, params CreateParams) (Task, error) {
	params.Title = strings.TrimSpace(params.Title)
	if params.Title == "" {
		return Task{}, fault.New(fault.KindValidation, "title is required")
	}
	if params.Budget <= 0 {
		return Task{}, fault.New(fault.KindValidation, "budget must be positive")
	}
	if params.Currency == "" {
		params.Currency = "usd"
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("task: begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.Create(ctx, tx, creatorID, params)
	if err != nil {
		return Task{}, err
	}
	if params.PaymentRequired {
		txn, err := s.ledger.CreatePending(ctx, tx, t.ID, creatorID, t.Budget, t.Currency)
		if err != nil {
			return Task{}, err
		}
		if err := s.repo.linkTransaction(ctx, tx, t.ID, txn.ID); err != nil {
			return Task{}, err
		}
		t.TransactionID = &txn.ID
	}
	payload := map[string]any{"title": t.Title, "budget": t.Budget, "payment_required": t.PaymentRequired}
	if err := events.Append(ctx, tx, t.ID, events.TypeTaskCreated, &creatorID, payload); err != nil {
		return Task{}, err
	}
	if err := events.Enqueue(ctx, tx, events.TopicTaskCreated, map[string]any{"task_id": t.ID, "creator_id": creatorID}); err != nil {
		return Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Task{}, fmt.Errorf("task: commit create: %w", err)
	}
	return s.repo.GetByID(ctx, t.ID)
}

func (s *Service) Get(ctx context.Context, id string) (Task, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Task{}, fault.Wrap(fault.KindValidation, err)
		}
		return Task{}, err
	}
	return t, nil
}

func (s *Service) List(ctx context.Context, filters ListFilters) ([]Task, error) {
	if filters.Status != "" {
		switch filters.Status {
		case StatusOpen, StatusAssigned, StatusInProgress, StatusPendingConfirmation, StatusCompleted, StatusDisputed, StatusCancelled:
		default:
			return nil, fault.New(fault.KindValidation, "unknown task status %q", filters.Status)
		}
	}
	return s.repo.List(ctx, filters)
}

// Apply records a worker's bid. One live application per worker per task.
func (s *Service) Apply(ctx context.Context, taskID, applicantID, message string) (Application, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Application{}, fmt.Errorf("task: begin apply: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.LockByID(ctx, tx, taskID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Application{}, fault.Wrap(fault.KindValidation, err)
		}
		return Application{}, err
	}
	if t.CreatorID == applicantID {
		return Application{}, fault.New(fault.KindValidation, "cannot apply to your own task")
	}
	if t.Status != StatusOpen {
		return Application{}, fault.New(fault.KindState, "task is %s, applications are closed", t.Status)
	}

	app, err := s.repo.createApplication(ctx, tx, taskID, applicantID, message)
	if err != nil {
		if errors.Is(err, ErrDuplicateApplication) {
			return Application{}, fault.Wrap(fault.KindConflict, err)
		}
		return Application{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Application{}, fmt.Errorf("task: commit apply: %w", err)
	}
	return app, nil
}

// ListApplications is creator-only.
func (s *Service) ListApplications(ctx context.Context, taskID, actorID string) ([]Application, error) {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.CreatorID != actorID {
		return nil, fault.New(fault.KindAuthorization, "only the task creator can view applications")
	}
	return s.repo.ListApplications(ctx, taskID)
}

// RejectApplication closes a single pending application without assigning
// anyone. Rejecting an already-rejected application is a no-op.
func (s *Service) RejectApplication(ctx context.Context, taskID, appID, actorID string) (Application, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Application{}, fmt.Errorf("task: begin reject: %w", err)
	}
	defer tx.Rollback(ctx)

	t, app, err := s.lockPair(ctx, tx, taskID, appID)
	if err != nil {
		return Application{}, err
	}
	if t.CreatorID != actorID {
		return Application{}, fault.New(fault.KindAuthorization, "only the task creator can reject applications")
	}

	ok, err := s.repo.markApplicationRejected(ctx, tx, app.ID)
	if err != nil {
		return Application{}, err
	}
	if !ok {
		if app.Status == ApplicationRejected {
			return app, nil
		}
		return Application{}, fault.New(fault.KindState, "application is %s, expected pending", app.Status)
	}
	if err := tx.Commit(ctx); err != nil {
		return Application{}, fmt.Errorf("task: commit reject: %w", err)
	}
	return s.repo.GetApplication(ctx, appID)
}

// WithdrawApplication lets the applicant pull a pending bid. Withdrawing
// twice is a no-op.
func (s *Service) WithdrawApplication(ctx context.Context, taskID, appID, actorID string) (Application, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Application{}, fmt.Errorf("task: begin withdraw: %w", err)
	}
	defer tx.Rollback(ctx)

	_, app, err := s.lockPair(ctx, tx, taskID, appID)
	if err != nil {
		return Application{}, err
	}
	if app.ApplicantID != actorID {
		return Application{}, fault.New(fault.KindAuthorization, "only the applicant can withdraw an application")
	}

	ok, err := s.repo.markApplicationWithdrawn(ctx, tx, app.ID)
	if err != nil {
		return Application{}, err
	}
	if !ok {
		if app.Status == ApplicationWithdrawn {
			return app, nil
		}
		return Application{}, fault.New(fault.KindState, "application is %s, expected pending", app.Status)
	}
	if err := tx.Commit(ctx); err != nil {
		return Application{}, fmt.Errorf("task: commit withdraw: %w", err)
	}
	return s.repo.GetApplication(ctx, appID)
}

// Start moves an assigned task to in_progress. Worker-only. Starting an
// in_progress task is a no-op.
func (s *Service) Start(ctx context.Context, taskID, actorID string) (Task, error) {
	return s.transition(ctx, taskID, func(t Task) error {
		if t.AssignedTo == nil || *t.AssignedTo != actorID {
			return fault.New(fault.KindAuthorization, "only the assigned worker can start the task")
		}
		return nil
	}, func(tx pgx.Tx, t Task) (bool, Status, error) {
		ok, err := s.repo.markInProgress(ctx, tx, t.ID)
		return ok, StatusInProgress, err
	}, "", "", nil)
}

// MarkDone moves an assigned or in_progress task to pending_confirmation.
// Worker-only.
func (s *Service) MarkDone(ctx context.Context, taskID, actorID string) (Task, error) {
	return s.transition(ctx, taskID, func(t Task) error {
		if t.AssignedTo == nil || *t.AssignedTo != actorID {
			return fault.New(fault.KindAuthorization, "only the assigned worker can mark the task done")
		}
		return nil
	}, func(tx pgx.Tx, t Task) (bool, Status, error) {
		ok, err := s.repo.markPendingConfirmation(ctx, tx, t.ID)
		return ok, StatusPendingConfirmation, err
	}, events.TypeTaskMarkedDone, events.TopicTaskDone, &actorID)
}

// ConfirmCompletion completes the task and, when funds are held, requests
// the escrow release. Completion and release are decoupled failure domains:
// the task stays completed even when the release fails, and the settlement
// error is returned alongside the completed task for the caller to surface.
func (s *Service) ConfirmCompletion(ctx context.Context, taskID, actorID string) (Task, error) {
	t, err := s.transition(ctx, taskID, func(t Task) error {
		if t.CreatorID != actorID {
			return fault.New(fault.KindAuthorization, "only the task creator can confirm completion")
		}
		return nil
	}, func(tx pgx.Tx, t Task) (bool, Status, error) {
		ok, err := s.repo.markCompleted(ctx, tx, t.ID)
		return ok, StatusCompleted, err
	}, events.TypeTaskCompleted, events.TopicTaskCompleted, &actorID)
	if err != nil {
		return t, err
	}

	if t.PaymentRequired && t.TransactionID != nil && t.PaymentStatus == PaymentHeld {
		if _, relErr := s.ledger.Release(ctx, *t.TransactionID); relErr != nil {
			// Task completion stands; the reconciler retries the payout.
			current, getErr := s.repo.GetByID(ctx, taskID)
			if getErr == nil {
				t = current
			}
			return t, relErr
		}
		if current, getErr := s.repo.GetByID(ctx, taskID); getErr == nil {
			t = current
		}
	}
	return t, nil
}

// Cancel ends an open or assigned task. Refused while funds are held; a
// pending escrow transaction is voided in the same commit.
func (s *Service) Cancel(ctx context.Context, taskID, actorID string) (Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("task: begin cancel: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.LockByID(ctx, tx, taskID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Task{}, fault.Wrap(fault.KindValidation, err)
		}
		return Task{}, err
	}
	if t.Status == StatusCancelled {
		return t, nil
	}
	if t.CreatorID != actorID {
		return Task{}, fault.New(fault.KindAuthorization, "only the task creator can cancel the task")
	}
	if t.PaymentStatus == PaymentHeld {
		return Task{}, fault.New(fault.KindState, "funds are held in escrow, refund them before cancelling")
	}

	ok, err := s.repo.markCancelled(ctx, tx, t.ID)
	if err != nil {
		return Task{}, err
	}
	if !ok {
		return Task{}, fault.New(fault.KindState, "task is %s, cannot cancel", t.Status)
	}
	if t.TransactionID != nil && t.PaymentStatus == PaymentPending {
		if _, err := s.ledger.VoidPending(ctx, tx, *t.TransactionID, "task cancelled before capture"); err != nil {
			return Task{}, err
		}
	}
	if err := events.Append(ctx, tx, t.ID, events.TypeTaskCancelled, &actorID, nil); err != nil {
		return Task{}, err
	}
	if err := events.Enqueue(ctx, tx, events.TopicTaskCancelled, map[string]any{"task_id": t.ID}); err != nil {
		return Task{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Task{}, fmt.Errorf("task: commit cancel: %w", err)
	}
	s.recorder.RecordTaskTransition(string(t.Status), string(StatusCancelled))
	return s.repo.GetByID(ctx, taskID)
}

// transition runs the lock, authorize, conditional-update, event, commit
// sequence shared by the single-row lifecycle moves. When the conditional
// update affects no row and the task already sits in the target status, the
// current state is returned without error.
func (s *Service) transition(
	ctx context.Context,
	taskID string,
	authorize func(Task) error,
	apply func(pgx.Tx, Task) (bool, Status, error),
	eventType, topic string,
	actorID *string,
) (Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("task: begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.LockByID(ctx, tx, taskID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Task{}, fault.Wrap(fault.KindValidation, err)
		}
		return Task{}, err
	}
	if err := authorize(t); err != nil {
		return Task{}, err
	}

	ok, target, err := apply(tx, t)
	if err != nil {
		return Task{}, err
	}
	if !ok {
		if t.Status == target {
			return t, nil
		}
		return Task{}, fault.New(fault.KindState, "task is %s, cannot move to %s", t.Status, target)
	}
	if eventType != "" {
		if err := events.Append(ctx, tx, t.ID, eventType, actorID, nil); err != nil {
			return Task{}, err
		}
	}
	if topic != "" {
		if err := events.Enqueue(ctx, tx, topic, map[string]any{"task_id": t.ID}); err != nil {
			return Task{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Task{}, fmt.Errorf("task: commit transition: %w", err)
	}
	s.recorder.RecordTaskTransition(string(t.Status), string(target))
	return s.repo.GetByID(ctx, taskID)
}

// lockPair takes the task guard first, then the application.
func (s *Service) lockPair(ctx context.Context, tx pgx.Tx, taskID, appID string) (Task, Application, error) {
	t, err := s.repo.LockByID(ctx, tx, taskID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Task{}, Application{}, fault.Wrap(fault.KindValidation, err)
		}
		return Task{}, Application{}, err
	}
	app, err := s.repo.lockApplication(ctx, tx, appID)
	if err != nil {
		if errors.Is(err, ErrApplicationNotFound) {
			return Task{}, Application{}, fault.Wrap(fault.KindValidation, err)
		}
		return Task{}, Application{}, err
	}
	if app.TaskID != taskID {
		return Task{}, Application{}, fault.Wrap(fault.KindValidation, ErrApplicationNotFound)
	}
	return t, app, nil
}
