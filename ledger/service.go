package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gigflow/events"
	"gigflow/fault"
	"gigflow/metrics"
)

// Service is the escrow engine. Money moves through exactly one path per
// transaction: hold once, then settle once (release, refund, or split).
//
// External provider calls are never made while a database lock is held. Each
// operation validates in one transaction, calls the provider, then commits
// the outcome with a conditional status-predicate update. A retry that loses
// the race observes the already-applied state and returns it unchanged.
type Service struct {
	pool     *pgxpool.Pool
	repo     *Repository
	provider PaymentProvider
	recorder *metrics.Recorder
	logger   *slog.Logger
	feeBps   int
}

func NewService(pool *pgxpool.Pool, repo *Repository, provider PaymentProvider, recorder *metrics.Recorder, logger *slog.Logger, feeBps int) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{pool: pool, repo: repo, provider: provider, recorder: recorder, logger: logger, feeBps: feeBps}
}

// taskRow is the slice of the tasks table the ledger needs. The task row is
// always locked before the transaction row so lock ordering is uniform.
type taskRow struct {
	ID              string
	CreatorID       string
	AssignedTo      *string
	Status          string
	Budget          int64
	Currency        string
	PaymentRequired bool
	TransactionID   *string
}

func lockTask(ctx context.Context, tx pgx.Tx, taskID string) (taskRow, error) {
	const q = `
		SELECT id, creator_id, assigned_to, status::text, budget, currency, payment_required, transaction_id
		FROM tasks WHERE id = $1 FOR UPDATE
	`
	var t taskRow
	err := tx.QueryRow(ctx, q, taskID).Scan(
		&t.ID, &t.CreatorID, &t.AssignedTo, &t.Status, &t.Budget, &t.Currency, &t.PaymentRequired, &t.TransactionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return taskRow{}, ErrNotFound
		}
		return taskRow{}, fmt.Errorf("ledger: lock task: %w", err)
	}
	return t, nil
}

func setTaskPayment(ctx context.Context, tx pgx.Tx, taskID, paymentStatus string, txnID *string) error {
	const q = `
		UPDATE tasks
		SET payment_status = $2::payment_status,
		    transaction_id = COALESCE($3, transaction_id),
		    updated_at = now()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, q, taskID, paymentStatus, txnID); err != nil {
		return fmt.Errorf("ledger: update task payment status: %w", err)
	}
	return nil
}

// CreatePending opens the escrow transaction for a newly created task,
// inside the task creation database transaction. The fee split is frozen
// here and never recomputed.
func (s *Service) CreatePending(ctx context.Context, tx pgx.Tx, taskID, payerID string, amount int64, currency string) (Transaction, error) {
	return s.repo.createPending(ctx, tx, createParams{
		TaskID:   taskID,
		PayerID:  payerID,
		Amount:   amount,
		FeeBps:   s.feeBps,
		Currency: currency,
	})
}

// VoidPending fails a pending transaction inside the caller's tx, used when
// a task is cancelled before capture. Returns false if the row was no longer
// pending.
func (s *Service) VoidPending(ctx context.Context, tx pgx.Tx, txnID, reason string) (bool, error) {
	return s.repo.markFailed(ctx, tx, txnID, reason)
}

// Hold captures the task budget from the creator. Retrying a hold whose
// capture already landed returns the held transaction unchanged; a retry
// that finds a stored intent on the pending row reuses it instead of
// charging the payer again.
func (s *Service) Hold(ctx context.Context, taskID, actorID string) (HoldResult, error) {
	// Phase 1: validate and reserve a pending transaction.
	txn, err := s.preparePending(ctx, taskID, actorID)
	if err != nil {
		return HoldResult{}, err
	}
	if txn.Status == StatusHeld {
		return HoldResult{Transaction: txn}, nil
	}

	// Phase 2: capture outside any lock. The intent is claimed onto the
	// pending row before the commit so a crash or a lost race never leaves
	// captured funds without a record.
	intentRef := derefstr(txn.IntentRef)
	clientSecret := ""
	if intentRef == "" {
		capture, capErr := s.provider.Capture(ctx, txn.Amount, txn.Currency, txn.PayerID)
		if capErr != nil {
			if err := s.failPending(ctx, txn, capErr.Error()); err != nil {
				return HoldResult{}, err
			}
			s.recorder.RecordSettlement("hold", "failed")
			return HoldResult{}, fault.Wrap(fault.KindSettlement, fmt.Errorf("ledger: capture funds: %w", capErr))
		}
		intentRef = capture.IntentRef
		clientSecret = capture.ClientSecret

		stored, status, err := s.repo.claimIntent(ctx, txn.ID, capture.IntentRef)
		if err != nil {
			return HoldResult{}, err
		}
		switch {
		case status == StatusPending && stored == capture.IntentRef:
			// Claim won; this capture is the one the row settles against.
		case status == StatusPending:
			// A concurrent hold claimed first. Its capture stands, ours is
			// returned to the payer.
			s.refundOrphanCapture(ctx, txn, capture.IntentRef)
			intentRef, clientSecret = stored, ""
		case status == StatusHeld:
			s.refundOrphanCapture(ctx, txn, capture.IntentRef)
			current, err := s.repo.GetByID(ctx, txn.ID)
			if err != nil {
				return HoldResult{}, err
			}
			return HoldResult{Transaction: current}, nil
		default:
			// The pending row was voided while the capture was in flight.
			s.refundOrphanCapture(ctx, txn, capture.IntentRef)
			return HoldResult{}, fault.New(fault.KindState, "transaction is %s, expected pending", status)
		}
	}

	// Phase 3: commit the hold with the task mirror and events together.
	held, err := s.commitHold(ctx, txn, intentRef)
	if err != nil {
		if fault.IsKind(err, fault.KindState) {
			// Voided between claim and commit; return the captured funds.
			s.refundOrphanCapture(ctx, txn, intentRef)
		}
		return HoldResult{}, err
	}
	s.recorder.RecordSettlement("hold", "ok")
	return HoldResult{Transaction: held, ClientSecret: clientSecret}, nil
}

// refundOrphanCapture returns a capture whose pending row was lost to a
// concurrent commit or void. Best effort: a failure here needs operator
// follow-up, so it is logged at error level with the provider handle.
func (s *Service) refundOrphanCapture(ctx context.Context, txn Transaction, intentRef string) {
	if intentRef == "" {
		return
	}
	if _, err := s.provider.Refund(ctx, txn.Amount, intentRef); err != nil {
		s.logger.Error("refund orphaned capture",
			"transaction_id", txn.ID, "intent_ref", intentRef, "amount", txn.Amount, "error", err)
		return
	}
	s.logger.Warn("refunded orphaned capture",
		"transaction_id", txn.ID, "intent_ref", intentRef, "amount", txn.Amount)
}

func (s *Service) preparePending(ctx context.Context, taskID, actorID string) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("ledger: begin hold: %w", err)
	}
	defer tx.Rollback(ctx)

	task, err := lockTask(ctx, tx, taskID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Transaction{}, fault.Wrap(fault.KindValidation, err)
		}
		return Transaction{}, err
	}
	if task.CreatorID != actorID {
		return Transaction{}, fault.New(fault.KindAuthorization, "only the task creator can fund escrow")
	}
	if !task.PaymentRequired {
		return Transaction{}, fault.New(fault.KindState, "task does not require payment")
	}
	switch task.Status {
	case "completed", "cancelled":
		return Transaction{}, fault.New(fault.KindState, "task is %s, funds can no longer be held", task.Status)
	}
	if task.Budget <= 0 {
		return Transaction{}, fault.New(fault.KindValidation, "task budget must be positive")
	}

	if task.TransactionID != nil {
		existing, err := s.repo.LockByID(ctx, tx, *task.TransactionID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Transaction{}, err
		}
		if err == nil {
			switch existing.Status {
			case StatusHeld:
				return existing, nil
			case StatusPending:
				// Resume a hold whose capture never confirmed.
				if err := tx.Commit(ctx); err != nil {
					return Transaction{}, fmt.Errorf("ledger: commit hold prepare: %w", err)
				}
				return existing, nil
			case StatusFailed:
				// Fall through and open a fresh transaction.
			default:
				return Transaction{}, fault.New(fault.KindState, "transaction is %s, escrow is already settled", existing.Status)
			}
		}
	}

	txn, err := s.repo.createPending(ctx, tx, createParams{
		TaskID:   task.ID,
		PayerID:  task.CreatorID,
		Amount:   task.Budget,
		FeeBps:   s.feeBps,
		Currency: task.Currency,
	})
	if err != nil {
		return Transaction{}, err
	}
	if err := setTaskPayment(ctx, tx, task.ID, "pending", &txn.ID); err != nil {
		return Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("ledger: commit hold prepare: %w", err)
	}
	return txn, nil
}

func (s *Service) commitHold(ctx context.Context, txn Transaction, intentRef string) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("ledger: begin hold commit: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockTask(ctx, tx, txn.TaskID); err != nil {
		return Transaction{}, err
	}
	ok, err := s.markHeldLocked(ctx, tx, txn, intentRef)
	if err != nil {
		return Transaction{}, err
	}
	if !ok {
		// A concurrent commit already applied this capture.
		current, err := s.repo.LockByID(ctx, tx, txn.ID)
		if err != nil {
			return Transaction{}, err
		}
		if current.Status == StatusHeld {
			return current, nil
		}
		return Transaction{}, fault.New(fault.KindState, "transaction is %s, expected pending", current.Status)
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("ledger: commit hold: %w", err)
	}
	return s.repo.GetByID(ctx, txn.ID)
}

// markHeldLocked applies the held transition plus mirror and events. The
// caller holds the task lock.
func (s *Service) markHeldLocked(ctx context.Context, tx pgx.Tx, txn Transaction, intentRef string) (bool, error) {
	ok, err := s.repo.markHeld(ctx, tx, txn.ID, intentRef)
	if err != nil || !ok {
		return ok, err
	}
	if err := setTaskPayment(ctx, tx, txn.TaskID, "held", &txn.ID); err != nil {
		return false, err
	}
	payload := map[string]any{"transaction_id": txn.ID, "amount": txn.Amount, "currency": txn.Currency}
	if err := events.Append(ctx, tx, txn.TaskID, events.TypePaymentHeld, &txn.PayerID, payload); err != nil {
		return false, err
	}
	if err := events.Enqueue(ctx, tx, events.TopicPaymentHeld, payload); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) failPending(ctx context.Context, txn Transaction, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin fail pending: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockTask(ctx, tx, txn.TaskID); err != nil {
		return err
	}
	ok, err := s.repo.markFailed(ctx, tx, txn.ID, reason)
	if err != nil {
		return err
	}
	if ok {
		payload := map[string]any{"transaction_id": txn.ID, "reason": reason}
		if err := events.Append(ctx, tx, txn.TaskID, events.TypePaymentFailed, nil, payload); err != nil {
			return err
		}
		if err := events.Enqueue(ctx, tx, events.TopicPaymentFailed, payload); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit fail pending: %w", err)
	}
	return nil
}

// ConfirmCapture applies a processor callback to a pending transaction. The
// idempotency key makes replayed callbacks no-ops.
func (s *Service) ConfirmCapture(ctx context.Context, txnID string, captured bool, reason, idemKey string) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("ledger: begin confirm capture: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.InsertIdempotencyKey(ctx, tx, idemKey); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return s.repo.GetByID(ctx, txnID)
		}
		return Transaction{}, err
	}

	txn, err := s.lockTaskThenTransaction(ctx, tx, txnID)
	if err != nil {
		return Transaction{}, err
	}
	if txn.Status != StatusPending {
		// Callback raced the synchronous hold path. Current state wins.
		if err := tx.Commit(ctx); err != nil {
			return Transaction{}, fmt.Errorf("ledger: commit confirm capture: %w", err)
		}
		return txn, nil
	}

	if captured {
		ref := ""
		if txn.IntentRef != nil {
			ref = *txn.IntentRef
		}
		if _, err := s.markHeldLocked(ctx, tx, txn, ref); err != nil {
			return Transaction{}, err
		}
	} else {
		if _, err := s.repo.markFailed(ctx, tx, txn.ID, reason); err != nil {
			return Transaction{}, err
		}
		payload := map[string]any{"transaction_id": txn.ID, "reason": reason}
		if err := events.Append(ctx, tx, txn.TaskID, events.TypePaymentFailed, nil, payload); err != nil {
			return Transaction{}, err
		}
		if err := events.Enqueue(ctx, tx, events.TopicPaymentFailed, payload); err != nil {
			return Transaction{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("ledger: commit confirm capture: %w", err)
	}
	return s.repo.GetByID(ctx, txnID)
}

// Release pays the worker their share of a held transaction. Callers enforce
// who may trigger it; Release enforces only the money state machine.
func (s *Service) Release(ctx context.Context, txnID string) (Transaction, error) {
	txn, payee, err := s.prepareSettlement(ctx, txnID, StatusReleased)
	if err != nil {
		return Transaction{}, err
	}
	if txn.Status == StatusReleased {
		return txn, nil
	}
	if payee == "" {
		return Transaction{}, fault.New(fault.KindState, "task has no assigned worker to pay")
	}

	transferRef, xferErr := s.provider.Transfer(ctx, txn.WorkerAmount, txn.Currency, payee, derefstr(txn.IntentRef))
	if xferErr != nil {
		s.deferSettlement(ctx, txn, DueRelease, nil, nil)
		s.recorder.RecordSettlement("release", "failed")
		return Transaction{}, fault.Wrap(fault.KindSettlement, fmt.Errorf("ledger: transfer to worker: %w", xferErr))
	}

	out, err := s.commitSettlement(ctx, txn, func(tx pgx.Tx) (bool, string, map[string]any, error) {
		ok, err := s.repo.markReleased(ctx, tx, txn.ID, payee, transferRef)
		payload := map[string]any{
			"transaction_id": txn.ID,
			"worker_amount":  txn.WorkerAmount,
			"platform_fee":   txn.PlatformFee,
			"payee_id":       payee,
		}
		return ok, "released", payload, err
	}, events.TypePaymentReleased, events.TopicPaymentReleased, StatusReleased)
	if err != nil {
		return Transaction{}, err
	}
	s.recorder.RecordSettlement("release", "ok")
	return out, nil
}

// Refund returns funds to the payer. A nil amount refunds in full; a smaller
// amount leaves the transaction partially_refunded with the remainder kept
// by the platform side of the split already applied.
func (s *Service) Refund(ctx context.Context, txnID string, amount *int64) (Transaction, error) {
	txn, _, err := s.prepareSettlement(ctx, txnID, StatusRefunded)
	if err != nil {
		return Transaction{}, err
	}
	if txn.Status == StatusRefunded || txn.Status == StatusPartiallyRefunded {
		return txn, nil
	}

	amt := txn.Amount
	if amount != nil {
		amt = *amount
	}
	if amt <= 0 || amt > txn.Amount {
		return Transaction{}, fault.New(fault.KindValidation, "refund amount must be within (0, %d]", txn.Amount)
	}

	refundRef, refErr := s.provider.Refund(ctx, amt, derefstr(txn.IntentRef))
	if refErr != nil {
		s.deferSettlement(ctx, txn, DueRefund, &amt, nil)
		s.recorder.RecordSettlement("refund", "failed")
		return Transaction{}, fault.Wrap(fault.KindSettlement, fmt.Errorf("ledger: refund payer: %w", refErr))
	}

	full := amt == txn.Amount
	mirror := "partially_refunded"
	if full {
		mirror = "refunded"
	}
	out, err := s.commitSettlement(ctx, txn, func(tx pgx.Tx) (bool, string, map[string]any, error) {
		ok, err := s.repo.markRefunded(ctx, tx, txn.ID, refundRef, amt, full)
		payload := map[string]any{"transaction_id": txn.ID, "refunded_amount": amt, "full": full}
		return ok, mirror, payload, err
	}, events.TypePaymentRefunded, events.TopicPaymentRefunded, StatusRefunded, StatusPartiallyRefunded)
	if err != nil {
		return Transaction{}, err
	}
	s.recorder.RecordSettlement("refund", "ok")
	return out, nil
}

// Split settles a held transaction partially to each side. creatorBps is the
// creator's share in basis points of the full amount; the worker receives the
// remainder. Both provider legs must land before the terminal commit, and a
// completed refund leg is recorded so a retry never refunds twice.
func (s *Service) Split(ctx context.Context, txnID string, creatorBps int) (SplitResult, error) {
	if creatorBps <= 0 || creatorBps >= 10000 {
		return SplitResult{}, fault.New(fault.KindValidation, "creator share must be within (0, 10000) basis points")
	}
	txn, payee, err := s.prepareSettlement(ctx, txnID, StatusPartiallyRefunded)
	if err != nil {
		return SplitResult{}, err
	}
	if txn.Status == StatusPartiallyRefunded {
		return SplitResult{Transaction: txn, CreatorShare: txn.RefundedAmount, WorkerShare: txn.Amount - txn.RefundedAmount}, nil
	}
	if payee == "" {
		return SplitResult{}, fault.New(fault.KindState, "task has no assigned worker to pay")
	}

	creatorShare, workerShare := SplitShares(txn.Amount, creatorBps)

	refundRef := derefstr(txn.RefundRef)
	if refundRef == "" {
		ref, refErr := s.provider.Refund(ctx, creatorShare, derefstr(txn.IntentRef))
		if refErr != nil {
			s.deferSettlement(ctx, txn, DueSplit, nil, &creatorBps)
			s.recorder.RecordSettlement("split", "failed")
			return SplitResult{}, fault.Wrap(fault.KindSettlement, fmt.Errorf("ledger: refund creator share: %w", refErr))
		}
		refundRef = ref
		if err := s.persistRefundLeg(ctx, txn, refundRef, creatorShare, creatorBps); err != nil {
			return SplitResult{}, err
		}
	} else {
		// Retried split: the recorded leg fixes the shares.
		creatorShare = txn.RefundedAmount
		workerShare = txn.Amount - creatorShare
	}

	transferRef, xferErr := s.provider.Transfer(ctx, workerShare, txn.Currency, payee, derefstr(txn.IntentRef))
	if xferErr != nil {
		s.deferSettlement(ctx, txn, DueSplit, nil, &creatorBps)
		s.recorder.RecordSettlement("split", "failed")
		return SplitResult{}, fault.Wrap(fault.KindSettlement, fmt.Errorf("ledger: transfer worker share: %w", xferErr))
	}

	out, err := s.commitSettlement(ctx, txn, func(tx pgx.Tx) (bool, string, map[string]any, error) {
		ok, err := s.repo.markSplit(ctx, tx, txn.ID, payee, refundRef, transferRef, creatorShare)
		payload := map[string]any{
			"transaction_id": txn.ID,
			"creator_share":  creatorShare,
			"worker_share":   workerShare,
			"payee_id":       payee,
		}
		return ok, "partially_refunded", payload, err
	}, events.TypePaymentSplit, events.TopicPaymentSplit, StatusPartiallyRefunded)
	if err != nil {
		return SplitResult{}, err
	}
	s.recorder.RecordSettlement("split", "ok")
	return SplitResult{Transaction: out, CreatorShare: creatorShare, WorkerShare: workerShare}, nil
}

// prepareSettlement validates that the transaction can settle. It returns the
// current row so idempotent retries of the target status short-circuit in the
// caller, and the payee resolved from the task assignment.
func (s *Service) prepareSettlement(ctx context.Context, txnID string, target Status) (Transaction, string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, "", fmt.Errorf("ledger: begin settlement: %w", err)
	}
	defer tx.Rollback(ctx)

	txn, err := s.lockTaskThenTransaction(ctx, tx, txnID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Transaction{}, "", fault.Wrap(fault.KindValidation, err)
		}
		return Transaction{}, "", err
	}
	task, err := lockTask(ctx, tx, txn.TaskID)
	if err != nil {
		return Transaction{}, "", err
	}

	payee := derefstr(txn.PayeeID)
	if payee == "" && task.AssignedTo != nil {
		payee = *task.AssignedTo
	}

	if txn.Status == target {
		return txn, payee, nil
	}
	// Full and partial refunds share a terminal family for idempotent reads.
	if target == StatusRefunded && txn.Status == StatusPartiallyRefunded {
		return txn, payee, nil
	}
	if target == StatusPartiallyRefunded && txn.Status == StatusRefunded {
		return txn, payee, nil
	}
	if txn.Status != StatusHeld {
		return Transaction{}, "", fault.New(fault.KindState, "transaction is %s, expected held", txn.Status)
	}
	return txn, payee, nil
}

// lockTaskThenTransaction preserves lock ordering when only the transaction
// id is known: read it unlocked, lock the task, then lock the transaction
// and re-read.
func (s *Service) lockTaskThenTransaction(ctx context.Context, tx pgx.Tx, txnID string) (Transaction, error) {
	var taskID string
	err := tx.QueryRow(ctx, `SELECT task_id FROM transactions WHERE id = $1`, txnID).Scan(&taskID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("ledger: resolve transaction task: %w", err)
	}
	if _, err := lockTask(ctx, tx, taskID); err != nil {
		return Transaction{}, err
	}
	return s.repo.LockByID(ctx, tx, txnID)
}

// commitSettlement applies the terminal write plus mirror and events in one
// transaction. idempotentStatuses are the states a racing retry may observe
// after losing the conditional update.
func (s *Service) commitSettlement(
	ctx context.Context,
	txn Transaction,
	apply func(pgx.Tx) (ok bool, mirror string, payload map[string]any, err error),
	eventType, topic string,
	idempotentStatuses ...Status,
) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("ledger: begin settlement commit: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := lockTask(ctx, tx, txn.TaskID); err != nil {
		return Transaction{}, err
	}
	ok, mirror, payload, err := apply(tx)
	if err != nil {
		return Transaction{}, err
	}
	if !ok {
		current, err := s.repo.LockByID(ctx, tx, txn.ID)
		if err != nil {
			return Transaction{}, err
		}
		for _, st := range idempotentStatuses {
			if current.Status == st {
				return current, nil
			}
		}
		return Transaction{}, fault.New(fault.KindState, "transaction is %s, expected held", current.Status)
	}
	if err := setTaskPayment(ctx, tx, txn.TaskID, mirror, &txn.ID); err != nil {
		return Transaction{}, err
	}
	if err := events.Append(ctx, tx, txn.TaskID, eventType, nil, payload); err != nil {
		return Transaction{}, err
	}
	if err := events.Enqueue(ctx, tx, topic, payload); err != nil {
		return Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("ledger: commit settlement: %w", err)
	}
	if txn.HeldAt != nil {
		s.recorder.ObserveHoldAge(time.Since(*txn.HeldAt))
	}
	return s.repo.GetByID(ctx, txn.ID)
}

// deferSettlement marks a held transaction for reconciler retry after a
// provider failure, recording which settlement to re-drive and the
// arguments it carried. The reconciler replays exactly this operation; a
// deferred refund must never come back as a release.
func (s *Service) deferSettlement(ctx context.Context, txn Transaction, kind string, amount *int64, bps *int) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.logger.Error("defer settlement", "transaction_id", txn.ID, "error", err)
		return
	}
	defer tx.Rollback(ctx)
	if err := s.repo.recordDueSettlement(ctx, tx, txn.ID, kind, amount, bps); err != nil {
		s.logger.Error("defer settlement", "transaction_id", txn.ID, "error", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		s.logger.Error("defer settlement", "transaction_id", txn.ID, "error", err)
	}
}

func (s *Service) persistRefundLeg(ctx context.Context, txn Transaction, refundRef string, creatorShare int64, creatorBps int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin refund leg: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := s.repo.recordRefundLeg(ctx, tx, txn.ID, refundRef, creatorShare, creatorBps); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit refund leg: %w", err)
	}
	return nil
}

// Get returns a transaction visible to the given user. Admins see all rows.
func (s *Service) Get(ctx context.Context, txnID, userID string, isAdmin bool) (Transaction, error) {
	txn, err := s.repo.GetByID(ctx, txnID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Transaction{}, fault.Wrap(fault.KindValidation, err)
		}
		return Transaction{}, err
	}
	if !isAdmin && txn.PayerID != userID && derefstr(txn.PayeeID) != userID {
		return Transaction{}, fault.New(fault.KindAuthorization, "transaction belongs to another user")
	}
	return txn, nil
}

func (s *Service) ListForUser(ctx context.Context, userID string, status Status) ([]Transaction, error) {
	if status != "" {
		switch status {
		case StatusPending, StatusHeld, StatusReleased, StatusRefunded, StatusPartiallyRefunded, StatusFailed:
		default:
			return nil, fault.New(fault.KindValidation, "unknown transaction status %q", status)
		}
	}
	return s.repo.ListForUser(ctx, userID, status)
}

func derefstr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
