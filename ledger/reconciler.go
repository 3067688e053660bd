package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"gigflow/fault"
)

// Reconciler sweeps the ledger on an interval. It expires pending holds
// whose capture never confirmed and retries held transactions whose
// settlement failed against the provider.
type Reconciler struct {
	scheduler gocron.Scheduler
	service   *Service
	logger    *slog.Logger

	pendingTTL time.Duration
	interval   time.Duration
}

func NewReconciler(service *Service, logger *slog.Logger, pendingTTL, interval time.Duration) (*Reconciler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("ledger: create scheduler: %w", err)
	}
	return &Reconciler{
		scheduler:  s,
		service:    service,
		logger:     logger,
		pendingTTL: pendingTTL,
		interval:   interval,
	}, nil
}

// Start schedules the sweep and begins running it.
func (r *Reconciler) Start(ctx context.Context) error {
	_, err := r.scheduler.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(func() { r.Sweep(ctx) }),
		gocron.WithName("ledger-reconcile"),
	)
	if err != nil {
		return fmt.Errorf("ledger: schedule reconcile job: %w", err)
	}
	r.scheduler.Start()
	return nil
}

func (r *Reconciler) Stop() error {
	if err := r.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("ledger: shutdown scheduler: %w", err)
	}
	return nil
}

// Sweep runs one reconcile pass. Exported so tests and operators can drive
// it directly.
func (r *Reconciler) Sweep(ctx context.Context) {
	r.expireStalePending(ctx)
	r.retryDueSettlements(ctx)
}

func (r *Reconciler) expireStalePending(ctx context.Context) {
	cutoff := time.Now().Add(-r.pendingTTL)
	stale, err := r.service.repo.StalePending(ctx, cutoff)
	if err != nil {
		r.logger.Error("list stale pending holds", "error", err)
		return
	}
	for _, txn := range stale {
		if err := r.service.failPending(ctx, txn, "hold expired before capture confirmed"); err != nil {
			r.logger.Error("expire stale hold", "transaction_id", txn.ID, "error", err)
			continue
		}
		r.logger.Info("expired stale hold", "transaction_id", txn.ID, "task_id", txn.TaskID)
		r.service.recorder.RecordHoldExpired()
	}
}

// retryDueSettlements re-drives settlements that failed at the provider.
// Each due row carries the settlement it was deferred from; the retry
// replays exactly that operation so a failed refund can never pay out as a
// release. A row without a recorded intent is surfaced for an operator
// instead of guessed at.
func (r *Reconciler) retryDueSettlements(ctx context.Context) {
	due, err := r.service.repo.DueSettlements(ctx)
	if err != nil {
		r.logger.Error("list due settlements", "error", err)
		return
	}
	for _, txn := range due {
		var retryErr error
		switch derefstr(txn.DueSettlement) {
		case DueRefund:
			_, retryErr = r.service.Refund(ctx, txn.ID, txn.DueAmount)
		case DueSplit:
			// A recorded refund leg fixes the shares; the bps only matters
			// when the refund leg itself is still outstanding.
			bps := 1
			if txn.DueBps != nil {
				bps = *txn.DueBps
			}
			_, retryErr = r.service.Split(ctx, txn.ID, bps)
		case DueRelease:
			_, retryErr = r.service.Release(ctx, txn.ID)
		default:
			r.logger.Error("due settlement without recorded intent, skipping",
				"transaction_id", txn.ID, "task_id", txn.TaskID)
			continue
		}
		if retryErr != nil {
			if fault.IsKind(retryErr, fault.KindSettlement) {
				r.logger.Warn("settlement retry still failing", "transaction_id", txn.ID, "error", retryErr)
			} else {
				r.logger.Error("settlement retry", "transaction_id", txn.ID, "error", retryErr)
			}
			continue
		}
		r.logger.Info("settlement retried", "transaction_id", txn.ID, "task_id", txn.TaskID)
	}
}
