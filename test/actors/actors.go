// Package actors hosts the concurrent workloads for the stress harness.
// Each actor loops one marketplace role against the real services; state
// errors, conflicts, and settlement failures are expected under contention
// and only infrastructure errors abort the run.
package actors

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"gigflow/dispute"
	"gigflow/fault"
	"gigflow/ledger"
	"gigflow/notify"
	"gigflow/task"
)

// Env bundles the shared wiring every actor uses.
type Env struct {
	Pool       *pgxpool.Pool
	Tasks      *task.Service
	Ledger     *ledger.Service
	Disputes   *dispute.Service
	Dispatcher *notify.Dispatcher
	Reconciler *ledger.Reconciler
}

// benign reports whether the error is an expected loss under contention
// rather than a harness failure.
func benign(err error) bool {
	if err == nil {
		return true
	}
	if fault.KindOf(err) != 0 {
		return true
	}
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, context.Canceled) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57P01": // serialization, deadlock, admin shutdown
			return true
		}
	}
	// Chaos kills connections mid-flight.
	msg := err.Error()
	return strings.Contains(msg, "conn closed") || strings.Contains(msg, "unexpected EOF")
}

func pause(base, jitter int) {
	time.Sleep(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
}

// Creator keeps posting payment-required tasks, funding most of them and
// cancelling a few before capture.
func Creator(ctx context.Context, env *Env, creatorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		t, err := env.Tasks.Create(ctx, creatorID, task.CreateParams{
			Title:           "stress task",
			Budget:          int64(1000 + rand.Intn(9000)),
			PaymentRequired: true,
		})
		if err != nil {
			if !benign(err) {
				return err
			}
			pause(20, 40)
			continue
		}
		switch rand.Intn(10) {
		case 0:
			if _, err := env.Tasks.Cancel(ctx, t.ID, creatorID); !benign(err) {
				return err
			}
		default:
			if _, err := env.Ledger.Hold(ctx, t.ID, creatorID); !benign(err) {
				return err
			}
		}
		pause(30, 60)
	}
}

// Applicant bids on random open tasks. Duplicate bids lose quietly.
func Applicant(ctx context.Context, env *Env, workerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var taskID string
		err := env.Pool.QueryRow(ctx,
			`SELECT id FROM tasks WHERE status = 'open' ORDER BY random() LIMIT 1`).Scan(&taskID)
		if err == nil {
			if _, err := env.Tasks.Apply(ctx, taskID, workerID, "pick me"); !benign(err) {
				return err
			}
		} else if !benign(err) {
			return err
		}
		pause(15, 35)
	}
}

// Accepter races to accept pending applications on the creator's open tasks.
func Accepter(ctx context.Context, env *Env, creatorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var taskID, appID string
		err := env.Pool.QueryRow(ctx, `
			SELECT a.task_id, a.id FROM applications a
			JOIN tasks t ON t.id = a.task_id
			WHERE t.creator_id = $1 AND t.status = 'open' AND a.status = 'pending'
			ORDER BY random() LIMIT 1`, creatorID).Scan(&taskID, &appID)
		if err == nil {
			if _, _, err := env.Tasks.AcceptApplication(ctx, taskID, appID, creatorID); !benign(err) {
				return err
			}
		} else if !benign(err) {
			return err
		}
		pause(20, 40)
	}
}

// Worker drives assigned tasks through start and done.
func Worker(ctx context.Context, env *Env, workerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var taskID, status string
		err := env.Pool.QueryRow(ctx, `
			SELECT id, status::text FROM tasks
			WHERE assigned_to = $1 AND status IN ('assigned', 'in_progress')
			ORDER BY random() LIMIT 1`, workerID).Scan(&taskID, &status)
		if err == nil {
			var opErr error
			if status == "assigned" && rand.Intn(2) == 0 {
				_, opErr = env.Tasks.Start(ctx, taskID, workerID)
			} else {
				_, opErr = env.Tasks.MarkDone(ctx, taskID, workerID)
			}
			if !benign(opErr) {
				return opErr
			}
		} else if !benign(err) {
			return err
		}
		pause(25, 50)
	}
}

// Confirmer confirms finished work, triggering the escrow release.
func Confirmer(ctx context.Context, env *Env, creatorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var taskID string
		err := env.Pool.QueryRow(ctx, `
			SELECT id FROM tasks
			WHERE creator_id = $1 AND status = 'pending_confirmation'
			ORDER BY random() LIMIT 1`, creatorID).Scan(&taskID)
		if err == nil {
			if _, err := env.Tasks.ConfirmCompletion(ctx, taskID, creatorID); !benign(err) {
				return err
			}
		} else if !benign(err) {
			return err
		}
		pause(30, 60)
	}
}

// Disputer occasionally files against finished work and resolves it as the
// admin with a random disposition.
func Disputer(ctx context.Context, env *Env, creatorID, adminID string, stop <-chan struct{}) error {
	resolutions := []dispute.Resolution{dispute.ResolutionRefund, dispute.ResolutionPayWorker, dispute.ResolutionPartial}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var taskID string
		err := env.Pool.QueryRow(ctx, `
			SELECT id FROM tasks
			WHERE creator_id = $1 AND status = 'pending_confirmation'
			ORDER BY random() LIMIT 1`, creatorID).Scan(&taskID)
		if err == nil && rand.Intn(3) == 0 {
			d, fileErr := env.Disputes.File(ctx, taskID, creatorID, dispute.FileParams{
				Reason:      dispute.ReasonWorkQuality,
				Description: "stress dispute",
			})
			if !benign(fileErr) {
				return fileErr
			}
			if fileErr == nil {
				res := resolutions[rand.Intn(len(resolutions))]
				params := dispute.ResolveParams{Resolution: res}
				if res == dispute.ResolutionPartial {
					params.CreatorBps = 1 + rand.Intn(9998)
				}
				if _, err := env.Disputes.Resolve(ctx, d.ID, adminID, true, params); !benign(err) {
					return err
				}
			}
		} else if err != nil && !benign(err) {
			return err
		}
		pause(100, 150)
	}
}

// OutboxWorker drains the outbox alongside everything else.
func OutboxWorker(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := env.Dispatcher.DrainOnce(ctx); !benign(err) {
			return err
		}
		pause(80, 60)
	}
}

// Sweeper runs the ledger reconciler, expiring stale holds and retrying
// deferred settlements.
func Sweeper(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		env.Reconciler.Sweep(ctx)
		pause(200, 200)
	}
}
