package task_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"gigflow/fault"
	"gigflow/ledger"
	"gigflow/processor"
	"gigflow/task"
)

func newTestPool(t *testing.T) (*pgxpool.Pool, context.Context) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	var exists bool
	err = pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'applications')`).Scan(&exists)
	if err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !exists {
		t.Skip("applications table missing; apply migrations first")
	}
	return pool, ctx
}

func newTestService(t *testing.T, pool *pgxpool.Pool) (*task.Service, *ledger.Service) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sandbox := processor.NewSandbox(logger)
	ledgerSvc := ledger.NewService(pool, ledger.NewRepository(pool), sandbox, nil, logger, 1000)
	return task.NewService(pool, task.NewRepository(pool), ledgerSvc, nil), ledgerSvc
}

func seedUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, role string) string {
	t.Helper()
	var id string
	email := fmt.Sprintf("%s-%s@test.local", role, uuid.NewString())
	err := pool.QueryRow(ctx,
		`INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, $2, 'x', $3) RETURNING id`,
		email, "Test "+role, role).Scan(&id)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM users WHERE id = $1`, id)
	})
	return id
}

func cleanupTask(t *testing.T, pool *pgxpool.Pool, taskID string) {
	t.Helper()
	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = pool.Exec(ctx, `DELETE FROM task_events WHERE task_id = $1`, taskID)
		_, _ = pool.Exec(ctx, `DELETE FROM applications WHERE task_id = $1`, taskID)
		_, _ = pool.Exec(ctx, `UPDATE tasks SET transaction_id = NULL WHERE id = $1`, taskID)
		_, _ = pool.Exec(ctx, `DELETE FROM transactions WHERE task_id = $1`, taskID)
		_, _ = pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	})
}

func createOpenTask(t *testing.T, ctx context.Context, svc *task.Service, pool *pgxpool.Pool, creatorID string) task.Task {
	t.Helper()
	tk, err := svc.Create(ctx, creatorID, task.CreateParams{
		Title:           "mount a ceiling fan",
		Description:     "ladder on site",
		Budget:          5000,
		PaymentRequired: true,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	cleanupTask(t, pool, tk.ID)
	return tk
}

func TestCreateTaskOpensEscrow(t *testing.T) {
	pool, ctx := newTestPool(t)
	svc, _ := newTestService(t, pool)
	creator := seedUser(t, ctx, pool, "client")

	tk := createOpenTask(t, ctx, svc, pool, creator)
	if tk.Status != task.StatusOpen {
		t.Fatalf("expected open, got %s", tk.Status)
	}
	if tk.PaymentStatus != task.PaymentPending {
		t.Fatalf("expected pending payment, got %s", tk.PaymentStatus)
	}
	if tk.TransactionID == nil {
		t.Fatal("payment-required task must open a pending transaction")
	}

	txn, err := ledger.NewRepository(pool).GetByID(ctx, *tk.TransactionID)
	if err != nil {
		t.Fatalf("load transaction: %v", err)
	}
	if txn.Status != ledger.StatusPending || txn.Amount != 5000 {
		t.Fatalf("unexpected escrow row: %+v", txn)
	}
	if txn.PlatformFee+txn.WorkerAmount != txn.Amount {
		t.Fatal("fee split must sum to amount")
	}
}

func TestApplyRules(t *testing.T) {
	pool, ctx := newTestPool(t)
	svc, _ := newTestService(t, pool)
	creator := seedUser(t, ctx, pool, "client")
	worker := seedUser(t, ctx, pool, "worker")

	tk := createOpenTask(t, ctx, svc, pool, creator)

	// Creators cannot bid on their own task.
	if _, err := svc.Apply(ctx, tk.ID, creator, "me"); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	app, err := svc.Apply(ctx, tk.ID, worker, "I have a ladder too")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if app.Status != task.ApplicationPending {
		t.Fatalf("expected pending application, got %s", app.Status)
	}

	// A second live application from the same worker is a conflict.
	if _, err := svc.Apply(ctx, tk.ID, worker, "again"); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	// Withdrawing frees the slot.
	if _, err := svc.WithdrawApplication(ctx, tk.ID, app.ID, worker); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, err := svc.Apply(ctx, tk.ID, worker, "back in"); err != nil {
		t.Fatalf("re-apply after withdraw: %v", err)
	}
}

func TestAcceptApplication(t *testing.T) {
	pool, ctx := newTestPool(t)
	svc, _ := newTestService(t, pool)
	creator := seedUser(t, ctx, pool, "client")
	winner := seedUser(t, ctx, pool, "worker")
	loser := seedUser(t, ctx, pool, "worker")

	tk := createOpenTask(t, ctx, svc, pool, creator)
	winApp, err := svc.Apply(ctx, tk.ID, winner, "")
	if err != nil {
		t.Fatalf("apply winner: %v", err)
	}
	loseApp, err := svc.Apply(ctx, tk.ID, loser, "")
	if err != nil {
		t.Fatalf("apply loser: %v", err)
	}

	// Only the creator may accept.
	if _, _, err := svc.AcceptApplication(ctx, tk.ID, winApp.ID, winner); !fault.IsKind(err, fault.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}

	gotTask, gotApp, err := svc.AcceptApplication(ctx, tk.ID, winApp.ID, creator)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if gotTask.Status != task.StatusAssigned {
		t.Fatalf("expected assigned, got %s", gotTask.Status)
	}
	if gotTask.AssignedTo == nil || *gotTask.AssignedTo != winner {
		t.Fatalf("expected assignment to winner, got %v", gotTask.AssignedTo)
	}
	if gotApp.Status != task.ApplicationAccepted {
		t.Fatalf("expected accepted, got %s", gotApp.Status)
	}

	// Losing applications are rejected in the same commit.
	apps, err := svc.ListApplications(ctx, tk.ID, creator)
	if err != nil {
		t.Fatalf("list applications: %v", err)
	}
	for _, a := range apps {
		if a.ID == loseApp.ID && a.Status != task.ApplicationRejected {
			t.Fatalf("expected loser rejected, got %s", a.Status)
		}
	}

	// Accepting the same application again is a no-op.
	againTask, againApp, err := svc.AcceptApplication(ctx, tk.ID, winApp.ID, creator)
	if err != nil {
		t.Fatalf("duplicate accept: %v", err)
	}
	if againTask.Status != task.StatusAssigned || againApp.Status != task.ApplicationAccepted {
		t.Fatal("duplicate accept must return the applied state")
	}

	// Accepting the loser now is a conflict.
	if _, _, err := svc.AcceptApplication(ctx, tk.ID, loseApp.ID, creator); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestConcurrentAccepts(t *testing.T) {
	pool, ctx := newTestPool(t)
	svc, _ := newTestService(t, pool)
	creator := seedUser(t, ctx, pool, "client")

	tk := createOpenTask(t, ctx, svc, pool, creator)

	const workers = 8
	apps := make([]task.Application, workers)
	for i := range apps {
		worker := seedUser(t, ctx, pool, "worker")
		app, err := svc.Apply(ctx, tk.ID, worker, "")
		if err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
		apps[i] = app
	}

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range apps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = svc.AcceptApplication(ctx, tk.ID, apps[i].ID, creator)
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		case fault.IsKind(err, fault.KindConflict):
		default:
			t.Fatalf("accept %d: unexpected error %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning accept, got %d", wins)
	}

	var accepted int
	err := pool.QueryRow(ctx, `SELECT count(*) FROM applications WHERE task_id = $1 AND status = 'accepted'`, tk.ID).Scan(&accepted)
	if err != nil {
		t.Fatalf("count accepted: %v", err)
	}
	if accepted != 1 {
		t.Fatalf("expected one accepted application, got %d", accepted)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	pool, ctx := newTestPool(t)
	svc, _ := newTestService(t, pool)
	creator := seedUser(t, ctx, pool, "client")
	worker := seedUser(t, ctx, pool, "worker")

	tk := createOpenTask(t, ctx, svc, pool, creator)
	app, err := svc.Apply(ctx, tk.ID, worker, "")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	// No assignment yet, so nobody is the assigned worker.
	if _, err := svc.MarkDone(ctx, tk.ID, worker); !fault.IsKind(err, fault.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}

	if _, _, err := svc.AcceptApplication(ctx, tk.ID, app.ID, creator); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Only the assigned worker moves the task forward.
	if _, err := svc.Start(ctx, tk.ID, creator); !fault.IsKind(err, fault.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}

	started, err := svc.Start(ctx, tk.ID, worker)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != task.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", started.Status)
	}

	done, err := svc.MarkDone(ctx, tk.ID, worker)
	if err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if done.Status != task.StatusPendingConfirmation {
		t.Fatalf("expected pending_confirmation, got %s", done.Status)
	}

	// The worker cannot confirm their own work.
	if _, err := svc.ConfirmCompletion(ctx, tk.ID, worker); !fault.IsKind(err, fault.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestConfirmReleasesEscrow(t *testing.T) {
	pool, ctx := newTestPool(t)
	svc, ledgerSvc := newTestService(t, pool)
	creator := seedUser(t, ctx, pool, "client")
	worker := seedUser(t, ctx, pool, "worker")

	tk := createOpenTask(t, ctx, svc, pool, creator)

	app, err := svc.Apply(ctx, tk.ID, worker, "")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, _, err := svc.AcceptApplication(ctx, tk.ID, app.ID, creator); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Fund escrow through the ledger wired into the task service.
	if _, err := ledgerSvc.Hold(ctx, tk.ID, creator); err != nil {
		t.Fatalf("hold: %v", err)
	}

	if _, err := svc.MarkDone(ctx, tk.ID, worker); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	confirmed, err := svc.ConfirmCompletion(ctx, tk.ID, creator)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s", confirmed.Status)
	}
	if confirmed.PaymentStatus != task.PaymentReleased {
		t.Fatalf("expected released payment, got %s", confirmed.PaymentStatus)
	}
}

func TestCancelRules(t *testing.T) {
	pool, ctx := newTestPool(t)
	svc, _ := newTestService(t, pool)
	creator := seedUser(t, ctx, pool, "client")

	tk := createOpenTask(t, ctx, svc, pool, creator)

	cancelled, err := svc.Cancel(ctx, tk.ID, creator)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != task.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if cancelled.AssignedTo != nil {
		t.Fatal("cancelled task must have no assignment")
	}

	// The pending escrow is voided in the same transaction.
	txn, err := ledger.NewRepository(pool).GetByTaskID(ctx, tk.ID)
	if err != nil {
		t.Fatalf("load transaction: %v", err)
	}
	if txn.Status != ledger.StatusFailed {
		t.Fatalf("expected voided escrow, got %s", txn.Status)
	}

	// Cancel twice is idempotent.
	again, err := svc.Cancel(ctx, tk.ID, creator)
	if err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if again.Status != task.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", again.Status)
	}
}

func TestCancelBlockedWhileHeld(t *testing.T) {
	pool, ctx := newTestPool(t)
	svc, ledgerSvc := newTestService(t, pool)
	creator := seedUser(t, ctx, pool, "client")

	tk := createOpenTask(t, ctx, svc, pool, creator)
	if _, err := ledgerSvc.Hold(ctx, tk.ID, creator); err != nil {
		t.Fatalf("hold: %v", err)
	}

	_, err := svc.Cancel(ctx, tk.ID, creator)
	if !fault.IsKind(err, fault.KindState) {
		t.Fatalf("expected state error cancelling a funded task, got %v", err)
	}
}

func TestEventLogIsGapless(t *testing.T) {
	pool, ctx := newTestPool(t)
	svc, _ := newTestService(t, pool)
	creator := seedUser(t, ctx, pool, "client")
	worker := seedUser(t, ctx, pool, "worker")

	tk := createOpenTask(t, ctx, svc, pool, creator)
	app, err := svc.Apply(ctx, tk.ID, worker, "")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, _, err := svc.AcceptApplication(ctx, tk.ID, app.ID, creator); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := svc.MarkDone(ctx, tk.ID, worker); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	rows, err := pool.Query(ctx, `SELECT seq FROM task_events WHERE task_id = $1 ORDER BY seq`, tk.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	defer rows.Close()

	want := 1
	for rows.Next() {
		var seq int
		if err := rows.Scan(&seq); err != nil {
			t.Fatalf("scan seq: %v", err)
		}
		if seq != want {
			t.Fatalf("expected seq %d, got %d", want, seq)
		}
		want++
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate events: %v", err)
	}
	if want < 3 {
		t.Fatalf("expected at least 2 events, got %d", want-1)
	}
}
