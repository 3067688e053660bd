package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound             = errors.New("task: task not found")
	ErrApplicationNotFound  = errors.New("task: application not found")
	ErrDuplicateApplication = errors.New("task: applicant already applied to this task")
)

const taskColumns = `
	id, creator_id, assigned_to, title, description, budget, currency,
	status::text, payment_required, payment_status::text, transaction_id,
	assigned_at, completed_at, created_at, updated_at
`

const applicationColumns = `
	id, task_id, applicant_id, message, status::text, created_at, updated_at
`

// Repository provides data access for tasks and their applications. State
// transitions use conditional updates so a retry that lost a race affects
// zero rows and the caller re-reads instead.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, tx pgx.Tx, creatorID string, params CreateParams) (Task, error) {
	paymentStatus := "not_required"
	if params.PaymentRequired {
		paymentStatus = "pending"
	}
	const insertSQL = `
		INSERT INTO tasks (creator_id, title, description, budget, currency, status, payment_required, payment_status)
		VALUES ($1, $2, $3, $4, $5, 'open', $6, $7::payment_status)
		RETURNING ` + taskColumns

	t, err := scanTask(tx.QueryRow(ctx, insertSQL,
		creatorID, params.Title, params.Description, params.Budget, params.Currency, params.PaymentRequired, paymentStatus))
	if err != nil {
		return Task{}, fmt.Errorf("task: insert task: %w", err)
	}
	return t, nil
}

func (r *Repository) linkTransaction(ctx context.Context, tx pgx.Tx, taskID, txnID string) error {
	const q = `UPDATE tasks SET transaction_id = $2, updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, q, taskID, txnID); err != nil {
		return fmt.Errorf("task: link transaction: %w", err)
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	t, err := scanTask(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("task: get task: %w", err)
	}
	return t, nil
}

// LockByID takes the task-scoped guard. All lifecycle mutations for a task
// serialize on this lock.
func (r *Repository) LockByID(ctx context.Context, tx pgx.Tx, id string) (Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1 FOR UPDATE`
	t, err := scanTask(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("task: lock task: %w", err)
	}
	return t, nil
}

func (r *Repository) List(ctx context.Context, filters ListFilters) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := make([]any, 0, 4)
	if filters.Status != "" {
		args = append(args, filters.Status)
		query += fmt.Sprintf(" AND status = $%d::task_status", len(args))
	}
	if filters.CreatorID != "" {
		args = append(args, filters.CreatorID)
		query += fmt.Sprintf(" AND creator_id = $%d", len(args))
	}
	if filters.AssignedTo != "" {
		args = append(args, filters.AssignedTo)
		query += fmt.Sprintf(" AND assigned_to = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	pageSize := filters.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	page := filters.Page
	if page < 1 {
		page = 1
	}
	args = append(args, pageSize)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	args = append(args, (page-1)*pageSize)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("task: list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, pageSize)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("task: scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task: iterate tasks: %w", err)
	}
	return out, nil
}

// markAssigned advances open → assigned, binding the worker.
func (r *Repository) markAssigned(ctx context.Context, tx pgx.Tx, taskID, workerID string) (bool, error) {
	const q = `
		UPDATE tasks
		SET status = 'assigned', assigned_to = $2, assigned_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'open'
	`
	tag, err := tx.Exec(ctx, q, taskID, workerID)
	if err != nil {
		return false, fmt.Errorf("task: mark assigned: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// markInProgress advances assigned → in_progress.
func (r *Repository) markInProgress(ctx context.Context, tx pgx.Tx, taskID string) (bool, error) {
	const q = `UPDATE tasks SET status = 'in_progress', updated_at = now() WHERE id = $1 AND status = 'assigned'`
	tag, err := tx.Exec(ctx, q, taskID)
	if err != nil {
		return false, fmt.Errorf("task: mark in progress: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// markPendingConfirmation advances assigned or in_progress to
// pending_confirmation.
func (r *Repository) markPendingConfirmation(ctx context.Context, tx pgx.Tx, taskID string) (bool, error) {
	const q = `
		UPDATE tasks SET status = 'pending_confirmation', updated_at = now()
		WHERE id = $1 AND status IN ('assigned', 'in_progress')
	`
	tag, err := tx.Exec(ctx, q, taskID)
	if err != nil {
		return false, fmt.Errorf("task: mark pending confirmation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) markCompleted(ctx context.Context, tx pgx.Tx, taskID string) (bool, error) {
	const q = `
		UPDATE tasks SET status = 'completed', completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'pending_confirmation'
	`
	tag, err := tx.Exec(ctx, q, taskID)
	if err != nil {
		return false, fmt.Errorf("task: mark completed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) markDisputed(ctx context.Context, tx pgx.Tx, taskID string) (bool, error) {
	const q = `
		UPDATE tasks SET status = 'disputed', updated_at = now()
		WHERE id = $1 AND status IN ('pending_confirmation', 'completed')
	`
	tag, err := tx.Exec(ctx, q, taskID)
	if err != nil {
		return false, fmt.Errorf("task: mark disputed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) markCancelled(ctx context.Context, tx pgx.Tx, taskID string) (bool, error) {
	// assigned_to is set iff the task sits between assignment and dispute,
	// so cancellation clears it. assigned_at keeps the history.
	const q = `
		UPDATE tasks SET status = 'cancelled', assigned_to = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('open', 'assigned')
	`
	tag, err := tx.Exec(ctx, q, taskID)
	if err != nil {
		return false, fmt.Errorf("task: mark cancelled: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) createApplication(ctx context.Context, tx pgx.Tx, taskID, applicantID, message string) (Application, error) {
	const insertSQL = `
		INSERT INTO applications (task_id, applicant_id, message, status)
		VALUES ($1, $2, $3, 'pending')
		RETURNING ` + applicationColumns

	app, err := scanApplication(tx.QueryRow(ctx, insertSQL, taskID, applicantID, message))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Application{}, ErrDuplicateApplication
		}
		return Application{}, fmt.Errorf("task: insert application: %w", err)
	}
	return app, nil
}

func (r *Repository) GetApplication(ctx context.Context, id string) (Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE id = $1`
	app, err := scanApplication(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, ErrApplicationNotFound
		}
		return Application{}, fmt.Errorf("task: get application: %w", err)
	}
	return app, nil
}

// lockApplication must be called after the task lock is held, never before.
func (r *Repository) lockApplication(ctx context.Context, tx pgx.Tx, id string) (Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE id = $1 FOR UPDATE`
	app, err := scanApplication(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, ErrApplicationNotFound
		}
		return Application{}, fmt.Errorf("task: lock application: %w", err)
	}
	return app, nil
}

func (r *Repository) ListApplications(ctx context.Context, taskID string) ([]Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE task_id = $1 ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("task: list applications: %w", err)
	}
	defer rows.Close()

	out := make([]Application, 0, 8)
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("task: scan application: %w", err)
		}
		out = append(out, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task: iterate applications: %w", err)
	}
	return out, nil
}

func (r *Repository) markApplicationAccepted(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	const q = `UPDATE applications SET status = 'accepted', updated_at = now() WHERE id = $1 AND status = 'pending'`
	tag, err := tx.Exec(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("task: mark application accepted: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// rejectOtherPending closes out every losing application in the same commit
// that crowns the winner.
func (r *Repository) rejectOtherPending(ctx context.Context, tx pgx.Tx, taskID, acceptedID string) error {
	const q = `
		UPDATE applications SET status = 'rejected', updated_at = now()
		WHERE task_id = $1 AND id <> $2 AND status = 'pending'
	`
	if _, err := tx.Exec(ctx, q, taskID, acceptedID); err != nil {
		return fmt.Errorf("task: reject other applications: %w", err)
	}
	return nil
}

func (r *Repository) markApplicationRejected(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	const q = `UPDATE applications SET status = 'rejected', updated_at = now() WHERE id = $1 AND status = 'pending'`
	tag, err := tx.Exec(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("task: mark application rejected: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) markApplicationWithdrawn(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	const q = `UPDATE applications SET status = 'withdrawn', updated_at = now() WHERE id = $1 AND status = 'pending'`
	tag, err := tx.Exec(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("task: mark application withdrawn: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	err := row.Scan(
		&t.ID,
		&t.CreatorID,
		&t.AssignedTo,
		&t.Title,
		&t.Description,
		&t.Budget,
		&t.Currency,
		&t.Status,
		&t.PaymentRequired,
		&t.PaymentStatus,
		&t.TransactionID,
		&t.AssignedAt,
		&t.CompletedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

func scanApplication(row pgx.Row) (Application, error) {
	var a Application
	err := row.Scan(
		&a.ID,
		&a.TaskID,
		&a.ApplicantID,
		&a.Message,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return Application{}, err
	}
	return a, nil
}
