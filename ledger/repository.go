package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no transaction row exists for the identifier.
	ErrNotFound = errors.New("ledger: transaction not found")
	// ErrDuplicateIdempotencyKey signals the callback was already applied.
	ErrDuplicateIdempotencyKey = errors.New("ledger: duplicate idempotency key")
)

const transactionColumns = `
	id, task_id, payer_id, payee_id, amount, platform_fee, worker_amount,
	fee_bps, currency, status::text, intent_ref, transfer_ref, refund_ref,
	refunded_amount, settlement_due, due_settlement, due_amount, due_bps,
	failure_reason, held_at, released_at, refunded_at, created_at, updated_at
`

// Repository provides data access for escrow transactions. Write methods run
// inside the caller's transaction so ledger and task-mirror updates commit
// together.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) GetByID(ctx context.Context, id string) (Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	txn, err := scanTransaction(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("ledger: get transaction: %w", err)
	}
	return txn, nil
}

func (r *Repository) GetByTaskID(ctx context.Context, taskID string) (Transaction, error) {
	// Failed attempts may precede a live transaction; the newest row wins.
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE task_id = $1 ORDER BY created_at DESC LIMIT 1`
	txn, err := scanTransaction(r.pool.QueryRow(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("ledger: get transaction by task: %w", err)
	}
	return txn, nil
}

// ListForUser returns transactions where the user is payer or payee, newest
// first, optionally filtered by status.
func (r *Repository) ListForUser(ctx context.Context, userID string, status Status) ([]Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE (payer_id = $1 OR payee_id = $1)`
	args := []any{userID}
	if status != "" {
		query += ` AND status = $2::transaction_status`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list transactions: %w", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0, 8)
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan transaction: %w", err)
		}
		out = append(out, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate transactions: %w", err)
	}
	return out, nil
}

// LockByID fetches a transaction under FOR UPDATE inside the caller's tx.
func (r *Repository) LockByID(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1 FOR UPDATE`
	txn, err := scanTransaction(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("ledger: lock transaction: %w", err)
	}
	return txn, nil
}

type createParams struct {
	TaskID   string
	PayerID  string
	Amount   int64
	FeeBps   int
	Currency string
}

// createPending inserts a pending transaction with the fee split frozen at
// creation time.
func (r *Repository) createPending(ctx context.Context, tx pgx.Tx, params createParams) (Transaction, error) {
	fee, worker := SplitFee(params.Amount, params.FeeBps)

	const insertSQL = `
		INSERT INTO transactions (task_id, payer_id, amount, platform_fee, worker_amount, fee_bps, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		RETURNING ` + transactionColumns

	txn, err := scanTransaction(tx.QueryRow(ctx, insertSQL,
		params.TaskID, params.PayerID, params.Amount, fee, worker, params.FeeBps, params.Currency))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Transaction{}, fmt.Errorf("ledger: task already has a transaction: %w", err)
		}
		return Transaction{}, fmt.Errorf("ledger: insert transaction: %w", err)
	}
	return txn, nil
}

// markHeld advances pending → held. Returns false when the row was not
// pending anymore, leaving the caller to re-read and decide.
func (r *Repository) markHeld(ctx context.Context, tx pgx.Tx, id, intentRef string) (bool, error) {
	const q = `
		UPDATE transactions
		SET status = 'held', intent_ref = COALESCE(intent_ref, $2), held_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := tx.Exec(ctx, q, id, intentRef)
	if err != nil {
		return false, fmt.Errorf("ledger: mark held: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// markFailed terminates a pending transaction. Failed rows are never reused;
// a retry creates a fresh transaction.
func (r *Repository) markFailed(ctx context.Context, tx pgx.Tx, id, reason string) (bool, error) {
	const q = `
		UPDATE transactions
		SET status = 'failed', failure_reason = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := tx.Exec(ctx, q, id, reason)
	if err != nil {
		return false, fmt.Errorf("ledger: mark failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// markReleased advances held → released, binding the payee and transfer
// handle and clearing the settlement-due marker.
func (r *Repository) markReleased(ctx context.Context, tx pgx.Tx, id, payeeID, transferRef string) (bool, error) {
	const q = `
		UPDATE transactions
		SET status = 'released', payee_id = COALESCE(payee_id, $2), transfer_ref = $3,
		    settlement_due = false, due_settlement = NULL, due_amount = NULL, due_bps = NULL,
		    released_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'held'
	`
	tag, err := tx.Exec(ctx, q, id, payeeID, transferRef)
	if err != nil {
		return false, fmt.Errorf("ledger: mark released: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// markRefunded finalizes a refund settlement. full selects refunded versus
// partially_refunded.
func (r *Repository) markRefunded(ctx context.Context, tx pgx.Tx, id, refundRef string, refunded int64, full bool) (bool, error) {
	status := StatusPartiallyRefunded
	if full {
		status = StatusRefunded
	}
	const q = `
		UPDATE transactions
		SET status = $2::transaction_status, refund_ref = $3, refunded_amount = $4,
		    settlement_due = false, due_settlement = NULL, due_amount = NULL, due_bps = NULL,
		    refunded_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'held'
	`
	tag, err := tx.Exec(ctx, q, id, status, refundRef, refunded)
	if err != nil {
		return false, fmt.Errorf("ledger: mark refunded: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// markSplit finalizes a partial settlement carrying both a refund and a
// worker credit in a single terminal write.
func (r *Repository) markSplit(ctx context.Context, tx pgx.Tx, id, payeeID, refundRef, transferRef string, creatorShare int64) (bool, error) {
	const q = `
		UPDATE transactions
		SET status = 'partially_refunded', payee_id = COALESCE(payee_id, $2),
		    refund_ref = $3, transfer_ref = $4, refunded_amount = $5,
		    settlement_due = false, due_settlement = NULL, due_amount = NULL, due_bps = NULL,
		    refunded_at = now(), released_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'held'
	`
	tag, err := tx.Exec(ctx, q, id, payeeID, refundRef, transferRef, creatorShare)
	if err != nil {
		return false, fmt.Errorf("ledger: mark split: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// recordRefundLeg persists the refund handle of a split whose transfer leg
// has not completed yet, so a retry does not refund twice. The split intent
// is recorded alongside so a crash here resumes as a split, never a release.
func (r *Repository) recordRefundLeg(ctx context.Context, tx pgx.Tx, id, refundRef string, creatorShare int64, creatorBps int) error {
	const q = `
		UPDATE transactions
		SET refund_ref = $2, refunded_amount = $3, settlement_due = true,
		    due_settlement = 'split', due_bps = $4, updated_at = now()
		WHERE id = $1 AND status = 'held'
	`
	if _, err := tx.Exec(ctx, q, id, refundRef, creatorShare, creatorBps); err != nil {
		return fmt.Errorf("ledger: record refund leg: %w", err)
	}
	return nil
}

// recordDueSettlement marks a held transaction for reconciler retry and
// stores which settlement to re-drive, with the arguments it was invoked
// with. The reconciler never guesses the operation.
func (r *Repository) recordDueSettlement(ctx context.Context, tx pgx.Tx, id, kind string, amount *int64, bps *int) error {
	const q = `
		UPDATE transactions
		SET settlement_due = true, due_settlement = $2, due_amount = $3, due_bps = $4, updated_at = now()
		WHERE id = $1 AND status = 'held'
	`
	if _, err := tx.Exec(ctx, q, id, kind, amount, bps); err != nil {
		return fmt.Errorf("ledger: record due settlement: %w", err)
	}
	return nil
}

// claimIntent stores the capture handle on a pending row that has none yet.
// Exactly one concurrent hold wins the claim; every caller gets back the ref
// and status actually on the row so a loser can undo its own capture.
func (r *Repository) claimIntent(ctx context.Context, id, intentRef string) (string, Status, error) {
	const claim = `
		UPDATE transactions SET intent_ref = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending' AND intent_ref IS NULL
	`
	if _, err := r.pool.Exec(ctx, claim, id, intentRef); err != nil {
		return "", "", fmt.Errorf("ledger: claim intent: %w", err)
	}
	var stored *string
	var status string
	err := r.pool.QueryRow(ctx, `SELECT intent_ref, status::text FROM transactions WHERE id = $1`, id).Scan(&stored, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("ledger: read claimed intent: %w", err)
	}
	ref := ""
	if stored != nil {
		ref = *stored
	}
	return ref, Status(status), nil
}

// StalePending lists pending transactions older than the cutoff, for the
// reconciler to expire.
func (r *Repository) StalePending(ctx context.Context, olderThan time.Time) ([]Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE status = 'pending' AND created_at < $1`
	rows, err := r.pool.Query(ctx, query, olderThan)
	if err != nil {
		return nil, fmt.Errorf("ledger: list stale pending: %w", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0, 8)
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan stale pending: %w", err)
		}
		out = append(out, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate stale pending: %w", err)
	}
	return out, nil
}

// DueSettlements lists held transactions whose settlement previously failed
// and is marked for retry.
func (r *Repository) DueSettlements(ctx context.Context) ([]Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE status = 'held' AND settlement_due ORDER BY updated_at ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ledger: list due settlements: %w", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0, 8)
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan due settlement: %w", err)
		}
		out = append(out, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate due settlements: %w", err)
	}
	return out, nil
}

// InsertIdempotencyKey reserves the key inside the active transaction so a
// replayed processor callback becomes a no-op.
func (r *Repository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("ledger: empty idempotency key")
	}
	if _, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("ledger: insert idempotency key: %w", err)
	}
	return nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	err := row.Scan(
		&t.ID,
		&t.TaskID,
		&t.PayerID,
		&t.PayeeID,
		&t.Amount,
		&t.PlatformFee,
		&t.WorkerAmount,
		&t.FeeBps,
		&t.Currency,
		&t.Status,
		&t.IntentRef,
		&t.TransferRef,
		&t.RefundRef,
		&t.RefundedAmount,
		&t.SettlementDue,
		&t.DueSettlement,
		&t.DueAmount,
		&t.DueBps,
		&t.FailureReason,
		&t.HeldAt,
		&t.ReleasedAt,
		&t.RefundedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return Transaction{}, err
	}
	return t, nil
}
