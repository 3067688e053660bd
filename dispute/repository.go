package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound     = errors.New("dispute: dispute not found")
	ErrAlreadyOpen  = errors.New("dispute: task already has an open dispute")
	ErrTaskNotFound = errors.New("dispute: task not found")
)

const disputeColumns = `
	id, task_id, filed_by, filed_against, reason::text, description, evidence,
	status::text, resolution, resolution_notes, resolved_by, resolved_at,
	response_description, response_evidence, responded_at, created_at, updated_at
`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) create(ctx context.Context, tx pgx.Tx, taskID, filedBy, filedAgainst string, params FileParams) (Dispute, error) {
	evidence, err := marshalEvidence(params.Evidence)
	if err != nil {
		return Dispute{}, err
	}
	const insertSQL = `
		INSERT INTO disputes (task_id, filed_by, filed_against, reason, description, evidence, status)
		VALUES ($1, $2, $3, $4::dispute_reason, $5, $6::jsonb, 'open')
		RETURNING ` + disputeColumns

	d, err := scanDispute(tx.QueryRow(ctx, insertSQL, taskID, filedBy, filedAgainst, params.Reason, params.Description, evidence))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Dispute{}, ErrAlreadyOpen
		}
		return Dispute{}, fmt.Errorf("dispute: insert dispute: %w", err)
	}
	return d, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`
	d, err := scanDispute(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get dispute: %w", err)
	}
	return d, nil
}

// lockByID must be called after the task lock is held.
func (r *Repository) lockByID(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1 FOR UPDATE`
	d, err := scanDispute(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: lock dispute: %w", err)
	}
	return d, nil
}

func (r *Repository) ListForUser(ctx context.Context, userID string) ([]Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE filed_by = $1 OR filed_against = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, userID)
}

func (r *Repository) ListForTask(ctx context.Context, taskID string) ([]Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE task_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, taskID)
}

func (r *Repository) list(ctx context.Context, query string, arg any) ([]Dispute, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("dispute: list disputes: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 4)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan dispute: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate disputes: %w", err)
	}
	return out, nil
}

// recordResponse writes the rebuttal and advances open → under_review.
func (r *Repository) recordResponse(ctx context.Context, tx pgx.Tx, id, description string, evidence map[string]any) (bool, error) {
	body, err := marshalEvidence(evidence)
	if err != nil {
		return false, err
	}
	const q = `
		UPDATE disputes
		SET status = 'under_review', response_description = $2, response_evidence = $3::jsonb,
		    responded_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('open', 'under_review') AND responded_at IS NULL
	`
	tag, err := tx.Exec(ctx, q, id, description, body)
	if err != nil {
		return false, fmt.Errorf("dispute: record response: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// markUnderReview flags resolution in progress before any provider call.
func (r *Repository) markUnderReview(ctx context.Context, tx pgx.Tx, id string) error {
	const q = `UPDATE disputes SET status = 'under_review', updated_at = now() WHERE id = $1 AND status = 'open'`
	if _, err := tx.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("dispute: mark under review: %w", err)
	}
	return nil
}

// markResolved finalizes the dispute. Affects no row if another resolver
// already finished.
func (r *Repository) markResolved(ctx context.Context, tx pgx.Tx, id, adminID, notes string, resolution Resolution) (bool, error) {
	const q = `
		UPDATE disputes
		SET status = 'resolved', resolution = $2::dispute_resolution, resolution_notes = $3,
		    resolved_by = $4, resolved_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('open', 'under_review')
	`
	tag, err := tx.Exec(ctx, q, id, resolution, notes, adminID)
	if err != nil {
		return false, fmt.Errorf("dispute: mark resolved: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func marshalEvidence(evidence map[string]any) ([]byte, error) {
	if evidence == nil {
		evidence = map[string]any{}
	}
	body, err := json.Marshal(evidence)
	if err != nil {
		return nil, fmt.Errorf("dispute: marshal evidence: %w", err)
	}
	return body, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var (
		d                Dispute
		evidence         []byte
		responseEvidence []byte
	)
	err := row.Scan(
		&d.ID,
		&d.TaskID,
		&d.FiledBy,
		&d.FiledAgainst,
		&d.Reason,
		&d.Description,
		&evidence,
		&d.Status,
		&d.Resolution,
		&d.ResolutionNotes,
		&d.ResolvedBy,
		&d.ResolvedAt,
		&d.ResponseDescription,
		&responseEvidence,
		&d.RespondedAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return Dispute{}, err
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
			return Dispute{}, fmt.Errorf("dispute: unmarshal evidence: %w", err)
		}
	}
	if len(responseEvidence) > 0 {
		if err := json.Unmarshal(responseEvidence, &d.ResponseEvidence); err != nil {
			return Dispute{}, fmt.Errorf("dispute: unmarshal response evidence: %w", err)
		}
	}
	return d, nil
}
