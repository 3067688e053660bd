// Package oracles holds cross-table invariant checks the stress harness
// runs against a live database while actors are mutating it. Every query
// counts violating rows; a healthy system returns zero for all of them.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is one invariant expressed as a violation count.
type Oracle struct {
	Name  string
	Query string
}

// All lists every invariant checked during a stress run. These deliberately
// overlap with a few database constraints; the point is catching drift the
// moment it happens, with a name attached.
var All = []Oracle{
	{
		Name: "one_accepted_application_per_task",
		Query: `
			SELECT count(*) FROM (
				SELECT task_id FROM applications
				WHERE status = 'accepted'
				GROUP BY task_id HAVING count(*) > 1
			) v`,
	},
	{
		Name: "accepted_applicant_is_assignee",
		Query: `
			SELECT count(*) FROM applications a
			JOIN tasks t ON t.id = a.task_id
			WHERE a.status = 'accepted'
			  AND t.status NOT IN ('cancelled', 'open')
			  AND t.assigned_to IS DISTINCT FROM a.applicant_id`,
	},
	{
		Name: "fee_split_sums_to_amount",
		Query: `
			SELECT count(*) FROM transactions
			WHERE platform_fee + worker_amount <> amount`,
	},
	{
		Name: "refund_never_exceeds_amount",
		Query: `
			SELECT count(*) FROM transactions
			WHERE refunded_amount > amount`,
	},
	{
		Name: "refund_status_matches_amount",
		Query: `
			SELECT count(*) FROM transactions
			WHERE (status = 'refunded' AND refunded_amount <> amount)
			   OR (status = 'partially_refunded'
			       AND (refunded_amount <= 0 OR refunded_amount >= amount))`,
	},
	{
		Name: "payment_mirror_tracks_live_transaction",
		Query: `
			SELECT count(*) FROM tasks t
			JOIN transactions x ON x.id = t.transaction_id
			WHERE x.status <> 'failed'
			  AND t.payment_status::text <> x.status::text`,
	},
	{
		Name: "one_live_transaction_per_task",
		Query: `
			SELECT count(*) FROM (
				SELECT task_id FROM transactions
				WHERE status <> 'failed'
				GROUP BY task_id HAVING count(*) > 1
			) v`,
	},
	{
		Name: "settlement_due_only_while_held",
		Query: `
			SELECT count(*) FROM transactions
			WHERE settlement_due AND status NOT IN ('held', 'partially_refunded')`,
	},
	{
		Name: "released_funds_only_on_finished_tasks",
		Query: `
			SELECT count(*) FROM tasks
			WHERE payment_status = 'released'
			  AND status NOT IN ('completed', 'disputed')`,
	},
	{
		Name: "completed_tasks_have_completed_at",
		Query: `
			SELECT count(*) FROM tasks
			WHERE status = 'completed' AND completed_at IS NULL`,
	},
	{
		Name: "cancelled_tasks_hold_no_money",
		Query: `
			SELECT count(*) FROM tasks
			WHERE status = 'cancelled'
			  AND payment_status IN ('held', 'released')`,
	},
	{
		Name: "disputed_tasks_have_live_dispute",
		Query: `
			SELECT count(*) FROM tasks t
			WHERE t.status = 'disputed'
			  AND NOT EXISTS (
				SELECT 1 FROM disputes d
				WHERE d.task_id = t.id AND d.status IN ('open', 'under_review')
			  )`,
	},
	{
		Name: "event_log_gapless",
		Query: `
			SELECT count(*) FROM (
				SELECT task_id FROM task_events
				GROUP BY task_id HAVING max(seq) <> count(*)
			) v`,
	},
	{
		Name: "outbox_attempts_bounded",
		Query: `
			SELECT count(*) FROM outbox WHERE attempts > 5`,
	},
}

// Run evaluates every oracle and returns an error naming the first one
// that finds violations.
func Run(ctx context.Context, pool *pgxpool.Pool) error {
	for _, o := range All {
		var n int64
		if err := pool.QueryRow(ctx, o.Query).Scan(&n); err != nil {
			return fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if n != 0 {
			return fmt.Errorf("oracle %s: %d violating rows", o.Name, n)
		}
	}
	return nil
}
