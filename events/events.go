// Package events appends the per-task lifecycle log and the transactional
// outbox. Both writes happen inside the caller's database transaction so a
// lifecycle transition and its downstream notification commit or roll back
// together.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Lifecycle event types recorded in task_events.
const (
	TypeTaskCreated         = "TASK_CREATED"
	TypeApplicationAccepted = "APPLICATION_ACCEPTED"
	TypeTaskMarkedDone      = "TASK_MARKED_DONE"
	TypeTaskCompleted       = "TASK_COMPLETED"
	TypeTaskDisputed        = "TASK_DISPUTED"
	TypeTaskCancelled       = "TASK_CANCELLED"
	TypePaymentHeld         = "PAYMENT_HELD"
	TypePaymentFailed       = "PAYMENT_FAILED"
	TypePaymentReleased     = "PAYMENT_RELEASED"
	TypePaymentRefunded     = "PAYMENT_REFUNDED"
	TypePaymentSplit        = "PAYMENT_SPLIT"
	TypeDisputeFiled        = "DISPUTE_FILED"
	TypeDisputeResponded    = "DISPUTE_RESPONDED"
	TypeDisputeResolved     = "DISPUTE_RESOLVED"
)

// Outbox topics consumed by the notification dispatcher.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskAssigned     = "task.assigned"
	TopicTaskDone         = "task.done"
	TopicTaskCompleted    = "task.completed"
	TopicTaskDisputed     = "task.disputed"
	TopicTaskCancelled    = "task.cancelled"
	TopicPaymentHeld      = "payment.held"
	TopicPaymentFailed    = "payment.failed"
	TopicPaymentReleased  = "payment.released"
	TopicPaymentRefunded  = "payment.refunded"
	TopicPaymentSplit     = "payment.split"
	TopicDisputeFiled     = "dispute.filed"
	TopicDisputeResponded = "dispute.responded"
	TopicDisputeResolved  = "dispute.resolved"
)

// Append inserts a lifecycle event for the task with the next monotonic seq.
// The task row must be locked by the surrounding transaction so concurrent
// appenders cannot pick the same seq.
func Append(ctx context.Context, tx pgx.Tx, taskID, eventType string, actorID *string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal payload: %w", err)
	}

	var seq int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM task_events WHERE task_id = $1`, taskID).Scan(&seq); err != nil {
		return fmt.Errorf("events: next seq: %w", err)
	}

	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}

	const insertSQL = `
		INSERT INTO task_events (task_id, seq, type, actor_id, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`
	if _, err := tx.Exec(ctx, insertSQL, taskID, seq, eventType, actor, body); err != nil {
		return fmt.Errorf("events: insert event: %w", err)
	}
	return nil
}

// Enqueue writes a transactional outbox message for downstream delivery.
func Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("events: enqueue outbox: %w", err)
	}
	return nil
}
