package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"gigflow/metrics"
)

const (
	claimBatchSize = 10
	maxAttempts    = 5
)

// Message is one claimed outbox row.
type Message struct {
	ID       string
	Topic    string
	Payload  []byte
	Attempts int
}

// Dispatcher drains the outbox. Rows are claimed with FOR UPDATE SKIP LOCKED
// so concurrent dispatchers never double-deliver a message; a row that keeps
// failing past maxAttempts is parked as dead for operator attention.
type Dispatcher struct {
	pool     *pgxpool.Pool
	notifier Notifier
	recorder *metrics.Recorder
	logger   *slog.Logger
	interval time.Duration
}

func NewDispatcher(pool *pgxpool.Pool, notifier Notifier, recorder *metrics.Recorder, logger *slog.Logger, interval time.Duration) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Dispatcher{pool: pool, notifier: notifier, recorder: recorder, logger: logger, interval: interval}
}

// Run drains the outbox until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			for {
				n, err := d.DrainOnce(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return err
					}
					d.logger.Error("outbox drain", "error", err)
					break
				}
				if n < claimBatchSize {
					break
				}
			}
		}
	})
	return g.Wait()
}

// DrainOnce claims and delivers one batch. Returns the number of claimed
// rows so callers can keep draining while the outbox is backed up.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify: begin drain: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 10
	`
	rows, err := tx.Query(ctx, claimSQL)
	if err != nil {
		return 0, fmt.Errorf("notify: claim outbox batch: %w", err)
	}
	batch := make([]Message, 0, claimBatchSize)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("notify: scan outbox row: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("notify: iterate outbox batch: %w", err)
	}

	for _, m := range batch {
		if err := d.notifier.Notify(ctx, m.Topic, m.Payload); err != nil {
			d.recorder.RecordOutboxDelivery(false)
			d.logger.Warn("outbox delivery failed", "outbox_id", m.ID, "topic", m.Topic, "attempts", m.Attempts+1, "error", err)
			status := "pending"
			if m.Attempts+1 >= maxAttempts {
				status = "dead"
				d.logger.Error("outbox message dead", "outbox_id", m.ID, "topic", m.Topic)
			}
			if _, err := tx.Exec(ctx, `UPDATE outbox SET status = $2, attempts = attempts + 1, last_attempt = now() WHERE id = $1`, m.ID, status); err != nil {
				return 0, fmt.Errorf("notify: record delivery failure: %w", err)
			}
			continue
		}
		d.recorder.RecordOutboxDelivery(true)
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = now() WHERE id = $1`, m.ID); err != nil {
			return 0, fmt.Errorf("notify: mark processed: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("notify: commit drain: %w", err)
	}
	return len(batch), nil
}
