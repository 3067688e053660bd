package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
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
	err = pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'outbox')`).Scan(&exists)
	if err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !exists {
		t.Skip("outbox table missing; apply migrations first")
	}
	return pool, ctx
}

// captureNotifier records deliveries and can be told to fail.
type captureNotifier struct {
	mu     sync.Mutex
	topics []string
	fail   bool
}

func (c *captureNotifier) Notify(_ context.Context, topic string, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return fmt.Errorf("delivery refused")
	}
	c.topics = append(c.topics, topic)
	return nil
}

func (c *captureNotifier) delivered() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...)
}

func seedOutbox(t *testing.T, ctx context.Context, pool *pgxpool.Pool, topic string) string {
	t.Helper()
	var id string
	err := pool.QueryRow(ctx,
		`INSERT INTO outbox (topic, payload) VALUES ($1, '{"k":"v"}'::jsonb) RETURNING id`, topic).Scan(&id)
	if err != nil {
		t.Fatalf("seed outbox: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM outbox WHERE id = $1`, id)
	})
	return id
}

func outboxRow(t *testing.T, ctx context.Context, pool *pgxpool.Pool, id string) (status string, attempts int) {
	t.Helper()
	if err := pool.QueryRow(ctx, `SELECT status, attempts FROM outbox WHERE id = $1`, id).Scan(&status, &attempts); err != nil {
		t.Fatalf("read outbox row: %v", err)
	}
	return status, attempts
}

func TestDrainOnceDelivers(t *testing.T) {
	pool, ctx := newTestPool(t)
	notifier := &captureNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := NewDispatcher(pool, notifier, nil, logger, time.Second)

	id := seedOutbox(t, ctx, pool, "test.dispatcher.delivers")

	n, err := d.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n == 0 {
		t.Fatal("expected at least the seeded row claimed")
	}

	status, attempts := outboxRow(t, ctx, pool, id)
	if status != "processed" || attempts != 1 {
		t.Fatalf("expected processed after one attempt, got %s/%d", status, attempts)
	}

	found := false
	for _, topic := range notifier.delivered() {
		if topic == "test.dispatcher.delivers" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected topic delivered to the notifier")
	}
}

func TestDrainOnceDeadLetters(t *testing.T) {
	pool, ctx := newTestPool(t)
	notifier := &captureNotifier{fail: true}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := NewDispatcher(pool, notifier, nil, logger, time.Second)

	id := seedOutbox(t, ctx, pool, "test.dispatcher.dead")

	for i := 0; i < maxAttempts; i++ {
		if _, err := d.DrainOnce(ctx); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
	}

	status, attempts := outboxRow(t, ctx, pool, id)
	if status != "dead" {
		t.Fatalf("expected dead after %d attempts, got %s", maxAttempts, status)
	}
	if attempts != maxAttempts {
		t.Fatalf("expected %d attempts, got %d", maxAttempts, attempts)
	}

	// Dead rows are never claimed again.
	notifier.fail = false
	if _, err := d.DrainOnce(ctx); err != nil {
		t.Fatalf("drain after dead: %v", err)
	}
	status, attempts = outboxRow(t, ctx, pool, id)
	if status != "dead" || attempts != maxAttempts {
		t.Fatalf("dead row must stay parked, got %s/%d", status, attempts)
	}
}
