// Package chaos injects infrastructure failures into a running stress test.
package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills, with probability 1 in 5 every two seconds,
// one random non-self backend on the target database. Actors must survive
// the resulting connection errors.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) != 0 {
				continue
			}
			// Errors are expected: the victim may be our own pool's conn.
			_, _ = pool.Exec(ctx, `
				SELECT pg_terminate_backend(pid)
				FROM pg_stat_activity
				WHERE datname = current_database()
				  AND pid <> pg_backend_pid()
				ORDER BY random()
				LIMIT 1`)
		}
	}
}
