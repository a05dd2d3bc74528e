// Package bridge writes jobs into the shared table polled by the external job runner.
package bridge

import (
	"context"
	"encoding/json"

	"github.com/samber/oops"

	"trade-machine/backend/internal/db"
	"trade-machine/backend/internal/jobs/domain"
)

// PostgresWriter inserts bridged jobs. It never updates a row after insert.
type PostgresWriter struct {
	pool db.DBTX
}

func NewPostgresWriter(pool db.DBTX) *PostgresWriter {
	return &PostgresWriter{pool: pool}
}

// Insert stores job and returns the generated id.
func (w *PostgresWriter) Insert(ctx context.Context, job *domain.BridgedJob) (int64, error) {
	args, err := json.Marshal(job.Args)
	if err != nil {
		return 0, oops.With("operation", "encode bridged job args").With("worker", job.Worker).Wrap(err)
	}
	var id int64
	err = w.pool.QueryRow(ctx,
		`INSERT INTO oban_jobs (state, queue, worker, args, scheduled_at, priority, max_attempts)
		 VALUES ($1::oban_job_state, $2, $3, $4::jsonb, $5, $6, $7)
		 RETURNING id`,
		string(job.State), job.Queue, job.Worker, string(args), job.ScheduledAt.UTC(), job.Priority, job.MaxAttempts,
	).Scan(&id)
	if err != nil {
		return 0, oops.With("operation", "insert bridged job").With("queue", job.Queue).With("worker", job.Worker).Wrap(err)
	}
	return id, nil
}
