package queue

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/org/accessgate/pkg/models"
)

// PostgresQueue stores jobs in provisioning_jobs. Claims use
// FOR UPDATE SKIP LOCKED; the partial unique index on active pair keys
// rejects a second active job for the same pair.
type PostgresQueue struct {
	pool *pgxpool.Pool
}

func NewPostgresQueue(pool *pgxpool.Pool) *PostgresQueue {
	return &PostgresQueue{pool: pool}
}

const jobColumns = `id, kind, pair_key, payload, status, attempts, max_attempts, run_at, lease_expires_at, locked_by, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var kind, status string
	var payload []byte
	err := row.Scan(&j.ID, &kind, &j.PairKey, &payload, &status, &j.Attempts, &j.MaxAttempts,
		&j.RunAt, &j.LeaseExpiresAt, &j.LockedBy, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = payload
	j.Kind = models.JobKind(kind)
	j.Status = models.JobStatus(status)
	return &j, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (q *PostgresQueue) Enqueue(ctx context.Context, job *models.Job) (bool, error) {
	now := time.Now().UTC()
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	tag, err := q.pool.Exec(ctx,
		`INSERT INTO provisioning_jobs (id, kind, pair_key, payload, status, attempts, max_attempts, run_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7, $7)
		 ON CONFLICT (id) DO NOTHING`,
		job.ID, string(job.Kind), job.PairKey, []byte(job.Payload), job.MaxAttempts, job.RunAt, job.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *PostgresQueue) Claim(ctx context.Context, consumer string, lease time.Duration) (*models.Job, error) {
	now := time.Now().UTC()
	job, err := scanJob(q.pool.QueryRow(ctx,
		`UPDATE provisioning_jobs
		 SET status = 'active', attempts = attempts + 1, locked_by = $1,
		     lease_expires_at = $2, updated_at = $3
		 WHERE id = (
		     SELECT j.id FROM provisioning_jobs j
		     WHERE j.status = 'queued' AND j.run_at <= $3
		       AND (j.pair_key = '' OR NOT EXISTS (
		           SELECT 1 FROM provisioning_jobs a
		           WHERE a.pair_key = j.pair_key AND a.status = 'active'))
		     ORDER BY j.run_at, j.created_at
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED)
		 RETURNING `+jobColumns,
		consumer, now.Add(lease), now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	// Another worker activated a job for the same pair between our
	// subquery and update; treat as nothing ready.
	if isUniqueViolation(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// settle applies a terminal or retry update to a job still active under
// consumer.
func (q *PostgresQueue) settle(ctx context.Context, id string, query string, args ...any) error {
	tag, err := q.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	return ErrLeaseLost
}

func (q *PostgresQueue) Complete(ctx context.Context, id, consumer string) error {
	return q.settle(ctx, id,
		`UPDATE provisioning_jobs
		 SET status = 'completed', locked_by = '', lease_expires_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND locked_by = $2 AND status = 'active'`, id, consumer)
}

func (q *PostgresQueue) Retry(ctx context.Context, id, consumer string, runAt time.Time, lastErr string) error {
	return q.settle(ctx, id,
		`UPDATE provisioning_jobs
		 SET status = 'queued', run_at = $3, last_error = $4, locked_by = '', lease_expires_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND locked_by = $2 AND status = 'active'`, id, consumer, runAt, lastErr)
}

func (q *PostgresQueue) Fail(ctx context.Context, id, consumer, lastErr string) error {
	return q.settle(ctx, id,
		`UPDATE provisioning_jobs
		 SET status = 'failed', last_error = $3, locked_by = '', lease_expires_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND locked_by = $2 AND status = 'active'`, id, consumer, lastErr)
}

func (q *PostgresQueue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := q.pool.Exec(ctx,
		`UPDATE provisioning_jobs
		 SET status = 'queued', run_at = $1, last_error = 'lease expired', locked_by = '',
		     lease_expires_at = NULL, updated_at = $1
		 WHERE status = 'active' AND lease_expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (q *PostgresQueue) CountPending(ctx context.Context) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM provisioning_jobs WHERE status IN ('queued', 'active')`).Scan(&n)
	return n, err
}

func (q *PostgresQueue) Get(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(q.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM provisioning_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}
