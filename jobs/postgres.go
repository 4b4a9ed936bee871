package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const PostgresSchema = `
CREATE TABLE IF NOT EXISTS wf_jobs (
	id UUID PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	symbols TEXT[] NOT NULL,
	timeframe TEXT NOT NULL,
	start_time TIMESTAMPTZ,
	end_time TIMESTAMPTZ,
	parameters JSONB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed')),
	message TEXT NOT NULL DEFAULT '',
	created TIMESTAMPTZ NOT NULL,
	updated TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_wf_jobs_pending ON wf_jobs(created) WHERE status = 'pending';
`

const jobColumns = `id, strategy_id, symbols, timeframe, start_time, end_time, parameters, status, message, created, updated`

// PostgresQueue shares jobs between processes. Claim locks the oldest
// pending row with SKIP LOCKED so concurrent workers never take the same
// job.
type PostgresQueue struct {
	db      *sqlx.DB
	timeout time.Duration
	Now     func() time.Time
}

func NewPostgresQueue(db *sqlx.DB, timeout time.Duration) *PostgresQueue {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PostgresQueue{db: db, timeout: timeout, Now: time.Now}
}

func (q *PostgresQueue) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	_, err := q.db.ExecContext(ctx, PostgresSchema)
	return err
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func (q *PostgresQueue) Submit(ctx context.Context, j Job) (Job, error) {
	now := time.Now
	if q.Now != nil {
		now = q.Now
	}
	j, err := prepare(j, now().UTC())
	if err != nil {
		return Job{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO wf_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		j.ID, j.StrategyID, pq.Array(j.Symbols), j.Timeframe, nullTime(j.Start), nullTime(j.End),
		j.Parameters, string(j.Status), j.Message, j.Created, j.Updated)
	if err != nil {
		return Job{}, fmt.Errorf("failed to insert job: %w", err)
	}
	return j, nil
}

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var (
		j          Job
		status     string
		start, end sql.NullTime
	)
	err := row.Scan(&j.ID, &j.StrategyID, pq.Array(&j.Symbols), &j.Timeframe, &start, &end,
		&j.Parameters, &status, &j.Message, &j.Created, &j.Updated)
	if err != nil {
		return Job{}, err
	}
	j.Status = Status(status)
	j.Start = start.Time
	j.End = end.Time
	return j, nil
}

func (q *PostgresQueue) Claim(ctx context.Context) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	j, err := scanJob(q.db.QueryRowxContext(ctx, `
		UPDATE wf_jobs SET status = 'running', updated = now()
		WHERE id = (
			SELECT id FROM wf_jobs
			WHERE status = 'pending'
			ORDER BY created
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return &j, nil
}

func (q *PostgresQueue) finish(ctx context.Context, id, message string, to Status) error {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	res, err := q.db.ExecContext(ctx, `
		UPDATE wf_jobs SET status = $2, message = $3, updated = now()
		WHERE id = $1 AND status = 'running'`, id, string(to), message)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s -> %s: %w", id, to, ErrInvalidTransition)
	}
	return nil
}

func (q *PostgresQueue) Complete(ctx context.Context, id, message string) error {
	return q.finish(ctx, id, message, StatusCompleted)
}

func (q *PostgresQueue) Fail(ctx context.Context, id, message string) error {
	return q.finish(ctx, id, message, StatusFailed)
}

func (q *PostgresQueue) Get(ctx context.Context, id string) (Job, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	j, err := scanJob(q.db.QueryRowxContext(ctx, `SELECT `+jobColumns+` FROM wf_jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Job{}, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}
