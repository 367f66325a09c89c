// Package archive copies terminal job records into Postgres so results
// and failure history outlive the store's record TTL. Archival is best
// effort; the queue's state machine never depends on it.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/riptideq/riptide/riptide/job"
)

const schema = `
CREATE TABLE IF NOT EXISTS archived_jobs (
	job_id           text PRIMARY KEY,
	job_type         text NOT NULL,
	priority         integer NOT NULL,
	status           text NOT NULL,
	parameters       jsonb,
	result           jsonb,
	error_message    text,
	retry_count      integer NOT NULL DEFAULT 0,
	max_retries      integer NOT NULL DEFAULT 0,
	user_id          text,
	created_at       timestamptz NOT NULL,
	started_at       timestamptz,
	completed_at     timestamptz,
	archived_at      timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS archived_jobs_user_idx ON archived_jobs (user_id, created_at DESC);
`

type Archiver struct {
	db *sql.DB
}

func New(db *sql.DB) *Archiver {
	return &Archiver{db: db}
}

func Open(dsn string) (*Archiver, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping archive database: %w", err)
	}
	return New(db), nil
}

// Init creates the archive table. Idempotent.
func (a *Archiver) Init(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, schema)
	return err
}

func (a *Archiver) Archive(ctx context.Context, j *job.Job) error {
	if !j.Status.Terminal() {
		return fmt.Errorf("refusing to archive non-terminal job %s (%s)", j.ID, j.Status)
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO archived_jobs
			(job_id, job_type, priority, status, parameters, result, error_message,
			 retry_count, max_retries, user_id, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (job_id) DO NOTHING`,
		j.ID, j.Type, int(j.Priority), string(j.Status),
		nullableJSON(j.Parameters), nullableJSON(j.Result), nullableString(j.ErrorMessage),
		j.RetryCount, j.MaxRetries, nullableString(j.UserID),
		j.CreatedAt, nullableTime(j.StartedAt), nullableTime(j.CompletedAt),
	)
	return err
}

func (a *Archiver) Get(ctx context.Context, jobID string) (*job.Job, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT job_id, job_type, priority, status, parameters, result, error_message,
		       retry_count, max_retries, user_id, created_at, started_at, completed_at
		FROM archived_jobs WHERE job_id = $1`, jobID)

	var (
		j          job.Job
		priority   int
		status     string
		params     sql.NullString
		result     sql.NullString
		errMsg     sql.NullString
		userID     sql.NullString
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := row.Scan(&j.ID, &j.Type, &priority, &status, &params, &result, &errMsg,
		&j.RetryCount, &j.MaxRetries, &userID, &j.CreatedAt, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	j.Priority = job.Priority(priority)
	j.Status = job.Status(status)
	if params.Valid {
		j.Parameters = []byte(params.String)
	}
	if result.Valid {
		j.Result = []byte(result.String)
	}
	j.ErrorMessage = errMsg.String
	j.UserID = userID.String
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func (a *Archiver) Close() error {
	return a.db.Close()
}

// nullableJSON passes the payload as text; lib/pq would encode a []byte
// argument in bytea hex form, which the server cannot cast to jsonb.
func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
