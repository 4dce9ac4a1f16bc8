package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "jobd/pkg/logx"
)

// postgresStore is the hosted-SQL backend. It uses the exact same
// conditional-update protocol as the others; the pool may hold many
// connections because every mutation is a single self-guarding statement.
type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    job_id          TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    job_type        TEXT NOT NULL,
    config          TEXT NOT NULL DEFAULT '{}',
    status          TEXT NOT NULL DEFAULT 'waiting',
    max_retries     INTEGER NOT NULL DEFAULT 0,
    current_retries INTEGER NOT NULL DEFAULT 0,
    locked_by       TEXT,
    locked_at       BIGINT,
    lock_expires_at BIGINT,
    last_execution  BIGINT,
    created_at      BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_pick ON jobs(status, current_retries, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(lock_expires_at) WHERE status = 'locked';
`

func openPostgres(cfg Config, log logx.Logger) (JobStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres parse dsn: %w", err)
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *postgresStore) Insert(ctx context.Context, j *Job) error {
	cfg := string(j.Config)
	if strings.TrimSpace(cfg) == "" {
		cfg = "{}"
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs(`+jobColumns+`)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		j.ID, j.Name, j.Type, cfg, string(j.Status), j.MaxRetries, j.CurrentRetries,
		nullStr(j.LockedBy), nullMilli(j.LockedAt), nullMilli(j.LockExpiresAt),
		nullMilli(j.LastExecution), j.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *postgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *postgresStore) NextEligible(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE `+eligiblePredicate+`
		 ORDER BY CASE status WHEN 'waiting' THEN 0 ELSE 1 END, current_retries ASC, created_at ASC, job_id ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return out, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *postgresStore) TryLock(ctx context.Context, id, instance string, now time.Time, lease time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = 'locked', locked_by = $1, locked_at = $2, lock_expires_at = $3
		 WHERE job_id = $4 AND `+eligiblePredicate,
		instance, now.UnixMilli(), now.Add(lease).UnixMilli(), id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) Finish(ctx context.Context, id, instance string, to Status, incRetry bool, now time.Time) (bool, error) {
	inc := 0
	if incRetry {
		inc = 1
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = $1, current_retries = current_retries + $2,
		     locked_by = NULL, locked_at = NULL, lock_expires_at = NULL,
		     last_execution = $3
		 WHERE job_id = $4 AND status = 'locked' AND locked_by = $5`,
		string(to), inc, now.UnixMilli(), id, instance)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) ReleaseExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs
		 SET status = CASE WHEN current_retries < max_retries THEN 'waiting' ELSE 'failed' END,
		     locked_by = NULL, locked_at = NULL, lock_expires_at = NULL
		 WHERE status = 'locked' AND lock_expires_at IS NOT NULL AND lock_expires_at < $1
		 RETURNING job_id`,
		now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var released []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return released, err
		}
		released = append(released, id)
	}
	return released, rows.Err()
}

func (s *postgresStore) SetEnabled(ctx context.Context, id string, enabled bool) (bool, error) {
	var query string
	if enabled {
		query = `UPDATE jobs SET status = 'waiting' WHERE job_id = $1 AND status = 'disabled'`
	} else {
		query = `UPDATE jobs SET status = 'disabled' WHERE job_id = $1 AND status IN ('waiting','failed','success')`
	}
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) List(ctx context.Context, f ListFilter) ([]Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var (
		rows pgx.Rows
		err  error
	)
	if f.Status != "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at DESC, job_id LIMIT $2`,
			string(f.Status), limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, job_id LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return out, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *postgresStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		st.add(Status(status), n)
	}
	return st, rows.Err()
}
