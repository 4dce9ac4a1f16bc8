package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "jobd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore is the embedded single-process backend.
//
// The driver serializes writes (MaxOpenConns=1), so a single conditional
// UPDATE is equivalent to a BEGIN IMMEDIATE select-then-update: a losing
// concurrent lock attempt simply affects zero rows.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (JobStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const jobColumns = `job_id, name, job_type, config, status, max_retries, current_retries,
	locked_by, locked_at, lock_expires_at, last_execution, created_at`

func (s *sqliteStore) Insert(ctx context.Context, j *Job) error {
	cfg := string(j.Config)
	if strings.TrimSpace(cfg) == "" {
		cfg = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(`+jobColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Name, j.Type, cfg, string(j.Status), j.MaxRetries, j.CurrentRetries,
		nullStr(j.LockedBy), nullMilli(j.LockedAt), nullMilli(j.LockExpiresAt),
		nullMilli(j.LastExecution), j.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// eligiblePredicate is the shared pick guard: waiting rows, or failed rows
// that still have retry budget.
const eligiblePredicate = `(status = 'waiting' OR (status = 'failed' AND current_retries < max_retries))`

func (s *sqliteStore) NextEligible(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE `+eligiblePredicate+`
		 ORDER BY CASE status WHEN 'waiting' THEN 0 ELSE 1 END, current_retries ASC, created_at ASC, job_id ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *sqliteStore) TryLock(ctx context.Context, id, instance string, now time.Time, lease time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'locked', locked_by = ?, locked_at = ?, lock_expires_at = ?
		 WHERE job_id = ? AND `+eligiblePredicate,
		instance, now.UnixMilli(), now.Add(lease).UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) Finish(ctx context.Context, id, instance string, to Status, incRetry bool, now time.Time) (bool, error) {
	inc := 0
	if incRetry {
		inc = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = ?, current_retries = current_retries + ?,
		     locked_by = NULL, locked_at = NULL, lock_expires_at = NULL,
		     last_execution = ?
		 WHERE job_id = ? AND status = 'locked' AND locked_by = ?`,
		string(to), inc, now.UnixMilli(), id, instance)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) ReleaseExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE jobs
		 SET status = CASE WHEN current_retries < max_retries THEN 'waiting' ELSE 'failed' END,
		     locked_by = NULL, locked_at = NULL, lock_expires_at = NULL
		 WHERE status = 'locked' AND lock_expires_at IS NOT NULL AND lock_expires_at < ?
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

func (s *sqliteStore) SetEnabled(ctx context.Context, id string, enabled bool) (bool, error) {
	var res sql.Result
	var err error
	if enabled {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = 'waiting' WHERE job_id = ? AND status = 'disabled'`, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = 'disabled' WHERE job_id = ? AND status IN ('waiting','failed','success')`, id)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) List(ctx context.Context, f ListFilter) ([]Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if f.Status != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at DESC, job_id LIMIT ?`,
			string(f.Status), limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, job_id LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
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

// ---- row helpers (shared with the postgres backend) ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		j         Job
		status    string
		cfg       string
		lockedBy  sql.NullString
		lockedAt  sql.NullInt64
		expiresAt sql.NullInt64
		lastExec  sql.NullInt64
		createdAt int64
	)
	err := r.Scan(&j.ID, &j.Name, &j.Type, &cfg, &status, &j.MaxRetries, &j.CurrentRetries,
		&lockedBy, &lockedAt, &expiresAt, &lastExec, &createdAt)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	j.Config = []byte(cfg)
	j.LockedBy = lockedBy.String
	j.LockedAt = milliTime(lockedAt)
	j.LockExpiresAt = milliTime(expiresAt)
	j.LastExecution = milliTime(lastExec)
	j.CreatedAt = time.UnixMilli(createdAt)
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
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

func milliTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

func nullMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
