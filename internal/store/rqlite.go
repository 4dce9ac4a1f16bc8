package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rqlite/gorqlite"
	"golang.org/x/time/rate"

	logx "jobd/pkg/logx"
)

// rqliteStore talks to a hosted rqlite cluster over its HTTP API.
//
// There are no cross-statement transactions here: every mutation is a single
// conditional statement, and the reported rows-affected count is the race
// signal. Consistency level (none/weak/strong) is chosen via the connection
// URL query string.
type rqliteStore struct {
	conn    *gorqlite.Connection
	limiter *rate.Limiter
	log     logx.Logger
}

func openRqlite(cfg Config, log logx.Logger) (JobStore, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("rqlite url is required")
	}
	conn, err := gorqlite.Open(url)
	if err != nil {
		return nil, fmt.Errorf("rqlite open: %w", err)
	}

	st := &rqliteStore{conn: conn, log: log}
	if cfg.RequestsPerSec > 0 {
		st.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.RequestsPerSec)
	}

	if err := st.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rqlite migrate: %w", err)
	}
	return st, nil
}

func (s *rqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.write(ctx, stmt, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *rqliteStore) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	s.conn.Close()
	return nil
}

// throttle keeps a chatty loop from hammering the hosted endpoint.
func (s *rqliteStore) throttle(ctx context.Context) error {
	if s.limiter == nil {
		return ctx.Err()
	}
	return s.limiter.Wait(ctx)
}

func (s *rqliteStore) write(ctx context.Context, query string, args []interface{}) (int64, error) {
	if err := s.throttle(ctx); err != nil {
		return 0, err
	}
	wr, err := s.conn.WriteOneParameterized(gorqlite.ParameterizedStatement{
		Query:     query,
		Arguments: args,
	})
	if err != nil {
		return 0, err
	}
	if wr.Err != nil {
		return 0, wr.Err
	}
	return wr.RowsAffected, nil
}

func (s *rqliteStore) query(ctx context.Context, query string, args []interface{}) (gorqlite.QueryResult, error) {
	if err := s.throttle(ctx); err != nil {
		return gorqlite.QueryResult{}, err
	}
	qr, err := s.conn.QueryOneParameterized(gorqlite.ParameterizedStatement{
		Query:     query,
		Arguments: args,
	})
	if err != nil {
		return qr, err
	}
	if qr.Err != nil {
		return qr, qr.Err
	}
	return qr, nil
}

func (s *rqliteStore) Insert(ctx context.Context, j *Job) error {
	cfg := string(j.Config)
	if strings.TrimSpace(cfg) == "" {
		cfg = "{}"
	}
	_, err := s.write(ctx,
		`INSERT INTO jobs(`+jobColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		[]interface{}{
			j.ID, j.Name, j.Type, cfg, string(j.Status), j.MaxRetries, j.CurrentRetries,
			nullStr(j.LockedBy), nullMilli(j.LockedAt), nullMilli(j.LockExpiresAt),
			nullMilli(j.LastExecution), j.CreatedAt.UnixMilli(),
		})
	return err
}

func (s *rqliteStore) Get(ctx context.Context, id string) (*Job, error) {
	qr, err := s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, []interface{}{id})
	if err != nil {
		return nil, err
	}
	if !qr.Next() {
		return nil, ErrNotFound
	}
	m, err := qr.Map()
	if err != nil {
		return nil, err
	}
	return jobFromMap(m)
}

func (s *rqliteStore) NextEligible(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 1
	}
	qr, err := s.query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE `+eligiblePredicate+`
		 ORDER BY CASE status WHEN 'waiting' THEN 0 ELSE 1 END, current_retries ASC, created_at ASC, job_id ASC
		 LIMIT ?`, []interface{}{limit})
	if err != nil {
		return nil, err
	}
	var out []Job
	for qr.Next() {
		m, err := qr.Map()
		if err != nil {
			return out, err
		}
		j, err := jobFromMap(m)
		if err != nil {
			return out, err
		}
		out = append(out, *j)
	}
	return out, nil
}

func (s *rqliteStore) TryLock(ctx context.Context, id, instance string, now time.Time, lease time.Duration) (bool, error) {
	n, err := s.write(ctx,
		`UPDATE jobs
		 SET status = 'locked', locked_by = ?, locked_at = ?, lock_expires_at = ?
		 WHERE job_id = ? AND `+eligiblePredicate,
		[]interface{}{instance, now.UnixMilli(), now.Add(lease).UnixMilli(), id})
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *rqliteStore) Finish(ctx context.Context, id, instance string, to Status, incRetry bool, now time.Time) (bool, error) {
	inc := 0
	if incRetry {
		inc = 1
	}
	n, err := s.write(ctx,
		`UPDATE jobs
		 SET status = ?, current_retries = current_retries + ?,
		     locked_by = NULL, locked_at = NULL, lock_expires_at = NULL,
		     last_execution = ?
		 WHERE job_id = ? AND status = 'locked' AND locked_by = ?`,
		[]interface{}{string(to), inc, now.UnixMilli(), id, instance})
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseExpired scans for expired leases, then clears each with its own
// conditional update. A holder that finishes the job between the scan and the
// per-row update simply wins the row; the zero-affected update is skipped.
func (s *rqliteStore) ReleaseExpired(ctx context.Context, now time.Time) ([]string, error) {
	qr, err := s.query(ctx,
		`SELECT job_id, current_retries, max_retries FROM jobs
		 WHERE status = 'locked' AND lock_expires_at IS NOT NULL AND lock_expires_at < ?
		 ORDER BY job_id`, []interface{}{now.UnixMilli()})
	if err != nil {
		return nil, err
	}

	type expired struct {
		id      string
		requeue bool
	}
	var candidates []expired
	for qr.Next() {
		m, err := qr.Map()
		if err != nil {
			return nil, err
		}
		id, _ := m["job_id"].(string)
		cur := asInt64(m["current_retries"])
		max := asInt64(m["max_retries"])
		candidates = append(candidates, expired{id: id, requeue: cur < max})
	}

	var released []string
	for _, c := range candidates {
		next := StatusFailed
		if c.requeue {
			next = StatusWaiting
		}
		n, err := s.write(ctx,
			`UPDATE jobs
			 SET status = ?, locked_by = NULL, locked_at = NULL, lock_expires_at = NULL
			 WHERE job_id = ? AND status = 'locked' AND lock_expires_at < ?`,
			[]interface{}{string(next), c.id, now.UnixMilli()})
		if err != nil {
			return released, err
		}
		if n == 1 {
			released = append(released, c.id)
		}
	}
	return released, nil
}

func (s *rqliteStore) SetEnabled(ctx context.Context, id string, enabled bool) (bool, error) {
	var (
		n   int64
		err error
	)
	if enabled {
		n, err = s.write(ctx,
			`UPDATE jobs SET status = 'waiting' WHERE job_id = ? AND status = 'disabled'`,
			[]interface{}{id})
	} else {
		n, err = s.write(ctx,
			`UPDATE jobs SET status = 'disabled' WHERE job_id = ? AND status IN ('waiting','failed','success')`,
			[]interface{}{id})
	}
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *rqliteStore) List(ctx context.Context, f ListFilter) ([]Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var (
		qr  gorqlite.QueryResult
		err error
	)
	if f.Status != "" {
		qr, err = s.query(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at DESC, job_id LIMIT ?`,
			[]interface{}{string(f.Status), limit})
	} else {
		qr, err = s.query(ctx,
			`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, job_id LIMIT ?`,
			[]interface{}{limit})
	}
	if err != nil {
		return nil, err
	}
	var out []Job
	for qr.Next() {
		m, err := qr.Map()
		if err != nil {
			return out, err
		}
		j, err := jobFromMap(m)
		if err != nil {
			return out, err
		}
		out = append(out, *j)
	}
	return out, nil
}

func (s *rqliteStore) Stats(ctx context.Context) (Stats, error) {
	qr, err := s.query(ctx, `SELECT status, COUNT(*) AS n FROM jobs GROUP BY status`, nil)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for qr.Next() {
		m, err := qr.Map()
		if err != nil {
			return st, err
		}
		status, _ := m["status"].(string)
		st.add(Status(status), asInt64(m["n"]))
	}
	return st, nil
}

// ---- map row decoding ----

func jobFromMap(m map[string]interface{}) (*Job, error) {
	j := &Job{}
	var ok bool
	if j.ID, ok = m["job_id"].(string); !ok {
		return nil, fmt.Errorf("rqlite row missing job_id: %v", m)
	}
	j.Name, _ = m["name"].(string)
	j.Type, _ = m["job_type"].(string)
	if cfg, ok := m["config"].(string); ok {
		j.Config = []byte(cfg)
	}
	status, _ := m["status"].(string)
	j.Status = Status(status)
	j.MaxRetries = int(asInt64(m["max_retries"]))
	j.CurrentRetries = int(asInt64(m["current_retries"]))
	j.LockedBy, _ = m["locked_by"].(string)
	j.LockedAt = asMilliTime(m["locked_at"])
	j.LockExpiresAt = asMilliTime(m["lock_expires_at"])
	j.LastExecution = asMilliTime(m["last_execution"])
	j.CreatedAt = asMilliTime(m["created_at"])
	return j, nil
}

// asInt64 tolerates the numeric shapes the JSON API can hand back.
func asInt64(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	default:
		return 0
	}
}

func asMilliTime(v interface{}) time.Time {
	ms := asInt64(v)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
