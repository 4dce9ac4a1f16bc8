package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "jobd/pkg/logx"
)

var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job not found")
)

// Config configures the job store.
//
// Driver values:
//   - "sqlite": embedded single-writer database file
//   - "rqlite": hosted rqlite cluster reached over HTTP
//   - "postgres": hosted PostgreSQL via pgx
//   - "memory": in-process backend (dev / tests)
type Config struct {
	Driver string

	// sqlite
	Path        string
	BusyTimeout time.Duration // 0 means default

	// rqlite
	URL            string
	RequestsPerSec int // HTTP request throttle; 0 means unlimited

	// postgres
	DSN string
}

// JobStore is the persistence API shared by all scheduler instances.
//
// Mutations are conditional updates: they only take effect when the row still
// matches the guarding predicate at write time, and report whether they won.
// That affected-row signal is the only concurrency-control primitive required
// of a backend; no backend needs cross-statement transactions.
type JobStore interface {
	// Insert adds a new job row. The caller supplies ID and CreatedAt.
	Insert(ctx context.Context, j *Job) error

	// Get returns a single job, ErrNotFound if absent.
	Get(ctx context.Context, id string) (*Job, error)

	// NextEligible returns up to limit candidate jobs in pick order:
	// waiting before failed-with-budget, fewer retries used first (so a
	// requeued job yields to fresh work), then oldest created_at, with
	// job id as the stable tie-break.
	NextEligible(ctx context.Context, limit int) ([]Job, error)

	// TryLock attempts the atomic waiting->locked transition. It returns
	// false (and no error) when another instance won the row or the row is
	// no longer eligible.
	TryLock(ctx context.Context, id, instance string, now time.Time, lease time.Duration) (bool, error)

	// Finish moves a held lock to a terminal-or-requeued state. Guarded by
	// status=locked and locked_by=instance so a reaped lock cannot be
	// finished by its former holder. incRetry bumps current_retries.
	Finish(ctx context.Context, id, instance string, to Status, incRetry bool, now time.Time) (bool, error)

	// ReleaseExpired clears every lock whose lease ended before now,
	// requeueing rows with retry budget and failing the rest. Returns the
	// ids it released; calling it again with no state change is a no-op.
	ReleaseExpired(ctx context.Context, now time.Time) ([]string, error)

	// SetEnabled parks a job as disabled (false) or returns it to waiting
	// (true). Locked rows are left alone; returns whether a row changed.
	SetEnabled(ctx context.Context, id string, enabled bool) (bool, error)

	// List returns jobs newest-first, optionally filtered by status.
	List(ctx context.Context, f ListFilter) ([]Job, error)

	// Stats counts rows per status.
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (JobStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "rqlite":
		return openRqlite(cfg, log)
	case "postgres", "pg":
		return openPostgres(cfg, log)
	case "memory":
		return newMemory(), nil
	case "":
		return nil, errors.New("store.driver is required")
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
