package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"jobd/internal/observability"
	"jobd/internal/store"
	logx "jobd/pkg/logx"
)

// Picker implements the atomic pick-and-lock protocol plus the completion and
// lease-release writes. It never branches on what kind of store it talks to;
// the conditional-update contract is the whole interface.
type Picker struct {
	store      store.JobStore
	instance   string
	lease      time.Duration
	candidates int

	now     func() time.Time
	log     logx.Logger
	metrics *observability.Metrics
}

func NewPicker(st store.JobStore, instance string, lease time.Duration, log logx.Logger, m *observability.Metrics) *Picker {
	if lease <= 0 {
		lease = DefaultLease
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Picker{
		store:      st,
		instance:   instance,
		lease:      lease,
		candidates: defaultCandidates,
		now:        time.Now,
		log:        log,
		metrics:    m,
	}
}

// GetNextJob selects the next eligible job and atomically locks it for this
// instance. Returns (nil, nil) when no eligible job exists or every candidate
// was taken by a faster instance; a lost race is not an error.
func (p *Picker) GetNextJob(ctx context.Context) (*store.Job, error) {
	candidates, err := p.store.NextEligible(ctx, p.candidates)
	if err != nil {
		return nil, fmt.Errorf("select eligible: %w", err)
	}

	for i := range candidates {
		c := &candidates[i]
		now := p.now()
		won, err := p.store.TryLock(ctx, c.ID, p.instance, now, p.lease)
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", c.ID, err)
		}
		if !won {
			// Zero rows affected: another instance got there first, or the
			// row stopped being eligible. Move on to the next candidate.
			if p.metrics != nil {
				p.metrics.LostRaces.Inc()
			}
			p.log.Debug("lost lock race", logx.String("job", c.ID))
			continue
		}
		if p.metrics != nil {
			p.metrics.Picks.Inc()
		}
		locked := *c
		locked.Status = store.StatusLocked
		locked.LockedBy = p.instance
		locked.LockedAt = now
		locked.LockExpiresAt = now.Add(p.lease)
		p.log.Debug("job locked",
			logx.String("job", locked.ID),
			logx.String("type", locked.Type),
			logx.Time("lease_until", locked.LockExpiresAt))
		return &locked, nil
	}
	return nil, nil
}

// CompleteJob writes the terminal transition for a lock this instance holds.
//
// Success clears the lock and marks success. Failure either requeues the job
// (retry budget left, current_retries bumped) or marks it failed for good.
// The payload's result value is reported for logging only; execution results
// are not persisted. ErrLockLost means the lease expired and the row was
// reclaimed before the outcome landed; the attempt's result is discarded.
func (p *Picker) CompleteJob(ctx context.Context, j *store.Job, success bool, payload json.RawMessage, execErr error) error {
	now := p.now()

	var (
		to       store.Status
		incRetry bool
		result   string
	)
	switch {
	case success:
		to, result = store.StatusSuccess, "success"
	case j.CurrentRetries < j.MaxRetries:
		to, incRetry, result = store.StatusWaiting, true, "retry"
	default:
		to, result = store.StatusFailed, "failed"
	}

	ok, err := p.store.Finish(ctx, j.ID, p.instance, to, incRetry, now)
	if err != nil {
		return fmt.Errorf("finish %s: %w", j.ID, err)
	}
	if !ok {
		p.log.Warn("completion lost its lock",
			logx.String("job", j.ID),
			logx.Bool("success", success))
		return ErrLockLost
	}

	if p.metrics != nil {
		p.metrics.Completions.WithLabelValues(result).Inc()
	}
	switch result {
	case "success":
		p.log.Info("job succeeded",
			logx.String("job", j.ID),
			logx.String("type", j.Type),
			logx.Int("result_bytes", len(payload)))
	case "retry":
		p.log.Warn("job failed, requeued",
			logx.String("job", j.ID),
			logx.Int("retry", j.CurrentRetries+1),
			logx.Int("max_retries", j.MaxRetries),
			logx.Err(execErr))
	default:
		p.log.Error("job failed permanently",
			logx.String("job", j.ID),
			logx.Int("retries_used", j.CurrentRetries),
			logx.Err(execErr))
	}
	return nil
}

// ReleaseExpiredLocks reclaims every lock whose lease ended. Requeued or
// failed per remaining retry budget, mirroring the failure branch of
// CompleteJob. Safe to run concurrently with pickers and completers: the
// store only touches rows still locked with an expired lease.
func (p *Picker) ReleaseExpiredLocks(ctx context.Context) ([]string, error) {
	released, err := p.store.ReleaseExpired(ctx, p.now())
	if err != nil {
		return nil, fmt.Errorf("release expired: %w", err)
	}
	if len(released) > 0 {
		if p.metrics != nil {
			p.metrics.Reaped.Add(float64(len(released)))
		}
		p.log.Warn("released expired locks", logx.Int("count", len(released)), logx.Any("jobs", released))
	}
	return released, nil
}

// Statistics returns per-status row counts. On hosted backends this is a
// point-in-time scan, not a consistent snapshot.
func (p *Picker) Statistics(ctx context.Context) (store.Stats, error) {
	st, err := p.store.Stats(ctx)
	if err != nil {
		return store.Stats{}, err
	}
	if p.metrics != nil {
		g := p.metrics.JobsByStatus
		g.WithLabelValues(string(store.StatusWaiting)).Set(float64(st.Waiting))
		g.WithLabelValues(string(store.StatusLocked)).Set(float64(st.Locked))
		g.WithLabelValues(string(store.StatusSuccess)).Set(float64(st.Success))
		g.WithLabelValues(string(store.StatusFailed)).Set(float64(st.Failed))
		g.WithLabelValues(string(store.StatusDisabled)).Set(float64(st.Disabled))
	}
	return st, nil
}
