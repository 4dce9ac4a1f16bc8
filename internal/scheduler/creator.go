package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"jobd/internal/observability"
	"jobd/internal/store"
	logx "jobd/pkg/logx"
)

// CronDefinition is one recurring job, loaded from configuration at startup
// and immutable afterwards.
type CronDefinition struct {
	Name       string
	Type       string
	Schedule   string
	Config     json.RawMessage
	MaxRetries int
	Enabled    bool
}

type cronEntry struct {
	def   CronDefinition
	sched cron.Schedule

	// lastEval is the in-memory duplicate-fire guard. Lost on restart, which
	// at worst re-fires a slightly late schedule once; never refires within
	// one process lifetime.
	lastEval time.Time
}

// Creator materializes waiting jobs from cron definitions.
type Creator struct {
	store   store.JobStore
	entries []cronEntry

	now     func() time.Time
	newID   func() string
	log     logx.Logger
	metrics *observability.Metrics
}

// NewCreator parses the definitions. A malformed cron expression is fatal for
// that definition only: it is logged and skipped, the rest keep running.
func NewCreator(st store.JobStore, defs []CronDefinition, log logx.Logger, m *observability.Metrics) *Creator {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Creator{
		store:   st,
		now:     time.Now,
		newID:   uuid.NewString,
		log:     log,
		metrics: m,
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	start := c.now()
	for _, d := range defs {
		sched, err := parser.Parse(d.Schedule)
		if err != nil {
			log.Error("invalid cron expression, definition skipped",
				logx.String("name", d.Name),
				logx.String("schedule", d.Schedule),
				logx.Err(err))
			continue
		}
		c.entries = append(c.entries, cronEntry{def: d, sched: sched, lastEval: start})
	}
	return c
}

// Definitions returns how many definitions survived parsing.
func (c *Creator) Definitions() int { return len(c.entries) }

// Tick evaluates every enabled definition once and inserts a waiting job for
// each schedule that became due since its last evaluation. At most one job
// per definition per tick, even when several fire times were missed.
func (c *Creator) Tick(ctx context.Context) (int, error) {
	now := c.now()
	created := 0
	var firstErr error

	for i := range c.entries {
		e := &c.entries[i]
		if !e.def.Enabled {
			continue
		}
		next := e.sched.Next(e.lastEval)
		if next.After(now) {
			continue
		}

		j := &store.Job{
			ID:         c.newID(),
			Name:       e.def.Name,
			Type:       e.def.Type,
			Config:     e.def.Config,
			Status:     store.StatusWaiting,
			MaxRetries: e.def.MaxRetries,
			CreatedAt:  now,
		}
		if err := c.store.Insert(ctx, j); err != nil {
			// Leave lastEval alone: the schedule stays due and the insert is
			// retried on the next tick.
			c.log.Error("job materialization failed",
				logx.String("name", e.def.Name),
				logx.Err(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.lastEval = now
		created++
		if c.metrics != nil {
			c.metrics.Created.Inc()
		}
		c.log.Info("job materialized",
			logx.String("job", j.ID),
			logx.String("name", j.Name),
			logx.String("type", j.Type),
			logx.Time("due", next))
	}
	return created, firstErr
}
