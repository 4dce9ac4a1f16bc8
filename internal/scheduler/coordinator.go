package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jobd/internal/handler"
	"jobd/internal/observability"
	"jobd/internal/runtime/supervisor"
	"jobd/internal/store"
	logx "jobd/pkg/logx"
)

const (
	loopExecutor = iota
	loopCreator
	loopReaper
	loopCount
)

type loopState struct {
	name     string
	interval time.Duration
	lastTick atomic.Int64 // unix nano of last completed tick
}

// Coordinator owns the three loops of one scheduler instance. Loops are
// independent: an error in one is logged and retried on its own next tick,
// never propagated to the others.
type Coordinator struct {
	cfg      Config
	picker   *Picker
	creator  *Creator
	registry *handler.Registry

	log     logx.Logger
	metrics *observability.Metrics

	loops [loopCount]*loopState

	mu  sync.Mutex
	sup *supervisor.Supervisor
}

func NewCoordinator(cfg Config, st store.JobStore, defs []CronDefinition, reg *handler.Registry, log logx.Logger, m *observability.Metrics) *Coordinator {
	cfg = cfg.withDefaults()
	if cfg.Instance == "" {
		cfg.Instance = "jobd-" + uuid.NewString()[:8]
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("instance", cfg.Instance))

	c := &Coordinator{
		cfg:      cfg,
		picker:   NewPicker(st, cfg.Instance, cfg.Lease, log, m),
		creator:  NewCreator(st, defs, log, m),
		registry: reg,
		log:      log,
		metrics:  m,
	}
	c.loops[loopExecutor] = &loopState{name: "executor", interval: cfg.ExecutorInterval}
	c.loops[loopCreator] = &loopState{name: "creator", interval: cfg.CreatorInterval}
	c.loops[loopReaper] = &loopState{name: "reaper", interval: cfg.ReaperInterval}
	return c
}

// Instance returns the id written into locked_by.
func (c *Coordinator) Instance() string { return c.cfg.Instance }

// Picker exposes the pick/complete/release protocol (used by the ops API).
func (c *Coordinator) Picker() *Picker { return c.picker }

// Start launches the three loops. Idempotent: calling Start on a running
// coordinator is a no-op.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sup != nil {
		return
	}

	now := time.Now()
	for _, l := range c.loops {
		l.lastTick.Store(now.UnixNano())
	}

	sup := supervisor.NewSupervisor(ctx, supervisor.WithLogger(c.log))
	sup.GoRestart("executor", c.executorLoop)
	sup.GoRestart("creator", c.creatorLoop)
	sup.GoRestart("reaper", c.reaperLoop)
	c.sup = sup

	c.log.Info("scheduler started",
		logx.Duration("lease", c.cfg.Lease),
		logx.Duration("executor_interval", c.cfg.ExecutorInterval),
		logx.Duration("creator_interval", c.cfg.CreatorInterval),
		logx.Duration("reaper_interval", c.cfg.ReaperInterval),
		logx.Int("cron_definitions", c.creator.Definitions()))
}

// Stop signals every loop and waits for all of them to join. An in-flight
// payload execution is allowed to finish; loops only observe the stop signal
// at tick boundaries.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	sup := c.sup
	c.sup = nil
	c.mu.Unlock()
	if sup == nil {
		return nil
	}

	start := time.Now()
	err := sup.Stop(ctx)
	c.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)), logx.Err(err))
	return err
}

// Health reports per-loop liveness. A loop is alive while its last completed
// tick is within three intervals.
func (c *Coordinator) Health() Health {
	now := time.Now()
	h := Health{Instance: c.cfg.Instance, Healthy: true}
	c.mu.Lock()
	running := c.sup != nil
	c.mu.Unlock()

	for _, l := range c.loops {
		last := time.Unix(0, l.lastTick.Load())
		alive := running && now.Sub(last) < 3*l.interval
		if !alive {
			h.Healthy = false
		}
		h.Loops = append(h.Loops, LoopHealth{
			Name:     l.name,
			LastTick: last,
			Interval: l.interval,
			Alive:    alive,
		})
	}
	return h
}

func (c *Coordinator) noteTick(idx int) {
	l := c.loops[idx]
	now := time.Now()
	l.lastTick.Store(now.UnixNano())
	if c.metrics != nil {
		c.metrics.LoopLastTick.WithLabelValues(l.name).Set(float64(now.Unix()))
	}
}

// ---- executor ----

func (c *Coordinator) executorLoop(ctx context.Context) error {
	t := time.NewTicker(c.cfg.ExecutorInterval)
	defer t.Stop()
	for {
		c.executorTick(ctx)
		c.noteTick(loopExecutor)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// executorTick drains the queue: it keeps picking until no eligible job
// remains (or the store errors), running exactly one payload per pick.
func (c *Coordinator) executorTick(ctx context.Context) {
	for ctx.Err() == nil {
		j, err := c.picker.GetNextJob(ctx)
		if err != nil {
			// Store unavailable. Nothing was mutated; retry next tick.
			c.log.Warn("pick failed", logx.Err(err))
			return
		}
		if j == nil {
			return
		}
		c.runJob(ctx, j)
	}
}

func (c *Coordinator) runJob(ctx context.Context, j *store.Job) {
	h, err := c.registry.Resolve(j.Type)
	if err != nil {
		// An unroutable job burns a retry like any other failure, so a type
		// nobody handles eventually parks as failed instead of cycling.
		c.completeJob(ctx, j, false, nil, err)
		return
	}

	start := time.Now()
	result, execErr := runPayload(ctx, h, j.Config)
	if c.metrics != nil {
		c.metrics.ExecDuration.WithLabelValues(j.Type).Observe(time.Since(start).Seconds())
	}
	c.completeJob(ctx, j, execErr == nil, result, execErr)
}

func (c *Coordinator) completeJob(ctx context.Context, j *store.Job, success bool, result json.RawMessage, execErr error) {
	if err := c.picker.CompleteJob(ctx, j, success, result, execErr); err != nil && err != ErrLockLost {
		c.log.Error("completion write failed", logx.String("job", j.ID), logx.Err(err))
	}
}

// runPayload invokes a handler with panic isolation: a panicking payload is a
// failed attempt, not a dead executor loop.
func runPayload(ctx context.Context, h handler.Handler, cfg json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("payload panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return h.Execute(ctx, cfg)
}

// ---- creator ----

func (c *Coordinator) creatorLoop(ctx context.Context) error {
	t := time.NewTicker(c.cfg.CreatorInterval)
	defer t.Stop()
	for {
		if _, err := c.creator.Tick(ctx); err != nil {
			c.log.Warn("creator tick incomplete", logx.Err(err))
		}
		c.noteTick(loopCreator)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// ---- reaper ----

func (c *Coordinator) reaperLoop(ctx context.Context) error {
	t := time.NewTicker(c.cfg.ReaperInterval)
	defer t.Stop()
	for {
		if _, err := c.picker.ReleaseExpiredLocks(ctx); err != nil {
			c.log.Warn("reaper tick failed", logx.Err(err))
		}
		// Refresh the per-status gauges on the slow loop.
		if _, err := c.picker.Statistics(ctx); err != nil {
			c.log.Debug("statistics scan failed", logx.Err(err))
		}
		c.noteTick(loopReaper)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
