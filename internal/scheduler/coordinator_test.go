package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"jobd/internal/handler"
	"jobd/internal/store"
	logx "jobd/pkg/logx"
)

func shortConfig(instance string) Config {
	return Config{
		Instance:         instance,
		Lease:            time.Minute,
		ExecutorInterval: 20 * time.Millisecond,
		CreatorInterval:  time.Hour, // creator idle unless a test needs it
		ReaperInterval:   20 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestCoordinatorExecutesJobs(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	insertWaiting(t, st, "j1", 0, time.UnixMilli(1))
	insertWaiting(t, st, "j2", 0, time.UnixMilli(2))

	var ran atomic.Int64
	reg := handler.NewRegistry()
	reg.Register("test", handler.Func(func(ctx context.Context, cfg json.RawMessage) (json.RawMessage, error) {
		ran.Add(1)
		return nil, nil
	}))

	c := NewCoordinator(shortConfig("inst-a"), st, nil, reg, logx.Nop(), nil)
	c.Start(context.Background())
	defer c.Stop(context.Background())

	waitFor(t, 3*time.Second, func() bool { return ran.Load() == 2 })

	for _, id := range []string{"j1", "j2"} {
		j, err := st.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get %s: %v", id, err)
		}
		if j.Status != store.StatusSuccess {
			t.Fatalf("%s status = %s, want success", id, j.Status)
		}
	}
}

func TestCoordinatorRetriesFailingJob(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	insertWaiting(t, st, "j1", 2, time.UnixMilli(1))

	var attempts atomic.Int64
	reg := handler.NewRegistry()
	reg.Register("test", handler.Func(func(ctx context.Context, cfg json.RawMessage) (json.RawMessage, error) {
		attempts.Add(1)
		return nil, errors.New("always fails")
	}))

	c := NewCoordinator(shortConfig("inst-a"), st, nil, reg, logx.Nop(), nil)
	c.Start(context.Background())
	defer c.Stop(context.Background())

	// First attempt plus two retries, then parked.
	waitFor(t, 3*time.Second, func() bool {
		j, err := st.Get(context.Background(), "j1")
		return err == nil && j.Status == store.StatusFailed
	})
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestCoordinatorParksUnroutableType(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	insertWaiting(t, st, "orphan", 1, time.UnixMilli(1))

	c := NewCoordinator(shortConfig("inst-a"), st, nil, handler.NewRegistry(), logx.Nop(), nil)
	c.Start(context.Background())
	defer c.Stop(context.Background())

	waitFor(t, 3*time.Second, func() bool {
		j, err := st.Get(context.Background(), "orphan")
		return err == nil && j.Status == store.StatusFailed
	})
}

func TestCoordinatorSurvivesPanickingHandler(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	insertWaiting(t, st, "bomb", 0, time.UnixMilli(1))
	insertWaiting(t, st, "after", 0, time.UnixMilli(2))

	var ran atomic.Int64
	reg := handler.NewRegistry()
	reg.Register("test", handler.Func(func(ctx context.Context, cfg json.RawMessage) (json.RawMessage, error) {
		if ran.Add(1) == 1 {
			panic("payload bug")
		}
		return nil, nil
	}))

	c := NewCoordinator(shortConfig("inst-a"), st, nil, reg, logx.Nop(), nil)
	c.Start(context.Background())
	defer c.Stop(context.Background())

	waitFor(t, 3*time.Second, func() bool {
		bomb, err1 := st.Get(context.Background(), "bomb")
		after, err2 := st.Get(context.Background(), "after")
		return err1 == nil && err2 == nil &&
			bomb.Status == store.StatusFailed && after.Status == store.StatusSuccess
	})
}

func TestCoordinatorCreatorLoop(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	var ran atomic.Int64
	reg := handler.NewRegistry()
	reg.Register("test", handler.Func(func(ctx context.Context, cfg json.RawMessage) (json.RawMessage, error) {
		ran.Add(1)
		return nil, nil
	}))

	cfg := shortConfig("inst-a")
	cfg.CreatorInterval = 20 * time.Millisecond
	defs := []CronDefinition{{
		Name:     "steady",
		Type:     "test",
		Schedule: "* * * * *",
		Enabled:  true,
	}}
	c := NewCoordinator(cfg, st, defs, reg, logx.Nop(), nil)

	// Backdate the duplicate-fire guard so the schedule is already due.
	for i := range c.creator.entries {
		c.creator.entries[i].lastEval = time.Now().Add(-2 * time.Minute)
	}

	c.Start(context.Background())
	defer c.Stop(context.Background())

	waitFor(t, 3*time.Second, func() bool { return ran.Load() >= 1 })
}

func TestCoordinatorHealth(t *testing.T) {
	t.Parallel()
	c := NewCoordinator(shortConfig(""), newTestStore(t), nil, handler.NewRegistry(), logx.Nop(), nil)

	if c.Instance() == "" {
		t.Fatal("empty instance id not generated")
	}
	if h := c.Health(); h.Healthy {
		t.Fatal("stopped coordinator reports healthy")
	}

	c.Start(context.Background())
	waitFor(t, 3*time.Second, func() bool { return c.Health().Healthy })

	h := c.Health()
	if len(h.Loops) != 3 {
		t.Fatalf("loops = %+v", h.Loops)
	}
	for _, l := range h.Loops {
		if !l.Alive {
			t.Fatalf("loop %s not alive: %+v", l.Name, l)
		}
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h := c.Health(); h.Healthy {
		t.Fatal("stopped coordinator reports healthy")
	}
}

func TestCoordinatorStopIsIdempotent(t *testing.T) {
	t.Parallel()
	c := NewCoordinator(shortConfig("inst-a"), newTestStore(t), nil, handler.NewRegistry(), logx.Nop(), nil)
	c.Start(context.Background())
	c.Start(context.Background()) // no-op on a running coordinator

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestTwoCoordinatorsShareOneStore(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	const jobs = 20
	for i := 0; i < jobs; i++ {
		insertWaiting(t, st, "job-"+string(rune('a'+i)), 0, time.UnixMilli(int64(i+1)))
	}

	var ran atomic.Int64
	reg := handler.NewRegistry()
	reg.Register("test", handler.Func(func(ctx context.Context, cfg json.RawMessage) (json.RawMessage, error) {
		ran.Add(1)
		return nil, nil
	}))

	a := NewCoordinator(shortConfig("inst-a"), st, nil, reg, logx.Nop(), nil)
	b := NewCoordinator(shortConfig("inst-b"), st, nil, reg, logx.Nop(), nil)
	a.Start(context.Background())
	b.Start(context.Background())
	defer a.Stop(context.Background())
	defer b.Stop(context.Background())

	// Every job runs exactly once across the two instances.
	waitFor(t, 5*time.Second, func() bool { return ran.Load() == jobs })
	time.Sleep(100 * time.Millisecond)
	if got := ran.Load(); got != jobs {
		t.Fatalf("executions = %d, want %d", got, jobs)
	}

	stats, err := st.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Success != jobs {
		t.Fatalf("stats = %+v", stats)
	}
}
