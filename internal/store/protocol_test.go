package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "jobd/pkg/logx"
)

// forEachStore runs a subtest against every locally-runnable backend.
func forEachStore(t *testing.T, fn func(t *testing.T, st JobStore)) {
	t.Helper()
	backends := map[string]func(t *testing.T) JobStore{
		"memory": func(t *testing.T) JobStore {
			return newMemory()
		},
		"sqlite": func(t *testing.T) JobStore {
			st, err := openSQLite(Config{
				Path:        filepath.Join(t.TempDir(), "jobs.db"),
				BusyTimeout: 2 * time.Second,
			}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func mustInsert(t *testing.T, st JobStore, j Job) Job {
	t.Helper()
	if j.Status == "" {
		j.Status = StatusWaiting
	}
	if j.Config == nil {
		j.Config = []byte(`{}`)
	}
	if err := st.Insert(context.Background(), &j); err != nil {
		t.Fatalf("insert %s: %v", j.ID, err)
	}
	return j
}

func mustGet(t *testing.T, st JobStore, id string) *Job {
	t.Helper()
	j, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return j
}

func TestGetUnknownJob(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st JobStore) {
		if _, err := st.Get(context.Background(), "nope"); err != ErrNotFound {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestInsertRoundTrip(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st JobStore) {
		created := time.UnixMilli(1700000000000)
		mustInsert(t, st, Job{
			ID:         "j1",
			Name:       "nightly",
			Type:       "fetch",
			Config:     []byte(`{"limit":5}`),
			MaxRetries: 3,
			CreatedAt:  created,
		})

		j := mustGet(t, st, "j1")
		if j.Name != "nightly" || j.Type != "fetch" {
			t.Fatalf("unexpected row: %+v", j)
		}
		if j.Status != StatusWaiting {
			t.Fatalf("status = %s, want waiting", j.Status)
		}
		if string(j.Config) != `{"limit":5}` {
			t.Fatalf("config = %s", j.Config)
		}
		if !j.CreatedAt.Equal(created) {
			t.Fatalf("created_at = %v, want %v", j.CreatedAt, created)
		}
		if !j.LockedAt.IsZero() || !j.LockExpiresAt.IsZero() || j.LockedBy != "" {
			t.Fatalf("lock fields should be clear: %+v", j)
		}
	})
}

func TestPickOrderPrefersWaitingThenFIFO(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st JobStore) {
		base := time.UnixMilli(1700000000000)
		// Oldest row is failed-with-budget; it must still lose to any waiting row.
		mustInsert(t, st, Job{ID: "failed-old", Type: "t", Status: StatusFailed, CurrentRetries: 1, MaxRetries: 3, CreatedAt: base})
		mustInsert(t, st, Job{ID: "wait-b", Type: "t", CreatedAt: base.Add(2 * time.Minute)})
		mustInsert(t, st, Job{ID: "wait-a", Type: "t", CreatedAt: base.Add(1 * time.Minute)})

		got, err := st.NextEligible(context.Background(), 10)
		if err != nil {
			t.Fatalf("NextEligible: %v", err)
		}
		want := []string{"wait-a", "wait-b", "failed-old"}
		if len(got) != len(want) {
			t.Fatalf("got %d candidates, want %d", len(got), len(want))
		}
		for i, id := range want {
			if got[i].ID != id {
				t.Fatalf("candidate[%d] = %s, want %s", i, got[i].ID, id)
			}
		}
	})
}

func TestPickOrderRetriedYieldsToFresh(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st JobStore) {
		base := time.UnixMilli(1700000000000)
		// Older job already burned a retry; the fresh one goes first even
		// though it is younger.
		mustInsert(t, st, Job{ID: "retried", Type: "t", CurrentRetries: 1, MaxRetries: 2, CreatedAt: base})
		mustInsert(t, st, Job{ID: "fresh", Type: "t", MaxRetries: 0, CreatedAt: base.Add(time.Minute)})

		got, err := st.NextEligible(context.Background(), 10)
		if err != nil {
			t.Fatalf("NextEligible: %v", err)
		}
		if len(got) != 2 || got[0].ID != "fresh" || got[1].ID != "retried" {
			t.Fatalf("unexpected order: %+v", got)
		}
	})
}

func TestExhaustedFailedNeverEligible(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st JobStore) {
		mustInsert(t, st, Job{ID: "done", Type: "t", Status: StatusFailed, CurrentRetries: 2, MaxRetries: 2, CreatedAt: time.UnixMilli(1)})
		mustInsert(t, st, Job{ID: "parked", Type: "t", Status: StatusDisabled, CreatedAt: time.UnixMilli(2)})

		got, err := st.NextEligible(context.Background(), 10)
		if err != nil {
			t.Fatalf("NextEligible: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected no candidates, got %+v", got)
		}

		won, err := st.TryLock(context.Background(), "done", "inst", time.Now(), time.Minute)
		if err != nil || won {
			t.Fatalf("TryLock on exhausted job: won=%v err=%v", won, err)
		}
	})
}

func TestTryLockSetsLeaseAtomically(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st JobStore) {
		mustInsert(t, st, Job{ID: "j1", Type: "t", CreatedAt: time.UnixMilli(1)})

		now := time.UnixMilli(1700000000000)
		won, err := st.TryLock(context.Background(), "j1", "inst-a", now, 30*time.Minute)
		if err != nil || !won {
			t.Fatalf("first TryLock: won=%v err=%v", won, err)
		}

		j := mustGet(t, st, "j1")
		if j.Status != StatusLocked || j.LockedBy != "inst-a" {
			t.Fatalf("lock fields not set: %+v", j)
		}
		if !j.LockExpiresAt.Equal(now.Add(30 * time.Minute)) {
			t.Fatalf("lock_expires_at = %v", j.LockExpiresAt)
		}

		// A second caller loses without error.
		won, err = st.TryLock(context.Background(), "j1", "inst-b", now, 30*time.Minute)
		if err != nil {
			t.Fatalf("second TryLock err: %v", err)
		}
		if won {
			t.Fatal("two holders locked the same row")
		}
	})
}

func TestTryLockMutualExclusion(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st JobStore) {
		mustInsert(t, st, Job{ID: "contended", Type: "t", CreatedAt: time.UnixMilli(1)})

		const instances = 16
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins []string
		)
		for i := 0; i < instances; i++ {
			inst := "inst-" + string(rune('a'+i))
			wg.Add(1)
			go func() {
				defer wg.Done()
				won, err := st.TryLock(context.Background(), "contended", inst, time.Now(), time.Minute)
				if err != nil {
					t.Errorf("TryLock(%s): %v", inst, err)
					return
				}
				if won {
					mu.Lock()
					wins = append(wins, inst)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(wins) != 1 {
			t.Fatalf("winners = %v, want exactly one", wins)
		}
		j := mustGet(t, st, "contended")
		if j.LockedBy != wins[0] {
			t.Fatalf("locked_by = %s, winner = %s", j.LockedBy, wins[0])
		}
	})
}

func TestFinishSuccessClearsLock(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st JobStore) {
		mustInsert(t, st, Job{ID: "j1", Type: "t", MaxRetries: 2, CreatedAt: time.UnixMilli(1)})
		now := time.UnixMilli(1700000000000)
		if won, err := st.TryLock(context.Background(), "j1", "inst", now, time.Minute); err != nil || !won {
			t.Fatalf("TryLock: won=%v err=%v", won, err)
		}

		done := now.Add(10 * time.Second)
		ok, err := st.Finish(context.Background(), "j1", "inst", StatusSuccess, false, done)
		if err != nil || !ok {
			t.Fatalf("Finish: ok=%v err=%v", ok, err)
		}

		j := mustGet(t, st, "j1")
		if j.Status != StatusSuccess || j.LockedBy != "" || !j.LockExpiresAt.IsZero() {
			t.Fatalf("terminal row wrong: %+v", j)
		}
		if !j.LastExecution.Equal(done) {
			t.Fatalf("last_execution = %v, want %v", j.LastExecution, done)
		}
		if j.CurrentRetries != 0 {
			t.Fatalf("current_retries = %d, want 0", j.CurrentRetries)
		}
	})
}

func TestFinishRequiresHolder(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st JobStore) {
		mustInsert(t, st, Job{ID: "j1", Type: "t", CreatedAt: time.UnixMilli(1)})
		now := time.Now()
		if won, err := st.TryLock(context.Background(), "j1", "inst-a", now, time.Minute); err != nil || !won {
			t.Fatalf("TryLock: won=%v err=%v", won, err)
		}

		// A different instance cannot finish the row.
		ok, err := st.Finish(context.Background(), "j1", "inst-b", StatusSuccess, false, now)
		if err != nil {
			t.Fatalf("Finish err: %v", err)
		}
		if ok {
			t.Fatal("non-holder finished the job")
		}
		if j := mustGet(t, st, "j1"); j.Status != StatusLocked {
			t.Fatalf("status = %s, want locked", j.Status)
		}
	})
}

func TestReleaseExpired(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st JobStore) {
		now := time.UnixMilli(1700000000000)
		lease := 30 * time.Minute

		mustInsert(t, st, Job{ID: "budget", Type: "t", MaxRetries: 2, CreatedAt: time.UnixMilli(1)})
		mustInsert(t, st, Job{ID: "spent", Type: "t", MaxRetries: 0, CreatedAt: time.UnixMilli(2)})
		mustInsert(t, st, Job{ID: "alive", Type: "t", MaxRetries: 0, CreatedAt: time.UnixMilli(3)})
		for _, id := range []string{"budget", "spent"} {
			if won, err := st.TryLock(context.Background(), id, "dead-inst", now, lease); err != nil || !won {
				t.Fatalf("TryLock(%s): won=%v err=%v", id, won, err)
			}
		}
		// "alive" is locked later; its lease has not expired at check time.
		if won, err := st.TryLock(context.Background(), "alive", "live-inst", now.Add(lease), lease); err != nil || !won {
			t.Fatalf("TryLock(alive): won=%v err=%v", won, err)
		}

		// Exactly at expiry nothing is released (strictly-before comparison).
		released, err := st.ReleaseExpired(context.Background(), now.Add(lease))
		if err != nil {
			t.Fatalf("ReleaseExpired: %v", err)
		}
		if len(released) != 0 {
			t.Fatalf("released at T+L: %v, want none", released)
		}

		released, err = st.ReleaseExpired(context.Background(), now.Add(lease+time.Millisecond))
		if err != nil {
			t.Fatalf("ReleaseExpired: %v", err)
		}
		if len(released) != 2 {
			t.Fatalf("released = %v, want budget+spent", released)
		}

		if j := mustGet(t, st, "budget"); j.Status != StatusWaiting || j.LockedBy != "" {
			t.Fatalf("budget row: %+v", j)
		}
		if j := mustGet(t, st, "spent"); j.Status != StatusFailed {
			t.Fatalf("spent row: %+v", j)
		}
		if j := mustGet(t, st, "alive"); j.Status != StatusLocked || j.LockedBy != "live-inst" {
			t.Fatalf("alive row: %+v", j)
		}

		// Idempotent: a second pass with no state change is a no-op.
		released, err = st.ReleaseExpired(context.Background(), now.Add(lease+time.Millisecond))
		if err != nil {
			t.Fatalf("ReleaseExpired: %v", err)
		}
		if len(released) != 0 {
			t.Fatalf("second release = %v, want none", released)
		}
	})
}

func TestFinishAfterReapLosesLock(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st JobStore) {
		now := time.UnixMilli(1700000000000)
		mustInsert(t, st, Job{ID: "j1", Type: "t", MaxRetries: 1, CreatedAt: time.UnixMilli(1)})
		if won, err := st.TryLock(context.Background(), "j1", "slow-inst", now, time.Minute); err != nil || !won {
			t.Fatalf("TryLock: won=%v err=%v", won, err)
		}

		if _, err := st.ReleaseExpired(context.Background(), now.Add(2*time.Minute)); err != nil {
			t.Fatalf("ReleaseExpired: %v", err)
		}

		// The stalled holder comes back; its completion must not land.
		ok, err := st.Finish(context.Background(), "j1", "slow-inst", StatusSuccess, false, now.Add(3*time.Minute))
		if err != nil {
			t.Fatalf("Finish err: %v", err)
		}
		if ok {
			t.Fatal("finish landed after the lock was reaped")
		}
		if j := mustGet(t, st, "j1"); j.Status != StatusWaiting {
			t.Fatalf("status = %s, want waiting", j.Status)
		}
	})
}

func TestSetEnabled(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st JobStore) {
		mustInsert(t, st, Job{ID: "j1", Type: "t", CreatedAt: time.UnixMilli(1)})

		changed, err := st.SetEnabled(context.Background(), "j1", false)
		if err != nil || !changed {
			t.Fatalf("disable: changed=%v err=%v", changed, err)
		}
		if j := mustGet(t, st, "j1"); j.Status != StatusDisabled {
			t.Fatalf("status = %s, want disabled", j.Status)
		}

		// Disabled rows are not pickable.
		if won, err := st.TryLock(context.Background(), "j1", "inst", time.Now(), time.Minute); err != nil || won {
			t.Fatalf("TryLock on disabled: won=%v err=%v", won, err)
		}

		changed, err = st.SetEnabled(context.Background(), "j1", true)
		if err != nil || !changed {
			t.Fatalf("enable: changed=%v err=%v", changed, err)
		}
		if j := mustGet(t, st, "j1"); j.Status != StatusWaiting {
			t.Fatalf("status = %s, want waiting", j.Status)
		}

		// Toggling a locked row is refused.
		if won, err := st.TryLock(context.Background(), "j1", "inst", time.Now(), time.Minute); err != nil || !won {
			t.Fatalf("TryLock: won=%v err=%v", won, err)
		}
		changed, err = st.SetEnabled(context.Background(), "j1", false)
		if err != nil {
			t.Fatalf("disable locked err: %v", err)
		}
		if changed {
			t.Fatal("disabled a locked row")
		}
	})
}

func TestStatsCountsByStatus(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st JobStore) {
		mustInsert(t, st, Job{ID: "w1", Type: "t", CreatedAt: time.UnixMilli(1)})
		mustInsert(t, st, Job{ID: "w2", Type: "t", CreatedAt: time.UnixMilli(2)})
		mustInsert(t, st, Job{ID: "s1", Type: "t", Status: StatusSuccess, CreatedAt: time.UnixMilli(3)})
		mustInsert(t, st, Job{ID: "f1", Type: "t", Status: StatusFailed, CreatedAt: time.UnixMilli(4)})
		mustInsert(t, st, Job{ID: "d1", Type: "t", Status: StatusDisabled, CreatedAt: time.UnixMilli(5)})
		mustInsert(t, st, Job{ID: "l1", Type: "t", CreatedAt: time.UnixMilli(6)})
		if won, err := st.TryLock(context.Background(), "l1", "inst", time.Now(), time.Minute); err != nil || !won {
			t.Fatalf("TryLock: won=%v err=%v", won, err)
		}

		got, err := st.Stats(context.Background())
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		want := Stats{Total: 6, Waiting: 2, Locked: 1, Success: 1, Failed: 1, Disabled: 1}
		if got != want {
			t.Fatalf("stats = %+v, want %+v", got, want)
		}
	})
}

func TestListNewestFirstWithFilter(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, st JobStore) {
		base := time.UnixMilli(1700000000000)
		mustInsert(t, st, Job{ID: "a", Type: "t", CreatedAt: base})
		mustInsert(t, st, Job{ID: "b", Type: "t", CreatedAt: base.Add(time.Minute)})
		mustInsert(t, st, Job{ID: "c", Type: "t", Status: StatusFailed, CreatedAt: base.Add(2 * time.Minute)})

		all, err := st.List(context.Background(), ListFilter{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(all) != 3 || all[0].ID != "c" || all[1].ID != "b" || all[2].ID != "a" {
			t.Fatalf("unexpected order: %+v", all)
		}

		waiting, err := st.List(context.Background(), ListFilter{Status: StatusWaiting, Limit: 1})
		if err != nil {
			t.Fatalf("List filtered: %v", err)
		}
		if len(waiting) != 1 || waiting[0].ID != "b" {
			t.Fatalf("filtered list: %+v", waiting)
		}
	})
}
