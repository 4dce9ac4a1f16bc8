package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore is a dependency-free backend with the same conditional-update
// semantics as the real ones. Used for development and in scheduler tests.
type memoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func newMemory() *memoryStore {
	return &memoryStore{jobs: map[string]*Job{}}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) Insert(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *memoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memoryStore) NextEligible(_ context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Job
	for _, j := range s.jobs {
		if j.Eligible() {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		a, b := &out[i], &out[k]
		if (a.Status == StatusWaiting) != (b.Status == StatusWaiting) {
			return a.Status == StatusWaiting
		}
		if a.CurrentRetries != b.CurrentRetries {
			return a.CurrentRetries < b.CurrentRetries
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) TryLock(_ context.Context, id, instance string, now time.Time, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || !j.Eligible() {
		return false, nil
	}
	j.Status = StatusLocked
	j.LockedBy = instance
	j.LockedAt = now
	j.LockExpiresAt = now.Add(lease)
	return true, nil
}

func (s *memoryStore) Finish(_ context.Context, id, instance string, to Status, incRetry bool, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != StatusLocked || j.LockedBy != instance {
		return false, nil
	}
	if incRetry {
		j.CurrentRetries++
	}
	j.Status = to
	j.LockedBy = ""
	j.LockedAt = time.Time{}
	j.LockExpiresAt = time.Time{}
	j.LastExecution = now
	return true, nil
}

func (s *memoryStore) ReleaseExpired(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released []string
	for _, j := range s.jobs {
		if j.Status != StatusLocked || j.LockExpiresAt.IsZero() || !j.LockExpiresAt.Before(now) {
			continue
		}
		if j.CurrentRetries < j.MaxRetries {
			j.Status = StatusWaiting
		} else {
			j.Status = StatusFailed
		}
		j.LockedBy = ""
		j.LockedAt = time.Time{}
		j.LockExpiresAt = time.Time{}
		released = append(released, j.ID)
	}
	sort.Strings(released)
	return released, nil
}

func (s *memoryStore) SetEnabled(_ context.Context, id string, enabled bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	if enabled {
		if j.Status != StatusDisabled {
			return false, nil
		}
		j.Status = StatusWaiting
		return true, nil
	}
	switch j.Status {
	case StatusWaiting, StatusFailed, StatusSuccess:
		j.Status = StatusDisabled
		return true, nil
	}
	return false, nil
}

func (s *memoryStore) List(_ context.Context, f ListFilter) ([]Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Job
	for _, j := range s.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool {
		a, b := &out[i], &out[k]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, j := range s.jobs {
		st.add(j.Status, 1)
	}
	return st, nil
}
