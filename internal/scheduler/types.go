package scheduler

import (
	"errors"
	"time"
)

// ErrLockLost reports that a completion write affected zero rows: the lease
// expired and the reaper (or another conditional writer) took the row first.
var ErrLockLost = errors.New("job lock no longer held")

const (
	DefaultLease            = 30 * time.Minute
	DefaultExecutorInterval = 30 * time.Second
	DefaultCreatorInterval  = 60 * time.Second
	DefaultReaperInterval   = 5 * time.Minute

	// defaultCandidates bounds how many eligible rows a pick fetches before
	// trying locks. Under contention most candidates are already taken, so a
	// small batch avoids re-querying per lost race.
	defaultCandidates = 8
)

// Config configures one scheduler instance.
type Config struct {
	// Instance identifies this process in locked_by. Empty gets a generated id.
	Instance string

	Lease            time.Duration
	ExecutorInterval time.Duration
	CreatorInterval  time.Duration
	ReaperInterval   time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Lease <= 0 {
		out.Lease = DefaultLease
	}
	if out.ExecutorInterval <= 0 {
		out.ExecutorInterval = DefaultExecutorInterval
	}
	if out.CreatorInterval <= 0 {
		out.CreatorInterval = DefaultCreatorInterval
	}
	if out.ReaperInterval <= 0 {
		out.ReaperInterval = DefaultReaperInterval
	}
	return out
}

// LoopHealth is one loop's liveness view.
type LoopHealth struct {
	Name     string        `json:"name"`
	LastTick time.Time     `json:"last_tick"`
	Interval time.Duration `json:"interval"`
	Alive    bool          `json:"alive"`
}

// Health aggregates loop liveness. Healthy means every loop ticked within
// three of its intervals.
type Health struct {
	Instance string       `json:"instance"`
	Healthy  bool         `json:"healthy"`
	Loops    []LoopHealth `json:"loops"`
}
