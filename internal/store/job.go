package store

import (
	"encoding/json"
	"time"
)

// Status is the job state machine.
//
// waiting -> locked -> success        (terminal)
//                   -> waiting        (failed attempt, retry budget left)
//                   -> failed         (terminal, budget exhausted)
// disabled is an operator-side parking state; never eligible.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusLocked   Status = "locked"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusDisabled Status = "disabled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusLocked, StatusSuccess, StatusFailed, StatusDisabled:
		return true
	}
	return false
}

// Job is one row of the shared jobs table.
//
// Zero time values map to SQL NULL. The three lock fields (Status=locked,
// LockedBy, LockExpiresAt) are always set and cleared together.
type Job struct {
	ID             string          `json:"job_id"`
	Name           string          `json:"name"`
	Type           string          `json:"job_type"`
	Config         json.RawMessage `json:"config,omitempty"`
	Status         Status          `json:"status"`
	MaxRetries     int             `json:"max_retries"`
	CurrentRetries int             `json:"current_retries"`
	LockedBy       string          `json:"locked_by,omitempty"`
	LockedAt       time.Time       `json:"locked_at,omitzero"`
	LockExpiresAt  time.Time       `json:"lock_expires_at,omitzero"`
	LastExecution  time.Time       `json:"last_execution,omitzero"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Eligible reports whether the job may be handed out by a picker:
// waiting, or failed with retry budget left.
func (j *Job) Eligible() bool {
	switch j.Status {
	case StatusWaiting:
		return true
	case StatusFailed:
		return j.CurrentRetries < j.MaxRetries
	}
	return false
}

// Stats is a point-in-time count of rows per status. On hosted backends this
// is a plain scan, not a transactionally consistent snapshot.
type Stats struct {
	Total    int64 `json:"total"`
	Waiting  int64 `json:"waiting"`
	Locked   int64 `json:"locked"`
	Success  int64 `json:"success"`
	Failed   int64 `json:"failed"`
	Disabled int64 `json:"disabled"`
}

func (s *Stats) add(status Status, n int64) {
	s.Total += n
	switch status {
	case StatusWaiting:
		s.Waiting += n
	case StatusLocked:
		s.Locked += n
	case StatusSuccess:
		s.Success += n
	case StatusFailed:
		s.Failed += n
	case StatusDisabled:
		s.Disabled += n
	}
}

// ListFilter narrows List results. Zero value lists everything (capped).
type ListFilter struct {
	Status Status
	Limit  int
}
