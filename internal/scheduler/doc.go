// Package scheduler implements the cooperative job scheduling core.
//
// Any number of scheduler instances (separate processes included) may run
// against one shared job store. They coordinate only through the store's
// conditional updates: a lock attempt that affects zero rows lost the race
// and is not an error. Three loops per instance:
//
//   - executor: pick next eligible job, run its payload, write the outcome
//   - creator:  materialize new jobs from cron definitions when due
//   - reaper:   release locks whose lease expired (crashed/stalled holders)
//
// Lock ownership and lease expiry live entirely in the store, so an instance
// restart loses nothing correctness-relevant.
package scheduler
