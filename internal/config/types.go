package config

import "encoding/json"

// File is the on-disk configuration schema (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "30s", "30m").
type File struct {
	Log       LogConfig       `json:"log"`
	Store     StoreConfig     `json:"store"`
	Scheduler SchedulerConfig `json:"scheduler"`
	API       APIConfig       `json:"api,omitempty"`
	Jobs      []JobConfig     `json:"jobs"`
}

type LogConfig struct {
	Level   string `json:"level,omitempty"`
	Console *bool  `json:"console,omitempty"` // omitted means true
	File    struct {
		Enabled bool   `json:"enabled,omitempty"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

// StoreConfig selects and configures the job store backend.
type StoreConfig struct {
	// Driver: "sqlite", "rqlite", "postgres" or "memory".
	Driver string `json:"driver"`

	// sqlite
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// rqlite (consistency level goes in the URL query string)
	URL            string `json:"url,omitempty"`
	RequestsPerSec int    `json:"requests_per_sec,omitempty"`

	// postgres
	DSN string `json:"dsn,omitempty"`
}

type SchedulerConfig struct {
	// Instance overrides the generated locked_by id. Useful when one host
	// runs several instances and logs need telling apart.
	Instance string `json:"instance,omitempty"`

	Lease            string `json:"lease,omitempty"`
	ExecutorInterval string `json:"executor_interval,omitempty"`
	CreatorInterval  string `json:"creator_interval,omitempty"`
	ReaperInterval   string `json:"reaper_interval,omitempty"`
}

type APIConfig struct {
	// Enabled is a pointer so "omitted" defaults to true while an explicit
	// false still turns the ops server off.
	Enabled *bool  `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"`

	// Debug mounts pprof under /debug/pprof/ on the ops server. Keep the
	// server on a loopback address when this is on.
	Debug bool `json:"debug,omitempty"`
}

// JobConfig is one recurring job definition. Loaded once at startup; there is
// no runtime reload.
type JobConfig struct {
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Schedule   string          `json:"schedule"`
	Config     json.RawMessage `json:"config,omitempty"`
	MaxRetries int             `json:"max_retries,omitempty"`
	Enabled    *bool           `json:"enabled,omitempty"` // omitted means true
}
