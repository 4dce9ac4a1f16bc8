// Package config loads and validates jobd's startup configuration.
//
// The file may be YAML or JSON; YAML is coerced to JSON so one strict decoder
// (DisallowUnknownFields) covers both. Configuration is read once at startup;
// cron definitions are immutable at runtime.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"jobd/internal/scheduler"
	"jobd/internal/store"
	logx "jobd/pkg/logx"
)

// Config is the resolved runtime configuration handed to main.
type Config struct {
	Log        logx.Config
	Store      store.Config
	Scheduler  scheduler.Config
	APIEnabled bool
	APIAddr    string
	APIDebug   bool
	Jobs       []scheduler.CronDefinition
}

// Load reads, parses and resolves the config file at path.
func Load(path string) (*Config, error) {
	f, err := Parse(path)
	if err != nil {
		return nil, err
	}
	return f.Resolve()
}

// Parse reads the raw file schema without resolving defaults.
func Parse(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var f File
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &f, nil
}

// Resolve applies defaults and validates. Validation failures carry the
// config path of the offending field.
func (f *File) Resolve() (*Config, error) {
	cfg := &Config{}

	// log
	cfg.Log.Level = f.Log.Level
	cfg.Log.Console = f.Log.Console == nil || *f.Log.Console
	cfg.Log.File.Enabled = f.Log.File.Enabled
	cfg.Log.File.Path = f.Log.File.Path

	// store
	driver := strings.ToLower(strings.TrimSpace(f.Store.Driver))
	if driver == "" {
		return nil, fmt.Errorf("store.driver is required")
	}
	busy, err := ParseDurationField("store.busy_timeout", f.Store.BusyTimeout)
	if err != nil {
		return nil, err
	}
	cfg.Store = store.Config{
		Driver:         driver,
		Path:           f.Store.Path,
		BusyTimeout:    busy,
		URL:            f.Store.URL,
		RequestsPerSec: f.Store.RequestsPerSec,
		DSN:            f.Store.DSN,
	}

	// scheduler
	cfg.Scheduler.Instance = strings.TrimSpace(f.Scheduler.Instance)
	if cfg.Scheduler.Lease, err = ParseDurationOrDefault("scheduler.lease", f.Scheduler.Lease, scheduler.DefaultLease); err != nil {
		return nil, err
	}
	if cfg.Scheduler.ExecutorInterval, err = ParseDurationOrDefault("scheduler.executor_interval", f.Scheduler.ExecutorInterval, scheduler.DefaultExecutorInterval); err != nil {
		return nil, err
	}
	if cfg.Scheduler.CreatorInterval, err = ParseDurationOrDefault("scheduler.creator_interval", f.Scheduler.CreatorInterval, scheduler.DefaultCreatorInterval); err != nil {
		return nil, err
	}
	if cfg.Scheduler.ReaperInterval, err = ParseDurationOrDefault("scheduler.reaper_interval", f.Scheduler.ReaperInterval, scheduler.DefaultReaperInterval); err != nil {
		return nil, err
	}
	if cfg.Scheduler.Lease < time.Minute {
		return nil, fmt.Errorf("scheduler.lease: must be at least 1m (got %s)", cfg.Scheduler.Lease)
	}

	// api
	cfg.APIEnabled = f.API.Enabled == nil || *f.API.Enabled
	cfg.APIDebug = f.API.Debug
	cfg.APIAddr = strings.TrimSpace(f.API.Addr)
	if cfg.APIAddr == "" {
		cfg.APIAddr = "127.0.0.1:8980"
	}

	// jobs
	seen := map[string]bool{}
	for i, j := range f.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			return nil, fmt.Errorf("%s.name is required", path)
		}
		if seen[name] {
			return nil, fmt.Errorf("%s: duplicate job name %q", path, name)
		}
		seen[name] = true
		if strings.TrimSpace(j.Type) == "" {
			return nil, fmt.Errorf("%s.type is required", path)
		}
		if strings.TrimSpace(j.Schedule) == "" {
			return nil, fmt.Errorf("%s.schedule is required", path)
		}
		if j.MaxRetries < 0 {
			return nil, fmt.Errorf("%s.max_retries must be >= 0", path)
		}
		cfg.Jobs = append(cfg.Jobs, scheduler.CronDefinition{
			Name:       name,
			Type:       strings.TrimSpace(j.Type),
			Schedule:   strings.TrimSpace(j.Schedule),
			Config:     j.Config,
			MaxRetries: j.MaxRetries,
			Enabled:    j.Enabled == nil || *j.Enabled,
		})
	}
	return cfg, nil
}
