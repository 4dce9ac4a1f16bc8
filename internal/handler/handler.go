// Package handler is the payload dispatch contract between the scheduler and
// the code that actually performs work.
//
// Handlers are registered per job type before the scheduler starts. A handler
// must tolerate being invoked more than once for the same logical job: a
// crashed holder's lease expires and the job is reclaimed, so at-most-one
// concurrent holder is guaranteed, exactly-once execution is not.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler runs one job payload. The config blob is the job row's opaque
// config; the returned value is reported to the completion path but not
// persisted. A nil error means success.
type Handler interface {
	Execute(ctx context.Context, config json.RawMessage) (json.RawMessage, error)
}

// Func adapts a plain function to Handler.
type Func func(ctx context.Context, config json.RawMessage) (json.RawMessage, error)

func (f Func) Execute(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
	return f(ctx, config)
}

// Registry maps job types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds a handler to a job type. Re-registering a type replaces the
// previous handler.
func (r *Registry) Register(jobType string, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	r.mu.Lock()
	r.handlers[jobType] = h
	r.mu.Unlock()
}

// Resolve returns the handler for a job type.
func (r *Registry) Resolve(jobType string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[jobType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for job type %q", jobType)
	}
	return h, nil
}

// Types lists the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
