package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"postqueue/pkg/logx"
)

// Handler is a unit of queued work.
//
// Execute receives the raw payload from the message envelope and decodes it
// itself; the returned value (if any) is JSON-marshaled into the result
// backend.
type Handler interface {
	// Name is the queue-wide identifier ("posts.publish"). Beat entries and
	// envelopes refer to handlers by this name.
	Name() string

	Execute(ctx context.Context, payload json.RawMessage) (any, error)
}

// Func adapts a plain function to Handler.
type Func struct {
	TaskName string
	Run      func(ctx context.Context, payload json.RawMessage) (any, error)
}

func (f Func) Name() string { return f.TaskName }

func (f Func) Execute(ctx context.Context, payload json.RawMessage) (any, error) {
	if f.Run == nil {
		return nil, fmt.Errorf("task %s has no run function", f.TaskName)
	}
	return f.Run(ctx, payload)
}

// Registry maps task names to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      logx.Logger
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{handlers: map[string]Handler{}, log: log}
}

// Register adds handlers to the registry. A duplicate name replaces the
// previous handler with a warning, so bootstrap order wins deliberately.
func (r *Registry) Register(hs ...Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range hs {
		if h == nil {
			continue
		}
		name := h.Name()
		if name == "" {
			r.log.Warn("skipping handler with empty name")
			continue
		}
		if _, exists := r.handlers[name]; exists {
			r.log.Warn("task handler replaced", logx.String("task", name))
		}
		r.handlers[name] = h
	}
}

// Get returns the handler for name.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task %q not registered", name)
	}
	return h, nil
}

// Names returns registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
