package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tendant/simple-evaluator/pkg/schema"
)

// TaskFunc executes one job. args is the job's input: either its own
// arguments or its predecessor's result.
type TaskFunc func(ctx context.Context, tc *TaskContext, args schema.Payload) (schema.Payload, error)

type TaskOption func(*registered)

// WithTimeout bounds a task's wall-clock time. Exceeding it fails the job.
func WithTimeout(d time.Duration) TaskOption {
	return func(r *registered) { r.timeout = d }
}

type registered struct {
	fn      TaskFunc
	timeout time.Duration
}

// Registry maps task names to their implementations.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]registered
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]registered)}
}

func (r *Registry) Register(name string, fn TaskFunc, opts ...TaskOption) {
	reg := registered{fn: fn}
	for _, opt := range opts {
		opt(&reg)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = reg
}

func (r *Registry) lookup(name string) (registered, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tasks[name]
	if !ok {
		return registered{}, Permanent(fmt.Sprintf("unknown task %q", name))
	}
	return reg, nil
}

// Names lists the registered tasks in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
