package agentrink

import (
	"context"
	"sync"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// Router resolves task ids to the components bound to them.
// Runtime implementations use it to back Dispatch.
type Router struct {
	mu     sync.RWMutex
	routes map[string]interface{}
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]interface{})}
}

// Handle binds a component to task. Components that implement
// Runnable can be started when the task is won.
func (r *Router) Handle(task string, component interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[task] = component
}

// Dispatch returns the Runnable bound to task.
func (r *Router) Dispatch(_ context.Context, task string) (Runnable, error) {
	r.mu.RLock()
	c, ok := r.routes[task]
	r.mu.RUnlock()
	if !ok || c == nil {
		return nil, errors.Wrap(ErrUnknownRoute, "", j.KV("task", task))
	}
	runnable, ok := c.(Runnable)
	if !ok {
		return nil, errors.Wrap(ErrNotRunnable, "", j.KV("task", task))
	}
	return runnable, nil
}
