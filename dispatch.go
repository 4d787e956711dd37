package agentrink

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"
)

// dispatchAll starts the runnables of won tasks. Failures are logged and
// the first one is returned, none of them give up ownership.
func (s *Scheduler) dispatchAll(ctx context.Context, tasks []string) error {
	var first error
	for _, task := range tasks {
		err := s.dispatch(ctx, task)
		if err == nil {
			continue
		}
		dispatchErrCounter.WithLabelValues(s.options.MetricsLabel).Inc()
		s.options.Log.Error(ctx, err, j.KV("task", task))
		if first == nil {
			first = err
		}
	}
	return first
}

func (s *Scheduler) dispatch(ctx context.Context, task string) error {
	r, err := s.rt.Dispatch(ctx, task)
	if err != nil {
		return &TaskExecutionError{Task: task, Err: err}
	} else if r == nil {
		return &TaskExecutionError{Task: task, Err: ErrNotRunnable}
	}

	// Runnables outlive the call that won them.
	runCtx := log.ContextWith(s.ctx, j.KV("task", task))
	go func() {
		s.options.Log.Debug(runCtx, "running task")
		err := r.Run(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			// NoReturnErr: Ownership is independent of execution.
			dispatchErrCounter.WithLabelValues(s.options.MetricsLabel).Inc()
			s.options.Log.Error(runCtx, errors.Wrap(err, "run task"))
		}
	}()
	return nil
}
