package agentrink

import (
	"context"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// loop owns the local state. It serves requests from public calls and
// reacts to ownership changes and departures.
func (s *Scheduler) loop(ctx context.Context) error {
	s.options.Log.Debug(ctx, "started scheduler loop")
	defer s.options.Log.Debug(ctx, "stopped scheduler loop")

	defer close(s.done)
	defer leaderGauge.WithLabelValues(s.options.MetricsLabel).Set(0)

	changes := s.reg.Changes()
	joins := s.mem.Joins()
	leaves := s.mem.Leaves()

	for {
		select {
		case req := <-s.reqs:
			req.Fn()
			close(req.Done)

		case task, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.handleChange(ctx, task)

		case client, ok := <-joins:
			if !ok {
				joins = nil
				continue
			}
			s.options.Log.Debug(ctx, "client joined", j.KV("member", client))

		case client, ok := <-leaves:
			if !ok {
				leaves = nil
				continue
			}
			s.handleLeave(ctx, client)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleChange keeps leadership derived from the register and re-claims
// vacated tasks this client wants. Every capable client does the same,
// the register's order picks the winner.
func (s *Scheduler) handleChange(ctx context.Context, task string) {
	owner := s.reg.Read(task)
	me := s.rt.SelfID()

	if task == s.options.LeaderTask {
		s.setLeader(ctx, owner.Is(me))
	} else if owner.State == Assigned && !owner.Is(me) && s.intents.isCapable(task) {
		taskGauge.WithLabelValues(s.options.MetricsLabel, task).Set(0)
	}

	if owner.State != Unassigned || !s.intents.isCapable(task) {
		return
	}
	if !s.rt.IsConnected() {
		return
	}
	s.reclaim(ctx, task)
}

// reclaim claims a vacated task in the background, after the stagger
// delay for this client's position if one is configured.
func (s *Scheduler) reclaim(ctx context.Context, task string) {
	var delay time.Duration
	if s.options.ReclaimStagger > 0 {
		pos := reclaimPosition(task, s.mem.Members(), s.rt.SelfID())
		delay = time.Duration(pos) * s.options.ReclaimStagger
	}
	s.options.Log.Debug(ctx, "reclaiming task", j.MKV{"task": task, "delay": delay})

	s.eg.Go(func() error {
		select {
		case <-after(delay):
		case <-ctx.Done():
			return nil
		}

		// The task may have been claimed or released while we waited.
		var (
			owner  Owner
			vacant bool
		)
		err := s.exec(ctx, func() {
			owner = s.reg.Read(task)
			vacant = owner.State == Unassigned && s.intents.isCapable(task)
		})
		if err != nil || !vacant {
			return nil
		}
		err = s.claim(ctx, map[string]Owner{task: owner})
		return s.reconcileErr(ctx, "reclaim task", err)
	})
}

// handleLeave clears every task owned by a departed client.
// Clears from several clients collapse into one under the register's order.
func (s *Scheduler) handleLeave(ctx context.Context, client string) {
	s.options.Log.Debug(ctx, "client left", j.KV("member", client))
	if !s.rt.IsConnected() {
		return
	}

	left := make(map[string]Owner)
	for _, task := range s.reg.Keys() {
		if owner := s.reg.Read(task); owner.Is(client) {
			left[task] = owner
		}
	}
	if len(left) == 0 {
		return
	}

	s.eg.Go(func() error {
		return s.reconcileErr(ctx, "clear tasks", s.clear(ctx, left))
	})
}

// clear resets the observed tasks to unassigned, only while connected.
func (s *Scheduler) clear(ctx context.Context, tasks map[string]Owner) error {
	if len(tasks) == 0 || !s.rt.IsConnected() {
		return nil
	}
	s.options.Log.Info(ctx, "clearing tasks", j.KV("count", len(tasks)))
	if _, err := s.writeAll(ctx, tasks, Nobody()); err != nil {
		return err
	}
	clearCounter.WithLabelValues(s.options.MetricsLabel).Add(float64(len(tasks)))
	return nil
}

// reconcileErr decides whether a reconciliation error stops Run.
// Only broken register invariants do; anything else is retried by the
// next trigger.
func (s *Scheduler) reconcileErr(ctx context.Context, msg string, err error) error {
	if err == nil {
		return nil
	}
	if isFatal(err) {
		return errors.Wrap(err, msg)
	}
	if _, ok := err.(*TaskExecutionError); ok {
		// NoReturnErr: Already logged by dispatch, ownership is kept.
		return nil
	}
	if errors.IsAny(err, context.Canceled, ErrStopped) {
		return nil
	}
	// NoReturnErr: Log, the next vacancy or departure triggers a retry.
	s.options.Log.Error(ctx, errors.Wrap(err, msg))
	return nil
}
