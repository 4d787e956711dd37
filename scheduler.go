package agentrink

import (
	"context"
	"sort"
	"sync"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// loopReq runs Fn on the scheduler loop and closes Done when finished.
type loopReq struct {
	Fn   func()
	Done chan struct{}
}

// Scheduler assigns named tasks, including the leader task, to exactly
// one connected client.
//
// Every client runs a Scheduler against the same Register. Claims are plain
// writes to the register and the register's total order picks the winner.
// Vacated tasks are re-claimed by every client that is capable of them and
// tasks of departed clients are cleared by every remaining client.
//
// All local state is owned by a single loop goroutine. Public calls and
// register notifications are handed to that loop, while round trips to the
// register and the dispatcher run outside of it.
type Scheduler struct {
	reg     Register
	mem     Membership
	rt      Runtime
	options options

	reqs  chan loopReq
	ready chan struct{}
	done  chan struct{}

	running atomic.Bool
	leader  atomic.Bool

	// Set by Run before anything reads them.
	ctx context.Context
	eg  *errgroup.Group

	// Only touched from the loop.
	intents      *intents
	leaderSignal *Signal
}

// New returns a scheduler for this client. Call Run to bootstrap it.
func New(reg Register, mem Membership, rt Runtime, opts ...Option) *Scheduler {
	return &Scheduler{
		reg:     reg,
		mem:     mem,
		rt:      rt,
		options: buildOptions(opts),

		reqs:  make(chan loopReq),
		ready: make(chan struct{}),
		done:  make(chan struct{}),

		intents:      newIntents(),
		leaderSignal: NewSignal(),
	}
}

// Run bootstraps the scheduler and then keeps reconciling task ownership
// until ctx is cancelled or the register breaks its contract.
// A Scheduler can only be run once.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyRunning
	}
	ctx = log.ContextWith(ctx, j.KV("client", s.rt.SelfID()))
	s.options.Log.Debug(ctx, "running scheduler")
	defer s.options.Log.Debug(ctx, "stopped scheduler")

	eg, ctx := errgroup.WithContext(ctx)
	s.ctx = ctx
	s.eg = eg

	eg.Go(func() error {
		return s.loop(ctx)
	})
	eg.Go(func() error {
		return s.bootstrap(ctx)
	})
	return eg.Wait()
}

// Ready returns a channel that is closed once bootstrap completed.
func (s *Scheduler) Ready() <-chan struct{} {
	return s.ready
}

// Leader returns true if this client holds the leader task.
func (s *Scheduler) Leader() bool {
	return s.leader.Load()
}

// AwaitLeadership blocks until this client holds the leader task.
func (s *Scheduler) AwaitLeadership(ctx context.Context) error {
	for {
		var wait <-chan struct{}
		err := s.exec(ctx, func() {
			if !s.leader.Load() {
				wait = s.leaderSignal.Wait()
			}
		})
		if err != nil {
			return err
		}
		if wait == nil {
			return nil
		}
		select {
		case <-wait:
		case <-s.done:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// PickedTasks returns the tasks currently owned by this client,
// read from the local view of the register.
func (s *Scheduler) PickedTasks() []string {
	me := s.rt.SelfID()
	var ret []string
	for _, task := range s.reg.Keys() {
		if s.reg.Read(task).Is(me) {
			ret = append(ret, task)
		}
	}
	sort.Strings(ret)
	return ret
}

// Register makes tasks assignable without claiming them.
// Tasks that are already registered or assigned are left alone.
// It returns once every task is either unassigned or assigned.
func (s *Scheduler) Register(ctx context.Context, tasks ...string) error {
	if err := s.await(ctx); err != nil {
		return err
	}

	var (
		unregistered = make(map[string]Owner)
		err          error
	)
	e := s.exec(ctx, func() {
		if !s.rt.IsConnected() {
			err = ErrNotConnected
			return
		}
		if err = s.intents.addRegistered(tasks); err != nil {
			return
		}
		for _, task := range tasks {
			if owner := s.reg.Read(task); owner.State == Unregistered {
				unregistered[task] = owner
			}
		}
	})
	if e != nil {
		return e
	} else if err != nil {
		return err
	}

	res, err := s.writeAll(ctx, unregistered, Nobody())
	if err != nil {
		return err
	}
	for task, owner := range res {
		switch owner.State {
		case Unregistered:
			return errors.Wrap(ErrNoOwner, "unsuccessful registration", j.KV("task", task))
		case Unassigned:
			s.options.Log.Debug(ctx, "registered task", j.KV("task", task))
		default:
			s.options.Log.Debug(ctx, "task already running",
				j.MKV{"task": task, "owner": owner.Client})
		}
	}
	return nil
}

// Pick attempts to claim tasks for this client. Tasks are remembered as
// wanted even when another client wins them, so they are re-claimed
// whenever they are vacated. Won tasks are dispatched, except for the
// leader task which only updates leadership.
//
// A returned TaskExecutionError means a task was won but could not be
// started. The task stays assigned to this client.
func (s *Scheduler) Pick(ctx context.Context, tasks ...string) error {
	if err := s.await(ctx); err != nil {
		return err
	}
	return s.pick(ctx, tasks)
}

func (s *Scheduler) pick(ctx context.Context, tasks []string) error {
	var (
		available = make(map[string]Owner)
		err       error
	)
	e := s.exec(ctx, func() {
		if !s.rt.IsConnected() {
			err = ErrNotConnected
			return
		}
		// Recorded before writing so a vacancy seen mid call is re-claimed.
		if err = s.intents.addCapable(tasks); err != nil {
			return
		}
		for _, task := range tasks {
			if owner := s.reg.Read(task); owner.State != Assigned {
				available[task] = owner
			}
		}
	})
	if e != nil {
		return e
	} else if err != nil {
		return err
	}
	return s.claim(ctx, available)
}

// Release gives up tasks owned by this client.
func (s *Scheduler) Release(ctx context.Context, tasks ...string) error {
	if err := s.await(ctx); err != nil {
		return err
	}

	var (
		owned = make(map[string]Owner)
		err   error
	)
	e := s.exec(ctx, func() {
		if !s.rt.IsConnected() {
			err = ErrNotConnected
			return
		}
		if err = s.intents.checkCapable(tasks); err != nil {
			return
		}
		me := s.rt.SelfID()
		for _, task := range tasks {
			owner := s.reg.Read(task)
			if !owner.Is(me) {
				err = errors.Wrap(ErrNotOwner, "", j.KV("task", task))
				return
			}
			owned[task] = owner
		}
		// Removed first so our own vacancy is not re-claimed.
		s.intents.removeCapable(tasks)
	})
	if e != nil {
		return e
	} else if err != nil {
		return err
	}

	res, err := s.writeAll(ctx, owned, Nobody())
	if err != nil {
		return err
	}
	// Releases are not contested, so every task must be unassigned now.
	for task, owner := range res {
		if owner.State != Unassigned {
			err := errors.Wrap(ErrNotReleased, "", j.MKV{
				"task": task, "owner": owner.Client, "state": owner.State.String(),
			})
			s.options.Log.Error(ctx, err)
			return err
		}
		taskGauge.WithLabelValues(s.options.MetricsLabel, task).Set(0)
		s.options.Log.Debug(ctx, "released task", j.KV("task", task))
	}
	return nil
}

// await checks connectivity and waits for bootstrap to complete.
func (s *Scheduler) await(ctx context.Context) error {
	if !s.rt.IsConnected() {
		return ErrNotConnected
	}
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exec runs fn on the scheduler loop and waits for it to complete.
func (s *Scheduler) exec(ctx context.Context, fn func()) error {
	req := loopReq{Fn: fn, Done: make(chan struct{})}
	select {
	case s.reqs <- req:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	// The loop always completes a request it received.
	<-req.Done
	return nil
}

// claim writes this client as the owner of the observed tasks, resolves
// the outcome and dispatches the tasks that were won.
func (s *Scheduler) claim(ctx context.Context, observed map[string]Owner) error {
	if len(observed) == 0 {
		return nil
	}
	res, err := s.writeAll(ctx, observed, AssignedTo(s.rt.SelfID()))
	if err != nil {
		return err
	}

	var won []string
	e := s.exec(ctx, func() {
		won, err = s.resolveClaims(ctx, res)
	})
	if e != nil {
		return e
	} else if err != nil {
		return err
	}
	return s.dispatchAll(ctx, won)
}

// resolveClaims returns the tasks won by this client that need dispatching.
// It is called on the loop.
func (s *Scheduler) resolveClaims(ctx context.Context, res map[string]Owner) ([]string, error) {
	me := s.rt.SelfID()
	var won []string
	for task, owner := range res {
		switch owner.State {
		case Unregistered:
			err := errors.Wrap(ErrNoOwner, "", j.MKV{
				"task": task, "state": owner.State.String(),
			})
			s.options.Log.Error(ctx, err)
			return nil, err
		case Unassigned:
			// An earlier register or release landed first. Its change
			// notification triggers the next claim.
			claimCounter.WithLabelValues(s.options.MetricsLabel, "lost").Inc()
			s.options.Log.Debug(ctx, "task vacated before claim", j.KV("task", task))
			continue
		}
		if !owner.Is(me) {
			claimCounter.WithLabelValues(s.options.MetricsLabel, "lost").Inc()
			s.options.Log.Debug(ctx, "task picked by another client",
				j.MKV{"task": task, "owner": owner.Client})
			continue
		}

		claimCounter.WithLabelValues(s.options.MetricsLabel, "won").Inc()
		if task == s.options.LeaderTask {
			s.setLeader(ctx, true)
			continue
		}
		taskGauge.WithLabelValues(s.options.MetricsLabel, task).Set(1)
		s.options.Log.Info(ctx, "picked task", j.KV("task", task))
		s.options.NotifyTask(task)
		won = append(won, task)
	}
	return won, nil
}

// writeAll writes owner for every observed task concurrently and returns
// the owners in effect once the writes were applied.
func (s *Scheduler) writeAll(ctx context.Context, observed map[string]Owner, owner Owner) (map[string]Owner, error) {
	res := make(map[string]Owner, len(observed))
	if len(observed) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	eg, ctx := errgroup.WithContext(ctx)
	for task, prev := range observed {
		task, prev := task, prev
		eg.Go(func() error {
			s.options.Log.Debug(ctx, "writing task owner", j.MKV{
				"task": task, "owner": owner.Client, "state": owner.State.String(),
			})
			o, err := s.reg.Write(ctx, task, prev, owner)
			if err != nil {
				return s.writeErr(err, task)
			}
			mu.Lock()
			defer mu.Unlock()
			res[task] = o
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Scheduler) writeErr(err error, task string) error {
	if errors.IsAny(err, context.Canceled, context.DeadlineExceeded) {
		return err
	}
	if !s.rt.IsConnected() {
		return errors.Wrap(ErrNotConnected, "write task owner", j.KV("task", task))
	}
	return errors.Wrap(err, "write task owner", j.KV("task", task))
}

func (s *Scheduler) setLeader(ctx context.Context, leader bool) {
	if s.leader.Load() == leader {
		return
	}
	s.leader.Store(leader)

	if leader {
		leaderGauge.WithLabelValues(s.options.MetricsLabel).Set(1)
		s.options.Log.Info(ctx, "leadership acquired")
		s.leaderSignal.Broadcast()
	} else {
		leaderGauge.WithLabelValues(s.options.MetricsLabel).Set(0)
		s.options.Log.Info(ctx, "leadership lost")
	}
	s.options.NotifyLeader(leader)
}
