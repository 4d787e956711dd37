package agentrink

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// bootstrap runs once per attach: it waits for the client to be connected
// and attached, clears tasks left behind by clients that are gone and bids
// for leadership. Public calls wait for it to complete.
func (s *Scheduler) bootstrap(ctx context.Context) error {
	if s.options.BootstrapTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.options.BootstrapTimeout)
		defer cancel()
	}

	s.options.Log.Debug(ctx, "waiting for connection")
	select {
	case <-s.rt.Connected():
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait connected")
	}
	if err := s.rt.WaitAttached(ctx); err != nil {
		return errors.Wrap(err, "wait attached")
	}

	// Nobody released the tasks held by clients that left before we joined.
	if err := s.clear(ctx, s.orphans()); err != nil {
		return errors.Wrap(err, "clear orphaned tasks")
	}

	// Every client bids to be the leader.
	err := s.pick(ctx, []string{s.options.LeaderTask})
	if err != nil {
		return errors.Wrap(err, "leadership bid")
	}

	// The leader task is registered now. It may be vacant if another
	// register or release beat our bid, in which case the vacancy is
	// re-claimed like any other.
	var noLeader error
	err = s.exec(ctx, func() {
		owner := s.reg.Read(s.options.LeaderTask)
		if owner.State == Unregistered {
			noLeader = errors.Wrap(ErrNoOwner, "no leader present")
			return
		}
		s.setLeader(ctx, owner.Is(s.rt.SelfID()))
	})
	if err != nil {
		return err
	} else if noLeader != nil {
		return noLeader
	}

	close(s.ready)
	s.options.Log.Info(ctx, "scheduler ready", j.KV("leader", s.Leader()))
	return nil
}

// orphans returns the tasks whose recorded owner is not a member.
// Members are read after the tasks so a client that joined and then
// claimed is never mistaken for one that left.
func (s *Scheduler) orphans() map[string]Owner {
	assigned := make(map[string]Owner)
	holders := make(map[string]bool)
	for _, task := range s.reg.Keys() {
		owner := s.reg.Read(task)
		if owner.State == Assigned {
			assigned[task] = owner
			holders[owner.Client] = true
		}
	}

	gone := make(map[string]bool)
	for _, client := range Difference(holders, s.mem.Members()) {
		gone[client] = true
	}
	ret := make(map[string]Owner)
	for task, owner := range assigned {
		if gone[owner.Client] {
			ret[task] = owner
		}
	}
	return ret
}
