package agentrink

import (
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// intents is the client local bookkeeping of the tasks this client is
// contesting or holding (capable) and of the tasks it has made
// assignable (registered). It is only touched from the scheduler loop.
type intents struct {
	capable    set[string]
	registered set[string]
}

func newIntents() *intents {
	return &intents{
		capable:    make(set[string]),
		registered: make(set[string]),
	}
}

// addRegistered validates the whole batch before recording any of it.
func (in *intents) addRegistered(tasks []string) error {
	for _, task := range tasks {
		if in.registered.Has(task) {
			return errors.Wrap(ErrAlreadyRegistered, "", j.KV("task", task))
		}
	}
	for _, task := range tasks {
		in.registered.Add(task)
	}
	return nil
}

// addCapable validates the whole batch before recording any of it.
func (in *intents) addCapable(tasks []string) error {
	for _, task := range tasks {
		if in.capable.Has(task) {
			return errors.Wrap(ErrAlreadyPicked, "", j.KV("task", task))
		}
	}
	for _, task := range tasks {
		in.capable.Add(task)
	}
	return nil
}

func (in *intents) checkCapable(tasks []string) error {
	for _, task := range tasks {
		if !in.capable.Has(task) {
			return errors.Wrap(ErrNotPicked, "", j.KV("task", task))
		}
	}
	return nil
}

func (in *intents) removeCapable(tasks []string) {
	for _, task := range tasks {
		in.capable.Remove(task)
	}
}

func (in *intents) isCapable(task string) bool {
	return in.capable.Has(task)
}
