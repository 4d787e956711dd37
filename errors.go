package agentrink

import (
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

var (
	ErrNotConnected      = errors.New("client is not connected", j.C("ERR_2b8d3f6a91c04e57"))
	ErrAlreadyRegistered = errors.New("task is already registered", j.C("ERR_7c1e0a94d3b25f68"))
	ErrAlreadyPicked     = errors.New("task is already attempted", j.C("ERR_e4a9b7120c6d8f35"))
	ErrNotPicked         = errors.New("task was never registered", j.C("ERR_50f3c2d8a1e97b46"))
	ErrNotOwner          = errors.New("task was never picked", j.C("ERR_93d6e1b5f02a4c78"))

	// ErrNoOwner means the register resolved a claim to no owner at all.
	// The register contract was broken, so this is not recoverable.
	ErrNoOwner = errors.New("no client was chosen", j.C("ERR_a1b04f7e6c3d925b"))
	// ErrNotReleased means a release did not leave the task unassigned.
	ErrNotReleased = errors.New("task was not released", j.C("ERR_c82f5a3e19b0d746"))

	ErrTaskExecution = errors.New("task execution failed", j.C("ERR_6e1d8b0f4a7c2395"))
	ErrUnknownRoute  = errors.New("invalid agent route", j.C("ERR_f07b3c9a2d5e8146"))
	ErrNotRunnable   = errors.New("component does not implement runnable", j.C("ERR_1d94e6a0b8c37f52"))

	ErrStopped        = errors.New("scheduler stopped", j.C("ERR_38a7c5e20f1b96d4"))
	ErrAlreadyRunning = errors.New("scheduler already running", j.C("ERR_d5b29e7143a0cf86"))
)

// TaskExecutionError is returned when a task was won but the runnable
// bound to it could not be resolved. The task stays assigned.
type TaskExecutionError struct {
	Task string
	Err  error
}

func (e *TaskExecutionError) Error() string {
	return "task execution failed: " + e.Task + ": " + e.Err.Error()
}

func (e *TaskExecutionError) Unwrap() error {
	return e.Err
}

func (e *TaskExecutionError) Is(target error) bool {
	return target == ErrTaskExecution
}

func isFatal(err error) bool {
	return errors.IsAny(err, ErrNoOwner, ErrNotReleased)
}
