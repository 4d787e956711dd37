package agentrink

import (
	"context"
	"time"

	"github.com/luno/jettison"
)

// LeaderTask is the reserved task id contested for leadership.
const LeaderTask = "leader"

// Logger is satisfied by log.Jettison.
type Logger interface {
	Debug(ctx context.Context, s string, ol ...jettison.Option)
	Info(ctx context.Context, s string, ol ...jettison.Option)
	Error(ctx context.Context, err error, ol ...jettison.Option)
}

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...jettison.Option) {}
func (noopLogger) Info(context.Context, string, ...jettison.Option)  {}
func (noopLogger) Error(context.Context, error, ...jettison.Option)  {}

type options struct {
	Log Logger

	// NotifyTask is called on the scheduler loop when this client wins
	// a task other than the leader task. It must not block.
	NotifyTask func(task string)
	// NotifyLeader is called on the scheduler loop when we either become
	// leader or lose leadership. It must not block.
	NotifyLeader func(leader bool)

	// ReclaimStagger spaces out re-claims of vacant tasks between members.
	ReclaimStagger time.Duration

	// BootstrapTimeout bounds the startup sequence. Zero waits forever.
	BootstrapTimeout time.Duration

	LeaderTask string

	// MetricsLabel is the namespace label on the scheduler metrics.
	MetricsLabel string
}

type Option func(*options)

// WithLogger sets a logger to be used for logging in the scheduler.
func WithLogger(l Logger) Option {
	return func(o *options) {
		o.Log = l
	}
}

// WithNotifyTask sets a callback for tasks acquired by this client.
func WithNotifyTask(f func(task string)) Option {
	return func(o *options) {
		o.NotifyTask = f
	}
}

// WithNotifyLeader sets a callback for leadership changes of this client.
func WithNotifyLeader(f func(leader bool)) Option {
	return func(o *options) {
		o.NotifyLeader = f
	}
}

// WithReclaimStagger makes members wait before re-claiming a vacant task.
// Members are ordered per task by consistent hashing and the member at
// position p waits p*d. Zero (the default) claims immediately.
func WithReclaimStagger(d time.Duration) Option {
	return func(o *options) {
		o.ReclaimStagger = d
	}
}

// WithBootstrapTimeout bounds how long Run waits for the client to
// connect, attach and resolve the leadership bid.
func WithBootstrapTimeout(d time.Duration) Option {
	return func(o *options) {
		o.BootstrapTimeout = d
	}
}

// WithLeaderTask overrides the task id contested for leadership.
// All clients sharing a register must use the same id.
func WithLeaderTask(task string) Option {
	return func(o *options) {
		o.LeaderTask = task
	}
}

// WithMetricsLabel sets the namespace label used on the scheduler metrics.
func WithMetricsLabel(label string) Option {
	return func(o *options) {
		o.MetricsLabel = label
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.Log == nil {
		o.Log = noopLogger{}
	}
	if o.NotifyTask == nil {
		o.NotifyTask = func(string) {}
	}
	if o.NotifyLeader == nil {
		o.NotifyLeader = func(bool) {}
	}
	if o.LeaderTask == "" {
		o.LeaderTask = LeaderTask
	}
	if o.MetricsLabel == "" {
		o.MetricsLabel = "default"
	}
	return o
}
