package agentrink

import "context"

// OwnerState describes whether a task has been made assignable and
// whether someone holds it.
type OwnerState int

const (
	// Unregistered means no client has ever made the task assignable.
	Unregistered OwnerState = iota
	// Unassigned means the task exists and can be contested.
	Unassigned
	// Assigned means exactly one client owns the task.
	Assigned
)

func (s OwnerState) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Unassigned:
		return "unassigned"
	case Assigned:
		return "assigned"
	default:
		return "unknown"
	}
}

// Owner is the value held by the replicated register for a task.
// Version identifies the write that produced it, zero while unregistered.
type Owner struct {
	State   OwnerState
	Client  string
	Version int64
}

// Nobody returns the explicit "no owner" marker.
func Nobody() Owner {
	return Owner{State: Unassigned}
}

// AssignedTo returns an owner record for client.
func AssignedTo(client string) Owner {
	return Owner{State: Assigned, Client: client}
}

// Is returns true if the task is assigned to client.
func (o Owner) Is(client string) bool {
	return o.State == Assigned && o.Client == client
}

// Register is the replicated key/value primitive that gives every
// client the same ordered view of ownership writes.
//
// A write is made against the owner the writer observed: it only lands if
// no other write for the key landed since. So among concurrent writes the
// first in the global order wins and the later ones are no-ops.
type Register interface {
	// Keys returns a snapshot of the known task ids.
	Keys() []string
	// Read returns the owner of task in the local view.
	Read(task string) Owner
	// Write proposes owner for task, based on the observed owner. It
	// returns once the write has been sequenced and applied to the local
	// view, whether it won or not, with the owner in effect right after.
	Write(ctx context.Context, task string, observed, owner Owner) (Owner, error)
	// Changes delivers the ids of tasks whose owner changed,
	// in the global order.
	Changes() <-chan string
}

// Membership is the quorum of currently connected clients.
type Membership interface {
	Members() map[string]bool
	Joins() <-chan string
	Leaves() <-chan string
}

// Runtime provides the local identity, connectivity and the dispatcher
// used to locate the code behind a task.
type Runtime interface {
	IsConnected() bool
	SelfID() string
	// Connected returns a channel that is closed once the client is connected.
	Connected() <-chan struct{}
	// WaitAttached blocks until this client's participation is durably
	// attached to the shared session.
	WaitAttached(ctx context.Context) error
	Dispatch(ctx context.Context, task string) (Runnable, error)
}

// Runnable is the unit of work bound to a task.
type Runnable interface {
	Run(ctx context.Context) error
}

// RunnableFunc adapts a function to a Runnable.
type RunnableFunc func(ctx context.Context) error

func (f RunnableFunc) Run(ctx context.Context) error {
	return f(ctx)
}
