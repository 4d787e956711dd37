package agentrink_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/agentrink"
	"github.com/luno/agentrink/inmem"
)

const waitFor = 5 * time.Second

type testClient struct {
	*inmem.Client
	S *agentrink.Scheduler

	mu       sync.Mutex
	acquired []string
	leader   []bool

	cancel context.CancelFunc
	errc   chan error
}

func (c *testClient) Acquired() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.acquired...)
}

func (c *testClient) LeaderEvents() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.leader...)
}

func newHub(t testing.TB) *inmem.Hub {
	h := inmem.NewHub()
	t.Cleanup(h.Close)
	return h
}

// newClient returns a client that has not connected yet.
func newClient(t testing.TB, h *inmem.Hub, id string) *inmem.Client {
	c, err := h.NewClient(id)
	jtest.RequireNil(t, err)
	return c
}

// runClient runs a scheduler for c until the test finishes.
func runClient(t testing.TB, c *inmem.Client, opts ...agentrink.Option) *testClient {
	return runClientWith(t, c, c, opts...)
}

// runClientWith runs a scheduler for c that writes through reg.
func runClientWith(t testing.TB, c *inmem.Client, reg agentrink.Register,
	opts ...agentrink.Option,
) *testClient {
	tc := &testClient{Client: c, errc: make(chan error, 1)}
	opts = append([]agentrink.Option{
		agentrink.WithNotifyTask(func(task string) {
			tc.mu.Lock()
			defer tc.mu.Unlock()
			tc.acquired = append(tc.acquired, task)
		}),
		agentrink.WithNotifyLeader(func(leader bool) {
			tc.mu.Lock()
			defer tc.mu.Unlock()
			tc.leader = append(tc.leader, leader)
		}),
	}, opts...)
	tc.S = agentrink.New(reg, c, c, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	tc.cancel = cancel
	go func() {
		tc.errc <- tc.S.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-tc.errc:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("unexpected run error: %v", err)
			}
		case <-time.After(waitFor):
			t.Error("scheduler did not stop")
		}
	})
	return tc
}

// startClient connects a new client, runs its scheduler and waits for
// bootstrap to complete.
func startClient(t testing.TB, h *inmem.Hub, id string, opts ...agentrink.Option) *testClient {
	c := newClient(t, h, id)
	c.Connect()
	tc := runClient(t, c, opts...)
	awaitReady(t, tc)
	return tc
}

func awaitReady(t testing.TB, c *testClient) {
	t.Helper()
	select {
	case <-c.S.Ready():
	case <-time.After(waitFor):
		require.FailNow(t, "scheduler not ready", c.SelfID())
	}
}

// blockingTask returns a runnable that runs until its context is done
// and reports each start on started.
func blockingTask(started chan<- string, task string) agentrink.Runnable {
	return agentrink.RunnableFunc(func(ctx context.Context) error {
		if started != nil {
			started <- task
		}
		<-ctx.Done()
		return ctx.Err()
	})
}

func handle(c *testClient, tasks ...string) {
	for _, task := range tasks {
		c.Handle(task, blockingTask(nil, task))
	}
}

func owners(clients []*testClient, task string) []string {
	var ret []string
	for _, c := range clients {
		for _, picked := range c.S.PickedTasks() {
			if picked == task {
				ret = append(ret, c.SelfID())
			}
		}
	}
	return ret
}

func leaders(clients []*testClient) []string {
	var ret []string
	for _, c := range clients {
		if c.S.Leader() {
			ret = append(ret, c.SelfID())
		}
	}
	return ret
}

func ctxForTesting(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

// interleavedRegister calls before ahead of the first write to task so
// another write lands between the scheduler's read and its own write.
type interleavedRegister struct {
	agentrink.Register

	task   string
	before func(ctx context.Context)
	once   sync.Once
}

func (r *interleavedRegister) Write(ctx context.Context, task string,
	observed, owner agentrink.Owner,
) (agentrink.Owner, error) {
	if task == r.task {
		r.once.Do(func() { r.before(ctx) })
	}
	return r.Register.Write(ctx, task, observed, owner)
}

// vacate returns a hook that has c write the unassigned marker over the
// current value of task.
func vacate(t testing.TB, h *inmem.Hub, c *inmem.Client, task string) func(context.Context) {
	return func(ctx context.Context) {
		_, err := c.Write(ctx, task, h.Owner(task), agentrink.Nobody())
		jtest.AssertNil(t, err)
	}
}
