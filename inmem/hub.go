// Package inmem provides an in-process replicated register and quorum for
// running many agentrink clients against each other, mostly in tests.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/agentrink"
	"github.com/luno/agentrink/internal/queue"
)

var (
	ErrClientExists = errors.New("client already exists", j.C("ERR_0b7e92c4d15a83f6"))
	ErrUnregister   = errors.New("cannot unregister a task", j.C("ERR_e96a1f3c0724b5d8"))
)

// Hub orders every write from every client in a single sequence.
// A write lands only if the key has not been written since the version the
// writer observed, so the first of any concurrent writes wins.
// The connected clients form the quorum.
type Hub struct {
	mu      sync.Mutex
	seq     int64
	values  map[string]agentrink.Owner
	clients map[string]*Client
	quorum  map[string]*Client
}

func NewHub() *Hub {
	return &Hub{
		values:  make(map[string]agentrink.Owner),
		clients: make(map[string]*Client),
		quorum:  make(map[string]*Client),
	}
}

// NewClient returns a disconnected client. Ids must be unique per hub.
func (h *Hub) NewClient(id string) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[id]; ok {
		return nil, errors.Wrap(ErrClientExists, "", j.KV("client", id))
	}
	c := newClient(h, id)
	h.clients[id] = c
	return c, nil
}

// Owner returns the authoritative owner of task.
func (h *Hub) Owner(task string) agentrink.Owner {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.values[task]
}

// Members returns the ids of the connected clients, sorted.
func (h *Hub) Members() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ret := make([]string, 0, len(h.quorum))
	for id := range h.quorum {
		ret = append(ret, id)
	}
	sort.Strings(ret)
	return ret
}

// Close disconnects every client and stops their notification queues.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Disconnect()
		c.close()
	}
}

func (h *Hub) connect(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.quorum[c.id]; ok {
		return
	}

	c.attach(h.values)
	for _, other := range h.quorum {
		other.joins.Push(c.id)
	}
	h.quorum[c.id] = c
}

func (h *Hub) disconnect(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.quorum[c.id]; !ok {
		return
	}

	delete(h.quorum, c.id)
	c.detach()
	for _, other := range h.quorum {
		other.leaves.Push(c.id)
	}
}

// write sequences a write and delivers it to every connected client
// before returning the owner in effect.
func (h *Hub) write(c *Client, task string, observed, owner agentrink.Owner) (agentrink.Owner, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.quorum[c.id]; !ok {
		return agentrink.Owner{}, agentrink.ErrNotConnected
	}

	h.seq++
	cur := h.values[task]
	if cur.Version != observed.Version {
		// Someone else wrote first, this write is a no-op.
		return cur, nil
	}

	owner.Version = h.seq
	h.values[task] = owner
	for _, member := range h.quorum {
		member.apply(task, owner)
	}
	return owner, nil
}

// Client is one participant's view of the hub. It implements
// agentrink.Register, agentrink.Membership and agentrink.Runtime.
type Client struct {
	*agentrink.Router

	hub *Hub
	id  string

	mu          sync.Mutex
	values      map[string]agentrink.Owner
	connected   bool
	connectedCh chan struct{}

	changes *queue.Queue
	joins   *queue.Queue
	leaves  *queue.Queue
}

var (
	_ agentrink.Register   = (*Client)(nil)
	_ agentrink.Membership = (*Client)(nil)
	_ agentrink.Runtime    = (*Client)(nil)
)

func newClient(h *Hub, id string) *Client {
	return &Client{
		Router:      agentrink.NewRouter(),
		hub:         h,
		id:          id,
		values:      make(map[string]agentrink.Owner),
		connectedCh: make(chan struct{}),
		changes:     queue.New(),
		joins:       queue.New(),
		leaves:      queue.New(),
	}
}

// Connect joins the quorum and catches up with the register.
func (c *Client) Connect() {
	c.hub.connect(c)
}

// Disconnect leaves the quorum. Remaining clients are notified and the
// local view stops receiving writes.
func (c *Client) Disconnect() {
	c.hub.disconnect(c)
}

func (c *Client) attach(values map[string]agentrink.Owner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = make(map[string]agentrink.Owner, len(values))
	for k, v := range values {
		c.values[k] = v
	}
	c.connected = true
	close(c.connectedCh)
}

func (c *Client) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.connectedCh = make(chan struct{})
}

func (c *Client) apply(task string, owner agentrink.Owner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[task] = owner
	c.changes.Push(task)
}

func (c *Client) close() {
	c.changes.Close()
	c.joins.Close()
	c.leaves.Close()
}

func (c *Client) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := make([]string, 0, len(c.values))
	for k := range c.values {
		ret = append(ret, k)
	}
	return ret
}

func (c *Client) Read(task string) agentrink.Owner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[task]
}

func (c *Client) Write(ctx context.Context, task string, observed, owner agentrink.Owner) (agentrink.Owner, error) {
	if owner.State == agentrink.Unregistered {
		return agentrink.Owner{}, errors.Wrap(ErrUnregister, "", j.KV("task", task))
	}
	if err := ctx.Err(); err != nil {
		return agentrink.Owner{}, err
	}
	return c.hub.write(c, task, observed, owner)
}

func (c *Client) Changes() <-chan string {
	return c.changes.C()
}

func (c *Client) Members() map[string]bool {
	ret := make(map[string]bool)
	for _, id := range c.hub.Members() {
		ret[id] = true
	}
	return ret
}

func (c *Client) Joins() <-chan string {
	return c.joins.C()
}

func (c *Client) Leaves() <-chan string {
	return c.leaves.C()
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) SelfID() string {
	return c.id
}

func (c *Client) Connected() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedCh
}

// WaitAttached returns once connected, joining the quorum is synchronous.
func (c *Client) WaitAttached(ctx context.Context) error {
	select {
	case <-c.Connected():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
