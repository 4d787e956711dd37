// Package etcdstore backs the agentrink register and quorum with etcd.
//
// Task owners live under <namespace>/tasks/<task>, holding the owner's
// member name or an empty value while unassigned. Members live under
// <namespace>/members/<member>, attached to the session lease, so a client
// leaves the quorum when its session ends.
package etcdstore

import (
	"context"
	"strings"
	"sync"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"golang.org/x/sync/errgroup"

	"github.com/luno/agentrink"
	"github.com/luno/agentrink/internal/queue"
)

var (
	ErrSessionExpired = errors.New("etcd lease expired", j.C("ERR_9a3e5d07c1f42b68"))
	ErrWatchClosed    = errors.New("etcd watch closed", j.C("ERR_b61c0f8e2a7d3954"))
	ErrNotAttached    = errors.New("member key not held by session", j.C("ERR_0e8d4b2f7a19c653"))
	ErrInvalidOwner   = errors.New("invalid task owner", j.C("ERR_73f1a6c9e0d25b84"))
	ErrAlreadyRunning = errors.New("store already running", j.C("ERR_2c5b8e1d94f07a36"))
)

// Store keeps a local view of the task owners and members of a namespace.
// It implements agentrink.Register, agentrink.Membership and
// agentrink.Runtime for the lifetime of one etcd session.
type Store struct {
	*agentrink.Router

	sess    *concurrency.Session
	cli     *clientv3.Client
	options Options

	mu          sync.Mutex
	running     bool
	values      map[string]agentrink.Owner
	members     map[string]bool
	connected   bool
	connectedCh chan struct{}

	changes *queue.Queue
	joins   *queue.Queue
	leaves  *queue.Queue
}

var (
	_ agentrink.Register   = (*Store)(nil)
	_ agentrink.Membership = (*Store)(nil)
	_ agentrink.Runtime    = (*Store)(nil)
)

// New returns a store for namespace on sess. Call Run to join the
// namespace and keep the local view current.
func New(sess *concurrency.Session, namespace string, o Options) (*Store, error) {
	if err := validateOptions(namespace, &o); err != nil {
		return nil, err
	}
	return &Store{
		Router:      agentrink.NewRouter(),
		sess:        sess,
		cli:         sess.Client(),
		options:     o,
		values:      make(map[string]agentrink.Owner),
		members:     make(map[string]bool),
		connectedCh: make(chan struct{}),
		changes:     queue.New(),
		joins:       queue.New(),
		leaves:      queue.New(),
	}, nil
}

// Run joins the namespace, loads the current state and then follows it
// until ctx is cancelled or the session ends. The store is disconnected
// for good once Run returns.
func (s *Store) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()
	defer s.close()

	ctx = log.ContextWith(ctx, j.KV("member", s.options.MemberName))
	if err := putMemberKey(ctx, s.sess, s.options.memberKey); err != nil {
		return err
	}
	s.options.Log.Debug(ctx, "joined namespace", j.KV("member_key", s.options.memberKey))

	rev, err := s.load(ctx)
	if err != nil {
		return err
	}
	s.setConnected()
	s.options.Log.Info(ctx, "store connected", j.KV("rev", rev))

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.watch(ctx, rev)
	})
	eg.Go(func() error {
		return watchSession(ctx, s.sess)
	})
	if s.options.ExpiryCheckInterval > 0 {
		eg.Go(func() error {
			return s.evictExpiredMembersForever(ctx, s.options.ExpiryCheckInterval)
		})
	}
	return eg.Wait()
}

// load reads the tasks and members of the namespace at a single revision.
// The initial members are not joins.
func (s *Store) load(ctx context.Context) (int64, error) {
	resp, err := s.cli.Get(ctx, s.options.keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return 0, errors.Wrap(err, "etcd get namespace")
	}

	members := make(map[string]bool)
	for _, kv := range resp.Kvs {
		key := string(kv.Key)
		switch {
		case strings.HasPrefix(key, s.options.taskKeyPrefix):
			s.fold(s.taskID(kv.Key), decodeOwner(kv))
		case strings.HasPrefix(key, s.options.memberKeyPrefix):
			m, _, err := decodeMember(kv, s.options.memberKeyPrefix)
			if err != nil {
				return 0, err
			}
			members[m] = true
		}
	}

	s.mu.Lock()
	s.members = members
	s.mu.Unlock()
	return resp.Header.Revision, nil
}

// watch follows tasks and members on one watch from rev, so they are
// applied in the order etcd wrote them. A member that claimed a task is
// always known by the time the claim is.
func (s *Store) watch(ctx context.Context, rev int64) error {
	s.options.Log.Debug(ctx, "watching namespace")
	defer s.options.Log.Debug(ctx, "stopped watching namespace")

	wc := s.cli.Watch(clientv3.WithRequireLeader(ctx), s.options.keyPrefix,
		clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for resp := range wc {
		if err := resp.Err(); err != nil {
			return errors.Wrap(err, "watch namespace")
		}
		if err := s.applyEvents(ctx, resp.Events); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrWatchClosed
}

func (s *Store) applyEvents(ctx context.Context, events []*clientv3.Event) error {
	for _, ev := range events {
		key := string(ev.Kv.Key)
		switch {
		case strings.HasPrefix(key, s.options.taskKeyPrefix):
			task := s.taskID(ev.Kv.Key)
			if ev.Type == clientv3.EventTypeDelete {
				s.forget(task, ev.Kv.ModRevision)
				continue
			}
			s.fold(task, decodeOwner(ev.Kv))

		case strings.HasPrefix(key, s.options.memberKeyPrefix):
			if !memberEvent(ev) {
				continue
			}
			if ev.Type == clientv3.EventTypeDelete {
				s.leave(ctx, strings.TrimPrefix(key, s.options.memberKeyPrefix))
				continue
			}
			m, _, err := decodeMember(ev.Kv, s.options.memberKeyPrefix)
			if err != nil {
				return err
			}
			s.join(ctx, m)
		}
	}
	return nil
}

func watchSession(ctx context.Context, sess *concurrency.Session) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sess.Done():
		return ErrSessionExpired
	}
}

// fold applies owner to the local view unless a later write for the task
// has been seen already. Writes and the watch both fold, so every revision
// is applied and notified once.
func (s *Store) fold(task string, owner agentrink.Owner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.values[task]; ok && cur.Version >= owner.Version {
		return
	}
	s.values[task] = owner
	s.changes.Push(task)
}

func (s *Store) forget(task string, rev int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.values[task]
	if !ok || cur.Version >= rev {
		return
	}
	delete(s.values, task)
	s.changes.Push(task)
}

func (s *Store) join(ctx context.Context, m string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[m] {
		return
	}
	s.members[m] = true
	s.options.Log.Debug(ctx, "member joined", j.KV("joined", m))
	s.joins.Push(m)
}

func (s *Store) leave(ctx context.Context, m string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.members[m] {
		return
	}
	delete(s.members, m)
	s.options.Log.Debug(ctx, "member left", j.KV("left", m))
	s.leaves.Push(m)
}

func (s *Store) setConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	close(s.connectedCh)
}

func (s *Store) close() {
	s.mu.Lock()
	s.connected = false
	if isClosed(s.connectedCh) {
		s.connectedCh = make(chan struct{})
	}
	s.mu.Unlock()

	s.changes.Close()
	s.joins.Close()
	s.leaves.Close()
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (s *Store) taskID(key []byte) string {
	return strings.TrimPrefix(string(key), s.options.taskKeyPrefix)
}

func decodeOwner(kv *mvccpb.KeyValue) agentrink.Owner {
	if len(kv.Value) == 0 {
		return agentrink.Owner{State: agentrink.Unassigned, Version: kv.ModRevision}
	}
	return agentrink.Owner{
		State:   agentrink.Assigned,
		Client:  string(kv.Value),
		Version: kv.ModRevision,
	}
}

func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]string, 0, len(s.values))
	for k := range s.values {
		ret = append(ret, k)
	}
	return ret
}

func (s *Store) Read(task string) agentrink.Owner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[task]
}

// Write puts owner for task if the key's mod revision is still the
// observed version, and otherwise reads back whoever got there first.
func (s *Store) Write(ctx context.Context, task string, observed, owner agentrink.Owner) (agentrink.Owner, error) {
	var val string
	switch owner.State {
	case agentrink.Unassigned:
	case agentrink.Assigned:
		if owner.Client == "" {
			return agentrink.Owner{}, errors.Wrap(ErrInvalidOwner, "empty client", j.KV("task", task))
		}
		val = owner.Client
	default:
		return agentrink.Owner{}, errors.Wrap(ErrInvalidOwner, "cannot unregister a task", j.KV("task", task))
	}
	if !s.IsConnected() {
		return agentrink.Owner{}, agentrink.ErrNotConnected
	}

	key := s.options.taskKeyPrefix + task
	cmp := clientv3.Compare(clientv3.ModRevision(key), "=", observed.Version)
	put := clientv3.OpPut(key, val)
	get := clientv3.OpGet(key)
	resp, err := s.cli.Txn(ctx).If(cmp).Then(put).Else(get).Commit()
	if err != nil {
		return agentrink.Owner{}, errors.Wrap(err, "etcd write task", j.KV("task", task))
	}

	var applied agentrink.Owner
	if resp.Succeeded {
		applied = agentrink.Owner{State: owner.State, Client: val, Version: resp.Header.Revision}
	} else {
		kvs := resp.Responses[0].GetResponseRange().Kvs
		if len(kvs) == 0 {
			return agentrink.Owner{}, nil
		}
		applied = decodeOwner(kvs[0])
	}
	s.fold(task, applied)
	return applied, nil
}

func (s *Store) Changes() <-chan string {
	return s.changes.C()
}

func (s *Store) Members() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make(map[string]bool, len(s.members))
	for m := range s.members {
		ret[m] = true
	}
	return ret
}

func (s *Store) Joins() <-chan string {
	return s.joins.C()
}

func (s *Store) Leaves() <-chan string {
	return s.leaves.C()
}

// IsConnected returns false as soon as the session is lost, even before
// Run has noticed.
func (s *Store) IsConnected() bool {
	select {
	case <-s.sess.Done():
		return false
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Store) SelfID() string {
	return s.options.MemberName
}

func (s *Store) Connected() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedCh
}

// WaitAttached waits for Run to connect and then checks that our member
// key is still held by our session lease.
func (s *Store) WaitAttached(ctx context.Context) error {
	select {
	case <-s.Connected():
	case <-ctx.Done():
		return ctx.Err()
	}
	resp, err := s.cli.Get(ctx, s.options.memberKey)
	if err != nil {
		return errors.Wrap(err, "etcd get member key")
	}
	if len(resp.Kvs) == 0 || clientv3.LeaseID(resp.Kvs[0].Lease) != s.sess.Lease() {
		return errors.Wrap(ErrNotAttached, "", j.KV("member_key", s.options.memberKey))
	}
	return nil
}
