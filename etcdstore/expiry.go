package etcdstore

import (
	"context"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const memberScanPage = 1000

// liveLeases returns the leases etcd still reports as alive.
func (s *Store) liveLeases(ctx context.Context) (map[clientv3.LeaseID]bool, error) {
	resp, err := s.cli.Lease.Leases(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "etcd leases")
	}
	live := make(map[clientv3.LeaseID]bool, len(resp.Leases))
	for _, l := range resp.Leases {
		ttl, err := s.cli.Lease.TimeToLive(ctx, l.ID)
		if err != nil {
			return nil, errors.Wrap(err, "etcd lease ttl", j.KV("lease_id", l.ID))
		}
		if ttl.TTL < 0 {
			s.options.Log.Info(ctx, "found expired lease", j.KV("lease_id", l.ID))
			continue
		}
		live[l.ID] = true
	}
	return live, nil
}

// staleMemberKeys pages through the member keys in creation order and
// returns those attached to a lease that isn't live.
func (s *Store) staleMemberKeys(ctx context.Context,
	live map[clientv3.LeaseID]bool,
) (map[string]clientv3.LeaseID, error) {
	stale := make(map[string]clientv3.LeaseID)
	var from int64
	for more := true; more; {
		resp, err := s.cli.Get(ctx, s.options.memberKeyPrefix,
			clientv3.WithPrefix(),
			clientv3.WithMinCreateRev(from),
			clientv3.WithLimit(memberScanPage),
			clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend),
		)
		if err != nil {
			return nil, errors.Wrap(err, "etcd get members")
		}
		for _, kv := range resp.Kvs {
			from = kv.CreateRevision + 1
			lease := clientv3.LeaseID(kv.Lease)
			if lease != clientv3.NoLease && !live[lease] {
				stale[string(kv.Key)] = lease
			}
		}
		more = resp.More
	}
	return stale, nil
}

// expiryTracker holds the member keys that looked stale on the previous
// sweep. A key is only evicted once it looks stale twice with the same
// lease, a single sighting may be a lease etcd hasn't finished revoking.
type expiryTracker struct {
	suspects map[string]clientv3.LeaseID
}

// confirm records stale as the new suspects and returns those that were
// already suspected under the same lease.
func (t *expiryTracker) confirm(stale map[string]clientv3.LeaseID) map[string]clientv3.LeaseID {
	confirmed := make(map[string]clientv3.LeaseID)
	for key, lease := range stale {
		if prev, ok := t.suspects[key]; ok && prev == lease {
			confirmed[key] = lease
		}
	}
	t.suspects = stale
	return confirmed
}

// evictMember deletes a member key if it is still held by lease. Every
// store watching the namespace then sees the member leave and clears
// its tasks.
func (s *Store) evictMember(ctx context.Context, key string, lease clientv3.LeaseID) (bool, error) {
	held := clientv3.Compare(clientv3.LeaseValue(key), "=", lease)
	resp, err := s.cli.Txn(ctx).If(held).Then(clientv3.OpDelete(key)).Commit()
	if err != nil {
		return false, errors.Wrap(err, "etcd evict member", j.KV("member_key", key))
	}
	return resp.Succeeded, nil
}

// sweep evicts member keys found stale against live on this and the
// previous sweep. It returns the evicted keys.
func (s *Store) sweep(ctx context.Context, t *expiryTracker,
	live map[clientv3.LeaseID]bool,
) ([]string, error) {
	stale, err := s.staleMemberKeys(ctx, live)
	if err != nil {
		return nil, err
	}

	var evicted []string
	for key, lease := range t.confirm(stale) {
		ok, err := s.evictMember(ctx, key, lease)
		if err != nil {
			return evicted, err
		} else if !ok {
			continue
		}
		s.options.Log.Info(ctx, "evicted expired member", j.MKV{
			"member_key": key, "lease_id": lease,
		})
		evicted = append(evicted, key)
	}
	return evicted, nil
}

func (s *Store) evictExpiredMembersForever(ctx context.Context, interval time.Duration) error {
	ti := time.NewTicker(interval)
	defer ti.Stop()

	var t expiryTracker
	for {
		select {
		case <-ti.C:
		case <-ctx.Done():
			return ctx.Err()
		}

		live, err := s.liveLeases(ctx)
		if err == nil {
			_, err = s.sweep(ctx, &t, live)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			// NoReturnErr: Try again next tick.
			s.options.Log.Error(ctx, errors.Wrap(err, "evict expired members"))
		}
	}
}
