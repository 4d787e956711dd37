package etcdstore

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func TestExpiryTracker_Confirm(t *testing.T) {
	var tr expiryTracker

	first := tr.confirm(map[string]clientv3.LeaseID{"m/a": 1, "m/b": 2})
	assert.Empty(t, first)

	// a is stale again under the same lease, b rejoined with a new one.
	second := tr.confirm(map[string]clientv3.LeaseID{"m/a": 1, "m/b": 3})
	assert.Equal(t, map[string]clientv3.LeaseID{"m/a": 1}, second)

	// A key that recovered in between starts over.
	tr.confirm(nil)
	third := tr.confirm(map[string]clientv3.LeaseID{"m/a": 1})
	assert.Empty(t, third)
}

// putStaleMember adds a member key under a fresh lease that isn't in the
// live set handed to sweep.
func putStaleMember(t *testing.T, cli *clientv3.Client, ns, member string) (string, clientv3.LeaseID) {
	ctx := context.Background()
	lease, err := cli.Grant(ctx, 60)
	jtest.RequireNil(t, err)
	t.Cleanup(func() {
		_, _ = cli.Revoke(context.Background(), lease.ID)
	})

	key := ns + "/members/" + member
	val := strconv.FormatInt(time.Now().UnixMilli(), 10)
	_, err = cli.Put(ctx, key, val, clientv3.WithLease(lease.ID))
	jtest.RequireNil(t, err)
	return key, lease.ID
}

func TestStore_EvictsExpiredMember(t *testing.T) {
	cli := etcdForTesting(t)
	ns := namespaceForTesting()
	a, _ := storeForTesting(t, cli, ns, "a")
	ctx := context.Background()

	key, _ := putStaleMember(t, cli, ns, "ghost")
	require.Equal(t, "ghost", receive(t, a.Joins()))

	live := map[clientv3.LeaseID]bool{a.sess.Lease(): true}
	var tr expiryTracker

	evicted, err := a.sweep(ctx, &tr, live)
	jtest.RequireNil(t, err)
	assert.Empty(t, evicted)
	assert.True(t, a.Members()["ghost"])

	evicted, err = a.sweep(ctx, &tr, live)
	jtest.RequireNil(t, err)
	assert.Equal(t, []string{key}, evicted)

	assert.Equal(t, "ghost", receive(t, a.Leaves()))
	assert.Equal(t, map[string]bool{"a": true}, a.Members())
}

func TestStore_EvictMemberLeaseChanged(t *testing.T) {
	cli := etcdForTesting(t)
	ns := namespaceForTesting()
	a, _ := storeForTesting(t, cli, ns, "a")
	ctx := context.Background()

	key, lease := putStaleMember(t, cli, ns, "ghost")

	ok, err := a.evictMember(ctx, key, lease+1)
	jtest.RequireNil(t, err)
	assert.False(t, ok)

	resp, err := cli.Get(ctx, key)
	jtest.RequireNil(t, err)
	assert.Len(t, resp.Kvs, 1)
}

func TestStore_SweepKeepsLiveMembers(t *testing.T) {
	cli := etcdForTesting(t)
	a, _ := storeForTesting(t, cli, namespaceForTesting(), "a")
	ctx := context.Background()

	live, err := a.liveLeases(ctx)
	jtest.RequireNil(t, err)
	require.True(t, live[a.sess.Lease()])

	var tr expiryTracker
	for i := 0; i < 2; i++ {
		evicted, err := a.sweep(ctx, &tr, live)
		jtest.RequireNil(t, err)
		assert.Empty(t, evicted)
	}
}
