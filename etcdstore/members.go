package etcdstore

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

var (
	ErrMemberAlreadyExists = errors.New("member key already exists", j.C("ERR_48c09c42047da4bf"))
	ErrInvalidMember       = errors.New("invalid member value", j.C("ERR_d5e27a0b83c614f9"))
)

// putMemberKey joins the namespace under the session lease, so the key
// goes away when the session does.
func putMemberKey(ctx context.Context, sess *concurrency.Session, key string) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	cmp := clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	// If the key doesn't exist, we'll put it with our lease
	put := clientv3.OpPut(key, ts, clientv3.WithLease(sess.Lease()))
	// If it does exist, let's get it, so we can see who owns it
	get := clientv3.OpGet(key)
	resp, err := sess.Client().Txn(ctx).If(cmp).Then(put).Else(get).Commit()
	if err != nil {
		return errors.Wrap(err, "put member key")
	}
	if !resp.Succeeded {
		owner := resp.Responses[0].GetResponseRange().Kvs[0].Lease
		return errors.Wrap(ErrMemberAlreadyExists, "", j.MKV{
			"owner_lease": owner,
			"member_key":  key,
			"my_lease":    sess.Lease(),
		})
	}
	return nil
}

// decodeMember returns the member name of a member key and the time it
// joined.
func decodeMember(kv *mvccpb.KeyValue, prefix string) (string, time.Time, error) {
	name := strings.TrimPrefix(string(kv.Key), prefix)
	ms, err := strconv.ParseInt(string(kv.Value), 10, 64)
	if err != nil {
		return "", time.Time{}, errors.Wrap(ErrInvalidMember, "", j.MKV{
			"key":   string(kv.Key),
			"value": string(kv.Value),
		})
	}
	return name, time.UnixMilli(ms), nil
}

// memberEvent reports whether ev changes the member set. Refreshing a
// member's value doesn't.
func memberEvent(ev *clientv3.Event) bool {
	return !ev.IsModify()
}
