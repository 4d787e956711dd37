package etcdstore

import (
	"context"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/jtest"
	"github.com/luno/jettison/log"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func etcdEndpoints() []string {
	if v, ok := os.LookupEnv("TESTING_ETCD_ENDPOINTS"); ok {
		return strings.Split(v, ",")
	}
	return []string{"http://localhost:2380", "http://localhost:2379"}
}

func etcdForTesting(t testing.TB) *clientv3.Client {
	config := clientv3.Config{
		Endpoints:            etcdEndpoints(),
		DialKeepAliveTime:    time.Second,
		DialKeepAliveTimeout: time.Second,
		DialTimeout:          time.Second,
		DialOptions:          []grpc.DialOption{grpc.WithBlock()},
		Logger:               zap.NewNop(),
	}
	cli, err := clientv3.New(config)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Skip("etcd server not accessible")
	}
	jtest.RequireNil(t, err)
	t.Cleanup(func() {
		_ = cli.Close()
	})
	return cli
}

func namespaceForTesting() string {
	return "agentrink-test-" + strconv.Itoa(rand.Int())
}

func sessionForTesting(t testing.TB, cli *clientv3.Client) *concurrency.Session {
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(5))
	jtest.RequireNil(t, err)
	t.Cleanup(func() {
		_ = sess.Close()
	})
	return sess
}

// storeForTesting runs a connected store on its own session. The returned
// stop func closes the session, making the member leave.
func storeForTesting(t testing.TB, cli *clientv3.Client, ns, member string) (*Store, func()) {
	sess := sessionForTesting(t, cli)
	s, err := New(sess, ns, Options{MemberName: member, Log: log.Jettison{}})
	jtest.RequireNil(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		runErr = s.Run(ctx)
	}()
	stop := func() {
		cancel()
		_ = sess.Close()
		<-done
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("store did not stop")
		}
	})

	select {
	case <-s.Connected():
	case <-done:
		require.FailNow(t, "store stopped", "%v", runErr)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "store not connected")
	}
	return s, stop
}
