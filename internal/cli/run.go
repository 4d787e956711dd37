package cli

import (
	"context"
	"net/http"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/luno/agentrink"
	"github.com/luno/agentrink/etcdstore"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the namespace and run the configured tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd.Flags())
			if err != nil {
				return err
			}
			file, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			c, err := loadConfig(v, file)
			if err != nil {
				return err
			}
			err = run(cmd.Context(), c)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	addFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, c Config) error {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   c.Endpoints,
		DialTimeout: 5 * time.Second,
		DialOptions: []grpc.DialOption{grpc.WithBlock()},
		Logger:      zap.NewNop(),
	})
	if err != nil {
		return errors.Wrap(err, "etcd client")
	}
	defer cli.Close()

	eg, ctx := errgroup.WithContext(ctx)
	if c.MetricsAddr != "" {
		eg.Go(func() error {
			return serveMetrics(ctx, c.MetricsAddr)
		})
	}
	eg.Go(func() error {
		return runSessions(ctx, cli, c)
	})
	return eg.Wait()
}

// runSessions runs a store and scheduler per etcd session, starting over
// after a delay whenever the session is lost.
func runSessions(ctx context.Context, cli *clientv3.Client, c Config) error {
	for ctx.Err() == nil {
		err := runOnce(ctx, cli, c)
		if err != nil && !errors.IsAny(err, context.Canceled) {
			log.Error(ctx, errors.Wrap(err, "running scheduler"))
		}
		select {
		case <-ctx.Done():
		case <-time.After(c.RetryDelay):
		}
	}
	return ctx.Err()
}

func runOnce(ctx context.Context, cli *clientv3.Client, c Config) error {
	sess, err := concurrency.NewSession(cli,
		concurrency.WithTTL(c.SessionTTL),
		concurrency.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "new etcd session")
	}
	defer func() {
		if err := sess.Close(); err != nil {
			// NoReturnErr: The lease expires on its own.
			log.Error(ctx, errors.Wrap(err, "close session"))
		}
	}()
	log.Info(ctx, "created session", j.KV("etcd_lease", sess.Lease()))

	store, err := etcdstore.New(sess, c.Namespace, etcdstore.Options{
		MemberName:          c.Member,
		Log:                 log.Jettison{},
		ExpiryCheckInterval: c.ExpiryCheckInterval,
	})
	if err != nil {
		return err
	}
	for _, task := range c.Tasks() {
		store.Handle(task, agentTask(task))
	}

	ctx = log.ContextWith(ctx, j.KV("member", store.SelfID()))
	sched := agentrink.New(store, store, store,
		agentrink.WithLogger(log.Jettison{}),
		agentrink.WithMetricsLabel(c.Namespace),
		agentrink.WithBootstrapTimeout(c.BootstrapTimeout),
		agentrink.WithReclaimStagger(c.ReclaimStagger),
		agentrink.WithNotifyLeader(func(leader bool) {
			log.Info(ctx, "leadership changed", j.KV("leader", leader))
		}),
	)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return store.Run(ctx)
	})
	eg.Go(func() error {
		return sched.Run(ctx)
	})
	eg.Go(func() error {
		return claimTasks(ctx, sched, c)
	})
	return eg.Wait()
}

func claimTasks(ctx context.Context, sched *agentrink.Scheduler, c Config) error {
	select {
	case <-sched.Ready():
	case <-ctx.Done():
		return ctx.Err()
	}
	if len(c.Register) > 0 {
		if err := sched.Register(ctx, c.Register...); err != nil {
			return errors.Wrap(err, "register tasks")
		}
	}
	if len(c.Pick) > 0 {
		if err := sched.Pick(ctx, c.Pick...); err != nil {
			return errors.Wrap(err, "pick tasks")
		}
	}
	log.Info(ctx, "tasks claimed", j.KV("picked", sched.PickedTasks()))
	return nil
}

// agentTask stands in for the agent bound to task. It runs until the task
// is lost with the session.
func agentTask(task string) agentrink.Runnable {
	return agentrink.RunnableFunc(func(ctx context.Context) error {
		log.Info(ctx, "agent started", j.KV("agent", task))
		<-ctx.Done()
		log.Info(ctx, "agent stopped", j.KV("agent", task))
		return ctx.Err()
	})
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	log.Info(ctx, "serving metrics", j.KV("addr", addr))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return errors.Wrap(err, "serve metrics")
}
