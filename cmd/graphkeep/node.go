package main

import (
	"context"
	"errors"
	"fmt"
	"net"

	goredis "github.com/redis/go-redis/v9"

	"github.com/graphkeep/graphkeep/config"
	"github.com/graphkeep/graphkeep/pkg/api"
	"github.com/graphkeep/graphkeep/pkg/api/handlers"
	"github.com/graphkeep/graphkeep/pkg/availability"
	"github.com/graphkeep/graphkeep/pkg/cluster"
	"github.com/graphkeep/graphkeep/pkg/delegate"
	gkgrpc "github.com/graphkeep/graphkeep/pkg/grpc"
	"github.com/graphkeep/graphkeep/pkg/grpc/client"
	"github.com/graphkeep/graphkeep/pkg/grpc/interceptors"
	"github.com/graphkeep/graphkeep/pkg/locks"
	"github.com/graphkeep/graphkeep/pkg/lockswitch"
	"github.com/graphkeep/graphkeep/pkg/logger"
	"github.com/graphkeep/graphkeep/pkg/master"
	"github.com/graphkeep/graphkeep/pkg/masterswitch"
	"github.com/graphkeep/graphkeep/pkg/metrics"
	"github.com/graphkeep/graphkeep/pkg/modeswitch"
	"github.com/graphkeep/graphkeep/pkg/reqctx"
	"github.com/graphkeep/graphkeep/pkg/storage"
	"github.com/graphkeep/graphkeep/pkg/storage/badger"
	"github.com/graphkeep/graphkeep/pkg/storage/memory"
	gkredis "github.com/graphkeep/graphkeep/pkg/storage/redis"
	"github.com/graphkeep/graphkeep/pkg/switcher"
)

// node is one graphkeep process: the role switchers and everything serving
// them.
type node struct {
	cfg     *config.Config
	log     logger.Logger
	metrics *metrics.Manager

	epochs    storage.EpochStore
	clients   []goredis.UniversalClient
	coord     cluster.Coordinator
	lifecycle *cluster.NodeLifecycleManager
	elector   *cluster.LeaderElector

	guard    *availability.Guard
	endpoint *master.Endpoint
	locks    *delegate.Handler[locks.Locks]
	masters  *masterswitch.Switcher
	lockSw   *lockswitch.Switcher
	group    *switcher.Group
	driver   *modeswitch.Driver

	grpc *gkgrpc.Server
	http *api.HTTPServer

	cancel context.CancelFunc
	done   chan struct{}
}

// newNode assembles a node from cfg. Nothing is started.
func newNode(cfg *config.Config, log logger.Logger) (*node, error) {
	n := &node{
		cfg: cfg,
		log: log,
		metrics: metrics.NewManager(metrics.Config{
			Enabled:               cfg.Metrics.Enabled,
			Path:                  cfg.Metrics.Path,
			SwitchDurationBuckets: metrics.DefaultConfig().SwitchDurationBuckets,
			HTTPDurationBuckets:   metrics.DefaultConfig().HTTPDurationBuckets,
		}),
		endpoint: &master.Endpoint{},
		locks:    delegate.New[locks.Locks](lockswitch.Name),
	}

	epochs, err := n.openEpochStore()
	if err != nil {
		return nil, err
	}
	n.epochs = epochs

	if err := n.build(); err != nil {
		_ = n.closeStore()
		return nil, err
	}
	return n, nil
}

func (n *node) openEpochStore() (storage.EpochStore, error) {
	sc := n.cfg.Storage
	switch sc.Type {
	case "badger":
		store, err := badger.NewBadgerStorage(&badger.Config{
			Path:              sc.Badger.Path,
			SyncWrites:        sc.Badger.SyncWrites,
			ValueLogFileSize:  sc.Badger.ValueLogFileSize,
			NumVersionsToKeep: sc.Badger.NumVersionsToKeep,
		})
		if err != nil {
			return nil, fmt.Errorf("open badger epoch store: %w", err)
		}
		n.log.Info("epoch store opened", "type", "badger", "path", sc.Badger.Path)
		return store, nil
	case "redis":
		client := n.redisClient(sc.Redis)
		n.log.Info("epoch store opened", "type", "redis", "address", sc.Redis.Address)
		return gkredis.NewRedisStorage(client, sc.Redis.Prefix), nil
	default:
		n.log.Warn("epoch store is in memory, epochs do not survive a restart")
		return memory.NewMemoryStorage(), nil
	}
}

func (n *node) redisClient(rc config.RedisConfig) goredis.UniversalClient {
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    []string{rc.Address},
		Password: rc.Password,
		DB:       rc.DB,
	})
	n.clients = append(n.clients, client)
	return client
}

func (n *node) openCoordinator() (cluster.Coordinator, error) {
	cc := n.cfg.Cluster
	switch cc.Backend {
	case "", "memory":
		n.log.Warn("cluster coordination is in memory, nodes in other processes are not seen")
		return cluster.NewMemoryCoordinator(), nil
	case "redis":
		n.log.Info("cluster coordination through redis", "address", cc.Redis.Address)
		return cluster.NewRedisCoordinator(n.redisClient(cc.Redis), cc.Redis.Prefix), nil
	default:
		return nil, fmt.Errorf("unsupported coordination backend %q", cc.Backend)
	}
}

func (n *node) build() error {
	cfg := n.cfg
	nodeID := cfg.Cluster.NodeID

	coord, err := n.openCoordinator()
	if err != nil {
		return err
	}
	n.coord = coord

	n.guard = availability.NewGuard(
		availability.WithLogger(logger.Component("availability")),
		availability.WithObserver(n.metrics),
	)

	grpcOpts := []gkgrpc.Option{gkgrpc.WithLogger(n.log)}
	if n.metrics.Enabled() {
		grpcOpts = append(grpcOpts, gkgrpc.WithMetrics(interceptors.NewMetrics(n.metrics.Registry())))
	}
	grpcSrv, err := gkgrpc.New(cfg.Server.GRPC.ToGRPCConfig(cfg.Server.Host, cfg.Tracing.Enabled), grpcOpts...)
	if err != nil {
		return fmt.Errorf("create grpc server: %w", err)
	}
	grpcSrv.RegisterService(&gkgrpc.MasterServiceDesc, gkgrpc.NewMasterService(n.endpoint, nodeID))
	n.grpc = grpcSrv

	switchOpts := []switcher.Option{switcher.WithObserver(n.metrics)}
	masters := delegate.New[master.Master](masterswitch.Name)

	msOpts := []masterswitch.Option{
		masterswitch.WithLogger(logger.Component("masterswitch")),
		masterswitch.WithLockObserver(n.metrics),
	}
	if h := grpcSrv.Health(); h != nil {
		msOpts = append(msOpts, masterswitch.WithHealth(h))
	}
	n.masters, err = masterswitch.New(masters, n.epochs, coord, n.endpoint,
		masterswitch.Config{
			NodeID:      nodeID,
			Session:     nodeID,
			LockTimeout: cfg.Locks.AcquireTimeout,
			Client:      clientOptions(cfg),
		},
		msOpts, switchOpts...)
	if err != nil {
		return err
	}

	n.lockSw, err = lockswitch.New(n.locks, masters, reqctx.NewFactoryWithSession(nodeID), n.guard,
		locks.NewFactory(cfg.Locks.AcquireTimeout),
		lockswitch.Config{
			Slave:       cfg.Locks.SlaveConfig(),
			MasterLocks: n.masters.MasterLocks,
		},
		[]lockswitch.Option{
			lockswitch.WithLogger(logger.Component("lockswitch")),
			lockswitch.WithObserver(n.metrics),
		}, switchOpts...)
	if err != nil {
		return err
	}

	n.group = switcher.NewGroup(n.guard, logger.Component("switcher"))
	if err := n.group.Register(n.masters); err != nil {
		return err
	}
	if err := n.group.Register(n.lockSw); err != nil {
		return err
	}

	n.lifecycle, err = cluster.NewNodeLifecycleManager(coord,
		cluster.NodeRegistration{NodeID: nodeID, Address: cfg.Cluster.Address},
		cfg.Cluster.LifecycleConfig(), cluster.WithLifecycleLogger(n.log))
	if err != nil {
		return err
	}
	n.elector, err = cluster.NewLeaderElector(coord, nodeID, cfg.Cluster.ElectorConfig(), cluster.WithElectorLogger(n.log))
	if err != nil {
		return err
	}

	n.driver, err = modeswitch.New(modeswitch.Config{
		NodeID:        nodeID,
		RetryInterval: cfg.Cluster.SwitchRetryInterval,
	}, n.group, n.elector, coord, n.guard, n.log)
	if err != nil {
		return err
	}
	n.lifecycle.SetStateChangeHook(func(from, to cluster.HealthState) {
		n.driver.ObserveHealth(from, to)
		n.metrics.RecordHealthTransition(string(to))
	})

	n.http = api.NewHTTPServer(cfg, n.log, &api.Handlers{
		Health:         handlers.NewHealthHandler(nodeID, n.guard),
		Status:         handlers.NewStatusHandler(nodeID, n.group, n.driver, n.guard, n.masters, n.endpoint),
		Locks:          handlers.NewLocksHandler(n.lockSw, n.endpoint, n.locks),
		Metrics:        n.metrics,
		MetricsHandler: n.metrics.Handler(),
	})
	return nil
}

// clientOptions is the template for connections to a remote master.
func clientOptions(cfg *config.Config) *client.Options {
	opts := client.DefaultOptions("")
	opts.MaxMsgSize = cfg.Server.GRPC.MaxMsgSize
	opts.TLS = cfg.Server.GRPC.ToGRPCConfig(cfg.Server.Host, false).TLS
	return opts
}

// start serves on the configured addresses and joins the cluster.
func (n *node) start(ctx context.Context) error {
	grpcLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", n.cfg.Server.Host, n.cfg.Server.GRPC.Port))
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	httpLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", n.cfg.Server.Host, n.cfg.Server.Port))
	if err != nil {
		_ = grpcLn.Close()
		return fmt.Errorf("listen http: %w", err)
	}
	return n.serve(ctx, grpcLn, httpLn)
}

// serve starts every component on the given listeners.
func (n *node) serve(ctx context.Context, grpcLn, httpLn net.Listener) error {
	if err := n.grpc.Serve(grpcLn); err != nil {
		_ = grpcLn.Close()
		_ = httpLn.Close()
		return fmt.Errorf("serve grpc: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.done = make(chan struct{})
	go func() {
		defer close(n.done)
		if err := n.driver.Run(runCtx); err != nil {
			n.log.Error("mode switch driver stopped", "error", err)
		}
	}()

	if err := n.lifecycle.Start(ctx); err != nil {
		_ = httpLn.Close()
		return fmt.Errorf("join cluster: %w", err)
	}
	if err := n.elector.Start(ctx); err != nil {
		_ = httpLn.Close()
		return fmt.Errorf("start leader election: %w", err)
	}

	go func() {
		if err := n.http.Serve(httpLn); err != nil {
			n.log.Error("admin server stopped", "error", err)
		}
	}()
	return nil
}

// stop shuts the node down in reverse start order. Every step runs; the
// errors are joined.
func (n *node) stop(ctx context.Context) error {
	var errs []error
	if n.http != nil {
		errs = append(errs, n.http.Shutdown(ctx))
	}
	if n.elector != nil {
		errs = append(errs, n.elector.Stop(ctx))
	}
	if n.cancel != nil {
		n.cancel()
		<-n.done
	}
	if n.lifecycle != nil {
		errs = append(errs, n.lifecycle.Stop(ctx))
	}
	if n.group != nil {
		errs = append(errs, n.group.Shutdown(ctx))
	}
	if n.grpc != nil {
		errs = append(errs, n.grpc.Stop(ctx))
	}
	errs = append(errs, n.closeStore())
	return errors.Join(errs...)
}

func (n *node) closeStore() error {
	var errs []error
	if n.epochs != nil {
		errs = append(errs, n.epochs.Close())
	}
	for _, c := range n.clients {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
