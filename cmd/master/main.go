// cmd/master/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"job-dispatcher/internal/app"
	"job-dispatcher/internal/config"
	"job-dispatcher/internal/domain"
	"job-dispatcher/internal/gateway"
	"job-dispatcher/internal/infra/etcd"
	"job-dispatcher/internal/master"
	"job-dispatcher/internal/scheduler"
	"job-dispatcher/internal/tracing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	configFile := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// 2. Initialize logger and tracer
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.New().String()
	}

	tracerShutdown, err := tracing.InitTracer("job-dispatcher-master", nodeID, cfg.TraceOutput)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	logger.Info("starting job dispatcher master", "node_id", nodeID, "store", cfg.Store.Driver)

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel, logger)

	if err := run(rootCtx, cfg, nodeID, logger); err != nil {
		logger.Error("master stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("master shut down")
}

func run(ctx context.Context, cfg *config.Config, nodeID string, logger *slog.Logger) error {
	// 4. Open the store and build the services
	rt, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("failed to close runtime", "error", err)
		}
	}()

	// 5. Leader election and cluster-wide locks need etcd
	var (
		locker   domain.Locker = scheduler.NewLocalLocker()
		leader   *scheduler.LeaderService
		presence *etcd.PresenceWatcher
	)
	dispatchGate := func() bool { return true }
	if rt.Etcd != nil {
		locker = etcd.NewEtcdLocker(rt.Etcd, cfg.EtcdPrefix)
		leaderManager := etcd.NewEtcdLeaderElectionManager(rt.Etcd, cfg.EtcdPrefix, nodeID, cfg.LeaderElectionTTL, logger)
		leader = scheduler.NewLeaderService(leaderManager, nodeID, logger)
		if cfg.Dispatcher.LeaderOnly {
			dispatchGate = leader.IsLeader
		}
		presence = etcd.NewPresenceWatcher(rt.Etcd, cfg.EtcdPrefix, rt.Registry, logger)
	}

	// 6. Periodic tasks
	cronScheduler := scheduler.NewCronScheduler(locker, logger)
	tasks := master.MaintenanceTasks(rt.Maintenance(), rt.Jobs, rt.Registry, logger)
	if cfg.Dispatcher.Interval > 0 {
		tasks = append(tasks, master.DispatchTask(rt.Dispatcher(), cfg.Dispatcher.Interval, dispatchGate))
	} else {
		logger.Warn("periodic dispatching disabled")
	}
	for _, task := range tasks {
		if err := cronScheduler.AddTask(task); err != nil {
			return err
		}
	}

	// 7. Worker gateway, metrics and health endpoints
	lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return err
	}
	grpcServer := gateway.NewGRPCServer(gateway.NewServer(rt.Jobs, rt.Registry, logger))
	server := &http.Server{
		Addr:              cfg.HttpListenAddr,
		Handler:           opsRouter(rt),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 8. Run everything until shutdown
	g, ctx := errgroup.WithContext(ctx)
	if leader != nil {
		g.Go(func() error { return ignoreCanceled(leader.Start(ctx)) })
	}
	if presence != nil {
		g.Go(func() error {
			presence.Watch(ctx)
			return nil
		})
	}
	g.Go(func() error { return ignoreCanceled(cronScheduler.Start(ctx)) })
	g.Go(func() error {
		logger.Info("worker gateway listening", "addr", cfg.GRPCListenAddr)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("ops server listening", "addr", cfg.HttpListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down gracefully...")
		grpcServer.GracefulStop()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func opsRouter(rt *app.Runtime) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if _, err := rt.Store.QueuedServiceTypes(req.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func setupGracefulShutdown(cancel context.CancelFunc, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()
}
