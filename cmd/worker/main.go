// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"job-dispatcher/internal/config"
	"job-dispatcher/internal/domain"
	"job-dispatcher/internal/gateway"
	"job-dispatcher/internal/infra/etcd"
	http_infra "job-dispatcher/internal/infra/http"
	shell_infra "job-dispatcher/internal/infra/shell"
	"job-dispatcher/internal/tracing"
	"job-dispatcher/internal/worker"
)

func main() {
	configFile := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	// 1. Init config, logger and tracer
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := errors.Join(cfg.Validate(), cfg.ValidateWorker()); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("host", cfg.Worker.Host)
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("job-dispatcher-worker", cfg.Worker.Host, cfg.TraceOutput)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	logger.Info("starting worker node", "gateway", cfg.Worker.GatewayAddr, "services", cfg.Worker.Services)

	// 2. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel, logger)

	// 3. Connect to the master
	gw, err := gateway.Dial(cfg.Worker.GatewayAddr)
	if err != nil {
		log.Fatalf("Failed to connect to the worker gateway: %v", err)
	}
	defer gw.Close()

	// 4. Announce presence in etcd when the cluster runs one
	if len(cfg.EtcdEndpoints) > 0 {
		etcdClient, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			log.Fatalf("Failed to create etcd client: %v", err)
		}
		defer etcdClient.Close()

		presence := worker.NewPresence(etcdClient, cfg.EtcdPrefix, logger)
		regCtx, regCancel := context.WithTimeout(rootCtx, 5*time.Second)
		err = presence.Register(regCtx, cfg.Worker.Host, int64(cfg.Worker.PresenceTTL.Seconds()))
		regCancel()
		if err != nil {
			log.Fatalf("Failed to register presence: %v", err)
		}
		defer func() {
			deregCtx, deregCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer deregCancel()
			if err := presence.Deregister(deregCtx); err != nil {
				logger.Error("failed to deregister presence", "error", err)
			}
		}()
	}

	// 5. Instantiate executors, keyed by operation
	executors := map[string]domain.TaskExecutor{
		"shell": shell_infra.NewShellTaskExecutor(cfg.Worker.ShellTimeout, logger),
		"http":  http_infra.NewHttpTaskExecutor(cfg.Worker.HTTPTimeout, cfg.Worker.HTTPRetries, 500*time.Millisecond),
	}

	// 6. Run the agent until shutdown
	agent := worker.NewAgent(gw, executors, worker.Config{
		Host:         cfg.Worker.Host,
		MaxLoad:      cfg.Worker.MaxLoad,
		ServiceTypes: cfg.Worker.Services,
		PollInterval: cfg.Worker.PollInterval,
	}, logger)
	runErr := agent.Run(rootCtx)
	agent.Wait()
	if runErr != nil {
		logger.Error("worker agent stopped with error", "error", runErr)
	}

	logger.Info("worker node shut down")
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
