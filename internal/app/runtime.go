// Package app assembles the store and services from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"job-dispatcher/internal/config"
	"job-dispatcher/internal/domain"
	"job-dispatcher/internal/infra/etcd"
	"job-dispatcher/internal/infra/memory"
	"job-dispatcher/internal/infra/sqlstore"
	"job-dispatcher/internal/master"
	"job-dispatcher/internal/usecase"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Runtime holds the components shared by the master and the CLI.
type Runtime struct {
	Config   *config.Config
	Store    domain.Store
	Etcd     *clientv3.Client
	Failover *usecase.Failover
	Jobs     *usecase.JobService
	Registry *usecase.RegistryService
	logger   *slog.Logger
}

// New connects to the configured backend and builds the services.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	var client *clientv3.Client
	if len(cfg.EtcdEndpoints) > 0 {
		c, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to create etcd client: %w", err)
		}
		client = c
	}

	store, err := openStore(ctx, cfg, client, logger)
	if err != nil {
		if client != nil {
			_ = client.Close()
		}
		return nil, err
	}
	return NewWithStore(cfg, store, client, logger), nil
}

// NewWithStore builds the services on an already opened store. etcdClient
// may be nil.
func NewWithStore(cfg *config.Config, store domain.Store, etcdClient *clientv3.Client, logger *slog.Logger) *Runtime {
	failover := usecase.NewFailover(store, store, usecase.FailoverConfig{
		ErrorStatesEnabled:       cfg.Failover.ErrorStatesEnabled,
		MaxAttemptsBeforeError:   cfg.Failover.MaxAttemptsBeforeError,
		NoErrorStateServiceTypes: cfg.Failover.NoErrorStateServiceTypes,
	}, logger)
	return &Runtime{
		Config:   cfg,
		Store:    store,
		Etcd:     etcdClient,
		Failover: failover,
		Jobs: usecase.NewJobService(store, failover, usecase.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Automatic:   cfg.Retry.Automatic,
		}, logger),
		Registry: usecase.NewRegistryService(store, store, logger),
		logger:   logger,
	}
}

func openStore(ctx context.Context, cfg *config.Config, client *clientv3.Client, logger *slog.Logger) (domain.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return memory.NewStore(), nil
	case config.DriverSQLite:
		return sqlstore.Open(ctx, sqlstore.DialectSQLite, cfg.Store.DSN, logger)
	case config.DriverMySQL:
		return sqlstore.Open(ctx, sqlstore.DialectMySQL, cfg.Store.DSN, logger)
	case config.DriverEtcd:
		if client == nil {
			return nil, errors.New("etcd store requires etcd_endpoints")
		}
		return etcd.NewStore(client, cfg.EtcdPrefix, logger), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// Dispatcher returns a dispatcher configured from Config.
func (rt *Runtime) Dispatcher() *master.Dispatcher {
	return master.NewDispatcher(rt.Store, master.DispatcherConfig{
		BatchLimit:           rt.Config.Dispatcher.BatchLimit,
		ClaimsPerSecond:      rt.Config.Dispatcher.ClaimsPerSecond,
		AllowWarningServices: rt.Config.Dispatcher.AllowWarningServices,
	}, rt.logger)
}

// Maintenance returns the housekeeping settings from Config.
func (rt *Runtime) Maintenance() master.MaintenanceConfig {
	return master.MaintenanceConfig{
		HeartbeatCheck:   rt.Config.Maintenance.HeartbeatCheck,
		HeartbeatTimeout: rt.Config.Maintenance.HeartbeatTimeout,
		GCSchedule:       rt.Config.Maintenance.GCSchedule,
		JobLifetime:      rt.Config.Maintenance.JobLifetime,
	}
}

// Close releases the store and the etcd client.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Store != nil {
		errs = append(errs, rt.Store.Close())
	}
	if rt.Etcd != nil {
		errs = append(errs, rt.Etcd.Close())
	}
	return errors.Join(errs...)
}
