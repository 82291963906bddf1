package master

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"job-dispatcher/internal/scheduler"
	"job-dispatcher/internal/usecase"
)

// Task names double as cluster lock names.
const (
	TaskDispatch       = "dispatch"
	TaskHeartbeatSweep = "heartbeat-sweep"
	TaskJobGC          = "job-gc"
)

// MaintenanceConfig schedules the housekeeping tasks. Empty schedules and
// zero durations disable the corresponding task.
type MaintenanceConfig struct {
	HeartbeatCheck   string
	HeartbeatTimeout time.Duration
	GCSchedule       string
	JobLifetime      time.Duration
}

// DispatchTask runs a dispatcher cycle every interval. gate may be nil.
func DispatchTask(d *Dispatcher, interval time.Duration, gate func() bool) scheduler.Task {
	return scheduler.Task{
		Name:     TaskDispatch,
		Schedule: fmt.Sprintf("@every %s", interval),
		Gate:     gate,
		Run: func(ctx context.Context) error {
			_, err := d.RunCycle(ctx)
			return err
		},
	}
}

// MaintenanceTasks returns the enabled housekeeping tasks. They are
// exclusive, so only one node runs each of them at a time.
func MaintenanceTasks(cfg MaintenanceConfig, jobs *usecase.JobService, registry *usecase.RegistryService, logger *slog.Logger) []scheduler.Task {
	var tasks []scheduler.Task
	if cfg.HeartbeatCheck != "" && cfg.HeartbeatTimeout > 0 {
		tasks = append(tasks, scheduler.Task{
			Name:      TaskHeartbeatSweep,
			Schedule:  cfg.HeartbeatCheck,
			Exclusive: true,
			Run: func(ctx context.Context) error {
				hosts, err := registry.MarkUnresponsiveHosts(ctx, cfg.HeartbeatTimeout)
				if len(hosts) > 0 {
					logger.Info("heartbeat sweep marked hosts offline", "hosts", hosts)
				}
				return err
			},
		})
	}
	if cfg.GCSchedule != "" && cfg.JobLifetime > 0 {
		tasks = append(tasks, scheduler.Task{
			Name:      TaskJobGC,
			Schedule:  cfg.GCSchedule,
			Exclusive: true,
			Run: func(ctx context.Context) error {
				_, err := jobs.RemoveParentlessJobs(ctx, cfg.JobLifetime)
				return err
			},
		})
	}
	return tasks
}
