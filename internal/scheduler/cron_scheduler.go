// internal/scheduler/cron_scheduler.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"job-dispatcher/internal/domain"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Task is periodic work run by the CronScheduler.
type Task struct {
	Name string
	// Schedule is a cron spec with seconds, or a descriptor such as
	// "@every 5s".
	Schedule string
	// Exclusive tasks take a cluster-wide lock named after the task and are
	// skipped when another node holds it.
	Exclusive bool
	// Gate, if set, must return true for the task to run.
	Gate func() bool
	Run  func(ctx context.Context) error
}

// CronScheduler triggers tasks at the right time. Runs of one task never
// overlap.
type CronScheduler struct {
	cron    *cron.Cron
	locker  domain.Locker
	entries map[string]cron.EntryID
	mu      sync.Mutex
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewCronScheduler creates a scheduler. locker may be nil if no task is
// exclusive.
func NewCronScheduler(locker domain.Locker, logger *slog.Logger) *CronScheduler {
	logger = logger.With("component", "cron-scheduler")
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger})),
	)
	return &CronScheduler{
		cron:    c,
		locker:  locker,
		entries: make(map[string]cron.EntryID),
		logger:  logger,
		tracer:  otel.Tracer("job-dispatcher-scheduler"),
	}
}

// Start runs the scheduler until ctx is done and waits for running tasks.
func (s *CronScheduler) Start(ctx context.Context) error {
	s.logger.Info("cron scheduler started")
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopping...")
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("cron scheduler stopped")
	return ctx.Err()
}

// AddTask schedules t, replacing any task with the same name.
func (s *CronScheduler) AddTask(t Task) error {
	if t.Exclusive && s.locker == nil {
		return fmt.Errorf("task %s is exclusive but no locker is configured", t.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[t.Name]; ok {
		s.cron.Remove(entryID)
	}

	wrapper := &cronTaskWrapper{
		task:   t,
		locker: s.locker,
		logger: s.logger.With("task", t.Name),
		tracer: s.tracer,
	}

	entryID, err := s.cron.AddJob(t.Schedule, wrapper)
	if err != nil {
		s.logger.Error("failed to add task to cron", "task", t.Name, "error", err)
		return fmt.Errorf("invalid schedule %q for task %s: %w", t.Schedule, t.Name, err)
	}

	s.entries[t.Name] = entryID
	s.logger.Info("added task to scheduler", "task", t.Name, "schedule", t.Schedule)
	return nil
}

// RemoveTask unschedules a task.
func (s *CronScheduler) RemoveTask(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[name]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, name)
		s.logger.Info("removed task from scheduler", "task", name)
	}
}

// Tasks returns the names of the scheduled tasks.
func (s *CronScheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

type cronTaskWrapper struct {
	task   Task
	locker domain.Locker
	logger *slog.Logger
	tracer trace.Tracer
}

// Run is called by the cron library.
func (w *cronTaskWrapper) Run() {
	if w.task.Gate != nil && !w.task.Gate() {
		return
	}
	w.execute(context.Background())
}

func (w *cronTaskWrapper) execute(ctx context.Context) {
	ctx, span := w.tracer.Start(ctx, "scheduler.RunTask",
		trace.WithAttributes(attribute.String("task.name", w.task.Name)))
	defer span.End()

	if w.task.Exclusive {
		lock, err := w.locker.Lock(ctx, w.task.Name)
		if errors.Is(err, domain.ErrLockNotAcquired) {
			w.logger.Debug("task is running elsewhere, skipping")
			return
		}
		if err != nil {
			w.logger.Error("failed to acquire task lock", "error", err)
			span.RecordError(err)
			return
		}
		defer func() {
			if err := lock.Unlock(context.Background()); err != nil {
				w.logger.Warn("failed to release task lock", "error", err)
			}
		}()
	}

	if err := w.task.Run(ctx); err != nil {
		w.logger.Error("task failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "task failed")
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
