// internal/worker/agent.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"job-dispatcher/internal/domain"
	"job-dispatcher/internal/gateway"
	"job-dispatcher/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Gateway is the part of the worker gateway the agent talks to.
type Gateway interface {
	RegisterWorker(ctx context.Context, host string, maxLoad float64, serviceTypes []string) (*gateway.RegisterWorkerResponse, error)
	Heartbeat(ctx context.Context, host string) error
	PollJobs(ctx context.Context, host string, serviceTypes []string) ([]*domain.Job, error)
	ReportSuccess(ctx context.Context, id, payload string) (*domain.Job, error)
	ReportFailure(ctx context.Context, id string, reason domain.FailureReason) (*domain.Job, error)
}

// Config describes the host an agent runs for.
type Config struct {
	Host         string
	MaxLoad      float64
	ServiceTypes []string
	PollInterval time.Duration
}

// Agent runs the jobs the dispatcher assigns to one host. It learns about
// assignments, cancellations and pauses by polling: a job that is no longer
// RUNNING on this host is stopped.
type Agent struct {
	gw        Gateway
	executors map[string]domain.TaskExecutor
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewAgent creates an agent. executors are keyed by job operation.
func NewAgent(gw Gateway, executors map[string]domain.TaskExecutor, cfg Config, logger *slog.Logger) *Agent {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Agent{
		gw:        gw,
		executors: executors,
		cfg:       cfg,
		logger:    logger.With("component", "worker-agent", "host", cfg.Host),
		tracer:    otel.Tracer("job-dispatcher-worker"),
		running:   make(map[string]context.CancelFunc),
	}
}

// Run registers the host and polls until ctx is done. Jobs still running
// when Run returns are stopped without being reported.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}
	defer a.stopAll()

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		a.Poll(ctx)
		select {
		case <-ctx.Done():
			a.logger.Info("worker agent stopping")
			return nil
		case <-ticker.C:
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	op := func() error {
		_, err := a.gw.RegisterWorker(ctx, a.cfg.Host, a.cfg.MaxLoad, a.cfg.ServiceTypes)
		if errors.Is(err, domain.ErrValidation) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		a.logger.Warn("registration failed, retrying", "error", err, "retry_in", next)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx), notify); err != nil {
		return fmt.Errorf("failed to register worker %s: %w", a.cfg.Host, err)
	}
	a.logger.Info("worker registered", "service_types", a.cfg.ServiceTypes, "max_load", a.cfg.MaxLoad)
	return nil
}

// Poll heartbeats, starts newly assigned jobs and stops jobs that left the
// RUNNING state.
func (a *Agent) Poll(ctx context.Context) {
	if err := a.gw.Heartbeat(ctx, a.cfg.Host); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.logger.Warn("host unknown to the registry, registering again")
			if err := a.register(ctx); err != nil {
				a.logger.Error("re-registration failed", "error", err)
			}
		} else {
			a.logger.Warn("heartbeat failed", "error", err)
		}
	}

	jobs, err := a.gw.PollJobs(ctx, a.cfg.Host, a.cfg.ServiceTypes)
	if err != nil {
		a.logger.Warn("failed to poll jobs", "error", err)
		return
	}
	assigned := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		assigned[job.ID] = struct{}{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for id, cancel := range a.running {
		if _, ok := assigned[id]; !ok {
			a.logger.Info("job no longer running here, stopping", "job_id", id)
			cancel()
		}
	}
	for _, job := range jobs {
		if _, ok := a.running[job.ID]; ok {
			continue
		}
		jobCtx, cancel := context.WithCancel(ctx)
		a.running[job.ID] = cancel
		a.wg.Add(1)
		go a.execute(jobCtx, job)
	}
}

// Running returns the ids of the jobs currently executing.
func (a *Agent) Running() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.running))
	for id := range a.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until every started job has returned.
func (a *Agent) Wait() {
	a.wg.Wait()
}

func (a *Agent) stopAll() {
	a.mu.Lock()
	for _, cancel := range a.running {
		cancel()
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Agent) forget(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cancel, ok := a.running[id]; ok {
		cancel()
		delete(a.running, id)
	}
}

func (a *Agent) execute(ctx context.Context, job *domain.Job) {
	defer a.wg.Done()
	defer a.forget(job.ID)

	ctx, span := a.tracer.Start(ctx, "worker.execute",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.operation", job.Operation),
		))
	defer span.End()
	logger := a.logger.With("job_id", job.ID, "operation", job.Operation)

	logger.Info("executing job")
	payload, execErr := a.run(ctx, job)

	if ctx.Err() != nil {
		logger.Info("job stopped before completion")
		span.AddEvent("stopped")
		metrics.WorkerExecutionsTotal.WithLabelValues(job.Operation, "stopped").Inc()
		return
	}

	if execErr != nil {
		reason := domain.FailureReasonProcessing
		if errors.Is(execErr, domain.ErrInvalidInput) {
			reason = domain.FailureReasonData
		}
		logger.Warn("job failed", "reason", reason, "error", execErr)
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "job execution failed")
		metrics.WorkerExecutionsTotal.WithLabelValues(job.Operation, "failed").Inc()
		a.report(ctx, logger, func(ctx context.Context) error {
			_, err := a.gw.ReportFailure(ctx, job.ID, reason)
			return err
		})
		return
	}

	span.SetStatus(codes.Ok, "job execution successful")
	metrics.WorkerExecutionsTotal.WithLabelValues(job.Operation, "succeeded").Inc()
	a.report(ctx, logger, func(ctx context.Context) error {
		_, err := a.gw.ReportSuccess(ctx, job.ID, payload)
		return err
	})
}

func (a *Agent) run(ctx context.Context, job *domain.Job) (payload string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	executor, ok := a.executors[job.Operation]
	if !ok {
		return "", fmt.Errorf("no executor for operation %q", job.Operation)
	}
	return executor.Execute(ctx, job)
}

// report delivers a job outcome, retrying transport failures. Rejections by
// the dispatcher are final.
func (a *Agent) report(ctx context.Context, logger *slog.Logger, call func(context.Context) error) {
	op := func() error {
		err := call(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrValidation) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(op, b); err != nil {
		logger.Error("failed to report job outcome", "error", err)
	}
}
